package sip

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"
)

// SourceACL restricts which peers may open USSD sessions. Typically these
// are the addresses of the USSD gateway. An empty ACL admits everyone.
type SourceACL struct {
	prefixes []netip.Prefix
	logger   *slog.Logger
}

// NewSourceACL parses hosts, each a plain IP address or a CIDR range,
// e.g. "203.0.113.10" or "198.51.100.0/24".
func NewSourceACL(hosts []string, logger *slog.Logger) (*SourceACL, error) {
	prefixes := make([]netip.Prefix, 0, len(hosts))
	for _, h := range hosts {
		prefix, err := parseCIDROrIP(h)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted host %q: %w", h, err)
		}
		prefixes = append(prefixes, prefix)
	}

	acl := &SourceACL{
		prefixes: prefixes,
		logger:   logger.With("subsystem", "acl"),
	}
	if len(prefixes) > 0 {
		acl.logger.Info("sip source acl enabled", "prefixes", len(prefixes))
	}
	return acl, nil
}

// Allowed reports whether source, an "ip" or "ip:port" string, may open a
// session.
func (a *SourceACL) Allowed(source string) bool {
	if a == nil || len(a.prefixes) == 0 {
		return true
	}

	addr, err := parseAddr(source)
	if err != nil {
		a.logger.Warn("failed to parse source ip for acl match", "source", source, "error", err)
		return false
	}
	addr = addr.Unmap()

	for _, prefix := range a.prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// Len returns the number of configured prefixes.
func (a *SourceACL) Len() int {
	if a == nil {
		return 0
	}
	return len(a.prefixes)
}

// parseCIDROrIP parses a string as either a CIDR prefix or a single IP address.
// Single IPs are converted to /32 (IPv4) or /128 (IPv6) prefixes.
func parseCIDROrIP(s string) (netip.Prefix, error) {
	prefix, err := netip.ParsePrefix(s)
	if err == nil {
		return prefix.Masked(), nil
	}

	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("not a valid ip or cidr: %s", s)
	}

	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// parseAddr parses an IP string that may include a port (e.g. "192.168.1.1:5060")
// and returns just the address portion.
func parseAddr(ipStr string) (netip.Addr, error) {
	if host, _, err := net.SplitHostPort(ipStr); err == nil {
		return netip.ParseAddr(host)
	}
	return netip.ParseAddr(ipStr)
}
