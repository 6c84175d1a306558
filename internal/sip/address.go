package sip

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/ussdgw/internal/ussd"
)

// Address is a parsed SIP URI satisfying ussd.Address.
type Address struct {
	uri sip.Uri
}

// User returns the URI user part.
func (a *Address) User() string {
	return a.uri.User
}

// Transport returns the transport URI parameter, or "" when absent.
func (a *Address) Transport() string {
	t, _ := a.uri.UriParams.Get("transport")
	return t
}

// URI returns a copy of the underlying URI.
func (a *Address) URI() sip.Uri {
	return *a.uri.Clone()
}

func (a *Address) String() string {
	return a.uri.String()
}

// AddressFactory builds SIP addresses of the form sip:user@host.
type AddressFactory struct{}

// CreateAddress parses sip:user@host. host may carry a port and URI
// parameters (for example "gw.example.com:5060;transport=tcp").
func (AddressFactory) CreateAddress(user, host string) (ussd.Address, error) {
	if user == "" {
		return nil, fmt.Errorf("%w: empty user", ussd.ErrMalformedAddress)
	}
	if strings.ContainsAny(user, "@:;<> \t") {
		return nil, fmt.Errorf("%w: invalid user %q", ussd.ErrMalformedAddress, user)
	}
	if host == "" {
		return nil, fmt.Errorf("%w: no gateway host for %q", ussd.ErrMalformedAddress, user)
	}

	var uri sip.Uri
	if err := sip.ParseUri("sip:"+user+"@"+host, &uri); err != nil {
		return nil, fmt.Errorf("%w: %v", ussd.ErrMalformedAddress, err)
	}
	if uri.Host == "" {
		return nil, fmt.Errorf("%w: no host in %q", ussd.ErrMalformedAddress, host)
	}
	return &Address{uri: uri}, nil
}

// toURI converts any ussd.Address into a sip.Uri.
func toURI(addr ussd.Address) (sip.Uri, error) {
	if a, ok := addr.(*Address); ok {
		return a.URI(), nil
	}
	var uri sip.Uri
	if err := sip.ParseUri(addr.String(), &uri); err != nil {
		return uri, fmt.Errorf("%w: %v", ussd.ErrMalformedAddress, err)
	}
	return uri, nil
}

// ListenerInterfaces advertises one URI per configured listener.
type ListenerInterfaces struct {
	addrs []ussd.Address
}

// NewListenerInterfaces builds sip:host:port;transport=t for each transport.
func NewListenerInterfaces(host string, port int, transports []string) (*ListenerInterfaces, error) {
	li := &ListenerInterfaces{}
	for _, t := range transports {
		var uri sip.Uri
		raw := "sip:" + host + ":" + strconv.Itoa(port) + ";transport=" + strings.ToLower(t)
		if err := sip.ParseUri(raw, &uri); err != nil {
			return nil, fmt.Errorf("parsing listener uri %q: %w", raw, err)
		}
		li.addrs = append(li.addrs, &Address{uri: uri})
	}
	return li, nil
}

// OutboundInterfaces returns the advertised listener URIs.
func (li *ListenerInterfaces) OutboundInterfaces() []ussd.Address {
	return li.addrs
}
