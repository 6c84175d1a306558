package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/flowpbx/ussdgw/internal/email"
	"github.com/flowpbx/ussdgw/internal/ussd"
)

// Config holds all runtime configuration for the ussdgw node.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir             string
	DatabaseURL         string // postgres DSN; empty selects sqlite in DataDir
	HTTPPort            int
	SIPHost             string
	SIPPort             int
	SIPTransports       string // comma-separated: udp, tcp
	LogLevel            string
	LogFormat           string // log output format: "text" or "json"
	SIPTrace            string // off, headers or full
	GatewayURI          string // host[:port][;transport=x] of the USSD gateway
	GatewayUser         string
	GatewayPassword     string
	APIVersion          string
	UseTo               bool // take the destination from the To header
	CreateTimeout       time.Duration
	PublicURL           string // base for relative application URLs
	JWTSecret           string // hex-encoded 32-byte secret for API bearer tokens
	OutboundCallTimeout time.Duration
	DocumentTimeout     time.Duration // per-request timeout for application fetches
	SMTPHost            string
	SMTPPort            string
	SMTPFrom            string
	SMTPUser            string
	SMTPPassword        string
	SMTPTLS             string // none, starttls or tls
	SIPTrustedHosts     string // comma-separated IPs/CIDRs allowed to open sessions; empty allows all
	CallRetentionDays   int    // 0 keeps call records forever
}

// defaults
const (
	defaultDataDir             = "./data"
	defaultHTTPPort            = 8080
	defaultSIPPort             = 5060
	defaultSIPTransports       = "udp,tcp"
	defaultLogLevel            = "info"
	defaultLogFormat           = "text"
	defaultSIPTrace            = "off"
	defaultAPIVersion          = "2012-04-24"
	defaultCreateTimeout       = ussd.DefaultCreateTimeout
	defaultOutboundCallTimeout = 60 * time.Second
	defaultDocumentTimeout     = 10 * time.Second
	defaultSMTPPort            = "587"
	defaultSMTPTLS             = "starttls"
	maxCallRetentionDays       = 3650
)

// envPrefix is the prefix for all ussdgw environment variables.
const envPrefix = "USSDGW_"

// Load parses configuration from os.Args and environment variables.
func Load() (*Config, error) {
	return Parse(os.Args[1:])
}

// Parse parses configuration from args and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Parse(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("ussdgw", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the embedded database")
	fs.StringVar(&cfg.DatabaseURL, "database-url", "", "postgres connection URL (sqlite in data-dir when empty)")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP API listen port")
	fs.StringVar(&cfg.SIPHost, "sip-host", "", "SIP listen address and advertised host (machine hostname if empty)")
	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "SIP listen port")
	fs.StringVar(&cfg.SIPTransports, "sip-transports", defaultSIPTransports, "comma-separated SIP transports (udp, tcp)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.SIPTrace, "sip-trace", defaultSIPTrace, "SIP message tracing (off, headers, full)")
	fs.StringVar(&cfg.GatewayURI, "ussd-gateway-uri", "", "USSD gateway host[:port][;transport=x] for outbound sessions")
	fs.StringVar(&cfg.GatewayUser, "ussd-gateway-user", "", "digest username toward the USSD gateway")
	fs.StringVar(&cfg.GatewayPassword, "ussd-gateway-password", "", "digest password toward the USSD gateway")
	fs.StringVar(&cfg.APIVersion, "api-version", defaultAPIVersion, "API version reported to applications")
	fs.BoolVar(&cfg.UseTo, "use-to", false, "route on the To header user instead of the Request-URI user")
	fs.DurationVar(&cfg.CreateTimeout, "create-timeout", defaultCreateTimeout, "maximum wait for a call actor to be created")
	fs.StringVar(&cfg.PublicURL, "public-url", "", "base URL for relative application URLs")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for API bearer tokens (auto-generated if empty)")
	fs.DurationVar(&cfg.OutboundCallTimeout, "outbound-call-timeout", defaultOutboundCallTimeout, "default ring timeout for pushed sessions")
	fs.DurationVar(&cfg.DocumentTimeout, "document-timeout", defaultDocumentTimeout, "timeout for each application document request")
	fs.StringVar(&cfg.SMTPHost, "smtp-host", "", "SMTP server for application failure notifications (disabled if empty)")
	fs.StringVar(&cfg.SMTPPort, "smtp-port", defaultSMTPPort, "SMTP server port")
	fs.StringVar(&cfg.SMTPFrom, "smtp-from", "", "sender address for notification emails")
	fs.StringVar(&cfg.SMTPUser, "smtp-user", "", "SMTP auth username")
	fs.StringVar(&cfg.SMTPPassword, "smtp-password", "", "SMTP auth password")
	fs.StringVar(&cfg.SMTPTLS, "smtp-tls", defaultSMTPTLS, "SMTP TLS mode (none, starttls, tls)")
	fs.StringVar(&cfg.SIPTrustedHosts, "sip-trusted-hosts", "", "comma-separated IPs or CIDRs allowed to start USSD sessions (all if empty)")
	fs.IntVar(&cfg.CallRetentionDays, "call-retention-days", 0, "delete ended USSD call records older than this many days (0 keeps them)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	fs.VisitAll(func(f *flag.Flag) {
		if set[f.Name] {
			return
		}
		envVar := envPrefix + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			return
		}
		switch f.Name {
		case "http-port", "sip-port", "call-retention-days":
			if _, err := strconv.Atoi(val); err != nil {
				slog.Warn("ignoring invalid integer env var", "env", envVar, "value", val)
				return
			}
		case "use-to":
			if _, err := strconv.ParseBool(val); err != nil {
				slog.Warn("ignoring invalid boolean env var", "env", envVar, "value", val)
				return
			}
		case "create-timeout", "outbound-call-timeout", "document-timeout":
			if _, err := time.ParseDuration(val); err != nil {
				slog.Warn("ignoring invalid duration env var", "env", envVar, "value", val)
				return
			}
		}
		if err := f.Value.Set(val); err != nil {
			slog.Warn("ignoring env var", "env", envVar, "error", err)
		}
	})
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.SIPPort < 1 || c.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 1 and 65535, got %d", c.SIPPort)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	validTrace := map[string]bool{"off": true, "headers": true, "full": true}
	if !validTrace[strings.ToLower(c.SIPTrace)] {
		return fmt.Errorf("sip-trace must be one of off, headers, full; got %q", c.SIPTrace)
	}
	c.SIPTrace = strings.ToLower(c.SIPTrace)

	transports := c.Transports()
	if len(transports) == 0 {
		return fmt.Errorf("sip-transports must name at least one transport")
	}
	for _, t := range transports {
		if t != "udp" && t != "tcp" {
			return fmt.Errorf("sip-transports: unsupported transport %q", t)
		}
	}

	if c.CreateTimeout <= 0 {
		return fmt.Errorf("create-timeout must be positive, got %s", c.CreateTimeout)
	}
	if c.OutboundCallTimeout <= 0 {
		return fmt.Errorf("outbound-call-timeout must be positive, got %s", c.OutboundCallTimeout)
	}
	if c.DocumentTimeout <= 0 {
		return fmt.Errorf("document-timeout must be positive, got %s", c.DocumentTimeout)
	}

	validTLS := map[string]bool{"none": true, "starttls": true, "tls": true}
	if !validTLS[strings.ToLower(c.SMTPTLS)] {
		return fmt.Errorf("smtp-tls must be one of none, starttls, tls; got %q", c.SMTPTLS)
	}
	c.SMTPTLS = strings.ToLower(c.SMTPTLS)
	if c.SMTPHost != "" && c.SMTPFrom == "" {
		return fmt.Errorf("smtp-from is required when smtp-host is set")
	}

	if c.PublicURL != "" {
		u, err := url.Parse(c.PublicURL)
		if err != nil || !u.IsAbs() {
			return fmt.Errorf("public-url must be an absolute URL, got %q", c.PublicURL)
		}
	}

	if c.APIVersion == "" {
		return fmt.Errorf("api-version must not be empty")
	}

	if c.CallRetentionDays < 0 || c.CallRetentionDays > maxCallRetentionDays {
		return fmt.Errorf("call-retention-days must be between 0 and %d, got %d", maxCallRetentionDays, c.CallRetentionDays)
	}

	return nil
}

// TrustedHosts returns the configured SIP source ACL entries.
func (c *Config) TrustedHosts() []string {
	var out []string
	for _, h := range strings.Split(c.SIPTrustedHosts, ",") {
		if h = strings.TrimSpace(h); h != "" {
			out = append(out, h)
		}
	}
	return out
}

// Transports returns the configured SIP transports, lower-cased and
// de-duplicated in order.
func (c *Config) Transports() []string {
	var out []string
	seen := make(map[string]bool)
	for _, t := range strings.Split(c.SIPTransports, ",") {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// Hostname returns the host used in advertised SIP URIs. It defaults to
// the machine hostname.
func (c *Config) Hostname() string {
	if c.SIPHost != "" {
		return c.SIPHost
	}
	hostname, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return hostname
}

// RouterConfig derives the session router configuration.
func (c *Config) RouterConfig() ussd.Config {
	var base *url.URL
	if c.PublicURL != "" {
		// Already validated.
		base, _ = url.Parse(c.PublicURL)
	}
	return ussd.Config{
		UseTo:         c.UseTo,
		APIVersion:    c.APIVersion,
		CreateTimeout: c.CreateTimeout,
		PublicURL:     base,
		Gateway: ussd.GatewayConfig{
			URI:      c.GatewayURI,
			Username: c.GatewayUser,
			Password: c.GatewayPassword,
		},
	}
}

// SMTPConfig returns the mail server settings for failure notifications.
func (c *Config) SMTPConfig() email.SMTPConfig {
	return email.SMTPConfig{
		Host:     c.SMTPHost,
		Port:     c.SMTPPort,
		From:     c.SMTPFrom,
		Username: c.SMTPUser,
		Password: c.SMTPPassword,
		TLS:      c.SMTPTLS,
	}
}

// JWTSecretBytes returns the decoded 32-byte JWT signing secret.
// If no secret is configured, it generates a random 32-byte key and stores
// the hex-encoded value back in the config for the process lifetime.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating jwt secret: %w", err)
		}
		c.JWTSecret = hex.EncodeToString(key)
		slog.Warn("no jwt-secret configured, generated ephemeral key (tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
