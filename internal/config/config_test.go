package config

import (
	"log/slog"
	"os"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, env := range []string{
		"USSDGW_DATA_DIR", "USSDGW_DATABASE_URL", "USSDGW_HTTP_PORT", "USSDGW_SIP_PORT",
		"USSDGW_SIP_TRANSPORTS", "USSDGW_LOG_LEVEL", "USSDGW_USE_TO", "USSDGW_CREATE_TIMEOUT",
		"USSDGW_PUBLIC_URL", "USSDGW_USSD_GATEWAY_URI", "USSDGW_DOCUMENT_TIMEOUT",
		"USSDGW_SMTP_HOST", "USSDGW_SMTP_FROM", "USSDGW_SMTP_TLS",
		"USSDGW_SIP_TRUSTED_HOSTS", "USSDGW_CALL_RETENTION_DAYS",
	} {
		t.Setenv(env, "")
		os.Unsetenv(env)
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DataDir != defaultDataDir {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, defaultDataDir)
	}
	if cfg.HTTPPort != defaultHTTPPort {
		t.Errorf("HTTPPort = %d, want %d", cfg.HTTPPort, defaultHTTPPort)
	}
	if cfg.SIPPort != defaultSIPPort {
		t.Errorf("SIPPort = %d, want %d", cfg.SIPPort, defaultSIPPort)
	}
	if cfg.CreateTimeout != 500*time.Millisecond {
		t.Errorf("CreateTimeout = %v, want 500ms", cfg.CreateTimeout)
	}
	if cfg.APIVersion != "2012-04-24" {
		t.Errorf("APIVersion = %q, want 2012-04-24", cfg.APIVersion)
	}
	if cfg.UseTo {
		t.Error("UseTo should default to false")
	}
	if got := cfg.Transports(); len(got) != 2 || got[0] != "udp" || got[1] != "tcp" {
		t.Errorf("Transports() = %v, want [udp tcp]", got)
	}
}

func TestEnvVarOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("USSDGW_HTTP_PORT", "9090")
	t.Setenv("USSDGW_DATA_DIR", "/tmp/ussdgw-test")
	t.Setenv("USSDGW_LOG_LEVEL", "debug")
	t.Setenv("USSDGW_USE_TO", "true")
	t.Setenv("USSDGW_CREATE_TIMEOUT", "2s")
	t.Setenv("USSDGW_USSD_GATEWAY_URI", "gw.example.com:5060;transport=tcp")

	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 9090 {
		t.Errorf("HTTPPort = %d, want 9090", cfg.HTTPPort)
	}
	if cfg.DataDir != "/tmp/ussdgw-test" {
		t.Errorf("DataDir = %q, want /tmp/ussdgw-test", cfg.DataDir)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if !cfg.UseTo {
		t.Error("UseTo = false, want true from env")
	}
	if cfg.CreateTimeout != 2*time.Second {
		t.Errorf("CreateTimeout = %v, want 2s", cfg.CreateTimeout)
	}
	if cfg.GatewayURI != "gw.example.com:5060;transport=tcp" {
		t.Errorf("GatewayURI = %q", cfg.GatewayURI)
	}
}

func TestInvalidEnvIgnored(t *testing.T) {
	clearEnv(t)
	t.Setenv("USSDGW_HTTP_PORT", "eighty")

	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPPort != defaultHTTPPort {
		t.Errorf("HTTPPort = %d, want default %d", cfg.HTTPPort, defaultHTTPPort)
	}
}

func TestCLIFlagsPrecedence(t *testing.T) {
	clearEnv(t)
	t.Setenv("USSDGW_HTTP_PORT", "9090")
	t.Setenv("USSDGW_LOG_LEVEL", "debug")

	cfg, err := Parse([]string{"--http-port", "3000", "--log-level", "warn"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 3000 {
		t.Errorf("HTTPPort = %d, want 3000 (CLI should override env)", cfg.HTTPPort)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn (CLI should override env)", cfg.LogLevel)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"invalid port", []string{"--http-port", "99999"}},
		{"invalid log level", []string{"--log-level", "verbose"}},
		{"invalid trace", []string{"--sip-trace", "everything"}},
		{"unsupported transport", []string{"--sip-transports", "udp,sctp"}},
		{"empty transports", []string{"--sip-transports", " , "}},
		{"zero create timeout", []string{"--create-timeout", "0s"}},
		{"relative public url", []string{"--public-url", "/apps"}},
		{"zero document timeout", []string{"--document-timeout", "0s"}},
		{"invalid smtp tls", []string{"--smtp-tls", "ssl"}},
		{"smtp host without from", []string{"--smtp-host", "mail.example.com"}},
		{"negative retention", []string{"--call-retention-days", "-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			if _, err := Parse(tt.args); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestRouterConfig(t *testing.T) {
	clearEnv(t)
	cfg, err := Parse([]string{
		"--use-to",
		"--public-url", "https://apps.example.com/ussd/",
		"--ussd-gateway-uri", "gw.example.com",
		"--ussd-gateway-user", "node",
		"--ussd-gateway-password", "secret",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rc := cfg.RouterConfig()
	if !rc.UseTo {
		t.Error("UseTo not carried into router config")
	}
	if rc.PublicURL == nil || rc.PublicURL.Host != "apps.example.com" {
		t.Errorf("PublicURL = %v, want apps.example.com", rc.PublicURL)
	}
	if rc.Gateway.URI != "gw.example.com" || rc.Gateway.Username != "node" || rc.Gateway.Password != "secret" {
		t.Errorf("Gateway = %+v", rc.Gateway)
	}
	if rc.CreateTimeout != defaultCreateTimeout {
		t.Errorf("CreateTimeout = %v, want %v", rc.CreateTimeout, defaultCreateTimeout)
	}
}

func TestTransportsDeduplicated(t *testing.T) {
	cfg := &Config{SIPTransports: "TCP, udp,tcp"}
	got := cfg.Transports()
	if len(got) != 2 || got[0] != "tcp" || got[1] != "udp" {
		t.Errorf("Transports() = %v, want [tcp udp]", got)
	}
}

func TestJWTSecretBytes(t *testing.T) {
	cfg := &Config{}
	key, err := cfg.JWTSecretBytes()
	if err != nil {
		t.Fatalf("JWTSecretBytes() error: %v", err)
	}
	if len(key) != 32 || cfg.JWTSecret == "" {
		t.Error("expected generated 32-byte secret stored back in config")
	}

	bad := &Config{JWTSecret: "abcd"}
	if _, err := bad.JWTSecretBytes(); err == nil {
		t.Error("expected error for short secret")
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.level}
			if got := cfg.SlogLevel(); got != tt.want {
				t.Errorf("SlogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSMTPConfig(t *testing.T) {
	clearEnv(t)
	t.Setenv("USSDGW_SMTP_HOST", "mail.example.com")
	t.Setenv("USSDGW_SMTP_FROM", "ussdgw@example.com")

	cfg, err := Parse([]string{"--smtp-tls", "TLS", "--smtp-port", "465"})
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	smtp := cfg.SMTPConfig()
	if !smtp.Valid() {
		t.Fatalf("SMTPConfig() = %+v, want valid", smtp)
	}
	if smtp.Host != "mail.example.com" || smtp.Port != "465" || smtp.TLS != "tls" {
		t.Errorf("SMTPConfig() = %+v", smtp)
	}

	clearEnv(t)
	cfg, err = Parse(nil)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if cfg.SMTPConfig().Valid() {
		t.Error("SMTP should be disabled by default")
	}
	if cfg.DocumentTimeout != 10*time.Second {
		t.Errorf("DocumentTimeout = %s, want 10s", cfg.DocumentTimeout)
	}
}

func TestTrustedHostsAndRetention(t *testing.T) {
	clearEnv(t)
	t.Setenv("USSDGW_SIP_TRUSTED_HOSTS", " 203.0.113.10, ,198.51.100.0/24 ")
	t.Setenv("USSDGW_CALL_RETENTION_DAYS", "30")

	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	hosts := cfg.TrustedHosts()
	if len(hosts) != 2 || hosts[0] != "203.0.113.10" || hosts[1] != "198.51.100.0/24" {
		t.Errorf("TrustedHosts() = %v", hosts)
	}
	if cfg.CallRetentionDays != 30 {
		t.Errorf("CallRetentionDays = %d, want 30", cfg.CallRetentionDays)
	}

	clearEnv(t)
	t.Setenv("USSDGW_CALL_RETENTION_DAYS", "forever")
	cfg, err = Parse(nil)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if cfg.CallRetentionDays != 0 || len(cfg.TrustedHosts()) != 0 {
		t.Errorf("defaults not kept: retention %d hosts %v", cfg.CallRetentionDays, cfg.TrustedHosts())
	}
}
