// Package config provides configuration management for the mail platform.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"time"
)

// ListenerMode defines the operational mode for a listener.
type ListenerMode string

const (
	// ModeSmtp is standard SMTP on port 25.
	ModeSmtp ListenerMode = "smtp"
	// ModeSubmission is authenticated submission on port 587.
	ModeSubmission ListenerMode = "submission"
	// ModeSmtps is implicit TLS on port 465.
	ModeSmtps ListenerMode = "smtps"
	// ModePop3 is standard POP3 on port 110.
	ModePop3 ListenerMode = "pop3"
	// ModePop3s is implicit TLS on port 995.
	ModePop3s ListenerMode = "pop3s"
)

// ImplicitTLS reports whether the mode requires a TLS handshake before any
// protocol bytes are exchanged.
func (m ListenerMode) ImplicitTLS() bool {
	return m == ModeSmtps || m == ModePop3s
}

// FileConfig is the top-level wrapper for the configuration file.
type FileConfig struct {
	Maild Config `toml:"maild"`
}

// Config holds the complete mail platform configuration.
type Config struct {
	Hostname string `toml:"hostname"`
	LogLevel string `toml:"log_level"`

	SMTP     ServiceConfig  `toml:"smtp"`
	POP3     ServiceConfig  `toml:"pop3"`
	TLS      TLSConfig      `toml:"tls"`
	Limits   LimitsConfig   `toml:"limits"`
	Timeouts TimeoutsConfig `toml:"timeouts"`
	Storage  StorageConfig  `toml:"storage"`
	Auth     AuthConfig     `toml:"auth"`
	Metrics  MetricsConfig  `toml:"metrics"`

	SpamCheck SpamCheckConfig `toml:"spamcheck"`
}

// ServiceConfig groups the listeners for one protocol.
type ServiceConfig struct {
	Listeners []ListenerConfig `toml:"listeners"`
}

// ListenerConfig defines settings for a single listener.
type ListenerConfig struct {
	Address string       `toml:"address"`
	Mode    ListenerMode `toml:"mode"`
}

// TLSConfig holds TLS certificate and version settings.
type TLSConfig struct {
	CertFile   string `toml:"cert_file"`
	KeyFile    string `toml:"key_file"`
	MinVersion string `toml:"min_version"`
}

// LimitsConfig defines resource limits for the servers.
type LimitsConfig struct {
	MaxMessageSize int `toml:"max_message_size"`
	MaxRecipients  int `toml:"max_recipients"`
	MaxConnections int `toml:"max_connections"`
}

// TimeoutsConfig defines timeout durations.
type TimeoutsConfig struct {
	Connection string `toml:"connection"`
	Command    string `toml:"command"`
	Session    string `toml:"session"`
	Grace      string `toml:"grace"`
}

// StorageConfig holds paths for the message store.
type StorageConfig struct {
	Database  string `toml:"database"`
	EmailsDir string `toml:"emails_dir"`
}

// AuthConfig holds authentication policy settings.
type AuthConfig struct {
	// RequireAuth rejects MAIL FROM on unauthenticated SMTP sessions.
	RequireAuth bool `toml:"require_auth"`
	// AllowInsecureAuth permits AUTH over plaintext connections.
	AllowInsecureAuth bool `toml:"allow_insecure_auth"`
	// EnableAPOP advertises and accepts the APOP command on POP3 listeners.
	EnableAPOP bool `toml:"enable_apop"`
}

// SpamCheckConfig holds spam filtering policy and backends.
type SpamCheckConfig struct {
	Enabled bool `toml:"enabled"`
	// FailMode is the behavior when no checker answers: open, tempfail
	// or reject.
	FailMode          string  `toml:"fail_mode"`
	RejectThreshold   float64 `toml:"reject_threshold"`
	TempFailThreshold float64 `toml:"tempfail_threshold"`

	Checkers []SpamCheckerConfig `toml:"checkers"`
}

// SpamCheckerConfig configures one spam checking backend.
type SpamCheckerConfig struct {
	Type     string `toml:"type"`
	URL      string `toml:"url"`
	Password string `toml:"password"`
	Timeout  string `toml:"timeout"`
}

// CheckTimeout returns the per-check timeout, defaulting to 10 seconds.
func (c *SpamCheckerConfig) CheckTimeout() time.Duration {
	return parseDurationOr(c.Timeout, 10*time.Second)
}

// MetricsConfig holds configuration for Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Path    string `toml:"path"`
}

// Default returns a Config with sensible default values.
func Default() Config {
	return Config{
		Hostname: "localhost",
		LogLevel: "info",
		SMTP: ServiceConfig{
			Listeners: []ListenerConfig{
				{Address: ":25", Mode: ModeSmtp},
			},
		},
		POP3: ServiceConfig{
			Listeners: []ListenerConfig{
				{Address: ":110", Mode: ModePop3},
			},
		},
		TLS: TLSConfig{
			MinVersion: "1.2",
		},
		Limits: LimitsConfig{
			MaxMessageSize: 26214400, // 25 MB
			MaxRecipients:  100,
			MaxConnections: 200,
		},
		Timeouts: TimeoutsConfig{
			Connection: "5m",
			Command:    "1m",
			Session:    "30m",
			Grace:      "10s",
		},
		Storage: StorageConfig{
			Database:  "maild.db",
			EmailsDir: "emails",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9100",
			Path:    "/metrics",
		},
	}
}

// Validate checks that the configuration is valid and returns an error if not.
func (c *Config) Validate() error {
	if c.Hostname == "" {
		return errors.New("hostname is required")
	}

	if len(c.SMTP.Listeners) == 0 && len(c.POP3.Listeners) == 0 {
		return errors.New("at least one listener is required")
	}

	for i, l := range c.SMTP.Listeners {
		if l.Address == "" {
			return fmt.Errorf("smtp listener %d: address is required", i)
		}
		switch l.Mode {
		case ModeSmtp, ModeSubmission, ModeSmtps:
		default:
			return fmt.Errorf("smtp listener %d: invalid mode %q", i, l.Mode)
		}
	}

	for i, l := range c.POP3.Listeners {
		if l.Address == "" {
			return fmt.Errorf("pop3 listener %d: address is required", i)
		}
		switch l.Mode {
		case ModePop3, ModePop3s:
		default:
			return fmt.Errorf("pop3 listener %d: invalid mode %q", i, l.Mode)
		}
	}

	if c.Limits.MaxMessageSize <= 0 {
		return errors.New("max_message_size must be positive")
	}

	if c.Limits.MaxRecipients <= 0 {
		return errors.New("max_recipients must be positive")
	}

	if c.Limits.MaxConnections <= 0 {
		return errors.New("max_connections must be positive")
	}

	for name, v := range map[string]string{
		"connection": c.Timeouts.Connection,
		"command":    c.Timeouts.Command,
		"session":    c.Timeouts.Session,
		"grace":      c.Timeouts.Grace,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid %s timeout: %w", name, err)
		}
	}

	if c.TLS.MinVersion != "" {
		if _, ok := minTLSVersions[c.TLS.MinVersion]; !ok {
			return fmt.Errorf("invalid TLS min_version %q (valid: 1.0, 1.1, 1.2, 1.3)", c.TLS.MinVersion)
		}
	}

	if c.Storage.Database == "" {
		return errors.New("storage database path is required")
	}

	if c.Storage.EmailsDir == "" {
		return errors.New("storage emails_dir is required")
	}

	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			return errors.New("metrics address is required when metrics are enabled")
		}
		if c.Metrics.Path == "" {
			return errors.New("metrics path is required when metrics are enabled")
		}
	}

	if c.SpamCheck.Enabled {
		switch c.SpamCheck.FailMode {
		case "", "open", "tempfail", "reject":
		default:
			return fmt.Errorf("invalid spamcheck fail_mode %q (valid: open, tempfail, reject)", c.SpamCheck.FailMode)
		}
		if len(c.SpamCheck.Checkers) == 0 {
			return errors.New("spamcheck requires at least one checker when enabled")
		}
		for i, ck := range c.SpamCheck.Checkers {
			if ck.Type != "rspamd" {
				return fmt.Errorf("spamcheck checker %d: unknown type %q", i, ck.Type)
			}
			if ck.URL == "" {
				return fmt.Errorf("spamcheck checker %d: url is required", i)
			}
			if ck.Timeout != "" {
				if _, err := time.ParseDuration(ck.Timeout); err != nil {
					return fmt.Errorf("spamcheck checker %d: invalid timeout: %w", i, err)
				}
			}
		}
	}

	return nil
}

// MinTLSVersion returns the crypto/tls constant for the configured minimum TLS version.
// Returns tls.VersionTLS12 if not configured or invalid.
func (c *TLSConfig) MinTLSVersion() uint16 {
	if v, ok := minTLSVersions[c.MinVersion]; ok {
		return v
	}
	return tls.VersionTLS12
}

// ConnectionTimeout returns the idle connection timeout as a time.Duration.
// Returns 5 minutes if not configured or invalid.
func (c *TimeoutsConfig) ConnectionTimeout() time.Duration {
	return parseDurationOr(c.Connection, 5*time.Minute)
}

// CommandTimeout returns the per-command timeout as a time.Duration.
// Returns 1 minute if not configured or invalid.
func (c *TimeoutsConfig) CommandTimeout() time.Duration {
	return parseDurationOr(c.Command, 1*time.Minute)
}

// SessionTimeout returns the absolute session lifetime cap.
// Returns 30 minutes if not configured or invalid.
func (c *TimeoutsConfig) SessionTimeout() time.Duration {
	return parseDurationOr(c.Session, 30*time.Minute)
}

// GracePeriod returns the shutdown grace period for active sessions.
// Returns 10 seconds if not configured or invalid.
func (c *TimeoutsConfig) GracePeriod() time.Duration {
	return parseDurationOr(c.Grace, 10*time.Second)
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

var minTLSVersions = map[string]uint16{
	"1.0": tls.VersionTLS10,
	"1.1": tls.VersionTLS11,
	"1.2": tls.VersionTLS12,
	"1.3": tls.VersionTLS13,
}
