package config

import (
	"flag"
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
)

// Flags holds command-line flag values.
type Flags struct {
	ConfigPath     string
	Hostname       string
	LogLevel       string
	SMTPListen     string
	POP3Listen     string
	TLSCert        string
	TLSKey         string
	MaxMessageSize int
	MaxConnections int
	Database       string
	EmailsDir      string
}

// ParseFlags parses command-line flags and returns a Flags struct.
func ParseFlags() *Flags {
	f := &Flags{}

	flag.StringVar(&f.ConfigPath, "config", "./maild.toml", "Path to configuration file")
	flag.StringVar(&f.Hostname, "hostname", "", "Server hostname")
	flag.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.StringVar(&f.SMTPListen, "smtp-listen", "", "SMTP listen address (replaces configured SMTP listeners)")
	flag.StringVar(&f.POP3Listen, "pop3-listen", "", "POP3 listen address (replaces configured POP3 listeners)")
	flag.StringVar(&f.TLSCert, "tls-cert", "", "TLS certificate file path")
	flag.StringVar(&f.TLSKey, "tls-key", "", "TLS key file path")
	flag.IntVar(&f.MaxMessageSize, "max-message-size", 0, "Maximum message size in bytes")
	flag.IntVar(&f.MaxConnections, "max-connections", 0, "Maximum concurrent connections per listener")
	flag.StringVar(&f.Database, "database", "", "Path to the metadata database")
	flag.StringVar(&f.EmailsDir, "emails-dir", "", "Directory for message content files")

	flag.Parse()
	return f
}

// Load parses a TOML configuration file and returns the Config.
// If the file does not exist, returns the default configuration.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	var fileConfig FileConfig
	if err := toml.Unmarshal(data, &fileConfig); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}

	cfg = mergeConfig(cfg, fileConfig.Maild)

	return cfg, nil
}

// ApplyFlags merges command-line flag values into the config.
// Non-zero/non-empty flag values override config file values.
func ApplyFlags(cfg Config, f *Flags) Config {
	if f.Hostname != "" {
		cfg.Hostname = f.Hostname
	}

	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}

	if f.SMTPListen != "" {
		cfg.SMTP.Listeners = []ListenerConfig{
			{Address: f.SMTPListen, Mode: ModeSmtp},
		}
	}

	if f.POP3Listen != "" {
		cfg.POP3.Listeners = []ListenerConfig{
			{Address: f.POP3Listen, Mode: ModePop3},
		}
	}

	if f.TLSCert != "" {
		cfg.TLS.CertFile = f.TLSCert
	}

	if f.TLSKey != "" {
		cfg.TLS.KeyFile = f.TLSKey
	}

	if f.MaxMessageSize > 0 {
		cfg.Limits.MaxMessageSize = f.MaxMessageSize
	}

	if f.MaxConnections > 0 {
		cfg.Limits.MaxConnections = f.MaxConnections
	}

	if f.Database != "" {
		cfg.Storage.Database = f.Database
	}

	if f.EmailsDir != "" {
		cfg.Storage.EmailsDir = f.EmailsDir
	}

	return cfg
}

// LoadWithFlags loads configuration from the path specified in flags,
// then applies flag overrides.
func LoadWithFlags(f *Flags) (Config, error) {
	cfg, err := Load(f.ConfigPath)
	if err != nil {
		return cfg, err
	}
	return ApplyFlags(cfg, f), nil
}

// mergeConfig merges non-zero values from src into dst.
func mergeConfig(dst, src Config) Config {
	if src.Hostname != "" {
		dst.Hostname = src.Hostname
	}

	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}

	if len(src.SMTP.Listeners) > 0 {
		dst.SMTP.Listeners = src.SMTP.Listeners
	}

	if len(src.POP3.Listeners) > 0 {
		dst.POP3.Listeners = src.POP3.Listeners
	}

	if src.TLS.CertFile != "" {
		dst.TLS.CertFile = src.TLS.CertFile
	}

	if src.TLS.KeyFile != "" {
		dst.TLS.KeyFile = src.TLS.KeyFile
	}

	if src.TLS.MinVersion != "" {
		dst.TLS.MinVersion = src.TLS.MinVersion
	}

	if src.Limits.MaxMessageSize > 0 {
		dst.Limits.MaxMessageSize = src.Limits.MaxMessageSize
	}

	if src.Limits.MaxRecipients > 0 {
		dst.Limits.MaxRecipients = src.Limits.MaxRecipients
	}

	if src.Limits.MaxConnections > 0 {
		dst.Limits.MaxConnections = src.Limits.MaxConnections
	}

	if src.Timeouts.Connection != "" {
		dst.Timeouts.Connection = src.Timeouts.Connection
	}

	if src.Timeouts.Command != "" {
		dst.Timeouts.Command = src.Timeouts.Command
	}

	if src.Timeouts.Session != "" {
		dst.Timeouts.Session = src.Timeouts.Session
	}

	if src.Timeouts.Grace != "" {
		dst.Timeouts.Grace = src.Timeouts.Grace
	}

	if src.Storage.Database != "" {
		dst.Storage.Database = src.Storage.Database
	}

	if src.Storage.EmailsDir != "" {
		dst.Storage.EmailsDir = src.Storage.EmailsDir
	}

	dst.Auth = src.Auth

	if src.Metrics.Address != "" {
		dst.Metrics.Address = src.Metrics.Address
	}

	if src.Metrics.Path != "" {
		dst.Metrics.Path = src.Metrics.Path
	}

	dst.Metrics.Enabled = src.Metrics.Enabled

	dst.SpamCheck = src.SpamCheck

	return dst
}
