package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/iotvault/iotvault-go/pkg/session"
	"github.com/iotvault/iotvault-go/pkg/transport"
)

// Environment variables read after the config file and flags.
const (
	EnvPassphrase = "IOTVAULT_PASSPHRASE"
	EnvOTPAPIKey  = "IOTVAULT_OTP_API_KEY"
)

// Config holds the server configuration.
type Config struct {
	Listen  string `yaml:"listen"`
	DataDir string `yaml:"data_dir"`

	// Passphrase protects the installation key. Prefer EnvPassphrase over
	// putting it in the file.
	Passphrase string `yaml:"passphrase"`

	TLS       TLSConfig       `yaml:"tls"`
	OTP       OTPConfig       `yaml:"otp"`
	Session   SessionConfig   `yaml:"session"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Advertise AdvertiseConfig `yaml:"advertise"`
	Log       LogConfig       `yaml:"log"`

	MaxMessageSize uint32 `yaml:"max_message_size"`
	MetricsAddr    string `yaml:"metrics_addr"`
}

// TLSConfig locates the server certificate.
type TLSConfig struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`

	// Generate creates a self-signed certificate for Hosts when Cert does
	// not exist yet.
	Generate bool     `yaml:"generate"`
	Hosts    []string `yaml:"hosts"`
}

// OTPConfig configures one-time code delivery.
type OTPConfig struct {
	URL         string `yaml:"url"`
	APIKey      string `yaml:"api_key"`
	MaxAttempts int    `yaml:"max_attempts"`
}

// SessionConfig bounds the handshake.
type SessionConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	StepTimeout time.Duration `yaml:"step_timeout"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// RateLimitConfig throttles new connections per remote IP.
type RateLimitConfig struct {
	PerMinute int `yaml:"per_minute"`
	Burst     int `yaml:"burst"`
}

// AdvertiseConfig controls mDNS advertisement.
type AdvertiseConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Instance  string `yaml:"instance"`
	Name      string `yaml:"name"`
	Interface string `yaml:"interface"`
}

// LogConfig selects the log format and the audit log file.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Audit  string `yaml:"audit"`

	// Frames records raw frames for debugging. Frames carry one-time codes
	// and signatures; never enable in production.
	Frames string `yaml:"frames"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Listen:  fmt.Sprintf(":%d", transport.DefaultPort),
		DataDir: "data",
		TLS: TLSConfig{
			Cert:  "server.crt",
			Key:   "server.key",
			Hosts: []string{"localhost", "127.0.0.1"},
		},
		Session: SessionConfig{
			MaxAttempts: session.DefaultMaxAttempts,
			StepTimeout: 60 * time.Second,
		},
		RateLimit: RateLimitConfig{PerMinute: 60, Burst: 10},
		Advertise: AdvertiseConfig{Instance: "iotvault"},
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}

// LoadConfigFile merges the YAML file at path over cfg. Unknown keys are
// rejected.
func LoadConfigFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// ApplyEnv fills secrets from the environment when set.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv(EnvPassphrase); v != "" {
		c.Passphrase = v
	}
	if v := getenv(EnvOTPAPIKey); v != "" {
		c.OTP.APIKey = v
	}
}

// Validate checks the configuration for missing or inconsistent values.
func (c *Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if c.Passphrase == "" {
		errs = append(errs, fmt.Errorf("passphrase is required (set %s)", EnvPassphrase))
	}
	if c.TLS.Cert == "" || c.TLS.Key == "" {
		errs = append(errs, errors.New("tls.cert and tls.key are required"))
	}
	if c.OTP.APIKey != "" && c.OTP.URL == "" {
		errs = append(errs, errors.New("otp.url is required when otp.api_key is set"))
	}
	if c.Session.MaxAttempts < 0 {
		errs = append(errs, errors.New("session.max_attempts must not be negative"))
	}
	if c.Session.StepTimeout < 0 || c.Session.IdleTimeout < 0 {
		errs = append(errs, errors.New("session timeouts must not be negative"))
	}
	if c.RateLimit.PerMinute < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("rate_limit values must not be negative"))
	}
	if c.Advertise.Enabled && c.Advertise.Instance == "" {
		errs = append(errs, errors.New("advertise.instance is required when advertising"))
	}
	if c.Log.Frames != "" && c.Log.Frames == c.Log.Audit {
		errs = append(errs, errors.New("log.frames and log.audit must be different files"))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}
