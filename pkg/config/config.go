// Package config loads the client configuration from a YAML file with
// TRUSTPOINT_ environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	"github.com/trustpoint-project/trustpoint-client-go/pkg/cert"
	"github.com/trustpoint-project/trustpoint-client-go/pkg/credential"
	"github.com/trustpoint-project/trustpoint-client-go/pkg/discovery"
	"github.com/trustpoint-project/trustpoint-client-go/pkg/renewal"
	"github.com/trustpoint-project/trustpoint-client-go/pkg/trustbundle"
)

// Default values.
const (
	DefaultAttemptLimit     = 3
	DefaultBackoffBase      = time.Second
	DefaultBackoffMax       = 30 * time.Second
	DefaultRoundTripTimeout = 10 * time.Second
	DefaultSessionDeadline  = 2 * time.Minute
	DefaultFallbackAfter    = 3
	DefaultStateDir         = "/var/lib/trustpoint-client"
	DefaultJournalFile      = "journal.cbor"
)

// Validation errors.
var (
	ErrInvalidTimeout     = errors.New("timeout must be positive")
	ErrInvalidAttempts    = errors.New("attempt limit must be at least 1")
	ErrInvalidBackoff     = errors.New("backoff base must be positive and not exceed backoff max")
	ErrInvalidHorizon     = errors.New("renewal horizon must be positive")
	ErrInvalidFingerprint = errors.New("invalid server fingerprint")
	ErrNoStateDir         = errors.New("state directory is required")
	ErrIdentityIncomplete = errors.New("identity certificate and key must be set together")
)

// Config is the client configuration.
type Config struct {
	// DiscoveryTimeout bounds one discovery scan.
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout" env:"TRUSTPOINT_DISCOVERY_TIMEOUT"`

	// Interface restricts discovery to one network interface.
	Interface string `yaml:"interface" env:"TRUSTPOINT_INTERFACE"`

	// AttemptLimit caps the connection attempts of one session.
	AttemptLimit int `yaml:"attempt_limit" env:"TRUSTPOINT_ATTEMPT_LIMIT"`

	// BackoffBase is the delay before the second attempt. Delays double
	// up to BackoffMax.
	BackoffBase time.Duration `yaml:"backoff_base" env:"TRUSTPOINT_BACKOFF_BASE"`
	BackoffMax  time.Duration `yaml:"backoff_max" env:"TRUSTPOINT_BACKOFF_MAX"`

	// RoundTripTimeout bounds each protocol exchange.
	RoundTripTimeout time.Duration `yaml:"round_trip_timeout" env:"TRUSTPOINT_ROUND_TRIP_TIMEOUT"`

	// SessionDeadline bounds a whole enrollment session.
	SessionDeadline time.Duration `yaml:"session_deadline" env:"TRUSTPOINT_SESSION_DEADLINE"`

	// RenewalHorizon is how far ahead of expiry renewal starts.
	RenewalHorizon time.Duration `yaml:"renewal_horizon" env:"TRUSTPOINT_RENEWAL_HORIZON"`

	// RenewalInterval is the time between scheduler passes.
	RenewalInterval time.Duration `yaml:"renewal_interval" env:"TRUSTPOINT_RENEWAL_INTERVAL"`

	// FallbackAfter is the number of consecutive connection failures
	// after which renewal rediscovers the anchor's server.
	FallbackAfter int `yaml:"fallback_after" env:"TRUSTPOINT_FALLBACK_AFTER"`

	// MaxConcurrentRenewals limits sessions per scheduler pass.
	MaxConcurrentRenewals int `yaml:"max_concurrent_renewals" env:"TRUSTPOINT_MAX_CONCURRENT_RENEWALS"`

	// Retention is how long superseded and revoked versions are kept.
	Retention time.Duration `yaml:"retention" env:"TRUSTPOINT_RETENTION"`

	// AllowedServerFingerprints restricts onboarding to these anchors.
	// Empty allows any discovered server.
	AllowedServerFingerprints []string `yaml:"allowed_server_fingerprints" env:"TRUSTPOINT_ALLOWED_SERVER_FINGERPRINTS"`

	// StateDir holds credential records, runtime state and the journal.
	StateDir string `yaml:"state_dir" env:"TRUSTPOINT_STATE_DIR"`

	// IdentityCert and IdentityKey are PEM files of the device identity.
	IdentityCert string `yaml:"identity_cert" env:"TRUSTPOINT_IDENTITY_CERT"`
	IdentityKey  string `yaml:"identity_key" env:"TRUSTPOINT_IDENTITY_KEY"`

	// DeviceID overrides the ID read from the identity certificate.
	DeviceID string `yaml:"device_id" env:"TRUSTPOINT_DEVICE_ID"`

	// OTP authenticates the trust anchor during onboarding.
	OTP           string `yaml:"otp" env:"TRUSTPOINT_OTP"`
	OTPIterations int    `yaml:"otp_iterations" env:"TRUSTPOINT_OTP_ITERATIONS"`

	// Journal is the event journal file. Relative paths are resolved
	// against StateDir. "-" disables the journal.
	Journal string `yaml:"journal" env:"TRUSTPOINT_JOURNAL"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		DiscoveryTimeout:      discovery.DefaultScanTimeout,
		AttemptLimit:          DefaultAttemptLimit,
		BackoffBase:           DefaultBackoffBase,
		BackoffMax:            DefaultBackoffMax,
		RoundTripTimeout:      DefaultRoundTripTimeout,
		SessionDeadline:       DefaultSessionDeadline,
		RenewalHorizon:        renewal.DefaultHorizon,
		RenewalInterval:       renewal.DefaultInterval,
		FallbackAfter:         DefaultFallbackAfter,
		MaxConcurrentRenewals: renewal.DefaultMaxConcurrent,
		Retention:             credential.DefaultRetention,
		StateDir:              DefaultStateDir,
		OTPIterations:         trustbundle.DefaultIterations,
		Journal:               DefaultJournalFile,
	}
}

// Load reads path on top of the defaults and applies environment
// overrides. An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg from TRUSTPOINT_ environment variables. List
// values are separated by semicolons.
func ApplyEnv(cfg *Config) error {
	err := envdecode.Decode(cfg)
	if err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("environment: %w", err)
	}
	return nil
}

// Validate checks bounds and fingerprint formats, normalizing the
// allowed fingerprints in place.
func (c *Config) Validate() error {
	for name, d := range map[string]time.Duration{
		"discovery_timeout":  c.DiscoveryTimeout,
		"round_trip_timeout": c.RoundTripTimeout,
		"session_deadline":   c.SessionDeadline,
		"renewal_interval":   c.RenewalInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s: %w", name, ErrInvalidTimeout)
		}
	}
	if c.AttemptLimit < 1 {
		return ErrInvalidAttempts
	}
	if c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase {
		return ErrInvalidBackoff
	}
	if c.RenewalHorizon <= 0 {
		return ErrInvalidHorizon
	}
	if c.FallbackAfter < 1 {
		return fmt.Errorf("fallback_after must be at least 1, got %d", c.FallbackAfter)
	}
	if c.MaxConcurrentRenewals < 1 {
		return fmt.Errorf("max_concurrent_renewals must be at least 1, got %d", c.MaxConcurrentRenewals)
	}
	if c.Retention < 0 {
		return fmt.Errorf("retention must not be negative")
	}
	if c.StateDir == "" {
		return ErrNoStateDir
	}
	if (c.IdentityCert == "") != (c.IdentityKey == "") {
		return ErrIdentityIncomplete
	}
	if c.OTPIterations < 1 {
		return fmt.Errorf("otp_iterations must be at least 1, got %d", c.OTPIterations)
	}
	for i, fp := range c.AllowedServerFingerprints {
		n := cert.NormalizeFingerprint(fp)
		if !cert.ValidFingerprint(n) {
			return fmt.Errorf("%w: %q", ErrInvalidFingerprint, fp)
		}
		c.AllowedServerFingerprints[i] = n
	}
	return nil
}

// JournalPath returns the journal file path, or "" when disabled.
func (c *Config) JournalPath() string {
	switch {
	case c.Journal == "" || c.Journal == "-":
		return ""
	case filepath.IsAbs(c.Journal):
		return c.Journal
	default:
		return filepath.Join(c.StateDir, c.Journal)
	}
}

// CredentialDir is where credential records are stored.
func (c *Config) CredentialDir() string {
	return filepath.Join(c.StateDir, "credentials")
}
