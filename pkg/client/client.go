// Package client is the public API of the Trustpoint device client. It
// wires discovery, enrollment, the credential store and the renewal
// scheduler behind onboard, status, renew, revoke and scan operations.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/trustpoint-project/trustpoint-client-go/internal/flight"
	"github.com/trustpoint-project/trustpoint-client-go/pkg/cert"
	"github.com/trustpoint-project/trustpoint-client-go/pkg/config"
	"github.com/trustpoint-project/trustpoint-client-go/pkg/connection"
	"github.com/trustpoint-project/trustpoint-client-go/pkg/credential"
	"github.com/trustpoint-project/trustpoint-client-go/pkg/discovery"
	"github.com/trustpoint-project/trustpoint-client-go/pkg/enrollment"
	"github.com/trustpoint-project/trustpoint-client-go/pkg/identity"
	"github.com/trustpoint-project/trustpoint-client-go/pkg/log"
	"github.com/trustpoint-project/trustpoint-client-go/pkg/onboarding"
	"github.com/trustpoint-project/trustpoint-client-go/pkg/persistence"
	"github.com/trustpoint-project/trustpoint-client-go/pkg/renewal"
)

// Client errors.
var (
	ErrNoDefaultAnchor = errors.New("no default anchor; name a fingerprint")
	ErrAmbiguousAnchor = errors.New("fingerprint prefix matches more than one anchor")
)

// Discoverer lists servers on the local network.
type Discoverer interface {
	Collect(ctx context.Context, timeout time.Duration) ([]*discovery.Record, error)
}

// Config configures a Client.
type Config struct {
	// Store holds credentials. Required.
	Store credential.Store

	// Session is the enrollment session template. A nil Identity limits
	// the client to read-only operations.
	Session enrollment.Config

	// Discoverer finds servers. Nil disables Onboard, Scan and endpoint
	// fallback.
	Discoverer Discoverer

	// State persists the default anchor and failure counters. Nil keeps
	// them in memory only.
	State *persistence.StateStore

	DiscoveryTimeout      time.Duration
	AllowedFingerprints   []string
	RenewalInterval       time.Duration
	RenewalHorizon        time.Duration
	Retention             time.Duration
	FallbackAfter         int
	MaxConcurrentRenewals int

	// Clock returns the current time. Default: time.Now.
	Clock func() time.Time

	// Logger for operational logs. Nil disables logging.
	Logger *slog.Logger

	// Journal receives lifecycle events.
	Journal log.Logger
}

// Client is a device-side PKI client.
type Client struct {
	config    Config
	guard     *flight.Guard
	onboarder *onboarding.Orchestrator
	scheduler *renewal.Scheduler
	defaultFP string
	closers   []func() error
	closed    bool
}

// New creates a client and loads the credential store.
func New(cfg Config) (*Client, error) {
	if cfg.Store == nil {
		return nil, errors.New("client: store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.DiscoveryTimeout <= 0 {
		cfg.DiscoveryTimeout = discovery.DefaultScanTimeout
	}
	if err := cfg.Store.Load(); err != nil {
		return nil, fmt.Errorf("client: load store: %w", err)
	}

	c := &Client{config: cfg, guard: flight.NewGuard()}
	if cfg.Session.Identity != nil {
		if err := c.wire(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// wire builds the orchestrator and scheduler around one shared guard.
func (c *Client) wire() error {
	cfg := c.config

	var disc onboarding.Discoverer
	var rdisc renewal.Discoverer
	if cfg.Discoverer != nil {
		disc, rdisc = cfg.Discoverer, cfg.Discoverer
	}

	o, err := onboarding.NewOrchestrator(onboarding.Config{
		Store:               cfg.Store,
		Session:             cfg.Session,
		Discoverer:          disc,
		DiscoveryTimeout:    cfg.DiscoveryTimeout,
		AllowedFingerprints: cfg.AllowedFingerprints,
		Guard:               c.guard,
		Clock:               cfg.Clock,
		Logger:              cfg.Logger,
		Journal:             cfg.Journal,
	})
	if err != nil {
		return err
	}

	s, err := renewal.NewScheduler(renewal.Config{
		Store:            cfg.Store,
		Session:          cfg.Session,
		Guard:            c.guard,
		Discoverer:       rdisc,
		DiscoveryTimeout: cfg.DiscoveryTimeout,
		State:            cfg.State,
		Interval:         cfg.RenewalInterval,
		Horizon:          cfg.RenewalHorizon,
		Retention:        cfg.Retention,
		FallbackAfter:    cfg.FallbackAfter,
		MaxConcurrent:    cfg.MaxConcurrentRenewals,
		Clock:            cfg.Clock,
		Logger:           cfg.Logger,
		Journal:          cfg.Journal,
	})
	if err != nil {
		return err
	}

	c.onboarder = o
	c.scheduler = s
	return nil
}

// FromConfig builds a client from a loaded configuration: a file store
// and state file under StateDir, the identity from PEM files, and a
// zeroconf scanner. The journal is opened when configured and closed by
// Close.
func FromConfig(cfg *config.Config, logger *slog.Logger) (*Client, error) {
	var journal log.Logger = log.NoopLogger{}
	var closers []func() error
	if path := cfg.JournalPath(); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
		fl, err := log.NewFileLogger(path)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		journal = fl
		closers = append(closers, fl.Close)
	}

	session := enrollment.Config{
		AttemptLimit: cfg.AttemptLimit,
		Backoff: connection.BackoffConfig{
			Initial:    cfg.BackoffBase,
			Max:        cfg.BackoffMax,
			Multiplier: 2,
			Jitter:     0.25,
		},
		RoundTripTimeout: cfg.RoundTripTimeout,
		Deadline:         cfg.SessionDeadline,
		OTP:              cfg.OTP,
		OTPIterations:    cfg.OTPIterations,
	}
	if cfg.IdentityCert != "" {
		p, err := identity.NewFileProvider(cfg.IdentityCert, cfg.IdentityKey, cfg.DeviceID)
		if err != nil {
			closeAll(closers)
			return nil, err
		}
		session.Identity = p
	}

	scanner := discovery.NewScanner(discovery.ScannerConfig{
		Interface: cfg.Interface,
		Logger:    logger,
		Journal:   journal,
	})
	closers = append(closers, func() error { scanner.Close(); return nil })

	storeCfg := credential.StoreConfig{Logger: logger, Journal: journal}
	c, err := New(Config{
		Store:                 credential.NewFileStore(afero.NewOsFs(), cfg.CredentialDir(), storeCfg),
		Session:               session,
		Discoverer:            scanner,
		State:                 persistence.NewStateStore(filepath.Join(cfg.StateDir, persistence.DefaultStateFile)),
		DiscoveryTimeout:      cfg.DiscoveryTimeout,
		AllowedFingerprints:   cfg.AllowedServerFingerprints,
		RenewalInterval:       cfg.RenewalInterval,
		RenewalHorizon:        cfg.RenewalHorizon,
		Retention:             cfg.Retention,
		FallbackAfter:         cfg.FallbackAfter,
		MaxConcurrentRenewals: cfg.MaxConcurrentRenewals,
		Logger:                logger,
		Journal:               journal,
	})
	if err != nil {
		closeAll(closers)
		return nil, err
	}
	c.closers = closers
	return c, nil
}

func closeAll(closers []func() error) error {
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close releases the scanner and the journal.
func (c *Client) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return closeAll(c.closers)
}

func (c *Client) debugLog(msg string, args ...any) {
	if c.config.Logger != nil {
		c.config.Logger.Debug(msg, args...)
	}
}

// Store returns the credential store.
func (c *Client) Store() credential.Store { return c.config.Store }

// Onboard discovers servers and enrolls with the first candidate that
// completes. The first onboarded anchor becomes the default.
func (c *Client) Onboard(ctx context.Context) (*credential.Credential, error) {
	if c.onboarder == nil {
		return nil, enrollment.ErrNoIdentity
	}
	cred, err := c.onboarder.Onboard(ctx)
	if err != nil {
		return nil, err
	}
	c.adoptDefault(cred.AnchorFingerprint)
	return cred, nil
}

// OnboardEndpoint enrolls with an explicitly named server. fingerprint
// may be empty when an OTP is configured.
func (c *Client) OnboardEndpoint(ctx context.Context, endpoint credential.Endpoint, fingerprint string) (*credential.Credential, error) {
	if c.onboarder == nil {
		return nil, enrollment.ErrNoIdentity
	}
	cred, err := c.onboarder.OnboardEndpoint(ctx, endpoint, fingerprint)
	if err != nil {
		return nil, err
	}
	c.adoptDefault(cred.AnchorFingerprint)
	return cred, nil
}

func (c *Client) adoptDefault(fp string) {
	current, err := c.DefaultAnchor()
	if err == nil && current != "" {
		return
	}
	if err := c.SetDefault(fp); err != nil && c.config.Logger != nil {
		c.config.Logger.Warn("failed to record default anchor", "anchor", fp, "error", err)
	}
}

// Renew renews the anchor's credential now. An empty fingerprint selects
// the default anchor. It fails with renewal.ErrInFlight when a session for
// the anchor is already running.
func (c *Client) Renew(ctx context.Context, fingerprint string) (*credential.Credential, error) {
	if c.scheduler == nil {
		return nil, enrollment.ErrNoIdentity
	}
	fp, err := c.Resolve(fingerprint)
	if err != nil {
		return nil, err
	}
	return c.scheduler.Trigger(ctx, fp)
}

// Revoke marks a version revoked locally. Version 0 selects the current
// version. The scheduler re-enrolls the anchor on its next pass.
func (c *Client) Revoke(fingerprint string, version uint64) error {
	fp, err := c.Resolve(fingerprint)
	if err != nil {
		return err
	}
	if version == 0 {
		cur, err := c.config.Store.ActiveCredential(fp)
		if err != nil {
			return err
		}
		version = cur.Version
	}
	return c.config.Store.Revoke(fp, version)
}

// Scan lists the servers currently advertised on the network.
func (c *Client) Scan(ctx context.Context) ([]*discovery.Record, error) {
	if c.config.Discoverer == nil {
		return nil, onboarding.ErrNoDiscoverer
	}
	return c.config.Discoverer.Collect(ctx, c.config.DiscoveryTimeout)
}

// Run runs the renewal scheduler until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	if c.scheduler == nil {
		return enrollment.ErrNoIdentity
	}
	c.debugLog("renewal scheduler starting", "anchors", len(c.config.Store.Records()))
	return c.scheduler.Run(ctx)
}

// Pass runs one renewal pass.
func (c *Client) Pass(ctx context.Context) (*renewal.PassResult, error) {
	if c.scheduler == nil {
		return nil, enrollment.ErrNoIdentity
	}
	return c.scheduler.Pass(ctx), nil
}

// DefaultAnchor returns the default anchor fingerprint, or "" when none
// is set.
func (c *Client) DefaultAnchor() (string, error) {
	if c.config.State == nil {
		return c.defaultFP, nil
	}
	state, err := c.config.State.Load()
	if err != nil {
		return "", err
	}
	return state.DefaultAnchor, nil
}

// SetDefault makes fingerprint the default anchor. The anchor must be
// known to the store.
func (c *Client) SetDefault(fingerprint string) error {
	fp, err := c.Resolve(fingerprint)
	if err != nil {
		return err
	}
	if c.config.State == nil {
		c.defaultFP = fp
		return nil
	}
	return c.config.State.Update(func(s *persistence.ClientState) {
		s.DefaultAnchor = fp
	})
}

// Resolve expands a fingerprint or unique fingerprint prefix to a stored
// anchor. An empty fingerprint selects the default anchor, or the only
// anchor when exactly one is stored.
func (c *Client) Resolve(fingerprint string) (string, error) {
	fp := cert.NormalizeFingerprint(fingerprint)
	records := c.config.Store.Records()

	if fp == "" {
		def, err := c.DefaultAnchor()
		if err != nil {
			return "", err
		}
		if def != "" {
			return def, nil
		}
		if len(records) == 1 {
			return records[0].Anchor.Fingerprint, nil
		}
		return "", ErrNoDefaultAnchor
	}

	var match string
	for _, r := range records {
		if !strings.HasPrefix(r.Anchor.Fingerprint, fp) {
			continue
		}
		if match != "" {
			return "", fmt.Errorf("%w: %s", ErrAmbiguousAnchor, fingerprint)
		}
		match = r.Anchor.Fingerprint
	}
	if match == "" {
		return "", fmt.Errorf("%w: %s", credential.ErrUnknownAnchor, fingerprint)
	}
	return match, nil
}

// Export encodes certificate material of a version. Version 0 selects
// the current version.
func (c *Client) Export(fingerprint string, version uint64, target cert.ExportTarget, format cert.ExportFormat) ([]byte, error) {
	fp, err := c.Resolve(fingerprint)
	if err != nil {
		return nil, err
	}
	rec, err := c.config.Store.Record(fp)
	if err != nil {
		return nil, err
	}

	var cred *credential.Credential
	if version == 0 {
		cred = rec.Current()
		if cred == nil {
			return nil, fmt.Errorf("%w: %s", credential.ErrNotFound, cert.ShortID(fp))
		}
	} else {
		cred = rec.Version(version)
		if cred == nil {
			return nil, fmt.Errorf("%w: %d", credential.ErrUnknownVersion, version)
		}
	}
	if cred.Certificate == nil {
		return nil, fmt.Errorf("version %d has been pruned", cred.Version)
	}
	return cert.Export(cred.Certificate, cred.Chain, target, format)
}
