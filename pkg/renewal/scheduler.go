package renewal

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/trustpoint-project/trustpoint-client-go/internal/flight"
	"github.com/trustpoint-project/trustpoint-client-go/pkg/connection"
	"github.com/trustpoint-project/trustpoint-client-go/pkg/credential"
	"github.com/trustpoint-project/trustpoint-client-go/pkg/discovery"
	"github.com/trustpoint-project/trustpoint-client-go/pkg/enrollment"
	"github.com/trustpoint-project/trustpoint-client-go/pkg/fault"
	"github.com/trustpoint-project/trustpoint-client-go/pkg/log"
	"github.com/trustpoint-project/trustpoint-client-go/pkg/persistence"
)

// Scheduler defaults.
const (
	DefaultInterval      = time.Hour
	DefaultHorizon       = 14 * 24 * time.Hour
	DefaultMaxConcurrent = 4
)

// ErrInFlight is returned when a renewal for the anchor is already running.
// The request is dropped; the running session covers it.
var ErrInFlight = errors.New("renewal already in flight")

// Discoverer finds servers when a stored endpoint stops answering.
type Discoverer interface {
	Collect(ctx context.Context, timeout time.Duration) ([]*discovery.Record, error)
}

// Config configures a Scheduler.
type Config struct {
	// Store holds the credentials to renew.
	Store credential.Store

	// Session is the template for renewal sessions. Identity is
	// required; Endpoint, ExpectedFingerprint, Anchor and
	// ClientCertificate are filled per anchor.
	Session enrollment.Config

	// Guard serializes sessions per anchor. Share it with the onboarding
	// orchestrator. Default: a private guard.
	Guard *flight.Guard

	// Discoverer is used for endpoint fallback. Nil disables fallback.
	Discoverer Discoverer

	// DiscoveryTimeout bounds a fallback scan (default: discovery.DefaultScanTimeout).
	DiscoveryTimeout time.Duration

	// State persists failure counters. Nil keeps them in memory.
	State *persistence.StateStore

	// Interval between passes (default: 1h).
	Interval time.Duration

	// Horizon selects credentials to renew (default: 14 days).
	Horizon time.Duration

	// Retention for Prune (default: credential.DefaultRetention).
	Retention time.Duration

	// FallbackAfter is the number of consecutive connection failures
	// after which the endpoint is rediscovered (default: 3).
	FallbackAfter int

	// MaxConcurrent bounds renewals per pass (default: 4).
	MaxConcurrent int

	// Clock returns the current time. Default: time.Now.
	Clock func() time.Time

	// Logger for operational logs. Nil disables logging.
	Logger *slog.Logger

	// Journal receives scheduler events.
	Journal log.Logger
}

// Stats are cumulative scheduler counters.
type Stats struct {
	Passes   uint64
	Renewals uint64
	Failures uint64
	Dropped  uint64
}

// PassResult summarizes one pass.
type PassResult struct {
	Expired  []credential.Expiring
	Renewed  []*credential.Credential
	InFlight []string
	Failed   map[string]error
}

// Scheduler renews credentials before they expire.
type Scheduler struct {
	config  Config
	tracker *connection.Tracker

	passes   atomic.Uint64
	renewals atomic.Uint64
	failures atomic.Uint64
	dropped  atomic.Uint64
}

// NewScheduler creates a scheduler and restores persisted failure counters.
func NewScheduler(config Config) (*Scheduler, error) {
	if config.Store == nil {
		return nil, errors.New("renewal: store is required")
	}
	if config.Session.Identity == nil {
		return nil, fmt.Errorf("renewal: %w", enrollment.ErrNoIdentity)
	}
	if config.Guard == nil {
		config.Guard = flight.NewGuard()
	}
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.Horizon <= 0 {
		config.Horizon = DefaultHorizon
	}
	if config.Retention <= 0 {
		config.Retention = credential.DefaultRetention
	}
	if config.FallbackAfter <= 0 {
		config.FallbackAfter = connection.DefaultFallbackThreshold
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = DefaultMaxConcurrent
	}
	if config.DiscoveryTimeout <= 0 {
		config.DiscoveryTimeout = discovery.DefaultScanTimeout
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}

	s := &Scheduler{
		config:  config,
		tracker: connection.NewTracker(config.FallbackAfter),
	}
	if config.State != nil {
		state, err := config.State.Load()
		if err != nil {
			return nil, fmt.Errorf("renewal: load state: %w", err)
		}
		for _, fp := range state.Fingerprints() {
			a := state.Anchors[fp]
			s.tracker.Restore(fp, a.ConsecutiveFailures, a.LastFailure)
		}
	}
	s.tracker.OnStateChange(func(key string, oldState, newState connection.Health) {
		s.debugLog("endpoint health changed", "anchor", key, "from", oldState.String(), "to", newState.String())
	})
	return s, nil
}

func (s *Scheduler) debugLog(msg string, args ...any) {
	if s.config.Logger != nil {
		s.config.Logger.Debug(msg, args...)
	}
}

// Guard returns the single-flight guard.
func (s *Scheduler) Guard() *flight.Guard { return s.config.Guard }

// Failures returns the consecutive connection failures for an anchor.
func (s *Scheduler) Failures(fingerprint string) int { return s.tracker.Failures(fingerprint) }

// Health returns the endpoint health of an anchor.
func (s *Scheduler) Health(fingerprint string) connection.Health { return s.tracker.State(fingerprint) }

// InFlight reports whether a session for the anchor is running.
func (s *Scheduler) InFlight(fingerprint string) bool { return s.config.Guard.Held(fingerprint) }

// Stats returns cumulative counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Passes:   s.passes.Load(),
		Renewals: s.renewals.Load(),
		Failures: s.failures.Load(),
		Dropped:  s.dropped.Load(),
	}
}

// Run performs a pass immediately and then every Interval until ctx is
// done. A failing anchor never stops the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		s.Pass(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Pass expires stale credentials, renews what is due and prunes old
// material.
func (s *Scheduler) Pass(ctx context.Context) *PassResult {
	defer s.passes.Inc()

	res := &PassResult{Failed: make(map[string]error)}
	now := s.config.Clock()

	expired, err := s.config.Store.ExpireStale(now)
	if err != nil {
		s.logError("", "expire", err)
	}
	res.Expired = expired

	due := s.due()
	s.debugLog("renewal pass", "due", len(due), "expired", len(expired))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.MaxConcurrent)
	for _, fp := range due {
		g.Go(func() error {
			cred, err := s.Trigger(gctx, fp)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				res.Renewed = append(res.Renewed, cred)
			case errors.Is(err, ErrInFlight):
				res.InFlight = append(res.InFlight, fp)
			default:
				res.Failed[fp] = err
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := s.config.Store.Prune(s.config.Clock(), s.config.Retention); err != nil {
		s.logError("", "prune", err)
	}
	return res
}

// due lists anchors whose current credential expires within the horizon
// and anchors left without a current credential.
func (s *Scheduler) due() []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range s.config.Store.Expiring(s.config.Horizon) {
		if !seen[e.Anchor] {
			seen[e.Anchor] = true
			out = append(out, e.Anchor)
		}
	}
	for _, r := range s.config.Store.Records() {
		fp := r.Anchor.Fingerprint
		if !seen[fp] && r.Current() == nil {
			seen[fp] = true
			out = append(out, fp)
		}
	}
	return out
}

// Trigger runs one renewal session for an anchor and commits the result.
// It returns ErrInFlight without blocking when a session for the anchor
// is already running.
func (s *Scheduler) Trigger(ctx context.Context, fingerprint string) (*credential.Credential, error) {
	release, ok := s.config.Guard.TryAcquire(fingerprint)
	if !ok {
		s.dropped.Inc()
		s.debugLog("renewal dropped, session in flight", "anchor", fingerprint)
		return nil, ErrInFlight
	}
	defer release()

	cred, err := s.renew(ctx, fingerprint)
	if err != nil {
		s.failures.Inc()
		s.logError(fingerprint, "renew", err)
		return nil, err
	}
	s.renewals.Inc()
	return cred, nil
}

func (s *Scheduler) renew(ctx context.Context, fp string) (*credential.Credential, error) {
	rec, err := s.config.Store.Record(fp)
	if err != nil {
		return nil, fmt.Errorf("renew: %w", err)
	}

	cfg := s.config.Session
	cfg.Op = "renew"
	cfg.ExpectedFingerprint = fp
	cfg.Anchor = rec.Anchor.Certificate
	cfg.Endpoint = rec.Endpoint
	if cfg.Logger == nil {
		cfg.Logger = s.config.Logger
	}
	if cfg.Journal == nil {
		cfg.Journal = s.config.Journal
	}

	if current := rec.Current(); current != nil {
		if current.Status == credential.StatusActive {
			if err := s.config.Store.MarkPendingRenewal(fp, current.Version); err != nil {
				return nil, err
			}
		}
		cfg.ClientCertificate = s.clientCertificate(fp, current)
	}

	if s.tracker.NeedsFallback(fp) && s.config.Discoverer != nil {
		if ep, ok := s.fallback(ctx, fp); ok {
			cfg.Endpoint = ep
		}
	}
	if cfg.Endpoint.IsZero() {
		return nil, fault.New(fault.KindServerUnreachable, "renew", errors.New("no endpoint for anchor")).WithAnchor(fp)
	}

	sess, err := enrollment.NewSession(cfg)
	if err != nil {
		return nil, err
	}
	result, err := sess.Run(ctx)
	if err != nil {
		if fault.IsTransient(err) {
			n := s.tracker.RecordFailure(fp, s.config.Clock(), err)
			s.persist(fp)
			s.debugLog("renewal connection failure", "anchor", fp, "consecutive", n)
		}
		return nil, err
	}

	cred, err := s.config.Store.Put(rec.Anchor, cfg.Endpoint, result.Issued())
	if err != nil {
		return nil, err
	}
	s.tracker.RecordSuccess(fp, s.config.Clock())
	s.persist(fp)
	s.debugLog("credential renewed", "anchor", fp, "version", cred.Version, "expires", cred.ExpiresAt)
	return cred, nil
}

// clientCertificate builds the TLS client certificate from a stored
// version. It returns nil when the material is gone.
func (s *Scheduler) clientCertificate(fp string, c *credential.Credential) *tls.Certificate {
	if c.Certificate == nil {
		return nil
	}
	key, err := s.config.Store.Signer(fp, c.Version)
	if err != nil {
		s.debugLog("client certificate unavailable", "anchor", fp, "version", c.Version, "error", err)
		return nil
	}
	chain := [][]byte{c.Certificate.Raw}
	for _, ic := range c.Chain {
		chain = append(chain, ic.Raw)
	}
	return &tls.Certificate{Certificate: chain, PrivateKey: key, Leaf: c.Certificate}
}

// fallback scans for a server advertising the anchor and stores its
// endpoint.
func (s *Scheduler) fallback(ctx context.Context, fp string) (credential.Endpoint, bool) {
	records, err := s.config.Discoverer.Collect(ctx, s.config.DiscoveryTimeout)
	if err != nil {
		s.logError(fp, "fallback discovery", err)
		return credential.Endpoint{}, false
	}
	now := s.config.Clock()
	for _, r := range records {
		if r.Fingerprint != fp || r.Expired(now) {
			continue
		}
		ep := r.Endpoint()
		log.Emit(s.config.Journal, log.Event{
			Timestamp: now,
			Anchor:    fp,
			Endpoint:  ep.String(),
			Component: log.ComponentScheduler,
			Category:  log.CategoryDiscovery,
			Discovery: &log.DiscoveryEvent{
				Instance:    r.Instance,
				Address:     ep.Host,
				Port:        ep.Port,
				Fingerprint: fp,
				Reason:      "endpoint fallback",
			},
		})
		if err := s.config.Store.UpdateEndpoint(fp, ep); err != nil {
			s.logError(fp, "update endpoint", err)
		}
		s.debugLog("endpoint rediscovered", "anchor", fp, "endpoint", ep.String())
		return ep, true
	}
	s.debugLog("fallback found no server for anchor", "anchor", fp, "records", len(records))
	return credential.Endpoint{}, false
}

func (s *Scheduler) persist(fp string) {
	if s.config.State == nil {
		return
	}
	status, _ := s.tracker.Status(fp)
	err := s.config.State.Update(func(state *persistence.ClientState) {
		state.Anchors[fp] = persistence.AnchorState{
			ConsecutiveFailures: status.Failures,
			LastFailure:         status.LastFailure,
			LastSuccess:         status.LastSuccess,
			LastError:           status.LastError,
		}
	})
	if err != nil {
		s.logError(fp, "persist state", err)
	}
}

func (s *Scheduler) logError(fp, op string, err error) {
	if s.config.Logger != nil {
		s.config.Logger.Warn("renewal "+op+" failed", "anchor", fp, "error", err)
	}
	kind := fault.KindOf(err)
	log.Emit(s.config.Journal, log.Event{
		Timestamp: s.config.Clock(),
		Anchor:    fp,
		Component: log.ComponentScheduler,
		Category:  log.CategoryError,
		Error: &log.ErrorEventData{
			Kind:      kind.String(),
			Message:   err.Error(),
			Transient: kind.Transient(),
			Context:   op,
		},
	})
}
