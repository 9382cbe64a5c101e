// Package onboarding turns a device without credentials into one holding
// an operational certificate: discover servers, pick a trusted candidate,
// run an enrollment session and commit the result.
package onboarding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/trustpoint-project/trustpoint-client-go/internal/flight"
	"github.com/trustpoint-project/trustpoint-client-go/pkg/cert"
	"github.com/trustpoint-project/trustpoint-client-go/pkg/credential"
	"github.com/trustpoint-project/trustpoint-client-go/pkg/discovery"
	"github.com/trustpoint-project/trustpoint-client-go/pkg/enrollment"
	"github.com/trustpoint-project/trustpoint-client-go/pkg/fault"
	"github.com/trustpoint-project/trustpoint-client-go/pkg/log"
)

// Onboarding errors.
var (
	ErrAlreadyOnboarded = errors.New("already onboarded with every discovered server")
	ErrInFlight         = errors.New("enrollment for anchor already in flight")
	ErrNoDiscoverer     = errors.New("discovery is not configured")
	ErrNoCandidates     = errors.New("no servers discovered")
)

// Discoverer lists servers on the local network.
type Discoverer interface {
	Collect(ctx context.Context, timeout time.Duration) ([]*discovery.Record, error)
}

// Config configures an Orchestrator.
type Config struct {
	// Store receives the onboarded credential.
	Store credential.Store

	// Session is the template for onboarding sessions. Identity is
	// required.
	Session enrollment.Config

	// Discoverer finds servers. Required by Onboard only.
	Discoverer Discoverer

	// DiscoveryTimeout is the scan window (default: discovery.DefaultScanTimeout).
	DiscoveryTimeout time.Duration

	// AllowedFingerprints restricts onboarding to these anchors when
	// non-empty.
	AllowedFingerprints []string

	// Guard serializes sessions per anchor. Share it with the renewal
	// scheduler. Default: a private guard.
	Guard *flight.Guard

	// Clock returns the current time. Default: time.Now.
	Clock func() time.Time

	// Logger for operational logs. Nil disables logging.
	Logger *slog.Logger

	// Journal receives onboarding events.
	Journal log.Logger
}

// Orchestrator runs onboarding.
type Orchestrator struct {
	config  Config
	allowed map[string]bool
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(config Config) (*Orchestrator, error) {
	if config.Store == nil {
		return nil, errors.New("onboarding: store is required")
	}
	if config.Session.Identity == nil {
		return nil, fmt.Errorf("onboarding: %w", enrollment.ErrNoIdentity)
	}
	if config.Guard == nil {
		config.Guard = flight.NewGuard()
	}
	if config.DiscoveryTimeout <= 0 {
		config.DiscoveryTimeout = discovery.DefaultScanTimeout
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}

	o := &Orchestrator{config: config}
	if len(config.AllowedFingerprints) > 0 {
		o.allowed = make(map[string]bool, len(config.AllowedFingerprints))
		for _, fp := range config.AllowedFingerprints {
			fp = cert.NormalizeFingerprint(fp)
			if !cert.ValidFingerprint(fp) {
				return nil, fmt.Errorf("onboarding: allowed fingerprint %q: %w", fp, discovery.ErrInvalidFingerprint)
			}
			o.allowed[fp] = true
		}
	}
	return o, nil
}

func (o *Orchestrator) debugLog(msg string, args ...any) {
	if o.config.Logger != nil {
		o.config.Logger.Debug(msg, args...)
	}
}

// Candidate is a discovered server that passed filtering.
type Candidate struct {
	Record   *discovery.Record
	Endpoint credential.Endpoint
	Expires  time.Time
}

// Candidates scans and filters servers in try order. onboarded counts
// records skipped because their anchor already has a current credential.
func (o *Orchestrator) Candidates(ctx context.Context) (candidates []Candidate, onboarded int, err error) {
	if o.config.Discoverer == nil {
		return nil, 0, ErrNoDiscoverer
	}
	records, err := o.config.Discoverer.Collect(ctx, o.config.DiscoveryTimeout)
	if err != nil {
		return nil, 0, err
	}

	now := o.config.Clock()
	for _, r := range records {
		var reason string
		switch {
		case r.Expired(now):
			reason = "expired"
		case o.allowed != nil && !o.allowed[r.Fingerprint]:
			reason = "not in allow-list"
		case len(r.Capabilities) > 0 && !r.HasCapability(discovery.CapabilityOnboard):
			reason = "does not offer onboarding"
		}
		if reason == "" {
			if _, err := o.config.Store.ActiveCredential(r.Fingerprint); err == nil {
				onboarded++
				reason = "already onboarded"
			}
		}
		if reason != "" {
			o.skip(r, reason)
			continue
		}
		ttl := r.TTL
		if ttl <= 0 {
			ttl = discovery.DefaultRecordTTL
		}
		candidates = append(candidates, Candidate{
			Record:   r,
			Endpoint: r.Endpoint(),
			Expires:  r.AdvertisedAt.Add(ttl),
		})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Record.AdvertisedAt.After(candidates[j].Record.AdvertisedAt)
	})
	return candidates, onboarded, nil
}

func (o *Orchestrator) skip(r *discovery.Record, reason string) {
	o.debugLog("candidate skipped", "instance", r.Instance, "fingerprint", r.Fingerprint, "reason", reason)
	log.Emit(o.config.Journal, log.Event{
		Timestamp: o.config.Clock(),
		Anchor:    r.Fingerprint,
		Endpoint:  r.Endpoint().String(),
		Component: log.ComponentOnboarding,
		Category:  log.CategoryDiscovery,
		Discovery: &log.DiscoveryEvent{
			Instance:    r.Instance,
			Address:     r.Address(),
			Port:        r.Port,
			Fingerprint: r.Fingerprint,
			Dropped:     true,
			Reason:      reason,
		},
	})
}

// Onboard discovers servers and enrolls with the first candidate that
// completes, most recently advertised first. It returns
// ErrAlreadyOnboarded when every discovered anchor already has a current
// credential, and a NoReachableServer fault wrapping each candidate's
// failure otherwise.
func (o *Orchestrator) Onboard(ctx context.Context) (*credential.Credential, error) {
	candidates, onboarded, err := o.Candidates(ctx)
	if err != nil {
		return nil, fault.New(fault.KindNoReachableServer, "onboard", err)
	}
	if len(candidates) == 0 {
		if onboarded > 0 {
			return nil, ErrAlreadyOnboarded
		}
		return nil, fault.New(fault.KindNoReachableServer, "onboard", ErrNoCandidates)
	}

	var errs []error
	for _, c := range candidates {
		cred, err := o.enroll(ctx, c.Endpoint, c.Record.Fingerprint, c.Expires)
		if err == nil {
			return cred, nil
		}
		if errors.Is(err, ErrAlreadyOnboarded) {
			// Another caller committed this anchor while we were scanning.
			continue
		}
		errs = append(errs, fmt.Errorf("%s (%s): %w", c.Record.Instance, c.Endpoint, err))
		o.logFailure(c.Record.Fingerprint, c.Endpoint, err)

		if ctx.Err() != nil || fault.KindOf(err) == fault.KindPersistenceFailure {
			return nil, err
		}
	}
	if len(errs) == 0 {
		return nil, ErrAlreadyOnboarded
	}
	return nil, fault.New(fault.KindNoReachableServer, "onboard", errors.Join(errs...))
}

// OnboardEndpoint enrolls with an explicitly named server. fingerprint
// may be empty only when the session template carries an OTP.
func (o *Orchestrator) OnboardEndpoint(ctx context.Context, endpoint credential.Endpoint, fingerprint string) (*credential.Credential, error) {
	fingerprint = cert.NormalizeFingerprint(fingerprint)
	if fingerprint == "" && o.config.Session.OTP == "" {
		return nil, enrollment.ErrNoFingerprint
	}
	if fingerprint != "" && !cert.ValidFingerprint(fingerprint) {
		return nil, discovery.ErrInvalidFingerprint
	}
	if fingerprint != "" && o.allowed != nil && !o.allowed[fingerprint] {
		return nil, fault.New(fault.KindTrustAnchorMismatch, "onboard", errors.New("anchor not in allow-list")).WithAnchor(fingerprint)
	}
	cred, err := o.enroll(ctx, endpoint, fingerprint, time.Time{})
	if err != nil {
		o.logFailure(fingerprint, endpoint, err)
	}
	return cred, err
}

// enroll runs one onboarding session under the anchor guard and commits
// the result. With an empty fingerprint the session runs under an
// endpoint guard and the anchor guard is taken once the anchor is known.
func (o *Orchestrator) enroll(ctx context.Context, endpoint credential.Endpoint, fp string, expires time.Time) (*credential.Credential, error) {
	if fp != "" {
		release, err := o.claim(fp)
		if err != nil {
			return nil, err
		}
		defer release()
	} else {
		release, err := o.claimEndpoint(endpoint)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	cfg := o.config.Session
	cfg.Op = "onboard"
	cfg.Endpoint = endpoint
	cfg.ExpectedFingerprint = fp
	cfg.Anchor = nil
	cfg.ClientCertificate = nil
	cfg.RecordExpires = expires
	if cfg.Logger == nil {
		cfg.Logger = o.config.Logger
	}
	if cfg.Journal == nil {
		cfg.Journal = o.config.Journal
	}

	sess, err := enrollment.NewSession(cfg)
	if err != nil {
		return nil, err
	}
	o.debugLog("onboarding session started", "session_id", sess.ID(), "endpoint", endpoint.String(), "anchor", fp)
	res, err := sess.Run(ctx)
	if err != nil {
		return nil, err
	}

	if fp == "" {
		got := res.Anchor.Fingerprint
		if o.allowed != nil && !o.allowed[got] {
			return nil, fault.New(fault.KindTrustAnchorMismatch, "onboard", errors.New("anchor not in allow-list")).
				WithAnchor(got).WithSession(res.SessionID)
		}
		release, err := o.claim(got)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	cred, err := o.config.Store.Put(res.Anchor, endpoint, res.Issued())
	if err != nil {
		return nil, err
	}
	o.debugLog("onboarded", "anchor", res.Anchor.Fingerprint, "version", cred.Version, "attempts", res.Attempts)
	return cred, nil
}

// claim takes the anchor guard and rechecks that the anchor has no
// current credential.
func (o *Orchestrator) claim(fp string) (func(), error) {
	release, ok := o.config.Guard.TryAcquire(fp)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInFlight, cert.ShortID(fp))
	}
	if _, err := o.config.Store.ActiveCredential(fp); err == nil {
		release()
		return nil, ErrAlreadyOnboarded
	}
	return release, nil
}

// claimEndpoint guards an anchor-less session against a concurrent one
// for the same endpoint, and refuses endpoints whose anchor is already
// onboarded.
func (o *Orchestrator) claimEndpoint(endpoint credential.Endpoint) (func(), error) {
	key := "endpoint:" + endpoint.String()
	release, ok := o.config.Guard.TryAcquire(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInFlight, endpoint)
	}
	for _, r := range o.config.Store.Records() {
		if r.Endpoint == endpoint && r.Current() != nil {
			release()
			return nil, ErrAlreadyOnboarded
		}
	}
	return release, nil
}

func (o *Orchestrator) logFailure(fp string, endpoint credential.Endpoint, err error) {
	if o.config.Logger != nil {
		o.config.Logger.Warn("onboarding candidate failed", "anchor", fp, "endpoint", endpoint.String(), "error", err)
	}
	kind := fault.KindOf(err)
	log.Emit(o.config.Journal, log.Event{
		Timestamp: o.config.Clock(),
		Anchor:    fp,
		Endpoint:  endpoint.String(),
		Component: log.ComponentOnboarding,
		Category:  log.CategoryError,
		Error: &log.ErrorEventData{
			Kind:      kind.String(),
			Message:   err.Error(),
			Transient: kind.Transient(),
			Context:   "onboard",
		},
	})
}
