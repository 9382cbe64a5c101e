package enrollment

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trustpoint-project/trustpoint-client-go/pkg/cert"
	"github.com/trustpoint-project/trustpoint-client-go/pkg/connection"
	"github.com/trustpoint-project/trustpoint-client-go/pkg/credential"
	"github.com/trustpoint-project/trustpoint-client-go/pkg/fault"
	"github.com/trustpoint-project/trustpoint-client-go/pkg/identity"
	"github.com/trustpoint-project/trustpoint-client-go/pkg/log"
	"github.com/trustpoint-project/trustpoint-client-go/pkg/transport"
	"github.com/trustpoint-project/trustpoint-client-go/pkg/trustbundle"
)

// Session defaults.
const (
	DefaultAttemptLimit     = 3
	DefaultRoundTripTimeout = 10 * time.Second
	DefaultSessionDeadline  = 2 * time.Minute
	DefaultBackoffBase      = 2 * time.Second
	DefaultBackoffMax       = 30 * time.Second
)

// Session errors.
var (
	ErrSessionUsed    = errors.New("enrollment session already used")
	ErrNoTransport    = errors.New("transport is required")
	ErrNoIdentity     = errors.New("identity provider is required")
	ErrNoEndpoint     = errors.New("endpoint is required")
	ErrNoFingerprint  = errors.New("expected fingerprint or OTP is required")
	ErrAnchorMismatch = errors.New("trust anchor does not match expected fingerprint")
	ErrPeerMismatch   = errors.New("server chain does not match returned trust anchor")
	ErrKeyMismatch    = errors.New("issued certificate does not carry the requested key")
)

// Config configures one enrollment session.
type Config struct {
	// Op names the operation for errors and logs ("onboard", "renew").
	Op string

	// Identity signs the challenge.
	Identity identity.Provider

	// Transport opens connections. Default: &TLSTransport{}.
	Transport Transport

	// Endpoint is the server to enroll with.
	Endpoint credential.Endpoint

	// ExpectedFingerprint is the anchor fingerprint the server must
	// return: the discovered fingerprint for onboarding, the stored one
	// for renewal. It may be empty only when OTP is set.
	ExpectedFingerprint string

	// Anchor pins the TLS handshake to a stored trust anchor. Nil for
	// onboarding.
	Anchor *x509.Certificate

	// ClientCertificate is presented during renewal.
	ClientCertificate *tls.Certificate

	// RecordExpires is when the discovery record the endpoint came from
	// expires. Zero when the endpoint did not come from discovery.
	RecordExpires time.Time

	// OTP authenticates the returned anchor with a trust bundle MAC.
	OTP string

	// OTPIterations overrides trustbundle.DefaultIterations.
	OTPIterations int

	// AttemptLimit bounds connection attempts (default: 3).
	AttemptLimit int

	// Backoff configures delays between attempts. Zero fields select
	// the session defaults.
	Backoff connection.BackoffConfig

	// RoundTripTimeout bounds each network round trip (default: 10s).
	RoundTripTimeout time.Duration

	// Deadline bounds the whole session (default: 2m).
	Deadline time.Duration

	// Clock returns the current time. Default: time.Now.
	Clock func() time.Time

	// Logger for operational logs. Nil disables logging.
	Logger *slog.Logger

	// Journal receives state transitions.
	Journal log.Logger
}

// Result is the outcome of a completed session.
type Result struct {
	SessionID   string
	Endpoint    credential.Endpoint
	Certificate *x509.Certificate
	Chain       []*x509.Certificate
	Anchor      *credential.TrustAnchor
	PrivateKey  crypto.Signer
	Domain      string
	Attempts    int
}

// Issued returns the result in the form the credential store accepts.
func (r *Result) Issued() *credential.Issued {
	return &credential.Issued{
		Certificate: r.Certificate,
		Chain:       r.Chain,
		PrivateKey:  r.PrivateKey,
		Domain:      r.Domain,
	}
}

// Session is a single-use enrollment state machine.
type Session struct {
	id     string
	config Config

	mu       sync.Mutex
	state    State
	attempts int
	lastErr  error
	deadline time.Time
	used     bool

	// Per-session material, created once.
	ident *identity.Identity
	key   *ecdsa.PrivateKey
	csr   []byte
}

// NewSession validates cfg and creates an idle session.
func NewSession(cfg Config) (*Session, error) {
	if cfg.Identity == nil {
		return nil, ErrNoIdentity
	}
	if cfg.Endpoint.IsZero() {
		return nil, ErrNoEndpoint
	}
	cfg.ExpectedFingerprint = cert.NormalizeFingerprint(cfg.ExpectedFingerprint)
	if cfg.ExpectedFingerprint == "" && cfg.OTP == "" {
		return nil, ErrNoFingerprint
	}
	if cfg.Transport == nil {
		cfg.Transport = &TLSTransport{}
	}
	if cfg.Op == "" {
		cfg.Op = "enroll"
	}
	if cfg.AttemptLimit <= 0 {
		cfg.AttemptLimit = DefaultAttemptLimit
	}
	if cfg.RoundTripTimeout <= 0 {
		cfg.RoundTripTimeout = DefaultRoundTripTimeout
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = DefaultSessionDeadline
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff.Initial = DefaultBackoffBase
	}
	if cfg.Backoff.Max <= 0 {
		cfg.Backoff.Max = DefaultBackoffMax
	}
	if cfg.Backoff.Multiplier == 0 {
		cfg.Backoff.Multiplier = connection.BackoffMultiplier
	}
	if cfg.Backoff.Jitter == 0 {
		cfg.Backoff.Jitter = connection.JitterFactor
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &Session{
		id:     uuid.New().String(),
		config: cfg,
	}, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Endpoint returns the target endpoint.
func (s *Session) Endpoint() credential.Endpoint { return s.config.Endpoint }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempts returns the number of attempts started.
func (s *Session) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// LastError returns the most recent failure, terminal or not.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Deadline returns the session deadline. Zero before Run.
func (s *Session) Deadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deadline
}

func (s *Session) debugLog(msg string, args ...any) {
	if s.config.Logger != nil {
		args = append([]any{"session_id", s.id, "endpoint", s.config.Endpoint.String()}, args...)
		s.config.Logger.Debug(msg, args...)
	}
}

// transition moves to next and reports it.
func (s *Session) transition(next State, reason string) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	attempt := s.attempts
	s.mu.Unlock()

	s.debugLog("session transition", "from", prev.String(), "to", next.String(), "attempt", attempt, "reason", reason)
	log.Emit(s.config.Journal, log.Event{
		SessionID: s.id,
		Anchor:    s.config.ExpectedFingerprint,
		Endpoint:  s.config.Endpoint.String(),
		Component: log.ComponentSession,
		Category:  log.CategoryState,
		StateChange: &log.StateChangeEvent{
			OldState: prev.String(),
			NewState: next.String(),
			Attempt:  attempt,
			Reason:   reason,
		},
	})
}

// stepError is a failed attempt.
type stepError struct {
	phase     phase
	kind      fault.Kind
	permanent bool
	timeout   bool
	err       error
}

func (e *stepError) Error() string { return e.err.Error() }
func (e *stepError) Unwrap() error { return e.err }

func transient(p phase, err error) *stepError {
	return &stepError{
		phase:   p,
		kind:    fault.KindServerUnreachable,
		timeout: errors.Is(err, context.DeadlineExceeded),
		err:     err,
	}
}

func permanent(p phase, kind fault.Kind, err error) *stepError {
	return &stepError{phase: p, kind: kind, permanent: true, err: err}
}

// Run drives the session to COMPLETED or FAILED. A session runs once;
// later calls return ErrSessionUsed. Failures are *fault.Error values.
func (s *Session) Run(ctx context.Context) (*Result, error) {
	s.mu.Lock()
	if s.used {
		s.mu.Unlock()
		return nil, ErrSessionUsed
	}
	s.used = true
	s.deadline = s.config.Clock().Add(s.config.Deadline)
	deadline := s.deadline
	s.mu.Unlock()

	sessCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	if err := s.prepare(sessCtx); err != nil {
		// Identity and key preparation belong to the first attempt.
		s.mu.Lock()
		s.attempts = 1
		s.mu.Unlock()
		return nil, s.fail(ctx, sessCtx, err)
	}

	backoff := connection.NewBackoffWithConfig(s.config.Backoff)
	for {
		s.mu.Lock()
		s.attempts++
		attempt := s.attempts
		s.mu.Unlock()
		s.transition(StateAwaitingChallenge, fmt.Sprintf("attempt %d", attempt))

		res, err := s.attempt(sessCtx)
		if err == nil {
			s.transition(StateCompleted, "")
			return res, nil
		}

		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()

		if sessCtx.Err() != nil || err.permanent || attempt >= s.config.AttemptLimit {
			return nil, s.fail(ctx, sessCtx, err)
		}

		s.transition(StateRetrying, err.Error())
		if werr := backoff.Wait(sessCtx); werr != nil {
			return nil, s.fail(ctx, sessCtx, err)
		}
	}
}

// prepare resolves the identity and creates the operational key and CSR.
func (s *Session) prepare(ctx context.Context) *stepError {
	id, err := s.config.Identity.Identify(ctx)
	if err != nil {
		return permanent(phaseSigning, fault.KindIdentityUnavailable, err)
	}
	if id == nil || id.ID == "" {
		return permanent(phaseSigning, fault.KindIdentityUnavailable, identity.ErrNoID)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return permanent(phaseSigning, fault.KindIdentityUnavailable, fmt.Errorf("generate key: %w", err))
	}
	csr, err := cert.CreateCSR(key, pkix.Name{CommonName: id.ID, SerialNumber: id.ID})
	if err != nil {
		return permanent(phaseSigning, fault.KindIdentityUnavailable, err)
	}

	s.ident = id
	s.key = key
	s.csr = csr
	return nil
}

// fail classifies err, moves to FAILED and returns the surfaced error.
// Session-level cancellation and deadline take precedence over the
// attempt error.
func (s *Session) fail(parent, sessCtx context.Context, err *stepError) error {
	kind := err.kind
	switch {
	case parent.Err() != nil && errors.Is(parent.Err(), context.Canceled):
		kind = fault.KindCanceled
	case sessCtx.Err() != nil:
		kind = fault.KindTimeout
	case err.permanent:
	case err.phase == phaseChallenge:
		kind = fault.KindServerUnreachable
		if !s.config.RecordExpires.IsZero() && !s.config.Clock().Before(s.config.RecordExpires) {
			kind = fault.KindDiscoveryStale
		}
	case err.timeout:
		kind = fault.KindTimeout
	default:
		kind = fault.KindServerUnreachable
	}

	ferr := fault.New(kind, s.config.Op, err.err).
		WithAnchor(s.config.ExpectedFingerprint).
		WithSession(s.id)

	s.mu.Lock()
	s.lastErr = ferr
	s.mu.Unlock()

	s.transition(StateFailed, ferr.Error())
	log.Emit(s.config.Journal, log.Event{
		SessionID: s.id,
		Anchor:    s.config.ExpectedFingerprint,
		Endpoint:  s.config.Endpoint.String(),
		Component: log.ComponentSession,
		Category:  log.CategoryError,
		Error: &log.ErrorEventData{
			Kind:      kind.String(),
			Message:   err.err.Error(),
			Transient: kind.Transient(),
			Context:   s.config.Op,
		},
	})
	return ferr
}

// roundTrip runs fn under the per-round-trip sub-deadline.
func (s *Session) roundTrip(ctx context.Context, fn func(ctx context.Context) error) error {
	rtCtx, cancel := context.WithTimeout(ctx, s.config.RoundTripTimeout)
	defer cancel()
	return fn(rtCtx)
}

func (s *Session) send(ctx context.Context, conn Conn, msg any) error {
	data, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	return s.roundTrip(ctx, func(ctx context.Context) error {
		return conn.Send(ctx, data)
	})
}

func (s *Session) receive(ctx context.Context, conn Conn) (any, error) {
	var data []byte
	err := s.roundTrip(ctx, func(ctx context.Context) error {
		var err error
		data, err = conn.Receive(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return DecodeMessage(data)
}

// serverError classifies an ErrorMessage. BUSY and INTERNAL are
// transient, everything else is a rejection.
func serverError(p phase, m *ErrorMessage) *stepError {
	err := fmt.Errorf("server error %s: %s", ErrorCodeString(m.Code), m.Message)
	if m.Code == ErrCodeBusy || m.Code == ErrCodeInternal {
		return transient(p, err)
	}
	return permanent(p, fault.KindRejected, err)
}

// attempt runs one pass from AWAITING_CHALLENGE to issuance.
func (s *Session) attempt(ctx context.Context) (*Result, *stepError) {
	var conn Conn
	err := s.roundTrip(ctx, func(ctx context.Context) error {
		var err error
		conn, err = s.config.Transport.Dial(ctx, s.config.Endpoint, DialOptions{
			Anchor:            s.config.Anchor,
			ClientCertificate: s.config.ClientCertificate,
		})
		return err
	})
	if err != nil {
		if s.config.Anchor != nil && errors.Is(err, transport.ErrPeerNotTrusted) {
			return nil, permanent(phaseChallenge, fault.KindTrustAnchorMismatch, err)
		}
		return nil, transient(phaseChallenge, err)
	}
	defer conn.Close()

	mode := ModeOnboard
	if s.config.Anchor != nil {
		mode = ModeRenew
	}
	if err := s.send(ctx, conn, &ChallengeRequest{
		MsgType:       MsgChallengeRequest,
		DeviceID:      s.ident.ID,
		IdentityChain: s.ident.ChainDER(),
		Mode:          mode,
	}); err != nil {
		return nil, transient(phaseChallenge, err)
	}

	msg, err := s.receive(ctx, conn)
	if err != nil {
		return nil, transient(phaseChallenge, err)
	}
	var challenge *Challenge
	switch m := msg.(type) {
	case *Challenge:
		challenge = m
	case *ErrorMessage:
		return nil, serverError(phaseChallenge, m)
	default:
		return nil, transient(phaseChallenge, fmt.Errorf("%w: expected challenge, got type %d", ErrInvalidMessage, MessageType(msg)))
	}
	if len(challenge.Nonce) < NonceLength {
		return nil, transient(phaseChallenge, fmt.Errorf("%w: nonce too short (%d bytes)", ErrInvalidMessage, len(challenge.Nonce)))
	}

	s.transition(StateSigning, "")
	sig, err := s.config.Identity.Sign(ctx, s.ident, SigningPayload(challenge.Nonce, s.csr))
	if err != nil {
		return nil, permanent(phaseSigning, fault.KindIdentityUnavailable, err)
	}

	s.transition(StateSubmitting, "")
	if err := s.send(ctx, conn, &EnrollRequest{
		MsgType:   MsgEnrollRequest,
		Nonce:     challenge.Nonce,
		CSR:       s.csr,
		Signature: sig,
	}); err != nil {
		return nil, transient(phaseSubmit, err)
	}

	s.transition(StateAwaitingIssuance, "")
	msg, err = s.receive(ctx, conn)
	if err != nil {
		return nil, transient(phaseIssuance, err)
	}
	switch m := msg.(type) {
	case *Issuance:
		res, err := s.validate(m, conn.PeerCertificates())
		if err != nil {
			return nil, permanent(phaseIssuance, fault.KindTrustAnchorMismatch, err)
		}
		if res.Domain == "" {
			res.Domain = challenge.Domain
		}
		return res, nil
	case *ErrorMessage:
		return nil, serverError(phaseIssuance, m)
	default:
		return nil, transient(phaseIssuance, fmt.Errorf("%w: expected issuance, got type %d", ErrInvalidMessage, MessageType(msg)))
	}
}

// validate checks an issuance before anything is trusted: anchor
// fingerprint (or OTP MAC), server chain, subject, key and chain.
func (s *Session) validate(m *Issuance, peers []*x509.Certificate) (*Result, error) {
	now := s.config.Clock()

	anchorCert, err := x509.ParseCertificate(m.Anchor)
	if err != nil {
		return nil, fmt.Errorf("parse trust anchor: %w", err)
	}
	fp := cert.Fingerprint(anchorCert)
	if s.config.ExpectedFingerprint != "" && fp != s.config.ExpectedFingerprint {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrAnchorMismatch, cert.ShortID(fp), cert.ShortID(s.config.ExpectedFingerprint))
	}
	if s.config.OTP != "" {
		key, err := trustbundle.DeriveKey(s.config.OTP, s.ident.ID, s.config.OTPIterations)
		if err != nil {
			return nil, err
		}
		if err := key.Verify(m.Anchor, m.AnchorMAC); err != nil {
			return nil, err
		}
	}

	// Onboarding handshakes were not verified; the server must prove it
	// holds a chain to the anchor it handed out.
	if s.config.Anchor == nil {
		if len(peers) == 0 {
			return nil, fmt.Errorf("%w: no server certificate", ErrPeerMismatch)
		}
		if err := cert.VerifyChain(peers[0], peers[1:], anchorCert, now); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPeerMismatch, err)
		}
	} else if !bytes.Equal(s.config.Anchor.Raw, anchorCert.Raw) {
		return nil, fmt.Errorf("%w: differs from pinned anchor", ErrAnchorMismatch)
	}

	leaf, err := x509.ParseCertificate(m.Certificate)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	chain := make([]*x509.Certificate, 0, len(m.Chain))
	for _, der := range m.Chain {
		c, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("parse chain: %w", err)
		}
		chain = append(chain, c)
	}

	if err := cert.VerifySubject(leaf, s.ident.ID); err != nil {
		return nil, err
	}
	if !cert.SamePublicKey(leaf.PublicKey, s.key.Public()) {
		return nil, ErrKeyMismatch
	}
	if err := cert.VerifyChain(leaf, chain, anchorCert, now); err != nil {
		return nil, err
	}

	s.mu.Lock()
	attempts := s.attempts
	s.mu.Unlock()

	return &Result{
		SessionID:   s.id,
		Endpoint:    s.config.Endpoint,
		Certificate: leaf,
		Chain:       chain,
		Anchor:      credential.NewTrustAnchor(anchorCert, now),
		PrivateKey:  s.key,
		Domain:      m.Domain,
		Attempts:    attempts,
	}, nil
}
