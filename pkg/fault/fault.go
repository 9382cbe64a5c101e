// Package fault defines the failure kinds surfaced by the enrollment and
// credential lifecycle core.
//
// Every failure that leaves the core is an *Error carrying its Kind and the
// trust anchor and/or session it concerns. Callers test for a kind with
// errors.Is against the sentinel for that kind:
//
//	if errors.Is(err, fault.ErrTrustAnchorMismatch) { ... }
package fault

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindServerUnreachable
	KindDiscoveryStale
	KindIdentityUnavailable
	KindTrustAnchorMismatch
	KindTimeout
	KindPersistenceFailure
	KindNoReachableServer
	KindRejected
	KindCanceled
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindServerUnreachable:
		return "ServerUnreachable"
	case KindDiscoveryStale:
		return "DiscoveryStale"
	case KindIdentityUnavailable:
		return "IdentityUnavailable"
	case KindTrustAnchorMismatch:
		return "TrustAnchorMismatch"
	case KindTimeout:
		return "Timeout"
	case KindPersistenceFailure:
		return "PersistenceFailure"
	case KindNoReachableServer:
		return "NoReachableServer"
	case KindRejected:
		return "Rejected"
	case KindCanceled:
		return "Canceled"
	default:
		return "Unknown"
	}
}

// Transient reports whether a failure of this kind may succeed when retried.
// Only network-class failures are transient.
func (k Kind) Transient() bool {
	return k == KindServerUnreachable || k == KindTimeout
}

// Sentinels for errors.Is matching. Each matches any *Error of the same kind.
var (
	ErrServerUnreachable   = &Error{Kind: KindServerUnreachable}
	ErrDiscoveryStale      = &Error{Kind: KindDiscoveryStale}
	ErrIdentityUnavailable = &Error{Kind: KindIdentityUnavailable}
	ErrTrustAnchorMismatch = &Error{Kind: KindTrustAnchorMismatch}
	ErrTimeout             = &Error{Kind: KindTimeout}
	ErrPersistenceFailure  = &Error{Kind: KindPersistenceFailure}
	ErrNoReachableServer   = &Error{Kind: KindNoReachableServer}
	ErrRejected            = &Error{Kind: KindRejected}
	ErrCanceled            = &Error{Kind: KindCanceled}
)

// Error is a classified failure.
type Error struct {
	Kind Kind

	// Op is the operation that failed (e.g. "onboard", "renew", "put").
	Op string

	// Anchor is the trust anchor fingerprint involved, if known.
	Anchor string

	// SessionID identifies the enrollment session, if one was running.
	SessionID string

	Err error
}

// New returns an *Error of the given kind wrapping err.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithAnchor sets the anchor fingerprint and returns e.
func (e *Error) WithAnchor(fingerprint string) *Error {
	e.Anchor = fingerprint
	return e
}

// WithSession sets the session ID and returns e.
func (e *Error) WithSession(id string) *Error {
	e.SessionID = id
	return e
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Anchor != "" {
		fmt.Fprintf(&b, " [anchor %s]", short(e.Anchor))
	}
	if e.SessionID != "" {
		fmt.Fprintf(&b, " [session %s]", e.SessionID)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so sentinels compare equal to any
// error of their kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindUnknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// IsTransient reports whether err is a transient failure.
func IsTransient(err error) bool {
	return KindOf(err).Transient()
}

func short(fp string) string {
	if len(fp) > 16 {
		return fp[:16]
	}
	return fp
}
