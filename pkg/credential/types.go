package credential

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/trustpoint-project/trustpoint-client-go/pkg/cert"
)

// Store errors.
var (
	ErrNotFound       = errors.New("no current credential")
	ErrUnknownAnchor  = errors.New("unknown trust anchor")
	ErrUnknownVersion = errors.New("unknown credential version")
	ErrNotCurrent     = errors.New("credential version is not current")
	ErrInvalidIssued  = errors.New("invalid issued credential")
	ErrKeyUnavailable = errors.New("credential key unavailable")
	ErrCorruptRecord  = errors.New("corrupt credential record")
)

// Status is the lifecycle status of one credential version.
type Status uint8

const (
	// StatusActive is the version in use.
	StatusActive Status = iota

	// StatusPendingRenewal is still in use while a renewal session runs.
	StatusPendingRenewal

	// StatusExpired passed its NotAfter.
	StatusExpired

	// StatusRevoked was revoked by the operator.
	StatusRevoked

	// StatusSuperseded was replaced by a newer version and is retained for
	// audit until pruned.
	StatusSuperseded
)

// String returns the status name used on disk and in output.
func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusPendingRenewal:
		return "pending-renewal"
	case StatusExpired:
		return "expired"
	case StatusRevoked:
		return "revoked"
	case StatusSuperseded:
		return "superseded"
	default:
		return "unknown"
	}
}

// Current reports whether a credential with this status is usable.
func (s Status) Current() bool {
	return s == StatusActive || s == StatusPendingRenewal
}

// ParseStatus parses a status name.
func ParseStatus(name string) (Status, error) {
	for s := StatusActive; s <= StatusSuperseded; s++ {
		if s.String() == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown credential status %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// TrustAnchor is a server root certificate the device has accepted.
// It is immutable: a different fingerprint is a different relationship.
type TrustAnchor struct {
	Fingerprint string
	Certificate *x509.Certificate
	AcquiredAt  time.Time
}

// NewTrustAnchor wraps a root certificate.
func NewTrustAnchor(c *x509.Certificate, acquiredAt time.Time) *TrustAnchor {
	return &TrustAnchor{
		Fingerprint: cert.Fingerprint(c),
		Certificate: c,
		AcquiredAt:  acquiredAt,
	}
}

// Endpoint is a server network endpoint.
type Endpoint struct {
	Host string `json:"host"`
	Port uint16 `json:"port"`
}

// IsZero reports whether the endpoint is unset.
func (e Endpoint) IsZero() bool {
	return e.Host == "" && e.Port == 0
}

// Address returns host:port suitable for net.Dial. "localhost" is
// normalized to 127.0.0.1 so dual-stack hosts do not try ::1 first.
func (e Endpoint) Address() string {
	host := e.Host
	if strings.EqualFold(host, "localhost") {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(int(e.Port)))
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

// ParseEndpoint parses host:port.
func ParseEndpoint(s string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return Endpoint{}, fmt.Errorf("invalid port %q", portStr)
	}
	if host == "" {
		return Endpoint{}, errors.New("missing host")
	}
	return Endpoint{Host: host, Port: uint16(port)}, nil
}

// Credential is one version of an operational certificate for an anchor.
// The private key is never carried here; KeyRef names it in the store.
type Credential struct {
	Version uint64
	Status  Status

	// Certificate and Chain are nil once the version has been pruned.
	Certificate *x509.Certificate
	Chain       []*x509.Certificate

	// KeyRef is an opaque store handle for the private key. Empty once
	// pruned.
	KeyRef string

	AnchorFingerprint string
	IssuedAt          time.Time
	ExpiresAt         time.Time
	StatusChangedAt   time.Time
}

// ExpiresWithin reports whether the credential expires before now+d.
func (c *Credential) ExpiresWithin(now time.Time, d time.Duration) bool {
	return c.ExpiresAt.Before(now.Add(d))
}

func (c *Credential) clone() *Credential {
	cp := *c
	cp.Chain = append([]*x509.Certificate(nil), c.Chain...)
	return &cp
}

func (c *Credential) withStatus(s Status, at time.Time) *Credential {
	cp := c.clone()
	cp.Status = s
	cp.StatusChangedAt = at
	return cp
}

// Record is everything the device knows about one trust anchor.
type Record struct {
	Anchor   *TrustAnchor
	Endpoint Endpoint
	Domain   string

	// LastVersion is the highest version number ever reserved. It never
	// decreases, even if the version it names was never activated.
	LastVersion uint64

	// Credentials holds every retained version, oldest first.
	Credentials []*Credential
}

// Current returns the current (active or pending-renewal) version or nil.
func (r *Record) Current() *Credential {
	for i := len(r.Credentials) - 1; i >= 0; i-- {
		if r.Credentials[i].Status.Current() {
			return r.Credentials[i]
		}
	}
	return nil
}

// Latest returns the newest retained version or nil.
func (r *Record) Latest() *Credential {
	if len(r.Credentials) == 0 {
		return nil
	}
	return r.Credentials[len(r.Credentials)-1]
}

// Version returns the given version or nil.
func (r *Record) Version(v uint64) *Credential {
	for _, c := range r.Credentials {
		if c.Version == v {
			return c
		}
	}
	return nil
}

func (r *Record) clone() *Record {
	cp := *r
	cp.Credentials = make([]*Credential, len(r.Credentials))
	for i, c := range r.Credentials {
		cp.Credentials[i] = c.clone()
	}
	return &cp
}

// replace returns a shallow copy of r with version v swapped for c.
func (r *Record) replace(c *Credential) *Record {
	cp := *r
	cp.Credentials = make([]*Credential, len(r.Credentials))
	for i, old := range r.Credentials {
		if old.Version == c.Version {
			cp.Credentials[i] = c
		} else {
			cp.Credentials[i] = old
		}
	}
	return &cp
}

// Issued is a freshly issued credential handed to Store.Put.
type Issued struct {
	Certificate *x509.Certificate
	Chain       []*x509.Certificate
	PrivateKey  crypto.Signer
	Domain      string
}

func (i *Issued) validate() error {
	if i == nil || i.Certificate == nil {
		return fmt.Errorf("%w: missing certificate", ErrInvalidIssued)
	}
	if i.PrivateKey == nil {
		return fmt.Errorf("%w: missing private key", ErrInvalidIssued)
	}
	if !cert.SamePublicKey(i.Certificate.PublicKey, i.PrivateKey.Public()) {
		return fmt.Errorf("%w: key does not match certificate", ErrInvalidIssued)
	}
	return nil
}

// Expiring names a current credential that needs attention.
type Expiring struct {
	Anchor    string
	Endpoint  Endpoint
	Version   uint64
	Status    Status
	ExpiresAt time.Time
}
