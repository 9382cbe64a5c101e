package credential

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/trustpoint-project/trustpoint-client-go/pkg/fault"
	"github.com/trustpoint-project/trustpoint-client-go/pkg/log"
)

// DefaultRetention is how long non-current versions keep their key and
// certificate material before Prune removes it.
const DefaultRetention = 7 * 24 * time.Hour

// Store persists versioned credentials per trust anchor.
//
// Writes for one anchor are serialized. Readers receive copies of immutable
// snapshots, so a concurrent reader observes either the state before a
// write or after it, never a mix.
type Store interface {
	// Put commits a newly issued credential as the next version for anchor.
	// The previous current version becomes superseded. On failure the
	// previous state is untouched and the error is a PersistenceFailure.
	Put(anchor *TrustAnchor, endpoint Endpoint, issued *Issued) (*Credential, error)

	// ActiveCredential returns the current version for an anchor, or
	// ErrNotFound.
	ActiveCredential(fingerprint string) (*Credential, error)

	// Expiring lists current credentials expiring within the horizon.
	Expiring(within time.Duration) []Expiring

	// Revoke marks a version revoked.
	Revoke(fingerprint string, version uint64) error

	// MarkPendingRenewal flags the current version while a renewal runs.
	MarkPendingRenewal(fingerprint string, version uint64) error

	// ExpireStale marks current credentials past NotAfter as expired and
	// returns them.
	ExpireStale(now time.Time) ([]Expiring, error)

	// Prune drops key and certificate material of non-current versions
	// whose status changed before now-retention. Metadata is kept.
	Prune(now time.Time, retention time.Duration) error

	// Record returns a copy of the anchor's record or ErrUnknownAnchor.
	Record(fingerprint string) (*Record, error)

	// Records returns copies of all records ordered by fingerprint.
	Records() []*Record

	// UpdateEndpoint changes the stored server endpoint for an anchor.
	UpdateEndpoint(fingerprint string, endpoint Endpoint) error

	// Signer returns the private key of a version that still has one.
	Signer(fingerprint string, version uint64) (crypto.Signer, error)

	// Load reads persisted state, replacing what is in memory.
	Load() error
}

// StoreConfig configures a store.
type StoreConfig struct {
	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time

	// Logger for operational logs. Nil disables logging.
	Logger *slog.Logger

	// Journal receives credential lifecycle events. Nil disables it.
	Journal log.Logger
}

// backend is the persistence layer under versionedStore.
type backend interface {
	load() ([]*Record, error)
	saveAnchor(a *TrustAnchor) error
	saveRecord(r *Record) error
	saveMaterial(fingerprint string, c *Credential, key crypto.Signer) (keyRef string, err error)
	loadSigner(fingerprint string, c *Credential) (crypto.Signer, error)
	removeMaterial(fingerprint string, c *Credential) error
}

// versionedStore implements Store on top of a backend.
type versionedStore struct {
	backend backend
	clock   func() time.Time
	logger  *slog.Logger
	journal log.Logger

	// mu guards records. Published records are never modified.
	mu      sync.RWMutex
	records map[string]*Record

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func newVersionedStore(b backend, cfg StoreConfig) *versionedStore {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &versionedStore{
		backend: b,
		clock:   clock,
		logger:  cfg.Logger,
		journal: cfg.Journal,
		records: make(map[string]*Record),
		locks:   make(map[string]*sync.Mutex),
	}
}

func (s *versionedStore) debugLog(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Debug(msg, args...)
	}
}

func (s *versionedStore) lockAnchor(fp string) func() {
	s.locksMu.Lock()
	m, ok := s.locks[fp]
	if !ok {
		m = &sync.Mutex{}
		s.locks[fp] = m
	}
	s.locksMu.Unlock()
	m.Lock()
	return m.Unlock
}

func (s *versionedStore) snapshot(fp string) *Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records[fp]
}

func (s *versionedStore) publish(r *Record) {
	s.mu.Lock()
	s.records[r.Anchor.Fingerprint] = r
	s.mu.Unlock()
}

func (s *versionedStore) emit(fp string, c *Credential, action log.CredentialAction) {
	log.Emit(s.journal, log.Event{
		Timestamp: s.clock(),
		Anchor:    fp,
		Component: log.ComponentStore,
		Category:  log.CategoryCredential,
		Credential: &log.CredentialEvent{
			Action:    action,
			Version:   c.Version,
			Status:    c.Status.String(),
			ExpiresAt: c.ExpiresAt,
		},
	})
}

func persistErr(op, fp string, err error) error {
	return fault.New(fault.KindPersistenceFailure, op, err).WithAnchor(fp)
}

func (s *versionedStore) Put(anchor *TrustAnchor, endpoint Endpoint, issued *Issued) (*Credential, error) {
	if anchor == nil || anchor.Certificate == nil || anchor.Fingerprint == "" {
		return nil, persistErr("put", "", fmt.Errorf("%w: missing trust anchor", ErrInvalidIssued))
	}
	fp := anchor.Fingerprint
	if err := issued.validate(); err != nil {
		return nil, persistErr("put", fp, err)
	}

	unlock := s.lockAnchor(fp)
	defer unlock()

	now := s.clock()
	prev := s.snapshot(fp)

	var next *Record
	if prev == nil {
		if err := s.backend.saveAnchor(anchor); err != nil {
			return nil, persistErr("put", fp, fmt.Errorf("save anchor: %w", err))
		}
		next = &Record{Anchor: anchor}
	} else {
		next = prev.clone()
	}
	if !endpoint.IsZero() {
		next.Endpoint = endpoint
	}
	if issued.Domain != "" {
		next.Domain = issued.Domain
	}

	// Reserve the version number durably before any material exists, so a
	// crash from here on can only leave a gap, never a reused number.
	version := next.LastVersion + 1
	next.LastVersion = version
	if err := s.backend.saveRecord(next); err != nil {
		return nil, persistErr("put", fp, fmt.Errorf("reserve version %d: %w", version, err))
	}
	reserved := next.clone()
	if prev != nil {
		reserved.Credentials = prev.Credentials
	}

	cred := &Credential{
		Version:           version,
		Status:            StatusActive,
		Certificate:       issued.Certificate,
		Chain:             append([]*x509.Certificate(nil), issued.Chain...),
		AnchorFingerprint: fp,
		IssuedAt:          now,
		ExpiresAt:         issued.Certificate.NotAfter,
		StatusChangedAt:   now,
	}
	keyRef, err := s.backend.saveMaterial(fp, cred, issued.PrivateKey)
	if err != nil {
		s.publish(reserved)
		return nil, persistErr("put", fp, fmt.Errorf("write version %d material: %w", version, err))
	}
	cred.KeyRef = keyRef

	var demoted []*Credential
	for i, c := range next.Credentials {
		if c.Status.Current() {
			next.Credentials[i] = c.withStatus(StatusSuperseded, now)
			demoted = append(demoted, next.Credentials[i])
		}
	}
	next.Credentials = append(next.Credentials, cred)

	if err := s.backend.saveRecord(next); err != nil {
		s.publish(reserved)
		return nil, persistErr("put", fp, fmt.Errorf("activate version %d: %w", version, err))
	}
	s.publish(next)

	s.debugLog("credential stored", "anchor", fp, "version", version, "expires", cred.ExpiresAt)
	s.emit(fp, cred, log.CredentialStored)
	for _, c := range demoted {
		s.emit(fp, c, log.CredentialSuperseded)
	}
	return cred.clone(), nil
}

func (s *versionedStore) ActiveCredential(fingerprint string) (*Credential, error) {
	r := s.snapshot(fingerprint)
	if r == nil {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, ErrUnknownAnchor)
	}
	c := r.Current()
	if c == nil {
		return nil, ErrNotFound
	}
	return c.clone(), nil
}

func (s *versionedStore) Expiring(within time.Duration) []Expiring {
	now := s.clock()
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Expiring
	for fp, r := range s.records {
		c := r.Current()
		if c == nil || !c.ExpiresWithin(now, within) {
			continue
		}
		out = append(out, Expiring{
			Anchor:    fp,
			Endpoint:  r.Endpoint,
			Version:   c.Version,
			Status:    c.Status,
			ExpiresAt: c.ExpiresAt,
		})
	}
	sortExpiring(out)
	return out
}

func sortExpiring(out []Expiring) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ExpiresAt.Before(out[j].ExpiresAt)
		}
		return out[i].Anchor < out[j].Anchor
	})
}

// setStatus applies a status change to one version under the anchor lock.
func (s *versionedStore) setStatus(op, fp string, version uint64, check func(*Credential) (bool, error), status Status, action log.CredentialAction) error {
	unlock := s.lockAnchor(fp)
	defer unlock()

	r := s.snapshot(fp)
	if r == nil {
		return fmt.Errorf("%s: %w", op, ErrUnknownAnchor)
	}
	c := r.Version(version)
	if c == nil {
		return fmt.Errorf("%s: %w: %d", op, ErrUnknownVersion, version)
	}
	change, err := check(c)
	if err != nil || !change {
		return err
	}
	updated := c.withStatus(status, s.clock())
	next := r.replace(updated)
	if err := s.backend.saveRecord(next); err != nil {
		return persistErr(op, fp, err)
	}
	s.publish(next)
	s.debugLog("credential status changed", "anchor", fp, "version", version, "status", status)
	s.emit(fp, updated, action)
	return nil
}

func (s *versionedStore) Revoke(fingerprint string, version uint64) error {
	return s.setStatus("revoke", fingerprint, version, func(c *Credential) (bool, error) {
		return c.Status != StatusRevoked, nil
	}, StatusRevoked, log.CredentialRevoked)
}

func (s *versionedStore) MarkPendingRenewal(fingerprint string, version uint64) error {
	return s.setStatus("mark pending renewal", fingerprint, version, func(c *Credential) (bool, error) {
		switch c.Status {
		case StatusActive:
			return true, nil
		case StatusPendingRenewal:
			return false, nil
		default:
			return false, fmt.Errorf("mark pending renewal: %w: version %d is %s", ErrNotCurrent, c.Version, c.Status)
		}
	}, StatusPendingRenewal, log.CredentialPendingRenewal)
}

func (s *versionedStore) ExpireStale(now time.Time) ([]Expiring, error) {
	var (
		out  []Expiring
		errs []error
	)
	for _, r := range s.Records() {
		c := r.Current()
		if c == nil || c.ExpiresAt.After(now) {
			continue
		}
		err := s.setStatus("expire", r.Anchor.Fingerprint, c.Version, func(c *Credential) (bool, error) {
			return c.Status.Current() && !c.ExpiresAt.After(now), nil
		}, StatusExpired, log.CredentialExpired)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, Expiring{
			Anchor:    r.Anchor.Fingerprint,
			Endpoint:  r.Endpoint,
			Version:   c.Version,
			Status:    StatusExpired,
			ExpiresAt: c.ExpiresAt,
		})
	}
	return out, errors.Join(errs...)
}

func (s *versionedStore) Prune(now time.Time, retention time.Duration) error {
	if retention <= 0 {
		retention = DefaultRetention
	}
	cutoff := now.Add(-retention)
	var errs []error
	for _, r := range s.Records() {
		if err := s.pruneAnchor(r.Anchor.Fingerprint, cutoff); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *versionedStore) pruneAnchor(fp string, cutoff time.Time) error {
	unlock := s.lockAnchor(fp)
	defer unlock()

	r := s.snapshot(fp)
	if r == nil {
		return nil
	}
	next := r
	var stale, pruned []*Credential
	for _, c := range r.Credentials {
		if c.Status.Current() || c.KeyRef == "" || !c.StatusChangedAt.Before(cutoff) {
			continue
		}
		p := c.clone()
		p.KeyRef = ""
		p.Certificate = nil
		p.Chain = nil
		next = next.replace(p)
		stale = append(stale, c)
		pruned = append(pruned, p)
	}
	if len(pruned) == 0 {
		return nil
	}
	// The record drops its key references before the files go. Material
	// left behind by a failed removal is an orphan and is swept on Load.
	if err := s.backend.saveRecord(next); err != nil {
		return persistErr("prune", fp, err)
	}
	s.publish(next)
	for i, c := range pruned {
		if err := s.backend.removeMaterial(fp, stale[i]); err != nil {
			s.debugLog("prune left material behind", "anchor", fp, "version", c.Version, "error", err)
		}
		s.emit(fp, c, log.CredentialPruned)
	}
	return nil
}

func (s *versionedStore) Record(fingerprint string) (*Record, error) {
	r := s.snapshot(fingerprint)
	if r == nil {
		return nil, ErrUnknownAnchor
	}
	return r.clone(), nil
}

func (s *versionedStore) Records() []*Record {
	s.mu.RLock()
	out := make([]*Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Anchor.Fingerprint < out[j].Anchor.Fingerprint
	})
	return out
}

func (s *versionedStore) UpdateEndpoint(fingerprint string, endpoint Endpoint) error {
	unlock := s.lockAnchor(fingerprint)
	defer unlock()

	r := s.snapshot(fingerprint)
	if r == nil {
		return ErrUnknownAnchor
	}
	if r.Endpoint == endpoint {
		return nil
	}
	next := *r
	next.Endpoint = endpoint
	if err := s.backend.saveRecord(&next); err != nil {
		return persistErr("update endpoint", fingerprint, err)
	}
	s.publish(&next)
	s.debugLog("endpoint updated", "anchor", fingerprint, "endpoint", endpoint.String())
	log.Emit(s.journal, log.Event{
		Timestamp:  s.clock(),
		Anchor:     fingerprint,
		Endpoint:   endpoint.String(),
		Component:  log.ComponentStore,
		Category:   log.CategoryCredential,
		Credential: &log.CredentialEvent{Action: log.CredentialEndpointUpdated},
	})
	return nil
}

func (s *versionedStore) Signer(fingerprint string, version uint64) (crypto.Signer, error) {
	r := s.snapshot(fingerprint)
	if r == nil {
		return nil, ErrUnknownAnchor
	}
	c := r.Version(version)
	if c == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVersion, version)
	}
	if c.KeyRef == "" {
		return nil, fmt.Errorf("%w: version %d pruned", ErrKeyUnavailable, version)
	}
	key, err := s.backend.loadSigner(fingerprint, c)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}
	return key, nil
}

func (s *versionedStore) Load() error {
	records, err := s.backend.load()
	if err != nil {
		return persistErr("load", "", err)
	}
	m := make(map[string]*Record, len(records))
	for _, r := range records {
		m[r.Anchor.Fingerprint] = r
	}
	s.mu.Lock()
	s.records = m
	s.mu.Unlock()
	s.debugLog("credential store loaded", "anchors", len(m))
	return nil
}
