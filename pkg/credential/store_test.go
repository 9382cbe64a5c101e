package credential

import (
	"crypto/x509/pkix"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustpoint-project/trustpoint-client-go/pkg/cert"
	"github.com/trustpoint-project/trustpoint-client-go/pkg/fault"
)

type testIssuer struct {
	ca     *cert.CA
	anchor *TrustAnchor
}

func newTestIssuer(t *testing.T) *testIssuer {
	t.Helper()
	ca, err := cert.GenerateCA("trustpoint-test", 0)
	require.NoError(t, err)
	return &testIssuer{ca: ca, anchor: NewTrustAnchor(ca.Certificate, time.Now())}
}

func (ti *testIssuer) issue(t *testing.T, validity time.Duration) *Issued {
	t.Helper()
	kp, err := cert.GenerateKeyPair()
	require.NoError(t, err)
	leaf, err := ti.ca.Issue(kp.PublicKey, cert.IssueOptions{
		Subject:  pkix.Name{CommonName: "device-1", SerialNumber: "device-1"},
		Validity: validity,
	})
	require.NoError(t, err)
	return &Issued{Certificate: leaf, PrivateKey: kp.PrivateKey, Domain: "factory"}
}

var testEndpoint = Endpoint{Host: "localhost", Port: 4433}

func countCurrent(r *Record) int {
	n := 0
	for _, c := range r.Credentials {
		if c.Status.Current() {
			n++
		}
	}
	return n
}

// failingFs wraps an afero.Fs and fails selected operations.
type failingFs struct {
	afero.Fs
	mu         sync.Mutex
	failOpen   func(name string) bool
	failRename func(newname string) bool
}

func (f *failingFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	f.mu.Lock()
	fail := f.failOpen != nil && f.failOpen(name)
	f.mu.Unlock()
	if fail && flag&os.O_WRONLY != 0 {
		return nil, errors.New("injected write failure")
	}
	return f.Fs.OpenFile(name, flag, perm)
}

func (f *failingFs) Rename(oldname, newname string) error {
	f.mu.Lock()
	fail := f.failRename != nil && f.failRename(newname)
	f.mu.Unlock()
	if fail {
		return errors.New("injected rename failure")
	}
	return f.Fs.Rename(oldname, newname)
}

func (f *failingFs) set(open, rename func(string) bool) {
	f.mu.Lock()
	f.failOpen, f.failRename = open, rename
	f.mu.Unlock()
}

func TestPutSupersedesPrevious(t *testing.T) {
	ti := newTestIssuer(t)
	s := NewMemoryStore(StoreConfig{})

	c1, err := s.Put(ti.anchor, testEndpoint, ti.issue(t, 0))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), c1.Version)
	assert.Equal(t, StatusActive, c1.Status)

	c2, err := s.Put(ti.anchor, Endpoint{}, ti.issue(t, 0))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), c2.Version)

	r, err := s.Record(ti.anchor.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, 1, countCurrent(r))
	assert.Equal(t, StatusSuperseded, r.Version(1).Status)
	assert.Equal(t, testEndpoint, r.Endpoint, "zero endpoint keeps the stored one")
	assert.Equal(t, "factory", r.Domain)

	active, err := s.ActiveCredential(ti.anchor.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), active.Version)

	key, err := s.Signer(ti.anchor.Fingerprint, 2)
	require.NoError(t, err)
	assert.True(t, cert.SamePublicKey(key.Public(), active.Certificate.PublicKey))
}

func TestPutRejectsInvalidInput(t *testing.T) {
	ti := newTestIssuer(t)
	s := NewMemoryStore(StoreConfig{})

	bad := ti.issue(t, 0)
	other, _ := cert.GenerateKeyPair()
	bad.PrivateKey = other.PrivateKey

	_, err := s.Put(ti.anchor, testEndpoint, bad)
	assert.ErrorIs(t, err, fault.ErrPersistenceFailure)
	assert.ErrorIs(t, err, ErrInvalidIssued)

	_, err = s.Put(nil, testEndpoint, ti.issue(t, 0))
	assert.ErrorIs(t, err, fault.ErrPersistenceFailure)
}

func TestRevokeLeavesNoCurrent(t *testing.T) {
	ti := newTestIssuer(t)
	s := NewMemoryStore(StoreConfig{})
	fp := ti.anchor.Fingerprint

	_, err := s.Put(ti.anchor, testEndpoint, ti.issue(t, 0))
	require.NoError(t, err)
	require.NoError(t, s.Revoke(fp, 1))

	_, err = s.ActiveCredential(fp)
	assert.ErrorIs(t, err, ErrNotFound)

	c, err := s.Put(ti.anchor, testEndpoint, ti.issue(t, 0))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), c.Version)

	r, _ := s.Record(fp)
	assert.Equal(t, StatusRevoked, r.Version(1).Status, "revoked versions are not demoted")

	t.Run("UnknownVersion", func(t *testing.T) {
		assert.ErrorIs(t, s.Revoke(fp, 99), ErrUnknownVersion)
		assert.ErrorIs(t, s.Revoke("nope", 1), ErrUnknownAnchor)
	})

	t.Run("Idempotent", func(t *testing.T) {
		assert.NoError(t, s.Revoke(fp, 1))
	})
}

func TestExpiringHorizon(t *testing.T) {
	ti := newTestIssuer(t)
	now := time.Now()
	s := NewMemoryStore(StoreConfig{Clock: func() time.Time { return now }})

	_, err := s.Put(ti.anchor, testEndpoint, ti.issue(t, 48*time.Hour))
	require.NoError(t, err)

	exp := s.Expiring(7 * 24 * time.Hour)
	require.Len(t, exp, 1)
	assert.Equal(t, ti.anchor.Fingerprint, exp[0].Anchor)
	assert.Equal(t, testEndpoint, exp[0].Endpoint)

	assert.Empty(t, s.Expiring(24*time.Hour))
}

func TestMarkPendingRenewal(t *testing.T) {
	ti := newTestIssuer(t)
	s := NewMemoryStore(StoreConfig{})
	fp := ti.anchor.Fingerprint

	_, _ = s.Put(ti.anchor, testEndpoint, ti.issue(t, 0))
	_, _ = s.Put(ti.anchor, testEndpoint, ti.issue(t, 0))

	require.NoError(t, s.MarkPendingRenewal(fp, 2))
	require.NoError(t, s.MarkPendingRenewal(fp, 2))

	c, err := s.ActiveCredential(fp)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingRenewal, c.Status)

	assert.ErrorIs(t, s.MarkPendingRenewal(fp, 1), ErrNotCurrent)

	// A new version supersedes a pending one too.
	_, err = s.Put(ti.anchor, testEndpoint, ti.issue(t, 0))
	require.NoError(t, err)
	r, _ := s.Record(fp)
	assert.Equal(t, StatusSuperseded, r.Version(2).Status)
	assert.Equal(t, 1, countCurrent(r))
}

func TestExpireStaleAndPrune(t *testing.T) {
	ti := newTestIssuer(t)
	now := time.Now()
	clock := func() time.Time { return now }
	s := NewMemoryStore(StoreConfig{Clock: clock})
	fp := ti.anchor.Fingerprint

	_, _ = s.Put(ti.anchor, testEndpoint, ti.issue(t, time.Hour))
	_, _ = s.Put(ti.anchor, testEndpoint, ti.issue(t, time.Hour))

	expired, err := s.ExpireStale(now.Add(2 * time.Hour))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, uint64(2), expired[0].Version)
	_, err = s.ActiveCredential(fp)
	assert.ErrorIs(t, err, ErrNotFound)

	// Nothing is old enough yet.
	require.NoError(t, s.Prune(now, time.Hour))
	_, err = s.Signer(fp, 1)
	require.NoError(t, err)

	require.NoError(t, s.Prune(now.Add(DefaultRetention+time.Minute), 0))
	r, _ := s.Record(fp)
	for _, c := range r.Credentials {
		assert.Empty(t, c.KeyRef, "version %d", c.Version)
		assert.Nil(t, c.Certificate)
		assert.False(t, c.ExpiresAt.IsZero(), "metadata retained")
	}
	_, err = s.Signer(fp, 1)
	assert.ErrorIs(t, err, ErrKeyUnavailable)
}

func TestConcurrentPutsStayMonotonic(t *testing.T) {
	ti := newTestIssuer(t)
	s := NewFileStore(afero.NewMemMapFs(), "/state", StoreConfig{})

	const n = 8
	issued := make([]*Issued, n)
	for i := range issued {
		issued[i] = ti.issue(t, 0)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		versions = make(map[uint64]bool)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := s.Put(ti.anchor, testEndpoint, issued[i])
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			versions[c.Version] = true
			mu.Unlock()

			// Readers never observe two current versions.
			r, err := s.Record(ti.anchor.Fingerprint)
			if assert.NoError(t, err) {
				assert.LessOrEqual(t, countCurrent(r), 1)
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, versions, n)
	for v := uint64(1); v <= n; v++ {
		assert.True(t, versions[v], "version %d missing", v)
	}
}

func TestFileStoreReload(t *testing.T) {
	ti := newTestIssuer(t)
	fs := afero.NewMemMapFs()
	s := NewFileStore(fs, "/state", StoreConfig{})
	require.NoError(t, s.Load())

	c1, err := s.Put(ti.anchor, testEndpoint, ti.issue(t, 0))
	require.NoError(t, err)
	_, err = s.Put(ti.anchor, testEndpoint, ti.issue(t, 0))
	require.NoError(t, err)
	require.NoError(t, s.UpdateEndpoint(ti.anchor.Fingerprint, Endpoint{Host: "10.0.0.2", Port: 443}))

	reopened := NewFileStore(fs, "/state", StoreConfig{})
	require.NoError(t, reopened.Load())

	r, err := reopened.Record(ti.anchor.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), r.LastVersion)
	assert.Equal(t, Endpoint{Host: "10.0.0.2", Port: 443}, r.Endpoint)
	assert.Equal(t, c1.Certificate.SerialNumber, r.Version(1).Certificate.SerialNumber)
	assert.Equal(t, StatusSuperseded, r.Version(1).Status)
	assert.Equal(t, StatusActive, r.Version(2).Status)
	assert.True(t, r.Anchor.Certificate.Equal(ti.anchor.Certificate))

	key, err := reopened.Signer(ti.anchor.Fingerprint, 2)
	require.NoError(t, err)
	assert.True(t, cert.SamePublicKey(key.Public(), r.Version(2).Certificate.PublicKey))

	info, err := fs.Stat(filepath.Join("/state", anchorsDir, ti.anchor.Fingerprint, "v2.key"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestFileStoreCrashBetweenReserveAndActivate(t *testing.T) {
	ti := newTestIssuer(t)
	base := afero.NewMemMapFs()
	ffs := &failingFs{Fs: base}
	s := NewFileStore(ffs, "/state", StoreConfig{})
	fp := ti.anchor.Fingerprint

	_, err := s.Put(ti.anchor, testEndpoint, ti.issue(t, 0))
	require.NoError(t, err)

	t.Run("MaterialWriteFails", func(t *testing.T) {
		ffs.set(func(name string) bool { return strings.HasSuffix(name, ".pem") && strings.Contains(name, "v2") }, nil)
		defer ffs.set(nil, nil)

		_, err := s.Put(ti.anchor, testEndpoint, ti.issue(t, 0))
		assert.ErrorIs(t, err, fault.ErrPersistenceFailure)

		active, err := s.ActiveCredential(fp)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), active.Version, "previous credential untouched")
	})

	t.Run("ActivationFails", func(t *testing.T) {
		calls := 0
		ffs.set(nil, func(newname string) bool {
			if filepath.Base(newname) != recordFileName {
				return false
			}
			calls++
			return calls == 2 // reservation succeeds, activation fails
		})
		defer ffs.set(nil, nil)

		_, err := s.Put(ti.anchor, testEndpoint, ti.issue(t, 0))
		assert.ErrorIs(t, err, fault.ErrPersistenceFailure)

		active, err := s.ActiveCredential(fp)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), active.Version)
	})

	// Simulated restart on the same disk.
	restarted := NewFileStore(base, "/state", StoreConfig{})
	require.NoError(t, restarted.Load())

	r, err := restarted.Record(fp)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), r.LastVersion, "reserved versions survive the crash")
	assert.Len(t, r.Credentials, 1)

	dir := filepath.Join("/state", anchorsDir, fp)
	for _, name := range []string{"v2.key", "v2.pem", "v3.key", "v3.pem"} {
		ok, _ := afero.Exists(base, filepath.Join(dir, name))
		assert.False(t, ok, "orphan %s not removed", name)
	}

	c, err := restarted.Put(ti.anchor, testEndpoint, ti.issue(t, 0))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), c.Version, "versions are never reused")
}

func TestFileStorePruneRecordWriteFails(t *testing.T) {
	ti := newTestIssuer(t)
	now := time.Now()
	clock := func() time.Time { return now }
	base := afero.NewMemMapFs()
	ffs := &failingFs{Fs: base}
	s := NewFileStore(ffs, "/state", StoreConfig{Clock: clock})
	fp := ti.anchor.Fingerprint
	dir := filepath.Join("/state", anchorsDir, fp)

	_, err := s.Put(ti.anchor, testEndpoint, ti.issue(t, 0))
	require.NoError(t, err)
	_, err = s.Put(ti.anchor, testEndpoint, ti.issue(t, 0))
	require.NoError(t, err)

	ffs.set(func(name string) bool { return filepath.Base(name) == recordFileName+tmpSuffix }, nil)
	err = s.Prune(now.Add(DefaultRetention+time.Minute), 0)
	ffs.set(nil, nil)
	assert.ErrorIs(t, err, fault.ErrPersistenceFailure)

	for _, name := range []string{"v1.key", "v1.pem"} {
		ok, _ := afero.Exists(base, filepath.Join(dir, name))
		assert.True(t, ok, "%s removed although the record still references it", name)
	}

	restarted := NewFileStore(base, "/state", StoreConfig{Clock: clock})
	require.NoError(t, restarted.Load())
	active, err := restarted.ActiveCredential(fp)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), active.Version)

	require.NoError(t, restarted.Prune(now.Add(DefaultRetention+time.Minute), 0))
	for _, name := range []string{"v1.key", "v1.pem"} {
		ok, _ := afero.Exists(base, filepath.Join(dir, name))
		assert.False(t, ok, "%s not removed by a successful prune", name)
	}
	r, err := restarted.Record(fp)
	require.NoError(t, err)
	assert.Empty(t, r.Version(1).KeyRef)
}

func TestFileStoreLoadMissingSupersededMaterial(t *testing.T) {
	ti := newTestIssuer(t)
	fs := afero.NewMemMapFs()
	s := NewFileStore(fs, "/state", StoreConfig{})
	fp := ti.anchor.Fingerprint
	dir := filepath.Join("/state", anchorsDir, fp)

	_, err := s.Put(ti.anchor, testEndpoint, ti.issue(t, 0))
	require.NoError(t, err)
	_, err = s.Put(ti.anchor, testEndpoint, ti.issue(t, 0))
	require.NoError(t, err)

	require.NoError(t, fs.Remove(filepath.Join(dir, "v1.pem")))

	reopened := NewFileStore(fs, "/state", StoreConfig{})
	require.NoError(t, reopened.Load())
	r, err := reopened.Record(fp)
	require.NoError(t, err)
	assert.Empty(t, r.Version(1).KeyRef)
	assert.Nil(t, r.Version(1).Certificate)
	assert.Equal(t, StatusActive, r.Version(2).Status)
	ok, _ := afero.Exists(fs, filepath.Join(dir, "v1.key"))
	assert.False(t, ok, "unreferenced key swept as orphan")

	t.Run("CurrentMissingIsFatal", func(t *testing.T) {
		require.NoError(t, fs.Remove(filepath.Join(dir, "v2.pem")))
		err := NewFileStore(fs, "/state", StoreConfig{}).Load()
		assert.ErrorIs(t, err, fault.ErrPersistenceFailure)
	})
}

func TestFileStoreLoadErrors(t *testing.T) {
	ti := newTestIssuer(t)

	t.Run("CorruptRecord", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		s := NewFileStore(fs, "/state", StoreConfig{})
		_, err := s.Put(ti.anchor, testEndpoint, ti.issue(t, 0))
		require.NoError(t, err)

		path := filepath.Join("/state", anchorsDir, ti.anchor.Fingerprint, recordFileName)
		require.NoError(t, afero.WriteFile(fs, path, []byte(`{"version": 1, "fingerprint": "xyz"}`), 0o600))

		err = NewFileStore(fs, "/state", StoreConfig{}).Load()
		assert.ErrorIs(t, err, fault.ErrPersistenceFailure)
		assert.ErrorIs(t, err, ErrCorruptRecord)
	})

	t.Run("AnchorWithoutRecord", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		dir := filepath.Join("/state", anchorsDir, ti.anchor.Fingerprint)
		require.NoError(t, fs.MkdirAll(dir, 0o700))
		require.NoError(t, afero.WriteFile(fs, filepath.Join(dir, anchorFileName), cert.EncodeCertPEM(ti.anchor.Certificate), 0o644))

		s := NewFileStore(fs, "/state", StoreConfig{})
		require.NoError(t, s.Load())
		assert.Empty(t, s.Records())
		ok, _ := afero.DirExists(fs, dir)
		assert.False(t, ok)
	})

	t.Run("EmptyDir", func(t *testing.T) {
		s := NewFileStore(afero.NewMemMapFs(), "/missing", StoreConfig{})
		assert.NoError(t, s.Load())
	})
}

func TestDecodeRecordFileInvariants(t *testing.T) {
	fp := strings.Repeat("a", 64)
	base := `{"version":1,"saved_at":"2026-01-01T00:00:00Z","fingerprint":"` + fp + `","endpoint":{"host":"h","port":1},"last_version":%s,"credentials":[%s]}`
	cred := func(v, status string) string {
		return `{"version":` + v + `,"status":"` + status + `","issued_at":"2026-01-01T00:00:00Z","expires_at":"2026-02-01T00:00:00Z","status_changed_at":"2026-01-01T00:00:00Z"}`
	}

	cases := []struct {
		name string
		json string
		ok   bool
	}{
		{"Valid", sprintf(base, "2", cred("1", "superseded")+","+cred("2", "active")), true},
		{"TwoCurrent", sprintf(base, "2", cred("1", "active")+","+cred("2", "pending-renewal")), false},
		{"AboveHighWater", sprintf(base, "1", cred("2", "active")), false},
		{"BadStatus", sprintf(base, "1", cred("1", "zombie")), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := decodeRecordFile([]byte(tc.json))
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrCorruptRecord)
			}
		})
	}
}

func sprintf(format string, args ...string) string {
	out := format
	for _, a := range args {
		out = strings.Replace(out, "%s", a, 1)
	}
	return out
}

func TestEndpoint(t *testing.T) {
	assert.Equal(t, "127.0.0.1:4433", testEndpoint.Address())
	assert.Equal(t, "localhost:4433", testEndpoint.String())

	ep, err := ParseEndpoint("[fe80::1]:8443")
	require.NoError(t, err)
	assert.Equal(t, Endpoint{Host: "fe80::1", Port: 8443}, ep)

	for _, bad := range []string{"host", "host:0", ":443", "host:99999"} {
		_, err := ParseEndpoint(bad)
		assert.Error(t, err, bad)
	}
}

func TestStatusText(t *testing.T) {
	for s := StatusActive; s <= StatusSuperseded; s++ {
		b, err := s.MarshalText()
		require.NoError(t, err)
		var back Status
		require.NoError(t, back.UnmarshalText(b))
		assert.Equal(t, s, back)
	}
	assert.True(t, StatusPendingRenewal.Current())
	assert.False(t, StatusSuperseded.Current())
}
