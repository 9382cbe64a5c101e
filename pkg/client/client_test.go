package client

import (
	"context"
	"crypto/x509"
	"crypto/x509/pkix"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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
)

const deviceID = "SN-21"

func startServer(t *testing.T) *enrollment.Server {
	t.Helper()
	ca, err := cert.GenerateCA("trustpoint", 0)
	require.NoError(t, err)
	srv, err := enrollment.NewServer(enrollment.ServerConfig{
		CA:      ca,
		Address: "127.0.0.1:0",
		Domain:  "plant-a",
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, srv.Start(ctx))
	t.Cleanup(func() {
		cancel()
		_ = srv.Stop()
	})
	return srv
}

type deviceFiles struct {
	provider *identity.FileProvider
	certPath string
	keyPath  string
}

func newDevice(t *testing.T) deviceFiles {
	t.Helper()
	mfr, err := cert.GenerateCA("manufacturer", 0)
	require.NoError(t, err)
	kp, err := cert.GenerateKeyPair()
	require.NoError(t, err)
	idCert, err := mfr.Issue(kp.PublicKey, cert.IssueOptions{Subject: pkix.Name{SerialNumber: deviceID}})
	require.NoError(t, err)
	p, err := identity.NewStaticProvider(idCert, nil, kp.PrivateKey, deviceID)
	require.NoError(t, err)

	dir := t.TempDir()
	d := deviceFiles{
		provider: p,
		certPath: filepath.Join(dir, "idevid.pem"),
		keyPath:  filepath.Join(dir, "idevid.key"),
	}
	require.NoError(t, cert.WriteCertFile(d.certPath, idCert))
	require.NoError(t, cert.WriteKeyFile(d.keyPath, kp.PrivateKey))
	return d
}

type staticDiscoverer struct {
	records []*discovery.Record
}

func (d *staticDiscoverer) Collect(ctx context.Context, timeout time.Duration) ([]*discovery.Record, error) {
	return d.records, nil
}

func advertise(srvs ...*enrollment.Server) *staticDiscoverer {
	d := &staticDiscoverer{}
	for i, srv := range srvs {
		ep := srv.Endpoint()
		d.records = append(d.records, &discovery.Record{
			Instance:     "tp-" + string(rune('a'+i)),
			Host:         ep.Host,
			Addresses:    []string{ep.Host},
			Port:         ep.Port,
			Fingerprint:  srv.Fingerprint(),
			AdvertisedAt: time.Now().Add(-time.Duration(i) * time.Second),
			TTL:          time.Minute,
		})
	}
	return d
}

type testClient struct {
	*Client
	store *credential.MemoryStore
	state *persistence.StateStore
}

func newClient(t *testing.T, mutate func(*Config)) *testClient {
	t.Helper()
	store := credential.NewMemoryStore(credential.StoreConfig{})
	state := persistence.NewStateStoreFs(afero.NewMemMapFs(), "/state/"+persistence.DefaultStateFile)
	cfg := Config{
		Store: store,
		Session: enrollment.Config{
			Identity:         newDevice(t).provider,
			AttemptLimit:     1,
			RoundTripTimeout: 2 * time.Second,
			Backoff:          connection.BackoffConfig{Initial: time.Millisecond, Max: time.Millisecond},
		},
		State: state,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	return &testClient{Client: c, store: store, state: state}
}

func TestNewRequiresStore(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestReadOnlyClient(t *testing.T) {
	c := newClient(t, func(cfg *Config) { cfg.Session.Identity = nil })

	_, err := c.Onboard(context.Background())
	assert.ErrorIs(t, err, enrollment.ErrNoIdentity)
	_, err = c.Renew(context.Background(), "")
	assert.ErrorIs(t, err, enrollment.ErrNoIdentity)
	assert.ErrorIs(t, c.Run(context.Background()), enrollment.ErrNoIdentity)

	st, err := c.Status()
	require.NoError(t, err)
	assert.Empty(t, st)
}

func TestOnboardRenewRevoke(t *testing.T) {
	srv := startServer(t)
	c := newClient(t, func(cfg *Config) { cfg.Discoverer = advertise(srv) })
	ctx := context.Background()

	cred, err := c.Onboard(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cred.Version)

	def, err := c.DefaultAnchor()
	require.NoError(t, err)
	assert.Equal(t, srv.Fingerprint(), def)

	st, err := c.AnchorStatus("")
	require.NoError(t, err)
	assert.True(t, st.Default)
	assert.Equal(t, "plant-a", st.Domain)
	assert.Equal(t, srv.Endpoint(), st.Endpoint)
	require.NotNil(t, st.Current)
	assert.Equal(t, credential.StatusActive, st.Current.Status)
	assert.False(t, st.InFlight)

	renewed, err := c.Renew(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), renewed.Version)
	assert.Equal(t, uint64(2), srv.Issued())

	require.NoError(t, c.Revoke(srv.Fingerprint()[:12], 0))
	_, err = c.store.ActiveCredential(srv.Fingerprint())
	assert.ErrorIs(t, err, credential.ErrNotFound)

	all, err := c.Status()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Nil(t, all[0].Current)
	assert.Len(t, all[0].Versions, 2)

	// The next pass re-enrolls the revoked anchor.
	res, err := c.Pass(ctx)
	require.NoError(t, err)
	require.Len(t, res.Renewed, 1)
	assert.Equal(t, uint64(3), res.Renewed[0].Version)
}

func TestOnboardEndpointKeepsExistingDefault(t *testing.T) {
	first := startServer(t)
	second := startServer(t)
	c := newClient(t, nil)
	ctx := context.Background()

	_, err := c.OnboardEndpoint(ctx, first.Endpoint(), first.Fingerprint())
	require.NoError(t, err)
	_, err = c.OnboardEndpoint(ctx, second.Endpoint(), second.Fingerprint())
	require.NoError(t, err)

	def, err := c.DefaultAnchor()
	require.NoError(t, err)
	assert.Equal(t, first.Fingerprint(), def)

	require.NoError(t, c.SetDefault(second.Fingerprint()))
	state, err := c.state.Load()
	require.NoError(t, err)
	assert.Equal(t, second.Fingerprint(), state.DefaultAnchor)

	st, err := c.Status()
	require.NoError(t, err)
	require.Len(t, st, 2)
	var defaults int
	for _, s := range st {
		if s.Default {
			defaults++
			assert.Equal(t, second.Fingerprint(), s.Fingerprint)
		}
	}
	assert.Equal(t, 1, defaults)
}

func TestRenewInFlight(t *testing.T) {
	srv := startServer(t)
	c := newClient(t, nil)
	_, err := c.OnboardEndpoint(context.Background(), srv.Endpoint(), srv.Fingerprint())
	require.NoError(t, err)

	release, ok := c.guard.TryAcquire(srv.Fingerprint())
	require.True(t, ok)
	defer release()

	st, err := c.AnchorStatus(srv.Fingerprint())
	require.NoError(t, err)
	assert.True(t, st.InFlight)

	_, err = c.Renew(context.Background(), srv.Fingerprint())
	assert.Error(t, err)
	assert.Equal(t, uint64(1), srv.Issued())
}

func TestResolve(t *testing.T) {
	c := newClient(t, nil)

	_, err := c.Resolve("")
	assert.ErrorIs(t, err, ErrNoDefaultAnchor)

	_, err = c.Resolve(strings.Repeat("a", 64))
	assert.ErrorIs(t, err, credential.ErrUnknownAnchor)

	assert.ErrorIs(t, c.SetDefault(strings.Repeat("a", 64)), credential.ErrUnknownAnchor)

	srv := startServer(t)
	_, err = c.OnboardEndpoint(context.Background(), srv.Endpoint(), srv.Fingerprint())
	require.NoError(t, err)

	fp, err := c.Resolve(strings.ToUpper(srv.Fingerprint()[:8]))
	require.NoError(t, err)
	assert.Equal(t, srv.Fingerprint(), fp)
}

func TestResolveSingleAnchorWithoutState(t *testing.T) {
	srv := startServer(t)
	c := newClient(t, func(cfg *Config) { cfg.State = nil })
	_, err := c.OnboardEndpoint(context.Background(), srv.Endpoint(), srv.Fingerprint())
	require.NoError(t, err)

	fp, err := c.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, srv.Fingerprint(), fp)
}

func TestExport(t *testing.T) {
	srv := startServer(t)
	c := newClient(t, nil)
	cred, err := c.OnboardEndpoint(context.Background(), srv.Endpoint(), srv.Fingerprint())
	require.NoError(t, err)

	pemCert, err := c.Export("", 0, cert.ExportCertificate, cert.FormatPEM)
	require.NoError(t, err)
	parsed, err := cert.DecodeCertPEM(pemCert)
	require.NoError(t, err)
	assert.Equal(t, cred.Certificate.Raw, parsed.Raw)

	der, err := c.Export("", 1, cert.ExportPublicKey, cert.FormatDER)
	require.NoError(t, err)
	pub, err := x509.ParsePKIXPublicKey(der)
	require.NoError(t, err)
	assert.True(t, cert.SamePublicKey(pub, cred.Certificate.PublicKey))

	_, err = c.Export("", 9, cert.ExportCertificate, cert.FormatPEM)
	assert.ErrorIs(t, err, credential.ErrUnknownVersion)

	require.NoError(t, c.Revoke("", 1))
	_, err = c.Export("", 0, cert.ExportChain, cert.FormatPEM)
	assert.ErrorIs(t, err, credential.ErrNotFound)
}

func TestScan(t *testing.T) {
	c := newClient(t, nil)
	_, err := c.Scan(context.Background())
	assert.ErrorIs(t, err, onboarding.ErrNoDiscoverer)

	srv := startServer(t)
	c = newClient(t, func(cfg *Config) { cfg.Discoverer = advertise(srv) })
	records, err := c.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, srv.Fingerprint(), records[0].Fingerprint)
}

func TestFromConfig(t *testing.T) {
	srv := startServer(t)
	dev := newDevice(t)

	cfg := config.Default()
	cfg.StateDir = filepath.Join(t.TempDir(), "state")
	cfg.IdentityCert = dev.certPath
	cfg.IdentityKey = dev.keyPath
	cfg.AttemptLimit = 1
	require.NoError(t, cfg.Validate())

	c, err := FromConfig(cfg, nil)
	require.NoError(t, err)

	_, err = c.OnboardEndpoint(context.Background(), srv.Endpoint(), srv.Fingerprint())
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err = os.Stat(filepath.Join(cfg.StateDir, persistence.DefaultStateFile))
	assert.NoError(t, err, "default anchor should be persisted")

	// A second client sees the stored credential and the default anchor.
	cfg.IdentityCert, cfg.IdentityKey = "", ""
	again, err := FromConfig(cfg, nil)
	require.NoError(t, err)
	defer again.Close()

	st, err := again.AnchorStatus("")
	require.NoError(t, err)
	assert.Equal(t, srv.Fingerprint(), st.Fingerprint)
	require.NotNil(t, st.Current)
	assert.Equal(t, uint64(1), st.Current.Version)

	r, err := log.NewReader(cfg.JournalPath())
	require.NoError(t, err)
	defer r.Close()
	_, err = r.Next()
	assert.NoError(t, err, "journal should hold events")
}

func TestFromConfigBadIdentity(t *testing.T) {
	cfg := config.Default()
	cfg.StateDir = t.TempDir()
	cfg.IdentityCert = filepath.Join(cfg.StateDir, "missing.pem")
	cfg.IdentityKey = filepath.Join(cfg.StateDir, "missing.key")

	_, err := FromConfig(cfg, nil)
	assert.ErrorIs(t, err, identity.ErrUnavailable)
}
