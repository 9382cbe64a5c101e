package enrollment

import (
	"context"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/trustpoint-project/trustpoint-client-go/pkg/cert"
	"github.com/trustpoint-project/trustpoint-client-go/pkg/connection"
	"github.com/trustpoint-project/trustpoint-client-go/pkg/credential"
	"github.com/trustpoint-project/trustpoint-client-go/pkg/identity"
	"github.com/trustpoint-project/trustpoint-client-go/pkg/log"
	"github.com/trustpoint-project/trustpoint-client-go/pkg/trustbundle"
)

const (
	testDeviceID   = "SN-0042"
	testIterations = 1000
)

var testEndpoint = credential.Endpoint{Host: "192.0.2.10", Port: 4433}

// fastBackoff keeps retry tests quick.
var fastBackoff = connection.BackoffConfig{Initial: time.Millisecond, Max: 2 * time.Millisecond, Jitter: -1}

// newDeviceIdentity returns a provider for an IDevID issued by a fresh
// manufacturer CA.
func newDeviceIdentity(t *testing.T, id string) (*identity.FileProvider, *cert.CA) {
	t.Helper()
	mfr, err := cert.GenerateCA("manufacturer", 0)
	require.NoError(t, err)
	kp, err := cert.GenerateKeyPair()
	require.NoError(t, err)
	leaf, err := mfr.Issue(kp.PublicKey, cert.IssueOptions{Subject: pkix.Name{CommonName: "device", SerialNumber: id}})
	require.NoError(t, err)
	p, err := identity.NewStaticProvider(leaf, nil, kp.PrivateKey, id)
	require.NoError(t, err)
	return p, mfr
}

// scriptConn answers each sent message synchronously through reply.
type scriptConn struct {
	reply func(msg any) (any, error)
	peers []*x509.Certificate

	mu      sync.Mutex
	pending [][]byte
	ready   chan struct{}
	closed  bool
}

func newScriptConn(peers []*x509.Certificate, reply func(msg any) (any, error)) *scriptConn {
	return &scriptConn{reply: reply, peers: peers, ready: make(chan struct{}, 8)}
}

func (c *scriptConn) Send(ctx context.Context, data []byte) error {
	msg, err := DecodeMessage(data)
	if err != nil {
		return err
	}
	out, err := c.reply(msg)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	enc, err := EncodeMessage(out)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.pending = append(c.pending, enc)
	c.mu.Unlock()
	c.ready <- struct{}{}
	return nil
}

func (c *scriptConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-c.ready:
		c.mu.Lock()
		defer c.mu.Unlock()
		data := c.pending[0]
		c.pending = c.pending[1:]
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *scriptConn) PeerCertificates() []*x509.Certificate { return c.peers }

func (c *scriptConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// fakeTransport hands out connections from dial, counting attempts.
type fakeTransport struct {
	mu    sync.Mutex
	dials int
	opts  []DialOptions
	dial  func(n int) (Conn, error)
}

func (f *fakeTransport) Dial(ctx context.Context, endpoint credential.Endpoint, opts DialOptions) (Conn, error) {
	f.mu.Lock()
	f.dials++
	n := f.dials
	f.opts = append(f.opts, opts)
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.dial(n)
}

func (f *fakeTransport) Dials() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

var errRefused = errors.New("connection refused")

// fakeServer scripts an enrollment server around a CA. Fields mutate the
// issuance to simulate misbehaving servers.
type fakeServer struct {
	t  *testing.T
	ca *cert.CA

	// peers is the TLS chain the server presents.
	peers []*x509.Certificate

	subject     pkix.Name
	issueKey    bool // issue for a foreign key
	anchor      *x509.Certificate
	otp         string
	badMAC      bool
	challengeFn func() (any, error)
	issuanceFn  func() (any, error)
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ca, err := cert.GenerateCA("trustpoint", 0)
	require.NoError(t, err)
	tlsCert, err := ca.IssueServerCert([]string{"127.0.0.1"}, 0)
	require.NoError(t, err)
	return &fakeServer{
		t:     t,
		ca:    ca,
		peers: []*x509.Certificate{tlsCert.Leaf, ca.Certificate},
	}
}

func (s *fakeServer) fingerprint() string { return cert.Fingerprint(s.ca.Certificate) }

func (s *fakeServer) conn() *scriptConn {
	nonce := make([]byte, NonceLength)
	for i := range nonce {
		nonce[i] = byte(i)
	}
	var deviceID string
	return newScriptConn(s.peers, func(msg any) (any, error) {
		switch m := msg.(type) {
		case *ChallengeRequest:
			deviceID = m.DeviceID
			if s.challengeFn != nil {
				return s.challengeFn()
			}
			return &Challenge{MsgType: MsgChallenge, Nonce: nonce, Domain: "factory"}, nil
		case *EnrollRequest:
			if s.issuanceFn != nil {
				return s.issuanceFn()
			}
			csr, err := cert.ParseCSR(m.CSR)
			require.NoError(s.t, err)
			pub := csr.PublicKey
			if s.issueKey {
				kp, _ := cert.GenerateKeyPair()
				pub = kp.PublicKey
			}
			subject := csr.Subject
			if s.subject.CommonName != "" {
				subject = s.subject
			}
			leaf, err := s.ca.Issue(pub, cert.IssueOptions{Subject: subject})
			require.NoError(s.t, err)
			anchor := s.ca.Certificate
			if s.anchor != nil {
				anchor = s.anchor
			}
			out := &Issuance{MsgType: MsgIssuance, Certificate: leaf.Raw, Anchor: anchor.Raw}
			if s.otp != "" {
				key, err := trustbundle.DeriveKey(s.otp, deviceID, testIterations)
				require.NoError(s.t, err)
				out.AnchorMAC = key.MAC(anchor.Raw)
				if s.badMAC {
					out.AnchorMAC[0] ^= 0xff
				}
			}
			return out, nil
		}
		return nil, errors.New("unexpected message")
	})
}

func (s *fakeServer) transport() *fakeTransport {
	return &fakeTransport{dial: func(int) (Conn, error) { return s.conn(), nil }}
}

// memJournal collects journal events.
type memJournal struct {
	mu     sync.Mutex
	events []log.Event
}

func (j *memJournal) Log(e log.Event) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, e)
}

func (j *memJournal) errors() []*log.ErrorEventData {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []*log.ErrorEventData
	for _, e := range j.events {
		if e.Error != nil {
			out = append(out, e.Error)
		}
	}
	return out
}

func (j *memJournal) states() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []string
	for _, e := range j.events {
		if e.StateChange != nil {
			out = append(out, e.StateChange.NewState)
		}
	}
	return out
}
