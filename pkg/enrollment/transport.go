package enrollment

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/trustpoint-project/trustpoint-client-go/pkg/credential"
	"github.com/trustpoint-project/trustpoint-client-go/pkg/transport"
)

// DialOptions selects how a connection authenticates the server.
type DialOptions struct {
	// Anchor pins the server chain. Nil means onboarding: the handshake
	// does not verify the server and the peer chain is checked against
	// the returned anchor at issuance.
	Anchor *x509.Certificate

	// ClientCertificate is presented when set.
	ClientCertificate *tls.Certificate
}

// Conn is one message-oriented connection to an enrollment server.
type Conn interface {
	Send(ctx context.Context, data []byte) error
	Receive(ctx context.Context) ([]byte, error)

	// PeerCertificates returns the server chain seen in the handshake.
	PeerCertificates() []*x509.Certificate

	Close() error
}

// Transport opens connections to enrollment servers.
type Transport interface {
	Dial(ctx context.Context, endpoint credential.Endpoint, opts DialOptions) (Conn, error)
}

// TLSTransport dials enrollment servers over TLS 1.3.
type TLSTransport struct {
	// MaxMessageSize bounds received frames (default: 64KB).
	MaxMessageSize uint32

	// Now overrides the verification time for pinned connections.
	Now func() time.Time
}

// Dial connects to endpoint.
func (t *TLSTransport) Dial(ctx context.Context, endpoint credential.Endpoint, opts DialOptions) (Conn, error) {
	var (
		tlsConf *tls.Config
		err     error
	)
	if opts.Anchor == nil {
		tlsConf = transport.NewOnboardingTLSConfig()
		if opts.ClientCertificate != nil {
			tlsConf.Certificates = []tls.Certificate{*opts.ClientCertificate}
		}
	} else {
		tlsConf, err = transport.NewPinnedTLSConfig(&transport.PinnedTLSConfig{
			Anchor:            opts.Anchor,
			ClientCertificate: opts.ClientCertificate,
			ServerName:        endpoint.Host,
			Now:               t.Now,
		})
		if err != nil {
			return nil, err
		}
	}

	client, err := transport.NewClient(transport.ClientConfig{
		TLSConfig:      tlsConf,
		MaxMessageSize: t.MaxMessageSize,
	})
	if err != nil {
		return nil, err
	}
	conn, err := client.Connect(ctx, endpoint.Address())
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", endpoint, err)
	}
	return conn, nil
}

var (
	_ Transport = (*TLSTransport)(nil)
	_ Conn      = (*transport.ClientConn)(nil)
)
