package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"
)

// ErrConnectionClosed is returned for I/O on a closed connection.
var ErrConnectionClosed = errors.New("connection closed")

// ClientConfig configures an enrollment client.
type ClientConfig struct {
	// TLSConfig is the handshake configuration, from NewOnboardingTLSConfig
	// or NewPinnedTLSConfig.
	TLSConfig *tls.Config

	// MaxMessageSize is the maximum message size (default: 64KB).
	MaxMessageSize uint32

	// ConnectTimeout bounds dial plus handshake when ctx has no deadline
	// (default: 30s).
	ConnectTimeout time.Duration
}

// Client dials enrollment servers.
type Client struct {
	config ClientConfig
}

// NewClient creates a new client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.TLSConfig == nil {
		return nil, fmt.Errorf("TLSConfig is required")
	}
	if config.MaxMessageSize == 0 {
		config.MaxMessageSize = DefaultMaxMessageSize
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 30 * time.Second
	}
	return &Client{config: config}, nil
}

// Connect establishes a connection to address (host:port).
func (c *Client) Connect(ctx context.Context, address string) (*ClientConn, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.ConnectTimeout)
		defer cancel()
	}

	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	tlsConn := tls.Client(conn, c.config.TLSConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("TLS handshake failed: %w", err)
	}

	state := tlsConn.ConnectionState()
	if err := VerifyConnection(state); err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("connection verification failed: %w", err)
	}

	return &ClientConn{
		conn:     tlsConn,
		framer:   NewFramerWithMaxSize(tlsConn, c.config.MaxMessageSize),
		tlsState: state,
		closeCh:  make(chan struct{}),
	}, nil
}

// ClientConn is a client connection to an enrollment server.
type ClientConn struct {
	conn     *tls.Conn
	framer   *Framer
	tlsState tls.ConnectionState
	closeCh  chan struct{}

	closeOnce sync.Once
	writeMu   sync.Mutex
	readMu    sync.Mutex
}

// TLSState returns the TLS connection state.
func (c *ClientConn) TLSState() tls.ConnectionState {
	return c.tlsState
}

// PeerCertificates returns the chain the server presented.
func (c *ClientConn) PeerCertificates() []*x509.Certificate {
	return c.tlsState.PeerCertificates
}

// RemoteAddr returns the remote network address.
func (c *ClientConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Send writes one message, honoring ctx.
func (c *ClientConn) Send(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closeCh:
		return ErrConnectionClosed
	default:
	}
	return withDeadline(ctx, c.conn.SetWriteDeadline, func() error {
		return c.framer.WriteFrame(data)
	})
}

// Receive reads one message, honoring ctx.
func (c *ClientConn) Receive(ctx context.Context) ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	select {
	case <-c.closeCh:
		return nil, ErrConnectionClosed
	default:
	}
	var data []byte
	err := withDeadline(ctx, c.conn.SetReadDeadline, func() error {
		var err error
		data, err = c.framer.ReadFrame()
		return err
	})
	return data, err
}

// Close closes the connection.
func (c *ClientConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closeCh)
		err = c.conn.Close()
	})
	return err
}

// withDeadline runs op with the connection deadline tied to ctx. A ctx
// deadline becomes the I/O deadline; cancellation forces an immediate
// timeout. Errors caused by ctx are reported as ctx's error.
func withDeadline(ctx context.Context, set func(time.Time) error, op func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = set(dl)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = set(time.Unix(1, 0))
	})
	defer func() {
		stop()
		_ = set(time.Time{})
	}()

	err := op()
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return context.DeadlineExceeded
	}
	return err
}
