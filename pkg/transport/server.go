package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DefaultHandshakeTimeout bounds the server-side TLS handshake.
const DefaultHandshakeTimeout = 10 * time.Second

// ConnHandler serves one accepted connection. The server closes the
// connection when the handler returns.
type ConnHandler func(ctx context.Context, conn *ServerConn)

// ServerConfig configures an enrollment server.
type ServerConfig struct {
	// Certificate is the server's TLS certificate, chaining to the
	// Trustpoint trust anchor.
	Certificate tls.Certificate

	// Address to listen on (e.g., ":4433" or "127.0.0.1:0").
	Address string

	// MaxMessageSize is the maximum message size (default: 64KB).
	MaxMessageSize uint32

	// HandshakeTimeout bounds the TLS handshake (default: 10s).
	HandshakeTimeout time.Duration

	// Handler serves each connection.
	Handler ConnHandler

	// Logger for operational logs. Nil disables logging.
	Logger *slog.Logger
}

// Server is a TLS server that accepts enrollment connections.
type Server struct {
	config   ServerConfig
	tlsConf  *tls.Config
	listener net.Listener

	// Active connections
	conns   map[*ServerConn]struct{}
	connsMu sync.RWMutex

	// State
	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewServer creates a new server.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Handler == nil {
		return nil, fmt.Errorf("Handler is required")
	}
	if config.Address == "" {
		config.Address = fmt.Sprintf(":%d", DefaultPort)
	}
	if config.MaxMessageSize == 0 {
		config.MaxMessageSize = DefaultMaxMessageSize
	}
	if config.HandshakeTimeout == 0 {
		config.HandshakeTimeout = DefaultHandshakeTimeout
	}

	tlsConf, err := NewServerTLSConfig(config.Certificate)
	if err != nil {
		return nil, fmt.Errorf("failed to create TLS config: %w", err)
	}

	return &Server{
		config:  config,
		tlsConf: tlsConf,
		conns:   make(map[*ServerConn]struct{}),
	}, nil
}

func (s *Server) debugLog(msg string, args ...any) {
	if s.config.Logger != nil {
		s.config.Logger.Debug(msg, args...)
	}
}

// Start starts the server and begins accepting connections.
func (s *Server) Start(ctx context.Context) error {
	if s.running.Load() {
		return fmt.Errorf("server already running")
	}

	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.listener = listener
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()

	s.debugLog("enrollment server listening", "addr", listener.Addr().String())
	return nil
}

// Stop stops the server and closes all connections.
func (s *Server) Stop() error {
	if !s.running.Load() {
		return nil
	}

	s.running.Store(false)
	s.cancel()

	if s.listener != nil {
		s.listener.Close()
	}

	s.connsMu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.connsMu.Unlock()

	s.wg.Wait()
	return nil
}

// Addr returns the server's listen address.
func (s *Server) Addr() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// ConnectionCount returns the number of active connections.
func (s *Server) ConnectionCount() int {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	return len(s.conns)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for s.running.Load() {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.running.Load() && !errors.Is(err, net.ErrClosed) {
				s.debugLog("accept error", "error", err)
			}
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()

	hsCtx, cancel := context.WithTimeout(s.ctx, s.config.HandshakeTimeout)
	tlsConn := tls.Server(conn, s.tlsConf)
	err := tlsConn.HandshakeContext(hsCtx)
	cancel()
	if err != nil {
		conn.Close()
		s.debugLog("TLS handshake failed", "remote", conn.RemoteAddr().String(), "error", err)
		return
	}

	state := tlsConn.ConnectionState()
	if err := VerifyConnection(state); err != nil {
		tlsConn.Close()
		s.debugLog("connection rejected", "remote", conn.RemoteAddr().String(), "error", err)
		return
	}

	sconn := &ServerConn{
		conn:       tlsConn,
		framer:     NewFramerWithMaxSize(tlsConn, s.config.MaxMessageSize),
		tlsState:   state,
		closeCh:    make(chan struct{}),
		remoteAddr: conn.RemoteAddr(),
		connID:     uuid.New().String(),
	}

	s.connsMu.Lock()
	s.conns[sconn] = struct{}{}
	s.connsMu.Unlock()

	s.debugLog("connection accepted", "conn_id", sconn.connID, "remote", sconn.remoteAddr.String())
	s.config.Handler(s.ctx, sconn)
	sconn.Close()

	s.connsMu.Lock()
	delete(s.conns, sconn)
	s.connsMu.Unlock()
	s.debugLog("connection closed", "conn_id", sconn.connID)
}

// ServerConn is an accepted client connection.
type ServerConn struct {
	conn       *tls.Conn
	framer     *Framer
	tlsState   tls.ConnectionState
	closeCh    chan struct{}
	closeOnce  sync.Once
	remoteAddr net.Addr
	connID     string

	writeMu sync.Mutex
	readMu  sync.Mutex
}

// RemoteAddr returns the remote address of the client.
func (c *ServerConn) RemoteAddr() net.Addr {
	return c.remoteAddr
}

// ConnID returns the unique connection identifier.
func (c *ServerConn) ConnID() string {
	return c.connID
}

// TLSState returns the TLS connection state.
func (c *ServerConn) TLSState() tls.ConnectionState {
	return c.tlsState
}

// PeerCertificates returns the client certificate chain, if the client
// presented one. It is not verified.
func (c *ServerConn) PeerCertificates() []*x509.Certificate {
	return c.tlsState.PeerCertificates
}

// Send writes one message to the client.
func (c *ServerConn) Send(ctx context.Context, data []byte) error {
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

// Receive reads one message from the client.
func (c *ServerConn) Receive(ctx context.Context) ([]byte, error) {
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
func (c *ServerConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closeCh)
		err = c.conn.Close()
	})
	return err
}
