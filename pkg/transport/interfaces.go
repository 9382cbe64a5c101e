package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
)

// MessageConn is one side of an enrollment connection.
// Implemented by ClientConn and ServerConn.
type MessageConn interface {
	// TLSState returns the TLS connection state.
	TLSState() tls.ConnectionState

	// PeerCertificates returns the chain the peer presented, if any.
	PeerCertificates() []*x509.Certificate

	// RemoteAddr returns the remote network address.
	RemoteAddr() net.Addr

	// Send writes one message.
	Send(ctx context.Context, data []byte) error

	// Receive reads one message.
	Receive(ctx context.Context) ([]byte, error)

	// Close closes the connection.
	Close() error
}

// TransportServer is an enrollment TLS server.
// Implemented by Server.
type TransportServer interface {
	// Start begins accepting connections.
	Start(ctx context.Context) error

	// Stop gracefully stops the server.
	Stop() error

	// Addr returns the server's listen address.
	Addr() net.Addr

	// ConnectionCount returns the number of active connections.
	ConnectionCount() int
}

// FrameReadWriter provides length-prefixed frame I/O.
// Implemented by Framer.
type FrameReadWriter interface {
	// ReadFrame reads a length-prefixed frame.
	ReadFrame() ([]byte, error)

	// WriteFrame writes a length-prefixed frame.
	WriteFrame(data []byte) error
}

// Compile-time interface satisfaction checks.
var (
	_ MessageConn     = (*ServerConn)(nil)
	_ MessageConn     = (*ClientConn)(nil)
	_ TransportServer = (*Server)(nil)
	_ FrameReadWriter = (*Framer)(nil)
)
