package enrollment

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"go.uber.org/atomic"

	"github.com/trustpoint-project/trustpoint-client-go/pkg/cert"
	"github.com/trustpoint-project/trustpoint-client-go/pkg/credential"
	"github.com/trustpoint-project/trustpoint-client-go/pkg/identity"
	"github.com/trustpoint-project/trustpoint-client-go/pkg/transport"
	"github.com/trustpoint-project/trustpoint-client-go/pkg/trustbundle"
)

// ServerConfig configures a reference enrollment server.
type ServerConfig struct {
	// CA issues operational certificates. Its certificate is the trust
	// anchor handed to devices.
	CA *cert.CA

	// TLSCertificate is the server certificate. When empty one is
	// issued from CA for Hosts.
	TLSCertificate tls.Certificate

	// Hosts are the names and addresses of the issued server certificate
	// (default: 127.0.0.1, localhost).
	Hosts []string

	// Address to listen on (default ":4433").
	Address string

	// Domain is reported to devices.
	Domain string

	// IdentityRoots verifies device identity chains. Nil accepts any
	// identity whose signature verifies against its own certificate.
	IdentityRoots *x509.CertPool

	// OTPs maps device IDs to one-time passwords. Devices listed here
	// receive an anchor MAC.
	OTPs map[string]string

	// OTPIterations overrides trustbundle.DefaultIterations.
	OTPIterations int

	// Validity of issued certificates (default: cert.OperationalCertValidity).
	Validity time.Duration

	// RoundTripTimeout bounds each receive (default: 10s).
	RoundTripTimeout time.Duration

	// Admit may refuse a request with an error code. Nil admits all.
	Admit func(deviceID string, mode uint8) uint8

	// Logger for operational logs. Nil disables logging.
	Logger *slog.Logger
}

// Server is a minimal enrollment server. It is used by tests and the
// simulator.
type Server struct {
	config ServerConfig
	ts     *transport.Server

	issued   atomic.Uint64
	rejected atomic.Uint64
}

// NewServer creates a server.
func NewServer(config ServerConfig) (*Server, error) {
	if config.CA == nil {
		return nil, fmt.Errorf("CA is required")
	}
	if len(config.Hosts) == 0 {
		config.Hosts = []string{"127.0.0.1", "localhost"}
	}
	if config.RoundTripTimeout <= 0 {
		config.RoundTripTimeout = DefaultRoundTripTimeout
	}
	if len(config.TLSCertificate.Certificate) == 0 {
		tlsCert, err := config.CA.IssueServerCert(config.Hosts, 0)
		if err != nil {
			return nil, fmt.Errorf("issue server certificate: %w", err)
		}
		config.TLSCertificate = tlsCert
	}

	s := &Server{config: config}
	ts, err := transport.NewServer(transport.ServerConfig{
		Certificate: config.TLSCertificate,
		Address:     config.Address,
		Handler:     s.serve,
		Logger:      config.Logger,
	})
	if err != nil {
		return nil, err
	}
	s.ts = ts
	return s, nil
}

func (s *Server) debugLog(msg string, args ...any) {
	if s.config.Logger != nil {
		s.config.Logger.Debug(msg, args...)
	}
}

// Start begins accepting connections.
func (s *Server) Start(ctx context.Context) error { return s.ts.Start(ctx) }

// Stop closes the listener and all connections.
func (s *Server) Stop() error { return s.ts.Stop() }

// Addr returns the listen address.
func (s *Server) Addr() net.Addr { return s.ts.Addr() }

// Endpoint returns the listen address as an endpoint.
func (s *Server) Endpoint() credential.Endpoint {
	addr, ok := s.ts.Addr().(*net.TCPAddr)
	if !ok {
		return credential.Endpoint{}
	}
	host := addr.IP.String()
	if addr.IP.IsUnspecified() {
		host = "127.0.0.1"
	}
	return credential.Endpoint{Host: host, Port: uint16(addr.Port)}
}

// Anchor returns the trust anchor certificate.
func (s *Server) Anchor() *x509.Certificate { return s.config.CA.Certificate }

// Fingerprint returns the trust anchor fingerprint.
func (s *Server) Fingerprint() string { return cert.Fingerprint(s.config.CA.Certificate) }

// Issued returns the number of certificates issued.
func (s *Server) Issued() uint64 { return s.issued.Load() }

// Rejected returns the number of refused requests.
func (s *Server) Rejected() uint64 { return s.rejected.Load() }

func (s *Server) sendError(ctx context.Context, conn *transport.ServerConn, code uint8, msg string) {
	s.rejected.Inc()
	s.debugLog("request refused", "conn_id", conn.ConnID(), "code", ErrorCodeString(code), "message", msg)
	data, err := EncodeMessage(&ErrorMessage{MsgType: MsgError, Code: code, Message: msg})
	if err != nil {
		return
	}
	_ = conn.Send(ctx, data)
}

func (s *Server) receive(ctx context.Context, conn *transport.ServerConn) (any, error) {
	rtCtx, cancel := context.WithTimeout(ctx, s.config.RoundTripTimeout)
	defer cancel()
	data, err := conn.Receive(rtCtx)
	if err != nil {
		return nil, err
	}
	return DecodeMessage(data)
}

func (s *Server) send(ctx context.Context, conn *transport.ServerConn, msg any) error {
	data, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	return conn.Send(ctx, data)
}

// serve runs one enrollment exchange.
func (s *Server) serve(ctx context.Context, conn *transport.ServerConn) {
	msg, err := s.receive(ctx, conn)
	if err != nil {
		if errors.Is(err, ErrInvalidMessage) {
			s.sendError(ctx, conn, ErrCodeUnexpected, err.Error())
		}
		return
	}
	req, ok := msg.(*ChallengeRequest)
	if !ok {
		s.sendError(ctx, conn, ErrCodeUnexpected, "expected challenge request")
		return
	}

	idCert, code, reason := s.verifyIdentity(req)
	if code != 0 {
		s.sendError(ctx, conn, code, reason)
		return
	}
	if s.config.Admit != nil {
		if code := s.config.Admit(req.DeviceID, req.Mode); code != 0 {
			s.sendError(ctx, conn, code, "not admitted")
			return
		}
	}

	nonce := make([]byte, NonceLength)
	if _, err := rand.Read(nonce); err != nil {
		s.sendError(ctx, conn, ErrCodeInternal, "nonce generation failed")
		return
	}
	if err := s.send(ctx, conn, &Challenge{MsgType: MsgChallenge, Nonce: nonce, Domain: s.config.Domain}); err != nil {
		return
	}

	msg, err = s.receive(ctx, conn)
	if err != nil {
		return
	}
	enroll, ok := msg.(*EnrollRequest)
	if !ok {
		s.sendError(ctx, conn, ErrCodeUnexpected, "expected enroll request")
		return
	}
	if !bytes.Equal(enroll.Nonce, nonce) {
		s.sendError(ctx, conn, ErrCodeBadNonce, "nonce does not match challenge")
		return
	}
	if err := identity.VerifySignature(idCert.PublicKey, SigningPayload(nonce, enroll.CSR), enroll.Signature); err != nil {
		s.sendError(ctx, conn, ErrCodeBadSignature, err.Error())
		return
	}

	csr, err := cert.ParseCSR(enroll.CSR)
	if err != nil {
		s.sendError(ctx, conn, ErrCodeInvalidCSR, err.Error())
		return
	}
	if csr.Subject.CommonName != req.DeviceID && csr.Subject.SerialNumber != req.DeviceID {
		s.sendError(ctx, conn, ErrCodeInvalidCSR, "CSR subject does not name the device")
		return
	}

	leaf, err := s.config.CA.SignCSR(enroll.CSR, cert.IssueOptions{
		Subject:  pkix.Name{CommonName: req.DeviceID, SerialNumber: req.DeviceID},
		Validity: s.config.Validity,
	})
	if err != nil {
		s.sendError(ctx, conn, ErrCodeInternal, err.Error())
		return
	}

	issuance := &Issuance{
		MsgType:     MsgIssuance,
		Certificate: leaf.Raw,
		Anchor:      s.config.CA.Certificate.Raw,
		Domain:      s.config.Domain,
	}
	if otp, ok := s.config.OTPs[req.DeviceID]; ok {
		key, err := trustbundle.DeriveKey(otp, req.DeviceID, s.config.OTPIterations)
		if err != nil {
			s.sendError(ctx, conn, ErrCodeInternal, err.Error())
			return
		}
		issuance.AnchorMAC = key.MAC(issuance.Anchor)
	}

	if err := s.send(ctx, conn, issuance); err != nil {
		return
	}
	s.issued.Inc()
	s.debugLog("certificate issued",
		"conn_id", conn.ConnID(),
		"device_id", req.DeviceID,
		"mode", strconv.Itoa(int(req.Mode)),
		"serial", leaf.SerialNumber.Text(16),
		"not_after", leaf.NotAfter)
}

// verifyIdentity parses and checks the device identity chain. A non-zero
// code refuses the request.
func (s *Server) verifyIdentity(req *ChallengeRequest) (*x509.Certificate, uint8, string) {
	if req.DeviceID == "" || len(req.IdentityChain) == 0 {
		return nil, ErrCodeUnknownDevice, "identity chain required"
	}
	chain := make([]*x509.Certificate, 0, len(req.IdentityChain))
	for _, der := range req.IdentityChain {
		c, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, ErrCodeUnknownDevice, "unparsable identity certificate"
		}
		chain = append(chain, c)
	}
	leaf := chain[0]
	if err := cert.VerifySubject(leaf, req.DeviceID); err != nil {
		return nil, ErrCodeUnknownDevice, err.Error()
	}
	if s.config.IdentityRoots != nil {
		if err := cert.VerifyChainToPool(leaf, chain[1:], s.config.IdentityRoots, time.Now()); err != nil {
			return nil, ErrCodeUnknownDevice, err.Error()
		}
	}
	return leaf, 0, ""
}
