package transport

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"time"
)

// TLS constants for the enrollment protocol.
const (
	// ALPNProtocol identifies the Trustpoint enrollment protocol.
	ALPNProtocol = "trustpoint/1"

	// DefaultPort is the default enrollment port.
	DefaultPort = 4433
)

// TLS errors.
var (
	ErrNoPeerCertificate = errors.New("no peer certificate presented")
	ErrPeerNotTrusted    = errors.New("peer certificate does not chain to trust anchor")
)

// curvePreferences is shared by all configurations.
var curvePreferences = []tls.CurveID{
	tls.X25519,    // Recommended
	tls.CurveP256, // Mandatory
}

// NewServerTLSConfig creates the enrollment server configuration.
//
// Client certificates are requested but not verified in the handshake:
// devices onboarding for the first time have none, and renewing devices
// present an operational certificate the server checks against its own CA
// after the handshake.
func NewServerTLSConfig(cert tls.Certificate) (*tls.Config, error) {
	if len(cert.Certificate) == 0 {
		return nil, fmt.Errorf("server certificate is required")
	}
	return &tls.Config{
		// TLS 1.3 only - no fallback
		MinVersion: tls.VersionTLS13,
		MaxVersion: tls.VersionTLS13,

		ClientAuth:   tls.RequestClientCert,
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPNProtocol},

		CurvePreferences: curvePreferences,

		// Session tickets disabled (no resumption)
		SessionTicketsDisabled: true,
	}, nil
}

// NewOnboardingTLSConfig creates the client configuration for a device that
// has no trust anchor yet. Chain verification is skipped in the handshake;
// the caller captures the peer chain and checks it against the anchor the
// server returns with the issued certificate.
func NewOnboardingTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS13,
		MaxVersion: tls.VersionTLS13,

		InsecureSkipVerify: true,

		NextProtos:             []string{ALPNProtocol},
		CurvePreferences:       curvePreferences,
		SessionTicketsDisabled: true,
	}
}

// PinnedTLSConfig holds what a client needs to talk to a server it already
// trusts.
type PinnedTLSConfig struct {
	// Anchor is the trust anchor the server chain must end in.
	Anchor *x509.Certificate

	// ClientCertificate is presented when set, typically the current
	// operational credential.
	ClientCertificate *tls.Certificate

	// ServerName is sent as SNI only. Servers are identified by their
	// anchor, not by host name.
	ServerName string

	// Now overrides the verification time. Defaults to time.Now.
	Now func() time.Time
}

// NewPinnedTLSConfig creates a client configuration that accepts only
// servers chaining to cfg.Anchor. Host names are not verified.
func NewPinnedTLSConfig(cfg *PinnedTLSConfig) (*tls.Config, error) {
	if cfg == nil || cfg.Anchor == nil {
		return nil, fmt.Errorf("trust anchor is required")
	}
	roots := x509.NewCertPool()
	roots.AddCert(cfg.Anchor)
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS13,
		MaxVersion: tls.VersionTLS13,

		ServerName: cfg.ServerName,

		// Go's verifier would also check the host name; VerifyPeerCertificate
		// does the chain check instead.
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			return VerifyPeerChain(rawCerts, roots, now())
		},

		NextProtos:             []string{ALPNProtocol},
		CurvePreferences:       curvePreferences,
		SessionTicketsDisabled: true,
	}
	if cfg.ClientCertificate != nil {
		tlsConfig.Certificates = []tls.Certificate{*cfg.ClientCertificate}
	}
	return tlsConfig, nil
}

// VerifyPeerChain verifies a raw peer chain against roots at the given time.
func VerifyPeerChain(rawCerts [][]byte, roots *x509.CertPool, now time.Time) error {
	if len(rawCerts) == 0 {
		return ErrNoPeerCertificate
	}
	leaf, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("failed to parse certificate: %w", err)
	}
	intermediates := x509.NewCertPool()
	for _, raw := range rawCerts[1:] {
		c, err := x509.ParseCertificate(raw)
		if err != nil {
			continue
		}
		intermediates.AddCert(c)
	}
	opts := x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		CurrentTime:   now,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	if _, err := leaf.Verify(opts); err != nil {
		return fmt.Errorf("%w: %v", ErrPeerNotTrusted, err)
	}
	return nil
}

// VerifyTLS13 checks that a TLS connection is using TLS 1.3.
func VerifyTLS13(state tls.ConnectionState) error {
	if state.Version != tls.VersionTLS13 {
		return fmt.Errorf("TLS version %x is not TLS 1.3 (0x0304)", state.Version)
	}
	return nil
}

// VerifyALPN checks that the negotiated ALPN protocol is correct.
func VerifyALPN(state tls.ConnectionState) error {
	if state.NegotiatedProtocol != ALPNProtocol {
		return fmt.Errorf("ALPN protocol %q is not %q", state.NegotiatedProtocol, ALPNProtocol)
	}
	return nil
}

// VerifyConnection checks protocol version and ALPN of an established
// connection.
func VerifyConnection(state tls.ConnectionState) error {
	if err := VerifyTLS13(state); err != nil {
		return err
	}
	return VerifyALPN(state)
}
