package cert

import (
	"crypto/x509"
	"errors"
	"fmt"
	"time"
)

// Verification errors.
var (
	ErrInvalidCert     = errors.New("invalid certificate")
	ErrCertExpired     = errors.New("certificate has expired")
	ErrCertNotYetValid = errors.New("certificate is not yet valid")
	ErrInvalidChain    = errors.New("invalid certificate chain")
	ErrSubjectMismatch = errors.New("certificate subject mismatch")
)

// VerifyChain verifies that leaf chains to anchor through intermediates at
// time now. Key usage is not constrained.
func VerifyChain(leaf *x509.Certificate, intermediates []*x509.Certificate, anchor *x509.Certificate, now time.Time) error {
	if leaf == nil {
		return ErrInvalidCert
	}
	if anchor == nil {
		return fmt.Errorf("%w: trust anchor required", ErrInvalidChain)
	}

	if now.Before(leaf.NotBefore) {
		return ErrCertNotYetValid
	}
	if now.After(leaf.NotAfter) {
		return ErrCertExpired
	}

	roots := x509.NewCertPool()
	roots.AddCert(anchor)
	inter := x509.NewCertPool()
	for _, c := range intermediates {
		if c.Equal(anchor) || c.Equal(leaf) {
			continue
		}
		inter.AddCert(c)
	}

	opts := x509.VerifyOptions{
		Roots:         roots,
		Intermediates: inter,
		CurrentTime:   now,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	if _, err := leaf.Verify(opts); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidChain, err)
	}
	return nil
}

// VerifyChainToPool is VerifyChain against a pool of roots.
func VerifyChainToPool(leaf *x509.Certificate, intermediates []*x509.Certificate, roots *x509.CertPool, now time.Time) error {
	if leaf == nil {
		return ErrInvalidCert
	}
	inter := x509.NewCertPool()
	for _, c := range intermediates {
		inter.AddCert(c)
	}
	opts := x509.VerifyOptions{
		Roots:         roots,
		Intermediates: inter,
		CurrentTime:   now,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	if _, err := leaf.Verify(opts); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidChain, err)
	}
	return nil
}

// VerifySubject checks that the certificate names id in its CommonName or
// serialNumber attribute.
func VerifySubject(c *x509.Certificate, id string) error {
	if c == nil {
		return ErrInvalidCert
	}
	if id == "" {
		return fmt.Errorf("%w: empty identifier", ErrSubjectMismatch)
	}
	if c.Subject.CommonName == id || c.Subject.SerialNumber == id {
		return nil
	}
	return fmt.Errorf("%w: got CN=%q serialNumber=%q, want %q",
		ErrSubjectMismatch, c.Subject.CommonName, c.Subject.SerialNumber, id)
}

// CertificateInfo extracts human-readable information from a certificate.
type CertificateInfo struct {
	Subject      string
	Issuer       string
	SerialNumber string
	NotBefore    time.Time
	NotAfter     time.Time
	IsCA         bool
	Fingerprint  string
}

// GetCertificateInfo extracts information from a certificate.
func GetCertificateInfo(c *x509.Certificate) *CertificateInfo {
	if c == nil {
		return nil
	}
	return &CertificateInfo{
		Subject:      c.Subject.String(),
		Issuer:       c.Issuer.String(),
		SerialNumber: c.SerialNumber.Text(16),
		NotBefore:    c.NotBefore,
		NotAfter:     c.NotAfter,
		IsCA:         c.IsCA,
		Fingerprint:  Fingerprint(c),
	}
}
