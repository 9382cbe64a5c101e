package cert

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"time"
)

// CA errors.
var (
	ErrInvalidCSR = errors.New("invalid certificate signing request")
	ErrNoCAKey    = errors.New("CA private key required")
)

// clockSkewAllowance backdates NotBefore so freshly issued certificates are
// accepted by peers whose clocks run slightly behind.
const clockSkewAllowance = 5 * time.Minute

// CA is a certificate authority able to issue certificates.
type CA struct {
	Certificate *x509.Certificate
	PrivateKey  *ecdsa.PrivateKey
}

// IssueOptions controls the content of an issued certificate.
type IssueOptions struct {
	Subject     pkix.Name
	Validity    time.Duration
	DNSNames    []string
	IPAddresses []net.IP
	ExtKeyUsage []x509.ExtKeyUsage
}

// GenerateCA creates a self-signed P-256 root CA.
func GenerateCA(commonName string, validity time.Duration) (*CA, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if validity <= 0 {
		validity = CAValidity
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	ski, err := ComputeSKI(kp.PublicKey)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName, Organization: []string{"Trustpoint"}},
		NotBefore:             now.Add(-clockSkewAllowance),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SubjectKeyId:          ski,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, kp.PublicKey, kp.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("create CA certificate: %w", err)
	}
	c, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &CA{Certificate: c, PrivateKey: kp.PrivateKey}, nil
}

// Issue signs a certificate for pub.
func (ca *CA) Issue(pub crypto.PublicKey, opts IssueOptions) (*x509.Certificate, error) {
	if ca.PrivateKey == nil {
		return nil, ErrNoCAKey
	}
	if opts.Validity <= 0 {
		opts.Validity = OperationalCertValidity
	}
	if len(opts.ExtKeyUsage) == 0 {
		opts.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	ski, err := ComputeSKI(pub)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	notAfter := now.Add(opts.Validity)
	if notAfter.After(ca.Certificate.NotAfter) {
		notAfter = ca.Certificate.NotAfter
	}

	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               opts.Subject,
		NotBefore:             now.Add(-clockSkewAllowance),
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           opts.ExtKeyUsage,
		BasicConstraintsValid: true,
		SubjectKeyId:          ski,
		AuthorityKeyId:        ca.Certificate.SubjectKeyId,
		DNSNames:              opts.DNSNames,
		IPAddresses:           opts.IPAddresses,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.Certificate, pub, ca.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	return x509.ParseCertificate(der)
}

// SignCSR verifies csrDER and issues a certificate for its public key.
// When opts.Subject is empty the CSR's subject is used.
func (ca *CA) SignCSR(csrDER []byte, opts IssueOptions) (*x509.Certificate, error) {
	csr, err := ParseCSR(csrDER)
	if err != nil {
		return nil, err
	}
	if opts.Subject.CommonName == "" && opts.Subject.SerialNumber == "" {
		opts.Subject = csr.Subject
	}
	return ca.Issue(csr.PublicKey, opts)
}

// IssueServerCert issues a TLS server certificate for hosts (DNS names or
// IP literals) with a fresh key.
func (ca *CA) IssueServerCert(hosts []string, validity time.Duration) (tls.Certificate, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return tls.Certificate{}, err
	}

	opts := IssueOptions{
		Subject:     pkix.Name{CommonName: "trustpoint"},
		Validity:    validity,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			opts.IPAddresses = append(opts.IPAddresses, ip)
		} else {
			opts.DNSNames = append(opts.DNSNames, h)
		}
	}

	leaf, err := ca.Issue(kp.PublicKey, opts)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{
		Certificate: [][]byte{leaf.Raw, ca.Certificate.Raw},
		PrivateKey:  kp.PrivateKey,
		Leaf:        leaf,
	}, nil
}

// CreateCSR builds a DER-encoded certificate signing request.
func CreateCSR(key crypto.Signer, subject pkix.Name) ([]byte, error) {
	tmpl := &x509.CertificateRequest{Subject: subject}
	der, err := x509.CreateCertificateRequest(rand.Reader, tmpl, key)
	if err != nil {
		return nil, fmt.Errorf("create CSR: %w", err)
	}
	return der, nil
}

// ParseCSR parses a DER CSR and checks its self-signature.
func ParseCSR(der []byte) (*x509.CertificateRequest, error) {
	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCSR, err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCSR, err)
	}
	return csr, nil
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	return rand.Int(rand.Reader, limit)
}
