package cert

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Validity periods.
const (
	// CAValidity is the validity of CA certificates created by GenerateCA.
	CAValidity = 10 * 365 * 24 * time.Hour

	// OperationalCertValidity is the default validity of issued certificates.
	OperationalCertValidity = 90 * 24 * time.Hour

	// RenewalWindow is how long before expiry renewal starts by default.
	RenewalWindow = 30 * 24 * time.Hour

	// GracePeriod is how long superseded credentials are retained.
	GracePeriod = 7 * 24 * time.Hour
)

// FingerprintLength is the length of a hex SHA-256 fingerprint.
const FingerprintLength = 64

// ShortIDLength is the length of a short (64-bit) identifier.
const ShortIDLength = 16

// KeyPair holds an ECDSA P-256 key pair.
type KeyPair struct {
	PrivateKey *ecdsa.PrivateKey
	PublicKey  *ecdsa.PublicKey
}

// GenerateKeyPair generates a new ECDSA P-256 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &KeyPair{PrivateKey: priv, PublicKey: &priv.PublicKey}, nil
}

// Fingerprint returns the lowercase hex SHA-256 of the certificate DER.
func Fingerprint(cert *x509.Certificate) string {
	return FingerprintDER(cert.Raw)
}

// FingerprintDER returns the lowercase hex SHA-256 of raw DER bytes.
func FingerprintDER(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// ShortID returns the first 64 bits (16 hex chars) of a fingerprint.
func ShortID(fingerprint string) string {
	if len(fingerprint) <= ShortIDLength {
		return fingerprint
	}
	return fingerprint[:ShortIDLength]
}

// NormalizeFingerprint lowercases a fingerprint and strips ':' separators,
// so "AB:CD:..." as printed by openssl is accepted.
func NormalizeFingerprint(fp string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(fp), ":", ""))
}

// ValidFingerprint checks that fp is a 64-character lowercase hex string.
func ValidFingerprint(fp string) bool {
	if len(fp) != FingerprintLength {
		return false
	}
	for _, c := range fp {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// ComputeSKI computes a Subject Key Identifier (SHA-1 of the public key DER,
// RFC 5280 method 1).
func ComputeSKI(pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	sum := sha1.Sum(der)
	return sum[:], nil
}

// SamePublicKey reports whether two public keys are equal.
func SamePublicKey(a, b crypto.PublicKey) bool {
	type equaler interface {
		Equal(crypto.PublicKey) bool
	}
	ea, ok := a.(equaler)
	if !ok {
		return false
	}
	return ea.Equal(b)
}
