// Package identity defines the device identity (DevID) provider consumed by
// the enrollment core.
//
// The core never touches DevID private key bytes. It asks a Provider for
// the device's identity and for signatures over enrollment challenges.
// Production devices back the Provider with a secure element or TPM; the
// FileProvider in this package serves development devices and tests.
package identity

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
	"sync"

	"github.com/trustpoint-project/trustpoint-client-go/pkg/cert"
)

// Identity errors.
var (
	ErrUnavailable = errors.New("device identity unavailable")
	ErrLocked      = errors.New("device identity key locked")
	ErrNoID        = errors.New("device identity has no identifier")
)

// Identity describes the device's permanent identity. It is a reference:
// the key stays with the Provider that produced it.
type Identity struct {
	// ID is the device identifier (serial number). Issued operational
	// certificates must name it in CN or serialNumber.
	ID string

	// Certificate is the IDevID certificate, if the device has one.
	Certificate *x509.Certificate

	// Chain holds intermediates up to (not including) the manufacturer root.
	Chain []*x509.Certificate
}

// ChainDER returns the DER encodings of Certificate followed by Chain.
func (id *Identity) ChainDER() [][]byte {
	if id.Certificate == nil {
		return nil
	}
	out := make([][]byte, 0, 1+len(id.Chain))
	out = append(out, id.Certificate.Raw)
	for _, c := range id.Chain {
		out = append(out, c.Raw)
	}
	return out
}

// Provider supplies the device identity and signs with its key.
type Provider interface {
	// Identify returns the device identity.
	Identify(ctx context.Context) (*Identity, error)

	// Sign signs data with the identity key: SHA-256 prehash for ECDSA
	// (ASN.1 encoded) and RSA (PKCS #1 v1.5), pure Ed25519 otherwise.
	Sign(ctx context.Context, id *Identity, data []byte) ([]byte, error)
}

// FileProvider is a Provider backed by an IDevID certificate and key in PEM
// files.
type FileProvider struct {
	mu       sync.Mutex
	identity *Identity
	key      crypto.Signer
}

// NewFileProvider loads an identity from certPath and keyPath. If id is
// empty the certificate's serialNumber attribute (or CN) is used.
func NewFileProvider(certPath, keyPath, id string) (*FileProvider, error) {
	chain, err := cert.ReadChainFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read certificate: %v", ErrUnavailable, err)
	}
	key, err := cert.ReadKeyFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read key: %v", ErrUnavailable, err)
	}
	return NewStaticProvider(chain[0], chain[1:], key, id)
}

// NewStaticProvider builds a FileProvider from in-memory material.
func NewStaticProvider(leaf *x509.Certificate, chain []*x509.Certificate, key crypto.Signer, id string) (*FileProvider, error) {
	if key == nil {
		return nil, ErrUnavailable
	}
	if leaf != nil && !cert.SamePublicKey(leaf.PublicKey, key.Public()) {
		return nil, fmt.Errorf("%w: key does not match certificate", ErrUnavailable)
	}
	if id == "" && leaf != nil {
		id = leaf.Subject.SerialNumber
		if id == "" {
			id = leaf.Subject.CommonName
		}
	}
	if id == "" {
		return nil, ErrNoID
	}
	return &FileProvider{
		identity: &Identity{ID: id, Certificate: leaf, Chain: chain},
		key:      key,
	}, nil
}

// Identify returns the loaded identity. It succeeds while the key is
// locked; only Sign needs the key.
func (p *FileProvider) Identify(ctx context.Context) (*Identity, error) {
	return p.identity, nil
}

// Sign signs data with the loaded key. See VerifySignature.
func (p *FileProvider) Sign(ctx context.Context, id *Identity, data []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	key := p.key
	p.mu.Unlock()
	if key == nil {
		return nil, ErrLocked
	}
	if id == nil || id.ID != p.identity.ID {
		return nil, fmt.Errorf("%w: unknown identity", ErrUnavailable)
	}
	if _, ok := key.Public().(ed25519.PublicKey); ok {
		return key.Sign(rand.Reader, data, crypto.Hash(0))
	}
	digest := sha256.Sum256(data)
	return key.Sign(rand.Reader, digest[:], crypto.SHA256)
}

// Lock drops the key reference. Subsequent Sign calls fail with ErrLocked.
func (p *FileProvider) Lock() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.key = nil
}

var _ Provider = (*FileProvider)(nil)
