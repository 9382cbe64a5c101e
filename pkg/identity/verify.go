package identity

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
)

// ErrBadSignature is returned by VerifySignature on mismatch.
var ErrBadSignature = errors.New("identity signature verification failed")

// VerifySignature checks a signature produced by Provider.Sign.
func VerifySignature(pub crypto.PublicKey, data, sig []byte) error {
	digest := sha256.Sum256(data)
	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		if ecdsa.VerifyASN1(k, digest[:], sig) {
			return nil
		}
	case *rsa.PublicKey:
		if rsa.VerifyPKCS1v15(k, crypto.SHA256, digest[:], sig) == nil {
			return nil
		}
	case ed25519.PublicKey:
		if ed25519.Verify(k, data, sig) {
			return nil
		}
	}
	return ErrBadSignature
}
