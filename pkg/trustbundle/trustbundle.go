// Package trustbundle authenticates a trust anchor delivered over an
// unverified channel with a one-time password shared out of band.
//
// The server derives a key from the OTP with PBKDF2-HMAC-SHA256, salted
// with the device identifier, and returns HMAC-SHA256(key, anchor DER)
// alongside the anchor. A device holding the same OTP recomputes the MAC
// before it trusts the anchor.
package trustbundle

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// DefaultIterations is the PBKDF2 iteration count.
	DefaultIterations = 1_000_000

	// KeyLength is the derived key length in bytes.
	KeyLength = 32

	// MACLength is the length of a trust bundle MAC in bytes.
	MACLength = sha256.Size
)

var (
	ErrEmptyOTP    = errors.New("one-time password is empty")
	ErrEmptySalt   = errors.New("device identifier is empty")
	ErrMACMissing  = errors.New("trust bundle MAC missing")
	ErrMACMismatch = errors.New("trust bundle MAC mismatch")
)

// Key is a derived trust bundle key.
type Key struct {
	key []byte
}

// DeriveKey derives the key for otp and deviceID. iterations <= 0 selects
// DefaultIterations.
func DeriveKey(otp, deviceID string, iterations int) (*Key, error) {
	if otp == "" {
		return nil, ErrEmptyOTP
	}
	if deviceID == "" {
		return nil, ErrEmptySalt
	}
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	return &Key{key: pbkdf2.Key([]byte(otp), []byte(deviceID), iterations, KeyLength, sha256.New)}, nil
}

// MAC returns HMAC-SHA256 of bundle under k.
func (k *Key) MAC(bundle []byte) []byte {
	h := hmac.New(sha256.New, k.key)
	h.Write(bundle)
	return h.Sum(nil)
}

// Verify checks mac against bundle in constant time.
func (k *Key) Verify(bundle, mac []byte) error {
	if len(mac) == 0 {
		return ErrMACMissing
	}
	if !hmac.Equal(k.MAC(bundle), mac) {
		return ErrMACMismatch
	}
	return nil
}

// VerifyHex checks a hex-encoded MAC, as carried in text headers.
func (k *Key) VerifyHex(bundle []byte, macHex string) error {
	if macHex == "" {
		return ErrMACMissing
	}
	mac, err := hex.DecodeString(macHex)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMACMismatch, err)
	}
	return k.Verify(bundle, mac)
}
