package trustbundle

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"

	"golang.org/x/crypto/pbkdf2"
)

const testIterations = 1000

func TestDeriveKeyMatchesPBKDF2(t *testing.T) {
	k, err := DeriveKey("otp-secret", "device-0042", testIterations)
	if err != nil {
		t.Fatal(err)
	}
	want := pbkdf2.Key([]byte("otp-secret"), []byte("device-0042"), testIterations, KeyLength, sha256.New)
	if hex.EncodeToString(k.key) != hex.EncodeToString(want) {
		t.Error("derived key differs from PBKDF2-HMAC-SHA256")
	}
}

func TestVerify(t *testing.T) {
	bundle := []byte("anchor DER bytes")
	server, _ := DeriveKey("otp-secret", "device-0042", testIterations)
	mac := server.MAC(bundle)
	if len(mac) != MACLength {
		t.Fatalf("len(mac) = %d", len(mac))
	}

	tests := []struct {
		name     string
		otp      string
		deviceID string
		bundle   []byte
		mac      []byte
		wantErr  error
	}{
		{"Match", "otp-secret", "device-0042", bundle, mac, nil},
		{"WrongOTP", "otp-wrong", "device-0042", bundle, mac, ErrMACMismatch},
		{"WrongDevice", "otp-secret", "device-0043", bundle, mac, ErrMACMismatch},
		{"TamperedBundle", "otp-secret", "device-0042", []byte("other anchor"), mac, ErrMACMismatch},
		{"Missing", "otp-secret", "device-0042", bundle, nil, ErrMACMissing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k, err := DeriveKey(tt.otp, tt.deviceID, testIterations)
			if err != nil {
				t.Fatal(err)
			}
			if err := k.Verify(tt.bundle, tt.mac); !errors.Is(err, tt.wantErr) {
				t.Errorf("Verify() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestVerifyHex(t *testing.T) {
	k, _ := DeriveKey("otp", "dev", testIterations)
	bundle := []byte("bundle")

	if err := k.VerifyHex(bundle, hex.EncodeToString(k.MAC(bundle))); err != nil {
		t.Errorf("VerifyHex() = %v", err)
	}
	if err := k.VerifyHex(bundle, "not-hex"); !errors.Is(err, ErrMACMismatch) {
		t.Errorf("VerifyHex(not-hex) = %v", err)
	}
	if err := k.VerifyHex(bundle, ""); !errors.Is(err, ErrMACMissing) {
		t.Errorf("VerifyHex(empty) = %v", err)
	}
}

func TestDeriveKeyValidation(t *testing.T) {
	if _, err := DeriveKey("", "dev", 1); !errors.Is(err, ErrEmptyOTP) {
		t.Errorf("empty otp error = %v", err)
	}
	if _, err := DeriveKey("otp", "", 1); !errors.Is(err, ErrEmptySalt) {
		t.Errorf("empty salt error = %v", err)
	}
}
