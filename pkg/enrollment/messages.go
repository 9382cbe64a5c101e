package enrollment

import (
	"crypto/sha256"
	"errors"
)

// Enrollment message types.
const (
	// MsgChallengeRequest opens an enrollment exchange.
	MsgChallengeRequest uint8 = 1

	// MsgChallenge carries the server nonce.
	MsgChallenge uint8 = 2

	// MsgEnrollRequest carries the CSR and the identity signature.
	MsgEnrollRequest uint8 = 3

	// MsgIssuance delivers the issued certificate and trust anchor.
	MsgIssuance uint8 = 4

	// MsgError reports a server-side failure.
	MsgError uint8 = 255
)

// Server error codes.
const (
	ErrCodeBusy          uint8 = 1
	ErrCodeBadSignature  uint8 = 2
	ErrCodeUnknownDevice uint8 = 3
	ErrCodeInvalidCSR    uint8 = 4
	ErrCodeBadNonce      uint8 = 5
	ErrCodeUnexpected    uint8 = 6
	ErrCodeInternal      uint8 = 255
)

// Enrollment modes.
const (
	ModeOnboard uint8 = 0
	ModeRenew   uint8 = 1
)

// NonceLength is the length of server nonces.
const NonceLength = 32

// Message errors.
var (
	ErrInvalidMessage = errors.New("invalid enrollment message")
)

// ChallengeRequest asks the server for a nonce.
// CBOR: { 1: msgType, 2: deviceID, 3: identityChain, 4: mode }
type ChallengeRequest struct {
	MsgType       uint8    `cbor:"1,keyasint"`
	DeviceID      string   `cbor:"2,keyasint"`
	IdentityChain [][]byte `cbor:"3,keyasint,omitempty"` // DER, leaf first
	Mode          uint8    `cbor:"4,keyasint"`
}

// Challenge binds the exchange to a server-chosen nonce.
// CBOR: { 1: msgType, 2: nonce, 3: domain }
type Challenge struct {
	MsgType uint8  `cbor:"1,keyasint"`
	Nonce   []byte `cbor:"2,keyasint"`
	Domain  string `cbor:"3,keyasint,omitempty"`
}

// EnrollRequest submits the CSR signed by the device identity.
// CBOR: { 1: msgType, 2: nonce, 3: csr, 4: signature }
type EnrollRequest struct {
	MsgType   uint8  `cbor:"1,keyasint"`
	Nonce     []byte `cbor:"2,keyasint"`
	CSR       []byte `cbor:"3,keyasint"` // DER-encoded PKCS#10
	Signature []byte `cbor:"4,keyasint"` // identity signature over SigningPayload
}

// Issuance delivers the operational certificate.
// CBOR: { 1: msgType, 2: certificate, 3: chain, 4: anchor, 5: anchorMAC, 6: domain }
type Issuance struct {
	MsgType     uint8    `cbor:"1,keyasint"`
	Certificate []byte   `cbor:"2,keyasint"`           // DER leaf
	Chain       [][]byte `cbor:"3,keyasint,omitempty"` // DER intermediates
	Anchor      []byte   `cbor:"4,keyasint"`           // DER trust anchor
	AnchorMAC   []byte   `cbor:"5,keyasint,omitempty"` // trust bundle MAC, OTP mode
	Domain      string   `cbor:"6,keyasint,omitempty"`
}

// ErrorMessage reports a server-side failure.
// CBOR: { 1: msgType, 2: code, 3: message }
type ErrorMessage struct {
	MsgType uint8  `cbor:"1,keyasint"`
	Code    uint8  `cbor:"2,keyasint"`
	Message string `cbor:"3,keyasint,omitempty"`
}

// SigningPayload returns the bytes the device identity signs:
// nonce || SHA-256(csr).
func SigningPayload(nonce, csr []byte) []byte {
	h := sha256.Sum256(csr)
	out := make([]byte, 0, len(nonce)+len(h))
	out = append(out, nonce...)
	return append(out, h[:]...)
}

// ErrorCodeString returns a name for a server error code.
func ErrorCodeString(code uint8) string {
	switch code {
	case ErrCodeBusy:
		return "BUSY"
	case ErrCodeBadSignature:
		return "BAD_SIGNATURE"
	case ErrCodeUnknownDevice:
		return "UNKNOWN_DEVICE"
	case ErrCodeInvalidCSR:
		return "INVALID_CSR"
	case ErrCodeBadNonce:
		return "BAD_NONCE"
	case ErrCodeUnexpected:
		return "UNEXPECTED_MESSAGE"
	case ErrCodeInternal:
		return "INTERNAL"
	default:
		return "UNKNOWN"
	}
}
