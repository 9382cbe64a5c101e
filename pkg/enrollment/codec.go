package enrollment

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// encMode is the CBOR encoder mode for enrollment messages.
// Configured for deterministic encoding with integer keys.
var encMode cbor.EncMode

// decMode is the CBOR decoder mode for enrollment messages.
var decMode cbor.DecMode

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		IndefLength:      cbor.IndefLengthForbidden,
		MaxArrayElements: 16,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

// EncodeMessage encodes an enrollment message to CBOR bytes.
func EncodeMessage(msg any) ([]byte, error) {
	if MessageType(msg) == 0 {
		return nil, fmt.Errorf("%w: unsupported type %T", ErrInvalidMessage, msg)
	}
	return encMode.Marshal(msg)
}

// DecodeMessage decodes CBOR bytes to the appropriate message type.
func DecodeMessage(data []byte) (any, error) {
	// First, decode just to get the message type
	var header struct {
		MsgType uint8 `cbor:"1,keyasint"`
	}
	if err := decMode.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	var msg any
	switch header.MsgType {
	case MsgChallengeRequest:
		msg = &ChallengeRequest{}
	case MsgChallenge:
		msg = &Challenge{}
	case MsgEnrollRequest:
		msg = &EnrollRequest{}
	case MsgIssuance:
		msg = &Issuance{}
	case MsgError:
		msg = &ErrorMessage{}
	default:
		return nil, fmt.Errorf("%w: unknown message type %d", ErrInvalidMessage, header.MsgType)
	}
	if err := decMode.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return msg, nil
}

// MessageType returns the message type of a message value.
func MessageType(msg any) uint8 {
	switch m := msg.(type) {
	case *ChallengeRequest:
		return m.MsgType
	case *Challenge:
		return m.MsgType
	case *EnrollRequest:
		return m.MsgType
	case *Issuance:
		return m.MsgType
	case *ErrorMessage:
		return m.MsgType
	default:
		return 0
	}
}
