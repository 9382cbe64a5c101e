package log

import (
	"time"
)

// Event is one journal entry.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// SessionID identifies the enrollment session (UUID), if any.
	SessionID string `cbor:"2,keyasint,omitempty"`

	// Anchor is the trust anchor fingerprint, if known.
	Anchor string `cbor:"3,keyasint,omitempty"`

	// Endpoint is the server address (host:port), if any.
	Endpoint string `cbor:"4,keyasint,omitempty"`

	// Component that emitted the event.
	Component Component `cbor:"5,keyasint"`

	// Category classifies the event type.
	Category Category `cbor:"6,keyasint"`

	// DeviceID is the device identity the event concerns.
	DeviceID string `cbor:"7,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	StateChange *StateChangeEvent `cbor:"10,keyasint,omitempty"`
	Credential  *CredentialEvent  `cbor:"11,keyasint,omitempty"`
	Discovery   *DiscoveryEvent   `cbor:"12,keyasint,omitempty"`
	Error       *ErrorEventData   `cbor:"13,keyasint,omitempty"`
}

// Component identifies the emitting subsystem.
type Component uint8

const (
	ComponentSession    Component = 0
	ComponentStore      Component = 1
	ComponentDiscovery  Component = 2
	ComponentScheduler  Component = 3
	ComponentOnboarding Component = 4
)

// String returns the component name.
func (c Component) String() string {
	switch c {
	case ComponentSession:
		return "SESSION"
	case ComponentStore:
		return "STORE"
	case ComponentDiscovery:
		return "DISCOVERY"
	case ComponentScheduler:
		return "SCHEDULER"
	case ComponentOnboarding:
		return "ONBOARDING"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryState indicates a state change.
	CategoryState Category = 0
	// CategoryCredential indicates a credential store mutation.
	CategoryCredential Category = 1
	// CategoryDiscovery indicates a discovery observation.
	CategoryDiscovery Category = 2
	// CategoryError indicates a failure.
	CategoryError Category = 3
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryState:
		return "STATE"
	case CategoryCredential:
		return "CREDENTIAL"
	case CategoryDiscovery:
		return "DISCOVERY"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// StateChangeEvent captures session and scheduler state transitions.
type StateChangeEvent struct {
	// OldState is the previous state (may be empty).
	OldState string `cbor:"1,keyasint,omitempty"`

	// NewState is the new state.
	NewState string `cbor:"2,keyasint"`

	// Attempt is the session attempt number at the time of the change.
	Attempt int `cbor:"3,keyasint,omitempty"`

	// Reason for the change (if available).
	Reason string `cbor:"4,keyasint,omitempty"`
}

// CredentialEvent captures a credential store mutation.
type CredentialEvent struct {
	Action CredentialAction `cbor:"1,keyasint"`

	// Version is the credential version affected.
	Version uint64 `cbor:"2,keyasint,omitempty"`

	// Status is the resulting status name.
	Status string `cbor:"3,keyasint,omitempty"`

	// ExpiresAt is the credential expiry.
	ExpiresAt time.Time `cbor:"4,keyasint,omitempty"`
}

// CredentialAction is the kind of store mutation.
type CredentialAction uint8

const (
	CredentialStored          CredentialAction = 0
	CredentialRevoked         CredentialAction = 1
	CredentialExpired         CredentialAction = 2
	CredentialPendingRenewal  CredentialAction = 3
	CredentialPruned          CredentialAction = 4
	CredentialEndpointUpdated CredentialAction = 5
	CredentialSuperseded      CredentialAction = 6
)

// String returns the action name.
func (a CredentialAction) String() string {
	switch a {
	case CredentialStored:
		return "STORED"
	case CredentialRevoked:
		return "REVOKED"
	case CredentialExpired:
		return "EXPIRED"
	case CredentialPendingRenewal:
		return "PENDING_RENEWAL"
	case CredentialPruned:
		return "PRUNED"
	case CredentialEndpointUpdated:
		return "ENDPOINT_UPDATED"
	case CredentialSuperseded:
		return "SUPERSEDED"
	default:
		return "UNKNOWN"
	}
}

// DiscoveryEvent captures an advertisement seen during a scan.
type DiscoveryEvent struct {
	Instance    string `cbor:"1,keyasint,omitempty"`
	Address     string `cbor:"2,keyasint,omitempty"`
	Port        uint16 `cbor:"3,keyasint,omitempty"`
	Fingerprint string `cbor:"4,keyasint,omitempty"`

	// Dropped is set for malformed advertisements.
	Dropped bool `cbor:"5,keyasint,omitempty"`

	// Reason explains a drop.
	Reason string `cbor:"6,keyasint,omitempty"`
}

// ErrorEventData captures a classified failure.
type ErrorEventData struct {
	// Kind is the failure kind name (e.g. "Timeout").
	Kind string `cbor:"1,keyasint"`

	// Message is the error message.
	Message string `cbor:"2,keyasint"`

	// Transient reports whether the failure will be retried.
	Transient bool `cbor:"3,keyasint,omitempty"`

	// Context describes what operation was being performed.
	Context string `cbor:"4,keyasint,omitempty"`
}
