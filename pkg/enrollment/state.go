package enrollment

// State is the state of an enrollment session.
type State uint8

const (
	// StateIdle is the state of a session that has not run.
	StateIdle State = iota

	// StateAwaitingChallenge means a connection is being opened and a
	// nonce requested.
	StateAwaitingChallenge

	// StateSigning means the device identity is signing the challenge.
	StateSigning

	// StateSubmitting means the signed request is being sent.
	StateSubmitting

	// StateAwaitingIssuance means the session waits for the certificate.
	StateAwaitingIssuance

	// StateRetrying means the session backs off before the next attempt.
	StateRetrying

	// StateCompleted is terminal success.
	StateCompleted

	// StateFailed is terminal failure.
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAwaitingChallenge:
		return "AWAITING_CHALLENGE"
	case StateSigning:
		return "SIGNING"
	case StateSubmitting:
		return "SUBMITTING"
	case StateAwaitingIssuance:
		return "AWAITING_ISSUANCE"
	case StateRetrying:
		return "RETRYING"
	case StateCompleted:
		return "COMPLETED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether s is COMPLETED or FAILED.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// phase groups the states an attempt error can come from.
type phase uint8

const (
	phaseChallenge phase = iota
	phaseSigning
	phaseSubmit
	phaseIssuance
)
