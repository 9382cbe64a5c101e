// Package enrollment implements the device side of certificate enrollment
// against a Trustpoint server.
//
// A Session is a single-use state machine:
//
//	IDLE -> AWAITING_CHALLENGE -> SIGNING -> SUBMITTING -> AWAITING_ISSUANCE -> COMPLETED
//	             ^                                               |
//	             +------------------ RETRYING <------------------+   (transient failures)
//	any state -> FAILED
//
// Each attempt opens a fresh TLS connection, requests a nonce, signs
// nonce || SHA-256(CSR) with the device identity and submits the CSR.
// The issued certificate is accepted only after the returned trust
// anchor matches the expected fingerprint (or its OTP MAC verifies), the
// server chain seen in the handshake verifies to that anchor, and the
// certificate names the device and carries the session key.
//
// Messages are CBOR maps with integer keys, one per length-prefixed
// frame (see package transport).
//
// Server is a minimal issuing counterpart used by tests and the
// simulator.
package enrollment
