// Package transport carries enrollment messages between a device and a
// Trustpoint server.
//
// # Protocol Stack
//
//	┌────────────────────────────────┐
//	│      CBOR Messages             │
//	├────────────────────────────────┤
//	│   Length-Prefix Framing (4B)   │
//	├────────────────────────────────┤
//	│   TLS 1.3, ALPN trustpoint/1   │
//	├────────────────────────────────┤
//	│           TCP                  │
//	└────────────────────────────────┘
//
// # Trust
//
// A device onboarding for the first time has no trust anchor, so the
// onboarding configuration accepts any server chain and leaves the decision
// to the enrollment layer, which checks the captured chain against the
// anchor the server returns. Once an anchor is stored, the pinned
// configuration accepts only chains ending in that anchor. Host names are
// never verified: servers are identified by their anchor.
//
// # Deadlines
//
// Send and Receive take a context. Its deadline becomes the socket
// deadline and cancelling it aborts blocked I/O.
package transport
