// Package discovery finds Trustpoint enrollment servers via mDNS/DNS-SD.
//
// Servers advertise the _trustpoint._tcp service. The TXT record carries:
//
//   - fp: SHA-256 fingerprint of the server's trust anchor (required)
//   - dom: the Trustpoint domain the server enrolls into
//   - cap: comma-separated capabilities (onboard, renew, otp)
//   - pv: enrollment protocol version
//
// A Scanner browses for a fixed window, drops malformed advertisements,
// deduplicates by (address, port, fingerprint) and then emits records most
// recently advertised first. Records are hints: the advertised fingerprint
// is only trusted once the enrollment handshake has verified the server's
// chain against it.
//
// # Onboarding URI
//
// When multicast is unavailable, a server can be named out of band:
//
//	trustpoint://host:port?fp=<fingerprint>&dom=<domain>&otp=<secret>
package discovery
