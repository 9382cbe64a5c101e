// Package connection provides retry pacing and endpoint health tracking for
// enrollment traffic.
//
// # Retry Strategy
//
// A session that hits a transient failure waits before its next attempt:
//
//  1. Initial delay: the configured backoff base (default 2 seconds)
//  2. Exponential increase by a factor of 2
//  3. Maximum delay: 60 seconds
//
// Each session owns its Backoff; counters are never shared between sessions.
//
// # Jitter
//
// To keep a fleet of devices from retrying in lockstep after a server
// outage:
//
//	actual_delay = base_delay + random(0, base_delay * 0.25)
//
// # Health
//
// Tracker counts consecutive connection-class failures per key (a trust
// anchor fingerprint). Once the count reaches the fallback threshold the
// stored endpoint is considered unreachable and callers re-run discovery.
// Any success resets the count.
package connection
