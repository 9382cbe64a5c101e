package connection

import (
	"sort"
	"sync"
	"time"
)

// DefaultFallbackThreshold is the number of consecutive failures after which
// an endpoint is considered unreachable.
const DefaultFallbackThreshold = 3

// Health is the reachability state of an endpoint.
type Health uint8

const (
	// HealthUnknown means no attempt has been recorded.
	HealthUnknown Health = iota

	// HealthReachable means the last attempt succeeded.
	HealthReachable

	// HealthDegraded means recent attempts failed but fewer than the
	// threshold.
	HealthDegraded

	// HealthUnreachable means the failure threshold was reached.
	HealthUnreachable
)

// String returns a human-readable state name.
func (h Health) String() string {
	switch h {
	case HealthUnknown:
		return "UNKNOWN"
	case HealthReachable:
		return "REACHABLE"
	case HealthDegraded:
		return "DEGRADED"
	case HealthUnreachable:
		return "UNREACHABLE"
	default:
		return "INVALID"
	}
}

// EndpointStatus is a point-in-time view of one tracked key.
type EndpointStatus struct {
	Key         string
	Health      Health
	Failures    int
	LastFailure time.Time
	LastSuccess time.Time
	LastError   string
}

// Tracker tracks consecutive failures per key.
type Tracker struct {
	mu        sync.RWMutex
	threshold int
	entries   map[string]*EndpointStatus

	onStateChange func(key string, oldState, newState Health)
}

// NewTracker creates a tracker. threshold <= 0 selects
// DefaultFallbackThreshold.
func NewTracker(threshold int) *Tracker {
	if threshold <= 0 {
		threshold = DefaultFallbackThreshold
	}
	return &Tracker{
		threshold: threshold,
		entries:   make(map[string]*EndpointStatus),
	}
}

// Threshold returns the failure count at which a key becomes unreachable.
func (t *Tracker) Threshold() int {
	return t.threshold
}

func (t *Tracker) entry(key string) *EndpointStatus {
	e, ok := t.entries[key]
	if !ok {
		e = &EndpointStatus{Key: key}
		t.entries[key] = e
	}
	return e
}

func (t *Tracker) classify(failures int) Health {
	switch {
	case failures == 0:
		return HealthReachable
	case failures < t.threshold:
		return HealthDegraded
	default:
		return HealthUnreachable
	}
}

// RecordSuccess resets the failure count for key.
func (t *Tracker) RecordSuccess(key string, at time.Time) {
	t.mu.Lock()
	e := t.entry(key)
	old := e.Health
	e.Failures = 0
	e.LastSuccess = at
	e.LastError = ""
	e.Health = HealthReachable
	fn := t.onStateChange
	t.mu.Unlock()

	if fn != nil && old != HealthReachable {
		fn(key, old, HealthReachable)
	}
}

// RecordFailure increments the failure count for key and returns it.
func (t *Tracker) RecordFailure(key string, at time.Time, err error) int {
	t.mu.Lock()
	e := t.entry(key)
	old := e.Health
	e.Failures++
	e.LastFailure = at
	if err != nil {
		e.LastError = err.Error()
	}
	e.Health = t.classify(e.Failures)
	n, state := e.Failures, e.Health
	fn := t.onStateChange
	t.mu.Unlock()

	if fn != nil && old != state {
		fn(key, old, state)
	}
	return n
}

// Failures returns the consecutive failure count for key.
func (t *Tracker) Failures(key string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if e, ok := t.entries[key]; ok {
		return e.Failures
	}
	return 0
}

// State returns the health of key.
func (t *Tracker) State(key string) Health {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if e, ok := t.entries[key]; ok {
		return e.Health
	}
	return HealthUnknown
}

// Status returns a copy of the status of key.
func (t *Tracker) Status(key string) (EndpointStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if e, ok := t.entries[key]; ok {
		return *e, true
	}
	return EndpointStatus{Key: key}, false
}

// NeedsFallback reports whether key reached the failure threshold.
func (t *Tracker) NeedsFallback(key string) bool {
	return t.Failures(key) >= t.threshold
}

// Restore seeds a key from persisted state without firing callbacks.
func (t *Tracker) Restore(key string, failures int, lastFailure time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entry(key)
	e.Failures = failures
	e.LastFailure = lastFailure
	if failures > 0 {
		e.Health = t.classify(failures)
	}
}

// Forget drops key.
func (t *Tracker) Forget(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, key)
}

// Snapshot returns the status of every tracked key ordered by key.
func (t *Tracker) Snapshot() []EndpointStatus {
	t.mu.RLock()
	out := make([]EndpointStatus, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// OnStateChange sets a callback for health transitions. It is called
// without the tracker lock held.
func (t *Tracker) OnStateChange(fn func(key string, oldState, newState Health)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onStateChange = fn
}
