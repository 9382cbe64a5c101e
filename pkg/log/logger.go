package log

import "time"

// Logger receives journal events.
// Pass nil or NoopLogger to disable the journal.
type Logger interface {
	// Log records an event. Implementations must be thread-safe and must
	// not block the caller for long: sessions emit from their hot path.
	Log(event Event)
}

// NoopLogger discards all events.
// NoopLogger is safe for concurrent use and usable as a zero value.
type NoopLogger struct{}

// Log discards the event.
func (NoopLogger) Log(Event) {}

// Emit stamps event with the current time if it has none and forwards it to
// l. A nil l is allowed.
func Emit(l Logger, event Event) {
	if l == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	l.Log(event)
}

// Compile-time interface satisfaction check.
var _ Logger = NoopLogger{}
