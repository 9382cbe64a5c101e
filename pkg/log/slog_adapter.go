package log

import (
	"context"
	"log/slog"
	"time"
)

// SlogAdapter writes journal events to an slog.Logger at Debug level.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter creates a new SlogAdapter that writes to the given slog.Logger.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger}
}

// Log writes the event to the slog logger at Debug level.
func (a *SlogAdapter) Log(event Event) {
	attrs := []slog.Attr{
		slog.String("component", event.Component.String()),
		slog.String("category", event.Category.String()),
	}

	if event.SessionID != "" {
		attrs = append(attrs, slog.String("session_id", event.SessionID))
	}
	if event.Anchor != "" {
		attrs = append(attrs, slog.String("anchor", event.Anchor))
	}
	if event.Endpoint != "" {
		attrs = append(attrs, slog.String("endpoint", event.Endpoint))
	}
	if event.DeviceID != "" {
		attrs = append(attrs, slog.String("device_id", event.DeviceID))
	}

	switch {
	case event.StateChange != nil:
		attrs = append(attrs,
			slog.String("old_state", event.StateChange.OldState),
			slog.String("new_state", event.StateChange.NewState),
		)
		if event.StateChange.Attempt > 0 {
			attrs = append(attrs, slog.Int("attempt", event.StateChange.Attempt))
		}
		if event.StateChange.Reason != "" {
			attrs = append(attrs, slog.String("reason", event.StateChange.Reason))
		}
	case event.Credential != nil:
		attrs = append(attrs,
			slog.String("action", event.Credential.Action.String()),
			slog.Uint64("version", event.Credential.Version),
		)
		if event.Credential.Status != "" {
			attrs = append(attrs, slog.String("status", event.Credential.Status))
		}
		if !event.Credential.ExpiresAt.IsZero() {
			attrs = append(attrs, slog.String("expires_at", event.Credential.ExpiresAt.Format(time.RFC3339)))
		}
	case event.Discovery != nil:
		attrs = append(attrs,
			slog.String("instance", event.Discovery.Instance),
			slog.Bool("dropped", event.Discovery.Dropped),
		)
		if event.Discovery.Reason != "" {
			attrs = append(attrs, slog.String("reason", event.Discovery.Reason))
		}
	case event.Error != nil:
		attrs = append(attrs,
			slog.String("error_kind", event.Error.Kind),
			slog.String("error_msg", event.Error.Message),
			slog.Bool("transient", event.Error.Transient),
		)
		if event.Error.Context != "" {
			attrs = append(attrs, slog.String("error_context", event.Error.Context))
		}
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "journal", attrs...)
}

// Compile-time interface satisfaction check.
var _ Logger = (*SlogAdapter)(nil)
