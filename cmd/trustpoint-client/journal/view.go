// Package journal implements the journal inspection commands of
// trustpoint-client.
package journal

import (
	"fmt"
	"io"
	"strings"

	"github.com/trustpoint-project/trustpoint-client-go/pkg/cert"
	"github.com/trustpoint-project/trustpoint-client-go/pkg/log"
)

const timeFormat = "2006-01-02T15:04:05.000000Z"

// FormatEvent writes a human-readable representation of the event to w.
func FormatEvent(w io.Writer, event log.Event) {
	// Header line: timestamp [session] COMPONENT CATEGORY anchor
	ts := event.Timestamp.UTC().Format(timeFormat)
	session := shortenSessionID(event.SessionID)
	if session == "" {
		session = "-"
	}
	fmt.Fprintf(w, "%s [%s] %-10s %-10s", ts, session, event.Component.String(), event.Category.String())
	if event.Anchor != "" {
		fmt.Fprintf(w, " anchor=%s", cert.ShortID(event.Anchor))
	}
	if event.Endpoint != "" {
		fmt.Fprintf(w, " endpoint=%s", event.Endpoint)
	}
	fmt.Fprintln(w)

	switch {
	case event.StateChange != nil:
		formatStateChangeDetails(w, event.StateChange)
	case event.Credential != nil:
		formatCredentialDetails(w, event.Credential)
	case event.Discovery != nil:
		formatDiscoveryDetails(w, event.Discovery)
	case event.Error != nil:
		formatErrorDetails(w, event.Error)
	}
}

// shortenSessionID returns the first 8 characters of the session ID.
func shortenSessionID(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}

func formatStateChangeDetails(w io.Writer, sc *log.StateChangeEvent) {
	if sc.OldState != "" {
		fmt.Fprintf(w, "  %s -> %s", sc.OldState, sc.NewState)
	} else {
		fmt.Fprintf(w, "  -> %s", sc.NewState)
	}
	if sc.Attempt > 0 {
		fmt.Fprintf(w, " (attempt %d)", sc.Attempt)
	}
	fmt.Fprintln(w)
	if sc.Reason != "" {
		fmt.Fprintf(w, "  Reason: %s\n", sc.Reason)
	}
}

func formatCredentialDetails(w io.Writer, c *log.CredentialEvent) {
	fmt.Fprintf(w, "  %s version %d", c.Action.String(), c.Version)
	if c.Status != "" {
		fmt.Fprintf(w, " status=%s", c.Status)
	}
	if !c.ExpiresAt.IsZero() {
		fmt.Fprintf(w, " expires=%s", c.ExpiresAt.UTC().Format("2006-01-02T15:04:05Z"))
	}
	fmt.Fprintln(w)
}

func formatDiscoveryDetails(w io.Writer, d *log.DiscoveryEvent) {
	verb := "seen"
	if d.Dropped {
		verb = "dropped"
	}
	fmt.Fprintf(w, "  %s %q at %s:%d", verb, d.Instance, d.Address, d.Port)
	if d.Fingerprint != "" {
		fmt.Fprintf(w, " fp=%s", cert.ShortID(d.Fingerprint))
	}
	fmt.Fprintln(w)
	if d.Reason != "" {
		fmt.Fprintf(w, "  Reason: %s\n", d.Reason)
	}
}

func formatErrorDetails(w io.Writer, e *log.ErrorEventData) {
	fmt.Fprintf(w, "  Kind: %s", e.Kind)
	if e.Transient {
		fmt.Fprint(w, " (transient)")
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Message: %s\n", e.Message)
	if e.Context != "" {
		fmt.Fprintf(w, "  Context: %s\n", e.Context)
	}
}

// ParseComponent parses a component name (case-insensitive).
func ParseComponent(s string) (log.Component, error) {
	switch strings.ToLower(s) {
	case "session":
		return log.ComponentSession, nil
	case "store":
		return log.ComponentStore, nil
	case "discovery":
		return log.ComponentDiscovery, nil
	case "scheduler":
		return log.ComponentScheduler, nil
	case "onboarding":
		return log.ComponentOnboarding, nil
	default:
		return 0, fmt.Errorf("invalid component: %s (must be session, store, discovery, scheduler or onboarding)", s)
	}
}

// ParseCategory parses a category name (case-insensitive).
func ParseCategory(s string) (log.Category, error) {
	switch strings.ToLower(s) {
	case "state":
		return log.CategoryState, nil
	case "credential":
		return log.CategoryCredential, nil
	case "discovery":
		return log.CategoryDiscovery, nil
	case "error":
		return log.CategoryError, nil
	default:
		return 0, fmt.Errorf("invalid category: %s (must be state, credential, discovery or error)", s)
	}
}

// RunView prints the events of the journal at path that match filter.
func RunView(path string, filter log.Filter, w io.Writer) error {
	return each(path, filter, func(event log.Event) error {
		FormatEvent(w, event)
		return nil
	})
}

func each(path string, filter log.Filter, fn func(log.Event) error) error {
	reader, err := log.NewFilteredReader(path, filter)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer reader.Close()

	for {
		event, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		if err := fn(event); err != nil {
			return err
		}
	}
}
