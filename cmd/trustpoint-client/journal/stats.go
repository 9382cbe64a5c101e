package journal

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/trustpoint-project/trustpoint-client-go/pkg/cert"
	"github.com/trustpoint-project/trustpoint-client-go/pkg/log"
)

// Stats holds aggregate statistics about a journal.
type Stats struct {
	TotalEvents         int
	EventsByComponent   map[log.Component]int
	EventsByCategory    map[log.Category]int
	ErrorsByKind        map[string]int
	Sessions            int
	CredentialsByAction map[log.CredentialAction]int
	Anchors             map[string]int
	TimeRange           struct {
		Start time.Time
		End   time.Time
	}
}

// Collect aggregates the journal at path.
func Collect(path string) (*Stats, error) {
	stats := &Stats{
		EventsByComponent:   make(map[log.Component]int),
		EventsByCategory:    make(map[log.Category]int),
		ErrorsByKind:        make(map[string]int),
		CredentialsByAction: make(map[log.CredentialAction]int),
		Anchors:             make(map[string]int),
	}
	sessions := make(map[string]bool)

	err := each(path, log.Filter{}, func(event log.Event) error {
		stats.TotalEvents++
		stats.EventsByComponent[event.Component]++
		stats.EventsByCategory[event.Category]++

		if stats.TimeRange.Start.IsZero() || event.Timestamp.Before(stats.TimeRange.Start) {
			stats.TimeRange.Start = event.Timestamp
		}
		if event.Timestamp.After(stats.TimeRange.End) {
			stats.TimeRange.End = event.Timestamp
		}
		if event.SessionID != "" {
			sessions[event.SessionID] = true
		}
		if event.Anchor != "" {
			stats.Anchors[event.Anchor]++
		}
		if event.Error != nil {
			stats.ErrorsByKind[event.Error.Kind]++
		}
		if event.Credential != nil {
			stats.CredentialsByAction[event.Credential.Action]++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	stats.Sessions = len(sessions)
	return stats, nil
}

// RunStats analyzes the journal at path and prints statistics.
func RunStats(path string, w io.Writer) error {
	stats, err := Collect(path)
	if err != nil {
		return err
	}
	printStats(w, stats)
	return nil
}

func printStats(w io.Writer, stats *Stats) {
	fmt.Fprintln(w, "=== Trustpoint Client Journal ===")
	fmt.Fprintln(w)

	if stats.TotalEvents > 0 {
		fmt.Fprintf(w, "Time Range: %s to %s\n",
			stats.TimeRange.Start.Format(time.RFC3339),
			stats.TimeRange.End.Format(time.RFC3339))
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Total Events: %d\n", stats.TotalEvents)
	fmt.Fprintf(w, "Sessions:     %d\n", stats.Sessions)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Component:")
	for _, c := range []log.Component{log.ComponentSession, log.ComponentStore, log.ComponentDiscovery, log.ComponentScheduler, log.ComponentOnboarding} {
		if count := stats.EventsByComponent[c]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", c.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Category:")
	for _, c := range []log.Category{log.CategoryState, log.CategoryCredential, log.CategoryDiscovery, log.CategoryError} {
		if count := stats.EventsByCategory[c]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", c.String()+":", count)
		}
	}

	if len(stats.CredentialsByAction) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Credential Changes:")
		actions := make([]log.CredentialAction, 0, len(stats.CredentialsByAction))
		for a := range stats.CredentialsByAction {
			actions = append(actions, a)
		}
		sort.Slice(actions, func(i, j int) bool { return actions[i] < actions[j] })
		for _, a := range actions {
			fmt.Fprintf(w, "  %-18s %d\n", a.String()+":", stats.CredentialsByAction[a])
		}
	}

	if len(stats.Anchors) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Anchors: %d\n", len(stats.Anchors))
		fps := make([]string, 0, len(stats.Anchors))
		for fp := range stats.Anchors {
			fps = append(fps, fp)
		}
		sort.Strings(fps)
		for _, fp := range fps {
			fmt.Fprintf(w, "  [%s] %d events\n", cert.ShortID(fp), stats.Anchors[fp])
		}
	}

	if len(stats.ErrorsByKind) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Errors:")
		kinds := make([]string, 0, len(stats.ErrorsByKind))
		for k := range stats.ErrorsByKind {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		for _, k := range kinds {
			fmt.Fprintf(w, "  %-20s %d\n", k+":", stats.ErrorsByKind[k])
		}
	}
}
