package journal

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/trustpoint-project/trustpoint-client-go/pkg/log"
)

// RunExport writes the matching events of the journal at path to w as
// JSON lines ("jsonl") or CSV ("csv").
func RunExport(path, format string, filter log.Filter, w io.Writer) error {
	switch format {
	case "jsonl", "":
		encoder := json.NewEncoder(w)
		return each(path, filter, func(event log.Event) error {
			if err := encoder.Encode(event); err != nil {
				return fmt.Errorf("failed to encode event: %w", err)
			}
			return nil
		})
	case "csv":
		return exportCSV(path, filter, w)
	default:
		return fmt.Errorf("unknown format: %s (supported: jsonl, csv)", format)
	}
}

func exportCSV(path string, filter log.Filter, w io.Writer) error {
	cw := csv.NewWriter(w)
	defer cw.Flush()

	header := []string{"timestamp", "session_id", "component", "category", "anchor", "endpoint", "device_id", "detail"}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	return each(path, filter, func(event log.Event) error {
		row := []string{
			event.Timestamp.UTC().Format(timeFormat),
			event.SessionID,
			event.Component.String(),
			event.Category.String(),
			event.Anchor,
			event.Endpoint,
			event.DeviceID,
			detail(event),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
		return nil
	})
}

// detail summarizes the event payload in one field.
func detail(event log.Event) string {
	switch {
	case event.StateChange != nil:
		return event.StateChange.OldState + "->" + event.StateChange.NewState
	case event.Credential != nil:
		return event.Credential.Action.String() + ":" + strconv.FormatUint(event.Credential.Version, 10)
	case event.Discovery != nil:
		if event.Discovery.Dropped {
			return "dropped:" + event.Discovery.Reason
		}
		return "seen:" + event.Discovery.Instance
	case event.Error != nil:
		return event.Error.Kind + ":" + event.Error.Message
	}
	return ""
}
