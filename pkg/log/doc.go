// Package log provides the structured lifecycle journal for the Trustpoint
// client.
//
// The journal records what the enrollment core did: session state changes,
// credential store mutations, discovery drops and classified failures. It is
// separate from operational logging (slog). The journal is a complete,
// machine-readable trace that outlives the process and can be filtered per
// session or trust anchor.
//
// # Basic Usage
//
//	// Console only
//	journal := log.NewSlogAdapter(slog.Default())
//
//	// Durable file
//	journal, _ := log.NewFileLogger("/var/lib/trustpoint/journal.tplog")
//
//	// Both
//	journal := log.NewMultiLogger(log.NewSlogAdapter(logger), fileLogger)
//
// # File Format
//
// Journal files are a stream of CBOR-encoded Events with integer keys.
// `trustpoint-client journal` prints them.
package log
