package main

import (
	"io"
	"log/slog"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
)

var flagConfig = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	Usage:   "path to the client configuration file (YAML)",
	EnvVars: []string{"TRUSTPOINT_CONFIG"},
}

var flagStateDir = &cli.StringFlag{
	Name:  "state-dir",
	Usage: "directory holding credentials, runtime state and the journal (overrides the config file)",
}

var flagJournal = &cli.StringFlag{
	Name:  "journal",
	Usage: "event journal file, relative to the state directory; \"-\" disables it",
}

var flagLogJSON = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}

var flagLogDebug = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}

var flagLogUID = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}

var globalFlags = []cli.Flag{
	flagConfig,
	flagStateDir,
	flagJournal,
	flagLogJSON,
	flagLogDebug,
	flagLogUID,
}

// setupLogger builds the operational logger from the global flags.
func setupLogger(cCtx *cli.Context, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if cCtx.Bool(flagLogDebug.Name) {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cCtx.Bool(flagLogJSON.Name) {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	logger := slog.New(handler).With("service", "trustpoint-client")

	if cCtx.Bool(flagLogUID.Name) {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}
