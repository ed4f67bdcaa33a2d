// Package logger wraps zerolog with the process-wide logger used across
// the orchestrator and agent binaries.
package logger

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the global, process-wide logger. Initialize should be called once
// from main before any other package logs.
var Log zerolog.Logger

// Initialize configures the global logger. level is parsed case-insensitively
// and falls back to info on error. pretty selects a human-readable console
// writer instead of JSON (suitable for local development).
func Initialize(service, level string, pretty bool) {
	zerolog.TimeFieldFormat = time.RFC3339

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var base zerolog.Logger
	if pretty {
		writer := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		base = zerolog.New(writer).With().Timestamp().Logger()
	} else {
		base = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	Log = base.With().Str("service", service).Logger()
	log.Logger = Log
}

// Component returns a child logger tagged with the given component name,
// e.g. logger.Component("scheduler").Info().Msg("tick").
func Component(name string) zerolog.Logger {
	return Log.With().Str("component", name).Logger()
}

// GetLogger returns the current global logger. Safe to call before
// Initialize (e.g. package init order in tests): the zero value of
// zerolog.Logger has no writer and discards every event.
func GetLogger() zerolog.Logger {
	return Log
}
