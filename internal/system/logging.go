// Package system provides process-level plumbing shared by every other
// package: logging bootstrap, ordered shutdown, ID generation and a bounded
// ring buffer for capturing subprocess output.
package system

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SetupLogging configures the global zerolog logger. level is any name
// zerolog.ParseLevel accepts (e.g. "debug", "info", "warn", "error"); an
// empty or unrecognized value falls back to "info".
func SetupLogging(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	log.Logger = zerolog.New(writer).With().Timestamp().Logger()
}

// NewComponentLogger returns a child logger tagged with the given component
// name, for injection into a single collaborator's constructor.
func NewComponentLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}
