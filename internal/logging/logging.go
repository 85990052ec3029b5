// Package logging builds the service's zerolog root logger. Components
// derive their own with log.With().Str("component", ...).Logger().
package logging

import (
	"io"

	"github.com/rs/zerolog"
)

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

// New returns a root logger writing to w. Format "console" renders
// human-readable lines for local runs; anything else emits JSON.
// Unknown levels fall back to info.
func New(w io.Writer, level, format string) zerolog.Logger {
	zerolog.TimeFieldFormat = timeFormat
	zerolog.ErrorFieldName = "err"

	if format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: timeFormat}
	}
	return zerolog.New(w).Level(ParseLevel(level, zerolog.InfoLevel)).With().Timestamp().Logger()
}

// Nop returns a logger that never writes. Handy default for tests and
// optional dependencies.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

// ParseLevel maps a config string onto a zerolog level, falling back
// to def for anything unrecognized.
func ParseLevel(s string, def zerolog.Level) zerolog.Level {
	switch s {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	}
	return def
}
