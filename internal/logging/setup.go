// Package logging configures the global zerolog logger.
package logging

import (
	"io"
	stdlog "log"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup initialises the global logger from environment variables:
//
//   - LOG_LEVEL: debug, info, warn, error (default: info)
//   - LOG_FORMAT: json, text (default: json)
//
// The standard library "log" package is bridged so that third-party
// log.Printf output ends up in the same structured stream.
func Setup() {
	SetupWithConfig(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"), os.Stderr)
}

// SetupWithConfig configures logging with explicit parameters.
func SetupWithConfig(levelStr, formatStr string, w io.Writer) {
	zerolog.SetGlobalLevel(ParseLevel(levelStr))
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var out io.Writer = w
	if strings.EqualFold(strings.TrimSpace(formatStr), "text") {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}

	log.Logger = zerolog.New(out).With().Timestamp().Logger()

	stdlog.SetFlags(0)
	stdlog.SetOutput(log.Logger.With().Str("source", "stdlib").Logger())
}

// ParseLevel converts a string to a zerolog level. Defaults to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
