// Package logging provides the process-wide logger. All components log
// through this facade so output stays uniform JSON with a service field.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var root = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Init configures the process-wide logger. Level is one of debug, info,
// warn, error; anything else falls back to info. Console switches from JSON
// to human-readable output for local runs.
func Init(service, level string, console bool) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	var w io.Writer = os.Stderr
	if console {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	root = zerolog.New(w).Level(parseLevel(level)).With().Timestamp().Str("service", service).Logger()
}

func parseLevel(s string) zerolog.Level {
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

// With returns a sub-logger tagged with the given component name.
func With(component string) zerolog.Logger {
	return root.With().Str("component", component).Logger()
}

// Base returns the untagged process logger, for components that add their
// own tags.
func Base() zerolog.Logger { return root }

func Debugf(format string, args ...any) { root.Debug().Msgf(format, args...) }
func Infof(format string, args ...any)  { root.Info().Msgf(format, args...) }
func Warnf(format string, args ...any)  { root.Warn().Msgf(format, args...) }
func Errorf(format string, args ...any) { root.Error().Msgf(format, args...) }
