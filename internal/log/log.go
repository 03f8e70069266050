// Package log provides structured logging for facelink.
// It wraps zerolog with defaults suited to a long-running capture daemon.
package log

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	logger zerolog.Logger
	once   sync.Once
)

// Init initializes the global logger with the specified level.
// Valid levels: "debug", "info", "warn", "error". When pretty is true a
// human-readable console writer is used instead of JSON lines.
func Init(level string, pretty bool) {
	once.Do(func() {
		var out io.Writer = os.Stderr
		if pretty {
			out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
		}
		logger = zerolog.New(out).Level(parseLevel(level)).With().Timestamp().Logger()
	})
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// L returns the global logger instance.
func L() *zerolog.Logger {
	Init("info", false)
	return &logger
}

// Component returns a child logger tagged with the given component name.
func Component(name string) zerolog.Logger {
	return L().With().Str("component", name).Logger()
}
