package logger

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

var (
	once   sync.Once
	logger *zerolog.Logger
)

// Setup configures the process logger. level is a zerolog level name
// ("trace", "debug", "info", ...); pretty selects the human-readable console
// writer instead of JSON. The first call wins; later calls return the
// already-initialized logger.
func Setup(level string, pretty bool) *zerolog.Logger {
	once.Do(func() {
		logger = newLogger(level, pretty)
	})
	return logger
}

// Get returns the process logger, initializing it with defaults (info level,
// console output) when Setup was never called.
func Get() *zerolog.Logger {
	once.Do(func() {
		logger = newLogger(os.Getenv("LOG_LEVEL"), true)
	})
	return logger
}

// Component returns a child logger tagged with a component name.
func Component(name string) zerolog.Logger {
	return Get().With().Str("component", name).Logger()
}

func newLogger(level string, pretty bool) *zerolog.Logger {
	logLevel := zerolog.InfoLevel
	if level != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(level)); err == nil {
			logLevel = parsed
		} else {
			fmt.Fprintf(os.Stderr, "invalid log level %q; defaulting to info\n", level)
		}
	}
	zerolog.SetGlobalLevel(logLevel)

	if pretty {
		output := zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "2006-01-02 15:04:05",
		}
		zl := zerolog.New(output).With().Timestamp().Logger()
		return &zl
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zl := zerolog.New(os.Stderr).With().Timestamp().Logger()
	return &zl
}

// SanitizeToken replaces token material with a length-only placeholder so
// secrets never reach log output.
func SanitizeToken(token string) string {
	if token == "" {
		return "[empty]"
	}
	return fmt.Sprintf("[token:%d chars]", len(token))
}
