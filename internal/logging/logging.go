// Package logging builds the process-wide zerolog logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// New creates the service logger. Format "pretty" renders for terminals;
// anything else emits JSON lines. The level string accepts the zerolog
// names (trace, debug, info, warn, error, fatal, panic, disabled).
func New(level, format string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)

	var output io.Writer = os.Stdout
	if format == "pretty" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	logger := zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "chatd").
		Logger()

	return logger, nil
}

// Init sets the global logger so packages logging through zerolog/log share
// the service configuration. Call once at startup.
func Init(level, format string) (zerolog.Logger, error) {
	logger, err := New(level, format)
	if err != nil {
		return zerolog.Logger{}, err
	}
	log.Logger = logger
	return logger, nil
}
