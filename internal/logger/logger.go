// Package logger provides a configured zerolog logger.
package logger

import (
	"os"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog"
	zpkgerrors "github.com/rs/zerolog/pkgerrors"
)

// New returns a zerolog.Logger for the given service. The level comes
// from HARVESTER_LOG_LEVEL (default info). Call sites should use
// .Stack() on error events to include stacks.
func New(serviceName string) zerolog.Logger {
	// Configure zerolog to work with github.com/pkg/errors:
	// - Automatically marshal pkg/errors stack traces when present
	// - Ensure a stack is present even for std errors when .Stack() is used
	zerolog.ErrorStackMarshaler = func(err error) interface{} {
		type stackTracer interface{ StackTrace() pkgerrors.StackTrace }
		if _, ok := err.(stackTracer); !ok {
			err = pkgerrors.WithStack(err)
		}
		return zpkgerrors.MarshalStack(err)
	}
	zerolog.ErrorMarshalFunc = func(err error) interface{} {
		type stackTracer interface{ StackTrace() pkgerrors.StackTrace }
		if _, ok := err.(stackTracer); ok {
			return err
		}
		return pkgerrors.WithStack(err)
	}

	return zerolog.New(os.Stdout).
		Level(levelFromEnv()).
		With().
		Str("service", serviceName).
		Timestamp().
		Logger()
}

func levelFromEnv() zerolog.Level {
	raw := os.Getenv("HARVESTER_LOG_LEVEL")
	if raw == "" {
		return zerolog.InfoLevel
	}
	lvl, err := zerolog.ParseLevel(raw)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}
