// Package errors provides utilities for error handling in pdbg.
package errors

import (
	"io"

	"github.com/rs/zerolog"
)

// DeferClose properly closes an io.Closer with logging.
// Use this in defer statements to avoid suppressing close errors.
func DeferClose(logger zerolog.Logger, closer io.Closer, msg string) {
	if closer == nil {
		return
	}
	if err := closer.Close(); err != nil {
		logger.Warn().Err(err).Msg(msg)
	}
}

// BestEffort runs a cleanup step whose failure must not mask the error
// already being returned by the caller (rollbacks, restores on detach).
// It reports whether fn succeeded.
func BestEffort(logger zerolog.Logger, msg string, fn func() error) bool {
	if fn == nil {
		return true
	}
	if err := fn(); err != nil {
		logger.Warn().Err(err).Msg(msg)
		return false
	}
	return true
}
