package config

import (
	"fmt"
	"strings"

	"github.com/coral-mesh/pdbg/internal/logging"
)

// Validator is the interface for validating configuration.
type Validator interface {
	Validate() error
}

// ValidationError represents a single validation error.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// MultiValidationError represents multiple validation errors.
type MultiValidationError struct {
	Errors []ValidationError
}

// Error implements the error interface.
func (e *MultiValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "no validation errors"
	}

	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("validation failed with %d errors:\n", len(e.Errors)))
	for i, err := range e.Errors {
		builder.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return builder.String()
}

// Validate validates Config.
func (c *Config) Validate() error {
	var errors []ValidationError

	if c.Version == "" {
		errors = append(errors, ValidationError{
			Field:   "version",
			Message: "version is required",
		})
	} else if c.Version != SchemaVersion {
		errors = append(errors, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %q (want %q)", c.Version, SchemaVersion),
		})
	}

	if !logging.IsValidLevel(c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("unknown log level %q", c.Logging.Level),
		})
	}

	if err := c.Debugger.Validate(); err != nil {
		if multiErr, ok := err.(*MultiValidationError); ok {
			for _, e := range multiErr.Errors {
				e.Field = "debugger." + e.Field
				errors = append(errors, e)
			}
		}
	}

	if len(errors) > 0 {
		return &MultiValidationError{Errors: errors}
	}
	return nil
}

// Validate validates DebuggerConfig.
func (c *DebuggerConfig) Validate() error {
	var errors []ValidationError

	if c.WaitTimeout < 0 {
		errors = append(errors, ValidationError{
			Field:   "wait_timeout",
			Message: "wait timeout cannot be negative",
		})
	}

	if c.Attach.Retries < 1 {
		errors = append(errors, ValidationError{
			Field:   "attach.retries",
			Message: "at least one attach attempt is required",
		})
	}

	if c.Attach.Backoff < 0 {
		errors = append(errors, ValidationError{
			Field:   "attach.backoff",
			Message: "backoff cannot be negative",
		})
	}

	if c.Attach.MaxBackoff < c.Attach.Backoff {
		errors = append(errors, ValidationError{
			Field:   "attach.max_backoff",
			Message: "max backoff must not be smaller than backoff",
		})
	}

	if len(errors) > 0 {
		return &MultiValidationError{Errors: errors}
	}
	return nil
}
