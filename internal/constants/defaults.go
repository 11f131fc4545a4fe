// Package constants defines shared configuration constants and defaults.
package constants

import "time"

// Debug loop defaults.
const (
	// DefaultWaitTimeout bounds a single wait for the next debug event.
	// The loop re-enters the wait when it expires.
	DefaultWaitTimeout = 100 * time.Millisecond

	// DefaultAttachRetries is the number of attach attempts on transient failures.
	DefaultAttachRetries = 3

	// DefaultAttachBackoff is the initial backoff between attach attempts.
	DefaultAttachBackoff = 50 * time.Millisecond

	// DefaultAttachMaxBackoff caps the attach backoff.
	DefaultAttachMaxBackoff = 1 * time.Second
)

// Logging defaults.
const (
	DefaultLogLevel = "info"
)
