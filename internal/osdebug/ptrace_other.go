//go:build !(linux && amd64)

package osdebug

import (
	"fmt"
	"runtime"

	"github.com/rs/zerolog"
)

// Ptrace is only available on linux/amd64.
type Ptrace struct {
	Facility
}

// NewPtrace reports ErrNotSupported on this platform.
func NewPtrace(logger zerolog.Logger) (*Ptrace, error) {
	return nil, fmt.Errorf("%w: %s/%s", ErrNotSupported, runtime.GOOS, runtime.GOARCH)
}

// Close is a no-op.
func (p *Ptrace) Close() error { return nil }
