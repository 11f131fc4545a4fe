package debugger

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Every error returned by the engine is an *OpError whose Kind is
// one of these, so callers can match with errors.Is.
var (
	ErrAttach               = errors.New("attach failed")
	ErrDetach               = errors.New("detach failed")
	ErrThreadAccess         = errors.New("thread access failed")
	ErrMemoryAccess         = errors.New("memory access failed")
	ErrSlotExhausted        = errors.New("all hardware breakpoint slots are in use")
	ErrInvalidParameter     = errors.New("invalid breakpoint parameter")
	ErrDuplicateBreakpoint  = errors.New("breakpoint already set")
	ErrUnknownBreakpoint    = errors.New("no such breakpoint")
	ErrUnexpectedTrap       = errors.New("unexpected breakpoint trap")
	ErrUnexpectedSingleStep = errors.New("unexpected single step")
	ErrUnexpectedGuardFault = errors.New("unexpected guard page fault")
	ErrNoSession            = errors.New("no active debug session")
	ErrProcessExited        = errors.New("debugged process exited")
	ErrSymbolResolve        = errors.New("symbol resolution failed")
)

const noSlot = -1

// OpError describes a failed engine operation: which operation, on which
// process, thread, address or slot, what kind of failure, and the underlying
// OS error if there was one.
type OpError struct {
	Op   string
	Kind error
	PID  int
	TID  int
	Addr uint64
	Slot int
	Err  error
}

func newOpError(op string, kind, err error) *OpError {
	return &OpError{Op: op, Kind: kind, Slot: noSlot, Err: err}
}

func (e *OpError) withPID(pid int) *OpError { e.PID = pid; return e }
func (e *OpError) withTID(tid int) *OpError { e.TID = tid; return e }
func (e *OpError) withAddr(addr uint64) *OpError { e.Addr = addr; return e }
func (e *OpError) withSlot(slot int) *OpError { e.Slot = slot; return e }

func (e *OpError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.PID != 0 {
		fmt.Fprintf(&b, " pid=%d", e.PID)
	}
	if e.TID != 0 {
		fmt.Fprintf(&b, " tid=%d", e.TID)
	}
	if e.Addr != 0 {
		fmt.Fprintf(&b, " addr=%#x", e.Addr)
	}
	if e.Slot != noSlot {
		fmt.Fprintf(&b, " slot=%d", e.Slot)
	}
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the underlying cause to errors.Is/As.
func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// cause strips an *OpError produced by a lower-level engine call so the
// caller can wrap the OS error under its own operation.
func cause(err error) error {
	var op *OpError
	if errors.As(err, &op) && op.Err != nil {
		return op.Err
	}
	return err
}
