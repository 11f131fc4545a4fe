// Package osdebug defines the operating-system debug primitives the debugger
// engine is built on: process and thread handles, debug events, continuation
// decisions, register snapshots, remote memory and page protection.
//
// The engine in internal/debugger only talks to the Facility interface. A
// Linux implementation on top of ptrace(2) is provided by NewPtrace; tests
// use the in-memory facility from internal/testutil.
package osdebug

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	// ErrTimeout is returned by WaitNextEvent when no event arrived in time.
	ErrTimeout = errors.New("timed out waiting for debug event")

	// ErrProcessNotFound means the target process does not exist.
	ErrProcessNotFound = errors.New("process not found")

	// ErrAccessDenied means the OS refused access to the process or thread.
	ErrAccessDenied = errors.New("access denied")

	// ErrAlreadyDebugged means another debugger is attached to the process.
	ErrAlreadyDebugged = errors.New("process is already being debugged")

	// ErrBusy is a transient refusal worth retrying (e.g. a thread still starting).
	ErrBusy = errors.New("process busy")

	// ErrNoSuchThread means the thread exited or is not owned by the debugged process.
	ErrNoSuchThread = errors.New("no such thread")

	// ErrNotAttached means the operation needs an attached process.
	ErrNotAttached = errors.New("process is not attached")

	// ErrSymbolNotFound means a module or exported symbol could not be resolved.
	ErrSymbolNotFound = errors.New("symbol not found")

	// ErrNotSupported means the facility cannot perform the operation on this platform.
	ErrNotSupported = errors.New("not supported on this platform")
)

// MainModule refers to the executable image of the debugged process in
// symbol lookups.
const MainModule = "main"

// EventKind classifies a debug event.
type EventKind int

const (
	EventException EventKind = iota + 1
	EventCreateThread
	EventCreateProcess
	EventExitThread
	EventExitProcess
	EventLoadModule
	EventOutputString
)

func (k EventKind) String() string {
	switch k {
	case EventException:
		return "exception"
	case EventCreateThread:
		return "create-thread"
	case EventCreateProcess:
		return "create-process"
	case EventExitThread:
		return "exit-thread"
	case EventExitProcess:
		return "exit-process"
	case EventLoadModule:
		return "load-module"
	case EventOutputString:
		return "output-string"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// ExceptionCode identifies the exception carried by an EventException.
// The well-known codes use the NTSTATUS values debuggers conventionally report.
type ExceptionCode uint32

const (
	ExceptionGuardPage       ExceptionCode = 0x80000001
	ExceptionBreakpoint      ExceptionCode = 0x80000003
	ExceptionSingleStep      ExceptionCode = 0x80000004
	ExceptionAccessViolation ExceptionCode = 0xC0000005

	// exceptionSignalBase tags exceptions that only exist as a raw signal.
	exceptionSignalBase ExceptionCode = 0xE0000000
)

// ExceptionSignal encodes a signal that has no dedicated exception code.
func ExceptionSignal(signo int) ExceptionCode {
	return exceptionSignalBase | ExceptionCode(signo&0xff)
}

// Signal returns the signal number of an ExceptionSignal code.
func (c ExceptionCode) Signal() (int, bool) {
	if c&0xFFFFFF00 != exceptionSignalBase {
		return 0, false
	}
	return int(c & 0xff), true
}

func (c ExceptionCode) String() string {
	switch c {
	case ExceptionGuardPage:
		return "guard-page"
	case ExceptionBreakpoint:
		return "breakpoint"
	case ExceptionSingleStep:
		return "single-step"
	case ExceptionAccessViolation:
		return "access-violation"
	}
	if sig, ok := c.Signal(); ok {
		return fmt.Sprintf("signal(%d)", sig)
	}
	return fmt.Sprintf("exception(%#08x)", uint32(c))
}

// Event is one debug event. Code and Address are only meaningful for EventException.
type Event struct {
	PID      int
	ThreadID int
	Kind     EventKind
	Code     ExceptionCode
	Address  uint64
}

// Continuation tells the OS how to resume the thread that reported an event.
type Continuation int

const (
	// ContinueHandled resumes execution; the debugger handled the event.
	ContinueHandled Continuation = iota
	// ContinueNotHandled passes the exception on to the target's own handlers.
	ContinueNotHandled
)

func (c Continuation) String() string {
	if c == ContinueNotHandled {
		return "not-handled"
	}
	return "continue"
}

// Protection is a set of page protection attributes.
type Protection uint32

const (
	ProtRead Protection = 1 << iota
	ProtWrite
	ProtExec
	// ProtGuard makes the first access to the page raise ExceptionGuardPage.
	ProtGuard

	ProtNone Protection = 0
	ProtRWX             = ProtRead | ProtWrite | ProtExec
)

func (p Protection) String() string {
	b := []byte("----")
	if p&ProtRead != 0 {
		b[0] = 'r'
	}
	if p&ProtWrite != 0 {
		b[1] = 'w'
	}
	if p&ProtExec != 0 {
		b[2] = 'x'
	}
	if p&ProtGuard != 0 {
		b[3] = 'g'
	}
	return string(b)
}

// PageInfo describes the protection of the region containing a queried address.
type PageInfo struct {
	Base    uint64
	Size    uint64
	Protect Protection
}

// ProcessHandle refers to an opened target process.
type ProcessHandle interface {
	PID() int
	io.Closer
}

// ThreadHandle refers to one opened thread of the target process. Handles are
// acquired, used and closed within a single operation.
type ThreadHandle interface {
	TID() int
	io.Closer
}

// Facility is the OS debug interface consumed by the engine.
type Facility interface {
	OpenProcess(pid int) (ProcessHandle, error)
	AttachDebug(pid int) error
	DetachDebug(pid int) error

	// WaitNextEvent blocks for the next debug event. A zero timeout blocks
	// until an event arrives or ctx is done; otherwise ErrTimeout is returned
	// when the timeout expires.
	WaitNextEvent(ctx context.Context, timeout time.Duration) (Event, error)
	ContinueEvent(pid, tid int, c Continuation) error

	OpenThread(tid int) (ThreadHandle, error)
	ListThreads(pid int) ([]int, error)
	GetRegisters(h ThreadHandle) (*Registers, error)
	SetRegisters(h ThreadHandle, regs *Registers) error

	ReadMemory(h ProcessHandle, addr uint64, n int) ([]byte, error)
	WriteMemory(h ProcessHandle, addr uint64, data []byte) error
	QueryProtection(h ProcessHandle, addr uint64) (PageInfo, error)
	// SetProtection changes the protection of the pages covering
	// [addr, addr+size) and returns the previous protection of the first page.
	SetProtection(h ProcessHandle, addr, size uint64, prot Protection) (Protection, error)

	// ResolveExportedSymbol returns the runtime address of an exported
	// function. MainModule names the target's executable.
	ResolveExportedSymbol(h ProcessHandle, module, symbol string) (uint64, error)
	PageSize() int
}
