// Package debugger implements the debugging engine: the attach/detach
// lifecycle, the debug event loop and exception dispatcher, and the software,
// hardware and memory breakpoint managers.
//
// A Debugger owns at most one Session. All state lives in that session and is
// only touched from the goroutine that drives the Debugger, so the engine has
// no internal locking. The OS side is reached exclusively through an
// osdebug.Facility.
package debugger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coral-mesh/pdbg/internal/config"
	pdbgerrors "github.com/coral-mesh/pdbg/internal/errors"
	"github.com/coral-mesh/pdbg/internal/osdebug"
	"github.com/coral-mesh/pdbg/internal/retry"
)

// PendingException is the exception currently being handled. It is only
// valid between event delivery and the continuation decision.
type PendingException struct {
	Code     osdebug.ExceptionCode
	Address  uint64
	ThreadID int
}

// Session is the state of one attached process. It is created by Attach and
// destroyed by Detach.
type Session struct {
	ID        string
	PID       int
	StartTime time.Time

	process            osdebug.ProcessHandle
	active             bool
	firstExceptionSeen bool
	exited             bool

	software map[uint64]*SoftwareBreakpoint
	hardware map[int]*HardwareBreakpoint
	memory   map[uint64]*MemoryBreakpoint

	// guardedPages lists the pages this session guarded, so a guard fault on
	// one of the target's own guard pages can be told apart.
	guardedPages []uint64

	// consumed holds software breakpoint addresses removed by a hit and
	// released the pages whose guard a hit used up. Traps other threads
	// raised on them before the hit was handled are still in flight.
	consumed map[uint64]struct{}
	released map[uint64]struct{}

	pending *PendingException

	// rearm holds the work to do when a thread finishes a trap-flag step.
	rearm map[int][]rearmTask
}

func newSession(pid int, process osdebug.ProcessHandle) *Session {
	return &Session{
		ID:        uuid.NewString(),
		PID:       pid,
		StartTime: time.Now(),
		process:   process,
		active:    true,
		software:  make(map[uint64]*SoftwareBreakpoint),
		hardware:  make(map[int]*HardwareBreakpoint),
		memory:    make(map[uint64]*MemoryBreakpoint),
		consumed:  make(map[uint64]struct{}),
		released:  make(map[uint64]struct{}),
		rearm:     make(map[int][]rearmTask),
	}
}

// Active reports whether the session is attached.
func (s *Session) Active() bool { return s.active }

// FirstExceptionSeen reports whether the attach breakpoint has been consumed.
func (s *Session) FirstExceptionSeen() bool { return s.firstExceptionSeen }

// Exited reports whether the debugged process has exited.
func (s *Session) Exited() bool { return s.exited }

// Pending returns the exception being handled, if any.
func (s *Session) Pending() (PendingException, bool) {
	if s.pending == nil {
		return PendingException{}, false
	}
	return *s.pending, true
}

// GuardedPages returns the page addresses currently guarded by memory breakpoints.
func (s *Session) GuardedPages() []uint64 {
	pages := make([]uint64, len(s.guardedPages))
	copy(pages, s.guardedPages)
	return pages
}

func (s *Session) isGuarded(page uint64) bool {
	for _, p := range s.guardedPages {
		if p == page {
			return true
		}
	}
	return false
}

func (s *Session) dropGuardedPage(page uint64) {
	for i, p := range s.guardedPages {
		if p == page {
			s.guardedPages = append(s.guardedPages[:i], s.guardedPages[i+1:]...)
			return
		}
	}
}

// Observer receives one Report per handled debug event.
type Observer func(Report)

// Option configures a Debugger.
type Option func(*Debugger)

// WithObserver registers fn to be called after every handled debug event.
func WithObserver(fn Observer) Option {
	return func(d *Debugger) {
		d.observer = fn
	}
}

// Debugger is the debugging engine for one target process at a time.
type Debugger struct {
	os       osdebug.Facility
	cfg      config.DebuggerConfig
	logger   zerolog.Logger
	observer Observer
	session  *Session

	Registers *ContextAccessor
	Software  *SoftwareBreakpoints
	Hardware  *HardwareBreakpoints
	Memory    *MemoryBreakpoints
}

// New creates a Debugger on top of facility.
func New(facility osdebug.Facility, cfg config.DebuggerConfig, logger zerolog.Logger, opts ...Option) *Debugger {
	d := &Debugger{
		os:     facility,
		cfg:    cfg,
		logger: logger.With().Str("component", "debugger").Logger(),
	}
	d.Registers = &ContextAccessor{d: d}
	d.Software = &SoftwareBreakpoints{d: d}
	d.Hardware = &HardwareBreakpoints{d: d}
	d.Memory = &MemoryBreakpoints{d: d}

	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Session returns the live session, or nil when not attached.
func (d *Debugger) Session() *Session {
	return d.session
}

// activeSession returns the live session or an ErrNoSession error for op.
func (d *Debugger) activeSession(op string) (*Session, error) {
	if d.session == nil || !d.session.active {
		return nil, newOpError(op, ErrNoSession, nil)
	}
	return d.session, nil
}

// Attach opens pid and starts debugging it. Transient refusals
// (osdebug.ErrBusy) are retried with exponential backoff.
func (d *Debugger) Attach(ctx context.Context, pid int) error {
	if d.session != nil && d.session.active {
		return newOpError("attach", ErrAttach,
			fmt.Errorf("already debugging pid %d", d.session.PID)).withPID(pid)
	}

	retryCfg := retry.Config{
		MaxRetries:     d.cfg.Attach.Retries,
		InitialBackoff: d.cfg.Attach.Backoff,
		MaxBackoff:     d.cfg.Attach.MaxBackoff,
	}
	if retryCfg.MaxRetries < 1 {
		retryCfg.MaxRetries = 1
	}

	var process osdebug.ProcessHandle
	err := retry.Do(ctx, retryCfg, func(attempt int) error {
		h, err := d.os.OpenProcess(pid)
		if err != nil {
			return err
		}
		if err := d.os.AttachDebug(pid); err != nil {
			pdbgerrors.DeferClose(d.logger, h, "Failed to close process handle")
			d.logger.Debug().Err(err).Int("pid", pid).Int("attempt", attempt).Msg("Attach attempt failed")
			return err
		}
		process = h
		return nil
	}, func(err error) bool {
		return errors.Is(err, osdebug.ErrBusy)
	})
	if err != nil {
		return newOpError("attach", ErrAttach, err).withPID(pid)
	}

	d.session = newSession(pid, process)
	d.logger.Info().
		Str("session_id", d.session.ID).
		Int("pid", pid).
		Msg("Attached to process")
	return nil
}

// Detach stops debugging the current process. Breakpoints are removed from
// the target first, on a best-effort basis. If the OS refuses to detach the
// session stays attached with its breakpoints armed again and ErrDetach is
// returned.
func (d *Debugger) Detach() error {
	s := d.session
	if s == nil || !s.active {
		return newOpError("detach", ErrDetach, ErrNoSession)
	}

	if !s.exited {
		saved := d.snapshotTarget(s)
		d.restoreTarget(s)

		if err := d.os.DetachDebug(s.PID); err != nil {
			d.rearmTarget(s, saved)
			return newOpError("detach", ErrDetach, err).withPID(s.PID)
		}
	}

	pdbgerrors.DeferClose(d.logger, s.process, "Failed to close process handle")
	s.active = false
	s.software = make(map[uint64]*SoftwareBreakpoint)
	s.hardware = make(map[int]*HardwareBreakpoint)
	s.memory = make(map[uint64]*MemoryBreakpoint)
	s.guardedPages = nil
	s.consumed = make(map[uint64]struct{})
	s.released = make(map[uint64]struct{})
	s.rearm = make(map[int][]rearmTask)
	s.pending = nil
	d.session = nil

	d.logger.Info().
		Str("session_id", s.ID).
		Int("pid", s.PID).
		Dur("duration", time.Since(s.StartTime)).
		Msg("Detached from process")
	return nil
}

// targetState is the breakpoint configuration of a session, captured so a
// refused detach can put it back.
type targetState struct {
	software []SoftwareBreakpoint
	hardware []HardwareBreakpoint
	memory   []MemoryBreakpoint
	rearm    map[int][]rearmTask
}

func (d *Debugger) snapshotTarget(s *Session) targetState {
	rearm := make(map[int][]rearmTask, len(s.rearm))
	for tid, tasks := range s.rearm {
		rearm[tid] = append([]rearmTask(nil), tasks...)
	}
	return targetState{
		software: d.Software.List(),
		hardware: d.Hardware.List(),
		memory:   d.Memory.List(),
		rearm:    rearm,
	}
}

// rearmTarget sets again what restoreTarget removed. Hardware breakpoints
// keep their slots.
func (d *Debugger) rearmTarget(s *Session, st targetState) {
	for _, bp := range st.software {
		pdbgerrors.BestEffort(d.logger, "Failed to set software breakpoint again", func() error {
			return d.Software.Set(bp.Address)
		})
	}
	for _, bp := range st.hardware {
		pdbgerrors.BestEffort(d.logger, "Failed to set hardware breakpoint again", func() error {
			return d.Hardware.install(s, bp)
		})
	}
	for _, bp := range st.memory {
		pdbgerrors.BestEffort(d.logger, "Failed to set memory breakpoint again", func() error {
			return d.Memory.Set(bp.Address, bp.Size)
		})
	}
	for tid, tasks := range st.rearm {
		ok := pdbgerrors.BestEffort(d.logger, "Failed to set trap flag again", func() error {
			return d.Registers.update(tid, func(regs *osdebug.Registers) {
				regs.Eflags |= osdebug.FlagTrap
			})
		})
		if ok {
			s.rearm[tid] = tasks
		}
	}
}

// restoreTarget undoes every change the session made to the target.
func (d *Debugger) restoreTarget(s *Session) {
	for tid := range s.rearm {
		pdbgerrors.BestEffort(d.logger, "Failed to clear trap flag", func() error {
			regs, err := d.Registers.ByID(tid)
			if err != nil {
				return err
			}
			regs.Eflags &^= osdebug.FlagTrap
			return d.Registers.SetByID(tid, regs)
		})
	}
	s.rearm = make(map[int][]rearmTask)

	for _, bp := range d.Software.List() {
		pdbgerrors.BestEffort(d.logger, "Failed to restore original byte", func() error {
			return d.Software.Remove(bp.Address)
		})
	}
	for _, bp := range d.Hardware.List() {
		pdbgerrors.BestEffort(d.logger, "Failed to clear hardware breakpoint", func() error {
			return d.Hardware.Remove(bp.Slot)
		})
	}
	for _, bp := range d.Memory.List() {
		pdbgerrors.BestEffort(d.logger, "Failed to restore page protection", func() error {
			return d.Memory.Remove(bp.Address)
		})
	}
}

// Threads lists the thread IDs of the debugged process.
func (d *Debugger) Threads() ([]int, error) {
	s, err := d.activeSession("list_threads")
	if err != nil {
		return nil, err
	}

	tids, err := d.os.ListThreads(s.PID)
	if err != nil {
		return nil, newOpError("list_threads", ErrThreadAccess, err).withPID(s.PID)
	}
	sort.Ints(tids)
	return tids, nil
}
