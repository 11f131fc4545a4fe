package debugger

import (
	"errors"
	"fmt"

	"github.com/coral-mesh/pdbg/internal/osdebug"
)

// ReportKind classifies the outcome of one handled debug event.
type ReportKind int

const (
	// ReportEvent is a non-exception event (thread or process lifecycle).
	ReportEvent ReportKind = iota
	// ReportInitialBreakpoint is the attach breakpoint, consumed silently.
	ReportInitialBreakpoint
	ReportSoftwareHit
	ReportHardwareHit
	ReportMemoryHit
	// ReportStepComplete is a trap-flag step the engine requested to re-arm a breakpoint.
	ReportStepComplete
	// ReportAccessViolation is passed on to the target.
	ReportAccessViolation
	// ReportException is any other exception, passed on to the target.
	ReportException
	// ReportUnexpected is a trap, single step or guard fault no breakpoint owns.
	ReportUnexpected
	// ReportStaleHit is a trap or guard fault another thread raised on a
	// breakpoint already consumed by an earlier hit.
	ReportStaleHit
)

func (k ReportKind) String() string {
	switch k {
	case ReportEvent:
		return "event"
	case ReportInitialBreakpoint:
		return "initial-breakpoint"
	case ReportSoftwareHit:
		return "software-breakpoint"
	case ReportHardwareHit:
		return "hardware-breakpoint"
	case ReportMemoryHit:
		return "memory-breakpoint"
	case ReportStepComplete:
		return "step-complete"
	case ReportAccessViolation:
		return "access-violation"
	case ReportException:
		return "exception"
	case ReportUnexpected:
		return "unexpected"
	case ReportStaleHit:
		return "stale-hit"
	default:
		return fmt.Sprintf("report(%d)", int(k))
	}
}

// Report describes how one debug event was handled.
type Report struct {
	Event osdebug.Event
	Kind  ReportKind
	// Address is the breakpoint address for hits, else the event address.
	Address uint64
	// Slot is the debug register slot of a hardware hit, -1 otherwise.
	Slot int
	// Region is the start address of the memory breakpoint that was hit.
	Region       uint64
	Continuation osdebug.Continuation
	// Err is set when the event was unexpected or handling it failed.
	// Dispatch errors never stop the event loop.
	Err error
}

type rearmKind int

const (
	rearmSoftware rearmKind = iota
	rearmHardware
	rearmGuard
)

// rearmTask is work deferred until a thread completes one trap-flag step.
type rearmTask struct {
	kind   rearmKind
	addr   uint64
	hw     HardwareBreakpoint
	region uint64
}

// dispatch routes ev to its handler and returns the outcome.
func (d *Debugger) dispatch(s *Session, ev osdebug.Event) Report {
	switch ev.Kind {
	case osdebug.EventException:
		return d.dispatchException(s, ev)

	case osdebug.EventCreateThread:
		report := Report{Event: ev, Kind: ReportEvent, Address: ev.Address, Slot: noSlot, Continuation: osdebug.ContinueHandled}
		if err := d.Hardware.applyToThread(s, ev.ThreadID); err != nil {
			report.Err = err
		}
		return report

	case osdebug.EventExitThread:
		delete(s.rearm, ev.ThreadID)

	case osdebug.EventExitProcess:
		s.exited = true
	}

	return Report{Event: ev, Kind: ReportEvent, Address: ev.Address, Slot: noSlot, Continuation: osdebug.ContinueHandled}
}

func (d *Debugger) dispatchException(s *Session, ev osdebug.Event) Report {
	switch ev.Code {
	case osdebug.ExceptionGuardPage:
		return d.Memory.handleGuard(s, ev)

	case osdebug.ExceptionBreakpoint:
		return d.Software.handleTrap(s, ev)

	case osdebug.ExceptionSingleStep:
		return d.handleSingleStep(s, ev)

	case osdebug.ExceptionAccessViolation:
		d.logger.Warn().
			Int("tid", ev.ThreadID).
			Str("addr", fmt.Sprintf("%#x", ev.Address)).
			Msg("Access violation in target")
		return Report{Event: ev, Kind: ReportAccessViolation, Address: ev.Address, Slot: noSlot, Continuation: osdebug.ContinueNotHandled}

	default:
		return Report{Event: ev, Kind: ReportException, Address: ev.Address, Slot: noSlot, Continuation: osdebug.ContinueNotHandled}
	}
}

// handleSingleStep handles a debug-register exception. It may be a hardware
// breakpoint hit, the completion of a step the engine requested, or both.
func (d *Debugger) handleSingleStep(s *Session, ev osdebug.Event) Report {
	report := Report{Event: ev, Address: ev.Address, Slot: noSlot, Continuation: osdebug.ContinueHandled}

	regs, err := d.Registers.ByID(ev.ThreadID)
	if err != nil {
		report.Kind = ReportUnexpected
		report.Continuation = osdebug.ContinueNotHandled
		report.Err = err
		return report
	}

	tasks := s.rearm[ev.ThreadID]
	delete(s.rearm, ev.ThreadID)

	slot, slotHit := hitSlot(regs.Dr6)
	bp, known := s.hardware[slot]
	if slotHit && !known && len(tasks) == 0 {
		report.Kind = ReportUnexpected
		report.Slot = slot
		report.Continuation = osdebug.ContinueNotHandled
		report.Err = newOpError("hw_hit", ErrUnexpectedSingleStep, nil).withPID(s.PID).withTID(ev.ThreadID).withSlot(slot)
		return report
	}
	if !slotHit && len(tasks) == 0 {
		report.Kind = ReportUnexpected
		report.Continuation = osdebug.ContinueNotHandled
		report.Err = newOpError("hw_hit", ErrUnexpectedSingleStep, nil).withPID(s.PID).withTID(ev.ThreadID).withAddr(ev.Address)
		return report
	}

	// Acknowledge the exception on the faulting thread before any policy
	// action rewrites debug registers process-wide.
	regs.Dr6 &^= osdebug.DR6SlotMask | osdebug.DR6SingleStep
	if len(tasks) > 0 {
		regs.Eflags &^= osdebug.FlagTrap
	}
	if err := d.Registers.SetByID(ev.ThreadID, regs); err != nil {
		report.Kind = ReportUnexpected
		report.Err = err
		return report
	}

	var errs []error
	report.Kind = ReportStepComplete
	for _, task := range tasks {
		if err := d.runRearm(s, task); err != nil {
			errs = append(errs, err)
		}
	}

	if slotHit && known {
		report.Kind = ReportHardwareHit
		report.Slot = slot
		report.Address = bp.Address
		d.logger.Info().
			Str("session_id", s.ID).
			Int("tid", ev.ThreadID).
			Int("slot", slot).
			Str("addr", fmt.Sprintf("%#x", bp.Address)).
			Str("condition", bp.Condition.String()).
			Msg("Hit hardware breakpoint")

		if err := d.hardwarePolicy(s, ev.ThreadID, *bp); err != nil {
			errs = append(errs, err)
		}
	}

	report.Err = errors.Join(errs...)
	return report
}

// hardwarePolicy applies the configured policy to a hit slot. One-shot
// breakpoints are removed. Otherwise execute breakpoints are stepped over
// (removed, single-stepped, set again) and data breakpoints stay armed.
func (d *Debugger) hardwarePolicy(s *Session, tid int, bp HardwareBreakpoint) error {
	if d.cfg.Policy.HardwareOneShot {
		return d.Hardware.Remove(bp.Slot)
	}
	if bp.Condition != CondExecute {
		return nil
	}

	if err := d.Hardware.Remove(bp.Slot); err != nil {
		return err
	}
	err := d.Registers.update(tid, func(regs *osdebug.Registers) {
		regs.Eflags |= osdebug.FlagTrap
	})
	if err != nil {
		return err
	}
	s.rearm[tid] = append(s.rearm[tid], rearmTask{kind: rearmHardware, hw: bp})
	return nil
}

func (d *Debugger) runRearm(s *Session, task rearmTask) error {
	switch task.kind {
	case rearmSoftware:
		err := d.Software.Set(task.addr)
		if errors.Is(err, ErrDuplicateBreakpoint) {
			return nil
		}
		return err

	case rearmHardware:
		if _, used := s.hardware[task.hw.Slot]; used {
			// The slot was claimed while the thread stepped; take any free one.
			_, err := d.Hardware.Set(task.hw.Address, task.hw.Length, task.hw.Condition)
			return err
		}
		return d.Hardware.install(s, task.hw)

	case rearmGuard:
		return d.Memory.reguard(s, task.region, task.addr)
	}
	return nil
}
