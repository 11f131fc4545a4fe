package debugger

import (
	"fmt"
	"sort"

	"github.com/coral-mesh/pdbg/internal/osdebug"
)

// TrapOpcode is the x86 INT3 instruction.
const TrapOpcode byte = 0xCC

// SoftwareBreakpoint is an INT3 patched over the first byte of an instruction.
type SoftwareBreakpoint struct {
	Address      uint64
	OriginalByte byte
}

// SoftwareBreakpoints manages opcode-patch breakpoints. An address is in the
// table exactly when TrapOpcode is written at it in the target.
type SoftwareBreakpoints struct {
	d *Debugger
}

// Set patches TrapOpcode at addr.
func (m *SoftwareBreakpoints) Set(addr uint64) error {
	s, err := m.d.activeSession("bp_set")
	if err != nil {
		return err
	}
	if _, exists := s.software[addr]; exists {
		return newOpError("bp_set", ErrDuplicateBreakpoint, nil).withPID(s.PID).withAddr(addr)
	}

	var original byte
	err = m.patch(s, addr, func() ([]byte, error) {
		b, err := m.d.os.ReadMemory(s.process, addr, 1)
		if err != nil {
			return nil, err
		}
		if len(b) != 1 {
			return nil, fmt.Errorf("short read at %#x", addr)
		}
		original = b[0]
		return []byte{TrapOpcode}, nil
	})
	if err != nil {
		return newOpError("bp_set", ErrMemoryAccess, err).withPID(s.PID).withAddr(addr)
	}

	s.software[addr] = &SoftwareBreakpoint{Address: addr, OriginalByte: original}
	delete(s.consumed, addr)
	m.d.logger.Debug().
		Str("addr", fmt.Sprintf("%#x", addr)).
		Str("original", fmt.Sprintf("%#02x", original)).
		Msg("Software breakpoint set")
	return nil
}

// Remove writes the original byte back at addr and forgets the breakpoint.
func (m *SoftwareBreakpoints) Remove(addr uint64) error {
	s, err := m.d.activeSession("bp_del")
	if err != nil {
		return err
	}
	bp, ok := s.software[addr]
	if !ok {
		return newOpError("bp_del", ErrUnknownBreakpoint, nil).withPID(s.PID).withAddr(addr)
	}

	if err := m.restore(s, bp); err != nil {
		return newOpError("bp_del", ErrMemoryAccess, err).withPID(s.PID).withAddr(addr)
	}
	delete(s.software, addr)
	return nil
}

// Get returns the breakpoint at addr.
func (m *SoftwareBreakpoints) Get(addr uint64) (SoftwareBreakpoint, bool) {
	if m.d.session == nil {
		return SoftwareBreakpoint{}, false
	}
	bp, ok := m.d.session.software[addr]
	if !ok {
		return SoftwareBreakpoint{}, false
	}
	return *bp, true
}

// List returns the live breakpoints ordered by address.
func (m *SoftwareBreakpoints) List() []SoftwareBreakpoint {
	if m.d.session == nil {
		return nil
	}
	bps := make([]SoftwareBreakpoint, 0, len(m.d.session.software))
	for _, bp := range m.d.session.software {
		bps = append(bps, *bp)
	}
	sort.Slice(bps, func(i, j int) bool { return bps[i].Address < bps[j].Address })
	return bps
}

func (m *SoftwareBreakpoints) restore(s *Session, bp *SoftwareBreakpoint) error {
	return m.patch(s, bp.Address, func() ([]byte, error) {
		return []byte{bp.OriginalByte}, nil
	})
}

// patch makes the page holding addr writable, writes the bytes produced by
// data and puts the previous protection back.
func (m *SoftwareBreakpoints) patch(s *Session, addr uint64, data func() ([]byte, error)) error {
	prev, err := m.d.os.SetProtection(s.process, addr, 1, osdebug.ProtRWX)
	if err != nil {
		return fmt.Errorf("make page writable: %w", err)
	}

	b, err := data()
	if err == nil {
		err = m.d.os.WriteMemory(s.process, addr, b)
	}

	if prev != osdebug.ProtRWX {
		if _, perr := m.d.os.SetProtection(s.process, addr, 1, prev); perr != nil {
			m.d.logger.Warn().Err(perr).
				Str("addr", fmt.Sprintf("%#x", addr)).
				Str("protection", prev.String()).
				Msg("Failed to restore page protection after patch")
		}
	}
	return err
}

// handleTrap dispatches a breakpoint exception.
func (m *SoftwareBreakpoints) handleTrap(s *Session, ev osdebug.Event) Report {
	report := Report{Event: ev, Address: ev.Address, Slot: noSlot, Continuation: osdebug.ContinueHandled}

	first := !s.firstExceptionSeen
	s.firstExceptionSeen = true

	bp, known := s.software[ev.Address]
	if !known {
		if first {
			report.Kind = ReportInitialBreakpoint
			m.d.logger.Debug().Int("tid", ev.ThreadID).Msg("Consumed initial breakpoint")
			return report
		}
		if _, ok := s.consumed[ev.Address]; ok {
			return m.handleStaleTrap(s, ev, report)
		}
		report.Kind = ReportUnexpected
		report.Err = newOpError("bp_hit", ErrUnexpectedTrap, nil).withPID(s.PID).withTID(ev.ThreadID).withAddr(ev.Address)
		return report
	}

	report.Kind = ReportSoftwareHit
	if err := m.restore(s, bp); err != nil {
		report.Err = newOpError("bp_hit", ErrMemoryAccess, err).withPID(s.PID).withTID(ev.ThreadID).withAddr(ev.Address)
		return report
	}
	delete(s.software, ev.Address)
	s.consumed[ev.Address] = struct{}{}

	m.d.logger.Info().
		Str("session_id", s.ID).
		Int("tid", ev.ThreadID).
		Str("addr", fmt.Sprintf("%#x", ev.Address)).
		Msg("Hit user defined breakpoint")

	rearm := m.d.cfg.Policy.SoftwareRearm
	err := m.d.Registers.update(ev.ThreadID, func(regs *osdebug.Registers) {
		regs.SetPC(regs.PC() - 1)
		if rearm {
			regs.Eflags |= osdebug.FlagTrap
		}
	})
	if err != nil {
		report.Err = err
		return report
	}

	if rearm {
		s.rearm[ev.ThreadID] = append(s.rearm[ev.ThreadID], rearmTask{kind: rearmSoftware, addr: ev.Address})
	}
	return report
}

// handleStaleTrap handles a trap raised by another thread on a breakpoint an
// earlier hit already removed. The thread executed the INT3, so its
// instruction pointer is moved back onto the restored instruction.
func (m *SoftwareBreakpoints) handleStaleTrap(s *Session, ev osdebug.Event, report Report) Report {
	report.Kind = ReportStaleHit

	regs, err := m.d.Registers.ByID(ev.ThreadID)
	if err != nil {
		report.Err = err
		return report
	}
	if regs.PC() != ev.Address+1 {
		report.Kind = ReportUnexpected
		report.Err = newOpError("bp_hit", ErrUnexpectedTrap, nil).withPID(s.PID).withTID(ev.ThreadID).withAddr(ev.Address)
		return report
	}

	regs.SetPC(ev.Address)
	if err := m.d.Registers.SetByID(ev.ThreadID, regs); err != nil {
		report.Err = err
		return report
	}

	m.d.logger.Debug().
		Int("tid", ev.ThreadID).
		Str("addr", fmt.Sprintf("%#x", ev.Address)).
		Msg("Rewound thread trapped on consumed breakpoint")
	return report
}
