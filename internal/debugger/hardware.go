package debugger

import (
	"errors"
	"fmt"
	"sort"

	pdbgerrors "github.com/coral-mesh/pdbg/internal/errors"
	"github.com/coral-mesh/pdbg/internal/osdebug"
)

// HardwareBreakpoint is one configured debug register slot.
type HardwareBreakpoint struct {
	Slot      int
	Address   uint64
	Length    int
	Condition Condition
}

// HardwareBreakpoints manages the four debug register slots. A slot is either
// configured identically on every thread of the process or on none.
type HardwareBreakpoints struct {
	d *Debugger
}

// Set configures the lowest free slot on every thread and returns it.
func (m *HardwareBreakpoints) Set(addr uint64, length int, cond Condition) (int, error) {
	s, err := m.d.activeSession("hw_set")
	if err != nil {
		return noSlot, err
	}
	if !validLength(length) {
		return noSlot, newOpError("hw_set", ErrInvalidParameter,
			fmt.Errorf("length %d not in {1,2,4}", length)).withPID(s.PID).withAddr(addr)
	}
	if !cond.Valid() {
		return noSlot, newOpError("hw_set", ErrInvalidParameter,
			fmt.Errorf("unsupported condition %s", cond)).withPID(s.PID).withAddr(addr)
	}

	slot := noSlot
	for i := 0; i < NumSlots; i++ {
		if _, used := s.hardware[i]; !used {
			slot = i
			break
		}
	}
	if slot == noSlot {
		return noSlot, newOpError("hw_set", ErrSlotExhausted, nil).withPID(s.PID).withAddr(addr)
	}

	bp := HardwareBreakpoint{Slot: slot, Address: addr, Length: length, Condition: cond}
	if err := m.install(s, bp); err != nil {
		return noSlot, err
	}

	m.d.logger.Debug().
		Int("slot", slot).
		Str("addr", fmt.Sprintf("%#x", addr)).
		Int("length", length).
		Str("condition", cond.String()).
		Msg("Hardware breakpoint set")
	return slot, nil
}

// install writes bp to every thread and records it. If any thread fails the
// threads already updated are rolled back and nothing is recorded.
func (m *HardwareBreakpoints) install(s *Session, bp HardwareBreakpoint) error {
	tids, err := m.d.os.ListThreads(s.PID)
	if err != nil {
		return newOpError("hw_set", ErrThreadAccess, err).withPID(s.PID).withSlot(bp.Slot)
	}

	type saved struct {
		tid  int
		regs *osdebug.Registers
	}
	var updated []saved

	for _, tid := range tids {
		regs, err := m.d.Registers.ByID(tid)
		if err == nil {
			prev := regs.Copy()
			applySlot(regs, bp)
			if err = m.d.Registers.SetByID(tid, regs); err == nil {
				updated = append(updated, saved{tid: tid, regs: prev})
				continue
			}
		}
		if errors.Is(err, osdebug.ErrNoSuchThread) {
			continue
		}

		for _, u := range updated {
			pdbgerrors.BestEffort(m.d.logger, "Failed to roll back debug registers", func() error {
				return m.d.Registers.SetByID(u.tid, u.regs)
			})
		}
		return newOpError("hw_set", ErrThreadAccess, cause(err)).withPID(s.PID).withTID(tid).withSlot(bp.Slot).withAddr(bp.Address)
	}

	s.hardware[bp.Slot] = &bp
	return nil
}

// Remove clears slot on every thread and forgets it.
func (m *HardwareBreakpoints) Remove(slot int) error {
	s, err := m.d.activeSession("hw_del")
	if err != nil {
		return err
	}
	if _, ok := s.hardware[slot]; !ok {
		return newOpError("hw_del", ErrUnknownBreakpoint, nil).withPID(s.PID).withSlot(slot)
	}

	if err := m.uninstall(s, slot); err != nil {
		return err
	}
	delete(s.hardware, slot)
	return nil
}

// uninstall clears slot on every thread. If any thread fails the slot is
// written back to the threads already cleared, so it stays configured
// everywhere while it remains in the table.
func (m *HardwareBreakpoints) uninstall(s *Session, slot int) error {
	tids, err := m.d.os.ListThreads(s.PID)
	if err != nil {
		return newOpError("hw_del", ErrThreadAccess, err).withPID(s.PID).withSlot(slot)
	}

	var (
		cleared  []int
		firstErr error
	)
	for _, tid := range tids {
		err := m.d.Registers.update(tid, func(regs *osdebug.Registers) {
			resetSlot(regs, slot)
		})
		if err == nil {
			cleared = append(cleared, tid)
			continue
		}
		if errors.Is(err, osdebug.ErrNoSuchThread) {
			continue
		}
		m.d.logger.Warn().Err(err).Int("tid", tid).Int("slot", slot).Msg("Failed to clear debug registers")
		if firstErr == nil {
			firstErr = newOpError("hw_del", ErrThreadAccess, cause(err)).withPID(s.PID).withTID(tid).withSlot(slot)
		}
	}

	if firstErr != nil {
		if bp, ok := s.hardware[slot]; ok {
			for _, tid := range cleared {
				pdbgerrors.BestEffort(m.d.logger, "Failed to restore debug registers", func() error {
					return m.d.Registers.update(tid, func(regs *osdebug.Registers) {
						applySlot(regs, *bp)
					})
				})
			}
		}
	}
	return firstErr
}

// Get returns the breakpoint in slot.
func (m *HardwareBreakpoints) Get(slot int) (HardwareBreakpoint, bool) {
	if m.d.session == nil {
		return HardwareBreakpoint{}, false
	}
	bp, ok := m.d.session.hardware[slot]
	if !ok {
		return HardwareBreakpoint{}, false
	}
	return *bp, true
}

// List returns the live breakpoints ordered by slot.
func (m *HardwareBreakpoints) List() []HardwareBreakpoint {
	if m.d.session == nil {
		return nil
	}
	bps := make([]HardwareBreakpoint, 0, len(m.d.session.hardware))
	for _, bp := range m.d.session.hardware {
		bps = append(bps, *bp)
	}
	sort.Slice(bps, func(i, j int) bool { return bps[i].Slot < bps[j].Slot })
	return bps
}

// applyToThread configures every live slot on a thread created after the
// breakpoints were set.
func (m *HardwareBreakpoints) applyToThread(s *Session, tid int) error {
	if len(s.hardware) == 0 {
		return nil
	}
	return m.d.Registers.update(tid, func(regs *osdebug.Registers) {
		for _, bp := range s.hardware {
			applySlot(regs, *bp)
		}
	})
}
