package debugger

import (
	"fmt"
	"sort"

	pdbgerrors "github.com/coral-mesh/pdbg/internal/errors"
	"github.com/coral-mesh/pdbg/internal/osdebug"
)

// MemoryBreakpoint watches [Address, Address+Size) by guarding every page
// that overlaps it.
type MemoryBreakpoint struct {
	Address uint64
	Size    uint64
	// OriginalProtection is the protection of the first page before guarding.
	OriginalProtection osdebug.Protection
	Pages              []uint64

	original map[uint64]osdebug.Protection
}

// Contains reports whether addr lies on one of the watched pages.
func (bp *MemoryBreakpoint) Contains(addr uint64, pageSize uint64) bool {
	page := addr &^ (pageSize - 1)
	for _, p := range bp.Pages {
		if p == page {
			return true
		}
	}
	return false
}

// MemoryBreakpoints manages guard-page breakpoints.
type MemoryBreakpoints struct {
	d *Debugger
}

func (m *MemoryBreakpoints) pageSize() uint64 {
	return uint64(m.d.os.PageSize())
}

// Set guards every page overlapping [addr, addr+size). If any page cannot be
// guarded the pages guarded so far are restored and nothing is recorded.
func (m *MemoryBreakpoints) Set(addr, size uint64) error {
	s, err := m.d.activeSession("mem_set")
	if err != nil {
		return err
	}
	if size == 0 {
		return newOpError("mem_set", ErrInvalidParameter, fmt.Errorf("size must be positive")).withPID(s.PID).withAddr(addr)
	}
	end := addr + size
	if end < addr {
		return newOpError("mem_set", ErrInvalidParameter, fmt.Errorf("range overflows address space")).withPID(s.PID).withAddr(addr)
	}
	if _, exists := s.memory[addr]; exists {
		return newOpError("mem_set", ErrDuplicateBreakpoint, nil).withPID(s.PID).withAddr(addr)
	}

	info, err := m.d.os.QueryProtection(s.process, addr)
	if err != nil {
		return newOpError("mem_set", ErrMemoryAccess, err).withPID(s.PID).withAddr(addr)
	}

	pageSize := m.pageSize()
	bp := &MemoryBreakpoint{
		Address:            addr,
		Size:               size,
		OriginalProtection: info.Protect &^ osdebug.ProtGuard,
		original:           make(map[uint64]osdebug.Protection),
	}

	var guarded []uint64
	rollback := func() {
		for _, page := range guarded {
			prot := bp.original[page]
			pdbgerrors.BestEffort(m.d.logger, "Failed to restore page protection", func() error {
				_, err := m.d.os.SetProtection(s.process, page, pageSize, prot)
				return err
			})
		}
	}

	for page := addr &^ (pageSize - 1); page < end; page += pageSize {
		bp.Pages = append(bp.Pages, page)

		// A page shared with another region is already guarded.
		if owner := m.owner(s, page); owner != nil {
			bp.original[page] = owner.original[page]
			continue
		}

		prot := bp.OriginalProtection
		if page != addr&^(pageSize-1) {
			pi, err := m.d.os.QueryProtection(s.process, page)
			if err != nil {
				rollback()
				return newOpError("mem_set", ErrMemoryAccess, err).withPID(s.PID).withAddr(page)
			}
			prot = pi.Protect &^ osdebug.ProtGuard
		}

		if _, err := m.d.os.SetProtection(s.process, page, pageSize, prot|osdebug.ProtGuard); err != nil {
			rollback()
			return newOpError("mem_set", ErrMemoryAccess, err).withPID(s.PID).withAddr(page)
		}
		bp.original[page] = prot
		guarded = append(guarded, page)
		delete(s.released, page)

		if page+pageSize < page {
			break
		}
	}

	s.memory[addr] = bp
	s.guardedPages = append(s.guardedPages, guarded...)

	m.d.logger.Debug().
		Str("addr", fmt.Sprintf("%#x", addr)).
		Uint64("size", size).
		Int("pages", len(bp.Pages)).
		Msg("Memory breakpoint set")
	return nil
}

// owner returns a live region other than the one being built that watches page.
func (m *MemoryBreakpoints) owner(s *Session, page uint64) *MemoryBreakpoint {
	for _, bp := range s.memory {
		if _, ok := bp.original[page]; ok {
			return bp
		}
	}
	return nil
}

// Remove restores the original protection of the region at addr.
func (m *MemoryBreakpoints) Remove(addr uint64) error {
	s, err := m.d.activeSession("mem_del")
	if err != nil {
		return err
	}
	bp, ok := s.memory[addr]
	if !ok {
		return newOpError("mem_del", ErrUnknownBreakpoint, nil).withPID(s.PID).withAddr(addr)
	}

	delete(s.memory, addr)
	pageSize := m.pageSize()

	var firstErr error
	for _, page := range bp.Pages {
		if m.owner(s, page) != nil {
			continue
		}
		s.dropGuardedPage(page)
		if _, err := m.d.os.SetProtection(s.process, page, pageSize, bp.original[page]); err != nil {
			m.d.logger.Warn().Err(err).Str("page", fmt.Sprintf("%#x", page)).Msg("Failed to restore page protection")
			if firstErr == nil {
				firstErr = newOpError("mem_del", ErrMemoryAccess, err).withPID(s.PID).withAddr(page)
			}
		}
	}
	return firstErr
}

// Get returns the region starting at addr.
func (m *MemoryBreakpoints) Get(addr uint64) (MemoryBreakpoint, bool) {
	if m.d.session == nil {
		return MemoryBreakpoint{}, false
	}
	bp, ok := m.d.session.memory[addr]
	if !ok {
		return MemoryBreakpoint{}, false
	}
	return bp.export(), true
}

// List returns the live regions ordered by address.
func (m *MemoryBreakpoints) List() []MemoryBreakpoint {
	if m.d.session == nil {
		return nil
	}
	bps := make([]MemoryBreakpoint, 0, len(m.d.session.memory))
	for _, bp := range m.d.session.memory {
		bps = append(bps, bp.export())
	}
	sort.Slice(bps, func(i, j int) bool { return bps[i].Address < bps[j].Address })
	return bps
}

func (bp *MemoryBreakpoint) export() MemoryBreakpoint {
	pages := make([]uint64, len(bp.Pages))
	copy(pages, bp.Pages)
	return MemoryBreakpoint{
		Address:            bp.Address,
		Size:               bp.Size,
		OriginalProtection: bp.OriginalProtection,
		Pages:              pages,
	}
}

// regionFor returns the region watching the page that holds addr.
func (m *MemoryBreakpoints) regionFor(s *Session, addr uint64) *MemoryBreakpoint {
	pageSize := m.pageSize()
	var match *MemoryBreakpoint
	for _, bp := range s.memory {
		if !bp.Contains(addr, pageSize) {
			continue
		}
		// Prefer the region whose byte range holds addr, then the lowest start.
		inRange := addr >= bp.Address && addr < bp.Address+bp.Size
		if match == nil {
			match = bp
			continue
		}
		matchInRange := addr >= match.Address && addr < match.Address+match.Size
		if (inRange && !matchInRange) || (inRange == matchInRange && bp.Address < match.Address) {
			match = bp
		}
	}
	return match
}

// handleGuard dispatches a guard page exception. The OS has already dropped
// the guard from the faulting page.
func (m *MemoryBreakpoints) handleGuard(s *Session, ev osdebug.Event) Report {
	report := Report{Event: ev, Address: ev.Address, Slot: noSlot, Continuation: osdebug.ContinueHandled}

	page := ev.Address &^ (m.pageSize() - 1)
	if _, ok := s.released[page]; ok && !s.isGuarded(page) {
		// Another thread faulted on the page before the earlier hit lifted
		// the guard; its access runs again against the unguarded page.
		report.Kind = ReportStaleHit
		m.d.logger.Debug().
			Int("tid", ev.ThreadID).
			Str("addr", fmt.Sprintf("%#x", ev.Address)).
			Msg("Guard fault on page already released by a hit")
		return report
	}

	bp := m.regionFor(s, ev.Address)
	if bp == nil || !s.isGuarded(page) {
		report.Kind = ReportUnexpected
		report.Continuation = osdebug.ContinueNotHandled
		report.Err = newOpError("mem_hit", ErrUnexpectedGuardFault, nil).withPID(s.PID).withTID(ev.ThreadID).withAddr(ev.Address)
		return report
	}

	report.Kind = ReportMemoryHit
	report.Region = bp.Address
	s.dropGuardedPage(page)
	s.released[page] = struct{}{}

	m.d.logger.Info().
		Str("session_id", s.ID).
		Int("tid", ev.ThreadID).
		Str("addr", fmt.Sprintf("%#x", ev.Address)).
		Str("region", fmt.Sprintf("%#x", bp.Address)).
		Msg("Hit memory breakpoint")

	if !m.d.cfg.Policy.GuardRearm {
		if err := m.Remove(bp.Address); err != nil {
			report.Err = err
			return report
		}
		// Another region still watches this page; its guard was consumed too.
		if other := m.owner(s, page); other != nil {
			report.Err = m.stepAndReguard(s, ev.ThreadID, other.Address, page)
		}
		return report
	}

	report.Err = m.stepAndReguard(s, ev.ThreadID, bp.Address, page)
	return report
}

// stepAndReguard single-steps tid past the faulting access and queues the
// guard of page to be restored once the step completes.
func (m *MemoryBreakpoints) stepAndReguard(s *Session, tid int, regionAddr, page uint64) error {
	err := m.d.Registers.update(tid, func(regs *osdebug.Registers) {
		regs.Eflags |= osdebug.FlagTrap
	})
	if err != nil {
		return err
	}
	s.rearm[tid] = append(s.rearm[tid], rearmTask{kind: rearmGuard, addr: page, region: regionAddr})
	return nil
}

// reguard puts the guard back on page after the faulting access completed.
func (m *MemoryBreakpoints) reguard(s *Session, regionAddr, page uint64) error {
	bp, ok := s.memory[regionAddr]
	if !ok || s.isGuarded(page) {
		return nil
	}
	prot, ok := bp.original[page]
	if !ok {
		return nil
	}
	if _, err := m.d.os.SetProtection(s.process, page, m.pageSize(), prot|osdebug.ProtGuard); err != nil {
		return newOpError("mem_rearm", ErrMemoryAccess, err).withPID(s.PID).withAddr(page)
	}
	s.guardedPages = append(s.guardedPages, page)
	delete(s.released, page)
	return nil
}
