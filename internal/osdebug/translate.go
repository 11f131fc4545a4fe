package osdebug

import (
	"debug/elf"
	"fmt"
	"path/filepath"

	"github.com/coral-mesh/pdbg/internal/sys/proc"
)

// siginfo si_code values for SIGTRAP (include/uapi/asm-generic/siginfo.h).
const (
	trapBrkpt  = 1    // TRAP_BRKPT
	trapTrace  = 2    // TRAP_TRACE
	trapHwBkpt = 4    // TRAP_HWBKPT
	siKernel   = 0x80 // SI_KERNEL, raised by int3 on x86
)

// classifyTrap maps a SIGTRAP stop to an exception code and the DR6 value the
// engine should observe for it. dr6 is the value read from the thread.
func classifyTrap(siCode int32, dr6 uint64) (ExceptionCode, uint64) {
	switch {
	case dr6&DR6SlotMask != 0 || siCode == trapHwBkpt:
		return ExceptionSingleStep, dr6
	case siCode == trapTrace || dr6&DR6SingleStep != 0:
		return ExceptionSingleStep, dr6 | DR6SingleStep
	case siCode == siKernel || siCode == trapBrkpt:
		return ExceptionBreakpoint, dr6
	default:
		return ExceptionSignal(5), dr6
	}
}

// protectionOf returns the protection of a /proc/PID/maps entry.
func protectionOf(m proc.Mapping) Protection {
	var p Protection
	if m.Readable() {
		p |= ProtRead
	}
	if m.Writable() {
		p |= ProtWrite
	}
	if m.Executable() {
		p |= ProtExec
	}
	return p
}

// guardTable tracks emulated guard pages. armed maps a guarded page to the
// protection its first fault restores. lifted holds the pages whose guard was
// consumed since the target was last resumed, so that faults other threads
// took on the same page in that window are reported as guard faults too.
type guardTable struct {
	armed  map[uint64]Protection
	lifted map[uint64]struct{}
}

func newGuardTable() *guardTable {
	return &guardTable{
		armed:  make(map[uint64]Protection),
		lifted: make(map[uint64]struct{}),
	}
}

func (g *guardTable) arm(page uint64, orig Protection) {
	g.armed[page] = orig
	delete(g.lifted, page)
}

func (g *guardTable) disarm(page uint64) {
	if g == nil {
		return
	}
	delete(g.armed, page)
}

// armedProtection returns the protection page had before it was guarded.
func (g *guardTable) armedProtection(page uint64) (Protection, bool) {
	if g == nil {
		return 0, false
	}
	orig, ok := g.armed[page]
	return orig, ok
}

// lift records that the guard of page was consumed by a fault.
func (g *guardTable) lift(page uint64) {
	delete(g.armed, page)
	g.lifted[page] = struct{}{}
}

func (g *guardTable) wasLifted(page uint64) bool {
	if g == nil {
		return false
	}
	_, ok := g.lifted[page]
	return ok
}

// resumed forgets the lifted pages. Faults after a resume hit an unguarded page
// only if the target itself made it inaccessible.
func (g *guardTable) resumed() {
	if g == nil {
		return
	}
	clear(g.lifted)
}

// moduleMatches reports whether a mapped file path names module. Modules are
// matched by base name ("libc.so.6") or full path.
func moduleMatches(path, module string) bool {
	if path == "" || module == "" {
		return false
	}
	return path == module || filepath.Base(path) == module
}

// exportedSymbolAddress resolves symbol in the ELF image mapped by maps at
// the runtime address of the loaded module.
func exportedSymbolAddress(f *elf.File, maps []proc.Mapping, module, symbol string) (uint64, error) {
	syms, err := f.DynamicSymbols()
	if err != nil {
		return 0, fmt.Errorf("read dynamic symbols of %s: %w", module, err)
	}

	var value uint64
	found := false
	for _, s := range syms {
		if s.Name == symbol && s.Section != elf.SHN_UNDEF && elf.ST_TYPE(s.Info) == elf.STT_FUNC {
			value = s.Value
			found = true
			break
		}
	}
	if !found {
		return 0, fmt.Errorf("%s!%s: %w", module, symbol, ErrSymbolNotFound)
	}

	var text *elf.Prog
	for _, prog := range f.Progs {
		if prog.Type == elf.PT_LOAD && prog.Flags&elf.PF_X != 0 {
			text = prog
			break
		}
	}
	if text == nil {
		return 0, fmt.Errorf("%s has no executable segment: %w", module, ErrSymbolNotFound)
	}

	if f.Type == elf.ET_EXEC {
		return value, nil
	}

	for _, m := range maps {
		if !moduleMatches(m.Path, module) || !m.Executable() {
			continue
		}
		return relocate(value, text.Vaddr, text.Off, m), nil
	}
	return 0, fmt.Errorf("module %s not mapped: %w", module, ErrSymbolNotFound)
}

// relocate converts a link-time address inside the segment loaded at
// (segVaddr, segOff) to the runtime address in mapping m.
func relocate(value, segVaddr, segOff uint64, m proc.Mapping) uint64 {
	loadAddr := m.Start + segOff - m.Offset
	return value - segVaddr + loadAddr
}
