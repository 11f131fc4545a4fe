//go:build linux && amd64

package osdebug

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/coral-mesh/pdbg/internal/sys/proc"
)

// debugRegOffset is the offset of u_debugreg[i] in struct user on amd64.
func debugRegOffset(i int) uintptr { return uintptr(848 + i*8) }

func peekUser(tid int, off uintptr) (uint64, error) {
	var buf [8]byte
	if _, err := unix.PtracePeekUser(tid, off, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func pokeUser(tid int, off uintptr, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := unix.PtracePokeUser(tid, off, buf[:])
	return err
}

func threadError(err error) error {
	if errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("%w: %w", ErrNoSuchThread, err)
	}
	if errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES) {
		return fmt.Errorf("%w: %w", ErrAccessDenied, err)
	}
	return err
}

// GetRegisters implements Facility.
func (p *Ptrace) GetRegisters(h ThreadHandle) (*Registers, error) {
	var (
		regs *Registers
		err  error
	)
	p.execPtraceFunc(func() { regs, err = p.getRegisters(h.TID()) })
	return regs, err
}

func (p *Ptrace) getRegisters(tid int) (*Registers, error) {
	t, ok := p.threads[tid]
	if !ok {
		return nil, ErrNoSuchThread
	}
	if err := p.ensureStopped(); err != nil {
		return nil, err
	}

	var raw unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &raw); err != nil {
		return nil, threadError(err)
	}
	regs := &Registers{
		Rax: raw.Rax, Rbx: raw.Rbx, Rcx: raw.Rcx, Rdx: raw.Rdx,
		Rsi: raw.Rsi, Rdi: raw.Rdi, Rbp: raw.Rbp, Rsp: raw.Rsp,
		R8: raw.R8, R9: raw.R9, R10: raw.R10, R11: raw.R11,
		R12: raw.R12, R13: raw.R13, R14: raw.R14, R15: raw.R15,
		Rip:    raw.Rip,
		Eflags: raw.Eflags,
	}

	for i := 0; i < 4; i++ {
		v, err := peekUser(tid, debugRegOffset(i))
		if err != nil {
			return nil, threadError(err)
		}
		regs.Dr[i] = v
	}
	dr6, err := peekUser(tid, debugRegOffset(6))
	if err != nil {
		return nil, threadError(err)
	}
	regs.Dr6 = dr6 | t.stepBits
	if regs.Dr7, err = peekUser(tid, debugRegOffset(7)); err != nil {
		return nil, threadError(err)
	}
	return regs, nil
}

// SetRegisters implements Facility. Segment registers and orig_rax keep
// their current values.
func (p *Ptrace) SetRegisters(h ThreadHandle, regs *Registers) error {
	var err error
	p.execPtraceFunc(func() { err = p.setRegisters(h.TID(), regs) })
	return err
}

func (p *Ptrace) setRegisters(tid int, regs *Registers) error {
	t, ok := p.threads[tid]
	if !ok {
		return ErrNoSuchThread
	}
	cur, err := p.getRegisters(tid)
	if err != nil {
		return err
	}

	var raw unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &raw); err != nil {
		return threadError(err)
	}
	raw.Rax, raw.Rbx, raw.Rcx, raw.Rdx = regs.Rax, regs.Rbx, regs.Rcx, regs.Rdx
	raw.Rsi, raw.Rdi, raw.Rbp, raw.Rsp = regs.Rsi, regs.Rdi, regs.Rbp, regs.Rsp
	raw.R8, raw.R9, raw.R10, raw.R11 = regs.R8, regs.R9, regs.R10, regs.R11
	raw.R12, raw.R13, raw.R14, raw.R15 = regs.R12, regs.R13, regs.R14, regs.R15
	raw.Rip = regs.Rip
	raw.Eflags = regs.Eflags
	if err := unix.PtraceSetRegs(tid, &raw); err != nil {
		return threadError(err)
	}

	// The kernel validates DR7 against the address registers, so disable
	// before changing addresses and enable last.
	dr7Changed := cur.Dr7 != regs.Dr7
	if dr7Changed && cur.Dr7 != 0 {
		if err := pokeUser(tid, debugRegOffset(7), 0); err != nil {
			return threadError(err)
		}
	}
	for i := 0; i < 4; i++ {
		if cur.Dr[i] == regs.Dr[i] {
			continue
		}
		if err := pokeUser(tid, debugRegOffset(i), regs.Dr[i]); err != nil {
			return threadError(err)
		}
	}
	if dr7Changed && regs.Dr7 != 0 {
		if err := pokeUser(tid, debugRegOffset(7), regs.Dr7); err != nil {
			return threadError(err)
		}
	}

	if cur.Dr6 != regs.Dr6 {
		if err := pokeUser(tid, debugRegOffset(6), regs.Dr6&^DR6SingleStep); err != nil {
			return threadError(err)
		}
		t.stepBits = regs.Dr6 & DR6SingleStep
	}
	return nil
}

// memoryThread returns a stopped thread to issue memory requests through.
func (p *Ptrace) memoryThread() (int, error) {
	if err := p.ensureStopped(); err != nil {
		return 0, err
	}
	if t, ok := p.threads[p.eventTID]; ok && t.stopped {
		return t.tid, nil
	}
	if t, ok := p.threads[p.pid]; ok && t.stopped {
		return t.tid, nil
	}
	for _, tid := range p.threadIDs() {
		if p.threads[tid].stopped {
			return tid, nil
		}
	}
	return 0, ErrNotAttached
}

// ReadMemory implements Facility.
func (p *Ptrace) ReadMemory(h ProcessHandle, addr uint64, n int) ([]byte, error) {
	out := make([]byte, n)
	var err error
	p.execPtraceFunc(func() {
		var tid, count int
		if tid, err = p.memoryThread(); err != nil {
			return
		}
		count, err = unix.PtracePeekData(tid, uintptr(addr), out)
		if err == nil && count < n {
			err = fmt.Errorf("short read at %#x: %d of %d bytes", addr, count, n)
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// WriteMemory implements Facility.
func (p *Ptrace) WriteMemory(h ProcessHandle, addr uint64, data []byte) error {
	var err error
	p.execPtraceFunc(func() {
		var tid, count int
		if tid, err = p.memoryThread(); err != nil {
			return
		}
		count, err = unix.PtracePokeData(tid, uintptr(addr), data)
		if err == nil && count < len(data) {
			err = fmt.Errorf("short write at %#x: %d of %d bytes", addr, count, len(data))
		}
	})
	return err
}

// QueryProtection implements Facility.
func (p *Ptrace) QueryProtection(h ProcessHandle, addr uint64) (PageInfo, error) {
	var (
		info PageInfo
		err  error
	)
	p.execPtraceFunc(func() { info, err = p.queryProtection(h.PID(), addr) })
	return info, err
}

func (p *Ptrace) queryProtection(pid int, addr uint64) (PageInfo, error) {
	maps, err := proc.ReadMaps(pid)
	if err != nil {
		return PageInfo{}, err
	}
	m, ok := proc.FindMapping(maps, addr)
	if !ok {
		return PageInfo{}, fmt.Errorf("address %#x is not mapped", addr)
	}

	page := addr &^ uint64(p.pageSize-1)
	info := PageInfo{Base: page, Size: uint64(p.pageSize), Protect: protectionOf(m)}
	if orig, guarded := p.guards.armedProtection(page); guarded {
		info.Protect = orig | ProtGuard
	}
	return info, nil
}

// SetProtection implements Facility. ProtGuard maps to PROT_NONE; the
// requested attributes are restored by the first fault on the page.
func (p *Ptrace) SetProtection(h ProcessHandle, addr, size uint64, prot Protection) (Protection, error) {
	var (
		old Protection
		err error
	)
	p.execPtraceFunc(func() {
		var info PageInfo
		if info, err = p.queryProtection(h.PID(), addr); err != nil {
			return
		}
		old = info.Protect

		var tid int
		if tid, err = p.memoryThread(); err != nil {
			return
		}

		ps := uint64(p.pageSize)
		if size == 0 {
			size = 1
		}
		first := addr &^ (ps - 1)
		last := (addr + size - 1) &^ (ps - 1)
		if _, err = p.mprotect(tid, first, last-first+ps, prot); err != nil {
			return
		}
		for page := first; page <= last; page += ps {
			if prot&ProtGuard != 0 {
				p.guards.arm(page, prot&^ProtGuard)
			} else {
				p.guards.disarm(page)
			}
		}
	})
	return old, err
}

func unixProt(prot Protection) uintptr {
	if prot&ProtGuard != 0 {
		return unix.PROT_NONE
	}
	var v uintptr
	if prot&ProtRead != 0 {
		v |= unix.PROT_READ
	}
	if prot&ProtWrite != 0 {
		v |= unix.PROT_WRITE
	}
	if prot&ProtExec != 0 {
		v |= unix.PROT_EXEC
	}
	return v
}

func (p *Ptrace) mprotect(tid int, addr, length uint64, prot Protection) (uint64, error) {
	ret, err := p.injectSyscall(tid, unix.SYS_MPROTECT, addr, length, uint64(unixProt(prot)))
	if err != nil {
		return 0, err
	}
	if errno := int64(ret); errno < 0 && errno > -4096 {
		return 0, fmt.Errorf("mprotect %#x+%#x in target: %w", addr, length, unix.Errno(-errno))
	}
	return ret, nil
}

// syscallInsn is the x86-64 SYSCALL instruction.
var syscallInsn = []byte{0x0f, 0x05}

// injectSyscall makes the stopped thread tid execute one system call: the
// instruction at its RIP is temporarily replaced by SYSCALL and single
// stepped. Registers, DR6 and the patched bytes are restored afterwards.
func (p *Ptrace) injectSyscall(tid int, nr, a1, a2, a3 uint64) (uint64, error) {
	var saved unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &saved); err != nil {
		return 0, threadError(err)
	}
	dr6, _ := peekUser(tid, debugRegOffset(6))

	orig := make([]byte, len(syscallInsn))
	if _, err := unix.PtracePeekData(tid, uintptr(saved.Rip), orig); err != nil {
		return 0, fmt.Errorf("read instruction at %#x: %w", saved.Rip, err)
	}
	if _, err := unix.PtracePokeData(tid, uintptr(saved.Rip), syscallInsn); err != nil {
		return 0, fmt.Errorf("patch instruction at %#x: %w", saved.Rip, err)
	}
	defer func() {
		if _, err := unix.PtracePokeData(tid, uintptr(saved.Rip), orig); err != nil {
			p.logger.Error().Err(err).Int("tid", tid).Msg("Failed to restore instruction after syscall injection")
		}
		if err := unix.PtraceSetRegs(tid, &saved); err != nil {
			p.logger.Error().Err(err).Int("tid", tid).Msg("Failed to restore registers after syscall injection")
		}
		_ = pokeUser(tid, debugRegOffset(6), dr6)
	}()

	regs := saved
	regs.Rax = nr
	regs.Orig_rax = ^uint64(0) // no syscall restart
	regs.Rdi, regs.Rsi, regs.Rdx = a1, a2, a3
	regs.Eflags &^= FlagTrap
	if err := unix.PtraceSetRegs(tid, &regs); err != nil {
		return 0, threadError(err)
	}

	t := p.threads[tid]
	for attempt := 0; ; attempt++ {
		if attempt == 8 {
			return 0, fmt.Errorf("thread %d did not complete injected syscall", tid)
		}
		if err := unix.PtraceSingleStep(tid); err != nil {
			return 0, threadError(err)
		}
		var ws unix.WaitStatus
		if _, err := unix.Wait4(tid, &ws, unix.WALL, nil); err != nil {
			return 0, threadError(err)
		}
		if ws.Exited() || ws.Signaled() {
			return 0, ErrNoSuchThread
		}
		if ws.Stopped() && ws.StopSignal() == unix.SIGTRAP {
			break
		}
		// A signal arrived first; keep it for the next resume.
		if t != nil && ws.Stopped() {
			if ws.StopSignal() == unix.SIGSTOP && t.expectStop {
				t.expectStop = false
			} else {
				t.sig = int(ws.StopSignal())
			}
		}
	}

	var after unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &after); err != nil {
		return 0, threadError(err)
	}
	return after.Rax, nil
}

// ResolveExportedSymbol implements Facility. module is a mapped file's base
// name or path, or MainModule.
func (p *Ptrace) ResolveExportedSymbol(h ProcessHandle, module, symbol string) (uint64, error) {
	if module == MainModule {
		exe, err := proc.GetBinaryPath(h.PID())
		if err != nil {
			return 0, fmt.Errorf("locate executable of %d: %w", h.PID(), err)
		}
		module = exe
	}

	maps, err := proc.ReadMaps(h.PID())
	if err != nil {
		return 0, err
	}

	var path string
	for _, m := range maps {
		if moduleMatches(m.Path, module) {
			path = m.Path
			break
		}
	}
	if path == "" {
		return 0, fmt.Errorf("module %s not mapped: %w", module, ErrSymbolNotFound)
	}

	// Open through the target's root so containerised processes resolve.
	f, err := elf.Open(fmt.Sprintf("/proc/%d/root%s", h.PID(), path))
	if err != nil {
		if f, err = elf.Open(path); err != nil {
			return 0, fmt.Errorf("open module %s: %w", path, err)
		}
	}
	defer f.Close() // nolint:errcheck

	return exportedSymbolAddress(f, maps, module, symbol)
}
