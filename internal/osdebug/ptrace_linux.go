//go:build linux && amd64

package osdebug

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"
	"unsafe"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/coral-mesh/pdbg/internal/privilege"
	"github.com/coral-mesh/pdbg/internal/sys/proc"
)

const pollInterval = 5 * time.Millisecond

// Ptrace is the Linux/amd64 Facility built on ptrace(2).
//
// It keeps the target all-stop: once an event is reported every traced thread
// is stopped until the next WaitNextEvent call, which resumes them with the
// signals chosen by ContinueEvent. Operations that need stopped threads
// outside of that window stop the process on demand.
//
// Guard pages are emulated with PROT_NONE. The first fault on a guarded page
// restores its protection and is reported as ExceptionGuardPage.
type Ptrace struct {
	logger   zerolog.Logger
	pageSize int

	ptraceChan chan func()
	ptraceDone chan struct{}

	// State below is only touched from the ptrace goroutine.
	pid      int
	attached bool
	threads  map[int]*tracee
	queue    []queuedEvent
	guards   *guardTable
	eventTID int
	eventSig int
}

type tracee struct {
	tid     int
	stopped bool
	// expectStop is set while a SIGSTOP sent by the facility (or the initial
	// stop of a cloned thread) has not been observed yet.
	expectStop bool
	// sig is delivered on the next resume.
	sig int
	// stepBits holds DR6 bits the kernel does not report through PEEKUSER.
	stepBits uint64
}

type queuedEvent struct {
	ev  Event
	sig int
}

type ptraceProcess struct{ pid int }

func (h *ptraceProcess) PID() int     { return h.pid }
func (h *ptraceProcess) Close() error { return nil }

type ptraceThread struct{ tid int }

func (h *ptraceThread) TID() int     { return h.tid }
func (h *ptraceThread) Close() error { return nil }

var _ Facility = (*Ptrace)(nil)

// NewPtrace starts the ptrace worker goroutine. Close releases it.
func NewPtrace(logger zerolog.Logger) (*Ptrace, error) {
	p := &Ptrace{
		logger:     logger.With().Str("component", "ptrace").Logger(),
		pageSize:   unix.Getpagesize(),
		ptraceChan: make(chan func()),
		ptraceDone: make(chan struct{}),
	}
	go p.handlePtraceFuncs()
	return p, nil
}

// Close stops the ptrace worker. The facility must not be used afterwards.
func (p *Ptrace) Close() error {
	close(p.ptraceChan)
	<-p.ptraceDone
	return nil
}

// handlePtraceFuncs runs every ptrace request on one locked OS thread:
// the kernel only accepts requests from the thread that attached.
func (p *Ptrace) handlePtraceFuncs() {
	runtime.LockOSThread()

	for fn := range p.ptraceChan {
		fn()
		p.ptraceDone <- struct{}{}
	}
	close(p.ptraceDone)
}

func (p *Ptrace) execPtraceFunc(fn func()) {
	p.ptraceChan <- fn
	<-p.ptraceDone
}

// PageSize implements Facility.
func (p *Ptrace) PageSize() int { return p.pageSize }

// OpenProcess implements Facility.
func (p *Ptrace) OpenProcess(pid int) (ProcessHandle, error) {
	exists, err := proc.ProcessExists(context.Background(), pid)
	if err != nil {
		return nil, fmt.Errorf("look up process %d: %w", pid, err)
	}
	if !exists {
		return nil, ErrProcessNotFound
	}
	return &ptraceProcess{pid: pid}, nil
}

// AttachDebug implements Facility. Every thread of pid is attached and
// stopped; a create-process event, one create-thread event per additional
// thread and the initial breakpoint are queued.
func (p *Ptrace) AttachDebug(pid int) error {
	if tracer, err := proc.TracerPid(pid); err == nil && tracer != 0 {
		return fmt.Errorf("%w: traced by pid %d", ErrAlreadyDebugged, tracer)
	}

	var (
		err     error
		threads int
	)
	p.execPtraceFunc(func() {
		if err = p.attach(pid); err == nil {
			threads = len(p.threads)
		}
	})
	if err != nil {
		return err
	}

	p.logger.Debug().Int("pid", pid).Int("threads", threads).Msg("Attached to process")
	return nil
}

func (p *Ptrace) attach(pid int) error {
	if p.attached {
		return fmt.Errorf("already tracing pid %d", p.pid)
	}

	p.pid = pid
	p.threads = make(map[int]*tracee)
	p.guards = newGuardTable()
	p.queue = nil

	// Threads may be created while attaching; list until stable.
	for round := 0; round < 8; round++ {
		tids, err := proc.ListThreads(pid)
		if err != nil {
			p.detachAll()
			return fmt.Errorf("%w: %w", ErrProcessNotFound, err)
		}

		added := 0
		for _, tid := range tids {
			if _, ok := p.threads[tid]; ok {
				continue
			}
			if err := p.attachThread(tid); err != nil {
				if errors.Is(err, unix.ESRCH) && tid != pid {
					continue
				}
				p.detachAll()
				return attachError(err)
			}
			added++
		}
		if added == 0 {
			break
		}
	}

	p.attached = true

	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(pid, &regs); err != nil {
		p.detachAll()
		p.attached = false
		return attachError(err)
	}

	p.queue = append(p.queue, queuedEvent{ev: Event{PID: pid, ThreadID: pid, Kind: EventCreateProcess}})
	for _, tid := range p.threadIDs() {
		if tid != pid {
			p.queue = append(p.queue, queuedEvent{ev: Event{PID: pid, ThreadID: tid, Kind: EventCreateThread}})
		}
	}
	p.queue = append(p.queue, queuedEvent{ev: Event{
		PID:      pid,
		ThreadID: pid,
		Kind:     EventException,
		Code:     ExceptionBreakpoint,
		Address:  regs.Rip,
	}})
	return nil
}

func (p *Ptrace) attachThread(tid int) error {
	if err := unix.PtraceAttach(tid); err != nil {
		return err
	}
	t := &tracee{tid: tid, expectStop: true}
	p.threads[tid] = t

	for {
		var ws unix.WaitStatus
		if _, err := unix.Wait4(tid, &ws, unix.WALL, nil); err != nil {
			delete(p.threads, tid)
			return err
		}
		if ws.Exited() || ws.Signaled() {
			delete(p.threads, tid)
			return unix.ESRCH
		}
		if !ws.Stopped() {
			continue
		}
		t.stopped = true
		if ws.StopSignal() == unix.SIGSTOP {
			t.expectStop = false
		} else {
			t.sig = int(ws.StopSignal())
		}
		break
	}

	if err := unix.PtraceSetOptions(tid, unix.PTRACE_O_TRACECLONE); err != nil {
		p.logger.Warn().Err(err).Int("tid", tid).Msg("Failed to enable clone tracing")
	}
	return nil
}

func attachError(err error) error {
	switch {
	case errors.Is(err, unix.ESRCH):
		return fmt.Errorf("%w: %w", ErrProcessNotFound, err)
	case errors.Is(err, unix.EPERM), errors.Is(err, unix.EACCES):
		if problems := privilege.CheckPtrace().Problems(); len(problems) > 0 {
			return fmt.Errorf("%w: %s", ErrAccessDenied, strings.Join(problems, "; "))
		}
		return fmt.Errorf("%w: %w", ErrAccessDenied, err)
	case errors.Is(err, unix.EBUSY), errors.Is(err, unix.EAGAIN):
		return fmt.Errorf("%w: %w", ErrBusy, err)
	}
	return err
}

// DetachDebug implements Facility.
func (p *Ptrace) DetachDebug(pid int) error {
	var err error
	p.execPtraceFunc(func() {
		if !p.attached || p.pid != pid {
			err = ErrNotAttached
			return
		}
		if err = p.stopWorld(0); err != nil {
			return
		}
		p.detachAll()
	})
	if err == nil {
		p.logger.Debug().Int("pid", pid).Msg("Detached from process")
	}
	return err
}

// detachAll releases every traced thread, delivering pending signals.
func (p *Ptrace) detachAll() {
	for _, t := range p.threads {
		if t.expectStop {
			p.drainStop(t)
		}
		if err := ptraceRequest(unix.PTRACE_DETACH, t.tid, 0, uintptr(t.sig)); err != nil && !errors.Is(err, unix.ESRCH) {
			p.logger.Warn().Err(err).Int("tid", t.tid).Msg("Failed to detach thread")
		}
	}
	p.attached = false
	p.threads = nil
	p.queue = nil
	p.guards = nil
}

// drainStop consumes a SIGSTOP the thread has not reported yet so that it
// does not stop the process after detach.
func (p *Ptrace) drainStop(t *tracee) {
	for i := 0; i < 8 && t.expectStop; i++ {
		if err := unix.PtraceCont(t.tid, t.sig); err != nil {
			return
		}
		t.sig = 0
		var ws unix.WaitStatus
		if _, err := unix.Wait4(t.tid, &ws, unix.WALL, nil); err != nil || !ws.Stopped() {
			return
		}
		if ws.StopSignal() == unix.SIGSTOP {
			t.expectStop = false
		} else {
			t.sig = int(ws.StopSignal())
		}
	}
}

// WaitNextEvent implements Facility. A zero timeout waits until ctx is done.
func (p *Ptrace) WaitNextEvent(ctx context.Context, timeout time.Duration) (Event, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		var (
			ev  Event
			got bool
			err error
		)
		p.execPtraceFunc(func() { ev, got, err = p.poll() })
		if err != nil || got {
			return ev, err
		}

		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return Event{}, ErrTimeout
		}
		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// poll returns a queued event, or resumes the target and reports the next
// stop if one is already available.
func (p *Ptrace) poll() (Event, bool, error) {
	if !p.attached {
		return Event{}, false, ErrNotAttached
	}
	if len(p.queue) > 0 {
		return p.deliver(), true, nil
	}

	p.guards.resumed()
	p.resumeAll()

	for {
		var ws unix.WaitStatus
		wpid, err := unix.Wait4(-1, &ws, unix.WALL|unix.WNOHANG, nil)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return Event{}, false, fmt.Errorf("wait4: %w", err)
		}
		if wpid <= 0 {
			return Event{}, false, nil
		}

		t, known := p.threads[wpid]
		if !known {
			// Cloned thread whose first stop arrived before the clone event.
			if ws.Stopped() {
				p.threads[wpid] = &tracee{tid: wpid, stopped: true}
			}
			continue
		}
		if ws.Stopped() {
			t.stopped = true
			if ws.StopSignal() == unix.SIGSTOP && t.expectStop {
				t.expectStop = false
				p.resume(t)
				continue
			}
		}

		q, ok := p.translate(t, ws)
		if !ok {
			if ws.Stopped() {
				p.resume(t)
			}
			continue
		}
		p.queue = append(p.queue, q)
		if p.attached {
			if err := p.stopWorld(wpid); err != nil {
				p.logger.Warn().Err(err).Msg("Failed to stop all threads")
			}
		}
		return p.deliver(), true, nil
	}
}

func (p *Ptrace) deliver() Event {
	q := p.queue[0]
	p.queue = p.queue[1:]
	p.eventTID = q.ev.ThreadID
	p.eventSig = q.sig
	return q.ev
}

// translate converts a wait status into a debug event.
func (p *Ptrace) translate(t *tracee, ws unix.WaitStatus) (queuedEvent, bool) {
	if ws.Exited() || ws.Signaled() {
		delete(p.threads, t.tid)
		if t.tid != p.pid {
			return queuedEvent{ev: Event{PID: p.pid, ThreadID: t.tid, Kind: EventExitThread}}, true
		}
		p.attached = false
		p.threads = nil
		p.guards = nil
		return queuedEvent{ev: Event{PID: p.pid, ThreadID: t.tid, Kind: EventExitProcess}}, true
	}
	if !ws.Stopped() {
		return queuedEvent{}, false
	}

	sig := ws.StopSignal()
	if sig == unix.SIGTRAP && ws.TrapCause() == unix.PTRACE_EVENT_CLONE {
		return p.cloneEvent(t)
	}

	ev := Event{PID: p.pid, ThreadID: t.tid, Kind: EventException}
	switch sig {
	case unix.SIGTRAP:
		info, err := getSiginfo(t.tid)
		if err != nil {
			p.logger.Warn().Err(err).Int("tid", t.tid).Msg("Failed to read signal info")
		}
		dr6, err := peekUser(t.tid, debugRegOffset(6))
		if err != nil {
			p.logger.Warn().Err(err).Int("tid", t.tid).Msg("Failed to read DR6")
		}
		code, status := classifyTrap(info.Code, dr6)
		t.stepBits = status &^ dr6
		ev.Code = code

		var regs unix.PtraceRegs
		if err := unix.PtraceGetRegs(t.tid, &regs); err == nil {
			ev.Address = regs.Rip
			if code == ExceptionBreakpoint {
				ev.Address = regs.Rip - 1
			}
		}
		return queuedEvent{ev: ev, sig: int(sig)}, true

	case unix.SIGSEGV:
		info, err := getSiginfo(t.tid)
		if err != nil {
			p.logger.Warn().Err(err).Int("tid", t.tid).Msg("Failed to read signal info")
		}
		ev.Address = info.Addr
		ev.Code = ExceptionAccessViolation

		page := info.Addr &^ uint64(p.pageSize-1)
		if orig, guarded := p.guards.armedProtection(page); guarded {
			// The guard is consumed by the first access.
			if _, err := p.mprotect(t.tid, page, uint64(p.pageSize), orig); err != nil {
				p.logger.Error().Err(err).Str("page", fmt.Sprintf("%#x", page)).Msg("Failed to lift guard page")
			} else {
				p.guards.lift(page)
				ev.Code = ExceptionGuardPage
			}
		} else if p.guards.wasLifted(page) {
			// Another thread faulted on the page before its guard was lifted.
			ev.Code = ExceptionGuardPage
		}
		return queuedEvent{ev: ev, sig: int(sig)}, true
	}

	ev.Code = ExceptionSignal(int(sig))
	return queuedEvent{ev: ev, sig: int(sig)}, true
}

func (p *Ptrace) cloneEvent(parent *tracee) (queuedEvent, bool) {
	msg, err := unix.PtraceGetEventMsg(parent.tid)
	if err != nil {
		p.logger.Warn().Err(err).Int("tid", parent.tid).Msg("Failed to read clone event")
		return queuedEvent{}, false
	}
	tid := int(msg)
	if _, known := p.threads[tid]; !known {
		p.threads[tid] = &tracee{tid: tid, expectStop: true}
	}
	return queuedEvent{ev: Event{PID: p.pid, ThreadID: tid, Kind: EventCreateThread}}, true
}

func (p *Ptrace) resume(t *tracee) {
	if !t.stopped {
		return
	}
	if err := unix.PtraceCont(t.tid, t.sig); err != nil && !errors.Is(err, unix.ESRCH) {
		p.logger.Warn().Err(err).Int("tid", t.tid).Msg("Failed to resume thread")
	}
	t.sig = 0
	t.stopped = false
}

func (p *Ptrace) resumeAll() {
	for _, t := range p.threads {
		p.resume(t)
	}
}

// stopWorld stops every running thread except skip. Stops other than the
// requested SIGSTOP become queued events.
func (p *Ptrace) stopWorld(skip int) error {
	var waiting []*tracee
	for _, t := range p.threads {
		if t.stopped || t.tid == skip {
			continue
		}
		if !t.expectStop {
			if err := unix.Tgkill(p.pid, t.tid, unix.SIGSTOP); err != nil {
				if errors.Is(err, unix.ESRCH) {
					continue
				}
				return fmt.Errorf("stop thread %d: %w", t.tid, err)
			}
			t.expectStop = true
		}
		waiting = append(waiting, t)
	}

	for _, t := range waiting {
		var ws unix.WaitStatus
		if _, err := unix.Wait4(t.tid, &ws, unix.WALL, nil); err != nil {
			if errors.Is(err, unix.ECHILD) {
				delete(p.threads, t.tid)
				continue
			}
			return fmt.Errorf("wait for thread %d: %w", t.tid, err)
		}
		if ws.Stopped() {
			t.stopped = true
			if ws.StopSignal() == unix.SIGSTOP {
				t.expectStop = false
				continue
			}
		}
		if q, ok := p.translate(t, ws); ok {
			p.queue = append(p.queue, q)
		}
		if !p.attached {
			return nil
		}
	}
	return nil
}

// ensureStopped stops the target when an operation arrives while it runs.
func (p *Ptrace) ensureStopped() error {
	if !p.attached {
		return ErrNotAttached
	}
	return p.stopWorld(0)
}

// ContinueEvent implements Facility. The thread is resumed by the next
// WaitNextEvent; a not-handled continuation re-delivers the event's signal.
func (p *Ptrace) ContinueEvent(pid, tid int, c Continuation) error {
	p.execPtraceFunc(func() {
		t, ok := p.threads[tid]
		if !ok {
			return
		}
		if c == ContinueNotHandled && tid == p.eventTID {
			t.sig = p.eventSig
		} else {
			t.sig = 0
		}
	})
	return nil
}

// OpenThread implements Facility. Only traced threads can be opened.
func (p *Ptrace) OpenThread(tid int) (ThreadHandle, error) {
	var ok bool
	p.execPtraceFunc(func() { _, ok = p.threads[tid] })
	if !ok {
		return nil, ErrNoSuchThread
	}
	return &ptraceThread{tid: tid}, nil
}

// ListThreads implements Facility.
func (p *Ptrace) ListThreads(pid int) ([]int, error) {
	var (
		tids    []int
		tracing bool
	)
	p.execPtraceFunc(func() {
		if p.attached && p.pid == pid {
			tracing = true
			tids = p.threadIDs()
		}
	})
	if tracing {
		return tids, nil
	}

	tids, err := proc.ListThreads(pid)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProcessNotFound, err)
	}
	return tids, nil
}

func (p *Ptrace) threadIDs() []int {
	tids := make([]int, 0, len(p.threads))
	for tid := range p.threads {
		tids = append(tids, tid)
	}
	sort.Ints(tids)
	return tids
}

// ptraceRequest issues a raw ptrace request for the cases x/sys/unix does
// not wrap with a data argument.
func ptraceRequest(req, tid int, addr, data uintptr) error {
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, uintptr(req), uintptr(tid), addr, data, 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// siginfo mirrors the head of the kernel siginfo_t for SIGSEGV and SIGTRAP.
type siginfo struct {
	Signo int32
	Errno int32
	Code  int32
	_     int32
	Addr  uint64
	_     [104]byte
}

func getSiginfo(tid int) (siginfo, error) {
	var info siginfo
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_GETSIGINFO, uintptr(tid), 0, uintptr(unsafe.Pointer(&info)), 0, 0)
	if errno != 0 {
		return info, errno
	}
	return info, nil
}
