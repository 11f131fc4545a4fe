package testutil

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/coral-mesh/pdbg/internal/osdebug"
)

// DefaultPageSize is the page size reported by a new FakeFacility.
const DefaultPageSize = 0x1000

var errHandleClosed = errors.New("handle already closed")

// FakeProcess is the simulated state of one target process.
type FakeProcess struct {
	PID int

	memory      map[uint64]byte
	protections map[uint64]osdebug.Protection
	threads     map[int]*osdebug.Registers
}

// ContinueRecord is one ContinueEvent call seen by the fake.
type ContinueRecord struct {
	PID          int
	TID          int
	Continuation osdebug.Continuation
}

// FakeFacility is an in-memory osdebug.Facility. Target memory is sparse
// (unset bytes read as zero), page protection defaults to read/write, and
// debug events are served from a scripted queue. Every OS call can be made
// to fail through the Fail* methods.
type FakeFacility struct {
	mu sync.Mutex

	pageSize    int
	defaultProt osdebug.Protection
	processes   map[int]*FakeProcess
	threadOwner map[int]int
	attached    map[int]bool
	events      []osdebug.Event
	continues   []ContinueRecord
	symbols     map[string]uint64

	openProcessErr map[int]error
	attachErrs     []error
	detachErr      error
	listErr        error
	openThreadErr  map[int]error
	getRegsErr     map[int]error
	setRegsErr     map[int]error
	readErr        map[uint64]error
	writeErr       map[uint64]error
	protectErr     map[uint64]error
	queryErr       map[uint64]error
	waitErr        error

	attachCalls   int
	openProcesses int
	openThreads   int
}

var _ osdebug.Facility = (*FakeFacility)(nil)

// NewFakeFacility creates an empty fake with DefaultPageSize pages.
func NewFakeFacility() *FakeFacility {
	return &FakeFacility{
		pageSize:       DefaultPageSize,
		defaultProt:    osdebug.ProtRead | osdebug.ProtWrite,
		processes:      make(map[int]*FakeProcess),
		threadOwner:    make(map[int]int),
		attached:       make(map[int]bool),
		symbols:        make(map[string]uint64),
		openProcessErr: make(map[int]error),
		openThreadErr:  make(map[int]error),
		getRegsErr:     make(map[int]error),
		setRegsErr:     make(map[int]error),
		readErr:        make(map[uint64]error),
		writeErr:       make(map[uint64]error),
		protectErr:     make(map[uint64]error),
		queryErr:       make(map[uint64]error),
	}
}

// AddProcess registers a process with the given threads.
func (f *FakeFacility) AddProcess(pid int, tids ...int) *FakeProcess {
	f.mu.Lock()
	defer f.mu.Unlock()

	p := &FakeProcess{
		PID:         pid,
		memory:      make(map[uint64]byte),
		protections: make(map[uint64]osdebug.Protection),
		threads:     make(map[int]*osdebug.Registers),
	}
	f.processes[pid] = p
	for _, tid := range tids {
		p.threads[tid] = &osdebug.Registers{}
		f.threadOwner[tid] = pid
	}
	return p
}

// AddThread adds a thread to a process, as if it had just been created.
func (f *FakeFacility) AddThread(pid, tid int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if p, ok := f.processes[pid]; ok {
		p.threads[tid] = &osdebug.Registers{}
		f.threadOwner[tid] = pid
	}
}

// RemoveThread removes a thread, as if it had exited.
func (f *FakeFacility) RemoveThread(tid int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if pid, ok := f.threadOwner[tid]; ok {
		delete(f.processes[pid].threads, tid)
		delete(f.threadOwner, tid)
	}
}

// SetPageSize changes the reported page size.
func (f *FakeFacility) SetPageSize(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pageSize = n
}

// SetMemory writes bytes into a process without going through the facility.
func (f *FakeFacility) SetMemory(pid int, addr uint64, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p := f.processes[pid]
	for i, b := range data {
		p.memory[addr+uint64(i)] = b
	}
}

// Memory returns n bytes of process memory at addr.
func (f *FakeFacility) Memory(pid int, addr uint64, n int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	p := f.processes[pid]
	out := make([]byte, n)
	for i := range out {
		out[i] = p.memory[addr+uint64(i)]
	}
	return out
}

// ByteAt returns the byte at addr.
func (f *FakeFacility) ByteAt(pid int, addr uint64) byte {
	return f.Memory(pid, addr, 1)[0]
}

// SetPageProtection sets the protection of the page holding addr.
func (f *FakeFacility) SetPageProtection(pid int, addr uint64, prot osdebug.Protection) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processes[pid].protections[f.pageOf(addr)] = prot
}

// PageProtection returns the protection of the page holding addr.
func (f *FakeFacility) PageProtection(pid int, addr uint64) osdebug.Protection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.protectionLocked(f.processes[pid], f.pageOf(addr))
}

// GuardedPages returns the pages of a process that carry the guard attribute.
func (f *FakeFacility) GuardedPages(pid int) []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	var pages []uint64
	for page, prot := range f.processes[pid].protections {
		if prot&osdebug.ProtGuard != 0 {
			pages = append(pages, page)
		}
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i] < pages[j] })
	return pages
}

// ThreadRegisters returns a copy of a thread's registers.
func (f *FakeFacility) ThreadRegisters(tid int) osdebug.Registers {
	f.mu.Lock()
	defer f.mu.Unlock()

	pid := f.threadOwner[tid]
	return *f.processes[pid].threads[tid]
}

// SetThreadRegisters replaces a thread's registers.
func (f *FakeFacility) SetThreadRegisters(tid int, regs osdebug.Registers) {
	f.mu.Lock()
	defer f.mu.Unlock()

	pid := f.threadOwner[tid]
	f.processes[pid].threads[tid] = &regs
}

// AddSymbol registers an exported symbol for ResolveExportedSymbol.
func (f *FakeFacility) AddSymbol(module, symbol string, addr uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.symbols[module+"!"+symbol] = addr
}

// QueueEvent appends events to the scripted event queue.
func (f *FakeFacility) QueueEvent(events ...osdebug.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, events...)
}

// QueueException queues an exception event.
func (f *FakeFacility) QueueException(pid, tid int, code osdebug.ExceptionCode, addr uint64) {
	f.QueueEvent(osdebug.Event{PID: pid, ThreadID: tid, Kind: osdebug.EventException, Code: code, Address: addr})
}

// QueueGuardFault consumes the guard of the page holding addr, as the CPU
// would on first access, and queues the resulting guard page exception.
func (f *FakeFacility) QueueGuardFault(pid, tid int, addr uint64) {
	f.mu.Lock()
	p := f.processes[pid]
	page := f.pageOf(addr)
	p.protections[page] = f.protectionLocked(p, page) &^ osdebug.ProtGuard
	f.mu.Unlock()

	f.QueueException(pid, tid, osdebug.ExceptionGuardPage, addr)
}

// PendingEvents returns the number of queued events.
func (f *FakeFacility) PendingEvents() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

// Continues returns every ContinueEvent call so far.
func (f *FakeFacility) Continues() []ContinueRecord {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]ContinueRecord, len(f.continues))
	copy(out, f.continues)
	return out
}

// IsAttached reports whether pid is being debugged.
func (f *FakeFacility) IsAttached(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attached[pid]
}

// AttachCalls returns the number of AttachDebug calls.
func (f *FakeFacility) AttachCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attachCalls
}

// OpenHandles returns the number of process and thread handles not yet closed.
func (f *FakeFacility) OpenHandles() (processes, threads int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.openProcesses, f.openThreads
}

// FailOpenProcess makes OpenProcess(pid) fail. A nil err clears the failure.
func (f *FakeFacility) FailOpenProcess(pid int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	setOrClear(f.openProcessErr, pid, err)
}

// FailAttach makes the next AttachDebug calls return errs in order. A nil
// entry lets that call proceed normally.
func (f *FakeFacility) FailAttach(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attachErrs = append(f.attachErrs, errs...)
}

// FailDetach makes DetachDebug fail.
func (f *FakeFacility) FailDetach(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detachErr = err
}

// FailListThreads makes ListThreads fail.
func (f *FakeFacility) FailListThreads(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

// FailOpenThread makes OpenThread(tid) fail.
func (f *FakeFacility) FailOpenThread(tid int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	setOrClear(f.openThreadErr, tid, err)
}

// FailGetRegisters makes GetRegisters fail for tid.
func (f *FakeFacility) FailGetRegisters(tid int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	setOrClear(f.getRegsErr, tid, err)
}

// FailSetRegisters makes SetRegisters fail for tid.
func (f *FakeFacility) FailSetRegisters(tid int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	setOrClear(f.setRegsErr, tid, err)
}

// FailRead makes reads covering addr fail.
func (f *FakeFacility) FailRead(addr uint64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	setOrClear(f.readErr, addr, err)
}

// FailWrite makes writes covering addr fail.
func (f *FakeFacility) FailWrite(addr uint64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	setOrClear(f.writeErr, addr, err)
}

// FailProtect makes protection changes covering the page holding addr fail.
func (f *FakeFacility) FailProtect(addr uint64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	setOrClear(f.protectErr, f.pageOf(addr), err)
}

// FailQuery makes protection queries of the page holding addr fail.
func (f *FakeFacility) FailQuery(addr uint64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	setOrClear(f.queryErr, f.pageOf(addr), err)
}

// FailWait makes WaitNextEvent fail.
func (f *FakeFacility) FailWait(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waitErr = err
}

func setOrClear[K comparable](m map[K]error, key K, err error) {
	if err == nil {
		delete(m, key)
		return
	}
	m[key] = err
}

func (f *FakeFacility) pageOf(addr uint64) uint64 {
	return addr &^ uint64(f.pageSize-1)
}

func (f *FakeFacility) protectionLocked(p *FakeProcess, page uint64) osdebug.Protection {
	if prot, ok := p.protections[page]; ok {
		return prot
	}
	return f.defaultProt
}

type fakeProcessHandle struct {
	f      *FakeFacility
	pid    int
	closed bool
}

func (h *fakeProcessHandle) PID() int { return h.pid }

func (h *fakeProcessHandle) Close() error {
	h.f.mu.Lock()
	defer h.f.mu.Unlock()
	if h.closed {
		return errHandleClosed
	}
	h.closed = true
	h.f.openProcesses--
	return nil
}

type fakeThreadHandle struct {
	f      *FakeFacility
	tid    int
	closed bool
}

func (h *fakeThreadHandle) TID() int { return h.tid }

func (h *fakeThreadHandle) Close() error {
	h.f.mu.Lock()
	defer h.f.mu.Unlock()
	if h.closed {
		return errHandleClosed
	}
	h.closed = true
	h.f.openThreads--
	return nil
}

func (f *FakeFacility) process(h osdebug.ProcessHandle) (*FakeProcess, error) {
	ph, ok := h.(*fakeProcessHandle)
	if !ok || ph.closed {
		return nil, errHandleClosed
	}
	p, ok := f.processes[ph.pid]
	if !ok {
		return nil, osdebug.ErrProcessNotFound
	}
	return p, nil
}

func (f *FakeFacility) thread(h osdebug.ThreadHandle) (*osdebug.Registers, error) {
	th, ok := h.(*fakeThreadHandle)
	if !ok || th.closed {
		return nil, errHandleClosed
	}
	pid, ok := f.threadOwner[th.tid]
	if !ok {
		return nil, osdebug.ErrNoSuchThread
	}
	return f.processes[pid].threads[th.tid], nil
}

// OpenProcess implements osdebug.Facility.
func (f *FakeFacility) OpenProcess(pid int) (osdebug.ProcessHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.openProcessErr[pid]; err != nil {
		return nil, err
	}
	if _, ok := f.processes[pid]; !ok {
		return nil, osdebug.ErrProcessNotFound
	}
	f.openProcesses++
	return &fakeProcessHandle{f: f, pid: pid}, nil
}

// AttachDebug implements osdebug.Facility.
func (f *FakeFacility) AttachDebug(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.attachCalls++
	if len(f.attachErrs) > 0 {
		err := f.attachErrs[0]
		f.attachErrs = f.attachErrs[1:]
		if err != nil {
			return err
		}
	}
	if _, ok := f.processes[pid]; !ok {
		return osdebug.ErrProcessNotFound
	}
	if f.attached[pid] {
		return osdebug.ErrAlreadyDebugged
	}
	f.attached[pid] = true
	return nil
}

// DetachDebug implements osdebug.Facility.
func (f *FakeFacility) DetachDebug(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.detachErr != nil {
		return f.detachErr
	}
	if !f.attached[pid] {
		return osdebug.ErrNotAttached
	}
	delete(f.attached, pid)
	return nil
}

// WaitNextEvent implements osdebug.Facility. An empty queue times out
// immediately regardless of timeout.
func (f *FakeFacility) WaitNextEvent(ctx context.Context, timeout time.Duration) (osdebug.Event, error) {
	if err := ctx.Err(); err != nil {
		return osdebug.Event{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.waitErr != nil {
		return osdebug.Event{}, f.waitErr
	}
	if len(f.events) == 0 {
		return osdebug.Event{}, osdebug.ErrTimeout
	}
	ev := f.events[0]
	f.events = f.events[1:]
	return ev, nil
}

// ContinueEvent implements osdebug.Facility.
func (f *FakeFacility) ContinueEvent(pid, tid int, c osdebug.Continuation) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.continues = append(f.continues, ContinueRecord{PID: pid, TID: tid, Continuation: c})
	return nil
}

// OpenThread implements osdebug.Facility.
func (f *FakeFacility) OpenThread(tid int) (osdebug.ThreadHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.openThreadErr[tid]; err != nil {
		return nil, err
	}
	if _, ok := f.threadOwner[tid]; !ok {
		return nil, osdebug.ErrNoSuchThread
	}
	f.openThreads++
	return &fakeThreadHandle{f: f, tid: tid}, nil
}

// ListThreads implements osdebug.Facility.
func (f *FakeFacility) ListThreads(pid int) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.listErr != nil {
		return nil, f.listErr
	}
	p, ok := f.processes[pid]
	if !ok {
		return nil, osdebug.ErrProcessNotFound
	}
	tids := make([]int, 0, len(p.threads))
	for tid := range p.threads {
		tids = append(tids, tid)
	}
	sort.Ints(tids)
	return tids, nil
}

// GetRegisters implements osdebug.Facility.
func (f *FakeFacility) GetRegisters(h osdebug.ThreadHandle) (*osdebug.Registers, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.getRegsErr[h.TID()]; err != nil {
		return nil, err
	}
	regs, err := f.thread(h)
	if err != nil {
		return nil, err
	}
	return regs.Copy(), nil
}

// SetRegisters implements osdebug.Facility.
func (f *FakeFacility) SetRegisters(h osdebug.ThreadHandle, regs *osdebug.Registers) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.setRegsErr[h.TID()]; err != nil {
		return err
	}
	if _, err := f.thread(h); err != nil {
		return err
	}
	pid := f.threadOwner[h.TID()]
	f.processes[pid].threads[h.TID()] = regs.Copy()
	return nil
}

// ReadMemory implements osdebug.Facility.
func (f *FakeFacility) ReadMemory(h osdebug.ProcessHandle, addr uint64, n int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, err := f.process(h)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	for i := range out {
		a := addr + uint64(i)
		if err := f.readErr[a]; err != nil {
			return nil, err
		}
		out[i] = p.memory[a]
	}
	return out, nil
}

// WriteMemory implements osdebug.Facility. Writes are all or nothing.
func (f *FakeFacility) WriteMemory(h osdebug.ProcessHandle, addr uint64, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, err := f.process(h)
	if err != nil {
		return err
	}
	for i := range data {
		if err := f.writeErr[addr+uint64(i)]; err != nil {
			return err
		}
	}
	for i, b := range data {
		p.memory[addr+uint64(i)] = b
	}
	return nil
}

// QueryProtection implements osdebug.Facility.
func (f *FakeFacility) QueryProtection(h osdebug.ProcessHandle, addr uint64) (osdebug.PageInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, err := f.process(h)
	if err != nil {
		return osdebug.PageInfo{}, err
	}
	page := f.pageOf(addr)
	if err := f.queryErr[page]; err != nil {
		return osdebug.PageInfo{}, err
	}
	return osdebug.PageInfo{
		Base:    page,
		Size:    uint64(f.pageSize),
		Protect: f.protectionLocked(p, page),
	}, nil
}

// SetProtection implements osdebug.Facility. Changes are all or nothing.
func (f *FakeFacility) SetProtection(h osdebug.ProcessHandle, addr, size uint64, prot osdebug.Protection) (osdebug.Protection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, err := f.process(h)
	if err != nil {
		return 0, err
	}
	if size == 0 {
		size = 1
	}

	first := f.pageOf(addr)
	var pages []uint64
	for page := first; page < addr+size; page += uint64(f.pageSize) {
		if err := f.protectErr[page]; err != nil {
			return 0, err
		}
		pages = append(pages, page)
	}

	old := f.protectionLocked(p, first)
	for _, page := range pages {
		p.protections[page] = prot
	}
	return old, nil
}

// ResolveExportedSymbol implements osdebug.Facility.
func (f *FakeFacility) ResolveExportedSymbol(h osdebug.ProcessHandle, module, symbol string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := f.process(h); err != nil {
		return 0, err
	}
	addr, ok := f.symbols[module+"!"+symbol]
	if !ok {
		return 0, osdebug.ErrSymbolNotFound
	}
	return addr, nil
}

// PageSize implements osdebug.Facility.
func (f *FakeFacility) PageSize() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pageSize
}
