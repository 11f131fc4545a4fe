package debugger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/pdbg/internal/config"
	"github.com/coral-mesh/pdbg/internal/osdebug"
	"github.com/coral-mesh/pdbg/internal/testutil"
)

func TestSoftwareBreakpoints_SetPatchesAndHitRestores(t *testing.T) {
	addrs := []struct {
		addr     uint64
		original byte
	}{
		{addr: 0x00401020, original: 0x55},
		{addr: 0x00401021, original: 0x48},
		{addr: 0x7f0000001000, original: 0x00},
		{addr: 0x00402fff, original: 0xC3},
	}

	for _, tt := range addrs {
		d, fake := newAttachedDebugger(t)
		consumeInitialBreakpoint(t, d, fake)
		fake.SetMemory(testPID, tt.addr, []byte{tt.original})

		require.NoError(t, d.Software.Set(tt.addr))

		bp, ok := d.Software.Get(tt.addr)
		require.True(t, ok)
		assert.Equal(t, tt.original, bp.OriginalByte)
		patched := fake.ByteAt(testPID, tt.addr)
		assert.Equal(t, TrapOpcode, patched)
		assert.NotEqual(t, bp.OriginalByte, patched)

		fake.SetThreadRegisters(mainTID, osdebug.Registers{Rip: tt.addr + 1})
		fake.QueueException(testPID, mainTID, osdebug.ExceptionBreakpoint, tt.addr)
		report, err := d.HandleNextEvent(context.Background())
		require.NoError(t, err)

		assert.Equal(t, ReportSoftwareHit, report.Kind)
		assert.NoError(t, report.Err)
		assert.Equal(t, tt.original, fake.ByteAt(testPID, tt.addr))
		assert.Equal(t, tt.addr, fake.ThreadRegisters(mainTID).Rip)
		_, ok = d.Software.Get(tt.addr)
		assert.False(t, ok, "hit breakpoint is one-shot")
	}
}

func TestSoftwareBreakpoints_Duplicate(t *testing.T) {
	d, fake := newAttachedDebugger(t)
	fake.SetMemory(testPID, 0x401020, []byte{0x90})

	require.NoError(t, d.Software.Set(0x401020))
	err := d.Software.Set(0x401020)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateBreakpoint)
	require.Len(t, d.Software.List(), 1)
	assert.Equal(t, byte(0x90), d.Software.List()[0].OriginalByte)
}

func TestSoftwareBreakpoints_PreservesPageProtection(t *testing.T) {
	d, fake := newAttachedDebugger(t)
	fake.SetPageProtection(testPID, 0x401000, osdebug.ProtRead|osdebug.ProtExec)

	require.NoError(t, d.Software.Set(0x401020))
	assert.Equal(t, osdebug.ProtRead|osdebug.ProtExec, fake.PageProtection(testPID, 0x401020))

	require.NoError(t, d.Software.Remove(0x401020))
	assert.Equal(t, osdebug.ProtRead|osdebug.ProtExec, fake.PageProtection(testPID, 0x401020))
}

func TestSoftwareBreakpoints_SetFailures(t *testing.T) {
	errWrite := errors.New("write refused")

	tests := []struct {
		name  string
		setup func(f *testutil.FakeFacility)
		cause error
	}{
		{
			name: "protection change fails",
			setup: func(f *testutil.FakeFacility) {
				f.FailProtect(0x401020, osdebug.ErrAccessDenied)
			},
			cause: osdebug.ErrAccessDenied,
		},
		{
			name: "read fails",
			setup: func(f *testutil.FakeFacility) {
				f.FailRead(0x401020, osdebug.ErrAccessDenied)
			},
			cause: osdebug.ErrAccessDenied,
		},
		{
			name: "write fails after protection change",
			setup: func(f *testutil.FakeFacility) {
				f.FailWrite(0x401020, errWrite)
			},
			cause: errWrite,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, fake := newAttachedDebugger(t)
			fake.SetMemory(testPID, 0x401020, []byte{0x55})
			fake.SetPageProtection(testPID, 0x401020, osdebug.ProtRead|osdebug.ProtExec)
			tt.setup(fake)

			err := d.Software.Set(0x401020)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMemoryAccess)
			assert.ErrorIs(t, err, tt.cause)

			_, ok := d.Software.Get(0x401020)
			assert.False(t, ok, "failed set must not leave a table entry")
			assert.Equal(t, byte(0x55), fake.ByteAt(testPID, 0x401020))
			assert.Equal(t, osdebug.ProtRead|osdebug.ProtExec, fake.PageProtection(testPID, 0x401020))
		})
	}
}

func TestSoftwareBreakpoints_Remove(t *testing.T) {
	d, fake := newAttachedDebugger(t)
	fake.SetMemory(testPID, 0x401020, []byte{0x8B})

	err := d.Software.Remove(0x401020)
	assert.ErrorIs(t, err, ErrUnknownBreakpoint)

	require.NoError(t, d.Software.Set(0x401020))
	require.NoError(t, d.Software.Remove(0x401020))

	assert.Equal(t, byte(0x8B), fake.ByteAt(testPID, 0x401020))
	assert.Empty(t, d.Software.List())
}

func TestSoftwareBreakpoints_RemoveWriteFailureKeepsEntry(t *testing.T) {
	d, fake := newAttachedDebugger(t)
	require.NoError(t, d.Software.Set(0x401020))

	fake.FailWrite(0x401020, osdebug.ErrAccessDenied)
	err := d.Software.Remove(0x401020)
	assert.ErrorIs(t, err, ErrMemoryAccess)

	// The trap opcode is still in memory, so the entry must remain.
	_, ok := d.Software.Get(0x401020)
	assert.True(t, ok)
	assert.Equal(t, TrapOpcode, fake.ByteAt(testPID, 0x401020))
}

func TestSoftwareBreakpoints_NoSession(t *testing.T) {
	d, _ := newTestDebugger(t)

	assert.ErrorIs(t, d.Software.Set(0x401020), ErrNoSession)
	assert.ErrorIs(t, d.Software.Remove(0x401020), ErrNoSession)
	assert.Empty(t, d.Software.List())
}

func TestSoftwareBreakpoints_FirstExceptionConsumedOnce(t *testing.T) {
	d, fake := newAttachedDebugger(t)
	require.False(t, d.Session().FirstExceptionSeen())

	fake.QueueException(testPID, mainTID, osdebug.ExceptionBreakpoint, 0x7ffe1000)
	report, err := d.HandleNextEvent(context.Background())
	require.NoError(t, err)

	assert.Equal(t, ReportInitialBreakpoint, report.Kind)
	assert.NoError(t, report.Err)
	assert.Equal(t, osdebug.ContinueHandled, report.Continuation)
	assert.True(t, d.Session().FirstExceptionSeen())

	fake.QueueException(testPID, mainTID+1, osdebug.ExceptionBreakpoint, 0x00405000)
	report, err = d.HandleNextEvent(context.Background())
	require.NoError(t, err)

	assert.Equal(t, ReportUnexpected, report.Kind)
	assert.ErrorIs(t, report.Err, ErrUnexpectedTrap)
	assert.Equal(t, osdebug.ContinueHandled, report.Continuation)
	assert.True(t, d.Session().FirstExceptionSeen())
	assert.True(t, d.Session().Active(), "unexpected trap must not end the session")

	continues := fake.Continues()
	require.Len(t, continues, 2)
	assert.Equal(t, mainTID+1, continues[1].TID)
	assert.Equal(t, osdebug.ContinueHandled, continues[1].Continuation)
}

func TestSoftwareBreakpoints_FirstExceptionOnKnownBreakpoint(t *testing.T) {
	d, fake := newAttachedDebugger(t)
	fake.SetMemory(testPID, 0x401020, []byte{0x55})
	require.NoError(t, d.Software.Set(0x401020))

	fake.SetThreadRegisters(mainTID, osdebug.Registers{Rip: 0x401021})
	fake.QueueException(testPID, mainTID, osdebug.ExceptionBreakpoint, 0x401020)
	report, err := d.HandleNextEvent(context.Background())
	require.NoError(t, err)

	assert.Equal(t, ReportSoftwareHit, report.Kind)
	assert.True(t, d.Session().FirstExceptionSeen())

	// The flag has flipped, so the next unknown trap is unexpected.
	fake.QueueException(testPID, mainTID, osdebug.ExceptionBreakpoint, 0x7ffe1000)
	report, err = d.HandleNextEvent(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, report.Err, ErrUnexpectedTrap)
}

func TestSoftwareBreakpoints_SecondThreadOnConsumedBreakpoint(t *testing.T) {
	d, fake := newAttachedDebugger(t)
	consumeInitialBreakpoint(t, d, fake)

	const addr = 0x401020
	fake.SetMemory(testPID, addr, []byte{0x55})
	require.NoError(t, d.Software.Set(addr))

	// Both threads executed the INT3 before either trap was handled.
	fake.SetThreadRegisters(mainTID, osdebug.Registers{Rip: addr + 1})
	fake.SetThreadRegisters(mainTID+1, osdebug.Registers{Rip: addr + 1})
	fake.QueueException(testPID, mainTID, osdebug.ExceptionBreakpoint, addr)
	fake.QueueException(testPID, mainTID+1, osdebug.ExceptionBreakpoint, addr)

	first, err := d.HandleNextEvent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReportSoftwareHit, first.Kind)

	second, err := d.HandleNextEvent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReportStaleHit, second.Kind)
	assert.NoError(t, second.Err)
	assert.Equal(t, osdebug.ContinueHandled, second.Continuation)

	assert.Equal(t, uint64(addr), fake.ThreadRegisters(mainTID).Rip)
	assert.Equal(t, uint64(addr), fake.ThreadRegisters(mainTID+1).Rip)
	assert.Equal(t, byte(0x55), fake.ByteAt(testPID, addr))

	// A trap at that address from a thread that did not just execute it is
	// still unexpected.
	fake.SetThreadRegisters(mainTID+2, osdebug.Registers{Rip: 0x405000})
	fake.QueueException(testPID, mainTID+2, osdebug.ExceptionBreakpoint, addr)
	third, err := d.HandleNextEvent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReportUnexpected, third.Kind)
	assert.ErrorIs(t, third.Err, ErrUnexpectedTrap)

	// Setting the breakpoint again makes later traps real hits.
	require.NoError(t, d.Software.Set(addr))
	fake.SetThreadRegisters(mainTID+1, osdebug.Registers{Rip: addr + 1})
	fake.QueueException(testPID, mainTID+1, osdebug.ExceptionBreakpoint, addr)
	fourth, err := d.HandleNextEvent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReportSoftwareHit, fourth.Kind)
}

func TestSoftwareBreakpoints_HitRegisterFailure(t *testing.T) {
	d, fake := newAttachedDebugger(t)
	consumeInitialBreakpoint(t, d, fake)
	fake.SetMemory(testPID, 0x401020, []byte{0x55})
	require.NoError(t, d.Software.Set(0x401020))

	fake.FailSetRegisters(mainTID, osdebug.ErrNoSuchThread)
	fake.QueueException(testPID, mainTID, osdebug.ExceptionBreakpoint, 0x401020)
	report, err := d.HandleNextEvent(context.Background())
	require.NoError(t, err)

	assert.Equal(t, ReportSoftwareHit, report.Kind)
	assert.ErrorIs(t, report.Err, ErrThreadAccess)
	assert.Equal(t, byte(0x55), fake.ByteAt(testPID, 0x401020))

	continues := fake.Continues()
	require.Len(t, continues, 2, "continuation is issued even when dispatch fails")
	assert.Equal(t, osdebug.ContinueHandled, continues[1].Continuation)
}

func TestSoftwareBreakpoints_Rearm(t *testing.T) {
	d, fake := newAttachedDebugger(t, func(c *config.DebuggerConfig) {
		c.Policy.SoftwareRearm = true
	})
	consumeInitialBreakpoint(t, d, fake)

	const addr = 0x401020
	fake.SetMemory(testPID, addr, []byte{0x55})
	require.NoError(t, d.Software.Set(addr))

	fake.SetThreadRegisters(mainTID, osdebug.Registers{Rip: addr + 1})
	fake.QueueException(testPID, mainTID, osdebug.ExceptionBreakpoint, addr)
	report, err := d.HandleNextEvent(context.Background())
	require.NoError(t, err)
	require.Equal(t, ReportSoftwareHit, report.Kind)

	regs := fake.ThreadRegisters(mainTID)
	assert.Equal(t, uint64(addr), regs.Rip)
	assert.NotZero(t, regs.Eflags&osdebug.FlagTrap)
	assert.Equal(t, byte(0x55), fake.ByteAt(testPID, addr))

	// The patched instruction executed; the CPU reports the trap-flag step.
	regs.Rip = addr + 1
	regs.Dr6 = osdebug.DR6SingleStep
	fake.SetThreadRegisters(mainTID, regs)
	fake.QueueException(testPID, mainTID, osdebug.ExceptionSingleStep, addr+1)
	report, err = d.HandleNextEvent(context.Background())
	require.NoError(t, err)

	assert.Equal(t, ReportStepComplete, report.Kind)
	assert.NoError(t, report.Err)
	assert.Equal(t, osdebug.ContinueHandled, report.Continuation)
	assert.Equal(t, TrapOpcode, fake.ByteAt(testPID, addr))
	_, ok := d.Software.Get(addr)
	assert.True(t, ok)

	regs = fake.ThreadRegisters(mainTID)
	assert.Zero(t, regs.Eflags&osdebug.FlagTrap)
	assert.Zero(t, regs.Dr6)
}

func TestReadWriteMemory_HideBreakpoints(t *testing.T) {
	d, fake := newAttachedDebugger(t)
	fake.SetMemory(testPID, 0x401000, []byte{0x10, 0x11, 0x12, 0x13})
	require.NoError(t, d.Software.Set(0x401002))

	data, err := d.ReadMemory(0x401000, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x10, 0x11, 0x12, 0x13}, data)

	require.NoError(t, d.WriteMemory(0x401001, []byte{0xA1, 0xA2}))
	assert.Equal(t, []byte{0x10, 0xA1, TrapOpcode, 0x13}, fake.Memory(testPID, 0x401000, 4))

	bp, ok := d.Software.Get(0x401002)
	require.True(t, ok)
	assert.Equal(t, byte(0xA2), bp.OriginalByte)

	require.NoError(t, d.Software.Remove(0x401002))
	assert.Equal(t, []byte{0x10, 0xA1, 0xA2, 0x13}, fake.Memory(testPID, 0x401000, 4))
}

func TestMemoryAccess_Errors(t *testing.T) {
	d, fake := newTestDebugger(t)

	_, err := d.ReadMemory(0x401000, 4)
	assert.ErrorIs(t, err, ErrNoSession)

	require.NoError(t, d.Attach(context.Background(), testPID))
	fake.FailRead(0x401002, osdebug.ErrAccessDenied)
	_, err = d.ReadMemory(0x401000, 4)
	assert.ErrorIs(t, err, ErrMemoryAccess)

	fake.FailWrite(0x401000, osdebug.ErrAccessDenied)
	assert.ErrorIs(t, d.WriteMemory(0x401000, []byte{1}), ErrMemoryAccess)
}

func TestResolveFunction(t *testing.T) {
	d, fake := newAttachedDebugger(t)
	fake.AddSymbol("libc.so.6", "printf", 0x7f00deadbeef)

	addr, err := d.ResolveFunction("libc.so.6", "printf")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x7f00deadbeef), addr)

	_, err = d.ResolveFunction("libc.so.6", "nope")
	assert.ErrorIs(t, err, ErrSymbolResolve)
	assert.ErrorIs(t, err, osdebug.ErrSymbolNotFound)
}
