package debugger

import (
	pdbgerrors "github.com/coral-mesh/pdbg/internal/errors"
	"github.com/coral-mesh/pdbg/internal/osdebug"
)

// ContextAccessor reads and writes thread register snapshots. The ByID
// variants open a thread handle for the duration of the call; the ByHandle
// variants use a handle the caller already holds.
//
// Writes are only meaningful while the thread is stopped, which holds for
// every thread between event delivery and the continuation decision.
type ContextAccessor struct {
	d *Debugger
}

// ByID returns the register snapshot of thread tid.
func (a *ContextAccessor) ByID(tid int) (*osdebug.Registers, error) {
	h, err := a.d.os.OpenThread(tid)
	if err != nil {
		return nil, newOpError("get_context", ErrThreadAccess, err).withTID(tid)
	}
	defer pdbgerrors.DeferClose(a.d.logger, h, "Failed to close thread handle")

	return a.ByHandle(h)
}

// ByHandle returns the register snapshot of the thread behind h.
func (a *ContextAccessor) ByHandle(h osdebug.ThreadHandle) (*osdebug.Registers, error) {
	regs, err := a.d.os.GetRegisters(h)
	if err != nil {
		return nil, newOpError("get_context", ErrThreadAccess, err).withTID(h.TID())
	}
	return regs, nil
}

// SetByID writes regs to thread tid.
func (a *ContextAccessor) SetByID(tid int, regs *osdebug.Registers) error {
	h, err := a.d.os.OpenThread(tid)
	if err != nil {
		return newOpError("set_context", ErrThreadAccess, err).withTID(tid)
	}
	defer pdbgerrors.DeferClose(a.d.logger, h, "Failed to close thread handle")

	return a.SetByHandle(h, regs)
}

// SetByHandle writes regs to the thread behind h.
func (a *ContextAccessor) SetByHandle(h osdebug.ThreadHandle, regs *osdebug.Registers) error {
	if err := a.d.os.SetRegisters(h, regs); err != nil {
		return newOpError("set_context", ErrThreadAccess, err).withTID(h.TID())
	}
	return nil
}

// update reads tid's registers, applies fn and writes them back.
func (a *ContextAccessor) update(tid int, fn func(*osdebug.Registers)) error {
	h, err := a.d.os.OpenThread(tid)
	if err != nil {
		return newOpError("set_context", ErrThreadAccess, err).withTID(tid)
	}
	defer pdbgerrors.DeferClose(a.d.logger, h, "Failed to close thread handle")

	regs, err := a.ByHandle(h)
	if err != nil {
		return err
	}
	fn(regs)
	return a.SetByHandle(h, regs)
}
