package debugger

import (
	"fmt"
	"math/bits"
	"strings"

	"github.com/coral-mesh/pdbg/internal/osdebug"
)

// NumSlots is the number of debug address registers (DR0-DR3).
const NumSlots = 4

// Condition is the access that triggers a hardware breakpoint, encoded as
// the DR7 R/W field.
type Condition uint8

const (
	CondExecute   Condition = 0b00
	CondWrite     Condition = 0b01
	CondReadWrite Condition = 0b11
)

// Valid reports whether c is one of the supported conditions. 0b10 (I/O
// access) is not supported.
func (c Condition) Valid() bool {
	switch c {
	case CondExecute, CondWrite, CondReadWrite:
		return true
	}
	return false
}

func (c Condition) String() string {
	switch c {
	case CondExecute:
		return "execute"
	case CondWrite:
		return "write"
	case CondReadWrite:
		return "readwrite"
	default:
		return fmt.Sprintf("condition(%d)", uint8(c))
	}
}

// ParseCondition parses "execute"/"x", "write"/"w" or "readwrite"/"rw".
func ParseCondition(s string) (Condition, error) {
	switch strings.ToLower(s) {
	case "x", "exec", "execute":
		return CondExecute, nil
	case "w", "write":
		return CondWrite, nil
	case "rw", "readwrite", "read/write", "access":
		return CondReadWrite, nil
	}
	return 0, fmt.Errorf("unknown condition %q (want execute, write or readwrite)", s)
}

func validLength(length int) bool {
	return length == 1 || length == 2 || length == 4
}

// DR7 layout: local enable bit at 2*slot, R/W field at 16+4*slot, LEN field at 18+4*slot.
func dr7Enable(slot int) uint64 { return 1 << (slot * 2) }
func dr7CondShift(slot int) uint { return uint(16 + slot*4) }
func dr7LenShift(slot int) uint { return uint(18 + slot*4) }

// encodeSlot returns dr7 with slot enabled for the given length and condition.
func encodeSlot(dr7 uint64, slot, length int, cond Condition) uint64 {
	dr7 = clearSlot(dr7, slot)
	dr7 |= dr7Enable(slot)
	dr7 |= uint64(cond) << dr7CondShift(slot)
	dr7 |= uint64(length-1) << dr7LenShift(slot)
	return dr7
}

// clearSlot returns dr7 with the enable bit and both 2-bit fields of slot cleared.
func clearSlot(dr7 uint64, slot int) uint64 {
	dr7 &^= dr7Enable(slot)
	dr7 &^= 0b11 << dr7CondShift(slot)
	dr7 &^= 0b11 << dr7LenShift(slot)
	return dr7
}

// hitSlot returns the lowest slot flagged in the DR6 condition bits.
func hitSlot(dr6 uint64) (int, bool) {
	b := dr6 & osdebug.DR6SlotMask
	if b == 0 {
		return 0, false
	}
	return bits.TrailingZeros64(b), true
}

func applySlot(regs *osdebug.Registers, bp HardwareBreakpoint) {
	regs.Dr[bp.Slot] = bp.Address
	regs.Dr7 = encodeSlot(regs.Dr7, bp.Slot, bp.Length, bp.Condition)
}

func resetSlot(regs *osdebug.Registers, slot int) {
	regs.Dr[slot] = 0
	regs.Dr7 = clearSlot(regs.Dr7, slot)
}
