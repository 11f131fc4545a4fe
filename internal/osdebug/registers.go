package osdebug

// Debug register layout shared by every x86 implementation
// (Intel SDM Vol. 3B, 17.2).
const (
	// DR6 condition bits B0..B3: one per address slot.
	DR6SlotMask uint64 = 0xF
	// DR6 BS: the exception was raised by the trap flag.
	DR6SingleStep uint64 = 1 << 14

	// EFLAGS TF: trap after the next instruction.
	FlagTrap uint64 = 1 << 8
	// EFLAGS RF: suppress instruction breakpoints for one instruction.
	FlagResume uint64 = 1 << 16
)

// Registers is a thread's register snapshot: general-purpose registers,
// instruction/stack/frame pointers, flags and the debug registers.
// It is a value type; copy it rather than sharing it between threads.
type Registers struct {
	Rax uint64
	Rbx uint64
	Rcx uint64
	Rdx uint64
	Rsi uint64
	Rdi uint64
	Rbp uint64
	Rsp uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64

	Rip    uint64
	Eflags uint64

	// Dr holds the four debug address registers DR0-DR3.
	Dr  [4]uint64
	Dr6 uint64
	Dr7 uint64
}

// PC returns the instruction pointer.
func (r *Registers) PC() uint64 { return r.Rip }

// SetPC sets the instruction pointer.
func (r *Registers) SetPC(pc uint64) { r.Rip = pc }

// SP returns the stack pointer.
func (r *Registers) SP() uint64 { return r.Rsp }

// BP returns the frame pointer.
func (r *Registers) BP() uint64 { return r.Rbp }

// Copy returns an independent copy of the snapshot.
func (r *Registers) Copy() *Registers {
	c := *r
	return &c
}
