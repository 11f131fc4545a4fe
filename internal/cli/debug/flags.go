package debug

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/pflag"

	"github.com/coral-mesh/pdbg/internal/debugger"
)

// HardwareSpec is a parsed --hw value.
type HardwareSpec struct {
	Address   uint64
	Length    int
	Condition debugger.Condition
}

func (s HardwareSpec) String() string {
	return fmt.Sprintf("%#x:%d:%s", s.Address, s.Length, s.Condition)
}

// MemorySpec is a parsed --mem value.
type MemorySpec struct {
	Address uint64
	Size    uint64
}

func (s MemorySpec) String() string {
	return fmt.Sprintf("%#x:%#x", s.Address, s.Size)
}

// FunctionSpec is a parsed --func value.
type FunctionSpec struct {
	Module string
	Symbol string
}

func (s FunctionSpec) String() string {
	return s.Module + "!" + s.Symbol
}

// ParseAddress parses a hexadecimal (0x-prefixed), octal or decimal address.
func ParseAddress(s string) (uint64, error) {
	addr, err := strconv.ParseUint(strings.TrimSpace(s), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return addr, nil
}

// ParseHardwareSpec parses addr[:len[:cond]]. Length defaults to 1 and the
// condition to execute.
func ParseHardwareSpec(s string) (HardwareSpec, error) {
	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return HardwareSpec{}, fmt.Errorf("invalid hardware breakpoint %q (want addr[:len[:cond]])", s)
	}

	spec := HardwareSpec{Length: 1, Condition: debugger.CondExecute}
	addr, err := ParseAddress(parts[0])
	if err != nil {
		return HardwareSpec{}, err
	}
	spec.Address = addr

	if len(parts) > 1 {
		n, err := strconv.Atoi(parts[1])
		if err != nil {
			return HardwareSpec{}, fmt.Errorf("invalid length %q", parts[1])
		}
		spec.Length = n
	}
	if len(parts) > 2 {
		cond, err := debugger.ParseCondition(parts[2])
		if err != nil {
			return HardwareSpec{}, err
		}
		spec.Condition = cond
	}
	return spec, nil
}

// ParseMemorySpec parses addr:size.
func ParseMemorySpec(s string) (MemorySpec, error) {
	addrPart, sizePart, ok := strings.Cut(s, ":")
	if !ok {
		return MemorySpec{}, fmt.Errorf("invalid memory breakpoint %q (want addr:size)", s)
	}
	addr, err := ParseAddress(addrPart)
	if err != nil {
		return MemorySpec{}, err
	}
	size, err := strconv.ParseUint(sizePart, 0, 64)
	if err != nil {
		return MemorySpec{}, fmt.Errorf("invalid size %q", sizePart)
	}
	return MemorySpec{Address: addr, Size: size}, nil
}

// ParseFunctionSpec parses module!symbol.
func ParseFunctionSpec(s string) (FunctionSpec, error) {
	module, symbol, ok := strings.Cut(s, "!")
	if !ok || module == "" || symbol == "" {
		return FunctionSpec{}, fmt.Errorf("invalid function %q (want module!symbol)", s)
	}
	return FunctionSpec{Module: module, Symbol: symbol}, nil
}

// listValue is a repeatable pflag.Value that also accepts comma separated items.
type listValue[T fmt.Stringer] struct {
	items    *[]T
	parse    func(string) (T, error)
	typeName string
}

var _ pflag.Value = (*listValue[MemorySpec])(nil)

func newListValue[T fmt.Stringer](items *[]T, typeName string, parse func(string) (T, error)) *listValue[T] {
	return &listValue[T]{items: items, parse: parse, typeName: typeName}
}

func (v *listValue[T]) Set(s string) error {
	for _, item := range strings.Split(s, ",") {
		parsed, err := v.parse(item)
		if err != nil {
			return err
		}
		*v.items = append(*v.items, parsed)
	}
	return nil
}

func (v *listValue[T]) String() string {
	strs := make([]string, len(*v.items))
	for i, item := range *v.items {
		strs[i] = item.String()
	}
	return "[" + strings.Join(strs, ",") + "]"
}

func (v *listValue[T]) Type() string {
	return v.typeName
}

// Address is a uint64 rendered in hex.
type Address uint64

func (a Address) String() string { return fmt.Sprintf("%#x", uint64(a)) }

func parseAddressValue(s string) (Address, error) {
	addr, err := ParseAddress(s)
	return Address(addr), err
}

// BreakpointFlags holds the breakpoint flags shared by run.
type BreakpointFlags struct {
	Software  []Address
	Hardware  []HardwareSpec
	Memory    []MemorySpec
	Functions []FunctionSpec
}

// AddFlags registers --bp, --hw, --mem and --func.
func (f *BreakpointFlags) AddFlags(flags *pflag.FlagSet) {
	flags.Var(newListValue(&f.Software, "addr", parseAddressValue), "bp",
		"Software breakpoint address (repeatable)")
	flags.Var(newListValue(&f.Hardware, "addr[:len[:cond]]", ParseHardwareSpec), "hw",
		"Hardware breakpoint, cond is execute, write or readwrite (repeatable)")
	flags.Var(newListValue(&f.Memory, "addr:size", ParseMemorySpec), "mem",
		"Memory breakpoint over a guarded range (repeatable)")
	flags.Var(newListValue(&f.Functions, "module!symbol", ParseFunctionSpec), "func",
		"Software breakpoint on an exported function (repeatable)")
}

// Empty reports whether no breakpoint was requested.
func (f *BreakpointFlags) Empty() bool {
	return len(f.Software) == 0 && len(f.Hardware) == 0 && len(f.Memory) == 0 && len(f.Functions) == 0
}
