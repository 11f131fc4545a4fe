package debugger

import "fmt"

// ReadMemory reads n bytes of target memory at addr. Bytes patched by
// software breakpoints read as their original values.
func (d *Debugger) ReadMemory(addr uint64, n int) ([]byte, error) {
	s, err := d.activeSession("read_memory")
	if err != nil {
		return nil, err
	}

	data, err := d.os.ReadMemory(s.process, addr, n)
	if err != nil {
		return nil, newOpError("read_memory", ErrMemoryAccess, err).withPID(s.PID).withAddr(addr)
	}

	for a, bp := range s.software {
		if a >= addr && a < addr+uint64(len(data)) {
			data[a-addr] = bp.OriginalByte
		}
	}
	return data, nil
}

// WriteMemory writes data to target memory at addr. Software breakpoints
// inside the range stay armed; the written bytes become their original values.
func (d *Debugger) WriteMemory(addr uint64, data []byte) error {
	s, err := d.activeSession("write_memory")
	if err != nil {
		return err
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	var covered []*SoftwareBreakpoint
	for a, bp := range s.software {
		if a >= addr && a < addr+uint64(len(buf)) {
			covered = append(covered, bp)
			buf[a-addr] = TrapOpcode
		}
	}

	if err := d.os.WriteMemory(s.process, addr, buf); err != nil {
		return newOpError("write_memory", ErrMemoryAccess, err).withPID(s.PID).withAddr(addr)
	}
	for _, bp := range covered {
		bp.OriginalByte = data[bp.Address-addr]
	}
	return nil
}

// ResolveFunction returns the address of an exported symbol of a module
// loaded in the target.
func (d *Debugger) ResolveFunction(module, symbol string) (uint64, error) {
	s, err := d.activeSession("func_resolve")
	if err != nil {
		return 0, err
	}

	addr, err := d.os.ResolveExportedSymbol(s.process, module, symbol)
	if err != nil {
		return 0, newOpError("func_resolve", ErrSymbolResolve, err).withPID(s.PID)
	}
	d.logger.Debug().
		Str("module", module).
		Str("symbol", symbol).
		Str("addr", fmt.Sprintf("%#x", addr)).
		Msg("Resolved exported symbol")
	return addr, nil
}

// PageSize returns the target's page size.
func (d *Debugger) PageSize() int {
	return d.os.PageSize()
}
