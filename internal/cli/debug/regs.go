package debug

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/pdbg/internal/cli/helpers"
	"github.com/coral-mesh/pdbg/internal/debugger"
)

// NewRegsCmd creates the regs command.
func NewRegsCmd(g *helpers.Globals) *cobra.Command {
	return &cobra.Command{
		Use:   "regs <pid>",
		Short: "Dump the registers of every thread of a process",
		Long: `Attach to a process, print the register context of each of its threads
(general purpose, instruction pointer, flags and debug registers) and detach.

Threads that cannot be read are reported with their error; the others are
still printed.

Examples:
  pdbg regs 4321
  pdbg regs 4321 -o json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := parsePID(args[0])
			if err != nil {
				return err
			}
			format, err := g.OutputFormat()
			if err != nil {
				return err
			}

			a, err := attach(cmd.Context(), cmd, g, pid)
			if err != nil {
				return err
			}
			defer a.detach()

			threads, err := dumpRegisters(a.dbg)
			if err != nil {
				return err
			}

			out, err := NewFormatter(format).FormatRegisters(threads)
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), out)
			return err
		},
	}
}

// dumpRegisters reads the registers of every thread of the session.
func dumpRegisters(d *debugger.Debugger) ([]ThreadRegisters, error) {
	tids, err := d.Threads()
	if err != nil {
		return nil, err
	}

	threads := make([]ThreadRegisters, 0, len(tids))
	for _, tid := range tids {
		regs, err := d.Registers.ByID(tid)
		threads = append(threads, ThreadRegisters{TID: tid, Registers: regs, Err: err})
	}
	return threads, nil
}
