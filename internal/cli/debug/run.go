package debug

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/pdbg/internal/cli/helpers"
	"github.com/coral-mesh/pdbg/internal/debugger"
)

// NewRunCmd creates the run command.
func NewRunCmd(g *helpers.Globals) *cobra.Command {
	var (
		bps      BreakpointFlags
		duration time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run <pid>",
		Short: "Attach, arm breakpoints and stream debug events",
		Long: `Attach to a process, arm the requested breakpoints and print every debug
event the engine handles until the process exits, --duration elapses or the
command is interrupted. Breakpoints still armed on exit are removed before
detaching.

Breakpoint kinds:
  --bp   addr               INT3 patched over the instruction at addr
  --func module!symbol      INT3 on an exported function (module "main" is
                            the target's executable)
  --hw   addr[:len[:cond]]  debug register slot (len 1, 2 or 4; cond execute,
                            write or readwrite)
  --mem  addr:size          guard pages over [addr, addr+size)

Examples:
  # Break on an exported libc function
  pdbg run 4321 --func libc.so.6!write

  # Watch writes to a 4 byte variable for 30 seconds
  pdbg run 4321 --hw 0x601040:4:write --duration 30s

  # Stream events as JSON lines
  pdbg run 4321 --mem 0x7f0000000000:0x100 -o json`,
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
			formatter := NewFormatter(format)
			out := cmd.OutOrStdout()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}

			observer := func(r debugger.Report) {
				if r.Kind == debugger.ReportInitialBreakpoint {
					return
				}
				line, err := formatter.FormatReport(r)
				if err != nil {
					return
				}
				_, _ = fmt.Fprint(out, line)
			}

			a, err := attach(ctx, cmd, g, pid, debugger.WithObserver(observer))
			if err != nil {
				return err
			}
			defer a.detach()

			if err := armBreakpoints(a.dbg, &bps); err != nil {
				return err
			}
			if format == helpers.FormatText {
				if err := printArmed(out, formatter, a.dbg); err != nil {
					return err
				}
			}

			return runUntilDone(ctx, a.dbg)
		},
	}

	bps.AddFlags(cmd.Flags())
	cmd.Flags().DurationVar(&duration, "duration", 0, "Stop after this long (0 runs until interrupted)")

	return cmd
}

// armBreakpoints sets every breakpoint requested on the command line.
func armBreakpoints(d *debugger.Debugger, bps *BreakpointFlags) error {
	for _, addr := range bps.Software {
		if err := d.Software.Set(uint64(addr)); err != nil {
			return err
		}
	}
	for _, fn := range bps.Functions {
		addr, err := d.ResolveFunction(fn.Module, fn.Symbol)
		if err != nil {
			return err
		}
		if err := d.Software.Set(addr); err != nil {
			return err
		}
	}
	for _, hw := range bps.Hardware {
		if _, err := d.Hardware.Set(hw.Address, hw.Length, hw.Condition); err != nil {
			return err
		}
	}
	for _, mem := range bps.Memory {
		if err := d.Memory.Set(mem.Address, mem.Size); err != nil {
			return err
		}
	}
	return nil
}

func printArmed(w io.Writer, f OutputFormatter, d *debugger.Debugger) error {
	out, err := f.FormatBreakpoints(snapshotBreakpoints(d))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, out)
	return err
}

// runUntilDone runs the event loop. Interruption and process exit are normal
// ways for it to end.
func runUntilDone(ctx context.Context, d *debugger.Debugger) error {
	err := d.Run(ctx)
	switch {
	case err == nil,
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, debugger.ErrProcessExited):
		return nil
	default:
		return err
	}
}
