package debug

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/coral-mesh/pdbg/internal/cli/helpers"
	"github.com/coral-mesh/pdbg/internal/debugger"
	"github.com/coral-mesh/pdbg/internal/osdebug"
)

// errExit ends the shell loop.
var errExit = errors.New("exit")

const shellHelp = `Commands:
  bp <addr|module!symbol>      Set a software breakpoint
  bd <addr>                    Remove a software breakpoint
  hw <addr[:len[:cond]]>       Set a hardware breakpoint (cond: execute, write, readwrite)
  hd <slot>                    Remove a hardware breakpoint
  mem <addr:size>              Set a memory (guard page) breakpoint
  md <addr>                    Remove a memory breakpoint
  list                         List breakpoints
  cont [duration]              Handle events until a breakpoint hits (Ctrl+C stops)
  threads                      List threads
  regs [tid]                   Show registers of one or all threads
  setreg <tid> <reg> <value>   Write one register
  read <addr> <n>              Hex dump target memory
  write <addr> <hex>           Write bytes to target memory
  resolve <module!symbol>      Print the address of an exported function
  help                         Show this help message
  exit, quit, detach           Detach and exit (or Ctrl+D)
`

// NewShellCmd creates the shell command.
func NewShellCmd(g *helpers.Globals) *cobra.Command {
	return &cobra.Command{
		Use:   "shell <pid>",
		Short: "Attach to a process and open an interactive debugging shell",
		Long: `Attach to a process and open an interactive shell with command history.
The target stays stopped between commands; 'cont' resumes it until the next
breakpoint hit. Breakpoints still armed when the shell exits are removed
before detaching.

` + shellHelp,
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

			sh := &shell{out: cmd.OutOrStdout(), formatter: NewFormatter(format)}
			a, err := attach(cmd.Context(), cmd, g, pid, debugger.WithObserver(sh.observe))
			if err != nil {
				return err
			}
			defer a.detach()
			sh.dbg = a.dbg

			rl, err := readline.NewEx(&readline.Config{
				Prompt:          a.cfg.Shell.Prompt,
				HistoryFile:     a.cfg.Shell.HistoryFile,
				InterruptPrompt: "^C",
				EOFPrompt:       "exit",
			})
			if err != nil {
				return fmt.Errorf("failed to initialize readline: %w", err)
			}
			defer func(rl *readline.Instance) {
				_ = rl.Close()
			}(rl)

			_, _ = fmt.Fprintf(sh.out, "Attached to process %d (session %s). Type 'help' for commands.\n",
				pid, a.dbg.Session().ID)
			return sh.loop(cmd.Context(), rl)
		},
	}
}

// shell executes interactive commands against an attached debugger.
type shell struct {
	dbg       *debugger.Debugger
	out       io.Writer
	formatter OutputFormatter

	// lastHit is the last breakpoint report seen by the observer.
	lastHit *debugger.Report
}

func (s *shell) loop(ctx context.Context, rl *readline.Instance) error {
	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			} else if err == io.EOF {
				_, _ = fmt.Fprintln(s.out)
				return nil
			}
			return fmt.Errorf("readline error: %w", err)
		}

		if err := s.execute(ctx, line); err != nil {
			if errors.Is(err, errExit) {
				return nil
			}
			_, _ = fmt.Fprintf(s.out, "Error: %v\n", err)
			if errors.Is(err, debugger.ErrProcessExited) {
				return nil
			}
		}
	}
}

func (s *shell) observe(r debugger.Report) {
	if r.Kind == debugger.ReportInitialBreakpoint {
		return
	}
	switch r.Kind {
	case debugger.ReportSoftwareHit, debugger.ReportHardwareHit, debugger.ReportMemoryHit:
		hit := r
		s.lastHit = &hit
	}
	if line, err := s.formatter.FormatReport(r); err == nil {
		_, _ = fmt.Fprint(s.out, line)
	}
}

// execute runs one shell command line.
func (s *shell) execute(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	name, args := fields[0], fields[1:]

	switch name {
	case "exit", "quit", "detach":
		return errExit

	case "help":
		_, err := fmt.Fprint(s.out, shellHelp)
		return err

	case "bp":
		if err := needArgs(args, 1, "bp <addr|module!symbol>"); err != nil {
			return err
		}
		addr, err := s.resolveTarget(args[0])
		if err != nil {
			return err
		}
		if err := s.dbg.Software.Set(addr); err != nil {
			return err
		}
		return s.printf("Software breakpoint set at %#x\n", addr)

	case "bd":
		if err := needArgs(args, 1, "bd <addr>"); err != nil {
			return err
		}
		addr, err := ParseAddress(args[0])
		if err != nil {
			return err
		}
		if err := s.dbg.Software.Remove(addr); err != nil {
			return err
		}
		return s.printf("Software breakpoint at %#x removed\n", addr)

	case "hw":
		if err := needArgs(args, 1, "hw <addr[:len[:cond]]>"); err != nil {
			return err
		}
		spec, err := ParseHardwareSpec(args[0])
		if err != nil {
			return err
		}
		slot, err := s.dbg.Hardware.Set(spec.Address, spec.Length, spec.Condition)
		if err != nil {
			return err
		}
		return s.printf("Hardware breakpoint %s set in slot %d\n", spec, slot)

	case "hd":
		if err := needArgs(args, 1, "hd <slot>"); err != nil {
			return err
		}
		slot, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid slot %q", args[0])
		}
		if err := s.dbg.Hardware.Remove(slot); err != nil {
			return err
		}
		return s.printf("Hardware breakpoint in slot %d removed\n", slot)

	case "mem":
		if err := needArgs(args, 1, "mem <addr:size>"); err != nil {
			return err
		}
		spec, err := ParseMemorySpec(args[0])
		if err != nil {
			return err
		}
		if err := s.dbg.Memory.Set(spec.Address, spec.Size); err != nil {
			return err
		}
		return s.printf("Memory breakpoint set over %s\n", spec)

	case "md":
		if err := needArgs(args, 1, "md <addr>"); err != nil {
			return err
		}
		addr, err := ParseAddress(args[0])
		if err != nil {
			return err
		}
		if err := s.dbg.Memory.Remove(addr); err != nil {
			return err
		}
		return s.printf("Memory breakpoint at %#x removed\n", addr)

	case "list":
		out, err := s.formatter.FormatBreakpoints(snapshotBreakpoints(s.dbg))
		if err != nil {
			return err
		}
		return s.printf("%s", out)

	case "cont":
		var timeout time.Duration
		if len(args) > 0 {
			d, err := time.ParseDuration(args[0])
			if err != nil {
				return fmt.Errorf("invalid duration %q", args[0])
			}
			timeout = d
		}
		return s.cont(ctx, timeout)

	case "threads":
		tids, err := s.dbg.Threads()
		if err != nil {
			return err
		}
		out, err := s.formatter.FormatThreads(ThreadList{PID: s.dbg.Session().PID, Threads: tids})
		if err != nil {
			return err
		}
		return s.printf("%s", out)

	case "regs":
		return s.regs(args)

	case "setreg":
		if err := needArgs(args, 3, "setreg <tid> <reg> <value>"); err != nil {
			return err
		}
		return s.setReg(args[0], args[1], args[2])

	case "read":
		if err := needArgs(args, 2, "read <addr> <n>"); err != nil {
			return err
		}
		addr, err := ParseAddress(args[0])
		if err != nil {
			return err
		}
		n, err := strconv.Atoi(args[1])
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid length %q", args[1])
		}
		data, err := s.dbg.ReadMemory(addr, n)
		if err != nil {
			return err
		}
		return s.printf("%s", hexDump(addr, data))

	case "write":
		if err := needArgs(args, 2, "write <addr> <hex>"); err != nil {
			return err
		}
		addr, err := ParseAddress(args[0])
		if err != nil {
			return err
		}
		data, err := hex.DecodeString(strings.TrimPrefix(args[1], "0x"))
		if err != nil || len(data) == 0 {
			return fmt.Errorf("invalid hex bytes %q", args[1])
		}
		if err := s.dbg.WriteMemory(addr, data); err != nil {
			return err
		}
		return s.printf("Wrote %d byte(s) at %#x\n", len(data), addr)

	case "resolve":
		if err := needArgs(args, 1, "resolve <module!symbol>"); err != nil {
			return err
		}
		fn, err := ParseFunctionSpec(args[0])
		if err != nil {
			return err
		}
		addr, err := s.dbg.ResolveFunction(fn.Module, fn.Symbol)
		if err != nil {
			return err
		}
		return s.printf("%s = %#x\n", fn, addr)

	default:
		return fmt.Errorf("unknown command: %s (try help)", name)
	}
}

// cont handles events until a breakpoint hits, the timeout expires or the
// user interrupts.
func (s *shell) cont(ctx context.Context, timeout time.Duration) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	s.lastHit = nil
	for s.lastHit == nil {
		if ctx.Err() != nil {
			return s.printf("Stopped without a breakpoint hit\n")
		}
		if _, err := s.dbg.HandleNextEvent(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return s.printf("Stopped without a breakpoint hit\n")
			}
			return err
		}
	}
	return nil
}

func (s *shell) regs(args []string) error {
	var threads []ThreadRegisters
	if len(args) == 0 {
		all, err := dumpRegisters(s.dbg)
		if err != nil {
			return err
		}
		threads = all
	} else {
		tid, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid tid %q", args[0])
		}
		regs, err := s.dbg.Registers.ByID(tid)
		if err != nil {
			return err
		}
		threads = []ThreadRegisters{{TID: tid, Registers: regs}}
	}

	out, err := s.formatter.FormatRegisters(threads)
	if err != nil {
		return err
	}
	return s.printf("%s", out)
}

func (s *shell) setReg(tidArg, name, valueArg string) error {
	tid, err := strconv.Atoi(tidArg)
	if err != nil {
		return fmt.Errorf("invalid tid %q", tidArg)
	}
	value, err := ParseAddress(valueArg)
	if err != nil {
		return err
	}

	regs, err := s.dbg.Registers.ByID(tid)
	if err != nil {
		return err
	}
	field := registerField(regs, name)
	if field == nil {
		return fmt.Errorf("unknown register %q", name)
	}
	*field = value
	if err := s.dbg.Registers.SetByID(tid, regs); err != nil {
		return err
	}
	return s.printf("%s = %#x\n", strings.ToLower(name), value)
}

// registerField returns a pointer to the named register of r, or nil.
func registerField(r *osdebug.Registers, name string) *uint64 {
	fields := map[string]*uint64{
		"rax": &r.Rax, "rbx": &r.Rbx, "rcx": &r.Rcx, "rdx": &r.Rdx,
		"rsi": &r.Rsi, "rdi": &r.Rdi, "rbp": &r.Rbp, "rsp": &r.Rsp,
		"r8": &r.R8, "r9": &r.R9, "r10": &r.R10, "r11": &r.R11,
		"r12": &r.R12, "r13": &r.R13, "r14": &r.R14, "r15": &r.R15,
		"rip": &r.Rip, "eflags": &r.Eflags,
		"dr0": &r.Dr[0], "dr1": &r.Dr[1], "dr2": &r.Dr[2], "dr3": &r.Dr[3],
		"dr6": &r.Dr6, "dr7": &r.Dr7,
	}
	return fields[strings.ToLower(name)]
}

// resolveTarget parses an address or a module!symbol reference.
func (s *shell) resolveTarget(arg string) (uint64, error) {
	if strings.Contains(arg, "!") {
		fn, err := ParseFunctionSpec(arg)
		if err != nil {
			return 0, err
		}
		return s.dbg.ResolveFunction(fn.Module, fn.Symbol)
	}
	return ParseAddress(arg)
}

func (s *shell) printf(format string, a ...interface{}) error {
	_, err := fmt.Fprintf(s.out, format, a...)
	return err
}

func needArgs(args []string, n int, usage string) error {
	if len(args) < n {
		return fmt.Errorf("usage: %s", usage)
	}
	return nil
}

// hexDump renders data in 16 byte rows labelled with target addresses.
func hexDump(addr uint64, data []byte) string {
	var b strings.Builder
	for off := 0; off < len(data); off += 16 {
		row := data[off:min(off+16, len(data))]
		fmt.Fprintf(&b, "%016x  %-47s  %s\n", addr+uint64(off), spaced(row), printable(row))
	}
	return b.String()
}

func spaced(row []byte) string {
	parts := make([]string, len(row))
	for i, c := range row {
		parts[i] = hex.EncodeToString([]byte{c})
	}
	return strings.Join(parts, " ")
}

func printable(row []byte) string {
	out := make([]byte, len(row))
	for i, c := range row {
		if c >= 0x20 && c < 0x7f {
			out[i] = c
		} else {
			out[i] = '.'
		}
	}
	return string(out)
}
