package debug

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/pdbg/internal/cli/helpers"
	"github.com/coral-mesh/pdbg/internal/sys/proc"
)

// NewThreadsCmd creates the threads command.
func NewThreadsCmd(g *helpers.Globals) *cobra.Command {
	return &cobra.Command{
		Use:   "threads <pid>",
		Short: "List the threads of a process",
		Long: `List the thread IDs of a process without attaching to it.

Examples:
  pdbg threads 4321
  pdbg threads 4321 -o json`,
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

			a, err := openFacility(cmd, g)
			if err != nil {
				return err
			}
			defer a.close()

			tids, err := a.os.ListThreads(pid)
			if err != nil {
				return fmt.Errorf("failed to list threads of %d: %w", pid, err)
			}
			sort.Ints(tids)

			list := ThreadList{PID: pid, Threads: tids}
			if name := proc.ProcessName(cmd.Context(), pid); name != "" {
				list.Name = name
			}

			out, err := NewFormatter(format).FormatThreads(list)
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), out)
			return err
		},
	}
}
