package debug

import (
	"github.com/spf13/cobra"

	"github.com/coral-mesh/pdbg/internal/cli/helpers"
)

// NewCommands creates the process debugging commands.
func NewCommands(g *helpers.Globals) []*cobra.Command {
	return []*cobra.Command{
		// Inspection
		NewRegsCmd(g),
		NewThreadsCmd(g),

		// Breakpoints
		NewRunCmd(g),
		NewShellCmd(g),
	}
}
