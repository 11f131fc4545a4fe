package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	configcmd "github.com/coral-mesh/pdbg/internal/cli/config"
	"github.com/coral-mesh/pdbg/internal/cli/debug"
	"github.com/coral-mesh/pdbg/internal/cli/helpers"
	"github.com/coral-mesh/pdbg/pkg/version"
)

// NewRootCmd builds the pdbg command tree on top of g.
func NewRootCmd(g *helpers.Globals) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pdbg",
		Short: "pdbg - user-mode process debugger",
		Long: `Attach to a running process and debug it from the outside.

Key capabilities:
- Software breakpoints: INT3 patched over an instruction or exported function
- Hardware breakpoints: the four debug register slots, on execute, write or access
- Memory breakpoints: guard pages over an arbitrary address range
- Register and thread inspection without stopping the process for long

The target is left as it was found: every breakpoint is removed before pdbg
detaches.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	g.AddFlags(rootCmd.PersistentFlags())

	for _, cmd := range debug.NewCommands(g) {
		rootCmd.AddCommand(cmd)
	}
	rootCmd.AddCommand(configcmd.NewConfigCmd(g))
	rootCmd.AddCommand(newVersionCmd(g))

	return rootCmd
}

func newVersionCmd(g *helpers.Globals) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := g.OutputFormat(helpers.FormatText, helpers.FormatJSON, helpers.FormatYAML)
			if err != nil {
				return err
			}

			info := version.Get()
			if format == helpers.FormatText {
				_, err := fmt.Fprint(cmd.OutOrStdout(), info.String())
				return err
			}
			formatter, err := helpers.NewFormatter(format)
			if err != nil {
				return err
			}
			return formatter.Format(info, cmd.OutOrStdout())
		},
	}
}

// Execute runs the root command
func Execute() error {
	return NewRootCmd(helpers.NewGlobals()).Execute()
}
