// Package config implements the 'pdbg config' command family.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/pdbg/internal/cli/helpers"
	"github.com/coral-mesh/pdbg/internal/config"
	"github.com/coral-mesh/pdbg/internal/constants"
	"github.com/coral-mesh/pdbg/internal/logging"
)

// NewConfigCmd creates the config command and its subcommands.
func NewConfigCmd(g *helpers.Globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage pdbg configuration",
		Long: `Manage pdbg configuration.

Configuration Priority:
  1. Command line flags (--log-level, --log-pretty)
  2. PDBG_* environment variables
  3. Config file (~/.pdbg/config.yaml or --config)
  4. Built-in defaults

Environment Variables:
  PDBG_CONFIG  Override the directory holding .pdbg (default: home directory)`,
	}

	cmd.AddCommand(newSchemaCmd())
	cmd.AddCommand(newShowCmd(g))
	cmd.AddCommand(newInitCmd())
	cmd.AddCommand(newValidateCmd())

	return cmd
}

// newSchemaCmd creates the 'config schema' command.
func newSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON schema of the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := config.JSONSchema()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		},
	}
}

// newShowCmd creates the 'config show' command.
func newShowCmd(g *helpers.Globals) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Long: `Print the configuration after defaults, the config file, environment
variables and flags have been applied. Text output is YAML.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := g.OutputFormat(helpers.FormatText, helpers.FormatJSON, helpers.FormatYAML)
			if err != nil {
				return err
			}
			if format == helpers.FormatText {
				format = helpers.FormatYAML
			}

			cfg, _, err := g.Load(cmd)
			if err != nil {
				return err
			}

			formatter, err := helpers.NewFormatter(format)
			if err != nil {
				return err
			}
			return formatter.Format(cfg, cmd.OutOrStdout())
		},
	}
}

// newInitCmd creates the 'config init' command.
func newInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			loader := config.NewLoader(logging.New(logging.DefaultConfig()))
			path := loader.ConfigPath()

			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
			}

			if err := loader.Save(config.DefaultConfig()); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "✓ Wrote %s\n", path)
			return err
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")
	return cmd
}

// newValidateCmd creates the 'config validate' command.
func newValidateCmd() *cobra.Command {
	var ignoreEnv bool

	cmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a config file",
		Long: `Validate a config file. Without a path the file in the config directory
(` + "~/" + constants.DefaultDir + "/" + constants.ConfigFile + `) is checked.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loader := config.NewLoader(logging.New(logging.DefaultConfig()))
			path := loader.ConfigPath()
			if len(args) == 1 {
				path = args[0]
			}

			load := loader.Load
			if ignoreEnv {
				load = loader.LoadFile
			}
			if _, err := load(path); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "✓ %s is valid\n", path)
			return err
		},
	}

	cmd.Flags().BoolVar(&ignoreEnv, "ignore-env", false, "Validate the file without PDBG_* environment overrides")
	return cmd
}
