package helpers

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/coral-mesh/pdbg/internal/config"
	"github.com/coral-mesh/pdbg/internal/logging"
	"github.com/coral-mesh/pdbg/internal/osdebug"
)

// FacilityFactory opens the OS debug facility. The returned closer releases it.
type FacilityFactory func(logger zerolog.Logger) (osdebug.Facility, io.Closer, error)

// Globals holds the persistent flags shared by every command.
type Globals struct {
	ConfigPath string
	LogLevel   string
	LogPretty  bool
	Format     string

	// OpenFacility defaults to the ptrace facility.
	OpenFacility FacilityFactory
	// LogOutput defaults to os.Stderr.
	LogOutput io.Writer
}

// NewGlobals returns Globals backed by the native debug facility.
func NewGlobals() *Globals {
	return &Globals{
		OpenFacility: func(logger zerolog.Logger) (osdebug.Facility, io.Closer, error) {
			p, err := osdebug.NewPtrace(logger)
			if err != nil {
				return nil, nil, err
			}
			return p, p, nil
		},
	}
}

// AddFlags registers the persistent flags.
func (g *Globals) AddFlags(flags *pflag.FlagSet) {
	flags.StringVar(&g.ConfigPath, "config", "", "Config file (default ~/.pdbg/config.yaml)")
	flags.StringVar(&g.LogLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	flags.BoolVar(&g.LogPretty, "log-pretty", false, "Human readable logs (default when stderr is a terminal)")
	flags.StringVarP(&g.Format, "format", "o", string(FormatText), "Output format (text, json)")
}

// OutputFormat validates --format against supported.
func (g *Globals) OutputFormat(supported ...OutputFormat) (OutputFormat, error) {
	if len(supported) == 0 {
		supported = []OutputFormat{FormatText, FormatJSON}
	}
	if err := ValidateFormat(g.Format, supported); err != nil {
		return "", err
	}
	return OutputFormat(g.Format), nil
}

// Load reads the config file and applies flag overrides on top of it, then
// builds the logger. Flags win over PDBG_* variables, which win over the file.
func (g *Globals) Load(cmd *cobra.Command) (*config.Config, zerolog.Logger, error) {
	output := g.LogOutput
	if output == nil {
		output = os.Stderr
	}

	bootstrap := logging.NewWithComponent(logging.Config{Level: "warn", Pretty: isTerminal(output), Output: output}, "config")
	cfg, err := config.NewLoader(bootstrap).Load(g.ConfigPath)
	if err != nil {
		return nil, zerolog.Nop(), err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		if !logging.IsValidLevel(g.LogLevel) {
			return nil, zerolog.Nop(), fmt.Errorf("invalid --log-level %q", g.LogLevel)
		}
		cfg.Logging.Level = g.LogLevel
	}
	switch {
	case flags.Changed("log-pretty"):
		cfg.Logging.Pretty = g.LogPretty
	case !cfg.Logging.Pretty:
		cfg.Logging.Pretty = isTerminal(output)
	}

	logger := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
		Output: output,
	})
	return cfg, logger, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}
