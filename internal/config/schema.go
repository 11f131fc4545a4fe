package config

import "time"

// Config is the pdbg configuration file (~/.pdbg/config.yaml).
type Config struct {
	Version  string         `yaml:"version" json:"version" jsonschema:"description=Config file format version,default=1"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
	Debugger DebuggerConfig `yaml:"debugger" json:"debugger"`
	Shell    ShellConfig    `yaml:"shell" json:"shell"`
}

// LoggingConfig controls the zerolog logger built by the CLI.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" env:"PDBG_LOG_LEVEL" jsonschema:"description=Minimum log level,enum=trace,enum=debug,enum=info,enum=warn,enum=error,default=info"`
	Pretty bool   `yaml:"pretty" json:"pretty" env:"PDBG_LOG_PRETTY" jsonschema:"description=Human readable console output instead of JSON"`
}

// DebuggerConfig configures the debugging engine.
type DebuggerConfig struct {
	// WaitTimeout bounds a single wait for a debug event. Zero blocks.
	WaitTimeout time.Duration `yaml:"wait_timeout" json:"wait_timeout" env:"PDBG_WAIT_TIMEOUT" jsonschema:"type=string,description=Timeout of one debug event wait (0 blocks),default=100ms"`
	Attach      AttachConfig  `yaml:"attach" json:"attach"`
	Policy      PolicyConfig  `yaml:"policy" json:"policy"`
}

// AttachConfig controls retries of transient attach failures.
type AttachConfig struct {
	Retries    int           `yaml:"retries" json:"retries" env:"PDBG_ATTACH_RETRIES" jsonschema:"description=Attach attempts on transient errors,minimum=1,default=3"`
	Backoff    time.Duration `yaml:"backoff" json:"backoff" env:"PDBG_ATTACH_BACKOFF" jsonschema:"type=string,description=Initial backoff between attach attempts,default=50ms"`
	MaxBackoff time.Duration `yaml:"max_backoff" json:"max_backoff" env:"PDBG_ATTACH_MAX_BACKOFF" jsonschema:"type=string,description=Upper bound of the attach backoff,default=1s"`
}

// PolicyConfig decides what happens after a breakpoint fires.
type PolicyConfig struct {
	SoftwareRearm   bool `yaml:"software_rearm" json:"software_rearm" env:"PDBG_SOFTWARE_REARM" jsonschema:"description=Re-arm software breakpoints after the patched instruction executes"`
	HardwareOneShot bool `yaml:"hardware_one_shot" json:"hardware_one_shot" env:"PDBG_HARDWARE_ONE_SHOT" jsonschema:"description=Remove a hardware breakpoint after its first hit,default=true"`
	GuardRearm      bool `yaml:"guard_rearm" json:"guard_rearm" env:"PDBG_GUARD_REARM" jsonschema:"description=Keep memory breakpoints armed after a hit"`
}

// ShellConfig configures the interactive shell.
type ShellConfig struct {
	HistoryFile string `yaml:"history_file,omitempty" json:"history_file,omitempty" env:"PDBG_HISTORY_FILE" jsonschema:"description=Readline history file (defaults to ~/.pdbg/history)"`
	Prompt      string `yaml:"prompt" json:"prompt" jsonschema:"default=pdbg> "`
}
