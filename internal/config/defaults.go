package config

import (
	"github.com/coral-mesh/pdbg/internal/constants"
)

// SchemaVersion is the current config file format version.
const SchemaVersion = "1"

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{
		Version: SchemaVersion,
		Logging: LoggingConfig{
			Level:  constants.DefaultLogLevel,
			Pretty: false,
		},
		Debugger: DebuggerConfig{
			WaitTimeout: constants.DefaultWaitTimeout,
			Attach: AttachConfig{
				Retries:    constants.DefaultAttachRetries,
				Backoff:    constants.DefaultAttachBackoff,
				MaxBackoff: constants.DefaultAttachMaxBackoff,
			},
			Policy: PolicyConfig{
				SoftwareRearm:   false,
				HardwareOneShot: true,
				GuardRearm:      false,
			},
		},
		Shell: ShellConfig{
			Prompt: constants.DefaultShellPrompt,
		},
	}
}
