// Package constants defines shared configuration constants.
package constants

var (
	ConfigFile = "config.yaml"

	DefaultDir = ".pdbg"

	// ConfigEnvVar overrides the base directory holding DefaultDir.
	ConfigEnvVar = "PDBG_CONFIG"

	// HistoryFile is the readline history file for the interactive shell, relative to DefaultDir.
	HistoryFile = "history"

	DefaultShellPrompt = "pdbg> "
)
