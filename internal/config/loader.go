// Package config provides configuration loading and management.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/coral-mesh/pdbg/internal/constants"
	"github.com/coral-mesh/pdbg/internal/privilege"
)

// Loader resolves the config directory and loads or saves the config file.
type Loader struct {
	homeDir string
	logger  zerolog.Logger
}

// NewLoader creates a new config loader.
// The base directory is resolved in this order:
//  1. PDBG_CONFIG environment variable.
//  2. Home directory of the invoking user (the original user under sudo).
//  3. /tmp/pdbg-fallback when no home directory exists.
func NewLoader(logger zerolog.Logger) *Loader {
	if baseDir := os.Getenv(constants.ConfigEnvVar); baseDir != "" {
		return &Loader{homeDir: baseDir, logger: logger}
	}

	if u, err := privilege.DetectOriginalUser(); err == nil && u.HomeDir != "" {
		return &Loader{homeDir: u.HomeDir, logger: logger}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		return &Loader{homeDir: homeDir, logger: logger}
	}

	return &Loader{homeDir: "/tmp/pdbg-fallback", logger: logger}
}

// NewLoaderAt creates a loader rooted at an explicit base directory.
func NewLoaderAt(baseDir string, logger zerolog.Logger) *Loader {
	return &Loader{homeDir: baseDir, logger: logger}
}

// Dir returns the pdbg directory (~/.pdbg).
func (l *Loader) Dir() string {
	return filepath.Join(l.homeDir, constants.DefaultDir)
}

// ConfigPath returns the path to the config file.
func (l *Loader) ConfigPath() string {
	return filepath.Join(l.Dir(), constants.ConfigFile)
}

// Load loads the config from ConfigPath, or from path when it is non-empty.
// Defaults are used for anything the file does not set; PDBG_* environment
// variables override the file. The result is validated.
func (l *Loader) Load(path string) (*Config, error) {
	return l.load(path, NewLayeredLoader())
}

// LoadFile is Load without the environment layer. It checks what the file
// itself configures.
func (l *Loader) LoadFile(path string) (*Config, error) {
	layers := NewLayeredLoader()
	layers.DisableLayer(LayerEnv)
	return l.load(path, layers)
}

func (l *Loader) load(path string, layers *LayeredLoader) (*Config, error) {
	if path == "" {
		path = l.ConfigPath()
	}

	cfg, err := layers.Load(path)
	if err != nil {
		return nil, err
	}

	if cfg.Shell.HistoryFile == "" {
		cfg.Shell.HistoryFile = filepath.Join(l.Dir(), constants.HistoryFile)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// Save writes cfg to ConfigPath.
func (l *Loader) Save(cfg *Config) error {
	path := l.ConfigPath()

	dir := filepath.Dir(path)
	//nolint:gosec // G301: Directory needs standard permissions for traversal
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Fix directory ownership if running as root via sudo.
	if privilege.IsRoot() {
		if err := privilege.FixFileOwnership(dir); err != nil {
			l.logger.Warn().Err(err).Str("path", dir).Msg("Failed to fix directory ownership")
		}
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	//nolint:gosec // G306: config file is not sensitive
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	if privilege.IsRoot() {
		if err := privilege.FixFileOwnership(path); err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to fix file ownership")
		}
	}

	return nil
}
