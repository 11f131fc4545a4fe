package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, SchemaVersion, cfg.Version)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 100*time.Millisecond, cfg.Debugger.WaitTimeout)
	assert.Equal(t, 3, cfg.Debugger.Attach.Retries)
	assert.Equal(t, 50*time.Millisecond, cfg.Debugger.Attach.Backoff)
	assert.Equal(t, time.Second, cfg.Debugger.Attach.MaxBackoff)
	assert.False(t, cfg.Debugger.Policy.SoftwareRearm)
	assert.True(t, cfg.Debugger.Policy.HardwareOneShot)
	assert.False(t, cfg.Debugger.Policy.GuardRearm)
	assert.Equal(t, "pdbg> ", cfg.Shell.Prompt)
	require.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Config)
		wantErr  bool
		errField string
	}{
		{
			name:   "defaults",
			mutate: func(*Config) {},
		},
		{
			name:     "missing version",
			mutate:   func(c *Config) { c.Version = "" },
			wantErr:  true,
			errField: "version",
		},
		{
			name:     "unsupported version",
			mutate:   func(c *Config) { c.Version = "2" },
			wantErr:  true,
			errField: "version",
		},
		{
			name:     "unknown log level",
			mutate:   func(c *Config) { c.Logging.Level = "verbose" },
			wantErr:  true,
			errField: "logging.level",
		},
		{
			name:     "negative wait timeout",
			mutate:   func(c *Config) { c.Debugger.WaitTimeout = -time.Second },
			wantErr:  true,
			errField: "debugger.wait_timeout",
		},
		{
			name:   "blocking wait",
			mutate: func(c *Config) { c.Debugger.WaitTimeout = 0 },
		},
		{
			name:     "zero attach retries",
			mutate:   func(c *Config) { c.Debugger.Attach.Retries = 0 },
			wantErr:  true,
			errField: "debugger.attach.retries",
		},
		{
			name: "max backoff below backoff",
			mutate: func(c *Config) {
				c.Debugger.Attach.Backoff = time.Second
				c.Debugger.Attach.MaxBackoff = time.Millisecond
			},
			wantErr:  true,
			errField: "debugger.attach.max_backoff",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}

			require.Error(t, err)
			var multi *MultiValidationError
			require.ErrorAs(t, err, &multi)
			fields := make([]string, 0, len(multi.Errors))
			for _, e := range multi.Errors {
				fields = append(fields, e.Field)
			}
			assert.Contains(t, fields, tt.errField)
		})
	}
}

func TestMultiValidationError_Error(t *testing.T) {
	single := &MultiValidationError{Errors: []ValidationError{{Field: "version", Message: "version is required"}}}
	assert.Equal(t, "version: version is required", single.Error())

	multi := &MultiValidationError{Errors: []ValidationError{
		{Field: "a", Message: "bad"},
		{Field: "b", Message: "worse"},
	}}
	assert.Contains(t, multi.Error(), "validation failed with 2 errors")
	assert.Contains(t, multi.Error(), "2. b: worse")

	assert.Equal(t, "no validation errors", (&MultiValidationError{}).Error())
}

func TestLoader_LoadMissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	loader := NewLoaderAt(dir, zerolog.Nop())

	cfg, err := loader.Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultConfig().Debugger, cfg.Debugger)
	assert.Equal(t, filepath.Join(dir, ".pdbg", "history"), cfg.Shell.HistoryFile)
}

func TestLoader_LoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	loader := NewLoaderAt(dir, zerolog.Nop())

	require.NoError(t, os.MkdirAll(loader.Dir(), 0o755))
	content := `version: "1"
logging:
  level: debug
debugger:
  wait_timeout: 250ms
  attach:
    retries: 5
  policy:
    guard_rearm: true
shell:
  prompt: "dbg> "
`
	require.NoError(t, os.WriteFile(loader.ConfigPath(), []byte(content), 0o600))

	cfg, err := loader.Load("")
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 250*time.Millisecond, cfg.Debugger.WaitTimeout)
	assert.Equal(t, 5, cfg.Debugger.Attach.Retries)
	// Keys absent from the file keep their defaults.
	assert.Equal(t, 50*time.Millisecond, cfg.Debugger.Attach.Backoff)
	assert.True(t, cfg.Debugger.Policy.HardwareOneShot)
	assert.True(t, cfg.Debugger.Policy.GuardRearm)
	assert.Equal(t, "dbg> ", cfg.Shell.Prompt)
}

func TestLoader_LoadExplicitPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: \"1\"\nlogging:\n  level: warn\n"), 0o600))

	cfg, err := NewLoaderAt(t.TempDir(), zerolog.Nop()).Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoader_LoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errMsg  string
	}{
		{name: "malformed yaml", content: "debugger: [", errMsg: "failed to parse YAML"},
		{name: "invalid values", content: "version: \"1\"\ndebugger:\n  attach:\n    retries: 0\n", errMsg: "debugger.attach.retries"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))

			_, err := NewLoaderAt(t.TempDir(), zerolog.Nop()).Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestLoader_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	loader := NewLoaderAt(dir, zerolog.Nop())
	require.NoError(t, os.MkdirAll(loader.Dir(), 0o755))
	require.NoError(t, os.WriteFile(loader.ConfigPath(), []byte("version: \"1\"\ndebugger:\n  wait_timeout: 1s\n"), 0o600))

	t.Setenv("PDBG_WAIT_TIMEOUT", "5ms")
	t.Setenv("PDBG_HARDWARE_ONE_SHOT", "false")

	cfg, err := loader.Load("")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Millisecond, cfg.Debugger.WaitTimeout)
	assert.False(t, cfg.Debugger.Policy.HardwareOneShot)
}

func TestLoader_SaveRoundTrip(t *testing.T) {
	loader := NewLoaderAt(t.TempDir(), zerolog.Nop())

	cfg := DefaultConfig()
	cfg.Debugger.Policy.SoftwareRearm = true
	cfg.Debugger.WaitTimeout = 2 * time.Second
	require.NoError(t, loader.Save(cfg))

	data, err := os.ReadFile(loader.ConfigPath())
	require.NoError(t, err)
	assert.Contains(t, string(data), "wait_timeout: 2s")

	loaded, err := loader.Load("")
	require.NoError(t, err)
	assert.True(t, loaded.Debugger.Policy.SoftwareRearm)
	assert.Equal(t, 2*time.Second, loaded.Debugger.WaitTimeout)
}

func TestNewLoader_EnvBaseDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PDBG_CONFIG", dir)

	loader := NewLoader(zerolog.Nop())
	assert.Equal(t, filepath.Join(dir, ".pdbg", "config.yaml"), loader.ConfigPath())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PDBG_LOG_LEVEL", "error")
	t.Setenv("PDBG_LOG_PRETTY", "true")
	t.Setenv("PDBG_ATTACH_RETRIES", "7")
	t.Setenv("PDBG_ATTACH_BACKOFF", "10ms")
	t.Setenv("PDBG_GUARD_REARM", "1")

	cfg := DefaultConfig()
	require.NoError(t, LoadFromEnv(cfg))

	assert.Equal(t, "error", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Pretty)
	assert.Equal(t, 7, cfg.Debugger.Attach.Retries)
	assert.Equal(t, 10*time.Millisecond, cfg.Debugger.Attach.Backoff)
	assert.True(t, cfg.Debugger.Policy.GuardRearm)
}

func TestLoadFromEnv_InvalidValues(t *testing.T) {
	tests := []struct {
		name   string
		envVar string
		value  string
		errMsg string
	}{
		{name: "duration", envVar: "PDBG_WAIT_TIMEOUT", value: "soon", errMsg: "invalid duration"},
		{name: "integer", envVar: "PDBG_ATTACH_RETRIES", value: "many", errMsg: "invalid integer"},
		{name: "boolean", envVar: "PDBG_GUARD_REARM", value: "maybe", errMsg: "invalid boolean"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.envVar, tt.value)

			err := LoadFromEnv(DefaultConfig())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
			assert.Contains(t, err.Error(), tt.envVar)
		})
	}
}

func TestLayeredLoader_DisabledLayers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o600))
	t.Setenv("PDBG_LOG_LEVEL", "error")

	l := NewLayeredLoader()
	l.DisableLayer(LayerEnv)
	cfg, err := l.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)

	l.DisableLayer(LayerFile)
	l.DisableLayer(LayerDefaults)
	cfg, err = l.Load(path)
	require.NoError(t, err)
	assert.Empty(t, cfg.Logging.Level)

	l = NewLayeredLoader()
	l.DisableLayer(LayerFile)
	l.DisableLayer(LayerDefaults)
	cfg, err = l.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.Logging.Level)
}

func TestJSONSchema(t *testing.T) {
	data, err := JSONSchema()
	require.NoError(t, err)

	var schema map[string]any
	require.NoError(t, json.Unmarshal(data, &schema))
	assert.Equal(t, "pdbg configuration", schema["title"])

	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "debugger")
	assert.Contains(t, props, "logging")
	assert.NotContains(t, string(data), "$defs")
}
