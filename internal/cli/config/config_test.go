package config

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/pdbg/internal/cli/helpers"
	"github.com/coral-mesh/pdbg/internal/config"
	"github.com/coral-mesh/pdbg/internal/constants"
)

// runConfig executes "pdbg config <args>" with PDBG_CONFIG pointing at dir.
func runConfig(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	t.Setenv(constants.ConfigEnvVar, dir)

	g := helpers.NewGlobals()
	g.LogOutput = io.Discard

	root := &cobra.Command{Use: "pdbg", SilenceUsage: true, SilenceErrors: true}
	g.AddFlags(root.PersistentFlags())
	root.AddCommand(NewConfigCmd(g))

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"config"}, args...))
	err := root.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, constants.DefaultDir, constants.ConfigFile)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestNewConfigCmd(t *testing.T) {
	cmd := NewConfigCmd(helpers.NewGlobals())

	assert.Equal(t, "config", cmd.Use)
	assert.NotEmpty(t, cmd.Short)

	var names []string
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"schema", "show", "init", "validate"}, names)
}

func TestSchemaCmd(t *testing.T) {
	out, err := runConfig(t, t.TempDir(), "schema")
	require.NoError(t, err)

	var schema map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &schema))
	props, ok := schema["properties"].(map[string]interface{})
	require.True(t, ok, "schema has no properties")
	assert.Contains(t, props, "debugger")
	assert.Contains(t, props, "logging")
	assert.Contains(t, props, "shell")
}

func TestInitCmd(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, constants.DefaultDir, constants.ConfigFile)

	out, err := runConfig(t, dir, "init")
	require.NoError(t, err)
	assert.Contains(t, out, path)
	require.FileExists(t, path)

	_, err = runConfig(t, dir, "init")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	_, err = runConfig(t, dir, "init", "--force")
	require.NoError(t, err)

	cfg, err := config.NewLayeredLoader().Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig().Debugger, cfg.Debugger)
}

func TestShowCmd(t *testing.T) {
	tests := []struct {
		name      string
		file      string
		args      []string
		wantLevel string
		wantWait  string
	}{
		{
			name:      "defaults",
			args:      []string{"-o", "json"},
			wantLevel: "info",
			wantWait:  "100ms",
		},
		{
			name:      "file values",
			file:      "version: \"1\"\nlogging:\n  level: debug\ndebugger:\n  wait_timeout: 250ms\n",
			args:      []string{"-o", "json"},
			wantLevel: "debug",
			wantWait:  "250ms",
		},
		{
			name:      "flag overrides file",
			file:      "version: \"1\"\nlogging:\n  level: debug\n",
			args:      []string{"-o", "json", "--log-level", "warn"},
			wantLevel: "warn",
			wantWait:  "100ms",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if tt.file != "" {
				writeConfig(t, dir, tt.file)
			}

			out, err := runConfig(t, dir, append([]string{"show"}, tt.args...)...)
			require.NoError(t, err)

			var cfg config.Config
			require.NoError(t, json.Unmarshal([]byte(out), &cfg))
			assert.Equal(t, tt.wantLevel, cfg.Logging.Level)
			assert.Equal(t, tt.wantWait, cfg.Debugger.WaitTimeout.String())
		})
	}
}

func TestShowCmd_TextIsYAML(t *testing.T) {
	out, err := runConfig(t, t.TempDir(), "show")
	require.NoError(t, err)
	assert.Contains(t, out, "wait_timeout: 100ms")
	assert.Contains(t, out, "hardware_one_shot: true")
}

func TestShowCmd_InvalidLogLevel(t *testing.T) {
	_, err := runConfig(t, t.TempDir(), "show", "--log-level", "loud")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--log-level")
}

func TestValidateCmd(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("version: \"9\"\n"), 0o644))
	_, err := runConfig(t, dir, "validate", bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "version")

	good := writeConfig(t, dir, "version: \"1\"\ndebugger:\n  attach:\n    retries: 5\n")
	out, err := runConfig(t, dir, "validate")
	require.NoError(t, err)
	assert.Contains(t, out, good)

	// A bad override in the environment fails validation unless the file is
	// checked on its own.
	t.Setenv("PDBG_LOG_LEVEL", "loud")
	_, err = runConfig(t, dir, "validate")
	require.Error(t, err)

	out, err = runConfig(t, dir, "validate", "--ignore-env")
	require.NoError(t, err)
	assert.Contains(t, out, good)
}
