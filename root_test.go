package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Global flag reset pattern: newRootCmd() binds flags via StringVar/BoolVar,
// which reset the global flag variables to their zero values. Tests must
// either set globals AFTER newRootCmd() returns (direct function tests) or
// use cmd.SetArgs() + cmd.Execute() and let Cobra parse flags (integration
// tests). Setting a global before newRootCmd() and expecting it to survive
// is a bug.

// resetGlobals snapshots the package globals and restores them when the
// test finishes.
func resetGlobals(t *testing.T) {
	t.Helper()

	oldConfigPath := flagConfigPath
	oldDevice := flagDevice
	oldDBPath := flagDBPath
	oldJSON := flagJSON
	oldVerbose := flagVerbose
	oldQuiet := flagQuiet
	oldResolved := resolvedCfg

	t.Cleanup(func() {
		flagConfigPath = oldConfigPath
		flagDevice = oldDevice
		flagDBPath = oldDBPath
		flagJSON = oldJSON
		flagVerbose = oldVerbose
		flagQuiet = oldQuiet
		resolvedCfg = oldResolved
	})

	flagConfigPath = ""
	flagDevice = ""
	flagDBPath = ""
	flagJSON = false
	flagVerbose = false
	flagQuiet = false
	resolvedCfg = nil
}

// writeCLIConfig writes a complete valid config file under dir and returns
// its path. baseURL points the API at a test server; tests that never touch
// the network pass a placeholder.
func writeCLIConfig(t *testing.T, dir, baseURL string) string {
	t.Helper()

	content := `
community = "Transcore"

[api]
base_url = "` + baseURL + `"
key = "test-key"

[mirror]
db_path = "` + filepath.Join(dir, "mirror.db") + `"

[reader]
device = "` + filepath.Join(dir, "ttyV0") + `"

[relay]
tool = "true"
board_serial = "0007252401"
board_model = "4v2"

[logging]
level = "error"

[[site]]
street = "Harvey House"
relay = 2

[[site]]
street = "Jones House"
relay = 1
default = true
`

	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestNewRootCmd_RegistersSubcommands(t *testing.T) {
	resetGlobals(t)

	cmd := newRootCmd()

	assert.Equal(t, "edgegate", cmd.Use)
	assert.Equal(t, version, cmd.Version)

	var names []string
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}

	assert.Contains(t, names, "run")
	assert.Contains(t, names, "dump")
	assert.Contains(t, names, "open")
}

func TestLoadConfig_ResolvesFileAndFlags(t *testing.T) {
	resetGlobals(t)

	dir := t.TempDir()
	flagConfigPath = writeCLIConfig(t, dir, "https://resilive.example")
	flagDevice = "/dev/ttyACM3"

	require.NoError(t, loadConfig())
	require.NotNil(t, resolvedCfg)

	assert.Equal(t, "Transcore", resolvedCfg.Community)
	assert.Equal(t, "test-key", resolvedCfg.API.Key)

	// The --device flag wins over the config file.
	assert.Equal(t, "/dev/ttyACM3", resolvedCfg.Reader.Device)

	// Flags left untouched must not clobber configured values.
	assert.Equal(t, filepath.Join(dir, "mirror.db"), resolvedCfg.Mirror.DBPath)
}

func TestLoadConfig_ReportsValidationErrors(t *testing.T) {
	resetGlobals(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`community = "Transcore"`), 0o600))

	flagConfigPath = path

	err := loadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading config")
	assert.Contains(t, err.Error(), "api.base_url")
}

func TestRootCmd_RejectsUnknownConfigKey(t *testing.T) {
	resetGlobals(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`communty = "Transcore"`), 0o600))

	cmd := newRootCmd()
	cmd.SetArgs([]string{"dump", "--config", path})
	cmd.SetOut(os.Stderr)
	cmd.SetErr(os.Stderr)

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did you mean")
}

func TestBuildLogger_LevelFromConfig(t *testing.T) {
	resetGlobals(t)

	dir := t.TempDir()
	flagConfigPath = writeCLIConfig(t, dir, "https://resilive.example")
	require.NoError(t, loadConfig())

	resolvedCfg.Logging.Level = "warn"

	logger := buildLogger(resolvedCfg)

	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelWarn))
	assert.False(t, logger.Handler().Enabled(context.Background(), slog.LevelInfo))
}

func TestBuildLogger_VerboseOverridesConfig(t *testing.T) {
	resetGlobals(t)

	dir := t.TempDir()
	flagConfigPath = writeCLIConfig(t, dir, "https://resilive.example")
	require.NoError(t, loadConfig())

	resolvedCfg.Logging.Level = "error"
	flagVerbose = true

	logger := buildLogger(resolvedCfg)

	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelDebug))
}

func TestBuildLogger_QuietOverridesConfig(t *testing.T) {
	resetGlobals(t)

	dir := t.TempDir()
	flagConfigPath = writeCLIConfig(t, dir, "https://resilive.example")
	require.NoError(t, loadConfig())

	resolvedCfg.Logging.Level = "debug"
	flagQuiet = true

	logger := buildLogger(resolvedCfg)

	assert.False(t, logger.Handler().Enabled(context.Background(), slog.LevelWarn))
	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelError))
}

func TestBuildLogger_ExplicitFormats(t *testing.T) {
	resetGlobals(t)

	dir := t.TempDir()
	flagConfigPath = writeCLIConfig(t, dir, "https://resilive.example")
	require.NoError(t, loadConfig())

	resolvedCfg.Logging.Format = "json"
	assert.IsType(t, &slog.JSONHandler{}, buildLogger(resolvedCfg).Handler())

	resolvedCfg.Logging.Format = "text"
	assert.IsType(t, &slog.TextHandler{}, buildLogger(resolvedCfg).Handler())
}
