package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/loom/pkg/schema"
)

func TestLoadConfig_Defaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LOOM_STATE_DIR", dir)

	cfg, err := loadConfig()
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.StateDir)
	assert.Equal(t, filepath.Join(dir, "loom.db"), cfg.DBPath)
	assert.Equal(t, filepath.Join(dir, "checkpoints"), cfg.CheckpointDir)
	assert.Equal(t, filepath.Join(dir, "templates"), cfg.TemplateDir)
	assert.Equal(t, filepath.Join(dir, "models.yaml"), cfg.CatalogPath)
	assert.Equal(t, filepath.Join(dir, "secrets.enc"), cfg.VaultPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "auto", cfg.LogFormat)
}

func TestLoadConfig_SettingsFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LOOM_STATE_DIR", dir)

	settings := `{"log_level":"debug","model_timeout_seconds":120,"catalog_path":"/etc/loom/models.yaml"}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"), []byte(settings), 0o644))

	cfg, err := loadConfig()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 120, cfg.ModelTimeoutSeconds)
	assert.Equal(t, "/etc/loom/models.yaml", cfg.CatalogPath)
	// Unset fields still derive from the state dir.
	assert.Equal(t, filepath.Join(dir, "loom.db"), cfg.DBPath)
}

func TestLoadConfig_EnvOverridesSettings(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LOOM_STATE_DIR", dir)
	t.Setenv("LOOM_LOG_LEVEL", "error")
	t.Setenv("LOOM_DB_PATH", "/tmp/elsewhere.db")

	settings := `{"log_level":"debug"}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"), []byte(settings), 0o644))

	cfg, err := loadConfig()
	require.NoError(t, err)

	assert.Equal(t, "error", cfg.LogLevel)
	assert.Equal(t, "/tmp/elsewhere.db", cfg.DBPath)
}

func TestLoadConfig_MalformedSettings(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LOOM_STATE_DIR", dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"), []byte("{not json"), 0o644))

	_, err := loadConfig()
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfig))
}

func TestLoadConfig_InvalidLogLevel(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LOOM_STATE_DIR", dir)
	t.Setenv("LOOM_LOG_LEVEL", "loud")

	_, err := loadConfig()
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfig))
}

func TestLoadConfig_NegativeTimeoutRejected(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LOOM_STATE_DIR", dir)

	settings := `{"model_timeout_seconds":-5}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"), []byte(settings), 0o644))

	_, err := loadConfig()
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfig))
}
