package main

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"

	"github.com/rendis/loom/pkg/schema"
)

var validateConfig = validator.New(validator.WithRequiredStructEnabled())

// Config holds all loom CLI configuration.
// Priority: flags > env vars > settings.json > defaults.
type Config struct {
	StateDir      string `json:"state_dir" validate:"required"`
	DBPath        string `json:"db_path"`
	CheckpointDir string `json:"checkpoint_dir"`
	TemplateDir   string `json:"template_dir"`
	CatalogPath   string `json:"catalog_path"`
	VaultPath     string `json:"vault_path"`
	LogLevel      string `json:"log_level" validate:"oneof=debug info warn error"`
	LogFormat     string `json:"log_format" validate:"oneof=auto text json"`

	// ModelTimeoutSeconds caps one local generation; 0 uses the runner
	// default. MaxLoopIterations caps loop steps without max_iterations;
	// 0 uses the engine default.
	ModelTimeoutSeconds int `json:"model_timeout_seconds" validate:"min=0"`
	MaxLoopIterations   int `json:"max_loop_iterations" validate:"min=0"`
}

func defaultConfig() Config {
	return Config{
		StateDir:  loomDir(),
		LogLevel:  "info",
		LogFormat: "auto",
	}
}

func loomDir() string {
	if v := os.Getenv("LOOM_STATE_DIR"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".loom"
	}
	return filepath.Join(home, ".loom")
}

func settingsPath() string {
	return filepath.Join(loomDir(), "settings.json")
}

func loadConfig() (Config, error) {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, schema.NewErrorf(schema.ErrCodeConfig, "parsing %s", settingsPath()).WithCause(err)
		}
	}

	// Layer 3: env vars override.
	if v := os.Getenv("LOOM_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv("LOOM_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("LOOM_CHECKPOINT_DIR"); v != "" {
		cfg.CheckpointDir = v
	}
	if v := os.Getenv("LOOM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOOM_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}

	// Derive state file locations from the state dir when not set explicitly.
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.StateDir, "loom.db")
	}
	if cfg.CheckpointDir == "" {
		cfg.CheckpointDir = filepath.Join(cfg.StateDir, "checkpoints")
	}
	if cfg.TemplateDir == "" {
		cfg.TemplateDir = filepath.Join(cfg.StateDir, "templates")
	}
	if cfg.CatalogPath == "" {
		cfg.CatalogPath = filepath.Join(cfg.StateDir, "models.yaml")
	}
	if cfg.VaultPath == "" {
		cfg.VaultPath = filepath.Join(cfg.StateDir, "secrets.enc")
	}

	if err := validateConfig.Struct(cfg); err != nil {
		return cfg, schema.NewError(schema.ErrCodeConfig, "invalid configuration").WithCause(err)
	}
	return cfg, nil
}
