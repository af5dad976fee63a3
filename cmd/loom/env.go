package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/rendis/loom/internal/app"
	"github.com/rendis/loom/internal/checkpoint"
	"github.com/rendis/loom/internal/engine"
	"github.com/rendis/loom/internal/events"
	"github.com/rendis/loom/internal/logging"
	"github.com/rendis/loom/internal/runner"
	"github.com/rendis/loom/internal/secrets"
	"github.com/rendis/loom/internal/store"
	"github.com/rendis/loom/internal/template"
	"github.com/rendis/loom/internal/validation"
	"github.com/rendis/loom/pkg/schema"
)

// env is the wired application for one CLI invocation.
type env struct {
	cfg         Config
	logger      *slog.Logger
	store       *store.LibSQLStore
	checkpoints *checkpoint.Manager
	catalog     *runner.Catalog
	registry    *template.Registry
	hub         *events.MemoryHub
	app         *app.App
}

// buildEnv wires the full run pipeline: config, logging, history store,
// checkpoint manager, model catalog, template registry, validator, and the
// app. The returned cleanup closes the history store.
func buildEnv(ctx context.Context, cmd *cli.Command) (*env, func(), error) {
	cfg, logger, err := loadBase(cmd)
	if err != nil {
		return nil, nil, err
	}

	// First run: the state dir (and a custom DB location) may not exist yet.
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, nil, schema.NewErrorf(schema.ErrCodeConfig, "creating state directory %s", cfg.StateDir).WithCause(err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, nil, schema.NewErrorf(schema.ErrCodeConfig, "creating database directory").WithCause(err)
	}

	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, nil, err
	}

	mgr, err := checkpoint.NewManager(cfg.CheckpointDir)
	if err != nil {
		_ = st.Close()
		return nil, nil, err
	}

	catalog, err := runner.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		_ = st.Close()
		return nil, nil, err
	}
	registry, err := template.LoadRegistry(cfg.TemplateDir)
	if err != nil {
		_ = st.Close()
		return nil, nil, err
	}

	wv, err := validation.NewWorkflowValidator(catalog, registry)
	if err != nil {
		_ = st.Close()
		return nil, nil, err
	}

	gen := runner.New(catalog, &lazyVault{path: cfg.VaultPath, dir: cfg.StateDir}, runner.Config{
		Timeout: time.Duration(cfg.ModelTimeoutSeconds) * time.Second,
	})

	hub := events.NewMemoryHub()
	application := app.New(app.Deps{
		Runner:      gen,
		Templates:   registry,
		Validator:   wv,
		Checkpoints: mgr,
		History:     st,
		Hub:         hub,
		Logger:      logger,
		Engine:      engine.Config{MaxLoopIterations: cfg.MaxLoopIterations},
	})

	e := &env{
		cfg:         cfg,
		logger:      logger,
		store:       st,
		checkpoints: mgr,
		catalog:     catalog,
		registry:    registry,
		hub:         hub,
		app:         application,
	}
	cleanup := func() {
		if err := st.Close(); err != nil {
			logger.Warn("closing history store failed", "error", err)
		}
	}
	return e, cleanup, nil
}

// loadBase resolves config and the logger without touching state files.
// Commands that only read definitions (validate, graph, templates) use it
// directly instead of buildEnv.
func loadBase(cmd *cli.Command) (Config, *slog.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return cfg, nil, err
	}
	if v := cmd.String("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v := cmd.String("log-format"); v != "" {
		cfg.LogFormat = v
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	return cfg, logger, nil
}

// openVault opens the secrets vault eagerly, for the secrets commands.
func openVault(cfg Config) (*secrets.FileVault, error) {
	kc, err := secrets.LoadKeyConfig(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	return secrets.NewFileVault(cfg.VaultPath, kc)
}

// lazyVault defers opening the secrets vault until a catalog entry actually
// resolves an api_key_secret. Runs that never touch a vault-backed model
// work without a vault key.
type lazyVault struct {
	path string
	dir  string

	mu    sync.Mutex
	vault *secrets.FileVault
}

func (l *lazyVault) Resolve(ctx context.Context, key string) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.vault == nil {
		kc, err := secrets.LoadKeyConfig(l.dir)
		if err != nil {
			return nil, err
		}
		v, err := secrets.NewFileVault(l.path, kc)
		if err != nil {
			return nil, err
		}
		l.vault = v
	}
	return l.vault.Resolve(ctx, key)
}
