// Package runner invokes text-generation models selected through the model
// catalog: local subprocess commands and OpenAI-compatible chat completions
// endpoints.
package runner

import (
	"context"
	"sync"
	"time"

	"dario.cat/mergo"
	"github.com/openai/openai-go"

	"github.com/rendis/loom/internal/engine"
	"github.com/rendis/loom/pkg/schema"
)

// SecretSource resolves named secrets for remote credentials. Satisfied by
// the secrets vault.
type SecretSource interface {
	Resolve(ctx context.Context, key string) ([]byte, error)
}

// Config holds runner tunables.
type Config struct {
	Timeout       time.Duration // wall clock cap per local generation; 0 means 5m
	MaxOutputSize int64         // local stdout/stderr capture cap; 0 means 10MB
}

// Runner dispatches generation requests to catalog entries.
type Runner struct {
	catalog *Catalog
	secrets SecretSource
	cfg     Config

	mu      sync.Mutex
	clients map[string]openai.Client
}

var _ engine.ModelRunner = (*Runner)(nil)

// New creates a Runner over a loaded catalog. secrets may be nil when no
// entry uses api_key_secret.
func New(catalog *Catalog, secrets SecretSource, cfg Config) *Runner {
	return &Runner{
		catalog: catalog,
		secrets: secrets,
		cfg:     cfg,
		clients: make(map[string]openai.Client),
	}
}

// Catalog returns the catalog the runner selects from.
func (r *Runner) Catalog() *Catalog {
	return r.catalog
}

// Generate resolves the requested model and invokes its backend. The result
// carries the catalog entry id, so callers see which model "auto" picked.
// Entry defaults fill params the request leaves unset; local commands do not
// consume sampling params.
func (r *Runner) Generate(ctx context.Context, req *engine.GenerateRequest) (*engine.GenerateResult, error) {
	entry, err := r.catalog.Resolve(req.Model)
	if err != nil {
		return nil, err
	}

	params := make(map[string]any, len(req.Params)+len(entry.Defaults))
	for k, v := range req.Params {
		params[k] = v
	}
	if err := mergo.Merge(&params, entry.Defaults); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "model %q: merging default params", entry.ID).WithCause(err)
	}

	switch entry.Kind {
	case KindLocal:
		return r.generateLocal(ctx, entry, req)
	case KindOpenAI:
		return r.generateOpenAI(ctx, entry, req, params)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "model %q: unknown kind %q", entry.ID, entry.Kind)
	}
}
