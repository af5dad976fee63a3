package runner

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"
	"github.com/google/shlex"

	"github.com/rendis/loom/internal/engine"
	"github.com/rendis/loom/pkg/schema"
)

// CatalogFile is the conventional catalog name under the state directory.
const CatalogFile = "models.yaml"

// TagDefault marks the entry that "auto" resolves to.
const TagDefault = "default"

// ModelKind selects the invocation backend for a catalog entry.
type ModelKind string

const (
	KindLocal  ModelKind = "local"
	KindOpenAI ModelKind = "openai"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ModelEntry describes one runnable model. Local entries run a subprocess
// built from Command; openai entries call a chat completions endpoint.
type ModelEntry struct {
	ID   string    `yaml:"id" json:"id" validate:"required"`
	Kind ModelKind `yaml:"kind" json:"kind" validate:"required,oneof=local openai"`

	// Command is the local command template, tokenized with shell quoting
	// rules. Tokens may carry {{prompt}}, {{system}} and {{model}}
	// placeholders (written without inner spaces); when no token consumes
	// {{prompt}} the prompt is fed on stdin.
	Command string `yaml:"command,omitempty" json:"command,omitempty"`

	// BaseURL points openai entries at a compatible endpoint. Empty means
	// the SDK default (api.openai.com, or OPENAI_BASE_URL when exported).
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty" validate:"omitempty,url"`

	// APIKeyEnv and APIKeySecret name the credential source for openai
	// entries: an environment variable or a vault secret. At most one may
	// be set; with neither, the SDK falls back to OPENAI_API_KEY.
	APIKeyEnv    string `yaml:"api_key_env,omitempty" json:"api_key_env,omitempty"`
	APIKeySecret string `yaml:"api_key_secret,omitempty" json:"api_key_secret,omitempty"`

	// Model is the upstream model name sent to the backend. Empty means
	// the entry id doubles as the upstream name.
	Model string `yaml:"model,omitempty" json:"model,omitempty"`

	// Defaults are sampling params applied when a request does not set
	// them itself.
	Defaults map[string]any `yaml:"defaults,omitempty" json:"defaults,omitempty"`

	Tags []string `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// UpstreamModel returns the model name sent to the backend.
func (e *ModelEntry) UpstreamModel() string {
	if e.Model != "" {
		return e.Model
	}
	return e.ID
}

// HasTag reports whether the entry carries the given tag.
func (e *ModelEntry) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Catalog is the parsed model catalog. Entry order is meaningful: "auto"
// falls back to the first entry when none is tagged "default".
type Catalog struct {
	Models []ModelEntry `yaml:"models" json:"models" validate:"dive"`
}

// LoadCatalog reads and validates a models.yaml (or .json) catalog. A
// missing file yields an empty catalog, so a fresh install can still run
// workflows without model steps.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Catalog{}, nil
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "reading model catalog %s", path).WithCause(err)
	}

	cat := &Catalog{}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		if err := json.Unmarshal(data, cat); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeConfig, "parsing model catalog %s", path).WithCause(err)
		}
	case ".yaml", ".yml":
		if err := yaml.UnmarshalWithOptions(data, cat, yaml.Strict()); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeConfig, "parsing model catalog %s", path).WithCause(err)
		}
	default:
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "model catalog %s: unsupported extension %q", path, ext)
	}

	if err := cat.validate(); err != nil {
		return nil, err
	}
	return cat, nil
}

// Resolve maps a requested model id to a catalog entry. The empty string and
// "auto" select the first entry tagged "default", falling back to the first
// entry in catalog order.
func (c *Catalog) Resolve(id string) (*ModelEntry, error) {
	if len(c.Models) == 0 {
		return nil, schema.NewError(schema.ErrCodeConfig, "model catalog is empty")
	}
	if id == "" || id == engine.ModelAuto {
		for i := range c.Models {
			if c.Models[i].HasTag(TagDefault) {
				return &c.Models[i], nil
			}
		}
		return &c.Models[0], nil
	}
	if e, ok := c.Get(id); ok {
		return e, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "model %q not in catalog", id)
}

// Get returns the entry with the given id.
func (c *Catalog) Get(id string) (*ModelEntry, bool) {
	for i := range c.Models {
		if c.Models[i].ID == id {
			return &c.Models[i], true
		}
	}
	return nil, false
}

// Has reports whether the id names a catalog entry. "auto" counts whenever
// the catalog is non-empty. Satisfies the validation model lookup.
func (c *Catalog) Has(id string) bool {
	if id == engine.ModelAuto {
		return len(c.Models) > 0
	}
	_, ok := c.Get(id)
	return ok
}

// List returns the entries in catalog order.
func (c *Catalog) List() []ModelEntry {
	out := make([]ModelEntry, len(c.Models))
	copy(out, c.Models)
	return out
}

func (c *Catalog) validate() error {
	if err := validate.Struct(c); err != nil {
		return schema.NewErrorf(schema.ErrCodeConfig, "model catalog: %v", err)
	}

	seen := make(map[string]bool, len(c.Models))
	for i := range c.Models {
		e := &c.Models[i]
		if e.ID == engine.ModelAuto {
			return schema.NewErrorf(schema.ErrCodeConfig, "model id %q is reserved", engine.ModelAuto)
		}
		if seen[e.ID] {
			return schema.NewErrorf(schema.ErrCodeConfig, "duplicate model id %q", e.ID)
		}
		seen[e.ID] = true

		if e.APIKeyEnv != "" && e.APIKeySecret != "" {
			return schema.NewErrorf(schema.ErrCodeConfig, "model %q: api_key_env and api_key_secret are mutually exclusive", e.ID)
		}
		if e.Kind == KindLocal {
			if e.Command == "" {
				return schema.NewErrorf(schema.ErrCodeConfig, "model %q: local entries need a command", e.ID)
			}
			if err := validateCommand(e.Command); err != nil {
				return schema.NewErrorf(schema.ErrCodeConfig, "model %q: %v", e.ID, err).WithCause(err)
			}
		}
	}
	return nil
}

// validateCommand checks that the command template tokenizes and references
// only the placeholders the local runner provides.
func validateCommand(command string) error {
	tokens, err := shlex.Split(command)
	if err != nil {
		return err
	}
	if len(tokens) == 0 {
		return errors.New("empty command")
	}
	interp := commandInterpolator("", "", "")
	for _, tok := range tokens {
		if _, err := interp.Substitute(tok); err != nil {
			return err
		}
	}
	return nil
}
