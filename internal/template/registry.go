// Package template loads reusable prompt templates from the state directory
// and renders them for template steps. Slots use the same {{name}} grammar
// as workflow substitution.
package template

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/rendis/loom/internal/engine"
	"github.com/rendis/loom/internal/expressions"
	"github.com/rendis/loom/pkg/schema"
)

// Template is one reusable prompt definition, stored as
// <dir>/<id>.yaml (or .json).
type Template struct {
	ID          string         `yaml:"id" json:"id"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	Text        string         `yaml:"text" json:"text"`
	System      string         `yaml:"system,omitempty" json:"system,omitempty"`
	Variables   []string       `yaml:"variables,omitempty" json:"variables,omitempty"` // required binding names
	Model       string         `yaml:"model,omitempty" json:"model,omitempty"`
	Params      map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
}

// Registry holds the templates loaded from one directory.
type Registry struct {
	dir       string
	templates map[string]*Template
}

// LoadRegistry reads every template file in dir. A missing directory yields
// an empty registry, not an error: templates are optional.
func LoadRegistry(dir string) (*Registry, error) {
	reg := &Registry{dir: dir, templates: make(map[string]*Template)}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return reg, nil
		}
		return nil, schema.NewErrorf(schema.ErrCodeTemplate, "reading template directory %s", dir).WithCause(err)
	}

	for _, entry := range entries {
		name := entry.Name()
		ext := strings.ToLower(filepath.Ext(name))
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml" && ext != ".json") {
			continue
		}
		tmpl, err := parseFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if tmpl.ID == "" {
			tmpl.ID = strings.TrimSuffix(name, ext)
		}
		if _, dup := reg.templates[tmpl.ID]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeTemplate, "duplicate template id %q in %s", tmpl.ID, dir)
		}
		reg.templates[tmpl.ID] = tmpl
	}
	return reg, nil
}

func parseFile(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTemplate, "reading template %s", path).WithCause(err)
	}

	var tmpl Template
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		err = json.Unmarshal(data, &tmpl)
	} else {
		err = yaml.UnmarshalWithOptions(data, &tmpl, yaml.Strict())
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTemplate, "parsing template %s", path).WithCause(err)
	}
	if strings.TrimSpace(tmpl.Text) == "" {
		return nil, schema.NewErrorf(schema.ErrCodeTemplate, "template %s has no text", path)
	}
	return &tmpl, nil
}

// Get returns a template by id.
func (r *Registry) Get(id string) (*Template, error) {
	tmpl, ok := r.templates[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "template not found: %s", id)
	}
	return tmpl, nil
}

// Has reports whether the id names a loaded template. Satisfies the
// validation template lookup.
func (r *Registry) Has(id string) bool {
	_, ok := r.templates[id]
	return ok
}

// List returns all loaded templates sorted by id.
func (r *Registry) List() []*Template {
	out := make([]*Template, 0, len(r.templates))
	for _, tmpl := range r.templates {
		out = append(out, tmpl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Render fills a template's slots from the given bindings. Every name the
// template declares in variables must be bound; slots referenced in the text
// but not bound fail the same way workflow substitution does.
func (r *Registry) Render(ctx context.Context, id string, bindings map[string]string) (*engine.RenderedTemplate, error) {
	tmpl, ok := r.templates[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeTemplate, "template not found: %s", id)
	}

	var missing []string
	for _, name := range tmpl.Variables {
		if _, bound := bindings[name]; !bound {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, schema.NewErrorf(schema.ErrCodeTemplate,
			"template %q missing bindings: %s", id, strings.Join(missing, ", "))
	}

	seed := make(map[string]any, len(bindings))
	for name, val := range bindings {
		seed[name] = val
	}
	interp := expressions.NewInterpolator(expressions.NewVarStore(seed))

	prompt, err := interp.Substitute(tmpl.Text)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTemplate, "rendering template %q", id).WithCause(err)
	}
	system, err := interp.Substitute(tmpl.System)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTemplate, "rendering template %q system text", id).WithCause(err)
	}

	return &engine.RenderedTemplate{
		Prompt: prompt,
		System: system,
		Model:  tmpl.Model,
		Params: tmpl.Params,
	}, nil
}
