package validation

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/rendis/loom/pkg/schema"
)

// LoadDefinition reads a workflow definition from a YAML or JSON file. A
// missing id defaults to the file name without its extension. The definition
// is parsed only; callers validate it separately.
func LoadDefinition(path string) (*schema.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition, "reading workflow definition %s", path).WithCause(err)
	}

	def, err := ParseDefinition(data, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	if def.ID == "" {
		base := filepath.Base(path)
		def.ID = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return def, nil
}

// ParseDefinition decodes definition bytes. The extension selects the
// decoder: ".json" parses as JSON, everything else as strict YAML, so a
// misspelled field fails the load instead of silently vanishing.
func ParseDefinition(data []byte, ext string) (*schema.WorkflowDefinition, error) {
	var def schema.WorkflowDefinition
	var err error
	if strings.ToLower(ext) == ".json" {
		err = json.Unmarshal(data, &def)
	} else {
		err = yaml.UnmarshalWithOptions(data, &def, yaml.Strict())
	}
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeDefinition, "parsing workflow definition").WithCause(err)
	}
	return &def, nil
}
