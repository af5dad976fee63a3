// Package batch runs flat prompt lists sequentially with periodic
// checkpoints, so large jobs survive interruption and resume without
// re-invoking settled items.
package batch

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/google/uuid"

	"github.com/rendis/loom/pkg/schema"
)

// jobDoc is the structured input form: job-level settings plus an items
// array of strings or {prompt, params} objects.
type jobDoc struct {
	Name               string              `yaml:"name,omitempty" json:"name,omitempty"`
	Model              string              `yaml:"model,omitempty" json:"model,omitempty"`
	System             string              `yaml:"system,omitempty" json:"system,omitempty"`
	Params             map[string]any      `yaml:"params,omitempty" json:"params,omitempty"`
	PromptTemplate     string              `yaml:"prompt_template,omitempty" json:"prompt_template,omitempty"`
	CheckpointInterval int                 `yaml:"checkpoint_interval,omitempty" json:"checkpoint_interval,omitempty"`
	StopAfterFailures  int                 `yaml:"stop_after_failures,omitempty" json:"stop_after_failures,omitempty"`
	OnError            schema.ErrorPolicy  `yaml:"on_error,omitempty" json:"on_error,omitempty"`
	Retry              *schema.RetryPolicy `yaml:"retry,omitempty" json:"retry,omitempty"`
	Items              []any               `yaml:"items" json:"items"`
}

// LoadJob reads a batch input file into a fresh job. YAML and JSON files are
// parsed as a structured job document; any other extension is read as
// line-delimited prompts, skipping blank lines and # comments. The job name
// defaults to the file name.
func LoadJob(path string) (*schema.BatchJob, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition, "reading batch input %s", path).WithCause(err)
	}

	base := filepath.Base(path)
	ext := strings.ToLower(filepath.Ext(base))
	defaultName := strings.TrimSuffix(base, ext)

	var job *schema.BatchJob
	switch ext {
	case ".yaml", ".yml", ".json":
		job, err = parseJobDoc(path, ext, data)
	default:
		job, err = parseLines(data)
	}
	if err != nil {
		return nil, err
	}

	if job.Name == "" {
		job.Name = defaultName
	}
	if len(job.Items) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition, "batch input %s has no items", path)
	}
	job.JobID = uuid.NewString()
	job.Status = schema.RunStatusPending
	return job, nil
}

func parseJobDoc(path, ext string, data []byte) (*schema.BatchJob, error) {
	var doc jobDoc
	var err error
	if ext == ".json" {
		err = json.Unmarshal(data, &doc)
	} else {
		err = yaml.UnmarshalWithOptions(data, &doc, yaml.Strict())
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition, "parsing batch input %s", path).WithCause(err)
	}

	switch doc.OnError {
	case "", schema.ErrorPolicyAbort, schema.ErrorPolicyContinue, schema.ErrorPolicyRetry:
	default:
		return nil, schema.NewErrorf(schema.ErrCodeDefinition, "batch input %s: unknown on_error %q", path, doc.OnError)
	}
	if doc.CheckpointInterval < 0 {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition, "batch input %s: negative checkpoint_interval", path)
	}
	if doc.StopAfterFailures < 0 {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition, "batch input %s: negative stop_after_failures", path)
	}

	items := make([]schema.BatchItem, 0, len(doc.Items))
	for i, raw := range doc.Items {
		item, err := coerceItem(i, raw)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	return &schema.BatchJob{
		Name:               doc.Name,
		Model:              doc.Model,
		System:             doc.System,
		Params:             doc.Params,
		PromptTemplate:     doc.PromptTemplate,
		CheckpointInterval: doc.CheckpointInterval,
		StopAfterFailures:  doc.StopAfterFailures,
		OnError:            doc.OnError,
		Retry:              doc.Retry,
		Items:              items,
	}, nil
}

// coerceItem accepts a bare prompt string or a {prompt, params} mapping.
func coerceItem(index int, raw any) (schema.BatchItem, error) {
	item := schema.BatchItem{Index: index, Status: schema.BatchItemPending}

	switch v := raw.(type) {
	case string:
		item.Prompt = v
	case map[string]any:
		for key, val := range v {
			switch key {
			case "prompt":
				prompt, ok := val.(string)
				if !ok {
					return item, schema.NewErrorf(schema.ErrCodeDefinition, "items[%d].prompt is not a string", index)
				}
				item.Prompt = prompt
			case "params":
				params, ok := val.(map[string]any)
				if !ok {
					return item, schema.NewErrorf(schema.ErrCodeDefinition, "items[%d].params is not a mapping", index)
				}
				item.Params = params
			default:
				return item, schema.NewErrorf(schema.ErrCodeDefinition, "items[%d] has unknown field %q", index, key)
			}
		}
	default:
		return item, schema.NewErrorf(schema.ErrCodeDefinition,
			"items[%d] must be a string or a {prompt, params} mapping", index)
	}

	if strings.TrimSpace(item.Prompt) == "" {
		return item, schema.NewErrorf(schema.ErrCodeDefinition, "items[%d] has an empty prompt", index)
	}
	return item, nil
}

func parseLines(data []byte) (*schema.BatchJob, error) {
	var items []schema.BatchItem
	for _, line := range strings.Split(string(data), "\n") {
		prompt := strings.TrimSpace(line)
		if prompt == "" || strings.HasPrefix(prompt, "#") {
			continue
		}
		items = append(items, schema.BatchItem{
			Index:  len(items),
			Prompt: prompt,
			Status: schema.BatchItemPending,
		})
	}
	return &schema.BatchJob{Items: items}, nil
}
