package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// WorkflowDefinition is the declarative workflow format, loaded from YAML or
// JSON. A definition is immutable for the lifetime of a run.
type WorkflowDefinition struct {
	ID        string           `yaml:"id" json:"id"`
	Name      string           `yaml:"name,omitempty" json:"name,omitempty"`
	Variables map[string]any   `yaml:"variables,omitempty" json:"variables,omitempty"`
	Steps     []StepDefinition `yaml:"steps" json:"steps"`
}

// Step returns the top-level step with the given name, or nil.
func (d *WorkflowDefinition) Step(name string) *StepDefinition {
	for i := range d.Steps {
		if d.Steps[i].Name == name {
			return &d.Steps[i]
		}
	}
	return nil
}

// Checksum returns the hex SHA-256 of the definition's canonical JSON form.
// Checkpoints record it so a resume against an edited definition is detected.
func (d *WorkflowDefinition) Checksum() string {
	data, err := json.Marshal(d)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// StepDefinition describes a single step. The Type field selects the variant;
// only that variant's fields are consulted.
type StepDefinition struct {
	Name      string       `yaml:"name" json:"name"`
	Type      StepType     `yaml:"type" json:"type"`
	DependsOn []string     `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	OnError   ErrorPolicy  `yaml:"on_error,omitempty" json:"on_error,omitempty"` // abort | continue | retry (default: abort)
	Retry     *RetryPolicy `yaml:"retry,omitempty" json:"retry,omitempty"`
	OutputVar string       `yaml:"output_var,omitempty" json:"output_var,omitempty"`

	// prompt
	Model  string         `yaml:"model,omitempty" json:"model,omitempty"` // catalog id or "auto"
	Prompt string         `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	System string         `yaml:"system,omitempty" json:"system,omitempty"`
	Params map[string]any `yaml:"params,omitempty" json:"params,omitempty"`

	// template
	Template string            `yaml:"template,omitempty" json:"template,omitempty"`
	Bindings map[string]string `yaml:"bindings,omitempty" json:"bindings,omitempty"`

	// conditional
	Condition string           `yaml:"condition,omitempty" json:"condition,omitempty"`
	Then      []StepDefinition `yaml:"then,omitempty" json:"then,omitempty"`
	Else      []StepDefinition `yaml:"else,omitempty" json:"else,omitempty"`

	// loop
	ItemsVar      string          `yaml:"items_var,omitempty" json:"items_var,omitempty"`
	LoopVar       string          `yaml:"loop_var,omitempty" json:"loop_var,omitempty"`
	Body          *StepDefinition `yaml:"body,omitempty" json:"body,omitempty"`
	MaxIterations int             `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty"`

	// extract (exactly one of Pattern/Query)
	Source  string `yaml:"source,omitempty" json:"source,omitempty"` // step name whose output is read
	Pattern string `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Query   string `yaml:"query,omitempty" json:"query,omitempty"` // jq program

	// sleep
	Duration string `yaml:"duration,omitempty" json:"duration,omitempty"`
}

// StepType enumerates the kinds of steps in a workflow.
type StepType string

const (
	StepTypePrompt      StepType = "prompt"
	StepTypeTemplate    StepType = "template"
	StepTypeConditional StepType = "conditional"
	StepTypeLoop        StepType = "loop"
	StepTypeExtract     StepType = "extract"
	StepTypeSleep       StepType = "sleep"
)

// ErrorPolicy decides what a step failure does to the run.
type ErrorPolicy string

const (
	ErrorPolicyAbort    ErrorPolicy = "abort"
	ErrorPolicyContinue ErrorPolicy = "continue"
	ErrorPolicyRetry    ErrorPolicy = "retry"
)

// RetryPolicy configures bounded retry for a step or batch item.
type RetryPolicy struct {
	Max      int         `yaml:"max" json:"max"`                                 // total attempts, not extra retries
	Backoff  BackoffKind `yaml:"backoff,omitempty" json:"backoff,omitempty"`     // none | constant | linear | exponential (default: none)
	Delay    string      `yaml:"delay,omitempty" json:"delay,omitempty"`         // base delay (e.g. "1s", "500ms")
	MaxDelay string      `yaml:"max_delay,omitempty" json:"max_delay,omitempty"` // cap for grown delays
	Then     ErrorPolicy `yaml:"then,omitempty" json:"then,omitempty"`           // abort | continue after exhaustion (default: abort)
}

// BackoffKind enumerates retry delay growth strategies.
type BackoffKind string

const (
	BackoffNone        BackoffKind = "none"
	BackoffConstant    BackoffKind = "constant"
	BackoffLinear      BackoffKind = "linear"
	BackoffExponential BackoffKind = "exponential"
)

// DefaultRetryPolicy applies when on_error is "retry" but no retry block is given.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{Max: 3, Backoff: BackoffExponential, Delay: "1s", Then: ErrorPolicyAbort}
}
