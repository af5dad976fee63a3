package validation

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rendis/loom/internal/expressions"
	"github.com/rendis/loom/pkg/schema"
)

// maxNestingDepth caps conditional/loop nesting. The top-level step is the
// unit of checkpointing, so everything nested under one re-runs on resume;
// past this depth that re-run cost stops being reasonable.
const maxNestingDepth = 8

// validateSemantic checks the rules the JSON Schema cannot express: per-type
// required fields, reference targets, nesting depth, and variable binding
// collisions. Binding analysis mirrors the runtime scope chain — conditional
// branches promote into their parent, loop iterations are discarded — so a
// definition that passes here does not trip the append-only store at run time.
func validateSemantic(def *schema.WorkflowDefinition, models ModelLookup, templates TemplateLookup) *schema.ValidationResult {
	sc := &semanticCheck{
		result:    &schema.ValidationResult{},
		models:    models,
		templates: templates,
		jq:        expressions.NewJQEngine(),
		names:     make(map[string]string),
		topLevel:  make(map[string]bool, len(def.Steps)),
		declared:  make(map[string]bool),
	}

	for _, s := range def.Steps {
		sc.topLevel[s.Name] = true
	}
	collectStepNames(def.Steps, sc.declared)

	root := &bindScope{names: make(map[string]string, len(def.Variables))}
	for name := range def.Variables {
		root.names[name] = "variables." + name
	}

	for i := range def.Steps {
		sc.walkStep(&def.Steps[i], fmt.Sprintf("steps[%d]", i), 1, root, true)
	}

	return sc.result
}

// semanticCheck threads shared state through the definition walk.
type semanticCheck struct {
	result    *schema.ValidationResult
	models    ModelLookup
	templates TemplateLookup
	jq        *expressions.JQEngine

	names    map[string]string // step name -> path of first declaration
	topLevel map[string]bool   // top-level step names, valid depends_on targets
	declared map[string]bool   // every step name in the tree, valid extract sources

	// branchBound records names bound inside conditional branches that reach
	// the root scope on promote. A later binding of such a name fails only
	// when that branch was taken, so collisions here are warnings.
	branchBound map[string]string
}

// bindScope is the static mirror of the runtime variable scope chain.
type bindScope struct {
	names  map[string]string // name -> declaring path
	parent *bindScope
}

func (s *bindScope) lookup(name string) (string, bool) {
	for cur := s; cur != nil; cur = cur.parent {
		if path, ok := cur.names[name]; ok {
			return path, true
		}
	}
	return "", false
}

func (s *bindScope) child() *bindScope {
	return &bindScope{names: make(map[string]string), parent: s}
}

// walkStep validates one step and recurses into its branches and body.
// rootBound reports whether bindings made at this point reach the root scope:
// true through chains of conditional branches, false once inside a loop body.
func (sc *semanticCheck) walkStep(step *schema.StepDefinition, path string, depth int, scope *bindScope, rootBound bool) {
	if depth > maxNestingDepth {
		sc.result.AddError(path, schema.ErrCodeDefinition,
			fmt.Sprintf("nesting exceeds the maximum depth of %d", maxNestingDepth))
		return
	}

	if prev, ok := sc.names[step.Name]; ok {
		sc.result.AddError(path+".name", schema.ErrCodeDefinition,
			fmt.Sprintf("step name %q already used at %s", step.Name, prev))
	} else {
		sc.names[step.Name] = path
	}

	sc.checkDependsOn(step, path, depth)
	sc.checkRetry(step, path)
	sc.checkStrayFields(step, path)

	switch step.Type {
	case schema.StepTypePrompt:
		sc.checkPrompt(step, path)
	case schema.StepTypeTemplate:
		sc.checkTemplate(step, path)
	case schema.StepTypeConditional:
		sc.checkConditional(step, path, depth, scope, rootBound)
	case schema.StepTypeLoop:
		sc.checkLoop(step, path, depth, scope)
	case schema.StepTypeExtract:
		sc.checkExtract(step, path)
	case schema.StepTypeSleep:
		sc.checkSleep(step, path)
	default:
		sc.result.AddError(path+".type", schema.ErrCodeDefinition,
			fmt.Sprintf("unrecognized step type %q", step.Type))
	}

	sc.bindOutput(step, path, scope, rootBound)
}

func (sc *semanticCheck) checkDependsOn(step *schema.StepDefinition, path string, depth int) {
	if len(step.DependsOn) == 0 {
		return
	}
	if depth > 1 {
		sc.result.AddError(path+".depends_on", schema.ErrCodeDefinition,
			"nested steps run in declaration order; depends_on is only valid on top-level steps")
		return
	}
	for j, dep := range step.DependsOn {
		if !sc.topLevel[dep] {
			sc.result.AddError(fmt.Sprintf("%s.depends_on[%d]", path, j),
				schema.ErrCodeDefinition,
				fmt.Sprintf("references non-existent step %q", dep))
		}
	}
}

func (sc *semanticCheck) checkRetry(step *schema.StepDefinition, path string) {
	if step.Retry == nil {
		return
	}
	if step.Retry.Max > 10 {
		sc.result.AddWarning(path+".retry.max", schema.ErrCodeDefinition,
			fmt.Sprintf("high retry count (%d) may cause excessive delays", step.Retry.Max))
	}
	if step.Retry.Delay != "" && step.Retry.MaxDelay != "" {
		delay, derr := time.ParseDuration(step.Retry.Delay)
		maxDelay, merr := time.ParseDuration(step.Retry.MaxDelay)
		if derr == nil && merr == nil && maxDelay < delay {
			sc.result.AddWarning(path+".retry.max_delay", schema.ErrCodeDefinition,
				fmt.Sprintf("max_delay %q is below delay %q; every backoff is clamped to it", step.Retry.MaxDelay, step.Retry.Delay))
		}
	}
}

func (sc *semanticCheck) checkPrompt(step *schema.StepDefinition, path string) {
	if step.Prompt == "" {
		sc.result.AddError(path+".prompt", schema.ErrCodeDefinition,
			"prompt step requires a prompt")
	}
	if sc.models != nil && step.Model != "" && step.Model != "auto" && !sc.models.Has(step.Model) {
		sc.result.AddError(path+".model", schema.ErrCodeModel,
			fmt.Sprintf("model %q is not in the catalog", step.Model))
	}
}

func (sc *semanticCheck) checkTemplate(step *schema.StepDefinition, path string) {
	if step.Template == "" {
		sc.result.AddError(path+".template", schema.ErrCodeDefinition,
			"template step requires a template id")
		return
	}
	if sc.templates != nil && !sc.templates.Has(step.Template) {
		sc.result.AddError(path+".template", schema.ErrCodeTemplate,
			fmt.Sprintf("template %q is not in the registry", step.Template))
	}
}

func (sc *semanticCheck) checkConditional(step *schema.StepDefinition, path string, depth int, scope *bindScope, rootBound bool) {
	if step.Condition == "" {
		sc.result.AddError(path+".condition", schema.ErrCodeDefinition,
			"conditional step requires a condition")
	} else if err := expressions.CheckCondition(step.Condition); err != nil {
		sc.result.AddError(path+".condition", schema.ErrCodeInvalidCondition, loomMessage(err))
	}
	if len(step.Then) == 0 {
		sc.result.AddError(path+".then", schema.ErrCodeDefinition,
			"conditional step requires at least one then step")
	}

	// Branches run in child scopes and promote on success, so then and else
	// may bind the same name: only one of them ever runs.
	thenScope := scope.child()
	for j := range step.Then {
		sc.walkStep(&step.Then[j], fmt.Sprintf("%s.then[%d]", path, j), depth+1, thenScope, rootBound)
	}
	elseScope := scope.child()
	for j := range step.Else {
		sc.walkStep(&step.Else[j], fmt.Sprintf("%s.else[%d]", path, j), depth+1, elseScope, rootBound)
	}

	if rootBound {
		if sc.branchBound == nil {
			sc.branchBound = make(map[string]string)
		}
		for name, declPath := range thenScope.names {
			sc.branchBound[name] = declPath
		}
		for name, declPath := range elseScope.names {
			sc.branchBound[name] = declPath
		}
	}
}

func (sc *semanticCheck) checkLoop(step *schema.StepDefinition, path string, depth int, scope *bindScope) {
	if step.ItemsVar == "" {
		sc.result.AddError(path+".items_var", schema.ErrCodeDefinition,
			"loop step requires an items_var")
	} else if !expressions.ValidReference(itemsReference(step.ItemsVar)) {
		sc.result.AddError(path+".items_var", schema.ErrCodeDefinition,
			fmt.Sprintf("items_var %q is not a variable reference", step.ItemsVar))
	}
	if step.Body == nil {
		sc.result.AddError(path+".body", schema.ErrCodeDefinition,
			"loop step requires a body")
		return
	}
	if step.Body.OnError != "" || step.Body.Retry != nil {
		sc.result.AddWarning(path+".body", schema.ErrCodeDefinition,
			"loop body inherits the loop's error policy; its own on_error/retry is ignored")
	}

	// Each iteration gets a fresh scope with the loop variable pre-bound.
	// The loop variable may shadow an outer name; body bindings are
	// discarded with the iteration and never reach the root.
	loopVar := step.LoopVar
	if loopVar == "" {
		loopVar = "item"
	}
	iterScope := scope.child()
	iterScope.names[loopVar] = path + ".loop_var"
	sc.walkStep(step.Body, path+".body", depth+1, iterScope, false)
}

func (sc *semanticCheck) checkExtract(step *schema.StepDefinition, path string) {
	switch {
	case step.Source == "":
		sc.result.AddError(path+".source", schema.ErrCodeDefinition,
			"extract step requires a source step")
	case !sc.declared[step.Source]:
		sc.result.AddError(path+".source", schema.ErrCodeDefinition,
			fmt.Sprintf("source references non-existent step %q", step.Source))
	case step.Source == step.Name:
		sc.result.AddError(path+".source", schema.ErrCodeDefinition,
			"extract step cannot read its own output")
	}

	switch {
	case step.Pattern != "" && step.Query != "":
		sc.result.AddError(path, schema.ErrCodeDefinition,
			"pattern and query are mutually exclusive")
	case step.Pattern == "" && step.Query == "":
		sc.result.AddError(path, schema.ErrCodeDefinition,
			"extract step requires either a pattern or a query")
	case step.Pattern != "":
		if _, err := regexp.Compile(step.Pattern); err != nil {
			sc.result.AddError(path+".pattern", schema.ErrCodeDefinition,
				fmt.Sprintf("invalid pattern: %s", err.Error()))
		}
	default:
		if err := sc.jq.Check(step.Query); err != nil {
			sc.result.AddError(path+".query", schema.ErrCodeDefinition,
				fmt.Sprintf("invalid query: %s", loomMessage(err)))
		}
	}
}

func (sc *semanticCheck) checkSleep(step *schema.StepDefinition, path string) {
	if step.Duration == "" {
		sc.result.AddError(path+".duration", schema.ErrCodeDefinition,
			"sleep step requires a duration")
		return
	}
	if d, err := time.ParseDuration(step.Duration); err != nil || d < 0 {
		sc.result.AddError(path+".duration", schema.ErrCodeDefinition,
			fmt.Sprintf("invalid duration %q", step.Duration))
	}
}

// bindOutput records the step's output_var in the static scope, flagging
// collisions the append-only store would reject at run time.
func (sc *semanticCheck) bindOutput(step *schema.StepDefinition, path string, scope *bindScope, rootBound bool) {
	if step.OutputVar == "" {
		return
	}
	if declPath, ok := scope.lookup(step.OutputVar); ok {
		sc.result.AddError(path+".output_var", schema.ErrCodeDefinition,
			fmt.Sprintf("output_var %q already bound at %s; variables are append-only", step.OutputVar, declPath))
		return
	}
	if rootBound {
		if branchPath, ok := sc.branchBound[step.OutputVar]; ok {
			sc.result.AddWarning(path+".output_var", schema.ErrCodeDefinition,
				fmt.Sprintf("output_var %q collides with the branch binding at %s; the run fails when that branch was taken", step.OutputVar, branchPath))
		}
	}
	scope.names[step.OutputVar] = path + ".output_var"
}

// checkStrayFields warns about variant fields the step's type never reads.
// Strict YAML parsing catches misspelled keys, but a valid key on the wrong
// step type would otherwise be silently ignored.
func (sc *semanticCheck) checkStrayFields(step *schema.StepDefinition, path string) {
	for _, probe := range fieldProbes {
		if probe.owner != step.Type && probe.set(step) {
			sc.result.AddWarning(path+"."+probe.field, schema.ErrCodeDefinition,
				fmt.Sprintf("field %q is ignored by %s steps", probe.field, step.Type))
		}
	}
}

// fieldProbes maps each variant field to the step type that reads it.
var fieldProbes = []struct {
	field string
	owner schema.StepType
	set   func(*schema.StepDefinition) bool
}{
	{"model", schema.StepTypePrompt, func(s *schema.StepDefinition) bool { return s.Model != "" }},
	{"prompt", schema.StepTypePrompt, func(s *schema.StepDefinition) bool { return s.Prompt != "" }},
	{"system", schema.StepTypePrompt, func(s *schema.StepDefinition) bool { return s.System != "" }},
	{"params", schema.StepTypePrompt, func(s *schema.StepDefinition) bool { return len(s.Params) > 0 }},
	{"template", schema.StepTypeTemplate, func(s *schema.StepDefinition) bool { return s.Template != "" }},
	{"bindings", schema.StepTypeTemplate, func(s *schema.StepDefinition) bool { return len(s.Bindings) > 0 }},
	{"condition", schema.StepTypeConditional, func(s *schema.StepDefinition) bool { return s.Condition != "" }},
	{"then", schema.StepTypeConditional, func(s *schema.StepDefinition) bool { return len(s.Then) > 0 }},
	{"else", schema.StepTypeConditional, func(s *schema.StepDefinition) bool { return len(s.Else) > 0 }},
	{"items_var", schema.StepTypeLoop, func(s *schema.StepDefinition) bool { return s.ItemsVar != "" }},
	{"loop_var", schema.StepTypeLoop, func(s *schema.StepDefinition) bool { return s.LoopVar != "" }},
	{"body", schema.StepTypeLoop, func(s *schema.StepDefinition) bool { return s.Body != nil }},
	{"max_iterations", schema.StepTypeLoop, func(s *schema.StepDefinition) bool { return s.MaxIterations != 0 }},
	{"source", schema.StepTypeExtract, func(s *schema.StepDefinition) bool { return s.Source != "" }},
	{"pattern", schema.StepTypeExtract, func(s *schema.StepDefinition) bool { return s.Pattern != "" }},
	{"query", schema.StepTypeExtract, func(s *schema.StepDefinition) bool { return s.Query != "" }},
	{"duration", schema.StepTypeSleep, func(s *schema.StepDefinition) bool { return s.Duration != "" }},
}

// collectStepNames records every step name in the tree, nested steps included.
func collectStepNames(steps []schema.StepDefinition, into map[string]bool) {
	for i := range steps {
		s := &steps[i]
		into[s.Name] = true
		collectStepNames(s.Then, into)
		collectStepNames(s.Else, into)
		if s.Body != nil {
			collectStepNames([]schema.StepDefinition{*s.Body}, into)
		}
	}
}

// itemsReference normalizes an items_var: "chapters" and "{{chapters}}" name
// the same variable.
func itemsReference(ref string) string {
	ref = strings.TrimSpace(ref)
	if strings.HasPrefix(ref, "{{") && strings.HasSuffix(ref, "}}") {
		ref = strings.TrimSpace(ref[2 : len(ref)-2])
	}
	return ref
}

// loomMessage unwraps a LoomError to its message; other errors render as-is.
func loomMessage(err error) string {
	if le, ok := err.(*schema.LoomError); ok {
		return le.Message
	}
	return err.Error()
}
