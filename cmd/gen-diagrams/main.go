// gen-diagrams renders the example workflows into docs/assets for README
// documentation. Run: go run ./cmd/gen-diagrams
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rendis/loom/internal/diagram"
	"github.com/rendis/loom/internal/validation"
	"github.com/rendis/loom/pkg/schema"
)

func main() {
	outDir := filepath.Join("docs", "assets")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		fail(err)
	}

	paths, err := filepath.Glob(filepath.Join("examples", "workflows", "*.yaml"))
	if err != nil || len(paths) == 0 {
		fail(fmt.Errorf("no example workflows found (run from the repository root): %v", err))
	}

	for _, path := range paths {
		def, err := validation.LoadDefinition(path)
		if err != nil {
			fail(err)
		}
		model, err := diagram.Build(def, nil)
		if err != nil {
			fail(err)
		}

		name := strings.TrimSuffix(filepath.Base(path), ".yaml")
		mermaid := diagram.RenderMermaid(model)
		out := filepath.Join(outDir, name+".md")
		if err := os.WriteFile(out, []byte("```mermaid\n"+mermaid+"\n```\n"), 0o644); err != nil {
			fail(err)
		}
		fmt.Printf("=== %s ===\nWritten: %s\n", name, out)
	}

	// Mid-run snapshot of the blog pipeline: a retried draft, a failed
	// review, and a skipped score exercise every status style.
	def, err := validation.LoadDefinition(filepath.Join("examples", "workflows", "blog-pipeline.yaml"))
	if err != nil {
		fail(err)
	}
	model, err := diagram.Build(def, sampleState(def))
	if err != nil {
		fail(err)
	}

	ascii := diagram.RenderASCII(model)
	asciiOut := filepath.Join(outDir, "status-ascii.txt")
	if err := os.WriteFile(asciiOut, []byte(ascii), 0o644); err != nil {
		fail(err)
	}
	fmt.Println("=== status (ASCII) ===")
	fmt.Println(ascii)

	mermaid := diagram.RenderMermaid(model)
	mermaidOut := filepath.Join(outDir, "status-mermaid.md")
	if err := os.WriteFile(mermaidOut, []byte("```mermaid\n"+mermaid+"\n```\n"), 0o644); err != nil {
		fail(err)
	}
	fmt.Println("=== status (Mermaid) ===")
	fmt.Println(mermaid)
}

func sampleState(def *schema.WorkflowDefinition) *schema.ExecutionState {
	return &schema.ExecutionState{
		RunID:      "sample",
		WorkflowID: def.ID,
		Status:     schema.RunStatusFailed,
		StepResults: []schema.StepResult{
			{StepID: "outline", Type: schema.StepTypePrompt, Status: schema.StepStatusCompleted, Attempts: 1, DurationMS: 1400},
			{StepID: "draft", Type: schema.StepTypePrompt, Status: schema.StepStatusCompleted, Attempts: 2, DurationMS: 9800},
			{StepID: "review", Type: schema.StepTypeTemplate, Status: schema.StepStatusFailed, Attempts: 3, Error: "model llama3: exited 1"},
			{StepID: "score", Type: schema.StepTypeExtract, Status: schema.StepStatusSkipped},
		},
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "gen-diagrams: %v\n", err)
	os.Exit(1)
}
