package main

import (
	"context"
	"fmt"

	cli "github.com/urfave/cli/v3"

	"github.com/rendis/loom/internal/checkpoint"
	"github.com/rendis/loom/internal/diagram"
	"github.com/rendis/loom/internal/runner"
	"github.com/rendis/loom/internal/template"
	"github.com/rendis/loom/internal/validation"
	"github.com/rendis/loom/pkg/schema"
)

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "Validate a workflow file without running it",
		ArgsUsage: "<workflow.yaml>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return schema.NewError(schema.ErrCodeConfig, "usage: loom validate <workflow-file>")
			}
			path := cmd.Args().First()

			cfg, _, err := loadBase(cmd)
			if err != nil {
				return err
			}
			wv, err := buildValidator(cfg)
			if err != nil {
				return err
			}
			def, err := validation.LoadDefinition(path)
			if err != nil {
				return err
			}

			res := wv.Validate(def)
			for _, issue := range res.Errors {
				fmt.Printf("%s %s: %s (%s)\n", failStyle.Sprint("✗"), issue.Path, issue.Message, issue.Code)
			}
			for _, issue := range res.Warnings {
				fmt.Printf("%s %s: %s (%s)\n", warnStyle.Sprint("⚠"), issue.Path, issue.Message, issue.Code)
			}
			if !res.Valid() {
				return schema.NewErrorf(schema.ErrCodeDefinition, "%s: %d error(s)", path, len(res.Errors))
			}
			fmt.Printf("%s %s is valid (%d steps)\n", okStyle.Sprint("✓"), path, len(def.Steps))
			return nil
		},
	}
}

func graphCommand() *cli.Command {
	return &cli.Command{
		Name:      "graph",
		Usage:     "Render a workflow's step graph",
		ArgsUsage: "<workflow.yaml>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "format",
				Usage: "Output format: mermaid or ascii",
				Value: "mermaid",
			},
			&cli.StringFlag{
				Name:  "run",
				Usage: "Overlay step statuses from this run's checkpoint",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return schema.NewError(schema.ErrCodeConfig, "usage: loom graph <workflow-file>")
			}
			path := cmd.Args().First()

			cfg, _, err := loadBase(cmd)
			if err != nil {
				return err
			}
			def, err := validation.LoadDefinition(path)
			if err != nil {
				return err
			}

			var state *schema.ExecutionState
			if runID := cmd.String("run"); runID != "" {
				mgr, err := checkpoint.NewManager(cfg.CheckpointDir)
				if err != nil {
					return err
				}
				cp, err := mgr.Load(runID)
				if err != nil {
					return err
				}
				state = cp.State()
			}

			model, err := diagram.Build(def, state)
			if err != nil {
				return err
			}
			switch cmd.String("format") {
			case "mermaid":
				fmt.Print(diagram.RenderMermaid(model))
			case "ascii":
				fmt.Print(diagram.RenderASCII(model))
			default:
				return schema.NewErrorf(schema.ErrCodeConfig, "unknown graph format %q, want mermaid or ascii", cmd.String("format"))
			}
			return nil
		},
	}
}

// buildValidator assembles the workflow validator with whatever catalog and
// template registry the configuration points at. Missing files yield empty
// lookups, so validate flags the same unknown models and templates a run
// would.
func buildValidator(cfg Config) (*validation.WorkflowValidator, error) {
	catalog, err := runner.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		return nil, err
	}
	registry, err := template.LoadRegistry(cfg.TemplateDir)
	if err != nil {
		return nil, err
	}
	return validation.NewWorkflowValidator(catalog, registry)
}
