package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	cli "github.com/urfave/cli/v3"

	"github.com/rendis/loom/internal/app"
	"github.com/rendis/loom/internal/engine"
	"github.com/rendis/loom/pkg/schema"
)

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Execute a workflow file",
		ArgsUsage: "<workflow.yaml>",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "var",
				Usage: "Variable override as key=value (repeatable)",
			},
			&cli.StringFlag{
				Name:  "model",
				Usage: "Model id overriding every step's model for this run",
			},
			&cli.StringFlag{
				Name:  "out",
				Usage: "Write the run result as indented JSON to this file",
			},
			&cli.BoolFlag{
				Name:  "no-checkpoint",
				Usage: "Run without writing checkpoints",
			},
			&cli.BoolFlag{
				Name:  "rm-checkpoint",
				Usage: "Delete the checkpoint after a completed run",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return schema.NewError(schema.ErrCodeConfig, "usage: loom run <workflow-file>")
			}
			path := cmd.Args().First()

			vars, err := parseVars(cmd.StringSlice("var"))
			if err != nil {
				return err
			}

			e, cleanup, err := buildEnv(ctx, cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			state, runErr := e.app.RunWorkflow(ctx, path, app.RunWorkflowOptions{
				Vars:         vars,
				Model:        cmd.String("model"),
				NoCheckpoint: cmd.Bool("no-checkpoint"),
				Observers:    []engine.Observer{newProgressObserver(os.Stdout)},
			})
			if state != nil && cmd.String("out") != "" {
				if err := writeResult(cmd.String("out"), state); err != nil {
					if runErr == nil {
						return err
					}
					e.logger.Warn("writing run result failed", "error", err)
				}
			}
			if runErr != nil {
				if state != nil && !cmd.Bool("no-checkpoint") {
					fmt.Fprintf(os.Stderr, "resume with: loom resume %s %s\n", state.RunID, path)
				}
				return runErr
			}
			if cmd.Bool("rm-checkpoint") && !cmd.Bool("no-checkpoint") {
				if err := e.checkpoints.Delete(state.RunID); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func resumeCommand() *cli.Command {
	return &cli.Command{
		Name:      "resume",
		Usage:     "Resume an interrupted run from its checkpoint",
		ArgsUsage: "<run-id> <workflow.yaml>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "out",
				Usage: "Write the run result as indented JSON to this file",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 2 {
				return schema.NewError(schema.ErrCodeConfig, "usage: loom resume <run-id> <workflow-file>")
			}
			runID := cmd.Args().Get(0)
			path := cmd.Args().Get(1)

			e, cleanup, err := buildEnv(ctx, cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			state, runErr := e.app.ResumeWorkflow(ctx, runID, path, app.ResumeOptions{
				Observers: []engine.Observer{newProgressObserver(os.Stdout)},
			})
			if state != nil && cmd.String("out") != "" {
				if err := writeResult(cmd.String("out"), state); err != nil {
					if runErr == nil {
						return err
					}
					e.logger.Warn("writing run result failed", "error", err)
				}
			}
			if runErr != nil {
				if state != nil {
					fmt.Fprintf(os.Stderr, "resume with: loom resume %s %s\n", state.RunID, path)
				}
				return runErr
			}
			return nil
		},
	}
}

// parseVars splits repeated key=value pairs into run variables.
func parseVars(pairs []string) (map[string]any, error) {
	strs, err := parseVarPairs(pairs)
	if err != nil || strs == nil {
		return nil, err
	}
	vars := make(map[string]any, len(strs))
	for k, v := range strs {
		vars[k] = v
	}
	return vars, nil
}

func parseVarPairs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	vars := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, schema.NewErrorf(schema.ErrCodeConfig, "malformed --var %q, want key=value", pair)
		}
		vars[k] = v
	}
	return vars, nil
}

// writeResult exports the final run state as indented JSON, independent of
// the checkpoint file.
func writeResult(path string, state *schema.ExecutionState) error {
	data, err := json.MarshalIndent(state.Export(), "", "  ")
	if err != nil {
		return schema.NewError(schema.ErrCodeConfig, "encoding run result").WithCause(err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return schema.NewErrorf(schema.ErrCodeConfig, "writing %s", path).WithCause(err)
	}
	return nil
}
