package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/rendis/loom/internal/app"
	"github.com/rendis/loom/internal/engine"
	"github.com/rendis/loom/pkg/schema"
)

func batchCommand() *cli.Command {
	return &cli.Command{
		Name:  "batch",
		Usage: "Run prompt batches with periodic checkpoints",
		Commands: []*cli.Command{
			batchRunCommand(),
			batchResumeCommand(),
		},
	}
}

func batchRunCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Execute a batch job file",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "input",
				Aliases:  []string{"i"},
				Usage:    "Batch job file (YAML or JSON)",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "model",
				Usage: "Model id overriding the job's model",
			},
			&cli.IntFlag{
				Name:  "interval",
				Usage: "Checkpoint every N items",
			},
			&cli.IntFlag{
				Name:  "stop-after",
				Usage: "Stop after N failures (0 = never)",
			},
			&cli.StringFlag{
				Name:  "out",
				Usage: "Write the finished job as indented JSON to this file",
			},
			&cli.BoolFlag{
				Name:  "no-checkpoint",
				Usage: "Run without writing checkpoints",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			e, cleanup, err := buildEnv(ctx, cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			job, runErr := e.app.RunBatch(ctx, cmd.String("input"), app.RunBatchOptions{
				Model:        cmd.String("model"),
				Interval:     cmd.Int("interval"),
				StopAfter:    cmd.Int("stop-after"),
				NoCheckpoint: cmd.Bool("no-checkpoint"),
				Observers:    []engine.Observer{newProgressObserver(os.Stdout)},
			})
			if job != nil {
				printJobSummary(job)
				if cmd.String("out") != "" {
					if err := writeJob(cmd.String("out"), job); err != nil {
						if runErr == nil {
							return err
						}
						e.logger.Warn("writing batch result failed", "error", err)
					}
				}
			}
			if runErr != nil {
				if job != nil && !cmd.Bool("no-checkpoint") && job.Pending() > 0 {
					fmt.Fprintf(os.Stderr, "resume with: loom batch resume %s\n", job.JobID)
				}
				return runErr
			}
			return nil
		},
	}
}

func batchResumeCommand() *cli.Command {
	return &cli.Command{
		Name:      "resume",
		Usage:     "Resume an interrupted batch job from its checkpoint",
		ArgsUsage: "<job-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "out",
				Usage: "Write the finished job as indented JSON to this file",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return schema.NewError(schema.ErrCodeConfig, "usage: loom batch resume <job-id>")
			}
			jobID := cmd.Args().First()

			e, cleanup, err := buildEnv(ctx, cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			job, runErr := e.app.ResumeBatch(ctx, jobID, app.ResumeOptions{
				Observers: []engine.Observer{newProgressObserver(os.Stdout)},
			})
			if job != nil {
				printJobSummary(job)
				if cmd.String("out") != "" {
					if err := writeJob(cmd.String("out"), job); err != nil {
						if runErr == nil {
							return err
						}
						e.logger.Warn("writing batch result failed", "error", err)
					}
				}
			}
			if runErr != nil {
				if job != nil && job.Pending() > 0 {
					fmt.Fprintf(os.Stderr, "resume with: loom batch resume %s\n", job.JobID)
				}
				return runErr
			}
			return nil
		},
	}
}

func printJobSummary(job *schema.BatchJob) {
	completed, failed, skipped := job.Counts()
	fmt.Printf("%d completed, %d failed, %d skipped, %d pending\n",
		completed, failed, skipped, job.Pending())
}

func writeJob(path string, job *schema.BatchJob) error {
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return schema.NewError(schema.ErrCodeConfig, "encoding batch result").WithCause(err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return schema.NewErrorf(schema.ErrCodeConfig, "writing %s", path).WithCause(err)
	}
	return nil
}
