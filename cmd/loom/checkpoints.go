package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	cli "github.com/urfave/cli/v3"

	"github.com/rendis/loom/internal/checkpoint"
	"github.com/rendis/loom/pkg/schema"
)

func checkpointsCommand() *cli.Command {
	return &cli.Command{
		Name:  "checkpoints",
		Usage: "Inspect and prune checkpoint files",
		Commands: []*cli.Command{
			checkpointsListCommand(),
			checkpointsCleanCommand(),
		},
	}
}

func checkpointsListCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List workflow and batch checkpoints",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, _, err := loadBase(cmd)
			if err != nil {
				return err
			}
			mgr, err := checkpoint.NewManager(cfg.CheckpointDir)
			if err != nil {
				return err
			}
			cps, err := mgr.List()
			if err != nil {
				return err
			}
			batches, err := mgr.ListBatches()
			if err != nil {
				return err
			}
			if len(cps) == 0 && len(batches) == 0 {
				fmt.Printf("no checkpoints in %s\n", cfg.CheckpointDir)
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TYPE\tID\tWORKFLOW\tSTATUS\tPROGRESS\tUPDATED")
			for _, cp := range cps {
				fmt.Fprintf(w, "workflow\t%s\t%s\t%s\t%d/%d\t%s\n",
					shortID(cp.RunID), orDash(cp.WorkflowName), cp.Status,
					completedSteps(cp), len(cp.Order),
					cp.CheckpointAt.Local().Format("2006-01-02 15:04:05"))
			}
			for _, bcp := range batches {
				completed, failed, skipped := bcp.Job.Counts()
				fmt.Fprintf(w, "batch\t%s\t%s\t%s\t%d/%d\t%s\n",
					shortID(bcp.Job.JobID), orDash(bcp.Job.Name), bcp.Job.Status,
					completed+failed+skipped, len(bcp.Job.Items),
					bcp.CheckpointAt.Local().Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}
}

func checkpointsCleanCommand() *cli.Command {
	return &cli.Command{
		Name:  "clean",
		Usage: "Delete completed checkpoints",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "all",
				Usage: "Also delete checkpoints of unfinished runs",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, _, err := loadBase(cmd)
			if err != nil {
				return err
			}
			mgr, err := checkpoint.NewManager(cfg.CheckpointDir)
			if err != nil {
				return err
			}
			cps, err := mgr.List()
			if err != nil {
				return err
			}
			batches, err := mgr.ListBatches()
			if err != nil {
				return err
			}

			all := cmd.Bool("all")
			removed := 0
			for _, cp := range cps {
				if !all && cp.Status != schema.RunStatusCompleted {
					continue
				}
				if err := mgr.Delete(cp.RunID); err != nil {
					return err
				}
				removed++
			}
			for _, bcp := range batches {
				if !all && bcp.Job.Status != schema.RunStatusCompleted {
					continue
				}
				if err := mgr.DeleteBatch(bcp.Job.JobID); err != nil {
					return err
				}
				removed++
			}
			fmt.Printf("removed %d checkpoint(s)\n", removed)
			return nil
		},
	}
}

func completedSteps(cp *schema.Checkpoint) int {
	n := 0
	for i := range cp.StepResults {
		if cp.StepResults[i].Status == schema.StepStatusCompleted {
			n++
		}
	}
	return n
}
