package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/rendis/loom/internal/store"
	"github.com/rendis/loom/pkg/schema"
)

func historyCommand() *cli.Command {
	list := func(ctx context.Context, cmd *cli.Command) error {
		status, err := parseRunStatus(cmd.String("status"))
		if err != nil {
			return err
		}
		kind, err := parseRunKind(cmd.String("kind"))
		if err != nil {
			return err
		}

		e, cleanup, err := buildEnv(ctx, cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		runs, err := e.store.ListRuns(ctx, store.RunFilter{
			Kind:         kind,
			Status:       status,
			WorkflowName: cmd.String("workflow"),
			Limit:        cmd.Int("limit"),
		})
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("no runs recorded")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tKIND\tWORKFLOW\tMODEL\tSTATUS\tSTEPS\tDURATION\tSTARTED")
		for _, run := range runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
				shortID(run.ID), run.Kind, orDash(run.WorkflowName), orDash(run.Model),
				run.Status, run.StepsCompleted, run.StepsTotal,
				formatDurationMs(run.DurationMs),
				run.StartedAt.Local().Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	}

	listFlags := []cli.Flag{
		&cli.IntFlag{
			Name:  "limit",
			Usage: "Maximum runs to list",
			Value: 20,
		},
		&cli.StringFlag{
			Name:  "kind",
			Usage: "Filter by kind (workflow, batch)",
		},
		&cli.StringFlag{
			Name:  "status",
			Usage: "Filter by status (pending, running, completed, failed)",
		},
		&cli.StringFlag{
			Name:  "workflow",
			Usage: "Filter by workflow name",
		},
	}

	return &cli.Command{
		Name:   "history",
		Usage:  "Inspect recorded runs",
		Flags:  listFlags,
		Action: list,
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List recorded runs",
				Flags:  listFlags,
				Action: list,
			},
			historyShowCommand(),
			historyCleanCommand(),
		},
	}
}

func historyShowCommand() *cli.Command {
	return &cli.Command{
		Name:      "show",
		Usage:     "Show one run with its steps and event trail",
		ArgsUsage: "<run-id>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return schema.NewError(schema.ErrCodeConfig, "usage: loom history show <run-id>")
			}
			runID := cmd.Args().First()

			e, cleanup, err := buildEnv(ctx, cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			run, err := e.store.GetRun(ctx, runID)
			if err != nil {
				return err
			}
			steps, err := e.store.ListStepRecords(ctx, runID)
			if err != nil {
				return err
			}
			events, err := e.store.ListEvents(ctx, runID)
			if err != nil {
				return err
			}

			printRun(run)
			if len(steps) > 0 {
				fmt.Println()
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "STEP\tTYPE\tSTATUS\tATTEMPTS\tDURATION\tERROR")
				for _, step := range steps {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
						step.StepID, step.Type, step.Status, step.Attempts,
						formatDurationMs(step.DurationMs), orDash(truncate(step.Error, 60)))
				}
				if err := w.Flush(); err != nil {
					return err
				}
			}
			if len(events) > 0 {
				fmt.Println("\nevents:")
				for _, ev := range events {
					line := fmt.Sprintf("  %s  %-20s", ev.CreatedAt.Local().Format("15:04:05"), ev.Type)
					if ev.StepID != "" {
						line += "  " + ev.StepID
					}
					fmt.Println(line)
				}
			}
			return nil
		},
	}
}

func historyCleanCommand() *cli.Command {
	return &cli.Command{
		Name:  "clean",
		Usage: "Delete old runs and compact the history database",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "keep-days",
				Usage: "Delete runs older than this many days",
				Value: 30,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			keep := cmd.Int("keep-days")
			if keep <= 0 {
				return schema.NewError(schema.ErrCodeConfig, "--keep-days must be positive")
			}

			e, cleanup, err := buildEnv(ctx, cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			cutoff := time.Now().AddDate(0, 0, -keep)
			deleted, err := e.store.DeleteRunsBefore(ctx, cutoff)
			if err != nil {
				return err
			}
			if err := e.store.Vacuum(ctx); err != nil {
				return err
			}
			fmt.Printf("deleted %d run(s) older than %s\n", deleted, cutoff.Local().Format("2006-01-02"))
			return nil
		},
	}
}

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Aggregate statistics over the run history",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "days",
				Usage: "Window in days (0 = all time)",
				Value: 30,
			},
			&cli.StringFlag{
				Name:  "kind",
				Usage: "Filter by kind (workflow, batch)",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			kind, err := parseRunKind(cmd.String("kind"))
			if err != nil {
				return err
			}

			e, cleanup, err := buildEnv(ctx, cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			filter := store.StatsFilter{Kind: kind}
			if days := cmd.Int("days"); days > 0 {
				since := time.Now().AddDate(0, 0, -days)
				filter.Since = &since
			}
			stats, err := e.store.Stats(ctx, filter)
			if err != nil {
				return err
			}
			if stats.Totals.Runs == 0 {
				fmt.Println("no runs recorded in the window")
				return nil
			}

			t := stats.Totals
			fmt.Printf("runs:     %d (%d completed, %d failed)\n", t.Runs, t.Completed, t.Failed)
			fmt.Printf("tokens:   %d prompt, %d completion\n", t.PromptTokens, t.CompletionTokens)
			fmt.Printf("duration: %s total\n", formatDurationMs(t.DurationMs))
			if err := printAggregates("by model:", "MODEL", stats.ByModel); err != nil {
				return err
			}
			return printAggregates("by workflow:", "WORKFLOW", stats.ByWorkflow)
		},
	}
}

func printAggregates(title, keyHeader string, rows []store.Aggregate) error {
	if len(rows) == 0 {
		return nil
	}
	fmt.Println("\n" + title)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "%s\tRUNS\tCOMPLETED\tFAILED\tPROMPT\tCOMPLETION\tDURATION\n", keyHeader)
	for _, row := range rows {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			orDash(row.Key), row.Runs, row.Completed, row.Failed,
			row.PromptTokens, row.CompletionTokens, formatDurationMs(row.DurationMs))
	}
	return w.Flush()
}

func printRun(run *store.Run) {
	fmt.Printf("run:      %s\n", run.ID)
	fmt.Printf("kind:     %s\n", run.Kind)
	if run.WorkflowName != "" {
		name := run.WorkflowName
		if run.WorkflowID != "" && run.WorkflowID != run.WorkflowName {
			name += " (" + run.WorkflowID + ")"
		}
		fmt.Printf("workflow: %s\n", name)
	}
	if run.Model != "" {
		fmt.Printf("model:    %s\n", run.Model)
	}
	fmt.Printf("status:   %s\n", colorStatus(run.Status))
	fmt.Printf("started:  %s\n", run.StartedAt.Local().Format("2006-01-02 15:04:05"))
	if run.FinishedAt != nil {
		fmt.Printf("finished: %s (%s)\n",
			run.FinishedAt.Local().Format("2006-01-02 15:04:05"), formatDurationMs(run.DurationMs))
	}
	fmt.Printf("steps:    %d/%d completed", run.StepsCompleted, run.StepsTotal)
	if run.StepsFailed > 0 {
		fmt.Printf(", %d failed", run.StepsFailed)
	}
	fmt.Println()
	if run.PromptTokens > 0 || run.CompletionTokens > 0 {
		fmt.Printf("tokens:   %d prompt, %d completion\n", run.PromptTokens, run.CompletionTokens)
	}
	if msg := formatRunError(run.Error); msg != "" {
		fmt.Printf("error:    %s\n", msg)
	}
}

func colorStatus(status schema.RunStatus) string {
	switch status {
	case schema.RunStatusCompleted:
		return okStyle.Sprint(string(status))
	case schema.RunStatusFailed:
		return failStyle.Sprint(string(status))
	case schema.RunStatusRunning:
		return stepStyle.Sprint(string(status))
	default:
		return string(status)
	}
}

func formatRunError(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var le struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &le); err == nil && le.Message != "" {
		if le.Code != "" {
			return le.Code + ": " + le.Message
		}
		return le.Message
	}
	return string(raw)
}

func parseRunStatus(s string) (*schema.RunStatus, error) {
	if s == "" {
		return nil, nil
	}
	status := schema.RunStatus(s)
	switch status {
	case schema.RunStatusPending, schema.RunStatusRunning, schema.RunStatusCompleted, schema.RunStatusFailed:
		return &status, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeConfig, "unknown status %q, want pending, running, completed or failed", s)
}

func parseRunKind(s string) (store.RunKind, error) {
	switch s {
	case "":
		return "", nil
	case string(store.RunKindWorkflow):
		return store.RunKindWorkflow, nil
	case string(store.RunKindBatch):
		return store.RunKindBatch, nil
	}
	return "", schema.NewErrorf(schema.ErrCodeConfig, "unknown kind %q, want workflow or batch", s)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func formatDurationMs(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	d := time.Duration(ms) * time.Millisecond
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", ms)
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	default:
		return d.Truncate(time.Second).String()
	}
}
