package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/rendis/loom/internal/app"
	"github.com/rendis/loom/internal/scheduler"
	"github.com/rendis/loom/internal/store"
	"github.com/rendis/loom/internal/validation"
	"github.com/rendis/loom/pkg/schema"
)

func scheduleCommand() *cli.Command {
	return &cli.Command{
		Name:  "schedule",
		Usage: "Run workflows on a cron schedule",
		Commands: []*cli.Command{
			scheduleAddCommand(),
			scheduleListCommand(),
			scheduleRemoveCommand(),
			scheduleRunCommand(),
		},
	}
}

func scheduleAddCommand() *cli.Command {
	return &cli.Command{
		Name:      "add",
		Usage:     "Register a workflow for scheduled execution",
		ArgsUsage: "<workflow.yaml>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "cron",
				Usage:    "Five-field cron expression, e.g. \"0 7 * * *\"",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "name",
				Usage: "Schedule name (defaults to the workflow file name)",
			},
			&cli.StringSliceFlag{
				Name:  "var",
				Usage: "Variable override as key=value (repeatable)",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return schema.NewError(schema.ErrCodeConfig, "usage: loom schedule add <workflow-file>")
			}
			path, err := filepath.Abs(cmd.Args().First())
			if err != nil {
				return schema.NewError(schema.ErrCodeConfig, "resolving workflow path").WithCause(err)
			}

			// Reject broken expressions and definitions at add time, not at
			// the first tick.
			next, err := scheduler.NextRun(cmd.String("cron"), time.Now())
			if err != nil {
				return err
			}
			if _, err := validation.LoadDefinition(path); err != nil {
				return err
			}
			vars, err := parseVarPairs(cmd.StringSlice("var"))
			if err != nil {
				return err
			}

			name := cmd.String("name")
			if name == "" {
				base := filepath.Base(path)
				name = strings.TrimSuffix(base, filepath.Ext(base))
			}

			e, cleanup, err := buildEnv(ctx, cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			sched := &store.Schedule{
				ID:           uuid.NewString(),
				Name:         name,
				WorkflowPath: path,
				CronExpr:     cmd.String("cron"),
				Variables:    vars,
				Enabled:      true,
				NextRunAt:    &next,
			}
			if err := e.store.CreateSchedule(ctx, sched); err != nil {
				return err
			}
			fmt.Printf("schedule %s (%s) added, next run %s\n",
				name, shortID(sched.ID), next.Local().Format("2006-01-02 15:04"))
			return nil
		},
	}
}

func scheduleListCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List registered schedules",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			e, cleanup, err := buildEnv(ctx, cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			schedules, err := e.store.ListSchedules(ctx, store.ScheduleFilter{})
			if err != nil {
				return err
			}
			if len(schedules) == 0 {
				fmt.Println("no schedules registered")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tCRON\tWORKFLOW\tENABLED\tLAST RUN\tNEXT RUN")
			for _, sched := range schedules {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\t%s\n",
					shortID(sched.ID), sched.Name, sched.CronExpr, sched.WorkflowPath,
					sched.Enabled, formatTimePtr(sched.LastRunAt), formatTimePtr(sched.NextRunAt))
			}
			return w.Flush()
		},
	}
}

func scheduleRemoveCommand() *cli.Command {
	return &cli.Command{
		Name:      "remove",
		Usage:     "Delete a schedule",
		ArgsUsage: "<schedule-id>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return schema.NewError(schema.ErrCodeConfig, "usage: loom schedule remove <schedule-id>")
			}
			id := cmd.Args().First()

			e, cleanup, err := buildEnv(ctx, cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := e.store.DeleteSchedule(ctx, id); err != nil {
				return err
			}
			fmt.Printf("schedule %s removed\n", shortID(id))
			return nil
		},
	}
}

func scheduleRunCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run the scheduler in the foreground until interrupted",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			e, cleanup, err := buildEnv(ctx, cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			sched := scheduler.NewScheduler(e.store, scheduledRuns{app: e.app}, e.logger)
			if err := sched.RecoverMissed(ctx); err != nil {
				return err
			}
			if err := sched.Start(ctx); err != nil {
				return err
			}
			e.logger.InfoContext(ctx, "scheduler running, ctrl-c to stop")
			<-ctx.Done()
			return sched.Stop()
		},
	}
}

// scheduledRuns adapts the app to the scheduler's runner interface.
type scheduledRuns struct {
	app *app.App
}

func (s scheduledRuns) RunWorkflow(ctx context.Context, workflowPath string, vars map[string]string) error {
	var anyVars map[string]any
	if len(vars) > 0 {
		anyVars = make(map[string]any, len(vars))
		for k, v := range vars {
			anyVars[k] = v
		}
	}
	_, err := s.app.RunWorkflow(ctx, workflowPath, app.RunWorkflowOptions{Vars: anyVars})
	return err
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
