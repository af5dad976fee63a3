package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	cli "github.com/urfave/cli/v3"

	"github.com/rendis/loom/pkg/schema"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCommand().Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "loom:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps error codes to shell exit statuses: bad input 2, missing
// things 3, interrupted runs the conventional 130, everything else 1.
func exitCode(err error) int {
	switch {
	case schema.IsCode(err, schema.ErrCodeDefinition),
		schema.IsCode(err, schema.ErrCodeCycle),
		schema.IsCode(err, schema.ErrCodeConfig):
		return 2
	case schema.IsCode(err, schema.ErrCodeNotFound):
		return 3
	case schema.IsCode(err, schema.ErrCodeCancelled):
		return 130
	default:
		return 1
	}
}

func rootCommand() *cli.Command {
	return &cli.Command{
		Name:                  "loom",
		Usage:                 "Run text-generation workflows against local and remote models",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Sources: cli.EnvVars("LOOM_LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format (auto, text, json)",
				Sources: cli.EnvVars("LOOM_LOG_FORMAT"),
			},
		},
		Commands: []*cli.Command{
			runCommand(),
			resumeCommand(),
			batchCommand(),
			validateCommand(),
			graphCommand(),
			templatesCommand(),
			modelsCommand(),
			historyCommand(),
			statsCommand(),
			scheduleCommand(),
			checkpointsCommand(),
			secretsCommand(),
			serveCommand(),
			versionCommand(),
		},
	}
}
