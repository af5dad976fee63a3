package main

import (
	"context"
	"errors"

	cli "github.com/urfave/cli/v3"

	"github.com/rendis/loom/pkg/mcp"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Expose loom to other programs",
		Commands: []*cli.Command{
			serveMCPCommand(),
		},
	}
}

func serveMCPCommand() *cli.Command {
	return &cli.Command{
		Name:  "mcp",
		Usage: "Serve the MCP tool interface on stdio",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			e, cleanup, err := buildEnv(ctx, cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			srv := mcp.NewLoomServer(mcp.LoomServerDeps{
				Workflows:   e.app,
				Checkpoints: e.checkpoints,
				Templates:   e.registry,
				Models:      e.catalog,
				Hub:         e.hub,
				Logger:      e.logger,
			})

			// Stdout belongs to the MCP transport; the logger already
			// writes to stderr.
			e.logger.InfoContext(ctx, "mcp server listening on stdio")
			if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}
