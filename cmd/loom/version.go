package main

import (
	"context"
	"fmt"

	cli "github.com/urfave/cli/v3"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0" ./cmd/loom/
var version = "dev"

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print the loom version",
		Action: func(_ context.Context, _ *cli.Command) error {
			fmt.Println(version)
			return nil
		},
	}
}
