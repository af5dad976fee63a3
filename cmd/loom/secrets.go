package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	cli "github.com/urfave/cli/v3"

	"github.com/rendis/loom/pkg/schema"
)

func secretsCommand() *cli.Command {
	return &cli.Command{
		Name:  "secrets",
		Usage: "Manage the encrypted secrets vault",
		Commands: []*cli.Command{
			secretsSetCommand(),
			secretsListCommand(),
			secretsRemoveCommand(),
		},
	}
}

func secretsSetCommand() *cli.Command {
	return &cli.Command{
		Name:      "set",
		Usage:     "Store a secret (reads the value from stdin when omitted)",
		ArgsUsage: "<key> [value]",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() < 1 || cmd.Args().Len() > 2 {
				return schema.NewError(schema.ErrCodeConfig, "usage: loom secrets set <key> [value]")
			}
			key := cmd.Args().First()

			// Passing the value as an argument leaves it in shell history;
			// piping it on stdin does not.
			value := cmd.Args().Get(1)
			if value == "" {
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					return schema.NewError(schema.ErrCodeVault, "reading secret from stdin").WithCause(err)
				}
				value = strings.TrimSpace(string(data))
			}
			if value == "" {
				return schema.NewError(schema.ErrCodeVault, "empty secret value")
			}

			cfg, _, err := loadBase(cmd)
			if err != nil {
				return err
			}
			vault, err := openVault(cfg)
			if err != nil {
				return err
			}
			if err := vault.Store(ctx, key, []byte(value)); err != nil {
				return err
			}
			fmt.Printf("secret %s stored\n", key)
			return nil
		},
	}
}

func secretsListCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List secret keys (never values)",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, _, err := loadBase(cmd)
			if err != nil {
				return err
			}
			vault, err := openVault(cfg)
			if err != nil {
				return err
			}
			keys, err := vault.List(ctx)
			if err != nil {
				return err
			}
			if len(keys) == 0 {
				fmt.Println("vault is empty")
				return nil
			}
			for _, key := range keys {
				fmt.Println(key)
			}
			return nil
		},
	}
}

func secretsRemoveCommand() *cli.Command {
	return &cli.Command{
		Name:      "rm",
		Usage:     "Delete a secret",
		ArgsUsage: "<key>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return schema.NewError(schema.ErrCodeConfig, "usage: loom secrets rm <key>")
			}
			key := cmd.Args().First()

			cfg, _, err := loadBase(cmd)
			if err != nil {
				return err
			}
			vault, err := openVault(cfg)
			if err != nil {
				return err
			}
			if err := vault.Delete(ctx, key); err != nil {
				return err
			}
			fmt.Printf("secret %s removed\n", key)
			return nil
		},
	}
}
