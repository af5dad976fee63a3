package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	cli "github.com/urfave/cli/v3"

	"github.com/rendis/loom/internal/runner"
	"github.com/rendis/loom/internal/template"
	"github.com/rendis/loom/pkg/schema"
)

func templatesCommand() *cli.Command {
	list := func(ctx context.Context, cmd *cli.Command) error {
		cfg, _, err := loadBase(cmd)
		if err != nil {
			return err
		}
		reg, err := template.LoadRegistry(cfg.TemplateDir)
		if err != nil {
			return err
		}
		templates := reg.List()
		if len(templates) == 0 {
			fmt.Printf("no templates in %s\n", cfg.TemplateDir)
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tMODEL\tVARIABLES\tDESCRIPTION")
		for _, t := range templates {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				t.ID, orDash(t.Model), orDash(strings.Join(t.Variables, ",")), t.Description)
		}
		return w.Flush()
	}

	return &cli.Command{
		Name:   "templates",
		Usage:  "List and inspect prompt templates",
		Action: list,
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List the registered templates",
				Action: list,
			},
			{
				Name:      "show",
				Usage:     "Print one template in full",
				ArgsUsage: "<template-id>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					if cmd.Args().Len() != 1 {
						return schema.NewError(schema.ErrCodeConfig, "usage: loom templates show <template-id>")
					}
					cfg, _, err := loadBase(cmd)
					if err != nil {
						return err
					}
					reg, err := template.LoadRegistry(cfg.TemplateDir)
					if err != nil {
						return err
					}
					t, err := reg.Get(cmd.Args().First())
					if err != nil {
						return err
					}
					printTemplate(t)
					return nil
				},
			},
		},
	}
}

func modelsCommand() *cli.Command {
	list := func(ctx context.Context, cmd *cli.Command) error {
		cfg, _, err := loadBase(cmd)
		if err != nil {
			return err
		}
		catalog, err := runner.LoadCatalog(cfg.CatalogPath)
		if err != nil {
			return err
		}
		models := catalog.List()
		if len(models) == 0 {
			fmt.Printf("no models in %s\n", cfg.CatalogPath)
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tKIND\tMODEL\tTAGS")
		for i := range models {
			m := &models[i]
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				m.ID, m.Kind, m.UpstreamModel(), orDash(strings.Join(m.Tags, ",")))
		}
		return w.Flush()
	}

	return &cli.Command{
		Name:   "models",
		Usage:  "List the configured models",
		Action: list,
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List the configured models",
				Action: list,
			},
		},
	}
}

func printTemplate(t *template.Template) {
	fmt.Printf("id:          %s\n", t.ID)
	if t.Description != "" {
		fmt.Printf("description: %s\n", t.Description)
	}
	if t.Model != "" {
		fmt.Printf("model:       %s\n", t.Model)
	}
	if len(t.Variables) > 0 {
		fmt.Printf("variables:   %s\n", strings.Join(t.Variables, ", "))
	}
	if len(t.Params) > 0 {
		keys := make([]string, 0, len(t.Params))
		for k := range t.Params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = fmt.Sprintf("%s=%v", k, t.Params[k])
		}
		fmt.Printf("params:      %s\n", strings.Join(parts, " "))
	}
	if t.System != "" {
		fmt.Printf("\nsystem:\n%s\n", indent(t.System))
	}
	fmt.Printf("\ntext:\n%s\n", indent(t.Text))
}

func indent(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, line := range lines {
		lines[i] = "  " + line
	}
	return strings.Join(lines, "\n")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
