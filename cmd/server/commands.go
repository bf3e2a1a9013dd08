package main

import (
	"fmt"
	"os"

	"github.com/haatos/simple-dispatch/internal/service"
	"github.com/haatos/simple-dispatch/internal/settings"
	"github.com/haatos/simple-dispatch/internal/store"
	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), settings.Settings)
			if err != nil {
				return err
			}
			defer a.Close()
			fmt.Fprintln(cmd.OutOrStdout(), "migrations up to date")
			return nil
		},
	}
}

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Import environment, pipeline and release definitions from YAML",
		Long:  "Upserts every definition in the file by name in a single transaction.\nDefinitions missing from the file are left untouched.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			a, err := newApp(cmd.Context(), settings.Settings)
			if err != nil {
				return err
			}
			defer a.Close()

			definitionSvc := service.NewDefinitionService(
				store.NewDefinitionSQLStore(a.rdb, a.rwdb),
				a.logger,
			)
			summary, err := definitionSvc.ImportDefinitions(cmd.Context(), f)
			if err != nil {
				return err
			}
			fmt.Fprintf(
				cmd.OutOrStdout(),
				"imported %d environments, %d pipelines, %d releases, %d stages\n",
				summary.Environments, summary.Pipelines, summary.Releases, summary.Stages,
			)
			return nil
		},
	}
}
