package main

import (
	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply, roll back or inspect schema migrations",
	}
	cmd.AddCommand(
		migrateSubcommand("up", "Apply pending migrations", func(e *env) error { return e.app.Migrations().Run() }),
		migrateSubcommand("down", "Roll back the last migration of every module", func(e *env) error { return e.app.Migrations().Rollback() }),
		migrateSubcommand("status", "Print migration status", func(e *env) error { return e.app.Migrations().Status() }),
	)
	return cmd
}

func migrateSubcommand(use, short string, run func(e *env) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()
			return run(e)
		},
	}
}
