package main

import (
	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the registry schema migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, cleanup, err := bootstrap()
			if err != nil {
				return err
			}
			defer cleanup()

			a.migrate = true
			s, err := a.start(cmd.Context(), a.databaseDependency())
			if err != nil {
				return err
			}
			a.logger.Info("Migrations applied")
			return s.Stop(cmd.Context())
		},
	}
}
