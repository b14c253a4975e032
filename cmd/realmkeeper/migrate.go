package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/realmkeeper/realmkeeper/internal/store/postgres"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the PostgreSQL schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(os.Stderr)
			if err != nil {
				return err
			}
			db, err := postgres.New(cmd.Context(), databaseConfig(cfg))
			if err != nil {
				return err
			}
			defer db.Close()

			fmt.Fprintln(cmd.OutOrStdout(), "Applying schema...")
			if err := db.Migrate(cmd.Context(), postgres.InitialSchema); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Migration successful.")
			return nil
		},
	}
}
