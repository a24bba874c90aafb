package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"clawtrust/db"
	"clawtrust/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the embedded Postgres schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.Storage.PostgresDSN == "" {
			return fmt.Errorf("migrate: storage.postgres_dsn or DATABASE_URL is required")
		}
		pool, err := db.NewPool(cmd.Context(), cfg.Storage.PostgresDSN)
		if err != nil {
			return err
		}
		defer pool.Close()

		applied, err := migrations.Apply(cmd.Context(), pool)
		if err != nil {
			return err
		}
		for _, name := range applied {
			fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", name)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
