package main

import (
	"github.com/spf13/cobra"

	"github.com/lumenframe/backend/internal/database"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and river migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig(opts)
			if err != nil {
				return err
			}
			cat, err := loadCatalog(cfg)
			if err != nil {
				return err
			}
			pool, err := database.Connect(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()

			var tables []string
			for _, e := range cat.Entries() {
				tables = append(tables, e.Table)
			}
			return database.Migrate(cmd.Context(), pool, tables, log)
		},
	}
}
