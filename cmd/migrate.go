package cmd

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"
)

// migrationsPath is the relative path to the migrations directory.
const migrationsPath = "file://migrations"

func migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "migrate <up|down>",
		Short:     "Apply or roll back database migrations",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			m, err := migrate.New(migrationsPath, cfg.Database.MigrateURL())
			if err != nil {
				return fmt.Errorf("create migrate instance: %w", err)
			}
			defer func() { _, _ = m.Close() }()

			direction := args[0]
			if err = runMigration(m, direction); err != nil {
				return fmt.Errorf("migration %s failed: %w", direction, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Migration %s completed successfully\n", direction)
			return nil
		},
	}
}

func runMigration(m *migrate.Migrate, direction string) error {
	var err error
	if direction == "up" {
		err = m.Up()
	} else {
		err = m.Down()
	}
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return err
}
