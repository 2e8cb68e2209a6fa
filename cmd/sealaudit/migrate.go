package main

import (
	"errors"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/org/sealaudit/internal/config"
	"github.com/org/sealaudit/internal/storage"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "migrate", Short: "Apply or roll back database migrations"}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := migrationConfig()
			if err != nil {
				return err
			}
			if err := storage.RunMigrations(cfg.DBUrl, cfg.MigrationsDir); err != nil {
				return err
			}
			log.Info().Msg("migrations applied")
			return nil
		},
	}

	downCmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			steps, _ := cmd.Flags().GetInt("steps")
			cfg, err := migrationConfig()
			if err != nil {
				return err
			}
			if err := storage.RollbackMigrations(cfg.DBUrl, cfg.MigrationsDir, steps); err != nil {
				return err
			}
			log.Info().Int("steps", steps).Msg("migrations rolled back")
			return nil
		},
	}
	downCmd.Flags().Int("steps", 1, "Number of migrations to roll back")

	cmd.AddCommand(upCmd, downCmd)
	return cmd
}

// migrationConfig only needs the database settings, so the rest of the
// config is not validated.
func migrationConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	setLogLevel(cfg.LogLevel)
	if cfg.DBUrl == "" {
		return nil, errors.New("db_url must be configured (or DATABASE_URL env var)")
	}
	return cfg, nil
}
