package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stone-classifier-server/internal/config"
	"github.com/stone-classifier-server/internal/database"
	"github.com/stone-classifier-server/internal/logging"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down|version]",
	Short:     "Manage the PostgreSQL schema",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down", "version"},
	RunE:      runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	configManager, err := config.NewManagerWithFile(configFile)
	if err != nil {
		return err
	}
	cfg := configManager.GetConfig()
	if cfg.Database.Driver != "postgres" {
		return fmt.Errorf("migrations apply to the postgres driver only, configured driver is %q", cfg.Database.Driver)
	}

	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	runner, err := database.NewMigrationRunner(configManager.GetDatabaseURL(), cfg.Database.MigrationsPath, logger)
	if err != nil {
		return err
	}
	defer runner.Close()

	ctx := cmd.Context()
	switch args[0] {
	case "up":
		return runner.Up(ctx)
	case "down":
		return runner.Down(ctx)
	default:
		v, dirty, err := runner.Version()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %t)\n", v, dirty)
		return nil
	}
}
