// Package main applies or rolls back the Postgres schema.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/campaign-sync/internal/app"
	"github.com/campaign-sync/internal/config"
	"github.com/campaign-sync/internal/logging"
	"github.com/campaign-sync/internal/storage"
)

func main() {
	var (
		action = flag.String("action", "up", "up, down or version")
		steps  = flag.Int("steps", 1, "migrations to roll back with -action=down")
		path   = flag.String("path", storage.DefaultMigrationsPath, "directory holding the SQL migrations")
	)
	flag.Parse()

	cfg, err := app.LoadConfig(config.RequirePostgres)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	logger := app.InitLogging(cfg).WithFields(map[string]interface{}{
		"action": *action,
		"path":   *path,
	})

	if err := migrate(logger, cfg.Postgres.MigrateURL(), *path, *action, *steps); err != nil {
		logger.WithError(err).Fatal("Migration failed")
	}
}

func migrate(logger *logging.Logger, databaseURL, migrationsPath, action string, steps int) error {
	switch action {
	case "up":
		if err := storage.RunMigrations(databaseURL, migrationsPath); err != nil {
			return err
		}
		logger.Info("Schema is up to date")
	case "down":
		if err := storage.RollbackMigrations(databaseURL, migrationsPath, steps); err != nil {
			return err
		}
		logger.WithField("steps", steps).Info("Rolled back migrations")
	case "version":
		version, dirty, err := storage.MigrationVersion(databaseURL, migrationsPath)
		if err != nil {
			return err
		}
		logger.WithFields(map[string]interface{}{
			"version": version,
			"dirty":   dirty,
		}).Info("Current schema version")
	default:
		return fmt.Errorf("unknown action %q", action)
	}
	return nil
}
