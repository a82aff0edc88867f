package commands

import (
	"database/sql"

	"github.com/spf13/cobra"

	"github.com/loomctl/loom/config"
	"github.com/loomctl/loom/db"
	"github.com/loomctl/loom/errors"
	"github.com/loomctl/loom/logger"
)

// loadConfig reads configuration using the persistent --config flag.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", errors.Wrap(err, "load configuration")
	}
	return cfg, path, nil
}

// openDatabase opens and migrates the worker database.
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	database, err := db.Open(cfg.Database.Path, logger.Logger)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, errors.Wrap(err, "migrate database")
	}
	return database, nil
}
