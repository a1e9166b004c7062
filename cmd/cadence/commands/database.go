package commands

import (
	"context"
	"database/sql"

	"github.com/teranos/cadence/am"
	"github.com/teranos/cadence/db"
	"github.com/teranos/cadence/engine"
	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/logger"
)

// DefaultDatabasePath is used when database.path is empty
const DefaultDatabasePath = "cadence.db"

// openDatabase opens and migrates a database using the specified path.
// If dbPath is empty, it loads from am config. Uses logger.Logger for db operations.
func openDatabase(dbPath string) (*sql.DB, error) {
	dbPath, err := resolveDatabasePath(dbPath)
	if err != nil {
		return nil, err
	}

	database, err := db.OpenWithMigrations(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}
	return database, nil
}

// resolveDatabasePath applies the --db-path > config > default order
func resolveDatabasePath(dbPath string) (string, error) {
	if dbPath != "" {
		return dbPath, nil
	}
	path, err := am.GetDatabasePath()
	if err != nil {
		return "", errors.Wrap(err, "failed to get database path")
	}
	if path == "" {
		return DefaultDatabasePath, nil
	}
	return path, nil
}

// openEngine opens the configured database and builds an engine over it
// without starting its loops. Control commands write through the same stores
// the server polls, so a running server picks the changes up.
func openEngine(ctx context.Context) (*engine.Engine, func(), error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to load configuration")
	}

	database, err := openDatabase(cfg.Database.Path)
	if err != nil {
		return nil, nil, err
	}

	// Only the server should relay events across processes
	local := *cfg
	local.Notify.RedisAddr = ""

	e, err := engine.New(ctx, database, &local, logger.Logger)
	if err != nil {
		database.Close()
		return nil, nil, err
	}
	return e, func() { database.Close() }, nil
}
