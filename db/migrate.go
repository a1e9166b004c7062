package db

import (
	"database/sql"
	"embed"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/cadence/errors"
)

//go:embed sqlite/migrations/*.sql
var migrations embed.FS

// bootstrapVersion creates schema_migrations and therefore cannot be looked up in it
const bootstrapVersion = "000"

// Migration is one embedded schema file
type Migration struct {
	Version string `json:"version"`
	Name    string `json:"name"`
	Applied bool   `json:"applied"`
}

// embedded lists the embedded migrations in version order
func embedded() ([]Migration, error) {
	entries, err := migrations.ReadDir("sqlite/migrations")
	if err != nil {
		return nil, errors.Wrap(err, "read migrations")
	}

	var list []Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, _, _ := strings.Cut(entry.Name(), "_")
		list = append(list, Migration{Version: version, Name: entry.Name()})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list, nil
}

// applied returns the recorded versions. A database that has never been
// migrated has no schema_migrations table and reports none.
func applied(db *sql.DB) (map[string]bool, error) {
	var hasTable bool
	err := db.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = 'schema_migrations')`,
	).Scan(&hasTable)
	if err != nil {
		return nil, errors.Wrap(err, "check schema_migrations")
	}

	done := make(map[string]bool)
	if !hasTable {
		return done, nil
	}

	rows, err := db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, errors.Wrap(err, "read schema_migrations")
	}
	defer rows.Close()
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, errors.Wrap(err, "scan schema_migrations")
		}
		done[v] = true
	}
	return done, rows.Err()
}

// Status reports every embedded migration and whether it has been applied
func Status(db *sql.DB) ([]Migration, error) {
	list, err := embedded()
	if err != nil {
		return nil, err
	}
	done, err := applied(db)
	if err != nil {
		return nil, err
	}
	for i := range list {
		list[i].Applied = done[list[i].Version]
	}
	return list, nil
}

// Migrate runs all pending migrations, each in its own transaction.
// If logger is provided, logs migration progress; otherwise operates silently.
func Migrate(db *sql.DB, logger *zap.SugaredLogger) error {
	list, err := Status(db)
	if err != nil {
		return err
	}
	if len(list) == 0 || list[0].Version != bootstrapVersion {
		return errors.New("first migration must create schema_migrations")
	}

	count := 0
	for _, m := range list {
		if m.Applied {
			continue
		}
		if err := apply(db, m); err != nil {
			return err
		}
		if logger != nil {
			logger.Infow("Applied migration", "migration", m.Name, "version", m.Version)
		}
		count++
	}

	if logger != nil {
		logger.Debugw("Migrations complete",
			"total_migrations", len(list),
			"applied", count,
		)
	}
	return nil
}

func apply(db *sql.DB, m Migration) error {
	sqlBytes, err := migrations.ReadFile(path.Join("sqlite/migrations", m.Name))
	if err != nil {
		return errors.Wrapf(err, "read %s", m.Name)
	}

	tx, err := db.Begin()
	if err != nil {
		return errors.Wrapf(err, "begin tx for %s", m.Name)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(sqlBytes)); err != nil {
		return errors.Wrapf(err, "execute %s", m.Name)
	}
	// 000 creates the table, then records itself like every other migration
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, m.Version); err != nil {
		return errors.Wrapf(err, "record %s", m.Name)
	}
	return errors.Wrapf(tx.Commit(), "commit %s", m.Name)
}
