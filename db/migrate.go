package db

import (
	"database/sql"
	"embed"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/pablopunk/doce.dev-sub004/errors"
)

//go:embed sqlite/migrations/*.sql
var migrations embed.FS

const migrationsDir = "sqlite/migrations"

// Migration is one embedded schema file.
type Migration struct {
	Version string // filename prefix before the first "_"
	Name    string
	Applied bool
}

// Migrations lists the embedded migration files in application order.
func Migrations() ([]Migration, error) {
	entries, err := migrations.ReadDir(migrationsDir)
	if err != nil {
		return nil, errors.Wrap(err, "read migrations")
	}

	var out []Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		out = append(out, Migration{
			Version: strings.SplitN(entry.Name(), "_", 2)[0],
			Name:    entry.Name(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Status reports which embedded migrations have been applied to db.
func Status(db *sql.DB) ([]Migration, error) {
	all, err := Migrations()
	if err != nil {
		return nil, err
	}
	for i := range all {
		applied, err := isApplied(db, all[i].Version)
		if err != nil {
			// schema_migrations missing means nothing has been applied yet
			return all, nil
		}
		all[i].Applied = applied
	}
	return all, nil
}

// Migrate runs all pending migrations in filename order. Each file runs in its own
// transaction together with its schema_migrations row, so a failed file leaves no trace.
// If logger is provided, logs migration progress; otherwise operates silently.
func Migrate(db *sql.DB, logger *zap.SugaredLogger) error {
	all, err := Migrations()
	if err != nil {
		return err
	}

	for _, m := range all {
		applied, err := isApplied(db, m.Version)
		if err != nil {
			// 000 creates schema_migrations, everything else needs it
			if m.Version != "000" {
				return errors.Wrapf(err, "schema_migrations table missing, but migration is not 000: %s", m.Name)
			}
		} else if applied {
			if logger != nil {
				logger.Debugw("Skipping migration (already applied)", "migration", m.Name, "version", m.Version)
			}
			continue
		}

		if err := apply(db, m); err != nil {
			return err
		}
		if logger != nil {
			logger.Infow("Applied migration", "migration", m.Name, "version", m.Version)
		}
	}

	if logger != nil {
		logger.Infow("Migrations complete", "total_migrations", len(all))
	}
	return nil
}

func isApplied(db *sql.DB, version string) (bool, error) {
	var exists bool
	err := db.QueryRow("SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)", version).Scan(&exists)
	return exists, err
}

func apply(db *sql.DB, m Migration) error {
	body, err := migrations.ReadFile(path.Join(migrationsDir, m.Name))
	if err != nil {
		return errors.Wrapf(err, "read %s", m.Name)
	}

	tx, err := db.Begin()
	if err != nil {
		return errors.Wrapf(err, "begin tx for %s", m.Name)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(body)); err != nil {
		return errors.Wrapf(err, "execute %s", m.Name)
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.Version); err != nil {
		return errors.Wrapf(err, "record %s", m.Name)
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, "commit %s", m.Name)
	}
	return nil
}
