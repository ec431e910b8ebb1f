package db

import (
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/pablopunk/doce.dev-sub004/errors"
)

// SQLiteBusyTimeoutMS is how long a connection waits on a locked database before failing.
const SQLiteBusyTimeoutMS = 5000

// DSN builds a go-sqlite3 data source name for path. The pragmas travel in the DSN
// so every pooled connection gets them, not just the first one.
// Write transactions start with BEGIN IMMEDIATE so readers-turned-writers never
// hit SQLITE_BUSY_SNAPSHOT under WAL.
func DSN(path string) string {
	params := url.Values{}
	params.Set("_busy_timeout", fmt.Sprintf("%d", SQLiteBusyTimeoutMS))
	params.Set("_journal_mode", "WAL")
	params.Set("_foreign_keys", "1")
	params.Set("_txlock", "immediate")

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return "file:" + strings.TrimPrefix(path, "file:") + sep + params.Encode()
}

// Open opens a SQLite database at the specified path with WAL, foreign keys and
// a busy timeout enabled.
// If logger is provided, logs database operations; otherwise operates silently.
func Open(path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	if logger != nil {
		logger.Debugw("Opening database", "path", path)
	}
	db, err := sql.Open("sqlite3", DSN(path))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "failed to connect to database %s", path)
	}

	if logger != nil {
		logger.Infow("Database opened successfully",
			"path", path,
			"wal_mode", true,
			"foreign_keys", true,
		)
	}

	return db, nil
}

// OpenWithMigrations opens the database and applies all pending migrations.
func OpenWithMigrations(path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	db, err := Open(path, logger)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	if err := Migrate(db, logger); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migrate database")
	}

	return db, nil
}
