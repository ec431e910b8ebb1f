package testing

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/pablopunk/doce.dev-sub004/db"
)

// CreateTestDB creates a migrated SQLite database in a per-test temp directory.
// A file is used instead of :memory: so every pooled connection sees the same data.
// Automatically registers cleanup via t.Cleanup().
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "doce-test.db")
	conn, err := db.OpenWithMigrations(path, nil)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
	})

	return conn
}
