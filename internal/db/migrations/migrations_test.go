package migrations

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrateUp_FreshDatabase(t *testing.T) {
	db := openTestDB(t)

	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() failed: %v", err)
	}

	for _, table := range []string{"projects", "project_collaborators", "project_files", "schema_migrations"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("Table %s was not created: %v", table, err)
		}
	}
}

func TestMigrateUp_Idempotent(t *testing.T) {
	db := openTestDB(t)

	if err := MigrateUp(db); err != nil {
		t.Fatalf("First MigrateUp() failed: %v", err)
	}
	if err := MigrateUp(db); err != nil {
		t.Fatalf("Second MigrateUp() failed: %v", err)
	}
}

func TestVersion(t *testing.T) {
	db := openTestDB(t)

	v, dirty, err := Version(db)
	if err != nil {
		t.Fatalf("Version() on fresh database failed: %v", err)
	}
	if v != 0 || dirty {
		t.Errorf("Fresh database version = %d dirty=%v, want 0 clean", v, dirty)
	}

	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() failed: %v", err)
	}
	v, dirty, err = Version(db)
	if err != nil {
		t.Fatalf("Version() failed: %v", err)
	}
	if v != 1 || dirty {
		t.Errorf("Migrated version = %d dirty=%v, want 1 clean", v, dirty)
	}
}
