package migrate_test

import (
	"testing"

	"forgeline/internal/db"
	"forgeline/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	for i := 0; i < 2; i++ {
		if err := migrate.Migrate(conn); err != nil {
			t.Fatalf("migrate #%d: %v", i+1, err)
		}
	}

	var version int
	if err := conn.QueryRow(`SELECT version FROM schema_version`).Scan(&version); err != nil {
		t.Fatalf("read version: %v", err)
	}
	if version < 1 {
		t.Fatalf("version = %d, want >= 1", version)
	}
	var rows int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM schema_version`).Scan(&rows); err != nil || rows != 1 {
		t.Fatalf("schema_version rows = %d err = %v, want exactly 1", rows, err)
	}

	// The migrated schema is usable.
	if _, err := conn.Exec(`INSERT INTO tenants(id,name,created_at) VALUES ('t1','Tenant','2024-01-01T00:00:00Z')`); err != nil {
		t.Fatalf("insert tenant: %v", err)
	}
}
