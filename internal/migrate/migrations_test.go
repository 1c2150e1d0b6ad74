package migrate

import (
	"context"
	"path/filepath"
	"testing"

	"deviationsync/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "dsync.db")})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	ctx := context.Background()

	v1, err := Migrate(ctx, conn)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	v2, err := Migrate(ctx, conn)
	if err != nil {
		t.Fatalf("migrate again: %v", err)
	}
	if v1 == 0 || v1 != v2 {
		t.Fatalf("expected stable non-zero version, got %d then %d", v1, v2)
	}
	for _, table := range []string{"sheet_rows", "passes", "events", "archived_rows", "pass_leases", "api_keys"} {
		var name string
		if err := conn.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name); err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}

func TestLoadMigrationsOrdered(t *testing.T) {
	ms, err := loadMigrations()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	for i := 1; i < len(ms); i++ {
		if ms[i].Version <= ms[i-1].Version {
			t.Fatalf("migrations out of order: %s before %s", ms[i-1].Name, ms[i].Name)
		}
	}
}
