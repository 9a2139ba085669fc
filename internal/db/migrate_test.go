package db

import (
	"path/filepath"
	"testing"
)

func TestMigrationsApplyOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "room.db")

	e, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	v, err := e.MigrationVersion()
	if err != nil {
		t.Fatalf("MigrationVersion: %v", err)
	}
	want := migrations[len(migrations)-1].version
	if v != want {
		t.Errorf("expected version %d after cold start, got %d", want, v)
	}

	if _, err := e.ExecuteSQL("INSERT INTO _room_meta (key, value) VALUES ('name', 'demo')"); err != nil {
		t.Fatalf("insert meta: %v", err)
	}
	e.Close()

	// reopening must not reapply steps or lose data
	e2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer e2.Close()

	v2, err := e2.MigrationVersion()
	if err != nil {
		t.Fatalf("MigrationVersion: %v", err)
	}
	if v2 != want {
		t.Errorf("version changed on reopen: %d", v2)
	}
	rows, err := e2.ExecuteSQL("SELECT value FROM _room_meta WHERE key = 'name'")
	if err != nil {
		t.Fatalf("select meta: %v", err)
	}
	if len(rows) != 1 || rows[0]["value"] != "demo" {
		t.Errorf("room metadata lost across reopen: %v", rows)
	}
}

func TestMigrationsOrderedAscending(t *testing.T) {
	last := 0
	for _, m := range migrations {
		if m.version <= last {
			t.Fatalf("migration %d (%s) out of order after %d", m.version, m.name, last)
		}
		last = m.version
	}
}
