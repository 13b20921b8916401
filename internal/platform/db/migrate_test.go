package db

import (
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"
)

func TestLoadMigrations(t *testing.T) {
	files := fstest.MapFS{
		"001_lab_tat.sql":       {Data: []byte("CREATE TABLE patients (lab_number TEXT PRIMARY KEY);")},
		"002_progress.sql":      {Data: []byte("ALTER TABLE patients ADD COLUMN progress TEXT;")},
		"003_correlation.sql":   {Data: []byte("ALTER TABLE patients ADD COLUMN correlation_keys TEXT[];")},
		"README.md":             {Data: []byte("not a migration")},
		"notes.sql":             {Data: []byte("-- no version prefix")},
		"abc_bad.sql":           {Data: []byte("-- non-numeric prefix")},
		"fixtures/004_skip.sql": {Data: []byte("-- nested files are ignored")},
	}

	migrator := NewMigrator(nil, files)
	migrations, err := migrator.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}

	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}
	for i, want := range []int{1, 2, 3} {
		if migrations[i].Version != want {
			t.Errorf("migration %d: expected version %d, got %d", i, want, migrations[i].Version)
		}
	}
	if migrations[0].Name != "001_lab_tat.sql" {
		t.Errorf("expected name 001_lab_tat.sql, got %s", migrations[0].Name)
	}
}

func TestLoadMigrations_SortOrder(t *testing.T) {
	dir := t.TempDir()

	// Written out of order to exercise sorting.
	for _, name := range []string{"010_ten.sql", "002_two.sql", "001_one.sql"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0644); err != nil {
			t.Fatalf("failed to write test file %s: %v", name, err)
		}
	}

	migrations, err := NewDirMigrator(nil, dir).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}
	if migrations[0].Version != 1 || migrations[1].Version != 2 || migrations[2].Version != 10 {
		t.Errorf("unexpected order: %d, %d, %d", migrations[0].Version, migrations[1].Version, migrations[2].Version)
	}
}

func TestLoadMigrations_EmptyDir(t *testing.T) {
	migrations, err := NewDirMigrator(nil, t.TempDir()).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 0 {
		t.Errorf("expected 0 migrations from empty dir, got %d", len(migrations))
	}
}

func TestLoadMigrations_NonExistentDir(t *testing.T) {
	_, err := NewDirMigrator(nil, "/nonexistent/path/that/does/not/exist").LoadMigrations()
	if err == nil {
		t.Error("expected error for non-existent directory")
	}
}

func TestPendingAndStatuses(t *testing.T) {
	migrations := []Migration{
		{Version: 1, Name: "001_lab_tat.sql"},
		{Version: 2, Name: "002_progress.sql"},
		{Version: 3, Name: "003_correlation.sql"},
	}
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	applied := map[int]time.Time{1: at}

	p := pending(migrations, applied)
	if len(p) != 2 || p[0].Version != 2 || p[1].Version != 3 {
		t.Fatalf("unexpected pending set: %+v", p)
	}

	st := statuses(migrations, applied)
	if len(st) != 3 {
		t.Fatalf("expected 3 statuses, got %d", len(st))
	}
	if !st[0].Applied || st[0].AppliedAt == nil || !st[0].AppliedAt.Equal(at) {
		t.Errorf("expected migration 001 applied at %s, got %+v", at, st[0])
	}
	if st[1].Applied || st[1].AppliedAt != nil {
		t.Errorf("expected migration 002 pending, got %+v", st[1])
	}
}
