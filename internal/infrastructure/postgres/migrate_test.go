package postgres

import (
	"testing"
	"testing/fstest"
)

func TestLoadMigrations_SortsAndSkips(t *testing.T) {
	files := fstest.MapFS{
		"010_later.sql":  {Data: []byte("SELECT 10")},
		"002_second.sql": {Data: []byte("SELECT 2")},
		"README.md":      {Data: []byte("docs")},
		"seed.sql":       {Data: []byte("SELECT 0")},
		"abc_bad.sql":    {Data: []byte("SELECT -1")},
	}

	got, err := LoadMigrations(files)
	if err != nil {
		t.Fatalf("LoadMigrations: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d migrations, want 2", len(got))
	}
	if got[0].Version != 2 || got[1].Version != 10 {
		t.Errorf("versions = %d,%d; want 2,10", got[0].Version, got[1].Version)
	}
	if got[1].SQL != "SELECT 10" {
		t.Errorf("SQL = %q", got[1].SQL)
	}
}

func TestEmbeddedMigrations(t *testing.T) {
	m := NewMigrator(nil, nil, nil)
	got, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) == 0 || got[0].Version != 1 {
		t.Fatalf("expected embedded schema as version 1, got %+v", got)
	}
}
