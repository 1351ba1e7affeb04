package db

import (
	"testing"
	"testing/fstest"
	"time"
)

func TestLoadMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"002_payments.sql": {Data: []byte("CREATE TABLE payment (id UUID PRIMARY KEY);")},
		"001_claims.sql":   {Data: []byte("CREATE TABLE claim (id UUID PRIMARY KEY);")},
		"010_indexes.sql":  {Data: []byte("CREATE INDEX i ON claim (id);")},
	}

	migrations, err := NewMigrator(nil, fsys).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}
	wantVersions := []int{1, 2, 10}
	for i, v := range wantVersions {
		if migrations[i].Version != v {
			t.Errorf("migration %d: expected version %d, got %d", i, v, migrations[i].Version)
		}
	}
	if migrations[0].Name != "001_claims.sql" {
		t.Errorf("expected name 001_claims.sql, got %s", migrations[0].Name)
	}
	if migrations[0].SQL != "CREATE TABLE claim (id UUID PRIMARY KEY);" {
		t.Errorf("unexpected SQL content: %s", migrations[0].SQL)
	}
}

func TestLoadMigrations_SkipsInvalidNames(t *testing.T) {
	fsys := fstest.MapFS{
		"001_valid.sql":     {Data: []byte("SELECT 1;")},
		"README.md":         {Data: []byte("docs")},
		"noprefix.sql":      {Data: []byte("SELECT 2;")},
		"abc_notnum.sql":    {Data: []byte("SELECT 3;")},
		"sub/002_inner.sql": {Data: []byte("SELECT 4;")},
	}
	migrations, err := NewMigrator(nil, fsys).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 1 {
		t.Fatalf("expected 1 migration, got %d", len(migrations))
	}
	if migrations[0].Name != "001_valid.sql" {
		t.Errorf("unexpected migration %s", migrations[0].Name)
	}
}

func TestLoadMigrations_Empty(t *testing.T) {
	migrations, err := NewMigrator(nil, fstest.MapFS{}).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 0 {
		t.Errorf("expected no migrations, got %d", len(migrations))
	}
}

func TestMergeStatus(t *testing.T) {
	migrations := []Migration{
		{Version: 1, Name: "001_claims.sql"},
		{Version: 2, Name: "002_payments.sql"},
	}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	statuses := mergeStatus(migrations, map[int]time.Time{1: at})

	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if !statuses[0].Applied || statuses[0].AppliedAt == nil || !statuses[0].AppliedAt.Equal(at) {
		t.Errorf("expected migration 1 applied at %v, got %+v", at, statuses[0])
	}
	if statuses[1].Applied || statuses[1].AppliedAt != nil {
		t.Errorf("expected migration 2 pending, got %+v", statuses[1])
	}
}
