package db

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

type fakeSchema struct {
	statuses []MigrationStatus
	err      error
}

func (s fakeSchema) Status(context.Context) ([]MigrationStatus, error) { return s.statuses, s.err }

func applied(version int, name string) MigrationStatus {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return MigrationStatus{Version: version, Name: name, Applied: true, AppliedAt: &at}
}

func TestCheckHealth_Current(t *testing.T) {
	schema := fakeSchema{statuses: []MigrationStatus{applied(1, "001_rcm.sql"), applied(2, "002_indexes.sql")}}

	r, ok := CheckHealth(context.Background(), fakePinger{}, schema)
	if !ok {
		t.Fatalf("expected healthy, got %+v", r)
	}
	if r.Status != "healthy" || r.SchemaVersion != 2 {
		t.Errorf("unexpected report %+v", r)
	}
	if len(r.PendingMigrations) != 0 {
		t.Errorf("expected no pending migrations, got %v", r.PendingMigrations)
	}
}

func TestCheckHealth_PendingMigrations(t *testing.T) {
	schema := fakeSchema{statuses: []MigrationStatus{
		applied(1, "001_rcm.sql"),
		{Version: 2, Name: "002_indexes.sql"},
	}}

	r, ok := CheckHealth(context.Background(), fakePinger{}, schema)
	if ok {
		t.Fatal("expected unready while migrations are pending")
	}
	if r.SchemaVersion != 1 {
		t.Errorf("expected schema version 1, got %d", r.SchemaVersion)
	}
	if len(r.PendingMigrations) != 1 || r.PendingMigrations[0] != "002_indexes.sql" {
		t.Errorf("unexpected pending list %v", r.PendingMigrations)
	}
}

func TestCheckHealth_Failures(t *testing.T) {
	tests := []struct {
		name   string
		pinger Pinger
		schema SchemaChecker
		want   string
	}{
		{"ping fails", fakePinger{err: errors.New("dial tcp: refused")}, fakeSchema{}, "database unreachable"},
		{"status fails", fakePinger{}, fakeSchema{err: errors.New("permission denied")}, "schema status unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, ok := CheckHealth(context.Background(), tt.pinger, tt.schema)
			if ok {
				t.Fatal("expected unhealthy")
			}
			if r.Error != tt.want {
				t.Errorf("expected error %q, got %q", tt.want, r.Error)
			}
		})
	}
}
