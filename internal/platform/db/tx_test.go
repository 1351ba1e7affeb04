package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rcm/rcm/internal/platform/apperror"
)

type counterStore struct {
	n int
}

func (s *counterStore) Snapshot() func() {
	saved := s.n
	return func() { s.n = saved }
}

func TestMemTx_CommitKeepsChanges(t *testing.T) {
	s := &counterStore{}
	tx := NewMemTx(s)
	err := tx.WithTx(context.Background(), func(ctx context.Context) error {
		s.n = 5
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.n != 5 {
		t.Errorf("expected 5, got %d", s.n)
	}
}

func TestMemTx_ErrorRollsBackEveryParticipant(t *testing.T) {
	a, b := &counterStore{n: 1}, &counterStore{n: 2}
	tx := NewMemTx(a)
	tx.Join(b)
	boom := errors.New("boom")

	err := tx.WithTx(context.Background(), func(ctx context.Context) error {
		a.n = 10
		b.n = 20
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if a.n != 1 || b.n != 2 {
		t.Errorf("expected rollback to 1/2, got %d/%d", a.n, b.n)
	}
}

func TestMemTx_NestedJoinsOuter(t *testing.T) {
	s := &counterStore{}
	tx := NewMemTx(s)
	err := tx.WithTx(context.Background(), func(ctx context.Context) error {
		s.n = 1
		if err := tx.WithTx(ctx, func(ctx context.Context) error {
			s.n = 2
			return nil
		}); err != nil {
			return err
		}
		return errors.New("outer fails")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if s.n != 0 {
		t.Errorf("expected nested writes rolled back with outer, got %d", s.n)
	}
}

func TestTxFromContext_Nil(t *testing.T) {
	if TxFromContext(context.Background()) != nil {
		t.Error("expected nil tx from empty context")
	}
}

func TestTxFromContext_WithWrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), DBTxKey, "not-a-tx")
	if TxFromContext(ctx) != nil {
		t.Error("expected nil when context value is wrong type")
	}
}

func TestWrapError(t *testing.T) {
	if WrapError("insert", nil) != nil {
		t.Error("expected nil")
	}

	dup := WrapError("insert payment", &pgconn.PgError{Code: "23505", Message: "duplicate key"})
	if !apperror.IsDuplicate(dup) {
		t.Errorf("expected duplicate, got %v", dup)
	}

	generic := WrapError("update claim", errors.New("connection reset"))
	var de *apperror.DatabaseError
	if !errors.As(generic, &de) || de.Duplicate || de.Op != "update claim" {
		t.Errorf("expected generic database error, got %v", generic)
	}

	if again := WrapError("outer", generic); again != generic {
		t.Error("expected already wrapped error to pass through")
	}
}
