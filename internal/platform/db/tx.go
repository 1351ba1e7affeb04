package db

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type contextKey string

const DBTxKey contextKey = "db_tx"

// Queryable is the subset of pgx shared by pools and transactions.
type Queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// TxFromContext returns the transaction stored by WithTx, or nil.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

// Conn returns the transaction in ctx when there is one, otherwise the pool.
func Conn(ctx context.Context, pool *pgxpool.Pool) Queryable {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}

// TxManager runs fn inside a transaction. Nested calls join the outer
// transaction. fn's error rolls everything back and is returned unchanged.
type TxManager interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// PoolTxManager is the PostgreSQL TxManager.
type PoolTxManager struct {
	pool *pgxpool.Pool
}

func NewTxManager(pool *pgxpool.Pool) *PoolTxManager {
	return &PoolTxManager{pool: pool}
}

func (m *PoolTxManager) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return WrapError("begin transaction", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(context.WithValue(ctx, DBTxKey, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return WrapError("commit transaction", err)
	}
	return nil
}

// Snapshotter is implemented by in-memory stores taking part in a MemTx.
// Snapshot captures the current state and returns a function restoring it.
type Snapshotter interface {
	Snapshot() (restore func())
}

const memTxKey contextKey = "mem_tx"

// MemTx gives in-memory stores all-or-nothing semantics: every participant is
// snapshotted before fn runs and restored if fn fails. Transactions are
// serialized.
type MemTx struct {
	mu    sync.Mutex
	parts []Snapshotter
}

func NewMemTx(parts ...Snapshotter) *MemTx {
	return &MemTx{parts: parts}
}

// Join adds participants after construction.
func (m *MemTx) Join(parts ...Snapshotter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parts = append(m.parts, parts...)
}

func (m *MemTx) WithTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if ctx.Value(memTxKey) != nil {
		return fn(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	restores := make([]func(), len(m.parts))
	for i, p := range m.parts {
		restores[i] = p.Snapshot()
	}
	defer func() {
		if r := recover(); r != nil {
			rollback(restores)
			panic(r)
		}
	}()

	if err = fn(context.WithValue(ctx, memTxKey, true)); err != nil {
		rollback(restores)
	}
	return err
}

func rollback(restores []func()) {
	for i := len(restores) - 1; i >= 0; i-- {
		restores[i]()
	}
}
