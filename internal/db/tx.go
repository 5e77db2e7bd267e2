package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is the query surface shared by pgxpool.Pool and pgx.Tx.
// Repositories take it as a parameter so the same method works inside
// and outside a transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxRunner runs a function inside a single atomic unit of work.
// Any error from fn rolls the whole unit back.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx DBTX) error) error
}

// PoolRunner is the pgx-backed TxRunner.
type PoolRunner struct {
	pool *pgxpool.Pool
}

func NewPoolRunner(pool *pgxpool.Pool) *PoolRunner {
	return &PoolRunner{pool: pool}
}

func (r *PoolRunner) InTx(ctx context.Context, fn func(ctx context.Context, tx DBTX) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return &PersistenceError{Op: "begin tx", Err: err}
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return &PersistenceError{Op: "commit tx", Err: err}
	}
	return nil
}

// PersistenceError marks a storage failure that aborted the current
// operation. It is never a business outcome and maps to a 5xx upstream.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Persistence wraps err as a PersistenceError unless it is nil.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}
