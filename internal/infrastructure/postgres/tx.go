package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is satisfied by *pgxpool.Pool, pgx.Tx and *pgxpool.Conn.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txKey struct{}

// WithTx returns a context carrying tx.
func WithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// TxFromContext returns the transaction stored in ctx, or nil.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey{}).(pgx.Tx)
	return tx
}

// Conn returns the transaction in ctx if there is one, else the pool.
func Conn(ctx context.Context, pool *pgxpool.Pool) Querier {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}

// ErrNoTx is returned by savepoint operations on a context without a transaction.
var ErrNoTx = errors.New("no transaction in context")

// UnitOfWork opens transactions whose handle travels in the context,
// so every store that resolves its connection through Conn joins them.
type UnitOfWork struct {
	pool *pgxpool.Pool
}

// NewUnitOfWork creates a unit of work over pool.
func NewUnitOfWork(pool *pgxpool.Pool) *UnitOfWork {
	return &UnitOfWork{pool: pool}
}

// Begin starts a transaction and returns the context that carries it.
func (u *UnitOfWork) Begin(ctx context.Context) (context.Context, *Tx, error) {
	tx, err := u.pool.Begin(ctx)
	if err != nil {
		return ctx, nil, fmt.Errorf("begin tx: %w", err)
	}
	return WithTx(ctx, tx), &Tx{tx: tx}, nil
}

// Tx wraps pgx.Tx with named savepoints.
type Tx struct {
	tx pgx.Tx
}

// Savepoint creates a named savepoint.
func (t *Tx) Savepoint(ctx context.Context, name string) error {
	if t == nil || t.tx == nil {
		return ErrNoTx
	}
	_, err := t.tx.Exec(ctx, "SAVEPOINT "+pgx.Identifier{name}.Sanitize())
	if err != nil {
		return fmt.Errorf("savepoint %s: %w", name, err)
	}
	return nil
}

// RollbackTo undoes everything after the named savepoint.
func (t *Tx) RollbackTo(ctx context.Context, name string) error {
	if t == nil || t.tx == nil {
		return ErrNoTx
	}
	_, err := t.tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+pgx.Identifier{name}.Sanitize())
	if err != nil {
		return fmt.Errorf("rollback to savepoint %s: %w", name, err)
	}
	return nil
}

// Release discards the named savepoint, keeping its work.
func (t *Tx) Release(ctx context.Context, name string) error {
	if t == nil || t.tx == nil {
		return ErrNoTx
	}
	_, err := t.tx.Exec(ctx, "RELEASE SAVEPOINT "+pgx.Identifier{name}.Sanitize())
	if err != nil {
		return fmt.Errorf("release savepoint %s: %w", name, err)
	}
	return nil
}

// Commit commits the transaction.
func (t *Tx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Rollback aborts the transaction. It is safe to call after Commit.
func (t *Tx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}
