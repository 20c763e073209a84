package encountersync

import (
	"context"
	"sync"
)

// Transaction is a unit of work with named savepoints.
type Transaction interface {
	Savepoint(ctx context.Context, name string) error
	RollbackTo(ctx context.Context, name string) error
	Release(ctx context.Context, name string) error
	Commit(ctx context.Context) error
	// Rollback aborts the transaction; it is a no-op after Commit.
	Rollback(ctx context.Context) error
}

// UnitOfWork begins transactions. The returned context carries the
// transaction to every store called with it.
type UnitOfWork interface {
	Begin(ctx context.Context) (context.Context, Transaction, error)
}

// UnitOfWorkFunc adapts a function to UnitOfWork.
type UnitOfWorkFunc func(ctx context.Context) (context.Context, Transaction, error)

// Begin implements UnitOfWork.
func (f UnitOfWorkFunc) Begin(ctx context.Context) (context.Context, Transaction, error) {
	return f(ctx)
}

// Locker serializes work per key across pipeline invocations.
type Locker interface {
	// Lock blocks until key is held or ctx is done. The returned func releases it.
	Lock(ctx context.Context, key string) (func(context.Context) error, error)
}

// LocalLocker is an in-process Locker.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewLocalLocker creates an in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]chan struct{})}
}

// Lock implements Locker.
func (l *LocalLocker) Lock(ctx context.Context, key string) (func(context.Context) error, error) {
	l.mu.Lock()
	ch, ok := l.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[key] = ch
	}
	l.mu.Unlock()

	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func(context.Context) error {
			once.Do(func() { <-ch })
			return nil
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
