// Package lock serializes critical sections that span a read and a write,
// such as checking a doctor's calendar and booking into it.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/medtech/clinic/internal/platform/db"
)

// ErrNotAcquired is returned when a lock could not be taken before the wait
// budget ran out.
var ErrNotAcquired = errors.New("lock not acquired")

// Locker acquires an exclusive lock on key. The returned release func is
// safe to call more than once.
type Locker interface {
	Acquire(ctx context.Context, key string) (func(), error)
}

// txScoped marks lockers whose lock is bound to the database transaction.
type txScoped interface {
	txScoped()
}

// WithinTx runs fn in a transaction while key is held. A transaction-scoped
// lock is taken inside the transaction. Any other lock is taken before the
// transaction begins and released only after it commits or rolls back, so
// the next holder always sees the committed writes.
func WithinTx(ctx context.Context, tx db.Transactor, l Locker, key string, fn func(ctx context.Context) error) error {
	if _, ok := l.(txScoped); ok {
		return tx.WithinTx(ctx, func(ctx context.Context) error {
			release, err := l.Acquire(ctx, key)
			if err != nil {
				return err
			}
			defer release()
			return fn(ctx)
		})
	}

	release, err := l.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer release()
	return tx.WithinTx(ctx, fn)
}

// PGAdvisoryLocker takes a transaction-scoped advisory lock. The lock is
// held until the surrounding transaction commits or rolls back, so it must
// be called inside db.Transactor.WithinTx.
type PGAdvisoryLocker struct{}

func NewPGAdvisoryLocker() *PGAdvisoryLocker { return &PGAdvisoryLocker{} }

func (PGAdvisoryLocker) txScoped() {}

func (PGAdvisoryLocker) Acquire(ctx context.Context, key string) (func(), error) {
	tx, ok := db.TxFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("advisory lock %q: no transaction in context", key)
	}
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", key); err != nil {
		return nil, fmt.Errorf("advisory lock %q: %w", key, err)
	}
	return func() {}, nil
}

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements a single-instance Redis lock with SET NX PX.
type RedisLocker struct {
	client redis.Cmdable
	ttl    time.Duration
	retry  time.Duration
	wait   time.Duration
}

func NewRedisLocker(client redis.Cmdable) *RedisLocker {
	return &RedisLocker{
		client: client,
		ttl:    10 * time.Second,
		retry:  25 * time.Millisecond,
		wait:   5 * time.Second,
	}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	key = "lock:" + key

	waitCtx, cancel := context.WithTimeout(ctx, l.wait)
	defer cancel()

	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(waitCtx, key, token, l.ttl).Result()
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("redis lock %q: %w", key, err)
		}
		if ok {
			var once sync.Once
			return func() {
				once.Do(func() {
					rctx, rcancel := context.WithTimeout(context.Background(), time.Second)
					defer rcancel()
					releaseScript.Run(rctx, l.client, []string{key}, token)
				})
			}, nil
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("redis lock %q: %w", key, ErrNotAcquired)
		case <-ticker.C:
		}
	}
}

// MemoryLocker serializes callers within a single process.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]chan struct{})}
}

func (l *MemoryLocker) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	sem, ok := l.locks[key]
	if !ok {
		sem = make(chan struct{}, 1)
		l.locks[key] = sem
	}
	l.mu.Unlock()

	select {
	case sem <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-sem }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
