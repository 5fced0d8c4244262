package lock

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestPGAdvisoryLocker_RequiresTransaction(t *testing.T) {
	if _, err := NewPGAdvisoryLocker().Acquire(context.Background(), "appointment:doctor:x"); err == nil {
		t.Fatal("expected error without a transaction in context")
	}
}

func TestMemoryLocker_Exclusive(t *testing.T) {
	l := NewMemoryLocker()
	var inside, maxInside int32

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(context.Background(), "doctor-1")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			defer release()

			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Errorf("expected at most one holder, saw %d", maxInside)
	}
}

func TestMemoryLocker_IndependentKeys(t *testing.T) {
	l := NewMemoryLocker()
	r1, err := l.Acquire(context.Background(), "doctor-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer r1()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	r2, err := l.Acquire(ctx, "doctor-2")
	if err != nil {
		t.Fatalf("expected a different key to be free, got %v", err)
	}
	r2()
}

func TestMemoryLocker_ContextCancelled(t *testing.T) {
	l := NewMemoryLocker()
	release, _ := l.Acquire(context.Background(), "doctor-1")
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(ctx, "doctor-1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestMemoryLocker_DoubleReleaseIsSafe(t *testing.T) {
	l := NewMemoryLocker()
	release, _ := l.Acquire(context.Background(), "k")
	release()
	release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	r, err := l.Acquire(ctx, "k")
	if err != nil {
		t.Fatalf("expected lock to be free after release, got %v", err)
	}
	r()
}

func newRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	l := NewRedisLocker(client)
	l.wait = 150 * time.Millisecond
	l.retry = 5 * time.Millisecond
	return l, mr
}

func TestRedisLocker_AcquireRelease(t *testing.T) {
	l, mr := newRedisLocker(t)

	release, err := l.Acquire(context.Background(), "appointment:doctor:1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !mr.Exists("lock:appointment:doctor:1") {
		t.Fatal("expected lock key to exist")
	}
	if ttl := mr.TTL("lock:appointment:doctor:1"); ttl <= 0 {
		t.Errorf("expected lock key to carry a ttl, got %v", ttl)
	}

	release()
	if mr.Exists("lock:appointment:doctor:1") {
		t.Error("expected lock key to be deleted on release")
	}
}

func TestRedisLocker_Contended(t *testing.T) {
	l, _ := newRedisLocker(t)

	release, err := l.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer release()

	if _, err := l.Acquire(context.Background(), "k"); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired, got %v", err)
	}
}

func TestRedisLocker_WaitsForRelease(t *testing.T) {
	l, _ := newRedisLocker(t)

	release, _ := l.Acquire(context.Background(), "k")
	go func() {
		time.Sleep(30 * time.Millisecond)
		release()
	}()

	r2, err := l.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatalf("expected second caller to get the lock after release, got %v", err)
	}
	r2()
}

func TestRedisLocker_ReleaseDoesNotStealForeignLock(t *testing.T) {
	l, mr := newRedisLocker(t)

	release, _ := l.Acquire(context.Background(), "k")
	// The lock expired and somebody else took it.
	mr.Set("lock:k", "other-owner")

	release()
	if got, _ := mr.Get("lock:k"); got != "other-owner" {
		t.Errorf("expected foreign lock to survive, got %q", got)
	}
}

// eventLog records the order of lock and transaction steps.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.Join(l.events, ",")
}

type recordingTx struct {
	log *eventLog
	// commitDelay widens the window between fn returning and the commit.
	commitDelay time.Duration
	onCommit    func()
}

func (t recordingTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	t.log.add("begin")
	if err := fn(ctx); err != nil {
		t.log.add("rollback")
		return err
	}
	time.Sleep(t.commitDelay)
	if t.onCommit != nil {
		t.onCommit()
	}
	t.log.add("commit")
	return nil
}

type recordingLocker struct {
	inner Locker
	log   *eventLog
}

func (l recordingLocker) Acquire(ctx context.Context, key string) (func(), error) {
	release, err := l.inner.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	l.log.add("acquire")
	return func() {
		l.log.add("release")
		release()
	}, nil
}

type recordingTxLocker struct{ recordingLocker }

func (recordingTxLocker) txScoped() {}

func TestWithinTx_ReleasesAfterCommit(t *testing.T) {
	log := &eventLog{}
	l := recordingLocker{inner: NewMemoryLocker(), log: log}

	err := WithinTx(context.Background(), recordingTx{log: log}, l, "doctor-1", func(context.Context) error {
		log.add("work")
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, want := log.String(), "acquire,begin,work,commit,release"; got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestWithinTx_ReleasesAfterRollback(t *testing.T) {
	log := &eventLog{}
	l := recordingLocker{inner: NewMemoryLocker(), log: log}
	boom := errors.New("boom")

	err := WithinTx(context.Background(), recordingTx{log: log}, l, "doctor-1", func(context.Context) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if got, want := log.String(), "acquire,begin,rollback,release"; got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestWithinTx_TransactionScopedLockInsideTx(t *testing.T) {
	log := &eventLog{}
	l := recordingTxLocker{recordingLocker{inner: NewMemoryLocker(), log: log}}

	err := WithinTx(context.Background(), recordingTx{log: log}, l, "doctor-1", func(context.Context) error {
		log.add("work")
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, want := log.String(), "begin,acquire,work,release,commit"; got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestWithinTx_NextHolderSeesCommit(t *testing.T) {
	l, _ := newRedisLocker(t)
	l.wait = 2 * time.Second
	var committed int32
	tx := recordingTx{
		log:         &eventLog{},
		commitDelay: 50 * time.Millisecond,
		onCommit:    func() { atomic.AddInt32(&committed, 1) },
	}

	var wg sync.WaitGroup
	seen := make([]int32, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := WithinTx(context.Background(), tx, l, "doctor-1", func(context.Context) error {
				seen[i] = atomic.LoadInt32(&committed)
				return nil
			})
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if seen[0]+seen[1] != 1 {
		t.Errorf("expected exactly one holder to see the other's commit, got %v", seen)
	}
}

func TestPGAdvisoryLocker_IsTransactionScoped(t *testing.T) {
	var l Locker = NewPGAdvisoryLocker()
	if _, ok := l.(txScoped); !ok {
		t.Error("expected advisory locker to be transaction scoped")
	}
	for _, other := range []Locker{NewMemoryLocker(), &RedisLocker{}} {
		if _, ok := other.(txScoped); ok {
			t.Errorf("%T must not be transaction scoped", other)
		}
	}
}
