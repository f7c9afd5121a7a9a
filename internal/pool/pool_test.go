package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"browserrunner/internal/engine"
)

type fakeHandle struct{ id string }

func (h fakeHandle) ID() string { return h.id }

// fakeEngine is a minimal in-memory PoolEngine for exercising acquire/
// release/eviction logic without a real browser, the way the teacher's own
// tests avoid spinning up Chrome in non-live tests.
type fakeEngine struct {
	mu       sync.Mutex
	opened   int32
	closed   int32
	healthy  bool
	openErr  error
	openDelay time.Duration
}

func (f *fakeEngine) Open(ctx context.Context, cfg engine.OpenConfig) (engine.Handle, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	if f.openDelay > 0 {
		time.Sleep(f.openDelay)
	}
	n := atomic.AddInt32(&f.opened, 1)
	return fakeHandle{id: fmt.Sprintf("inst-%d", n)}, nil
}

func (f *fakeEngine) Close(ctx context.Context, h engine.Handle) error {
	atomic.AddInt32(&f.closed, 1)
	return nil
}

func (f *fakeEngine) Ping(ctx context.Context, h engine.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.healthy {
		return fmt.Errorf("unhealthy")
	}
	return nil
}

func newTestPool(cfg Config, eng *fakeEngine) *Pool {
	if cfg.MaxSize == 0 {
		cfg.MaxSize = 2
	}
	if cfg.AcquireTimeout == 0 {
		cfg.AcquireTimeout = time.Second
	}
	eng.healthy = true
	return New(cfg, eng, nil)
}

func TestAcquireLaunchesUpToMaxSize(t *testing.T) {
	eng := &fakeEngine{}
	p := newTestPool(Config{MaxSize: 2}, eng)
	ctx := context.Background()

	l1, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	l2, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&eng.opened); got != 2 {
		t.Errorf("expected 2 instances opened, got %d", got)
	}

	stats := p.Stats()
	if stats.InUse != 2 || stats.Size != 2 {
		t.Errorf("unexpected stats: %+v", stats)
	}

	l1.Release(ctx)
	l2.Release(ctx)
}

func TestAcquireBlocksThenExhausts(t *testing.T) {
	eng := &fakeEngine{}
	p := newTestPool(Config{MaxSize: 1, AcquireTimeout: 100 * time.Millisecond}, eng)
	ctx := context.Background()

	lease, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer lease.Release(ctx)

	_, err = p.Acquire(ctx)
	if err == nil {
		t.Fatal("expected PoolExhausted when max_size=1 and acquire_timeout elapses")
	}
}

func TestAcquireZeroTimeoutFailsFastOnFullPool(t *testing.T) {
	eng := &fakeEngine{healthy: true}
	// Built directly with New, bypassing newTestPool's AcquireTimeout==0
	// coercion, since that's exactly the zero value under test here.
	p := New(Config{MaxSize: 1, AcquireTimeout: 0}, eng, nil)
	ctx := context.Background()

	lease, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer lease.Release(ctx)

	start := time.Now()
	_, err = p.Acquire(ctx)
	elapsed := time.Since(start)
	if err == nil {
		t.Fatal("expected PoolExhausted for a full pool with acquire_timeout 0")
	}
	if elapsed > 50*time.Millisecond {
		t.Errorf("expected an immediate failure, took %v", elapsed)
	}
}

func TestReleaseWakesWaiter(t *testing.T) {
	eng := &fakeEngine{}
	p := newTestPool(Config{MaxSize: 1, AcquireTimeout: 2 * time.Second}, eng)
	ctx := context.Background()

	lease, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}

	result := make(chan error, 1)
	go func() {
		l2, err := p.Acquire(ctx)
		if err == nil {
			l2.Release(ctx)
		}
		result <- err
	}()

	time.Sleep(20 * time.Millisecond)
	lease.Release(ctx)

	if err := <-result; err != nil {
		t.Fatalf("waiter should have been woken: %v", err)
	}
}

func TestPoisonedLeaseIsDiscarded(t *testing.T) {
	eng := &fakeEngine{}
	p := newTestPool(Config{MaxSize: 1}, eng)
	ctx := context.Background()

	lease, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	lease.Poison()
	lease.Release(ctx)

	if got := atomic.LoadInt32(&eng.closed); got != 1 {
		t.Errorf("expected poisoned instance to be closed, got %d closes", got)
	}

	stats := p.Stats()
	if stats.Size != 0 {
		t.Errorf("expected instance removed from pool, stats=%+v", stats)
	}
}

func TestMaxUsesTriggersDiscard(t *testing.T) {
	eng := &fakeEngine{}
	p := newTestPool(Config{MaxSize: 1, MaxUses: 2}, eng)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		lease, err := p.Acquire(ctx)
		if err != nil {
			t.Fatal(err)
		}
		lease.Release(ctx)
	}

	if got := atomic.LoadInt32(&eng.closed); got != 1 {
		t.Errorf("expected instance recycled after max_uses, closed=%d", got)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	eng := &fakeEngine{}
	p := newTestPool(Config{MaxSize: 1}, eng)
	ctx := context.Background()

	lease, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	lease.Release(ctx)
	lease.Release(ctx) // must not panic or double-count

	stats := p.Stats()
	if stats.Idle != 1 {
		t.Errorf("expected one idle instance after idempotent release, got %+v", stats)
	}
}

func TestCloseClosesAllInstances(t *testing.T) {
	eng := &fakeEngine{}
	p := newTestPool(Config{MaxSize: 2}, eng)
	ctx := context.Background()

	l1, _ := p.Acquire(ctx)
	l2, _ := p.Acquire(ctx)
	l1.Release(ctx)
	l2.Release(ctx)

	if err := p.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := atomic.LoadInt32(&eng.closed); got != 2 {
		t.Errorf("expected 2 instances closed, got %d", got)
	}

	if _, err := p.Acquire(ctx); err == nil {
		t.Fatal("expected acquire on closed pool to fail")
	}
}
