// Package pool implements C2, the Browser Pool: a bounded set of engine
// instances lent out under lease semantics with health, idle, and age
// eviction. The acquire/release/waiter-queue/recycle shape is grounded on
// jmylchreest-refyne-api's internal/browser/pool.go (the strongest pool
// example in the retrieval pack — the teacher itself only manages a single
// shared browser, not a bounded pool), adapted to depend on
// internal/engine.Engine instead of importing rod directly, and to carry the
// poisoned-lease / scoped-release idiom  calls for.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"browserrunner/internal/engine"
	"browserrunner/internal/rterr"
)

// ErrPoolExhausted is returned at once when the pool is full and
// acquire_timeout is 0. A waiter whose positive acquire_timeout elapses gets
// a separate Fatal "pool exhausted: acquire_timeout exceeded" error instead.
var ErrPoolExhausted = rterr.FatalErr("pool exhausted", nil)

// Config mirrors this configuration knobs.
type Config struct {
	MaxSize        int
	IdleTimeout    time.Duration
	MaxLifetime    time.Duration
	MaxUses        int
	AcquireTimeout time.Duration
	SweepInterval  time.Duration
	Headless       bool
	BinPath        string
	ControlURL     string
	ViewportWidth  int
	ViewportHeight int
}

// instance wraps one engine.Handle with the pool's own bookkeeping. It plays
// the role of spec's BrowserInstance.
type instance struct {
	id         string
	handle     engine.Handle
	createdAt  time.Time
	lastUsedAt time.Time
	useCount   int
	inUse      bool
}

// Lease is the ownership token spec's BrowserLease describes: exclusive
// control of one instance until Release is called (directly, or via the
// scoped-release idiom below).
type Lease struct {
	pool     *Pool
	instance *instance
	poisoned bool
	released bool
	mu       sync.Mutex
}

// Handle returns the engine handle this lease grants exclusive access to.
func (l *Lease) Handle() engine.Handle { return l.instance.handle }

// Poison marks the lease's instance for discard instead of return-to-pool,
// per cancellation-mid-navigation rule.
func (l *Lease) Poison() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.poisoned = true
}

// Release returns the lease's instance to the pool (or discards it, per
// policy). It is idempotent and safe to call from a defer, implementing the
// scoped-resource idiom  requires: release on every exit path.
func (l *Lease) Release(ctx context.Context) {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	l.released = true
	poisoned := l.poisoned
	l.mu.Unlock()
	l.pool.release(ctx, l.instance, poisoned)
}

// Stats mirrors this Pool::stats() shape.
type Stats struct {
	Size        int
	Idle        int
	InUse       int
	Waiters     int
	TotalCreated int
}

// Pool owns the bounded set of engine instances.
type Pool struct {
	cfg    Config
	eng    PoolEngine
	logger *zap.Logger

	mu           sync.Mutex
	instances    map[string]*instance
	idle         []*instance // LIFO stack of idle instances, newest last
	waiters      []chan *instance
	closed       bool
	totalCreated int

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// PoolEngine is the minimal surface Pool needs from an engine
// implementation, kept narrow so the pool never depends on a specific
// protocol library. rodengine.Engine satisfies this.
type PoolEngine interface {
	Open(ctx context.Context, cfg engine.OpenConfig) (engine.Handle, error)
	Close(ctx context.Context, h engine.Handle) error
	Ping(ctx context.Context, h engine.Handle) error
}

// New builds a Pool around eng using cfg for sizing/eviction policy.
func New(cfg Config, eng PoolEngine, logger *zap.Logger) *Pool {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:       cfg,
		eng:       eng,
		logger:    logger,
		instances: make(map[string]*instance),
	}
}

// StartSweeper launches the background idle-eviction sweeper, per spec
// §4.2's "background sweeper at a coarse interval".
func (p *Pool) StartSweeper(ctx context.Context) {
	interval := p.cfg.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	sweepCtx, cancel := context.WithCancel(ctx)
	p.sweepCancel = cancel
	p.sweepDone = make(chan struct{})

	go func() {
		defer close(p.sweepDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				p.sweepIdle(sweepCtx)
			}
		}
	}()
}

func (p *Pool) sweepIdle(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	var stale []*instance
	keep := p.idle[:0]
	for _, inst := range p.idle {
		if time.Since(inst.lastUsedAt) > p.cfg.IdleTimeout {
			stale = append(stale, inst)
		} else {
			keep = append(keep, inst)
		}
	}
	p.idle = keep
	for _, inst := range stale {
		delete(p.instances, inst.id)
	}
	p.mu.Unlock()

	for _, inst := range stale {
		p.logger.Info("evicting idle browser instance", zap.String("instance_id", inst.id), zap.Duration("idle", time.Since(inst.lastUsedAt)))
		_ = p.eng.Close(ctx, inst.handle)
	}
}

// Acquire implements this acquisition strategy: pop the newest
// healthy idle instance (LIFO), else launch up to max_size, else block on a
// FIFO waiter queue up to acquire_timeout.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	acquireTimeout := p.cfg.AcquireTimeout
	// acquire_timeout of 0 means "fail fast", not "no deadline": a saturated
	// pool must reject immediately instead of blocking on the waiter queue
	// forever.
	failFast := acquireTimeout == 0
	if acquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, acquireTimeout)
		defer cancel()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, rterr.FatalErr("pool closed", nil)
	}

	for len(p.idle) > 0 {
		inst := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		p.mu.Unlock()

		if p.healthy(ctx, inst) {
			p.mu.Lock()
			inst.inUse = true
			inst.lastUsedAt = time.Now()
			p.mu.Unlock()
			return &Lease{pool: p, instance: inst}, nil
		}
		// unhealthy: discard and keep looking
		p.discard(ctx, inst)
		p.mu.Lock()
	}

	if len(p.instances) < p.cfg.MaxSize {
		p.mu.Unlock()
		inst, err := p.launch(ctx)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.instances[inst.id] = inst
		p.totalCreated++
		inst.inUse = true
		p.mu.Unlock()
		return &Lease{pool: p, instance: inst}, nil
	}

	if failFast {
		p.mu.Unlock()
		return nil, ErrPoolExhausted
	}

	waitCh := make(chan *instance, 1)
	p.waiters = append(p.waiters, waitCh)
	p.mu.Unlock()

	select {
	case inst, ok := <-waitCh:
		if !ok {
			return nil, rterr.FatalErr("pool closed", nil)
		}
		return &Lease{pool: p, instance: inst}, nil
	case <-ctx.Done():
		p.removeWaiter(waitCh)
		return nil, rterr.New(rterr.Fatal, "pool exhausted: acquire_timeout exceeded", ctx.Err())
	}
}

func (p *Pool) removeWaiter(ch chan *instance) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}
}

func (p *Pool) launch(ctx context.Context) (*instance, error) {
	h, err := p.eng.Open(ctx, engine.OpenConfig{
		Headless:       p.cfg.Headless,
		BinPath:        p.cfg.BinPath,
		ControlURL:     p.cfg.ControlURL,
		ViewportWidth:  p.cfg.ViewportWidth,
		ViewportHeight: p.cfg.ViewportHeight,
	})
	if err != nil {
		return nil, rterr.FatalErr("opening engine instance", err)
	}
	now := time.Now()
	return &instance{id: h.ID(), handle: h, createdAt: now, lastUsedAt: now}, nil
}

func (p *Pool) healthy(ctx context.Context, inst *instance) bool {
	if time.Since(inst.createdAt) >= p.cfg.MaxLifetime && p.cfg.MaxLifetime > 0 {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.eng.Ping(probeCtx, inst.handle) == nil
}

// release implements this release policy: return to idle unless
// max_uses / max_lifetime / poisoned / unhealthy, in which case discard.
func (p *Pool) release(ctx context.Context, inst *instance, poisoned bool) {
	p.mu.Lock()
	inst.inUse = false
	inst.useCount++
	inst.lastUsedAt = time.Now()

	needsDiscard := poisoned ||
		(p.cfg.MaxUses > 0 && inst.useCount >= p.cfg.MaxUses) ||
		(p.cfg.MaxLifetime > 0 && time.Since(inst.createdAt) >= p.cfg.MaxLifetime)

	if !needsDiscard && len(p.waiters) > 0 {
		waitCh := p.waiters[0]
		p.waiters = p.waiters[1:]
		inst.inUse = true
		inst.lastUsedAt = time.Now()
		p.mu.Unlock()
		waitCh <- inst
		return
	}

	if needsDiscard {
		delete(p.instances, inst.id)
		p.mu.Unlock()
		p.logger.Info("discarding browser instance", zap.String("instance_id", inst.id),
			zap.Bool("poisoned", poisoned), zap.Int("use_count", inst.useCount))
		_ = p.eng.Close(ctx, inst.handle)
		return
	}

	p.idle = append(p.idle, inst)
	p.mu.Unlock()
}

func (p *Pool) discard(ctx context.Context, inst *instance) {
	p.mu.Lock()
	delete(p.instances, inst.id)
	p.mu.Unlock()
	_ = p.eng.Close(ctx, inst.handle)
}

// Stats implements this Pool::stats().
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	inUse := 0
	for _, inst := range p.instances {
		if inst.inUse {
			inUse++
		}
	}
	return Stats{
		Size:         len(p.instances),
		Idle:         len(p.idle),
		InUse:        inUse,
		Waiters:      len(p.waiters),
		TotalCreated: p.totalCreated,
	}
}

// Close shuts down every instance and rejects further use, aggregating every
// close failure via multierr rather than only the first, matching the
// fan-in join idiom used elsewhere in this module (see internal/workflow).
func (p *Pool) Close(ctx context.Context) error {
	if p.sweepCancel != nil {
		p.sweepCancel()
		<-p.sweepDone
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	instances := make([]*instance, 0, len(p.instances))
	for _, inst := range p.instances {
		instances = append(instances, inst)
	}
	p.instances = make(map[string]*instance)
	p.idle = nil
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}

	var err error
	for _, inst := range instances {
		if cerr := p.eng.Close(ctx, inst.handle); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("closing instance %s: %w", inst.id, cerr))
		}
	}
	return err
}
