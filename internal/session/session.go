// Package session implements C3, the Session Registry: opaque SessionId to
// bound browser lease plus per-session state, TTL expiry, and perception
// cache coherence. Structurally grounded on the teacher's
// SessionManager.sessions map + mutex (internal/browser/session_manager.go),
// generalized so the lease comes from internal/pool instead of one shared
// browser.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"browserrunner/internal/pool"
	"browserrunner/internal/rterr"
)

// SessionId is an opaque, process-unique identifier.
type SessionId string

// Value is a tagged variant over spec's variable value types:
// string | number | boolean | list | mapping | null.
type Value struct {
	Kind string // "string" | "number" | "boolean" | "list" | "mapping" | "null"
	Str  string
	Num  float64
	Bool bool
	List []Value
	Map  map[string]Value
}

func StringValue(s string) Value  { return Value{Kind: "string", Str: s} }
func NumberValue(n float64) Value { return Value{Kind: "number", Num: n} }
func BoolValue(b bool) Value      { return Value{Kind: "boolean", Bool: b} }
func NullValue() Value            { return Value{Kind: "null"} }

// PerceptionSnapshot is a minimal forward-declared view; the concrete shape
// lives in internal/perception to avoid an import cycle (perception depends
// on session for caching, not the reverse for the snapshot's own fields).
// The registry only needs to know a snapshot's URL and tier to implement
// cache coherence (/§4.4), so those are captured here via an
// interface rather than importing internal/perception's concrete type.
type PerceptionSnapshot interface {
	SnapshotURL() string
	SnapshotTier() string
}

// State is spec's SessionState.
type State struct {
	CurrentURL         string
	NavigationHistory  []string
	Variables          map[string]Value
	PerceptionSnapshot PerceptionSnapshot
	LastActivity       time.Time
}

const maxHistory = 100

// Session bundles a SessionId, its lease, its state, and the lock that
// serialises every action against it (: "at most one action executes
// against a session at any time").
type Session struct {
	ID    SessionId
	mu    sync.Mutex
	lease *pool.Lease
	state State

	registry *Registry
}

// ElementFingerprint backs ElementDescriptor.element_id stability across
// perception snapshots, the way the teacher's ElementFingerprint/
// ElementRegistry pair does, generalized to be keyed per-session instead of
// per shared browser.
type ElementFingerprint struct {
	ElementID   string
	Tag         string
	Text        string
	Attrs       map[string]string
	BoundingBox [4]float64
	Generation  uint64
}

// elementRegistry tracks fingerprints with a generation counter bumped on
// every navigation, so a stale element_id from a pre-navigation snapshot can
// be detected rather than silently resolving to the wrong node. See
// SPEC_FULL.md's "Element re-identification across navigation" decision.
type elementRegistry struct {
	mu         sync.Mutex
	generation uint64
	byID       map[string]*ElementFingerprint
}

func newElementRegistry() *elementRegistry {
	return &elementRegistry{byID: make(map[string]*ElementFingerprint)}
}

func (r *elementRegistry) Register(fp *ElementFingerprint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fp.Generation = r.generation
	r.byID[fp.ElementID] = fp
}

func (r *elementRegistry) Get(id string) (*ElementFingerprint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fp, ok := r.byID[id]
	return fp, ok
}

// IsStale reports whether fp was registered in an earlier navigation
// generation than the registry's current one.
func (r *elementRegistry) IsStale(fp *ElementFingerprint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fp.Generation != r.generation
}

func (r *elementRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generation++
	r.byID = make(map[string]*ElementFingerprint)
}

// Registry implements C3. Individual Session values are guarded by their
// own mutex; the map itself is guarded separately, matching this
// "shared map guarded by a mutex for insertion/removal; individual
// SessionState values are guarded by the session's own mutex."
type Registry struct {
	mu       sync.Mutex
	sessions map[SessionId]*Session
	elements map[SessionId]*elementRegistry
	pool     *pool.Pool
	ttl      time.Duration
	logger   *zap.Logger

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// New builds a Registry bound to p, expiring idle sessions after ttl.
func New(p *pool.Pool, ttl time.Duration, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Registry{
		sessions: make(map[SessionId]*Session),
		elements: make(map[SessionId]*elementRegistry),
		pool:     p,
		ttl:      ttl,
		logger:   logger,
	}
}

// Create allocates a new SessionId with empty state and no lease yet
// (lazy-bind, : bind_browser is idempotent and acquires on
// first use).
func (r *Registry) Create() SessionId {
	id := SessionId(uuid.NewString())
	sess := &Session{
		ID:       id,
		registry: r,
		state: State{
			Variables:    make(map[string]Value),
			LastActivity: time.Now(),
		},
	}
	r.mu.Lock()
	r.sessions[id] = sess
	r.elements[id] = newElementRegistry()
	r.mu.Unlock()
	return id
}

func (r *Registry) get(id SessionId) (*Session, error) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return nil, rterr.NotFoundf("session %s not found", id)
	}
	return sess, nil
}

// BindBrowser acquires a lease for the session if it doesn't already have
// one. Idempotent, .
func (r *Registry) BindBrowser(ctx context.Context, id SessionId) error {
	sess, err := r.get(id)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.lease != nil {
		return nil
	}
	lease, err := r.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	sess.lease = lease
	return nil
}

// AcquireBranchHandle draws a standalone lease from the pool, independent of
// any SessionId. It exists for workflow parallel branches: each concurrent
// branch needs its own engine handle drawn from the same pool a session's
// own lease comes from, rather than sharing one session's handle across
// goroutines.
func (r *Registry) AcquireBranchHandle(ctx context.Context) (*pool.Lease, error) {
	return r.pool.Acquire(ctx)
}

// WithSession runs f while holding the session's exclusive lock, the way
// /§5 require for strict FIFO serialisation of all work against a
// session, including read-only snapshot inspections (to avoid TOCTOU with
// the executor).
func (r *Registry) WithSession(ctx context.Context, id SessionId, f func(*Session) error) error {
	sess, err := r.get(id)
	if err != nil {
		return err
	}

	// decided is the single compare-and-swap point that arbitrates between
	// this call giving up on ctx.Done and the background goroutine finally
	// acquiring the lock: whichever side wins the CAS owns the unlock.
	// Without it a cancellation racing the Lock() call would either leak
	// the mutex forever (goroutine locks after we've already returned) or
	// double-unlock it.
	var decided int32
	locked := make(chan struct{})
	go func() {
		sess.mu.Lock()
		if atomic.CompareAndSwapInt32(&decided, 0, 1) {
			close(locked)
			return
		}
		// The caller already gave up waiting; release what we just
		// acquired so the lock doesn't leak past this call.
		sess.mu.Unlock()
	}()

	select {
	case <-locked:
	case <-ctx.Done():
		if !atomic.CompareAndSwapInt32(&decided, 0, 2) {
			// The goroutine won the race and is about to close(locked);
			// take the lock ourselves and release it immediately.
			<-locked
			sess.mu.Unlock()
		}
		return rterr.CancelledErr("cancelled while waiting for session lock")
	}
	defer sess.mu.Unlock()

	sess.state.LastActivity = time.Now()
	return f(sess)
}

// Release closes and releases a session's lease and drops it from the
// registry.
func (r *Registry) Release(ctx context.Context, id SessionId) error {
	sess, err := r.get(id)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	if sess.lease != nil {
		sess.lease.Release(ctx)
		sess.lease = nil
	}
	sess.mu.Unlock()

	r.mu.Lock()
	delete(r.sessions, id)
	delete(r.elements, id)
	r.mu.Unlock()
	return nil
}

// Info mirrors this SessionRegistry::info(sid).
type Info struct {
	CurrentURL   string
	LastActivity time.Time
	HasBrowser   bool
}

func (r *Registry) Info(id SessionId) (Info, error) {
	sess, err := r.get(id)
	if err != nil {
		return Info{}, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return Info{
		CurrentURL:   sess.state.CurrentURL,
		LastActivity: sess.state.LastActivity,
		HasBrowser:   sess.lease != nil,
	}, nil
}

// List returns every live session id, for diagnostics.
func (r *Registry) List() []SessionId {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SessionId, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	return out
}

// Lease returns the session's current lease, if bound.
func (s *Session) Lease() *pool.Lease {
	return s.lease
}

// State returns a copy of the session's state. Callers must already hold
// the session lock via WithSession.
func (s *Session) State() State { return s.state }

// SetCurrentURL updates current_url and appends to the bounded navigation
// history, then invalidates the perception snapshot — this cache
// coherence rule: any navigating/mutating operation clears the snapshot.
func (s *Session) SetCurrentURL(url string) {
	s.state.CurrentURL = url
	s.state.NavigationHistory = append(s.state.NavigationHistory, url)
	if len(s.state.NavigationHistory) > maxHistory {
		s.state.NavigationHistory = s.state.NavigationHistory[len(s.state.NavigationHistory)-maxHistory:]
	}
	s.InvalidateSnapshot()
	s.registry.bumpGeneration(s.ID)
}

// InvalidateSnapshot clears the cached perception snapshot.
func (s *Session) InvalidateSnapshot() {
	s.state.PerceptionSnapshot = nil
}

// SetSnapshot caches a fresh snapshot, enforcing invariant (a): it must be
// tagged with the session's current URL.
func (s *Session) SetSnapshot(snap PerceptionSnapshot) error {
	if snap.SnapshotURL() != s.state.CurrentURL {
		return rterr.Invalid("snapshot URL does not match session's current_url", nil)
	}
	s.state.PerceptionSnapshot = snap
	return nil
}

// CachedSnapshot returns the cached snapshot if present and its tier is at
// least minTier, per perceive() caching rule.
func (s *Session) CachedSnapshot(minTier string) (PerceptionSnapshot, bool) {
	if s.state.PerceptionSnapshot == nil {
		return nil, false
	}
	if tierRank(s.state.PerceptionSnapshot.SnapshotTier()) < tierRank(minTier) {
		return nil, false
	}
	return s.state.PerceptionSnapshot, true
}

func tierRank(tier string) int {
	switch tier {
	case "lightning":
		return 0
	case "quick":
		return 1
	case "standard":
		return 2
	case "deep":
		return 3
	default:
		return -1
	}
}

// SetVariable binds a workflow/session variable.
func (s *Session) SetVariable(name string, v Value) {
	if s.state.Variables == nil {
		s.state.Variables = make(map[string]Value)
	}
	s.state.Variables[name] = v
}

// Variable looks up a variable by name.
func (s *Session) Variable(name string) (Value, bool) {
	v, ok := s.state.Variables[name]
	return v, ok
}

func (r *Registry) bumpGeneration(id SessionId) {
	r.mu.Lock()
	reg, ok := r.elements[id]
	r.mu.Unlock()
	if ok {
		reg.Clear()
	}
}

// RegisterElement stores an element fingerprint for the session, used by
// perception/action to resolve element_id references across calls.
func (r *Registry) RegisterElement(id SessionId, fp *ElementFingerprint) {
	r.mu.Lock()
	reg, ok := r.elements[id]
	r.mu.Unlock()
	if ok {
		reg.Register(fp)
	}
}

// ResolveElement looks up a fingerprint and reports whether it is stale
// relative to the session's current navigation generation.
func (r *Registry) ResolveElement(id SessionId, elementID string) (*ElementFingerprint, bool, error) {
	r.mu.Lock()
	reg, ok := r.elements[id]
	r.mu.Unlock()
	if !ok {
		return nil, false, rterr.NotFoundf("session %s not found", id)
	}
	fp, ok := reg.Get(elementID)
	if !ok {
		return nil, false, nil
	}
	return fp, reg.IsStale(fp), nil
}

// StartTTLSweeper launches a background goroutine that expires sessions
// whose last_activity exceeds the registry's TTL, .
func (r *Registry) StartTTLSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	sweepCtx, cancel := context.WithCancel(ctx)
	r.sweepCancel = cancel
	r.sweepDone = make(chan struct{})

	go func() {
		defer close(r.sweepDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				r.sweepExpired(sweepCtx)
			}
		}
	}()
}

func (r *Registry) sweepExpired(ctx context.Context) {
	r.mu.Lock()
	var expired []SessionId
	now := time.Now()
	for id, sess := range r.sessions {
		sess.mu.Lock()
		idle := now.Sub(sess.state.LastActivity)
		sess.mu.Unlock()
		if idle > r.ttl {
			expired = append(expired, id)
		}
	}
	r.mu.Unlock()

	for _, id := range expired {
		r.logger.Info("expiring idle session", zap.String("session_id", string(id)))
		_ = r.Release(ctx, id)
	}
}

// StopSweeper halts the background TTL sweeper, if running.
func (r *Registry) StopSweeper() {
	if r.sweepCancel != nil {
		r.sweepCancel()
		<-r.sweepDone
	}
}
