// Package coordinator implements the single entry point external callers
// use: it routes a request to a session, invokes planner/perception/
// executor/workflow in the right order, enforces per-session serialisation,
// and propagates cancellation.
package coordinator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"browserrunner/internal/action"
	"browserrunner/internal/engine"
	"browserrunner/internal/mangle"
	"browserrunner/internal/perception"
	"browserrunner/internal/planner"
	"browserrunner/internal/recorder"
	"browserrunner/internal/rterr"
	"browserrunner/internal/session"
	"browserrunner/internal/workflow"
)

// RequestKind tags which of the three shapes a Request carries.
type RequestKind string

const (
	RequestAction   RequestKind = "action"
	RequestNL       RequestKind = "nl"
	RequestWorkflow RequestKind = "workflow"
)

// Request is Coordinator.Execute's input.
type Request struct {
	Kind RequestKind

	// RequestAction
	Action action.Request

	// RequestNL
	Text string
	Tier perception.Tier

	// RequestWorkflow
	Workflow *workflow.Workflow
	Inputs   map[string]session.Value
	DryRun   bool
}

// ResponseError carries a failed request's classified error.
type ResponseError struct {
	Kind      rterr.Kind
	Message   string
	Retryable bool
}

// Response is Coordinator.Execute's output.
type Response struct {
	OK    bool
	Value interface{}
	Error *ResponseError

	// WorkflowResult is populated when the dispatched request was a
	// workflow, carrying whatever steps completed even when Error is set.
	WorkflowResult *workflow.Result

	// Plan is populated when the planner emitted a low-confidence plan that
	// the coordinator is surfacing for caller confirmation instead of
	// executing it.
	Plan *planner.Plan
}

// Coordinator is the single entry point that routes a request to a
// session, runs it through planner/perception/executor/workflow, and
// returns a Response.
type Coordinator struct {
	sessions   *session.Registry
	eng        engine.Engine
	perception *perception.Engine
	executor   *action.Executor
	offline    planner.Planner
	llm        planner.Planner // may be nil; falls back to offline on any Fatal-kind error, ErrPlannerUnavailable included

	confidenceThreshold float64
	defaultTier         perception.Tier
	tierBudget          func(string) time.Duration

	mangle   *mangle.Engine
	recorder *recorder.Recorder
	logger   *zap.Logger
}

// Config wires the Coordinator's dependencies and policy knobs.
type Config struct {
	ConfidenceThreshold float64
	DefaultTier         perception.Tier
	TierBudget          func(string) time.Duration
}

func New(sessions *session.Registry, eng engine.Engine, perc *perception.Engine, exec *action.Executor, offline planner.Planner, llm planner.Planner, mangleEngine *mangle.Engine, rec *recorder.Recorder, logger *zap.Logger, cfg Config) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = planner.ConfidenceThreshold
	}
	if cfg.DefaultTier == "" {
		cfg.DefaultTier = perception.TierLightning
	}
	if cfg.TierBudget == nil {
		cfg.TierBudget = func(string) time.Duration { return 0 }
	}
	return &Coordinator{
		sessions:            sessions,
		eng:                 eng,
		perception:          perc,
		executor:            exec,
		offline:             offline,
		llm:                 llm,
		confidenceThreshold: cfg.ConfidenceThreshold,
		defaultTier:         cfg.DefaultTier,
		tierBudget:          cfg.TierBudget,
		mangle:              mangleEngine,
		recorder:            rec,
		logger:              logger,
	}
}

// Execute locks the session, ensures a bound browser lease and a fresh
// perception snapshot, dispatches the request, updates session state, and
// releases the lock on every exit path.
func (c *Coordinator) Execute(ctx context.Context, sid session.SessionId, req Request) Response {
	var resp Response
	err := c.sessions.WithSession(ctx, sid, func(sess *session.Session) error {
		// Step 2: ensure a browser lease (idempotent acquire).
		if err := c.sessions.BindBrowser(ctx, sid); err != nil {
			return err
		}
		h := sess.Lease().Handle()

		// Step 3: ensure a perception snapshot at the required tier.
		tier := c.tierFor(req)
		snap, err := c.ensureSnapshot(ctx, sess, h, tier)
		if err != nil {
			return err
		}

		// Step 4/5: resolve to a concrete dispatch and run it.
		switch req.Kind {
		case RequestAction:
			return c.dispatchAction(ctx, sess, h, snap, req.Action, &resp)
		case RequestNL:
			return c.dispatchNL(ctx, sess, h, snap, req, &resp)
		case RequestWorkflow:
			return c.dispatchWorkflow(ctx, sess, h, req, &resp)
		default:
			return rterr.Invalid("unknown request kind", nil)
		}
	})

	if err != nil {
		c.fillError(&resp, err)
	}
	return resp
}

func (c *Coordinator) tierFor(req Request) perception.Tier {
	if req.Kind == RequestNL {
		if req.Tier != "" {
			return req.Tier
		}
		return perception.TierStandard
	}
	return c.defaultTier
}

// ensureSnapshot reuses the session's cached snapshot when it already meets
// the requested tier, re-capturing on a cache miss or tier escalation.
func (c *Coordinator) ensureSnapshot(ctx context.Context, sess *session.Session, h engine.Handle, tier perception.Tier) (*perception.Snapshot, error) {
	if cached, ok := sess.CachedSnapshot(string(tier)); ok {
		if snap, ok := cached.(*perception.Snapshot); ok {
			return snap, nil
		}
	}
	budget := c.tierBudget(string(tier))
	snap, err := c.perception.Perceive(ctx, h, tier, budget)
	if err != nil {
		return nil, err
	}
	if err := sess.SetSnapshot(snap); err != nil {
		// URL moved between the lease's last known state and this capture;
		// treat as a fresh navigation rather than failing the whole call.
		sess.SetCurrentURL(snap.URL)
		_ = sess.SetSnapshot(snap)
	}
	c.assertFact(sess.ID, "perception_captured", []interface{}{string(sess.ID), snap.URL, string(tier)})
	return snap, nil
}

func (c *Coordinator) dispatchAction(ctx context.Context, sess *session.Session, h engine.Handle, snap *perception.Snapshot, req action.Request, resp *Response) error {
	res, err := c.executor.Execute(ctx, h, snap, req)
	if err != nil {
		c.poisonIfCancelledMidNavigation(sess, req, err)
		return err
	}
	c.applyResult(ctx, sess, h, req, res)
	resp.OK = true
	resp.Value = res.Value
	c.record(sess.ID, "action_result", map[string]interface{}{"op": string(req.Op), "ok": res.OK})
	return nil
}

func (c *Coordinator) dispatchNL(ctx context.Context, sess *session.Session, h engine.Handle, snap *perception.Snapshot, req Request, resp *Response) error {
	hints := planner.Hints{}
	for k, v := range sess.State().Variables {
		if hints.Variables == nil {
			hints.Variables = make(map[string]string)
		}
		hints.Variables[k] = v.Str
	}

	p, err := c.plan(ctx, req.Text, snap, hints)
	if err != nil {
		return err
	}

	if p.Confidence < c.confidenceThreshold {
		resp.Plan = &p
		return rterr.LowConfidence("plan confidence below threshold; returned for confirmation")
	}

	switch p.Kind {
	case planner.PlanPrimitive:
		return c.dispatchAction(ctx, sess, h, snap, p.Primitive, resp)
	case planner.PlanWorkflow:
		inner := Request{Kind: RequestWorkflow, Workflow: p.Workflow}
		return c.dispatchWorkflow(ctx, sess, h, inner, resp)
	default:
		return rterr.Invalid("planner returned an unknown plan kind", nil)
	}
}

// plan invokes the LLM planner if configured, falling back to the offline
// rule engine on any Fatal-kind error (ErrPlannerUnavailable is one); other
// error kinds are returned as they are.
func (c *Coordinator) plan(ctx context.Context, text string, snap *perception.Snapshot, hints planner.Hints) (planner.Plan, error) {
	if c.llm != nil {
		p, err := c.llm.Plan(ctx, text, snap, hints)
		if err == nil {
			return p, nil
		}
		if rterr.KindOf(err) != rterr.Fatal {
			return planner.Plan{}, err
		}
		c.logger.Warn("llm planner unavailable, falling back to offline rules", zap.Error(err))
	}
	return c.offline.Plan(ctx, text, snap, hints)
}

func (c *Coordinator) dispatchWorkflow(ctx context.Context, sess *session.Session, h engine.Handle, req Request, resp *Response) error {
	runner := workflow.NewRunner(c.executor, c.eng, c.perception).
		WithHandleAcquirer(c.acquireBranchHandle)

	if req.DryRun {
		err := runner.DryRun(req.Workflow, req.Inputs)
		if err != nil {
			return err
		}
		resp.OK = true
		resp.Value = "dry run: no errors"
		return nil
	}

	result := runner.Run(ctx, h, req.Workflow, req.Inputs)
	resp.WorkflowResult = &result

	for k, v := range result.Variables {
		sess.SetVariable(k, v)
	}
	sess.InvalidateSnapshot() // workflow may have navigated/mutated; conservative invalidation

	c.record(sess.ID, "workflow_step", map[string]interface{}{
		"workflow": req.Workflow.Name,
		"status":   string(result.Status),
	})

	if result.Status == workflow.StateCompleted {
		resp.OK = true
		resp.Value = result.Variables
		return nil
	}
	return result.Err
}

// acquireBranchHandle draws a standalone lease from the pool behind
// c.sessions for one workflow parallel branch, so concurrent branches run
// against separate tabs instead of racing the session's own handle. The
// lease is released when the branch finishes.
func (c *Coordinator) acquireBranchHandle(ctx context.Context) (workflow.BranchHandle, error) {
	lease, err := c.sessions.AcquireBranchHandle(ctx)
	if err != nil {
		return workflow.BranchHandle{}, err
	}
	return workflow.BranchHandle{
		Handle:  lease.Handle(),
		Release: func() { lease.Release(ctx) },
	}, nil
}

// applyResult updates SessionState and invalidates the perception snapshot
// on any mutating primitive. The Coordinator owns this, never the Action
// Executor, so session state only ever changes in one place.
func (c *Coordinator) applyResult(ctx context.Context, sess *session.Session, h engine.Handle, req action.Request, res action.Result) {
	if req.Op == action.OpNavigate {
		if finalURL, ok := res.Value.(string); ok {
			sess.SetCurrentURL(finalURL)
			c.assertFact(sess.ID, "session_navigated", []interface{}{string(sess.ID), finalURL})
			return
		}
	}
	if res.Mutating {
		if url, err := c.eng.CurrentURL(ctx, h); err == nil {
			sess.SetCurrentURL(url)
		} else {
			sess.InvalidateSnapshot()
		}
	}
}

// poisonIfCancelledMidNavigation marks a lease poisoned when a navigation is
// cancelled mid-flight, since the page's state after a cancelled navigation
// is unknown and the instance should not be handed to another session.
func (c *Coordinator) poisonIfCancelledMidNavigation(sess *session.Session, req action.Request, err error) {
	if rterr.KindOf(err) != rterr.Cancelled || req.Op != action.OpNavigate {
		return
	}
	if lease := sess.Lease(); lease != nil {
		lease.Poison()
	}
}

func (c *Coordinator) fillError(resp *Response, err error) {
	resp.OK = false
	kind := rterr.KindOf(err)
	resp.Error = &ResponseError{
		Kind:      kind,
		Message:   err.Error(),
		Retryable: rterr.IsRetryable(err),
	}
}

// Diagnose evaluates a derived diagnostic predicate (root_cause, failed_request,
// slow_api, screen_blocked, ...) over facts asserted so far and returns the
// matching rows. It requires the mangle engine to be enabled with a loaded
// schema; callers should treat an error here as "diagnosis unavailable", not
// as a fatal pipeline error.
func (c *Coordinator) Diagnose(ctx context.Context, predicate string) ([]mangle.Fact, error) {
	if c.mangle == nil {
		return nil, rterr.Invalid("diagnostics are disabled", nil)
	}
	return c.mangle.Evaluate(ctx, predicate)
}

func (c *Coordinator) assertFact(sid session.SessionId, predicate string, args []interface{}) {
	if c.mangle == nil {
		return
	}
	_ = c.mangle.AddFacts(context.Background(), []mangle.Fact{{
		Predicate: predicate,
		Args:      args,
		Timestamp: time.Now(),
	}})
}

func (c *Coordinator) record(sid session.SessionId, eventType string, data interface{}) {
	if c.recorder == nil {
		return
	}
	c.recorder.Log(eventType, string(sid), data)
}
