// Package workflow implements the Workflow Engine: a declarative
// multi-step program with variables, conditionals, loops, parallel fanout,
// and per-step error policies.
package workflow

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"browserrunner/internal/action"
	"browserrunner/internal/engine"
	"browserrunner/internal/perception"
	"browserrunner/internal/rterr"
	"browserrunner/internal/session"
)

// ActionKind tags the workflow action variant set.
type ActionKind string

const (
	ActionPrimitive   ActionKind = "primitive"
	ActionConditional ActionKind = "conditional"
	ActionLoop        ActionKind = "loop"
	ActionParallel    ActionKind = "parallel"
	ActionScript      ActionKind = "script"
)

// PredicateKind enumerates conditional's predicate choices.
type PredicateKind string

const (
	PredicateElementExists PredicateKind = "element_exists"
	PredicateTextContains  PredicateKind = "text_contains"
	PredicateVariableEq    PredicateKind = "variable_eq"
	PredicateScript        PredicateKind = "script"
)

// Predicate is a tagged variant over conditional's if-clause.
type Predicate struct {
	Kind     PredicateKind
	Selector string // element_exists
	Text     string // text_contains
	VarName  string // variable_eq
	VarValue string // variable_eq (compared as string)
	Script   string // script, constant per call-site
}

// ErrorPolicyKind enumerates a step's on_error behaviour choices.
type ErrorPolicyKind string

const (
	PolicyFail     ErrorPolicyKind = "fail"
	PolicyContinue ErrorPolicyKind = "continue"
	PolicyRetry    ErrorPolicyKind = "retry"
	PolicyFallback ErrorPolicyKind = "fallback"
)

// ErrorPolicy is a tagged variant over a step's on_error behaviour.
type ErrorPolicy struct {
	Kind     ErrorPolicyKind
	Max      int           // retry
	Backoff  time.Duration // retry
	Factor   float64       // retry
	Fallback []Step        // fallback
}

func defaultErrorPolicy() ErrorPolicy { return ErrorPolicy{Kind: PolicyFail} }

// Action is the tagged-variant action a step performs.
type Action struct {
	Kind ActionKind

	// ActionPrimitive
	Primitive action.Request

	// ActionConditional
	If   Predicate
	Then []Step
	Else []Step

	// ActionLoop
	Over string
	As   string
	Do   []Step

	// ActionParallel
	Branches [][]Step

	// ActionScript
	Script  string
	Args    []interface{}
	StoreAs string
}

// Step is one entry in a workflow's ordered step list.
type Step struct {
	Name      string
	Action    Action
	StoreAs   string
	Condition *Predicate
	OnError   *ErrorPolicy
}

// InputSpec declares one typed workflow input with a default.
type InputSpec struct {
	Name     string
	Type     string // string | number | boolean | list | map
	Required bool
	Default  session.Value
}

// Workflow is a declarative program: immutable once parsed.
type Workflow struct {
	Name        string
	Description string
	Inputs      []InputSpec
	Variables   map[string]session.Value
	Steps       []Step
}

// StepStatus is one of a step's possible states.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// WorkflowStatus is one of a workflow's possible states.
type WorkflowStatus string

const (
	StateInit      WorkflowStatus = "init"
	StateExecuting WorkflowStatus = "executing"
	StateCompleted WorkflowStatus = "completed"
	StateFailed    WorkflowStatus = "failed"
	StateAborted   WorkflowStatus = "aborted"
)

// StepResult records one step's outcome for the final Result.
type StepResult struct {
	Name   string
	Status StepStatus
	Value  interface{}
	Err    error
}

// Result is returned by Run: the workflow's terminal state, every step's
// outcome (including results from steps that succeeded before a later
// failure), and the final variable bindings.
type Result struct {
	Status    WorkflowStatus
	Steps     []StepResult
	Variables map[string]session.Value
	Err       error
}

// BranchHandle is what a HandleAcquirer hands back for one parallel branch:
// a handle to run that branch's steps against, plus a release func the
// Runner calls exactly once when the branch finishes (success, failure, or
// cancellation).
type BranchHandle struct {
	Handle  engine.Handle
	Release func()
}

// HandleAcquirer draws one engine handle per parallel branch from an
// external pool (backed by session.Registry.AcquireBranchHandle in
// production), so concurrent branches run against separate browser tabs
// instead of racing the parent handle. Optional: a Runner built without one
// falls back to the parent handle for every branch, serialising them onto
// one tab.
type HandleAcquirer func(ctx context.Context) (BranchHandle, error)

// Runner executes a Workflow against one engine handle, through the
// Action Executor for primitives. It does not own a session; the caller
// (Coordinator) supplies the handle and starting variables, and reads back
// Result.Variables to fold into SessionState, since only the Coordinator
// ever mutates SessionState directly.
type Runner struct {
	exec *action.Executor
	eng  engine.Engine
	perc *perception.Engine

	wallClock     time.Duration // default 5 min
	acquireHandle HandleAcquirer
}

func NewRunner(exec *action.Executor, eng engine.Engine, perc *perception.Engine) *Runner {
	return &Runner{exec: exec, eng: eng, perc: perc, wallClock: 5 * time.Minute}
}

func (r *Runner) WithWallClock(d time.Duration) *Runner {
	r.wallClock = d
	return r
}

// WithHandleAcquirer configures a per-branch handle source for
// ActionParallel steps. Without one, parallel branches share the
// workflow's parent handle instead of running against separate tabs.
func (r *Runner) WithHandleAcquirer(acquire HandleAcquirer) *Runner {
	r.acquireHandle = acquire
	return r
}

// execState carries mutable interpreter state through a Run, threaded by
// value-ish copies of the variables map at scope boundaries (loop/parallel
// branches get their own namespace ).
type execState struct {
	vars   map[string]session.Value
	snap   *perception.Snapshot
	steps  []StepResult
	handle engine.Handle
}

// Run executes wf's steps in order against h, expanding inputs into
// starting variables. Cancellation via ctx moves every remaining step to
// `skipped`, and the workflow to `aborted`, at the next safe point (start of
// a step or a poll tick).
func (r *Runner) Run(ctx context.Context, h engine.Handle, wf *Workflow, inputs map[string]session.Value) Result {
	if r.wallClock > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.wallClock)
		defer cancel()
	}

	st := &execState{vars: mergeInputs(wf, inputs), handle: h}
	for k, v := range wf.Variables {
		if _, exists := st.vars[k]; !exists {
			st.vars[k] = v
		}
	}

	status := StateExecuting
	var runErr error

	for _, step := range wf.Steps {
		if ctx.Err() != nil {
			st.steps = append(st.steps, StepResult{Name: step.Name, Status: StepSkipped, Err: rterr.CancelledErr("workflow aborted")})
			status = StateAborted
			continue
		}
		if status == StateAborted || status == StateFailed {
			st.steps = append(st.steps, StepResult{Name: step.Name, Status: StepSkipped})
			continue
		}

		res, err := r.runStep(ctx, st, step)
		st.steps = append(st.steps, res)
		if err != nil {
			runErr = err
			if rterr.KindOf(err) == rterr.Cancelled {
				status = StateAborted
			} else {
				status = StateFailed
			}
		}
	}

	if status == StateExecuting {
		status = StateCompleted
	}
	return Result{Status: status, Steps: st.steps, Variables: st.vars, Err: runErr}
}

func mergeInputs(wf *Workflow, inputs map[string]session.Value) map[string]session.Value {
	out := make(map[string]session.Value, len(wf.Inputs))
	for _, spec := range wf.Inputs {
		if v, ok := inputs[spec.Name]; ok {
			out[spec.Name] = v
		} else {
			out[spec.Name] = spec.Default
		}
	}
	for k, v := range inputs {
		if _, declared := out[k]; !declared {
			out[k] = v
		}
	}
	return out
}

// runStep dispatches one step, applying substitution, its condition guard,
// and its error policy. It returns the StepResult plus an error that
// propagates to the workflow level only when the policy doesn't absorb it.
func (r *Runner) runStep(ctx context.Context, st *execState, step Step) (StepResult, error) {
	if step.Condition != nil {
		ok, err := r.evalPredicate(ctx, st, *step.Condition)
		if err != nil {
			return StepResult{Name: step.Name, Status: StepFailed, Err: err}, err
		}
		if !ok {
			return StepResult{Name: step.Name, Status: StepSkipped}, nil
		}
	}

	policy := defaultErrorPolicy()
	if step.OnError != nil {
		policy = *step.OnError
	}

	value, err := r.runActionWithPolicy(ctx, st, step, policy)
	if err != nil {
		res := StepResult{Name: step.Name, Status: StepFailed, Err: err}
		switch policy.Kind {
		case PolicyContinue:
			return res, nil // absorbed: step failed, workflow proceeds
		default:
			return res, err // fail/retry-exhausted/fallback-exhausted propagate
		}
	}

	if step.StoreAs != "" {
		st.vars[step.StoreAs] = toValue(value)
	}
	return StepResult{Name: step.Name, Status: StepSucceeded, Value: value}, nil
}

func (r *Runner) runActionWithPolicy(ctx context.Context, st *execState, step Step, policy ErrorPolicy) (interface{}, error) {
	switch policy.Kind {
	case PolicyRetry:
		var lastErr error
		max := policy.Max
		if max <= 0 {
			max = 1
		}
		backoff := policy.Backoff
		factor := policy.Factor
		if factor <= 0 {
			factor = 1
		}
		for attempt := 1; attempt <= max; attempt++ {
			v, err := r.runAction(ctx, st, step.Action)
			if err == nil {
				return v, nil
			}
			lastErr = err
			if attempt == max {
				break
			}
			if backoff > 0 {
				timer := time.NewTimer(backoff)
				select {
				case <-timer.C:
				case <-ctx.Done():
					timer.Stop()
					return nil, rterr.CancelledErr("cancelled during step retry backoff")
				}
				backoff = time.Duration(float64(backoff) * factor)
			}
		}
		return nil, lastErr

	case PolicyFallback:
		v, err := r.runAction(ctx, st, step.Action)
		if err == nil {
			return v, nil
		}
		var last interface{}
		for _, fbStep := range policy.Fallback {
			res, ferr := r.runStep(ctx, st, fbStep)
			if ferr != nil {
				return nil, ferr
			}
			last = res.Value
		}
		return last, nil

	default: // fail, continue: run once
		return r.runAction(ctx, st, step.Action)
	}
}

func (r *Runner) runAction(ctx context.Context, st *execState, a Action) (interface{}, error) {
	switch a.Kind {
	case ActionPrimitive:
		req, err := r.expandPrimitive(st, a.Primitive)
		if err != nil {
			return nil, err
		}
		res, err := r.exec.Execute(ctx, st.handle, st.snap, req)
		if err != nil {
			return nil, err
		}
		if res.Mutating {
			st.snap = nil // cache coherence: mutating primitive invalidates snapshot
		}
		return res.Value, nil

	case ActionScript:
		script, err := r.expandTemplate(st, a.Script)
		if err != nil {
			return nil, err
		}
		res, err := r.exec.Execute(ctx, st.handle, st.snap, action.Request{Op: action.OpEvaluate, Script: script, Args: a.Args})
		if err != nil {
			return nil, err
		}
		st.snap = nil
		return res.Value, nil

	case ActionConditional:
		ok, err := r.evalPredicate(ctx, st, a.If)
		if err != nil {
			return nil, err
		}
		branch := a.Else
		if ok {
			branch = a.Then
		}
		var last interface{}
		for _, s := range branch {
			if ctx.Err() != nil {
				return nil, rterr.CancelledErr("cancelled in conditional branch")
			}
			res, err := r.runStep(ctx, st, s)
			st.steps = append(st.steps, res)
			if err != nil {
				return nil, err
			}
			last = res.Value
		}
		return last, nil

	case ActionLoop:
		listVal, ok := st.vars[a.Over]
		if !ok {
			return nil, rterr.NotFoundf("loop variable %q not found", a.Over)
		}
		var last interface{}
		for i, item := range listVal.List {
			if ctx.Err() != nil {
				return nil, rterr.CancelledErr("cancelled in loop")
			}
			st.vars[a.As] = item
			st.vars["_loop_index"] = session.NumberValue(float64(i))
			for _, s := range a.Do {
				res, err := r.runStep(ctx, st, s)
				st.steps = append(st.steps, res)
				if err != nil {
					return nil, err
				}
				last = res.Value
			}
		}
		return last, nil

	case ActionParallel:
		return r.runParallel(ctx, st, a.Branches)

	default:
		return nil, rterr.Invalid(fmt.Sprintf("unknown workflow action kind %q", a.Kind), nil)
	}
}

// runParallel runs each branch concurrently, each against its own engine
// handle drawn via acquireHandle so concurrent branches issue concurrent
// CDP calls against separate tabs instead of racing the parent handle.
// Without an acquirer configured, every branch falls back to the parent
// handle, serialising them onto one tab but still exercising the
// branch/merge semantics. Branch results merge into the parent variable
// space keyed by branch index.
func (r *Runner) runParallel(ctx context.Context, st *execState, branches [][]Step) (interface{}, error) {
	g, gctx := errgroup.WithContext(ctx)
	if r.acquireHandle == nil {
		g.SetLimit(1) // branches sharing the parent handle run one at a time
	}
	results := make([]map[string]session.Value, len(branches))
	var mergeErr error

	for i, branch := range branches {
		i, branch := i, branch
		g.Go(func() error {
			branchHandle := st.handle
			branchSnap := st.snap
			if r.acquireHandle != nil {
				bh, err := r.acquireHandle(gctx)
				if err != nil {
					return rterr.FatalErr("acquiring branch handle", err)
				}
				defer bh.Release()
				branchHandle = bh.Handle
				branchSnap = nil // a freshly acquired handle starts with no perception snapshot
			}

			branchState := &execState{
				vars:   cloneVars(st.vars),
				handle: branchHandle,
				snap:   branchSnap,
			}
			for _, s := range branch {
				if gctx.Err() != nil {
					return rterr.CancelledErr("cancelled in parallel branch")
				}
				res, err := r.runStep(gctx, branchState, s)
				branchState.steps = append(branchState.steps, res)
				if err != nil {
					return err
				}
			}
			results[i] = branchState.vars
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		mergeErr = multierr.Append(mergeErr, err)
	}

	for i, vars := range results {
		if vars == nil {
			continue
		}
		branchName := fmt.Sprintf("branch_%d", i)
		st.vars[branchName] = session.Value{Kind: "mapping", Map: vars}
	}

	if mergeErr != nil {
		return nil, rterr.FatalErr("parallel branch failed", mergeErr)
	}
	return nil, nil
}

func cloneVars(in map[string]session.Value) map[string]session.Value {
	out := make(map[string]session.Value, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func toValue(v interface{}) session.Value {
	switch t := v.(type) {
	case session.Value:
		return t
	case string:
		return session.StringValue(t)
	case float64:
		return session.NumberValue(t)
	case int:
		return session.NumberValue(float64(t))
	case bool:
		return session.BoolValue(t)
	case nil:
		return session.NullValue()
	default:
		return session.StringValue(fmt.Sprintf("%v", t))
	}
}

// evalPredicate implements conditional's if-clause choices.
func (r *Runner) evalPredicate(ctx context.Context, st *execState, p Predicate) (bool, error) {
	switch p.Kind {
	case PredicateElementExists:
		sel, err := r.expandTemplate(st, p.Selector)
		if err != nil {
			return false, err
		}
		_, ok, err := r.eng.Find(ctx, st.handle, sel)
		if err != nil {
			return false, rterr.FatalErr("checking element_exists", err)
		}
		return ok, nil

	case PredicateTextContains:
		text, err := r.expandTemplate(st, p.Text)
		if err != nil {
			return false, err
		}
		res, err := r.exec.Execute(ctx, st.handle, st.snap, action.Request{Op: action.OpExtract, Extract: action.ExtractText})
		if err != nil {
			return false, err
		}
		page, _ := res.Value.(string)
		return strings.Contains(page, text), nil

	case PredicateVariableEq:
		v, ok := st.vars[p.VarName]
		if !ok {
			return false, rterr.NotFoundf("variable %q not found", p.VarName)
		}
		return valueAsString(v) == p.VarValue, nil

	case PredicateScript:
		res, err := r.exec.Execute(ctx, st.handle, st.snap, action.Request{Op: action.OpEvaluate, Script: p.Script})
		if err != nil {
			return false, err
		}
		b, _ := res.Value.(bool)
		return b, nil

	default:
		return false, rterr.Invalid(fmt.Sprintf("unknown predicate kind %q", p.Kind), nil)
	}
}

func valueAsString(v session.Value) string {
	switch v.Kind {
	case "string":
		return v.Str
	case "number":
		return strconv.FormatFloat(v.Num, 'g', -1, 64)
	case "boolean":
		return strconv.FormatBool(v.Bool)
	default:
		return ""
	}
}

var templateRef = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// expandTemplate substitutes `{{ path.to.value }}` references, expanded
// once, eagerly, at step start — not a dynamic expression language.
// A missing reference is a step failure (NotFound), never silent empty.
func (r *Runner) expandTemplate(st *execState, tmpl string) (string, error) {
	var firstErr error
	out := templateRef.ReplaceAllStringFunc(tmpl, func(match string) string {
		if firstErr != nil {
			return ""
		}
		path := templateRef.FindStringSubmatch(match)[1]
		v, ok := lookupPath(st.vars, path)
		if !ok {
			firstErr = rterr.NotFoundf("template variable %q not found", path)
			return ""
		}
		return valueAsString(v)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

func lookupPath(vars map[string]session.Value, path string) (session.Value, bool) {
	parts := strings.Split(path, ".")
	v, ok := vars[parts[0]]
	if !ok {
		return session.Value{}, false
	}
	for _, p := range parts[1:] {
		if v.Kind != "mapping" {
			return session.Value{}, false
		}
		child, ok := v.Map[p]
		if !ok {
			return session.Value{}, false
		}
		v = child
	}
	return v, true
}

// expandPrimitive substitutes template fields in a primitive action request
// before dispatch. Only string fields that plausibly hold templates are
// expanded: URL, Text, Value, Target.Label, Target.Selector.
func (r *Runner) expandPrimitive(st *execState, req action.Request) (action.Request, error) {
	var err error
	if req.URL != "" {
		if req.URL, err = r.expandTemplate(st, req.URL); err != nil {
			return req, err
		}
	}
	if req.Text != "" {
		if req.Text, err = r.expandTemplate(st, req.Text); err != nil {
			return req, err
		}
	}
	if req.Value != "" {
		if req.Value, err = r.expandTemplate(st, req.Value); err != nil {
			return req, err
		}
	}
	if req.Target.Label != "" {
		if req.Target.Label, err = r.expandTemplate(st, req.Target.Label); err != nil {
			return req, err
		}
	}
	if req.Target.Selector != "" {
		if req.Target.Selector, err = r.expandTemplate(st, req.Target.Selector); err != nil {
			return req, err
		}
	}
	return req, nil
}

// DryRun validates structure and variable references without contacting the
// engine. It checks that required inputs are supplied and walks the same
// step tree checking that template references in primitive fields and
// scripts resolve against the merged starting variables, loop names and
// variables bound by earlier steps' store_as, without ever calling r.exec.
// It does not expand templates inside condition predicates and does not
// apply the Action Executor's request validation (URL scheme and host,
// selector rules), so a workflow that passes can still fail those at run
// time.
func (r *Runner) DryRun(wf *Workflow, inputs map[string]session.Value) error {
	vars := mergeInputs(wf, inputs)
	for k, v := range wf.Variables {
		if _, exists := vars[k]; !exists {
			vars[k] = v
		}
	}
	for _, spec := range wf.Inputs {
		if spec.Required {
			if _, ok := inputs[spec.Name]; !ok {
				return rterr.NotFoundf("required input %q not supplied", spec.Name)
			}
		}
	}
	return dryRunSteps(wf.Steps, vars)
}

func dryRunSteps(steps []Step, vars map[string]session.Value) error {
	for _, step := range steps {
		if err := dryRunAction(step.Action, vars); err != nil {
			return err
		}
		if step.OnError != nil && step.OnError.Kind == PolicyFallback {
			if err := dryRunSteps(step.OnError.Fallback, vars); err != nil {
				return err
			}
		}
		if step.StoreAs != "" {
			vars[step.StoreAs] = session.NullValue()
		}
	}
	return nil
}

func dryRunAction(a Action, vars map[string]session.Value) error {
	switch a.Kind {
	case ActionPrimitive:
		for _, s := range []string{a.Primitive.URL, a.Primitive.Text, a.Primitive.Value, a.Primitive.Target.Label, a.Primitive.Target.Selector} {
			if err := dryRunTemplate(s, vars); err != nil {
				return err
			}
		}
		return nil
	case ActionScript:
		return dryRunTemplate(a.Script, vars)
	case ActionConditional:
		if err := dryRunSteps(a.Then, vars); err != nil {
			return err
		}
		return dryRunSteps(a.Else, vars)
	case ActionLoop:
		if _, ok := vars[a.Over]; !ok {
			return rterr.NotFoundf("loop variable %q not found", a.Over)
		}
		inner := cloneVars(vars)
		inner[a.As] = session.NullValue()
		inner["_loop_index"] = session.NumberValue(0)
		return dryRunSteps(a.Do, inner)
	case ActionParallel:
		for _, branch := range a.Branches {
			if err := dryRunSteps(branch, cloneVars(vars)); err != nil {
				return err
			}
		}
		return nil
	default:
		return rterr.Invalid(fmt.Sprintf("unknown workflow action kind %q", a.Kind), nil)
	}
}

func dryRunTemplate(tmpl string, vars map[string]session.Value) error {
	if tmpl == "" {
		return nil
	}
	for _, match := range templateRef.FindAllStringSubmatch(tmpl, -1) {
		if _, ok := lookupPath(vars, match[1]); !ok {
			return rterr.NotFoundf("template variable %q not found", match[1])
		}
	}
	return nil
}
