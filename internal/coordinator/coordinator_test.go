package coordinator_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"browserrunner/internal/action"
	"browserrunner/internal/coordinator"
	"browserrunner/internal/engine"
	"browserrunner/internal/perception"
	"browserrunner/internal/planner"
	"browserrunner/internal/pool"
	"browserrunner/internal/session"
	"browserrunner/internal/workflow"
)

type fakeHandle struct{ id string }

func (h fakeHandle) ID() string { return h.id }

// fakeEngine is a single in-memory double satisfying both engine.Engine (for
// perception/action/coordinator) and pool.PoolEngine (Open/Close/Ping), the
// way internal/pool's and internal/action's own fakes do, so the coordinator
// can be exercised end to end without a real browser.
type fakeEngine struct {
	engine.Engine

	mu         sync.Mutex
	currentURL string
	title      string
	opened     int32
	gotoCalls  int32
}

func (f *fakeEngine) Open(ctx context.Context, cfg engine.OpenConfig) (engine.Handle, error) {
	n := atomic.AddInt32(&f.opened, 1)
	return fakeHandle{id: fmt.Sprintf("inst-%d", n)}, nil
}

func (f *fakeEngine) Close(ctx context.Context, h engine.Handle) error { return nil }
func (f *fakeEngine) Ping(ctx context.Context, h engine.Handle) error  { return nil }

func (f *fakeEngine) Goto(ctx context.Context, h engine.Handle, url string, timeout time.Duration) (string, error) {
	atomic.AddInt32(&f.gotoCalls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.currentURL = url
	return url, nil
}

func (f *fakeEngine) CurrentURL(ctx context.Context, h engine.Handle) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.currentURL, nil
}

func (f *fakeEngine) Title(ctx context.Context, h engine.Handle) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.title, nil
}

// Evaluate dispatches by a substring of the injected script rather than by
// exact identity, since the perception package's script constants are
// unexported and this test lives outside that package.
func (f *fakeEngine) Evaluate(ctx context.Context, h engine.Handle, script string, args []interface{}) (interface{}, error) {
	switch {
	case strings.Contains(script, "hasPasswordField"):
		return map[string]interface{}{}, nil
	case strings.Contains(script, "el.tagName"):
		return []interface{}{}, nil
	default:
		return []interface{}{}, nil
	}
}

func newTestCoordinator(t *testing.T, fe *fakeEngine) (*coordinator.Coordinator, *session.Registry) {
	t.Helper()
	p := pool.New(pool.Config{MaxSize: 2, AcquireTimeout: time.Second}, fe, nil)
	registry := session.New(p, time.Minute, nil)
	perc := perception.New(fe)
	exec := action.New(fe)
	offline := planner.NewOffline()
	c := coordinator.New(registry, fe, perc, exec, offline, nil, nil, nil, nil, coordinator.Config{})
	return c, registry
}

func TestExecuteActionNavigateUpdatesSession(t *testing.T) {
	fe := &fakeEngine{title: "Example"}
	c, registry := newTestCoordinator(t, fe)
	sid := registry.Create()

	resp := c.Execute(context.Background(), sid, coordinator.Request{
		Kind:   coordinator.RequestAction,
		Action: action.Request{Op: action.OpNavigate, URL: "https://example.com"},
	})
	if !resp.OK {
		t.Fatalf("expected OK response, got error=%#v", resp.Error)
	}
	if resp.Value != "https://example.com" {
		t.Errorf("unexpected value: %#v", resp.Value)
	}

	info, err := registry.Info(sid)
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if info.CurrentURL != "https://example.com" {
		t.Errorf("expected session current_url to be updated, got %q", info.CurrentURL)
	}
	if !info.HasBrowser {
		t.Error("expected the session to have bound a browser lease")
	}
}

func TestExecuteUnknownSessionFails(t *testing.T) {
	fe := &fakeEngine{}
	c, _ := newTestCoordinator(t, fe)

	resp := c.Execute(context.Background(), session.SessionId("does-not-exist"), coordinator.Request{
		Kind:   coordinator.RequestAction,
		Action: action.Request{Op: action.OpNavigate, URL: "https://example.com"},
	})
	if resp.OK {
		t.Fatal("expected a failure for an unknown session id")
	}
	if resp.Error == nil {
		t.Fatal("expected a populated Error field")
	}
}

func TestExecuteNLLowConfidenceReturnsPlanWithoutRunning(t *testing.T) {
	fe := &fakeEngine{}
	c, registry := newTestCoordinator(t, fe)
	sid := registry.Create()

	resp := c.Execute(context.Background(), sid, coordinator.Request{
		Kind: coordinator.RequestNL,
		Text: "check page loaded",
	})
	if resp.OK {
		t.Fatal("expected a low-confidence NL request to not report OK")
	}
	if resp.Plan == nil {
		t.Fatal("expected the low-confidence plan to be surfaced for confirmation")
	}
	if resp.Error == nil || resp.Error.Kind != "planner_low_confidence" {
		t.Errorf("expected a planner_low_confidence error kind, got %#v", resp.Error)
	}
}

func TestExecuteWorkflowDryRunDoesNotTouchEngine(t *testing.T) {
	fe := &fakeEngine{}
	c, registry := newTestCoordinator(t, fe)
	sid := registry.Create()

	wf := &workflow.Workflow{
		Name: "noop",
		Steps: []workflow.Step{
			{Name: "go", Action: workflow.Action{Kind: workflow.ActionPrimitive, Primitive: action.Request{
				Op: action.OpNavigate, URL: "https://example.com",
			}}},
		},
	}

	resp := c.Execute(context.Background(), sid, coordinator.Request{
		Kind:     coordinator.RequestWorkflow,
		Workflow: wf,
		DryRun:   true,
	})
	if !resp.OK {
		t.Fatalf("expected dry run to report OK, got error=%#v", resp.Error)
	}
	if resp.Value != "dry run: no errors" {
		t.Errorf("unexpected dry run value: %#v", resp.Value)
	}
	if resp.WorkflowResult != nil {
		t.Errorf("expected no workflow result for a dry run, got %#v", resp.WorkflowResult)
	}
	if atomic.LoadInt32(&fe.gotoCalls) != 0 {
		t.Errorf("expected dry run to never call Goto, got %d calls", fe.gotoCalls)
	}
}

func TestExecuteWorkflowRunUpdatesVariables(t *testing.T) {
	fe := &fakeEngine{title: "Home"}
	c, registry := newTestCoordinator(t, fe)
	sid := registry.Create()

	wf := &workflow.Workflow{
		Name: "go-and-store",
		Steps: []workflow.Step{
			{
				Name:    "go",
				StoreAs: "final_url",
				Action: workflow.Action{Kind: workflow.ActionPrimitive, Primitive: action.Request{
					Op: action.OpNavigate, URL: "https://example.com/done",
				}},
			},
		},
	}

	resp := c.Execute(context.Background(), sid, coordinator.Request{
		Kind:     coordinator.RequestWorkflow,
		Workflow: wf,
	})
	if !resp.OK {
		t.Fatalf("expected the workflow to complete, got error=%#v, result=%#v", resp.Error, resp.WorkflowResult)
	}
	if resp.WorkflowResult == nil || resp.WorkflowResult.Status != workflow.StateCompleted {
		t.Fatalf("expected a completed workflow result, got %#v", resp.WorkflowResult)
	}
	v, ok := resp.WorkflowResult.Variables["final_url"]
	if !ok || v.Str != "https://example.com/done" {
		t.Errorf("expected final_url to be stored, got %#v", v)
	}
	if atomic.LoadInt32(&fe.gotoCalls) != 1 {
		t.Errorf("expected exactly one Goto call from the workflow's navigate step, got %d", fe.gotoCalls)
	}

	// The workflow engine's own Goto doesn't flow through
	// Coordinator.applyResult, so session.CurrentURL only reflects the
	// starting navigation, not the workflow's internal one; registry.Info
	// still proves the session survived the run with its lease intact.
	info, err := registry.Info(sid)
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if !info.HasBrowser {
		t.Error("expected the session to retain its bound browser lease after the workflow ran")
	}
}

func TestDiagnoseFailsWithoutMangleEngine(t *testing.T) {
	fe := &fakeEngine{}
	c, _ := newTestCoordinator(t, fe)

	if _, err := c.Diagnose(context.Background(), "root_cause"); err == nil {
		t.Fatal("expected Diagnose to fail when no mangle engine is configured")
	}
}
