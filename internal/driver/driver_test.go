package driver_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"browserrunner/internal/action"
	"browserrunner/internal/config"
	"browserrunner/internal/coordinator"
	"browserrunner/internal/driver"
	"browserrunner/internal/engine"
	"browserrunner/internal/perception"
	"browserrunner/internal/planner"
	"browserrunner/internal/pool"
	"browserrunner/internal/session"
)

type fakeHandle struct{ id string }

func (h fakeHandle) ID() string { return h.id }

type fakeEngine struct {
	engine.Engine
	opened     int32
	currentURL string
	title      string
}

func (f *fakeEngine) Open(ctx context.Context, cfg engine.OpenConfig) (engine.Handle, error) {
	n := atomic.AddInt32(&f.opened, 1)
	return fakeHandle{id: fmt.Sprintf("inst-%d", n)}, nil
}
func (f *fakeEngine) Close(ctx context.Context, h engine.Handle) error { return nil }
func (f *fakeEngine) Ping(ctx context.Context, h engine.Handle) error  { return nil }

func (f *fakeEngine) Goto(ctx context.Context, h engine.Handle, url string, timeout time.Duration) (string, error) {
	f.currentURL = url
	return url, nil
}
func (f *fakeEngine) CurrentURL(ctx context.Context, h engine.Handle) (string, error) {
	return f.currentURL, nil
}
func (f *fakeEngine) Title(ctx context.Context, h engine.Handle) (string, error) { return f.title, nil }
func (f *fakeEngine) Evaluate(ctx context.Context, h engine.Handle, script string, args []interface{}) (interface{}, error) {
	return []interface{}{}, nil
}

func newTestServer(t *testing.T) *driver.Server {
	t.Helper()
	fe := &fakeEngine{}
	p := pool.New(pool.Config{MaxSize: 2, AcquireTimeout: time.Second}, fe, nil)
	sessions := session.New(p, time.Minute, nil)
	perc := perception.New(fe)
	exec := action.New(fe)
	coord := coordinator.New(sessions, fe, perc, exec, planner.NewOffline(), nil, nil, nil, nil, coordinator.Config{})
	return driver.NewServer(config.Config{}, coord, sessions, p)
}

func TestSessionCreateAndInfoRoundTrip(t *testing.T) {
	s := newTestServer(t)

	createRes, err := s.ExecuteTool("runner_session_create", map[string]interface{}{})
	if err != nil {
		t.Fatalf("runner_session_create failed: %v", err)
	}
	payload, ok := createRes.(map[string]interface{})
	if !ok {
		t.Fatalf("unexpected payload type: %#v", createRes)
	}
	sid, ok := payload["session_id"].(string)
	if !ok || sid == "" {
		t.Fatalf("expected a non-empty session_id, got %#v", payload)
	}

	infoRes, err := s.ExecuteTool("runner_session_info", map[string]interface{}{"session_id": sid})
	if err != nil {
		t.Fatalf("runner_session_info failed: %v", err)
	}
	info, ok := infoRes.(map[string]interface{})
	if !ok {
		t.Fatalf("unexpected payload type: %#v", infoRes)
	}
	if info["has_browser"].(bool) {
		t.Error("expected a freshly created session to have no bound browser yet")
	}
}

func TestSessionInfoUnknownIDFails(t *testing.T) {
	s := newTestServer(t)
	if _, err := s.ExecuteTool("runner_session_info", map[string]interface{}{"session_id": "nope"}); err == nil {
		t.Fatal("expected an error for an unknown session id")
	}
}

func TestRunnerExecuteActionNavigate(t *testing.T) {
	s := newTestServer(t)
	createRes, _ := s.ExecuteTool("runner_session_create", nil)
	sid := createRes.(map[string]interface{})["session_id"].(string)

	res, err := s.ExecuteTool("runner_execute", map[string]interface{}{
		"session_id": sid,
		"kind":       "action",
		"op":         "navigate",
		"url":        "https://example.com",
	})
	if err != nil {
		t.Fatalf("runner_execute failed: %v", err)
	}
	payload := res.(map[string]interface{})
	if ok, _ := payload["ok"].(bool); !ok {
		t.Fatalf("expected ok=true, got %#v", payload)
	}
	if payload["value"] != "https://example.com" {
		t.Errorf("unexpected value: %#v", payload["value"])
	}
}

func TestRunnerExecuteMissingSessionIDFails(t *testing.T) {
	s := newTestServer(t)
	if _, err := s.ExecuteTool("runner_execute", map[string]interface{}{"kind": "action", "op": "navigate", "url": "https://example.com"}); err == nil {
		t.Fatal("expected an error when session_id is omitted")
	}
}

func TestRunnerExecuteUnknownKindFails(t *testing.T) {
	s := newTestServer(t)
	createRes, _ := s.ExecuteTool("runner_session_create", nil)
	sid := createRes.(map[string]interface{})["session_id"].(string)

	if _, err := s.ExecuteTool("runner_execute", map[string]interface{}{"session_id": sid, "kind": "bogus"}); err == nil {
		t.Fatal("expected an error for an unrecognised request kind")
	}
}

func TestRunnerReasonFailsWithoutMangle(t *testing.T) {
	s := newTestServer(t)
	if _, err := s.ExecuteTool("runner_reason", map[string]interface{}{"predicate": "root_cause"}); err == nil {
		t.Fatal("expected runner_reason to fail when diagnostics are disabled")
	}
}

func TestRunnerReasonRequiresPredicate(t *testing.T) {
	s := newTestServer(t)
	if _, err := s.ExecuteTool("runner_reason", map[string]interface{}{}); err == nil {
		t.Fatal("expected an error for a missing predicate argument")
	}
}

func TestPoolStatsReportsOccupancy(t *testing.T) {
	s := newTestServer(t)
	res, err := s.ExecuteTool("runner_pool_stats", map[string]interface{}{})
	if err != nil {
		t.Fatalf("runner_pool_stats failed: %v", err)
	}
	payload := res.(map[string]interface{})
	if _, ok := payload["size"]; !ok {
		t.Errorf("expected a size field, got %#v", payload)
	}
}

func TestUnknownToolNameFails(t *testing.T) {
	s := newTestServer(t)
	if _, err := s.ExecuteTool("not_a_real_tool", map[string]interface{}{}); err == nil {
		t.Fatal("expected an error for an unregistered tool name")
	}
}
