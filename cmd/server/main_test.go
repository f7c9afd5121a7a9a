package main

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"browserrunner/internal/config"
)

// TestNewRuntimeWiring exercises the full construction path newRuntime runs
// in main(), with AutoStart disabled so no real Chrome process is launched.
// It mirrors the server-lifecycle smoke test the teacher ran against its own
// SessionManager/NewServer pair, retargeted at the coordinator-backed
// wiring.
func TestNewRuntimeWiring(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Browser.AutoStart = false
	cfg.Mangle.Enable = false

	rt, cleanup, err := newRuntime(context.Background(), cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("newRuntime failed: %v", err)
	}
	defer cleanup()

	if rt.server == nil {
		t.Fatal("expected non-nil server")
	}

	statsAny, err := rt.server.ExecuteTool("runner_pool_stats", map[string]interface{}{})
	if err != nil {
		t.Fatalf("runner_pool_stats failed: %v", err)
	}
	stats, ok := statsAny.(map[string]interface{})
	if !ok {
		t.Fatalf("expected map result, got %T", statsAny)
	}
	if size, _ := stats["size"].(int); size != 0 {
		t.Errorf("expected a cold pool with no instances yet, got size=%v", stats["size"])
	}

	sessAny, err := rt.server.ExecuteTool("runner_session_create", map[string]interface{}{})
	if err != nil {
		t.Fatalf("runner_session_create failed: %v", err)
	}
	sess, ok := sessAny.(map[string]interface{})
	if !ok || sess["session_id"] == "" || sess["session_id"] == nil {
		t.Fatalf("expected a non-empty session_id, got %v", sessAny)
	}
}

// TestLazyEngineAutoStartDisabled verifies that with AutoStart=false the
// engine never launches Chrome until ensure/Open is explicitly called, and
// that every other Engine method fails fast with errEngineNotStarted rather
// than hanging or panicking on a nil browser.
func TestLazyEngineAutoStartDisabled(t *testing.T) {
	eng := newLazyEngine(config.BrowserConfig{AutoStart: false})

	if _, err := eng.CurrentURL(context.Background(), nil); err != errEngineNotStarted {
		t.Fatalf("expected errEngineNotStarted, got %v", err)
	}
	if err := eng.Close(context.Background(), nil); err != nil {
		t.Fatalf("Close before start should be a no-op, got %v", err)
	}
	if err := eng.Ping(context.Background(), nil); err != errEngineNotStarted {
		t.Fatalf("expected errEngineNotStarted from Ping, got %v", err)
	}
}

func TestRuntimeCleanupStopsSweepers(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Browser.AutoStart = false
	cfg.Session.TTL = "50ms"
	cfg.Mangle.Enable = false

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, cleanup, err := newRuntime(ctx, cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("newRuntime failed: %v", err)
	}
	cleanup()
	time.Sleep(10 * time.Millisecond)
}
