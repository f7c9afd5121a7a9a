package rodengine

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"browserrunner/internal/engine"
)

// TestLiveRodEngine drives a real headless Chrome instance end to end, the
// way the teacher's TestLiveBrowserSessionManager exercises its own
// SessionManager against a real browser rather than a mock.
func TestLiveRodEngine(t *testing.T) {
	if os.Getenv("SKIP_LIVE_TESTS") != "" {
		t.Skip("Skipping live browser tests (SKIP_LIVE_TESTS set)")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	eng, err := New(ctx, engine.OpenConfig{Headless: true})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer eng.Shutdown()

	h, err := eng.Open(ctx, engine.OpenConfig{ViewportWidth: 1280, ViewportHeight: 800})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer eng.Close(ctx, h)

	if err := eng.Ping(ctx, h); err != nil {
		t.Errorf("Ping failed on a freshly opened page: %v", err)
	}

	const page = `data:text/html,<html><head><title>rodengine live test</title></head>` +
		`<body><input id="name" /><button id="go" onclick="document.getElementById('out').innerText='clicked'">Go</button>` +
		`<div id="out"></div></body></html>`

	if _, err := eng.Goto(ctx, h, page, 10*time.Second); err != nil {
		t.Fatalf("Goto failed: %v", err)
	}

	title, err := eng.Title(ctx, h)
	if err != nil {
		t.Fatalf("Title failed: %v", err)
	}
	if title != "rodengine live test" {
		t.Errorf("unexpected title: %q", title)
	}

	url, err := eng.CurrentURL(ctx, h)
	if err != nil {
		t.Fatalf("CurrentURL failed: %v", err)
	}
	if !strings.HasPrefix(url, "data:text/html,") {
		t.Errorf("unexpected current url: %q", url)
	}

	input, ok, err := eng.Find(ctx, h, "#name")
	if err != nil || !ok {
		t.Fatalf("Find(#name) failed: ok=%v err=%v", ok, err)
	}
	if err := eng.Type(ctx, h, input, "hello", true); err != nil {
		t.Fatalf("Type failed: %v", err)
	}

	button, ok, err := eng.Find(ctx, h, "#go")
	if err != nil || !ok {
		t.Fatalf("Find(#go) failed: ok=%v err=%v", ok, err)
	}
	if err := eng.Click(ctx, h, button); err != nil {
		t.Fatalf("Click failed: %v", err)
	}

	result, err := eng.Evaluate(ctx, h, `() => document.getElementById('out').innerText`, nil)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if result != "clicked" {
		t.Errorf("expected the click handler to have run, got %#v", result)
	}

	_, missing, err := eng.Find(ctx, h, "#does-not-exist")
	if err != nil {
		t.Fatalf("Find for a missing selector should not error, got: %v", err)
	}
	if missing {
		t.Error("expected Find to report false for a missing selector")
	}
}
