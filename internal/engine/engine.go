// Package engine defines C1, the Engine Adapter: a thin, swappable
// abstraction over the underlying browser protocol. Every operation here
// matches the primitive set in  exactly; callers never reach past
// this interface into a concrete protocol library.
package engine

import (
	"context"
	"time"
)

// Handle identifies one open browser instance (one tab/page) at the engine
// level. It carries no exported fields; only a concrete Engine knows how to
// dereference it.
type Handle interface {
	// ID is a stable, engine-assigned identifier for diagnostics/logging.
	ID() string
}

// ElementHandle identifies one resolved DOM element within a Handle's page.
// It is only valid until the next navigation; callers must re-resolve after
// any operation that may have navigated.
type ElementHandle interface {
	ID() string
}

// OpenConfig parameterises Open.
type OpenConfig struct {
	Headless       bool
	BinPath        string
	ControlURL     string
	ViewportWidth  int
	ViewportHeight int
}

// ScreenshotOptions parameterises Screenshot.
type ScreenshotOptions struct {
	FullPage bool
	// Viewport, if non-zero, overrides the instance's current viewport for
	// the duration of the capture.
	ViewportWidth  int
	ViewportHeight int
}

// SelectBy enumerates the three addressing modes for Select, .
type SelectBy string

const (
	SelectByValue SelectBy = "value"
	SelectByText  SelectBy = "visible_text"
	SelectByIndex SelectBy = "index"
)

// ScrollMode enumerates the scroll addressing modes from .
type ScrollMode struct {
	By       *Point
	To       *Point
	Top      bool
	Bottom   bool
	IntoView ElementHandle
}

// Point is a simple (x, y) pair used by scroll modes.
type Point struct{ X, Y float64 }

// WaitPredicateKind enumerates the wait_for predicate families from .
type WaitPredicateKind string

const (
	WaitElementVisible WaitPredicateKind = "element_visible"
	WaitElementGone    WaitPredicateKind = "element_gone"
	WaitURLMatches     WaitPredicateKind = "url_matches"
	WaitTextPresent    WaitPredicateKind = "text_present"
	WaitScriptTruthy   WaitPredicateKind = "script_truthy"
)

// WaitPredicate is a tagged variant describing what wait_for waits for.
type WaitPredicate struct {
	Kind     WaitPredicateKind
	Selector string // element_visible, element_gone
	Pattern  string // url_matches (regexp), text_present (substring)
	Script   string // script_truthy; constant per call-site, see §7
}

// BoundingBox mirrors spec's ElementDescriptor.bounding_box.
type BoundingBox struct {
	X, Y, Width, Height float64
}

// Engine is the full capability set C1 exposes, independent of the
// underlying protocol. The only implementation in this module is
// internal/engine/rodengine, over Chrome DevTools Protocol via go-rod; the
// interface is written so a WebDriver implementation could be added later
// without touching any caller, per single-engine non-goal.
type Engine interface {
	Open(ctx context.Context, cfg OpenConfig) (Handle, error)
	Close(ctx context.Context, h Handle) error

	Goto(ctx context.Context, h Handle, url string, timeout time.Duration) (finalURL string, err error)
	CurrentURL(ctx context.Context, h Handle) (string, error)
	Title(ctx context.Context, h Handle) (string, error)
	Screenshot(ctx context.Context, h Handle, opts ScreenshotOptions) ([]byte, error)

	Find(ctx context.Context, h Handle, selector string) (ElementHandle, bool, error)
	FindAll(ctx context.Context, h Handle, selector string) ([]ElementHandle, error)

	Click(ctx context.Context, h Handle, eh ElementHandle) error
	Type(ctx context.Context, h Handle, eh ElementHandle, text string, clear bool) error
	Select(ctx context.Context, h Handle, eh ElementHandle, by SelectBy, value string) error
	Scroll(ctx context.Context, h Handle, mode ScrollMode) error

	WaitFor(ctx context.Context, h Handle, predicate WaitPredicate, timeout time.Duration) error

	// Evaluate runs script with args passed through the protocol's
	// parameterised-argument channel. script must be a constant per
	// call-site; args is the only channel for caller-supplied data, per the
	// no-injection contract in /§7.
	Evaluate(ctx context.Context, h Handle, script string, args []interface{}) (interface{}, error)

	Back(ctx context.Context, h Handle) error
	Forward(ctx context.Context, h Handle) error
	Refresh(ctx context.Context, h Handle) error

	// BoundingBox is an engine-level convenience used by the perception
	// engine to fill ElementDescriptor.bounding_box; it is not part of the
	// spec's primitive table but is needed to implement it.
	BoundingBox(ctx context.Context, h Handle, eh ElementHandle) (BoundingBox, bool, error)
	// Attributes returns a best-effort snapshot of an element's tag name,
	// text content, and named attributes, used by perception/action for
	// label inference and fingerprinting.
	Attributes(ctx context.Context, h Handle, eh ElementHandle) (tag string, text string, attrs map[string]string, visible bool, enabled bool, err error)
}
