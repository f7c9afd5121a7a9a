// Package rodengine implements internal/engine.Engine over the Chrome
// DevTools Protocol using github.com/go-rod/rod, the teacher's own browser
// driver. Launcher flags and page-lifecycle handling follow
// SessionManager.Start/CreateSession from the teacher; primitive bodies
// follow the teacher's InteractTool (click/type/select) in
// internal/mcp/navigation_elements.go.
package rodengine

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"browserrunner/internal/engine"
)

// Engine drives one underlying *rod.Browser process. One Engine instance
// backs one pool.Pool; each engine.Handle it mints wraps one *rod.Page
// (one browser tab), matching spec's BrowserInstance = "process handle plus
// one default tab".
type Engine struct {
	mu      sync.Mutex
	browser *rod.Browser
	handles map[string]*pageHandle
}

type pageHandle struct {
	id   string
	page *rod.Page
}

func (h *pageHandle) ID() string { return h.id }

type elementHandle struct {
	id string
	el *rod.Element
}

func (h *elementHandle) ID() string { return h.id }

// New launches (or attaches to, via cfg.ControlURL) a Chrome instance and
// returns an Engine bound to it. The launcher flag set mirrors the teacher's
// SessionManager.Start, generalized with the stealth/resource flags the pack's
// jmylchreest-refyne-api pool also sets.
func New(ctx context.Context, cfg engine.OpenConfig) (*Engine, error) {
	controlURL := cfg.ControlURL
	if controlURL == "" {
		l := launcher.New().Headless(cfg.Headless).
			Set("disable-blink-features", "AutomationControlled").
			Set("disable-dev-shm-usage").
			Set("disable-gpu").
			Set("no-sandbox").
			Set("disable-setuid-sandbox").
			Set("disable-infobars").
			Set("disable-extensions")
		if cfg.BinPath != "" {
			l = l.Bin(cfg.BinPath)
		}
		u, err := l.Context(ctx).Launch()
		if err != nil {
			return nil, fmt.Errorf("launching chrome: %w", err)
		}
		controlURL = u
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connecting to chrome: %w", err)
	}

	return &Engine{browser: browser, handles: make(map[string]*pageHandle)}, nil
}

// Open creates a new incognito tab, the way the teacher's CreateSession does,
// and applies the viewport override via proto.EmulationSetDeviceMetricsOverride.
func (e *Engine) Open(ctx context.Context, cfg engine.OpenConfig) (engine.Handle, error) {
	incognito, err := e.browser.Incognito()
	if err != nil {
		return nil, fmt.Errorf("creating incognito context: %w", err)
	}

	page, err := incognito.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("creating page: %w", err)
	}
	page = page.Context(ctx)

	w, h := cfg.ViewportWidth, cfg.ViewportHeight
	if w <= 0 {
		w = 1920
	}
	if h <= 0 {
		h = 1080
	}
	_ = page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:  w,
		Height: h,
	})

	id := string(page.TargetID)
	ph := &pageHandle{id: id, page: page}

	e.mu.Lock()
	e.handles[id] = ph
	e.mu.Unlock()

	return ph, nil
}

func (e *Engine) resolve(h engine.Handle) (*rod.Page, error) {
	ph, ok := h.(*pageHandle)
	if !ok {
		e.mu.Lock()
		ph, ok = e.handles[h.ID()]
		e.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("engine: unknown handle %s", h.ID())
		}
	}
	return ph.page, nil
}

func (e *Engine) Close(ctx context.Context, h engine.Handle) error {
	page, err := e.resolve(h)
	if err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.handles, h.ID())
	e.mu.Unlock()
	return page.Close()
}

// Shutdown closes the underlying browser process entirely.
func (e *Engine) Shutdown() error {
	if e.browser == nil {
		return nil
	}
	return e.browser.Close()
}

// Ping is a cheap health probe used by the pool: read the current URL with a
// short budget, exactly the "cheap round-trip"  calls for.
func (e *Engine) Ping(ctx context.Context, h engine.Handle) error {
	_, err := e.CurrentURL(ctx, h)
	return err
}

func (e *Engine) Goto(ctx context.Context, h engine.Handle, url string, timeout time.Duration) (string, error) {
	page, err := e.resolve(h)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	page = page.Context(ctx)
	if err := page.Navigate(url); err != nil {
		return "", fmt.Errorf("navigate: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return "", fmt.Errorf("wait load: %w", err)
	}
	info, err := page.Info()
	if err != nil {
		return "", fmt.Errorf("page info: %w", err)
	}
	return info.URL, nil
}

func (e *Engine) CurrentURL(ctx context.Context, h engine.Handle) (string, error) {
	page, err := e.resolve(h)
	if err != nil {
		return "", err
	}
	info, err := page.Context(ctx).Info()
	if err != nil {
		return "", fmt.Errorf("page info: %w", err)
	}
	return info.URL, nil
}

func (e *Engine) Title(ctx context.Context, h engine.Handle) (string, error) {
	page, err := e.resolve(h)
	if err != nil {
		return "", err
	}
	info, err := page.Context(ctx).Info()
	if err != nil {
		return "", fmt.Errorf("page info: %w", err)
	}
	return info.Title, nil
}

func (e *Engine) Screenshot(ctx context.Context, h engine.Handle, opts engine.ScreenshotOptions) ([]byte, error) {
	page, err := e.resolve(h)
	if err != nil {
		return nil, err
	}
	page = page.Context(ctx)
	if opts.ViewportWidth > 0 && opts.ViewportHeight > 0 {
		_ = page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:  opts.ViewportWidth,
			Height: opts.ViewportHeight,
		})
	}
	req := &proto.PageCaptureScreenshot{Format: proto.PageCaptureScreenshotFormatPng}
	if opts.FullPage {
		metrics, err := proto.PageGetLayoutMetrics{}.Call(page)
		if err == nil && metrics.CSSContentSize != nil {
			req.Clip = &proto.PageViewport{
				X: 0, Y: 0,
				Width: metrics.CSSContentSize.Width, Height: metrics.CSSContentSize.Height,
				Scale: 1,
			}
		}
	}
	return page.Screenshot(opts.FullPage, req)
}

func (e *Engine) Find(ctx context.Context, h engine.Handle, selector string) (engine.ElementHandle, bool, error) {
	page, err := e.resolve(h)
	if err != nil {
		return nil, false, err
	}
	el, err := page.Context(ctx).Timeout(2 * time.Second).Element(selector)
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("find %q: %w", selector, err)
	}
	return wrapElement(el), true, nil
}

func (e *Engine) FindAll(ctx context.Context, h engine.Handle, selector string) ([]engine.ElementHandle, error) {
	page, err := e.resolve(h)
	if err != nil {
		return nil, err
	}
	els, err := page.Context(ctx).Elements(selector)
	if err != nil {
		return nil, fmt.Errorf("find_all %q: %w", selector, err)
	}
	out := make([]engine.ElementHandle, 0, len(els))
	for _, el := range els {
		out = append(out, wrapElement(el))
	}
	return out, nil
}

func wrapElement(el *rod.Element) *elementHandle {
	return &elementHandle{id: string(el.Object.ObjectID), el: el}
}

func resolveElement(eh engine.ElementHandle) (*rod.Element, error) {
	e, ok := eh.(*elementHandle)
	if !ok || e.el == nil {
		return nil, fmt.Errorf("engine: stale or foreign element handle")
	}
	return e.el, nil
}

// Click performs a native left click, matching the teacher's InteractTool.
func (e *Engine) Click(ctx context.Context, h engine.Handle, eh engine.ElementHandle) error {
	el, err := resolveElement(eh)
	if err != nil {
		return err
	}
	if err := el.Context(ctx).Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("click: %w", err)
	}
	return nil
}

// Type clears the field first (select-all + delete) when clear is set, then
// types via native key input — never a clipboard paste side channel, per
// this type-text semantics — matching the teacher's InteractTool.
func (e *Engine) Type(ctx context.Context, h engine.Handle, eh engine.ElementHandle, text string, clear bool) error {
	el, err := resolveElement(eh)
	if err != nil {
		return err
	}
	el = el.Context(ctx)
	if clear {
		if err := el.SelectAllText(); err != nil {
			return fmt.Errorf("select all: %w", err)
		}
		if err := el.Input(""); err != nil {
			return fmt.Errorf("clear: %w", err)
		}
	}
	if err := el.Input(text); err != nil {
		return fmt.Errorf("type: %w", err)
	}
	return nil
}

// Select implements this by-value/by-text/by-index semantics: by
// value matches the option's value attribute; by visible_text matches
// exactly then falls back to case-insensitive; by index is zero-based.
func (e *Engine) Select(ctx context.Context, h engine.Handle, eh engine.ElementHandle, by engine.SelectBy, value string) error {
	el, err := resolveElement(eh)
	if err != nil {
		return err
	}
	el = el.Context(ctx)

	switch by {
	case engine.SelectByValue:
		if err := el.Select([]string{value}, true, "value"); err == nil {
			return nil
		}
		return e.selectByAttr(el, "value", value, false)
	case engine.SelectByText:
		if err := el.Select([]string{value}, true, "text"); err == nil {
			return nil
		}
		return e.selectByCaseInsensitiveText(el, value)
	case engine.SelectByIndex:
		return e.selectByIndex(ctx, el, value)
	default:
		return fmt.Errorf("engine: unknown select-by %q", by)
	}
}

func (e *Engine) selectByAttr(el *rod.Element, attr, value string, _ bool) error {
	opts, err := el.Elements("option")
	if err != nil {
		return fmt.Errorf("list options: %w", err)
	}
	for _, opt := range opts {
		v, err := opt.Attribute(attr)
		if err == nil && v != nil && *v == value {
			return el.Select([]string{value}, true, "value")
		}
	}
	return fmt.Errorf("engine: option_not_found value=%q", value)
}

func (e *Engine) selectByCaseInsensitiveText(el *rod.Element, value string) error {
	opts, err := el.Elements("option")
	if err != nil {
		return fmt.Errorf("list options: %w", err)
	}
	target := strings.ToLower(strings.TrimSpace(value))
	for _, opt := range opts {
		text, err := opt.Text()
		if err == nil && strings.ToLower(strings.TrimSpace(text)) == target {
			return el.Select([]string{text}, true, "text")
		}
	}
	return fmt.Errorf("engine: option_not_found text=%q", value)
}

func (e *Engine) selectByIndex(ctx context.Context, el *rod.Element, value string) error {
	opts, err := el.Context(ctx).Elements("option")
	if err != nil {
		return fmt.Errorf("list options: %w", err)
	}
	idx := 0
	if _, err := fmt.Sscanf(value, "%d", &idx); err != nil {
		return fmt.Errorf("engine: invalid index %q", value)
	}
	if idx < 0 || idx >= len(opts) {
		return fmt.Errorf("engine: option_not_found index=%d", idx)
	}
	text, err := opts[idx].Text()
	if err != nil {
		return fmt.Errorf("reading option text: %w", err)
	}
	return el.Select([]string{text}, true, "text")
}

func (e *Engine) Scroll(ctx context.Context, h engine.Handle, mode engine.ScrollMode) error {
	page, err := e.resolve(h)
	if err != nil {
		return err
	}
	page = page.Context(ctx)

	switch {
	case mode.IntoView != nil:
		el, err := resolveElement(mode.IntoView)
		if err != nil {
			return err
		}
		return el.Context(ctx).ScrollIntoView()
	case mode.Top:
		return page.Mouse.Scroll(0, -1e7, 1)
	case mode.Bottom:
		return page.Mouse.Scroll(0, 1e7, 1)
	case mode.To != nil:
		_, err := page.Eval(`(x,y)=>window.scrollTo(x,y)`, mode.To.X, mode.To.Y)
		return err
	case mode.By != nil:
		return page.Mouse.Scroll(mode.By.X, mode.By.Y, 1)
	default:
		return fmt.Errorf("engine: empty scroll mode")
	}
}

// WaitFor polls the given predicate at a 100ms interval, .
func (e *Engine) WaitFor(ctx context.Context, h engine.Handle, predicate engine.WaitPredicate, timeout time.Duration) error {
	page, err := e.resolve(h)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	check := func() (bool, error) {
		switch predicate.Kind {
		case engine.WaitElementVisible:
			el, err := page.Context(ctx).Timeout(50 * time.Millisecond).Element(predicate.Selector)
			if err != nil {
				return false, nil
			}
			visible, _ := el.Visible()
			return visible, nil
		case engine.WaitElementGone:
			_, err := page.Context(ctx).Timeout(50 * time.Millisecond).Element(predicate.Selector)
			return err != nil, nil
		case engine.WaitURLMatches:
			info, err := page.Context(ctx).Info()
			if err != nil {
				return false, nil
			}
			re, err := regexp.Compile(predicate.Pattern)
			if err != nil {
				return false, fmt.Errorf("engine: invalid url pattern: %w", err)
			}
			return re.MatchString(info.URL), nil
		case engine.WaitTextPresent:
			html, err := page.Context(ctx).HTML()
			if err != nil {
				return false, nil
			}
			return strings.Contains(html, predicate.Pattern), nil
		case engine.WaitScriptTruthy:
			res, err := page.Context(ctx).Eval(predicate.Script)
			if err != nil {
				return false, nil
			}
			return res.Value.Bool(), nil
		default:
			return false, fmt.Errorf("engine: unknown wait predicate %q", predicate.Kind)
		}
	}

	for {
		ok, err := check()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("engine: wait_for timed out: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Evaluate calls rod's CallFunctionOn equivalent (page.Eval with variadic
// args), which passes args through CDP's argument channel rather than
// string-interpolating them into script — the mechanism behind the
// no-injection contract in /§7.
func (e *Engine) Evaluate(ctx context.Context, h engine.Handle, script string, args []interface{}) (interface{}, error) {
	page, err := e.resolve(h)
	if err != nil {
		return nil, err
	}
	res, err := page.Context(ctx).Eval(script, args...)
	if err != nil {
		return nil, fmt.Errorf("evaluate: %w", err)
	}
	return res.Value.Val(), nil
}

func (e *Engine) Back(ctx context.Context, h engine.Handle) error {
	page, err := e.resolve(h)
	if err != nil {
		return err
	}
	return page.Context(ctx).NavigateBack()
}

func (e *Engine) Forward(ctx context.Context, h engine.Handle) error {
	page, err := e.resolve(h)
	if err != nil {
		return err
	}
	return page.Context(ctx).NavigateForward()
}

func (e *Engine) Refresh(ctx context.Context, h engine.Handle) error {
	page, err := e.resolve(h)
	if err != nil {
		return err
	}
	return page.Context(ctx).Reload()
}

func (e *Engine) BoundingBox(ctx context.Context, h engine.Handle, eh engine.ElementHandle) (engine.BoundingBox, bool, error) {
	el, err := resolveElement(eh)
	if err != nil {
		return engine.BoundingBox{}, false, err
	}
	shape, err := el.Context(ctx).Shape()
	if err != nil || len(shape.Quads) == 0 {
		return engine.BoundingBox{}, false, nil
	}
	box := shape.Box()
	return engine.BoundingBox{X: box.X, Y: box.Y, Width: box.Width, Height: box.Height}, true, nil
}

func (e *Engine) Attributes(ctx context.Context, h engine.Handle, eh engine.ElementHandle) (string, string, map[string]string, bool, bool, error) {
	el, err := resolveElement(eh)
	if err != nil {
		return "", "", nil, false, false, err
	}
	el = el.Context(ctx)

	desc, err := el.Describe(0, false)
	tag := ""
	if err == nil && desc != nil {
		tag = strings.ToLower(desc.NodeName)
	}

	text, _ := el.Text()
	visible, _ := el.Visible()
	enabled := true
	if disabled, err := el.Attribute("disabled"); err == nil && disabled != nil {
		enabled = false
	}

	attrs := map[string]string{}
	for _, name := range []string{"id", "name", "class", "placeholder", "aria-label", "title", "alt", "href", "type", "data-testid"} {
		if v, err := el.Attribute(name); err == nil && v != nil {
			attrs[name] = *v
		}
	}

	return tag, text, attrs, visible, enabled, nil
}

func isNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "cannot find")
}
