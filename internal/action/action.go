// Package action implements the Action Executor: one executor per
// primitive, with input sanitisation, selector/semantic target resolution,
// and adaptive retries.
package action

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"browserrunner/internal/engine"
	"browserrunner/internal/perception"
	"browserrunner/internal/rterr"
)

// Op is one of the primitive action kinds the executor supports.
type Op string

const (
	OpNavigate    Op = "navigate"
	OpCurrentURL  Op = "current_url"
	OpTitle       Op = "title"
	OpScreenshot  Op = "screenshot"
	OpClick       Op = "click"
	OpType        Op = "type"
	OpSelect      Op = "select"
	OpScroll      Op = "scroll"
	OpWait        Op = "wait"
	OpExtract     Op = "extract"
	OpEvaluate    Op = "evaluate"
	OpBack        Op = "back"
	OpForward     Op = "forward"
	OpRefresh     Op = "refresh"
)

// Target identifies the element a primitive acts on: selector candidates
// are tried in order, then a semantic search against the current
// perception snapshot.
type Target struct {
	// ElementID references an ElementDescriptor from the current snapshot.
	ElementID string
	// Selector is an explicit CSS selector, used when no snapshot/element_id
	// is available (e.g. planner emitted none, or a raw action request).
	Selector string
	// Label drives the semantic-search fallback when selectors don't resolve.
	Label string
}

// Request is one primitive invocation.
type Request struct {
	Op Op

	URL      string
	Timeout  time.Duration
	Target   Target
	Text     string
	Clear    bool
	SelectBy engine.SelectBy
	Value    string
	Scroll   engine.ScrollMode
	Wait     engine.WaitPredicate
	Script   string
	Args     []interface{}
	Extract  ExtractMode
	AttrName string

	ScreenshotOpts engine.ScreenshotOptions

	// RetryPolicy overrides the default retry behaviour for this call; a
	// workflow step's error policy may set this per-call.
	RetryPolicy *RetryPolicy
}

// ExtractMode enumerates the page-data extraction shapes Extract supports.
type ExtractMode string

const (
	ExtractText           ExtractMode = "text"
	ExtractAttribute      ExtractMode = "attribute"
	ExtractTable          ExtractMode = "table"
	ExtractLinks          ExtractMode = "links"
	ExtractStructuredData ExtractMode = "structured_data"
)

// Result is a primitive's structured outcome.
type Result struct {
	OK    bool
	Value interface{}
	// Mutating reports whether this call may have navigated or changed the
	// DOM, so the coordinator knows to invalidate the perception snapshot.
	// The executor never touches SessionState itself; it only reports the
	// fact so the coordinator can act on it.
	Mutating bool
}

// RetryPolicy controls the exponential-backoff retry: base 500ms, factor 2,
// jitter ±20%, max 3 attempts including the first.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Factor      float64
	JitterFrac  float64
}

func defaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Base: 500 * time.Millisecond, Factor: 2, JitterFrac: 0.2}
}

// defaultTimeout returns the per-primitive default timeout.
func defaultTimeout(op Op) time.Duration {
	switch op {
	case OpNavigate:
		return 30 * time.Second
	case OpWait:
		return 10 * time.Second
	default:
		return 5 * time.Second
	}
}

const maxSelectorLength = 500
const maxURLLength = 2048

// selectorInjectionSentinels rejects selectors that look like an attempt to
// break out of a larger query string or smuggle script content. Selectors
// are never concatenated into evaluate source regardless, but a hostile
// selector is still rejected up front.
var selectorInjectionSentinels = regexp.MustCompile(`(?i)</script|;\s*document\.|javascript:|\bon\w+\s*=`)

// Executor runs primitives over one internal/engine.Engine. It holds no
// session state; the coordinator passes in the engine handle and the
// current perception snapshot (if any) for each call. The executor never
// mutates SessionState directly — only the coordinator does.
type Executor struct {
	eng engine.Engine
}

func New(eng engine.Engine) *Executor {
	return &Executor{eng: eng}
}

// Execute runs one primitive against h, resolving a target element from
// snap when the request names one, retrying transient failures per the
// request's (or default) retry policy.
func (x *Executor) Execute(ctx context.Context, h engine.Handle, snap *perception.Snapshot, req Request) (Result, error) {
	if err := sanitise(req); err != nil {
		return Result{}, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout(req.Op)
	}

	policy := defaultRetryPolicy()
	if req.RetryPolicy != nil {
		policy = *req.RetryPolicy
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		res, err := x.once(callCtx, h, snap, req)
		cancel()
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !isTransient(err) || attempt == policy.MaxAttempts {
			break
		}
		if sleepErr := backoffSleep(ctx, policy, attempt); sleepErr != nil {
			lastErr = sleepErr
			break
		}
	}
	if isTransient(lastErr) {
		lastErr = rterr.MarkExhausted(lastErr)
	}
	return Result{}, lastErr
}

func backoffSleep(ctx context.Context, policy RetryPolicy, attempt int) error {
	d := time.Duration(float64(policy.Base) * pow(policy.Factor, attempt-1))
	jitter := 1 + (rand.Float64()*2-1)*policy.JitterFrac
	d = time.Duration(float64(d) * jitter)
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return rterr.CancelledErr("cancelled during retry backoff")
	}
}

func pow(base float64, exp int) float64 {
	out := 1.0
	for i := 0; i < exp; i++ {
		out *= base
	}
	return out
}

func isTransient(err error) bool {
	return rterr.KindOf(err) == rterr.Transient
}

func (x *Executor) once(ctx context.Context, h engine.Handle, snap *perception.Snapshot, req Request) (Result, error) {
	switch req.Op {
	case OpNavigate:
		finalURL, err := x.eng.Goto(ctx, h, req.URL, defaultTimeout(OpNavigate))
		if err != nil {
			return Result{}, classify(err, "navigate")
		}
		return Result{OK: true, Value: finalURL, Mutating: true}, nil

	case OpCurrentURL:
		v, err := x.eng.CurrentURL(ctx, h)
		if err != nil {
			return Result{}, classify(err, "current_url")
		}
		return Result{OK: true, Value: v}, nil

	case OpTitle:
		v, err := x.eng.Title(ctx, h)
		if err != nil {
			return Result{}, classify(err, "title")
		}
		return Result{OK: true, Value: v}, nil

	case OpScreenshot:
		b, err := x.eng.Screenshot(ctx, h, req.ScreenshotOpts)
		if err != nil {
			return Result{}, classify(err, "screenshot")
		}
		return Result{OK: true, Value: b}, nil

	case OpClick:
		eh, err := x.resolve(ctx, h, snap, req.Target)
		if err != nil {
			return Result{}, err
		}
		if err := x.eng.Click(ctx, h, eh); err != nil {
			return Result{}, classify(err, "click")
		}
		return Result{OK: true, Mutating: true}, nil

	case OpType:
		eh, err := x.resolve(ctx, h, snap, req.Target)
		if err != nil {
			return Result{}, err
		}
		if err := x.eng.Type(ctx, h, eh, req.Text, req.Clear); err != nil {
			return Result{}, classify(err, "type")
		}
		return Result{OK: true, Mutating: true}, nil

	case OpSelect:
		eh, err := x.resolve(ctx, h, snap, req.Target)
		if err != nil {
			return Result{}, err
		}
		if err := x.eng.Select(ctx, h, eh, req.SelectBy, req.Value); err != nil {
			if strings.Contains(err.Error(), "option_not_found") {
				return Result{}, rterr.NotFoundf("option not found: %v", err)
			}
			return Result{}, classify(err, "select")
		}
		return Result{OK: true, Mutating: true}, nil

	case OpScroll:
		mode := req.Scroll
		if mode.IntoView == nil && req.Target.ElementID != "" {
			eh, err := x.resolve(ctx, h, snap, req.Target)
			if err != nil {
				return Result{}, err
			}
			mode.IntoView = eh
		}
		if err := x.eng.Scroll(ctx, h, mode); err != nil {
			return Result{}, classify(err, "scroll")
		}
		return Result{OK: true}, nil

	case OpWait:
		if err := x.eng.WaitFor(ctx, h, req.Wait, defaultTimeout(OpWait)); err != nil {
			return Result{}, rterr.TimeoutErr("wait_for timed out", err)
		}
		return Result{OK: true}, nil

	case OpEvaluate:
		v, err := x.eng.Evaluate(ctx, h, req.Script, req.Args)
		if err != nil {
			return Result{}, rterr.New(rterr.Fatal, "script error", err)
		}
		return Result{OK: true, Value: v, Mutating: true}, nil

	case OpBack:
		if err := x.eng.Back(ctx, h); err != nil {
			return Result{}, classify(err, "back")
		}
		return Result{OK: true, Mutating: true}, nil

	case OpForward:
		if err := x.eng.Forward(ctx, h); err != nil {
			return Result{}, classify(err, "forward")
		}
		return Result{OK: true, Mutating: true}, nil

	case OpRefresh:
		if err := x.eng.Refresh(ctx, h); err != nil {
			return Result{}, classify(err, "refresh")
		}
		return Result{OK: true, Mutating: true}, nil

	case OpExtract:
		return x.extract(ctx, h, snap, req)

	default:
		return Result{}, rterr.Invalid(fmt.Sprintf("unknown primitive op %q", req.Op), nil)
	}
}

// resolve tries each selector candidate in turn; if none resolve, it falls
// back to semantic search against snap (label match, case-insensitive,
// then fuzzy within edit distance 2).
func (x *Executor) resolve(ctx context.Context, h engine.Handle, snap *perception.Snapshot, t Target) (engine.ElementHandle, error) {
	candidates := x.candidatesFor(snap, t)
	if len(candidates) == 0 && t.Selector != "" {
		candidates = []string{t.Selector}
	}

	for _, sel := range candidates {
		if err := validateSelector(sel); err != nil {
			continue
		}
		eh, ok, err := x.eng.Find(ctx, h, sel)
		if err == nil && ok {
			return eh, nil
		}
	}

	if t.Label != "" && snap != nil {
		if sel, ok := semanticMatch(snap, t.Label); ok {
			eh, ok, err := x.eng.Find(ctx, h, sel)
			if err == nil && ok {
				return eh, nil
			}
		}
	}

	return nil, rterr.New(rterr.NotFound, fmt.Sprintf("could not resolve target (element_id=%q selector=%q label=%q)", t.ElementID, t.Selector, t.Label), nil)
}

func (x *Executor) candidatesFor(snap *perception.Snapshot, t Target) []string {
	if snap == nil || t.ElementID == "" {
		if t.Selector != "" {
			return []string{t.Selector}
		}
		return nil
	}
	for _, el := range snap.InteractiveElements {
		if el.ElementID == t.ElementID {
			return el.SelectorCandidates
		}
	}
	return nil
}

// semanticMatch matches label case-insensitively, then fuzzy within an
// edit distance of 2.
func semanticMatch(snap *perception.Snapshot, label string) (string, bool) {
	target := strings.ToLower(strings.TrimSpace(label))
	type scored struct {
		selector string
		dist     int
	}
	var best *scored
	for _, el := range snap.InteractiveElements {
		if len(el.SelectorCandidates) == 0 {
			continue
		}
		candidate := strings.ToLower(strings.TrimSpace(el.Label))
		if candidate == target {
			return el.SelectorCandidates[0], true
		}
		d := levenshtein(candidate, target)
		if best == nil || d < best.dist {
			best = &scored{selector: el.SelectorCandidates[0], dist: d}
		}
	}
	if best != nil && best.dist <= 2 {
		return best.selector, true
	}
	return "", false
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}
	prev := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur := make([]int, len(rb)+1)
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min3(cur[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev = cur
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}

func (x *Executor) extract(ctx context.Context, h engine.Handle, snap *perception.Snapshot, req Request) (Result, error) {
	switch req.Extract {
	case ExtractText:
		if req.Target.ElementID != "" || req.Target.Selector != "" {
			eh, err := x.resolve(ctx, h, snap, req.Target)
			if err != nil {
				return Result{}, err
			}
			_, text, _, _, _, err := x.eng.Attributes(ctx, h, eh)
			if err != nil {
				return Result{}, rterr.FatalErr("reading element text", err)
			}
			return Result{OK: true, Value: text}, nil
		}
		v, err := x.eng.Evaluate(ctx, h, extractPageTextScript, nil)
		if err != nil {
			return Result{}, rterr.FatalErr("extracting page text", err)
		}
		return Result{OK: true, Value: v}, nil

	case ExtractAttribute:
		eh, err := x.resolve(ctx, h, snap, req.Target)
		if err != nil {
			return Result{}, err
		}
		_, _, attrs, _, _, err := x.eng.Attributes(ctx, h, eh)
		if err != nil {
			return Result{}, rterr.FatalErr("reading element attributes", err)
		}
		return Result{OK: true, Value: attrs[req.AttrName]}, nil

	case ExtractTable:
		sel, err := x.resolveSelector(ctx, h, snap, req.Target)
		if err != nil {
			return Result{}, err
		}
		v, err := x.eng.Evaluate(ctx, h, extractTableScript, []interface{}{sel})
		if err != nil {
			return Result{}, rterr.FatalErr("extracting table", err)
		}
		return Result{OK: true, Value: v}, nil

	case ExtractLinks:
		v, err := x.eng.Evaluate(ctx, h, extractLinksScript, nil)
		if err != nil {
			return Result{}, rterr.FatalErr("extracting links", err)
		}
		return Result{OK: true, Value: v}, nil

	case ExtractStructuredData:
		v, err := x.eng.Evaluate(ctx, h, extractStructuredDataScript, nil)
		if err != nil {
			return Result{}, rterr.FatalErr("extracting structured data", err)
		}
		return Result{OK: true, Value: v}, nil

	default:
		return Result{}, rterr.Invalid(fmt.Sprintf("unknown extract mode %q", req.Extract), nil)
	}
}

// resolveSelector returns the first selector candidate that actually
// resolves against the live page, for primitives (like table extraction)
// whose injected script re-queries the DOM by selector rather than
// receiving a live element reference through the argument channel. The
// selector itself still only ever reaches evaluate() via the args channel,
// never string-concatenated into the script source.
func (x *Executor) resolveSelector(ctx context.Context, h engine.Handle, snap *perception.Snapshot, t Target) (string, error) {
	candidates := x.candidatesFor(snap, t)
	if len(candidates) == 0 && t.Selector != "" {
		candidates = []string{t.Selector}
	}
	for _, sel := range candidates {
		if err := validateSelector(sel); err != nil {
			continue
		}
		if _, ok, err := x.eng.Find(ctx, h, sel); err == nil && ok {
			return sel, nil
		}
	}
	if t.Label != "" && snap != nil {
		if sel, ok := semanticMatch(snap, t.Label); ok {
			return sel, nil
		}
	}
	return "", rterr.New(rterr.NotFound, fmt.Sprintf("could not resolve target (element_id=%q selector=%q label=%q)", t.ElementID, t.Selector, t.Label), nil)
}

const extractPageTextScript = `() => document.body ? document.body.innerText : ''`

const extractTableScript = `(sel) => {
  const el = document.querySelector(sel);
  if (!el) return [];
  const rows = Array.from(el.querySelectorAll('tr'));
  return rows.map(r => Array.from(r.querySelectorAll('th,td')).map(c => (c.innerText || '').trim()));
}`

const extractLinksScript = `() => Array.from(document.querySelectorAll('a[href]')).map(a => ({
  href: a.href, text: (a.innerText || '').trim(), internal: a.host === window.location.host,
}))`

const extractStructuredDataScript = `() => {
  const out = [];
  document.querySelectorAll('script[type="application/ld+json"]').forEach((s) => {
    try { out.push(JSON.parse(s.textContent)); } catch (e) {}
  });
  document.querySelectorAll('[itemscope]').forEach((el) => {
    const item = { itemType: el.getAttribute('itemtype') || '' };
    el.querySelectorAll('[itemprop]').forEach((p) => {
      item[p.getAttribute('itemprop')] = (p.innerText || p.getAttribute('content') || '').trim();
    });
    out.push(item);
  });
  return out;
}`

// classify maps an engine-layer error into the runtime's taxonomy based on
// the sentinel substrings rodengine's primitives wrap their errors with.
// Stale/detached elements, not-interactable elements and momentary network
// errors are Transient (retried); messages mentioning a timeout or a context
// deadline are Timeout (not retried); anything else from the engine is Fatal.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "stale") || strings.Contains(msg, "detached"):
		return rterr.Transient_(fmt.Sprintf("%s: element went stale", op), err)
	case strings.Contains(msg, "not interactable") || strings.Contains(msg, "not clickable"):
		return rterr.New(rterr.Transient, fmt.Sprintf("%s: element not interactable", op), err)
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "context deadline exceeded"):
		return rterr.TimeoutErr(fmt.Sprintf("%s timed out", op), err)
	case strings.Contains(msg, "network") || strings.Contains(msg, "ECONNRESET") || strings.Contains(msg, "net/http"):
		return rterr.Transient_(fmt.Sprintf("%s: network error", op), err)
	default:
		return rterr.FatalErr(fmt.Sprintf("%s: engine lost", op), err)
	}
}

// sanitise runs pre-engine-call validation. Nothing here ever concatenates
// caller-supplied data into evaluate's script source; Script is only ever a
// package-level constant plus Args passed through the parameterised-
// argument channel.
func sanitise(req Request) error {
	switch req.Op {
	case OpNavigate:
		return validateURL(req.URL)
	case OpClick, OpType, OpSelect:
		if req.Target.Selector != "" {
			if err := validateSelector(req.Target.Selector); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateURL(raw string) error {
	if len(raw) > maxURLLength {
		return rterr.Invalid("url exceeds maximum length", nil)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return rterr.Invalid("url failed to parse", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return rterr.Invalid(fmt.Sprintf("url scheme %q not allowed", u.Scheme), nil)
	}
	if isLoopbackOrPrivate(u.Hostname()) {
		return rterr.Policy(fmt.Sprintf("url host %q is loopback/private-range and not explicitly allowed", u.Hostname()))
	}
	return nil
}

var privatePrefixes = []string{"127.", "10.", "192.168.", "169.254.", "0."}

func isLoopbackOrPrivate(host string) bool {
	if host == "localhost" {
		return true
	}
	for _, p := range privatePrefixes {
		if strings.HasPrefix(host, p) {
			return true
		}
	}
	if strings.HasPrefix(host, "172.") {
		parts := strings.SplitN(host, ".", 3)
		if len(parts) >= 2 {
			if n, err := strconv.Atoi(parts[1]); err == nil && n >= 16 && n <= 31 {
				return true
			}
		}
	}
	return false
}

func validateSelector(sel string) error {
	if sel == "" {
		return rterr.Invalid("empty selector", nil)
	}
	if len(sel) > maxSelectorLength {
		return rterr.Invalid(fmt.Sprintf("selector exceeds maximum length of %d", maxSelectorLength), nil)
	}
	if selectorInjectionSentinels.MatchString(sel) {
		return rterr.Policy("selector contains a script-injection sentinel")
	}
	return nil
}

// ValidateFilePath confines an export path (screenshots/extracts) to base,
// : no parent-directory traversal.
func ValidateFilePath(base, candidate string) error {
	if strings.Contains(candidate, "..") {
		return rterr.Policy("file path contains parent-directory traversal")
	}
	if !strings.HasPrefix(candidate, base) {
		return rterr.Policy("file path escapes the configured base directory")
	}
	return nil
}
