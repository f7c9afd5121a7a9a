// Package planner implements the Intent Planner: turning a natural-language
// request plus a perception snapshot into a sequence of primitive actions or
// a workflow. The LLM-backed planner is an external collaborator; this
// package defines the interface it must satisfy plus a deterministic
// offline fallback for when no LLM is configured.
package planner

import (
	"context"
	"net/url"
	"regexp"
	"strings"

	"browserrunner/internal/action"
	"browserrunner/internal/engine"
	"browserrunner/internal/perception"
	"browserrunner/internal/rterr"
	"browserrunner/internal/workflow"
)

// PlanKind tags whether a Plan is a single primitive action or a full
// workflow.
type PlanKind string

const (
	PlanPrimitive PlanKind = "primitive"
	PlanWorkflow  PlanKind = "workflow"
)

// Plan is the Intent Planner's output. Confidence gates whether the
// Coordinator executes it directly or surfaces it for confirmation.
type Plan struct {
	Kind       PlanKind
	Primitive  action.Request
	Workflow   *workflow.Workflow
	Confidence float64
	Rationale  string
}

// Hints carries caller-supplied context the planner may use (current
// session variables, prior plan, etc.) without coupling the planner to
// internal/session's concrete type.
type Hints struct {
	Variables map[string]string
}

// Planner is the interface an intent planner exposes. The production
// implementation lives behind an HTTP client to an LLM; callers depend only
// on this interface, falling back to Offline when it returns
// ErrPlannerUnavailable.
type Planner interface {
	Plan(ctx context.Context, text string, snapshot *perception.Snapshot, hints Hints) (Plan, error)
}

// ErrPlannerUnavailable signals the LLM-backed planner could not be
// reached; the Coordinator falls back to the OfflinePlanner.
var ErrPlannerUnavailable = rterr.FatalErr("planner unavailable", nil)

// ConfidenceThreshold is the default gate below which the Coordinator must
// surface the plan to the caller for confirmation instead of executing it.
// The Coordinator may override this from config.
const ConfidenceThreshold = 0.6

// OfflinePlanner implements a deterministic rule engine classifying inputs
// into navigate/test/report using a fixed verb lexicon and URL-shape
// heuristics. This is NOT the primary path; it exists so the runtime
// remains useful without an LLM configured.
//
// Verbs are stripped from the utterance before URL inference runs, and a
// known-site lookup table is preferred over generic ".com" domain
// completion, to avoid misreading a verb as a bare domain name.
type OfflinePlanner struct {
	knownSites map[string]string
}

// NewOffline builds an OfflinePlanner with a small built-in known-site
// table, extensible via WithKnownSite.
func NewOffline() *OfflinePlanner {
	return &OfflinePlanner{
		knownSites: map[string]string{
			"google":     "https://www.google.com",
			"duckduckgo": "https://duckduckgo.com",
			"github":     "https://github.com",
			"wikipedia":  "https://www.wikipedia.org",
			"youtube":    "https://www.youtube.com",
			"amazon":     "https://www.amazon.com",
		},
	}
}

func (p *OfflinePlanner) WithKnownSite(name, url string) *OfflinePlanner {
	p.knownSites[strings.ToLower(name)] = url
	return p
}

// intent is the offline classifier's fixed output lexicon.
type intent string

const (
	intentNavigate intent = "navigate"
	intentTest     intent = "test"
	intentReport   intent = "report"
)

// verbLexicon maps recognised verbs to an intent. Every verb here is
// stripped from the utterance before URL-shape inference runs, so a verb
// is never mistaken for a bare domain name.
var verbLexicon = map[string]intent{
	"go":        intentNavigate,
	"goto":      intentNavigate,
	"navigate":  intentNavigate,
	"open":      intentNavigate,
	"visit":     intentNavigate,
	"browse":    intentNavigate,
	"test":      intentTest,
	"check":     intentTest,
	"verify":    intentTest,
	"validate":  intentTest,
	"report":    intentReport,
	"summarize": intentReport,
	"describe":  intentReport,
	"extract":   intentReport,
}

var wordPattern = regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9_.\-]*`)
var urlLikePattern = regexp.MustCompile(`^(?i)(https?://)?([a-z0-9-]+\.)+[a-z]{2,}(/.*)?$`)

// Plan implements Planner for the offline fallback.
func (p *OfflinePlanner) Plan(_ context.Context, text string, snapshot *perception.Snapshot, _ Hints) (Plan, error) {
	words := wordPattern.FindAllString(text, -1)
	var classified intent
	var remainder []string
	for _, w := range words {
		lower := strings.ToLower(w)
		if in, ok := verbLexicon[lower]; ok {
			if classified == "" {
				classified = in
			}
			continue // strip the verb before URL inference
		}
		remainder = append(remainder, w)
	}
	if classified == "" {
		classified = intentNavigate
	}

	target := strings.Join(remainder, " ")
	switch classified {
	case intentNavigate:
		u, ok := p.resolveURL(target)
		if !ok {
			return Plan{}, rterr.Invalid("could not resolve a navigation target from utterance", nil)
		}
		return Plan{
			Kind:       PlanPrimitive,
			Primitive:  action.Request{Op: action.OpNavigate, URL: u},
			Confidence: 0.5,
			Rationale:  "offline fallback: verb-stripped navigate heuristic",
		}, nil

	case intentTest:
		return Plan{
			Kind: PlanPrimitive,
			Primitive: action.Request{
				Op:   action.OpWait,
				Wait: engine.WaitPredicate{Kind: engine.WaitTextPresent, Pattern: target},
			},
			Confidence: 0.4,
			Rationale:  "offline fallback: test intent mapped to text-present wait",
		}, nil

	case intentReport:
		return Plan{
			Kind: PlanPrimitive,
			Primitive: action.Request{
				Op:      action.OpExtract,
				Extract: action.ExtractText,
			},
			Confidence: 0.4,
			Rationale:  "offline fallback: report intent mapped to page text extraction",
		}, nil

	default:
		return Plan{}, rterr.Invalid("offline planner could not classify utterance", nil)
	}
}

// resolveURL prepends https:// and, for a bare known-site name, looks it up
// in the known-site table rather than generically appending ".com"; a
// leading "www." is stripped before that lookup so "www.google" and
// "google" hit the same known-site entry.
func (p *OfflinePlanner) resolveURL(target string) (string, bool) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", false
	}
	bare := strings.TrimPrefix(strings.ToLower(target), "www.")

	if site, ok := p.knownSites[bare]; ok {
		return site, true
	}

	if urlLikePattern.MatchString(target) {
		if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
			target = "https://" + target
		}
		if _, err := url.Parse(target); err == nil {
			return target, true
		}
	}

	// Bare single-word target with no dot and no known-site match is
	// ambiguous; rather than guess a ".com" completion for an arbitrary
	// word, fail closed.
	if !strings.Contains(bare, ".") {
		return "", false
	}

	return "https://" + strings.TrimPrefix(target, "https://"), true
}
