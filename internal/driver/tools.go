package driver

import (
	"context"
	"fmt"

	"browserrunner/internal/action"
	"browserrunner/internal/coordinator"
	"browserrunner/internal/engine"
	"browserrunner/internal/perception"
	"browserrunner/internal/pool"
	"browserrunner/internal/session"
	"browserrunner/internal/workflow"
)

// SessionCreateTool opens a new session id. It does not bind a browser
// lease: the first runner_execute call against the id binds one lazily.
type SessionCreateTool struct {
	sessions *session.Registry
}

func (t *SessionCreateTool) Name() string        { return "runner_session_create" }
func (t *SessionCreateTool) Description() string { return "Create a new automation session id." }
func (t *SessionCreateTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}
func (t *SessionCreateTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	id := t.sessions.Create()
	return map[string]interface{}{"session_id": string(id)}, nil
}

// SessionCloseTool releases a session's lease and deregisters it.
type SessionCloseTool struct {
	sessions *session.Registry
}

func (t *SessionCloseTool) Name() string        { return "runner_session_close" }
func (t *SessionCloseTool) Description() string { return "Close a session and release its browser lease." }
func (t *SessionCloseTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{"session_id": map[string]interface{}{"type": "string"}},
		"required":   []string{"session_id"},
	}
}
func (t *SessionCloseTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	sid, ok := args["session_id"].(string)
	if !ok || sid == "" {
		return nil, fmt.Errorf("session_id is required")
	}
	if err := t.sessions.Release(ctx, session.SessionId(sid)); err != nil {
		return nil, err
	}
	return map[string]interface{}{"closed": sid}, nil
}

// SessionInfoTool reports a session's current URL, activity, and lease
// status.
type SessionInfoTool struct {
	sessions *session.Registry
}

func (t *SessionInfoTool) Name() string        { return "runner_session_info" }
func (t *SessionInfoTool) Description() string { return "Report a session's current url, last activity, and lease status." }
func (t *SessionInfoTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{"session_id": map[string]interface{}{"type": "string"}},
		"required":   []string{"session_id"},
	}
}
func (t *SessionInfoTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	sid, _ := args["session_id"].(string)
	if sid == "" {
		ids := t.sessions.List()
		out := make([]string, 0, len(ids))
		for _, id := range ids {
			out = append(out, string(id))
		}
		return map[string]interface{}{"sessions": out}, nil
	}
	info, err := t.sessions.Info(session.SessionId(sid))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"current_url":   info.CurrentURL,
		"last_activity": info.LastActivity,
		"has_browser":   info.HasBrowser,
	}, nil
}

// PoolStatsTool exposes the browser pool's current occupancy.
type PoolStatsTool struct {
	pool *pool.Pool
}

func (t *PoolStatsTool) Name() string        { return "runner_pool_stats" }
func (t *PoolStatsTool) Description() string { return "Report browser pool occupancy (size, idle, in-use, waiters)." }
func (t *PoolStatsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}
func (t *PoolStatsTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	stats := t.pool.Stats()
	return map[string]interface{}{
		"size":          stats.Size,
		"idle":          stats.Idle,
		"in_use":        stats.InUse,
		"waiters":       stats.Waiters,
		"total_created": stats.TotalCreated,
	}, nil
}

// RunnerExecuteTool is the single dispatch point for action/nl/workflow
// requests, mirroring coordinator.Coordinator.Execute's three-shape
// Request directly.
type RunnerExecuteTool struct {
	coordinator *coordinator.Coordinator
}

func (t *RunnerExecuteTool) Name() string { return "runner_execute" }
func (t *RunnerExecuteTool) Description() string {
	return `Execute one request against a session: a primitive action, a natural-language
instruction, or a declarative workflow. kind selects which of the three shapes
the remaining arguments populate.`
}

func (t *RunnerExecuteTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{"type": "string", "description": "Target session id, as returned by a prior runner_session_create call; an unknown id fails"},
			"kind":       map[string]interface{}{"type": "string", "enum": []string{"action", "nl", "workflow"}},
			"op":         map[string]interface{}{"type": "string", "description": "action kind: navigate|click|type|select|scroll|wait|evaluate|back|forward|refresh|extract"},
			"url":        map[string]interface{}{"type": "string"},
			"selector":   map[string]interface{}{"type": "string"},
			"element_id": map[string]interface{}{"type": "string"},
			"label":      map[string]interface{}{"type": "string"},
			"text":       map[string]interface{}{"type": "string", "description": "type text, or the nl instruction when kind=nl"},
			"clear":      map[string]interface{}{"type": "boolean"},
			"select_by":  map[string]interface{}{"type": "string", "enum": []string{"value", "visible_text", "index"}},
			"value":      map[string]interface{}{"type": "string"},
			"script":     map[string]interface{}{"type": "string"},
			"args":       map[string]interface{}{"type": "array"},
			"extract":    map[string]interface{}{"type": "string", "enum": []string{"text", "attribute", "table", "links", "structured_data"}},
			"attr_name":  map[string]interface{}{"type": "string"},
			"tier":       map[string]interface{}{"type": "string", "enum": []string{"lightning", "quick", "standard", "deep"}},
			"workflow":   map[string]interface{}{"type": "object", "description": "serialised workflow, required when kind=workflow"},
			"inputs":     map[string]interface{}{"type": "object"},
			"dry_run":    map[string]interface{}{"type": "boolean"},
		},
		"required": []string{"session_id", "kind"},
	}
}

func (t *RunnerExecuteTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	sidStr, _ := args["session_id"].(string)
	if sidStr == "" {
		return nil, fmt.Errorf("session_id is required")
	}
	sid := session.SessionId(sidStr)

	req, err := parseRequest(args)
	if err != nil {
		return nil, err
	}

	resp := t.coordinator.Execute(ctx, sid, req)
	return responsePayload(resp), nil
}

func parseRequest(args map[string]interface{}) (coordinator.Request, error) {
	kind, _ := args["kind"].(string)
	switch coordinator.RequestKind(kind) {
	case coordinator.RequestAction:
		return coordinator.Request{Kind: coordinator.RequestAction, Action: parseActionRequest(args)}, nil

	case coordinator.RequestNL:
		text, _ := args["text"].(string)
		if text == "" {
			return coordinator.Request{}, fmt.Errorf("text is required for kind=nl")
		}
		tier, _ := args["tier"].(string)
		return coordinator.Request{Kind: coordinator.RequestNL, Text: text, Tier: perception.Tier(tier)}, nil

	case coordinator.RequestWorkflow:
		wfRaw, ok := args["workflow"].(map[string]interface{})
		if !ok {
			return coordinator.Request{}, fmt.Errorf("workflow object is required for kind=workflow")
		}
		wf, err := workflow.ParseWorkflow(wfRaw)
		if err != nil {
			return coordinator.Request{}, err
		}
		inputs := map[string]session.Value{}
		if rawInputs, ok := args["inputs"].(map[string]interface{}); ok {
			for k, v := range rawInputs {
				inputs[k] = workflow.FromInterface(v)
			}
		}
		dryRun, _ := args["dry_run"].(bool)
		return coordinator.Request{Kind: coordinator.RequestWorkflow, Workflow: wf, Inputs: inputs, DryRun: dryRun}, nil

	default:
		return coordinator.Request{}, fmt.Errorf("unknown kind %q: must be action, nl, or workflow", kind)
	}
}

func parseActionRequest(args map[string]interface{}) action.Request {
	req := action.Request{
		Op:       action.Op(stringArg(args, "op")),
		URL:      stringArg(args, "url"),
		Text:     stringArg(args, "text"),
		Clear:    boolArg(args, "clear"),
		SelectBy: engine.SelectBy(stringArg(args, "select_by")),
		Value:    stringArg(args, "value"),
		Script:   stringArg(args, "script"),
		Extract:  action.ExtractMode(stringArg(args, "extract")),
		AttrName: stringArg(args, "attr_name"),
		Target: action.Target{
			ElementID: stringArg(args, "element_id"),
			Selector:  stringArg(args, "selector"),
			Label:     stringArg(args, "label"),
		},
	}
	if rawArgs, ok := args["args"].([]interface{}); ok {
		req.Args = rawArgs
	}
	return req
}

func stringArg(args map[string]interface{}, key string) string {
	s, _ := args[key].(string)
	return s
}

func boolArg(args map[string]interface{}, key string) bool {
	b, _ := args[key].(bool)
	return b
}

// RunnerReasonTool surfaces the Coordinator's Mangle-backed diagnostic
// macros (root_cause, failed_request, slow_api, screen_blocked,
// interaction_blocked, is_main_content, primary_action) for callers that
// want to ask "why" instead of "what", without re-running a page action.
type RunnerReasonTool struct {
	coordinator *coordinator.Coordinator
}

func (t *RunnerReasonTool) Name() string { return "runner_reason" }
func (t *RunnerReasonTool) Description() string {
	return `Evaluate a diagnostic predicate (root_cause, failed_request, slow_api,
screen_blocked, interaction_blocked, is_main_content, primary_action) over facts
asserted during this process's lifetime and return the matching rows.`
}

func (t *RunnerReasonTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"predicate": map[string]interface{}{"type": "string"},
		},
		"required": []string{"predicate"},
	}
}

func (t *RunnerReasonTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	predicate := stringArg(args, "predicate")
	if predicate == "" {
		return nil, fmt.Errorf("predicate is required")
	}
	facts, err := t.coordinator.Diagnose(ctx, predicate)
	if err != nil {
		return nil, err
	}
	rows := make([]map[string]interface{}, 0, len(facts))
	for _, f := range facts {
		rows = append(rows, map[string]interface{}{"predicate": f.Predicate, "args": f.Args})
	}
	return map[string]interface{}{"matches": rows}, nil
}

func responsePayload(resp coordinator.Response) map[string]interface{} {
	out := map[string]interface{}{"ok": resp.OK}
	if resp.Value != nil {
		out["value"] = resp.Value
	}
	if resp.Error != nil {
		out["error"] = map[string]interface{}{
			"kind":      string(resp.Error.Kind),
			"message":   resp.Error.Message,
			"retryable": resp.Error.Retryable,
		}
	}
	if resp.WorkflowResult != nil {
		vars := map[string]interface{}{}
		for k, v := range resp.WorkflowResult.Variables {
			vars[k] = workflow.ToInterface(v)
		}
		out["workflow_result"] = map[string]interface{}{
			"status":    string(resp.WorkflowResult.Status),
			"variables": vars,
		}
	}
	if resp.Plan != nil {
		out["plan"] = map[string]interface{}{
			"kind":       string(resp.Plan.Kind),
			"confidence": resp.Plan.Confidence,
			"rationale":  resp.Plan.Rationale,
		}
	}
	return out
}
