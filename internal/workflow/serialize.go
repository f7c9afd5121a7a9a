// Serialisation support for a workflow's stable, human-authorable schema:
// both YAML files and MCP tool JSON args decode into a generic
// map[string]interface{} first, then parse through the same code path here.
package workflow

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"browserrunner/internal/action"
	"browserrunner/internal/engine"
	"browserrunner/internal/rterr"
	"browserrunner/internal/session"
)

// LoadFile reads a workflow definition from a YAML file on disk.
func LoadFile(path string) (*Workflow, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, rterr.NotFoundf("reading workflow file %s: %v", path, err)
	}
	var m map[string]interface{}
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, rterr.Invalid(fmt.Sprintf("parsing workflow file %s as yaml", path), err)
	}
	return ParseWorkflow(m)
}

// SaveFile writes a workflow back out as YAML, round-tripping through
// Serialize.
func (wf *Workflow) SaveFile(path string) error {
	raw, err := yaml.Marshal(wf.Serialize())
	if err != nil {
		return rterr.FatalErr("encoding workflow as yaml", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return rterr.FatalErr(fmt.Sprintf("writing workflow file %s", path), err)
	}
	return nil
}

const currentSchemaVersion = 1

var topLevelFields = map[string]bool{
	"version": true, "name": true, "description": true, "inputs": true, "variables": true, "steps": true,
}
var inputFields = map[string]bool{"name": true, "type": true, "required": true, "default": true}
var stepFields = map[string]bool{"name": true, "action": true, "store_as": true, "condition": true, "on_error": true}
var actionFields = map[string]bool{
	"kind": true, "op": true, "url": true, "selector": true, "element_id": true, "label": true,
	"text": true, "clear": true, "select_by": true, "value": true, "script": true, "args": true,
	"extract": true, "attr_name": true, "if": true, "then": true, "else": true,
	"over": true, "as": true, "do": true, "branches": true, "store_as": true,
}
var predicateFields = map[string]bool{"kind": true, "selector": true, "text": true, "var_name": true, "var_value": true, "script": true}
var policyFields = map[string]bool{"kind": true, "max": true, "backoff_ms": true, "factor": true, "fallback": true}

// ParseWorkflow parses a workflow's serialised form. Unknown fields at any
// level are a parse error; forward-compatible fields must be gated by the
// version discriminator instead.
func ParseWorkflow(m map[string]interface{}) (*Workflow, error) {
	if err := checkFields("workflow", m, topLevelFields); err != nil {
		return nil, err
	}
	if v, ok := m["version"]; ok {
		if n, ok := toInt(v); !ok || n != currentSchemaVersion {
			return nil, rterr.Invalid(fmt.Sprintf("unsupported workflow schema version %v", v), nil)
		}
	}

	wf := &Workflow{
		Name:        stringField(m, "name"),
		Description: stringField(m, "description"),
		Variables:   map[string]session.Value{},
	}
	if wf.Name == "" {
		return nil, rterr.Invalid("workflow name is required", nil)
	}

	if rawInputs, ok := m["inputs"].([]interface{}); ok {
		for _, ri := range rawInputs {
			im, ok := ri.(map[string]interface{})
			if !ok {
				return nil, rterr.Invalid("workflow input must be an object", nil)
			}
			if err := checkFields("input", im, inputFields); err != nil {
				return nil, err
			}
			spec := InputSpec{
				Name:     stringField(im, "name"),
				Type:     stringField(im, "type"),
				Required: boolField(im, "required"),
			}
			if d, ok := im["default"]; ok {
				spec.Default = FromInterface(d)
			}
			if spec.Name == "" {
				return nil, rterr.Invalid("workflow input name is required", nil)
			}
			wf.Inputs = append(wf.Inputs, spec)
		}
	}

	if rawVars, ok := m["variables"].(map[string]interface{}); ok {
		for k, v := range rawVars {
			wf.Variables[k] = FromInterface(v)
		}
	}

	rawSteps, _ := m["steps"].([]interface{})
	steps, err := parseSteps(rawSteps)
	if err != nil {
		return nil, err
	}
	wf.Steps = steps

	return wf, nil
}

func parseSteps(raw []interface{}) ([]Step, error) {
	steps := make([]Step, 0, len(raw))
	for _, rs := range raw {
		sm, ok := rs.(map[string]interface{})
		if !ok {
			return nil, rterr.Invalid("workflow step must be an object", nil)
		}
		if err := checkFields("step", sm, stepFields); err != nil {
			return nil, err
		}
		step := Step{
			Name:    stringField(sm, "name"),
			StoreAs: stringField(sm, "store_as"),
		}
		am, ok := sm["action"].(map[string]interface{})
		if !ok {
			return nil, rterr.Invalid(fmt.Sprintf("step %q: action is required", step.Name), nil)
		}
		a, err := parseAction(am)
		if err != nil {
			return nil, err
		}
		step.Action = a

		if cm, ok := sm["condition"].(map[string]interface{}); ok {
			p, err := parsePredicate(cm)
			if err != nil {
				return nil, err
			}
			step.Condition = &p
		}
		if om, ok := sm["on_error"].(map[string]interface{}); ok {
			p, err := parsePolicy(om)
			if err != nil {
				return nil, err
			}
			step.OnError = &p
		}
		steps = append(steps, step)
	}
	return steps, nil
}

func parseAction(m map[string]interface{}) (Action, error) {
	if err := checkFields("action", m, actionFields); err != nil {
		return Action{}, err
	}
	kind := ActionKind(stringField(m, "kind"))
	switch kind {
	case ActionPrimitive:
		req := action.Request{
			Op:       action.Op(stringField(m, "op")),
			URL:      stringField(m, "url"),
			Text:     stringField(m, "text"),
			Clear:    boolField(m, "clear"),
			SelectBy: engine.SelectBy(stringField(m, "select_by")),
			Value:    stringField(m, "value"),
			Script:   stringField(m, "script"),
			Extract:  action.ExtractMode(stringField(m, "extract")),
			AttrName: stringField(m, "attr_name"),
			Target: action.Target{
				ElementID: stringField(m, "element_id"),
				Selector:  stringField(m, "selector"),
				Label:     stringField(m, "label"),
			},
		}
		if rawArgs, ok := m["args"].([]interface{}); ok {
			req.Args = rawArgs
		}
		return Action{Kind: ActionPrimitive, Primitive: req}, nil

	case ActionScript:
		a := Action{Kind: ActionScript, Script: stringField(m, "script"), StoreAs: stringField(m, "store_as")}
		if rawArgs, ok := m["args"].([]interface{}); ok {
			a.Args = rawArgs
		}
		return a, nil

	case ActionConditional:
		ifm, ok := m["if"].(map[string]interface{})
		if !ok {
			return Action{}, rterr.Invalid("conditional action requires an if predicate", nil)
		}
		p, err := parsePredicate(ifm)
		if err != nil {
			return Action{}, err
		}
		thenSteps, err := parseSteps(asSlice(m["then"]))
		if err != nil {
			return Action{}, err
		}
		elseSteps, err := parseSteps(asSlice(m["else"]))
		if err != nil {
			return Action{}, err
		}
		return Action{Kind: ActionConditional, If: p, Then: thenSteps, Else: elseSteps}, nil

	case ActionLoop:
		doSteps, err := parseSteps(asSlice(m["do"]))
		if err != nil {
			return Action{}, err
		}
		return Action{Kind: ActionLoop, Over: stringField(m, "over"), As: stringField(m, "as"), Do: doSteps}, nil

	case ActionParallel:
		rawBranches, _ := m["branches"].([]interface{})
		branches := make([][]Step, 0, len(rawBranches))
		for _, rb := range rawBranches {
			steps, err := parseSteps(asSlice(rb))
			if err != nil {
				return Action{}, err
			}
			branches = append(branches, steps)
		}
		return Action{Kind: ActionParallel, Branches: branches}, nil

	default:
		return Action{}, rterr.Invalid(fmt.Sprintf("unknown action kind %q", kind), nil)
	}
}

func parsePredicate(m map[string]interface{}) (Predicate, error) {
	if err := checkFields("predicate", m, predicateFields); err != nil {
		return Predicate{}, err
	}
	return Predicate{
		Kind:     PredicateKind(stringField(m, "kind")),
		Selector: stringField(m, "selector"),
		Text:     stringField(m, "text"),
		VarName:  stringField(m, "var_name"),
		VarValue: stringField(m, "var_value"),
		Script:   stringField(m, "script"),
	}, nil
}

func parsePolicy(m map[string]interface{}) (ErrorPolicy, error) {
	if err := checkFields("on_error", m, policyFields); err != nil {
		return ErrorPolicy{}, err
	}
	p := ErrorPolicy{Kind: ErrorPolicyKind(stringField(m, "kind"))}
	if n, ok := toInt(m["max"]); ok {
		p.Max = n
	}
	if n, ok := toInt(m["backoff_ms"]); ok {
		p.Backoff = time.Duration(n) * time.Millisecond
	}
	if f, ok := m["factor"].(float64); ok {
		p.Factor = f
	}
	if p.Kind == PolicyFallback {
		steps, err := parseSteps(asSlice(m["fallback"]))
		if err != nil {
			return ErrorPolicy{}, err
		}
		p.Fallback = steps
	}
	return p, nil
}

// Serialize is ParseWorkflow's inverse: Serialize(ParseWorkflow(m)) should
// round-trip a workflow's meaning back to the same serialised shape.
func (wf *Workflow) Serialize() map[string]interface{} {
	out := map[string]interface{}{
		"version": currentSchemaVersion,
		"name":    wf.Name,
	}
	if wf.Description != "" {
		out["description"] = wf.Description
	}
	if len(wf.Inputs) > 0 {
		inputs := make([]interface{}, 0, len(wf.Inputs))
		for _, spec := range wf.Inputs {
			im := map[string]interface{}{"name": spec.Name, "type": spec.Type, "required": spec.Required}
			if spec.Default.Kind != "" {
				im["default"] = ToInterface(spec.Default)
			}
			inputs = append(inputs, im)
		}
		out["inputs"] = inputs
	}
	if len(wf.Variables) > 0 {
		vars := map[string]interface{}{}
		for k, v := range wf.Variables {
			vars[k] = ToInterface(v)
		}
		out["variables"] = vars
	}
	out["steps"] = serializeSteps(wf.Steps)
	return out
}

func serializeSteps(steps []Step) []interface{} {
	out := make([]interface{}, 0, len(steps))
	for _, s := range steps {
		sm := map[string]interface{}{"name": s.Name, "action": serializeAction(s.Action)}
		if s.StoreAs != "" {
			sm["store_as"] = s.StoreAs
		}
		if s.Condition != nil {
			sm["condition"] = serializePredicate(*s.Condition)
		}
		if s.OnError != nil {
			sm["on_error"] = serializePolicy(*s.OnError)
		}
		out = append(out, sm)
	}
	return out
}

func serializeAction(a Action) map[string]interface{} {
	m := map[string]interface{}{"kind": string(a.Kind)}
	switch a.Kind {
	case ActionPrimitive:
		req := a.Primitive
		m["op"] = string(req.Op)
		setIfNonEmpty(m, "url", req.URL)
		setIfNonEmpty(m, "text", req.Text)
		setIfNonEmpty(m, "select_by", string(req.SelectBy))
		setIfNonEmpty(m, "value", req.Value)
		setIfNonEmpty(m, "script", req.Script)
		setIfNonEmpty(m, "extract", string(req.Extract))
		setIfNonEmpty(m, "attr_name", req.AttrName)
		setIfNonEmpty(m, "element_id", req.Target.ElementID)
		setIfNonEmpty(m, "selector", req.Target.Selector)
		setIfNonEmpty(m, "label", req.Target.Label)
		if req.Clear {
			m["clear"] = true
		}
		if len(req.Args) > 0 {
			m["args"] = req.Args
		}
	case ActionScript:
		m["script"] = a.Script
		setIfNonEmpty(m, "store_as", a.StoreAs)
		if len(a.Args) > 0 {
			m["args"] = a.Args
		}
	case ActionConditional:
		m["if"] = serializePredicate(a.If)
		if len(a.Then) > 0 {
			m["then"] = serializeSteps(a.Then)
		}
		if len(a.Else) > 0 {
			m["else"] = serializeSteps(a.Else)
		}
	case ActionLoop:
		m["over"] = a.Over
		m["as"] = a.As
		m["do"] = serializeSteps(a.Do)
	case ActionParallel:
		branches := make([]interface{}, 0, len(a.Branches))
		for _, b := range a.Branches {
			branches = append(branches, serializeSteps(b))
		}
		m["branches"] = branches
	}
	return m
}

func serializePredicate(p Predicate) map[string]interface{} {
	m := map[string]interface{}{"kind": string(p.Kind)}
	setIfNonEmpty(m, "selector", p.Selector)
	setIfNonEmpty(m, "text", p.Text)
	setIfNonEmpty(m, "var_name", p.VarName)
	setIfNonEmpty(m, "var_value", p.VarValue)
	setIfNonEmpty(m, "script", p.Script)
	return m
}

func serializePolicy(p ErrorPolicy) map[string]interface{} {
	m := map[string]interface{}{"kind": string(p.Kind)}
	if p.Max > 0 {
		m["max"] = p.Max
	}
	if p.Backoff > 0 {
		m["backoff_ms"] = p.Backoff.Milliseconds()
	}
	if p.Factor > 0 {
		m["factor"] = p.Factor
	}
	if len(p.Fallback) > 0 {
		m["fallback"] = serializeSteps(p.Fallback)
	}
	return m
}

func setIfNonEmpty(m map[string]interface{}, key, value string) {
	if value != "" {
		m[key] = value
	}
}

func checkFields(context string, m map[string]interface{}, allowed map[string]bool) error {
	for k := range m {
		if !allowed[k] {
			return rterr.Invalid(fmt.Sprintf("%s: unknown field %q", context, k), nil)
		}
	}
	return nil
}

func stringField(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

func boolField(m map[string]interface{}, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func asSlice(v interface{}) []interface{} {
	s, _ := v.([]interface{})
	return s
}

// FromInterface converts a generic decoded value (JSON/YAML) into a
// session.Value, the tagged variant over string|number|boolean|list|
// mapping|null.
func FromInterface(v interface{}) session.Value {
	switch t := v.(type) {
	case nil:
		return session.NullValue()
	case string:
		return session.StringValue(t)
	case float64:
		return session.NumberValue(t)
	case int:
		return session.NumberValue(float64(t))
	case bool:
		return session.BoolValue(t)
	case []interface{}:
		list := make([]session.Value, 0, len(t))
		for _, item := range t {
			list = append(list, FromInterface(item))
		}
		return session.Value{Kind: "list", List: list}
	case map[string]interface{}:
		out := make(map[string]session.Value, len(t))
		for k, item := range t {
			out[k] = FromInterface(item)
		}
		return session.Value{Kind: "mapping", Map: out}
	default:
		return session.StringValue(fmt.Sprintf("%v", t))
	}
}

// ToInterface is FromInterface's inverse, used when serialising variables
// back out to JSON/YAML.
func ToInterface(v session.Value) interface{} {
	switch v.Kind {
	case "string":
		return v.Str
	case "number":
		return v.Num
	case "boolean":
		return v.Bool
	case "list":
		out := make([]interface{}, 0, len(v.List))
		for _, item := range v.List {
			out = append(out, ToInterface(item))
		}
		return out
	case "mapping":
		out := make(map[string]interface{}, len(v.Map))
		for k, item := range v.Map {
			out[k] = ToInterface(item)
		}
		return out
	default:
		return nil
	}
}
