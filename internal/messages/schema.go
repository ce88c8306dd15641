package messages

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schema.json
var schemaJSON []byte

const schemaURL = "inboxlink:///messages/schema.json"

// ErrUnknownAction is returned for an action without a schema.
var ErrUnknownAction = errors.New("unknown action")

// ErrInternal marks a handler failure that is not the caller's fault.
var ErrInternal = errors.New("internal error")

// InvalidRequestError is a request that failed schema validation.
type InvalidRequestError struct {
	Action Action
	Detail string
}

func (e *InvalidRequestError) Error() string {
	if e.Action == "" {
		return "Invalid request: " + e.Detail
	}
	return fmt.Sprintf("Invalid %s request: %s", e.Action, e.Detail)
}

// Validator checks envelopes and per-action data.
type Validator struct {
	envelope *jsonschema.Schema
	actions  map[Action]*jsonschema.Schema
}

// NewValidator compiles the embedded schemas.
func NewValidator() (*Validator, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("failed to add message schema: %w", err)
	}

	v := &Validator{actions: map[Action]*jsonschema.Schema{}}
	if v.envelope, err = c.Compile(schemaURL + "#/$defs/envelope"); err != nil {
		return nil, fmt.Errorf("failed to compile envelope schema: %w", err)
	}
	for _, a := range Actions() {
		sch, err := c.Compile(schemaURL + "#/$defs/actions/" + string(a))
		if err != nil {
			return nil, fmt.Errorf("failed to compile %s schema: %w", a, err)
		}
		v.actions[a] = sch
	}
	return v, nil
}

// Decode validates raw and returns the request. Missing data is treated as
// an empty object.
func (v *Validator) Decode(raw []byte) (Request, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return Request{}, &InvalidRequestError{Detail: "malformed JSON"}
	}
	if err := v.envelope.Validate(inst); err != nil {
		return Request{}, &InvalidRequestError{Detail: describe(err)}
	}

	obj := inst.(map[string]any)
	req := Request{Action: Action(obj["action"].(string))}
	if id, ok := obj["requestId"].(string); ok {
		req.RequestID = id
	}
	sch, ok := v.actions[req.Action]
	if !ok {
		return req, fmt.Errorf("%w: %s", ErrUnknownAction, req.Action)
	}

	data, ok := obj["data"]
	if !ok {
		data = map[string]any{}
	}
	if err := sch.Validate(data); err != nil {
		return req, &InvalidRequestError{Action: req.Action, Detail: describe(err)}
	}
	if req.Data, err = marshalInstance(data); err != nil {
		return req, &InvalidRequestError{Action: req.Action, Detail: err.Error()}
	}
	return req, nil
}

// describe reduces a validation error to its most specific cause.
func describe(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	lines := strings.Split(strings.TrimSpace(ve.Error()), "\n")
	msg := strings.TrimPrefix(strings.TrimSpace(lines[len(lines)-1]), "- ")
	if strings.HasPrefix(msg, "at ") {
		return msg
	}
	return fmt.Sprintf("at '/%s': %s", strings.Join(ve.InstanceLocation, "/"), msg)
}

func marshalInstance(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Actions lists every supported action.
func Actions() []Action {
	return []Action{
		ActionGetStatus, ActionAuthenticate, ActionCompleteAuth, ActionLogout, ActionSaveConfig,
		ActionGetTeams, ActionGetSpaces, ActionGetFolders, ActionGetLists, ActionGetFolderlessLists,
		ActionGetHierarchy, ActionGetMembers,
		ActionCreateTask, ActionCreateTaskFull, ActionAttachToTask,
		ActionValidateTask, ActionValidateLink, ActionGetLinkedTasks, ActionSyncEmailTasks, ActionValidateLinks,
		ActionSearchTasks,
		ActionStartTimer, ActionStopTimer, ActionGetRunningTimer, ActionAddTimeEntry, ActionGetTimeEntries,
		ActionUpdateBadge, ActionGetSettings, ActionClearCache,
	}
}

// ActionSchema returns the data schema of a, with every $ref inlined so the
// result stands alone.
func ActionSchema(a Action) (json.RawMessage, error) {
	var doc struct {
		Defs map[string]json.RawMessage `json:"$defs"`
	}
	if err := json.Unmarshal(schemaJSON, &doc); err != nil {
		return nil, err
	}
	var actions map[string]any
	if err := json.Unmarshal(doc.Defs["actions"], &actions); err != nil {
		return nil, err
	}
	defs := map[string]any{}
	for name, raw := range doc.Defs {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		defs["#/$defs/"+name] = v
	}
	for name, v := range actions {
		defs["#/$defs/actions/"+name] = v
	}

	sch, ok := actions[string(a)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, a)
	}
	resolved, err := inlineRefs(sch, defs, 0)
	if err != nil {
		return nil, err
	}
	return json.Marshal(resolved)
}

func inlineRefs(v any, defs map[string]any, depth int) (any, error) {
	if depth > 16 {
		return nil, errors.New("schema references nest too deeply")
	}
	switch t := v.(type) {
	case map[string]any:
		if ref, ok := t["$ref"].(string); ok {
			target, ok := defs[ref]
			if !ok {
				return nil, fmt.Errorf("unresolved schema reference %s", ref)
			}
			return inlineRefs(target, defs, depth+1)
		}
		out := make(map[string]any, len(t))
		for k, sub := range t {
			r, err := inlineRefs(sub, defs, depth)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, sub := range t {
			r, err := inlineRefs(sub, defs, depth)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}
