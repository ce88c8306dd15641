package messages

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teemow/inboxlink/internal/logging"
)

func TestResponse_JSONFlattensPayload(t *testing.T) {
	ok := Response{Success: true, RequestID: "r1", Payload: Payload{"tasksFound": 3}}
	b, err := json.Marshal(ok)
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true,"requestId":"r1","tasksFound":3}`, string(b))

	failed := Response{Error: "Not signed in to ClickUp", RequiresReauth: true}
	b, err = json.Marshal(failed)
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":false,"error":"Not signed in to ClickUp","requiresReauth":true}`, string(b))

	var back Response
	require.NoError(t, json.Unmarshal([]byte(`{"success":true,"requestId":"r1","tasksFound":3}`), &back))
	assert.True(t, back.Success)
	assert.Equal(t, "r1", back.RequestID)
	assert.Equal(t, float64(3), back.Payload["tasksFound"])
}

func TestValidator_EveryActionHasSchema(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)
	assert.Len(t, v.actions, len(Actions()))
	assert.Len(t, Actions(), 29)
}

func TestValidator_Decode(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	tests := []struct {
		name       string
		raw        string
		wantAction Action
		wantErr    string
		unknown    bool
	}{
		{name: "no data", raw: `{"action":"getStatus"}`, wantAction: ActionGetStatus},
		{name: "with request id", raw: `{"action":"getTeams","requestId":"abc","data":{"force":true}}`, wantAction: ActionGetTeams},
		{name: "malformed", raw: `{"action":`, wantErr: "malformed JSON"},
		{name: "missing action", raw: `{"data":{}}`, wantErr: "Invalid request"},
		{name: "unknown action", raw: `{"action":"launchRockets"}`, unknown: true},
		{name: "missing field", raw: `{"action":"completeAuth","data":{}}`, wantErr: "Invalid completeAuth request"},
		{name: "extra field", raw: `{"action":"getSettings","data":{"x":1}}`, wantErr: "Invalid getSettings request"},
		{name: "bad enum", raw: `{"action":"updateBadge","data":{"state":"spinning"}}`, wantErr: "Invalid updateBadge request"},
		{name: "email without thread", raw: `{"action":"createTask","data":{"listId":"l","email":{"subject":"s"}}}`, wantErr: "Invalid createTask request"},
		{name: "partial oauth config", raw: `{"action":"saveConfig","data":{"clientId":"c"}}`, wantErr: "Invalid saveConfig request"},
		{name: "sync days range", raw: `{"action":"syncEmailTasks","data":{"days":0}}`, wantErr: "Invalid syncEmailTasks request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := v.Decode([]byte(tt.raw))
			switch {
			case tt.unknown:
				assert.True(t, errors.Is(err, ErrUnknownAction))
			case tt.wantErr != "":
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			default:
				require.NoError(t, err)
				assert.Equal(t, tt.wantAction, req.Action)
				assert.NotEmpty(t, req.Data)
			}
		})
	}
}

func TestActionSchema_InlinesRefs(t *testing.T) {
	for _, a := range Actions() {
		raw, err := ActionSchema(a)
		require.NoError(t, err, a)
		assert.NotContains(t, string(raw), "$ref", a)

		var sch map[string]any
		require.NoError(t, json.Unmarshal(raw, &sch))
		assert.Equal(t, "object", sch["type"], a)
	}

	raw, err := ActionSchema(ActionCreateTask)
	require.NoError(t, err)
	var sch struct {
		Properties map[string]struct {
			Required []string `json:"required"`
		} `json:"properties"`
	}
	require.NoError(t, json.Unmarshal(raw, &sch))
	assert.Equal(t, []string{"threadId"}, sch.Properties["email"].Required)

	_, err = ActionSchema("launchRockets")
	assert.ErrorIs(t, err, ErrUnknownAction)
}

func TestDispatcher_RecoversHandlerPanic(t *testing.T) {
	d, err := New(Deps{Logger: logging.Discard()})
	require.NoError(t, err)
	d.handlers[ActionGetSettings] = func(context.Context, json.RawMessage) (Payload, error) {
		var m map[string]string
		m["boom"] = "x"
		return nil, nil
	}

	var resp Response
	require.NotPanics(t, func() {
		resp = d.Handle(context.Background(), "ws", []byte(`{"action":"getSettings","requestId":"r1"}`))
	})
	assert.False(t, resp.Success)
	assert.Equal(t, "r1", resp.RequestID)
	assert.Equal(t, "Internal error, please try again", resp.Error)
	assert.False(t, resp.RequiresReauth)

	resp = d.HandleAction(context.Background(), "mcp", ActionGetSettings, nil)
	assert.False(t, resp.Success, "the dispatcher keeps serving after a panic")
}
