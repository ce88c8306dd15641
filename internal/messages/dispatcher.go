package messages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/teemow/inboxlink/internal/auth"
	"github.com/teemow/inboxlink/internal/clickup"
	"github.com/teemow/inboxlink/internal/config"
	"github.com/teemow/inboxlink/internal/emailtask"
	"github.com/teemow/inboxlink/internal/hierarchy"
	"github.com/teemow/inboxlink/internal/instrumentation"
	"github.com/teemow/inboxlink/internal/links"
	"github.com/teemow/inboxlink/internal/logging"
	"github.com/teemow/inboxlink/internal/store"
	"github.com/teemow/inboxlink/internal/timer"
)

// Deps are the services behind the handlers.
type Deps struct {
	KV        store.Store
	Auth      *auth.Service
	Links     *links.Reconciler
	Hierarchy *hierarchy.Cache
	Timer     *timer.Service
	Tasks     *emailtask.Service
	// Defaults returns the current [links] configuration.
	Defaults func() config.Links
	Logger   *slog.Logger
	Metrics  *instrumentation.Metrics
	Audit    *instrumentation.AuditLogger
	Now      func() time.Time
}

type handlerFunc func(ctx context.Context, data json.RawMessage) (Payload, error)

// Dispatcher validates messages and routes them to handlers. It is safe for
// concurrent use.
type Dispatcher struct {
	deps      Deps
	validator *Validator
	handlers  map[Action]handlerFunc
	logger    *slog.Logger
}

// New creates a Dispatcher.
func New(deps Deps) (*Dispatcher, error) {
	v, err := NewValidator()
	if err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = &instrumentation.Metrics{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Defaults == nil {
		deps.Defaults = func() config.Links { return config.Default().Links }
	}
	d := &Dispatcher{
		deps:      deps,
		validator: v,
		logger:    deps.Logger.With("component", "messages"),
	}
	d.handlers = d.routes()
	return d, nil
}

// Handle decodes, validates and dispatches one raw message.
func (d *Dispatcher) Handle(ctx context.Context, transport string, raw []byte) Response {
	req, err := d.validator.Decode(raw)
	if err != nil {
		resp := d.failure(err)
		resp.RequestID = req.RequestID
		action := string(req.Action)
		if action == "" {
			action = "invalid"
		}
		d.deps.Metrics.RecordMessage(ctx, action, transport, instrumentation.StatusError, 0)
		d.logger.Warn("rejected message", logging.Action(action), slog.String("transport", transport), logging.Err(err))
		return resp
	}
	return d.dispatch(ctx, transport, req)
}

// HandleAction dispatches an action with data given as a Go value. The
// value goes through the same validation as wire messages.
func (d *Dispatcher) HandleAction(ctx context.Context, transport string, action Action, data any) Response {
	if data == nil {
		data = map[string]any{}
	}
	raw, err := json.Marshal(map[string]any{"action": action, "data": data})
	if err != nil {
		return d.failure(&InvalidRequestError{Action: action, Detail: err.Error()})
	}
	return d.Handle(ctx, transport, raw)
}

func (d *Dispatcher) dispatch(ctx context.Context, transport string, req Request) Response {
	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	action := string(req.Action)

	ctx, span := instrumentation.StartActionSpan(ctx, action, transport)
	defer span.End()
	audit := instrumentation.NewMessageAudit(ctx, action, transport, requestID)

	payload, err := d.invoke(ctx, req)

	audit.Complete(err)
	d.deps.Audit.Log(audit)
	d.deps.Metrics.RecordMessage(ctx, action, transport, audit.Status(), audit.Duration)

	if err != nil {
		instrumentation.SetSpanError(span, err)
		d.logger.Warn("message failed",
			logging.Action(action),
			slog.String("request_id", requestID),
			logging.Err(err))
		resp := d.failure(err)
		resp.RequestID = requestID
		return resp
	}
	instrumentation.SetSpanSuccess(span)
	if payload == nil {
		payload = Payload{}
	}
	return Response{Success: true, RequestID: requestID, Payload: payload}
}

// invoke runs the handler for req. A panic becomes an ErrInternal error.
func (d *Dispatcher) invoke(ctx context.Context, req Request) (payload Payload, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s handler panicked: %v", ErrInternal, req.Action, r)
			d.logger.Error("handler panicked",
				logging.Action(string(req.Action)),
				logging.Err(err),
				slog.String("stack", string(debug.Stack())))
		}
	}()
	return d.handlers[req.Action](ctx, req.Data)
}

// failure converts err to the user-facing response.
func (d *Dispatcher) failure(err error) Response {
	resp := Response{Success: false}
	var invalid *InvalidRequestError
	switch {
	case errors.As(err, &invalid):
		resp.Error = invalid.Error()
	case errors.Is(err, ErrUnknownAction):
		resp.Error = "Unknown action"
	case errors.Is(err, ErrInternal):
		resp.Error = "Internal error, please try again"
	case errors.Is(err, clickup.ErrNotAuthenticated):
		resp.Error = "Not signed in to ClickUp"
		resp.RequiresReauth = true
	case errors.Is(err, auth.ErrNoOAuthConfig):
		resp.Error = auth.ErrNoOAuthConfig.Error()
	case errors.Is(err, clickup.ErrNoTeam):
		resp.Error = "No ClickUp workspace selected"
	case errors.Is(err, emailtask.ErrNoList):
		resp.Error = "Please select a list"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		resp.Error = "Request cancelled"
	default:
		resp.Error = clickup.UserMessage(err)
		resp.RequiresReauth = clickup.IsAuthError(err)
	}
	return resp
}

// Settings returns the effective settings.
func (d *Dispatcher) Settings(ctx context.Context) (config.Settings, error) {
	return config.LoadSettings(ctx, d.deps.KV, d.deps.Defaults())
}

// ApplySettings pushes the stored link strategy into the reconciler.
func (d *Dispatcher) ApplySettings(ctx context.Context) error {
	s, err := d.Settings(ctx)
	if err != nil {
		return err
	}
	ex, err := links.NewExtractor(s.LinkStrategy, s.ThreadIDFieldName)
	if err != nil {
		return fmt.Errorf("failed to build extractor: %w", err)
	}
	d.deps.Links.SetExtractor(ex)
	return nil
}

// team resolves the team for a request: explicit, then the preferred team,
// then the first team of the account.
func (d *Dispatcher) team(ctx context.Context, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	s, err := d.Settings(ctx)
	if err != nil {
		return "", err
	}
	if s.PreferredTeamID != "" {
		return s.PreferredTeamID, nil
	}
	teams, err := d.deps.Hierarchy.Teams(ctx, false)
	if err != nil {
		return "", err
	}
	if len(teams) == 0 {
		return "", clickup.ErrNoTeam
	}
	return teams[0].ID, nil
}

func decode[T any](data json.RawMessage) (T, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, &InvalidRequestError{Detail: err.Error()}
	}
	return v, nil
}

// structPayload turns a JSON-tagged struct into a payload.
func structPayload(v any) (Payload, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var p Payload
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, err
	}
	return p, nil
}
