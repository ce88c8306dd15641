// Package emailtask turns Gmail threads into ClickUp tasks: creating a task
// from an email, attaching an email to an existing task and searching tasks
// to attach to. Every task it touches is linked to the thread.
package emailtask

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/teemow/inboxlink/internal/clickup"
	"github.com/teemow/inboxlink/internal/links"
	"github.com/teemow/inboxlink/internal/logging"
)

const (
	// SearchInterval is the minimum spacing between task searches.
	SearchInterval = 300 * time.Millisecond
	// MinSearchLength is the shortest query that is sent to ClickUp.
	MinSearchLength  = 4
	maxSearchResults = 10
)

// ErrNoList is returned when a task is created without a target list.
var ErrNoList = errors.New("no list selected")

// Email is the thread data the extension sends along.
type Email struct {
	ThreadID  string `json:"threadId"`
	Subject   string `json:"subject"`
	From      string `json:"from"`
	Email     string `json:"email,omitempty"`
	UserEmail string `json:"userEmail,omitempty"`
	HTML      string `json:"html,omitempty"`
}

// API is the part of the ClickUp client this package uses.
type API interface {
	CreateTask(ctx context.Context, listID string, task clickup.TaskCreate) (clickup.Task, error)
	GetTask(ctx context.Context, taskID string) (clickup.Task, error)
	SearchTasks(ctx context.Context, teamID, query string) ([]clickup.Task, error)
	AddComment(ctx context.Context, taskID, text string) (clickup.Comment, error)
	UploadEmailAttachment(ctx context.Context, taskID, subject string, html []byte, email *clickup.EmailLink) (clickup.Attachment, error)
	GetListFields(ctx context.Context, listID string) ([]clickup.CustomField, error)
	SetCustomField(ctx context.Context, taskID, fieldID string, value any) error
	CreateTimeEntry(ctx context.Context, teamID string, entry clickup.TimeEntryCreate) (clickup.TimeEntry, error)
	StartTimer(ctx context.Context, teamID, taskID string) (clickup.TimeEntry, error)
}

// Settings are read on every call so changes apply immediately.
type Settings struct {
	Strategy       string
	FieldName      string
	AutoStartTimer bool
}

// Options configures a Service.
type Options struct {
	API      API
	Links    *links.Reconciler
	Settings func(ctx context.Context) Settings
	// SearchInterval overrides the search spacing.
	SearchInterval time.Duration
	Logger         *slog.Logger
}

// Service runs the email to task workflows.
type Service struct {
	api      API
	links    *links.Reconciler
	settings func(ctx context.Context) Settings
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// NewService creates a Service.
func NewService(opts Options) *Service {
	interval := opts.SearchInterval
	if interval <= 0 {
		interval = SearchInterval
	}
	s := &Service{
		api:      opts.API,
		links:    opts.Links,
		settings: opts.Settings,
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		logger:   opts.Logger,
	}
	if s.settings == nil {
		s.settings = func(context.Context) Settings { return Settings{Strategy: links.StrategyCustomField} }
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "emailtask")
	return s
}

// Description is the task description for an email.
func Description(e Email) string {
	d := "📧 **Email from:** " + e.From + "\n\n"
	if e.ThreadID != "" {
		d += links.ThreadMarker(e.ThreadID) + "\n"
	}
	return d
}

// LinkComment is the comment that points a new task back at its thread.
func LinkComment(threadID string) string {
	return "📧 **Linked email:**\n🔗 [Open the original email in Gmail](" + links.GmailURL(threadID) + ")\n\n" +
		links.ThreadMarker(threadID)
}

// AttachComment is the comment added when an email is attached to a task.
func AttachComment(e Email) string {
	return "📧 **Attached email:**\n🔗 [Open in Gmail](" + links.GmailURL(e.ThreadID) + ")\n\n" +
		"**From:** " + e.From + "\n**Subject:** " + e.Subject
}

// CreateFromEmail creates a task in listID from an email and links it.
func (s *Service) CreateFromEmail(ctx context.Context, listID, teamID string, e Email) (clickup.Task, error) {
	name := strings.TrimSpace(e.Subject)
	if name == "" {
		name = "Email Task"
	}
	return s.CreateFull(ctx, FullRequest{
		ListID: listID,
		TeamID: teamID,
		Task:   clickup.TaskCreate{Name: name, Description: Description(e)},
		Email:  &e,
	})
}

// FullRequest is a task created from the full form.
type FullRequest struct {
	ListID string
	TeamID string
	Task   clickup.TaskCreate
	Email  *Email
	// TimeTracked is recorded as a time entry ending now.
	TimeTracked time.Duration
}

// CreateFull creates a task with every form field. Follow-up steps
// (comment, attachment, thread field, time entry, timer) are best effort.
func (s *Service) CreateFull(ctx context.Context, req FullRequest) (clickup.Task, error) {
	if req.ListID == "" {
		return clickup.Task{}, ErrNoList
	}
	task, err := s.api.CreateTask(ctx, req.ListID, req.Task)
	if err != nil {
		return clickup.Task{}, fmt.Errorf("failed to create task: %w", err)
	}
	logger := s.logger.With(logging.TaskID(task.ID))

	if e := req.Email; e != nil && e.ThreadID != "" {
		logger = logger.With(logging.ThreadID(e.ThreadID))
		if _, err := s.api.AddComment(ctx, task.ID, LinkComment(e.ThreadID)); err != nil {
			logger.Warn("failed to add link comment", logging.Err(err))
		}
		s.uploadEmail(ctx, logger, task.ID, *e)
		s.writeThreadField(ctx, logger, req.ListID, task.ID, e.ThreadID)
		if _, err := s.links.RecordLink(ctx, e.ThreadID, task); err != nil {
			return task, fmt.Errorf("task created but link not saved: %w", err)
		}
	}

	if req.TimeTracked > 0 && req.TeamID != "" {
		if _, err := s.api.CreateTimeEntry(ctx, req.TeamID, clickup.TimeEntryCreate{
			TaskID:   task.ID,
			Start:    time.Now().Add(-req.TimeTracked).UnixMilli(),
			Duration: req.TimeTracked.Milliseconds(),
		}); err != nil {
			logger.Warn("failed to track time", logging.Err(err))
		}
	}

	if s.settings(ctx).AutoStartTimer && req.TeamID != "" {
		if _, err := s.api.StartTimer(ctx, req.TeamID, task.ID); err != nil {
			logger.Warn("failed to start timer", logging.Err(err))
		}
	}

	logger.Info("task created")
	return task, nil
}

// AttachToTask adds an email to an existing task and links it.
func (s *Service) AttachToTask(ctx context.Context, taskID string, e Email) (clickup.Task, error) {
	if taskID == "" {
		return clickup.Task{}, fmt.Errorf("task id is required")
	}
	if e.ThreadID == "" {
		return clickup.Task{}, fmt.Errorf("thread id is required")
	}
	logger := s.logger.With(logging.TaskID(taskID), logging.ThreadID(e.ThreadID))

	if _, err := s.api.AddComment(ctx, taskID, AttachComment(e)); err != nil {
		return clickup.Task{}, fmt.Errorf("failed to add comment: %w", err)
	}
	if e.HTML != "" {
		if _, err := s.api.UploadEmailAttachment(ctx, taskID, e.Subject, []byte(e.HTML), emailLink(e)); err != nil {
			return clickup.Task{}, fmt.Errorf("failed to upload email: %w", err)
		}
	}
	task, err := s.api.GetTask(ctx, taskID)
	if err != nil {
		return clickup.Task{}, err
	}
	if _, err := s.links.RecordLink(ctx, e.ThreadID, task); err != nil {
		return task, err
	}
	logger.Info("email attached to task")
	return task, nil
}

func (s *Service) uploadEmail(ctx context.Context, logger *slog.Logger, taskID string, e Email) {
	if e.HTML == "" {
		return
	}
	subject := e.Subject
	if subject == "" {
		subject = "Email"
	}
	if _, err := s.api.UploadEmailAttachment(ctx, taskID, subject, []byte(e.HTML), emailLink(e)); err != nil {
		logger.Warn("failed to upload attachment", logging.Err(err))
	}
}

// writeThreadField stores the thread id in the configured custom field when
// the custom-field strategy is active and the list has that field.
func (s *Service) writeThreadField(ctx context.Context, logger *slog.Logger, listID, taskID, threadID string) {
	st := s.settings(ctx)
	if st.Strategy != links.StrategyCustomField && st.Strategy != "" {
		return
	}
	name := st.FieldName
	if name == "" {
		name = links.DefaultFieldName
	}
	fields, err := s.api.GetListFields(ctx, listID)
	if err != nil {
		logger.Warn("failed to read list fields", logging.Err(err))
		return
	}
	for _, f := range fields {
		if strings.EqualFold(f.Name, name) {
			if err := s.api.SetCustomField(ctx, taskID, f.ID, threadID); err != nil {
				logger.Warn("failed to write thread field", logging.Err(err))
			}
			return
		}
	}
}

func emailLink(e Email) *clickup.EmailLink {
	if e.ThreadID == "" {
		return nil
	}
	addr := e.Email
	if addr == "" {
		addr = e.UserEmail
	}
	return &clickup.EmailLink{ThreadID: e.ThreadID, Subject: e.Subject, From: e.From, Email: addr}
}

// Search finds tasks for query. Short queries return nothing. A query that
// is a task id puts the exact task first; other results are ranked by how
// many query words their name contains. Calls are spaced by the search
// interval.
func (s *Service) Search(ctx context.Context, teamID, query string) ([]clickup.Task, error) {
	query = strings.TrimSpace(query)
	if len(query) < MinSearchLength {
		return []clickup.Task{}, nil
	}
	if teamID == "" {
		return nil, clickup.ErrNoTeam
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	taskID, isID := ExtractTaskID(query)
	var exact *clickup.Task
	if isID {
		if t, err := s.api.GetTask(ctx, taskID); err == nil && t.ID != "" {
			exact = &t
		}
	}

	term := query
	if isID {
		term = taskID
	}
	results, err := s.api.SearchTasks(ctx, teamID, term)
	if err != nil {
		return nil, err
	}

	var words []string
	for _, w := range searchWords.Split(strings.ToLower(query), -1) {
		if len(w) > 2 {
			words = append(words, w)
		}
	}
	if len(words) > 0 && !isID {
		filtered := results[:0]
		for _, t := range results {
			if matchCount(t.Name, words) > 0 {
				filtered = append(filtered, t)
			}
		}
		results = filtered
	}

	lowered := strings.ToLower(term)
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if strings.EqualFold(a.ID, lowered) != strings.EqualFold(b.ID, lowered) {
			return strings.EqualFold(a.ID, lowered)
		}
		if ca, cb := matchCount(a.Name, words), matchCount(b.Name, words); ca != cb {
			return ca > cb
		}
		ai := strings.Contains(strings.ToLower(a.ID), lowered)
		bi := strings.Contains(strings.ToLower(b.ID), lowered)
		return ai && !bi
	})

	if exact != nil {
		out := []clickup.Task{*exact}
		for _, t := range results {
			if t.ID != exact.ID {
				out = append(out, t)
			}
		}
		results = out
	}
	if len(results) > maxSearchResults {
		results = results[:maxSearchResults]
	}
	return results, nil
}

func matchCount(name string, words []string) int {
	name = strings.ToLower(name)
	n := 0
	for _, w := range words {
		if strings.Contains(name, w) {
			n++
		}
	}
	return n
}
