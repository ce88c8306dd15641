// Package clickuptest provides an in-memory ClickUp API for tests.
package clickuptest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/teemow/inboxlink/internal/clickup"
)

// Fixture ids.
const (
	TeamID         = "team1"
	SpaceID        = "space1"
	FolderID       = "folder1"
	ListID         = "list1"
	FolderlessList = "list2"
	ThreadFieldID  = "field-thread"
	AccessToken    = "access-1"
	RefreshToken   = "refresh-1"
)

// Upload is a recorded attachment upload.
type Upload struct {
	FileName  string
	EmailPart string
}

// Server fakes the ClickUp v2 endpoints the client uses.
type Server struct {
	*httptest.Server

	mu sync.Mutex
	// accessToken is the accepted token. Empty accepts any.
	accessToken string
	user        clickup.User
	teams       []clickup.Team
	spaces      map[string][]clickup.Space
	folders     map[string][]clickup.Folder
	folderless  map[string][]clickup.List
	folderLists map[string][]clickup.List
	members     map[string][]clickup.Member
	fields      map[string][]clickup.CustomField
	tasks       map[string]clickup.Task
	order       []string
	comments    map[string][]string
	uploads     map[string][]Upload
	fieldValues map[string]map[string]any
	entries     []clickup.TimeEntry
	running     *clickup.TimeEntry
	calls       map[string]int
	failures    map[string][]int
	nextID      int
}

// New starts a server seeded with one team holding a space with a folder
// list and a folderless list. Both lists carry the "Gmail Thread ID" field.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		user:        clickup.User{ID: 42, Username: "ada", Email: "ada@example.com"},
		teams:       []clickup.Team{{ID: TeamID, Name: "Acme"}},
		spaces:      map[string][]clickup.Space{TeamID: {{ID: SpaceID, Name: "Engineering"}}},
		folders:     map[string][]clickup.Folder{SpaceID: {{ID: FolderID, Name: "Projects"}}},
		folderless:  map[string][]clickup.List{SpaceID: {{ID: FolderlessList, Name: "Inbox"}}},
		folderLists: map[string][]clickup.List{FolderID: {{ID: ListID, Name: "Backlog"}}},
		members: map[string][]clickup.Member{
			ListID: {{ID: 42, Username: "ada", Email: "ada@example.com"}},
		},
		fields:      map[string][]clickup.CustomField{},
		tasks:       map[string]clickup.Task{},
		comments:    map[string][]string{},
		uploads:     map[string][]Upload{},
		fieldValues: map[string]map[string]any{},
		calls:       map[string]int{},
		failures:    map[string][]int{},
	}
	threadField := clickup.CustomField{ID: ThreadFieldID, Name: "Gmail Thread ID", Type: "short_text"}
	s.fields[ListID] = []clickup.CustomField{threadField}
	s.fields[FolderlessList] = []clickup.CustomField{threadField}

	s.Server = httptest.NewServer(s.routes())
	t.Cleanup(s.Close)
	return s
}

// RequireToken makes every API call check the Authorization header.
func (s *Server) RequireToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessToken = token
}

// FailNext makes the next calls to route (e.g. "GET /task/{id}") answer
// with the given statuses, in order.
func (s *Server) FailNext(route string, statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[route] = append(s.failures[route], statuses...)
}

// Calls returns how often route was hit.
func (s *Server) Calls(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[route]
}

// PutTask stores a task as is.
func (s *Server) PutTask(task clickup.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; !ok {
		s.order = append(s.order, task.ID)
	}
	if task.URL == "" {
		task.URL = "https://app.clickup.com/t/" + task.ID
	}
	s.tasks[task.ID] = task
}

// DeleteTask removes a task so that fetching it returns 404.
func (s *Server) DeleteTask(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
}

// Task returns a stored task.
func (s *Server) Task(id string) (clickup.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	return t, ok
}

// Comments returns the comments posted on a task.
func (s *Server) Comments(taskID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.comments[taskID]...)
}

// Uploads returns the attachments uploaded to a task.
func (s *Server) Uploads(taskID string) []Upload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Upload(nil), s.uploads[taskID]...)
}

// FieldValue returns a custom field value written on a task.
func (s *Server) FieldValue(taskID, fieldID string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.fieldValues[taskID][fieldID]
	return v, ok
}

// Entries returns recorded time entries.
func (s *Server) Entries() []clickup.TimeEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]clickup.TimeEntry(nil), s.entries...)
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	handle := func(pattern string, h func(w http.ResponseWriter, r *http.Request)) {
		mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
			if s.intercept(pattern, w, r) {
				return
			}
			h(w, r)
		})
	}
	// read serves fixture data under the lock.
	read := func(pattern string, h func(w http.ResponseWriter, r *http.Request)) {
		handle(pattern, func(w http.ResponseWriter, r *http.Request) {
			s.mu.Lock()
			defer s.mu.Unlock()
			h(w, r)
		})
	}

	mux.HandleFunc("POST /oauth/token", s.issueToken)
	read("GET /user", func(w http.ResponseWriter, _ *http.Request) {
		s.write(w, map[string]any{"user": s.user})
	})
	read("GET /team", func(w http.ResponseWriter, _ *http.Request) {
		s.write(w, map[string]any{"teams": s.teams})
	})
	read("GET /team/{id}/space", func(w http.ResponseWriter, r *http.Request) {
		s.write(w, map[string]any{"spaces": nonNil(s.spaces[r.PathValue("id")])})
	})
	read("GET /space/{id}/folder", func(w http.ResponseWriter, r *http.Request) {
		s.write(w, map[string]any{"folders": nonNil(s.folders[r.PathValue("id")])})
	})
	read("GET /space/{id}/list", func(w http.ResponseWriter, r *http.Request) {
		s.write(w, map[string]any{"lists": nonNil(s.folderless[r.PathValue("id")])})
	})
	read("GET /folder/{id}/list", func(w http.ResponseWriter, r *http.Request) {
		s.write(w, map[string]any{"lists": nonNil(s.folderLists[r.PathValue("id")])})
	})
	read("GET /list/{id}/member", func(w http.ResponseWriter, r *http.Request) {
		s.write(w, map[string]any{"members": nonNil(s.members[r.PathValue("id")])})
	})
	read("GET /list/{id}/field", func(w http.ResponseWriter, r *http.Request) {
		s.write(w, map[string]any{"fields": nonNil(s.fields[r.PathValue("id")])})
	})
	handle("POST /list/{id}/task", s.createTask)
	handle("GET /task/{id}", s.getTask)
	handle("POST /task/{id}/field/{field}", s.setField)
	handle("GET /team/{id}/task", s.listTasks)
	handle("POST /task/{id}/comment", s.addComment)
	read("GET /task/{id}/comment", func(w http.ResponseWriter, r *http.Request) {
		var out []clickup.Comment
		for i, c := range s.comments[r.PathValue("id")] {
			out = append(out, clickup.Comment{ID: strconv.Itoa(i + 1), CommentText: c})
		}
		s.write(w, map[string]any{"comments": nonNil(out)})
	})
	handle("POST /task/{id}/attachment", s.upload)
	handle("POST /team/{id}/time_entries", s.createEntry)
	read("GET /team/{id}/time_entries", func(w http.ResponseWriter, _ *http.Request) {
		s.write(w, map[string]any{"data": nonNil(s.entries)})
	})
	handle("POST /team/{id}/time_entries/start", s.startTimer)
	handle("POST /team/{id}/time_entries/stop", s.stopTimer)
	read("GET /team/{id}/time_entries/current", func(w http.ResponseWriter, _ *http.Request) {
		s.write(w, map[string]any{"data": s.running})
	})
	return mux
}

// intercept counts the call, applies queued failures and checks the token.
// It reports whether the request was answered.
func (s *Server) intercept(route string, w http.ResponseWriter, r *http.Request) bool {
	s.mu.Lock()
	s.calls[route]++
	if q := s.failures[route]; len(q) > 0 {
		status := q[0]
		s.failures[route] = q[1:]
		s.mu.Unlock()
		writeError(w, status, fmt.Sprintf("injected %d", status), "TEST_001")
		return true
	}
	if s.accessToken != "" && r.Header.Get("Authorization") != s.accessToken {
		s.mu.Unlock()
		writeError(w, http.StatusUnauthorized, "Token invalid", "OAUTH_025")
		return true
	}
	s.mu.Unlock()
	return false
}

func (s *Server) issueToken(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.calls["POST /oauth/token"]++
	s.mu.Unlock()
	if err := r.ParseForm(); err != nil || r.Form.Get("client_id") == "" {
		writeError(w, http.StatusBadRequest, "client_id required", "OAUTH_001")
		return
	}
	access := AccessToken
	if r.Form.Get("grant_type") == "refresh_token" {
		access = "access-refreshed"
	}
	s.RequireToken(access)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token":  access,
		"refresh_token": RefreshToken,
		"token_type":    "Bearer",
	})
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var in clickup.TaskCreate
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Name == "" {
		writeError(w, http.StatusBadRequest, "Task name invalid", "INPUT_005")
		return
	}
	s.mu.Lock()
	s.nextID++
	id := fmt.Sprintf("t%04d", s.nextID)
	listID := r.PathValue("id")
	now := clickup.Millis(time.Now().UnixMilli())
	task := clickup.Task{
		ID:          id,
		Name:        in.Name,
		Description: in.Description,
		TextContent: in.Description,
		Status:      clickup.Status{Status: "to do"},
		URL:         "https://app.clickup.com/t/" + id,
		DateCreated: now,
		DateUpdated: now,
		List:        &clickup.List{ID: listID},
	}
	for _, f := range s.fields[listID] {
		task.CustomFields = append(task.CustomFields, clickup.CustomField{ID: f.ID, Name: f.Name, Type: f.Type})
	}
	s.tasks[id] = task
	s.order = append(s.order, id)
	s.mu.Unlock()
	s.write(w, task)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	task, ok := s.tasks[r.PathValue("id")]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "Task not found, deleted", "ITEM_013")
		return
	}
	s.write(w, task)
}

func (s *Server) setField(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Value any `json:"value"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	id, field := r.PathValue("id"), r.PathValue("field")

	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		writeError(w, http.StatusNotFound, "Task not found", "ITEM_013")
		return
	}
	if s.fieldValues[id] == nil {
		s.fieldValues[id] = map[string]any{}
	}
	s.fieldValues[id][field] = body.Value
	raw, _ := json.Marshal(body.Value)
	for i := range task.CustomFields {
		if task.CustomFields[i].ID == field {
			task.CustomFields[i].Value = raw
		}
	}
	task.DateUpdated = clickup.Millis(time.Now().UnixMilli())
	s.tasks[id] = task
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, "{}")
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s.mu.Lock()
	var all []clickup.Task
	for _, id := range s.order {
		if t, ok := s.tasks[id]; ok {
			all = append(all, t)
		}
	}
	s.mu.Unlock()

	var out []clickup.Task
	if query := strings.ToLower(q.Get("query")); query != "" {
		for _, t := range all {
			if strings.Contains(strings.ToLower(t.Name), query) || t.ID == query {
				out = append(out, t)
			}
		}
		s.write(w, map[string]any{"tasks": nonNil(out)})
		return
	}

	since, _ := strconv.ParseInt(q.Get("date_updated_gt"), 10, 64)
	for _, t := range all {
		if int64(t.DateUpdated) > since {
			out = append(out, t)
		}
	}
	page, _ := strconv.Atoi(q.Get("page"))
	lo := min(page*clickup.PageSize, len(out))
	hi := min(lo+clickup.PageSize, len(out))
	s.write(w, map[string]any{"tasks": nonNil(out[lo:hi]), "last_page": hi == len(out)})
}

func (s *Server) addComment(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text string `json:"comment_text"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	id := r.PathValue("id")
	s.mu.Lock()
	s.comments[id] = append(s.comments[id], body.Text)
	n := len(s.comments[id])
	s.mu.Unlock()
	s.write(w, clickup.Comment{ID: strconv.Itoa(n), CommentText: body.Text})
}

func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "multipart required", "UPLOAD_001")
		return
	}
	f, hdr, err := r.FormFile("attachment")
	if err != nil {
		writeError(w, http.StatusBadRequest, "attachment part required", "UPLOAD_002")
		return
	}
	_ = f.Close()
	id := r.PathValue("id")
	s.mu.Lock()
	s.uploads[id] = append(s.uploads[id], Upload{FileName: hdr.Filename, EmailPart: r.FormValue("email")})
	s.mu.Unlock()
	s.write(w, clickup.Attachment{ID: "att-" + id, Title: hdr.Filename, URL: "https://attachments.example/" + id})
}

func (s *Server) createEntry(w http.ResponseWriter, r *http.Request) {
	var in clickup.TimeEntryCreate
	_ = json.NewDecoder(r.Body).Decode(&in)
	s.mu.Lock()
	s.nextID++
	e := clickup.TimeEntry{
		ID:       fmt.Sprintf("e%04d", s.nextID),
		Task:     &clickup.Task{ID: in.TaskID},
		Start:    clickup.Millis(in.Start),
		End:      clickup.Millis(in.Start + in.Duration),
		Duration: clickup.Millis(in.Duration),
	}
	s.entries = append(s.entries, e)
	s.mu.Unlock()
	s.write(w, map[string]any{"data": e})
}

func (s *Server) startTimer(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TaskID string `json:"tid"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	s.mu.Lock()
	s.nextID++
	now := time.Now().UnixMilli()
	e := clickup.TimeEntry{
		ID:       fmt.Sprintf("e%04d", s.nextID),
		Task:     &clickup.Task{ID: body.TaskID},
		Start:    clickup.Millis(now),
		Duration: clickup.Millis(-now),
	}
	s.running = &e
	s.mu.Unlock()
	s.write(w, map[string]any{"data": e})
}

func (s *Server) stopTimer(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	if s.running == nil {
		s.mu.Unlock()
		writeError(w, http.StatusBadRequest, "No timer running", "TIMER_001")
		return
	}
	e := *s.running
	s.running = nil
	now := time.Now().UnixMilli()
	e.End = clickup.Millis(now)
	e.Duration = clickup.Millis(now - int64(e.Start))
	s.entries = append(s.entries, e)
	s.mu.Unlock()
	s.write(w, map[string]any{"data": e})
}

func (s *Server) write(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"err": msg, "ECODE": code})
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
