package emailtask

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teemow/inboxlink/internal/clickup"
	"github.com/teemow/inboxlink/internal/links"
	"github.com/teemow/inboxlink/internal/logging"
	"github.com/teemow/inboxlink/internal/store"
)

type fakeAPI struct {
	mu          sync.Mutex
	created     []clickup.TaskCreate
	comments    map[string][]string
	uploads     []string
	fieldWrites map[string]any
	entries     []clickup.TimeEntryCreate
	timers      []string
	tasks       map[string]clickup.Task
	search      []clickup.Task
	searchCalls []time.Time
	commentErr  error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{comments: map[string][]string{}, fieldWrites: map[string]any{}, tasks: map[string]clickup.Task{}}
}

func (f *fakeAPI) CreateTask(_ context.Context, listID string, t clickup.TaskCreate) (clickup.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, t)
	task := clickup.Task{ID: "new1", Name: t.Name, URL: "https://app.clickup.com/t/new1", List: &clickup.List{ID: listID}}
	f.tasks[task.ID] = task
	return task, nil
}

func (f *fakeAPI) GetTask(_ context.Context, id string) (clickup.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return clickup.Task{}, &clickup.APIError{Status: 404}
	}
	return t, nil
}

func (f *fakeAPI) GetTasksUpdatedSince(context.Context, string, time.Time, int) (clickup.TaskPage, error) {
	return clickup.TaskPage{LastPage: true}, nil
}

func (f *fakeAPI) SearchTasks(context.Context, string, string) ([]clickup.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searchCalls = append(f.searchCalls, time.Now())
	return append([]clickup.Task(nil), f.search...), nil
}

func (f *fakeAPI) AddComment(_ context.Context, taskID, text string) (clickup.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commentErr != nil {
		return clickup.Comment{}, f.commentErr
	}
	f.comments[taskID] = append(f.comments[taskID], text)
	return clickup.Comment{ID: "c"}, nil
}

func (f *fakeAPI) UploadEmailAttachment(_ context.Context, _, subject string, _ []byte, _ *clickup.EmailLink) (clickup.Attachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, subject)
	return clickup.Attachment{ID: "a"}, nil
}

func (f *fakeAPI) GetListFields(context.Context, string) ([]clickup.CustomField, error) {
	return []clickup.CustomField{{ID: "fid", Name: "gmail thread id"}}, nil
}

func (f *fakeAPI) SetCustomField(_ context.Context, taskID, fieldID string, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fieldWrites[taskID+"/"+fieldID] = v
	return nil
}

func (f *fakeAPI) CreateTimeEntry(_ context.Context, _ string, e clickup.TimeEntryCreate) (clickup.TimeEntry, error) {
	f.entries = append(f.entries, e)
	return clickup.TimeEntry{}, nil
}

func (f *fakeAPI) StartTimer(_ context.Context, _, taskID string) (clickup.TimeEntry, error) {
	f.timers = append(f.timers, taskID)
	return clickup.TimeEntry{}, nil
}

func newService(t *testing.T, api *fakeAPI, st Settings) (*Service, *links.Reconciler) {
	t.Helper()
	kv := store.NewMemory()
	rec := links.NewReconciler(links.Options{
		Index:  links.NewIndex(kv, logging.Discard()),
		Tasks:  api,
		KV:     kv,
		Logger: logging.Discard(),
	})
	svc := NewService(Options{
		API:            api,
		Links:          rec,
		Settings:       func(context.Context) Settings { return st },
		SearchInterval: 50 * time.Millisecond,
		Logger:         logging.Discard(),
	})
	return svc, rec
}

func TestCreateFromEmail(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI()
	svc, rec := newService(t, api, Settings{Strategy: links.StrategyCustomField, AutoStartTimer: true})

	task, err := svc.CreateFromEmail(ctx, "list1", "team1", Email{
		ThreadID: "18c2f3a9b1",
		Subject:  "Invoice #42",
		From:     "billing@example.com",
		HTML:     "<p>pay</p>",
	})
	require.NoError(t, err)
	assert.Equal(t, "new1", task.ID)

	require.Len(t, api.created, 1)
	assert.Equal(t, "Invoice #42", api.created[0].Name)
	assert.Equal(t, "📧 **Email from:** billing@example.com\n\n_Thread ID: 18c2f3a9b1_\n", api.created[0].Description)

	require.Len(t, api.comments["new1"], 1)
	assert.Contains(t, api.comments["new1"][0], "https://mail.google.com/mail/u/0/#inbox/18c2f3a9b1")
	assert.Contains(t, api.comments["new1"][0], "_Thread ID: 18c2f3a9b1_")
	assert.Equal(t, []string{"Invoice #42"}, api.uploads)
	assert.Equal(t, "18c2f3a9b1", api.fieldWrites["new1/fid"])
	assert.Equal(t, []string{"new1"}, api.timers)

	entries, err := rec.LookupLinks(ctx, "18c2f3a9b1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "new1", entries[0].TaskID)

	// The description alone is enough for the pattern strategy to find it.
	ids := links.PatternExtractor{}.Extract(clickup.Task{Description: api.created[0].Description})
	assert.Equal(t, []string{"18c2f3a9b1"}, ids)
}

func TestCreateFromEmail_Defaults(t *testing.T) {
	api := newFakeAPI()
	api.commentErr = errors.New("boom")
	svc, _ := newService(t, api, Settings{Strategy: links.StrategyPattern})

	_, err := svc.CreateFromEmail(context.Background(), "list1", "", Email{ThreadID: "abc", From: "x"})
	require.NoError(t, err, "comment failures are not fatal")
	assert.Equal(t, "Email Task", api.created[0].Name)
	assert.Empty(t, api.fieldWrites, "pattern strategy writes no field")
	assert.Empty(t, api.uploads)
	assert.Empty(t, api.timers)

	_, err = svc.CreateFromEmail(context.Background(), "", "", Email{})
	assert.ErrorIs(t, err, ErrNoList)
}

func TestCreateFull_TracksTime(t *testing.T) {
	api := newFakeAPI()
	svc, _ := newService(t, api, Settings{})
	prio := 2

	_, err := svc.CreateFull(context.Background(), FullRequest{
		ListID:      "l",
		TeamID:      "team",
		Task:        clickup.TaskCreate{Name: "Plan", Priority: &prio, Assignees: []int64{7}},
		TimeTracked: 30 * time.Minute,
	})
	require.NoError(t, err)
	require.Len(t, api.entries, 1)
	assert.Equal(t, int64(1_800_000), api.entries[0].Duration)
	assert.Empty(t, api.comments, "no email, no comment")
}

func TestAttachToTask(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI()
	api.tasks["t9"] = clickup.Task{ID: "t9", Name: "Existing"}
	svc, rec := newService(t, api, Settings{})

	task, err := svc.AttachToTask(ctx, "t9", Email{ThreadID: "th", Subject: "Hello", From: "a@b", HTML: "<b>x</b>"})
	require.NoError(t, err)
	assert.Equal(t, "Existing", task.Name)
	assert.Contains(t, api.comments["t9"][0], "**Subject:** Hello")
	assert.Equal(t, []string{"Hello"}, api.uploads)

	entries, _ := rec.LookupLinks(ctx, "th")
	assert.Len(t, entries, 1)

	_, err = svc.AttachToTask(ctx, "missing", Email{ThreadID: "th"})
	assert.Error(t, err)
}

func TestSearch(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI()
	api.tasks["abc123"] = clickup.Task{ID: "abc123", Name: "Exact"}
	api.search = []clickup.Task{
		{ID: "1", Name: "Quarterly invoice review"},
		{ID: "2", Name: "Unrelated"},
		{ID: "3", Name: "Invoice"},
		{ID: "abc123", Name: "Exact"},
	}
	svc, _ := newService(t, api, Settings{})

	got, err := svc.Search(ctx, "team", "abc")
	require.NoError(t, err)
	assert.Empty(t, got, "short queries are not sent")

	got, err = svc.Search(ctx, "team", "invoice review")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "1", got[0].ID, "more matching words rank first")
	assert.Equal(t, "3", got[1].ID)

	got, err = svc.Search(ctx, "team", "https://app.clickup.com/t/abc123")
	require.NoError(t, err)
	assert.Equal(t, "abc123", got[0].ID)
	assert.Len(t, got, 4)

	require.Len(t, api.searchCalls, 2)
	assert.GreaterOrEqual(t, api.searchCalls[1].Sub(api.searchCalls[0]), 40*time.Millisecond)

	_, err = svc.Search(ctx, "", "long enough")
	assert.ErrorIs(t, err, clickup.ErrNoTeam)
}

func TestExtractTaskID(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"https://app.clickup.com/t/86abc12", "86abc12", true},
		{"#86abc12", "86abc12", true},
		{"  86abc12 ", "86abc12", true},
		{"invoice", "", false},
		{"abcdefgh", "abcdefgh", true},
		{"ab1", "", false},
		{"this is text", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ExtractTaskID(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
