package links

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teemow/inboxlink/internal/clickup"
	"github.com/teemow/inboxlink/internal/logging"
	"github.com/teemow/inboxlink/internal/store"
)

// fakeTasks serves tasks from memory. Tasks in errs fail with that error.
type fakeTasks struct {
	mu    sync.Mutex
	tasks map[string]clickup.Task
	errs  map[string]error
	pages [][]clickup.Task
	// endless pages never report the last page.
	endless bool
	gets    int
	since []time.Time
}

func (f *fakeTasks) GetTask(_ context.Context, id string) (clickup.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if err, ok := f.errs[id]; ok {
		return clickup.Task{}, err
	}
	t, ok := f.tasks[id]
	if !ok {
		return clickup.Task{}, &clickup.APIError{Status: 404, Message: "Task not found"}
	}
	return t, nil
}

func (f *fakeTasks) GetTasksUpdatedSince(_ context.Context, _ string, since time.Time, page int) (clickup.TaskPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.since = append(f.since, since)
	if f.endless {
		return clickup.TaskPage{Tasks: []clickup.Task{{ID: fmt.Sprintf("e%d", page)}}}, nil
	}
	if page >= len(f.pages) {
		return clickup.TaskPage{LastPage: true}, nil
	}
	return clickup.TaskPage{Tasks: f.pages[page], LastPage: page == len(f.pages)-1}, nil
}

func field(name, value string) clickup.CustomField {
	raw, _ := json.Marshal(value)
	return clickup.CustomField{ID: "f-" + name, Name: name, Type: "short_text", Value: raw}
}

func newReconciler(t *testing.T, src *fakeTasks, ex Extractor) (*Reconciler, store.Store) {
	t.Helper()
	kv := store.NewMemory()
	now := time.UnixMilli(1_700_000_000_000)
	return NewReconciler(Options{
		Index:     NewIndex(kv, logging.Discard()),
		Tasks:     src,
		KV:        kv,
		Extractor: ex,
		Logger:    logging.Discard(),
		Now:       func() time.Time { return now },
	}), kv
}

func TestIndex_RecordDedupAndLookup(t *testing.T) {
	ctx := context.Background()
	x := NewIndex(store.NewMemory(), logging.Discard())

	added, err := x.Record(ctx, "th1", Entry{TaskID: "t1", Name: "One"})
	require.NoError(t, err)
	assert.True(t, added)

	added, err = x.Record(ctx, "th1", Entry{TaskID: "t1", Name: "One again"})
	require.NoError(t, err)
	assert.False(t, added)

	_, err = x.Record(ctx, "th1", Entry{TaskID: "t2"})
	require.NoError(t, err)

	entries, err := x.Lookup(ctx, "th1")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Equal(t, "One", entries[0].Name)

	entries, err = x.Lookup(ctx, "unknown")
	require.NoError(t, err)
	assert.NotNil(t, entries)
	assert.Empty(t, entries)

	many, err := x.LookupMany(ctx, []string{"th1", "nope"})
	require.NoError(t, err)
	assert.Len(t, many, 1)

	_, err = x.Record(ctx, "", Entry{TaskID: "t"})
	assert.Error(t, err)
}

func TestIndex_RemoveTasksDropsEmptyThreads(t *testing.T) {
	ctx := context.Background()
	x := NewIndex(store.NewMemory(), logging.Discard())
	_, _ = x.Record(ctx, "th1", Entry{TaskID: "t1"})
	_, _ = x.Record(ctx, "th1", Entry{TaskID: "t2"})
	_, _ = x.Record(ctx, "th2", Entry{TaskID: "t1"})

	removed, err := x.RemoveTasks(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	all, err := x.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, Mappings{"th1": {{TaskID: "t2"}}}, all)

	ok, err := x.Unlink(ctx, "th1", "t2")
	require.NoError(t, err)
	assert.True(t, ok)
	all, _ = x.All(ctx)
	assert.Empty(t, all)
}

func TestIndex_EvictsOldestThreads(t *testing.T) {
	ctx := context.Background()
	x := NewIndex(store.NewMemory(), logging.Discard())
	x.maxThread = 3

	for i := 1; i <= 4; i++ {
		_, err := x.Record(ctx, fmt.Sprintf("th%d", i), Entry{TaskID: "t", CreatedAt: int64(i * 10)})
		require.NoError(t, err)
	}
	// th1 was evicted above; re-linking it with a newer entry pushes out th2.
	_, _ = x.Record(ctx, "th1", Entry{TaskID: "t-new", CreatedAt: 100})
	_, _ = x.Record(ctx, "th5", Entry{TaskID: "t", CreatedAt: 50})

	all, err := x.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Contains(t, all, "th1")
	assert.Contains(t, all, "th5")
	assert.NotContains(t, all, "th2")
}

func TestCustomFieldExtractor(t *testing.T) {
	tests := []struct {
		name   string
		fields []clickup.CustomField
		want   []string
	}{
		{name: "no field", want: nil},
		{name: "single", fields: []clickup.CustomField{field("Gmail Thread ID", "abc")}, want: []string{"abc"}},
		{name: "case insensitive and split", fields: []clickup.CustomField{field("gmail thread id", " a , b,, c ")}, want: []string{"a", "b", "c"}},
		{name: "other field", fields: []clickup.CustomField{field("Notes", "abc")}, want: nil},
		{name: "empty value", fields: []clickup.CustomField{{Name: "Gmail Thread ID"}}, want: nil},
	}
	ex := CustomFieldExtractor{FieldName: DefaultFieldName}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ex.Extract(clickup.Task{CustomFields: tt.fields}))
		})
	}
}

func TestPatternExtractor(t *testing.T) {
	tests := []struct {
		name        string
		description string
		text        string
		want        []string
	}{
		{name: "bold marker", description: "**Thread ID:** 18c2f3a9b1", want: []string{"18c2f3a9b1"}},
		{name: "italic marker", description: "_Thread ID: 18c2f3a9b1_", want: []string{"18c2f3a9b1"}},
		{name: "query param", description: "see ?threadId=FMfcgz123", want: []string{"FMfcgz123"}},
		{name: "gmail url", description: "https://mail.google.com/mail/u/1/#inbox/FMfcgzABC", want: []string{"FMfcgzABC"}},
		{name: "text content fallback", text: "Thread ID: abc123", want: []string{"abc123"}},
		{
			name:        "first pattern wins",
			description: "https://mail.google.com/mail/u/0/#inbox/zzz9",
			text:        "**Thread ID:** beef",
			want:        []string{"beef"},
		},
		{name: "short id", description: "_Thread ID: t1_", want: []string{"t1"}},
		{name: "permanent id", description: "_Thread ID: FMfcgzQXJWbn_", want: []string{"FMfcgzQXJWbn"}},
		{name: "fallback id", description: "_Thread ID: email_1712345678_", want: []string{"email_1712345678"}},
		{name: "marker mid text", description: "📧 **Email from:** Grace\n_Thread ID: t1_\nmore", want: []string{"t1"}},
		{name: "bold marker then period", description: "**Thread ID:** FMfcgz9.", want: []string{"FMfcgz9"}},
		{name: "plain text content", text: "Thread ID: email_1712345678", want: []string{"email_1712345678"}},
		{name: "nothing", description: "plain task", want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PatternExtractor{}.Extract(clickup.Task{Description: tt.description, TextContent: tt.text})
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestThreadMarker_RoundTrip(t *testing.T) {
	for _, id := range []string{"18c2f3a9b1", "t1", "FMfcgzQXJWbnMlwQ", "email_1712345678", "thread_"} {
		t.Run(id, func(t *testing.T) {
			desc := "📧 **Email from:** Grace\n" + ThreadMarker(id) + "\n"
			assert.Equal(t, []string{id}, PatternExtractor{}.Extract(clickup.Task{Description: desc}))

			comment := GmailURL(id) + "\n\n" + ThreadMarker(id)
			assert.Equal(t, []string{id}, PatternExtractor{}.Extract(clickup.Task{Description: comment}))
		})
	}
}

func TestValidateLinkTarget_PatternStrategy(t *testing.T) {
	src := &fakeTasks{tasks: map[string]clickup.Task{
		"task1": {ID: "task1", Description: "Reply soon\n" + ThreadMarker("t1") + "\n"},
	}}
	r, _ := newReconciler(t, src, PatternExtractor{})
	ctx := context.Background()

	assert.Equal(t, TargetValidation{Valid: true, Linked: true, Reason: ReasonExists}, r.ValidateLinkTarget(ctx, "task1", "t1"))
	assert.Equal(t, TargetValidation{Valid: true, Linked: false, Reason: ReasonExists}, r.ValidateLinkTarget(ctx, "task1", "t"))
}

func TestNewExtractor(t *testing.T) {
	ex, err := NewExtractor("", "")
	require.NoError(t, err)
	assert.Equal(t, CustomFieldExtractor{FieldName: DefaultFieldName}, ex)

	ex, err = NewExtractor(StrategyPattern, "")
	require.NoError(t, err)
	assert.IsType(t, PatternExtractor{}, ex)

	_, err = NewExtractor("magic", "")
	assert.Error(t, err)
}

func TestValidateLink(t *testing.T) {
	src := &fakeTasks{
		tasks: map[string]clickup.Task{
			"live":     {ID: "live"},
			"archived": {ID: "archived", Archived: true},
		},
		errs: map[string]error{
			"forbidden": &clickup.APIError{Status: 403},
			"deleted":   &clickup.APIError{Status: 400, Message: "Task was deleted"},
			"flaky":     &clickup.APIError{Status: 503},
			"offline":   &clickup.NetworkError{Attempts: 4, Err: fmt.Errorf("dial tcp")},
		},
	}
	r, _ := newReconciler(t, src, nil)

	tests := []struct {
		taskID string
		want   Validation
	}{
		{"live", Validation{Exists: true, Reason: ReasonExists}},
		{"archived", Validation{Exists: false, Reason: ReasonArchived}},
		{"missing", Validation{Exists: false, Reason: ReasonAPIError, ErrorStatus: 404}},
		{"forbidden", Validation{Exists: false, Reason: ReasonAPIError, ErrorStatus: 403}},
		{"deleted", Validation{Exists: false, Reason: ReasonDeleted, Error: "Task was deleted"}},
	}
	for _, tt := range tests {
		t.Run(tt.taskID, func(t *testing.T) {
			assert.Equal(t, tt.want, r.ValidateLink(context.Background(), tt.taskID))
		})
	}

	for _, id := range []string{"flaky", "offline"} {
		v := r.ValidateLink(context.Background(), id)
		assert.True(t, v.Exists, "%s must fail open", id)
		assert.NotEmpty(t, v.Error)
	}
}

func TestReconcileSweep_PaginatesAndIsIdempotent(t *testing.T) {
	full := make([]clickup.Task, clickup.PageSize)
	for i := range full {
		full[i] = clickup.Task{ID: fmt.Sprintf("p0-%d", i)}
	}
	full[7] = clickup.Task{ID: "t7", Name: "Seven", CustomFields: []clickup.CustomField{field("Gmail Thread ID", "thA, thB")}}
	src := &fakeTasks{pages: [][]clickup.Task{
		full,
		{{ID: "t9", Name: "Nine", CustomFields: []clickup.CustomField{field("GMAIL THREAD ID", "thA")}}},
	}}
	r, kv := newReconciler(t, src, nil)
	ctx := context.Background()
	since := time.Now().Add(-30 * 24 * time.Hour)

	found, err := r.ReconcileSweep(ctx, "team1", since)
	require.NoError(t, err)
	assert.Equal(t, 3, found)
	assert.Len(t, src.since, 2, "stops at the last page")

	all, _ := r.Index().All(ctx)
	assert.Len(t, all["thA"], 2)
	assert.Len(t, all["thB"], 1)

	found, err = r.ReconcileSweep(ctx, "team1", since)
	require.NoError(t, err)
	assert.Equal(t, 3, found)
	again, _ := r.Index().All(ctx)
	assert.Equal(t, all, again)

	var st SyncStatus
	ok, err := store.GetJSON(ctx, kv, store.KeyEmailTasksSync, &st)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, st.TasksFound)
	assert.Empty(t, st.Errors)
	assert.Equal(t, int64(1_700_000_000_000), st.LastSync)
}

func TestReconcileSweep_FollowsLastPageFlag(t *testing.T) {
	short := []clickup.Task{{ID: "s1"}}
	src := &fakeTasks{pages: [][]clickup.Task{short, short, {{ID: "t3", CustomFields: []clickup.CustomField{field(DefaultFieldName, "thC")}}}}}
	r, _ := newReconciler(t, src, nil)

	found, err := r.ReconcileSweep(context.Background(), "team1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, found)
	assert.Len(t, src.since, 3, "short pages before the last page are followed")
}

func TestReconcileSweep_PageLimitIsReported(t *testing.T) {
	src := &fakeTasks{endless: true}
	r, _ := newReconciler(t, src, nil)
	ctx := context.Background()

	_, err := r.ReconcileSweep(ctx, "team1", time.Now())
	require.NoError(t, err)
	assert.Len(t, src.since, maxSweepPages)

	st, ok, err := r.SyncStatus(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, st.Errors, 1)
	assert.Contains(t, st.Errors[0], "stopped after 100 pages")
}

func TestReconcileSweep_RequiresTeam(t *testing.T) {
	r, _ := newReconciler(t, &fakeTasks{}, nil)
	_, err := r.ReconcileSweep(context.Background(), "", time.Now())
	assert.ErrorIs(t, err, clickup.ErrNoTeam)
}

type failingPages struct{ fakeTasks }

func (f *failingPages) GetTasksUpdatedSince(context.Context, string, time.Time, int) (clickup.TaskPage, error) {
	return clickup.TaskPage{}, &clickup.APIError{Status: 401, Message: "Team not authorized"}
}

func TestReconcileSweep_UnresolvableTeamIsFatal(t *testing.T) {
	kv := store.NewMemory()
	r := NewReconciler(Options{Index: NewIndex(kv, nil), Tasks: &failingPages{}, KV: kv, Logger: logging.Discard()})

	_, err := r.ReconcileSweep(context.Background(), "bogus", time.Now())
	require.Error(t, err)

	st, ok, err := r.SyncStatus(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, st.Errors, 1)
}

func TestValidateLinkTarget(t *testing.T) {
	src := &fakeTasks{
		tasks: map[string]clickup.Task{
			"t1":  {ID: "t1", CustomFields: []clickup.CustomField{field(DefaultFieldName, "thA")}},
			"arc": {ID: "arc", Archived: true},
		},
		errs: map[string]error{"flaky": &clickup.APIError{Status: 500}},
	}
	r, _ := newReconciler(t, src, nil)
	ctx := context.Background()

	assert.Equal(t, TargetValidation{Valid: true, Linked: true, Reason: ReasonExists}, r.ValidateLinkTarget(ctx, "t1", "thA"))
	assert.Equal(t, TargetValidation{Valid: true, Linked: false, Reason: ReasonExists}, r.ValidateLinkTarget(ctx, "t1", "thZ"))
	assert.Equal(t, TargetValidation{Valid: false, Reason: ReasonArchived}, r.ValidateLinkTarget(ctx, "arc", "thA"))
	assert.Equal(t, TargetValidation{Valid: false, Reason: ReasonAPIError}, r.ValidateLinkTarget(ctx, "gone", "thA"))
	assert.Equal(t, TargetValidation{Valid: true, Linked: true}, r.ValidateLinkTarget(ctx, "flaky", "thA"))
}

func TestValidationSweep_RemovesOnlyDefinitelyGone(t *testing.T) {
	src := &fakeTasks{
		tasks: map[string]clickup.Task{
			"live": {ID: "live"},
			"arc":  {ID: "arc", Archived: true},
		},
		errs: map[string]error{"flaky": &clickup.APIError{Status: 502}},
	}
	r, _ := newReconciler(t, src, nil)
	ctx := context.Background()
	x := r.Index()
	_, _ = x.Record(ctx, "th1", Entry{TaskID: "live"})
	_, _ = x.Record(ctx, "th1", Entry{TaskID: "gone"})
	_, _ = x.Record(ctx, "th2", Entry{TaskID: "arc"})
	_, _ = x.Record(ctx, "th3", Entry{TaskID: "flaky"})
	_, _ = x.Record(ctx, "th4", Entry{TaskID: "live"})

	res, err := r.ValidationSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Checked: 4, Removed: 2, Failed: 1}, res)
	assert.Equal(t, 4, src.gets, "each distinct task is fetched once")

	all, _ := x.All(ctx)
	assert.Equal(t, Mappings{
		"th1": {{TaskID: "live"}},
		"th3": {{TaskID: "flaky"}},
		"th4": {{TaskID: "live"}},
	}, all)
}

func TestValidationSweep_AbortsOnAuthFailure(t *testing.T) {
	src := &fakeTasks{errs: map[string]error{"t1": &clickup.AuthenticationError{RequiresReauth: true}}}
	r, _ := newReconciler(t, src, nil)
	ctx := context.Background()
	_, _ = r.Index().Record(ctx, "th1", Entry{TaskID: "t1"})

	_, err := r.ValidationSweep(ctx)
	assert.True(t, clickup.IsAuthError(err))
	all, _ := r.Index().All(ctx)
	assert.Len(t, all, 1, "nothing is removed when the sweep aborts")
}

// A task linked through a custom field is discovered by a sweep, survives
// validation while it exists and is dropped once ClickUp reports it deleted.
func TestLinkLifecycle(t *testing.T) {
	task := clickup.Task{
		ID:           "t1",
		Name:         "Invoice",
		URL:          "https://app.clickup.com/t/t1",
		Status:       clickup.Status{Status: "open"},
		CustomFields: []clickup.CustomField{field(DefaultFieldName, "18c2f3a9b1")},
	}
	src := &fakeTasks{tasks: map[string]clickup.Task{"t1": task}, pages: [][]clickup.Task{{task}}}
	r, _ := newReconciler(t, src, nil)
	ctx := context.Background()

	found, err := r.ReconcileSweep(ctx, "team", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, found)

	entries, err := r.LookupLinks(ctx, "18c2f3a9b1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, Entry{TaskID: "t1", Name: "Invoice", URL: task.URL, Status: "open", CreatedAt: 1_700_000_000_000}, entries[0])

	res, err := r.ValidationSweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Removed)

	src.mu.Lock()
	delete(src.tasks, "t1")
	src.mu.Unlock()

	res, err = r.ValidationSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Removed)
	entries, _ = r.LookupLinks(ctx, "18c2f3a9b1")
	assert.Empty(t, entries)
}
