package hierarchy

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teemow/inboxlink/internal/clickup"
	"github.com/teemow/inboxlink/internal/logging"
	"github.com/teemow/inboxlink/internal/store"
)

type fakeSource struct {
	mu        sync.Mutex
	calls     atomic.Int32
	inFlight  atomic.Int32
	maxFlight atomic.Int32
	failList  string
	listName  string
	teams     []clickup.Team
	block     chan struct{}
}

func (f *fakeSource) enter() func() {
	f.calls.Add(1)
	n := f.inFlight.Add(1)
	for {
		m := f.maxFlight.Load()
		if n <= m || f.maxFlight.CompareAndSwap(m, n) {
			break
		}
	}
	if f.block != nil {
		<-f.block
	}
	time.Sleep(time.Millisecond)
	return func() { f.inFlight.Add(-1) }
}

func (f *fakeSource) GetTeams(context.Context) ([]clickup.Team, error) {
	defer f.enter()()
	return f.teams, nil
}

func (f *fakeSource) GetSpaces(context.Context, string) ([]clickup.Space, error) {
	defer f.enter()()
	return []clickup.Space{{ID: "s1", Name: "Eng"}, {ID: "s2", Name: "Ops"}}, nil
}

func (f *fakeSource) GetFolders(_ context.Context, spaceID string) ([]clickup.Folder, error) {
	defer f.enter()()
	if spaceID == "s2" {
		return nil, nil
	}
	return []clickup.Folder{{ID: "f1", Name: "Backend"}, {ID: "f2", Name: "Frontend"}}, nil
}

func (f *fakeSource) GetFolderlessLists(_ context.Context, spaceID string) ([]clickup.List, error) {
	defer f.enter()()
	return []clickup.List{{ID: "l-" + spaceID, Name: "Inbox"}}, nil
}

func (f *fakeSource) GetFolderLists(_ context.Context, folderID string) ([]clickup.List, error) {
	defer f.enter()()
	f.mu.Lock()
	fail, name := f.failList, f.listName
	f.mu.Unlock()
	if folderID == fail {
		return nil, &clickup.APIError{Status: 500}
	}
	if name == "" {
		name = "Sprint"
	}
	return []clickup.List{{ID: "l-" + folderID, Name: name}}, nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newCache(t *testing.T, src *fakeSource, concurrency int) (*Cache, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(Options{
		KV:          store.NewMemory(),
		Source:      src,
		Concurrency: concurrency,
		Logger:      logging.Discard(),
		Now:         clk.Now,
	}), clk
}

func TestRefresh_BuildsTree(t *testing.T) {
	c, _ := newCache(t, &fakeSource{}, 0)
	snap, err := c.Refresh(context.Background(), "team")
	require.NoError(t, err)

	require.Len(t, snap.Spaces, 2)
	eng := snap.Spaces[0]
	assert.Equal(t, "Eng", eng.Name)
	assert.Equal(t, []clickup.List{{ID: "l-s1", Name: "Inbox"}}, eng.Lists)
	require.Len(t, eng.Folders, 2)
	assert.Equal(t, "l-f2", eng.Folders[1].Lists[0].ID)
	assert.Empty(t, snap.Spaces[1].Folders)

	_, path, ok := snap.FindList("l-f1")
	assert.True(t, ok)
	assert.Equal(t, "Eng / Backend / Sprint", path)
	assert.Len(t, snap.Lists(), 4)
}

func TestRefresh_BoundedConcurrency(t *testing.T) {
	src := &fakeSource{}
	c, _ := newCache(t, src, 1)
	_, err := c.Refresh(context.Background(), "team")
	require.NoError(t, err)
	assert.Equal(t, int32(1), src.maxFlight.Load())
}

func TestGet_FreshStaleMiss(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{}
	c, clk := newCache(t, src, 2)

	snap, state, err := c.Get(ctx, "team")
	require.NoError(t, err)
	assert.Nil(t, snap)
	assert.Equal(t, Miss, state)

	_, err = c.Refresh(ctx, "team")
	require.NoError(t, err)

	clk.Advance(23 * time.Hour)
	snap, state, err = c.Get(ctx, "team")
	require.NoError(t, err)
	assert.Equal(t, Fresh, state)
	require.NotNil(t, snap)

	src.mu.Lock()
	src.listName = "Renamed"
	src.mu.Unlock()
	clk.Advance(2 * time.Hour)
	before := src.calls.Load()

	snap, state, err = c.Get(ctx, "team")
	require.NoError(t, err)
	assert.Equal(t, Stale, state)
	assert.Equal(t, "Sprint", snap.Spaces[0].Folders[0].Lists[0].Name, "stale data is served immediately")

	c.Wait()
	assert.Greater(t, src.calls.Load(), before, "a refresh was scheduled")
	snap, state, err = c.Get(ctx, "team")
	require.NoError(t, err)
	assert.Equal(t, Fresh, state)
	assert.Equal(t, "Renamed", snap.Spaces[0].Folders[0].Lists[0].Name)
}

func TestGet_CoalescesBackgroundRefresh(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{}
	c, clk := newCache(t, src, 4)
	_, err := c.Refresh(ctx, "team")
	require.NoError(t, err)
	clk.Advance(25 * time.Hour)

	src.block = make(chan struct{})
	before := src.calls.Load()
	for i := 0; i < 5; i++ {
		_, state, err := c.Get(ctx, "team")
		require.NoError(t, err)
		assert.Equal(t, Stale, state)
	}
	close(src.block)
	c.Wait()

	// One refresh: spaces, 2x folders, 2x folderless, 2x folder lists.
	assert.Equal(t, before+7, src.calls.Load())
}

func TestRefresh_FailureKeepsPreviousSnapshot(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{}
	c, clk := newCache(t, src, 2)
	_, err := c.Refresh(ctx, "team")
	require.NoError(t, err)

	src.mu.Lock()
	src.failList = "f2"
	src.listName = "Changed"
	src.mu.Unlock()
	clk.Advance(time.Hour)

	_, err = c.Refresh(ctx, "team")
	var apiErr *clickup.APIError
	require.True(t, errors.As(err, &apiErr))

	snap, state, err := c.Get(ctx, "team")
	require.NoError(t, err)
	assert.Equal(t, Fresh, state, "timestamp is unchanged")
	assert.Equal(t, "Sprint", snap.Spaces[0].Folders[0].Lists[0].Name, "no partial update")
}

func TestLoad_RefreshesOnMiss(t *testing.T) {
	c, _ := newCache(t, &fakeSource{}, 2)
	snap, err := c.Load(context.Background(), "team")
	require.NoError(t, err)
	assert.Len(t, snap.Spaces, 2)

	_, err = c.Refresh(context.Background(), "")
	assert.ErrorIs(t, err, clickup.ErrNoTeam)
}

func TestTeams_CachedForTTL(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{teams: []clickup.Team{{ID: "1", Name: "Acme"}}}
	c, clk := newCache(t, src, 2)

	teams, err := c.Teams(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "Acme", teams[0].Name)
	calls := src.calls.Load()

	clk.Advance(6 * 24 * time.Hour)
	_, err = c.Teams(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, calls, src.calls.Load())

	clk.Advance(2 * 24 * time.Hour)
	_, err = c.Teams(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, calls+1, src.calls.Load())

	_, err = c.Teams(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, calls+2, src.calls.Load())

	require.NoError(t, c.Clear(ctx))
	_, state, _ := c.Get(ctx, "team")
	assert.Equal(t, Miss, state)
}

// hangingSource blocks GetSpaces until its context ends once hang is set.
type hangingSource struct {
	*fakeSource
	hang    atomic.Bool
	started chan struct{}
}

func (h *hangingSource) GetSpaces(ctx context.Context, teamID string) ([]clickup.Space, error) {
	if h.hang.Load() {
		close(h.started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return h.fakeSource.GetSpaces(ctx, teamID)
}

func TestClose_CancelsBackgroundRefresh(t *testing.T) {
	ctx := context.Background()
	src := &hangingSource{fakeSource: &fakeSource{}, started: make(chan struct{})}
	clk := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New(Options{KV: store.NewMemory(), Source: src, Logger: logging.Discard(), Now: clk.Now})

	_, err := c.Refresh(ctx, "team")
	require.NoError(t, err)
	clk.Advance(25 * time.Hour)

	src.hang.Store(true)
	_, state, err := c.Get(ctx, "team")
	require.NoError(t, err)
	require.Equal(t, Stale, state)
	<-src.started

	closed := make(chan struct{})
	go func() {
		c.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not cancel the background refresh")
	}

	before := src.calls.Load()
	snap, state, err := c.Get(ctx, "team")
	require.NoError(t, err)
	assert.Equal(t, Stale, state)
	assert.NotNil(t, snap, "the stale snapshot survives a cancelled refresh")
	c.Wait()
	assert.Equal(t, before, src.calls.Load(), "no refresh starts after Close")
}
