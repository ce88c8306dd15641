// Package hierarchy caches the ClickUp team, space, folder and list tree.
//
// Entries are fresh for 24 hours. A stale entry is still served while a
// background refresh replaces it; refreshes for one team are coalesced.
package hierarchy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/teemow/inboxlink/internal/clickup"
	"github.com/teemow/inboxlink/internal/instrumentation"
	"github.com/teemow/inboxlink/internal/logging"
	"github.com/teemow/inboxlink/internal/store"
)

const (
	// DefaultTTL is how long a hierarchy snapshot stays fresh.
	DefaultTTL = 24 * time.Hour
	// DefaultTeamsTTL is how long the teams list stays cached.
	DefaultTeamsTTL = 7 * 24 * time.Hour
	// DefaultConcurrency bounds in-flight requests during a refresh.
	DefaultConcurrency = 4

	backgroundTimeout = 2 * time.Minute
)

// Source is the part of the ClickUp client the cache reads from.
type Source interface {
	GetTeams(ctx context.Context) ([]clickup.Team, error)
	GetSpaces(ctx context.Context, teamID string) ([]clickup.Space, error)
	GetFolders(ctx context.Context, spaceID string) ([]clickup.Folder, error)
	GetFolderlessLists(ctx context.Context, spaceID string) ([]clickup.List, error)
	GetFolderLists(ctx context.Context, folderID string) ([]clickup.List, error)
}

// Folder is a folder with its lists.
type Folder struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Lists []clickup.List `json:"lists"`
}

// Space is a space with its folders and folderless lists.
type Space struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Folders []Folder       `json:"folders"`
	Lists   []clickup.List `json:"lists"`
}

// Snapshot is the tree of one team.
type Snapshot struct {
	TeamID string  `json:"teamId"`
	Spaces []Space `json:"spaces"`
}

// entry is the persisted form of a snapshot.
type entry struct {
	Data      Snapshot `json:"data"`
	Timestamp int64    `json:"timestamp"`
}

type teamsEntry struct {
	Teams     []clickup.Team `json:"teams"`
	Timestamp int64          `json:"timestamp"`
}

// State tells how a Get was served.
type State string

// Lookup states.
const (
	Fresh State = instrumentation.CacheHit
	Stale State = instrumentation.CacheStale
	Miss  State = instrumentation.CacheMiss
)

// Options configures a Cache.
type Options struct {
	KV          store.Store
	Source      Source
	TTL         time.Duration
	TeamsTTL    time.Duration
	Concurrency int
	Logger      *slog.Logger
	Metrics     *instrumentation.Metrics
	Now         func() time.Time
}

// Cache is the hierarchy cache. It is safe for concurrent use.
type Cache struct {
	kv          store.Store
	src         Source
	ttl         time.Duration
	teamsTTL    time.Duration
	concurrency int
	logger      *slog.Logger
	metrics     *instrumentation.Metrics
	now         func() time.Time

	// mu guards read-modify-write of the persisted map and inflight.
	mu       sync.Mutex
	inflight map[string]bool
	wg       sync.WaitGroup

	// life bounds background refreshes; Close cancels it.
	life   context.Context
	cancel context.CancelFunc
}

// New creates a Cache.
func New(opts Options) *Cache {
	c := &Cache{
		kv:          opts.KV,
		src:         opts.Source,
		ttl:         opts.TTL,
		teamsTTL:    opts.TeamsTTL,
		concurrency: opts.Concurrency,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		now:         opts.Now,
		inflight:    map[string]bool{},
	}
	c.life, c.cancel = context.WithCancel(context.Background())
	if c.ttl <= 0 {
		c.ttl = DefaultTTL
	}
	if c.teamsTTL <= 0 {
		c.teamsTTL = DefaultTeamsTTL
	}
	if c.concurrency <= 0 {
		c.concurrency = DefaultConcurrency
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "hierarchy")
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

func (c *Cache) loadAll(ctx context.Context) (map[string]entry, error) {
	all := map[string]entry{}
	if _, err := store.GetJSON(ctx, c.kv, store.KeyHierarchyCache, &all); err != nil {
		return nil, fmt.Errorf("failed to load hierarchy cache: %w", err)
	}
	if all == nil {
		all = map[string]entry{}
	}
	return all, nil
}

// Get returns the cached snapshot for teamID. A stale snapshot is returned
// together with a scheduled background refresh. A miss returns nil.
func (c *Cache) Get(ctx context.Context, teamID string) (*Snapshot, State, error) {
	all, err := c.loadAll(ctx)
	if err != nil {
		return nil, Miss, err
	}
	e, ok := all[teamID]
	if !ok {
		c.metrics.RecordCacheLookup(ctx, string(Miss))
		return nil, Miss, nil
	}
	snap := e.Data
	if c.now().Sub(time.UnixMilli(e.Timestamp)) <= c.ttl {
		c.metrics.RecordCacheLookup(ctx, string(Fresh))
		return &snap, Fresh, nil
	}
	c.metrics.RecordCacheLookup(ctx, string(Stale))
	c.scheduleRefresh(ctx, teamID)
	return &snap, Stale, nil
}

// Load returns the snapshot for teamID, refreshing synchronously on a miss.
func (c *Cache) Load(ctx context.Context, teamID string) (*Snapshot, error) {
	snap, state, err := c.Get(ctx, teamID)
	if err != nil {
		return nil, err
	}
	if state != Miss {
		return snap, nil
	}
	return c.Refresh(ctx, teamID)
}

func (c *Cache) scheduleRefresh(ctx context.Context, teamID string) {
	c.mu.Lock()
	if c.inflight[teamID] || c.life.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.inflight[teamID] = true
	c.mu.Unlock()

	bg, cancel := context.WithTimeout(c.life, backgroundTimeout)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		defer func() {
			c.mu.Lock()
			delete(c.inflight, teamID)
			c.mu.Unlock()
		}()
		if _, err := c.Refresh(bg, teamID); err != nil {
			c.logger.Warn("background hierarchy refresh failed", logging.TeamID(teamID), logging.Err(err))
		}
	}()
}

// Wait blocks until background refreshes have finished.
func (c *Cache) Wait() { c.wg.Wait() }

// Close cancels background refreshes and waits for them to return.
func (c *Cache) Close() {
	c.cancel()
	c.wg.Wait()
}

// Refresh fetches the whole tree of teamID and replaces the cached snapshot.
// On any failure the previous snapshot is left in place.
func (c *Cache) Refresh(ctx context.Context, teamID string) (*Snapshot, error) {
	if teamID == "" {
		return nil, clickup.ErrNoTeam
	}
	ctx, span := instrumentation.StartSpan(ctx, "hierarchy.refresh")
	defer span.End()

	snap, err := c.fetch(ctx, teamID)
	if err != nil {
		instrumentation.SetSpanError(span, err)
		c.metrics.RecordCacheRefresh(ctx, instrumentation.StatusError)
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	all, err := c.loadAll(ctx)
	if err != nil {
		return nil, err
	}
	all[teamID] = entry{Data: *snap, Timestamp: c.now().UnixMilli()}
	if err := store.SetJSON(ctx, c.kv, store.KeyHierarchyCache, all); err != nil {
		return nil, fmt.Errorf("failed to save hierarchy cache: %w", err)
	}
	instrumentation.SetSpanSuccess(span)
	c.metrics.RecordCacheRefresh(ctx, instrumentation.StatusSuccess)
	c.logger.Debug("hierarchy refreshed", logging.TeamID(teamID), slog.Int("spaces", len(snap.Spaces)))
	return snap, nil
}

func (c *Cache) fetch(ctx context.Context, teamID string) (*Snapshot, error) {
	spaces, err := c.src.GetSpaces(ctx, teamID)
	if err != nil {
		return nil, fmt.Errorf("failed to get spaces: %w", err)
	}

	snap := &Snapshot{TeamID: teamID, Spaces: make([]Space, len(spaces))}
	folders := make([][]clickup.Folder, len(spaces))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, sp := range spaces {
		snap.Spaces[i] = Space{ID: sp.ID, Name: sp.Name, Folders: []Folder{}, Lists: []clickup.List{}}
		g.Go(func() error {
			f, err := c.src.GetFolders(gctx, sp.ID)
			if err != nil {
				return fmt.Errorf("failed to get folders of space %s: %w", sp.ID, err)
			}
			folders[i] = f
			return nil
		})
		g.Go(func() error {
			lists, err := c.src.GetFolderlessLists(gctx, sp.ID)
			if err != nil {
				return fmt.Errorf("failed to get lists of space %s: %w", sp.ID, err)
			}
			if lists != nil {
				snap.Spaces[i].Lists = lists
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i := range spaces {
		snap.Spaces[i].Folders = make([]Folder, len(folders[i]))
		for j, f := range folders[i] {
			snap.Spaces[i].Folders[j] = Folder{ID: f.ID, Name: f.Name, Lists: []clickup.List{}}
			g.Go(func() error {
				lists, err := c.src.GetFolderLists(gctx, f.ID)
				if err != nil {
					return fmt.Errorf("failed to get lists of folder %s: %w", f.ID, err)
				}
				if lists != nil {
					snap.Spaces[i].Folders[j].Lists = lists
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return snap, nil
}

// Teams returns the user's teams, cached for the teams TTL. force skips the
// cache.
func (c *Cache) Teams(ctx context.Context, force bool) ([]clickup.Team, error) {
	if !force {
		var cached teamsEntry
		ok, err := store.GetJSON(ctx, c.kv, store.KeyCachedTeams, &cached)
		if err == nil && ok && c.now().Sub(time.UnixMilli(cached.Timestamp)) <= c.teamsTTL {
			return cached.Teams, nil
		}
	}
	teams, err := c.src.GetTeams(ctx)
	if err != nil {
		return nil, err
	}
	if err := store.SetJSON(ctx, c.kv, store.KeyCachedTeams, teamsEntry{Teams: teams, Timestamp: c.now().UnixMilli()}); err != nil {
		c.logger.Warn("failed to cache teams", logging.Err(err))
	}
	return teams, nil
}

// Clear removes the hierarchy, teams and user caches.
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kv.Remove(ctx, store.CacheKeys...)
}

// FindList returns the list with id and a "Space / Folder / List" path.
func (s *Snapshot) FindList(id string) (clickup.List, string, bool) {
	for _, sp := range s.Spaces {
		for _, l := range sp.Lists {
			if l.ID == id {
				return l, sp.Name + " / " + l.Name, true
			}
		}
		for _, f := range sp.Folders {
			for _, l := range f.Lists {
				if l.ID == id {
					return l, sp.Name + " / " + f.Name + " / " + l.Name, true
				}
			}
		}
	}
	return clickup.List{}, "", false
}

// ListRef is a list with its location in the tree.
type ListRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Path string `json:"path"`
}

// Lists flattens the snapshot into every list with its path.
func (s *Snapshot) Lists() []ListRef {
	var out []ListRef
	for _, sp := range s.Spaces {
		for _, l := range sp.Lists {
			out = append(out, ListRef{ID: l.ID, Name: l.Name, Path: sp.Name + " / " + l.Name})
		}
		for _, f := range sp.Folders {
			for _, l := range f.Lists {
				out = append(out, ListRef{ID: l.ID, Name: l.Name, Path: sp.Name + " / " + f.Name + " / " + l.Name})
			}
		}
	}
	return out
}
