// Package links keeps the Gmail thread to ClickUp task index and reconciles
// it against ClickUp: bulk discovery of links from recently updated tasks and
// periodic removal of links whose task is gone.
package links

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/teemow/inboxlink/internal/clickup"
	"github.com/teemow/inboxlink/internal/store"
)

// MaxThreads bounds the number of threads kept in the index.
const MaxThreads = 1000

// Entry is one task linked to a thread.
type Entry struct {
	TaskID    string `json:"id"`
	Name      string `json:"name"`
	URL       string `json:"url"`
	Status    string `json:"status,omitempty"`
	CreatedAt int64  `json:"createdAt,omitempty"`
}

// EntryFromTask builds an entry for task, stamped with now.
func EntryFromTask(task clickup.Task, now time.Time) Entry {
	return Entry{
		TaskID:    task.ID,
		Name:      task.Name,
		URL:       task.URL,
		Status:    task.Status.Status,
		CreatedAt: now.UnixMilli(),
	}
}

// Mappings is the persisted index: thread id to linked tasks.
type Mappings map[string][]Entry

// Index is the persisted thread to task index. Writes are serialized.
type Index struct {
	kv        store.Store
	logger    *slog.Logger
	maxThread int

	mu sync.Mutex
}

// NewIndex creates an index over kv.
func NewIndex(kv store.Store, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{kv: kv, logger: logger.With("component", "links"), maxThread: MaxThreads}
}

func (x *Index) load(ctx context.Context) (Mappings, error) {
	m := Mappings{}
	if _, err := store.GetJSON(ctx, x.kv, store.KeyEmailTaskMappings, &m); err != nil {
		return nil, fmt.Errorf("failed to load link index: %w", err)
	}
	if m == nil {
		m = Mappings{}
	}
	return m, nil
}

func (x *Index) save(ctx context.Context, m Mappings) error {
	if evicted := evictOldest(m, x.maxThread); evicted > 0 {
		x.logger.Info("evicted oldest threads from link index", slog.Int("evicted", evicted))
	}
	if err := store.SetJSON(ctx, x.kv, store.KeyEmailTaskMappings, m); err != nil {
		return fmt.Errorf("failed to save link index: %w", err)
	}
	return nil
}

// Record links entry to threadID unless the task is already linked there.
// It reports whether the entry was added.
func (x *Index) Record(ctx context.Context, threadID string, entry Entry) (bool, error) {
	if threadID == "" || entry.TaskID == "" {
		return false, fmt.Errorf("thread id and task id are required")
	}
	x.mu.Lock()
	defer x.mu.Unlock()

	m, err := x.load(ctx)
	if err != nil {
		return false, err
	}
	if !appendUnique(m, threadID, entry) {
		return false, nil
	}
	return true, x.save(ctx, m)
}

// RecordMany links several entries in one write and returns how many were new.
func (x *Index) RecordMany(ctx context.Context, links map[string][]Entry) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	m, err := x.load(ctx)
	if err != nil {
		return 0, err
	}
	added := 0
	for threadID, entries := range links {
		for _, e := range entries {
			if appendUnique(m, threadID, e) {
				added++
			}
		}
	}
	if added == 0 {
		return 0, nil
	}
	return added, x.save(ctx, m)
}

func appendUnique(m Mappings, threadID string, entry Entry) bool {
	for _, e := range m[threadID] {
		if e.TaskID == entry.TaskID {
			return false
		}
	}
	m[threadID] = append(m[threadID], entry)
	return true
}

// Lookup returns the tasks linked to threadID. Unknown threads yield an
// empty slice.
func (x *Index) Lookup(ctx context.Context, threadID string) ([]Entry, error) {
	m, err := x.load(ctx)
	if err != nil {
		return nil, err
	}
	entries := m[threadID]
	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}

// LookupMany returns the subset of the index for threadIDs.
func (x *Index) LookupMany(ctx context.Context, threadIDs []string) (Mappings, error) {
	m, err := x.load(ctx)
	if err != nil {
		return nil, err
	}
	out := Mappings{}
	for _, id := range threadIDs {
		if entries, ok := m[id]; ok {
			out[id] = entries
		}
	}
	return out, nil
}

// All returns the whole index.
func (x *Index) All(ctx context.Context) (Mappings, error) {
	return x.load(ctx)
}

// TaskIDs returns the distinct linked task ids in a stable order.
func (x *Index) TaskIDs(ctx context.Context) ([]string, error) {
	m, err := x.load(ctx)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var ids []string
	for _, entries := range m {
		for _, e := range entries {
			if !seen[e.TaskID] {
				seen[e.TaskID] = true
				ids = append(ids, e.TaskID)
			}
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// RemoveTasks unlinks every entry for the given tasks. Threads left without
// entries are dropped. It returns the number of entries removed.
func (x *Index) RemoveTasks(ctx context.Context, taskIDs ...string) (int, error) {
	if len(taskIDs) == 0 {
		return 0, nil
	}
	gone := make(map[string]bool, len(taskIDs))
	for _, id := range taskIDs {
		gone[id] = true
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	m, err := x.load(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for threadID, entries := range m {
		kept := entries[:0]
		for _, e := range entries {
			if gone[e.TaskID] {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(m, threadID)
		} else {
			m[threadID] = kept
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, x.save(ctx, m)
}

// Unlink removes one task from one thread.
func (x *Index) Unlink(ctx context.Context, threadID, taskID string) (bool, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	m, err := x.load(ctx)
	if err != nil {
		return false, err
	}
	entries, ok := m[threadID]
	if !ok {
		return false, nil
	}
	for i, e := range entries {
		if e.TaskID != taskID {
			continue
		}
		entries = append(entries[:i], entries[i+1:]...)
		if len(entries) == 0 {
			delete(m, threadID)
		} else {
			m[threadID] = entries
		}
		return true, x.save(ctx, m)
	}
	return false, nil
}

// evictOldest drops threads whose newest entry is oldest until at most limit
// remain. Entries without a timestamp count as oldest.
func evictOldest(m Mappings, limit int) int {
	if limit <= 0 || len(m) <= limit {
		return 0
	}
	type aged struct {
		threadID string
		newest   int64
	}
	threads := make([]aged, 0, len(m))
	for id, entries := range m {
		var newest int64
		for _, e := range entries {
			if e.CreatedAt > newest {
				newest = e.CreatedAt
			}
		}
		threads = append(threads, aged{id, newest})
	}
	sort.Slice(threads, func(i, j int) bool {
		if threads[i].newest != threads[j].newest {
			return threads[i].newest < threads[j].newest
		}
		return threads[i].threadID < threads[j].threadID
	})
	n := len(m) - limit
	for _, t := range threads[:n] {
		delete(m, t.threadID)
	}
	return n
}
