package links

import (
	"context"
	"errors"
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

// Validation reasons.
const (
	ReasonExists   = "exists"
	ReasonArchived = "archived"
	ReasonDeleted  = "deleted"
	ReasonAPIError = "api_error"
)

const (
	maxSweepPages       = 100
	defaultValidateJobs = 4
)

// TaskSource is the part of the ClickUp client the reconciler needs.
type TaskSource interface {
	GetTask(ctx context.Context, taskID string) (clickup.Task, error)
	GetTasksUpdatedSince(ctx context.Context, teamID string, since time.Time, page int) (clickup.TaskPage, error)
}

// Validation is the classified state of a linked task.
type Validation struct {
	Exists      bool   `json:"exists"`
	Reason      string `json:"reason,omitempty"`
	ErrorStatus int    `json:"errorStatus,omitempty"`
	Error       string `json:"error,omitempty"`
}

// TargetValidation says whether a task still refers to a thread.
type TargetValidation struct {
	Valid  bool   `json:"valid"`
	Linked bool   `json:"linked"`
	Reason string `json:"reason,omitempty"`
}

// SyncStatus is recorded after every reconcile sweep.
type SyncStatus struct {
	LastSync   int64    `json:"lastSync"`
	TasksFound int      `json:"tasksFound"`
	Errors     []string `json:"errors"`
}

// SweepResult summarizes a validation sweep.
type SweepResult struct {
	Checked int `json:"checked"`
	Removed int `json:"removed"`
	Failed  int `json:"failed"`
}

// Options configures a Reconciler.
type Options struct {
	Index     *Index
	Tasks     TaskSource
	KV        store.Store
	Extractor Extractor
	// ValidateJobs bounds concurrent task fetches in a validation sweep.
	ValidateJobs int
	Logger       *slog.Logger
	Metrics      *instrumentation.Metrics
	Now          func() time.Time
}

// Reconciler keeps the index consistent with ClickUp.
type Reconciler struct {
	index   *Index
	tasks   TaskSource
	kv      store.Store
	jobs    int
	logger  *slog.Logger
	metrics *instrumentation.Metrics
	now     func() time.Time

	mu        sync.RWMutex
	extractor Extractor
}

// NewReconciler creates a Reconciler.
func NewReconciler(opts Options) *Reconciler {
	r := &Reconciler{
		index:     opts.Index,
		tasks:     opts.Tasks,
		kv:        opts.KV,
		jobs:      opts.ValidateJobs,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		now:       opts.Now,
		extractor: opts.Extractor,
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "reconciler")
	if r.jobs <= 0 {
		r.jobs = defaultValidateJobs
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.extractor == nil {
		r.extractor = CustomFieldExtractor{FieldName: DefaultFieldName}
	}
	return r
}

// SetExtractor swaps the extractor used by later sweeps.
func (r *Reconciler) SetExtractor(e Extractor) {
	r.mu.Lock()
	r.extractor = e
	r.mu.Unlock()
}

func (r *Reconciler) currentExtractor() Extractor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.extractor
}

// Index returns the link index.
func (r *Reconciler) Index() *Index { return r.index }

// RecordLink links task to threadID.
func (r *Reconciler) RecordLink(ctx context.Context, threadID string, task clickup.Task) (bool, error) {
	return r.index.Record(ctx, threadID, EntryFromTask(task, r.now()))
}

// LookupLinks returns the tasks linked to threadID.
func (r *Reconciler) LookupLinks(ctx context.Context, threadID string) ([]Entry, error) {
	return r.index.Lookup(ctx, threadID)
}

// ValidateLink fetches a task and classifies it. Errors that do not prove
// the task is gone report it as existing.
func (r *Reconciler) ValidateLink(ctx context.Context, taskID string) Validation {
	task, err := r.tasks.GetTask(ctx, taskID)
	if err != nil {
		return Classify(err)
	}
	if task.Archived {
		return Validation{Exists: false, Reason: ReasonArchived}
	}
	return Validation{Exists: task.ID != "", Reason: ReasonExists}
}

// Classify maps a task fetch error to a Validation.
func Classify(err error) Validation {
	if status := clickup.StatusOf(err); status == 404 || status == 403 {
		return Validation{Exists: false, Reason: ReasonAPIError, ErrorStatus: status}
	}
	if clickup.LooksDeleted(err.Error()) {
		return Validation{Exists: false, Reason: ReasonDeleted, Error: err.Error()}
	}
	return Validation{Exists: true, Error: err.Error()}
}

// ReconcileSweep scans tasks updated after since and links every thread id
// the extractor finds. It returns the number of task links found; links
// already in the index are counted but not duplicated.
func (r *Reconciler) ReconcileSweep(ctx context.Context, teamID string, since time.Time) (int, error) {
	if teamID == "" {
		return 0, clickup.ErrNoTeam
	}
	ctx, span := instrumentation.StartSpan(ctx, "links.reconcile_sweep")
	defer span.End()

	logger := r.logger.With(logging.TeamID(teamID))
	extractor := r.currentExtractor()
	found := 0
	status := SyncStatus{Errors: []string{}}

	var sweepErr error
	done := false
	for page := 0; page < maxSweepPages && !done; page++ {
		resp, err := r.tasks.GetTasksUpdatedSince(ctx, teamID, since, page)
		if err != nil {
			sweepErr = fmt.Errorf("failed to fetch tasks page %d: %w", page, err)
			status.Errors = append(status.Errors, clickup.UserMessage(err))
			break
		}

		tasks := resp.Tasks
		done = resp.LastPage || len(tasks) == 0
		batch := map[string][]Entry{}
		for _, task := range tasks {
			for _, threadID := range extractor.Extract(task) {
				batch[threadID] = append(batch[threadID], EntryFromTask(task, r.now()))
				found++
			}
		}
		if len(batch) > 0 {
			added, err := r.index.RecordMany(ctx, batch)
			if err != nil {
				sweepErr = err
				status.Errors = append(status.Errors, err.Error())
				break
			}
			logger.Debug("reconciled page", slog.Int("page", page), slog.Int("tasks", len(tasks)), slog.Int("added", added))
		}
	}
	if sweepErr == nil && !done {
		logger.Warn("reconcile sweep stopped at page limit", slog.Int("pages", maxSweepPages))
		status.Errors = append(status.Errors, fmt.Sprintf("stopped after %d pages, older tasks were not scanned", maxSweepPages))
	}

	status.LastSync = r.now().UnixMilli()
	status.TasksFound = found
	if err := store.SetJSON(ctx, r.kv, store.KeyEmailTasksSync, status); err != nil {
		logger.Warn("failed to record sync status", logging.Err(err))
	}

	if sweepErr != nil {
		instrumentation.SetSpanError(span, sweepErr)
		r.metrics.RecordSweep(ctx, instrumentation.SweepReconcile, instrumentation.StatusError, found)
		return found, sweepErr
	}
	instrumentation.SetSpanSuccess(span)
	r.metrics.RecordSweep(ctx, instrumentation.SweepReconcile, instrumentation.StatusSuccess, found)
	logger.Info("reconcile sweep finished", slog.Int("links_found", found))
	return found, nil
}

// ValidateLinkTarget re-fetches a task and reports whether it still refers
// to threadID.
func (r *Reconciler) ValidateLinkTarget(ctx context.Context, taskID, threadID string) TargetValidation {
	task, err := r.tasks.GetTask(ctx, taskID)
	if err != nil {
		if v := Classify(err); !v.Exists {
			return TargetValidation{Valid: false, Linked: false, Reason: v.Reason}
		}
		return TargetValidation{Valid: true, Linked: true}
	}
	if task.Archived {
		return TargetValidation{Valid: false, Linked: false, Reason: ReasonArchived}
	}
	for _, id := range r.currentExtractor().Extract(task) {
		if id == threadID {
			return TargetValidation{Valid: true, Linked: true, Reason: ReasonExists}
		}
	}
	return TargetValidation{Valid: true, Linked: false, Reason: ReasonExists}
}

// ValidationSweep checks every linked task and unlinks those that are
// definitively gone. Per-task failures are logged and skipped. An
// authentication failure aborts the sweep.
func (r *Reconciler) ValidationSweep(ctx context.Context) (SweepResult, error) {
	ctx, span := instrumentation.StartSpan(ctx, "links.validation_sweep")
	defer span.End()

	ids, err := r.index.TaskIDs(ctx)
	if err != nil {
		return SweepResult{}, err
	}

	var (
		mu     sync.Mutex
		gone   []string
		result = SweepResult{Checked: len(ids)}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.jobs)
	for _, id := range ids {
		g.Go(func() error {
			task, err := r.tasks.GetTask(gctx, id)
			var v Validation
			switch {
			case err != nil && clickup.IsAuthError(err):
				return err
			case err != nil:
				v = Classify(err)
			case task.Archived:
				v = Validation{Reason: ReasonArchived}
			default:
				v = Validation{Exists: true}
			}

			mu.Lock()
			defer mu.Unlock()
			if !v.Exists {
				gone = append(gone, id)
				r.logger.Info("linked task is gone", logging.TaskID(id), slog.String("reason", v.Reason))
			} else if v.Error != "" {
				result.Failed++
				r.logger.Warn("could not validate linked task", logging.TaskID(id), slog.String("error", v.Error))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		instrumentation.SetSpanError(span, err)
		r.metrics.RecordSweep(ctx, instrumentation.SweepValidation, instrumentation.StatusError, 0)
		return result, err
	}

	removed, err := r.index.RemoveTasks(ctx, gone...)
	if err != nil {
		instrumentation.SetSpanError(span, err)
		return result, err
	}
	result.Removed = removed

	instrumentation.SetSpanSuccess(span)
	r.metrics.RecordSweep(ctx, instrumentation.SweepValidation, instrumentation.StatusSuccess, removed)
	r.logger.Info("validation sweep finished",
		slog.Int("checked", result.Checked),
		slog.Int("removed", result.Removed),
		slog.Int("failed", result.Failed),
	)
	return result, nil
}

// SyncStatus returns the result of the last reconcile sweep.
func (r *Reconciler) SyncStatus(ctx context.Context) (SyncStatus, bool, error) {
	var st SyncStatus
	ok, err := store.GetJSON(ctx, r.kv, store.KeyEmailTasksSync, &st)
	return st, ok, err
}

// RunValidation runs a validation sweep every interval until ctx ends.
func (r *Reconciler) RunValidation(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := r.ValidationSweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Warn("validation sweep failed", logging.Err(err))
			}
		}
	}
}
