// Package timer wraps ClickUp time tracking and keeps the badge state the
// extension shows for a running timer.
package timer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/teemow/inboxlink/internal/clickup"
	"github.com/teemow/inboxlink/internal/logging"
	"github.com/teemow/inboxlink/internal/store"
)

// BadgeState is the timer indicator shown by the extension.
type BadgeState string

// Badge states.
const (
	BadgePlaying BadgeState = "playing"
	BadgeStopped BadgeState = "stopped"
	BadgePaused  BadgeState = "paused"
)

// Badge is how a state is rendered.
type Badge struct {
	State BadgeState `json:"state"`
	Text  string     `json:"text"`
	Color string     `json:"color"`
}

var badges = map[BadgeState]Badge{
	BadgePlaying: {State: BadgePlaying, Text: "▶", Color: "#22c55e"},
	BadgeStopped: {State: BadgeStopped, Text: "", Color: "#6b7280"},
	BadgePaused:  {State: BadgePaused, Text: "⏸", Color: "#6b7280"},
}

// ParseBadgeState validates a state name.
func ParseBadgeState(s string) (BadgeState, error) {
	if _, ok := badges[BadgeState(s)]; !ok {
		return "", fmt.Errorf("unknown badge state %q", s)
	}
	return BadgeState(s), nil
}

// API is the part of the ClickUp client used for time tracking.
type API interface {
	StartTimer(ctx context.Context, teamID, taskID string) (clickup.TimeEntry, error)
	StopTimer(ctx context.Context, teamID string) (clickup.TimeEntry, error)
	RunningTimer(ctx context.Context, teamID string) (*clickup.TimeEntry, error)
	CreateTimeEntry(ctx context.Context, teamID string, entry clickup.TimeEntryCreate) (clickup.TimeEntry, error)
	TimeEntries(ctx context.Context, teamID string, start, end time.Time) ([]clickup.TimeEntry, error)
}

// Service tracks time and mirrors the running state into the badge.
type Service struct {
	api    API
	kv     store.Store
	logger *slog.Logger
}

// NewService creates a Service.
func NewService(api API, kv store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{api: api, kv: kv, logger: logger.With("component", "timer")}
}

// Start starts the timer on a task.
func (s *Service) Start(ctx context.Context, teamID, taskID string) (clickup.TimeEntry, error) {
	if teamID == "" {
		return clickup.TimeEntry{}, clickup.ErrNoTeam
	}
	if taskID == "" {
		return clickup.TimeEntry{}, fmt.Errorf("task id is required")
	}
	entry, err := s.api.StartTimer(ctx, teamID, taskID)
	if err != nil {
		return clickup.TimeEntry{}, err
	}
	s.logger.Info("timer started", logging.TaskID(taskID))
	s.setBadgeQuiet(ctx, BadgePlaying)
	return entry, nil
}

// Stop stops the running timer.
func (s *Service) Stop(ctx context.Context, teamID string) (clickup.TimeEntry, error) {
	if teamID == "" {
		return clickup.TimeEntry{}, clickup.ErrNoTeam
	}
	entry, err := s.api.StopTimer(ctx, teamID)
	if err != nil {
		return clickup.TimeEntry{}, err
	}
	s.logger.Info("timer stopped")
	s.setBadgeQuiet(ctx, BadgeStopped)
	return entry, nil
}

// Running returns the running entry, or nil, and syncs the badge with it.
func (s *Service) Running(ctx context.Context, teamID string) (*clickup.TimeEntry, error) {
	if teamID == "" {
		return nil, clickup.ErrNoTeam
	}
	entry, err := s.api.RunningTimer(ctx, teamID)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		s.setBadgeQuiet(ctx, BadgePlaying)
	} else {
		s.setBadgeQuiet(ctx, BadgeStopped)
	}
	return entry, nil
}

// AddEntry records tracked time. A zero start means the entry ends now.
func (s *Service) AddEntry(ctx context.Context, teamID, taskID string, d time.Duration, start time.Time) (clickup.TimeEntry, error) {
	if teamID == "" {
		return clickup.TimeEntry{}, clickup.ErrNoTeam
	}
	if d <= 0 {
		return clickup.TimeEntry{}, fmt.Errorf("duration must be positive")
	}
	if start.IsZero() {
		start = time.Now().Add(-d)
	}
	return s.api.CreateTimeEntry(ctx, teamID, clickup.TimeEntryCreate{
		TaskID:   taskID,
		Start:    start.UnixMilli(),
		Duration: d.Milliseconds(),
	})
}

// Entries lists time entries in a range.
func (s *Service) Entries(ctx context.Context, teamID string, start, end time.Time) ([]clickup.TimeEntry, error) {
	if teamID == "" {
		return nil, clickup.ErrNoTeam
	}
	return s.api.TimeEntries(ctx, teamID, start, end)
}

// SetBadge persists the badge state.
func (s *Service) SetBadge(ctx context.Context, state BadgeState) (Badge, error) {
	b, ok := badges[state]
	if !ok {
		return Badge{}, fmt.Errorf("unknown badge state %q", state)
	}
	if err := store.SetJSON(ctx, s.kv, store.KeyBadgeState, state); err != nil {
		return Badge{}, err
	}
	return b, nil
}

func (s *Service) setBadgeQuiet(ctx context.Context, state BadgeState) {
	if _, err := s.SetBadge(ctx, state); err != nil {
		s.logger.Warn("failed to update badge", logging.Err(err))
	}
}

// Badge returns the persisted badge, stopped by default.
func (s *Service) Badge(ctx context.Context) (Badge, error) {
	var state BadgeState
	ok, err := store.GetJSON(ctx, s.kv, store.KeyBadgeState, &state)
	if err != nil {
		return Badge{}, err
	}
	b, known := badges[state]
	if !ok || !known {
		return badges[BadgeStopped], nil
	}
	return b, nil
}
