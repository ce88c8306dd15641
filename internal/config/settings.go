package config

import (
	"context"
	"fmt"

	"github.com/teemow/inboxlink/internal/store"
)

// Settings are the user preferences the extension edits. They live in the
// key-value store; unset keys fall back to the [links] defaults.
type Settings struct {
	PreferredTeamID   string `json:"preferredTeamId"`
	ThreadIDFieldName string `json:"threadIdFieldName"`
	LinkStrategy      string `json:"linkStrategy"`
	AutoStartTimer    bool   `json:"autoStartTimer"`
	AutoStopTimer     bool   `json:"autoStopTimer"`
}

// SettingsPatch updates the fields that are non-nil.
type SettingsPatch struct {
	PreferredTeamID   *string `json:"preferredTeamId,omitempty"`
	ThreadIDFieldName *string `json:"threadIdFieldName,omitempty"`
	LinkStrategy      *string `json:"linkStrategy,omitempty"`
	AutoStartTimer    *bool   `json:"autoStartTimer,omitempty"`
	AutoStopTimer     *bool   `json:"autoStopTimer,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p SettingsPatch) Empty() bool {
	return p.PreferredTeamID == nil && p.ThreadIDFieldName == nil && p.LinkStrategy == nil &&
		p.AutoStartTimer == nil && p.AutoStopTimer == nil
}

// LoadSettings reads the settings keys.
func LoadSettings(ctx context.Context, kv store.Store, defaults Links) (Settings, error) {
	s := Settings{ThreadIDFieldName: defaults.FieldName, LinkStrategy: defaults.Strategy}
	reads := []struct {
		key string
		dst any
	}{
		{store.KeyPreferredTeamID, &s.PreferredTeamID},
		{store.KeyThreadIDFieldName, &s.ThreadIDFieldName},
		{store.KeyLinkStrategy, &s.LinkStrategy},
		{store.KeyAutoStartTimer, &s.AutoStartTimer},
		{store.KeyAutoStopTimer, &s.AutoStopTimer},
	}
	for _, r := range reads {
		if _, err := store.GetJSON(ctx, kv, r.key, r.dst); err != nil {
			return Settings{}, fmt.Errorf("failed to read setting %s: %w", r.key, err)
		}
	}
	if s.ThreadIDFieldName == "" {
		s.ThreadIDFieldName = defaults.FieldName
	}
	if s.LinkStrategy == "" {
		s.LinkStrategy = defaults.Strategy
	}
	return s, nil
}

// SaveSettings writes the fields set in p.
func SaveSettings(ctx context.Context, kv store.Store, p SettingsPatch) error {
	if p.LinkStrategy != nil {
		switch *p.LinkStrategy {
		case "custom_field", "pattern":
		default:
			return fmt.Errorf("unknown link strategy %q", *p.LinkStrategy)
		}
	}
	writes := []struct {
		key string
		set bool
		val any
	}{
		{store.KeyPreferredTeamID, p.PreferredTeamID != nil, p.PreferredTeamID},
		{store.KeyThreadIDFieldName, p.ThreadIDFieldName != nil, p.ThreadIDFieldName},
		{store.KeyLinkStrategy, p.LinkStrategy != nil, p.LinkStrategy},
		{store.KeyAutoStartTimer, p.AutoStartTimer != nil, p.AutoStartTimer},
		{store.KeyAutoStopTimer, p.AutoStopTimer != nil, p.AutoStopTimer},
	}
	for _, w := range writes {
		if !w.set {
			continue
		}
		if err := store.SetJSON(ctx, kv, w.key, w.val); err != nil {
			return fmt.Errorf("failed to save setting %s: %w", w.key, err)
		}
	}
	return nil
}
