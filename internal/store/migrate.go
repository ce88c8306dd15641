package store

import (
	"context"
	"fmt"
)

// CurrentSchemaVersion is the layout version written by this build.
const CurrentSchemaVersion = 2

// migrations[i] upgrades a store from version i to i+1.
var migrations = []func(ctx context.Context, s Store) error{
	// 0 -> 1: unversioned stores only need the marker.
	func(context.Context, Store) error { return nil },
	// 1 -> 2: the global default list was replaced by per-task list choice.
	func(ctx context.Context, s Store) error { return s.Remove(ctx, keyDefaultList) },
}

// Migrate brings s to CurrentSchemaVersion and returns the version it found.
func Migrate(ctx context.Context, s Store) (int, error) {
	var version int
	if _, err := GetJSON(ctx, s, KeySchemaVersion, &version); err != nil {
		return 0, err
	}
	from := version
	if version > CurrentSchemaVersion {
		return from, fmt.Errorf("store schema version %d is newer than supported %d", version, CurrentSchemaVersion)
	}
	for ; version < CurrentSchemaVersion; version++ {
		if err := migrations[version](ctx, s); err != nil {
			return from, fmt.Errorf("migrate schema %d -> %d: %w", version, version+1, err)
		}
		if err := SetJSON(ctx, s, KeySchemaVersion, version+1); err != nil {
			return from, err
		}
	}
	return from, nil
}
