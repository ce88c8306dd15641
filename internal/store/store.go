// Package store is the persistent key-value namespace behind inboxlink:
// tokens, link index, hierarchy cache and settings all live under flat keys.
//
// Three backends are provided: an in-memory map for tests, SQLite (the
// default, one file per profile) and PostgreSQL for a shared daemon.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Store is an async key-value interface. Values are JSON documents.
type Store interface {
	// Get returns the raw value for key. ok is false when the key is absent.
	Get(ctx context.Context, key string) (value json.RawMessage, ok bool, err error)
	// Set creates or replaces the value for key.
	Set(ctx context.Context, key string, value json.RawMessage) error
	// Remove deletes keys. Missing keys are not an error.
	Remove(ctx context.Context, keys ...string) error
	// Close releases the backend.
	Close() error
}

// ErrUnsupportedDSN is returned by Open for unknown schemes.
var ErrUnsupportedDSN = errors.New("unsupported store dsn")

// Open selects a backend from dsn:
//
//	memory                       in-process map
//	sqlite:///path/to/file.db    SQLite file (a bare path works too)
//	postgres://user@host/db      PostgreSQL
func Open(ctx context.Context, dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "" || dsn == "memory":
		return NewMemory(), nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return NewPostgres(dsn)
	case strings.HasPrefix(dsn, "sqlite://"):
		return OpenSQLite(ctx, strings.TrimPrefix(dsn, "sqlite://"))
	case strings.Contains(dsn, "://"):
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDSN, dsn)
	default:
		return OpenSQLite(ctx, dsn)
	}
}

// GetJSON decodes the value under key into v. It reports whether the key
// existed.
func GetJSON(ctx context.Context, s Store, key string, v any) (bool, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}

// SetJSON encodes v and stores it under key.
func SetJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return s.Set(ctx, key, raw)
}
