package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teemow/inboxlink/internal/logging"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default().ClickUp, cfg.ClickUp)
	assert.Equal(t, "custom_field", cfg.Links.Strategy)
}

func TestLoad_FileOverridesOnlyDefinedKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, `
[store]
dsn = "memory"

[clickup]
max-retries = 0
base-delay = "250ms"

[links]
strategy = "pattern"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Store.DSN)
	assert.Equal(t, 0, cfg.ClickUp.MaxRetries, "explicit zero is kept")
	assert.Equal(t, 250*time.Millisecond, cfg.ClickUp.BaseDelay)
	assert.Equal(t, 4, cfg.ClickUp.Concurrency)
	assert.Equal(t, "pattern", cfg.Links.Strategy)
	assert.Equal(t, "Gmail Thread ID", cfg.Links.FieldName)
}

func TestLoad_EnvWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, "[links]\nstrategy = \"pattern\"\n")
	t.Setenv("INBOXLINK_LINK_STRATEGY", "custom_field")
	t.Setenv("INBOXLINK_ALLOWED_ORIGINS", "chrome-extension://abc, chrome-extension://def")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "custom_field", cfg.Links.Strategy)
	assert.Equal(t, []string{"chrome-extension://abc", "chrome-extension://def"}, cfg.Server.AllowedOrigins)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "bad toml", content: "[links\n"},
		{name: "bad strategy", content: "[links]\nstrategy = \"guess\"\n"},
		{name: "bad concurrency", content: "[clickup]\nconcurrency = 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			writeFile(t, path, tt.content)
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestWatchLinks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, "[links]\nstrategy = \"custom_field\"\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := make(chan Links, 4)
	require.NoError(t, WatchLinks(ctx, path, logging.Discard(), func(l Links) { changes <- l }))

	writeFile(t, path, "[links]\nstrategy = \"pattern\"\nfield-name = \"Thread\"\n")

	select {
	case l := <-changes:
		assert.Equal(t, "pattern", l.Strategy)
		assert.Equal(t, "Thread", l.FieldName)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}
}
