// Package config loads inboxlink settings from defaults, the TOML config
// file, a .env file and the environment, in increasing precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config is the process configuration.
type Config struct {
	Store   Store   `toml:"store"`
	Server  Server  `toml:"server"`
	ClickUp ClickUp `toml:"clickup"`
	Links   Links   `toml:"links"`
	Log     Log     `toml:"log"`
}

// Store selects the key-value backend.
type Store struct {
	// DSN is "memory", a SQLite path or sqlite:// URL, or a postgres:// URL.
	DSN string `toml:"dsn"`
}

// Server configures the local transports.
type Server struct {
	Addr           string   `toml:"addr"`
	MetricsAddr    string   `toml:"metrics-addr"`
	AllowedOrigins []string `toml:"allowed-origins"`
}

// ClickUp configures the API client.
type ClickUp struct {
	BaseURL     string        `toml:"base-url"`
	MaxRetries  int           `toml:"max-retries"`
	BaseDelay   time.Duration `toml:"base-delay"`
	Concurrency int           `toml:"concurrency"`
}

// Links configures thread link discovery.
type Links struct {
	Strategy         string        `toml:"strategy"`
	FieldName        string        `toml:"field-name"`
	SyncDays         int           `toml:"sync-days"`
	ValidateInterval time.Duration `toml:"validate-interval"`
}

// Log configures the process logger.
type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Store:  Store{DSN: filepath.Join(DataDir(), "inboxlink.db")},
		Server: Server{Addr: "127.0.0.1:8765", MetricsAddr: "127.0.0.1:9090"},
		ClickUp: ClickUp{
			BaseURL:     "https://api.clickup.com/api/v2",
			MaxRetries:  3,
			BaseDelay:   time.Second,
			Concurrency: 4,
		},
		Links: Links{
			Strategy:         "custom_field",
			FieldName:        "Gmail Thread ID",
			SyncDays:         30,
			ValidateInterval: 6 * time.Hour,
		},
		Log: Log{Level: "info", Format: "text"},
	}
}

// DefaultPath is ~/.config/inboxlink/config.toml.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(dir, "inboxlink", "config.toml")
}

// DataDir is where the local store lives.
func DataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "inboxlink")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "inboxlink"
	}
	return filepath.Join(home, ".local", "share", "inboxlink")
}

// Load reads path (a missing file is fine), then .env, then the
// environment. An empty path uses DefaultPath.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	cfg := Default()

	file, meta, err := loadFile(path)
	if err != nil {
		return Config{}, err
	}
	merge(&cfg, file, meta)

	_ = godotenv.Load()
	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string) (Config, toml.MetaData, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Config{}, toml.MetaData{}, nil
	}
	if err != nil {
		return Config{}, toml.MetaData{}, fmt.Errorf("read config file %s: %w", path, err)
	}
	var cfg Config
	meta, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return Config{}, toml.MetaData{}, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, meta, nil
}

// merge copies every key the file defines over the defaults.
func merge(dst *Config, file Config, meta toml.MetaData) {
	set := func(defined bool, apply func()) {
		if defined {
			apply()
		}
	}
	set(meta.IsDefined("store", "dsn"), func() { dst.Store.DSN = strings.TrimSpace(file.Store.DSN) })
	set(meta.IsDefined("server", "addr"), func() { dst.Server.Addr = file.Server.Addr })
	set(meta.IsDefined("server", "metrics-addr"), func() { dst.Server.MetricsAddr = file.Server.MetricsAddr })
	set(meta.IsDefined("server", "allowed-origins"), func() {
		dst.Server.AllowedOrigins = append([]string(nil), file.Server.AllowedOrigins...)
	})
	set(meta.IsDefined("clickup", "base-url"), func() { dst.ClickUp.BaseURL = file.ClickUp.BaseURL })
	set(meta.IsDefined("clickup", "max-retries"), func() { dst.ClickUp.MaxRetries = file.ClickUp.MaxRetries })
	set(meta.IsDefined("clickup", "base-delay"), func() { dst.ClickUp.BaseDelay = file.ClickUp.BaseDelay })
	set(meta.IsDefined("clickup", "concurrency"), func() { dst.ClickUp.Concurrency = file.ClickUp.Concurrency })
	mergeLinks(&dst.Links, file.Links, meta)
	set(meta.IsDefined("log", "level"), func() { dst.Log.Level = file.Log.Level })
	set(meta.IsDefined("log", "format"), func() { dst.Log.Format = file.Log.Format })
}

func mergeLinks(dst *Links, file Links, meta toml.MetaData) {
	if meta.IsDefined("links", "strategy") {
		dst.Strategy = strings.TrimSpace(file.Strategy)
	}
	if meta.IsDefined("links", "field-name") {
		dst.FieldName = strings.TrimSpace(file.FieldName)
	}
	if meta.IsDefined("links", "sync-days") {
		dst.SyncDays = file.SyncDays
	}
	if meta.IsDefined("links", "validate-interval") {
		dst.ValidateInterval = file.ValidateInterval
	}
}

func applyEnv(cfg *Config) {
	cfg.Store.DSN = getEnvOrDefault("INBOXLINK_STORE", cfg.Store.DSN)
	cfg.Server.Addr = getEnvOrDefault("INBOXLINK_ADDR", cfg.Server.Addr)
	cfg.Server.MetricsAddr = getEnvOrDefault("INBOXLINK_METRICS_ADDR", cfg.Server.MetricsAddr)
	if v := os.Getenv("INBOXLINK_ALLOWED_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = splitList(v)
	}
	cfg.ClickUp.BaseURL = getEnvOrDefault("CLICKUP_API_URL", cfg.ClickUp.BaseURL)
	cfg.ClickUp.Concurrency = getEnvIntOrDefault("INBOXLINK_CONCURRENCY", cfg.ClickUp.Concurrency)
	cfg.Links.Strategy = getEnvOrDefault("INBOXLINK_LINK_STRATEGY", cfg.Links.Strategy)
	cfg.Links.FieldName = getEnvOrDefault("INBOXLINK_THREAD_FIELD", cfg.Links.FieldName)
	cfg.Log.Level = getEnvOrDefault("INBOXLINK_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnvOrDefault("INBOXLINK_LOG_FORMAT", cfg.Log.Format)
}

// Validate checks value ranges.
func (c Config) Validate() error {
	switch c.Links.Strategy {
	case "custom_field", "pattern":
	default:
		return fmt.Errorf("links.strategy must be custom_field or pattern, got %q", c.Links.Strategy)
	}
	if c.ClickUp.MaxRetries < 0 {
		return fmt.Errorf("clickup.max-retries must not be negative")
	}
	if c.ClickUp.Concurrency < 1 {
		return fmt.Errorf("clickup.concurrency must be at least 1")
	}
	if c.Links.SyncDays < 1 {
		return fmt.Errorf("links.sync-days must be at least 1")
	}
	return nil
}

// LoadLinks re-reads only the [links] section of path over the defaults.
func LoadLinks(path string) (Links, error) {
	links := Default().Links
	file, meta, err := loadFile(path)
	if err != nil {
		return Links{}, err
	}
	mergeLinks(&links, file.Links, meta)
	links.Strategy = getEnvOrDefault("INBOXLINK_LINK_STRATEGY", links.Strategy)
	links.FieldName = getEnvOrDefault("INBOXLINK_THREAD_FIELD", links.FieldName)
	return links, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
