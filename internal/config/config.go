// Package config loads the process configuration from the environment,
// following the same envOr/parseLogLevel pattern the proxy has always used.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
)

// Config holds the options the core consumes. Everything here is read
// once at startup; CacheDays, CacheRetentionEnabled, and LogLevel can
// also be mutated at runtime through a Store.
type Config struct {
	ListenAddr string

	StorageRoot           string
	CacheDays             int
	CacheRetentionEnabled bool

	MirrorsPath string
	StatsDBPath string
	AdminToken  string

	LogLevel slog.Level
}

// Load reads configuration from the environment, applying the same
// defaults the reference deployment ships with.
func Load() Config {
	cacheDays, err := strconv.Atoi(envOr("CACHE_DAYS", "7"))
	if err != nil || cacheDays <= 0 {
		cacheDays = 7
	}

	return Config{
		ListenAddr:            envOr("LISTEN_ADDR", ":8080"),
		StorageRoot:           envOr("STORAGE_PATH", "/var/lib/apt-cache-proxy/storage"),
		CacheDays:             cacheDays,
		CacheRetentionEnabled: envOr("CACHE_RETENTION_ENABLED", "true") == "true",
		MirrorsPath:           envOr("MIRRORS_PATH", "mirrors.json"),
		StatsDBPath:           envOr("STATS_DB_PATH", "/var/lib/apt-cache-proxy/stats.db"),
		AdminToken:            envOr("ADMIN_TOKEN", "changeme_to_secure_random_string"),
		LogLevel:              parseLogLevel(envOr("LOG_LEVEL", "info")),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Store wraps Config for live mutation from the admin surface. Reads take
// a copy under a read lock; a mutation to CacheDays or CacheRetentionEnabled takes
// effect on the next operation, except LogLevel, which — like the
// original implementation's save_config_value — is applied to the live
// logger immediately via the shared LevelVar.
type Store struct {
	mu       sync.RWMutex
	cfg      Config
	levelVar *slog.LevelVar
}

// NewStore wraps cfg for concurrent access. levelVar should be the same
// LevelVar passed to the process's slog.HandlerOptions so that LogLevel
// mutations take effect immediately.
func NewStore(cfg Config, levelVar *slog.LevelVar) *Store {
	levelVar.Set(cfg.LogLevel)
	return &Store{cfg: cfg, levelVar: levelVar}
}

// Get returns a copy of the current configuration.
func (s *Store) Get() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// SetCacheDays updates the retention window.
func (s *Store) SetCacheDays(days int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.CacheDays = days
}

// SetCacheRetentionEnabled toggles retention enforcement.
func (s *Store) SetCacheRetentionEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.CacheRetentionEnabled = enabled
}

// SetLogLevel updates the configured level and the live logger's level.
func (s *Store) SetLogLevel(level slog.Level) {
	s.mu.Lock()
	s.cfg.LogLevel = level
	s.mu.Unlock()
	s.levelVar.Set(level)
}
