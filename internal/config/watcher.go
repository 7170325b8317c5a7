package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ReloadFunc receives what changed in a reloaded config and the config
// itself.
type ReloadFunc func(diff ConfigDiff, updated *Config)

// Watcher re-reads a config file on an interval while [Watcher.Run] is
// active. An edit is applied only when it parses, validates and differs from
// the current config in at least one section. Rejected edits are logged and
// the previous config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	log      *slog.Logger

	mu       sync.Mutex
	cur      *Config
	hash     [sha256.Size]byte
	rejected [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger for reload messages.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher loads path once and returns a watcher positioned on it. Polling
// starts with [Watcher.Run].
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.cur, w.hash = cfg, sha256.Sum256(data)
	return w, nil
}

// Current returns the most recently applied config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cur
}

// Run polls the file until ctx is done and calls onChange for every applied
// edit. It returns ctx.Err().
func (w *Watcher) Run(ctx context.Context, onChange ReloadFunc) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if diff, cfg, ok := w.Check(); ok && onChange != nil {
				onChange(diff, cfg)
			}
		}
	}
}

// Check re-reads the file once. It reports ok when the content changed and
// the new config was applied. A rejected edit is reported once, not on every
// poll.
func (w *Watcher) Check() (ConfigDiff, *Config, bool) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.log.Warn("config: watcher cannot read file", "path", w.path, "err", err)
		return ConfigDiff{}, nil, false
	}
	hash := sha256.Sum256(data)

	w.mu.Lock()
	defer w.mu.Unlock()
	if hash == w.hash || hash == w.rejected {
		return ConfigDiff{}, nil, false
	}

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		w.rejected = hash
		w.log.Warn("config: watcher rejected edited config", "path", w.path, "err", err)
		return ConfigDiff{}, nil, false
	}
	w.hash = hash

	diff := Diff(w.cur, cfg)
	if !diff.Changed() {
		// Comments or formatting only.
		return ConfigDiff{}, nil, false
	}
	w.cur = cfg
	w.log.Info("config: configuration reloaded",
		"path", w.path,
		"log_level_changed", diff.LogLevelChanged,
		"restart_required", diff.RestartRequired,
	)
	return diff, cfg, true
}
