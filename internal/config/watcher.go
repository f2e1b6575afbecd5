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

// Change is a validated edit of the watched file.
type Change struct {
	Old, New *Config
	Diff     ConfigDiff
}

// Watcher polls a config file and reports edits that parse, validate and
// differ in effect from the current config. Broken edits are logged once and
// the previous config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	logger   *slog.Logger
	onChange func(Change)

	mu      sync.Mutex
	current *Config
	seen    fileStamp
}

// fileStamp identifies one version of the file on disk.
type fileStamp struct {
	size  int64
	mtime time.Time
	sum   [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Default: 2s.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger. Default: [slog.Default].
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewWatcher loads path once and returns a watcher for it. Polling starts
// with [Watcher.Run]. onChange may be nil.
func NewWatcher(path string, onChange func(Change), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 2 * time.Second,
		logger:   slog.Default(),
		onChange: onChange,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "config_watcher", "path", path)

	data, stamp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = cfg
	w.seen = stamp
	return w, nil
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Check()
		}
	}
}

// Check compares the file against the last version seen and, for an
// effective change, updates [Watcher.Current] and calls onChange. It reports
// whether onChange was called.
func (w *Watcher) Check() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		w.logger.Warn("cannot stat config file", "err", err)
		return false
	}

	w.mu.Lock()
	seen := w.seen
	w.mu.Unlock()
	if info.Size() == seen.size && info.ModTime().Equal(seen.mtime) {
		return false
	}

	data, stamp, err := w.read()
	if err != nil {
		w.logger.Warn("cannot read config file", "err", err)
		return false
	}
	if stamp.sum == seen.sum {
		w.remember(stamp)
		return false
	}
	// Broken content is not parsed again until the file changes.
	w.remember(stamp)

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		w.logger.Warn("config edit rejected, keeping current config", "err", err)
		return false
	}

	w.mu.Lock()
	old := w.current
	w.current = cfg
	w.mu.Unlock()

	d := Diff(old, cfg)
	if !d.LogLevelChanged && !d.RestartRequired() {
		w.logger.Debug("config file changed without effect")
		return false
	}
	w.logger.Info("config reloaded", "log_level_changed", d.LogLevelChanged, "sections", d.Sections)
	if w.onChange != nil {
		w.onChange(Change{Old: old, New: cfg, Diff: d})
	}
	return true
}

func (w *Watcher) remember(s fileStamp) {
	w.mu.Lock()
	w.seen = s
	w.mu.Unlock()
}

func (w *Watcher) read() ([]byte, fileStamp, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	return data, fileStamp{
		size:  info.Size(),
		mtime: info.ModTime(),
		sum:   sha256.Sum256(data),
	}, nil
}
