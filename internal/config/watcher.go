package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Watcher polls a config file and reports hot-reloadable changes. Polling
// (rather than inotify) behaves the same on every platform and on network
// filesystems.
//
// On each change the new config is compared against the previous one with
// [Diff]; the callback fires only when at least one tracked field changed,
// and receives the diff alongside the full new config. Invalid or unreadable
// files are logged and skipped — the last valid config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(diff ConfigDiff, cfg *Config)

	mu      sync.Mutex
	current *Config

	done     chan struct{}
	stopOnce sync.Once

	// last observed file state, for cheap change detection
	lastMtime time.Time
	lastHash  [sha256.Size]byte
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

// NewWatcher loads the config at path and starts polling it for changes in a
// background goroutine. A load failure at this point is returned, not logged;
// a server should not start on a broken config.
func NewWatcher(path string, onChange func(diff ConfigDiff, cfg *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, hash, mtime, err := w.readConfig()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = cfg
	w.lastHash = hash
	w.lastMtime = mtime

	go w.run()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends the polling goroutine. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
}

func (w *Watcher) run() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.reload()
		}
	}
}

// reload re-reads the config file when its mtime moved, swaps in the new
// config when the content actually changed, and reports the diff.
func (w *Watcher) reload() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	mtime := w.lastMtime
	w.mu.Unlock()

	// Mtime fast path: skip hashing files nobody touched.
	if info.ModTime().Equal(mtime) {
		return
	}

	cfg, hash, newMtime, err := w.readConfig()
	if err != nil {
		slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	if hash == w.lastHash {
		// Touched but identical content.
		w.lastMtime = newMtime
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current = cfg
	w.lastHash = hash
	w.lastMtime = newMtime
	w.mu.Unlock()

	diff := Diff(old, cfg)
	slog.Info("config watcher: configuration reloaded",
		"path", w.path,
		"log_level_changed", diff.LogLevelChanged,
		"extraction_changed", diff.ExtractionChanged,
		"optimizer_changed", diff.OptimizerChanged,
		"cors_changed", diff.CORSChanged,
	)

	// Callback runs outside the lock so it can safely call Current().
	if w.onChange != nil && diff.Any() {
		w.onChange(diff, cfg)
	}
}

// readConfig reads, parses, and validates the config file, returning it with
// the content hash and mtime used for change detection.
func (w *Watcher) readConfig() (*Config, [sha256.Size]byte, time.Time, error) {
	var zeroHash [sha256.Size]byte

	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, zeroHash, time.Time{}, err
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, zeroHash, time.Time{}, err
	}

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, zeroHash, time.Time{}, err
	}

	return cfg, sha256.Sum256(data), info.ModTime(), nil
}
