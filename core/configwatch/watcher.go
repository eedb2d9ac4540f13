package configwatch

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ReloadFunc applies a changed file. A failed reload is retried on the
// next poll.
type ReloadFunc func(path string) error

// Watcher polls files for modification changes and reloads them.
type Watcher struct {
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	entries []watchEntry
}

type watchEntry struct {
	path   string
	stamp  stamp
	reload ReloadFunc
}

// stamp identifies one version of a file.
type stamp struct {
	modTime time.Time
	size    int64
}

// New creates a Watcher that polls at the given interval.
func New(interval time.Duration, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		interval: interval,
		logger:   logger,
	}
}

// Watch adds a file to be watched. The file does not need to exist yet.
func (w *Watcher) Watch(path string, reload ReloadFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.entries = append(w.entries, watchEntry{
		path:   path,
		stamp:  fileStamp(path),
		reload: reload,
	})
}

// Run polls until the context is cancelled. It blocks, so call it in a goroutine.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

func (w *Watcher) poll() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for i := range w.entries {
		e := &w.entries[i]
		current := fileStamp(e.path)

		// Missing (possibly mid-save) or unchanged.
		if current.modTime.IsZero() || current == e.stamp {
			continue
		}

		if err := e.reload(e.path); err != nil {
			w.logger.Warn("config reload failed", "path", e.path, "error", err)
			continue
		}
		e.stamp = current
		w.logger.Info("config reloaded", "path", e.path)
	}
}

func fileStamp(path string) stamp {
	info, err := os.Stat(path)
	if err != nil {
		return stamp{}
	}
	return stamp{modTime: info.ModTime(), size: info.Size()}
}
