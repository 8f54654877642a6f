// Package monitor turns filesystem changes into file_change triggers.
package monitor

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"ambient/internal/logging"
	"ambient/internal/types"
)

// AlwaysIgnored path components are never watched or reported.
var AlwaysIgnored = []string{
	".git",
	".ambient",
	".swarmguard",
	".swarmguard_artifacts",
	".pytest_cache",
	"__pycache__",
	"node_modules",
}

// Config configures a Watcher.
type Config struct {
	Root           string
	WatchPaths     []string
	IgnorePatterns []string
	Debounce       time.Duration
	QueueSize      int
}

// Stats counts watcher activity.
type Stats struct {
	Events  int64
	Emitted int64
	Dropped int64
	Errors  int64
}

// Watcher watches directory trees recursively and emits one trigger per
// changed path once that path has been quiet for the debounce window.
type Watcher struct {
	mu      sync.Mutex
	cfg     Config
	watcher *fsnotify.Watcher
	pending map[string]time.Time
	out     chan types.Trigger
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool

	events  atomic.Int64
	emitted atomic.Int64
	dropped atomic.Int64
	errs    atomic.Int64
}

// New creates a watcher. Nothing is watched until Start.
func New(cfg Config) (*Watcher, error) {
	if cfg.Root == "" {
		return nil, errors.New("monitor root is required")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, err
	}
	cfg.Root = root
	if len(cfg.WatchPaths) == 0 {
		cfg.WatchPaths = []string{"."}
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 2 * time.Second
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 64
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		cfg:     cfg,
		watcher: fw,
		pending: make(map[string]time.Time),
		out:     make(chan types.Trigger, cfg.QueueSize),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// Triggers is closed when the watcher stops.
func (w *Watcher) Triggers() <-chan types.Trigger {
	return w.out
}

// Stats returns activity counters.
func (w *Watcher) Stats() Stats {
	return Stats{
		Events:  w.events.Load(),
		Emitted: w.emitted.Load(),
		Dropped: w.dropped.Load(),
		Errors:  w.errs.Load(),
	}
}

// Start registers the watch paths and begins the event loop. It is
// non-blocking.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	for _, p := range w.cfg.WatchPaths {
		dir := p
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(w.cfg.Root, p)
		}
		if err := w.addTree(dir); err != nil {
			logging.Get(logging.CategoryMonitor).Warn("cannot watch %s: %v", dir, err)
		}
	}
	logging.Get(logging.CategoryMonitor).Info("watching %d paths under %s (debounce %s)", len(w.watcher.WatchList()), w.cfg.Root, w.cfg.Debounce)

	go w.run(ctx)
	return nil
}

// Stop ends the event loop and releases the fsnotify watcher.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		logging.Get(logging.CategoryMonitor).Error("closing watcher: %v", err)
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)
	defer close(w.out)

	tick := w.cfg.Debounce / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.errs.Add(1)
			logging.Get(logging.CategoryMonitor).Error("watch error: %v", err)
		case now := <-ticker.C:
			w.flush(now)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op == fsnotify.Chmod {
		return
	}
	rel, err := filepath.Rel(w.cfg.Root, event.Name)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return
	}
	rel = filepath.ToSlash(rel)
	if Ignored(rel, w.cfg.IgnorePatterns) {
		return
	}
	w.events.Add(1)
	logging.MonitorDebug("%s %s", event.Op, rel)

	if event.Has(fsnotify.Create) {
		if info, err := os.Lstat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				logging.Get(logging.CategoryMonitor).Warn("cannot watch new directory %s: %v", rel, err)
			}
			return
		}
	}

	w.mu.Lock()
	w.pending[rel] = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) flush(now time.Time) {
	w.mu.Lock()
	var ready []string
	for path, last := range w.pending {
		if now.Sub(last) >= w.cfg.Debounce {
			ready = append(ready, path)
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	sort.Strings(ready)
	for _, path := range ready {
		select {
		case w.out <- types.Trigger{Kind: types.TriggerFileChange, Paths: []string{path}, At: now}:
			w.emitted.Add(1)
		default:
			n := w.dropped.Add(1)
			logging.Get(logging.CategoryMonitor).Warn("trigger queue full, dropped change to %s (%d dropped)", path, n)
		}
	}
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(w.cfg.Root, path)
		if relErr == nil && rel != "." && Ignored(filepath.ToSlash(rel), w.cfg.IgnorePatterns) {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

// Ignored reports whether a slash-separated relative path is excluded by
// the always-ignored components or a glob pattern. Patterns match the
// whole path, the base name, or, for "dir/**", everything below dir.
func Ignored(rel string, patterns []string) bool {
	parts := strings.Split(rel, "/")
	for _, part := range parts {
		for _, ig := range AlwaysIgnored {
			if part == ig {
				return true
			}
		}
	}
	base := parts[len(parts)-1]
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if prefix, ok := strings.CutSuffix(p, "/**"); ok {
			if rel == prefix || strings.HasPrefix(rel, prefix+"/") {
				return true
			}
			continue
		}
		if ok, _ := filepath.Match(p, rel); ok {
			return true
		}
		if ok, _ := filepath.Match(p, base); ok {
			return true
		}
	}
	return false
}
