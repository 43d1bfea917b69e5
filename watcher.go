package enclave

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/GoCodeAlone/enclave/loader"
)

// watchDebounce coalesces the burst of filesystem events a bundle copy
// produces into a single load attempt.
const watchDebounce = 200 * time.Millisecond

// Watcher discovers plugin bundles under the configured directory: any
// subdirectory containing a manifest.json is submitted for loading at normal
// priority, both at startup and as bundles appear at runtime.
type Watcher struct {
	dir    string
	mgr    *Manager
	logger *slog.Logger
	fw     *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewWatcher creates a watcher over dir. The directory must exist.
func NewWatcher(dir string, mgr *Manager, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	return &Watcher{
		dir:     dir,
		mgr:     mgr,
		logger:  logger,
		fw:      fw,
		pending: make(map[string]*time.Timer),
	}, nil
}

// Run scans existing bundles, then processes filesystem events until ctx is
// canceled.
func (w *Watcher) Run(ctx context.Context) {
	defer func() { _ = w.fw.Close() }()

	w.scan(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			w.handle(ctx, event)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Plugin directory watch error", "error", err)
		}
	}
}

// scan submits every bundle already present under the directory.
func (w *Watcher) scan(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn("Plugin directory scan failed", "dir", w.dir, "error", err)
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		bundle := filepath.Join(w.dir, e.Name())
		if _, err := os.Stat(filepath.Join(bundle, "manifest.json")); err != nil {
			continue
		}
		w.load(ctx, bundle)
	}
}

func (w *Watcher) handle(ctx context.Context, event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}

	bundle := ""
	switch {
	case filepath.Base(event.Name) == "manifest.json":
		bundle = filepath.Dir(event.Name)
	default:
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			// A new bundle directory; its manifest may still be copying.
			bundle = event.Name
		}
	}
	if bundle == "" {
		return
	}

	w.mu.Lock()
	if t, ok := w.pending[bundle]; ok {
		t.Stop()
	}
	w.pending[bundle] = time.AfterFunc(watchDebounce, func() {
		w.mu.Lock()
		delete(w.pending, bundle)
		w.mu.Unlock()

		if _, err := os.Stat(filepath.Join(bundle, "manifest.json")); err != nil {
			return
		}
		w.load(ctx, bundle)
	})
	w.mu.Unlock()
}

func (w *Watcher) load(ctx context.Context, bundle string) {
	id, err := w.mgr.LoadPluginFromDir(ctx, bundle, loader.PriorityNormal)
	if err != nil {
		w.logger.Warn("Discovered bundle rejected", "bundle", bundle, "error", err)
		return
	}
	w.logger.Info("Discovered plugin bundle", "bundle", bundle, "id", id)
}
