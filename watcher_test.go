package enclave

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcher_DiscoversBundles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	// One bundle present before the watcher starts.
	writeBundle(t, dir, "preexisting", testManifestJSON("preexisting", "1.0.0"), testPluginSource)

	cfg := testManagerConfig()
	cfg.PluginDirectory = dir
	m := newTestManager(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitPluginRunning(t, m, "preexisting")

	// A bundle dropped in at runtime is picked up after the debounce.
	writeBundle(t, dir, "arrival", testManifestJSON("arrival", "1.0.0"), testPluginSource)
	waitPluginRunning(t, m, "arrival")
}

func TestWatcher_IgnoresDirsWithoutManifest(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := testManagerConfig()
	cfg.PluginDirectory = dir
	m := newTestManager(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := os.MkdirAll(filepath.Join(dir, "notabundle"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeBundle(t, dir, "real", testManifestJSON("real", "1.0.0"), testPluginSource)
	waitPluginRunning(t, m, "real")

	time.Sleep(2 * watchDebounce)
	if n := len(m.Stats().Plugins); n != 1 {
		t.Errorf("plugin states tracked = %d, want 1", n)
	}
	if m.Stats().Plugins[StateRunning] != 1 {
		t.Errorf("running = %d, want 1", m.Stats().Plugins[StateRunning])
	}
}

// waitPluginRunning polls until a plugin with the given name is running.
func waitPluginRunning(t *testing.T, m *Manager, name string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, snap := range m.Snapshots() {
			if snap.Name == name && snap.State == StateRunning {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("plugin %q never reached running; snapshots: %+v", name, m.Snapshots())
}
