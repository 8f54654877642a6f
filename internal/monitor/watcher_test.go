package monitor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"ambient/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestIgnored(t *testing.T) {
	patterns := []string{"*.pyc", "build/**", "docs/*.md"}
	tests := []struct {
		path string
		want bool
	}{
		{"src/app.py", false},
		{".git/HEAD", true},
		{"pkg/node_modules/x.js", true},
		{".ambient/telemetry.jsonl", true},
		{"src/__pycache__/a.cpython.pyc", true},
		{"lib/mod.pyc", true},
		{"build", true},
		{"build/out/bin", true},
		{"builder/main.go", false},
		{"docs/readme.md", true},
		{"docs/sub/readme.md", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, Ignored(tt.path, patterns))
		})
	}
}

func write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func receive(t *testing.T, ch <-chan types.Trigger) types.Trigger {
	t.Helper()
	select {
	case tr := <-ch:
		return tr
	case <-time.After(5 * time.Second):
		t.Fatal("no trigger received")
		return types.Trigger{}
	}
}

func TestWatcher_EmitsDebouncedChanges(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".git"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0o755))

	w, err := New(Config{Root: root, Debounce: 50 * time.Millisecond, IgnorePatterns: []string{"*.tmp"}})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	write(t, filepath.Join(root, ".git", "index"), "x")
	write(t, filepath.Join(root, "src", "scratch.tmp"), "x")
	for i := 0; i < 5; i++ {
		write(t, filepath.Join(root, "src", "app.py"), "print(1)\n")
	}

	tr := receive(t, w.Triggers())
	assert.Equal(t, types.TriggerFileChange, tr.Kind)
	assert.Equal(t, []string{"src/app.py"}, tr.Paths)

	select {
	case extra := <-w.Triggers():
		t.Fatalf("unexpected trigger %v", extra)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcher_WatchesNewDirectories(t *testing.T) {
	root := t.TempDir()
	w, err := New(Config{Root: root, Debounce: 30 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, os.MkdirAll(filepath.Join(root, "pkg"), 0o755))
	require.Eventually(t, func() bool {
		for _, p := range w.watcher.WatchList() {
			if p == filepath.Join(root, "pkg") {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	write(t, filepath.Join(root, "pkg", "mod.go"), "package pkg\n")
	tr := receive(t, w.Triggers())
	assert.Equal(t, []string{"pkg/mod.go"}, tr.Paths)
}

func TestWatcher_DropsWhenQueueFull(t *testing.T) {
	root := t.TempDir()
	w, err := New(Config{Root: root, Debounce: 20 * time.Millisecond, QueueSize: 1})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		write(t, filepath.Join(root, name), name)
	}
	require.Eventually(t, func() bool {
		s := w.Stats()
		return s.Emitted == 1 && s.Dropped == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWatcher_StopClosesTriggers(t *testing.T) {
	w, err := New(Config{Root: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	w.Stop()
	w.Stop()

	_, ok := <-w.Triggers()
	assert.False(t, ok)
}
