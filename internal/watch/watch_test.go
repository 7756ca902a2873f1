package watch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"veracity/internal/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_DebouncesChanges(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, ".vv"), 0755))

	ignore := func(rel string) bool { return strings.HasPrefix(rel, ".vv") }
	w, err := New(root, ignore, 50*time.Millisecond, logging.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batches := make(chan Batch, 4)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, batches) }()

	require.NoError(t, os.WriteFile(filepath.Join(root, ".vv", "state"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.txt"), []byte("b"), 0644))

	var seen []string
	for len(seen) < 2 {
		select {
		case b := <-batches:
			seen = append(seen, b.Paths...)
		case <-ctx.Done():
			t.Fatalf("no batch received, saw %v", seen)
		}
	}
	assert.Contains(t, seen, "a.txt")
	assert.Contains(t, seen, "b.txt")
	assert.NotContains(t, seen, ".vv/state")

	cancel()
	assert.NoError(t, <-done)
}

func TestWatcher_FollowsNewDirectories(t *testing.T) {
	root := t.TempDir()
	w, err := New(root, nil, 50*time.Millisecond, logging.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batches := make(chan Batch, 4)
	go w.Run(ctx, batches)

	require.NoError(t, os.Mkdir(filepath.Join(root, "src"), 0755))
	// Give the watcher a moment to register the new directory.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(root, "src", "main.go"), []byte("package main\n"), 0644))

	for {
		select {
		case b := <-batches:
			for _, p := range b.Paths {
				if p == "src/main.go" {
					return
				}
			}
		case <-ctx.Done():
			t.Fatal("change inside new directory not reported")
		}
	}
}
