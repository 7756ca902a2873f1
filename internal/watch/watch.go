// internal/watch/watch.go
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"veracity/internal/logging"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Batch is one debounced set of changed paths, relative to the root and
// slash-separated.
type Batch struct {
	Paths []string
	At    time.Time
}

// Watcher reports changes below a working copy root.
type Watcher struct {
	root     string
	ignore   func(rel string) bool
	debounce time.Duration
	watcher  *fsnotify.Watcher
	logger   *logging.Logger

	mu      sync.Mutex
	pending map[string]bool
}

// New starts watching every non-ignored directory below root.
func New(root string, ignore func(rel string) bool, debounce time.Duration, logger *logging.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if ignore == nil {
		ignore = func(string) bool { return false }
	}
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}

	w := &Watcher{
		root:     root,
		ignore:   ignore,
		debounce: debounce,
		watcher:  fw,
		logger:   logger.Named("watch"),
		pending:  make(map[string]bool),
	}
	if err := w.addTree(root); err != nil {
		fw.Close()
		return nil, fmt.Errorf("initializing watches: %w", err)
	}
	return w, nil
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if rel := w.rel(p); rel != "" && w.ignore(rel) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(p); err != nil {
			return fmt.Errorf("watching %s: %w", p, err)
		}
		return nil
	})
}

func (w *Watcher) rel(p string) string {
	r, err := filepath.Rel(w.root, p)
	if err != nil || r == "." {
		return ""
	}
	return filepath.ToSlash(r)
}

// Run delivers batches until ctx is done or the watcher fails. The channel is
// closed when Run returns.
func (w *Watcher) Run(ctx context.Context, out chan<- Batch) error {
	defer close(out)
	defer w.watcher.Close()

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if w.handle(event) {
				timer.Reset(w.debounce)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watcher error", zap.Error(err))

		case <-timer.C:
			batch := w.flush()
			if len(batch.Paths) == 0 {
				continue
			}
			select {
			case out <- batch:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// handle records one event and reports whether it counts.
func (w *Watcher) handle(event fsnotify.Event) bool {
	rel := w.rel(event.Name)
	if rel == "" || w.ignore(rel) {
		return false
	}

	if event.Op&fsnotify.Create == fsnotify.Create {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				w.logger.Warn("watching new directory", zap.String("path", rel), zap.Error(err))
			}
		}
	}

	w.mu.Lock()
	w.pending[rel] = true
	w.mu.Unlock()
	w.logger.Debug("change", zap.String("path", rel), zap.String("op", event.Op.String()))
	return true
}

func (w *Watcher) flush() Batch {
	w.mu.Lock()
	defer w.mu.Unlock()

	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	w.pending = make(map[string]bool)
	return Batch{Paths: paths, At: time.Now()}
}
