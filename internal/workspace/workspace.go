// internal/workspace/workspace.go
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"veracity/internal/config"
	verrors "veracity/internal/errors"
	"veracity/internal/fileclass"
	"veracity/internal/logging"
	"veracity/internal/pending"
	"veracity/internal/repo"
	"veracity/internal/revert"
	"veracity/internal/safe"
	"veracity/internal/storage"

	"github.com/dgraph-io/badger/v4"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// MetaDir holds the working copy's private state.
const MetaDir = ".vv"

// FindRoot searches startDir and its parents for a working copy.
func FindRoot(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}

	for {
		if info, err := os.Stat(filepath.Join(dir, MetaDir)); err == nil && info.IsDir() {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", verrors.NotFound(fmt.Sprintf("no working copy found at or above '%s'", startDir))
}

// Workspace is a working copy bound to a repository. All operations take the
// working copy lock; a second process is kept out by badger's directory lock.
type Workspace struct {
	mu sync.Mutex

	root    string
	cfg     *config.Config
	store   *repo.Store
	db      *badger.DB
	pending *pending.Store
	states  *storage.BadgerStore
	doc     *pending.Document
	engine  *revert.Engine
	classes *fileclass.Classes
	logger  *logging.Logger
}

// Options tunes how a working copy is opened.
type Options struct {
	Config *config.Config
	Logger *logging.Logger
}

// Init creates a working copy at root. The repository at the configured path
// is created when missing and reused otherwise, so several working copies
// can share one repository.
func Init(root, who string, opts Options) (*Workspace, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	meta := filepath.Join(root, MetaDir)
	if _, err := os.Stat(filepath.Join(meta, "wc")); err == nil {
		return nil, verrors.ValidationError(fmt.Sprintf("'%s' is already a working copy", root), nil)
	}
	if err := os.MkdirAll(meta, 0755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", meta, err)
	}

	w, err := open(root, opts)
	if err != nil {
		return nil, err
	}

	initial, err := w.store.Init(who)
	if err != nil {
		w.Close()
		return nil, err
	}
	tree, err := w.store.TreeOf(initial)
	if err != nil {
		w.Close()
		return nil, err
	}
	err = w.pending.Update(w.doc, func(tx *pending.Tx) error {
		return tx.SetState(pending.State{Baseline: initial, Root: tree.Root})
	})
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("recording working copy state: %w", err)
	}

	w.logger.Info("working copy initialized", zap.String("csid", initial))
	return w, nil
}

// Open opens the working copy containing dir.
func Open(dir string, opts Options) (*Workspace, error) {
	root, err := FindRoot(dir)
	if err != nil {
		return nil, err
	}
	w, err := open(root, opts)
	if err != nil {
		return nil, err
	}
	if w.doc.Baseline == "" {
		w.Close()
		return nil, verrors.Internal("working copy has no baseline", nil)
	}
	return w, nil
}

func open(root string, opts Options) (*Workspace, error) {
	meta := filepath.Join(root, MetaDir)

	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = config.Load(meta); err != nil {
			return nil, err
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.WithWorkingCopy(root)

	classes, err := fileclass.FromConfig(cfg)
	if err != nil {
		return nil, verrors.ValidationError(err.Error(), nil)
	}

	store, err := repo.Open(repo.Options{
		Dir:       cfg.RepoPath(root),
		CacheSize: cfg.Repo.CacheSize,
		Compression: safe.CompressionOptions{
			MinSize: cfg.Repo.Compression.MinSize,
			Level:   cfg.Repo.Compression.Level,
		},
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("opening repository: %w", err)
	}

	wcDir := filepath.Join(meta, "wc")
	if err := os.MkdirAll(wcDir, 0755); err != nil {
		store.Close()
		return nil, fmt.Errorf("creating %s: %w", wcDir, err)
	}
	db, err := badger.Open(storage.OpenOptions(wcDir, false))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("opening working copy database: %w", err)
	}

	pendingStore := pending.NewStore(db)
	doc, err := pendingStore.Load()
	if err != nil {
		db.Close()
		store.Close()
		return nil, err
	}

	w := &Workspace{
		root:    root,
		cfg:     cfg,
		store:   store,
		db:      db,
		pending: pendingStore,
		states:  storage.NewBadgerStore(db, "file_state"),
		doc:     doc,
		classes: classes,
		logger:  logger.Named("workspace"),
	}
	applier := revert.NewApplier(root, filepath.Join(meta, "staging"), w.hashFile)
	w.engine = revert.NewEngine(applier, store.FetchContent, logger)
	return w, nil
}

// Close releases both databases.
func (w *Workspace) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var result *multierror.Error
	if w.db != nil {
		if err := w.db.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing working copy database: %w", err))
		}
		w.db = nil
	}
	if w.store != nil {
		if err := w.store.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing repository: %w", err))
		}
		w.store = nil
	}
	return result.ErrorOrNil()
}

func (w *Workspace) Root() string { return w.root }

func (w *Workspace) Config() *config.Config { return w.cfg }

// Store exposes the repository for history, tags and stamps.
func (w *Workspace) Store() *repo.Store { return w.store }

// Baseline returns the working copy's parent changeset.
func (w *Workspace) Baseline() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.doc.Baseline
}

// Merging reports the other changeset of a pending merge.
func (w *Workspace) Merging() (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.doc.Other, w.doc.Merging()
}

// Journal returns the operations applied by the pending merge.
func (w *Workspace) Journal() []pending.JournalEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]pending.JournalEntry(nil), w.doc.Journal...)
}
