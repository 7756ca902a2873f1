// internal/workspace/disk.go
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"veracity/internal/conflict"
	verrors "veracity/internal/errors"
	"veracity/internal/pending"
	"veracity/internal/repo"
	"veracity/internal/storage"
	"veracity/internal/treediff"
	"veracity/shared/utils"

	"go.uber.org/zap"
)

// FileState memoizes a file's hash. It is trusted only while size and
// modification time match and the file was not modified within racyWindow
// of being hashed.
type FileState struct {
	Hash    string    `json:"hash"`
	ModTime time.Time `json:"mod_time"`
	Size    int64     `json:"size"`
	Checked time.Time `json:"checked"`
}

const racyWindow = 2 * time.Second

func (w *Workspace) hashFile(rel string, info fs.FileInfo) (string, error) {
	var st FileState
	err := w.states.Get(rel, &st)
	if err == nil && st.Size == info.Size() && st.ModTime.Equal(info.ModTime()) &&
		st.Checked.Sub(st.ModTime) > racyWindow {
		return st.Hash, nil
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		w.logger.Debug("reading file state", zap.String("path", rel), zap.Error(err))
	}

	hash, err := utils.HashFile(w.abs(rel))
	if err != nil {
		return "", err
	}
	st = FileState{Hash: hash, ModTime: info.ModTime(), Size: info.Size(), Checked: time.Now()}
	if err := w.states.Put(rel, st); err != nil {
		w.logger.Debug("storing file state", zap.String("path", rel), zap.Error(err))
	}
	return hash, nil
}

func (w *Workspace) abs(rel string) string {
	return filepath.Join(w.root, filepath.FromSlash(rel))
}

// rel turns a user-supplied path into a slash-separated path relative to the
// working copy root.
func (w *Workspace) rel(p string) (string, error) {
	if filepath.IsAbs(p) {
		r, err := filepath.Rel(w.root, p)
		if err != nil {
			return "", verrors.ValidationError(fmt.Sprintf("'%s' is not inside the working copy", p), nil)
		}
		p = r
	}
	p = strings.Trim(path.Clean("/"+filepath.ToSlash(p)), "/")
	if strings.HasPrefix(p, "../") || p == ".." {
		return "", verrors.ValidationError(fmt.Sprintf("'%s' is not inside the working copy", p), nil)
	}
	if Ignored(p) && p != "" {
		return "", verrors.ValidationError(fmt.Sprintf("'%s' cannot be versioned", p), nil)
	}
	return p, nil
}

// Ignored reports paths that are never versioned: the metadata
// directory and hidden files.
func Ignored(rel string) bool {
	if rel == "" {
		return false
	}
	for _, part := range strings.Split(rel, "/") {
		if part == "" {
			continue
		}
		if part == MetaDir || strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}

// observe reads the disk for every controlled item. It returns the layout
// with observed hashes and attributes filled in, and the working values
// keyed by GID, including baseline items no longer in the layout.
func (w *Workspace) observe(baseline *repo.Tree) (*repo.Tree, treediff.WorkingState, error) {
	layout := w.doc.Layout()
	wc := make(treediff.WorkingState, len(layout.Entries))
	applier := w.engine.Applier()

	for _, gid := range layout.GIDs() {
		if gid == layout.Root {
			continue
		}
		e, _ := layout.Get(gid)
		p := layout.Path(gid)
		v := conflict.Value{Exists: true, Kind: e.Kind, Name: e.Name, Parent: e.Parent, Path: p}

		if w.doc.Items[gid].Sparse {
			if be, ok := baseline.Get(gid); ok {
				v.Hash, v.Attrs = be.Hash, be.Attrs
				e.Hash, e.Attrs = be.Hash, be.Attrs
				layout.Put(e)
			}
			wc[gid] = v
			continue
		}

		o, err := applier.Observe(p)
		if err != nil {
			return nil, nil, verrors.IO(p, err)
		}
		switch {
		case !o.Exists:
			v = conflict.Value{Path: p, Name: e.Name, Parent: e.Parent, Kind: e.Kind}
		case o.IsDir != e.IsDir():
			v.Kind = repo.KindFile
			if o.IsDir {
				v.Kind = repo.KindDirectory
			}
			v.Hash, v.Attrs = o.Hash, o.Attrs
		default:
			v.Hash, v.Attrs = o.Hash, o.Attrs
			e.Hash, e.Attrs = o.Hash, o.Attrs
			layout.Put(e)
		}
		wc[gid] = v
	}

	for gid := range baseline.Entries {
		if gid != baseline.Root && !layout.Has(gid) {
			wc[gid] = conflict.Value{}
		}
	}
	return layout, wc, nil
}

// uncontrolled lists the top-most disk entries that no layout item claims.
func (w *Workspace) uncontrolled(layout *repo.Tree) ([]string, error) {
	claimed := make(map[string]repo.Entry, len(layout.Entries))
	for gid, e := range layout.Entries {
		if gid != layout.Root {
			claimed[layout.Path(gid)] = e
		}
	}

	var found []string
	err := filepath.WalkDir(w.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == w.root {
			return nil
		}
		r, err := filepath.Rel(w.root, p)
		if err != nil {
			return err
		}
		r = filepath.ToSlash(r)
		if Ignored(r) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if e, ok := claimed[r]; ok {
			// A kind mismatch is reported on the item itself.
			if d.IsDir() && !e.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		found = append(found, r)
		if d.IsDir() {
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning working copy: %w", err)
	}
	sort.Strings(found)
	return found, nil
}

// committer records each item the engine applied. Existing flags carry over
// unless adjust changes them.
func (w *Workspace) committer(adjust func(it *pending.Item)) func(gid string, e *repo.Entry) error {
	return func(gid string, e *repo.Entry) error {
		return w.pending.Update(w.doc, func(tx *pending.Tx) error {
			if e == nil {
				return tx.DeleteItem(gid)
			}
			it := pending.ItemFromEntry(*e)
			if old, ok := w.doc.Items[gid]; ok {
				it.MergeAdded, it.Sparse, it.AutoMerged = old.MergeAdded, old.Sparse, old.AutoMerged
			}
			if adjust != nil {
				adjust(&it)
			}
			return tx.PutItem(it)
		})
	}
}

// explainedBy reports content that one of trees holds for the item.
func explainedBy(trees ...*repo.Tree) func(gid, hash string) bool {
	return func(gid, hash string) bool {
		if gid == "" || hash == "" {
			return false
		}
		for _, t := range trees {
			if t == nil {
				continue
			}
			if e, ok := t.Get(gid); ok && e.Hash == hash {
				return true
			}
		}
		return false
	}
}

// lookup finds the item at p in the layout, falling back to the baseline
// for items the working copy removed.
func (w *Workspace) lookup(p string, layout, baseline *repo.Tree) (repo.Entry, bool) {
	if e, ok := layout.Lookup(p); ok {
		return e, true
	}
	if e, ok := baseline.Lookup(p); ok && !layout.Has(e.GID) {
		return e, true
	}
	return repo.Entry{}, false
}

func (w *Workspace) baselineTree() (*repo.Tree, error) {
	t, err := w.store.TreeOf(w.doc.Baseline)
	if err != nil {
		return nil, fmt.Errorf("loading baseline: %w", err)
	}
	return t, nil
}
