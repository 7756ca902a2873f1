// internal/workspace/ops.go
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"veracity/internal/diff"
	verrors "veracity/internal/errors"
	"veracity/internal/pending"
	"veracity/internal/repo"
	"veracity/internal/revert"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Add puts disk items under version control. Directories are added with
// everything below them; missing parent directories are added too. It returns
// the paths that became controlled.
func (w *Workspace) Add(paths []string) ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	baseline, err := w.baselineTree()
	if err != nil {
		return nil, err
	}
	layout := w.doc.Layout()
	added := make(map[string]pending.Item)

	for _, p := range paths {
		rel, err := w.rel(p)
		if err != nil {
			return nil, err
		}
		if rel != "" {
			info, err := os.Lstat(w.abs(rel))
			if errors.Is(err, fs.ErrNotExist) {
				return nil, verrors.NotFound(fmt.Sprintf("'%s' does not exist", rel))
			}
			if err != nil {
				return nil, verrors.IO(rel, err)
			}
			if _, err := w.ensure(layout, baseline, rel, info.IsDir(), added); err != nil {
				return nil, err
			}
			if !info.IsDir() {
				continue
			}
		}

		err = filepath.WalkDir(w.abs(rel), func(abs string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			r, err := filepath.Rel(w.root, abs)
			if err != nil {
				return err
			}
			r = filepath.ToSlash(r)
			if r == "." || r == rel {
				return nil
			}
			if Ignored(r) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			_, err = w.ensure(layout, baseline, r, d.IsDir(), added)
			return err
		})
		if err != nil {
			return nil, err
		}
	}

	if len(added) == 0 {
		return nil, nil
	}
	err = w.pending.Update(w.doc, func(tx *pending.Tx) error {
		for _, it := range added {
			if err := tx.PutItem(it); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(added))
	for gid := range added {
		out = append(out, layout.Path(gid))
	}
	sort.Strings(out)
	w.logger.Info("items added", zap.Int("count", len(out)))
	return out, nil
}

// ensure makes rel and its parents controlled in layout. Items the baseline
// has at that path keep their GID.
func (w *Workspace) ensure(layout, baseline *repo.Tree, rel string, isDir bool, added map[string]pending.Item) (string, error) {
	parent := layout.Root
	parts := strings.Split(rel, "/")
	for i, part := range parts {
		last := i == len(parts)-1
		kind := repo.KindDirectory
		if last && !isDir {
			kind = repo.KindFile
		}

		if e, ok := layout.Child(parent, part); ok {
			if !last && !e.IsDir() {
				return "", verrors.ValidationError(fmt.Sprintf("'%s' is not a directory", layout.Path(e.GID)), nil)
			}
			if last && e.Kind != kind {
				return "", verrors.ValidationError(fmt.Sprintf("'%s' is controlled as a %s", rel, e.Kind), nil)
			}
			parent = e.GID
			continue
		}

		gid := uuid.NewString()
		if be, ok := baseline.Child(parent, part); ok && be.Kind == kind && !layout.Has(be.GID) {
			gid = be.GID
		}
		e := repo.Entry{GID: gid, Parent: parent, Name: part, Kind: kind}
		layout.Put(e)
		added[gid] = pending.ItemFromEntry(e)
		parent = gid
	}
	return parent, nil
}

// Remove takes items out of version control. Controlled content that the
// repository cannot reproduce is backed up; items added since the baseline
// are left on disk as uncontrolled.
func (w *Workspace) Remove(ctx context.Context, paths []string) (*RevertResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	baseline, err := w.baselineTree()
	if err != nil {
		return nil, err
	}
	current, _, err := w.observe(baseline)
	if err != nil {
		return nil, err
	}

	target := current.Clone()
	var scope []string
	for _, p := range paths {
		rel, err := w.rel(p)
		if err != nil {
			return nil, err
		}
		e, ok := current.Lookup(rel)
		if !ok || rel == "" {
			return nil, verrors.NotFound(fmt.Sprintf("'%s' is not under version control", rel))
		}
		scope = append(scope, e.GID)
		for _, d := range current.Descendants(e.GID) {
			scope = append(scope, d.GID)
			target.Delete(d.GID)
		}
		target.Delete(e.GID)
	}

	res, err := w.engine.Apply(ctx, revert.Request{
		Operation: "remove",
		Current:   current,
		Target:    target,
		Scope:     scope,
		Explained: w.explained(baseline),
		Forget:    func(gid string) bool { return !baseline.Has(gid) },
		Sparse:    w.sparse,
		Commit:    w.committer(nil),
	})
	w.logger.Info("items removed", zap.Int("count", len(scope)), zap.Error(err))
	return newRevertResult(res), err
}

// Move places the item at p inside the controlled directory destDir.
func (w *Workspace) Move(ctx context.Context, p, destDir string) error {
	return w.relocate(ctx, "move", p, func(current *repo.Tree, e *repo.Entry) error {
		rel, err := w.rel(destDir)
		if err != nil {
			return err
		}
		dest, ok := current.Lookup(rel)
		if !ok || !dest.IsDir() {
			return verrors.NotFound(fmt.Sprintf("'%s' is not a controlled directory", rel))
		}
		e.Parent = dest.GID
		return nil
	})
}

// Rename gives the item at p a new name in the same directory.
func (w *Workspace) Rename(ctx context.Context, p, name string) error {
	return w.relocate(ctx, "rename", p, func(_ *repo.Tree, e *repo.Entry) error {
		if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." || Ignored(name) {
			return verrors.ValidationError(fmt.Sprintf("invalid name '%s'", name), nil)
		}
		e.Name = name
		return nil
	})
}

func (w *Workspace) relocate(ctx context.Context, op, p string, change func(current *repo.Tree, e *repo.Entry) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	baseline, err := w.baselineTree()
	if err != nil {
		return err
	}
	current, _, err := w.observe(baseline)
	if err != nil {
		return err
	}
	rel, err := w.rel(p)
	if err != nil {
		return err
	}
	e, ok := current.Lookup(rel)
	if !ok || rel == "" {
		return verrors.NotFound(fmt.Sprintf("'%s' is not under version control", rel))
	}
	if err := change(current, &e); err != nil {
		return err
	}

	target := current.Clone()
	target.Put(e)
	if err := target.Validate(); err != nil {
		return verrors.ValidationError(fmt.Sprintf("cannot %s '%s': %v", op, rel, err), nil)
	}

	_, err = w.engine.Apply(ctx, revert.Request{
		Operation: op,
		Current:   current,
		Target:    target,
		Scope:     []string{e.GID},
		Strict:    true,
		Sparse:    w.sparse,
		Commit:    w.committer(nil),
	})
	if err != nil {
		return err
	}
	w.logger.Info("item relocated", zap.String("op", op), zap.String("from", rel), zap.String("path", target.Path(e.GID)))
	return nil
}

// SetExecutable sets or clears attribute bit 0 on a controlled file.
func (w *Workspace) SetExecutable(p string, exec bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	rel, err := w.rel(p)
	if err != nil {
		return err
	}
	e, ok := w.doc.Layout().Lookup(rel)
	if !ok || rel == "" {
		return verrors.NotFound(fmt.Sprintf("'%s' is not under version control", rel))
	}
	if e.IsDir() {
		return verrors.ValidationError(fmt.Sprintf("'%s' is a directory", rel), nil)
	}
	var attrs uint
	if exec {
		attrs = repo.AttrExec
	}
	if err := w.engine.Applier().Chmod(rel, attrs); err != nil {
		return verrors.IO(rel, err)
	}
	return nil
}

// Commit records the working copy as a new changeset. During a pending merge
// the changeset has the baseline and the other changeset as parents.
func (w *Workspace) Commit(message, who string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if n := w.doc.Unresolved(); n > 0 {
		return "", verrors.Unresolved(n)
	}

	baseline, err := w.baselineTree()
	if err != nil {
		return "", err
	}
	layout, wc, err := w.observe(baseline)
	if err != nil {
		return "", err
	}

	tree := layout.Clone()
	for _, gid := range layout.GIDs() {
		if gid == layout.Root {
			continue
		}
		e, _ := layout.Get(gid)
		v := wc[gid]
		p := layout.Path(gid)
		switch {
		case w.doc.Items[gid].Sparse:
			if !e.IsDir() && e.Hash == "" {
				return "", verrors.ValidationError(fmt.Sprintf("sparse item '%s' has no committed content", p), nil)
			}
			continue
		case !v.Exists:
			return "", verrors.ValidationError(fmt.Sprintf("cannot commit: '%s' is lost", p), []string{p})
		case v.Kind != e.Kind:
			return "", verrors.ValidationError(fmt.Sprintf("cannot commit: '%s' is no longer a %s", p, e.Kind), []string{p})
		case e.IsDir():
			continue
		}

		data, err := os.ReadFile(w.abs(p))
		if err != nil {
			return "", verrors.IO(p, err)
		}
		hash, err := w.store.StoreContent(e.Name, data)
		if err != nil {
			return "", fmt.Errorf("storing %s: %w", p, err)
		}
		e.Hash, e.Attrs = hash, v.Attrs
		tree.Put(e)
	}

	parents := []string{w.doc.Baseline}
	if w.doc.Merging() {
		parents = append(parents, w.doc.Other)
	}
	csid, err := w.store.Commit(tree, parents, message, repo.Audit{Who: who})
	if err != nil {
		return "", err
	}

	items := make(map[string]pending.Item, len(w.doc.Items))
	for gid, it := range w.doc.Items {
		it.MergeAdded, it.AutoMerged = false, ""
		items[gid] = it
	}
	err = w.pending.Update(w.doc, func(tx *pending.Tx) error {
		if err := tx.ClearConflicts(); err != nil {
			return err
		}
		if err := tx.ReplaceItems(items); err != nil {
			return err
		}
		return tx.SetState(pending.State{Baseline: csid, Root: w.doc.Root})
	})
	if err != nil {
		return "", fmt.Errorf("recording commit %s: %w", csid, err)
	}

	w.logger.Info("committed", zap.String("csid", csid), zap.Strings("parents", parents))
	return csid, nil
}

// Diff compares the baseline content of a controlled file with the disk.
func (w *Workspace) Diff(p string) (*diff.DiffResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	rel, err := w.rel(p)
	if err != nil {
		return nil, err
	}
	baseline, err := w.baselineTree()
	if err != nil {
		return nil, err
	}
	e, ok := w.lookup(rel, w.doc.Layout(), baseline)
	if !ok || e.IsDir() {
		return nil, verrors.NotFound(fmt.Sprintf("'%s' is not a controlled file", rel))
	}

	var oldContent, newContent []byte
	if be, ok := baseline.Get(e.GID); ok && !be.IsDir() {
		if oldContent, err = w.store.FetchContent(be.Hash); err != nil {
			return nil, err
		}
	}
	if !w.doc.Items[e.GID].Sparse {
		newContent, err = os.ReadFile(w.abs(rel))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, verrors.IO(rel, err)
		}
	} else {
		newContent = oldContent
	}
	if diff.IsBinary(oldContent) || diff.IsBinary(newContent) {
		return nil, verrors.ValidationError(fmt.Sprintf("'%s' is binary", rel), nil)
	}
	return diff.NewEngine(3).Diff(oldContent, newContent)
}

func (w *Workspace) sparse(gid string) bool {
	return w.doc.Items[gid].Sparse
}

// explained reports content any reference changeset of the working copy
// holds for the item.
func (w *Workspace) explained(baseline *repo.Tree) func(gid, hash string) bool {
	trees := []*repo.Tree{baseline}
	if w.doc.Merging() {
		for _, csid := range []string{w.doc.Ancestor, w.doc.Other} {
			if t, err := w.store.TreeOf(csid); err == nil {
				trees = append(trees, t)
			}
		}
	}
	return explainedBy(trees...)
}
