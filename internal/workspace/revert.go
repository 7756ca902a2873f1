// internal/workspace/revert.go
package workspace

import (
	"context"
	"fmt"

	"veracity/internal/conflict"
	verrors "veracity/internal/errors"
	"veracity/internal/pending"
	"veracity/internal/repo"
	"veracity/internal/revert"

	"github.com/gobwas/glob"
	"go.uber.org/zap"
)

type RevertOptions struct {
	Paths     []string
	All       bool
	Recursive bool
	NoBackups bool
	DryRun    bool
}

// RevertResult lists what was done and which paths are now uncontrolled:
// backups and items that left version control.
type RevertResult struct {
	Applied []revert.Action
	Found   []string
}

func newRevertResult(res *revert.Result) *RevertResult {
	if res == nil {
		return &RevertResult{}
	}
	return &RevertResult{Applied: res.Applied, Found: res.Found}
}

// Revert returns items to their baseline state. Reverting the whole working
// copy also abandons a pending merge; it refuses with an interference error
// before touching anything when an uncontrolled item is in the way.
func (w *Workspace) Revert(ctx context.Context, opts RevertOptions) (*RevertResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !opts.All && len(opts.Paths) == 0 {
		return nil, verrors.ValidationError("nothing to revert: name items or revert everything", nil)
	}

	baseline, err := w.baselineTree()
	if err != nil {
		return nil, err
	}
	current, _, err := w.observe(baseline)
	if err != nil {
		return nil, err
	}

	var scope []string
	if !opts.All {
		for _, p := range opts.Paths {
			rel, err := w.rel(p)
			if err != nil {
				return nil, err
			}
			e, ok := w.lookup(rel, current, baseline)
			if !ok || rel == "" {
				return nil, verrors.NotFound(fmt.Sprintf("'%s' is not under version control", rel))
			}
			scope = append(scope, e.GID)
			if opts.Recursive && e.IsDir() {
				for _, t := range []*repo.Tree{current, baseline} {
					for _, d := range t.Descendants(e.GID) {
						scope = append(scope, d.GID)
					}
				}
			}
		}
	}

	autoMerged := make(map[string]string)
	for gid, it := range w.doc.Items {
		if it.AutoMerged != "" {
			autoMerged[gid] = it.AutoMerged
		}
	}

	req := revert.Request{
		Operation:  "revert",
		Current:    current,
		Target:     baseline,
		Scope:      scope,
		Strict:     opts.All,
		NoBackups:  opts.NoBackups || !w.cfg.Revert.Backups,
		DryRun:     opts.DryRun,
		Explained:  w.explained(baseline),
		Forget:     func(gid string) bool { return !baseline.Has(gid) && !w.doc.Items[gid].MergeAdded },
		Sparse:     w.sparse,
		AutoMerged: autoMerged,
		Commit: w.committer(func(it *pending.Item) {
			it.MergeAdded, it.AutoMerged = false, ""
		}),
	}

	res, err := w.engine.Apply(ctx, req)
	if res == nil {
		return nil, err
	}
	result := newRevertResult(res)
	if opts.DryRun {
		return result, err
	}
	if err != nil {
		w.logger.Warn("revert incomplete", zap.Error(err))
		return result, err
	}

	if opts.All {
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
			return tx.SetState(pending.State{Baseline: w.doc.Baseline, Root: w.doc.Root})
		})
	} else if w.doc.Merging() {
		err = w.resolveReverted(scope)
	}
	if err != nil {
		return result, err
	}

	w.logger.Info("reverted",
		zap.Bool("all", opts.All),
		zap.Int("applied", len(result.Applied)),
		zap.Int("found", len(result.Found)))
	return result, nil
}

// resolveReverted marks the conflicts of reverted items as resolved to the
// baseline value.
func (w *Workspace) resolveReverted(scope []string) error {
	in := make(map[string]bool, len(scope))
	for _, gid := range scope {
		in[gid] = true
	}
	return w.pending.Update(w.doc, func(tx *pending.Tx) error {
		for _, r := range w.doc.Conflicts {
			if !in[r.GID] {
				continue
			}
			next := *r
			if err := next.Resolve(conflict.ChoiceBaseline, true); err != nil {
				return err
			}
			if err := tx.PutConflict(&next); err != nil {
				return err
			}
		}
		return nil
	})
}

// Update moves a clean working copy to rev, keeping sparse items sparse.
func (w *Workspace) Update(ctx context.Context, rev string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.switchTo(ctx, "update", rev, func(gid, _ string) bool {
		return w.doc.Items[gid].Sparse
	})
}

// Checkout moves a clean working copy to rev. Items whose path matches one of
// the sparse patterns, and everything below them, are left unpopulated.
func (w *Workspace) Checkout(ctx context.Context, rev string, sparse []string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var matchers []glob.Glob
	for _, p := range sparse {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return "", verrors.ValidationError(fmt.Sprintf("invalid sparse pattern '%s': %v", p, err), nil)
		}
		matchers = append(matchers, g)
	}
	return w.switchTo(ctx, "checkout", rev, func(_, p string) bool {
		for _, m := range matchers {
			if m.Match(p) {
				return true
			}
		}
		return false
	})
}

func (w *Workspace) switchTo(ctx context.Context, op, rev string, sparse func(gid, path string) bool) (string, error) {
	csid, err := w.store.ResolveRevision(rev)
	if err != nil {
		return "", err
	}
	if w.doc.Merging() {
		return "", verrors.ValidationError(fmt.Sprintf("cannot %s while a merge is pending", op), nil)
	}
	paths, err := w.pendingChanges()
	if err != nil {
		return "", err
	}
	if len(paths) > 0 {
		return "", verrors.PendingChanges(op, paths)
	}

	baseline, err := w.baselineTree()
	if err != nil {
		return "", err
	}
	target, err := w.store.TreeOf(csid)
	if err != nil {
		return "", err
	}
	current, _, err := w.observe(baseline)
	if err != nil {
		return "", err
	}

	// A matching directory makes its whole subtree sparse.
	wantSparse := make(map[string]bool)
	for _, e := range target.Descendants(target.Root) {
		if wantSparse[e.Parent] || sparse(e.GID, target.Path(e.GID)) {
			wantSparse[e.GID] = true
		}
	}

	// Items becoming sparse leave the disk; the engine never touches items
	// that stay sparse.
	applied := target.Clone()
	for gid := range wantSparse {
		if !w.doc.Items[gid].Sparse {
			applied.Delete(gid)
		}
	}
	staysSparse := func(gid string) bool { return w.doc.Items[gid].Sparse && wantSparse[gid] }

	_, err = w.engine.Apply(ctx, revert.Request{
		Operation: op,
		Current:   current,
		Target:    applied,
		Strict:    true,
		Explained: explainedBy(baseline, target),
		Sparse:    staysSparse,
		Commit: w.committer(func(it *pending.Item) {
			it.Sparse = wantSparse[it.GID]
		}),
	})
	if err != nil {
		return "", err
	}

	items := make(map[string]pending.Item, len(target.Entries))
	for gid, e := range target.Entries {
		if gid == target.Root {
			continue
		}
		it := pending.ItemFromEntry(e)
		it.Sparse = wantSparse[gid]
		items[gid] = it
	}
	err = w.pending.Update(w.doc, func(tx *pending.Tx) error {
		if err := tx.ReplaceItems(items); err != nil {
			return err
		}
		return tx.SetState(pending.State{Baseline: csid, Root: target.Root})
	})
	if err != nil {
		return "", fmt.Errorf("recording %s to %s: %w", op, csid, err)
	}

	w.logger.Info("working copy moved", zap.String("op", op), zap.String("csid", csid), zap.Int("sparse", len(wantSparse)))
	return csid, nil
}
