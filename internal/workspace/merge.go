// internal/workspace/merge.go
package workspace

import (
	"context"
	"fmt"

	"veracity/internal/conflict"
	verrors "veracity/internal/errors"
	"veracity/internal/merge"
	"veracity/internal/pending"
	"veracity/internal/revert"

	"go.uber.org/zap"
)

// MergeResult reports a merge started in the working copy.
type MergeResult struct {
	Other     string
	Ancestor  string
	Journal   []pending.JournalEntry
	Conflicts []*conflict.Record
	Applied   []revert.Action
	Found     []string
}

// Merge merges rev into the working copy. The working copy must be clean and
// must not already be merging. Non-conflicting changes are applied to disk;
// conflicts are recorded for Resolve. Nothing changes when an uncontrolled
// item is in the way.
func (w *Workspace) Merge(ctx context.Context, rev string) (*MergeResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	other, err := w.store.ResolveRevision(rev)
	if err != nil {
		return nil, err
	}
	if w.doc.Merging() {
		return nil, verrors.ValidationError("a merge is already pending; commit or revert it first", w.doc.Other)
	}
	base := w.doc.Baseline
	if other == base {
		return nil, verrors.ValidationError(fmt.Sprintf("nothing to merge: %s is the baseline", other), nil)
	}
	isAncestor, err := w.store.IsAncestor(other, base)
	if err != nil {
		return nil, err
	}
	if isAncestor {
		return nil, verrors.ValidationError(fmt.Sprintf("nothing to merge: %s is already an ancestor of the baseline", other), nil)
	}
	paths, err := w.pendingChanges()
	if err != nil {
		return nil, err
	}
	if len(paths) > 0 {
		return nil, verrors.PendingChanges("merge", paths)
	}

	baseline, err := w.baselineTree()
	if err != nil {
		return nil, err
	}
	current, wc, err := w.observe(baseline)
	if err != nil {
		return nil, err
	}

	plan, err := merge.NewPlanner(w.store, w.classes, w.logger).Plan(ctx, base, other, wc)
	if err != nil {
		return nil, err
	}

	res, applyErr := w.engine.Apply(ctx, revert.Request{
		Operation: "merge",
		Current:   current,
		Target:    plan.Result,
		Strict:    true,
		Explained: explainedBy(plan.AncestorTree, plan.BaselineTree, plan.OtherTree),
		Sparse:    w.sparse,
		Commit: w.committer(func(it *pending.Item) {
			if plan.MergeAdded[it.GID] {
				it.MergeAdded = true
			}
			if h, ok := plan.AutoMerged[it.GID]; ok {
				it.AutoMerged = h
			}
		}),
	})
	if res == nil {
		return nil, applyErr
	}

	// The merge is recorded even when some items failed so that it can be
	// inspected and reverted.
	err = w.pending.Update(w.doc, func(tx *pending.Tx) error {
		for _, r := range plan.Conflicts {
			if err := tx.PutConflict(r); err != nil {
				return err
			}
		}
		return tx.SetState(pending.State{
			Baseline: base,
			Other:    other,
			Ancestor: plan.Ancestor,
			Root:     w.doc.Root,
			Journal:  plan.Journal,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("recording merge: %w", err)
	}

	w.logger.Info("merge started",
		zap.String("other", other),
		zap.String("ancestor", plan.Ancestor),
		zap.Int("journal", len(plan.Journal)),
		zap.Int("conflicts", len(plan.Conflicts)),
		zap.Error(applyErr))

	return &MergeResult{
		Other:     other,
		Ancestor:  plan.Ancestor,
		Journal:   plan.Journal,
		Conflicts: plan.Conflicts,
		Applied:   res.Applied,
		Found:     res.Found,
	}, applyErr
}
