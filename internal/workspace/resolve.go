// internal/workspace/resolve.go
package workspace

import (
	"context"
	"fmt"
	"sort"

	"veracity/internal/conflict"
	verrors "veracity/internal/errors"
	"veracity/internal/pending"
	"veracity/internal/repo"
	"veracity/internal/revert"
	"veracity/internal/treediff"

	"go.uber.org/zap"
)

type ResolveOptions struct {
	// Kind limits the resolution to one conflict kind on the item.
	Kind *conflict.Kind
	// Overwrite allows changing an already accepted value.
	Overwrite bool
}

// ListConflicts returns the conflicts of the pending merge in listing order,
// with paths and working values as they are in the working copy now.
func (w *Workspace) ListConflicts() ([]*conflict.Record, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	layout := w.doc.Layout()
	var wc treediff.WorkingState
	if w.doc.Merging() {
		baseline, err := w.baselineTree()
		if err != nil {
			return nil, err
		}
		if _, wc, err = w.observe(baseline); err != nil {
			return nil, err
		}
	}

	out := make([]*conflict.Record, 0, len(w.doc.Conflicts))
	for _, r := range w.doc.Conflicts {
		c := *r
		if layout.Has(c.GID) {
			c.Path = layout.Path(c.GID)
		}
		if v, ok := wc[c.GID]; ok {
			c.Working = v
		}
		out = append(out, &c)
	}
	conflict.Sort(out)
	return out, nil
}

// Resolve accepts one candidate value for the conflicts on the item at p and
// applies the accepted values to disk. Accepting the working value keeps the
// disk as it is. Resolving an already resolved conflict requires Overwrite;
// the disk always ends up matching the accepted values, so resolving twice
// with the same choice changes nothing.
func (w *Workspace) Resolve(ctx context.Context, p string, choice conflict.Choice, opts ResolveOptions) ([]*conflict.Record, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := conflict.ParseChoice(string(choice)); err != nil {
		return nil, err
	}
	rel, err := w.rel(p)
	if err != nil {
		return nil, err
	}
	if !w.doc.Merging() {
		return nil, verrors.NotFound("no merge is pending")
	}

	baseline, err := w.baselineTree()
	if err != nil {
		return nil, err
	}
	ancestor, err := w.store.TreeOf(w.doc.Ancestor)
	if err != nil {
		return nil, err
	}
	other, err := w.store.TreeOf(w.doc.Other)
	if err != nil {
		return nil, err
	}
	current, _, err := w.observe(baseline)
	if err != nil {
		return nil, err
	}

	var matched []*conflict.Record
	for _, r := range w.doc.Conflicts {
		at := r.Path
		if current.Has(r.GID) {
			at = current.Path(r.GID)
		}
		if at != rel && r.Path != rel {
			continue
		}
		if opts.Kind != nil && r.Kind != *opts.Kind {
			continue
		}
		matched = append(matched, r)
	}
	if len(matched) == 0 {
		return nil, verrors.NotFound(fmt.Sprintf("no conflicts on '%s'", rel))
	}
	conflict.Sort(matched)

	// Transition copies so a refused resolution leaves every record as it was.
	updated := make(map[string]*conflict.Record, len(matched))
	for _, r := range matched {
		next := *r
		if err := next.Resolve(choice, opts.Overwrite); err != nil {
			return nil, err
		}
		if choice != conflict.ChoiceWorking && next.Kind != conflict.Existence && !next.Candidate(choice).Exists {
			return nil, verrors.ValidationError(
				fmt.Sprintf("'%s' does not exist in the %s changeset; resolve its existence instead", rel, choice), nil)
		}
		updated[next.ID] = &next
	}

	trees := map[conflict.Choice]*repo.Tree{
		conflict.ChoiceAncestor: ancestor,
		conflict.ChoiceBaseline: baseline,
		conflict.ChoiceOther:    other,
	}
	target := current.Clone()
	var scope []string
	removing := false
	for _, gid := range gidsOf(matched) {
		var records []*conflict.Record
		for _, r := range w.doc.Conflicts {
			if r.GID != gid {
				continue
			}
			if u, ok := updated[r.ID]; ok {
				r = u
			}
			records = append(records, r)
		}
		sort.Slice(records, func(i, j int) bool { return records[i].Kind < records[j].Kind })

		s, removed, err := accept(target, gid, records, trees)
		if err != nil {
			return nil, err
		}
		scope = append(scope, s...)
		removing = removing || removed
	}
	for _, gid := range scope {
		if taken := occupant(target, gid); taken != "" {
			return nil, verrors.ValidationError(
				fmt.Sprintf("'%s' is already taken by another item; rename it first or accept working", taken), nil)
		}
	}
	if err := target.Validate(); err != nil {
		w.logger.Debug("resolution refused", zap.String("path", rel), zap.Error(err))
		return nil, verrors.ValidationError(fmt.Sprintf("cannot resolve '%s': the accepted values do not form a valid tree", rel), nil)
	}

	autoMerged := make(map[string]string)
	for gid, it := range w.doc.Items {
		if it.AutoMerged != "" {
			autoMerged[gid] = it.AutoMerged
		}
	}

	res, err := w.engine.Apply(ctx, revert.Request{
		Operation:  "resolve",
		Current:    current,
		Target:     target,
		Scope:      scope,
		NoBackups:  removing && !w.cfg.Resolve.ExistenceBackups,
		Explained:  explainedBy(ancestor, baseline, other),
		Sparse:     w.sparse,
		AutoMerged: autoMerged,
		Commit:     w.committer(nil),
	})
	if err != nil {
		return nil, err
	}

	err = w.pending.Update(w.doc, func(tx *pending.Tx) error {
		for _, r := range updated {
			if err := tx.PutConflict(r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recording resolution: %w", err)
	}

	out := make([]*conflict.Record, 0, len(updated))
	for _, r := range updated {
		out = append(out, r)
	}
	conflict.Sort(out)
	w.logger.Info("conflicts resolved",
		zap.String("path", rel),
		zap.String("choice", string(choice)),
		zap.Int("count", len(out)),
		zap.Int("found", len(res.Found)))
	return out, nil
}

// occupant returns the path gid would take in target when another item
// already sits there, or "" when the place is free.
func occupant(target *repo.Tree, gid string) string {
	e, ok := target.Get(gid)
	if !ok || gid == target.Root {
		return ""
	}
	for _, sib := range target.Children(e.Parent) {
		if sib.GID != gid && sib.Name == e.Name {
			return target.Path(gid)
		}
	}
	return ""
}

// accept applies the accepted values of records, all on gid, to target and
// returns the GIDs whose placement changed.
func accept(target *repo.Tree, gid string, records []*conflict.Record, trees map[conflict.Choice]*repo.Tree) ([]string, bool, error) {
	scope := []string{gid}
	for _, r := range records {
		v, ok := r.Accepted()
		if !ok || r.State.Choice == conflict.ChoiceWorking {
			continue
		}

		if r.Kind == conflict.Existence {
			if !v.Exists {
				for _, d := range target.Descendants(gid) {
					scope = append(scope, d.GID)
					target.Delete(d.GID)
				}
				target.Delete(gid)
				return scope, true, nil
			}
			if !target.Has(gid) {
				scope = append(scope, restore(target, trees[r.State.Choice], gid)...)
			}
			continue
		}

		e, ok := target.Get(gid)
		if !ok {
			continue
		}
		switch r.Kind {
		case conflict.Contents:
			e.Hash = v.Hash
		case conflict.Attributes:
			e.Attrs = v.Attrs
		case conflict.Name:
			e.Name = v.Name
		case conflict.Location:
			if !target.Has(v.Parent) {
				return nil, false, verrors.ValidationError(
					fmt.Sprintf("the %s location of '%s' is not in the working copy", r.State.Choice, r.Path), nil)
			}
			e.Parent = v.Parent
		}
		target.Put(e)
	}
	return scope, false, nil
}

// restore copies gid from source into target together with any missing
// ancestors and, for directories, the descendants source has.
func restore(target, source *repo.Tree, gid string) []string {
	var added []string
	e, ok := source.Get(gid)
	if !ok {
		return nil
	}
	var chain []repo.Entry
	for p := e.Parent; p != "" && p != source.Root && !target.Has(p); {
		pe, ok := source.Get(p)
		if !ok {
			break
		}
		chain = append(chain, pe)
		p = pe.Parent
	}
	for i := len(chain) - 1; i >= 0; i-- {
		target.Put(chain[i])
		added = append(added, chain[i].GID)
	}
	target.Put(e)
	added = append(added, gid)
	for _, d := range source.Descendants(gid) {
		if !target.Has(d.GID) {
			target.Put(d)
			added = append(added, d.GID)
		}
	}
	return added
}

func gidsOf(records []*conflict.Record) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range records {
		if !seen[r.GID] {
			seen[r.GID] = true
			out = append(out, r.GID)
		}
	}
	return out
}
