// internal/merge/planner.go
package merge

import (
	"context"
	"fmt"
	"sort"

	"veracity/internal/conflict"
	"veracity/internal/fileclass"
	"veracity/internal/logging"
	"veracity/internal/pending"
	"veracity/internal/repo"
	"veracity/internal/treediff"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Source is the part of the changeset store the planner reads from.
type Source interface {
	TreeOf(csid string) (*repo.Tree, error)
	FetchContent(hash string) ([]byte, error)
	StoreContent(name string, content []byte) (string, error)
	CommonAncestor(a, b string) (string, error)
}

// Plan is the outcome of planning a merge. Result is the merged layout with
// every conflicted property left at its baseline value.
type Plan struct {
	Ancestor   string
	Baseline   string
	Other      string
	Result     *repo.Tree
	Journal    []pending.JournalEntry
	Conflicts  []*conflict.Record
	AutoMerged map[string]string
	MergeAdded map[string]bool

	AncestorTree *repo.Tree
	BaselineTree *repo.Tree
	OtherTree    *repo.Tree
}

type Planner struct {
	source  Source
	classes *fileclass.Classes
	logger  *logging.Logger
}

func NewPlanner(source Source, classes *fileclass.Classes, logger *logging.Logger) *Planner {
	if classes == nil {
		classes = &fileclass.Classes{Default: fileclass.AutoMerge{}}
	}
	return &Planner{source: source, classes: classes, logger: logger.Named("merge")}
}

// planning carries the state of one Plan call.
type planning struct {
	*Planner
	ctx       context.Context
	plan      *Plan
	diffs     *treediff.Result
	conflicts map[string]*conflict.Record
}

// Plan merges other into baseline. Divergence never fails the plan; it
// becomes conflict records. Only store failures are returned as errors.
func (p *Planner) Plan(ctx context.Context, baseline, other string, wc treediff.WorkingState) (*Plan, error) {
	ancestor, err := p.source.CommonAncestor(baseline, other)
	if err != nil {
		return nil, fmt.Errorf("finding common ancestor: %w", err)
	}

	a, err := p.source.TreeOf(ancestor)
	if err != nil {
		return nil, fmt.Errorf("loading ancestor tree: %w", err)
	}
	b, err := p.source.TreeOf(baseline)
	if err != nil {
		return nil, fmt.Errorf("loading baseline tree: %w", err)
	}
	c, err := p.source.TreeOf(other)
	if err != nil {
		return nil, fmt.Errorf("loading other tree: %w", err)
	}
	if a.Root != b.Root || b.Root != c.Root {
		return nil, fmt.Errorf("changesets %s and %s do not share a root directory", baseline, other)
	}

	pl := &planning{
		Planner: p,
		ctx:     ctx,
		plan: &Plan{
			Ancestor:     ancestor,
			Baseline:     baseline,
			Other:        other,
			Result:       b.Clone(),
			AutoMerged:   make(map[string]string),
			MergeAdded:   make(map[string]bool),
			AncestorTree: a,
			BaselineTree: b,
			OtherTree:    c,
		},
		diffs:     treediff.Diff3(a, b, c, wc),
		conflicts: make(map[string]*conflict.Record),
	}

	for _, d := range pl.diffs.Items {
		if err := pl.item(d); err != nil {
			return nil, err
		}
	}
	pl.fixCollisions()
	pl.fixCycles()
	pl.fixOrphans()

	pl.plan.Journal = journal(b, pl.plan.Result, pl.plan.AutoMerged)
	pl.plan.Conflicts = lo.Values(pl.conflicts)
	conflict.Sort(pl.plan.Conflicts)

	p.logger.Info("merge planned",
		zap.String("baseline", baseline),
		zap.String("other", other),
		zap.String("ancestor", ancestor),
		zap.Int("journal", len(pl.plan.Journal)),
		zap.Int("conflicts", len(pl.plan.Conflicts)))
	return pl.plan, nil
}

func (pl *planning) item(d *treediff.ItemDiff) error {
	res := pl.plan.Result

	if d.ExistenceConflict() {
		cause := conflict.CauseDeleteChange
		switch {
		case d.IsDir() && (d.SubtreeBaseline || d.SubtreeOther):
			cause = conflict.CauseDirDeleteEdit
		case !d.IsDir() && (d.Content.InBaseline() || d.Content.InOther()):
			cause = conflict.CauseDeleteEdit
		}
		pl.record(d, conflict.Existence, cause)
		return nil
	}

	switch {
	case d.Ancestor == nil && d.Baseline == nil && d.Other != nil:
		res.Put(*d.Other)
		pl.plan.MergeAdded[d.GID] = true
		return nil
	case d.DeletedInOther() && d.Baseline != nil:
		res.Delete(d.GID)
		return nil
	case d.Baseline == nil || d.Other == nil:
		return nil
	}

	e, _ := res.Get(d.GID)

	switch d.Name {
	case treediff.OtherOnly:
		e.Name = d.Other.Name
	case treediff.BothDivergent:
		pl.record(d, conflict.Name, conflict.CauseRename)
	}

	switch d.Location {
	case treediff.OtherOnly:
		e.Parent = d.Other.Parent
	case treediff.BothDivergent:
		pl.record(d, conflict.Location, conflict.CauseMove)
	}

	switch d.Attrs {
	case treediff.OtherOnly:
		e.Attrs = d.Other.Attrs
	case treediff.BothDivergent:
		pl.record(d, conflict.Attributes, conflict.CauseAttributes)
	}

	switch d.Content {
	case treediff.OtherOnly:
		e.Hash = d.Other.Hash
	case treediff.BothDivergent:
		hash, clean, cause, err := pl.mergeContent(d)
		if err != nil {
			return err
		}
		if clean {
			e.Hash = hash
			pl.plan.AutoMerged[d.GID] = hash
		} else {
			pl.record(d, conflict.Contents, cause)
		}
	}

	res.Put(e)
	return nil
}

// mergeContent offers divergent content to the file class strategy.
func (pl *planning) mergeContent(d *treediff.ItemDiff) (string, bool, string, error) {
	class, strategy := pl.classes.For(d.Path)

	var in fileclass.Input
	in.Path = d.Path
	for _, v := range []struct {
		hash string
		dst  *[]byte
	}{
		{d.Ancestor.Hash, &in.Ancestor},
		{d.Baseline.Hash, &in.Baseline},
		{d.Other.Hash, &in.Other},
	} {
		data, err := pl.source.FetchContent(v.hash)
		if err != nil {
			return "", false, "", fmt.Errorf("loading content of %s: %w", d.Path, err)
		}
		*v.dst = data
	}

	out, err := strategy.Merge(pl.ctx, in)
	if err != nil {
		return "", false, "", fmt.Errorf("merging %s with %s strategy: %w", d.Path, strategy.Name(), err)
	}
	pl.logger.Debug("content merge",
		zap.String("path", d.Path),
		zap.String("class", class),
		zap.String("strategy", out.Strategy),
		zap.Bool("clean", out.Clean),
		zap.Int("conflicts", out.Conflicts))

	if !out.Clean {
		if out.Strategy == fileclass.StrategyMerge && out.Conflicts > 0 {
			return "", false, conflict.CauseContents, nil
		}
		return "", false, conflict.CauseContentsBinary, nil
	}
	hash, err := pl.source.StoreContent(d.Path, out.Content)
	if err != nil {
		return "", false, "", fmt.Errorf("storing merged content of %s: %w", d.Path, err)
	}
	return hash, true, "", nil
}

func (pl *planning) record(d *treediff.ItemDiff, kind conflict.Kind, cause string) *conflict.Record {
	p := pl.plan
	r := conflict.New(d.GID, kind, cause, p.AncestorTree, p.BaselineTree, p.OtherTree)
	r.Working = d.Working
	pl.conflicts[r.ID] = r
	return r
}

// fixCollisions turns duplicate names in the merged layout into Name
// conflicts. Items that have a baseline placement go back to it; items added
// by the merge get a temporary name.
func (pl *planning) fixCollisions() {
	res, b := pl.plan.Result, pl.plan.BaselineTree
	groups := make(map[string][]string)
	for gid, e := range res.Entries {
		if gid == res.Root {
			continue
		}
		key := e.Parent + "/" + e.Name
		groups[key] = append(groups[key], gid)
	}

	keys := lo.Keys(groups)
	sort.Strings(keys)
	for _, key := range keys {
		gids := groups[key]
		if len(gids) < 2 {
			continue
		}
		sort.Strings(gids)
		for _, gid := range gids {
			e, _ := res.Get(gid)
			be, inBaseline := b.Get(gid)
			if inBaseline && be.Parent == e.Parent && be.Name == e.Name {
				continue
			}
			if inBaseline {
				e.Parent, e.Name = be.Parent, be.Name
			} else {
				e.Name = fmt.Sprintf("%s~%s", e.Name, gid[:min(len(gid), 8)])
			}
			res.Put(e)

			d, _ := pl.diffs.Get(gid)
			r := pl.record(d, conflict.Name, conflict.CauseCollision)
			r.Related = lo.Without(gids, gid)
			r.Path = res.Path(gid)
			if !inBaseline {
				r.Working = conflict.ValueOf(res, gid)
			}
		}
	}
}

// fixCycles reverts other-side moves that would put a directory inside
// itself.
func (pl *planning) fixCycles() {
	res, b := pl.plan.Result, pl.plan.BaselineTree
	for _, gid := range res.GIDs() {
		e, _ := res.Get(gid)
		if gid == res.Root || !e.IsDir() || !res.IsAncestor(gid, gid) {
			continue
		}
		be, ok := b.Get(gid)
		if !ok || be.Parent == e.Parent {
			continue
		}
		e.Parent = be.Parent
		res.Put(e)
		d, _ := pl.diffs.Get(gid)
		pl.record(d, conflict.Location, conflict.CauseCycle)
	}
}

// fixOrphans puts back items whose merged parent is missing, which happens
// when the parent kept its baseline deletion because of a conflict.
func (pl *planning) fixOrphans() {
	res, b := pl.plan.Result, pl.plan.BaselineTree
	for changed := true; changed; {
		changed = false
		for _, gid := range res.GIDs() {
			e, _ := res.Get(gid)
			if gid == res.Root || res.Has(e.Parent) {
				continue
			}
			changed = true
			if be, ok := b.Get(gid); ok && res.Has(be.Parent) {
				e.Parent, e.Name = be.Parent, be.Name
				res.Put(e)
				continue
			}
			res.Delete(gid)
			delete(pl.plan.MergeAdded, gid)
			delete(pl.plan.AutoMerged, gid)
		}
	}
}

// journal derives the applied operations from the baseline and merged trees,
// in path order.
func journal(b, res *repo.Tree, autoMerged map[string]string) []pending.JournalEntry {
	var out []pending.JournalEntry
	for _, gid := range res.GIDs() {
		if gid == res.Root {
			continue
		}
		e, _ := res.Get(gid)
		p := res.Path(gid)
		be, ok := b.Get(gid)
		if !ok {
			op := pending.OpAddFileFromRepo
			if e.IsDir() {
				op = pending.OpAddDirectory
			}
			out = append(out, pending.JournalEntry{Op: op, Path: p, GID: gid, Hash: e.Hash, Attrs: e.Attrs})
			continue
		}
		if be.Parent != e.Parent || be.Name != e.Name {
			out = append(out, pending.JournalEntry{Op: pending.OpMoveRename, Path: p, GID: gid, From: b.Path(gid)})
		}
		switch {
		case be.Hash != e.Hash && autoMerged[gid] == e.Hash:
			out = append(out, pending.JournalEntry{Op: pending.OpAutoMergeFile, Path: p, GID: gid, Hash: e.Hash, Attrs: e.Attrs})
		case be.Hash != e.Hash || be.Attrs != e.Attrs:
			out = append(out, pending.JournalEntry{Op: pending.OpOverwriteFileFromRepo, Path: p, GID: gid, Hash: e.Hash, Attrs: e.Attrs})
		}
	}
	for _, gid := range b.GIDs() {
		if gid != b.Root && !res.Has(gid) {
			out = append(out, pending.JournalEntry{Op: pending.OpDelete, Path: b.Path(gid), GID: gid})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
