// internal/treediff/treediff.go
package treediff

import (
	"sort"

	"veracity/internal/conflict"
	"veracity/internal/repo"

	"github.com/samber/lo"
)

// Change classifies one property of one item across ancestor, baseline and
// other.
type Change int

const (
	Unchanged Change = iota
	BaselineOnly
	OtherOnly
	BothIdentical
	BothDivergent
)

func (c Change) String() string {
	switch c {
	case Unchanged:
		return "unchanged"
	case BaselineOnly:
		return "changed-in-baseline-only"
	case OtherOnly:
		return "changed-in-other-only"
	case BothIdentical:
		return "changed-identically"
	case BothDivergent:
		return "changed-divergently"
	}
	return "unknown"
}

// InBaseline reports whether baseline changed the property.
func (c Change) InBaseline() bool { return c == BaselineOnly || c == BothIdentical || c == BothDivergent }

// InOther reports whether other changed the property.
func (c Change) InOther() bool { return c == OtherOnly || c == BothIdentical || c == BothDivergent }

// Classify compares a property's ancestor value a with baseline b and other c.
func Classify[T comparable](a, b, c T) Change {
	switch {
	case b == a && c == a:
		return Unchanged
	case c == a:
		return BaselineOnly
	case b == a:
		return OtherOnly
	case b == c:
		return BothIdentical
	default:
		return BothDivergent
	}
}

// WorkingState is the observed working copy, keyed by GID. Items missing
// from the map are treated as matching the baseline.
type WorkingState map[string]conflict.Value

// ItemDiff is the per-property classification of one GID.
type ItemDiff struct {
	GID      string
	Path     string
	Ancestor *repo.Entry
	Baseline *repo.Entry
	Other    *repo.Entry
	Working  conflict.Value

	Existence Change
	Content   Change
	Name      Change
	Location  Change
	Attrs     Change

	// Set on directories whose descendants were added or changed on that side.
	SubtreeBaseline bool
	SubtreeOther    bool
}

// IsDir reports whether the item is a directory on any side.
func (d *ItemDiff) IsDir() bool {
	for _, e := range []*repo.Entry{d.Baseline, d.Other, d.Ancestor} {
		if e != nil {
			return e.IsDir()
		}
	}
	return false
}

// DeletedInBaseline reports an item present in the ancestor that baseline
// removed.
func (d *ItemDiff) DeletedInBaseline() bool {
	return d.Ancestor != nil && d.Baseline == nil
}

func (d *ItemDiff) DeletedInOther() bool {
	return d.Ancestor != nil && d.Other == nil
}

// ChangedInBaseline reports any non-existence property change on baseline.
func (d *ItemDiff) ChangedInBaseline() bool {
	return d.Content.InBaseline() || d.Name.InBaseline() || d.Location.InBaseline() || d.Attrs.InBaseline()
}

func (d *ItemDiff) ChangedInOther() bool {
	return d.Content.InOther() || d.Name.InOther() || d.Location.InOther() || d.Attrs.InOther()
}

// ExistenceConflict reports an item deleted on one side and changed on the
// other. A directory counts as changed when anything below it was.
func (d *ItemDiff) ExistenceConflict() bool {
	switch {
	case d.DeletedInBaseline() && d.Other != nil:
		return d.ChangedInOther() || d.SubtreeOther
	case d.DeletedInOther() && d.Baseline != nil:
		return d.ChangedInBaseline() || d.SubtreeBaseline
	}
	return false
}

// Unchanged reports an item neither side touched.
func (d *ItemDiff) Unchanged() bool {
	return d.Existence == Unchanged && d.Content == Unchanged && d.Name == Unchanged &&
		d.Location == Unchanged && d.Attrs == Unchanged
}

// Dirty reports a working copy value that differs from baseline.
func (d *ItemDiff) Dirty() bool {
	b := valueOf(d.Baseline)
	w := d.Working
	if w.Exists != b.Exists {
		return true
	}
	if !w.Exists {
		return false
	}
	return w.Hash != b.Hash || w.Attrs != b.Attrs || w.Name != b.Name || w.Parent != b.Parent
}

// Result holds the item diffs in path order.
type Result struct {
	Items []*ItemDiff
	byGID map[string]*ItemDiff
}

func (r *Result) Get(gid string) (*ItemDiff, bool) {
	d, ok := r.byGID[gid]
	return d, ok
}

// Changed returns the items with any change on either side.
func (r *Result) Changed() []*ItemDiff {
	return lo.Filter(r.Items, func(d *ItemDiff, _ int) bool { return !d.Unchanged() })
}

// Diff3 classifies every GID in the union of the three trees and the working
// copy. The root directory is not reported.
func Diff3(ancestor, baseline, other *repo.Tree, wc WorkingState) *Result {
	gids := lo.Uniq(lo.Flatten([][]string{
		lo.Keys(ancestor.Entries),
		lo.Keys(baseline.Entries),
		lo.Keys(other.Entries),
		lo.Keys(map[string]conflict.Value(wc)),
	}))

	res := &Result{byGID: make(map[string]*ItemDiff, len(gids))}
	for _, gid := range gids {
		if gid == baseline.Root || gid == other.Root || gid == ancestor.Root {
			continue
		}
		d := &ItemDiff{
			GID:      gid,
			Ancestor: lookup(ancestor, gid),
			Baseline: lookup(baseline, gid),
			Other:    lookup(other, gid),
		}
		d.Existence = Classify(d.Ancestor != nil, d.Baseline != nil, d.Other != nil)

		a := d.Ancestor
		b, c := orElse(d.Baseline, a), orElse(d.Other, a)
		d.Content = Classify(hashOf(a), hashOf(b), hashOf(c))
		d.Name = Classify(nameOf(a), nameOf(b), nameOf(c))
		d.Location = Classify(parentOf(a), parentOf(b), parentOf(c))
		d.Attrs = Classify(attrsOf(a), attrsOf(b), attrsOf(c))

		switch {
		case d.Baseline != nil:
			d.Path = baseline.Path(gid)
		case d.Other != nil:
			d.Path = other.Path(gid)
		case d.Ancestor != nil:
			d.Path = ancestor.Path(gid)
		}

		if w, ok := wc[gid]; ok {
			d.Working = w
			if d.Path == "" {
				d.Path = w.Path
			}
		} else {
			d.Working = conflict.ValueOf(baseline, gid)
		}

		res.Items = append(res.Items, d)
		res.byGID[gid] = d
	}

	markSubtrees(res, baseline, func(d *ItemDiff) bool {
		return (d.Baseline != nil && d.Ancestor == nil) || (d.Baseline != nil && d.ChangedInBaseline())
	}, func(d *ItemDiff) { d.SubtreeBaseline = true })
	markSubtrees(res, other, func(d *ItemDiff) bool {
		return (d.Other != nil && d.Ancestor == nil) || (d.Other != nil && d.ChangedInOther())
	}, func(d *ItemDiff) { d.SubtreeOther = true })

	sort.Slice(res.Items, func(i, j int) bool {
		if res.Items[i].Path != res.Items[j].Path {
			return res.Items[i].Path < res.Items[j].Path
		}
		return res.Items[i].GID < res.Items[j].GID
	})
	return res
}

// markSubtrees flags every directory above a changed item in side.
func markSubtrees(res *Result, side *repo.Tree, changed func(*ItemDiff) bool, mark func(*ItemDiff)) {
	for _, d := range res.Items {
		if !changed(d) {
			continue
		}
		for parent := parentOf(lookup(side, d.GID)); parent != "" && parent != side.Root; {
			p, ok := res.byGID[parent]
			if !ok {
				break
			}
			mark(p)
			parent = parentOf(lookup(side, parent))
		}
	}
}

func lookup(t *repo.Tree, gid string) *repo.Entry {
	e, ok := t.Get(gid)
	if !ok {
		return nil
	}
	return &e
}

func orElse(e, fallback *repo.Entry) *repo.Entry {
	if e != nil {
		return e
	}
	return fallback
}

func hashOf(e *repo.Entry) string {
	if e == nil {
		return ""
	}
	return e.Hash
}

func nameOf(e *repo.Entry) string {
	if e == nil {
		return ""
	}
	return e.Name
}

func parentOf(e *repo.Entry) string {
	if e == nil {
		return ""
	}
	return e.Parent
}

func attrsOf(e *repo.Entry) uint {
	if e == nil {
		return 0
	}
	return e.Attrs
}

func valueOf(e *repo.Entry) conflict.Value {
	if e == nil {
		return conflict.Value{}
	}
	return conflict.Value{Exists: true, Kind: e.Kind, Hash: e.Hash, Attrs: e.Attrs, Name: e.Name, Parent: e.Parent}
}
