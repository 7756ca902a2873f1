// internal/workspace/status.go
package workspace

import (
	"sort"

	"veracity/internal/conflict"
	"veracity/internal/repo"
	"veracity/internal/revert"

	"github.com/samber/lo"
)

// Status flags.
const (
	FlagAdded            = "Added"
	FlagRemoved          = "Removed"
	FlagModified         = "Modified"
	FlagAttributes       = "Attributes"
	FlagRenamed          = "Renamed"
	FlagMoved            = "Moved"
	FlagLost             = "Lost"
	FlagFound            = "Found"
	FlagSparse           = "Sparse"
	FlagAutoMerged       = revert.StatusAutoMerged
	FlagAutoMergedEdited = revert.StatusAutoMergedEdited
	FlagConflict         = "Conflict"
	FlagResolved         = "Resolved"
	FlagUnchanged        = "Unchanged"
)

// pendingFlags are the flags that make a working copy dirty.
var pendingFlags = []string{FlagAdded, FlagRemoved, FlagModified, FlagAttributes, FlagRenamed, FlagMoved, FlagLost}

// ItemStatus describes one item against every reference point. Uncontrolled
// items have no GID.
type ItemStatus struct {
	GID       string             `json:"gid,omitempty"`
	Path      string             `json:"path"`
	Kind      repo.Kind          `json:"kind,omitempty"`
	Flags     []string           `json:"flags"`
	Ancestor  conflict.Value     `json:"ancestor"`
	Baseline  conflict.Value     `json:"baseline"`
	Other     conflict.Value     `json:"other"`
	Working   conflict.Value     `json:"working"`
	Conflicts []*conflict.Record `json:"conflicts,omitempty"`
}

func (s ItemStatus) Has(flag string) bool {
	return lo.Contains(s.Flags, flag)
}

// Pending reports a change against the baseline.
func (s ItemStatus) Pending() bool {
	return lo.Some(s.Flags, pendingFlags)
}

type StatusOptions struct {
	ListSparse    bool
	ListUnchanged bool
}

// Status reports every changed item, uncontrolled disk items as Found, and
// conflicted items of a pending merge.
func (w *Workspace) Status(opts StatusOptions) ([]ItemStatus, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status(opts)
}

func (w *Workspace) status(opts StatusOptions) ([]ItemStatus, error) {
	baseline, err := w.baselineTree()
	if err != nil {
		return nil, err
	}
	var ancestor, other *repo.Tree
	if w.doc.Merging() {
		if ancestor, err = w.store.TreeOf(w.doc.Ancestor); err != nil {
			return nil, err
		}
		if other, err = w.store.TreeOf(w.doc.Other); err != nil {
			return nil, err
		}
	}

	layout, wc, err := w.observe(baseline)
	if err != nil {
		return nil, err
	}
	conflicts := w.doc.ConflictSet()

	var out []ItemStatus
	for _, gid := range lo.Keys(wc) {
		b, inBaseline := baseline.Get(gid)
		e, inLayout := layout.Get(gid)
		v := wc[gid]
		it := w.doc.Items[gid]

		st := ItemStatus{
			GID:       gid,
			Path:      v.Path,
			Kind:      e.Kind,
			Ancestor:  conflict.ValueOf(ancestor, gid),
			Baseline:  conflict.ValueOf(baseline, gid),
			Other:     conflict.ValueOf(other, gid),
			Working:   v,
			Conflicts: conflicts.ForItem(gid),
		}
		if !inLayout {
			st.Path, st.Kind = baseline.Path(gid), b.Kind
		}

		switch {
		case inLayout && !inBaseline:
			st.Flags = append(st.Flags, FlagAdded)
		case !inLayout && inBaseline:
			st.Flags = append(st.Flags, FlagRemoved)
		}
		if inLayout && inBaseline {
			if e.Name != b.Name {
				st.Flags = append(st.Flags, FlagRenamed)
			}
			if e.Parent != b.Parent {
				st.Flags = append(st.Flags, FlagMoved)
			}
		}
		if inLayout && it.Sparse {
			st.Flags = append(st.Flags, FlagSparse)
		} else if inLayout && !v.Exists {
			st.Flags = append(st.Flags, FlagLost)
		}
		if inLayout && inBaseline && v.Exists && !it.Sparse {
			if v.Kind != b.Kind || (!e.IsDir() && v.Hash != b.Hash) {
				st.Flags = append(st.Flags, FlagModified)
			}
			if !e.IsDir() && v.Attrs != b.Attrs {
				st.Flags = append(st.Flags, FlagAttributes)
			}
		}
		if it.AutoMerged != "" && v.Exists {
			if v.Hash == it.AutoMerged {
				st.Flags = append(st.Flags, FlagAutoMerged)
			} else {
				st.Flags = append(st.Flags, FlagAutoMergedEdited)
			}
		}
		if len(st.Conflicts) > 0 {
			if lo.EveryBy(st.Conflicts, func(r *conflict.Record) bool { return r.State.Resolved }) {
				st.Flags = append(st.Flags, FlagResolved)
			} else {
				st.Flags = append(st.Flags, FlagConflict)
			}
		}
		if len(st.Flags) == 0 {
			st.Flags = []string{FlagUnchanged}
		}

		switch {
		case st.Has(FlagUnchanged) && !opts.ListUnchanged:
			continue
		case st.Has(FlagSparse) && len(st.Flags) == 1 && !opts.ListSparse:
			continue
		}
		out = append(out, st)
	}

	found, err := w.uncontrolled(layout)
	if err != nil {
		return nil, err
	}
	for _, p := range found {
		out = append(out, ItemStatus{Path: p, Flags: []string{FlagFound}})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].GID < out[j].GID
	})
	return out, nil
}

// pendingChanges lists the paths of items with changes against baseline.
func (w *Workspace) pendingChanges() ([]string, error) {
	items, err := w.status(StatusOptions{})
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, st := range items {
		if st.Pending() {
			paths = append(paths, st.Path)
		}
	}
	return paths, nil
}
