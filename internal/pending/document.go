// internal/pending/document.go
package pending

import (
	"sort"

	"veracity/internal/conflict"
	"veracity/internal/repo"
)

// Item is the working copy's intended state for one controlled item. Disk
// content and attributes are observed, never stored here.
type Item struct {
	GID    string    `json:"gid"`
	Parent string    `json:"parent,omitempty"`
	Name   string    `json:"name"`
	Kind   repo.Kind `json:"kind"`

	// Added by the pending merge rather than by the user.
	MergeAdded bool `json:"merge_added,omitempty"`
	// Not populated on disk.
	Sparse bool `json:"sparse,omitempty"`
	// Hash of the content written by an automatic content merge.
	AutoMerged string `json:"auto_merged,omitempty"`
}

func (it Item) GetID() string { return it.GID }

func (it Item) IsDir() bool { return it.Kind == repo.KindDirectory }

// JournalEntry is one operation applied automatically by a merge.
type JournalEntry struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	GID   string `json:"gid"`
	From  string `json:"from,omitempty"`
	Hash  string `json:"hash,omitempty"`
	Attrs uint   `json:"attrs"`
}

// Journal operations.
const (
	OpAddDirectory          = "add_directory"
	OpAddFileFromRepo       = "add_file_from_repo"
	OpOverwriteFileFromRepo = "overwrite_file_from_repo"
	OpAutoMergeFile         = "auto_merge_file"
	OpDelete                = "delete"
	OpMoveRename            = "move_rename"
)

// State is the working copy's parentage. Other and Ancestor are set only
// while a merge is pending.
type State struct {
	Baseline string         `json:"baseline"`
	Other    string         `json:"other,omitempty"`
	Ancestor string         `json:"ancestor,omitempty"`
	Root     string         `json:"root"`
	Journal  []JournalEntry `json:"journal,omitempty"`
}

// Document is the working copy's pending-change metadata.
type Document struct {
	State
	Items     map[string]Item
	Conflicts map[string]*conflict.Record
}

func newDocument() *Document {
	return &Document{
		Items:     make(map[string]Item),
		Conflicts: make(map[string]*conflict.Record),
	}
}

// Merging reports whether a merge is pending.
func (d *Document) Merging() bool {
	return d.Other != ""
}

// Layout renders the intended structure as a tree. File hashes are left
// empty.
func (d *Document) Layout() *repo.Tree {
	t := repo.NewTree(d.Root)
	for _, it := range d.Items {
		if it.GID == d.Root {
			continue
		}
		t.Put(repo.Entry{GID: it.GID, Parent: it.Parent, Name: it.Name, Kind: it.Kind})
	}
	return t
}

// ConflictSet returns the records as a conflict.Set sharing the pointers.
func (d *Document) ConflictSet() *conflict.Set {
	set := conflict.NewSet()
	for _, r := range d.Conflicts {
		set.Add(r)
	}
	return set
}

// ConflictsFor returns the records on gid in kind order.
func (d *Document) ConflictsFor(gid string) []*conflict.Record {
	var out []*conflict.Record
	for _, r := range d.Conflicts {
		if r.GID == gid {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// Unresolved counts open conflicts.
func (d *Document) Unresolved() int {
	n := 0
	for _, r := range d.Conflicts {
		if !r.State.Resolved {
			n++
		}
	}
	return n
}

// ItemFromEntry converts a tree entry into a working copy item.
func ItemFromEntry(e repo.Entry) Item {
	return Item{GID: e.GID, Parent: e.Parent, Name: e.Name, Kind: e.Kind}
}
