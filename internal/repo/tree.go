package repo

import (
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
)

type Kind string

const (
	KindFile      Kind = "file"
	KindDirectory Kind = "directory"
)

// AttrExec is attribute bit 0: the file is executable.
const AttrExec uint = 1

// Entry is one item of a tree snapshot. GID is the item's identity across
// renames and moves; Parent is the GID of the containing directory.
type Entry struct {
	GID    string `json:"gid"`
	Parent string `json:"parent,omitempty"`
	Name   string `json:"name"`
	Kind   Kind   `json:"kind"`
	Hash   string `json:"hash,omitempty"`
	Attrs  uint   `json:"attrs,omitempty"`
}

func (e Entry) IsDir() bool { return e.Kind == KindDirectory }

// Tree is an immutable-by-convention snapshot keyed by GID. Callers that need
// to change a tree work on a Clone.
type Tree struct {
	Root    string           `json:"root"`
	Entries map[string]Entry `json:"entries"`

	paths    map[string]string
	children map[string][]string
}

// NewTree returns a tree holding only the root directory.
func NewTree(rootGID string) *Tree {
	t := &Tree{Root: rootGID, Entries: make(map[string]Entry)}
	t.Entries[rootGID] = Entry{GID: rootGID, Kind: KindDirectory}
	return t
}

func (t *Tree) Get(gid string) (Entry, bool) {
	e, ok := t.Entries[gid]
	return e, ok
}

func (t *Tree) Has(gid string) bool {
	_, ok := t.Entries[gid]
	return ok
}

// Put adds or replaces an entry.
func (t *Tree) Put(e Entry) {
	t.Entries[e.GID] = e
	t.invalidate()
}

// Delete removes gid only; children are the caller's concern.
func (t *Tree) Delete(gid string) {
	delete(t.Entries, gid)
	t.invalidate()
}

func (t *Tree) invalidate() {
	t.paths = nil
	t.children = nil
}

func (t *Tree) index() {
	if t.children != nil {
		return
	}
	t.children = make(map[string][]string, len(t.Entries))
	for gid, e := range t.Entries {
		if gid == t.Root {
			continue
		}
		t.children[e.Parent] = append(t.children[e.Parent], gid)
	}
	for parent, kids := range t.children {
		sort.Slice(kids, func(i, j int) bool {
			return t.Entries[kids[i]].Name < t.Entries[kids[j]].Name
		})
		t.children[parent] = kids
	}
	t.paths = make(map[string]string, len(t.Entries))
}

// Path returns the slash-separated path of gid relative to the root. The root
// itself is "". Unknown GIDs return "".
func (t *Tree) Path(gid string) string {
	t.index()
	if p, ok := t.paths[gid]; ok {
		return p
	}
	e, ok := t.Entries[gid]
	if !ok || gid == t.Root {
		return ""
	}

	var p string
	if e.Parent == t.Root {
		p = e.Name
	} else if _, ok := t.Entries[e.Parent]; !ok {
		// Orphan: report the name alone rather than looping.
		p = e.Name
	} else {
		// Guard against cycles in malformed trees.
		t.paths[gid] = e.Name
		p = path.Join(t.Path(e.Parent), e.Name)
	}
	t.paths[gid] = p
	return p
}

// Lookup finds the entry at p.
func (t *Tree) Lookup(p string) (Entry, bool) {
	p = strings.Trim(path.Clean("/"+p), "/")
	cur := t.Root
	if p == "" {
		return t.Entries[cur], true
	}
	for _, part := range strings.Split(p, "/") {
		next, ok := t.Child(cur, part)
		if !ok {
			return Entry{}, false
		}
		cur = next.GID
	}
	return t.Entries[cur], true
}

// Child finds the entry named name directly under parent.
func (t *Tree) Child(parent, name string) (Entry, bool) {
	t.index()
	for _, gid := range t.children[parent] {
		if e := t.Entries[gid]; e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// Children returns the direct children of gid sorted by name.
func (t *Tree) Children(gid string) []Entry {
	t.index()
	kids := t.children[gid]
	out := make([]Entry, 0, len(kids))
	for _, k := range kids {
		out = append(out, t.Entries[k])
	}
	return out
}

// Descendants returns every entry below gid, parents before children.
func (t *Tree) Descendants(gid string) []Entry {
	var out []Entry
	var walk func(string)
	walk = func(g string) {
		for _, c := range t.Children(g) {
			out = append(out, c)
			if c.IsDir() {
				walk(c.GID)
			}
		}
	}
	walk(gid)
	return out
}

// IsAncestor reports whether dir is a proper ancestor of gid.
func (t *Tree) IsAncestor(dir, gid string) bool {
	seen := map[string]bool{}
	e, ok := t.Entries[gid]
	for ok && e.GID != t.Root && !seen[e.GID] {
		seen[e.GID] = true
		if e.Parent == dir {
			return true
		}
		e, ok = t.Entries[e.Parent]
	}
	return false
}

// Walk visits every non-root entry in path order.
func (t *Tree) Walk(fn func(e Entry) error) error {
	for _, e := range t.Descendants(t.Root) {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// GIDs returns all GIDs, root included, sorted.
func (t *Tree) GIDs() []string {
	out := make([]string, 0, len(t.Entries))
	for gid := range t.Entries {
		out = append(out, gid)
	}
	sort.Strings(out)
	return out
}

func (t *Tree) Clone() *Tree {
	c := &Tree{Root: t.Root, Entries: make(map[string]Entry, len(t.Entries))}
	for k, v := range t.Entries {
		c.Entries[k] = v
	}
	return c
}

// Validate checks structural soundness: every parent exists and is a
// directory, names are unique per directory, and there are no cycles.
func (t *Tree) Validate() error {
	root, ok := t.Entries[t.Root]
	if !ok || !root.IsDir() {
		return fmt.Errorf("tree root %q missing or not a directory", t.Root)
	}
	names := make(map[string]string)
	for gid, e := range t.Entries {
		if gid != e.GID {
			return fmt.Errorf("entry key %q does not match gid %q", gid, e.GID)
		}
		if gid == t.Root {
			continue
		}
		if e.Name == "" || strings.ContainsAny(e.Name, "/\\") || e.Name == "." || e.Name == ".." {
			return fmt.Errorf("invalid name %q for %s", e.Name, gid)
		}
		parent, ok := t.Entries[e.Parent]
		if !ok {
			return fmt.Errorf("parent %q of %s does not exist", e.Parent, gid)
		}
		if !parent.IsDir() {
			return fmt.Errorf("parent %q of %s is not a directory", e.Parent, gid)
		}
		key := e.Parent + "/" + e.Name
		if other, dup := names[key]; dup {
			return fmt.Errorf("items %s and %s share the name %q", other, gid, e.Name)
		}
		names[key] = gid
		if e.Kind == KindFile && e.Hash == "" {
			return fmt.Errorf("file %s has no content hash", gid)
		}
		if t.IsAncestor(gid, gid) {
			return fmt.Errorf("cycle through %s", gid)
		}
	}
	// Reachability from the root rules out detached cycles.
	if got := len(t.Descendants(t.Root)) + 1; got != len(t.Entries) {
		return fmt.Errorf("tree has %d unreachable entries", len(t.Entries)-got)
	}
	return nil
}

// Encode returns the canonical encoding used for content addressing.
func (t *Tree) Encode() ([]byte, error) {
	return json.Marshal(t)
}

func DecodeTree(data []byte) (*Tree, error) {
	var t Tree
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decoding tree: %w", err)
	}
	if t.Entries == nil {
		t.Entries = make(map[string]Entry)
	}
	return &t, nil
}
