// internal/revert/engine.go
package revert

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	verrors "veracity/internal/errors"
	"veracity/internal/logging"
	"veracity/internal/repo"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// Action ops reported in a Result.
const (
	ActionCreate = "create"
	ActionDelete = "delete"
	ActionForget = "forget"
	ActionMove   = "move"
	ActionWrite  = "write"
	ActionChmod  = "chmod"
	ActionBackup = "backup"
	ActionKeep   = "keep"
)

// Statuses attached to backups of auto-merged content.
const (
	StatusAutoMerged       = "Auto-Merged"
	StatusAutoMergedEdited = "Auto-Merged (Edited)"
)

type Action struct {
	GID    string `json:"gid,omitempty"`
	Path   string `json:"path"`
	Op     string `json:"op"`
	From   string `json:"from,omitempty"`
	Backup string `json:"backup,omitempty"`
	Status string `json:"status,omitempty"`
}

type Result struct {
	Applied []Action
	Found   []string
}

// Request describes one reconciliation of the disk from Current to Target.
type Request struct {
	// Operation names the caller in interference errors ("revert", "merge").
	Operation string
	// Current is the working copy layout; file hashes are ignored.
	Current *repo.Tree
	// Target is the desired layout with content hashes and attributes.
	Target *repo.Tree
	// Scope lists the GIDs to reconcile. Nil means every item.
	Scope []string
	// Strict aborts before any mutation when an uncontrolled item occupies
	// a path the target needs.
	Strict    bool
	NoBackups bool
	DryRun    bool

	// Explained reports content that can be discarded without a backup
	// because the repository can reproduce it.
	Explained func(gid, hash string) bool
	// Forget reports items that leave the layout but stay on disk.
	Forget func(gid string) bool
	// Sparse reports items that are not populated on disk.
	Sparse func(gid string) bool
	// AutoMerged maps GIDs to the hash of their auto-merge result.
	AutoMerged map[string]string
	// Commit is called after each item's disk mutation with its new layout
	// entry, or nil when the item left the layout.
	Commit func(gid string, target *repo.Entry) error
}

// Engine reconciles a working copy with a target tree, backing up content it
// would otherwise destroy.
type Engine struct {
	applier *Applier
	content func(hash string) ([]byte, error)
	logger  *logging.Logger
}

func NewEngine(applier *Applier, content func(hash string) ([]byte, error), logger *logging.Logger) *Engine {
	return &Engine{applier: applier, content: content, logger: logger.Named("revert")}
}

func (e *Engine) Applier() *Applier { return e.applier }

type run struct {
	*Engine
	req    Request
	res    *Result
	errs   *multierror.Error
	staged map[string]bool
	failed map[string]bool
	// vacating holds GIDs whose current path is freed by this run.
	vacating map[string]bool
}

// Apply reconciles the disk. A strict interference aborts before any change;
// otherwise per-item failures are collected and returned with the partial
// result.
func (e *Engine) Apply(ctx context.Context, req Request) (*Result, error) {
	if req.Operation == "" {
		req.Operation = "revert"
	}
	r := &run{
		Engine:   e,
		req:      req,
		res:      &Result{},
		staged:   make(map[string]bool),
		failed:   make(map[string]bool),
		vacating: make(map[string]bool),
	}

	scope := r.closure()

	var removals, moves, creates, updates []string
	for _, gid := range scope {
		c, cok := req.Current.Get(gid)
		t, tok := req.Target.Get(gid)
		switch {
		case cok && !tok:
			removals = append(removals, gid)
			if !r.forget(gid) {
				r.vacating[gid] = true
			}
		case !cok && tok:
			creates = append(creates, gid)
		case cok && tok:
			if c.Parent != t.Parent || c.Name != t.Name {
				moves = append(moves, gid)
				r.vacating[gid] = true
			} else {
				updates = append(updates, gid)
			}
		}
	}

	if err := r.preflight(append(append([]string(nil), moves...), creates...)); err != nil {
		return nil, err
	}

	// Files leave before anything is staged so a removal inside a moving
	// directory still finds its file; directories leave after their moving
	// children were staged out.
	byDepth(removals, req.Current, true)
	for _, gid := range removals {
		if c, _ := req.Current.Get(gid); !c.IsDir() {
			r.item(ctx, gid, req.Current.Path(gid), r.remove)
		}
	}

	byDepth(moves, req.Current, true)
	for _, gid := range moves {
		r.item(ctx, gid, req.Current.Path(gid), r.stage)
	}

	for _, gid := range removals {
		if c, _ := req.Current.Get(gid); c.IsDir() {
			r.item(ctx, gid, req.Current.Path(gid), r.remove)
		}
	}

	placements := append(append([]string(nil), moves...), creates...)
	byDepth(placements, req.Target, false)
	for _, gid := range placements {
		r.item(ctx, gid, req.Target.Path(gid), r.place)
	}

	byDepth(updates, req.Target, false)
	for _, gid := range updates {
		r.item(ctx, gid, req.Target.Path(gid), r.update)
	}

	sort.Strings(r.res.Found)
	return r.res, r.errs.ErrorOrNil()
}

func (r *run) item(ctx context.Context, gid, p string, fn func(gid string) error) {
	if err := ctx.Err(); err != nil {
		r.fail(gid, p, err)
		return
	}
	if r.failed[gid] {
		return
	}
	if r.failed[r.parentOf(gid)] {
		r.fail(gid, p, fmt.Errorf("parent directory could not be applied"))
		return
	}
	if err := fn(gid); err != nil {
		r.fail(gid, p, err)
	}
}

func (r *run) fail(gid, p string, err error) {
	r.failed[gid] = true
	if !verrors.IsType(err, verrors.ErrorTypeInterference) {
		err = verrors.IO(p, err)
	}
	r.errs = multierror.Append(r.errs, err)
	r.logger.Warn("item not applied", zap.String("path", p), zap.String("gid", gid), zap.Error(err))
}

func (r *run) parentOf(gid string) string {
	if t, ok := r.req.Target.Get(gid); ok {
		return t.Parent
	}
	if c, ok := r.req.Current.Get(gid); ok {
		return c.Parent
	}
	return ""
}

// closure widens the scope with the target ancestors an item needs and the
// current descendants of items leaving the layout.
func (r *run) closure() []string {
	cur, tgt := r.req.Current, r.req.Target
	set := make(map[string]bool)
	var queue []string
	add := func(gid string) {
		if gid == "" || gid == cur.Root || gid == tgt.Root || set[gid] {
			return
		}
		set[gid] = true
		queue = append(queue, gid)
	}

	if r.req.Scope == nil {
		for gid := range cur.Entries {
			add(gid)
		}
		for gid := range tgt.Entries {
			add(gid)
		}
	} else {
		for _, gid := range r.req.Scope {
			add(gid)
		}
	}

	for len(queue) > 0 {
		gid := queue[0]
		queue = queue[1:]

		if t, ok := tgt.Get(gid); ok {
			for p := t.Parent; p != "" && p != tgt.Root; {
				pt, _ := tgt.Get(p)
				pc, ok := cur.Get(p)
				if !ok || pc.Parent != pt.Parent || pc.Name != pt.Name {
					add(p)
				}
				p = pt.Parent
			}
		}
		if c, ok := cur.Get(gid); ok && c.IsDir() && !tgt.Has(gid) {
			for _, d := range cur.Descendants(gid) {
				add(d.GID)
			}
		}
	}

	out := make([]string, 0, len(set))
	for gid := range set {
		if cur.Has(gid) || tgt.Has(gid) {
			out = append(out, gid)
		}
	}
	sort.Strings(out)
	return out
}

// preflight finds occupants of the target paths. Uncontrolled occupants abort
// a strict run; controlled items that stay put always block their item.
func (r *run) preflight(placing []string) error {
	var interfering []string
	for _, gid := range placing {
		if r.sparse(gid) {
			continue
		}
		p := r.req.Target.Path(gid)
		o, err := r.applier.Observe(p)
		if err != nil {
			return verrors.IO(p, err)
		}
		if !o.Exists {
			continue
		}
		owner, controlled := r.req.Current.Lookup(p)
		switch {
		case controlled && owner.GID == gid:
		case controlled && r.vacating[owner.GID]:
		case controlled && r.forget(owner.GID):
			// Leaves the layout with this run; it is backed up when placed over.
		case controlled:
			r.failed[gid] = true
			r.errs = multierror.Append(r.errs, verrors.Interference(r.req.Operation, []string{p}))
		default:
			interfering = append(interfering, p)
		}
	}
	if r.req.Strict && len(interfering) > 0 {
		sort.Strings(interfering)
		return verrors.Interference(r.req.Operation, interfering)
	}
	return nil
}

func (r *run) stage(gid string) error {
	p := r.req.Current.Path(gid)
	if r.sparse(gid) {
		return nil
	}
	o, err := r.applier.Observe(p)
	if err != nil || !o.Exists {
		return err
	}
	if !r.req.DryRun {
		if err := r.applier.Stage(p, gid); err != nil {
			return err
		}
	}
	r.staged[gid] = true
	return nil
}

func (r *run) remove(gid string) error {
	c, _ := r.req.Current.Get(gid)
	p := r.req.Current.Path(gid)

	if r.sparse(gid) {
		return r.commit(gid, nil)
	}
	if r.forget(gid) {
		r.record(Action{GID: gid, Path: p, Op: ActionForget})
		r.res.Found = append(r.res.Found, p)
		return r.commit(gid, nil)
	}

	o, err := r.applier.Observe(p)
	if err != nil {
		return err
	}
	switch {
	case !o.Exists:
	case c.IsDir() && o.IsDir:
		if err := r.removeDir(p); err != nil {
			r.record(Action{GID: gid, Path: p, Op: ActionKeep})
			r.res.Found = append(r.res.Found, p)
		} else {
			r.record(Action{GID: gid, Path: p, Op: ActionDelete})
		}
	case !o.IsDir && !c.IsDir() && (r.req.NoBackups || r.explained(gid, o.Hash)):
		if !r.req.DryRun {
			if err := r.applier.Remove(p); err != nil {
				return err
			}
		}
		r.record(Action{GID: gid, Path: p, Op: ActionDelete})
	default:
		if _, err := r.backup(gid, p, o); err != nil {
			return err
		}
	}
	return r.commit(gid, nil)
}

func (r *run) removeDir(p string) error {
	if r.req.DryRun {
		return nil
	}
	return r.applier.Remove(p)
}

func (r *run) place(gid string) error {
	t, _ := r.req.Target.Get(gid)
	p := r.req.Target.Path(gid)
	if r.sparse(gid) {
		return r.commit(gid, &t)
	}

	o, err := r.applier.Observe(p)
	if err != nil {
		return err
	}
	if o.Exists {
		if owner, ok := r.req.Current.Lookup(p); ok && owner.GID != gid && !r.vacating[owner.GID] && !r.forget(owner.GID) {
			return verrors.Interference(r.req.Operation, []string{p})
		}
		if _, err := r.backup("", p, o); err != nil {
			return err
		}
	}

	if r.staged[gid] {
		from := r.req.Current.Path(gid)
		if !r.req.DryRun {
			if err := r.applier.Unstage(gid, p); err != nil {
				return err
			}
		}
		r.record(Action{GID: gid, Path: p, Op: ActionMove, From: from})
		return r.update(gid)
	}

	if t.IsDir() {
		if !r.req.DryRun {
			if err := r.applier.Mkdir(p); err != nil {
				return err
			}
		}
		r.record(Action{GID: gid, Path: p, Op: ActionCreate})
		return r.commit(gid, &t)
	}

	if err := r.write(t, p); err != nil {
		return err
	}
	r.record(Action{GID: gid, Path: p, Op: ActionCreate})
	return r.commit(gid, &t)
}

// update brings an item already at its target path to the target content and
// attributes.
func (r *run) update(gid string) error {
	t, _ := r.req.Target.Get(gid)
	p := r.req.Target.Path(gid)
	if r.sparse(gid) {
		return r.commit(gid, &t)
	}

	o, err := r.applier.Observe(p)
	if err != nil {
		return err
	}
	if r.req.DryRun && r.staged[gid] {
		// Nothing moved; look where the item still is.
		if o, err = r.applier.Observe(r.req.Current.Path(gid)); err != nil {
			return err
		}
	}

	switch {
	case !o.Exists:
		if t.IsDir() {
			if !r.req.DryRun {
				if err := r.applier.Mkdir(p); err != nil {
					return err
				}
			}
		} else if err := r.write(t, p); err != nil {
			return err
		}
		r.record(Action{GID: gid, Path: p, Op: ActionCreate})

	case o.IsDir != t.IsDir():
		if _, err := r.backup(gid, p, o); err != nil {
			return err
		}
		if t.IsDir() {
			if !r.req.DryRun {
				if err := r.applier.Mkdir(p); err != nil {
					return err
				}
			}
		} else if err := r.write(t, p); err != nil {
			return err
		}
		r.record(Action{GID: gid, Path: p, Op: ActionCreate})

	case t.IsDir():

	case o.Hash != t.Hash:
		if !r.req.NoBackups && !r.explained(gid, o.Hash) {
			if _, err := r.backup(gid, p, o); err != nil {
				return err
			}
		}
		if err := r.write(t, p); err != nil {
			return err
		}
		r.record(Action{GID: gid, Path: p, Op: ActionWrite})

	case o.Attrs != t.Attrs:
		if !r.req.DryRun {
			if err := r.applier.Chmod(p, t.Attrs); err != nil {
				return err
			}
		}
		r.record(Action{GID: gid, Path: p, Op: ActionChmod})
	}

	return r.commit(gid, &t)
}

func (r *run) write(t repo.Entry, p string) error {
	if r.req.DryRun {
		return nil
	}
	content, err := r.content(t.Hash)
	if err != nil {
		return err
	}
	return r.applier.WriteFile(p, content, t.Attrs)
}

// backup moves whatever is at p aside and reports it as found.
func (r *run) backup(gid, p string, o Observed) (string, error) {
	status := ""
	if am, ok := r.req.AutoMerged[gid]; ok && gid != "" && !o.IsDir {
		status = StatusAutoMergedEdited
		if o.Hash == am {
			status = StatusAutoMerged
		}
	}

	backup := p + "~"
	if r.req.DryRun {
		dir, name := path.Split(p)
		if b, err := r.applier.backups.Allocate(r.applier.abs(dir), name); err == nil {
			backup = path.Join(dir, b)
		}
	} else {
		var err error
		if backup, err = r.applier.Backup(p); err != nil {
			return "", err
		}
	}

	r.record(Action{GID: gid, Path: p, Op: ActionBackup, Backup: backup, Status: status})
	r.res.Found = append(r.res.Found, backup)
	r.logger.Info("backed up working copy content",
		zap.String("path", p), zap.String("backup", backup), zap.String("op", r.req.Operation))
	return backup, nil
}

func (r *run) commit(gid string, t *repo.Entry) error {
	if r.req.DryRun || r.req.Commit == nil {
		return nil
	}
	return r.req.Commit(gid, t)
}

func (r *run) record(a Action) {
	r.res.Applied = append(r.res.Applied, a)
}

func (r *run) explained(gid, hash string) bool {
	return r.req.Explained != nil && r.req.Explained(gid, hash)
}

func (r *run) forget(gid string) bool {
	return r.req.Forget != nil && r.req.Forget(gid)
}

func (r *run) sparse(gid string) bool {
	return r.req.Sparse != nil && r.req.Sparse(gid)
}

// byDepth sorts gids by path depth in t, deepest first when desc, then by
// path.
func byDepth(gids []string, t *repo.Tree, desc bool) {
	sort.SliceStable(gids, func(i, j int) bool {
		pi, pj := t.Path(gids[i]), t.Path(gids[j])
		di, dj := strings.Count(pi, "/"), strings.Count(pj, "/")
		if di != dj {
			if desc {
				return di > dj
			}
			return di < dj
		}
		return pi < pj
	})
}
