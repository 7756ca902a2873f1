// internal/repo/store.go
package repo

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	verrors "veracity/internal/errors"
	"veracity/internal/logging"
	"veracity/internal/safe"
	"veracity/internal/storage"
	"veracity/shared/utils"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

type Audit struct {
	Who  string    `json:"who"`
	When time.Time `json:"when"`
}

// Changeset is an immutable commit node.
type Changeset struct {
	ID         string   `json:"id"`
	Parents    []string `json:"parents"`
	TreeID     string   `json:"tree"`
	Message    string   `json:"message"`
	Audit      Audit    `json:"audit"`
	Generation int      `json:"generation"`
}

func (c *Changeset) GetID() string { return c.ID }

type Tag struct {
	Name string `json:"name"`
	CSID string `json:"csid"`
}

type Stamp struct {
	Name string `json:"name"`
	CSID string `json:"csid"`
}

// Options configures a Store.
type Options struct {
	Dir         string
	InMemory    bool
	CacheSize   int
	Compression safe.CompressionOptions
	Logger      *logging.Logger
}

// Store is the changeset/tree/content store. It supports concurrent readers;
// commits are serialized.
type Store struct {
	db         *badger.DB
	safe       *safe.Safe
	changesets *storage.BadgerStore
	tags       *storage.BadgerStore
	stamps     *storage.BadgerStore
	leaves     *storage.BadgerStore
	meta       *storage.BadgerStore

	trees *lru.Cache[string, *Tree]
	csets *lru.Cache[string, *Changeset]

	mu     sync.Mutex
	now    func() time.Time
	logger *logging.Logger
}

// Open opens or creates the store rooted at opts.Dir.
func Open(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("repository directory is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 1000
	}

	dbDir := filepath.Join(opts.Dir, "db")
	if !opts.InMemory {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	db, err := badger.Open(storage.OpenOptions(dbDir, opts.InMemory))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	contentSafe, err := safe.New(db, safe.Options{
		Root:        filepath.Join(opts.Dir, "blobs"),
		CacheSize:   opts.CacheSize,
		Compression: opts.Compression,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing content safe: %w", err)
	}

	trees, _ := lru.New[string, *Tree](opts.CacheSize)
	csets, _ := lru.New[string, *Changeset](opts.CacheSize)

	return &Store{
		db:         db,
		safe:       contentSafe,
		changesets: storage.NewBadgerStore(db, "changeset"),
		tags:       storage.NewBadgerStore(db, "tag"),
		stamps:     storage.NewBadgerStore(db, "stamp"),
		leaves:     storage.NewBadgerStore(db, "leaf"),
		meta:       storage.NewBadgerStore(db, "repo"),
		trees:      trees,
		csets:      csets,
		now:        time.Now,
		logger:     opts.Logger.Named("repo"),
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SetClock overrides the commit timestamp source.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Init creates the initial changeset (an empty root directory) if the
// repository has none, and returns the initial changeset id either way.
func (s *Store) Init(who string) (string, error) {
	var initial string
	err := s.meta.Get("initial", &initial)
	if err == nil {
		return initial, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("reading repository metadata: %w", err)
	}

	csid, err := s.Commit(NewTree(uuid.New().String()), nil, "Initial changeset", Audit{Who: who})
	if err != nil {
		return "", err
	}
	if err := s.meta.Put("initial", csid); err != nil {
		return "", fmt.Errorf("recording initial changeset: %w", err)
	}
	return csid, nil
}

// LookupChangeset returns the changeset with the exact id.
func (s *Store) LookupChangeset(id string) (*Changeset, error) {
	if cs, ok := s.csets.Get(id); ok {
		return cs, nil
	}
	var cs Changeset
	if err := s.changesets.Get(id, &cs); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, verrors.NotFound(fmt.Sprintf("No changeset found matching '%s'", id))
		}
		return nil, fmt.Errorf("reading changeset %s: %w", id, err)
	}
	s.csets.Add(id, &cs)
	return &cs, nil
}

// FetchTree returns a private copy of the tree stored under treeID.
func (s *Store) FetchTree(treeID string) (*Tree, error) {
	if t, ok := s.trees.Get(treeID); ok {
		return t.Clone(), nil
	}
	data, err := s.safe.Get(treeID)
	if err != nil {
		return nil, fmt.Errorf("fetching tree %s: %w", treeID, err)
	}
	t, err := DecodeTree(data)
	if err != nil {
		return nil, err
	}
	s.trees.Add(treeID, t)
	return t.Clone(), nil
}

// TreeOf fetches the root tree of changeset csid.
func (s *Store) TreeOf(csid string) (*Tree, error) {
	cs, err := s.LookupChangeset(csid)
	if err != nil {
		return nil, err
	}
	return s.FetchTree(cs.TreeID)
}

func (s *Store) FetchContent(hash string) ([]byte, error) {
	data, err := s.safe.Get(hash)
	if err != nil {
		return nil, fmt.Errorf("fetching content %s: %w", hash, err)
	}
	return data, nil
}

// StoreContent adds content to the store; name only steers compression.
func (s *Store) StoreContent(name string, content []byte) (string, error) {
	return s.safe.StoreNamed(name, content)
}

func (s *Store) HasContent(hash string) bool {
	ok, err := s.safe.Exists(hash)
	return err == nil && ok
}

// Commit registers a new changeset. The tree blob is written first (content
// addressed, so a crash leaves at most an unreferenced blob); the changeset
// record and leaf bookkeeping then commit in a single transaction.
func (s *Store) Commit(tree *Tree, parents []string, message string, audit Audit) (string, error) {
	if err := tree.Validate(); err != nil {
		return "", verrors.ValidationError(fmt.Sprintf("invalid tree: %v", err), nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	generation := 1
	for _, p := range parents {
		parent, err := s.LookupChangeset(p)
		if err != nil {
			return "", err
		}
		if parent.Generation+1 > generation {
			generation = parent.Generation + 1
		}
	}
	for _, e := range tree.Entries {
		if e.Kind == KindFile && !s.HasContent(e.Hash) {
			return "", verrors.ValidationError(fmt.Sprintf("content %s for %s is not in the repository", e.Hash, e.GID), nil)
		}
	}

	data, err := tree.Encode()
	if err != nil {
		return "", fmt.Errorf("encoding tree: %w", err)
	}
	treeID, err := s.safe.Store(data)
	if err != nil {
		return "", fmt.Errorf("storing tree: %w", err)
	}

	if audit.When.IsZero() {
		audit.When = s.now()
	}
	audit.When = audit.When.UTC()

	cs := &Changeset{
		Parents:    append([]string(nil), parents...),
		TreeID:     treeID,
		Message:    message,
		Audit:      audit,
		Generation: generation,
	}
	idData, err := json.Marshal(cs)
	if err != nil {
		return "", fmt.Errorf("encoding changeset: %w", err)
	}
	cs.ID = utils.HashContent(idData)

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := s.changesets.PutTxn(txn, cs.ID, cs); err != nil {
			return err
		}
		for _, p := range parents {
			if err := s.leaves.DeleteTxn(txn, p); err != nil {
				return err
			}
		}
		return s.leaves.PutTxn(txn, cs.ID, true)
	})
	if err != nil {
		return "", fmt.Errorf("committing changeset: %w", err)
	}

	s.logger.Info("changeset committed",
		zap.String("csid", cs.ID),
		zap.Int("parents", len(parents)),
		zap.Int("generation", generation))
	return cs.ID, nil
}

// ResolveRevision maps a tag, full id or unique id prefix to a changeset id.
func (s *Store) ResolveRevision(rev string) (string, error) {
	if rev == "" {
		return "", verrors.ValidationError("empty revision", nil)
	}

	var tag Tag
	if err := s.tags.Get(rev, &tag); err == nil {
		return tag.CSID, nil
	}

	matches, err := s.changesets.IDsWithPrefix(rev)
	if err != nil {
		return "", fmt.Errorf("searching changesets: %w", err)
	}
	switch len(matches) {
	case 0:
		return "", verrors.NotFound(fmt.Sprintf("No changeset found matching '%s'", rev))
	case 1:
		return matches[0], nil
	default:
		for _, m := range matches {
			if m == rev {
				return m, nil
			}
		}
		return "", verrors.Ambiguous(rev, matches)
	}
}

// CommonAncestor returns the highest-generation changeset reachable from both
// a and b. Ties break on the smaller id so the result is deterministic.
func (s *Store) CommonAncestor(a, b string) (string, error) {
	fromA, err := s.ancestors(a)
	if err != nil {
		return "", err
	}
	fromB, err := s.ancestors(b)
	if err != nil {
		return "", err
	}

	best, bestGen := "", -1
	for id, gen := range fromB {
		if _, ok := fromA[id]; !ok {
			continue
		}
		if gen > bestGen || (gen == bestGen && id < best) {
			best, bestGen = id, gen
		}
	}
	if best == "" {
		return "", verrors.NotFound(fmt.Sprintf("No common ancestor for '%s' and '%s'", a, b))
	}
	return best, nil
}

// IsAncestor reports whether anc is reachable from csid (inclusive).
func (s *Store) IsAncestor(anc, csid string) (bool, error) {
	all, err := s.ancestors(csid)
	if err != nil {
		return false, err
	}
	_, ok := all[anc]
	return ok, nil
}

func (s *Store) ancestors(csid string) (map[string]int, error) {
	seen := make(map[string]int)
	queue := []string{csid}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if _, ok := seen[cur]; ok {
			continue
		}
		cs, err := s.LookupChangeset(cur)
		if err != nil {
			return nil, err
		}
		seen[cur] = cs.Generation
		queue = append(queue, cs.Parents...)
	}
	return seen, nil
}

// History walks first parents back from csid, newest first.
func (s *Store) History(csid string, limit int) ([]*Changeset, error) {
	var out []*Changeset
	for cur := csid; cur != "" && (limit <= 0 || len(out) < limit); {
		cs, err := s.LookupChangeset(cur)
		if err != nil {
			return nil, err
		}
		out = append(out, cs)
		cur = ""
		if len(cs.Parents) > 0 {
			cur = cs.Parents[0]
		}
	}
	return out, nil
}

// Leaves returns the changesets with no children.
func (s *Store) Leaves() ([]string, error) {
	return s.leaves.IDs()
}

func (s *Store) AddTag(name, rev string) error {
	if name == "" {
		return verrors.ValidationError("tag name cannot be empty", nil)
	}
	csid, err := s.ResolveRevision(rev)
	if err != nil {
		return err
	}
	if err := s.tags.Create(&tagEntity{Tag{Name: name, CSID: csid}}); err != nil {
		return verrors.ValidationError(fmt.Sprintf("tag '%s' already exists", name), nil)
	}
	return nil
}

// Tags returns tag name to changeset id.
func (s *Store) Tags() (map[string]string, error) {
	var tags []Tag
	if err := s.tags.List(&tags); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(tags))
	for _, t := range tags {
		out[t.Name] = t.CSID
	}
	return out, nil
}

// AddStamp attaches a stamp to the changeset named by rev. Stamping the same
// changeset twice with one name is a no-op.
func (s *Store) AddStamp(rev, name string) error {
	if name == "" {
		return verrors.ValidationError("stamp name cannot be empty", nil)
	}
	csid, err := s.ResolveRevision(rev)
	if err != nil {
		return err
	}
	return s.stamps.Put(csid+":"+name, Stamp{Name: name, CSID: csid})
}

// Stamps returns the sorted stamp names on csid.
func (s *Store) Stamps(csid string) ([]string, error) {
	ids, err := s.stamps.IDsWithPrefix(csid + ":")
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id[len(csid)+1:])
	}
	sort.Strings(out)
	return out, nil
}

type tagEntity struct {
	Tag
}

func (t *tagEntity) GetID() string { return t.Name }
