package repo

import (
	"testing"
	"time"

	verrors "veracity/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *Store {
	s, err := Open(Options{Dir: t.TempDir(), InMemory: true, CacheSize: 16})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	})
	return s
}

// commitFile commits parent's tree with file gid set to content.
func commitFile(t *testing.T, s *Store, parent, gid, name, content string) string {
	tree, err := s.TreeOf(parent)
	require.NoError(t, err)
	hash, err := s.StoreContent(name, []byte(content))
	require.NoError(t, err)
	tree.Put(Entry{GID: gid, Parent: tree.Root, Name: name, Kind: KindFile, Hash: hash})
	csid, err := s.Commit(tree, []string{parent}, "edit "+name, Audit{Who: "tester"})
	require.NoError(t, err)
	return csid
}

func TestStore_InitIsIdempotent(t *testing.T) {
	s := setupTestStore(t)

	first, err := s.Init("tester")
	require.NoError(t, err)
	second, err := s.Init("tester")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	cs, err := s.LookupChangeset(first)
	require.NoError(t, err)
	assert.Empty(t, cs.Parents)
	assert.Equal(t, 1, cs.Generation)

	tree, err := s.FetchTree(cs.TreeID)
	require.NoError(t, err)
	assert.Len(t, tree.Entries, 1)
}

func TestStore_CommitAndFetch(t *testing.T) {
	s := setupTestStore(t)
	initial, err := s.Init("tester")
	require.NoError(t, err)

	csid := commitFile(t, s, initial, "f1", "a.txt", "hello\n")

	cs, err := s.LookupChangeset(csid)
	require.NoError(t, err)
	assert.Equal(t, []string{initial}, cs.Parents)
	assert.Equal(t, 2, cs.Generation)
	assert.Equal(t, "tester", cs.Audit.Who)

	tree, err := s.TreeOf(csid)
	require.NoError(t, err)
	e, ok := tree.Lookup("a.txt")
	require.True(t, ok)

	content, err := s.FetchContent(e.Hash)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(content))

	// Fetched trees are private copies.
	tree.Delete("f1")
	again, err := s.TreeOf(csid)
	require.NoError(t, err)
	assert.True(t, again.Has("f1"))

	leaves, err := s.Leaves()
	require.NoError(t, err)
	assert.Equal(t, []string{csid}, leaves)
}

func TestStore_CommitRejectsBadTrees(t *testing.T) {
	s := setupTestStore(t)
	initial, err := s.Init("tester")
	require.NoError(t, err)

	tree, err := s.TreeOf(initial)
	require.NoError(t, err)
	tree.Put(Entry{GID: "f", Parent: tree.Root, Name: "f", Kind: KindFile, Hash: "0000000000000000000000000000000000000000000000000000000000000000"})

	_, err = s.Commit(tree, []string{initial}, "bad", Audit{})
	assert.True(t, verrors.IsType(err, verrors.ErrorTypeValidation))

	_, err = s.Commit(NewTree("r"), []string{"deadbeef"}, "bad", Audit{})
	assert.True(t, verrors.IsType(err, verrors.ErrorTypeNotFound))
}

func TestStore_CommonAncestor(t *testing.T) {
	s := setupTestStore(t)
	initial, err := s.Init("tester")
	require.NoError(t, err)

	base := commitFile(t, s, initial, "f1", "a.txt", "v1\n")
	left := commitFile(t, s, base, "f1", "a.txt", "left\n")
	right := commitFile(t, s, base, "f2", "b.txt", "right\n")

	anc, err := s.CommonAncestor(left, right)
	require.NoError(t, err)
	assert.Equal(t, base, anc)

	anc, err = s.CommonAncestor(left, base)
	require.NoError(t, err)
	assert.Equal(t, base, anc)

	tree, err := s.TreeOf(left)
	require.NoError(t, err)
	merged, err := s.Commit(tree, []string{left, right}, "merge", Audit{Who: "tester"})
	require.NoError(t, err)

	ok, err := s.IsAncestor(right, merged)
	require.NoError(t, err)
	assert.True(t, ok)

	leaves, err := s.Leaves()
	require.NoError(t, err)
	assert.Equal(t, []string{merged}, leaves)

	history, err := s.History(merged, 0)
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, merged, history[0].ID)
	assert.Equal(t, initial, history[3].ID)
}

func TestStore_ResolveRevision(t *testing.T) {
	s := setupTestStore(t)
	initial, err := s.Init("tester")
	require.NoError(t, err)
	csid := commitFile(t, s, initial, "f1", "a.txt", "v1\n")

	got, err := s.ResolveRevision(csid)
	require.NoError(t, err)
	assert.Equal(t, csid, got)

	got, err = s.ResolveRevision(csid[:10])
	require.NoError(t, err)
	assert.Equal(t, csid, got)

	require.NoError(t, s.AddTag("v1.0", csid[:12]))
	got, err = s.ResolveRevision("v1.0")
	require.NoError(t, err)
	assert.Equal(t, csid, got)

	err = s.AddTag("v1.0", initial)
	assert.True(t, verrors.IsType(err, verrors.ErrorTypeValidation))

	_, err = s.ResolveRevision("nosuchrev")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No changeset found")
	assert.Equal(t, verrors.CodeNotFound, verrors.ExitStatus(err))

	_, err = s.ResolveRevision("")
	assert.True(t, verrors.IsType(err, verrors.ErrorTypeValidation))

	tags, err := s.Tags()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"v1.0": csid}, tags)
}

func TestStore_Stamps(t *testing.T) {
	s := setupTestStore(t)
	initial, err := s.Init("tester")
	require.NoError(t, err)
	csid := commitFile(t, s, initial, "f1", "a.txt", "v1\n")

	require.NoError(t, s.AddStamp(csid, "reviewed"))
	require.NoError(t, s.AddStamp(csid, "built"))
	require.NoError(t, s.AddStamp(csid, "built"))
	require.NoError(t, s.AddStamp(initial, "built"))

	stamps, err := s.Stamps(csid)
	require.NoError(t, err)
	assert.Equal(t, []string{"built", "reviewed"}, stamps)

	err = s.AddStamp("bogus", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No changeset found")
}
