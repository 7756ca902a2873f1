package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"veracity/internal/config"
	verrors "veracity/internal/errors"
	"veracity/internal/revert"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wsFixture struct {
	t    *testing.T
	ctx  context.Context
	root string
	ws   *Workspace
}

func setupWorkspace(t *testing.T) *wsFixture {
	root := t.TempDir()
	ws, err := Init(root, "tester", Options{Config: config.Default()})
	require.NoError(t, err)

	f := &wsFixture{t: t, ctx: context.Background(), root: root, ws: ws}
	t.Cleanup(func() { f.ws.Close() })
	return f
}

func (f *wsFixture) path(rel string) string {
	return filepath.Join(f.root, filepath.FromSlash(rel))
}

func (f *wsFixture) write(rel, content string) {
	p := f.path(rel)
	require.NoError(f.t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(f.t, os.WriteFile(p, []byte(content), 0644))
}

func (f *wsFixture) read(rel string) string {
	data, err := os.ReadFile(f.path(rel))
	require.NoError(f.t, err)
	return string(data)
}

func (f *wsFixture) exists(rel string) bool {
	_, err := os.Lstat(f.path(rel))
	return err == nil
}

// names lists a directory, leaving out the metadata directory.
func (f *wsFixture) names(rel string) []string {
	entries, err := os.ReadDir(f.path(rel))
	require.NoError(f.t, err)
	var out []string
	for _, e := range entries {
		if e.Name() != MetaDir {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out
}

func (f *wsFixture) add(paths ...string) {
	_, err := f.ws.Add(paths)
	require.NoError(f.t, err)
}

func (f *wsFixture) commit(message string) string {
	csid, err := f.ws.Commit(message, "tester")
	require.NoError(f.t, err)
	return csid
}

func (f *wsFixture) update(rev string) {
	_, err := f.ws.Update(f.ctx, rev)
	require.NoError(f.t, err)
}

func (f *wsFixture) flags() map[string][]string {
	items, err := f.ws.Status(StatusOptions{})
	require.NoError(f.t, err)
	out := make(map[string][]string, len(items))
	for _, st := range items {
		out[st.Path] = st.Flags
	}
	return out
}

func numbered(prefix string, from, to int) string {
	var b strings.Builder
	for i := from; i <= to; i++ {
		fmt.Fprintf(&b, "%s %d\n", prefix, i)
	}
	return b.String()
}

func TestWorkspace_InitTwiceFails(t *testing.T) {
	f := setupWorkspace(t)

	_, err := Init(f.root, "tester", Options{Config: config.Default()})
	assert.True(t, verrors.IsType(err, verrors.ErrorTypeValidation))
}

func TestWorkspace_FindRootFromSubdirectory(t *testing.T) {
	f := setupWorkspace(t)
	f.write("src/deep/file.txt", "x\n")

	root, err := FindRoot(f.path("src/deep"))
	require.NoError(t, err)
	assert.Equal(t, f.root, root)

	_, err = FindRoot(t.TempDir())
	assert.True(t, verrors.IsType(err, verrors.ErrorTypeNotFound))
}

func TestWorkspace_AddCommitStatus(t *testing.T) {
	f := setupWorkspace(t)
	f.write("a.txt", "one\n")
	f.write("src/main.go", "package main\n")

	assert.Equal(t, map[string][]string{
		"a.txt": {FlagFound},
		"src":   {FlagFound},
	}, f.flags())

	added, err := f.ws.Add([]string{"a.txt", "src"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "src", "src/main.go"}, added)
	assert.Equal(t, map[string][]string{
		"a.txt":       {FlagAdded},
		"src":         {FlagAdded},
		"src/main.go": {FlagAdded},
	}, f.flags())

	csid := f.commit("first")
	assert.Equal(t, csid, f.ws.Baseline())
	assert.Empty(t, f.flags())

	f.write("a.txt", "two\n")
	assert.Equal(t, map[string][]string{"a.txt": {FlagModified}}, f.flags())
}

func TestWorkspace_AddRejectsMetadata(t *testing.T) {
	f := setupWorkspace(t)

	_, err := f.ws.Add([]string{".vv/config.yaml"})
	assert.True(t, verrors.IsType(err, verrors.ErrorTypeValidation))

	_, err = f.ws.Add([]string{"missing.txt"})
	assert.True(t, verrors.IsType(err, verrors.ErrorTypeNotFound))
}

func TestWorkspace_StatePersistsAcrossOpen(t *testing.T) {
	f := setupWorkspace(t)
	f.write("a.txt", "one\n")
	f.add("a.txt")
	csid := f.commit("first")
	f.write("a.txt", "two\n")

	require.NoError(t, f.ws.Close())
	ws, err := Open(f.root, Options{Config: config.Default()})
	require.NoError(t, err)
	f.ws = ws

	assert.Equal(t, csid, f.ws.Baseline())
	assert.Equal(t, map[string][]string{"a.txt": {FlagModified}}, f.flags())
}

func TestWorkspace_RevertEditedFileKeepsOneBackup(t *testing.T) {
	f := setupWorkspace(t)
	v1 := numbered("line", 1, 39)
	f.write("a.txt", v1)
	f.add("a.txt")
	f.commit("first")

	v2 := numbered("line", 1, 19) + numbered("inserted", 1, 20) + numbered("line", 20, 39)
	f.write("a.txt", v2)

	res, err := f.ws.Revert(f.ctx, RevertOptions{All: true})
	require.NoError(t, err)

	assert.Equal(t, v1, f.read("a.txt"))
	assert.Equal(t, []string{"a.txt", "a.txt~sg00~"}, f.names(""))
	assert.Equal(t, v2, f.read("a.txt~sg00~"))
	assert.Equal(t, []string{"a.txt~sg00~"}, res.Found)
	var backups []revert.Action
	for _, a := range res.Applied {
		if a.Op == revert.ActionBackup {
			backups = append(backups, a)
		}
	}
	require.Len(t, backups, 1)
	assert.Equal(t, "a.txt", backups[0].Path)
	assert.Equal(t, "a.txt~sg00~", backups[0].Backup)

	assert.Equal(t, map[string][]string{"a.txt~sg00~": {FlagFound}}, f.flags())
}

func TestWorkspace_RevertNoBackups(t *testing.T) {
	f := setupWorkspace(t)
	f.write("a.txt", "one\n")
	f.add("a.txt")
	f.commit("first")
	f.write("a.txt", "two\n")

	res, err := f.ws.Revert(f.ctx, RevertOptions{Paths: []string{"a.txt"}, NoBackups: true})
	require.NoError(t, err)
	assert.Empty(t, res.Found)
	assert.Equal(t, "one\n", f.read("a.txt"))
	assert.Equal(t, []string{"a.txt"}, f.names(""))
}

func TestWorkspace_RevertDryRunTouchesNothing(t *testing.T) {
	f := setupWorkspace(t)
	f.write("a.txt", "one\n")
	f.add("a.txt")
	f.commit("first")
	f.write("a.txt", "two\n")

	res, err := f.ws.Revert(f.ctx, RevertOptions{All: true, DryRun: true})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Applied)
	assert.Equal(t, "two\n", f.read("a.txt"))
	assert.Equal(t, map[string][]string{"a.txt": {FlagModified}}, f.flags())
}

func TestWorkspace_RenameMoveAndRevert(t *testing.T) {
	f := setupWorkspace(t)
	f.write("a.txt", "one\n")
	f.write("src/main.go", "package main\n")
	f.add("a.txt", "src")
	f.commit("first")

	require.NoError(t, f.ws.Rename(f.ctx, "a.txt", "b.txt"))
	assert.False(t, f.exists("a.txt"))
	assert.Equal(t, "one\n", f.read("b.txt"))
	assert.Equal(t, map[string][]string{"b.txt": {FlagRenamed}}, f.flags())

	require.NoError(t, f.ws.Move(f.ctx, "b.txt", "src"))
	assert.Equal(t, "one\n", f.read("src/b.txt"))
	assert.Equal(t, map[string][]string{"src/b.txt": {FlagRenamed, FlagMoved}}, f.flags())

	res, err := f.ws.Revert(f.ctx, RevertOptions{All: true})
	require.NoError(t, err)
	assert.Empty(t, res.Found)
	assert.Equal(t, "one\n", f.read("a.txt"))
	assert.False(t, f.exists("src/b.txt"))
	assert.Empty(t, f.flags())
}

func TestWorkspace_RenameOntoControlledItemFails(t *testing.T) {
	f := setupWorkspace(t)
	f.write("a.txt", "one\n")
	f.write("b.txt", "two\n")
	f.add("a.txt", "b.txt")
	f.commit("first")

	err := f.ws.Rename(f.ctx, "a.txt", "b.txt")
	assert.True(t, verrors.IsType(err, verrors.ErrorTypeValidation))
	assert.Equal(t, "one\n", f.read("a.txt"))
	assert.Equal(t, "two\n", f.read("b.txt"))
	assert.Empty(t, f.flags())
}

func TestWorkspace_RenameOntoUncontrolledItemInterferes(t *testing.T) {
	f := setupWorkspace(t)
	f.write("a.txt", "one\n")
	f.add("a.txt")
	f.commit("first")
	f.write("b.txt", "mine\n")

	err := f.ws.Rename(f.ctx, "a.txt", "b.txt")
	assert.True(t, verrors.IsType(err, verrors.ErrorTypeInterference))
	assert.Equal(t, verrors.CodeInterference, verrors.ExitStatus(err))
	assert.Equal(t, "one\n", f.read("a.txt"))
	assert.Equal(t, "mine\n", f.read("b.txt"))
}

func TestWorkspace_RemoveAndRevertPath(t *testing.T) {
	f := setupWorkspace(t)
	f.write("a.txt", "one\n")
	f.add("a.txt")
	f.commit("first")
	f.write("new.txt", "new\n")
	f.add("new.txt")

	_, err := f.ws.Remove(f.ctx, []string{"a.txt", "new.txt"})
	require.NoError(t, err)
	assert.False(t, f.exists("a.txt"))
	assert.Equal(t, "new\n", f.read("new.txt"))
	assert.Equal(t, map[string][]string{
		"a.txt":   {FlagRemoved},
		"new.txt": {FlagFound},
	}, f.flags())

	_, err = f.ws.Revert(f.ctx, RevertOptions{Paths: []string{"a.txt"}})
	require.NoError(t, err)
	assert.Equal(t, "one\n", f.read("a.txt"))
	assert.Equal(t, map[string][]string{"new.txt": {FlagFound}}, f.flags())
}

func TestWorkspace_RevertAllRefusesInterference(t *testing.T) {
	f := setupWorkspace(t)
	f.write("a.txt", "one\n")
	f.add("a.txt")
	f.commit("first")

	_, err := f.ws.Remove(f.ctx, []string{"a.txt"})
	require.NoError(t, err)
	f.write("a.txt", "mine\n")
	f.write("b.txt", "other\n")

	_, err = f.ws.Revert(f.ctx, RevertOptions{All: true})
	require.Error(t, err)
	assert.True(t, verrors.IsType(err, verrors.ErrorTypeInterference))
	assert.Contains(t, err.Error(), "a.txt")

	assert.Equal(t, "mine\n", f.read("a.txt"))
	assert.Equal(t, []string{"a.txt", "b.txt"}, f.names(""))
	flags := f.flags()
	assert.Contains(t, flags["a.txt"], FlagRemoved)
}

func TestWorkspace_CommitRefusesLostFile(t *testing.T) {
	f := setupWorkspace(t)
	f.write("a.txt", "one\n")
	f.add("a.txt")
	f.commit("first")
	require.NoError(t, os.Remove(f.path("a.txt")))

	assert.Equal(t, map[string][]string{"a.txt": {FlagLost}}, f.flags())
	_, err := f.ws.Commit("lost", "tester")
	assert.True(t, verrors.IsType(err, verrors.ErrorTypeValidation))
}

func TestWorkspace_ExecutableBit(t *testing.T) {
	f := setupWorkspace(t)
	f.write("run.sh", "echo hi\n")
	f.add("run.sh")
	f.commit("first")

	require.NoError(t, f.ws.SetExecutable("run.sh", true))
	assert.Equal(t, map[string][]string{"run.sh": {FlagAttributes}}, f.flags())

	f.commit("exec")
	assert.Empty(t, f.flags())

	info, err := os.Stat(f.path("run.sh"))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&0100)
}

func TestWorkspace_UpdateMakesBranches(t *testing.T) {
	f := setupWorkspace(t)
	initial := f.ws.Baseline()
	f.write("a.txt", "one\n")
	f.add("a.txt")
	c1 := f.commit("one")
	f.write("a.txt", "two\n")
	c2 := f.commit("two")

	f.update(c1)
	assert.Equal(t, c1, f.ws.Baseline())
	assert.Equal(t, "one\n", f.read("a.txt"))
	assert.Empty(t, f.flags())
	assert.Equal(t, []string{"a.txt"}, f.names(""))

	f.write("a.txt", "three\n")
	c3 := f.commit("three")

	leaves, err := f.ws.Store().Leaves()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{c2, c3}, leaves)

	history, err := f.ws.Store().History(c3, 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, c3, history[0].ID)
	assert.Equal(t, c1, history[1].ID)
	assert.Equal(t, initial, history[2].ID)
}

func TestWorkspace_UpdateRefusesPendingChanges(t *testing.T) {
	f := setupWorkspace(t)
	f.write("a.txt", "one\n")
	f.add("a.txt")
	c1 := f.commit("one")
	f.write("a.txt", "two\n")
	f.commit("two")
	f.write("a.txt", "dirty\n")

	_, err := f.ws.Update(f.ctx, c1)
	require.Error(t, err)
	assert.True(t, verrors.IsType(err, verrors.ErrorTypePendingChanges))
	assert.Equal(t, verrors.CodePendingChanges, verrors.ExitStatus(err))
	assert.Equal(t, "dirty\n", f.read("a.txt"))
}

func TestWorkspace_SparseCheckout(t *testing.T) {
	f := setupWorkspace(t)
	f.write("docs/a.md", "a\n")
	f.write("docs/b.md", "b\n")
	f.write("src/x.go", "package x\n")
	f.add("docs", "src")
	c1 := f.commit("first")

	_, err := f.ws.Checkout(f.ctx, c1, []string{"docs"})
	require.NoError(t, err)
	assert.False(t, f.exists("docs"))
	assert.Equal(t, "package x\n", f.read("src/x.go"))
	assert.Empty(t, f.flags())

	items, err := f.ws.Status(StatusOptions{ListSparse: true})
	require.NoError(t, err)
	var sparse []string
	for _, st := range items {
		if st.Has(FlagSparse) {
			sparse = append(sparse, st.Path)
		}
	}
	assert.Equal(t, []string{"docs", "docs/a.md", "docs/b.md"}, sparse)

	f.write("src/x.go", "package x // edited\n")
	c2 := f.commit("edit")
	tree, err := f.ws.Store().TreeOf(c2)
	require.NoError(t, err)
	_, ok := tree.Lookup("docs/a.md")
	assert.True(t, ok, "sparse items stay in committed trees")

	_, err = f.ws.Checkout(f.ctx, c2, nil)
	require.NoError(t, err)
	assert.Equal(t, "a\n", f.read("docs/a.md"))
	assert.Equal(t, "b\n", f.read("docs/b.md"))
	assert.Empty(t, f.flags())
}

func TestWorkspace_Diff(t *testing.T) {
	f := setupWorkspace(t)
	f.write("a.txt", "one\n")
	f.add("a.txt")
	f.commit("first")
	f.write("a.txt", "one\ntwo\n")

	res, err := f.ws.Diff("a.txt")
	require.NoError(t, err)
	require.Len(t, res.Hunks, 1)
	assert.Equal(t, 1, res.Stats.Additions)
	assert.Equal(t, 0, res.Stats.Deletions)

	_, err = f.ws.Diff("nope.txt")
	assert.True(t, verrors.IsType(err, verrors.ErrorTypeNotFound))
}
