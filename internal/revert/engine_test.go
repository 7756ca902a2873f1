package revert

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	verrors "veracity/internal/errors"
	"veracity/internal/logging"
	"veracity/internal/repo"
	"veracity/shared/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rootGID = "root"

type engineFixture struct {
	t       *testing.T
	root    string
	content map[string][]byte
	engine  *Engine
}

func setupEngine(t *testing.T) *engineFixture {
	f := &engineFixture{t: t, root: t.TempDir(), content: make(map[string][]byte)}
	applier := NewApplier(f.root, filepath.Join(t.TempDir(), "staging"), nil)
	f.engine = NewEngine(applier, func(hash string) ([]byte, error) {
		data, ok := f.content[hash]
		if !ok {
			return nil, fmt.Errorf("no content %s", hash)
		}
		return data, nil
	}, logging.NewNop())
	return f
}

func (f *engineFixture) hash(content string) string {
	h := utils.HashContent([]byte(content))
	f.content[h] = []byte(content)
	return h
}

func (f *engineFixture) write(rel, content string) {
	p := filepath.Join(f.root, filepath.FromSlash(rel))
	require.NoError(f.t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(f.t, os.WriteFile(p, []byte(content), 0644))
}

func (f *engineFixture) read(rel string) string {
	data, err := os.ReadFile(filepath.Join(f.root, filepath.FromSlash(rel)))
	require.NoError(f.t, err)
	return string(data)
}

func (f *engineFixture) names(rel string) []string {
	entries, err := os.ReadDir(filepath.Join(f.root, filepath.FromSlash(rel)))
	require.NoError(f.t, err)
	var out []string
	for _, e := range entries {
		out = append(out, e.Name())
	}
	return out
}

func fileEntry(gid, parent, name, hash string) repo.Entry {
	return repo.Entry{GID: gid, Parent: parent, Name: name, Kind: repo.KindFile, Hash: hash}
}

func dirEntry(gid, parent, name string) repo.Entry {
	return repo.Entry{GID: gid, Parent: parent, Name: name, Kind: repo.KindDirectory}
}

func tree(entries ...repo.Entry) *repo.Tree {
	t := repo.NewTree(rootGID)
	for _, e := range entries {
		t.Put(e)
	}
	return t
}

func numbered(prefix string, from, to int) string {
	var b strings.Builder
	for i := from; i <= to; i++ {
		fmt.Fprintf(&b, "%s %d\n", prefix, i)
	}
	return b.String()
}

func TestEngine_RevertEditedFileKeepsOneBackup(t *testing.T) {
	f := setupEngine(t)
	v1 := numbered("line", 1, 39)
	lines := strings.SplitAfter(v1, "\n")
	v2 := strings.Join(lines[:10], "") + numbered("inserted", 1, 20) + strings.Join(lines[10:], "")

	f.write("a.txt", v2)
	current := tree(fileEntry("f1", rootGID, "a.txt", ""))
	target := tree(fileEntry("f1", rootGID, "a.txt", f.hash(v1)))

	res, err := f.engine.Apply(context.Background(), Request{Current: current, Target: target, Strict: true})
	require.NoError(t, err)

	assert.Equal(t, v1, f.read("a.txt"))
	assert.Equal(t, []string{"a.txt", "a.txt~sg00~"}, f.names(""))
	assert.Equal(t, v2, f.read("a.txt~sg00~"))
	assert.Equal(t, []string{"a.txt~sg00~"}, res.Found)
}

func TestEngine_ExplainedContentIsNotBackedUp(t *testing.T) {
	f := setupEngine(t)
	f.write("a.txt", "other side\n")
	known := f.hash("other side\n")

	current := tree(fileEntry("f1", rootGID, "a.txt", ""))
	target := tree(fileEntry("f1", rootGID, "a.txt", f.hash("baseline\n")))

	res, err := f.engine.Apply(context.Background(), Request{
		Current:   current,
		Target:    target,
		Explained: func(_, hash string) bool { return hash == known },
	})
	require.NoError(t, err)
	assert.Equal(t, "baseline\n", f.read("a.txt"))
	assert.Equal(t, []string{"a.txt"}, f.names(""))
	assert.Empty(t, res.Found)
}

func TestEngine_StrictInterferenceChangesNothing(t *testing.T) {
	f := setupEngine(t)
	f.write("a.txt", "edited\n")
	f.write("new.txt", "not controlled\n")

	current := tree(fileEntry("f1", rootGID, "a.txt", ""))
	target := tree(
		fileEntry("f1", rootGID, "a.txt", f.hash("original\n")),
		fileEntry("f2", rootGID, "new.txt", f.hash("incoming\n")),
	)

	_, err := f.engine.Apply(context.Background(), Request{
		Operation: "merge", Current: current, Target: target, Strict: true,
	})
	require.Error(t, err)
	assert.True(t, verrors.IsType(err, verrors.ErrorTypeInterference))
	assert.Contains(t, err.Error(), "new.txt")

	assert.Equal(t, "edited\n", f.read("a.txt"))
	assert.Equal(t, "not controlled\n", f.read("new.txt"))
	assert.Equal(t, []string{"a.txt", "new.txt"}, f.names(""))
}

func TestEngine_NonStrictBacksUpOccupant(t *testing.T) {
	f := setupEngine(t)
	f.write("new.txt", "not controlled\n")

	current := tree()
	target := tree(fileEntry("f2", rootGID, "new.txt", f.hash("incoming\n")))

	res, err := f.engine.Apply(context.Background(), Request{Current: current, Target: target})
	require.NoError(t, err)
	assert.Equal(t, "incoming\n", f.read("new.txt"))
	assert.Equal(t, "not controlled\n", f.read("new.txt~sg00~"))
	assert.Equal(t, []string{"new.txt~sg00~"}, res.Found)
}

func TestEngine_ControlledCollisionFailsOnlyThatItem(t *testing.T) {
	f := setupEngine(t)
	f.write("a.txt", "mine\n")

	current := tree(fileEntry("f1", rootGID, "a.txt", ""))
	target := tree(
		fileEntry("f1", rootGID, "a.txt", f.hash("mine\n")),
		fileEntry("f2", rootGID, "a.txt", f.hash("theirs\n")),
	)

	_, err := f.engine.Apply(context.Background(), Request{Current: current, Target: target, Scope: []string{"f2"}})
	require.Error(t, err)
	assert.True(t, verrors.IsType(err, verrors.ErrorTypeInterference))
	assert.Equal(t, "mine\n", f.read("a.txt"))
	assert.Equal(t, []string{"a.txt"}, f.names(""))
}

func TestEngine_IOErrorFailsOnlyThatItem(t *testing.T) {
	f := setupEngine(t)
	one := f.hash("one\n")
	f.write("a.txt", "one\n")
	f.write("ok.txt", "one\n")

	current := tree(fileEntry("a", rootGID, "a.txt", one), fileEntry("b", rootGID, "ok.txt", one))
	// deadbeef has no stored content, so writing a.txt fails.
	target := tree(fileEntry("a", rootGID, "a.txt", "deadbeef"), fileEntry("b", rootGID, "ok.txt", f.hash("two\n")))

	var committed []string
	_, err := f.engine.Apply(context.Background(), Request{
		Current:   current,
		Target:    target,
		Explained: func(gid, hash string) bool { return true },
		Commit: func(gid string, e *repo.Entry) error {
			committed = append(committed, gid)
			return nil
		},
	})
	require.Error(t, err)
	assert.True(t, verrors.IsType(err, verrors.ErrorTypeIO))
	assert.False(t, verrors.IsType(err, verrors.ErrorTypeInterference))
	assert.Contains(t, err.Error(), "a.txt")

	assert.Equal(t, "two\n", f.read("ok.txt"))
	assert.Equal(t, "one\n", f.read("a.txt"))
	assert.Equal(t, []string{"b"}, committed)
	assert.Equal(t, []string{"a.txt", "ok.txt"}, f.names(""))
}

func TestEngine_MovesDirectoryWithContents(t *testing.T) {
	f := setupEngine(t)
	h := f.hash("content\n")
	f.write("src/main.go", "content\n")

	current := tree(dirEntry("d1", rootGID, "src"), fileEntry("f1", "d1", "main.go", ""))
	target := tree(dirEntry("d1", rootGID, "cmd"), fileEntry("f1", "d1", "main.go", h))

	committed := map[string]*repo.Entry{}
	res, err := f.engine.Apply(context.Background(), Request{
		Current: current,
		Target:  target,
		Commit: func(gid string, e *repo.Entry) error {
			committed[gid] = e
			return nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "content\n", f.read("cmd/main.go"))
	assert.NoDirExists(t, filepath.Join(f.root, "src"))
	require.NotNil(t, committed["d1"])
	assert.Equal(t, "cmd", committed["d1"].Name)

	require.NotEmpty(t, res.Applied)
	assert.Equal(t, Action{GID: "d1", Path: "cmd", Op: ActionMove, From: "src"}, res.Applied[0])
}

func TestEngine_RemovedDirectoryKeepsUncontrolledFiles(t *testing.T) {
	f := setupEngine(t)
	known := f.hash("tracked\n")
	f.write("lib/tracked.txt", "tracked\n")
	f.write("lib/notes.txt", "scratch\n")

	current := tree(dirEntry("d1", rootGID, "lib"), fileEntry("f1", "d1", "tracked.txt", ""))
	target := tree()

	res, err := f.engine.Apply(context.Background(), Request{
		Current:   current,
		Target:    target,
		Explained: func(_, hash string) bool { return hash == known },
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"notes.txt"}, f.names("lib"))
	assert.Equal(t, []string{"lib"}, res.Found)
}

func TestEngine_ForgetLeavesFileOnDisk(t *testing.T) {
	f := setupEngine(t)
	f.write("added.txt", "new work\n")

	current := tree(fileEntry("f9", rootGID, "added.txt", ""))
	removed := false
	res, err := f.engine.Apply(context.Background(), Request{
		Current: current,
		Target:  tree(),
		Forget:  func(gid string) bool { return gid == "f9" },
		Commit: func(gid string, e *repo.Entry) error {
			removed = gid == "f9" && e == nil
			return nil
		},
	})
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, "new work\n", f.read("added.txt"))
	assert.Equal(t, []string{"added.txt"}, res.Found)
	assert.Equal(t, ActionForget, res.Applied[0].Op)
}

func TestEngine_AutoMergedStatus(t *testing.T) {
	tests := []struct {
		name   string
		onDisk string
		want   string
	}{
		{"untouched merge result", "merged\n", StatusAutoMerged},
		{"edited after merge", "merged and edited\n", StatusAutoMergedEdited},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupEngine(t)
			f.write("a.txt", tt.onDisk)
			merged := f.hash("merged\n")

			current := tree(fileEntry("f1", rootGID, "a.txt", ""))
			target := tree(fileEntry("f1", rootGID, "a.txt", f.hash("baseline\n")))

			res, err := f.engine.Apply(context.Background(), Request{
				Current:    current,
				Target:     target,
				AutoMerged: map[string]string{"f1": merged},
			})
			require.NoError(t, err)
			require.NotEmpty(t, res.Applied)
			assert.Equal(t, ActionBackup, res.Applied[0].Op)
			assert.Equal(t, tt.want, res.Applied[0].Status)
			assert.Equal(t, tt.onDisk, f.read("a.txt~sg00~"))
			assert.Equal(t, "baseline\n", f.read("a.txt"))
		})
	}
}

func TestEngine_DryRunTouchesNothing(t *testing.T) {
	f := setupEngine(t)
	f.write("a.txt", "edited\n")

	current := tree(fileEntry("f1", rootGID, "a.txt", ""))
	target := tree(fileEntry("f1", rootGID, "a.txt", f.hash("original\n")))

	res, err := f.engine.Apply(context.Background(), Request{
		Current: current,
		Target:  target,
		DryRun:  true,
		Commit: func(string, *repo.Entry) error {
			t.Fatal("dry run committed")
			return nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "edited\n", f.read("a.txt"))
	assert.Equal(t, []string{"a.txt"}, f.names(""))
	assert.Equal(t, []string{"a.txt~sg00~"}, res.Found)
}

func TestEngine_NoBackupsDiscardsEdits(t *testing.T) {
	f := setupEngine(t)
	f.write("a.txt", "edited\n")

	current := tree(fileEntry("f1", rootGID, "a.txt", ""))
	target := tree(fileEntry("f1", rootGID, "a.txt", f.hash("original\n")))

	res, err := f.engine.Apply(context.Background(), Request{Current: current, Target: target, NoBackups: true})
	require.NoError(t, err)
	assert.Equal(t, "original\n", f.read("a.txt"))
	assert.Equal(t, []string{"a.txt"}, f.names(""))
	assert.Empty(t, res.Found)
}
