package fileclass

import (
	"context"
	"os/exec"
	"testing"

	"veracity/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClasses_For(t *testing.T) {
	classes, err := New([]config.FileClass{
		{Name: "images", Patterns: []string{"*.png", "*.jpg"}, Strategy: "skip"},
		{Name: "docs", Patterns: []string{"docs/**"}, Strategy: "merge"},
		{Name: "catchall-png", Patterns: []string{"**.png"}, Strategy: "merge"},
	}, "merge")
	require.NoError(t, err)

	tests := []struct {
		path      string
		wantClass string
		wantName  string
	}{
		{path: "logo.png", wantClass: "images", wantName: StrategySkip},
		{path: "assets/icons/logo.png", wantClass: "images", wantName: StrategySkip},
		{path: "docs/guide/intro.md", wantClass: "docs", wantName: StrategyMerge},
		{path: "src/main.go", wantClass: "default", wantName: StrategyMerge},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			class, s := classes.For(tt.path)
			assert.Equal(t, tt.wantClass, class)
			assert.Equal(t, tt.wantName, s.Name())
		})
	}
}

func TestNew_Errors(t *testing.T) {
	_, err := New(nil, "bogus")
	assert.Error(t, err)

	_, err = New([]config.FileClass{{Name: "x", Patterns: []string{"*"}, Strategy: "external"}}, "merge")
	assert.ErrorContains(t, err, "needs a command")

	_, err = New([]config.FileClass{{Name: "x", Patterns: []string{"*"}, Strategy: "rebase"}}, "merge")
	assert.ErrorContains(t, err, "unknown strategy")
}

func TestFromConfig_Default(t *testing.T) {
	classes, err := FromConfig(config.Default())
	require.NoError(t, err)

	class, s := classes.For("archive.zip")
	assert.Equal(t, "binary", class)
	assert.Equal(t, StrategySkip, s.Name())
}

func TestAutoMerge(t *testing.T) {
	ctx := context.Background()
	m := AutoMerge{}

	out, err := m.Merge(ctx, Input{
		Path:     "a.txt",
		Ancestor: []byte("1\n2\n3\n4\n5\n"),
		Baseline: []byte("one\n2\n3\n4\n5\n"),
		Other:    []byte("1\n2\n3\n4\nfive\n"),
	})
	require.NoError(t, err)
	assert.True(t, out.Clean)
	assert.Equal(t, "one\n2\n3\n4\nfive\n", string(out.Content))

	out, err = m.Merge(ctx, Input{
		Path:     "a.txt",
		Ancestor: []byte("1\n"),
		Baseline: []byte("b\n"),
		Other:    []byte("c\n"),
	})
	require.NoError(t, err)
	assert.False(t, out.Clean)
	assert.Equal(t, 1, out.Conflicts)

	out, err = m.Merge(ctx, Input{
		Path:     "a.bin",
		Ancestor: []byte{0, 1},
		Baseline: []byte{0, 2},
		Other:    []byte{0, 1},
	})
	require.NoError(t, err)
	assert.False(t, out.Clean)
}

func TestSkip(t *testing.T) {
	out, err := Skip{}.Merge(context.Background(), Input{Baseline: []byte("a"), Other: []byte("b")})
	require.NoError(t, err)
	assert.False(t, out.Clean)
	assert.Equal(t, StrategySkip, out.Strategy)
}

func TestExternal(t *testing.T) {
	if _, err := exec.LookPath("cp"); err != nil {
		t.Skip("cp not available")
	}
	ctx := context.Background()

	out, err := External{Command: "cp {other} {result}"}.Merge(ctx, Input{
		Path:     "dir/file.txt",
		Ancestor: []byte("a\n"),
		Baseline: []byte("b\n"),
		Other:    []byte("c\n"),
	})
	require.NoError(t, err)
	assert.True(t, out.Clean)
	assert.Equal(t, "c\n", string(out.Content))

	if _, err := exec.LookPath("false"); err == nil {
		out, err = External{Command: "false {result}"}.Merge(ctx, Input{Path: "f"})
		require.NoError(t, err)
		assert.False(t, out.Clean)
	}

	_, err = External{Command: "/nonexistent/tool {result}"}.Merge(ctx, Input{Path: "f"})
	assert.Error(t, err)
}
