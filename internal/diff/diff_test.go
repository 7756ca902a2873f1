package diff

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func numbered(n int) string {
	var b strings.Builder
	for i := 1; i <= n; i++ {
		b.WriteString("line ")
		b.WriteString(strings.Repeat("x", i%7))
		b.WriteString(string(rune('a' + i%26)))
		b.WriteString("\n")
	}
	return b.String()
}

func TestSplitLines(t *testing.T) {
	assert.Nil(t, splitLines(nil))
	assert.Equal(t, []string{"a\n", "b\n"}, splitLines([]byte("a\nb\n")))
	assert.Equal(t, []string{"a\n", "b"}, splitLines([]byte("a\nb")))
	assert.Equal(t, []string{"\n", "\n"}, splitLines([]byte("\n\n")))
}

func TestEngine_Diff(t *testing.T) {
	tests := []struct {
		name      string
		old, new  string
		additions int
		deletions int
		hunks     int
	}{
		{name: "identical", old: "a\nb\n", new: "a\nb\n"},
		{name: "append", old: "a\nb\n", new: "a\nb\nc\n", additions: 1, hunks: 1},
		{name: "delete", old: "a\nb\nc\n", new: "a\nc\n", deletions: 1, hunks: 1},
		{name: "replace", old: "a\nb\nc\n", new: "a\nB\nc\n", additions: 1, deletions: 1, hunks: 1},
		{name: "from empty", old: "", new: "a\nb\n", additions: 2, hunks: 1},
		{
			name:      "distant changes split hunks",
			old:       "1\n2\n3\n4\n5\n6\n7\n8\n9\n10\n11\n12\n",
			new:       "one\n2\n3\n4\n5\n6\n7\n8\n9\n10\n11\ntwelve\n",
			additions: 2, deletions: 2, hunks: 2,
		},
	}

	e := NewEngine(3)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := e.Diff([]byte(tt.old), []byte(tt.new))
			require.NoError(t, err)
			assert.Equal(t, tt.additions, result.Stats.Additions)
			assert.Equal(t, tt.deletions, result.Stats.Deletions)
			assert.Equal(t, tt.additions+tt.deletions, result.Stats.Changes)
			assert.Len(t, result.Hunks, tt.hunks)
		})
	}
}

func TestEngine_DiffHunkHeaders(t *testing.T) {
	e := NewEngine(1)
	result, err := e.Diff([]byte("a\nb\nc\nd\n"), []byte("a\nb\nX\nd\n"))
	require.NoError(t, err)
	require.Len(t, result.Hunks, 1)

	h := result.Hunks[0]
	assert.Equal(t, 2, h.OldStart)
	assert.Equal(t, 3, h.OldLines)
	assert.Equal(t, 2, h.NewStart)
	assert.Equal(t, 3, h.NewLines)

	assert.Equal(t, "@@ -2,3 +2,3 @@\n b\n-c\n+X\n d\n", result.Format())
}

func TestMerge3(t *testing.T) {
	base := "1\n2\n3\n4\n5\n6\n7\n"

	tests := []struct {
		name      string
		baseline  string
		other     string
		want      string
		conflicts int
	}{
		{name: "no changes", baseline: base, other: base, want: base},
		{name: "baseline only", baseline: "1\nB\n3\n4\n5\n6\n7\n", other: base, want: "1\nB\n3\n4\n5\n6\n7\n"},
		{name: "other only", baseline: base, other: "1\n2\n3\n4\n5\n6\n7\n8\n", want: "1\n2\n3\n4\n5\n6\n7\n8\n"},
		{
			name:     "disjoint edits",
			baseline: "1\nB\n3\n4\n5\n6\n7\n",
			other:    "1\n2\n3\n4\n5\nC\n7\n",
			want:     "1\nB\n3\n4\n5\nC\n7\n",
		},
		{
			name:     "identical edits converge",
			baseline: "1\n2\nX\n4\n5\n6\n7\n",
			other:    "1\n2\nX\n4\n5\n6\n7\n",
			want:     "1\n2\nX\n4\n5\n6\n7\n",
		},
		{
			name:     "deletion and distant insert",
			baseline: "1\n3\n4\n5\n6\n7\n",
			other:    "1\n2\n3\n4\n5\n6\n7\nnew\n",
			want:     "1\n3\n4\n5\n6\n7\nnew\n",
		},
		{
			name:      "overlapping edits conflict",
			baseline:  "1\n2\nB\n4\n5\n6\n7\n",
			other:     "1\n2\nC\n4\n5\n6\n7\n",
			want:      "1\n2\n" + MarkerBaseline + "B\n" + MarkerAncestor + "3\n" + MarkerSplit + "C\n" + MarkerOther + "4\n5\n6\n7\n",
			conflicts: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Merge3([]byte(base), []byte(tt.baseline), []byte(tt.other))
			assert.Equal(t, tt.want, string(got.Content))
			assert.Equal(t, tt.conflicts, got.Conflicts)
			assert.Equal(t, tt.conflicts == 0, got.Clean)
		})
	}
}

func TestMerge3_LargeInsertions(t *testing.T) {
	ancestor := numbered(39)
	lines := strings.SplitAfter(ancestor, "\n")
	baseline := strings.Join(lines[:5], "") + "inserted\n" + strings.Join(lines[5:], "")
	other := strings.Join(lines[:30], "") + "appended\n" + strings.Join(lines[30:], "")

	got := Merge3([]byte(ancestor), []byte(baseline), []byte(other))
	require.True(t, got.Clean)
	assert.Contains(t, string(got.Content), "inserted\n")
	assert.Contains(t, string(got.Content), "appended\n")
	assert.Len(t, splitLines(got.Content), 41)
}

func TestMerge3_MissingFinalNewline(t *testing.T) {
	got := Merge3([]byte("a\nb"), []byte("a\nB"), []byte("a\nC"))
	assert.False(t, got.Clean)
	assert.Equal(t, "a\n"+MarkerBaseline+"B\n"+MarkerAncestor+"b\n"+MarkerSplit+"C\n"+MarkerOther, string(got.Content))
}

func TestIsBinary(t *testing.T) {
	assert.False(t, IsBinary([]byte("plain text\n")))
	assert.False(t, IsBinary(nil))
	assert.True(t, IsBinary([]byte{'P', 'N', 'G', 0, 1}))

	late := append([]byte(strings.Repeat("a", 9000)), 0)
	assert.False(t, IsBinary(late))
}
