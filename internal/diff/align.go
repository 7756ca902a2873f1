package diff

import (
	"bytes"

	"github.com/sergi/go-diff/diffmatchpatch"
)

type editKind int

const (
	editEqual editKind = iota
	editInsert
	editDelete
)

// edit is a run of whole lines that are equal, inserted or deleted.
type edit struct {
	kind  editKind
	lines []string
}

// block is a run of n equal lines starting at a in the old text and b in
// the new text.
type block struct {
	a, b, n int
}

// splitLines splits content into lines, each keeping its trailing newline.
// A final line without a newline is kept as is.
func splitLines(content []byte) []string {
	if len(content) == 0 {
		return nil
	}
	var out []string
	for len(content) > 0 {
		i := bytes.IndexByte(content, '\n')
		if i < 0 {
			out = append(out, string(content))
			break
		}
		out = append(out, string(content[:i+1]))
		content = content[i+1:]
	}
	return out
}

// lineEdits aligns two texts line by line. Lines are mapped to single
// characters so the character diff never splits a line.
func lineEdits(dmp *diffmatchpatch.DiffMatchPatch, oldText, newText string) []edit {
	c1, c2, lineArray := dmp.DiffLinesToChars(oldText, newText)
	diffs := dmp.DiffMain(c1, c2, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	out := make([]edit, 0, len(diffs))
	for _, d := range diffs {
		e := edit{lines: splitLines([]byte(d.Text))}
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			e.kind = editInsert
		case diffmatchpatch.DiffDelete:
			e.kind = editDelete
		default:
			e.kind = editEqual
		}
		if len(e.lines) > 0 {
			out = append(out, e)
		}
	}
	return out
}

// matchingBlocks returns the equal runs of edits in order.
func matchingBlocks(edits []edit) []block {
	var blocks []block
	a, b := 0, 0
	for _, e := range edits {
		n := len(e.lines)
		switch e.kind {
		case editEqual:
			blocks = append(blocks, block{a: a, b: b, n: n})
			a += n
			b += n
		case editDelete:
			a += n
		case editInsert:
			b += n
		}
	}
	return blocks
}
