// internal/diff/diff.go
package diff

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Line represents a single line in a diff with its type and content
type Line struct {
	Type    LineType
	Content string
	OldNum  int
	NewNum  int
}

// LineType indicates whether a line was added, removed, or is context
type LineType int

const (
	Context LineType = iota
	Addition
	Deletion
)

// DiffResult contains the complete diff information
type DiffResult struct {
	Hunks []Hunk
	Stats struct {
		Additions int
		Deletions int
		Changes   int
	}
}

// Hunk represents a continuous section of changes
type Hunk struct {
	OldStart int
	OldLines int
	NewStart int
	NewLines int
	Lines    []Line
}

// Engine provides diffing capabilities
type Engine struct {
	contextLines int
	dmp          *diffmatchpatch.DiffMatchPatch
}

// NewEngine creates a new diff engine with specified context lines
func NewEngine(contextLines int) *Engine {
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0
	return &Engine{
		contextLines: max(0, contextLines),
		dmp:          dmp,
	}
}

// Diff generates a line-by-line diff between two contents
func (e *Engine) Diff(oldContent, newContent []byte) (*DiffResult, error) {
	var lines []Line
	oldNum, newNum := 1, 1
	for _, ed := range lineEdits(e.dmp, string(oldContent), string(newContent)) {
		for _, l := range ed.lines {
			content := strings.TrimSuffix(l, "\n")
			switch ed.kind {
			case editEqual:
				lines = append(lines, Line{Type: Context, Content: content, OldNum: oldNum, NewNum: newNum})
				oldNum++
				newNum++
			case editDelete:
				lines = append(lines, Line{Type: Deletion, Content: content, OldNum: oldNum})
				oldNum++
			case editInsert:
				lines = append(lines, Line{Type: Addition, Content: content, NewNum: newNum})
				newNum++
			}
		}
	}

	result := &DiffResult{Hunks: e.hunks(lines)}
	for _, hunk := range result.Hunks {
		for _, line := range hunk.Lines {
			switch line.Type {
			case Addition:
				result.Stats.Additions++
			case Deletion:
				result.Stats.Deletions++
			}
		}
	}
	result.Stats.Changes = result.Stats.Additions + result.Stats.Deletions

	return result, nil
}

// hunks groups changed lines with their surrounding context. Changes
// separated by at most twice the context size share a hunk.
func (e *Engine) hunks(lines []Line) []Hunk {
	var hunks []Hunk
	oldSeen, newSeen := 0, 0
	pos := 0

	for i := 0; i < len(lines); {
		if lines[i].Type == Context {
			i++
			continue
		}

		start := max(pos, i-e.contextLines)
		end := i + 1
		for j := i + 1; j < len(lines); j++ {
			if lines[j].Type != Context {
				end = j + 1
				continue
			}
			if j-end+1 > 2*e.contextLines {
				break
			}
		}
		stop := min(len(lines), end+e.contextLines)

		for _, l := range lines[pos:start] {
			oldSeen, newSeen = advance(l, oldSeen, newSeen)
		}
		hunk := Hunk{Lines: append([]Line(nil), lines[start:stop]...)}
		oldBefore, newBefore := oldSeen, newSeen
		for _, l := range hunk.Lines {
			oldSeen, newSeen = advance(l, oldSeen, newSeen)
		}
		hunk.OldLines = oldSeen - oldBefore
		hunk.NewLines = newSeen - newBefore
		hunk.OldStart = oldBefore
		if hunk.OldLines > 0 {
			hunk.OldStart++
		}
		hunk.NewStart = newBefore
		if hunk.NewLines > 0 {
			hunk.NewStart++
		}
		hunks = append(hunks, hunk)

		pos = stop
		i = stop
	}

	return hunks
}

func advance(l Line, oldSeen, newSeen int) (int, int) {
	switch l.Type {
	case Context:
		return oldSeen + 1, newSeen + 1
	case Deletion:
		return oldSeen + 1, newSeen
	default:
		return oldSeen, newSeen + 1
	}
}

// Format returns a string representation of the diff
func (r *DiffResult) Format() string {
	var buf bytes.Buffer

	for _, hunk := range r.Hunks {
		fmt.Fprintf(&buf, "@@ -%d,%d +%d,%d @@\n",
			hunk.OldStart, hunk.OldLines,
			hunk.NewStart, hunk.NewLines)

		for _, line := range hunk.Lines {
			switch line.Type {
			case Addition:
				buf.WriteString("+")
			case Deletion:
				buf.WriteString("-")
			case Context:
				buf.WriteString(" ")
			}
			buf.WriteString(line.Content)
			buf.WriteString("\n")
		}
	}

	return buf.String()
}

// IsBinary reports whether content has a NUL byte in its first 8000 bytes.
func IsBinary(content []byte) bool {
	return bytes.IndexByte(content[:min(len(content), 8000)], 0) >= 0
}
