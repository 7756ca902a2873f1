package diff

import (
	"bytes"
	"slices"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Conflict markers written around overlapping edits.
const (
	MarkerBaseline = "<<<<<<< baseline\n"
	MarkerAncestor = "||||||| ancestor\n"
	MarkerSplit    = "=======\n"
	MarkerOther    = ">>>>>>> other\n"
)

type Merge3Result struct {
	Content   []byte
	Conflicts int
	Clean     bool
}

// region is a stretch of the three texts where all of them agree. The final
// region is an empty sentinel at the end of every text.
type region struct {
	aStart, aEnd int
	bStart, bEnd int
	cStart, cEnd int
}

// Merge3 merges the changes from ancestor to baseline and from ancestor to
// other. Changes made identically on both sides are taken once. Overlapping
// divergent changes are written between conflict markers and counted.
func Merge3(ancestor, baseline, other []byte) Merge3Result {
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0

	a := splitLines(ancestor)
	b := splitLines(baseline)
	c := splitLines(other)

	ab := matchingBlocks(lineEdits(dmp, string(ancestor), string(baseline)))
	ac := matchingBlocks(lineEdits(dmp, string(ancestor), string(other)))

	var out bytes.Buffer
	conflicts := 0
	ia, ib, ic := 0, 0, 0

	for _, r := range syncRegions(ab, ac, len(a), len(b), len(c)) {
		ra, rb, rc := a[ia:r.aStart], b[ib:r.bStart], c[ic:r.cStart]
		if len(rb) > 0 || len(rc) > 0 || len(ra) > 0 {
			switch {
			case slices.Equal(rb, rc):
				writeLines(&out, rb)
			case slices.Equal(ra, rb):
				writeLines(&out, rc)
			case slices.Equal(ra, rc):
				writeLines(&out, rb)
			default:
				conflicts++
				out.WriteString(MarkerBaseline)
				writeLines(&out, terminate(rb))
				out.WriteString(MarkerAncestor)
				writeLines(&out, terminate(ra))
				out.WriteString(MarkerSplit)
				writeLines(&out, terminate(rc))
				out.WriteString(MarkerOther)
			}
		}
		writeLines(&out, a[r.aStart:r.aEnd])
		ia, ib, ic = r.aEnd, r.bEnd, r.cEnd
	}

	return Merge3Result{
		Content:   out.Bytes(),
		Conflicts: conflicts,
		Clean:     conflicts == 0,
	}
}

// syncRegions intersects the ancestor ranges matched by both sides.
func syncRegions(ab, ac []block, la, lb, lc int) []region {
	var out []region
	i, j := 0, 0
	for i < len(ab) && j < len(ac) {
		x, y := ab[i], ac[j]
		lo := max(x.a, y.a)
		hi := min(x.a+x.n, y.a+y.n)
		if lo < hi {
			n := hi - lo
			bs := x.b + (lo - x.a)
			cs := y.b + (lo - y.a)
			out = append(out, region{
				aStart: lo, aEnd: hi,
				bStart: bs, bEnd: bs + n,
				cStart: cs, cEnd: cs + n,
			})
		}
		if x.a+x.n < y.a+y.n {
			i++
		} else {
			j++
		}
	}
	return append(out, region{
		aStart: la, aEnd: la,
		bStart: lb, bEnd: lb,
		cStart: lc, cEnd: lc,
	})
}

func writeLines(buf *bytes.Buffer, lines []string) {
	for _, l := range lines {
		buf.WriteString(l)
	}
}

// terminate makes sure a block ends with a newline so a marker never lands
// on the same line as content.
func terminate(lines []string) []string {
	if len(lines) == 0 {
		return lines
	}
	last := lines[len(lines)-1]
	if last[len(last)-1] == '\n' {
		return lines
	}
	out := slices.Clone(lines)
	out[len(out)-1] = last + "\n"
	return out
}
