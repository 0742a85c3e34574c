package merge

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// ContentStrategy says how conflicting changes to one file get
// resolved
type ContentStrategy int8

const (
	// ContentMerge emits conflict markers and reports the conflict
	ContentMerge ContentStrategy = iota
	// ContentOurs keeps our side of conflicting regions
	ContentOurs
	// ContentTheirs keeps their side of conflicting regions
	ContentTheirs
	// ContentUnion concatenates both sides of conflicting regions,
	// ours then theirs. Lines are not de-duplicated
	ContentUnion
)

// Conflict markers, the same ones git writes
const (
	markerOurs   = "<<<<<<< ours"
	markerSplit  = "======="
	markerTheirs = ">>>>>>> theirs"
)

// TextResult is the outcome of a three-way content merge
type TextResult struct {
	// Content is the merged content, conflict markers included when
	// the merge wasn't clean
	Content []byte
	// Clean says whether the merge happened without conflicts
	Clean bool
}

// hunk replaces base[bStart:bEnd] with lines
type hunk struct {
	bStart, bEnd int
	lines        []string
}

// Text merges two sets of line-based edits made from a common base.
//
// Each side's edits are computed as hunks against the base. Hunks
// touching disjoint base regions all apply; hunks overlapping the
// same region resolve per the strategy: identical edits collapse, an
// edit against an untouched region wins, anything else is a conflict
func Text(base, ours, theirs []byte, strategy ContentStrategy) *TextResult {
	baseLines := splitLines(string(base))
	ourLines := splitLines(string(ours))
	theirLines := splitLines(string(theirs))

	hunksOurs := diffHunks(baseLines, ourLines)
	hunksTheirs := diffHunks(baseLines, theirLines)

	var out []string
	clean := true

	i := 0
	for len(hunksOurs) > 0 || len(hunksTheirs) > 0 {
		// emit the untouched base lines before the next hunk
		next := len(baseLines)
		if len(hunksOurs) > 0 && hunksOurs[0].bStart < next {
			next = hunksOurs[0].bStart
		}
		if len(hunksTheirs) > 0 && hunksTheirs[0].bStart < next {
			next = hunksTheirs[0].bStart
		}
		out = append(out, baseLines[i:next]...)
		i = next

		// gather every hunk of either side overlapping the region,
		// growing the region until it stabilizes
		regionStart, regionEnd := i, i
		var groupOurs, groupTheirs []hunk
		for changed := true; changed; {
			changed = false
			for len(hunksOurs) > 0 && overlaps(hunksOurs[0], regionStart, regionEnd) {
				if hunksOurs[0].bEnd > regionEnd {
					regionEnd = hunksOurs[0].bEnd
				}
				groupOurs = append(groupOurs, hunksOurs[0])
				hunksOurs = hunksOurs[1:]
				changed = true
			}
			for len(hunksTheirs) > 0 && overlaps(hunksTheirs[0], regionStart, regionEnd) {
				if hunksTheirs[0].bEnd > regionEnd {
					regionEnd = hunksTheirs[0].bEnd
				}
				groupTheirs = append(groupTheirs, hunksTheirs[0])
				hunksTheirs = hunksTheirs[1:]
				changed = true
			}
		}

		baseRegion := baseLines[regionStart:regionEnd]
		ourRegion := applyHunks(baseLines, regionStart, regionEnd, groupOurs)
		theirRegion := applyHunks(baseLines, regionStart, regionEnd, groupTheirs)

		switch {
		case equalLines(ourRegion, baseRegion):
			out = append(out, theirRegion...)
		case equalLines(theirRegion, baseRegion):
			out = append(out, ourRegion...)
		case equalLines(ourRegion, theirRegion):
			out = append(out, ourRegion...)
		default:
			out, clean = resolveConflict(out, ourRegion, theirRegion, strategy, clean)
		}
		i = regionEnd
	}
	out = append(out, baseLines[i:]...)

	return &TextResult{
		Content: []byte(joinLines(out)),
		Clean:   clean,
	}
}

// overlaps says whether a hunk touches the region [start, end).
// An empty region takes any hunk starting on it (that's how a group
// is seeded, and how two sides inserting at the same spot meet); a
// grown region takes intersecting hunks, and pure insertions only
// when they fall strictly inside it
func overlaps(h hunk, start, end int) bool {
	if start == end {
		return h.bStart == start
	}
	if h.bStart == h.bEnd {
		return h.bStart >= start && h.bStart < end
	}
	return h.bStart < end && start < h.bEnd
}

// applyHunks rebuilds one side's version of the base region
// [start, end) by applying its hunks
func applyHunks(baseLines []string, start, end int, hunks []hunk) []string {
	var out []string
	i := start
	for _, h := range hunks {
		out = append(out, baseLines[i:h.bStart]...)
		out = append(out, h.lines...)
		i = h.bEnd
	}
	out = append(out, baseLines[i:end]...)
	return out
}

func equalLines(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func resolveConflict(out []string, ours, theirs []string, strategy ContentStrategy, clean bool) ([]string, bool) {
	switch strategy {
	case ContentOurs:
		return append(out, ours...), clean
	case ContentTheirs:
		return append(out, theirs...), clean
	case ContentUnion:
		out = append(out, ours...)
		return append(out, theirs...), clean
	default:
		out = append(out, markerOurs)
		out = append(out, ours...)
		out = append(out, markerSplit)
		out = append(out, theirs...)
		out = append(out, markerTheirs)
		return out, false
	}
}

// diffHunks returns the edits turning a into b, as hunks over a,
// ordered by start and non-overlapping
func diffHunks(a, b []string) []hunk {
	// one rune per distinct line: the rune diff is a line diff, and a
	// diff's rune count is its line count
	ids := map[string]rune{}
	toRunes := func(lines []string) []rune {
		out := make([]rune, len(lines))
		for i, l := range lines {
			if _, ok := ids[l]; !ok {
				ids[l] = rune(len(ids) + 1)
			}
			out[i] = ids[l]
		}
		return out
	}
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMainRunes(toRunes(a), toRunes(b), false)

	var hunks []hunk
	var cur *hunk
	ai, bi := 0, 0
	for _, d := range diffs {
		n := len([]rune(d.Text))
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			if cur != nil {
				cur.bEnd = ai
				hunks = append(hunks, *cur)
				cur = nil
			}
			ai += n
			bi += n
		case diffmatchpatch.DiffDelete:
			if cur == nil {
				cur = &hunk{bStart: ai}
			}
			ai += n
		case diffmatchpatch.DiffInsert:
			if cur == nil {
				cur = &hunk{bStart: ai}
			}
			cur.lines = append(cur.lines, b[bi:bi+n]...)
			bi += n
		}
	}
	if cur != nil {
		cur.bEnd = ai
		hunks = append(hunks, *cur)
	}
	return hunks
}

// splitLines cuts content into lines without their terminators.
// A trailing newline doesn't produce an empty last line
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	s = strings.TrimSuffix(s, "\n")
	return strings.Split(s, "\n")
}

// joinLines is the inverse of splitLines: lines joined by \n with a
// trailing newline, empty input staying empty
func joinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}
