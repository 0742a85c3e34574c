package git

import (
	"sort"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/goabstract/gitcore/ginternals"
	"github.com/goabstract/gitcore/ginternals/staging"
	"github.com/goabstract/gitcore/merge"
)

// DiffTarget says what Diff compares the staging index against
type DiffTarget int8

const (
	// DiffWorktree compares the index to the work tree (unstaged
	// changes)
	DiffWorktree DiffTarget = iota
	// DiffHead compares HEAD to the index (staged changes)
	DiffHead
)

// FileDiff is the diff of one path
type FileDiff struct {
	Path   string
	Status FileStatus
	// Binary is set when either side looks binary; Patch stays empty
	Binary bool
	// Patch is a unified-ish line patch: "+" added, "-" removed,
	// " " context
	Patch string
}

// Diff reports content changes path by path
func (r *Repository) Diff(target DiffTarget) ([]FileDiff, error) {
	idx, err := r.Staging()
	if err != nil {
		return nil, err
	}

	var out []FileDiff
	switch target {
	case DiffHead:
		out, err = r.diffHeadIndex(idx)
	default:
		out, err = r.diffIndexWorktree(idx)
	}
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (r *Repository) diffHeadIndex(idx *staging.Index) ([]FileDiff, error) {
	headTree, err := r.headTree()
	if err != nil {
		return nil, err
	}
	headIdx := staging.New()
	if err := headIdx.ReadTree(r.dotGit, headTree, staging.ReadTreeOptions{}); err != nil {
		return nil, err
	}

	headEntries := map[string]ginternals.Oid{}
	for _, e := range headIdx.Entries(staging.EntriesOptions{}) {
		headEntries[e.Path] = e.ID
	}

	var out []FileDiff
	seen := map[string]struct{}{}
	for _, e := range idx.Entries(staging.EntriesOptions{Stages: []staging.Stage{staging.StageMerged}}) {
		seen[e.Path] = struct{}{}
		headOid, inHead := headEntries[e.Path]
		switch {
		case !inHead:
			d, err := r.contentDiff(e.Path, ginternals.NullOid, e.ID, StatusAdded)
			if err != nil {
				return nil, err
			}
			out = append(out, *d)
		case headOid != e.ID:
			d, err := r.contentDiff(e.Path, headOid, e.ID, StatusModified)
			if err != nil {
				return nil, err
			}
			out = append(out, *d)
		}
	}
	for p, headOid := range headEntries {
		if _, ok := seen[p]; !ok {
			d, err := r.contentDiff(p, headOid, ginternals.NullOid, StatusDeleted)
			if err != nil {
				return nil, err
			}
			out = append(out, *d)
		}
	}
	return out, nil
}

func (r *Repository) diffIndexWorktree(idx *staging.Index) ([]FileDiff, error) {
	if r.IsBare() {
		return nil, ErrBareOperation
	}

	var out []FileDiff
	for _, e := range idx.Entries(staging.EntriesOptions{Stages: []staging.Stage{staging.StageMerged}}) {
		if !r.wt.Exists(e.Path) {
			d, err := r.contentDiff(e.Path, e.ID, ginternals.NullOid, StatusDeleted)
			if err != nil {
				return nil, err
			}
			out = append(out, *d)
			continue
		}
		onDisk, err := r.wt.ReadContent(e.Path)
		if err != nil {
			return nil, err
		}
		stagedObj, err := r.dotGit.Object(e.ID)
		if err != nil {
			return nil, err
		}
		if string(stagedObj.Bytes()) == string(onDisk) {
			continue
		}
		isBinary := merge.IsBinary(stagedObj.Bytes()) || merge.IsBinary(onDisk)
		d := FileDiff{
			Path:   e.Path,
			Status: StatusModified,
			Binary: isBinary,
		}
		if !isBinary {
			d.Patch = linePatch(stagedObj.Bytes(), onDisk)
		}
		out = append(out, d)
	}
	return out, nil
}

// contentDiff loads the two sides from the odb and formats the patch.
// NullOid means "absent"
func (r *Repository) contentDiff(path string, from, to ginternals.Oid, status FileStatus) (*FileDiff, error) {
	var fromData, toData []byte
	if !from.IsZero() {
		o, err := r.dotGit.Object(from)
		if err != nil {
			return nil, err
		}
		fromData = o.Bytes()
	}
	if !to.IsZero() {
		o, err := r.dotGit.Object(to)
		if err != nil {
			return nil, err
		}
		toData = o.Bytes()
	}

	d := &FileDiff{Path: path, Status: status}
	if merge.IsBinary(fromData) || merge.IsBinary(toData) {
		d.Binary = true
		return d, nil
	}
	d.Patch = linePatch(fromData, toData)
	return d, nil
}

// linePatch renders a line diff with +/-/space prefixes
func linePatch(from, to []byte) string {
	dmp := diffmatchpatch.New()
	ca, cb, lines := dmp.DiffLinesToChars(string(from), string(to))
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(ca, cb, false), lines)

	var buf []byte
	for _, d := range diffs {
		prefix := byte(' ')
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			prefix = '+'
		case diffmatchpatch.DiffDelete:
			prefix = '-'
		}
		for _, line := range splitKeepLines(d.Text) {
			buf = append(buf, prefix)
			buf = append(buf, line...)
		}
	}
	return string(buf)
}

// splitKeepLines splits text into lines, terminators kept
func splitKeepLines(text string) []string {
	var out []string
	start := 0
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			out = append(out, text[start:i+1])
			start = i + 1
		}
	}
	if start < len(text) {
		out = append(out, text[start:]+"\n")
	}
	return out
}
