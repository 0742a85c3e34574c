package git

import (
	"sort"

	"github.com/goabstract/gitcore/ginternals"
	"github.com/goabstract/gitcore/ginternals/object"
	"github.com/goabstract/gitcore/ginternals/staging"
	"github.com/goabstract/gitcore/worktree"
)

// FileStatus says what happened to one path
type FileStatus int8

const (
	// StatusAdded is a path staged that HEAD doesn't have
	StatusAdded FileStatus = iota
	// StatusModified is a path whose content changed
	StatusModified
	// StatusDeleted is a path that disappeared
	StatusDeleted
)

// StatusEntry is one line of a status report
type StatusEntry struct {
	Path   string
	Status FileStatus
}

// StatusResult mirrors `git status`: the staged changes (HEAD vs
// index), the unstaged ones (index vs work tree), the untracked
// files, and the paths with open conflicts
type StatusResult struct {
	Branch     string
	Detached   bool
	Staged     []StatusEntry
	Unstaged   []StatusEntry
	Untracked  []string
	Conflicted []string
}

// Clean returns whether there is nothing to report
func (s *StatusResult) Clean() bool {
	return len(s.Staged) == 0 && len(s.Unstaged) == 0 &&
		len(s.Untracked) == 0 && len(s.Conflicted) == 0
}

// Status compares HEAD, the staging index, and the work tree
func (r *Repository) Status() (*StatusResult, error) {
	res := &StatusResult{}

	headRef, err := r.dotGit.RawReference(ginternals.Head)
	if err != nil {
		return nil, err
	}
	if headRef.Type() == ginternals.SymbolicReference {
		res.Branch = ginternals.LocalBranchShortName(headRef.SymbolicTarget())
	} else {
		res.Detached = true
		res.Branch = headRef.Target().String()
	}

	idx, err := r.Staging()
	if err != nil {
		return nil, err
	}
	res.Conflicted = idx.ConflictedPaths()

	// HEAD vs index
	headTree, err := r.headTree()
	if err != nil {
		return nil, err
	}
	headIdx := staging.New()
	if err := headIdx.ReadTree(r.dotGit, headTree, staging.ReadTreeOptions{}); err != nil {
		return nil, err
	}

	staged := map[string]staging.Entry{}
	for _, e := range idx.Entries(staging.EntriesOptions{Stages: []staging.Stage{staging.StageMerged}}) {
		staged[e.Path] = e
	}
	headEntries := map[string]staging.Entry{}
	for _, e := range headIdx.Entries(staging.EntriesOptions{}) {
		headEntries[e.Path] = e
	}

	for p, e := range staged {
		h, inHead := headEntries[p]
		switch {
		case !inHead:
			res.Staged = append(res.Staged, StatusEntry{Path: p, Status: StatusAdded})
		case h.ID != e.ID || h.Mode != e.Mode:
			res.Staged = append(res.Staged, StatusEntry{Path: p, Status: StatusModified})
		}
	}
	for p := range headEntries {
		if _, ok := staged[p]; !ok {
			res.Staged = append(res.Staged, StatusEntry{Path: p, Status: StatusDeleted})
		}
	}

	// index vs work tree
	if !r.IsBare() {
		onDisk := map[string]struct{}{}
		err = r.wt.Walk(worktree.WalkOptions{}, func(e worktree.Entry) error {
			if e.IsDir {
				return nil
			}
			onDisk[e.Path] = struct{}{}
			staged, tracked := staged[e.Path]
			if !tracked {
				if !idx.Has(e.Path) {
					res.Untracked = append(res.Untracked, e.Path)
				}
				return nil
			}
			oid, err := r.wt.ComputeHash(e.Path)
			if err != nil {
				return err
			}
			if oid != staged.ID || e.Mode != staged.Mode {
				res.Unstaged = append(res.Unstaged, StatusEntry{Path: e.Path, Status: StatusModified})
			}
			return nil
		})
		if err != nil {
			return nil, err
		}

		for p := range staged {
			if _, ok := onDisk[p]; !ok {
				res.Unstaged = append(res.Unstaged, StatusEntry{Path: p, Status: StatusDeleted})
			}
		}
	}

	sortStatus(res.Staged)
	sortStatus(res.Unstaged)
	sort.Strings(res.Untracked)
	return res, nil
}

func sortStatus(entries []StatusEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
}

// recordedOids maps every stage-0 path of the index to its oid.
// Checkout uses it as its safety reference
func recordedOids(idx *staging.Index) map[string]ginternals.Oid {
	out := map[string]ginternals.Oid{}
	for _, e := range idx.Entries(staging.EntriesOptions{Stages: []staging.Stage{staging.StageMerged}}) {
		out[e.Path] = e.ID
	}
	return out
}

// entryModeOrFile is a small helper defaulting a zero mode
func entryModeOrFile(mode object.TreeObjectMode) object.TreeObjectMode {
	if mode == 0 {
		return object.ModeFile
	}
	return mode
}
