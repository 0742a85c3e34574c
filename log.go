package git

import (
	"github.com/goabstract/gitcore/ginternals"
	"github.com/goabstract/gitcore/ginternals/object"
	"github.com/goabstract/gitcore/githistory"
)

// LogOptions tunes Log
type LogOptions struct {
	// From is the revision the walk starts at.
	// Defaults to HEAD
	From string
	// Limit stops the walk after this many commits. 0 means no limit
	Limit int
	// FirstParentOnly only follows the first parent at merges
	FirstParentOnly bool
}

// Log returns the ancestry of a revision, most recent first along
// the first-parent spine
func (r *Repository) Log(opts LogOptions) ([]*object.Commit, error) {
	from := opts.From
	if from == "" {
		from = ginternals.Head
	}
	start, err := r.ResolveRevision(from)
	if err != nil {
		return nil, err
	}

	var out []*object.Commit
	err = r.graph.WalkAncestry([]ginternals.Oid{start}, githistory.WalkOptions{
		Limit:           opts.Limit,
		FirstParentOnly: opts.FirstParentOnly,
	}, func(commit *object.Commit) error {
		out = append(out, commit)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// IsAncestor returns whether ancestor is reachable from descendant.
// A commit is not its own ancestor
func (r *Repository) IsAncestor(ancestor, descendant ginternals.Oid) (bool, error) {
	return r.graph.IsAncestor(ancestor, descendant)
}

// MergeBase returns the best common ancestor of two commits, or
// NullOid when their histories are disjoint
func (r *Repository) MergeBase(a, b ginternals.Oid) (ginternals.Oid, error) {
	return r.graph.MergeBase(a, b)
}
