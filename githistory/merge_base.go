package githistory

import (
	"github.com/goabstract/gitcore/ginternals"
	"github.com/goabstract/gitcore/ginternals/object"
)

// IsAncestor returns whether a is an ancestor of d.
// A commit is NOT its own ancestor: IsAncestor(x, x) is false
func (g *Graph) IsAncestor(a, d ginternals.Oid) (bool, error) {
	if a == d {
		return false, nil
	}

	found := false
	err := g.WalkAncestry([]ginternals.Oid{d}, WalkOptions{}, func(commit *object.Commit) error {
		if commit.ID() == a && commit.ID() != d {
			found = true
			return WalkStop
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

// MergeBase returns the best common ancestor of a and b: the first
// ancestor of b that is also an ancestor of a (a and b count as
// their own ancestors here, so MergeBase(x, x) is x and the merge
// base of a fast-forward pair is the older commit).
// NullOid is returned when the histories are disjoint
func (g *Graph) MergeBase(a, b ginternals.Oid) (ginternals.Oid, error) {
	ancestorsOfA := map[ginternals.Oid]struct{}{}
	err := g.WalkAncestry([]ginternals.Oid{a}, WalkOptions{}, func(commit *object.Commit) error {
		ancestorsOfA[commit.ID()] = struct{}{}
		return nil
	})
	if err != nil {
		return ginternals.NullOid, err
	}

	base := ginternals.NullOid
	err = g.WalkAncestry([]ginternals.Oid{b}, WalkOptions{}, func(commit *object.Commit) error {
		if _, ok := ancestorsOfA[commit.ID()]; ok {
			base = commit.ID()
			return WalkStop
		}
		return nil
	})
	if err != nil {
		return ginternals.NullOid, err
	}
	return base, nil
}
