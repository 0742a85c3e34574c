// Package githistory contains the commit-graph operations: ancestry
// walks, ancestor tests, merge bases, and revision resolution
package githistory

import (
	"errors"
	"fmt"

	"github.com/goabstract/gitcore/ginternals"
	"github.com/goabstract/gitcore/ginternals/object"
)

// WalkStop is a fake error used to tell WalkAncestry() to stop
var WalkStop = errors.New("stop walking") //nolint:errname // it's a sentinel, not a failure

// CommitGetter loads commits from the odb
type CommitGetter interface {
	Object(ginternals.Oid) (*object.Object, error)
}

// Graph walks the commit history stored in an odb
type Graph struct {
	store CommitGetter
}

// New returns a Graph over the given store
func New(store CommitGetter) *Graph {
	return &Graph{store: store}
}

// Commit loads and parses a commit
func (g *Graph) Commit(oid ginternals.Oid) (*object.Commit, error) {
	o, err := g.store.Object(oid)
	if err != nil {
		return nil, fmt.Errorf("could not load commit %s: %w", oid.String(), err)
	}
	return o.AsCommit()
}

// Parents returns the parent oids of a commit
func (g *Graph) Parents(oid ginternals.Oid) ([]ginternals.Oid, error) {
	c, err := g.Commit(oid)
	if err != nil {
		return nil, err
	}
	return c.ParentIDs(), nil
}

// TreeOf returns the tree oid of a commit
func (g *Graph) TreeOf(oid ginternals.Oid) (ginternals.Oid, error) {
	c, err := g.Commit(oid)
	if err != nil {
		return ginternals.NullOid, err
	}
	return c.TreeID(), nil
}

// WalkOptions tunes an ancestry walk
type WalkOptions struct {
	// Limit stops the walk after this many commits were emitted.
	// 0 means no limit
	Limit int
	// StopAt prevents the walk from crossing the given commits
	// (they are not emitted either)
	StopAt []ginternals.Oid
	// FirstParentOnly only follows parent[0] at merge commits
	FirstParentOnly bool
}

// WalkFunc is run on every commit of an ancestry walk
type WalkFunc func(commit *object.Commit) error

// WalkAncestry walks the ancestry of the given starting points,
// depth-first, emitting every reachable commit exactly once.
//
// Parents are pushed in reverse order so parent[0] is visited before
// its siblings
func (g *Graph) WalkAncestry(starts []ginternals.Oid, opts WalkOptions, f WalkFunc) error {
	stopAt := make(map[ginternals.Oid]struct{}, len(opts.StopAt))
	for _, oid := range opts.StopAt {
		stopAt[oid] = struct{}{}
	}

	// the stack starts with the starting points reversed too, so
	// starts[0] and its ancestry come out first
	stack := make([]ginternals.Oid, 0, len(starts))
	for i := len(starts) - 1; i >= 0; i-- {
		stack = append(stack, starts[i])
	}

	visited := map[ginternals.Oid]struct{}{}
	emitted := 0
	for len(stack) > 0 {
		oid := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if _, ok := visited[oid]; ok {
			continue
		}
		visited[oid] = struct{}{}
		if _, ok := stopAt[oid]; ok {
			continue
		}

		commit, err := g.Commit(oid)
		if err != nil {
			return err
		}

		if err := f(commit); err != nil {
			if err == WalkStop { //nolint:errorlint // it's a sentinel, not a wrapped error
				return nil
			}
			return err
		}
		emitted++
		if opts.Limit > 0 && emitted >= opts.Limit {
			return nil
		}

		parents := commit.ParentIDs()
		if opts.FirstParentOnly && len(parents) > 1 {
			parents = parents[:1]
		}
		for i := len(parents) - 1; i >= 0; i-- {
			if _, ok := visited[parents[i]]; !ok {
				stack = append(stack, parents[i])
			}
		}
	}
	return nil
}
