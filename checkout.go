package git

import (
	"errors"
	"fmt"

	"github.com/goabstract/gitcore/ginternals"
	"github.com/goabstract/gitcore/ginternals/staging"
	"github.com/goabstract/gitcore/worktree"
)

// ErrCheckoutWouldLoseChanges is returned when a checkout refuses to
// run because local modifications would be overwritten
var ErrCheckoutWouldLoseChanges = errors.New("local changes would be overwritten by checkout")

// CheckoutOptions tunes Checkout
type CheckoutOptions struct {
	// Force throws local modifications away
	Force bool
	// Detach checks the commit out without moving a branch under
	// HEAD, even when the revision names a branch
	Detach bool
	// Paths restricts the checkout to the given paths; HEAD doesn't
	// move
	Paths []string
}

// CheckoutResult reports what Checkout did
type CheckoutResult struct {
	// Branch is the branch HEAD now points at, empty when detached
	Branch string
	// Head is the commit the work tree now mirrors
	Head ginternals.Oid
	// Files is the projection report
	Files *worktree.CheckoutResult
}

// Checkout switches the work tree (and HEAD, unless Paths is used)
// to the given revision
func (r *Repository) Checkout(rev string, opts CheckoutOptions) (*CheckoutResult, error) {
	if r.IsBare() {
		return nil, ErrBareOperation
	}
	if err := r.guardNoOperation(); err != nil {
		return nil, err
	}

	target, err := r.ResolveRevision(rev)
	if err != nil {
		return nil, err
	}
	targetTree, err := r.graph.TreeOf(target)
	if err != nil {
		return nil, err
	}

	idx, err := r.Staging()
	if err != nil {
		return nil, err
	}

	files, err := r.wt.CheckoutTree(r.dotGit, targetTree, recordedOids(idx), worktree.CheckoutOptions{
		Force: opts.Force,
		Paths: opts.Paths,
	})
	if err != nil {
		return nil, err
	}
	if len(files.Conflicts) > 0 && !opts.Force {
		return nil, fmt.Errorf("%v: %w", files.Conflicts, ErrCheckoutWouldLoseChanges)
	}

	res := &CheckoutResult{Head: target, Files: files}

	// a path-restricted checkout only touches files
	if len(opts.Paths) > 0 {
		return res, nil
	}

	// reset the index to the new tree
	if err := idx.ReadTree(r.dotGit, targetTree, staging.ReadTreeOptions{}); err != nil {
		return nil, err
	}
	if err := r.writeStaging(idx); err != nil {
		return nil, err
	}

	// move HEAD: onto the branch when the revision names one, onto
	// the commit otherwise (detached)
	branchRef := ginternals.LocalBranchFullName(rev)
	if !opts.Detach {
		if _, err := r.dotGit.Reference(branchRef); err == nil {
			if err := r.dotGit.WriteReference(ginternals.NewSymbolicReference(ginternals.Head, branchRef)); err != nil {
				return nil, err
			}
			res.Branch = rev
			return res, nil
		}
	}
	if err := r.dotGit.WriteReference(ginternals.NewReference(ginternals.Head, target)); err != nil {
		return nil, err
	}
	return res, nil
}
