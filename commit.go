package git

import (
	"errors"
	"fmt"

	"github.com/goabstract/gitcore/ginternals"
	"github.com/goabstract/gitcore/ginternals/object"
)

// ErrNothingToCommit is returned when the staging index matches the
// HEAD tree and no commit is needed
var ErrNothingToCommit = errors.New("nothing to commit")

// CommitOptions contains the optional data of a commit
type CommitOptions struct {
	// Author defaults to the configured user
	Author object.Signature
	// Committer defaults to the author
	Committer object.Signature
	// AllowEmpty permits a commit whose tree matches its parent's
	AllowEmpty bool
	// Amend replaces the current HEAD commit instead of adding a
	// child
	Amend bool
	// ExtraParents adds parents after HEAD (used by merge commits)
	ExtraParents []ginternals.Oid
	// GPGSig is carried verbatim into the commit object
	GPGSig string
}

// CommitResult reports a created commit
type CommitResult struct {
	// ID is the oid of the new commit
	ID ginternals.Oid
	// TreeID is the oid of the committed tree
	TreeID ginternals.Oid
	// Branch is the branch that moved, empty on a detached HEAD
	Branch string
}

// Commit records the staging index as a new commit on the current
// branch.
//
// The write order keeps the store consistent at every step: the tree
// first, the commit next, the ref last (and through a compare-and-
// swap, so a concurrent commit loses cleanly instead of vanishing)
func (r *Repository) Commit(message string, opts CommitOptions) (*CommitResult, error) {
	idx, err := r.Staging()
	if err != nil {
		return nil, err
	}

	author := opts.Author
	if author.IsZero() {
		name, hasName := r.cfg.FromFile().UserName()
		email, hasEmail := r.cfg.FromFile().UserEmail()
		if !hasName || !hasEmail {
			return nil, fmt.Errorf("user.name and user.email are not configured: %w", ginternals.ErrInvalidArgument)
		}
		author = object.NewSignature(name, email)
	}

	treeID, err := idx.WriteTree(r.dotGit)
	if err != nil {
		return nil, err
	}

	// figure out the parents and the ref to move
	var parents []ginternals.Oid
	expectedOld := ginternals.NullOid
	head, err := r.headCommit()
	switch {
	case err == nil:
		expectedOld = head
		if opts.Amend {
			current, err := r.graph.Commit(head)
			if err != nil {
				return nil, err
			}
			parents = current.ParentIDs()
		} else {
			parents = []ginternals.Oid{head}
		}
	case errors.Is(err, ErrNoCommits):
		if opts.Amend {
			return nil, fmt.Errorf("no commit to amend: %w", ErrNoCommits)
		}
	default:
		return nil, err
	}
	parents = append(parents, opts.ExtraParents...)

	if !opts.AllowEmpty && len(opts.ExtraParents) == 0 && len(parents) > 0 && !opts.Amend {
		parentTree, err := r.graph.TreeOf(parents[0])
		if err != nil {
			return nil, err
		}
		if parentTree == treeID {
			return nil, ErrNothingToCommit
		}
	}

	commit := object.NewCommit(treeID, author, &object.CommitOptions{
		Message:   message,
		Committer: opts.Committer,
		ParentsID: parents,
		GPGSig:    opts.GPGSig,
	})
	commitID, err := r.dotGit.WriteObject(commit.ToObject())
	if err != nil {
		return nil, err
	}

	res := &CommitResult{ID: commitID, TreeID: treeID}

	// move HEAD: the branch it points at, or HEAD itself when
	// detached
	headRef, err := r.dotGit.RawReference(ginternals.Head)
	if err != nil {
		return nil, err
	}
	target := ginternals.Head
	if headRef.Type() == ginternals.SymbolicReference {
		target = headRef.SymbolicTarget()
		res.Branch = ginternals.LocalBranchShortName(target)
	}
	if err := r.dotGit.CompareAndSwapReference(target, expectedOld, commitID); err != nil {
		return nil, err
	}
	return res, nil
}
