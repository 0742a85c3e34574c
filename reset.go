package git

import (
	"github.com/goabstract/gitcore/ginternals"
	"github.com/goabstract/gitcore/ginternals/staging"
	"github.com/goabstract/gitcore/worktree"
)

// ResetMode says how far a reset reaches
type ResetMode int8

const (
	// ResetMixed moves HEAD and resets the index, the work tree
	// stays. This is git's default
	ResetMixed ResetMode = iota
	// ResetSoft only moves HEAD
	ResetSoft
	// ResetHard moves HEAD, resets the index, and the work tree
	ResetHard
)

// Reset moves the current branch to the given revision
func (r *Repository) Reset(rev string, mode ResetMode) error {
	target, err := r.ResolveRevision(rev)
	if err != nil {
		return err
	}
	targetTree, err := r.graph.TreeOf(target)
	if err != nil {
		return err
	}

	// ORIG_HEAD keeps the pre-reset position reachable
	if head, err := r.headCommit(); err == nil {
		if err := r.writeStateRef(ginternals.OrigHead, head); err != nil {
			return err
		}
	}

	// move the branch (or HEAD itself when detached)
	headRef, err := r.dotGit.RawReference(ginternals.Head)
	if err != nil {
		return err
	}
	refName := ginternals.Head
	if headRef.Type() == ginternals.SymbolicReference {
		refName = headRef.SymbolicTarget()
	}
	if err := r.dotGit.WriteReference(ginternals.NewReference(refName, target)); err != nil {
		return err
	}

	if mode == ResetSoft {
		return nil
	}

	idx, err := r.Staging()
	if err != nil {
		return err
	}
	recorded := recordedOids(idx)
	if err := idx.ReadTree(r.dotGit, targetTree, staging.ReadTreeOptions{}); err != nil {
		return err
	}
	if err := r.writeStaging(idx); err != nil {
		return err
	}

	if mode != ResetHard {
		return nil
	}
	if r.IsBare() {
		return ErrBareOperation
	}

	_, err = r.wt.CheckoutTree(r.dotGit, targetTree, recorded, worktree.CheckoutOptions{Force: true})
	if err != nil {
		return err
	}

	// a hard reset also clears any half-done merge state
	for _, name := range []string{ginternals.MergeHead, ginternals.CherryPickHead, ginternals.RevertHead} {
		if err := r.clearStateFile(name); err != nil {
			return err
		}
	}
	return nil
}
