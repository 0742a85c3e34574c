package git

import (
	"errors"
	"fmt"

	"github.com/goabstract/gitcore/ginternals"
	"github.com/goabstract/gitcore/ginternals/object"
	"github.com/goabstract/gitcore/ginternals/staging"
	"github.com/goabstract/gitcore/merge"
	"github.com/goabstract/gitcore/worktree"
)

// MergeStatus is the outcome kind of a merge
type MergeStatus int8

const (
	// MergeUpToDate means the other branch brought nothing new
	MergeUpToDate MergeStatus = iota
	// MergeFastForward means HEAD simply advanced, no merge commit
	MergeFastForward
	// MergeOK means a merge commit was created
	MergeOK
	// MergeConflicts means the merge stopped on conflicts, staged as
	// stages 1/2/3
	MergeConflicts
	// MergeFailed means a structural failure (missing object, IO)
	MergeFailed
)

// MergeOptions tunes Merge
type MergeOptions struct {
	// NoFF forces a merge commit even when a fast-forward would do
	NoFF bool
	// Strategy selects the tree-level strategy
	Strategy merge.Strategy
	// ContentStrategy selects the per-file conflict behavior
	ContentStrategy merge.ContentStrategy
	// Message overrides the generated merge-commit message
	Message string
	// Author defaults to the configured user
	Author object.Signature
}

// MergeResult reports a merge
type MergeResult struct {
	Status MergeStatus
	// NewHead is the commit HEAD ended on (unset for conflicts)
	NewHead ginternals.Oid
	// Conflicts lists the conflicted paths
	Conflicts []merge.Conflict
	// Renames lists what rename detection matched
	Renames []merge.Rename
}

// Merge merges the given revision into the current branch.
//
// Conflicts are a report, not an error: the index gets the stage
// 1/2/3 rows, the work tree gets the marker-annotated files, and
// MERGE_HEAD records the other side until ContinueMerge or
// AbortMerge
func (r *Repository) Merge(rev string, opts MergeOptions) (*MergeResult, error) {
	if err := r.guardNoOperation(); err != nil {
		return nil, err
	}

	ours, err := r.headCommit()
	if err != nil {
		return nil, err
	}
	theirs, err := r.ResolveRevision(rev)
	if err != nil {
		return nil, err
	}

	base, err := r.graph.MergeBase(ours, theirs)
	if err != nil {
		return &MergeResult{Status: MergeFailed}, err
	}

	// already up to date: they are an ancestor of us (or us)
	if base == theirs {
		return &MergeResult{Status: MergeUpToDate, NewHead: ours}, nil
	}

	// fast-forward: we are the merge base
	if base == ours && !opts.NoFF {
		return r.fastForward(ours, theirs)
	}

	baseTree := ginternals.EmptyTreeOid
	if !base.IsZero() {
		if baseTree, err = r.graph.TreeOf(base); err != nil {
			return &MergeResult{Status: MergeFailed}, err
		}
	}
	oursTree, err := r.graph.TreeOf(ours)
	if err != nil {
		return &MergeResult{Status: MergeFailed}, err
	}
	theirsTree, err := r.graph.TreeOf(theirs)
	if err != nil {
		return &MergeResult{Status: MergeFailed}, err
	}

	mergeRes, err := merge.Trees(r.dotGit, baseTree, oursTree, theirsTree, merge.Options{
		Strategy:        opts.Strategy,
		ContentStrategy: opts.ContentStrategy,
		RenameLimit:     r.cfg.FromFile().MergeRenameLimit(),
	})
	if err != nil {
		return &MergeResult{Status: MergeFailed}, err
	}

	if !mergeRes.Clean() {
		if err := r.stageConflicts(theirs, mergeRes); err != nil {
			return &MergeResult{Status: MergeFailed}, err
		}
		return &MergeResult{
			Status:    MergeConflicts,
			Conflicts: mergeRes.Conflicts,
			Renames:   mergeRes.Renames,
		}, nil
	}

	newHead, err := r.commitMerge(rev, ours, theirs, mergeRes.TreeID, opts)
	if err != nil {
		return &MergeResult{Status: MergeFailed}, err
	}
	return &MergeResult{
		Status:  MergeOK,
		NewHead: newHead,
		Renames: mergeRes.Renames,
	}, nil
}

// fastForward advances HEAD's branch to theirs and projects the tree
func (r *Repository) fastForward(ours, theirs ginternals.Oid) (*MergeResult, error) {
	theirsTree, err := r.graph.TreeOf(theirs)
	if err != nil {
		return &MergeResult{Status: MergeFailed}, err
	}
	if err := r.moveHeadAndProject(ours, theirs, theirsTree); err != nil {
		return &MergeResult{Status: MergeFailed}, err
	}
	return &MergeResult{Status: MergeFastForward, NewHead: theirs}, nil
}

// moveHeadAndProject CASes the current branch from expectedOld to
// target and re-projects index and work tree onto its tree
func (r *Repository) moveHeadAndProject(expectedOld, target, targetTree ginternals.Oid) error {
	idx, err := r.Staging()
	if err != nil {
		return err
	}
	recorded := recordedOids(idx)

	headRef, err := r.dotGit.RawReference(ginternals.Head)
	if err != nil {
		return err
	}
	refName := ginternals.Head
	if headRef.Type() == ginternals.SymbolicReference {
		refName = headRef.SymbolicTarget()
	}
	if err := r.dotGit.CompareAndSwapReference(refName, expectedOld, target); err != nil {
		return err
	}

	if err := idx.ReadTree(r.dotGit, targetTree, staging.ReadTreeOptions{}); err != nil {
		return err
	}
	if err := r.writeStaging(idx); err != nil {
		return err
	}

	if !r.IsBare() {
		if _, err := r.wt.CheckoutTree(r.dotGit, targetTree, recorded, worktree.CheckoutOptions{}); err != nil {
			return err
		}
	}
	return nil
}

// commitMerge creates the merge commit and moves the branch
func (r *Repository) commitMerge(rev string, ours, theirs, treeID ginternals.Oid, opts MergeOptions) (ginternals.Oid, error) {
	message := opts.Message
	if message == "" {
		message = fmt.Sprintf("Merge %s into the current branch\n", rev)
	}

	author := opts.Author
	if author.IsZero() {
		name, hasName := r.cfg.FromFile().UserName()
		email, hasEmail := r.cfg.FromFile().UserEmail()
		if !hasName || !hasEmail {
			return ginternals.NullOid, fmt.Errorf("user.name and user.email are not configured: %w", ginternals.ErrInvalidArgument)
		}
		author = object.NewSignature(name, email)
	}

	commit := object.NewCommit(treeID, author, &object.CommitOptions{
		Message:   message,
		ParentsID: []ginternals.Oid{ours, theirs},
	})
	commitID, err := r.dotGit.WriteObject(commit.ToObject())
	if err != nil {
		return ginternals.NullOid, err
	}

	if err := r.moveHeadAndProject(ours, commitID, treeID); err != nil {
		return ginternals.NullOid, err
	}
	return commitID, nil
}

// stageConflicts records a conflicted merge: ORIG_HEAD, MERGE_HEAD,
// the stage rows, and the marker files in the work tree
func (r *Repository) stageConflicts(theirs ginternals.Oid, mergeRes *merge.Result) error {
	head, err := r.headCommit()
	if err != nil {
		return err
	}
	if err := r.writeStateRef(ginternals.OrigHead, head); err != nil {
		return err
	}
	if err := r.writeStateRef(ginternals.MergeHead, theirs); err != nil {
		return err
	}
	return r.stageMergeOutput(mergeRes)
}

// stageMergeOutput stages everything a merge produced: the cleanly
// merged entries at stage 0, the conflict rows at stages 1/2/3, and
// the marker files in the work tree
func (r *Repository) stageMergeOutput(mergeRes *merge.Result) error {
	idx, err := r.Staging()
	if err != nil {
		return err
	}

	// the cleanly merged paths are staged and projected too, only
	// the conflicted ones are left to the user
	for p, entry := range mergeRes.Entries {
		if err := idx.Set(staging.Entry{
			Path:  p,
			ID:    entry.ID,
			Mode:  entryModeOrFile(entry.Mode),
			Stage: staging.StageMerged,
		}); err != nil {
			return err
		}
		if !r.IsBare() {
			o, err := r.dotGit.Object(entry.ID)
			if err != nil {
				return err
			}
			if err := r.wt.WriteContent(p, o.Bytes(), worktree.WriteOptions{Mode: entryModeOrFile(entry.Mode)}); err != nil {
				return err
			}
		}
	}

	for _, c := range mergeRes.Conflicts {
		// drop the stage-0 row, add the stage rows that exist
		if idx.Has(c.Path) {
			if err := idx.Remove(c.Path); err != nil && !errors.Is(err, staging.ErrEntryNotFound) {
				return err
			}
		}
		for stage, entry := range map[staging.Stage]*object.TreeEntry{
			staging.StageBase:   c.Base,
			staging.StageOurs:   c.Ours,
			staging.StageTheirs: c.Theirs,
		} {
			if entry == nil {
				continue
			}
			if err := idx.Set(staging.Entry{
				Path:  c.Path,
				ID:    entry.ID,
				Mode:  entryModeOrFile(entry.Mode),
				Stage: stage,
			}); err != nil {
				return err
			}
		}

		// project the marker-annotated content for the user to fix
		if !r.IsBare() && c.Content != nil {
			mode := object.ModeFile
			if c.Ours != nil {
				mode = c.Ours.Mode
			}
			if err := r.wt.WriteContent(c.Path, c.Content, worktree.WriteOptions{Mode: mode}); err != nil {
				return err
			}
		}
	}
	return r.writeStaging(idx)
}

// AbortMerge drops a conflicted merge: the index and work tree go
// back to ORIG_HEAD, the merge state disappears
func (r *Repository) AbortMerge() error {
	if !r.hasStateFile(ginternals.MergeHead) {
		return ErrNoOperationInProgress
	}

	orig, err := r.dotGit.Reference(ginternals.OrigHead)
	if err != nil {
		return err
	}
	origTree, err := r.graph.TreeOf(orig.Target())
	if err != nil {
		return err
	}

	idx, err := r.Staging()
	if err != nil {
		return err
	}
	recorded := recordedOids(idx)
	if err := idx.ReadTree(r.dotGit, origTree, staging.ReadTreeOptions{}); err != nil {
		return err
	}
	if err := r.writeStaging(idx); err != nil {
		return err
	}
	if !r.IsBare() {
		if _, err := r.wt.CheckoutTree(r.dotGit, origTree, recorded, worktree.CheckoutOptions{Force: true}); err != nil {
			return err
		}
	}
	return r.clearStateFile(ginternals.MergeHead)
}

// ContinueMerge finishes a conflicted merge once every conflict got
// resolved (staged at stage 0)
func (r *Repository) ContinueMerge(message string) (*MergeResult, error) {
	if !r.hasStateFile(ginternals.MergeHead) {
		return nil, ErrNoOperationInProgress
	}

	idx, err := r.Staging()
	if err != nil {
		return nil, err
	}
	if idx.HasConflicts() {
		return nil, fmt.Errorf("%v: %w", idx.ConflictedPaths(), staging.ErrHasConflicts)
	}

	mergeHead, err := r.dotGit.Reference(ginternals.MergeHead)
	if err != nil {
		return nil, err
	}

	if message == "" {
		message = "Merge\n"
	}
	res, err := r.Commit(message, CommitOptions{
		ExtraParents: []ginternals.Oid{mergeHead.Target()},
		AllowEmpty:   true,
	})
	if err != nil {
		return nil, err
	}
	if err := r.clearStateFile(ginternals.MergeHead); err != nil {
		return nil, err
	}
	return &MergeResult{Status: MergeOK, NewHead: res.ID}, nil
}
