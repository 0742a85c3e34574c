package git

import (
	"fmt"

	"github.com/goabstract/gitcore/ginternals"
	"github.com/goabstract/gitcore/ginternals/object"
	"github.com/goabstract/gitcore/merge"
)

// CherryPick applies the changes of a single commit on top of HEAD:
// a three-way merge of the commit against its parent, committed with
// the original author and message.
//
// Conflicts behave like merge conflicts, with CHERRY_PICK_HEAD
// recording the picked commit
func (r *Repository) CherryPick(rev string) (*MergeResult, error) {
	return r.applyCommit(rev, false)
}

// Revert applies the INVERSE of a single commit on top of HEAD: the
// same three-way machinery with the sides swapped, so the commit's
// changes get backed out. REVERT_HEAD records the reverted commit
func (r *Repository) Revert(rev string) (*MergeResult, error) {
	return r.applyCommit(rev, true)
}

func (r *Repository) applyCommit(rev string, revert bool) (*MergeResult, error) {
	if err := r.guardNoOperation(); err != nil {
		return nil, err
	}

	head, err := r.headCommit()
	if err != nil {
		return nil, err
	}
	pickOid, err := r.ResolveRevision(rev)
	if err != nil {
		return nil, err
	}
	pick, err := r.graph.Commit(pickOid)
	if err != nil {
		return nil, err
	}

	parentTree := ginternals.EmptyTreeOid
	if parent := pick.FirstParentID(); !parent.IsZero() {
		if parentTree, err = r.graph.TreeOf(parent); err != nil {
			return &MergeResult{Status: MergeFailed}, err
		}
	}
	headTree, err := r.graph.TreeOf(head)
	if err != nil {
		return &MergeResult{Status: MergeFailed}, err
	}

	// cherry-pick: base = the commit's parent, theirs = the commit.
	// revert: base = the commit, theirs = its parent (the inverse
	// diff)
	baseTree, theirsTree := parentTree, pick.TreeID()
	if revert {
		baseTree, theirsTree = pick.TreeID(), parentTree
	}

	mergeRes, err := merge.Trees(r.dotGit, baseTree, headTree, theirsTree, merge.Options{
		RenameLimit: r.cfg.FromFile().MergeRenameLimit(),
	})
	if err != nil {
		return &MergeResult{Status: MergeFailed}, err
	}

	if !mergeRes.Clean() {
		stateRef := ginternals.CherryPickHead
		if revert {
			stateRef = ginternals.RevertHead
		}
		if err := r.writeStateRef(stateRef, pickOid); err != nil {
			return &MergeResult{Status: MergeFailed}, err
		}
		if err := r.stageConflictRows(mergeRes); err != nil {
			return &MergeResult{Status: MergeFailed}, err
		}
		return &MergeResult{
			Status:    MergeConflicts,
			Conflicts: mergeRes.Conflicts,
			Renames:   mergeRes.Renames,
		}, nil
	}

	if mergeRes.TreeID == headTree {
		return &MergeResult{Status: MergeUpToDate, NewHead: head}, nil
	}

	message := pick.Message()
	author := pick.Author()
	if revert {
		message = fmt.Sprintf("Revert %q\n\nThis reverts commit %s.\n", pick.Summary(), pickOid.String())
		name, hasName := r.cfg.FromFile().UserName()
		email, hasEmail := r.cfg.FromFile().UserEmail()
		if !hasName || !hasEmail {
			return nil, fmt.Errorf("user.name and user.email are not configured: %w", ginternals.ErrInvalidArgument)
		}
		author = object.NewSignature(name, email)
	}

	commit := object.NewCommit(mergeRes.TreeID, author, &object.CommitOptions{
		Message:   message,
		ParentsID: []ginternals.Oid{head},
	})
	newHead, err := r.dotGit.WriteObject(commit.ToObject())
	if err != nil {
		return &MergeResult{Status: MergeFailed}, err
	}
	if err := r.moveHeadAndProject(head, newHead, mergeRes.TreeID); err != nil {
		return &MergeResult{Status: MergeFailed}, err
	}
	return &MergeResult{Status: MergeOK, NewHead: newHead}, nil
}

// stageConflictRows stages a conflicted apply the same way a merge
// does, without writing MERGE_HEAD
func (r *Repository) stageConflictRows(mergeRes *merge.Result) error {
	head, err := r.headCommit()
	if err != nil {
		return err
	}
	if err := r.writeStateRef(ginternals.OrigHead, head); err != nil {
		return err
	}
	return r.stageMergeOutput(mergeRes)
}
