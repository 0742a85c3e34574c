package git

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/goabstract/gitcore/ginternals"
	"github.com/goabstract/gitcore/ginternals/object"
	"github.com/goabstract/gitcore/ginternals/staging"
	"github.com/goabstract/gitcore/githistory"
	"github.com/goabstract/gitcore/merge"
	"github.com/goabstract/gitcore/worktree"
)

// RebaseStatus is the outcome kind of a rebase step
type RebaseStatus int8

const (
	// RebaseUpToDate means there was nothing to replay
	RebaseUpToDate RebaseStatus = iota
	// RebaseFastForward means the branch simply advanced
	RebaseFastForward
	// RebaseOK means every commit replayed cleanly
	RebaseOK
	// RebaseStopped means a conflict paused the rebase; resolve and
	// ContinueRebase, or SkipRebaseCommit, or AbortRebase
	RebaseStopped
	// RebaseConflicts means ContinueRebase was called with conflicts
	// still open
	RebaseConflicts
	// RebaseFailed means a structural failure
	RebaseFailed
	// RebaseAborted means the rebase was rolled back
	RebaseAborted
)

// RebaseResult reports a rebase
type RebaseResult struct {
	Status RebaseStatus
	// NewHead is where the branch ended up
	NewHead ginternals.Oid
	// StoppedAt is the commit whose replay conflicted
	StoppedAt ginternals.Oid
	// Conflicts lists the conflicted paths when stopped
	Conflicts []merge.Conflict
}

// rebase state file names, inside rebase-merge/
const (
	rebaseDirName      = "rebase-merge"
	rebaseFileOnto     = "onto"
	rebaseFileOrig     = "orig-head"
	rebaseFileHeadName = "head-name"
	rebaseFileNewHead  = "new-head"
	rebaseFileCurrent  = "current"
	rebaseFileTodo     = "todo"
)

func (r *Repository) rebasePath(name string) string {
	return filepath.Join(ginternals.RebaseStatePath(r.cfg), name)
}

func (r *Repository) rebaseWrite(name, content string) error {
	if err := r.cfg.FS.MkdirAll(ginternals.RebaseStatePath(r.cfg), 0o755); err != nil {
		return fmt.Errorf("could not create the rebase state directory: %w", err)
	}
	if err := afero.WriteFile(r.cfg.FS, r.rebasePath(name), []byte(content), 0o644); err != nil {
		return fmt.Errorf("could not write rebase state %q: %w", name, err)
	}
	return nil
}

func (r *Repository) rebaseRead(name string) (string, error) {
	data, err := afero.ReadFile(r.cfg.FS, r.rebasePath(name))
	if err != nil {
		return "", fmt.Errorf("could not read rebase state %q: %w", name, err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (r *Repository) rebaseReadOid(name string) (ginternals.Oid, error) {
	raw, err := r.rebaseRead(name)
	if err != nil {
		return ginternals.NullOid, err
	}
	return ginternals.NewOidFromStr(raw)
}

// Rebase replays the commits in upstream..HEAD on top of onto
// (which defaults to upstream), one by one, each as a three-way
// merge of the commit against the growing new head
func (r *Repository) Rebase(upstream, onto string) (*RebaseResult, error) {
	if err := r.guardNoOperation(); err != nil {
		return nil, err
	}

	head, err := r.headCommit()
	if err != nil {
		return nil, err
	}
	upstreamOid, err := r.ResolveRevision(upstream)
	if err != nil {
		return nil, err
	}
	ontoOid := upstreamOid
	if onto != "" {
		if ontoOid, err = r.ResolveRevision(onto); err != nil {
			return nil, err
		}
	}

	base, err := r.graph.MergeBase(upstreamOid, head)
	if err != nil {
		return &RebaseResult{Status: RebaseFailed}, err
	}

	// nothing of ours past the upstream: fast-forward onto it
	if base == head {
		if ontoOid == head {
			return &RebaseResult{Status: RebaseUpToDate, NewHead: head}, nil
		}
		ontoTree, err := r.graph.TreeOf(ontoOid)
		if err != nil {
			return &RebaseResult{Status: RebaseFailed}, err
		}
		if err := r.moveHeadAndProject(head, ontoOid, ontoTree); err != nil {
			return &RebaseResult{Status: RebaseFailed}, err
		}
		return &RebaseResult{Status: RebaseFastForward, NewHead: ontoOid}, nil
	}
	if base == upstreamOid && ontoOid == upstreamOid {
		return &RebaseResult{Status: RebaseUpToDate, NewHead: head}, nil
	}

	// the commits to replay: reachable from head, not from upstream,
	// oldest first
	inUpstream := map[ginternals.Oid]struct{}{}
	err = r.graph.WalkAncestry([]ginternals.Oid{upstreamOid}, githistory.WalkOptions{}, func(c *object.Commit) error {
		inUpstream[c.ID()] = struct{}{}
		return nil
	})
	if err != nil {
		return &RebaseResult{Status: RebaseFailed}, err
	}
	var todo []ginternals.Oid
	err = r.graph.WalkAncestry([]ginternals.Oid{head}, githistory.WalkOptions{}, func(c *object.Commit) error {
		if _, ok := inUpstream[c.ID()]; ok {
			return nil
		}
		todo = append(todo, c.ID())
		return nil
	})
	if err != nil {
		return &RebaseResult{Status: RebaseFailed}, err
	}
	// the walk emits newest first, the replay wants oldest first
	for i, j := 0, len(todo)-1; i < j; i, j = i+1, j-1 {
		todo[i], todo[j] = todo[j], todo[i]
	}

	// record the state before touching anything
	headRef, err := r.dotGit.RawReference(ginternals.Head)
	if err != nil {
		return &RebaseResult{Status: RebaseFailed}, err
	}
	headName := ginternals.Head
	if headRef.Type() == ginternals.SymbolicReference {
		headName = headRef.SymbolicTarget()
	}
	if err := r.writeStateRef(ginternals.OrigHead, head); err != nil {
		return &RebaseResult{Status: RebaseFailed}, err
	}
	for name, content := range map[string]string{
		rebaseFileOnto:     ontoOid.String(),
		rebaseFileOrig:     head.String(),
		rebaseFileHeadName: headName,
		rebaseFileNewHead:  ontoOid.String(),
	} {
		if err := r.rebaseWrite(name, content); err != nil {
			return &RebaseResult{Status: RebaseFailed}, err
		}
	}

	return r.replay(todo)
}

// replay runs the rebase loop over the remaining commits
func (r *Repository) replay(todo []ginternals.Oid) (*RebaseResult, error) {
	newHead, err := r.rebaseReadOid(rebaseFileNewHead)
	if err != nil {
		return &RebaseResult{Status: RebaseFailed}, err
	}

	for len(todo) > 0 {
		current := todo[0]
		todo = todo[1:]

		commit, err := r.graph.Commit(current)
		if err != nil {
			return &RebaseResult{Status: RebaseFailed}, err
		}

		baseTree := ginternals.EmptyTreeOid
		if parent := commit.FirstParentID(); !parent.IsZero() {
			if baseTree, err = r.graph.TreeOf(parent); err != nil {
				return &RebaseResult{Status: RebaseFailed}, err
			}
		}
		oursTree, err := r.graph.TreeOf(newHead)
		if err != nil {
			return &RebaseResult{Status: RebaseFailed}, err
		}

		mergeRes, err := merge.Trees(r.dotGit, baseTree, oursTree, commit.TreeID(), merge.Options{
			RenameLimit: r.cfg.FromFile().MergeRenameLimit(),
		})
		if err != nil {
			return &RebaseResult{Status: RebaseFailed}, err
		}

		if !mergeRes.Clean() {
			// persist where we are, stage the conflict, hand over
			if err := r.rebaseWrite(rebaseFileCurrent, current.String()); err != nil {
				return &RebaseResult{Status: RebaseFailed}, err
			}
			if err := r.rebaseWrite(rebaseFileTodo, joinOids(todo)); err != nil {
				return &RebaseResult{Status: RebaseFailed}, err
			}
			if err := r.writeStateRef(ginternals.RebaseHead, current); err != nil {
				return &RebaseResult{Status: RebaseFailed}, err
			}
			if err := r.stageRebaseConflict(mergeRes); err != nil {
				return &RebaseResult{Status: RebaseFailed}, err
			}
			return &RebaseResult{
				Status:    RebaseStopped,
				StoppedAt: current,
				Conflicts: mergeRes.Conflicts,
			}, nil
		}

		// replaying a commit that brings nothing gets dropped, the
		// way git rebase drops empty commits
		if mergeRes.TreeID == oursTree {
			continue
		}

		replayed := object.NewCommit(mergeRes.TreeID, commit.Author(), &object.CommitOptions{
			Message:   commit.Message(),
			Committer: commit.Committer(),
			ParentsID: []ginternals.Oid{newHead},
		})
		newHead, err = r.dotGit.WriteObject(replayed.ToObject())
		if err != nil {
			return &RebaseResult{Status: RebaseFailed}, err
		}
		if err := r.rebaseWrite(rebaseFileNewHead, newHead.String()); err != nil {
			return &RebaseResult{Status: RebaseFailed}, err
		}
	}

	return r.finishRebase(newHead)
}

// finishRebase moves the rebased branch and clears the state
func (r *Repository) finishRebase(newHead ginternals.Oid) (*RebaseResult, error) {
	headName, err := r.rebaseRead(rebaseFileHeadName)
	if err != nil {
		return &RebaseResult{Status: RebaseFailed}, err
	}
	origHead, err := r.rebaseReadOid(rebaseFileOrig)
	if err != nil {
		return &RebaseResult{Status: RebaseFailed}, err
	}
	newTree, err := r.graph.TreeOf(newHead)
	if err != nil {
		return &RebaseResult{Status: RebaseFailed}, err
	}

	idx, err := r.Staging()
	if err != nil {
		return &RebaseResult{Status: RebaseFailed}, err
	}
	recorded := recordedOids(idx)

	if err := r.dotGit.CompareAndSwapReference(headName, origHead, newHead); err != nil {
		return &RebaseResult{Status: RebaseFailed}, err
	}
	if err := idx.ReadTree(r.dotGit, newTree, staging.ReadTreeOptions{}); err != nil {
		return &RebaseResult{Status: RebaseFailed}, err
	}
	if err := r.writeStaging(idx); err != nil {
		return &RebaseResult{Status: RebaseFailed}, err
	}
	if !r.IsBare() {
		if _, err := r.wt.CheckoutTree(r.dotGit, newTree, recorded, checkoutForce()); err != nil {
			return &RebaseResult{Status: RebaseFailed}, err
		}
	}

	if err := r.clearRebaseState(); err != nil {
		return &RebaseResult{Status: RebaseFailed}, err
	}
	return &RebaseResult{Status: RebaseOK, NewHead: newHead}, nil
}

// stageRebaseConflict records the paused replay the same way a
// conflicted merge is recorded
func (r *Repository) stageRebaseConflict(mergeRes *merge.Result) error {
	return r.stageMergeOutput(mergeRes)
}

// ContinueRebase resumes a stopped rebase: the resolved index forms
// the replayed commit, then the loop goes on
func (r *Repository) ContinueRebase() (*RebaseResult, error) {
	if !r.hasStateFile(rebaseDirName) {
		return nil, ErrNoOperationInProgress
	}

	idx, err := r.Staging()
	if err != nil {
		return nil, err
	}
	if idx.HasConflicts() {
		return &RebaseResult{
			Status: RebaseConflicts,
		}, fmt.Errorf("%v: %w", idx.ConflictedPaths(), staging.ErrHasConflicts)
	}

	current, err := r.rebaseReadOid(rebaseFileCurrent)
	if err != nil {
		return nil, err
	}
	newHead, err := r.rebaseReadOid(rebaseFileNewHead)
	if err != nil {
		return nil, err
	}
	commit, err := r.graph.Commit(current)
	if err != nil {
		return nil, err
	}

	treeID, err := idx.WriteTree(r.dotGit)
	if err != nil {
		return nil, err
	}
	if treeID != mustTree(r, newHead) {
		replayed := object.NewCommit(treeID, commit.Author(), &object.CommitOptions{
			Message:   commit.Message(),
			Committer: commit.Committer(),
			ParentsID: []ginternals.Oid{newHead},
		})
		newHead, err = r.dotGit.WriteObject(replayed.ToObject())
		if err != nil {
			return nil, err
		}
		if err := r.rebaseWrite(rebaseFileNewHead, newHead.String()); err != nil {
			return nil, err
		}
	}
	if err := r.clearStateFile(ginternals.RebaseHead); err != nil {
		return nil, err
	}

	todo, err := r.rebaseTodo()
	if err != nil {
		return nil, err
	}
	return r.replay(todo)
}

// SkipRebaseCommit drops the commit whose replay conflicted and
// resumes the rebase
func (r *Repository) SkipRebaseCommit() (*RebaseResult, error) {
	if !r.hasStateFile(rebaseDirName) {
		return nil, ErrNoOperationInProgress
	}

	// throw the conflicted attempt away: back to the new head's tree
	newHead, err := r.rebaseReadOid(rebaseFileNewHead)
	if err != nil {
		return nil, err
	}
	newTree, err := r.graph.TreeOf(newHead)
	if err != nil {
		return nil, err
	}
	idx, err := r.Staging()
	if err != nil {
		return nil, err
	}
	recorded := recordedOids(idx)
	if err := idx.ReadTree(r.dotGit, newTree, staging.ReadTreeOptions{}); err != nil {
		return nil, err
	}
	if err := r.writeStaging(idx); err != nil {
		return nil, err
	}
	if !r.IsBare() {
		if _, err := r.wt.CheckoutTree(r.dotGit, newTree, recorded, checkoutForce()); err != nil {
			return nil, err
		}
	}
	if err := r.clearStateFile(ginternals.RebaseHead); err != nil {
		return nil, err
	}

	todo, err := r.rebaseTodo()
	if err != nil {
		return nil, err
	}
	return r.replay(todo)
}

// AbortRebase rolls everything back to ORIG_HEAD and clears the
// state
func (r *Repository) AbortRebase() (*RebaseResult, error) {
	if !r.hasStateFile(rebaseDirName) {
		return nil, ErrNoOperationInProgress
	}

	origHead, err := r.rebaseReadOid(rebaseFileOrig)
	if err != nil {
		return nil, err
	}
	origTree, err := r.graph.TreeOf(origHead)
	if err != nil {
		return nil, err
	}
	headName, err := r.rebaseRead(rebaseFileHeadName)
	if err != nil {
		return nil, err
	}

	if err := r.dotGit.WriteReference(ginternals.NewReference(headName, origHead)); err != nil {
		return nil, err
	}
	idx, err := r.Staging()
	if err != nil {
		return nil, err
	}
	recorded := recordedOids(idx)
	if err := idx.ReadTree(r.dotGit, origTree, staging.ReadTreeOptions{}); err != nil {
		return nil, err
	}
	if err := r.writeStaging(idx); err != nil {
		return nil, err
	}
	if !r.IsBare() {
		if _, err := r.wt.CheckoutTree(r.dotGit, origTree, recorded, checkoutForce()); err != nil {
			return nil, err
		}
	}

	if err := r.clearRebaseState(); err != nil {
		return nil, err
	}
	return &RebaseResult{Status: RebaseAborted, NewHead: origHead}, nil
}

func (r *Repository) rebaseTodo() ([]ginternals.Oid, error) {
	raw, err := r.rebaseRead(rebaseFileTodo)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []ginternals.Oid
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		oid, err := ginternals.NewOidFromStr(line)
		if err != nil {
			return nil, fmt.Errorf("bad todo line %q: %w", line, err)
		}
		out = append(out, oid)
	}
	return out, nil
}

func (r *Repository) clearRebaseState() error {
	if err := r.clearStateFile(ginternals.RebaseHead); err != nil {
		return err
	}
	if err := r.cfg.FS.RemoveAll(ginternals.RebaseStatePath(r.cfg)); err != nil {
		return fmt.Errorf("could not remove the rebase state directory: %w", err)
	}
	return nil
}

func joinOids(oids []ginternals.Oid) string {
	parts := make([]string, len(oids))
	for i, oid := range oids {
		parts[i] = oid.String()
	}
	return strings.Join(parts, "\n")
}

func mustTree(r *Repository, commit ginternals.Oid) ginternals.Oid {
	tree, err := r.graph.TreeOf(commit)
	if err != nil {
		return ginternals.NullOid
	}
	return tree
}

func checkoutForce() worktree.CheckoutOptions {
	return worktree.CheckoutOptions{Force: true}
}

