package git

import (
	"fmt"
	"io"

	"github.com/spf13/afero"

	"github.com/goabstract/gitcore/ginternals"
	"github.com/goabstract/gitcore/ginternals/packfile"
	"github.com/goabstract/gitcore/ginternals/staging"
	"github.com/goabstract/gitcore/internal/fsutil"
	"github.com/goabstract/gitcore/worktree"
)

// CloneFromPackStreamOptions describes the refs a pack stream came
// with. Transports negotiate and fetch; this is where their output
// enters the core
type CloneFromPackStreamOptions struct {
	// Refs maps full ref names to the oids the remote advertised
	Refs map[string]ginternals.Oid
	// DefaultBranch is the branch HEAD ends on.
	// Defaults to master, or to the only branch present
	DefaultBranch string
}

// CloneFromPackStreamResult reports a clone
type CloneFromPackStreamResult struct {
	// PackID is the checksum of the indexed pack
	PackID ginternals.Oid
	// ObjectCount is how many objects the pack brought
	ObjectCount int
	// Head is the commit HEAD ended on
	Head ginternals.Oid
	// Branch is the branch HEAD points at
	Branch string
}

// CloneFromPackStream populates a fresh repository from a raw pack
// stream: the pack is indexed and stored as-is (no loose explosion),
// the refs are written, HEAD is attached, and the work tree is
// checked out
func (r *Repository) CloneFromPackStream(stream io.Reader, opts CloneFromPackStreamOptions) (*CloneFromPackStreamResult, error) {
	data, err := io.ReadAll(stream)
	if err != nil {
		return nil, fmt.Errorf("could not read the pack stream: %w", err)
	}

	entries, packID, err := packfile.IndexPack(data)
	if err != nil {
		return nil, err
	}
	idxData, err := packfile.GenerateIndex(entries, packID)
	if err != nil {
		return nil, err
	}

	// both files land under temp names first: a crashed clone leaves
	// no half-indexed pack behind
	base := ginternals.PackfilePath(r.cfg, packfile.Name(packID))
	if err := r.writePackFile(base+packfile.ExtPackfile, data); err != nil {
		return nil, err
	}
	if err := r.writePackFile(base+packfile.ExtIndex, idxData); err != nil {
		return nil, err
	}
	if err := r.dotGit.RefreshPacks(); err != nil {
		return nil, err
	}

	for name, oid := range opts.Refs {
		if err := r.dotGit.WriteReference(ginternals.NewReference(name, oid)); err != nil {
			return nil, err
		}
	}

	branch := opts.DefaultBranch
	if branch == "" {
		branch = ginternals.Master
		if _, ok := opts.Refs[ginternals.LocalBranchFullName(branch)]; !ok {
			for name := range opts.Refs {
				if ginternals.IsLocalBranch(name) {
					branch = ginternals.LocalBranchShortName(name)
					break
				}
			}
		}
	}
	branchRef := ginternals.LocalBranchFullName(branch)
	if err := r.dotGit.WriteReference(ginternals.NewSymbolicReference(ginternals.Head, branchRef)); err != nil {
		return nil, err
	}

	res := &CloneFromPackStreamResult{
		PackID:      packID,
		ObjectCount: len(entries),
		Branch:      branch,
	}

	head, err := r.headCommit()
	if err != nil {
		// an empty remote has refs but no commits, that's fine
		return res, nil //nolint:nilerr // an unborn HEAD is a valid clone
	}
	res.Head = head

	headTree, err := r.graph.TreeOf(head)
	if err != nil {
		return nil, err
	}
	idx := staging.New()
	if err := idx.ReadTree(r.dotGit, headTree, staging.ReadTreeOptions{}); err != nil {
		return nil, err
	}
	if err := r.writeStaging(idx); err != nil {
		return nil, err
	}
	if !r.IsBare() {
		if _, err := r.wt.CheckoutTree(r.dotGit, headTree, nil, worktree.CheckoutOptions{Force: true}); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (r *Repository) writePackFile(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := afero.WriteFile(r.cfg.FS, tmp, data, 0o444); err != nil {
		return fmt.Errorf("could not write %s: %w", tmp, err)
	}
	if err := fsutil.RenameReplace(r.cfg.FS, tmp, path); err != nil {
		r.cfg.FS.Remove(tmp) //nolint:errcheck // it already failed
		return fmt.Errorf("could not persist %s: %w", path, err)
	}
	return nil
}
