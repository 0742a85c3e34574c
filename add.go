package git

import (
	"errors"
	"fmt"
	"os"

	"github.com/goabstract/gitcore/ginternals"
	"github.com/goabstract/gitcore/ginternals/object"
	"github.com/goabstract/gitcore/ginternals/staging"
	"github.com/goabstract/gitcore/worktree"
)

// ErrBareOperation is returned when an operation needing a work tree
// runs on a bare repository
var ErrBareOperation = errors.New("this operation must be run in a work tree")

// AddResult reports what Add staged
type AddResult struct {
	// Staged lists the paths whose content was staged
	Staged []string
	// Removed lists the tracked paths staged for deletion because
	// they disappeared from the work tree
	Removed []string
}

// Add stages the current content of the given paths. A path naming a
// directory stages everything under it. A tracked file deleted from
// the work tree gets staged for deletion
func (r *Repository) Add(paths ...string) (*AddResult, error) {
	if r.IsBare() {
		return nil, ErrBareOperation
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no path given: %w", ginternals.ErrInvalidArgument)
	}

	idx, err := r.Staging()
	if err != nil {
		return nil, err
	}

	res := &AddResult{}
	for _, p := range paths {
		matched := false

		// stage what's on disk under p
		err := r.wt.Walk(worktree.WalkOptions{Prefix: trimDot(p)}, func(e worktree.Entry) error {
			if e.IsDir {
				return nil
			}
			matched = true
			data, err := r.wt.ReadContent(e.Path)
			if err != nil {
				return err
			}
			blobID, err := r.dotGit.WriteObject(object.New(object.TypeBlob, data))
			if err != nil {
				return err
			}
			if err := idx.Set(staging.Entry{
				Path:  e.Path,
				ID:    blobID,
				Mode:  e.Mode,
				Stage: staging.StageMerged,
				Size:  uint32(e.Size),
				MTime: e.MTime,
			}); err != nil {
				return err
			}
			res.Staged = append(res.Staged, e.Path)
			return nil
		})
		if err != nil {
			return nil, err
		}

		// stage the deletion of tracked files that are gone from disk
		for _, e := range idx.Entries(staging.EntriesOptions{Prefix: trimDot(p)}) {
			if r.wt.Exists(e.Path) {
				continue
			}
			if err := idx.Remove(e.Path); err != nil && !errors.Is(err, staging.ErrEntryNotFound) {
				return nil, err
			}
			matched = true
			res.Removed = append(res.Removed, e.Path)
		}

		if !matched && p != "." {
			return nil, fmt.Errorf("pathspec %q did not match any files: %w", p, os.ErrNotExist)
		}
	}

	if err := r.writeStaging(idx); err != nil {
		return nil, err
	}
	return res, nil
}

// RmOptions tunes Rm
type RmOptions struct {
	// Cached only unstages, the work tree copy stays
	Cached bool
}

// RmResult reports what Rm removed
type RmResult struct {
	Removed []string
}

// Rm unstages the given paths and, unless Cached is set, removes
// them from the work tree
func (r *Repository) Rm(paths []string, opts RmOptions) (*RmResult, error) {
	if r.IsBare() {
		return nil, ErrBareOperation
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no path given: %w", ginternals.ErrInvalidArgument)
	}

	idx, err := r.Staging()
	if err != nil {
		return nil, err
	}

	res := &RmResult{}
	for _, p := range paths {
		entries := idx.Entries(staging.EntriesOptions{Prefix: trimDot(p)})
		if len(entries) == 0 {
			return nil, fmt.Errorf("pathspec %q did not match any files: %w", p, staging.ErrEntryNotFound)
		}
		for _, e := range entries {
			if err := idx.Remove(e.Path); err != nil && !errors.Is(err, staging.ErrEntryNotFound) {
				return nil, err
			}
			if !opts.Cached && r.wt.Exists(e.Path) {
				if err := r.wt.Remove(e.Path, false); err != nil {
					return nil, err
				}
			}
			res.Removed = append(res.Removed, e.Path)
		}
	}

	if err := r.writeStaging(idx); err != nil {
		return nil, err
	}
	return res, nil
}

// trimDot maps the "whole tree" pathspecs to the empty prefix
func trimDot(p string) string {
	if p == "." || p == "./" {
		return ""
	}
	return p
}
