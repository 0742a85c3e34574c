package git

import (
	"fmt"

	"github.com/goabstract/gitcore/backend"
	"github.com/goabstract/gitcore/ginternals"
)

// Branch describes one local branch
type Branch struct {
	// Name is the short name (main, not refs/heads/main)
	Name string
	// Target is the commit the branch points at
	Target ginternals.Oid
	// IsHead says whether HEAD points at the branch
	IsHead bool
}

// Branches lists the local branches, sorted by name
func (r *Repository) Branches() ([]Branch, error) {
	headRef, err := r.dotGit.RawReference(ginternals.Head)
	if err != nil {
		return nil, err
	}
	current := ""
	if headRef.Type() == ginternals.SymbolicReference {
		current = headRef.SymbolicTarget()
	}

	var out []Branch
	err = r.dotGit.WalkReferences(func(ref *ginternals.Reference) error {
		if !ginternals.IsLocalBranch(ref.Name()) {
			return nil
		}
		out = append(out, Branch{
			Name:   ginternals.LocalBranchShortName(ref.Name()),
			Target: ref.Target(),
			IsHead: ref.Name() == current,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CreateBranch creates a branch pointing at the given revision
// (HEAD when empty).
// ginternals.ErrRefExists is returned if the branch exists
func (r *Repository) CreateBranch(name, rev string) (*Branch, error) {
	if rev == "" {
		rev = ginternals.Head
	}
	target, err := r.ResolveRevision(rev)
	if err != nil {
		return nil, err
	}

	fullName := ginternals.LocalBranchFullName(name)
	if !ginternals.IsRefNameValid(fullName) {
		return nil, fmt.Errorf("branch %q: %w", name, ginternals.ErrRefNameInvalid)
	}
	if err := r.dotGit.WriteReferenceSafe(ginternals.NewReference(fullName, target)); err != nil {
		return nil, err
	}
	return &Branch{Name: name, Target: target}, nil
}

// DeleteBranch removes a branch.
// The current branch cannot be deleted
func (r *Repository) DeleteBranch(name string) error {
	fullName := ginternals.LocalBranchFullName(name)

	headRef, err := r.dotGit.RawReference(ginternals.Head)
	if err != nil {
		return err
	}
	if headRef.Type() == ginternals.SymbolicReference && headRef.SymbolicTarget() == fullName {
		return fmt.Errorf("cannot delete the current branch %q: %w", name, ginternals.ErrInvalidArgument)
	}
	return r.dotGit.DeleteReference(fullName)
}

// RenameBranch renames a branch, moving HEAD along when it pointed
// at the old name
func (r *Repository) RenameBranch(oldName, newName string) error {
	oldFull := ginternals.LocalBranchFullName(oldName)
	newFull := ginternals.LocalBranchFullName(newName)
	if !ginternals.IsRefNameValid(newFull) {
		return fmt.Errorf("branch %q: %w", newName, ginternals.ErrRefNameInvalid)
	}

	ref, err := r.dotGit.Reference(oldFull)
	if err != nil {
		return err
	}
	if err := r.dotGit.WriteReferenceSafe(ginternals.NewReference(newFull, ref.Target())); err != nil {
		return err
	}
	if err := r.dotGit.DeleteReference(oldFull); err != nil {
		return err
	}

	headRef, err := r.dotGit.RawReference(ginternals.Head)
	if err != nil {
		return err
	}
	if headRef.Type() == ginternals.SymbolicReference && headRef.SymbolicTarget() == oldFull {
		return r.dotGit.WriteReference(ginternals.NewSymbolicReference(ginternals.Head, newFull))
	}
	return nil
}

// ListReferences runs f on every reference of the repository
func (r *Repository) ListReferences(f backend.RefWalkFunc) error {
	return r.dotGit.WalkReferences(f)
}
