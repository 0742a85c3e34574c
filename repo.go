// Package git contains the porcelain of the library: a Repository
// type whose operations mirror the git commands, returning typed
// results instead of printing anything
package git

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/goabstract/gitcore/backend"
	"github.com/goabstract/gitcore/ginternals"
	"github.com/goabstract/gitcore/ginternals/config"
	"github.com/goabstract/gitcore/ginternals/object"
	"github.com/goabstract/gitcore/ginternals/staging"
	"github.com/goabstract/gitcore/githistory"
	"github.com/goabstract/gitcore/worktree"
)

// List of errors returned by the Repository struct
var (
	// ErrRepositoryNotExist is returned when opening a directory that
	// has no repository
	ErrRepositoryNotExist = errors.New("repository does not exist")
	// ErrRepositoryExists is returned when initializing an existing
	// repository
	ErrRepositoryExists = errors.New("repository already exists")
	// ErrNoCommits is returned when an operation needs a commit but
	// HEAD has none yet
	ErrNoCommits = errors.New("current branch has no commit")
	// ErrOperationInProgress is returned when a merge, rebase,
	// cherry-pick, or revert is ongoing and blocks the requested
	// operation
	ErrOperationInProgress = errors.New("another operation is in progress")
	// ErrNoOperationInProgress is returned by continue/abort when
	// there is nothing to continue or abort
	ErrNoOperationInProgress = errors.New("no operation in progress")
)

// Repository represents a git repository: the odb, the references,
// the staging index, and (unless bare) a work tree
type Repository struct {
	cfg    *config.Config
	dotGit *backend.Backend
	wt     *worktree.Worktree
	graph  *githistory.Graph
}

// Options contains the optional dependencies of a Repository
type Options struct {
	// FS is the filesystem everything lives on.
	// Defaults to the OS filesystem
	FS afero.Fs
	// IsBare skips the work tree entirely
	IsBare bool
	// InitialBranch is the branch HEAD points to on init.
	// Defaults to master
	InitialBranch string
	// Logger receives progress information from maintenance tasks
	Logger *logrus.Logger
}

// InitRepository initializes a new git repository by creating the
// .git directory in the given path, which is where almost everything
// git stores and manipulates is located
// https://git-scm.com/book/en/v2/Git-Internals-Plumbing-and-Porcelain
func InitRepository(repoPath string) (*Repository, error) {
	return InitRepositoryWithOptions(repoPath, Options{})
}

// InitRepositoryWithOptions initializes a new git repository using
// the provided options
func InitRepositoryWithOptions(repoPath string, opts Options) (*Repository, error) {
	r, err := newRepository(repoPath, opts)
	if err != nil {
		return nil, err
	}
	if err := r.dotGit.Init(opts.InitialBranch); err != nil {
		r.dotGit.Close() //nolint:errcheck // it already failed
		return nil, err
	}
	return r, nil
}

// OpenRepository loads an existing git repository and returns a
// Repository instance
func OpenRepository(repoPath string) (*Repository, error) {
	return OpenRepositoryWithOptions(repoPath, Options{})
}

// OpenRepositoryWithOptions loads an existing git repository using
// the provided options
func OpenRepositoryWithOptions(repoPath string, opts Options) (*Repository, error) {
	r, err := newRepository(repoPath, opts)
	if err != nil {
		return nil, err
	}

	// since we can't rely on the directory existing, we check if
	// HEAD exists (it's always there in a valid repo)
	if _, err := r.dotGit.RawReference(ginternals.Head); err != nil {
		r.dotGit.Close() //nolint:errcheck // it already failed
		return nil, ErrRepositoryNotExist
	}
	return r, nil
}

func newRepository(repoPath string, opts Options) (*Repository, error) {
	fs := opts.FS
	if fs == nil {
		fs = afero.NewOsFs()
	}

	cfgOpts := config.LoadConfigOptions{
		FS:     fs,
		IsBare: opts.IsBare,
	}
	if opts.IsBare {
		cfgOpts.GitDirPath = repoPath
	} else {
		cfgOpts.WorkTreePath = repoPath
	}
	cfg, err := config.LoadConfig(cfgOpts)
	if err != nil {
		return nil, err
	}

	dotGit, err := backend.NewWithOptions(cfg, backend.Options{Logger: opts.Logger})
	if err != nil {
		return nil, err
	}

	r := &Repository{
		cfg:    cfg,
		dotGit: dotGit,
		graph:  githistory.New(dotGit),
	}
	if !opts.IsBare {
		r.wt = worktree.New(fs, cfg.WorkTreePath)
	}
	return r, nil
}

// IsBare returns whether the repo has a work tree
func (r *Repository) IsBare() bool {
	return r.wt == nil
}

// Close frees the resources
func (r *Repository) Close() error {
	return r.dotGit.Close()
}

// Backend exposes the underlying odb.
// It's the escape hatch for plumbing-level work
func (r *Repository) Backend() *backend.Backend {
	return r.dotGit
}

// Config returns the configuration of the repository
func (r *Repository) Config() *config.Config {
	return r.cfg
}

// Object returns the object matching the given oid
func (r *Repository) Object(oid ginternals.Oid) (*object.Object, error) {
	return r.dotGit.Object(oid)
}

// HashObject returns the oid the given content would be stored
// under, writing it to the odb when write is set
func (r *Repository) HashObject(typ object.Type, data []byte, write bool) (ginternals.Oid, error) {
	o := object.New(typ, data)
	if !write {
		return o.ID(), nil
	}
	return r.dotGit.WriteObject(o)
}

// NewBlob creates, stores, and returns a new Blob object
func (r *Repository) NewBlob(data []byte) (*object.Blob, error) {
	o := object.New(object.TypeBlob, data)
	if _, err := r.dotGit.WriteObject(o); err != nil {
		return nil, fmt.Errorf("could not store the blob: %w", err)
	}
	return o.AsBlob()
}

// ResolveRevision resolves a revision expression (an oid, a ref
// name, HEAD~2, ...) to a commit oid
func (r *Repository) ResolveRevision(rev string) (ginternals.Oid, error) {
	return r.graph.ResolveRevision(r.dotGit, rev)
}

// headCommit returns the commit HEAD points at.
// ErrNoCommits is returned on an unborn branch
func (r *Repository) headCommit() (ginternals.Oid, error) {
	ref, err := r.dotGit.Reference(ginternals.Head)
	if err != nil {
		if errors.Is(err, ginternals.ErrRefNotFound) {
			return ginternals.NullOid, ErrNoCommits
		}
		return ginternals.NullOid, err
	}
	return ref.Target(), nil
}

// headTree returns the tree of the commit HEAD points at, or the
// empty tree on an unborn branch
func (r *Repository) headTree() (ginternals.Oid, error) {
	head, err := r.headCommit()
	if err != nil {
		if errors.Is(err, ErrNoCommits) {
			return ginternals.EmptyTreeOid, nil
		}
		return ginternals.NullOid, err
	}
	return r.graph.TreeOf(head)
}

// stagingPath returns the path of the index file
func (r *Repository) stagingPath() string {
	return ginternals.StagingIndexPath(r.cfg)
}

// Staging loads the staging index
func (r *Repository) Staging() (*staging.Index, error) {
	return staging.ReadFile(r.cfg.FS, r.stagingPath())
}

// writeStaging persists the staging index
func (r *Repository) writeStaging(idx *staging.Index) error {
	return idx.WriteFile(r.cfg.FS, r.stagingPath())
}

// stateFilePath returns the path of an operation-state file
// (MERGE_HEAD and friends)
func (r *Repository) stateFilePath(name string) string {
	return filepath.Join(ginternals.DotGitPath(r.cfg), name)
}

// hasStateFile says whether an operation-state file exists
func (r *Repository) hasStateFile(name string) bool {
	_, err := r.cfg.FS.Stat(r.stateFilePath(name))
	return err == nil
}

// writeStateRef records an operation-state ref (MERGE_HEAD, ...)
func (r *Repository) writeStateRef(name string, oid ginternals.Oid) error {
	return r.dotGit.WriteReference(ginternals.NewReference(name, oid))
}

// clearStateFile removes an operation-state file if present
func (r *Repository) clearStateFile(name string) error {
	err := r.cfg.FS.Remove(r.stateFilePath(name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("could not remove %s: %w", name, err)
	}
	return nil
}

// guardNoOperation fails with ErrOperationInProgress when a merge,
// rebase, cherry-pick, or revert is ongoing
func (r *Repository) guardNoOperation() error {
	for _, name := range []string{
		ginternals.MergeHead,
		ginternals.CherryPickHead,
		ginternals.RevertHead,
	} {
		if r.hasStateFile(name) {
			return fmt.Errorf("%s exists: %w", name, ErrOperationInProgress)
		}
	}
	if r.hasStateFile("rebase-merge") {
		return fmt.Errorf("rebase in progress: %w", ErrOperationInProgress)
	}
	return nil
}
