// Package worktree contains the operations projecting repository
// state onto a working directory and reading it back
package worktree

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/goabstract/gitcore/ginternals"
	"github.com/goabstract/gitcore/ginternals/object"
)

// ErrNotDir is returned when a path expected to be a directory isn't
var ErrNotDir = errors.New("not a directory")

// Worktree is a working directory
type Worktree struct {
	fs   afero.Fs
	root string
}

// New returns a Worktree rooted at root
func New(filesystem afero.Fs, root string) *Worktree {
	return &Worktree{
		fs:   filesystem,
		root: root,
	}
}

// Root returns the root of the work tree
func (w *Worktree) Root() string {
	return w.root
}

// abs maps a slash-separated repo path to its filesystem path
func (w *Worktree) abs(p string) string {
	return filepath.Join(w.root, filepath.FromSlash(p))
}

// Entry describes one file or directory of the work tree
type Entry struct {
	// Path is the slash-separated path relative to the root
	Path string
	// Name is the base name
	Name string
	// Mode is the tree mode the file would get
	Mode object.TreeObjectMode
	// Size is the size in bytes, 0 for directories
	Size int64
	// MTime is the last data change
	MTime time.Time
	// IsDir says whether the entry is a directory
	IsDir bool
	// IsIgnored says whether an ignore pattern matched the entry
	IsIgnored bool
}

// WalkOptions tunes a worktree walk
type WalkOptions struct {
	// IncludeIgnored also emits the entries matching ignore patterns
	IncludeIgnored bool
	// IncludeDirs also emits directories, before their content
	IncludeDirs bool
	// Prefix restricts the walk to paths under it
	Prefix string
	// IgnorePatterns are gitignore-style globs: a bare glob matches
	// base names and whole paths, a trailing / restricts to
	// directories, a pattern with / matches against the whole path
	IgnorePatterns []string
	// MaxDepth bounds how deep the walk recurses. 0 means no limit
	MaxDepth int
}

// WalkFunc is run on every entry of a walk
type WalkFunc func(e Entry) error

// WalkStop is a fake error used to tell Walk() to stop
var WalkStop = errors.New("stop walking") //nolint:errname // it's a sentinel, not a failure

// Walk emits the entries of the work tree, depth-first, names sorted.
// The .git directory is never emitted
func (w *Worktree) Walk(opts WalkOptions, f WalkFunc) error {
	err := w.walkDir("", 1, opts, f)
	if err == WalkStop { //nolint:errorlint // it's a sentinel, not a wrapped error
		return nil
	}
	return err
}

func (w *Worktree) walkDir(dir string, depth int, opts WalkOptions, f WalkFunc) error {
	if opts.MaxDepth > 0 && depth > opts.MaxDepth {
		return nil
	}

	infos, err := afero.ReadDir(w.fs, w.abs(dir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("could not list %q: %w", dir, err)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name() < infos[j].Name() })

	for _, info := range infos {
		name := info.Name()
		if name == ".git" {
			continue
		}
		p := name
		if dir != "" {
			p = path.Join(dir, name)
		}
		if opts.Prefix != "" && !strings.HasPrefix(p, opts.Prefix) && !strings.HasPrefix(opts.Prefix, p+"/") {
			continue
		}

		ignored := matchIgnore(opts.IgnorePatterns, p, info.IsDir())
		if ignored && !opts.IncludeIgnored {
			continue
		}

		entry := Entry{
			Path:      p,
			Name:      name,
			Mode:      modeOf(info),
			Size:      info.Size(),
			MTime:     info.ModTime(),
			IsDir:     info.IsDir(),
			IsIgnored: ignored,
		}

		if info.IsDir() {
			if opts.IncludeDirs && strings.HasPrefix(p, opts.Prefix) {
				entry.Size = 0
				if err := f(entry); err != nil {
					return err
				}
			}
			if err := w.walkDir(p, depth+1, opts, f); err != nil {
				return err
			}
			continue
		}

		if opts.Prefix != "" && !strings.HasPrefix(p, opts.Prefix) {
			continue
		}
		if err := f(entry); err != nil {
			return err
		}
	}
	return nil
}

func modeOf(info fs.FileInfo) object.TreeObjectMode {
	switch {
	case info.IsDir():
		return object.ModeDirectory
	case info.Mode()&os.ModeSymlink != 0:
		return object.ModeSymLink
	case info.Mode()&0o111 != 0:
		return object.ModeExecutable
	default:
		return object.ModeFile
	}
}

// matchIgnore applies the ignore patterns to a path
func matchIgnore(patterns []string, p string, isDir bool) bool {
	base := path.Base(p)
	for _, pattern := range patterns {
		dirOnly := strings.HasSuffix(pattern, "/")
		pattern = strings.TrimSuffix(pattern, "/")
		if dirOnly && !isDir {
			// a dir-only pattern still ignores everything under a
			// matching directory
			if !matchIgnoreDir(pattern, p) {
				continue
			}
			return true
		}

		target := base
		if strings.Contains(pattern, "/") {
			target = p
		}
		if ok, _ := path.Match(pattern, target); ok {
			return true
		}
		if matchIgnoreDir(pattern, p) {
			return true
		}
	}
	return false
}

// matchIgnoreDir says whether some parent directory of p matches the
// pattern
func matchIgnoreDir(pattern, p string) bool {
	parts := strings.Split(p, "/")
	for i := 0; i < len(parts)-1; i++ {
		if ok, _ := path.Match(pattern, parts[i]); ok {
			return true
		}
	}
	return false
}

// ReadContent returns the content of a file
func (w *Worktree) ReadContent(p string) ([]byte, error) {
	data, err := afero.ReadFile(w.fs, w.abs(p))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("path %q: %w", p, os.ErrNotExist)
		}
		return nil, fmt.Errorf("could not read %q: %w", p, err)
	}
	return data, nil
}

// Exists returns whether the path exists in the work tree
func (w *Worktree) Exists(p string) bool {
	_, err := w.fs.Stat(w.abs(p))
	return err == nil
}

// ComputeHash returns the blob oid the file's content would get,
// without storing anything
func (w *Worktree) ComputeHash(p string) (ginternals.Oid, error) {
	data, err := w.ReadContent(p)
	if err != nil {
		return ginternals.NullOid, err
	}
	return object.New(object.TypeBlob, data).ID(), nil
}

// WriteOptions tunes WriteContent
type WriteOptions struct {
	// Mode is the tree mode to project. Defaults to ModeFile
	Mode object.TreeObjectMode
	// NoOverwrite makes the write fail when the path already exists
	NoOverwrite bool
	// NoCreateParents makes the write fail instead of creating the
	// missing parent directories
	NoCreateParents bool
}

// WriteContent writes a file in the work tree
func (w *Worktree) WriteContent(p string, data []byte, opts WriteOptions) error {
	dest := w.abs(p)
	if opts.NoOverwrite {
		if _, err := w.fs.Stat(dest); err == nil {
			return fmt.Errorf("path %q: %w", p, os.ErrExist)
		}
	}
	if !opts.NoCreateParents {
		if err := w.fs.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("could not create the parents of %q: %w", p, err)
		}
	}

	perm := os.FileMode(0o644)
	if opts.Mode == object.ModeExecutable {
		perm = 0o755
	}
	if err := afero.WriteFile(w.fs, dest, data, perm); err != nil {
		return fmt.Errorf("could not write %q: %w", p, err)
	}
	// WriteFile only applies perm on creation
	w.fs.Chmod(dest, perm) //nolint:errcheck // not all backing fs support modes
	return nil
}

// Remove deletes a path.
// A non-empty directory needs recursive
func (w *Worktree) Remove(p string, recursive bool) error {
	target := w.abs(p)
	var err error
	if recursive {
		err = w.fs.RemoveAll(target)
	} else {
		err = w.fs.Remove(target)
	}
	if err != nil {
		return fmt.Errorf("could not remove %q: %w", p, err)
	}
	// drop the parent directories that just became empty, git doesn't
	// track directories
	w.pruneEmptyParents(p)
	return nil
}

func (w *Worktree) pruneEmptyParents(p string) {
	for dir := path.Dir(p); dir != "." && dir != "/"; dir = path.Dir(dir) {
		infos, err := afero.ReadDir(w.fs, w.abs(dir))
		if err != nil || len(infos) > 0 {
			return
		}
		if err := w.fs.Remove(w.abs(dir)); err != nil {
			return
		}
	}
}

// Mkdir creates a directory
func (w *Worktree) Mkdir(p string, recursive bool) error {
	var err error
	if recursive {
		err = w.fs.MkdirAll(w.abs(p), 0o755)
	} else {
		err = w.fs.Mkdir(w.abs(p), 0o755)
	}
	if err != nil {
		return fmt.Errorf("could not create %q: %w", p, err)
	}
	return nil
}

// Rename moves a file or directory
func (w *Worktree) Rename(from, to string) error {
	if err := w.fs.MkdirAll(filepath.Dir(w.abs(to)), 0o755); err != nil {
		return fmt.Errorf("could not create the parents of %q: %w", to, err)
	}
	if err := w.fs.Rename(w.abs(from), w.abs(to)); err != nil {
		return fmt.Errorf("could not rename %q to %q: %w", from, to, err)
	}
	w.pruneEmptyParents(from)
	return nil
}
