package git

import (
	"fmt"
	"sort"
	"strings"

	"github.com/goabstract/gitcore/backend"
	"github.com/goabstract/gitcore/ginternals"
	"github.com/goabstract/gitcore/ginternals/object"
)

// TreeBuilder is used to build trees
type TreeBuilder struct {
	backend *backend.Backend
	entries map[string]object.TreeEntry
}

// NewTreeBuilder creates a new empty tree builder
func (r *Repository) NewTreeBuilder() *TreeBuilder {
	return &TreeBuilder{
		backend: r.dotGit,
	}
}

// NewTreeBuilderFromTree creates a new tree builder containing the
// entries of another tree
func (r *Repository) NewTreeBuilderFromTree(t *object.Tree) *TreeBuilder {
	entries := map[string]object.TreeEntry{}
	for _, e := range t.Entries() {
		entries[e.Path] = e
	}

	return &TreeBuilder{
		backend: r.dotGit,
		entries: entries,
	}
}

// Insert inserts a new object in the tree.
// The object must exist in the odb and be a blob or a tree
func (tb *TreeBuilder) Insert(path string, oid ginternals.Oid, mode object.TreeObjectMode) error {
	if !mode.IsValid() {
		return fmt.Errorf("mode %o: %w", mode, ginternals.ErrInvalidArgument)
	}
	if strings.Contains(path, "/") {
		return fmt.Errorf("path %q contains a separator: %w", path, ginternals.ErrInvalidArgument)
	}

	o, err := tb.backend.Object(oid)
	if err != nil {
		return fmt.Errorf("cannot verify object: %w", err)
	}
	if o.Type() != object.TypeBlob && o.Type() != object.TypeTree {
		return fmt.Errorf("unexpected object %s: %w", o.Type().String(), object.ErrObjectInvalid)
	}

	if tb.entries == nil {
		tb.entries = map[string]object.TreeEntry{}
	}
	tb.entries[path] = object.TreeEntry{
		Mode: mode,
		Path: path,
		ID:   oid,
	}
	return nil
}

// Remove removes an object from the tree
func (tb *TreeBuilder) Remove(path string) {
	if tb.entries == nil {
		return
	}
	delete(tb.entries, path)
}

// Write creates and persists a new Tree object
func (tb *TreeBuilder) Write() (*object.Tree, error) {
	paths := make([]string, 0, len(tb.entries))
	for p := range tb.entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	entries := make([]object.TreeEntry, 0, len(paths))
	for _, p := range paths {
		entries = append(entries, tb.entries[p])
	}

	t, err := object.NewTree(entries)
	if err != nil {
		return nil, err
	}
	o := t.ToObject()
	if _, err := tb.backend.WriteObject(o); err != nil {
		return nil, fmt.Errorf("could not write the object to the odb: %w", err)
	}
	return o.AsTree()
}
