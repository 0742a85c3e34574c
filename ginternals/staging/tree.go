package staging

import (
	"fmt"
	"path"
	"strings"

	"github.com/goabstract/gitcore/ginternals"
	"github.com/goabstract/gitcore/ginternals/object"
)

// ObjectGetter can load an object from the odb
type ObjectGetter interface {
	Object(ginternals.Oid) (*object.Object, error)
}

// ObjectWriter can persist an object to the odb
type ObjectWriter interface {
	WriteObject(*object.Object) (ginternals.Oid, error)
}

// WriteTree builds the tree hierarchy described by the stage-0
// entries, persists every subtree, and returns the root tree's oid.
//
// An index with open conflicts cannot become a tree: ErrHasConflicts
// is returned
func (idx *Index) WriteTree(store ObjectWriter) (ginternals.Oid, error) {
	if idx.HasConflicts() {
		return ginternals.NullOid, ErrHasConflicts
	}

	entries := idx.Entries(EntriesOptions{Stages: []Stage{StageMerged}})
	if len(entries) == 0 {
		// the empty tree is virtual, it never hits the odb
		return ginternals.EmptyTreeOid, nil
	}

	root := newTreeNode()
	for i := range entries {
		e := &entries[i]
		dir, name := path.Split(e.Path)
		node := root.dig(strings.TrimSuffix(dir, "/"))
		node.entries = append(node.entries, object.TreeEntry{
			Path: name,
			ID:   e.ID,
			Mode: e.Mode,
		})
	}
	return root.write(store)
}

type treeNode struct {
	children map[string]*treeNode
	entries  []object.TreeEntry
}

func newTreeNode() *treeNode {
	return &treeNode{children: map[string]*treeNode{}}
}

// dig returns the node of the given slash-separated directory,
// creating the intermediate nodes
func (n *treeNode) dig(dir string) *treeNode {
	if dir == "" {
		return n
	}
	node := n
	for _, part := range strings.Split(dir, "/") {
		child, ok := node.children[part]
		if !ok {
			child = newTreeNode()
			node.children[part] = child
		}
		node = child
	}
	return node
}

// write persists the subtrees bottom-up and returns the node's oid
func (n *treeNode) write(store ObjectWriter) (ginternals.Oid, error) {
	entries := make([]object.TreeEntry, 0, len(n.entries)+len(n.children))
	entries = append(entries, n.entries...)

	for name, child := range n.children {
		childID, err := child.write(store)
		if err != nil {
			return ginternals.NullOid, err
		}
		entries = append(entries, object.TreeEntry{
			Path: name,
			ID:   childID,
			Mode: object.ModeDirectory,
		})
	}

	tree, err := object.NewTree(entries)
	if err != nil {
		return ginternals.NullOid, err
	}
	return store.WriteObject(tree.ToObject())
}

// ReadTreeOptions tunes ReadTree
type ReadTreeOptions struct {
	// Prefix is prepended to every populated path
	Prefix string
	// Stage is the stage the populated entries get
	Stage Stage
	// KeepExisting leaves the current entries in place instead of
	// clearing the index first
	KeepExisting bool
}

// ReadTree populates the index from a stored tree
func (idx *Index) ReadTree(store ObjectGetter, treeID ginternals.Oid, opts ReadTreeOptions) error {
	if !opts.KeepExisting {
		idx.Clear()
	}
	return idx.readTree(store, treeID, opts.Prefix, opts.Stage)
}

func (idx *Index) readTree(store ObjectGetter, treeID ginternals.Oid, prefix string, stage Stage) error {
	if treeID == ginternals.EmptyTreeOid {
		return nil
	}

	o, err := store.Object(treeID)
	if err != nil {
		return fmt.Errorf("could not load tree %s: %w", treeID.String(), err)
	}
	tree, err := o.AsTree()
	if err != nil {
		return err
	}

	for _, entry := range tree.Entries() {
		full := entry.Path
		if prefix != "" {
			full = path.Join(prefix, entry.Path)
		}

		if entry.Mode == object.ModeDirectory {
			if err := idx.readTree(store, entry.ID, full, stage); err != nil {
				return err
			}
			continue
		}

		if err := idx.Set(Entry{
			Path:  full,
			ID:    entry.ID,
			Mode:  entry.Mode,
			Stage: stage,
		}); err != nil {
			return err
		}
	}
	return nil
}
