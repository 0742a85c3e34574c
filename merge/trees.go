package merge

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/goabstract/gitcore/ginternals"
	"github.com/goabstract/gitcore/ginternals/object"
)

// Store is the slice of the odb the merge machinery needs
type Store interface {
	Object(ginternals.Oid) (*object.Object, error)
	WriteObject(*object.Object) (ginternals.Oid, error)
}

// Strategy selects the tree-level behavior of a merge
type Strategy int8

const (
	// StrategyRecursive is the classic three-way merge
	StrategyRecursive Strategy = iota
	// StrategyOurs takes our tree wholesale, ignoring their changes
	StrategyOurs
	// StrategyTheirs takes their tree wholesale
	StrategyTheirs
)

// ConflictKind says what kind of disagreement a conflict is
type ConflictKind int8

const (
	// ConflictContent is a both-sides-modified text file whose edits
	// overlap
	ConflictContent ConflictKind = iota
	// ConflictModifyDelete is a file modified on one side and
	// deleted on the other
	ConflictModifyDelete
	// ConflictAddAdd is a path added differently on both sides
	ConflictAddAdd
	// ConflictBinary is a both-sides-modified file that cannot be
	// line-merged: binary content, or a mode that differs between the
	// two sides
	ConflictBinary
)

// Conflict reports one unresolved path.
// The entries carry the three staged versions; a nil entry means the
// path doesn't exist on that side
type Conflict struct {
	Path   string
	Kind   ConflictKind
	Base   *object.TreeEntry
	Ours   *object.TreeEntry
	Theirs *object.TreeEntry
	// Content is the marker-annotated merge output for content
	// conflicts, ready to be projected into the work tree
	Content []byte
}

// Side says which input of a merge something happened on
type Side int8

const (
	// SideOurs is the first parent's side
	SideOurs Side = iota
	// SideTheirs is the side being merged in
	SideTheirs
)

// Rename reports a detected rename
type Rename struct {
	FromPath string
	ToPath   string
	Score    int
	Side     Side
}

// Options tunes a tree merge
type Options struct {
	Strategy        Strategy
	ContentStrategy ContentStrategy
	// RenameThreshold is the minimal similarity score for a
	// (deleted, added) pair to merge as a rename.
	// Defaults to DefaultRenameThreshold
	RenameThreshold int
	// RenameLimit bounds how many pairs get scored.
	// Defaults to DefaultRenameLimit
	RenameLimit int
	// DisableRenames turns rename detection off
	DisableRenames bool
}

func (opts *Options) setDefaults() {
	if opts.RenameThreshold <= 0 {
		opts.RenameThreshold = DefaultRenameThreshold
	}
	if opts.RenameLimit <= 0 {
		opts.RenameLimit = DefaultRenameLimit
	}
}

// Result is the outcome of a tree merge
type Result struct {
	// TreeID is the merged tree. NullOid when conflicts are open
	TreeID ginternals.Oid
	// Entries is the flat path -> entry set of everything that DID
	// merge cleanly. On a conflicted merge it's what must be staged
	// alongside the conflict rows
	Entries map[string]object.TreeEntry
	// Conflicts lists the paths needing a human
	Conflicts []Conflict
	// Renames lists what rename detection matched up
	Renames []Rename
}

// Clean returns whether the merge finished without conflicts
func (r *Result) Clean() bool {
	return len(r.Conflicts) == 0
}

// Trees three-way-merges the trees of two commits against their
// common ancestor's
func Trees(store Store, baseID, oursID, theirsID ginternals.Oid, opts Options) (*Result, error) {
	opts.setDefaults()

	switch opts.Strategy {
	case StrategyOurs:
		return &Result{TreeID: oursID}, nil
	case StrategyTheirs:
		return &Result{TreeID: theirsID}, nil
	}

	base, err := flattenTree(store, baseID)
	if err != nil {
		return nil, err
	}
	ours, err := flattenTree(store, oursID)
	if err != nil {
		return nil, err
	}
	theirs, err := flattenTree(store, theirsID)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	if !opts.DisableRenames {
		if err := detectTreeRenames(store, base, ours, SideOurs, opts, res); err != nil {
			return nil, err
		}
		if err := detectTreeRenames(store, base, theirs, SideTheirs, opts, res); err != nil {
			return nil, err
		}
	}

	merged := map[string]object.TreeEntry{}
	for _, p := range unionPaths(base, ours, theirs) {
		if err := mergePath(store, p, base, ours, theirs, opts, merged, res); err != nil {
			return nil, err
		}
	}

	res.Entries = merged
	if !res.Clean() {
		return res, nil
	}

	res.TreeID, err = writeTreeFromEntries(store, merged)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// mergePath classifies one path and feeds the merged entry set
func mergePath(store Store, p string, base, ours, theirs map[string]object.TreeEntry, opts Options, merged map[string]object.TreeEntry, res *Result) error {
	b, hasB := base[p]
	o, hasO := ours[p]
	t, hasT := theirs[p]

	sameOT := hasO == hasT && (!hasO || (o.ID == t.ID && o.Mode == t.Mode))
	sameOB := hasO == hasB && (!hasO || (o.ID == b.ID && o.Mode == b.Mode))
	sameTB := hasT == hasB && (!hasT || (t.ID == b.ID && t.Mode == b.Mode))

	switch {
	case sameOT:
		// unchanged, or the same change on both sides
		if hasO {
			place(merged, p, o)
		}
	case sameOB:
		// only theirs changed
		if hasT {
			place(merged, p, t)
		}
	case sameTB:
		// only ours changed
		if hasO {
			place(merged, p, o)
		}
	case hasO && hasT && !hasB:
		// added differently on both sides
		return mergeContent(store, p, nil, &o, &t, ConflictAddAdd, opts, merged, res)
	case hasO && hasT:
		// modified differently on both sides
		return mergeContent(store, p, &b, &o, &t, ConflictContent, opts, merged, res)
	case hasO && hasB && !hasT:
		// modified by us, deleted by them: keep the modified side,
		// flag it
		res.Conflicts = append(res.Conflicts, Conflict{
			Path: p,
			Kind: ConflictModifyDelete,
			Base: &b,
			Ours: &o,
		})
	case hasT && hasB && !hasO:
		res.Conflicts = append(res.Conflicts, Conflict{
			Path:   p,
			Kind:   ConflictModifyDelete,
			Base:   &b,
			Theirs: &t,
		})
	}
	return nil
}

// mergeContent merges the two versions of one blob
func mergeContent(store Store, p string, b, o, t *object.TreeEntry, kind ConflictKind, opts Options, merged map[string]object.TreeEntry, res *Result) error {
	var baseContent []byte
	if b != nil {
		baseObj, err := store.Object(b.ID)
		if err != nil {
			return fmt.Errorf("could not load base of %q: %w", p, err)
		}
		baseContent = baseObj.Bytes()
	}
	ourObj, err := store.Object(o.ID)
	if err != nil {
		return fmt.Errorf("could not load our version of %q: %w", p, err)
	}
	theirObj, err := store.Object(t.ID)
	if err != nil {
		return fmt.Errorf("could not load their version of %q: %w", p, err)
	}

	// a mode disagreement or binary content can't be line-merged
	if o.Mode != t.Mode || IsBinary(ourObj.Bytes()) || IsBinary(theirObj.Bytes()) || IsBinary(baseContent) {
		res.Conflicts = append(res.Conflicts, Conflict{
			Path:   p,
			Kind:   ConflictBinary,
			Base:   b,
			Ours:   o,
			Theirs: t,
		})
		return nil
	}

	tr := Text(baseContent, ourObj.Bytes(), theirObj.Bytes(), opts.ContentStrategy)
	blobID, err := store.WriteObject(object.New(object.TypeBlob, tr.Content))
	if err != nil {
		return fmt.Errorf("could not store the merge of %q: %w", p, err)
	}

	if tr.Clean {
		dest := destinationPath(p, o, t)
		merged[dest] = object.TreeEntry{Path: dest, ID: blobID, Mode: o.Mode}
		return nil
	}
	res.Conflicts = append(res.Conflicts, Conflict{
		Path:    p,
		Kind:    kind,
		Base:    b,
		Ours:    o,
		Theirs:  t,
		Content: tr.Content,
	})
	return nil
}

// detectTreeRenames pairs the paths one side deleted with the paths
// it added, and rewrites the side's map so a rename merges as a
// modification at the new path
func detectTreeRenames(store Store, base, side map[string]object.TreeEntry, sideName Side, opts Options, res *Result) error {
	var deleted, added []string
	for p := range base {
		if _, ok := side[p]; !ok {
			deleted = append(deleted, p)
		}
	}
	for p := range side {
		if _, ok := base[p]; !ok {
			added = append(added, p)
		}
	}
	if len(deleted) == 0 || len(added) == 0 {
		return nil
	}
	sort.Strings(deleted)
	sort.Strings(added)

	if len(deleted)*len(added) > opts.RenameLimit {
		return nil
	}

	type match struct {
		from, to string
		score    int
	}
	var matches []match
	for _, from := range deleted {
		fromObj, err := store.Object(base[from].ID)
		if err != nil {
			return fmt.Errorf("could not load %q: %w", from, err)
		}
		fromIdx := NewSimilarityIndex(fromObj.Bytes())
		fromBinary := IsBinary(fromObj.Bytes())

		for _, to := range added {
			if base[from].ID == side[to].ID {
				// same blob at a new path: a perfect rename
				matches = append(matches, match{from: from, to: to, score: 100})
				continue
			}
			toObj, err := store.Object(side[to].ID)
			if err != nil {
				return fmt.Errorf("could not load %q: %w", to, err)
			}
			if fromBinary || IsBinary(toObj.Bytes()) {
				continue
			}
			score := fromIdx.Score(NewSimilarityIndex(toObj.Bytes()))
			if score >= opts.RenameThreshold {
				matches = append(matches, match{from: from, to: to, score: score})
			}
		}
	}

	// best scores win, one rename per source and per destination
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].score > matches[j].score })
	usedFrom := map[string]struct{}{}
	usedTo := map[string]struct{}{}
	for _, m := range matches {
		if _, ok := usedFrom[m.from]; ok {
			continue
		}
		if _, ok := usedTo[m.to]; ok {
			continue
		}
		usedFrom[m.from] = struct{}{}
		usedTo[m.to] = struct{}{}
		res.Renames = append(res.Renames, Rename{
			FromPath: m.from,
			ToPath:   m.to,
			Score:    m.score,
			Side:     sideName,
		})

		// rewrite: the side now "modifies" the old path (with the
		// new content) so the classic walk can do its job, and the
		// result lands at the new path
		entry := side[m.to]
		entry.Path = m.to
		side[m.from] = entry
		delete(side, m.to)
	}
	return nil
}

// place records a merged entry under its destination path. A rename
// carries the new path in the entry while the merge walk still runs
// on the old one
func place(merged map[string]object.TreeEntry, p string, e object.TreeEntry) {
	dest := e.Path
	if dest == "" {
		dest = p
	}
	merged[dest] = e
}

// destinationPath returns where the merge of p must land: the
// renamed-to path when one side moved the file
func destinationPath(p string, o, t *object.TreeEntry) string {
	if o != nil && o.Path != "" && o.Path != p {
		return o.Path
	}
	if t != nil && t.Path != "" && t.Path != p {
		return t.Path
	}
	return p
}

// flattenTree expands a tree into a path -> entry map, blobs,
// symlinks and gitlinks only
func flattenTree(store Store, treeID ginternals.Oid) (map[string]object.TreeEntry, error) {
	out := map[string]object.TreeEntry{}
	if treeID.IsZero() {
		return out, nil
	}
	if err := flattenInto(store, treeID, "", out); err != nil {
		return nil, err
	}
	return out, nil
}

func flattenInto(store Store, treeID ginternals.Oid, prefix string, out map[string]object.TreeEntry) error {
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

	for _, e := range tree.Entries() {
		full := e.Path
		if prefix != "" {
			full = path.Join(prefix, e.Path)
		}
		if e.Mode == object.ModeDirectory {
			if err := flattenInto(store, e.ID, full, out); err != nil {
				return err
			}
			continue
		}
		e.Path = full
		out[full] = e
	}
	return nil
}

// unionPaths returns the sorted union of the keys of the three maps
func unionPaths(maps ...map[string]object.TreeEntry) []string {
	seen := map[string]struct{}{}
	for _, m := range maps {
		for p := range m {
			seen[p] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// writeTreeFromEntries builds and persists the tree hierarchy
// described by a flat path -> entry map and returns the root oid
func writeTreeFromEntries(store Store, entries map[string]object.TreeEntry) (ginternals.Oid, error) {
	if len(entries) == 0 {
		return ginternals.EmptyTreeOid, nil
	}

	type node struct {
		entries  []object.TreeEntry
		children map[string]*node
	}
	newNode := func() *node { return &node{children: map[string]*node{}} }
	root := newNode()

	for p, e := range entries {
		dir, name := path.Split(p)
		cur := root
		if dir != "" {
			for _, part := range strings.Split(strings.TrimSuffix(dir, "/"), "/") {
				child, ok := cur.children[part]
				if !ok {
					child = newNode()
					cur.children[part] = child
				}
				cur = child
			}
		}
		cur.entries = append(cur.entries, object.TreeEntry{Path: name, ID: e.ID, Mode: e.Mode})
	}

	var write func(n *node) (ginternals.Oid, error)
	write = func(n *node) (ginternals.Oid, error) {
		all := make([]object.TreeEntry, 0, len(n.entries)+len(n.children))
		all = append(all, n.entries...)
		for name, child := range n.children {
			childID, err := write(child)
			if err != nil {
				return ginternals.NullOid, err
			}
			all = append(all, object.TreeEntry{Path: name, ID: childID, Mode: object.ModeDirectory})
		}
		tree, err := object.NewTree(all)
		if err != nil {
			return ginternals.NullOid, err
		}
		return store.WriteObject(tree.ToObject())
	}
	return write(root)
}
