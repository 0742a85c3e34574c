package staging

import (
	"fmt"

	"github.com/spf13/afero"

	"github.com/goabstract/gitcore/ginternals"
)

// Builder accumulates entries in bulk before producing an Index.
// Unlike the Editor it has no notion of a previous state: it's meant
// for building an index from scratch (checkout, clone, read-tree)
type Builder struct {
	idx *Index
}

// NewBuilder returns an empty builder
func NewBuilder() *Builder {
	return &Builder{idx: New()}
}

// Add appends an entry
func (b *Builder) Add(e Entry) error {
	return b.idx.Set(e)
}

// AddTree recursively inserts every blob of a stored tree at
// stage 0, under the given path prefix
func (b *Builder) AddTree(store ObjectGetter, treeID ginternals.Oid, prefix string) error {
	return b.idx.readTree(store, treeID, prefix, StageMerged)
}

// Build returns the index.
// The builder must not be used afterwards
func (b *Builder) Build() *Index {
	idx := b.idx
	b.idx = nil
	return idx
}

// editKind says what an edit does
type editKind int8

const (
	editUpsert editKind = iota
	editAdd
	editRemove
)

type edit struct {
	kind  editKind
	entry Entry
	path  string
}

// Editor stages individual changes to an on-disk index and commits
// them atomically on Finish.
//
// Two editors may run concurrently: the second one to finish re-reads
// the index and replays its edits on top of it. The replay fails with
// ErrIndexStale when an edited path was also changed underneath us
type Editor struct {
	fs   afero.Fs
	path string

	// snapshot is the state observed when the editor was opened
	snapshot *Index
	edits    []edit
	done     bool
}

// NewEditor opens the index at path for editing
func NewEditor(fs afero.Fs, path string) (*Editor, error) {
	idx, err := ReadFile(fs, path)
	if err != nil {
		return nil, err
	}
	return &Editor{
		fs:       fs,
		path:     path,
		snapshot: idx,
	}, nil
}

// Upsert stages an add-or-replace of an entry
func (ed *Editor) Upsert(e Entry) {
	ed.edits = append(ed.edits, edit{kind: editUpsert, entry: e, path: e.Path})
}

// Add stages the addition of an entry.
// Finishing fails if the path already has an entry
func (ed *Editor) Add(e Entry) {
	ed.edits = append(ed.edits, edit{kind: editAdd, entry: e, path: e.Path})
}

// Remove stages the removal of every stage of a path
func (ed *Editor) Remove(path string) {
	ed.edits = append(ed.edits, edit{kind: editRemove, path: path})
}

// Finish applies the staged edits and persists the index.
// The resulting index is returned
func (ed *Editor) Finish() (*Index, error) {
	if ed.done {
		return nil, fmt.Errorf("editor already finished: %w", ginternals.ErrInvalidArgument)
	}
	ed.done = true

	current, err := ReadFile(ed.fs, ed.path)
	if err != nil {
		return nil, err
	}

	// If the file moved underneath us, make sure none of our edits
	// lands on a path someone else also touched
	if current.Checksum() != ed.snapshot.Checksum() {
		for _, e := range ed.edits {
			was, wasErr := ed.snapshot.Get(e.path, StageMerged)
			now, nowErr := current.Get(e.path, StageMerged)
			if (wasErr == nil) != (nowErr == nil) || (wasErr == nil && was != now) {
				return nil, fmt.Errorf("path %q changed concurrently: %w", e.path, ErrIndexStale)
			}
		}
	}

	for _, e := range ed.edits {
		switch e.kind {
		case editUpsert:
			if err := current.Set(e.entry); err != nil {
				return nil, err
			}
		case editAdd:
			if current.Has(e.path) {
				return nil, fmt.Errorf("path %q: %w", e.path, ErrEntryExists)
			}
			if err := current.Set(e.entry); err != nil {
				return nil, err
			}
		case editRemove:
			if err := current.Remove(e.path); err != nil {
				return nil, err
			}
		}
	}

	if err := current.WriteFile(ed.fs, ed.path); err != nil {
		return nil, err
	}
	return current, nil
}
