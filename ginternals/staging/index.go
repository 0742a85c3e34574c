package staging

import (
	"fmt"
	"strings"
	"sync"

	"github.com/emirpasic/gods/maps/treemap"

	"github.com/goabstract/gitcore/ginternals"
)

// Index holds the staging entries, ordered by (path, stage).
//
// The index is internally consistent at all times: a path has either
// one stage-0 entry, or some combination of stage-1/2/3 entries while
// a conflict is open, never both
type Index struct {
	mu      sync.Mutex
	entries *treemap.Map

	// checksum is the trailing sha1 the index was read with, used to
	// detect concurrent writes
	checksum ginternals.Oid
}

// New returns an empty index
func New() *Index {
	return &Index{
		entries: newEntryMap(),
	}
}

// EntriesOptions filters what Entries returns
type EntriesOptions struct {
	// Prefix only keeps the entries whose path starts with it
	Prefix string
	// Stages only keeps the entries in the given stages.
	// An empty list keeps everything
	Stages []Stage
}

// Entries returns a copy of the matching entries, in index order
func (idx *Index) Entries(opts EntriesOptions) []Entry {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var out []Entry
	it := idx.entries.Iterator()
	for it.Next() {
		e := it.Value().(*Entry)
		if opts.Prefix != "" && !strings.HasPrefix(e.Path, opts.Prefix) {
			continue
		}
		if len(opts.Stages) > 0 {
			ok := false
			for _, s := range opts.Stages {
				if e.Stage == s {
					ok = true
					break
				}
			}
			if !ok {
				continue
			}
		}
		out = append(out, *e)
	}
	return out
}

// Get returns the entry of path at the given stage.
// ErrEntryNotFound is returned when there is none
func (idx *Index) Get(path string, stage Stage) (Entry, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	return idx.getUnsafe(path, stage)
}

func (idx *Index) getUnsafe(path string, stage Stage) (Entry, error) {
	v, ok := idx.entries.Get(key{path: path, stage: stage})
	if !ok {
		return Entry{}, fmt.Errorf("path %q stage %d: %w", path, stage, ErrEntryNotFound)
	}
	return *(v.(*Entry)), nil
}

// Set adds or replaces an entry.
// Adding a stage-0 entry drops any conflict rows of the path, and
// adding a conflict row drops the stage-0 entry: the two shapes
// never coexist
func (idx *Index) Set(e Entry) error {
	if !e.Stage.IsValid() {
		return fmt.Errorf("stage %d: %w", e.Stage, ginternals.ErrInvalidArgument)
	}
	if e.Path == "" || strings.HasPrefix(e.Path, "/") {
		return fmt.Errorf("path %q: %w", e.Path, ginternals.ErrInvalidArgument)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.setUnsafe(e)
	return nil
}

func (idx *Index) setUnsafe(e Entry) {
	if e.Stage == StageMerged {
		for s := StageBase; s <= StageTheirs; s++ {
			idx.entries.Remove(key{path: e.Path, stage: s})
		}
	} else {
		idx.entries.Remove(key{path: e.Path, stage: StageMerged})
	}
	stored := e
	idx.entries.Put(key{path: e.Path, stage: e.Stage}, &stored)
}

// Remove drops the entry of path at the given stages.
// With no stages, every stage of the path is dropped.
// ErrEntryNotFound is returned when nothing was removed
func (idx *Index) Remove(path string, stages ...Stage) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	return idx.removeUnsafe(path, stages...)
}

func (idx *Index) removeUnsafe(path string, stages ...Stage) error {
	if len(stages) == 0 {
		stages = []Stage{StageMerged, StageBase, StageOurs, StageTheirs}
	}
	removed := false
	for _, s := range stages {
		k := key{path: path, stage: s}
		if _, ok := idx.entries.Get(k); ok {
			idx.entries.Remove(k)
			removed = true
		}
	}
	if !removed {
		return fmt.Errorf("path %q: %w", path, ErrEntryNotFound)
	}
	return nil
}

// Has returns whether the path has an entry at any stage
func (idx *Index) Has(path string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for s := StageMerged; s <= StageTheirs; s++ {
		if _, ok := idx.entries.Get(key{path: path, stage: s}); ok {
			return true
		}
	}
	return false
}

// Count returns the number of entries, all stages included
func (idx *Index) Count() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	return idx.entries.Size()
}

// HasConflicts returns whether any path has conflict rows
func (idx *Index) HasConflicts() bool {
	return len(idx.ConflictedPaths()) > 0
}

// ConflictedPaths returns the paths that have stage-1/2/3 rows, in
// index order, de-duplicated
func (idx *Index) ConflictedPaths() []string {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var out []string
	last := ""
	it := idx.entries.Iterator()
	for it.Next() {
		e := it.Value().(*Entry)
		if e.Stage == StageMerged {
			continue
		}
		if e.Path == last {
			continue
		}
		last = e.Path
		out = append(out, e.Path)
	}
	return out
}

// Resolution says how a conflict gets resolved
type Resolution int8

const (
	// ResolveOurs keeps the stage-2 version
	ResolveOurs Resolution = iota
	// ResolveTheirs keeps the stage-3 version
	ResolveTheirs
	// ResolveBase keeps the stage-1 version
	ResolveBase
)

// Resolve closes the conflict of path: the chosen stage becomes the
// stage-0 entry and all the conflict rows disappear
func (idx *Index) Resolve(path string, resolution Resolution) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var stage Stage
	switch resolution {
	case ResolveOurs:
		stage = StageOurs
	case ResolveTheirs:
		stage = StageTheirs
	case ResolveBase:
		stage = StageBase
	default:
		return fmt.Errorf("resolution %d: %w", resolution, ginternals.ErrInvalidArgument)
	}

	chosen, err := idx.getUnsafe(path, stage)
	if err != nil {
		return err
	}
	chosen.Stage = StageMerged
	idx.setUnsafe(chosen)
	return nil
}

// ResolveWithEntry closes the conflict of path with an arbitrary
// entry (e.g. the output of a content merge)
func (idx *Index) ResolveWithEntry(e Entry) error {
	if e.Stage != StageMerged {
		return fmt.Errorf("a resolution must be stage 0: %w", ginternals.ErrInvalidArgument)
	}
	return idx.Set(e)
}

// Clear drops every entry
func (idx *Index) Clear() {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.entries = newEntryMap()
}
