// Package staging implements the git staging index: the on-disk v2
// "DIRC" file listing the paths, modes, oids and merge stages that
// will form the next commit
package staging

import (
	"errors"
	"strings"
	"time"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"

	"github.com/goabstract/gitcore/ginternals"
	"github.com/goabstract/gitcore/ginternals/object"
)

var (
	// ErrEntryNotFound is an error thrown when acting on a path that
	// has no entry
	ErrEntryNotFound = errors.New("entry not found")

	// ErrEntryExists is an error thrown when adding an entry for a
	// path that already has one
	ErrEntryExists = errors.New("entry already exists")

	// ErrIndexCorrupted is an error thrown when the index file cannot
	// be parsed
	ErrIndexCorrupted = errors.New("index file is corrupted")

	// ErrIndexVersion is an error thrown when the index file has an
	// unsupported version
	ErrIndexVersion = errors.New("unsupported index version")

	// ErrIndexChecksum is an error thrown when the index file doesn't
	// match its trailing checksum
	ErrIndexChecksum = errors.New("index checksum mismatch")

	// ErrIndexStale is an error thrown when an editor's changes
	// cannot be applied because the index was modified concurrently
	ErrIndexStale = errors.New("index was modified concurrently")

	// ErrHasConflicts is an error thrown when an operation needs a
	// conflict-free index but found conflict entries
	ErrHasConflicts = errors.New("index has unresolved conflicts")
)

// Stage is the merge stage of an entry
type Stage int8

const (
	// StageMerged is the default stage: staged and resolved
	StageMerged Stage = 0
	// StageBase is the common-ancestor version during a conflict
	StageBase Stage = 1
	// StageOurs is our version during a conflict
	StageOurs Stage = 2
	// StageTheirs is their version during a conflict
	StageTheirs Stage = 3
)

// IsValid returns whether the stage is one of the four git stages
func (s Stage) IsValid() bool {
	return s >= StageMerged && s <= StageTheirs
}

// Entry represents a single file (or one stage of a file) in the
// staging index
type Entry struct {
	// Path is the slash-separated path relative to the work tree root
	Path string
	// ID is the oid of the staged blob
	ID ginternals.Oid
	// Mode is the tree mode the path will get
	Mode object.TreeObjectMode
	// Stage is the merge stage
	Stage Stage
	// Size is the on-disk size of the file, truncated to 32 bits
	Size uint32
	// CTime is the last metadata change of the file
	CTime time.Time
	// MTime is the last data change of the file
	MTime time.Time
	// Dev and Ino identify the file on its device
	Dev, Ino uint32
	// UID and GID identify the file's owner
	UID, GID uint32
	// AssumeValid carries the assume-unchanged bit
	AssumeValid bool
}

// key is what entries are ordered by inside the index: memcmp on the
// path, then the stage
type key struct {
	path  string
	stage Stage
}

func compareKeys(a, b interface{}) int {
	ka := a.(key)
	kb := b.(key)
	if c := strings.Compare(ka.path, kb.path); c != 0 {
		return c
	}
	return int(ka.stage) - int(kb.stage)
}

// newEntryMap returns the sorted map entries live in
func newEntryMap() *treemap.Map {
	return treemap.NewWith(utils.Comparator(compareKeys))
}
