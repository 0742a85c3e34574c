package ginternals

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

// Common ref names
const (
	// Head is a reference to the current branch, or to a commit if
	// we're detached
	Head = "HEAD"
	// OrigHead is a backup reference of HEAD set during destructive
	// commands such as rebase, merge, etc. and can be used to revert
	// an operation
	OrigHead = "ORIG_HEAD"
	// MergeHead is a reference to the commit that is being merged
	// into the current branch
	MergeHead = "MERGE_HEAD"
	// CherryPickHead is a reference to the commit that is being
	// cherry-picked
	CherryPickHead = "CHERRY_PICK_HEAD"
	// RevertHead is a reference to the commit that is being reverted
	RevertHead = "REVERT_HEAD"
	// RebaseHead is a reference to the commit currently being replayed
	// during a rebase
	RebaseHead = "REBASE_HEAD"
	// Master corresponds to the default branch name if none was
	// specified
	Master = "master"
)

// MaxSymbolicRefDepth is the longest chain of symbolic references
// that will be followed before giving up
const MaxSymbolicRefDepth = 5

var (
	// ErrRefNotFound is an error thrown when trying to act on a
	// reference that doesn't exists
	ErrRefNotFound = errors.New("reference not found")

	// ErrRefExists is an error thrown when trying to act on a
	// reference that should not exist, but does
	ErrRefExists = errors.New("reference already exists")

	// ErrRefNameInvalid is an error thrown when the name of a reference
	// is not valid
	ErrRefNameInvalid = errors.New("reference name is not valid")

	// ErrRefInvalid is an error thrown when a reference is not valid
	ErrRefInvalid = errors.New("reference is not valid")

	// ErrRefDepthExceeded is an error thrown when a chain of symbolic
	// references is longer than MaxSymbolicRefDepth, or loops
	ErrRefDepthExceeded = errors.New("symbolic reference chain too deep")

	// ErrRefLockContended is an error thrown when a compare-and-swap
	// update of a reference lost against a concurrent update
	ErrRefLockContended = errors.New("reference update lost against concurrent write")

	// ErrPackedRefInvalid is an error thrown when the packed-refs
	// file cannot be parsed properly
	ErrPackedRefInvalid = errors.New("packed-refs file is invalid")

	// ErrUnknownRefType is an error thrown when the type of a reference
	// is unknown
	ErrUnknownRefType = errors.New("unknown reference type")
)

// ReferenceType represents the type of a reference
type ReferenceType int8

const (
	// OidReference represents a reference that targets an Oid
	OidReference ReferenceType = 1
	// SymbolicReference represents a reference that targets another
	// reference
	SymbolicReference ReferenceType = 2
)

// Reference represents a git reference
// https://git-scm.com/book/en/v2/Git-Internals-Git-References
type Reference struct {
	name   string
	target string
	id     Oid
	peeled Oid
	typ    ReferenceType
}

// RefContent represents a method that returns the content of a reference.
// This is used so we can resolve chains here, without depending on a
// specific backend or having circular dependencies
type RefContent func(name string) ([]byte, error)

// ResolveReference resolves symbolic references until it finds a
// reference that directly targets an object
func ResolveReference(name string, finder RefContent) (*Reference, error) {
	return resolveRefs(name, finder, 0)
}

func resolveRefs(name string, finder RefContent, depth int) (*Reference, error) {
	// We need to protect ourselves against circular references
	// Ex: refs/heads/master is a ref to refs/heads/a which is a ref to
	// refs/heads/master
	if depth >= MaxSymbolicRefDepth {
		return nil, fmt.Errorf("reached depth %d resolving %q: %w", depth, name, ErrRefDepthExceeded)
	}

	if !IsRefNameValid(name) {
		return nil, fmt.Errorf("ref %q: %w", name, ErrRefNameInvalid)
	}

	data, err := finder(name)
	if err != nil {
		return nil, err
	}
	data = bytes.Trim(data, " \n")

	// we're expecting at the very least 6 chars:
	// "ref: " followed by a ref
	if len(data) < 6 {
		return nil, ErrRefInvalid
	}

	// if the reference is symbolic, we need to follow it to get the target
	if string(data[0:5]) == "ref: " {
		symbolicTarget := string(data[5:])
		ref, err := resolveRefs(symbolicTarget, finder, depth+1)
		if err != nil {
			return nil, err
		}
		return &Reference{
			typ:    SymbolicReference,
			name:   name,
			id:     ref.id,
			target: symbolicTarget,
		}, nil
	}

	oid, err := NewOidFromChars(data)
	if err != nil {
		return nil, ErrRefInvalid
	}
	return &Reference{
		typ:  OidReference,
		name: name,
		id:   oid,
	}, nil
}

// NewReference returns a new Reference object that targets
// an object
func NewReference(name string, target Oid) *Reference {
	return &Reference{
		typ:  OidReference,
		name: name,
		id:   target,
	}
}

// NewPeeledReference returns a new Reference to an annotated tag that
// also carries the oid the tag resolves to (its "peeled" value, found
// on ^ lines of the packed-refs file)
func NewPeeledReference(name string, target, peeled Oid) *Reference {
	return &Reference{
		typ:    OidReference,
		name:   name,
		id:     target,
		peeled: peeled,
	}
}

// NewSymbolicReference returns a new Reference object that targets
// another reference.
// Example: HEAD targeting refs/heads/master
func NewSymbolicReference(name, target string) *Reference {
	return &Reference{
		typ:    SymbolicReference,
		name:   name,
		target: target,
	}
}

// Name returns the full name of the reference:
// example: refs/heads/master
func (ref *Reference) Name() string {
	return ref.name
}

// Target returns the ID targeted by a reference
func (ref *Reference) Target() Oid {
	return ref.id
}

// Peeled returns the ID an annotated tag reference resolves to.
// NullOid is returned if the peeled value isn't known
func (ref *Reference) Peeled() Oid {
	return ref.peeled
}

// Type returns the type of a reference
func (ref *Reference) Type() ReferenceType {
	return ref.typ
}

// SymbolicTarget returns the symbolic target of a reference
func (ref *Reference) SymbolicTarget() string {
	return ref.target
}

// IsRefNameValid returns whether the name of a reference is valid or not
// https://stackoverflow.com/a/12093994/382879
func IsRefNameValid(name string) bool {
	// the reference name cannot:
	// - be empty
	// - start by a "/"
	// - end by a "/"
	// - end by .
	if name == "" || name == "/" || name[len(name)-1] == '/' || name[len(name)-1] == '.' {
		return false
	}

	// the reference name cannot contain:
	// - *, ?, ~, :, ^, [, \
	// - @{ or ..
	// - a space
	// - an ASCII char below 32 or a DEL (ASCII 127)
	for i, c := range name {
		if c < 32 || c == 127 {
			return false
		}
		if c == '*' || c == '?' || c == '~' || c == '^' {
			return false
		}
		if c == ' ' || c == '[' || c == '\\' || c == ':' {
			return false
		}
		if i < len(name)-1 {
			substr := name[i : i+2]
			if substr == "@{" || substr == ".." {
				return false
			}
		}
	}

	segments := strings.Split(name, "/")
	for _, s := range segments {
		// a segment cannot:
		// - be empty
		// - start by a dot
		// - end by a dot
		// - end by ".lock"
		if s == "" || s[0] == '.' || s[len(s)-1] == '.' || strings.HasSuffix(s, ".lock") {
			return false
		}
	}

	return true
}
