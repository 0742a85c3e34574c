// Package object contains methods and objects to work with git objects
package object

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/klauspost/compress/zlib"

	"github.com/goabstract/gitcore/ginternals"
	"github.com/goabstract/gitcore/internal/readutil"
)

var (
	// ErrObjectUnknown represents an error thrown when encountering an
	// unknown object
	ErrObjectUnknown = errors.New("invalid object type")

	// ErrObjectInvalid represents an error thrown when an object contains
	// unexpected data or when the wrong object is provided to a method.
	// Ex. Inserting an ObjectDeltaOFS in a tree
	ErrObjectInvalid = errors.New("invalid object")

	// ErrTypeMismatch represents an error thrown when a typed loader
	// gets an object of a different type
	ErrTypeMismatch = errors.New("object has a different type")

	// ErrTreeInvalid represents an error thrown when parsing an invalid
	// tree object
	ErrTreeInvalid = errors.New("invalid tree")

	// ErrCommitInvalid represents an error thrown when parsing an invalid
	// commit object
	ErrCommitInvalid = errors.New("invalid commit")

	// ErrTagInvalid represents an error thrown when parsing an invalid
	// tag object
	ErrTagInvalid = errors.New("invalid tag")
)

// Type represents the type of an object as stored in a packfile
type Type int8

// List of all the possible object types
const (
	TypeCommit Type = 1
	TypeTree   Type = 2
	TypeBlob   Type = 3
	TypeTag    Type = 4
	// 5 is reserved for future use
	ObjectDeltaOFS Type = 6
	ObjectDeltaRef Type = 7
)

func (t Type) String() string {
	switch t {
	case TypeCommit:
		return "commit"
	case TypeTree:
		return "tree"
	case TypeBlob:
		return "blob"
	case TypeTag:
		return "tag"
	case ObjectDeltaOFS:
		return "ofs-delta"
	case ObjectDeltaRef:
		return "ref-delta"
	default:
		panic(fmt.Sprintf("unknown object type %d", t))
	}
}

// IsValid checks if the object type is an existing type
func (t Type) IsValid() bool {
	switch t {
	case TypeCommit,
		TypeTree,
		TypeBlob,
		TypeTag,
		ObjectDeltaOFS,
		ObjectDeltaRef:
		return true
	default:
		return false
	}
}

// IsDelta returns whether the type represents a deltified entry of
// a packfile
func (t Type) IsDelta() bool {
	return t == ObjectDeltaOFS || t == ObjectDeltaRef
}

// NewTypeFromString returns a Type from its string representation
func NewTypeFromString(t string) (Type, error) {
	switch t {
	case "commit":
		return TypeCommit, nil
	case "tree":
		return TypeTree, nil
	case "blob":
		return TypeBlob, nil
	case "tag":
		return TypeTag, nil
	default:
		return 0, ErrObjectUnknown
	}
}

// Object represents a git object. An object can be of multiple types
// but they all share similarities (same storage system, same header,
// etc.).
// Objects are stored in .git/objects, and may be stored in a packfile
// (kind of an optimized git database) located in .git/objects/pack
// https://git-scm.com/book/en/v2/Git-Internals-Git-Objects
type Object struct {
	id      ginternals.Oid
	typ     Type
	content []byte

	idOnce sync.Once
}

// New creates a new git object of the given type.
// The ID of the object will be computed lazily
func New(typ Type, content []byte) *Object {
	return &Object{
		typ:     typ,
		content: content,
	}
}

// NewWithID creates a new git object of the given type with the given ID.
// No check is done on the provided ID
func NewWithID(id ginternals.Oid, typ Type, content []byte) *Object {
	o := &Object{
		id:      id,
		typ:     typ,
		content: content,
	}
	o.idOnce.Do(func() {})
	return o
}

// ID returns the ID of the object
func (o *Object) ID() ginternals.Oid {
	o.idOnce.Do(func() {
		o.id, _ = o.build()
	})
	return o.id
}

// Size returns the size of the object
func (o *Object) Size() int {
	return len(o.content)
}

// Type returns the Type for this object
func (o *Object) Type() Type {
	return o.typ
}

// Bytes returns the object's contents
func (o *Object) Bytes() []byte {
	return o.content
}

// Header returns the framing prepended to the object's content on
// disk: "<type> <size>\0"
func (o *Object) Header() []byte {
	header := make([]byte, 0, 32)
	header = append(header, o.typ.String()...)
	header = append(header, ' ')
	header = strconv.AppendInt(header, int64(len(o.content)), 10)
	header = append(header, 0)
	return header
}

func (o *Object) build() (oid ginternals.Oid, data []byte) {
	// Quick reminder that the Write* methods on bytes.Buffer never fail,
	// the error returned is always nil
	w := new(bytes.Buffer)
	w.Grow(len(o.content) + 32)
	w.Write(o.Header())
	w.Write(o.content)

	data = w.Bytes()
	oid = ginternals.NewOidFromContent(data)
	return oid, data
}

// Compress returns the object zlib compressed.
// The format of the compressed data is:
// [type] [size][NULL][content]
// The type in ascii, followed by a space, followed by the size in
// ascii, followed by a null character (0), followed by the object data
func (o *Object) Compress() (data []byte, err error) {
	_, framed := o.build()

	compressed := new(bytes.Buffer)
	zw := zlib.NewWriter(compressed)
	if _, err = zw.Write(framed); err != nil {
		zw.Close() //nolint:errcheck // it already failed
		return nil, fmt.Errorf("could not zlib the object: %w", err)
	}
	// the footer only lands on Close, the bytes are incomplete
	// before it
	if err = zw.Close(); err != nil {
		return nil, fmt.Errorf("could not finish compressing the object: %w", err)
	}
	return compressed.Bytes(), nil
}

// ParseHeader parses the "<type> <size>\0" framing found at the start
// of the provided buffer and returns the type and advertised size.
// Only the first 32 bytes are looked at
func ParseHeader(buf []byte) (typ Type, size int, headerLen int, err error) {
	limit := len(buf)
	if limit > 32 {
		limit = 32
	}
	if readutil.ReadTo(buf[:limit], 0) == nil {
		return 0, 0, 0, fmt.Errorf("no null char in the first 32 bytes: %w", ginternals.ErrObjectCorrupted)
	}

	rawType := readutil.ReadTo(buf, ' ')
	if rawType == nil {
		return 0, 0, 0, fmt.Errorf("no object type: %w", ginternals.ErrObjectCorrupted)
	}
	typ, err = NewTypeFromString(string(rawType))
	if err != nil {
		return 0, 0, 0, fmt.Errorf("unknown type %q: %w", rawType, ginternals.ErrObjectCorrupted)
	}

	offset := len(rawType) + 1
	rawSize := readutil.ReadTo(buf[offset:], 0)
	if rawSize == nil {
		return 0, 0, 0, fmt.Errorf("no object size: %w", ginternals.ErrObjectCorrupted)
	}
	size, err = strconv.Atoi(string(rawSize))
	if err != nil || size < 0 {
		return 0, 0, 0, fmt.Errorf("bad size %q: %w", rawSize, ginternals.ErrObjectCorrupted)
	}
	headerLen = offset + len(rawSize) + 1
	return typ, size, headerLen, nil
}

// NewFromFramed parses a framed loose object ("<type> <size>\0<content>",
// already inflated) and returns the Object it holds
func NewFromFramed(buf []byte) (*Object, error) {
	typ, size, headerLen, err := ParseHeader(buf)
	if err != nil {
		return nil, err
	}
	content := buf[headerLen:]
	if len(content) != size {
		return nil, fmt.Errorf("object advertises %d bytes but has %d: %w", size, len(content), ginternals.ErrObjectCorrupted)
	}
	return New(typ, content), nil
}

// AsBlob parses the object as Blob
func (o *Object) AsBlob() (*Blob, error) {
	if o.typ != TypeBlob {
		return nil, fmt.Errorf("type %s is not a blob: %w", o.typ, ErrTypeMismatch)
	}
	return NewBlob(o), nil
}

// AsTree parses the object as Tree
func (o *Object) AsTree() (*Tree, error) {
	return NewTreeFromObject(o)
}

// AsCommit parses the object as Commit
func (o *Object) AsCommit() (*Commit, error) {
	return NewCommitFromObject(o)
}

// AsTag parses the object as Tag
func (o *Object) AsTag() (*Tag, error) {
	return NewTagFromObject(o)
}
