package object

import "github.com/goabstract/gitcore/ginternals"

// Blob represents a blob object
type Blob struct {
	rawObject *Object
}

// NewBlob returns a new Blob object from a git Object
func NewBlob(o *Object) *Blob {
	return &Blob{
		rawObject: o,
	}
}

// ID returns the blob's ID
func (b *Blob) ID() ginternals.Oid {
	return b.rawObject.ID()
}

// Bytes returns the blob's contents
func (b *Blob) Bytes() []byte {
	return b.rawObject.content
}

// BytesCopy returns a copy of the blob's contents
func (b *Blob) BytesCopy() []byte {
	out := make([]byte, len(b.rawObject.content))
	copy(out, b.rawObject.content)
	return out
}

// Size returns the size of the blob
func (b *Blob) Size() int {
	return len(b.rawObject.content)
}

// IsBinary reports whether the blob looks like binary data: git's
// heuristic is a NUL byte within the first 8000 bytes
func (b *Blob) IsBinary() bool {
	data := b.rawObject.content
	limit := len(data)
	if limit > 8000 {
		limit = 8000
	}
	for _, c := range data[:limit] {
		if c == 0 {
			return true
		}
	}
	return false
}

// ToObject returns the Blob's underlying Object
func (b *Blob) ToObject() *Object {
	return b.rawObject
}
