package packfile

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zlib"

	"github.com/goabstract/gitcore/ginternals"
	"github.com/goabstract/gitcore/ginternals/object"
)

// Writer builds a packfile in memory, entry by entry, and generates
// its sidecar index.
//
// Entries must be appended bases-first: a delta can only reference a
// base that has already been written (OFS deltas encode a negative
// offset, REF deltas a raw oid that readers resolve through the
// index)
type Writer struct {
	buf     bytes.Buffer
	offsets map[ginternals.Oid]uint64
	entries []IndexEntry
	count   uint32
	closed  bool
}

// NewWriter returns a Writer for a packfile holding objectCount
// entries. The count is part of the header and cannot change once
// writing started
func NewWriter(objectCount uint32) *Writer {
	w := &Writer{
		offsets: map[ginternals.Oid]uint64{},
		count:   objectCount,
	}
	w.buf.Write(packfileMagic())
	w.buf.Write(packfileVersion())
	var count [4]byte
	binary.BigEndian.PutUint32(count[:], objectCount)
	w.buf.Write(count[:])
	return w
}

// Offset returns the offset at which the entry of oid starts.
// The second value says whether the oid has been written at all
func (w *Writer) Offset(oid ginternals.Oid) (uint64, bool) {
	off, ok := w.offsets[oid]
	return off, ok
}

// WriteObject appends a non-delta entry holding the full content of
// the object
func (w *Writer) WriteObject(oid ginternals.Oid, typ object.Type, content []byte) (offset uint64, err error) {
	if typ.IsDelta() {
		return 0, fmt.Errorf("a full object cannot have a delta type: %w", ginternals.ErrInvalidArgument)
	}
	return w.writeEntry(oid, typ, content, nil, 0)
}

// WriteOfsDelta appends a deltified entry referencing its base by
// relative offset. The base must already be in this packfile
func (w *Writer) WriteOfsDelta(oid, baseOid ginternals.Oid, deltaBuf []byte) (offset uint64, err error) {
	baseOffset, ok := w.offsets[baseOid]
	if !ok {
		return 0, fmt.Errorf("base %s has not been written yet: %w", baseOid.String(), ErrDeltaBaseMissing)
	}
	return w.writeEntry(oid, object.ObjectDeltaOFS, deltaBuf, nil, baseOffset)
}

// WriteRefDelta appends a deltified entry referencing its base by
// oid. The base may live anywhere in the odb
func (w *Writer) WriteRefDelta(oid, baseOid ginternals.Oid, deltaBuf []byte) (offset uint64, err error) {
	base := baseOid
	return w.writeEntry(oid, object.ObjectDeltaRef, deltaBuf, &base, 0)
}

func (w *Writer) writeEntry(oid ginternals.Oid, typ object.Type, content []byte, refBase *ginternals.Oid, baseOffset uint64) (offset uint64, err error) {
	if w.closed {
		return 0, fmt.Errorf("packfile already finalized: %w", ginternals.ErrInvalidArgument)
	}
	if uint32(len(w.entries)) >= w.count {
		return 0, fmt.Errorf("all %d advertised entries have been written: %w", w.count, ginternals.ErrInvalidArgument)
	}

	offset = uint64(w.buf.Len())

	entry := appendEntryHeader(nil, byte(typ), uint64(len(content)))
	switch {
	case refBase != nil:
		entry = append(entry, refBase.Bytes()...)
	case typ == object.ObjectDeltaOFS:
		entry = appendDeltaOffset(entry, offset-baseOffset)
	}

	var deflated bytes.Buffer
	zw := zlib.NewWriter(&deflated)
	if _, err = zw.Write(content); err != nil {
		return 0, fmt.Errorf("could not deflate entry %s: %w", oid.String(), err)
	}
	if err = zw.Close(); err != nil {
		return 0, fmt.Errorf("could not finish deflating entry %s: %w", oid.String(), err)
	}
	entry = append(entry, deflated.Bytes()...)

	w.buf.Write(entry)
	w.offsets[oid] = offset
	w.entries = append(w.entries, IndexEntry{
		Oid:    oid,
		Offset: offset,
		CRC:    crcOf(entry),
	})
	return offset, nil
}

// Finalize appends the trailer and generates the index.
// It returns the packfile bytes, the index bytes, and the id of the
// packfile (its trailing checksum, used to name the files on disk)
func (w *Writer) Finalize() (pack, index []byte, id ginternals.Oid, err error) {
	if w.closed {
		return nil, nil, ginternals.NullOid, fmt.Errorf("packfile already finalized: %w", ginternals.ErrInvalidArgument)
	}
	if uint32(len(w.entries)) != w.count {
		return nil, nil, ginternals.NullOid, fmt.Errorf("wrote %d of %d advertised entries: %w", len(w.entries), w.count, ginternals.ErrInvalidArgument)
	}
	w.closed = true

	id = ginternals.NewOidFromContent(w.buf.Bytes())
	w.buf.Write(id.Bytes())

	index, err = GenerateIndex(w.entries, id)
	if err != nil {
		return nil, nil, ginternals.NullOid, fmt.Errorf("could not generate the index: %w", err)
	}
	return w.buf.Bytes(), index, id, nil
}

// Name returns the canonical file name (without extension) of a
// packfile with the given id: pack-<sha>
func Name(id ginternals.Oid) string {
	return "pack-" + id.String()
}
