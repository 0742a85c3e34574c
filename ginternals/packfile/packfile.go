package packfile

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/zlib"

	"github.com/goabstract/gitcore/ginternals"
	"github.com/goabstract/gitcore/ginternals/delta"
	"github.com/goabstract/gitcore/ginternals/object"
	"github.com/spf13/afero"
)

const (
	// packfileHeaderSize contains the size of the header of a packfile.
	// The first 4 bytes contain the magic, the 4 next bytes contain the
	// version, and the last 4 bytes contain the number of objects in
	// the packfile, for a total of 12 bytes
	packfileHeaderSize = 12
)

func packfileMagic() []byte {
	return []byte{'P', 'A', 'C', 'K'}
}

func packfileVersion() []byte {
	return []byte{0, 0, 0, 2}
}

// Options tunes how a Pack resolves its entries
type Options struct {
	// MaxChainDepth bounds the number of delta hops followed before
	// an entry is declared unreadable.
	// Defaults to DefaultMaxChainDepth
	MaxChainDepth int
	// CheckCRC re-checksums the raw bytes of every entry read and
	// compares them against the index
	CheckCRC bool
}

// Pack represents a packfile and its sidecar index.
//
// The packfile contains a 12-byte header (magic, version, object
// count), one entry per object, and a 20-byte trailer holding the
// sha1 of everything before it.
//
// Each entry starts with a varint carrying the object type and its
// inflated size, optionally followed by delta-base info (a negative
// offset for OFS deltas, a raw oid for REF deltas), followed by the
// zlib-deflated content
type Pack struct {
	r       afero.File
	idxFile afero.File
	idx     *PackIndex
	header  [packfileHeaderSize]byte
	id      ginternals.Oid
	opts    Options

	// Mutex used to protect the exported methods from being called
	// concurrently
	mu sync.Mutex
}

// NewFromFile returns a pack object from the given file.
// The pack will need to be closed using Close()
func NewFromFile(fs afero.Fs, filePath string) (*Pack, error) {
	return NewFromFileWithOptions(fs, filePath, Options{})
}

// NewFromFileWithOptions returns a pack object from the given file
// using the provided options
func NewFromFileWithOptions(fs afero.Fs, filePath string, opts Options) (pack *Pack, err error) {
	if opts.MaxChainDepth <= 0 {
		opts.MaxChainDepth = DefaultMaxChainDepth
	}

	f, err := fs.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %w", filePath, err)
	}
	defer func() {
		if err != nil {
			f.Close() //nolint:errcheck // it already failed
		}
	}()

	p := &Pack{
		r:    f,
		opts: opts,
	}

	// Let's validate the header
	if _, err = f.ReadAt(p.header[:], 0); err != nil {
		return nil, fmt.Errorf("could not read header of packfile: %w", err)
	}
	if !bytes.Equal(p.header[0:4], packfileMagic()) {
		return nil, fmt.Errorf("invalid header: %w", ErrInvalidMagic)
	}
	if !bytes.Equal(p.header[4:8], packfileVersion()) {
		return nil, fmt.Errorf("invalid header: %w", ErrInvalidVersion)
	}

	// Now we load the index file
	indexFilePath := strings.TrimSuffix(filePath, ExtPackfile) + ExtIndex
	p.idxFile, err = fs.Open(indexFilePath)
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %w", indexFilePath, err)
	}
	defer func() {
		if err != nil {
			p.idxFile.Close() //nolint:errcheck // it already failed
		}
	}()
	p.idx, err = NewIndex(bufio.NewReader(p.idxFile))
	if err != nil {
		return nil, fmt.Errorf("could not parse index %s: %w", indexFilePath, err)
	}

	return p, nil
}

// rawEntry is a packfile entry as stored on disk, before any delta
// resolution
type rawEntry struct {
	typ        object.Type
	content    []byte
	baseOid    ginternals.Oid
	baseOffset uint64
	size       int64
}

// readRawEntry reads the entry starting at the given offset, leaving
// deltas unresolved
func (pck *Pack) readRawEntry(objectOffset uint64) (*rawEntry, error) {
	if _, err := pck.r.Seek(int64(objectOffset), io.SeekStart); err != nil {
		return nil, fmt.Errorf("could not seek to object offset %d: %w", objectOffset, err)
	}
	buf := bufio.NewReader(pck.r)

	// The metadata of an entry is 1 to 10 bytes:
	// The first byte contains a MSB, the object type on 3 bits, and
	// the low 4 bits of the size. Each following byte contains a MSB
	// and 7 more bits of size, little-endian, while the previous
	// byte's MSB was set
	metadata, err := buf.Peek(10)
	if err != nil && len(metadata) == 0 {
		return nil, fmt.Errorf("could not get object metadata at %d: %w", objectOffset, ErrTruncatedEntry)
	}

	typ := object.Type((metadata[0] >> 4) & 0x07)
	if !typ.IsValid() {
		return nil, fmt.Errorf("unknown object type %d at offset %d: %w", typ, objectOffset, ginternals.ErrObjectCorrupted)
	}

	size := uint64(metadata[0] & 0x0f)
	metadataSize := 1
	if metadata[0] >= 0x80 {
		rest, read, err := readVarintSize(metadata[1:])
		if err != nil {
			return nil, fmt.Errorf("couldn't read object size at %d: %w", objectOffset, err)
		}
		metadataSize += read
		size |= rest << 4
	}
	if _, err = buf.Discard(metadataSize); err != nil {
		return nil, fmt.Errorf("could not skip the metadata: %w", err)
	}

	entry := &rawEntry{
		typ:  typ,
		size: int64(size),
	}

	// Deltified entries carry their base info before the content:
	// REF deltas store the raw oid of the base, OFS deltas store a
	// negative offset to the base within the same packfile
	switch typ { //nolint:exhaustive // only 2 types carry base info
	case object.ObjectDeltaRef:
		baseOid := make([]byte, ginternals.OidSize)
		if _, err = io.ReadFull(buf, baseOid); err != nil {
			return nil, fmt.Errorf("could not get base object oid: %w", ErrTruncatedEntry)
		}
		entry.baseOid, err = ginternals.NewOidFromHex(baseOid)
		if err != nil {
			return nil, fmt.Errorf("could not parse base object oid %#v: %w", baseOid, err)
		}
	case object.ObjectDeltaOFS:
		offsetParts, err := buf.Peek(9)
		if err != nil && len(offsetParts) == 0 {
			return nil, fmt.Errorf("could not get base object offset: %w", ErrTruncatedEntry)
		}
		negOffset, read, err := readDeltaOffset(offsetParts)
		if err != nil {
			return nil, fmt.Errorf("couldn't read base object offset: %w", err)
		}
		if negOffset > objectOffset {
			return nil, fmt.Errorf("base offset %d points before the packfile: %w", negOffset, ginternals.ErrObjectCorrupted)
		}
		entry.baseOffset = objectOffset - negOffset
		if _, err = buf.Discard(read); err != nil {
			return nil, fmt.Errorf("could not skip the offset: %w", err)
		}
	}

	// The content is zlib deflated
	zlibR, err := zlib.NewReader(buf)
	if err != nil {
		return nil, fmt.Errorf("could not get zlib reader: %w", err)
	}
	defer zlibR.Close() //nolint:errcheck // only reads happened

	var content bytes.Buffer
	if _, err = io.Copy(&content, zlibR); err != nil {
		return nil, fmt.Errorf("could not decompress entry at %d: %w", objectOffset, err)
	}
	if uint64(content.Len()) != size {
		return nil, fmt.Errorf("entry at %d advertises %d bytes but has %d: %w", objectOffset, size, content.Len(), ginternals.ErrObjectCorrupted)
	}
	entry.content = content.Bytes()
	return entry, nil
}

// getObjectAt returns the fully-resolved object located at the given
// offset. visited carries the offsets already crossed while following
// a delta chain so cycles are detected
func (pck *Pack) getObjectAt(oid ginternals.Oid, objectOffset uint64, depth int, visited map[uint64]struct{}) (*object.Object, error) {
	if depth > pck.opts.MaxChainDepth {
		return nil, fmt.Errorf("chain deeper than %d: %w", pck.opts.MaxChainDepth, delta.ErrChainTooDeep)
	}
	if _, ok := visited[objectOffset]; ok {
		return nil, fmt.Errorf("offset %d already visited: %w", objectOffset, delta.ErrDeltaCycle)
	}
	visited[objectOffset] = struct{}{}

	entry, err := pck.readRawEntry(objectOffset)
	if err != nil {
		return nil, err
	}

	// If the object is not deltified, we don't have anything to do
	if !entry.typ.IsDelta() {
		if oid != ginternals.NullOid {
			return object.NewWithID(oid, entry.typ, entry.content), nil
		}
		return object.New(entry.typ, entry.content), nil
	}

	// We retrieve the base object
	var base *object.Object
	if entry.typ == object.ObjectDeltaRef {
		baseOffset, err := pck.idx.GetObjectOffset(entry.baseOid)
		if err != nil {
			// The base may live outside this packfile (thin packs,
			// loose objects). The caller has the full odb, we don't
			return nil, fmt.Errorf("base %s of %s: %w", entry.baseOid.String(), oid.String(), ErrDeltaBaseMissing)
		}
		base, err = pck.getObjectAt(entry.baseOid, baseOffset, depth+1, visited)
		if err != nil {
			return nil, fmt.Errorf("could not get base object %s: %w", entry.baseOid.String(), err)
		}
	} else {
		base, err = pck.getObjectAt(ginternals.NullOid, entry.baseOffset, depth+1, visited)
		if err != nil {
			return nil, fmt.Errorf("could not get base object at offset %d: %w", entry.baseOffset, err)
		}
	}

	content, err := delta.Apply(base.Bytes(), entry.content)
	if err != nil {
		return nil, fmt.Errorf("could not apply delta at offset %d: %w", objectOffset, err)
	}
	if oid != ginternals.NullOid {
		return object.NewWithID(oid, base.Type(), content), nil
	}
	return object.New(base.Type(), content), nil
}

// checkCRC re-reads the raw bytes of the entry at the given offset
// and compares their checksum against the index
func (pck *Pack) checkCRC(oid ginternals.Oid, offset uint64) error {
	expected, err := pck.idx.GetObjectCRC(oid)
	if err != nil {
		return err
	}

	end, err := pck.entryEnd(offset)
	if err != nil {
		return err
	}
	raw := make([]byte, end-offset)
	if _, err := pck.r.ReadAt(raw, int64(offset)); err != nil {
		return fmt.Errorf("could not read the raw entry at %d: %w", offset, err)
	}
	if crcOf(raw) != expected {
		return fmt.Errorf("entry %s at offset %d: %w", oid.String(), offset, ErrCRCMismatch)
	}
	return nil
}

// entryEnd returns the offset right after the entry starting at
// offset: the start of the next entry, or the trailer
func (pck *Pack) entryEnd(offset uint64) (uint64, error) {
	stat, err := pck.r.Stat()
	if err != nil {
		return 0, fmt.Errorf("could not stat the packfile: %w", err)
	}
	end := uint64(stat.Size()) - ginternals.OidSize

	err = pck.idx.WalkOids(func(oid ginternals.Oid) error {
		off, err := pck.idx.GetObjectOffset(oid)
		if err != nil {
			return err
		}
		if off > offset && off < end {
			end = off
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return end, nil
}

// GetObject returns the object that has the given oid.
// ginternals.ErrObjectNotFound is returned when the packfile doesn't
// contain the object
func (pck *Pack) GetObject(oid ginternals.Oid) (*object.Object, error) {
	pck.mu.Lock()
	defer pck.mu.Unlock()

	objectOffset, err := pck.idx.GetObjectOffset(oid)
	if err != nil {
		return nil, err
	}
	if pck.opts.CheckCRC {
		if err := pck.checkCRC(oid, objectOffset); err != nil {
			return nil, err
		}
	}
	return pck.getObjectAt(oid, objectOffset, 0, map[uint64]struct{}{})
}

// RawEntryData describes a packfile entry as stored on disk, deltas
// left unresolved
type RawEntryData struct {
	// Type is the on-disk type, possibly a delta type
	Type object.Type
	// Content is the inflated entry body: the object content for a
	// full entry, the delta instructions for a deltified one
	Content []byte
	// BaseOid identifies the base of a REF delta
	BaseOid ginternals.Oid
	// BaseOffset locates the base of an OFS delta
	BaseOffset uint64
}

// RawEntry returns the on-disk entry of oid without resolving its
// delta chain. Callers that can reach bases outside this packfile
// (thin packs) use it to finish the resolution themselves
func (pck *Pack) RawEntry(oid ginternals.Oid) (*RawEntryData, error) {
	pck.mu.Lock()
	defer pck.mu.Unlock()

	offset, err := pck.idx.GetObjectOffset(oid)
	if err != nil {
		return nil, err
	}
	entry, err := pck.readRawEntry(offset)
	if err != nil {
		return nil, err
	}
	return &RawEntryData{
		Type:       entry.typ,
		Content:    entry.content,
		BaseOid:    entry.baseOid,
		BaseOffset: entry.baseOffset,
	}, nil
}

// HasObject returns whether the packfile contains the given oid
func (pck *Pack) HasObject(oid ginternals.Oid) bool {
	pck.mu.Lock()
	defer pck.mu.Unlock()

	return pck.idx.HasObject(oid)
}

// WalkOids runs f on every oid of the packfile
func (pck *Pack) WalkOids(f OidWalkFunc) error {
	pck.mu.Lock()
	defer pck.mu.Unlock()

	return pck.idx.WalkOids(f)
}

// ObjectCount returns the number of objects in the packfile
func (pck *Pack) ObjectCount() uint32 {
	return binary.BigEndian.Uint32(pck.header[8:])
}

// ID returns the ID of the packfile (the sha1 stored in its trailer)
func (pck *Pack) ID() (ginternals.Oid, error) {
	pck.mu.Lock()
	defer pck.mu.Unlock()

	if pck.id != ginternals.NullOid {
		return pck.id, nil
	}

	stat, err := pck.r.Stat()
	if err != nil {
		return ginternals.NullOid, fmt.Errorf("could not stat the packfile: %w", err)
	}
	id := make([]byte, ginternals.OidSize)
	if _, err = pck.r.ReadAt(id, stat.Size()-ginternals.OidSize); err != nil {
		return ginternals.NullOid, fmt.Errorf("could not read the ID: %w", err)
	}
	pck.id, err = ginternals.NewOidFromHex(id)
	if err != nil {
		return ginternals.NullOid, fmt.Errorf("could not generate oid from %v: %w", id, err)
	}
	return pck.id, nil
}

// VerifyTrailer re-hashes the whole packfile and compares the result
// against the stored trailer
func (pck *Pack) VerifyTrailer() error {
	pck.mu.Lock()
	defer pck.mu.Unlock()

	stat, err := pck.r.Stat()
	if err != nil {
		return fmt.Errorf("could not stat the packfile: %w", err)
	}
	bodySize := stat.Size() - ginternals.OidSize
	if bodySize < packfileHeaderSize {
		return fmt.Errorf("packfile is %d bytes: %w", stat.Size(), ErrTruncatedEntry)
	}

	if _, err = pck.r.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("could not rewind the packfile: %w", err)
	}
	body := make([]byte, bodySize)
	if _, err = io.ReadFull(pck.r, body); err != nil {
		return fmt.Errorf("could not read the packfile: %w", err)
	}
	trailer := make([]byte, ginternals.OidSize)
	if _, err = io.ReadFull(pck.r, trailer); err != nil {
		return fmt.Errorf("could not read the trailer: %w", err)
	}

	expected := ginternals.NewOidFromContent(body)
	got, err := ginternals.NewOidFromHex(trailer)
	if err != nil || got != expected {
		return fmt.Errorf("trailer %x does not match content: %w", trailer, ErrInvalidTrailer)
	}
	return nil
}

// Close frees the resources
func (pck *Pack) Close() error {
	pck.mu.Lock()
	defer pck.mu.Unlock()

	packErr := pck.r.Close()
	idxErr := pck.idxFile.Close()
	if packErr != nil {
		return packErr
	}
	return idxErr
}
