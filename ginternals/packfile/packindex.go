package packfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"sort"

	"github.com/goabstract/gitcore/ginternals"
)

const (
	fanoutEntries  = 256
	fanoutSize     = fanoutEntries * 4
	crcEntrySize   = 4
	offsetSize     = 4
	longOffsetSize = 8

	// longOffsetFlag is the MSB of a 4-byte offset. When set, the
	// remaining 31 bits index into the 8-byte long-offset table
	longOffsetFlag = uint32(1) << 31
)

// indexHeader represents the header of an index file:
// the first 4 bytes contain the magic, the 4 next bytes contain the
// version of the file. We only support version 2
func indexHeader() []byte {
	return []byte{0xff, 't', 'O', 'c', 0, 0, 0, 2}
}

// PackIndex represents a packfile's index file (.idx), version 2.
//
// The index contains a header, 5 layers, and a footer:
// header: 8 bytes - magic and version
// Layer1: 1024 bytes - 256 entries of 4 bytes. Entry i contains the
//         CUMULATIVE number of objects whose oid starts with a byte
//         <= i. The last entry is the total object count, and the
//         layer lets a lookup narrow its binary search to the objects
//         sharing the first oid byte.
// Layer2: n*20 bytes - the sorted oids of all the objects
// Layer3: n*4 bytes - a CRC32 per object, covering the raw entry
//         bytes inside the packfile
// Layer4: n*4 bytes - the offset of each object in the packfile.
//         If the MSB is set, the remaining 31 bits index into layer5
// Layer5: m*8 bytes - 8-byte offsets for packfiles over 2GiB
// Footer: 40 bytes - the sha1 of the packfile, then the sha1 of the
//         index itself
//
// https://git-scm.com/docs/pack-format
type PackIndex struct {
	fanout  [fanoutEntries]uint32
	oids    []ginternals.Oid
	crcs    []uint32
	offsets []uint64

	packID ginternals.Oid
}

// NewIndex parses a version-2 index file
func NewIndex(r io.Reader) (*PackIndex, error) {
	header := make([]byte, len(indexHeader()))
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("could not read header of index file: %w", err)
	}
	if !bytes.Equal(header[:4], indexHeader()[:4]) {
		return nil, fmt.Errorf("invalid header: %w", ErrInvalidMagic)
	}
	if !bytes.Equal(header[4:], indexHeader()[4:]) {
		return nil, fmt.Errorf("invalid header: %w", ErrInvalidVersion)
	}

	idx := &PackIndex{}

	buf := make([]byte, fanoutSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("could not read the fanout table: %w", err)
	}
	for i := 0; i < fanoutEntries; i++ {
		idx.fanout[i] = binary.BigEndian.Uint32(buf[i*4:])
		if i > 0 && idx.fanout[i] < idx.fanout[i-1] {
			return nil, fmt.Errorf("fanout table is not cumulative: %w", ginternals.ErrObjectCorrupted)
		}
	}
	count := int(idx.fanout[fanoutEntries-1])

	// Layer2: the sorted oids
	idx.oids = make([]ginternals.Oid, count)
	oidBuf := make([]byte, ginternals.OidSize)
	for i := 0; i < count; i++ {
		if _, err := io.ReadFull(r, oidBuf); err != nil {
			return nil, fmt.Errorf("could not read the oid at position %d: %w", i, err)
		}
		oid, err := ginternals.NewOidFromHex(oidBuf)
		if err != nil {
			return nil, fmt.Errorf("invalid oid at position %d: %w", i, err)
		}
		idx.oids[i] = oid
	}

	// Layer3: the CRCs
	idx.crcs = make([]uint32, count)
	crcBuf := make([]byte, crcEntrySize)
	for i := 0; i < count; i++ {
		if _, err := io.ReadFull(r, crcBuf); err != nil {
			return nil, fmt.Errorf("could not read the crc at position %d: %w", i, err)
		}
		idx.crcs[i] = binary.BigEndian.Uint32(crcBuf)
	}

	// Layer4: the short offsets. Entries with the MSB set point into
	// layer5, we patch them once layer5 is read
	idx.offsets = make([]uint64, count)
	var longIndexes []int
	offBuf := make([]byte, offsetSize)
	for i := 0; i < count; i++ {
		if _, err := io.ReadFull(r, offBuf); err != nil {
			return nil, fmt.Errorf("could not read the offset at position %d: %w", i, err)
		}
		entry := binary.BigEndian.Uint32(offBuf)
		if entry&longOffsetFlag != 0 {
			idx.offsets[i] = uint64(entry &^ longOffsetFlag)
			longIndexes = append(longIndexes, i)
			continue
		}
		idx.offsets[i] = uint64(entry)
	}

	// Layer5: the long offsets, only what layer4 pointed at
	if len(longIndexes) > 0 {
		maxRel := uint64(0)
		for _, i := range longIndexes {
			if idx.offsets[i] > maxRel {
				maxRel = idx.offsets[i]
			}
		}
		longBuf := make([]byte, (maxRel+1)*longOffsetSize)
		if _, err := io.ReadFull(r, longBuf); err != nil {
			return nil, fmt.Errorf("could not read the long-offset table: %w", err)
		}
		for _, i := range longIndexes {
			rel := idx.offsets[i]
			idx.offsets[i] = binary.BigEndian.Uint64(longBuf[rel*longOffsetSize:])
		}
	}

	// Footer: the sha1 of the packfile. The index's own sha1 follows
	// but we don't need to hold on to it
	if _, err := io.ReadFull(r, oidBuf); err != nil {
		return nil, fmt.Errorf("could not read the packfile checksum: %w", err)
	}
	idx.packID, _ = ginternals.NewOidFromHex(oidBuf)

	return idx, nil
}

// ObjectCount returns the number of objects the index covers
func (idx *PackIndex) ObjectCount() int {
	return len(idx.oids)
}

// PackID returns the checksum of the packfile the index describes
func (idx *PackIndex) PackID() ginternals.Oid {
	return idx.packID
}

// lookup returns the position of oid in the sorted table, or -1.
// The fanout narrows the binary search to the oids sharing the
// first byte
func (idx *PackIndex) lookup(oid ginternals.Oid) int {
	first := oid[0]
	lo := uint32(0)
	if first > 0 {
		lo = idx.fanout[first-1]
	}
	hi := idx.fanout[first]

	span := idx.oids[lo:hi]
	i := sort.Search(len(span), func(i int) bool {
		return bytes.Compare(span[i].Bytes(), oid.Bytes()) >= 0
	})
	if i < len(span) && span[i] == oid {
		return int(lo) + i
	}
	return -1
}

// HasObject returns whether the index covers the given oid
func (idx *PackIndex) HasObject(oid ginternals.Oid) bool {
	return idx.lookup(oid) >= 0
}

// GetObjectOffset returns the offset of oid in the packfile.
// ginternals.ErrObjectNotFound is returned if the object is not there
func (idx *PackIndex) GetObjectOffset(oid ginternals.Oid) (uint64, error) {
	i := idx.lookup(oid)
	if i < 0 {
		return 0, ginternals.ErrObjectNotFound
	}
	return idx.offsets[i], nil
}

// GetObjectCRC returns the expected checksum of the raw packed bytes
// of oid
func (idx *PackIndex) GetObjectCRC(oid ginternals.Oid) (uint32, error) {
	i := idx.lookup(oid)
	if i < 0 {
		return 0, ginternals.ErrObjectNotFound
	}
	return idx.crcs[i], nil
}

// WalkOids runs f on every oid of the index, in sorted order
func (idx *PackIndex) WalkOids(f OidWalkFunc) error {
	for _, oid := range idx.oids {
		if err := f(oid); err != nil {
			if err == OidWalkStop { //nolint:errorlint // it's a sentinel, not a wrapped error
				return nil
			}
			return err
		}
	}
	return nil
}

// IndexEntry is the data the index records for one packed object
type IndexEntry struct {
	Oid    ginternals.Oid
	Offset uint64
	CRC    uint32
}

// GenerateIndex serializes a version-2 index covering the provided
// entries, for the packfile with the given checksum.
// Entries may be given in any order
func GenerateIndex(entries []IndexEntry, packID ginternals.Oid) ([]byte, error) {
	sorted := make([]IndexEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].Oid.Bytes(), sorted[j].Oid.Bytes()) < 0
	})

	buf := new(bytes.Buffer)
	buf.Write(indexHeader())

	// Layer1: cumulative counts per first byte
	var fanout [fanoutEntries]uint32
	for _, e := range sorted {
		fanout[e.Oid[0]]++
	}
	cumul := uint32(0)
	for i := 0; i < fanoutEntries; i++ {
		cumul += fanout[i]
		if err := binary.Write(buf, binary.BigEndian, cumul); err != nil {
			return nil, fmt.Errorf("could not write the fanout table: %w", err)
		}
	}

	// Layer2: the sorted oids
	for _, e := range sorted {
		buf.Write(e.Oid.Bytes())
	}

	// Layer3: the CRCs
	for _, e := range sorted {
		if err := binary.Write(buf, binary.BigEndian, e.CRC); err != nil {
			return nil, fmt.Errorf("could not write the crc table: %w", err)
		}
	}

	// Layer4 and Layer5: short offsets, with an escape to the
	// long-offset table for offsets that don't fit in 31 bits
	var longOffsets []uint64
	for _, e := range sorted {
		if e.Offset <= uint64(longOffsetFlag-1) {
			if err := binary.Write(buf, binary.BigEndian, uint32(e.Offset)); err != nil {
				return nil, fmt.Errorf("could not write the offset table: %w", err)
			}
			continue
		}
		rel := uint32(len(longOffsets)) | longOffsetFlag
		if err := binary.Write(buf, binary.BigEndian, rel); err != nil {
			return nil, fmt.Errorf("could not write the offset table: %w", err)
		}
		longOffsets = append(longOffsets, e.Offset)
	}
	for _, off := range longOffsets {
		if err := binary.Write(buf, binary.BigEndian, off); err != nil {
			return nil, fmt.Errorf("could not write the long-offset table: %w", err)
		}
	}

	// Footer: the packfile sha1, then the sha1 of the index itself
	buf.Write(packID.Bytes())
	idxID := ginternals.NewOidFromContent(buf.Bytes())
	buf.Write(idxID.Bytes())

	return buf.Bytes(), nil
}

// crcOf computes the checksum the index records for an entry
func crcOf(raw []byte) uint32 {
	return crc32.ChecksumIEEE(raw)
}
