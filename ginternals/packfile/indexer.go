package packfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/goabstract/gitcore/ginternals"
	"github.com/goabstract/gitcore/ginternals/delta"
	"github.com/goabstract/gitcore/ginternals/object"
)

// IndexPack scans a raw packfile (as received from a clone or fetch)
// and computes the index entries a reader needs: every object's oid,
// offset, and crc. The pack must be self-contained: a REF delta
// pointing outside it is an error.
//
// The returned id is the pack's trailing checksum, after
// verification against the content
func IndexPack(data []byte) (entries []IndexEntry, id ginternals.Oid, err error) {
	if len(data) < packfileHeaderSize+ginternals.OidSize {
		return nil, ginternals.NullOid, fmt.Errorf("pack is %d bytes: %w", len(data), ErrTruncatedEntry)
	}
	if !bytes.Equal(data[0:4], packfileMagic()) {
		return nil, ginternals.NullOid, fmt.Errorf("invalid header: %w", ErrInvalidMagic)
	}
	if !bytes.Equal(data[4:8], packfileVersion()) {
		return nil, ginternals.NullOid, fmt.Errorf("invalid header: %w", ErrInvalidVersion)
	}

	body := data[:len(data)-ginternals.OidSize]
	id = ginternals.NewOidFromContent(body)
	stored, err := ginternals.NewOidFromHex(data[len(data)-ginternals.OidSize:])
	if err != nil || stored != id {
		return nil, ginternals.NullOid, fmt.Errorf("trailer doesn't match content: %w", ErrInvalidTrailer)
	}

	count := int(binary.BigEndian.Uint32(data[8:12]))

	type scanned struct {
		offset     uint64
		typ        object.Type
		content    []byte
		baseOid    ginternals.Oid
		baseOffset uint64
		crc        uint32
		oid        ginternals.Oid
		resolved   bool
	}

	items := make([]*scanned, 0, count)
	offset := uint64(packfileHeaderSize)
	for i := 0; i < count; i++ {
		if offset >= uint64(len(body)) {
			return nil, ginternals.NullOid, fmt.Errorf("entry %d starts past the trailer: %w", i, ErrTruncatedEntry)
		}
		item := &scanned{offset: offset}
		cursor := data[offset:]

		item.typ = object.Type((cursor[0] >> 4) & 0x07)
		if !item.typ.IsValid() {
			return nil, ginternals.NullOid, fmt.Errorf("unknown object type %d at offset %d: %w", item.typ, offset, ginternals.ErrObjectCorrupted)
		}
		size := uint64(cursor[0] & 0x0f)
		consumed := 1
		if cursor[0] >= 0x80 {
			rest, read, err := readVarintSize(cursor[1:])
			if err != nil {
				return nil, ginternals.NullOid, fmt.Errorf("couldn't read the size of entry %d: %w", i, err)
			}
			consumed += read
			size |= rest << 4
		}

		switch item.typ { //nolint:exhaustive // only 2 types carry base info
		case object.ObjectDeltaRef:
			if consumed+ginternals.OidSize > len(cursor) {
				return nil, ginternals.NullOid, fmt.Errorf("entry %d: %w", i, ErrTruncatedEntry)
			}
			item.baseOid, _ = ginternals.NewOidFromHex(cursor[consumed : consumed+ginternals.OidSize])
			consumed += ginternals.OidSize
		case object.ObjectDeltaOFS:
			neg, read, err := readDeltaOffset(cursor[consumed:])
			if err != nil {
				return nil, ginternals.NullOid, fmt.Errorf("couldn't read the base offset of entry %d: %w", i, err)
			}
			if neg > offset {
				return nil, ginternals.NullOid, fmt.Errorf("entry %d points before the pack: %w", i, ginternals.ErrObjectCorrupted)
			}
			item.baseOffset = offset - neg
			consumed += read
		}

		// the content is zlib deflated. bytes.Reader implements
		// io.ByteReader, so the inflater consumes exactly the
		// compressed bytes and the section length tells us where
		// the next entry starts
		section := bytes.NewReader(cursor[consumed:])
		sectionLen := section.Len()
		zr, err := zlib.NewReader(section)
		if err != nil {
			return nil, ginternals.NullOid, fmt.Errorf("entry %d: could not get zlib reader: %w", i, err)
		}
		var content bytes.Buffer
		if _, err = io.Copy(&content, zr); err != nil {
			zr.Close() //nolint:errcheck // it already failed
			return nil, ginternals.NullOid, fmt.Errorf("entry %d: could not decompress: %w", i, err)
		}
		if err = zr.Close(); err != nil {
			return nil, ginternals.NullOid, fmt.Errorf("entry %d: could not finish decompressing: %w", i, err)
		}
		if uint64(content.Len()) != size {
			return nil, ginternals.NullOid, fmt.Errorf("entry %d advertises %d bytes but has %d: %w", i, size, content.Len(), ginternals.ErrObjectCorrupted)
		}
		item.content = content.Bytes()

		consumed += sectionLen - section.Len()
		item.crc = crcOf(cursor[:consumed])
		offset += uint64(consumed)
		items = append(items, item)
	}

	// resolve the oids: full objects first, then delta chains as
	// their bases become known
	byOffset := make(map[uint64]*scanned, len(items))
	byOid := map[ginternals.Oid]*scanned{}
	for _, item := range items {
		byOffset[item.offset] = item
		if !item.typ.IsDelta() {
			item.oid = object.New(item.typ, item.content).ID()
			item.resolved = true
			byOid[item.oid] = item
		}
	}

	remaining := 0
	for _, item := range items {
		if !item.resolved {
			remaining++
		}
	}
	for remaining > 0 {
		progressed := false
		for _, item := range items {
			if item.resolved {
				continue
			}
			var base *scanned
			if item.typ == object.ObjectDeltaOFS {
				base = byOffset[item.baseOffset]
			} else {
				base = byOid[item.baseOid]
			}
			if base == nil {
				return nil, ginternals.NullOid, fmt.Errorf("entry at %d: %w", item.offset, ErrDeltaBaseMissing)
			}
			if !base.resolved {
				continue
			}

			content, err := delta.Apply(base.content, item.content)
			if err != nil {
				return nil, ginternals.NullOid, fmt.Errorf("entry at %d: %w", item.offset, err)
			}
			item.typ = base.typ
			item.content = content
			item.oid = object.New(item.typ, content).ID()
			item.resolved = true
			byOid[item.oid] = item
			progressed = true
			remaining--
		}
		if !progressed {
			return nil, ginternals.NullOid, fmt.Errorf("unresolvable delta chain: %w", delta.ErrDeltaCycle)
		}
	}

	entries = make([]IndexEntry, len(items))
	for i, item := range items {
		entries[i] = IndexEntry{
			Oid:    item.oid,
			Offset: item.offset,
			CRC:    item.crc,
		}
	}
	return entries, id, nil
}
