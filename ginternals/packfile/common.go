// Package packfile contains methods and structs to read and write
// packfiles and their indexes
package packfile

import (
	"errors"
	"fmt"

	"github.com/goabstract/gitcore/ginternals"
)

// list of file extensions
const (
	// ExtPackfile is the extension of a packfile
	ExtPackfile = ".pack"
	// ExtIndex is the extension of a packfile index
	ExtIndex = ".idx"
)

// DefaultMaxChainDepth bounds how many delta hops are followed before
// giving up on an entry
const DefaultMaxChainDepth = 50

var (
	// ErrIntOverflow is an error thrown when the packfile couldn't
	// be parsed because some data couldn't fit in an int64
	ErrIntOverflow = errors.New("int64 overflow")
	// ErrInvalidMagic is an error thrown when a file doesn't have
	// the expected magic.
	ErrInvalidMagic = errors.New("invalid magic")
	// ErrInvalidVersion is an error thrown when a file has an
	// unsupported version
	ErrInvalidVersion = errors.New("invalid version")
	// ErrInvalidTrailer is an error thrown when the trailing checksum
	// of a packfile doesn't match its content
	ErrInvalidTrailer = errors.New("invalid trailer")
	// ErrTruncatedEntry is an error thrown when an object entry stops
	// before its advertised end
	ErrTruncatedEntry = errors.New("truncated entry")
	// ErrDeltaBaseMissing is an error thrown when the base of a
	// deltified entry cannot be found
	ErrDeltaBaseMissing = errors.New("delta base missing")
	// ErrCRCMismatch is an error thrown when the on-disk bytes of an
	// entry don't match the checksum recorded in the index
	ErrCRCMismatch = errors.New("crc mismatch")
)

// OidWalkFunc represents a function that will be applied on all oids
// found by WalkOids()
type OidWalkFunc func(oid ginternals.Oid) error

// OidWalkStop is a fake error used to tell WalkOids() to stop
var OidWalkStop = errors.New("stop walking") //nolint:errname // it's a sentinel, not a failure

// readVarintSize reads the provided bytes to extract what's left of
// the size from an object metadata.
// The chunks of the size are little-endian encoded, 7 useful bits per
// byte, the MSB flagging that another byte follows.
// This method is only used to read the REMAINING parts of a size,
// after the 4 bits carried by the first metadata byte
func readVarintSize(data []byte) (size uint64, bytesRead int, err error) {
	for i, b := range data {
		bytesRead++

		chunk := uint64(b & 0x7f)
		size |= chunk << (7 * uint(i))

		if b < 0x80 {
			return size, bytesRead, nil
		}
		if bytesRead >= 9 {
			return 0, 0, ErrIntOverflow
		}
	}
	return 0, 0, fmt.Errorf("size has no final byte: %w", ErrTruncatedEntry)
}

// readDeltaOffset reads the provided bytes to extract a delta offset.
// The format of each byte is:
// - 1 bit (MSB) that flags that the next byte is part of the offset
// - 7 bits that contain a chunk of offset
// The offset is big-endian encoded, and every chunk beside the last
// one is stored off-by-one to save space
func readDeltaOffset(data []byte) (offset uint64, bytesRead int, err error) {
	for _, b := range data {
		bytesRead++

		chunk := uint64(b & 0x7f)
		// all the chunks beside the last one are stored -1
		if b >= 0x80 {
			chunk++
		}
		offset = offset<<7 + chunk

		if b < 0x80 {
			return offset, bytesRead, nil
		}
		if bytesRead >= 9 {
			return 0, 0, ErrIntOverflow
		}
	}
	return 0, 0, fmt.Errorf("offset has no final byte: %w", ErrTruncatedEntry)
}

// appendDeltaOffset encodes a relative offset the way OFS_DELTA
// entries expect it: big-endian, 7 bits per byte, every chunk but the
// last stored off-by-one, MSB set on all but the last byte
func appendDeltaOffset(out []byte, offset uint64) []byte {
	var tmp [10]byte
	i := len(tmp) - 1
	tmp[i] = byte(offset & 0x7f)
	for offset >>= 7; offset != 0; offset >>= 7 {
		offset--
		i--
		tmp[i] = byte(offset&0x7f) | 0x80
	}
	return append(out, tmp[i:]...)
}

// appendEntryHeader encodes the first bytes of a packfile entry: the
// object type on 3 bits and the object size as a varint whose first
// chunk is only 4 bits wide
func appendEntryHeader(out []byte, typ byte, size uint64) []byte {
	b := (typ << 4) | byte(size&0x0f)
	size >>= 4
	for size != 0 {
		out = append(out, b|0x80)
		b = byte(size & 0x7f)
		size >>= 7
	}
	return append(out, b)
}
