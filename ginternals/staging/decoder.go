package staging

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/goabstract/gitcore/ginternals"
	"github.com/goabstract/gitcore/ginternals/object"
)

// The index file layout (version 2):
//
// Header: 12 bytes
//         The first 4 bytes contain the magic ('D', 'I', 'R', 'C')
//         The next 4 bytes contain the version (0, 0, 0, 2)
//         The last 4 bytes contain the number of entries
// Entries: variable size, sorted by (path, stage)
//         Each entry carries 62 bytes of stat data and flags, then
//         the path, then 1 to 8 NUL bytes padding the whole entry to
//         an 8-byte boundary
// Extensions: variable size, optional. 4-byte signature, 4-byte
//         size, payload. Signatures starting with an uppercase
//         letter are optional and may be skipped
// Footer: 20 bytes - the sha1 of everything before it
const (
	indexVersion    = 2
	entryFixedSize  = 62
	flagAssumeValid = 0x8000
	flagExtended    = 0x4000
	flagStageMask   = 0x3000
	flagNameMask    = 0x0fff
)

func indexMagic() []byte {
	return []byte{'D', 'I', 'R', 'C'}
}

// Decode parses a whole index file.
// The trailing checksum is always verified
func Decode(data []byte) (*Index, error) {
	if len(data) < 12+ginternals.OidSize {
		return nil, fmt.Errorf("file is %d bytes: %w", len(data), ErrIndexCorrupted)
	}

	body := data[:len(data)-ginternals.OidSize]
	sum := ginternals.NewOidFromContent(body)
	stored, err := ginternals.NewOidFromHex(data[len(data)-ginternals.OidSize:])
	if err != nil || stored != sum {
		return nil, fmt.Errorf("stored checksum doesn't match content: %w", ErrIndexChecksum)
	}

	if !bytes.Equal(body[0:4], indexMagic()) {
		return nil, fmt.Errorf("invalid magic: %w", ErrIndexCorrupted)
	}
	version := binary.BigEndian.Uint32(body[4:8])
	if version != indexVersion {
		return nil, fmt.Errorf("version %d: %w", version, ErrIndexVersion)
	}
	count := binary.BigEndian.Uint32(body[8:12])

	idx := New()
	idx.checksum = sum

	offset := 12
	for i := uint32(0); i < count; i++ {
		if offset+entryFixedSize > len(body) {
			return nil, fmt.Errorf("entry %d is truncated: %w", i, ErrIndexCorrupted)
		}
		fixed := body[offset : offset+entryFixedSize]

		e := Entry{
			CTime: statTime(fixed[0:8]),
			MTime: statTime(fixed[8:16]),
			Dev:   binary.BigEndian.Uint32(fixed[16:20]),
			Ino:   binary.BigEndian.Uint32(fixed[20:24]),
			Mode:  object.TreeObjectMode(binary.BigEndian.Uint32(fixed[24:28])),
			UID:   binary.BigEndian.Uint32(fixed[28:32]),
			GID:   binary.BigEndian.Uint32(fixed[32:36]),
			Size:  binary.BigEndian.Uint32(fixed[36:40]),
		}
		e.ID, err = ginternals.NewOidFromHex(fixed[40:60])
		if err != nil {
			return nil, fmt.Errorf("entry %d has an invalid oid: %w", i, ErrIndexCorrupted)
		}

		flags := binary.BigEndian.Uint16(fixed[60:62])
		if flags&flagExtended != 0 {
			return nil, fmt.Errorf("entry %d has the extended bit set in a v2 index: %w", i, ErrIndexCorrupted)
		}
		e.AssumeValid = flags&flagAssumeValid != 0
		e.Stage = Stage((flags & flagStageMask) >> 12)

		nameLen := int(flags & flagNameMask)
		pathStart := offset + entryFixedSize
		if nameLen == flagNameMask {
			// the length didn't fit in 12 bits, scan for the NUL
			end := bytes.IndexByte(body[pathStart:], 0)
			if end < 0 {
				return nil, fmt.Errorf("entry %d has no path terminator: %w", i, ErrIndexCorrupted)
			}
			nameLen = end
		}
		if pathStart+nameLen > len(body) {
			return nil, fmt.Errorf("entry %d has a truncated path: %w", i, ErrIndexCorrupted)
		}
		e.Path = string(body[pathStart : pathStart+nameLen])

		// entries are padded with NULs to the next 8-byte boundary,
		// with at least one NUL terminating the path
		entrySize := entryFixedSize + nameLen
		entrySize += 8 - entrySize%8
		offset += entrySize
		if offset > len(body) {
			return nil, fmt.Errorf("entry %d overruns the file: %w", i, ErrIndexCorrupted)
		}

		idx.setUnsafe(e)
	}

	// Whatever follows the entries is extensions. We don't use any,
	// and optional ones are safe to ignore wholesale
	return idx, nil
}

func statTime(b []byte) time.Time {
	sec := binary.BigEndian.Uint32(b[0:4])
	nsec := binary.BigEndian.Uint32(b[4:8])
	if sec == 0 && nsec == 0 {
		return time.Time{}
	}
	return time.Unix(int64(sec), int64(nsec))
}
