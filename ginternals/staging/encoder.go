package staging

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/goabstract/gitcore/ginternals"
)

// Encode serializes the index in version 2 format, trailing checksum
// included
func (idx *Index) Encode() ([]byte, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	buf := new(bytes.Buffer)
	buf.Write(indexMagic())

	var word [4]byte
	binary.BigEndian.PutUint32(word[:], indexVersion)
	buf.Write(word[:])
	binary.BigEndian.PutUint32(word[:], uint32(idx.entries.Size()))
	buf.Write(word[:])

	it := idx.entries.Iterator()
	for it.Next() {
		e := it.Value().(*Entry)
		if err := encodeEntry(buf, e); err != nil {
			return nil, err
		}
	}

	sum := ginternals.NewOidFromContent(buf.Bytes())
	buf.Write(sum.Bytes())
	return buf.Bytes(), nil
}

func encodeEntry(buf *bytes.Buffer, e *Entry) error {
	if len(e.Path) == 0 {
		return fmt.Errorf("entry has no path: %w", ginternals.ErrInvalidArgument)
	}

	start := buf.Len()

	writeStatTime(buf, e.CTime)
	writeStatTime(buf, e.MTime)

	var word [4]byte
	for _, v := range []uint32{e.Dev, e.Ino, uint32(e.Mode), e.UID, e.GID, e.Size} {
		binary.BigEndian.PutUint32(word[:], v)
		buf.Write(word[:])
	}

	buf.Write(e.ID.Bytes())

	flags := uint16(e.Stage&0x3) << 12
	if e.AssumeValid {
		flags |= flagAssumeValid
	}
	if len(e.Path) < flagNameMask {
		flags |= uint16(len(e.Path))
	} else {
		flags |= flagNameMask
	}
	var half [2]byte
	binary.BigEndian.PutUint16(half[:], flags)
	buf.Write(half[:])

	buf.WriteString(e.Path)

	// pad with NULs to the next 8-byte boundary; the path always gets
	// at least one terminating NUL
	entrySize := buf.Len() - start
	pad := 8 - entrySize%8
	for i := 0; i < pad; i++ {
		buf.WriteByte(0)
	}
	return nil
}

func writeStatTime(buf *bytes.Buffer, t time.Time) {
	var word [4]byte
	if t.IsZero() {
		buf.Write(word[:])
		buf.Write(word[:])
		return
	}
	binary.BigEndian.PutUint32(word[:], uint32(t.Unix()))
	buf.Write(word[:])
	binary.BigEndian.PutUint32(word[:], uint32(t.Nanosecond()))
	buf.Write(word[:])
}
