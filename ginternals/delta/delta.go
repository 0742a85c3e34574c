// Package delta contains the binary delta engine: computing and
// applying git-compatible deltas, finding candidate bases, and
// deciding whether a delta is worth storing.
//
// The delta format is the one used inside packfiles:
// - A header with the size of the base and the size of the target,
//   both encoded as little-endian varints (7 bits per byte, MSB set
//   while more bytes follow)
// - A list of instructions. Each instruction starts with a command
//   byte. If its MSB is set it's a COPY, otherwise an INSERT.
//
// COPY: the low 7 bits of the command are a bitmap selecting which of
// 4 offset bytes and 3 size bytes follow (little-endian). A size of 0
// is read as 0x10000.
// INSERT: the low 7 bits are a count n in [1..127]; the next n bytes
// are appended to the output.
//
// https://github.com/git/git/blob/master/Documentation/gitformat-pack.txt
package delta

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidDelta is an error thrown when a delta buffer cannot
	// be applied to its base
	ErrInvalidDelta = errors.New("invalid delta")

	// ErrChainTooDeep is an error thrown when a delta chain exceeds
	// the configured maximum depth
	ErrChainTooDeep = errors.New("delta chain too deep")

	// ErrDeltaCycle is an error thrown when following a delta chain
	// comes back to an entry already visited
	ErrDeltaCycle = errors.New("delta chain contains a cycle")
)

const (
	// implicitCopySize is the value a COPY size of 0 decodes to
	implicitCopySize = 0x10000
	// maxCopySize is the largest size Compute puts in a single COPY
	// instruction; longer matches are split over several COPYs
	maxCopySize = 0xffff
	// maxInsertSize is the largest run a single INSERT instruction
	// can carry
	maxInsertSize = 127
)

// ReadVarint decodes a little-endian size varint (7 bits per byte)
// and returns the value and the number of bytes read
func ReadVarint(data []byte) (value uint64, bytesRead int, err error) {
	shift := uint(0)
	for i, b := range data {
		value |= uint64(b&0x7f) << shift
		shift += 7
		if b < 0x80 {
			return value, i + 1, nil
		}
		if shift > 63 {
			return 0, 0, fmt.Errorf("varint overflows an int64: %w", ErrInvalidDelta)
		}
	}
	return 0, 0, fmt.Errorf("varint has no final byte: %w", ErrInvalidDelta)
}

// AppendVarint appends the little-endian varint encoding of value
// to out
func AppendVarint(out []byte, value uint64) []byte {
	for value >= 0x80 {
		out = append(out, byte(value)|0x80)
		value >>= 7
	}
	return append(out, byte(value))
}

// Sizes decodes the header of a delta buffer and returns the expected
// base and target sizes
func Sizes(delta []byte) (baseSize, targetSize uint64, err error) {
	baseSize, n, err := ReadVarint(delta)
	if err != nil {
		return 0, 0, fmt.Errorf("couldn't read the base size: %w", err)
	}
	targetSize, _, err = ReadVarint(delta[n:])
	if err != nil {
		return 0, 0, fmt.Errorf("couldn't read the target size: %w", err)
	}
	return baseSize, targetSize, nil
}

// Apply rebuilds a target buffer from its base and a delta.
// The delta is fully validated: a truncated instruction, an
// out-of-bound copy, or a size mismatch all return ErrInvalidDelta
func Apply(base, delta []byte) ([]byte, error) {
	baseSize, read, err := ReadVarint(delta)
	if err != nil {
		return nil, fmt.Errorf("couldn't read the base size: %w", err)
	}
	if baseSize != uint64(len(base)) {
		return nil, fmt.Errorf("delta expects a base of %d bytes, got %d: %w", baseSize, len(base), ErrInvalidDelta)
	}
	delta = delta[read:]

	targetSize, read, err := ReadVarint(delta)
	if err != nil {
		return nil, fmt.Errorf("couldn't read the target size: %w", err)
	}
	delta = delta[read:]

	out := make([]byte, 0, targetSize)
	for i := 0; i < len(delta); {
		cmd := delta[i]
		i++

		switch {
		case cmd >= 0x80: // COPY
			var offset, size uint64
			// the low 4 bits say which offset bytes follow,
			// the next 3 bits say which size bytes follow
			for bit := uint(0); bit < 4; bit++ {
				if cmd&(1<<bit) != 0 {
					if i >= len(delta) {
						return nil, fmt.Errorf("truncated copy offset: %w", ErrInvalidDelta)
					}
					offset |= uint64(delta[i]) << (8 * bit)
					i++
				}
			}
			for bit := uint(0); bit < 3; bit++ {
				if cmd&(0x10<<bit) != 0 {
					if i >= len(delta) {
						return nil, fmt.Errorf("truncated copy size: %w", ErrInvalidDelta)
					}
					size |= uint64(delta[i]) << (8 * bit)
					i++
				}
			}
			if size == 0 {
				size = implicitCopySize
			}

			if offset+size > uint64(len(base)) {
				return nil, fmt.Errorf("copy of %d bytes at %d overruns a %d-byte base: %w", size, offset, len(base), ErrInvalidDelta)
			}
			if uint64(len(out))+size > targetSize {
				return nil, fmt.Errorf("output would exceed the advertised %d bytes: %w", targetSize, ErrInvalidDelta)
			}
			out = append(out, base[offset:offset+size]...)

		default: // INSERT
			size := int(cmd)
			if size == 0 {
				return nil, fmt.Errorf("insert of 0 bytes: %w", ErrInvalidDelta)
			}
			if i+size > len(delta) {
				return nil, fmt.Errorf("truncated insert of %d bytes: %w", size, ErrInvalidDelta)
			}
			if uint64(len(out))+uint64(size) > targetSize {
				return nil, fmt.Errorf("output would exceed the advertised %d bytes: %w", targetSize, ErrInvalidDelta)
			}
			out = append(out, delta[i:i+size]...)
			i += size
		}
	}

	if uint64(len(out)) != targetSize {
		return nil, fmt.Errorf("output has %d bytes, delta advertised %d: %w", len(out), targetSize, ErrInvalidDelta)
	}
	return out, nil
}

// ComputeOptions tunes the block-matching of Compute
type ComputeOptions struct {
	// BlockSize is the granularity at which the base is indexed
	BlockSize int
	// MaxOffsetsPerBlock bounds how many base positions are kept for
	// a single fingerprint (the earliest ones, on repeated content)
	MaxOffsetsPerBlock int
}

// DefaultComputeOptions returns the options used when none are given
func DefaultComputeOptions() ComputeOptions {
	return ComputeOptions{
		BlockSize:          16,
		MaxOffsetsPerBlock: 10,
	}
}

// Compute returns a delta transforming base into target.
// The base is indexed in fixed-size blocks; for each position of the
// target, the index is probed for a match which is then extended as
// far as possible and emitted as a COPY. Unmatched bytes accumulate
// into INSERT runs, flushed every 127 bytes.
//
// A delta always reproduces the target exactly; whether it is worth
// storing is the decision strategy's call, not ours
func Compute(base, target []byte) []byte {
	return ComputeWithOptions(base, target, DefaultComputeOptions())
}

// ComputeWithOptions is Compute with explicit tuning
func ComputeWithOptions(base, target []byte, opts ComputeOptions) []byte {
	if opts.BlockSize <= 0 {
		opts.BlockSize = 16
	}
	if opts.MaxOffsetsPerBlock <= 0 {
		opts.MaxOffsetsPerBlock = 10
	}

	out := make([]byte, 0, 64)
	out = AppendVarint(out, uint64(len(base)))
	out = AppendVarint(out, uint64(len(target)))

	// Index the base: fingerprint of every aligned block -> offsets.
	// Only the first few offsets are kept per fingerprint; on highly
	// repetitive content the earliest offsets are the ones that allow
	// the longest forward extensions
	index := map[string][]int{}
	for off := 0; off+opts.BlockSize <= len(base); off += opts.BlockSize {
		key := string(base[off : off+opts.BlockSize])
		if offsets := index[key]; len(offsets) < opts.MaxOffsetsPerBlock {
			index[key] = append(offsets, off)
		}
	}

	var insertStart, pos int
	flushInsert := func(end int) {
		for insertStart < end {
			run := end - insertStart
			if run > maxInsertSize {
				run = maxInsertSize
			}
			out = append(out, byte(run))
			out = append(out, target[insertStart:insertStart+run]...)
			insertStart += run
		}
	}

	for pos+opts.BlockSize <= len(target) {
		key := string(target[pos : pos+opts.BlockSize])
		offsets, ok := index[key]
		if !ok {
			pos++
			continue
		}

		// keep the longest extension among the candidate offsets
		bestOff, bestLen := -1, 0
		for _, off := range offsets {
			length := opts.BlockSize
			for off+length < len(base) &&
				pos+length < len(target) &&
				base[off+length] == target[pos+length] {
				length++
			}
			if length > bestLen {
				bestOff, bestLen = off, length
			}
		}
		if bestOff < 0 {
			pos++
			continue
		}

		flushInsert(pos)
		out = appendCopies(out, bestOff, bestLen)
		pos += bestLen
		insertStart = pos
	}
	flushInsert(len(target))

	return out
}

// appendCopies emits as many COPY instructions as needed to cover
// length bytes starting at offset in the base
func appendCopies(out []byte, offset, length int) []byte {
	for length > 0 {
		chunk := length
		if chunk > maxCopySize {
			chunk = maxCopySize
		}
		out = appendCopy(out, offset, chunk)
		offset += chunk
		length -= chunk
	}
	return out
}

// appendCopy emits a single COPY instruction: the command byte's low
// bits flag which (non-zero) offset and size bytes follow
func appendCopy(out []byte, offset, size int) []byte {
	cmd := byte(0x80)
	var operands []byte

	for bit := uint(0); bit < 4; bit++ {
		if b := byte(offset >> (8 * bit)); b != 0 {
			operands = append(operands, b)
			cmd |= 1 << bit
		}
	}
	for bit := uint(0); bit < 3; bit++ {
		if b := byte(size >> (8 * bit)); b != 0 {
			operands = append(operands, b)
			cmd |= 0x10 << bit
		}
	}

	out = append(out, cmd)
	return append(out, operands...)
}
