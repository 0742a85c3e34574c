// Package merge contains the three-way merge machinery: tree-level
// classification, line-based content merging, and rename detection
package merge

import (
	"sort"

	"github.com/gogf/gf/encoding/ghash"
)

// similarity scoring mirrors what git does for rename detection:
// contents are fingerprinted in small blocks and the score is the
// share of bytes the two files have in common
const (
	// similarityBlockSize is the granularity of the fingerprints
	similarityBlockSize = 64
	// DefaultRenameThreshold is the minimal score (out of 100) for a
	// (deleted, added) pair to count as a rename
	DefaultRenameThreshold = 50
	// DefaultRenameLimit bounds how many pairs get scored
	DefaultRenameLimit = 1000
	// binaryProbeSize is how many leading bytes are searched for a
	// NUL to call a file binary
	binaryProbeSize = 8000
)

// SimilarityIndex holds the block fingerprints of one file
type SimilarityIndex struct {
	// keys are the sorted distinct block hashes, counts[i] is the
	// number of bytes hashed into keys[i]
	keys   []uint32
	counts []uint64
	size   uint64
}

// NewSimilarityIndex fingerprints content.
// For text files the CR of CRLF pairs is skipped so the score
// doesn't depend on line-ending flavor
func NewSimilarityIndex(content []byte) *SimilarityIndex {
	text := !IsBinary(content)

	counts := map[uint32]uint64{}
	var total uint64

	block := make([]byte, 0, similarityBlockSize)
	flush := func() {
		if len(block) == 0 {
			return
		}
		counts[ghash.DJBHash(block)] += uint64(len(block))
		total += uint64(len(block))
		block = block[:0]
	}

	for i := 0; i < len(content); i++ {
		c := content[i]
		if text && c == '\r' && i+1 < len(content) && content[i+1] == '\n' {
			continue
		}
		block = append(block, c)
		if len(block) == similarityBlockSize {
			flush()
		}
	}
	flush()

	idx := &SimilarityIndex{
		keys:   make([]uint32, 0, len(counts)),
		counts: make([]uint64, 0, len(counts)),
		size:   total,
	}
	for k := range counts {
		idx.keys = append(idx.keys, k)
	}
	sort.Slice(idx.keys, func(i, j int) bool { return idx.keys[i] < idx.keys[j] })
	for _, k := range idx.keys {
		idx.counts = append(idx.counts, counts[k])
	}
	return idx
}

// Score returns how similar the two indexed contents are, from 0
// (unrelated) to 100 (identical)
func (idx *SimilarityIndex) Score(other *SimilarityIndex) int {
	maxSize := idx.size
	if other.size > maxSize {
		maxSize = other.size
	}
	if maxSize == 0 {
		return 100
	}

	var common uint64
	i, j := 0, 0
	for i < len(idx.keys) && j < len(other.keys) {
		switch {
		case idx.keys[i] < other.keys[j]:
			i++
		case idx.keys[i] > other.keys[j]:
			j++
		default:
			a, b := idx.counts[i], other.counts[j]
			if b < a {
				a = b
			}
			common += a
			i++
			j++
		}
	}
	return int(100 * common / maxSize)
}

// IsBinary reports whether content looks like binary data: a NUL
// byte within the first 8000 bytes. Binary files are never content-
// merged and never counted as renames of text files
func IsBinary(content []byte) bool {
	limit := len(content)
	if limit > binaryProbeSize {
		limit = binaryProbeSize
	}
	for _, c := range content[:limit] {
		if c == 0 {
			return true
		}
	}
	return false
}

// Similarity scores two raw contents directly.
// Binary files only ever match byte-identical copies
func Similarity(a, b []byte) int {
	if IsBinary(a) || IsBinary(b) {
		if len(a) == len(b) && string(a) == string(b) {
			return 100
		}
		return 0
	}
	return NewSimilarityIndex(a).Score(NewSimilarityIndex(b))
}
