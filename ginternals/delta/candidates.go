package delta

import (
	"github.com/goabstract/gitcore/ginternals"
	"github.com/goabstract/gitcore/ginternals/object"
)

// Candidate represents a potential delta base for a target object
type Candidate struct {
	// Oid identifies the candidate base
	Oid ginternals.Oid
	// Type is the object type of the base
	Type object.Type
	// Size is the size of the base, in bytes
	Size int64
	// Similarity is an a-priori estimate in [0,1] of how close the
	// base is to the target
	Similarity float64
	// Reason says which finder produced the candidate
	Reason string
}

// Target describes the object a base is being looked for
type Target struct {
	Oid  ginternals.Oid
	Type object.Type
	Size int64
	// Path is the working-copy path the target was seen at, if known
	Path string
}

// CandidateFinder yields candidate bases for a target.
// Finders must not return the target itself
type CandidateFinder interface {
	// Candidates returns potential bases, most promising first
	Candidates(target Target) ([]Candidate, error)
}

// PathHistoryFinder yields the previous versions stored at the same
// working-copy path. Same-path predecessors are by far the most
// similar bases, they get a flat 0.9
type PathHistoryFinder struct {
	// History maps a path to the oids of its previous versions,
	// most recent first
	History func(path string) ([]ginternals.Oid, error)
	// Describe returns the type and size of an object
	Describe func(oid ginternals.Oid) (object.Type, int64, error)
}

const pathHistorySimilarity = 0.9

// Candidates returns the previous versions at the target's path
func (f *PathHistoryFinder) Candidates(target Target) ([]Candidate, error) {
	if target.Path == "" {
		return nil, nil
	}
	oids, err := f.History(target.Path)
	if err != nil {
		return nil, err
	}

	out := make([]Candidate, 0, len(oids))
	for _, oid := range oids {
		if oid == target.Oid {
			continue
		}
		typ, size, err := f.Describe(oid)
		if err != nil {
			return nil, err
		}
		out = append(out, Candidate{
			Oid:        oid,
			Type:       typ,
			Size:       size,
			Similarity: pathHistorySimilarity,
			Reason:     "path-history",
		})
	}
	return out, nil
}

// SimilarSizeFinder yields stored objects whose size is close to the
// target's. Similarity decreases with the relative size difference
type SimilarSizeFinder struct {
	// List returns the (oid, type, size) of the objects to consider
	List func() ([]Candidate, error)
	// MinFactor and MaxFactor bound the accepted size range relative
	// to the target size. Defaults: [0.5, 2.0]
	MinFactor float64
	MaxFactor float64
}

// Candidates returns the objects within the size tolerance
func (f *SimilarSizeFinder) Candidates(target Target) ([]Candidate, error) {
	minFactor, maxFactor := f.MinFactor, f.MaxFactor
	if minFactor == 0 {
		minFactor = 0.5
	}
	if maxFactor == 0 {
		maxFactor = 2.0
	}

	all, err := f.List()
	if err != nil {
		return nil, err
	}

	var out []Candidate
	for _, c := range all {
		if c.Oid == target.Oid || c.Type != target.Type {
			continue
		}
		if float64(c.Size) < float64(target.Size)*minFactor ||
			float64(c.Size) > float64(target.Size)*maxFactor {
			continue
		}
		c.Similarity = sizeSimilarity(c.Size, target.Size)
		c.Reason = "similar-size"
		out = append(out, c)
	}
	return out, nil
}

// sizeSimilarity estimates similarity from sizes alone:
// 1 - |a-b| / max(a,b)
func sizeSimilarity(a, b int64) float64 {
	if a == 0 && b == 0 {
		return 1
	}
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	max := a
	if b > max {
		max = b
	}
	return 1 - float64(diff)/float64(max)
}

// CommitTreeFinder yields the blobs stored at the target's path in
// the trees of the parent commits
type CommitTreeFinder struct {
	// Parents returns the commits whose trees should be searched
	Parents func() ([]*object.Commit, error)
	// EntryAt walks a tree down the given slash-separated path and
	// returns the entry found there, or ErrObjectNotFound
	EntryAt func(treeID ginternals.Oid, path string) (object.TreeEntry, error)
	// Describe returns the type and size of an object
	Describe func(oid ginternals.Oid) (object.Type, int64, error)
}

const commitTreeSimilarity = 0.8

// Candidates returns the same-path predecessors found in parent trees
func (f *CommitTreeFinder) Candidates(target Target) ([]Candidate, error) {
	if target.Path == "" {
		return nil, nil
	}
	parents, err := f.Parents()
	if err != nil {
		return nil, err
	}

	var out []Candidate
	for _, parent := range parents {
		entry, err := f.EntryAt(parent.TreeID(), target.Path)
		if err != nil {
			continue
		}
		if entry.ID == target.Oid {
			continue
		}
		typ, size, err := f.Describe(entry.ID)
		if err != nil {
			continue
		}
		out = append(out, Candidate{
			Oid:        entry.ID,
			Type:       typ,
			Size:       size,
			Similarity: commitTreeSimilarity,
			Reason:     "commit-tree",
		})
	}
	return out, nil
}

// CompositeFinder chains several finders, de-duplicating by oid.
// The order of the finders is the order of the results
type CompositeFinder struct {
	Finders []CandidateFinder
}

// Candidates returns the union of the chained finders' results
func (f *CompositeFinder) Candidates(target Target) ([]Candidate, error) {
	seen := map[ginternals.Oid]struct{}{}
	var out []Candidate
	for _, finder := range f.Finders {
		candidates, err := finder.Candidates(target)
		if err != nil {
			return nil, err
		}
		for _, c := range candidates {
			if _, ok := seen[c.Oid]; ok {
				continue
			}
			seen[c.Oid] = struct{}{}
			out = append(out, c)
		}
	}
	return out, nil
}
