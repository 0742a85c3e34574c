package delta

import (
	"github.com/goabstract/gitcore/ginternals"
)

// DecisionStrategy decides whether a candidate may become the delta
// base of a target
type DecisionStrategy interface {
	// ShouldDeltify is the cheap pre-check run before any delta is
	// computed
	ShouldDeltify(target Target, candidate Candidate, chainDepth int) bool
	// EstimateWorthTrying guesses from sizes alone whether computing
	// the delta can possibly pay off
	EstimateWorthTrying(baseSize, targetSize int64) bool
	// AcceptDelta is the final check once the actual delta is known
	AcceptDelta(target Target, deltaSize int64) bool
}

// DefaultStrategy is the decision policy used when none is provided
type DefaultStrategy struct {
	// MaxChainDepth bounds the number of hops from any entry to its
	// non-delta base
	MaxChainDepth int
	// MaxTargetSize disables deltification of very large objects
	MaxTargetSize int64
	// MinRatio is the minimal savings ratio (1 - delta/target) a
	// delta must reach to be stored
	MinRatio float64
	// MaxCandidates bounds how many candidates get a real delta
	// computation
	MaxCandidates int
	// ChainDepthOf returns the current chain depth of a stored
	// object, 0 when unknown or not deltified
	ChainDepthOf func(oid ginternals.Oid) int
	// ChainContains returns whether the chain of base includes oid.
	// Used to refuse cycles
	ChainContains func(base, oid ginternals.Oid) bool
}

// NewDefaultStrategy returns a DefaultStrategy with the default
// knob values
func NewDefaultStrategy() *DefaultStrategy {
	return &DefaultStrategy{
		MaxChainDepth: 50,
		MaxTargetSize: 16 << 20,
		MinRatio:      0.5,
		MaxCandidates: 10,
	}
}

// ShouldDeltify implements DecisionStrategy
func (s *DefaultStrategy) ShouldDeltify(target Target, candidate Candidate, chainDepth int) bool {
	if candidate.Type != target.Type {
		return false
	}
	if chainDepth >= s.MaxChainDepth {
		return false
	}
	if target.Size > s.MaxTargetSize {
		return false
	}
	if s.ChainContains != nil && s.ChainContains(candidate.Oid, target.Oid) {
		return false
	}
	return true
}

// EstimateWorthTrying implements DecisionStrategy.
// A base wildly smaller or larger than the target cannot produce a
// delta below MinRatio, skip the computation
func (s *DefaultStrategy) EstimateWorthTrying(baseSize, targetSize int64) bool {
	if targetSize == 0 {
		return false
	}
	return sizeSimilarity(baseSize, targetSize) >= s.MinRatio
}

// AcceptDelta implements DecisionStrategy
func (s *DefaultStrategy) AcceptDelta(target Target, deltaSize int64) bool {
	if target.Size == 0 {
		return false
	}
	savings := 1 - float64(deltaSize)/float64(target.Size)
	return savings >= s.MinRatio
}

// Result is the outcome of a successful base search
type Result struct {
	// BaseOid is the chosen base
	BaseOid ginternals.Oid
	// Delta transforms the base into the target
	Delta []byte
	// Savings is 1 - len(Delta)/targetSize
	Savings float64
}

// BestDelta enumerates candidates for a target and returns the delta
// with the largest savings, or nil if no candidate qualifies.
//
// loadContent is called for the bases that pass the cheap pre-checks;
// targetContent is the raw content of the target
func BestDelta(
	target Target,
	targetContent []byte,
	finder CandidateFinder,
	strategy DecisionStrategy,
	loadContent func(oid ginternals.Oid) ([]byte, error),
) (*Result, error) {
	candidates, err := finder.Candidates(target)
	if err != nil {
		return nil, err
	}

	maxCandidates := 10
	if s, ok := strategy.(*DefaultStrategy); ok && s.MaxCandidates > 0 {
		maxCandidates = s.MaxCandidates
	}

	var best *Result
	tried := 0
	for _, candidate := range candidates {
		if tried >= maxCandidates {
			break
		}

		chainDepth := 0
		if s, ok := strategy.(*DefaultStrategy); ok && s.ChainDepthOf != nil {
			chainDepth = s.ChainDepthOf(candidate.Oid)
		}
		if !strategy.ShouldDeltify(target, candidate, chainDepth) {
			continue
		}
		if !strategy.EstimateWorthTrying(candidate.Size, target.Size) {
			continue
		}
		tried++

		base, err := loadContent(candidate.Oid)
		if err != nil {
			return nil, err
		}
		d := Compute(base, targetContent)
		if !strategy.AcceptDelta(target, int64(len(d))) {
			continue
		}

		savings := 1 - float64(len(d))/float64(target.Size)
		if best == nil || savings > best.Savings {
			best = &Result{
				BaseOid: candidate.Oid,
				Delta:   d,
				Savings: savings,
			}
		}
	}
	return best, nil
}
