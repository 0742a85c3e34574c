package delta

import (
	"sort"

	"github.com/goabstract/gitcore/ginternals"
	"github.com/goabstract/gitcore/ginternals/object"
)

// WindowObject describes one object fed to the sliding-window pass
type WindowObject struct {
	Oid  ginternals.Oid
	Type object.Type
	Size int64
}

// Pair is a (base, target) pairing produced by the sliding-window
// pass. The actual delta still has to be computed and accepted
type Pair struct {
	Base             WindowObject
	Target           WindowObject
	EstimatedSavings float64
}

// WindowPlanOptions tunes the sliding-window pass
type WindowPlanOptions struct {
	// Window is how many previous objects of the same type are
	// considered for each object
	Window int
	// MinSavingsRatio is the minimal size-estimated savings for a
	// pair to be kept
	MinSavingsRatio float64
}

// DefaultWindowPlanOptions returns the options used when none are
// given
func DefaultWindowPlanOptions() WindowPlanOptions {
	return WindowPlanOptions{
		Window:          10,
		MinSavingsRatio: 0.5,
	}
}

// WindowPlan pairs objects that look worth deltifying against each
// other. This is the pass GC and "quick pack after commit" run over
// a batch of objects:
//
// - objects are sorted by (type, size ascending)
// - each object looks at the previous few objects of the same type
// - it pairs with the nearest-size neighbor not already picked as a
//   target, when the size-estimated savings clear the bar
//
// The plan is deterministic for a given input set
func WindowPlan(objects []WindowObject, opts WindowPlanOptions) []Pair {
	if opts.Window <= 0 {
		opts.Window = 10
	}
	if opts.MinSavingsRatio == 0 {
		opts.MinSavingsRatio = 0.5
	}

	sorted := make([]WindowObject, len(objects))
	copy(sorted, objects)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Type != sorted[j].Type {
			return sorted[i].Type < sorted[j].Type
		}
		if sorted[i].Size != sorted[j].Size {
			return sorted[i].Size < sorted[j].Size
		}
		// tie-break on oid to keep the plan stable
		return sorted[i].Oid.String() < sorted[j].Oid.String()
	})

	picked := map[ginternals.Oid]struct{}{}
	var out []Pair
	for i, target := range sorted {
		if _, ok := picked[target.Oid]; ok {
			continue
		}

		var best *Pair
		for j := i - 1; j >= 0 && i-j <= opts.Window; j-- {
			base := sorted[j]
			if base.Type != target.Type {
				break
			}
			if _, ok := picked[base.Oid]; ok {
				continue
			}

			estimated := sizeSimilarity(base.Size, target.Size)
			if estimated < opts.MinSavingsRatio {
				continue
			}
			if best == nil || estimated > best.EstimatedSavings {
				best = &Pair{
					Base:             base,
					Target:           target,
					EstimatedSavings: estimated,
				}
			}
		}

		if best != nil {
			picked[best.Target.Oid] = struct{}{}
			out = append(out, *best)
		}
	}
	return out
}
