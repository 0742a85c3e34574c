package git

import (
	"errors"
	"fmt"

	"github.com/goabstract/gitcore/ginternals"
	"github.com/goabstract/gitcore/ginternals/delta"
	"github.com/goabstract/gitcore/ginternals/object"
	"github.com/goabstract/gitcore/ginternals/packfile"
	"github.com/goabstract/gitcore/githistory"
)

// GCResult reports a garbage collection
type GCResult struct {
	// Packed is the number of loose objects that moved into the new
	// pack
	Packed int
	// Deltified is how many of them were stored as deltas
	Deltified int
	// Pruned is the number of unreachable loose objects deleted
	Pruned int
	// Consolidated reports the pack-merge pass, when one ran
	Consolidated *packfile.Result
}

// GC repacks the loose objects: the reachable ones move into a new
// packfile (delta-compressed where it pays off), the unreachable
// ones get deleted, and fragmented packs are consolidated.
//
// Objects are immutable, so everything is additive until the very
// last step; a crash mid-way leaves duplicates at worst
func (r *Repository) GC() (*GCResult, error) {
	if err := r.guardNoOperation(); err != nil {
		return nil, err
	}

	reachable, err := r.reachableObjects()
	if err != nil {
		return nil, err
	}

	// split the loose objects into pack candidates and prunable ones
	var toPack []delta.WindowObject
	var toPrune []ginternals.Oid
	err = r.dotGit.WalkLooseObjectIDs(func(oid ginternals.Oid) error {
		if _, ok := reachable[oid]; !ok {
			toPrune = append(toPrune, oid)
			return nil
		}
		typ, size, err := r.dotGit.ObjectHeader(oid)
		if err != nil {
			return err
		}
		toPack = append(toPack, delta.WindowObject{Oid: oid, Type: typ, Size: size})
		return nil
	})
	if err != nil {
		return nil, err
	}

	res := &GCResult{}
	if len(toPack) > 0 {
		res.Packed, res.Deltified, err = r.packLoose(toPack)
		if err != nil {
			return nil, err
		}
		for _, o := range toPack {
			toPrune = append(toPrune, o.Oid)
		}
	}

	// the new pack is live, the loose copies may go
	for _, oid := range toPrune {
		if err := r.dotGit.DeleteObject(oid); err != nil && !errors.Is(err, ginternals.ErrObjectNotFound) {
			return nil, err
		}
	}
	res.Pruned = len(toPrune) - res.Packed

	consolidator := packfile.NewConsolidator(r.cfg.FS, ginternals.ObjectsPacksPath(r.cfg), packfile.ConsolidatorOptions{
		MaxPacks: r.cfg.FromFile().GcAutoPackLimit(),
	})
	shouldRun, err := consolidator.ShouldRun()
	if err != nil {
		return nil, err
	}
	if shouldRun {
		res.Consolidated, err = r.dotGit.Consolidate()
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}

// packLoose writes the given objects into one new packfile, deltas
// where the sliding-window pass found worthwhile pairs
func (r *Repository) packLoose(objects []delta.WindowObject) (packed, deltified int, err error) {
	plan := delta.WindowPlan(objects, delta.DefaultWindowPlanOptions())
	strategy := delta.NewDefaultStrategy()

	targetToBase := map[ginternals.Oid]ginternals.Oid{}
	for _, pair := range plan {
		targetToBase[pair.Target.Oid] = pair.Base.Oid
	}

	// bases must precede their dependents: full objects first, then
	// the deltified ones
	w := packfile.NewWriter(uint32(len(objects)))
	var deltas []delta.WindowObject
	for _, o := range objects {
		if _, isDelta := targetToBase[o.Oid]; isDelta {
			deltas = append(deltas, o)
			continue
		}
		obj, err := r.dotGit.Object(o.Oid)
		if err != nil {
			return 0, 0, err
		}
		if _, err := w.WriteObject(o.Oid, obj.Type(), obj.Bytes()); err != nil {
			return 0, 0, err
		}
	}

	for _, o := range deltas {
		baseOid := targetToBase[o.Oid]
		obj, err := r.dotGit.Object(o.Oid)
		if err != nil {
			return 0, 0, err
		}
		base, err := r.dotGit.Object(baseOid)
		if err != nil {
			return 0, 0, err
		}

		d := delta.Compute(base.Bytes(), obj.Bytes())
		target := delta.Target{Oid: o.Oid, Type: o.Type, Size: o.Size}
		if _, inPack := w.Offset(baseOid); inPack && strategy.AcceptDelta(target, int64(len(d))) {
			if _, err := w.WriteOfsDelta(o.Oid, baseOid, d); err != nil {
				return 0, 0, err
			}
			deltified++
			continue
		}
		// the delta didn't pay off, store the full object
		if _, err := w.WriteObject(o.Oid, obj.Type(), obj.Bytes()); err != nil {
			return 0, 0, err
		}
	}

	packBytes, idxBytes, id, err := w.Finalize()
	if err != nil {
		return 0, 0, err
	}

	base := ginternals.PackfilePath(r.cfg, packfile.Name(id))
	if err := r.writePackFile(base+packfile.ExtPackfile, packBytes); err != nil {
		return 0, 0, err
	}
	if err := r.writePackFile(base+packfile.ExtIndex, idxBytes); err != nil {
		return 0, 0, err
	}
	if err := r.dotGit.RefreshPacks(); err != nil {
		return 0, 0, err
	}
	return len(objects), deltified, nil
}

// reachableObjects walks every ref down to its blobs and returns the
// full live set
func (r *Repository) reachableObjects() (map[ginternals.Oid]struct{}, error) {
	reachable := map[ginternals.Oid]struct{}{}

	var markTree func(treeID ginternals.Oid) error
	markTree = func(treeID ginternals.Oid) error {
		if _, ok := reachable[treeID]; ok || treeID == ginternals.EmptyTreeOid {
			return nil
		}
		reachable[treeID] = struct{}{}

		o, err := r.dotGit.Object(treeID)
		if err != nil {
			return err
		}
		tree, err := o.AsTree()
		if err != nil {
			return err
		}
		for _, e := range tree.Entries() {
			if e.Mode == object.ModeDirectory {
				if err := markTree(e.ID); err != nil {
					return err
				}
				continue
			}
			if e.Mode != object.ModeGitLink {
				reachable[e.ID] = struct{}{}
			}
		}
		return nil
	}

	markCommit := func(start ginternals.Oid) error {
		return r.graph.WalkAncestry([]ginternals.Oid{start}, githistory.WalkOptions{}, func(c *object.Commit) error {
			reachable[c.ID()] = struct{}{}
			return markTree(c.TreeID())
		})
	}

	var roots []ginternals.Oid
	err := r.dotGit.WalkReferences(func(ref *ginternals.Reference) error {
		roots = append(roots, ref.Target())
		return nil
	})
	if err != nil {
		return nil, err
	}

	// the staged blobs are alive too, a GC right before a commit
	// must not eat them
	idx, err := r.Staging()
	if err != nil {
		return nil, err
	}
	for _, oid := range recordedOids(idx) {
		reachable[oid] = struct{}{}
	}

	for _, root := range roots {
		o, err := r.dotGit.Object(root)
		if err != nil {
			if errors.Is(err, ginternals.ErrObjectNotFound) {
				return nil, fmt.Errorf("ref points at a missing object %s: %w", root.String(), err)
			}
			return nil, err
		}
		switch o.Type() {
		case object.TypeCommit:
			if err := markCommit(root); err != nil {
				return nil, err
			}
		case object.TypeTag:
			reachable[root] = struct{}{}
			tag, err := o.AsTag()
			if err != nil {
				return nil, err
			}
			if tag.TargetType() == object.TypeCommit {
				if err := markCommit(tag.Target()); err != nil {
					return nil, err
				}
			}
		case object.TypeTree:
			if err := markTree(root); err != nil {
				return nil, err
			}
		case object.TypeBlob:
			reachable[root] = struct{}{}
		}
	}
	return reachable, nil
}
