package worktree

import (
	"fmt"
	"path"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/goabstract/gitcore/ginternals"
	"github.com/goabstract/gitcore/ginternals/object"
)

// checkoutWriters bounds how many blobs get projected concurrently
const checkoutWriters = 8

// ObjectGetter loads objects from the odb
type ObjectGetter interface {
	Object(ginternals.Oid) (*object.Object, error)
}

// CheckoutOptions tunes CheckoutTree
type CheckoutOptions struct {
	// Force overwrites local modifications and removes files the new
	// tree doesn't carry, no questions asked
	Force bool
	// Paths restricts the checkout to the given paths and the files
	// under them
	Paths []string
	// DryRun reports what would happen without touching the disk
	DryRun bool
}

// CheckoutResult reports what a checkout did (or, with DryRun, would
// have done)
type CheckoutResult struct {
	// Updated lists the paths written
	Updated []string
	// Removed lists the paths deleted
	Removed []string
	// Conflicts lists the paths left alone because local content
	// would have been lost
	Conflicts []string
	// Failed lists the paths whose projection failed
	Failed []string
}

// CheckoutTree projects a stored tree onto the work tree.
//
// recorded maps each tracked path to the blob oid it was checked out
// from (what the staging index holds). By default a file whose
// content differs from its recorded oid is never overwritten or
// removed unless the new tree carries that exact content; Force
// drops the safety
func (w *Worktree) CheckoutTree(store ObjectGetter, treeID ginternals.Oid, recorded map[string]ginternals.Oid, opts CheckoutOptions) (*CheckoutResult, error) {
	target := map[string]object.TreeEntry{}
	if err := w.flatten(store, treeID, "", target); err != nil {
		return nil, err
	}

	if len(opts.Paths) > 0 {
		keep := func(p string) bool {
			for _, want := range opts.Paths {
				if p == want || want == "" || pathHasPrefix(p, want) {
					return true
				}
			}
			return false
		}
		for p := range target {
			if !keep(p) {
				delete(target, p)
			}
		}
	}

	res := &CheckoutResult{}
	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(checkoutWriters)

	for p, entry := range target {
		p, entry := p, entry
		g.Go(func() error {
			action, err := w.classify(p, entry, recorded, opts)
			if err != nil {
				return err
			}

			mu.Lock()
			defer mu.Unlock()
			switch action {
			case planSkip:
			case planConflict:
				res.Conflicts = append(res.Conflicts, p)
			case planWrite:
				if opts.DryRun {
					res.Updated = append(res.Updated, p)
					return nil
				}
				// the lock only guards the result lists: blobs are loaded
				// and written outside it
				mu.Unlock()
				o, err := store.Object(entry.ID)
				if err == nil {
					err = w.WriteContent(p, o.Bytes(), WriteOptions{Mode: entry.Mode})
				}
				mu.Lock()
				if err != nil {
					res.Failed = append(res.Failed, p)
					return nil //nolint:nilerr // per-path failures are part of the result
				}
				res.Updated = append(res.Updated, p)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// tracked files the new tree doesn't carry get removed
	for p, recordedOid := range recorded {
		if _, stillThere := target[p]; stillThere {
			continue
		}
		if len(opts.Paths) > 0 {
			covered := false
			for _, want := range opts.Paths {
				if p == want || pathHasPrefix(p, want) {
					covered = true
					break
				}
			}
			if !covered {
				continue
			}
		}
		if !w.Exists(p) {
			continue
		}

		if !opts.Force {
			current, err := w.ComputeHash(p)
			if err != nil || current != recordedOid {
				res.Conflicts = append(res.Conflicts, p)
				continue
			}
		}
		if opts.DryRun {
			res.Removed = append(res.Removed, p)
			continue
		}
		if err := w.Remove(p, false); err != nil {
			res.Failed = append(res.Failed, p)
			continue
		}
		res.Removed = append(res.Removed, p)
	}

	sort.Strings(res.Updated)
	sort.Strings(res.Removed)
	sort.Strings(res.Conflicts)
	sort.Strings(res.Failed)
	return res, nil
}

type plan int8

const (
	planSkip plan = iota
	planWrite
	planConflict
)

// classify decides what to do with one path of the target tree
func (w *Worktree) classify(p string, entry object.TreeEntry, recorded map[string]ginternals.Oid, opts CheckoutOptions) (plan, error) {
	if !w.Exists(p) {
		return planWrite, nil
	}

	current, err := w.ComputeHash(p)
	if err != nil {
		return planConflict, nil //nolint:nilerr // unreadable means don't touch
	}
	if current == entry.ID {
		return planSkip, nil
	}
	if opts.Force {
		return planWrite, nil
	}

	recordedOid, tracked := recorded[p]
	if tracked && current == recordedOid {
		// unmodified since its checkout, safe to replace
		return planWrite, nil
	}
	return planConflict, nil
}

func (w *Worktree) flatten(store ObjectGetter, treeID ginternals.Oid, prefix string, out map[string]object.TreeEntry) error {
	if treeID.IsZero() || treeID == ginternals.EmptyTreeOid {
		return nil
	}
	o, err := store.Object(treeID)
	if err != nil {
		return fmt.Errorf("could not load tree %s: %w", treeID.String(), err)
	}
	tree, err := o.AsTree()
	if err != nil {
		return err
	}
	for _, e := range tree.Entries() {
		full := e.Path
		if prefix != "" {
			full = path.Join(prefix, e.Path)
		}
		if e.Mode == object.ModeDirectory {
			if err := w.flatten(store, e.ID, full, out); err != nil {
				return err
			}
			continue
		}
		e.Path = full
		out[full] = e
	}
	return nil
}

func pathHasPrefix(p, prefix string) bool {
	return len(p) > len(prefix) && p[:len(prefix)] == prefix && p[len(prefix)] == '/'
}
