package packfile

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/goabstract/gitcore/ginternals"
	"github.com/goabstract/gitcore/ginternals/object"
	"github.com/goabstract/gitcore/internal/fsutil"
)

// ConsolidatorOptions tunes when and how packfiles get merged
type ConsolidatorOptions struct {
	// SmallPackThreshold is the size under which a packfile is
	// considered small enough to be worth merging.
	// Defaults to 1 MiB
	SmallPackThreshold int64
	// MaxPacks triggers a consolidation when the pack directory
	// holds more packs than this.
	// Defaults to 50
	MaxPacks int
	// MaxSmallPacks triggers a consolidation when more packs than
	// this are below SmallPackThreshold.
	// Defaults to 10
	MaxSmallPacks int
	// Logger receives progress information. A nil logger discards
	// everything
	Logger *logrus.Logger
}

func (opts *ConsolidatorOptions) setDefaults() {
	if opts.SmallPackThreshold <= 0 {
		opts.SmallPackThreshold = 1 << 20
	}
	if opts.MaxPacks <= 0 {
		opts.MaxPacks = 50
	}
	if opts.MaxSmallPacks <= 0 {
		opts.MaxSmallPacks = 10
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
		opts.Logger.SetOutput(nopWriter{})
	}
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

// Consolidator merges small packfiles into a single bigger one.
//
// Replacement is crash-safe: the new pack and its index are fully
// written (to a temp name, then renamed) before any old pack is
// removed. A failure mid-way leaves the old packs untouched, at
// worst with a spare new pack holding duplicate objects
type Consolidator struct {
	fs      afero.Fs
	packDir string
	opts    ConsolidatorOptions
}

// NewConsolidator returns a Consolidator working on the given pack
// directory
func NewConsolidator(filesystem afero.Fs, packDir string, opts ConsolidatorOptions) *Consolidator {
	opts.setDefaults()
	return &Consolidator{
		fs:      filesystem,
		packDir: packDir,
		opts:    opts,
	}
}

// packInfo describes one packfile found on disk
type packInfo struct {
	path string
	size int64
}

// scan returns the packfiles of the pack directory and their sizes
func (c *Consolidator) scan() (packs []packInfo, err error) {
	err = afero.Walk(c.fs, c.packDir, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			//nolint:nilerr // a missing pack dir just means no packs
			return nil
		}
		if info.IsDir() {
			if path == c.packDir {
				return nil
			}
			return filepath.SkipDir
		}
		if filepath.Ext(info.Name()) != ExtPackfile {
			return nil
		}
		packs = append(packs, packInfo{path: path, size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("could not browse %s: %w", c.packDir, err)
	}
	return packs, nil
}

// ShouldRun returns whether the pack directory is fragmented enough
// to be worth consolidating
func (c *Consolidator) ShouldRun() (bool, error) {
	packs, err := c.scan()
	if err != nil {
		return false, err
	}
	if len(packs) > c.opts.MaxPacks {
		return true, nil
	}
	small := 0
	for _, p := range packs {
		if p.size < c.opts.SmallPackThreshold {
			small++
		}
	}
	return small > c.opts.MaxSmallPacks, nil
}

// Result describes what a consolidation did
type Result struct {
	// NewPackPath is the path of the merged packfile. Empty when
	// nothing had to be done
	NewPackPath string
	// MergedPacks are the paths of the packfiles that were replaced
	MergedPacks []string
	// ObjectCount is the number of objects in the merged packfile
	ObjectCount int
}

// pendingPack accumulates the objects of the packs being merged.
// Deltified entries are materialized into full objects: cross-pack
// delta references are never emitted, a later deltify pass gets to
// re-compress the new pack
type pendingPack struct {
	order   []ginternals.Oid
	objects map[ginternals.Oid]*object.Object
}

func (p *pendingPack) add(o *object.Object) {
	if _, ok := p.objects[o.ID()]; ok {
		return
	}
	p.order = append(p.order, o.ID())
	p.objects[o.ID()] = o
}

// Run merges the small packs into one.
// Packs above the size threshold are left alone
func (c *Consolidator) Run() (*Result, error) {
	packs, err := c.scan()
	if err != nil {
		return nil, err
	}

	var smalls []packInfo
	for _, p := range packs {
		if p.size < c.opts.SmallPackThreshold {
			smalls = append(smalls, p)
		}
	}
	if len(smalls) < 2 {
		return &Result{}, nil
	}

	c.opts.Logger.WithFields(logrus.Fields{
		"packs": len(smalls),
		"dir":   c.packDir,
	}).Info("consolidating small packfiles")

	pending := &pendingPack{objects: map[ginternals.Oid]*object.Object{}}
	var merged []string
	for _, info := range smalls {
		pack, err := NewFromFile(c.fs, info.path)
		if err != nil {
			return nil, fmt.Errorf("could not open %s: %w", info.path, err)
		}

		// WalkOids holds the pack's lock while its callback runs, and
		// GetObject takes that same lock: read once the walk is over
		var oids []ginternals.Oid
		err = pack.WalkOids(func(oid ginternals.Oid) error {
			oids = append(oids, oid)
			return nil
		})
		for _, oid := range oids {
			if err != nil {
				break
			}
			var o *object.Object
			if o, err = pack.GetObject(oid); err != nil {
				err = fmt.Errorf("could not read %s from %s: %w", oid.String(), info.path, err)
				break
			}
			pending.add(o)
		}
		closeErr := pack.Close()
		if err != nil {
			return nil, err
		}
		if closeErr != nil {
			return nil, fmt.Errorf("could not close %s: %w", info.path, closeErr)
		}
		merged = append(merged, info.path)
	}

	// Write the new pack and its index before touching anything
	w := NewWriter(uint32(len(pending.order)))
	for _, oid := range pending.order {
		o := pending.objects[oid]
		if _, err := w.WriteObject(oid, o.Type(), o.Bytes()); err != nil {
			return nil, fmt.Errorf("could not write %s: %w", oid.String(), err)
		}
	}
	packBytes, idxBytes, id, err := w.Finalize()
	if err != nil {
		return nil, err
	}

	base := filepath.Join(c.packDir, Name(id))
	if err := c.writeAtomic(base+ExtPackfile, packBytes); err != nil {
		return nil, err
	}
	if err := c.writeAtomic(base+ExtIndex, idxBytes); err != nil {
		// leave no orphan pack without its index
		c.fs.Remove(base + ExtPackfile) //nolint:errcheck // best effort
		return nil, err
	}

	// Only now may the merged packs disappear
	for _, path := range merged {
		if path == base+ExtPackfile {
			// merging a pack into an identical replacement
			continue
		}
		if err := c.fs.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("could not remove %s: %w", path, err)
		}
		idxPath := strings.TrimSuffix(path, ExtPackfile) + ExtIndex
		if err := c.fs.Remove(idxPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("could not remove %s: %w", idxPath, err)
		}
	}

	c.opts.Logger.WithFields(logrus.Fields{
		"pack":    base + ExtPackfile,
		"objects": len(pending.order),
	}).Info("consolidation done")

	return &Result{
		NewPackPath: base + ExtPackfile,
		MergedPacks: merged,
		ObjectCount: len(pending.order),
	}, nil
}

// writeAtomic writes data to a temp name then renames it in place
func (c *Consolidator) writeAtomic(path string, data []byte) error {
	if err := c.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("could not create %s: %w", filepath.Dir(path), err)
	}
	tmp := path + ".tmp"
	if err := afero.WriteFile(c.fs, tmp, data, 0o444); err != nil {
		return fmt.Errorf("could not write %s: %w", tmp, err)
	}
	if err := fsutil.RenameReplace(c.fs, tmp, path); err != nil {
		c.fs.Remove(tmp) //nolint:errcheck // it already failed
		return fmt.Errorf("could not persist %s: %w", path, err)
	}
	return nil
}
