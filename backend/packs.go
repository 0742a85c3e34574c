package backend

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/goabstract/gitcore/backend/rawstore"
	"github.com/goabstract/gitcore/ginternals"
	"github.com/goabstract/gitcore/ginternals/packfile"
)

// loadPacks discovers the packfiles of the repository and mounts them
// as read-only fallbacks of the object store
func (b *Backend) loadPacks() error {
	p := ginternals.ObjectsPacksPath(b.config)
	err := afero.Walk(b.fs, p, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			//nolint:nilerr // a missing pack dir just means no packs yet
			return nil
		}
		if info.IsDir() {
			if path == p {
				return nil
			}
			return filepath.SkipDir
		}
		if filepath.Ext(info.Name()) != packfile.ExtPackfile {
			return nil
		}

		pack, err := packfile.NewFromFile(b.fs, path)
		if err != nil {
			return fmt.Errorf("could not parse packfile at %s: %w", path, err)
		}
		id, err := pack.ID()
		if err != nil {
			pack.Close() //nolint:errcheck // it already failed
			return fmt.Errorf("could not read the id of %s: %w", path, err)
		}
		b.packs[id] = pack
		return nil
	})
	if err != nil {
		return err
	}

	b.remountPacks()
	return nil
}

// remountPacks rebuilds the fallback list of the composite store from
// the currently open packs
func (b *Backend) remountPacks() {
	fallbacks := make([]rawstore.RawStore, 0, len(b.packs))
	for _, pack := range b.packs {
		fallbacks = append(fallbacks, &packStore{pack: pack, backend: b})
	}
	b.store.SetFallbacks(fallbacks...)
}

// RefreshPacks closes every open pack and re-discovers the pack
// directory. Readers call this after a consolidation replaced the
// packfiles underneath them
func (b *Backend) RefreshPacks() error {
	b.packsMu.Lock()
	defer b.packsMu.Unlock()

	for id, pack := range b.packs {
		if err := pack.Close(); err != nil {
			return fmt.Errorf("could not close pack %s: %w", id.String(), err)
		}
		delete(b.packs, id)
	}
	b.cache.Clear()
	return b.loadPacks()
}

// Consolidate merges the small packfiles of the repository into a
// single one and refreshes the readers
func (b *Backend) Consolidate() (*packfile.Result, error) {
	consolidator := packfile.NewConsolidator(b.fs, ginternals.ObjectsPacksPath(b.config), packfile.ConsolidatorOptions{
		Logger: b.logger,
	})

	// the pack directory gets an exclusive writer: a consolidation
	// rewrites files other methods only ever read
	b.packsMu.Lock()
	res, err := b.consolidateLocked(consolidator)
	b.packsMu.Unlock()

	// consolidateLocked closed the readers whatever the outcome:
	// mount what the pack directory now holds
	if refreshErr := b.RefreshPacks(); refreshErr != nil && err == nil {
		err = refreshErr
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (b *Backend) consolidateLocked(consolidator *packfile.Consolidator) (*packfile.Result, error) {
	// close our readers first: on some filesystems an open handle
	// blocks the removal of the merged packs
	for id, pack := range b.packs {
		if err := pack.Close(); err != nil {
			return nil, fmt.Errorf("could not close pack %s: %w", id.String(), err)
		}
		delete(b.packs, id)
	}
	return consolidator.Run()
}

// packStore adapts a packfile into a read-only RawStore whose keys
// are 40-hex oids and whose values are framed objects, byte-identical
// to what the loose store holds once inflated
type packStore struct {
	pack    *packfile.Pack
	backend *Backend
}

func (s *packStore) Store(string, io.Reader) (int64, error) {
	return 0, rawstore.ErrReadOnly
}

func (s *packStore) Delete(string) error {
	return rawstore.ErrReadOnly
}

func (s *packStore) Load(key string) (io.ReadCloser, error) {
	framed, err := s.framed(key)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(framed)), nil
}

func (s *packStore) LoadRange(key string, off, n int64) (io.ReadCloser, error) {
	framed, err := s.framed(key)
	if err != nil {
		return nil, err
	}
	if off > int64(len(framed)) {
		off = int64(len(framed))
	}
	framed = framed[off:]
	if n >= 0 && n < int64(len(framed)) {
		framed = framed[:n]
	}
	return io.NopCloser(bytes.NewReader(framed)), nil
}

func (s *packStore) framed(key string) ([]byte, error) {
	oid, err := ginternals.NewOidFromStr(key)
	if err != nil {
		return nil, fmt.Errorf("key %q: %w", key, rawstore.ErrKeyNotFound)
	}
	o, err := s.pack.GetObject(oid)
	if err != nil {
		if err == ginternals.ErrObjectNotFound { //nolint:errorlint // sentinel comparison is intended
			return nil, fmt.Errorf("key %q: %w", key, rawstore.ErrKeyNotFound)
		}
		// a REF delta may point at a base stored outside this pack;
		// let the backend resolve it through the whole odb
		return s.backend.resolveThinEntry(s.pack, oid, err)
	}

	framed := append(o.Header(), o.Bytes()...)
	return framed, nil
}

func (s *packStore) Has(key string) (bool, error) {
	oid, err := ginternals.NewOidFromStr(key)
	if err != nil {
		return false, nil
	}
	return s.pack.HasObject(oid), nil
}

func (s *packStore) Keys() ([]string, error) {
	var keys []string
	err := s.pack.WalkOids(func(oid ginternals.Oid) error {
		keys = append(keys, oid.String())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *packStore) Size(key string) (int64, error) {
	framed, err := s.framed(key)
	if err != nil {
		return 0, err
	}
	return int64(len(framed)), nil
}
