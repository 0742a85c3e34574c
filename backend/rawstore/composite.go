package rawstore

import (
	"errors"
	"fmt"
	"io"
	"sort"
)

// Composite layers one writable primary store over any number of
// read-only fallbacks. Reads probe the primary first, then the
// fallbacks in declared order. Writes and deletes only ever touch
// the primary.
//
// This is what lets the object store stay oblivious to where an
// object lives: packfiles are mounted here as fallbacks
type Composite struct {
	primary   RawStore
	fallbacks []RawStore
}

// NewComposite returns a composite store.
// The fallbacks are probed in the given order
func NewComposite(primary RawStore, fallbacks ...RawStore) *Composite {
	return &Composite{
		primary:   primary,
		fallbacks: fallbacks,
	}
}

// SetFallbacks replaces the fallback list. This is used after a pack
// consolidation to refresh the readers
func (s *Composite) SetFallbacks(fallbacks ...RawStore) {
	s.fallbacks = fallbacks
}

// Store writes to the primary store
func (s *Composite) Store(key string, r io.Reader) (int64, error) {
	return s.primary.Store(key, r)
}

// Load returns a reader over the value of key, wherever it lives
func (s *Composite) Load(key string) (io.ReadCloser, error) {
	return s.load(key, func(store RawStore) (io.ReadCloser, error) {
		return store.Load(key)
	})
}

// LoadRange returns a reader over a range of the value of key,
// wherever it lives
func (s *Composite) LoadRange(key string, off, n int64) (io.ReadCloser, error) {
	return s.load(key, func(store RawStore) (io.ReadCloser, error) {
		return store.LoadRange(key, off, n)
	})
}

func (s *Composite) load(key string, f func(RawStore) (io.ReadCloser, error)) (io.ReadCloser, error) {
	r, err := f(s.primary)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return nil, err
	}
	for _, fb := range s.fallbacks {
		r, err = f(fb)
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, ErrKeyNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("key %q: %w", key, ErrKeyNotFound)
}

// Has returns whether any of the layered stores has the key
func (s *Composite) Has(key string) (bool, error) {
	ok, err := s.primary.Has(key)
	if err != nil || ok {
		return ok, err
	}
	for _, fb := range s.fallbacks {
		ok, err = fb.Has(key)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

// Delete removes the value of key from the primary store.
// A value only present in fallbacks cannot be deleted from here
func (s *Composite) Delete(key string) error {
	return s.primary.Delete(key)
}

// Keys returns the keys of all the layered stores, de-duplicated
// and sorted
func (s *Composite) Keys() ([]string, error) {
	seen := map[string]struct{}{}
	stores := append([]RawStore{s.primary}, s.fallbacks...)
	for _, store := range stores {
		keys, err := store.Keys()
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			seen[k] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// Size returns the size of the value of key, wherever it lives
func (s *Composite) Size(key string) (int64, error) {
	n, err := s.primary.Size(key)
	if err == nil {
		return n, nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return 0, err
	}
	for _, fb := range s.fallbacks {
		n, err = fb.Size(key)
		if err == nil {
			return n, nil
		}
		if !errors.Is(err, ErrKeyNotFound) {
			return 0, err
		}
	}
	return 0, fmt.Errorf("key %q: %w", key, ErrKeyNotFound)
}
