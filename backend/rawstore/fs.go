package rawstore

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/afero"

	"github.com/goabstract/gitcore/internal/fsutil"
)

// FS is a RawStore storing each value in its own file under a root
// directory. Keys follow the git fan-out convention: the value of
// "aabbcc…" lives at <root>/aa/bbcc…
type FS struct {
	fs   afero.Fs
	root string
}

// NewFS returns a store rooted at root.
// The directory does not need to exist yet
func NewFS(filesystem afero.Fs, root string) *FS {
	return &FS{
		fs:   filesystem,
		root: root,
	}
}

// path maps a key to its file path.
// Keys shorter than 3 chars don't get fanned out
func (s *FS) path(key string) string {
	if len(key) < 3 {
		return filepath.Join(s.root, key)
	}
	return filepath.Join(s.root, key[:2], key[2:])
}

// Store fully consumes r and replaces any prior value of key.
// The value is written to a temp name first then renamed, so a crash
// never leaves a partial value visible
func (s *FS) Store(key string, r io.Reader) (n int64, err error) {
	dest := s.path(key)
	dir := filepath.Dir(dest)
	if err = s.fs.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("could not create the destination directory %s: %w", dir, err)
	}

	tmp := dest + ".tmp"
	f, err := s.fs.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("could not create temp file for %q: %w", key, err)
	}
	n, err = io.Copy(f, r)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		s.fs.Remove(tmp) //nolint:errcheck // it already failed
		return 0, fmt.Errorf("could not write the value of %q: %w", key, err)
	}

	if err = fsutil.RenameReplace(s.fs, tmp, dest); err != nil {
		s.fs.Remove(tmp) //nolint:errcheck // it already failed
		return 0, fmt.Errorf("could not persist the value of %q: %w", key, err)
	}
	// values are read-only once visible, like loose objects
	s.fs.Chmod(dest, 0o444) //nolint:errcheck // not all backing fs support modes
	return n, nil
}

// Load returns a reader over the value of key
func (s *FS) Load(key string) (io.ReadCloser, error) {
	f, err := s.fs.Open(s.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("key %q: %w", key, ErrKeyNotFound)
		}
		return nil, fmt.Errorf("could not open the value of %q: %w", key, err)
	}
	return f, nil
}

// LoadRange returns a reader over n bytes of the value of key,
// starting at off
func (s *FS) LoadRange(key string, off, n int64) (io.ReadCloser, error) {
	f, err := s.Load(key)
	if err != nil {
		return nil, err
	}

	seeker, ok := f.(io.Seeker)
	if !ok {
		f.Close() //nolint:errcheck // nothing we can do about it
		return nil, fmt.Errorf("backing file of %q is not seekable: %w", key, os.ErrInvalid)
	}
	if _, err = seeker.Seek(off, io.SeekStart); err != nil {
		f.Close() //nolint:errcheck // nothing we can do about it
		return nil, fmt.Errorf("could not seek to %d in %q: %w", off, key, err)
	}
	if n < 0 {
		return f, nil
	}
	return &limitedReadCloser{
		Reader: io.LimitReader(f, n),
		closer: f,
	}, nil
}

type limitedReadCloser struct {
	io.Reader
	closer io.Closer
}

func (l *limitedReadCloser) Close() error {
	return l.closer.Close()
}

// Has returns whether the key has a value
func (s *FS) Has(key string) (bool, error) {
	_, err := s.fs.Stat(s.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("could not stat the value of %q: %w", key, err)
	}
	return true, nil
}

// Delete removes the value of key
func (s *FS) Delete(key string) error {
	p := s.path(key)
	if _, err := s.fs.Stat(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("key %q: %w", key, ErrKeyNotFound)
		}
		return fmt.Errorf("could not stat the value of %q: %w", key, err)
	}
	if err := s.fs.Remove(p); err != nil {
		return fmt.Errorf("could not remove the value of %q: %w", key, err)
	}
	return nil
}

// Keys returns all the keys that have a value, sorted
func (s *FS) Keys() (keys []string, err error) {
	err = afero.Walk(s.fs, s.root, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			//nolint:nilerr // a missing root just means no keys yet
			return nil
		}
		if info.IsDir() {
			return nil
		}
		if filepath.Ext(info.Name()) != "" {
			// temp files and sidecars are not values
			return nil
		}

		prefix := filepath.Base(filepath.Dir(path))
		if prefix == filepath.Base(s.root) {
			keys = append(keys, info.Name())
			return nil
		}
		keys = append(keys, prefix+info.Name())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("could not browse %s: %w", s.root, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Size returns the size of the value of key
func (s *FS) Size(key string) (int64, error) {
	info, err := s.fs.Stat(s.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("key %q: %w", key, ErrKeyNotFound)
		}
		return 0, fmt.Errorf("could not stat the value of %q: %w", key, err)
	}
	return info.Size(), nil
}
