package staging

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/afero"

	"github.com/goabstract/gitcore/ginternals"
	"github.com/goabstract/gitcore/internal/fsutil"
)

// ReadFile loads the index stored at path.
// A missing file yields an empty index, the way git treats a fresh
// repository
func ReadFile(fs afero.Fs, path string) (*Index, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return New(), nil
		}
		return nil, fmt.Errorf("could not read the index at %s: %w", path, err)
	}
	return Decode(data)
}

// WriteFile persists the index at path.
// The content goes to a lockfile first then gets renamed in place, so
// a crash never leaves a half-written index and a concurrent writer
// fails instead of interleaving
func (idx *Index) WriteFile(fs afero.Fs, path string) error {
	data, err := idx.Encode()
	if err != nil {
		return err
	}

	lock := path + ".lock"
	f, err := fs.OpenFile(lock, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%s exists: %w", lock, ErrIndexStale)
		}
		return fmt.Errorf("could not take the index lock: %w", err)
	}
	_, writeErr := f.Write(data)
	closeErr := f.Close()
	if writeErr == nil {
		writeErr = closeErr
	}
	if writeErr != nil {
		fs.Remove(lock) //nolint:errcheck // it already failed
		return fmt.Errorf("could not write the index: %w", writeErr)
	}

	if err := fsutil.RenameReplace(fs, lock, path); err != nil {
		fs.Remove(lock) //nolint:errcheck // it already failed
		return fmt.Errorf("could not persist the index: %w", err)
	}

	idx.mu.Lock()
	idx.checksum = ginternals.NewOidFromContent(data[:len(data)-ginternals.OidSize])
	idx.mu.Unlock()
	return nil
}

// Checksum returns the trailing sha1 the index was last read or
// written with
func (idx *Index) Checksum() ginternals.Oid {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	return idx.checksum
}
