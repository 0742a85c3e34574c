// Package fsutil contains filesystem helpers shared by the storage
// layers
package fsutil

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/afero"
)

// RenameReplace renames oldpath to newpath, replacing newpath if it
// exists. The OS filesystem does that natively; some afero backends
// (the in-memory one included) refuse to clobber, so a failed rename
// retries after removing the destination
func RenameReplace(fs afero.Fs, oldpath, newpath string) error {
	err := fs.Rename(oldpath, newpath)
	if err == nil {
		return nil
	}

	if removeErr := fs.Remove(newpath); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
		return fmt.Errorf("could not replace %s: %w", newpath, err)
	}
	if err = fs.Rename(oldpath, newpath); err != nil {
		return fmt.Errorf("could not move %s to %s: %w", oldpath, newpath, err)
	}
	return nil
}
