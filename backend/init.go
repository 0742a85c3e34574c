package backend

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/afero"

	"github.com/goabstract/gitcore/ginternals"
)

// Init initializes a repository.
// This method cannot be called concurrently with other methods.
// Calling this method on an existing repository is safe. It will not
// overwrite things that are already there, but will add what's
// missing
func (b *Backend) Init(branchName string) error {
	// Create the directories if they don't already exist
	dirs := []string{
		b.Path(),
		ginternals.RefsPath(b.config),
		ginternals.TagsPath(b.config),
		ginternals.LocalBranchesPath(b.config),
		ginternals.ObjectsPath(b.config),
		ginternals.ObjectsInfoPath(b.config),
		ginternals.ObjectsPacksPath(b.config),
	}
	for _, d := range dirs {
		if err := b.fs.MkdirAll(d, 0o750); err != nil {
			return fmt.Errorf("could not create directory %s: %w", d, err)
		}
	}

	// Create the files with the default content if they don't
	// already exist (taken from a repo created on github)
	files := []struct {
		path    string
		content []byte
	}{
		{
			path:    ginternals.DescriptionFilePath(b.config),
			content: []byte("Unnamed repository; edit this file 'description' to name the repository.\n"),
		},
	}
	for _, f := range files {
		if _, err := b.fs.Stat(f.path); err == nil {
			continue
		}
		if err := afero.WriteFile(b.fs, f.path, f.content, 0o644); err != nil {
			return fmt.Errorf("could not create file %s: %w", f.path, err)
		}
	}

	// We only write a config file if we don't already have one
	if _, err := b.fs.Stat(b.config.LocalConfig); errors.Is(err, os.ErrNotExist) {
		fromFile := b.config.FromFile()
		fromFile.UpdateRepoFormatVersion("0")
		fromFile.UpdateCoreFileMode(true)
		fromFile.UpdateCoreBare(b.config.IsBare())
		if err := fromFile.Save(); err != nil {
			return fmt.Errorf("could not save the config: %w", err)
		}
	}

	// Create HEAD if it doesn't exist yet
	if branchName == "" {
		branchName = ginternals.Master
	}
	ref := ginternals.NewSymbolicReference(ginternals.Head, ginternals.LocalBranchFullName(branchName))
	err := b.WriteReferenceSafe(ref)
	if err != nil && !errors.Is(err, ginternals.ErrRefExists) {
		return fmt.Errorf("could not write HEAD: %w", err)
	}

	return nil
}
