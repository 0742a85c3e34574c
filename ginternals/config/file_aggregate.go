package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/afero"
	"gopkg.in/ini.v1"
)

// Config sections and keys of the config files we care about
const (
	cfgCore              = "core"
	cfgCoreFormatVersion = "repositoryformatversion"
	cfgCoreFileMode      = "filemode"
	cfgCoreBare          = "bare"

	cfgUser      = "user"
	cfgUserName  = "name"
	cfgUserEmail = "email"

	cfgMerge            = "merge"
	cfgMergeRenameLimit = "renamelimit"

	cfgGc              = "gc"
	cfgGcAutoPackLimit = "autopacklimit"
)

// FileAggregate holds the values of the repository's config file.
// Missing files are treated as empty
type FileAggregate struct {
	fs   afero.Fs
	path string
	file *ini.File
}

func newFileAggregate(fs afero.Fs, path string) *FileAggregate {
	agg := &FileAggregate{
		fs:   fs,
		path: path,
	}

	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			// a broken config file behaves like a missing one,
			// values will use their defaults
			data = nil
		}
		agg.file = ini.Empty()
		return agg
	}

	f, err := ini.Load(data)
	if err != nil {
		agg.file = ini.Empty()
		return agg
	}
	agg.file = f
	return agg
}

// UserName returns the configured user.name
func (agg *FileAggregate) UserName() (string, bool) {
	v := agg.file.Section(cfgUser).Key(cfgUserName).String()
	return v, v != ""
}

// UserEmail returns the configured user.email
func (agg *FileAggregate) UserEmail() (string, bool) {
	v := agg.file.Section(cfgUser).Key(cfgUserEmail).String()
	return v, v != ""
}

// RepoFormatVersion returns the configured repositoryformatversion
func (agg *FileAggregate) RepoFormatVersion() (string, bool) {
	v := agg.file.Section(cfgCore).Key(cfgCoreFormatVersion).String()
	return v, v != ""
}

// IsBare returns the configured core.bare
func (agg *FileAggregate) IsBare() bool {
	return agg.file.Section(cfgCore).Key(cfgCoreBare).MustBool(false)
}

// MergeRenameLimit returns the maximum number of (deleted, added)
// pairs the rename detection will consider
func (agg *FileAggregate) MergeRenameLimit() int {
	return agg.file.Section(cfgMerge).Key(cfgMergeRenameLimit).MustInt(1000)
}

// GcAutoPackLimit returns the number of packs above which a
// consolidation is triggered
func (agg *FileAggregate) GcAutoPackLimit() int {
	return agg.file.Section(cfgGc).Key(cfgGcAutoPackLimit).MustInt(50)
}

// UpdateRepoFormatVersion sets core.repositoryformatversion
func (agg *FileAggregate) UpdateRepoFormatVersion(version string) {
	agg.file.Section(cfgCore).Key(cfgCoreFormatVersion).SetValue(version)
}

// UpdateCoreFileMode sets core.filemode
func (agg *FileAggregate) UpdateCoreFileMode(enabled bool) {
	agg.file.Section(cfgCore).Key(cfgCoreFileMode).SetValue(fmt.Sprintf("%t", enabled))
}

// UpdateCoreBare sets core.bare
func (agg *FileAggregate) UpdateCoreBare(bare bool) {
	agg.file.Section(cfgCore).Key(cfgCoreBare).SetValue(fmt.Sprintf("%t", bare))
}

// UpdateUser sets user.name and user.email
func (agg *FileAggregate) UpdateUser(name, email string) {
	agg.file.Section(cfgUser).Key(cfgUserName).SetValue(name)
	agg.file.Section(cfgUser).Key(cfgUserEmail).SetValue(email)
}

// Save persists the config to disk
func (agg *FileAggregate) Save() error {
	var buf bytes.Buffer
	if _, err := agg.file.WriteTo(&buf); err != nil {
		return fmt.Errorf("could not serialize the config: %w", err)
	}
	if err := afero.WriteFile(agg.fs, agg.path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("could not write the config to %s: %w", agg.path, err)
	}
	return nil
}
