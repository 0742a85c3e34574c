// Package config contains structs to interact with git configuration
// as well as to configure the library
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// DefaultDotGitDirName corresponds to the default name of the git
// directory inside a work tree
const DefaultDotGitDirName = ".git"

// ErrNoWorkTreeAlone is thrown when a work tree path is given for a
// bare repository
var ErrNoWorkTreeAlone = errors.New("cannot specify a work tree for a bare repository")

// Config represents the effective configuration of a repository: the
// paths everything lives at, plus the values held in config files
//
// If you decide to create a Config by yourself, make sure to set
// correct values everywhere
type Config struct {
	// FS represents the file system implementation to use to look for
	// files and directories
	FS afero.Fs

	// fromFile contains a reference to the config values held in the
	// local config file
	fromFile *FileAggregate

	// GitDirPath represents the path to the .git directory
	GitDirPath string
	// WorkTreePath represents the path to the work tree. Empty for a
	// bare repository
	WorkTreePath string
	// ObjectDirPath represents the path to the .git/objects directory
	ObjectDirPath string
	// LocalConfig represents the config file of the repository
	LocalConfig string
}

// LoadConfigOptions represents all the params used to set the default
// values of a Config object
type LoadConfigOptions struct {
	// FS represents the file system implementation to use to look for
	// files and directories.
	// Defaults to the regular filesystem
	FS afero.Fs
	// WorkTreePath corresponds to the directory that contains the .git
	WorkTreePath string
	// GitDirPath corresponds to the .git directory
	GitDirPath string
	// IsBare defines if the repo is bare. A bare repo has no work tree
	IsBare bool
}

// LoadConfig returns a Config object with the default git values
// applied to the given options
func LoadConfig(opts LoadConfigOptions) (*Config, error) {
	cfg := &Config{
		FS: opts.FS,
	}
	if cfg.FS == nil {
		cfg.FS = afero.NewOsFs()
	}

	switch {
	case opts.GitDirPath != "":
		cfg.GitDirPath = opts.GitDirPath
	case opts.WorkTreePath != "":
		cfg.GitDirPath = filepath.Join(opts.WorkTreePath, DefaultDotGitDirName)
	default:
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("could not get the current directory: %w", err)
		}
		cfg.GitDirPath = filepath.Join(wd, DefaultDotGitDirName)
	}

	if !opts.IsBare {
		cfg.WorkTreePath = opts.WorkTreePath
		if cfg.WorkTreePath == "" {
			cfg.WorkTreePath = filepath.Dir(cfg.GitDirPath)
		}
	} else if opts.WorkTreePath != "" {
		return nil, ErrNoWorkTreeAlone
	}

	cfg.ObjectDirPath = filepath.Join(cfg.GitDirPath, "objects")
	cfg.LocalConfig = filepath.Join(cfg.GitDirPath, "config")
	return cfg, nil
}

// IsBare returns whether the repository has a work tree
func (cfg *Config) IsBare() bool {
	return cfg.WorkTreePath == ""
}

// FromFile returns the config values held in the config files
func (cfg *Config) FromFile() *FileAggregate {
	if cfg.fromFile == nil {
		cfg.fromFile = newFileAggregate(cfg.FS, cfg.LocalConfig)
	}
	return cfg.fromFile
}
