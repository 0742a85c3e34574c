// Package backend contains the object database: typed object storage
// layered over raw keyed stores, packfiles mounted as read-only
// fallbacks, and the reference storage (loose + packed)
package backend

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/goabstract/gitcore/backend/rawstore"
	"github.com/goabstract/gitcore/ginternals"
	"github.com/goabstract/gitcore/ginternals/config"
	"github.com/goabstract/gitcore/ginternals/packfile"
	"github.com/goabstract/gitcore/internal/cache"
	"github.com/goabstract/gitcore/internal/syncutil"
)

// WalkStop is a fake error used to tell WalkReferences() to stop
var WalkStop = errors.New("stop walking") //nolint:errname // it's a sentinel, not a failure

// RefWalkFunc represents a function that will be applied on all
// references found by WalkReferences()
type RefWalkFunc = func(ref *ginternals.Reference) error

// cacheSize bounds how many decoded objects are kept in memory
const cacheSize = 1_000

// Backend is the filesystem-backed odb of a repository
type Backend struct {
	fs     afero.Fs
	config *config.Config
	logger *logrus.Logger

	// loose is the writable layer: zlib over the fan-out file store
	loose *rawstore.Zlib
	// store layers the packfiles under the loose objects
	store *rawstore.Composite

	packs   map[ginternals.Oid]*packfile.Pack
	packsMu sync.RWMutex

	cache    *cache.LRU
	objectMu *syncutil.NamedMutex
	refMu    sync.Mutex
}

// Options tunes the creation of a Backend
type Options struct {
	// Logger receives progress information from maintenance tasks.
	// A nil logger discards everything
	Logger *logrus.Logger
}

// New returns a Backend for the repository described by cfg.
// Existing packfiles are discovered right away; the Backend must be
// closed with Close()
func New(cfg *config.Config) (*Backend, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions returns a Backend using the provided options
func NewWithOptions(cfg *config.Config, opts Options) (*Backend, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(nopWriter{})
	}

	b := &Backend{
		fs:       cfg.FS,
		config:   cfg,
		logger:   logger,
		packs:    map[ginternals.Oid]*packfile.Pack{},
		cache:    cache.NewLRU(cacheSize),
		objectMu: syncutil.NewNamedMutex(101),
	}
	b.loose = rawstore.NewZlib(rawstore.NewFS(cfg.FS, ginternals.ObjectsPath(cfg)))
	b.store = rawstore.NewComposite(b.loose)

	if err := b.loadPacks(); err != nil {
		return nil, fmt.Errorf("could not load the packfiles: %w", err)
	}
	return b, nil
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

// Path returns the path of the gitdir the backend works on
func (b *Backend) Path() string {
	return ginternals.DotGitPath(b.config)
}

// Config returns the configuration of the repository
func (b *Backend) Config() *config.Config {
	return b.config
}

// Close frees the resources
func (b *Backend) Close() error {
	b.packsMu.Lock()
	defer b.packsMu.Unlock()

	var firstErr error
	for id, pack := range b.packs {
		if err := pack.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("could not close pack %s: %w", id.String(), err)
		}
		delete(b.packs, id)
	}
	return firstErr
}
