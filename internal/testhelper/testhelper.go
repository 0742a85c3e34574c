// Package testhelper contains helpers to simplify tests
package testhelper

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/goabstract/gitcore/ginternals/config"
)

// MemFs returns an in-memory filesystem for tests
func MemFs(t *testing.T) afero.Fs {
	t.Helper()
	return afero.NewMemMapFs()
}

// NewConfig returns a Config rooted in a throw-away directory of an
// in-memory filesystem
func NewConfig(t *testing.T, fs afero.Fs) *config.Config {
	t.Helper()

	cfg, err := config.LoadConfig(config.LoadConfigOptions{
		FS:           fs,
		WorkTreePath: "/repo",
	})
	require.NoError(t, err)
	return cfg
}
