package ginternals_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goabstract/gitcore/ginternals"
)

func TestResolveReference(t *testing.T) {
	t.Parallel()

	sha := "9b91da06e69613397b38e0808e0ba5ee6983251b"
	oid, err := ginternals.NewOidFromStr(sha)
	require.NoError(t, err)

	t.Run("should resolve a direct reference", func(t *testing.T) {
		t.Parallel()

		finder := func(name string) ([]byte, error) {
			return []byte(sha + "\n"), nil
		}
		ref, err := ginternals.ResolveReference("refs/heads/master", finder)
		require.NoError(t, err)
		assert.Equal(t, ginternals.OidReference, ref.Type())
		assert.Equal(t, oid, ref.Target())
	})

	t.Run("should follow symbolic references", func(t *testing.T) {
		t.Parallel()

		contents := map[string]string{
			"HEAD":              "ref: refs/heads/master\n",
			"refs/heads/master": sha + "\n",
		}
		finder := func(name string) ([]byte, error) {
			data, ok := contents[name]
			if !ok {
				return nil, ginternals.ErrRefNotFound
			}
			return []byte(data), nil
		}
		ref, err := ginternals.ResolveReference("HEAD", finder)
		require.NoError(t, err)
		assert.Equal(t, ginternals.SymbolicReference, ref.Type())
		assert.Equal(t, "refs/heads/master", ref.SymbolicTarget())
		assert.Equal(t, oid, ref.Target())
	})

	t.Run("should reject a chain deeper than the limit", func(t *testing.T) {
		t.Parallel()

		finder := func(name string) ([]byte, error) {
			// every ref points at the next one, forever
			return []byte(fmt.Sprintf("ref: %s-x\n", name)), nil
		}
		_, err := ginternals.ResolveReference("refs/heads/master", finder)
		require.ErrorIs(t, err, ginternals.ErrRefDepthExceeded)
	})

	t.Run("should reject a circular chain", func(t *testing.T) {
		t.Parallel()

		contents := map[string]string{
			"refs/heads/a": "ref: refs/heads/b\n",
			"refs/heads/b": "ref: refs/heads/a\n",
		}
		finder := func(name string) ([]byte, error) {
			return []byte(contents[name]), nil
		}
		_, err := ginternals.ResolveReference("refs/heads/a", finder)
		require.ErrorIs(t, err, ginternals.ErrRefDepthExceeded)
	})
}

func TestIsRefNameValid(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		valid bool
	}{
		{name: "refs/heads/master", valid: true},
		{name: "HEAD", valid: true},
		{name: "refs/heads/feat/login", valid: true},
		{name: "", valid: false},
		{name: "refs/heads/", valid: false},
		{name: "refs/heads/master.", valid: false},
		{name: "refs/heads/mas ter", valid: false},
		{name: "refs/heads/mas~ter", valid: false},
		{name: "refs/heads/mas^ter", valid: false},
		{name: "refs/heads/mas:ter", valid: false},
		{name: "refs/heads/mas..ter", valid: false},
		{name: "refs/heads/master.lock", valid: false},
		{name: "refs/.hidden/master", valid: false},
	}
	for i, tc := range testCases {
		tc := tc
		t.Run(fmt.Sprintf("%d/%s", i, tc.name), func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tc.valid, ginternals.IsRefNameValid(tc.name))
		})
	}
}

func TestBranchNames(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "refs/heads/main", ginternals.LocalBranchFullName("main"))
	assert.Equal(t, "main", ginternals.LocalBranchShortName("refs/heads/main"))
	assert.Equal(t, "refs/tags/v1.0", ginternals.LocalTagFullName("v1.0"))
	assert.Equal(t, "v1.0", ginternals.LocalTagShortName("refs/tags/v1.0"))
	assert.True(t, ginternals.IsLocalBranch("refs/heads/main"))
	assert.False(t, ginternals.IsLocalBranch("refs/tags/v1.0"))
}
