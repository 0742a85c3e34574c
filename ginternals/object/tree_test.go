package object_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goabstract/gitcore/ginternals"
	"github.com/goabstract/gitcore/ginternals/object"
)

func blobOid(t *testing.T, content string) ginternals.Oid {
	t.Helper()
	return object.New(object.TypeBlob, []byte(content)).ID()
}

func TestTree(t *testing.T) {
	t.Parallel()

	t.Run("entries should be canonically ordered", func(t *testing.T) {
		t.Parallel()

		// "foo.txt" sorts BEFORE the subtree "foo" because subtrees
		// compare as if suffixed with a "/" ("foo." < "foo/")
		tree, err := object.NewTree([]object.TreeEntry{
			{Mode: object.ModeDirectory, Path: "foo", ID: ginternals.EmptyTreeOid},
			{Mode: object.ModeFile, Path: "foo.txt", ID: blobOid(t, "a")},
			{Mode: object.ModeFile, Path: "bar", ID: blobOid(t, "b")},
		})
		require.NoError(t, err)

		entries := tree.Entries()
		require.Len(t, entries, 3)
		assert.Equal(t, "bar", entries[0].Path)
		assert.Equal(t, "foo.txt", entries[1].Path)
		assert.Equal(t, "foo", entries[2].Path)
	})

	t.Run("identity should be stable under input order", func(t *testing.T) {
		t.Parallel()

		entries := []object.TreeEntry{
			{Mode: object.ModeFile, Path: "a", ID: blobOid(t, "a")},
			{Mode: object.ModeFile, Path: "b", ID: blobOid(t, "b")},
		}
		reversed := []object.TreeEntry{entries[1], entries[0]}

		t1, err := object.NewTree(entries)
		require.NoError(t, err)
		t2, err := object.NewTree(reversed)
		require.NoError(t, err)
		assert.Equal(t, t1.ID(), t2.ID())
	})

	t.Run("duplicate names should be rejected", func(t *testing.T) {
		t.Parallel()

		_, err := object.NewTree([]object.TreeEntry{
			{Mode: object.ModeFile, Path: "a", ID: blobOid(t, "a")},
			{Mode: object.ModeFile, Path: "a", ID: blobOid(t, "b")},
		})
		require.ErrorIs(t, err, object.ErrDuplicateEntry)
	})

	t.Run("ToObject/NewTreeFromObject should round-trip", func(t *testing.T) {
		t.Parallel()

		tree, err := object.NewTree([]object.TreeEntry{
			{Mode: object.ModeFile, Path: "hi.txt", ID: blobOid(t, "hello\n")},
			{Mode: object.ModeExecutable, Path: "run.sh", ID: blobOid(t, "#!/bin/sh\n")},
			{Mode: object.ModeDirectory, Path: "sub", ID: ginternals.EmptyTreeOid},
		})
		require.NoError(t, err)

		o := tree.ToObject()
		parsed, err := object.NewTreeFromObject(o)
		require.NoError(t, err)
		assert.Equal(t, tree.Entries(), parsed.Entries())
		assert.Equal(t, tree.ID(), parsed.ID())
	})

	t.Run("Entry should find entries by name", func(t *testing.T) {
		t.Parallel()

		tree, err := object.NewTree([]object.TreeEntry{
			{Mode: object.ModeFile, Path: "hi.txt", ID: blobOid(t, "hello\n")},
		})
		require.NoError(t, err)

		e, err := tree.Entry("hi.txt")
		require.NoError(t, err)
		assert.Equal(t, blobOid(t, "hello\n"), e.ID)

		_, err = tree.Entry("nope")
		require.ErrorIs(t, err, ginternals.ErrObjectNotFound)
	})
}

func TestTreeObjectMode(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		desc     string
		mode     object.TreeObjectMode
		valid    bool
		expected object.Type
	}{
		{desc: "file", mode: object.ModeFile, valid: true, expected: object.TypeBlob},
		{desc: "executable", mode: object.ModeExecutable, valid: true, expected: object.TypeBlob},
		{desc: "symlink", mode: object.ModeSymLink, valid: true, expected: object.TypeBlob},
		{desc: "directory", mode: object.ModeDirectory, valid: true, expected: object.TypeTree},
		{desc: "gitlink", mode: object.ModeGitLink, valid: true, expected: object.TypeCommit},
		{desc: "bogus", mode: 0o644, valid: false, expected: object.TypeBlob},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.desc, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tc.valid, tc.mode.IsValid())
			assert.Equal(t, tc.expected, tc.mode.ObjectType())
		})
	}
}
