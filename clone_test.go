package git_test

import (
	"bytes"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	git "github.com/goabstract/gitcore"
	"github.com/goabstract/gitcore/ginternals"
	"github.com/goabstract/gitcore/ginternals/object"
	"github.com/goabstract/gitcore/ginternals/packfile"
)

// buildClonePack packs a tiny history the way a remote would send it
func buildClonePack(t *testing.T) (pack []byte, head ginternals.Oid) {
	t.Helper()

	blob := object.New(object.TypeBlob, []byte("hello\n"))
	tree, err := object.NewTree([]object.TreeEntry{
		{Path: "hi.txt", ID: blob.ID(), Mode: object.ModeFile},
	})
	require.NoError(t, err)
	sig, err := object.NewSignatureFromBytes([]byte("Ann <ann@x> 1700000000 +0000"))
	require.NoError(t, err)
	commit := object.NewCommit(tree.ID(), sig, &object.CommitOptions{Message: "init\n"})

	w := packfile.NewWriter(3)
	_, err = w.WriteObject(blob.ID(), object.TypeBlob, blob.Bytes())
	require.NoError(t, err)
	_, err = w.WriteObject(tree.ID(), object.TypeTree, tree.ToObject().Bytes())
	require.NoError(t, err)
	_, err = w.WriteObject(commit.ID(), object.TypeCommit, commit.ToObject().Bytes())
	require.NoError(t, err)

	packBytes, _, _, err := w.Finalize()
	require.NoError(t, err)
	return packBytes, commit.ID()
}

func TestCloneFromPackStream(t *testing.T) {
	t.Parallel()

	packBytes, head := buildClonePack(t)

	r, err := git.InitRepositoryWithOptions("/clone", git.Options{FS: afero.NewMemMapFs()})
	require.NoError(t, err)
	defer r.Close() //nolint:errcheck // the clone already happened

	res, err := r.CloneFromPackStream(bytes.NewReader(packBytes), git.CloneFromPackStreamOptions{
		Refs: map[string]ginternals.Oid{
			"refs/heads/main": head,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ObjectCount)
	assert.Equal(t, head, res.Head)
	assert.Equal(t, "main", res.Branch)

	// the history reads straight from the received pack
	resolved, err := r.ResolveRevision("HEAD")
	require.NoError(t, err)
	assert.Equal(t, head, resolved)

	commits, err := r.Log(git.LogOptions{})
	require.NoError(t, err)
	require.Len(t, commits, 1)
	assert.Equal(t, "init\n", commits[0].Message())

	// the work tree got checked out
	data, err := afero.ReadFile(r.Config().FS, "/clone/hi.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))

	// and the status is clean
	status, err := r.Status()
	require.NoError(t, err)
	assert.True(t, status.Clean())
}

func TestDiff(t *testing.T) {
	t.Parallel()

	r := newRepo(t)
	writeAndCommit(t, r, "first\n", map[string]string{"f.txt": "A\nB\n"})

	t.Run("unstaged changes show up against the index", func(t *testing.T) {
		require.NoError(t, afero.WriteFile(r.Config().FS, "/repo/f.txt", []byte("A\nB2\n"), 0o644))

		diffs, err := r.Diff(git.DiffWorktree)
		require.NoError(t, err)
		require.Len(t, diffs, 1)
		assert.Equal(t, "f.txt", diffs[0].Path)
		assert.Equal(t, git.StatusModified, diffs[0].Status)
		assert.Contains(t, diffs[0].Patch, "-B\n")
		assert.Contains(t, diffs[0].Patch, "+B2\n")
	})

	t.Run("staged changes show up against HEAD", func(t *testing.T) {
		_, err := r.Add("f.txt")
		require.NoError(t, err)

		diffs, err := r.Diff(git.DiffHead)
		require.NoError(t, err)
		require.Len(t, diffs, 1)
		assert.Equal(t, git.StatusModified, diffs[0].Status)

		// nothing left against the work tree
		diffs, err = r.Diff(git.DiffWorktree)
		require.NoError(t, err)
		assert.Empty(t, diffs)
	})
}
