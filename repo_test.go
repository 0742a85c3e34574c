package git_test

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	git "github.com/goabstract/gitcore"
	"github.com/goabstract/gitcore/ginternals"
	"github.com/goabstract/gitcore/ginternals/object"
	"github.com/goabstract/gitcore/ginternals/staging"
)

func newRepo(t *testing.T) *git.Repository {
	t.Helper()

	r, err := git.InitRepositoryWithOptions("/repo", git.Options{FS: afero.NewMemMapFs()})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, r.Close())
	})

	fromFile := r.Config().FromFile()
	fromFile.UpdateUser("Ann", "ann@x")
	require.NoError(t, fromFile.Save())
	return r
}

func fixedAuthor() object.Signature {
	return object.Signature{
		Name:  "Ann",
		Email: "ann@x",
		Time:  time.Unix(1700000000, 0).In(time.FixedZone("", 0)),
	}
}

// writeAndCommit writes files, stages everything, and commits
func writeAndCommit(t *testing.T, r *git.Repository, message string, files map[string]string) ginternals.Oid {
	t.Helper()

	fs := r.Config().FS
	for path, content := range files {
		require.NoError(t, afero.WriteFile(fs, "/repo/"+path, []byte(content), 0o644))
	}
	_, err := r.Add(".")
	require.NoError(t, err)

	res, err := r.Commit(message, git.CommitOptions{Author: fixedAuthor()})
	require.NoError(t, err)
	return res.ID
}

func TestInitialCommitRoundTrip(t *testing.T) {
	t.Parallel()

	r := newRepo(t)
	b := r.Backend()

	// store the blob, build the tree, commit, point a branch at it
	blob, err := r.NewBlob([]byte("hello\n"))
	require.NoError(t, err)
	require.Equal(t, "ce013625030ba8dba906f756967f9e9ca394464a", blob.ID().String())

	builder := staging.NewBuilder()
	require.NoError(t, builder.Add(staging.Entry{
		Path: "hi.txt",
		ID:   blob.ID(),
		Mode: object.ModeFile,
	}))
	treeID, err := builder.Build().WriteTree(b)
	require.NoError(t, err)

	commit := object.NewCommit(treeID, fixedAuthor(), &object.CommitOptions{Message: "init"})
	commitID, err := b.WriteObject(commit.ToObject())
	require.NoError(t, err)

	require.NoError(t, b.WriteReference(ginternals.NewReference("refs/heads/main", commitID)))
	require.NoError(t, b.WriteReference(ginternals.NewSymbolicReference(ginternals.Head, "refs/heads/main")))

	ref, err := b.Reference(ginternals.Head)
	require.NoError(t, err)
	assert.Equal(t, commitID, ref.Target())

	// everything reads back
	resolved, err := r.ResolveRevision("HEAD")
	require.NoError(t, err)
	assert.Equal(t, commitID, resolved)

	loaded, err := r.Object(commitID)
	require.NoError(t, err)
	parsed, err := loaded.AsCommit()
	require.NoError(t, err)
	assert.Equal(t, treeID, parsed.TreeID())
	assert.Equal(t, "Ann <ann@x> 1700000000 +0000", parsed.Author().String())
}

func TestAddCommitStatus(t *testing.T) {
	t.Parallel()

	r := newRepo(t)

	first := writeAndCommit(t, r, "first\n", map[string]string{
		"a.txt":     "a\n",
		"dir/b.txt": "b\n",
	})

	t.Run("a fresh commit leaves a clean status", func(t *testing.T) {
		res, err := r.Status()
		require.NoError(t, err)
		assert.True(t, res.Clean())
		assert.Equal(t, "master", res.Branch)
	})

	t.Run("log walks back from HEAD", func(t *testing.T) {
		second := writeAndCommit(t, r, "second\n", map[string]string{"a.txt": "a2\n"})

		commits, err := r.Log(git.LogOptions{})
		require.NoError(t, err)
		require.Len(t, commits, 2)
		assert.Equal(t, second, commits[0].ID())
		assert.Equal(t, first, commits[1].ID())
		assert.Equal(t, "second\n", commits[0].Message())
	})

	t.Run("an untracked file shows up, staging it moves it", func(t *testing.T) {
		fs := r.Config().FS
		require.NoError(t, afero.WriteFile(fs, "/repo/new.txt", []byte("new\n"), 0o644))

		res, err := r.Status()
		require.NoError(t, err)
		assert.Equal(t, []string{"new.txt"}, res.Untracked)

		_, err = r.Add("new.txt")
		require.NoError(t, err)
		res, err = r.Status()
		require.NoError(t, err)
		assert.Empty(t, res.Untracked)
		require.Len(t, res.Staged, 1)
		assert.Equal(t, "new.txt", res.Staged[0].Path)
		assert.Equal(t, git.StatusAdded, res.Staged[0].Status)
	})

	t.Run("committing nothing fails", func(t *testing.T) {
		_, err := r.Commit("empty\n", git.CommitOptions{Author: fixedAuthor()})
		// new.txt is still staged from the previous subtest
		require.NoError(t, err)
		_, err = r.Commit("empty\n", git.CommitOptions{Author: fixedAuthor()})
		require.ErrorIs(t, err, git.ErrNothingToCommit)
	})
}

func TestBranches(t *testing.T) {
	t.Parallel()

	r := newRepo(t)
	first := writeAndCommit(t, r, "first\n", map[string]string{"a.txt": "a\n"})

	branch, err := r.CreateBranch("feat", "")
	require.NoError(t, err)
	assert.Equal(t, first, branch.Target)

	_, err = r.CreateBranch("feat", "")
	require.ErrorIs(t, err, ginternals.ErrRefExists)

	branches, err := r.Branches()
	require.NoError(t, err)
	require.Len(t, branches, 2)
	assert.Equal(t, "feat", branches[0].Name)
	assert.False(t, branches[0].IsHead)
	assert.Equal(t, "master", branches[1].Name)
	assert.True(t, branches[1].IsHead)

	require.NoError(t, r.RenameBranch("feat", "feature"))
	_, err = r.Backend().Reference("refs/heads/feat")
	require.ErrorIs(t, err, ginternals.ErrRefNotFound)

	require.NoError(t, r.DeleteBranch("feature"))
	err = r.DeleteBranch("master")
	require.Error(t, err, "the current branch cannot be deleted")
}

func TestMergeFastForwardAndNoFF(t *testing.T) {
	t.Parallel()

	t.Run("an ancestor merge fast-forwards by default", func(t *testing.T) {
		t.Parallel()

		r := newRepo(t)
		a := writeAndCommit(t, r, "A\n", map[string]string{"f.txt": "base\n"})

		// feat gets one more commit, master stays at A
		_, err := r.CreateBranch("feat", "")
		require.NoError(t, err)
		_, err = r.Checkout("feat", git.CheckoutOptions{})
		require.NoError(t, err)
		c := writeAndCommit(t, r, "C\n", map[string]string{"f.txt": "feat\n"})

		_, err = r.Checkout("master", git.CheckoutOptions{})
		require.NoError(t, err)

		res, err := r.Merge("feat", git.MergeOptions{})
		require.NoError(t, err)
		assert.Equal(t, git.MergeFastForward, res.Status)
		assert.Equal(t, c, res.NewHead)

		head, err := r.ResolveRevision("HEAD")
		require.NoError(t, err)
		assert.Equal(t, c, head)
		assert.NotEqual(t, a, head)

		// the work tree followed
		data, err := afero.ReadFile(r.Config().FS, "/repo/f.txt")
		require.NoError(t, err)
		assert.Equal(t, "feat\n", string(data))
	})

	t.Run("no-ff forces a merge commit with both parents", func(t *testing.T) {
		t.Parallel()

		r := newRepo(t)
		a := writeAndCommit(t, r, "A\n", map[string]string{"f.txt": "base\n"})

		_, err := r.CreateBranch("feat", "")
		require.NoError(t, err)
		_, err = r.Checkout("feat", git.CheckoutOptions{})
		require.NoError(t, err)
		c := writeAndCommit(t, r, "C\n", map[string]string{"f.txt": "feat\n"})

		_, err = r.Checkout("master", git.CheckoutOptions{})
		require.NoError(t, err)

		res, err := r.Merge("feat", git.MergeOptions{NoFF: true, Author: fixedAuthor()})
		require.NoError(t, err)
		require.Equal(t, git.MergeOK, res.Status)

		merge, err := r.Object(res.NewHead)
		require.NoError(t, err)
		parsed, err := merge.AsCommit()
		require.NoError(t, err)
		assert.Equal(t, []ginternals.Oid{a, c}, parsed.ParentIDs())
	})

	t.Run("merging an ancestor is up to date", func(t *testing.T) {
		t.Parallel()

		r := newRepo(t)
		writeAndCommit(t, r, "A\n", map[string]string{"f.txt": "base\n"})
		_, err := r.CreateBranch("old", "")
		require.NoError(t, err)
		writeAndCommit(t, r, "B\n", map[string]string{"f.txt": "more\n"})

		res, err := r.Merge("old", git.MergeOptions{})
		require.NoError(t, err)
		assert.Equal(t, git.MergeUpToDate, res.Status)
	})
}

func TestMergeThreeWay(t *testing.T) {
	t.Parallel()

	t.Run("divergent branches with disjoint edits merge cleanly", func(t *testing.T) {
		t.Parallel()

		r := newRepo(t)
		writeAndCommit(t, r, "base\n", map[string]string{"f.txt": "A\nB\nC\n"})

		_, err := r.CreateBranch("feat", "")
		require.NoError(t, err)
		_, err = r.Checkout("feat", git.CheckoutOptions{})
		require.NoError(t, err)
		writeAndCommit(t, r, "theirs\n", map[string]string{"f.txt": "A\nB\nC2\n"})

		_, err = r.Checkout("master", git.CheckoutOptions{})
		require.NoError(t, err)
		writeAndCommit(t, r, "ours\n", map[string]string{"f.txt": "A\nB2\nC\n"})

		res, err := r.Merge("feat", git.MergeOptions{Author: fixedAuthor()})
		require.NoError(t, err)
		require.Equal(t, git.MergeOK, res.Status)

		data, err := afero.ReadFile(r.Config().FS, "/repo/f.txt")
		require.NoError(t, err)
		assert.Equal(t, "A\nB2\nC2\n", string(data))
	})

	t.Run("overlapping edits stop with staged conflicts", func(t *testing.T) {
		t.Parallel()

		r := newRepo(t)
		writeAndCommit(t, r, "base\n", map[string]string{"f.txt": "A\nB\nC\n"})

		_, err := r.CreateBranch("feat", "")
		require.NoError(t, err)
		_, err = r.Checkout("feat", git.CheckoutOptions{})
		require.NoError(t, err)
		theirs := writeAndCommit(t, r, "theirs\n", map[string]string{"f.txt": "A\ntheirs\nC\n"})

		_, err = r.Checkout("master", git.CheckoutOptions{})
		require.NoError(t, err)
		writeAndCommit(t, r, "ours\n", map[string]string{"f.txt": "A\nours\nC\n"})

		res, err := r.Merge("feat", git.MergeOptions{})
		require.NoError(t, err)
		require.Equal(t, git.MergeConflicts, res.Status)
		require.Len(t, res.Conflicts, 1)
		assert.Equal(t, "f.txt", res.Conflicts[0].Path)

		// MERGE_HEAD records the other side, the index holds stages
		mergeHead, err := r.Backend().Reference(ginternals.MergeHead)
		require.NoError(t, err)
		assert.Equal(t, theirs, mergeHead.Target())

		idx, err := r.Staging()
		require.NoError(t, err)
		assert.Equal(t, []string{"f.txt"}, idx.ConflictedPaths())

		// the work tree carries the markers
		data, err := afero.ReadFile(r.Config().FS, "/repo/f.txt")
		require.NoError(t, err)
		assert.Contains(t, string(data), "<<<<<<< ours")

		// another merge is refused while this one is open
		_, err = r.Merge("feat", git.MergeOptions{})
		require.ErrorIs(t, err, git.ErrOperationInProgress)

		// resolve, then continue
		require.NoError(t, idx.Resolve("f.txt", staging.ResolveTheirs))
		require.NoError(t, idx.WriteFile(r.Config().FS, "/repo/.git/index"))

		contRes, err := r.ContinueMerge("merged\n")
		require.NoError(t, err)
		assert.Equal(t, git.MergeOK, contRes.Status)

		merged, err := r.Object(contRes.NewHead)
		require.NoError(t, err)
		parsed, err := merged.AsCommit()
		require.NoError(t, err)
		require.Len(t, parsed.ParentIDs(), 2)
		assert.Equal(t, theirs, parsed.ParentIDs()[1])
	})

	t.Run("abort restores the pre-merge state", func(t *testing.T) {
		t.Parallel()

		r := newRepo(t)
		writeAndCommit(t, r, "base\n", map[string]string{"f.txt": "A\nB\nC\n"})

		_, err := r.CreateBranch("feat", "")
		require.NoError(t, err)
		_, err = r.Checkout("feat", git.CheckoutOptions{})
		require.NoError(t, err)
		writeAndCommit(t, r, "theirs\n", map[string]string{"f.txt": "A\ntheirs\nC\n"})

		_, err = r.Checkout("master", git.CheckoutOptions{})
		require.NoError(t, err)
		ours := writeAndCommit(t, r, "ours\n", map[string]string{"f.txt": "A\nours\nC\n"})

		res, err := r.Merge("feat", git.MergeOptions{})
		require.NoError(t, err)
		require.Equal(t, git.MergeConflicts, res.Status)

		require.NoError(t, r.AbortMerge())
		head, err := r.ResolveRevision("HEAD")
		require.NoError(t, err)
		assert.Equal(t, ours, head)

		data, err := afero.ReadFile(r.Config().FS, "/repo/f.txt")
		require.NoError(t, err)
		assert.Equal(t, "A\nours\nC\n", string(data))

		idx, err := r.Staging()
		require.NoError(t, err)
		assert.False(t, idx.HasConflicts())
	})
}

func TestRebase(t *testing.T) {
	t.Parallel()

	t.Run("divergent work replays on top of upstream", func(t *testing.T) {
		t.Parallel()

		r := newRepo(t)
		writeAndCommit(t, r, "base\n", map[string]string{"shared.txt": "A\nB\nC\n"})

		_, err := r.CreateBranch("feat", "")
		require.NoError(t, err)

		// master moves on
		upstream := writeAndCommit(t, r, "upstream\n", map[string]string{"shared.txt": "A\nB\nC2\n"})

		// feat does its own thing
		_, err = r.Checkout("feat", git.CheckoutOptions{})
		require.NoError(t, err)
		writeAndCommit(t, r, "mine\n", map[string]string{"mine.txt": "mine\n"})

		res, err := r.Rebase("master", "")
		require.NoError(t, err)
		require.Equal(t, git.RebaseOK, res.Status)

		// the rebased head has upstream as ancestor and both changes
		isAncestor, err := r.IsAncestor(upstream, res.NewHead)
		require.NoError(t, err)
		assert.True(t, isAncestor)

		data, err := afero.ReadFile(r.Config().FS, "/repo/shared.txt")
		require.NoError(t, err)
		assert.Equal(t, "A\nB\nC2\n", string(data))
		data, err = afero.ReadFile(r.Config().FS, "/repo/mine.txt")
		require.NoError(t, err)
		assert.Equal(t, "mine\n", string(data))
	})

	t.Run("an already-contained branch is up to date", func(t *testing.T) {
		t.Parallel()

		r := newRepo(t)
		writeAndCommit(t, r, "base\n", map[string]string{"a.txt": "a\n"})
		res, err := r.Rebase("master", "")
		require.NoError(t, err)
		assert.Equal(t, git.RebaseUpToDate, res.Status)
	})

	t.Run("a conflicting replay stops and can be aborted", func(t *testing.T) {
		t.Parallel()

		r := newRepo(t)
		writeAndCommit(t, r, "base\n", map[string]string{"f.txt": "A\nB\nC\n"})

		_, err := r.CreateBranch("feat", "")
		require.NoError(t, err)
		writeAndCommit(t, r, "upstream\n", map[string]string{"f.txt": "A\nupstream\nC\n"})

		_, err = r.Checkout("feat", git.CheckoutOptions{})
		require.NoError(t, err)
		mine := writeAndCommit(t, r, "mine\n", map[string]string{"f.txt": "A\nmine\nC\n"})

		res, err := r.Rebase("master", "")
		require.NoError(t, err)
		require.Equal(t, git.RebaseStopped, res.Status)
		assert.Equal(t, mine, res.StoppedAt)
		require.NotEmpty(t, res.Conflicts)

		abortRes, err := r.AbortRebase()
		require.NoError(t, err)
		assert.Equal(t, git.RebaseAborted, abortRes.Status)

		head, err := r.ResolveRevision("HEAD")
		require.NoError(t, err)
		assert.Equal(t, mine, head)
	})
}

func TestReset(t *testing.T) {
	t.Parallel()

	r := newRepo(t)
	first := writeAndCommit(t, r, "first\n", map[string]string{"f.txt": "v1\n"})
	writeAndCommit(t, r, "second\n", map[string]string{"f.txt": "v2\n"})

	t.Run("soft only moves HEAD", func(t *testing.T) {
		require.NoError(t, r.Reset(first.String(), git.ResetSoft))
		head, err := r.ResolveRevision("HEAD")
		require.NoError(t, err)
		assert.Equal(t, first, head)

		// the staged content still holds v2
		status, err := r.Status()
		require.NoError(t, err)
		require.Len(t, status.Staged, 1)
	})

	t.Run("hard also resets index and work tree", func(t *testing.T) {
		require.NoError(t, r.Reset(first.String(), git.ResetHard))
		data, err := afero.ReadFile(r.Config().FS, "/repo/f.txt")
		require.NoError(t, err)
		assert.Equal(t, "v1\n", string(data))

		status, err := r.Status()
		require.NoError(t, err)
		assert.True(t, status.Clean())
	})

	t.Run("ORIG_HEAD keeps the old position reachable", func(t *testing.T) {
		orig, err := r.Backend().Reference(ginternals.OrigHead)
		require.NoError(t, err)
		assert.Equal(t, first, orig.Target())
	})
}

func TestCherryPickAndRevert(t *testing.T) {
	t.Parallel()

	r := newRepo(t)
	writeAndCommit(t, r, "base\n", map[string]string{"a.txt": "a\n"})

	_, err := r.CreateBranch("feat", "")
	require.NoError(t, err)
	_, err = r.Checkout("feat", git.CheckoutOptions{})
	require.NoError(t, err)
	pick := writeAndCommit(t, r, "add feature\n", map[string]string{"feature.txt": "feature\n"})

	_, err = r.Checkout("master", git.CheckoutOptions{})
	require.NoError(t, err)

	res, err := r.CherryPick(pick.String())
	require.NoError(t, err)
	require.Equal(t, git.MergeOK, res.Status)
	data, err := afero.ReadFile(r.Config().FS, "/repo/feature.txt")
	require.NoError(t, err)
	assert.Equal(t, "feature\n", string(data))

	// the picked commit keeps its message
	picked, err := r.Object(res.NewHead)
	require.NoError(t, err)
	parsed, err := picked.AsCommit()
	require.NoError(t, err)
	assert.Equal(t, "add feature\n", parsed.Message())

	// reverting it removes the file again
	revertRes, err := r.Revert(res.NewHead.String())
	require.NoError(t, err)
	require.Equal(t, git.MergeOK, revertRes.Status)
	exists, err := afero.Exists(r.Config().FS, "/repo/feature.txt")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestGC(t *testing.T) {
	t.Parallel()

	r := newRepo(t)
	writeAndCommit(t, r, "first\n", map[string]string{
		"a.txt": "some content\n",
		"b.txt": "some content with a twist\n",
	})
	head := writeAndCommit(t, r, "second\n", map[string]string{"a.txt": "some content, edited\n"})

	res, err := r.GC()
	require.NoError(t, err)
	assert.Greater(t, res.Packed, 0)

	// everything is still reachable, now from the pack
	commits, err := r.Log(git.LogOptions{})
	require.NoError(t, err)
	require.Len(t, commits, 2)
	assert.Equal(t, head, commits[0].ID())

	status, err := r.Status()
	require.NoError(t, err)
	assert.True(t, status.Clean())

	// no loose object survived the repack
	loose := 0
	err = r.Backend().WalkLooseObjectIDs(func(ginternals.Oid) error {
		loose++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, loose)
}

func TestTags(t *testing.T) {
	t.Parallel()

	r := newRepo(t)
	first := writeAndCommit(t, r, "first\n", map[string]string{"a.txt": "a\n"})

	t.Run("lightweight tags point at the commit", func(t *testing.T) {
		tag, err := r.CreateTag("v0.1", "", git.TagOptions{})
		require.NoError(t, err)
		assert.False(t, tag.IsAnnotated)
		assert.Equal(t, first, tag.Target)

		resolved, err := r.ResolveRevision("v0.1")
		require.NoError(t, err)
		assert.Equal(t, first, resolved)
	})

	t.Run("annotated tags get a tag object that peels", func(t *testing.T) {
		tag, err := r.CreateTag("v1.0", "", git.TagOptions{Message: "first release\n", Tagger: fixedAuthor()})
		require.NoError(t, err)
		assert.True(t, tag.IsAnnotated)
		assert.NotEqual(t, first, tag.Target)

		// resolving the tag peels down to the commit
		resolved, err := r.ResolveRevision("v1.0")
		require.NoError(t, err)
		assert.Equal(t, first, resolved)
	})

	t.Run("tags list and delete", func(t *testing.T) {
		tags, err := r.Tags()
		require.NoError(t, err)
		require.Len(t, tags, 2)

		require.NoError(t, r.DeleteTag("v0.1"))
		tags, err = r.Tags()
		require.NoError(t, err)
		require.Len(t, tags, 1)
		assert.Equal(t, "v1.0", tags[0].Name)
	})
}

func TestCheckoutSafety(t *testing.T) {
	t.Parallel()

	r := newRepo(t)
	writeAndCommit(t, r, "first\n", map[string]string{"f.txt": "v1\n"})
	_, err := r.CreateBranch("feat", "")
	require.NoError(t, err)
	writeAndCommit(t, r, "second\n", map[string]string{"f.txt": "v2\n"})

	// dirty the file, then try to switch to a branch that would
	// overwrite it
	require.NoError(t, afero.WriteFile(r.Config().FS, "/repo/f.txt", []byte("dirty\n"), 0o644))
	_, err = r.Checkout("feat", git.CheckoutOptions{})
	require.ErrorIs(t, err, git.ErrCheckoutWouldLoseChanges)

	// force wins
	res, err := r.Checkout("feat", git.CheckoutOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, "feat", res.Branch)
	data, err := afero.ReadFile(r.Config().FS, "/repo/f.txt")
	require.NoError(t, err)
	assert.Equal(t, "v1\n", string(data))
}
