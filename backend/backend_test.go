package backend_test

import (
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goabstract/gitcore/backend"
	"github.com/goabstract/gitcore/ginternals"
	"github.com/goabstract/gitcore/ginternals/object"
	"github.com/goabstract/gitcore/ginternals/packfile"
	"github.com/goabstract/gitcore/internal/testhelper"
)

func newBackend(t *testing.T) *backend.Backend {
	t.Helper()

	fs := testhelper.MemFs(t)
	cfg := testhelper.NewConfig(t, fs)

	b, err := backend.New(cfg)
	require.NoError(t, err)
	require.NoError(t, b.Init("master"))
	t.Cleanup(func() {
		require.NoError(t, b.Close())
	})
	return b
}

func TestObjects(t *testing.T) {
	t.Parallel()

	t.Run("write then read should round-trip", func(t *testing.T) {
		t.Parallel()

		b := newBackend(t)
		o := object.New(object.TypeBlob, []byte("hello\n"))
		oid, err := b.WriteObject(o)
		require.NoError(t, err)
		assert.Equal(t, "ce013625030ba8dba906f756967f9e9ca394464a", oid.String())

		loaded, err := b.Object(oid)
		require.NoError(t, err)
		assert.Equal(t, object.TypeBlob, loaded.Type())
		assert.Equal(t, []byte("hello\n"), loaded.Bytes())

		found, err := b.HasObject(oid)
		require.NoError(t, err)
		assert.True(t, found)
	})

	t.Run("ObjectHeader should not need the content", func(t *testing.T) {
		t.Parallel()

		b := newBackend(t)
		oid, err := b.WriteObject(object.New(object.TypeBlob, []byte("hello\n")))
		require.NoError(t, err)

		typ, size, err := b.ObjectHeader(oid)
		require.NoError(t, err)
		assert.Equal(t, object.TypeBlob, typ)
		assert.Equal(t, int64(6), size)
	})

	t.Run("the empty tree should exist without storage", func(t *testing.T) {
		t.Parallel()

		b := newBackend(t)
		found, err := b.HasObject(ginternals.EmptyTreeOid)
		require.NoError(t, err)
		assert.True(t, found)

		o, err := b.Object(ginternals.EmptyTreeOid)
		require.NoError(t, err)
		tree, err := o.AsTree()
		require.NoError(t, err)
		assert.Empty(t, tree.Entries())

		// writing it is a no-op
		emptyTree, err := object.NewTree(nil)
		require.NoError(t, err)
		oid, err := b.WriteObject(emptyTree.ToObject())
		require.NoError(t, err)
		assert.Equal(t, ginternals.EmptyTreeOid, oid)
		err = b.WalkLooseObjectIDs(func(ginternals.Oid) error {
			t.Fatal("nothing should be stored")
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("a missing object should report not-found", func(t *testing.T) {
		t.Parallel()

		b := newBackend(t)
		missing := object.New(object.TypeBlob, []byte("nope")).ID()
		_, err := b.Object(missing)
		require.ErrorIs(t, err, ginternals.ErrObjectNotFound)
	})

	t.Run("delete should remove a loose object", func(t *testing.T) {
		t.Parallel()

		b := newBackend(t)
		oid, err := b.WriteObject(object.New(object.TypeBlob, []byte("temporary")))
		require.NoError(t, err)
		require.NoError(t, b.DeleteObject(oid))
		_, err = b.Object(oid)
		require.ErrorIs(t, err, ginternals.ErrObjectNotFound)
	})
}

func TestPackedObjects(t *testing.T) {
	t.Parallel()

	t.Run("objects should stay visible after moving into a pack", func(t *testing.T) {
		t.Parallel()

		b := newBackend(t)

		// a blob, a tree holding it, and a commit
		blobOid, err := b.WriteObject(object.New(object.TypeBlob, []byte("A")))
		require.NoError(t, err)
		tree, err := object.NewTree([]object.TreeEntry{{Path: "a.txt", ID: blobOid, Mode: object.ModeFile}})
		require.NoError(t, err)
		treeOid, err := b.WriteObject(tree.ToObject())
		require.NoError(t, err)
		sig, err := object.NewSignatureFromBytes([]byte("Ann <ann@x> 1700000000 +0000"))
		require.NoError(t, err)
		commitOid, err := b.WriteObject(object.NewCommit(treeOid, sig, &object.CommitOptions{Message: "init\n"}).ToObject())
		require.NoError(t, err)

		// move the three into a pack by hand
		w := packfile.NewWriter(3)
		for _, oid := range []ginternals.Oid{blobOid, treeOid, commitOid} {
			o, err := b.Object(oid)
			require.NoError(t, err)
			_, err = w.WriteObject(oid, o.Type(), o.Bytes())
			require.NoError(t, err)
		}
		packBytes, idxBytes, id, err := w.Finalize()
		require.NoError(t, err)

		packDir := ginternals.ObjectsPacksPath(b.Config())
		require.NoError(t, b.Config().FS.MkdirAll(packDir, 0o755))
		base := ginternals.PackfilePath(b.Config(), packfile.Name(id))
		require.NoError(t, afero.WriteFile(b.Config().FS, base+packfile.ExtPackfile, packBytes, 0o444))
		require.NoError(t, afero.WriteFile(b.Config().FS, base+packfile.ExtIndex, idxBytes, 0o444))
		require.NoError(t, b.RefreshPacks())

		// delete the loose copies: the pack keeps everything alive
		for _, oid := range []ginternals.Oid{blobOid, treeOid, commitOid} {
			require.NoError(t, b.DeleteObject(oid))
		}

		found, err := b.HasObject(blobOid)
		require.NoError(t, err)
		assert.True(t, found)

		o, err := b.Object(blobOid)
		require.NoError(t, err)
		assert.Equal(t, []byte("A"), o.Bytes())

		typ, _, err := b.ObjectHeader(commitOid)
		require.NoError(t, err)
		assert.Equal(t, object.TypeCommit, typ)
	})
}

func TestReferences(t *testing.T) {
	t.Parallel()

	oid1, _ := ginternals.NewOidFromStr("1111111111111111111111111111111111111111")
	oid2, _ := ginternals.NewOidFromStr("2222222222222222222222222222222222222222")

	t.Run("write then resolve should round-trip", func(t *testing.T) {
		t.Parallel()

		b := newBackend(t)
		require.NoError(t, b.WriteReference(ginternals.NewReference("refs/heads/main", oid1)))

		ref, err := b.Reference("refs/heads/main")
		require.NoError(t, err)
		assert.Equal(t, oid1, ref.Target())
	})

	t.Run("HEAD should follow its branch", func(t *testing.T) {
		t.Parallel()

		b := newBackend(t)
		require.NoError(t, b.WriteReference(ginternals.NewReference("refs/heads/master", oid1)))

		ref, err := b.Reference(ginternals.Head)
		require.NoError(t, err)
		assert.Equal(t, ginternals.SymbolicReference, ref.Type())
		assert.Equal(t, "refs/heads/master", ref.SymbolicTarget())
		assert.Equal(t, oid1, ref.Target())
	})

	t.Run("WriteReferenceSafe should refuse an existing ref", func(t *testing.T) {
		t.Parallel()

		b := newBackend(t)
		require.NoError(t, b.WriteReferenceSafe(ginternals.NewReference("refs/heads/feat", oid1)))
		err := b.WriteReferenceSafe(ginternals.NewReference("refs/heads/feat", oid2))
		require.ErrorIs(t, err, ginternals.ErrRefExists)
	})

	t.Run("compare-and-swap should have exactly one winner", func(t *testing.T) {
		t.Parallel()

		b := newBackend(t)
		require.NoError(t, b.WriteReference(ginternals.NewReference("refs/heads/race", oid1)))

		const contenders = 8
		var wg sync.WaitGroup
		errs := make([]error, contenders)
		for i := 0; i < contenders; i++ {
			i := i
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs[i] = b.CompareAndSwapReference("refs/heads/race", oid1, oid2)
			}()
		}
		wg.Wait()

		winners := 0
		for _, err := range errs {
			if err == nil {
				winners++
			} else {
				require.ErrorIs(t, err, ginternals.ErrRefLockContended)
			}
		}
		assert.Equal(t, 1, winners)

		ref, err := b.Reference("refs/heads/race")
		require.NoError(t, err)
		assert.Equal(t, oid2, ref.Target())
	})

	t.Run("compare-and-swap against a stale value should lose", func(t *testing.T) {
		t.Parallel()

		b := newBackend(t)
		require.NoError(t, b.WriteReference(ginternals.NewReference("refs/heads/main", oid1)))
		err := b.CompareAndSwapReference("refs/heads/main", oid2, oid1)
		require.ErrorIs(t, err, ginternals.ErrRefLockContended)
	})

	t.Run("packed refs should resolve, loose wins on conflict", func(t *testing.T) {
		t.Parallel()

		b := newBackend(t)
		packed := "# pack-refs with: peeled fully-peeled sorted \n" +
			oid1.String() + " refs/heads/packed-only\n" +
			oid1.String() + " refs/heads/shadowed\n" +
			oid1.String() + " refs/tags/v1.0\n" +
			"^" + oid2.String() + "\n"
		require.NoError(t, afero.WriteFile(b.Config().FS, ginternals.PackedRefsPath(b.Config()), []byte(packed), 0o644))
		require.NoError(t, b.WriteReference(ginternals.NewReference("refs/heads/shadowed", oid2)))

		ref, err := b.Reference("refs/heads/packed-only")
		require.NoError(t, err)
		assert.Equal(t, oid1, ref.Target())

		ref, err = b.Reference("refs/heads/shadowed")
		require.NoError(t, err)
		assert.Equal(t, oid2, ref.Target())
	})

	t.Run("delete should remove loose and packed forms", func(t *testing.T) {
		t.Parallel()

		b := newBackend(t)
		packed := oid1.String() + " refs/heads/packed\n"
		require.NoError(t, afero.WriteFile(b.Config().FS, ginternals.PackedRefsPath(b.Config()), []byte(packed), 0o644))
		require.NoError(t, b.WriteReference(ginternals.NewReference("refs/heads/packed", oid2)))

		require.NoError(t, b.DeleteReference("refs/heads/packed"))
		_, err := b.Reference("refs/heads/packed")
		require.ErrorIs(t, err, ginternals.ErrRefNotFound)

		require.ErrorIs(t, b.DeleteReference("refs/heads/packed"), ginternals.ErrRefNotFound)
	})

	t.Run("WalkReferences should merge loose and packed, sorted", func(t *testing.T) {
		t.Parallel()

		b := newBackend(t)
		require.NoError(t, b.WriteReference(ginternals.NewReference("refs/heads/bbb", oid1)))
		packed := oid2.String() + " refs/heads/aaa\n"
		require.NoError(t, afero.WriteFile(b.Config().FS, ginternals.PackedRefsPath(b.Config()), []byte(packed), 0o644))

		var names []string
		err := b.WalkReferences(func(ref *ginternals.Reference) error {
			names = append(names, ref.Name())
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"refs/heads/aaa", "refs/heads/bbb"}, names)
	})
}
