package staging_test

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goabstract/gitcore/ginternals"
	"github.com/goabstract/gitcore/ginternals/object"
	"github.com/goabstract/gitcore/ginternals/staging"
)

func blobOid(t *testing.T, content string) ginternals.Oid {
	t.Helper()
	return object.New(object.TypeBlob, []byte(content)).ID()
}

func fileEntry(t *testing.T, path, content string) staging.Entry {
	t.Helper()
	return staging.Entry{
		Path: path,
		ID:   blobOid(t, content),
		Mode: object.ModeFile,
	}
}

func TestIndex(t *testing.T) {
	t.Parallel()

	t.Run("Set and Get should round-trip", func(t *testing.T) {
		t.Parallel()

		idx := staging.New()
		require.NoError(t, idx.Set(fileEntry(t, "a.txt", "a")))

		e, err := idx.Get("a.txt", staging.StageMerged)
		require.NoError(t, err)
		assert.Equal(t, blobOid(t, "a"), e.ID)
		assert.True(t, idx.Has("a.txt"))
		assert.Equal(t, 1, idx.Count())

		_, err = idx.Get("missing", staging.StageMerged)
		require.ErrorIs(t, err, staging.ErrEntryNotFound)
	})

	t.Run("entries should be ordered by path then stage", func(t *testing.T) {
		t.Parallel()

		idx := staging.New()
		require.NoError(t, idx.Set(fileEntry(t, "b", "b")))
		require.NoError(t, idx.Set(fileEntry(t, "a", "a")))
		conflicted := fileEntry(t, "c", "theirs")
		conflicted.Stage = staging.StageTheirs
		require.NoError(t, idx.Set(conflicted))
		conflicted = fileEntry(t, "c", "ours")
		conflicted.Stage = staging.StageOurs
		require.NoError(t, idx.Set(conflicted))

		entries := idx.Entries(staging.EntriesOptions{})
		require.Len(t, entries, 4)
		assert.Equal(t, "a", entries[0].Path)
		assert.Equal(t, "b", entries[1].Path)
		assert.Equal(t, staging.StageOurs, entries[2].Stage)
		assert.Equal(t, staging.StageTheirs, entries[3].Stage)
	})

	t.Run("a stage-0 row should replace the conflict rows and vice versa", func(t *testing.T) {
		t.Parallel()

		idx := staging.New()
		for _, stage := range []staging.Stage{staging.StageBase, staging.StageOurs, staging.StageTheirs} {
			e := fileEntry(t, "f", "v")
			e.Stage = stage
			require.NoError(t, idx.Set(e))
		}
		assert.True(t, idx.HasConflicts())
		assert.Equal(t, []string{"f"}, idx.ConflictedPaths())
		assert.Equal(t, 3, idx.Count())

		require.NoError(t, idx.Set(fileEntry(t, "f", "resolved")))
		assert.False(t, idx.HasConflicts())
		assert.Equal(t, 1, idx.Count())

		// and the other way around
		e := fileEntry(t, "f", "conflict again")
		e.Stage = staging.StageOurs
		require.NoError(t, idx.Set(e))
		assert.Equal(t, 1, idx.Count())
		_, err := idx.Get("f", staging.StageMerged)
		require.ErrorIs(t, err, staging.ErrEntryNotFound)
	})

	t.Run("Resolve should collapse the conflict to the chosen side", func(t *testing.T) {
		t.Parallel()

		idx := staging.New()
		for stage, content := range map[staging.Stage]string{
			staging.StageBase:   "base",
			staging.StageOurs:   "ours",
			staging.StageTheirs: "theirs",
		} {
			e := fileEntry(t, "f", content)
			e.Stage = stage
			require.NoError(t, idx.Set(e))
		}

		require.NoError(t, idx.Resolve("f", staging.ResolveTheirs))
		assert.False(t, idx.HasConflicts())
		e, err := idx.Get("f", staging.StageMerged)
		require.NoError(t, err)
		assert.Equal(t, blobOid(t, "theirs"), e.ID)
	})

	t.Run("Remove should drop every stage by default", func(t *testing.T) {
		t.Parallel()

		idx := staging.New()
		e := fileEntry(t, "f", "v")
		e.Stage = staging.StageOurs
		require.NoError(t, idx.Set(e))
		e.Stage = staging.StageTheirs
		require.NoError(t, idx.Set(e))

		require.NoError(t, idx.Remove("f"))
		assert.False(t, idx.Has("f"))
		require.ErrorIs(t, idx.Remove("f"), staging.ErrEntryNotFound)
	})
}

func TestEncodeDecode(t *testing.T) {
	t.Parallel()

	t.Run("should round-trip entries and stages", func(t *testing.T) {
		t.Parallel()

		idx := staging.New()
		require.NoError(t, idx.Set(fileEntry(t, "dir/nested.txt", "nested")))
		require.NoError(t, idx.Set(fileEntry(t, "top.txt", "top")))
		conflict := fileEntry(t, "war.txt", "ours")
		conflict.Stage = staging.StageOurs
		require.NoError(t, idx.Set(conflict))

		data, err := idx.Encode()
		require.NoError(t, err)

		decoded, err := staging.Decode(data)
		require.NoError(t, err)
		assert.Equal(t, idx.Entries(staging.EntriesOptions{}), decoded.Entries(staging.EntriesOptions{}))
	})

	t.Run("a flipped byte should fail the checksum", func(t *testing.T) {
		t.Parallel()

		idx := staging.New()
		require.NoError(t, idx.Set(fileEntry(t, "a.txt", "a")))
		data, err := idx.Encode()
		require.NoError(t, err)

		data[17] ^= 0xff
		_, err = staging.Decode(data)
		require.ErrorIs(t, err, staging.ErrIndexChecksum)
	})

	t.Run("a truncated file should be rejected", func(t *testing.T) {
		t.Parallel()

		_, err := staging.Decode([]byte("DIRC"))
		require.ErrorIs(t, err, staging.ErrIndexCorrupted)
	})
}

// memStore is a tiny odb for the tree tests
type memStore struct {
	objects map[ginternals.Oid]*object.Object
}

func newMemStore() *memStore {
	return &memStore{objects: map[ginternals.Oid]*object.Object{}}
}

func (s *memStore) Object(oid ginternals.Oid) (*object.Object, error) {
	if oid == ginternals.EmptyTreeOid {
		return object.EmptyTree().ToObject(), nil
	}
	o, ok := s.objects[oid]
	if !ok {
		return nil, ginternals.ErrObjectNotFound
	}
	return o, nil
}

func (s *memStore) WriteObject(o *object.Object) (ginternals.Oid, error) {
	s.objects[o.ID()] = o
	return o.ID(), nil
}

func TestWriteReadTree(t *testing.T) {
	t.Parallel()

	t.Run("writeTree then readTree should be the identity", func(t *testing.T) {
		t.Parallel()

		store := newMemStore()
		idx := staging.New()
		for path, content := range map[string]string{
			"a.txt":        "a",
			"dir/b.txt":    "b",
			"dir/sub/c.go": "c",
		} {
			_, err := store.WriteObject(object.New(object.TypeBlob, []byte(content)))
			require.NoError(t, err)
			require.NoError(t, idx.Set(fileEntry(t, path, content)))
		}

		treeID, err := idx.WriteTree(store)
		require.NoError(t, err)

		rebuilt := staging.New()
		require.NoError(t, rebuilt.ReadTree(store, treeID, staging.ReadTreeOptions{}))

		want := idx.Entries(staging.EntriesOptions{})
		got := rebuilt.Entries(staging.EntriesOptions{})
		require.Len(t, got, len(want))
		for i := range want {
			assert.Equal(t, want[i].Path, got[i].Path)
			assert.Equal(t, want[i].ID, got[i].ID)
			assert.Equal(t, want[i].Mode, got[i].Mode)
		}

		// and the tree is stable
		again, err := rebuilt.WriteTree(store)
		require.NoError(t, err)
		assert.Equal(t, treeID, again)
	})

	t.Run("an empty index should produce the empty tree without storing it", func(t *testing.T) {
		t.Parallel()

		store := newMemStore()
		treeID, err := staging.New().WriteTree(store)
		require.NoError(t, err)
		assert.Equal(t, ginternals.EmptyTreeOid, treeID)
		assert.Empty(t, store.objects)
	})

	t.Run("an index with conflicts cannot become a tree", func(t *testing.T) {
		t.Parallel()

		idx := staging.New()
		e := fileEntry(t, "f", "ours")
		e.Stage = staging.StageOurs
		require.NoError(t, idx.Set(e))

		_, err := idx.WriteTree(newMemStore())
		require.ErrorIs(t, err, staging.ErrHasConflicts)
	})
}

func TestFile(t *testing.T) {
	t.Parallel()

	t.Run("a missing file should load as an empty index", func(t *testing.T) {
		t.Parallel()

		fs := afero.NewMemMapFs()
		idx, err := staging.ReadFile(fs, "/repo/.git/index")
		require.NoError(t, err)
		assert.Equal(t, 0, idx.Count())
	})

	t.Run("WriteFile then ReadFile should round-trip", func(t *testing.T) {
		t.Parallel()

		fs := afero.NewMemMapFs()
		idx := staging.New()
		require.NoError(t, idx.Set(fileEntry(t, "a.txt", "a")))
		require.NoError(t, idx.WriteFile(fs, "/repo/.git/index"))

		loaded, err := staging.ReadFile(fs, "/repo/.git/index")
		require.NoError(t, err)
		assert.Equal(t, 1, loaded.Count())
		assert.Equal(t, idx.Checksum(), loaded.Checksum())
	})
}

func TestEditor(t *testing.T) {
	t.Parallel()

	const indexPath = "/repo/.git/index"

	t.Run("edits should apply atomically on Finish", func(t *testing.T) {
		t.Parallel()

		fs := afero.NewMemMapFs()
		ed, err := staging.NewEditor(fs, indexPath)
		require.NoError(t, err)
		ed.Upsert(fileEntry(t, "a.txt", "a"))
		ed.Add(fileEntry(t, "b.txt", "b"))
		ed.Remove("a.txt")

		idx, err := ed.Finish()
		require.NoError(t, err)
		assert.False(t, idx.Has("a.txt"))
		assert.True(t, idx.Has("b.txt"))

		onDisk, err := staging.ReadFile(fs, indexPath)
		require.NoError(t, err)
		assert.True(t, onDisk.Has("b.txt"))
	})

	t.Run("a concurrent write to another path should replay", func(t *testing.T) {
		t.Parallel()

		fs := afero.NewMemMapFs()
		ed, err := staging.NewEditor(fs, indexPath)
		require.NoError(t, err)
		ed.Upsert(fileEntry(t, "mine.txt", "mine"))

		// someone else writes a different path in between
		other := staging.New()
		require.NoError(t, other.Set(fileEntry(t, "theirs.txt", "theirs")))
		require.NoError(t, other.WriteFile(fs, indexPath))

		idx, err := ed.Finish()
		require.NoError(t, err)
		assert.True(t, idx.Has("mine.txt"))
		assert.True(t, idx.Has("theirs.txt"))
	})

	t.Run("a concurrent write to the same path should fail stale", func(t *testing.T) {
		t.Parallel()

		fs := afero.NewMemMapFs()
		ed, err := staging.NewEditor(fs, indexPath)
		require.NoError(t, err)
		ed.Upsert(fileEntry(t, "hot.txt", "mine"))

		other := staging.New()
		require.NoError(t, other.Set(fileEntry(t, "hot.txt", "theirs")))
		require.NoError(t, other.WriteFile(fs, indexPath))

		_, err = ed.Finish()
		require.ErrorIs(t, err, staging.ErrIndexStale)
	})

	t.Run("Add should refuse an existing path", func(t *testing.T) {
		t.Parallel()

		fs := afero.NewMemMapFs()
		first := staging.New()
		require.NoError(t, first.Set(fileEntry(t, "a.txt", "a")))
		require.NoError(t, first.WriteFile(fs, indexPath))

		ed, err := staging.NewEditor(fs, indexPath)
		require.NoError(t, err)
		ed.Add(fileEntry(t, "a.txt", "again"))
		_, err = ed.Finish()
		require.ErrorIs(t, err, staging.ErrEntryExists)
	})
}
