package packfile_test

import (
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goabstract/gitcore/ginternals"
	"github.com/goabstract/gitcore/ginternals/delta"
	"github.com/goabstract/gitcore/ginternals/object"
	"github.com/goabstract/gitcore/ginternals/packfile"
)

// writePackWithDeltas builds a packfile holding a full blob, an OFS
// delta on top of it, and a REF delta on top of that, and writes the
// pack and its index to fs
func writePackWithDeltas(t *testing.T, fs afero.Fs, dir string) (path string, oids [3]ginternals.Oid, contents [3][]byte) {
	t.Helper()

	contents[0] = []byte("The quick brown fox jumps over the lazy dog.\n")
	contents[1] = []byte("The quick brown cat jumps over the lazy dog.\n")
	contents[2] = []byte("The quick brown cat jumps over the lazy frog.\n")

	for i, c := range contents {
		oids[i] = object.New(object.TypeBlob, c).ID()
	}

	w := packfile.NewWriter(3)
	_, err := w.WriteObject(oids[0], object.TypeBlob, contents[0])
	require.NoError(t, err)
	_, err = w.WriteOfsDelta(oids[1], oids[0], delta.Compute(contents[0], contents[1]))
	require.NoError(t, err)
	_, err = w.WriteRefDelta(oids[2], oids[1], delta.Compute(contents[1], contents[2]))
	require.NoError(t, err)

	packBytes, idxBytes, id, err := w.Finalize()
	require.NoError(t, err)

	base := filepath.Join(dir, packfile.Name(id))
	require.NoError(t, fs.MkdirAll(dir, 0o755))
	require.NoError(t, afero.WriteFile(fs, base+packfile.ExtPackfile, packBytes, 0o444))
	require.NoError(t, afero.WriteFile(fs, base+packfile.ExtIndex, idxBytes, 0o444))
	return base + packfile.ExtPackfile, oids, contents
}

func TestPackRoundTrip(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	path, oids, contents := writePackWithDeltas(t, fs, "/packs")

	pack, err := packfile.NewFromFile(fs, path)
	require.NoError(t, err)
	defer pack.Close() //nolint:errcheck // only reads happened

	t.Run("every object should resolve, delta or not", func(t *testing.T) {
		for i := range oids {
			o, err := pack.GetObject(oids[i])
			require.NoError(t, err, "object %d", i)
			assert.Equal(t, object.TypeBlob, o.Type())
			assert.Equal(t, contents[i], o.Bytes())
			assert.Equal(t, oids[i], o.ID())
		}
	})

	t.Run("a missing object should report not-found", func(t *testing.T) {
		missing := object.New(object.TypeBlob, []byte("not in there")).ID()
		_, err := pack.GetObject(missing)
		require.ErrorIs(t, err, ginternals.ErrObjectNotFound)
		assert.False(t, pack.HasObject(missing))
	})

	t.Run("the trailer should verify", func(t *testing.T) {
		require.NoError(t, pack.VerifyTrailer())
	})

	t.Run("the object count should match", func(t *testing.T) {
		assert.Equal(t, uint32(3), pack.ObjectCount())
	})

	t.Run("WalkOids should see every object", func(t *testing.T) {
		seen := map[ginternals.Oid]struct{}{}
		err := pack.WalkOids(func(oid ginternals.Oid) error {
			seen[oid] = struct{}{}
			return nil
		})
		require.NoError(t, err)
		assert.Len(t, seen, 3)
	})
}

func TestPackCRC(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	path, oids, contents := writePackWithDeltas(t, fs, "/packs")

	pack, err := packfile.NewFromFileWithOptions(fs, path, packfile.Options{CheckCRC: true})
	require.NoError(t, err)
	defer pack.Close() //nolint:errcheck // only reads happened

	o, err := pack.GetObject(oids[0])
	require.NoError(t, err)
	assert.Equal(t, contents[0], o.Bytes())
}

func TestPackChainDepth(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	path, oids, _ := writePackWithDeltas(t, fs, "/packs")

	// oids[2] sits at depth 2; a max of 1 must reject it
	pack, err := packfile.NewFromFileWithOptions(fs, path, packfile.Options{MaxChainDepth: 1})
	require.NoError(t, err)
	defer pack.Close() //nolint:errcheck // only reads happened

	_, err = pack.GetObject(oids[2])
	require.ErrorIs(t, err, delta.ErrChainTooDeep)

	// the depth-1 entry is still fine
	_, err = pack.GetObject(oids[1])
	require.NoError(t, err)
}

func TestIndexPack(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	path, oids, _ := writePackWithDeltas(t, fs, "/packs")

	data, err := afero.ReadFile(fs, path)
	require.NoError(t, err)

	entries, id, err := packfile.IndexPack(data)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	// the regenerated index must match the writer's byte for byte
	regenerated, err := packfile.GenerateIndex(entries, id)
	require.NoError(t, err)
	original, err := afero.ReadFile(fs, path[:len(path)-len(packfile.ExtPackfile)]+packfile.ExtIndex)
	require.NoError(t, err)
	assert.Equal(t, original, regenerated)

	seen := map[ginternals.Oid]struct{}{}
	for _, e := range entries {
		seen[e.Oid] = struct{}{}
	}
	for i := range oids {
		assert.Contains(t, seen, oids[i])
	}

	t.Run("a corrupted trailer should be rejected", func(t *testing.T) {
		t.Parallel()

		corrupted := make([]byte, len(data))
		copy(corrupted, data)
		corrupted[len(corrupted)-1] ^= 0xff
		_, _, err := packfile.IndexPack(corrupted)
		require.ErrorIs(t, err, packfile.ErrInvalidTrailer)
	})

	t.Run("a bad magic should be rejected", func(t *testing.T) {
		t.Parallel()

		corrupted := make([]byte, len(data))
		copy(corrupted, data)
		corrupted[0] = 'X'
		_, _, err := packfile.IndexPack(corrupted)
		require.ErrorIs(t, err, packfile.ErrInvalidMagic)
	})
}

func TestConsolidator(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	dir := "/packs"

	// two small packs with one object each
	blobA := []byte("content a")
	blobB := []byte("content b")
	oidA := object.New(object.TypeBlob, blobA).ID()
	oidB := object.New(object.TypeBlob, blobB).ID()

	for _, pair := range []struct {
		oid     ginternals.Oid
		content []byte
	}{{oidA, blobA}, {oidB, blobB}} {
		w := packfile.NewWriter(1)
		_, err := w.WriteObject(pair.oid, object.TypeBlob, pair.content)
		require.NoError(t, err)
		packBytes, idxBytes, id, err := w.Finalize()
		require.NoError(t, err)
		base := filepath.Join(dir, packfile.Name(id))
		require.NoError(t, fs.MkdirAll(dir, 0o755))
		require.NoError(t, afero.WriteFile(fs, base+packfile.ExtPackfile, packBytes, 0o444))
		require.NoError(t, afero.WriteFile(fs, base+packfile.ExtIndex, idxBytes, 0o444))
	}

	consolidator := packfile.NewConsolidator(fs, dir, packfile.ConsolidatorOptions{})
	res, err := consolidator.Run()
	require.NoError(t, err)
	require.NotEmpty(t, res.NewPackPath)
	assert.Equal(t, 2, res.ObjectCount)
	assert.Len(t, res.MergedPacks, 2)

	// the old packs are gone, the merged one holds both objects
	for _, old := range res.MergedPacks {
		if old == res.NewPackPath {
			continue
		}
		_, err := fs.Stat(old)
		require.Error(t, err)
	}

	pack, err := packfile.NewFromFile(fs, res.NewPackPath)
	require.NoError(t, err)
	defer pack.Close() //nolint:errcheck // only reads happened

	o, err := pack.GetObject(oidA)
	require.NoError(t, err)
	assert.Equal(t, blobA, o.Bytes())
	o, err = pack.GetObject(oidB)
	require.NoError(t, err)
	assert.Equal(t, blobB, o.Bytes())
}
