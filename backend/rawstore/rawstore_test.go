package rawstore_test

import (
	"io"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goabstract/gitcore/backend/rawstore"
)

func readAll(t *testing.T, r io.ReadCloser) string {
	t.Helper()

	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	return string(data)
}

// storeFactories returns every writable store implementation under
// its name, so the contract tests run against all of them
func storeFactories() map[string]func(t *testing.T) rawstore.RawStore {
	return map[string]func(t *testing.T) rawstore.RawStore{
		"memory": func(t *testing.T) rawstore.RawStore {
			t.Helper()
			return rawstore.NewMemory()
		},
		"fs": func(t *testing.T) rawstore.RawStore {
			t.Helper()
			return rawstore.NewFS(afero.NewMemMapFs(), "/store")
		},
		"zlib": func(t *testing.T) rawstore.RawStore {
			t.Helper()
			return rawstore.NewZlib(rawstore.NewMemory())
		},
		"composite": func(t *testing.T) rawstore.RawStore {
			t.Helper()
			return rawstore.NewComposite(rawstore.NewMemory())
		},
	}
}

func TestRawStoreContract(t *testing.T) {
	t.Parallel()

	for name, factory := range storeFactories() {
		name, factory := name, factory
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			t.Run("store then load should round-trip", func(t *testing.T) {
				t.Parallel()

				s := factory(t)
				n, err := s.Store("aabbcc", strings.NewReader("some value"))
				require.NoError(t, err)
				assert.Equal(t, int64(10), n)

				r, err := s.Load("aabbcc")
				require.NoError(t, err)
				assert.Equal(t, "some value", readAll(t, r))

				size, err := s.Size("aabbcc")
				require.NoError(t, err)
				assert.Equal(t, int64(10), size)
			})

			t.Run("store should replace the previous value", func(t *testing.T) {
				t.Parallel()

				s := factory(t)
				_, err := s.Store("aabbcc", strings.NewReader("first"))
				require.NoError(t, err)
				_, err = s.Store("aabbcc", strings.NewReader("second"))
				require.NoError(t, err)

				r, err := s.Load("aabbcc")
				require.NoError(t, err)
				assert.Equal(t, "second", readAll(t, r))
			})

			t.Run("load of a missing key should fail", func(t *testing.T) {
				t.Parallel()

				s := factory(t)
				_, err := s.Load("ffffff")
				require.ErrorIs(t, err, rawstore.ErrKeyNotFound)

				ok, err := s.Has("ffffff")
				require.NoError(t, err)
				assert.False(t, ok)
			})

			t.Run("LoadRange should honor offset and length", func(t *testing.T) {
				t.Parallel()

				s := factory(t)
				_, err := s.Store("aabbcc", strings.NewReader("0123456789"))
				require.NoError(t, err)

				r, err := s.LoadRange("aabbcc", 2, 3)
				require.NoError(t, err)
				assert.Equal(t, "234", readAll(t, r))

				r, err = s.LoadRange("aabbcc", 5, -1)
				require.NoError(t, err)
				assert.Equal(t, "56789", readAll(t, r))
			})

			t.Run("delete should remove the key", func(t *testing.T) {
				t.Parallel()

				s := factory(t)
				_, err := s.Store("aabbcc", strings.NewReader("v"))
				require.NoError(t, err)
				require.NoError(t, s.Delete("aabbcc"))

				ok, err := s.Has("aabbcc")
				require.NoError(t, err)
				assert.False(t, ok)
				require.ErrorIs(t, s.Delete("aabbcc"), rawstore.ErrKeyNotFound)
			})

			t.Run("keys should be listed sorted", func(t *testing.T) {
				t.Parallel()

				s := factory(t)
				for _, k := range []string{"ffeedd", "aabbcc", "bbccdd"} {
					_, err := s.Store(k, strings.NewReader("v"))
					require.NoError(t, err)
				}
				keys, err := s.Keys()
				require.NoError(t, err)
				assert.Equal(t, []string{"aabbcc", "bbccdd", "ffeedd"}, keys)
			})
		})
	}
}

func TestZlib(t *testing.T) {
	t.Parallel()

	t.Run("values should be compressed in the inner store", func(t *testing.T) {
		t.Parallel()

		inner := rawstore.NewMemory()
		s := rawstore.NewZlib(inner)

		content := strings.Repeat("compress me! ", 100)
		_, err := s.Store("aabbcc", strings.NewReader(content))
		require.NoError(t, err)

		compressedSize, err := inner.Size("aabbcc")
		require.NoError(t, err)
		assert.Less(t, compressedSize, int64(len(content)))

		// Size on the wrapper reports the uncompressed size
		size, err := s.Size("aabbcc")
		require.NoError(t, err)
		assert.Equal(t, int64(len(content)), size)

		r, err := s.Load("aabbcc")
		require.NoError(t, err)
		assert.Equal(t, content, readAll(t, r))
	})

	t.Run("the compressed stream should carry a zlib header", func(t *testing.T) {
		t.Parallel()

		inner := rawstore.NewMemory()
		s := rawstore.NewZlib(inner)
		_, err := s.Store("aabbcc", strings.NewReader("hello"))
		require.NoError(t, err)

		r, err := inner.Load("aabbcc")
		require.NoError(t, err)
		raw := readAll(t, r)
		// 0x78 is the CMF byte every zlib stream starts with
		require.NotEmpty(t, raw)
		assert.Equal(t, byte(0x78), raw[0])
	})
}

func TestComposite(t *testing.T) {
	t.Parallel()

	t.Run("reads should probe primary then fallbacks in order", func(t *testing.T) {
		t.Parallel()

		primary := rawstore.NewMemory()
		fb1 := rawstore.NewMemory()
		fb2 := rawstore.NewMemory()

		_, err := fb1.Store("k1", strings.NewReader("from fb1"))
		require.NoError(t, err)
		_, err = fb2.Store("k1", strings.NewReader("from fb2"))
		require.NoError(t, err)
		_, err = fb2.Store("k2", strings.NewReader("only fb2"))
		require.NoError(t, err)

		s := rawstore.NewComposite(primary, fb1, fb2)

		r, err := s.Load("k1")
		require.NoError(t, err)
		assert.Equal(t, "from fb1", readAll(t, r))

		r, err = s.Load("k2")
		require.NoError(t, err)
		assert.Equal(t, "only fb2", readAll(t, r))
	})

	t.Run("writes should only hit the primary", func(t *testing.T) {
		t.Parallel()

		primary := rawstore.NewMemory()
		fallback := rawstore.NewMemory()
		s := rawstore.NewComposite(primary, fallback)

		_, err := s.Store("k", strings.NewReader("v"))
		require.NoError(t, err)

		ok, err := primary.Has("k")
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = fallback.Has("k")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("keys should be de-duplicated", func(t *testing.T) {
		t.Parallel()

		primary := rawstore.NewMemory()
		fallback := rawstore.NewMemory()
		_, err := primary.Store("a", strings.NewReader("v"))
		require.NoError(t, err)
		_, err = fallback.Store("a", strings.NewReader("v"))
		require.NoError(t, err)
		_, err = fallback.Store("b", strings.NewReader("v"))
		require.NoError(t, err)

		s := rawstore.NewComposite(primary, fallback)
		keys, err := s.Keys()
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, keys)
	})
}
