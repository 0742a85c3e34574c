package object_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goabstract/gitcore/ginternals"
	"github.com/goabstract/gitcore/ginternals/object"
)

func TestObject(t *testing.T) {
	t.Parallel()

	t.Run("a blob should hash like git does", func(t *testing.T) {
		t.Parallel()

		o := object.New(object.TypeBlob, []byte("hello\n"))
		assert.Equal(t, "ce013625030ba8dba906f756967f9e9ca394464a", o.ID().String())
		assert.Equal(t, 6, o.Size())
		assert.Equal(t, []byte("blob 6\x00"), o.Header())
	})

	t.Run("the empty tree should have its well-known ID", func(t *testing.T) {
		t.Parallel()

		tree := object.EmptyTree()
		assert.Equal(t, ginternals.EmptyTreeOid, tree.ID())
		assert.Empty(t, tree.Entries())
	})

	t.Run("Compress should succeed on a blob", func(t *testing.T) {
		t.Parallel()

		o := object.New(object.TypeBlob, []byte("hello\n"))
		_, err := o.Compress()
		require.NoError(t, err)
	})
}

func TestParseHeader(t *testing.T) {
	t.Parallel()

	t.Run("should parse a valid header", func(t *testing.T) {
		t.Parallel()

		typ, size, headerLen, err := object.ParseHeader([]byte("blob 6\x00hello\n"))
		require.NoError(t, err)
		assert.Equal(t, object.TypeBlob, typ)
		assert.Equal(t, 6, size)
		assert.Equal(t, 7, headerLen)
	})

	t.Run("should reject corrupted headers", func(t *testing.T) {
		t.Parallel()

		testCases := []struct {
			desc string
			data string
		}{
			{desc: "no null char", data: "blob 6 hello stuff and more stuff to fill 32 bytes"},
			{desc: "unknown type", data: "blurb 6\x00hello\n"},
			{desc: "bad size", data: "blob six\x00hello\n"},
		}
		for _, tc := range testCases {
			tc := tc
			t.Run(tc.desc, func(t *testing.T) {
				t.Parallel()

				_, _, _, err := object.ParseHeader([]byte(tc.data))
				require.ErrorIs(t, err, ginternals.ErrObjectCorrupted)
			})
		}
	})
}

func TestNewFromFramed(t *testing.T) {
	t.Parallel()

	t.Run("should round-trip", func(t *testing.T) {
		t.Parallel()

		original := object.New(object.TypeBlob, []byte("some content"))
		framed := append(original.Header(), original.Bytes()...)

		o, err := object.NewFromFramed(framed)
		require.NoError(t, err)
		assert.Equal(t, original.ID(), o.ID())
		assert.Equal(t, original.Bytes(), o.Bytes())
	})

	t.Run("should reject a size mismatch", func(t *testing.T) {
		t.Parallel()

		_, err := object.NewFromFramed([]byte("blob 3\x00hello\n"))
		require.ErrorIs(t, err, ginternals.ErrObjectCorrupted)
	})
}

func TestTypedLoaders(t *testing.T) {
	t.Parallel()

	t.Run("AsCommit should reject a blob", func(t *testing.T) {
		t.Parallel()

		o := object.New(object.TypeBlob, []byte("hello\n"))
		_, err := o.AsCommit()
		require.ErrorIs(t, err, object.ErrTypeMismatch)
	})

	t.Run("AsBlob should reject a tree", func(t *testing.T) {
		t.Parallel()

		o := object.New(object.TypeTree, nil)
		_, err := o.AsBlob()
		require.ErrorIs(t, err, object.ErrTypeMismatch)
	})
}
