package worktree_test

import (
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goabstract/gitcore/ginternals"
	"github.com/goabstract/gitcore/ginternals/object"
	"github.com/goabstract/gitcore/worktree"
)

// memStore is a tiny odb for the checkout tests
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

func (s *memStore) add(o *object.Object) ginternals.Oid {
	s.objects[o.ID()] = o
	return o.ID()
}

func (s *memStore) tree(t *testing.T, files map[string]string) ginternals.Oid {
	t.Helper()

	var entries []object.TreeEntry
	subtrees := map[string]map[string]string{}
	for p, c := range files {
		if i := strings.IndexByte(p, '/'); i >= 0 {
			dir, rest := p[:i], p[i+1:]
			if subtrees[dir] == nil {
				subtrees[dir] = map[string]string{}
			}
			subtrees[dir][rest] = c
			continue
		}
		entries = append(entries, object.TreeEntry{
			Path: p,
			ID:   s.add(object.New(object.TypeBlob, []byte(c))),
			Mode: object.ModeFile,
		})
	}
	for dir, sub := range subtrees {
		entries = append(entries, object.TreeEntry{
			Path: dir,
			ID:   s.tree(t, sub),
			Mode: object.ModeDirectory,
		})
	}

	tree, err := object.NewTree(entries)
	require.NoError(t, err)
	return s.add(tree.ToObject())
}

func newWorktree(t *testing.T) (*worktree.Worktree, afero.Fs) {
	t.Helper()

	fs := afero.NewMemMapFs()
	return worktree.New(fs, "/repo"), fs
}

func TestWalk(t *testing.T) {
	t.Parallel()

	seed := func(t *testing.T, w *worktree.Worktree) {
		t.Helper()
		require.NoError(t, w.WriteContent("a.txt", []byte("a"), worktree.WriteOptions{}))
		require.NoError(t, w.WriteContent("src/main.go", []byte("package main"), worktree.WriteOptions{}))
		require.NoError(t, w.WriteContent("build/out.bin", []byte("bin"), worktree.WriteOptions{}))
	}

	t.Run("should emit files sorted, depth-first", func(t *testing.T) {
		t.Parallel()

		w, _ := newWorktree(t)
		seed(t, w)

		var paths []string
		err := w.Walk(worktree.WalkOptions{}, func(e worktree.Entry) error {
			paths = append(paths, e.Path)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"a.txt", "build/out.bin", "src/main.go"}, paths)
	})

	t.Run("ignore patterns should filter entries", func(t *testing.T) {
		t.Parallel()

		w, _ := newWorktree(t)
		seed(t, w)

		var paths []string
		err := w.Walk(worktree.WalkOptions{IgnorePatterns: []string{"build/"}}, func(e worktree.Entry) error {
			paths = append(paths, e.Path)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"a.txt", "src/main.go"}, paths)
	})

	t.Run("ignored entries should come back with IncludeIgnored", func(t *testing.T) {
		t.Parallel()

		w, _ := newWorktree(t)
		seed(t, w)

		ignored := map[string]bool{}
		err := w.Walk(worktree.WalkOptions{
			IgnorePatterns: []string{"*.bin"},
			IncludeIgnored: true,
		}, func(e worktree.Entry) error {
			ignored[e.Path] = e.IsIgnored
			return nil
		})
		require.NoError(t, err)
		assert.True(t, ignored["build/out.bin"])
		assert.False(t, ignored["a.txt"])
	})

	t.Run("prefix should restrict the walk", func(t *testing.T) {
		t.Parallel()

		w, _ := newWorktree(t)
		seed(t, w)

		var paths []string
		err := w.Walk(worktree.WalkOptions{Prefix: "src"}, func(e worktree.Entry) error {
			paths = append(paths, e.Path)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"src/main.go"}, paths)
	})
}

func TestComputeHash(t *testing.T) {
	t.Parallel()

	w, _ := newWorktree(t)
	require.NoError(t, w.WriteContent("hi.txt", []byte("hello\n"), worktree.WriteOptions{}))

	oid, err := w.ComputeHash("hi.txt")
	require.NoError(t, err)
	assert.Equal(t, "ce013625030ba8dba906f756967f9e9ca394464a", oid.String())
}

func TestCheckoutTree(t *testing.T) {
	t.Parallel()

	t.Run("should project a tree onto an empty work tree", func(t *testing.T) {
		t.Parallel()

		store := newMemStore()
		treeID := store.tree(t, map[string]string{"a.txt": "a\n", "src/b.go": "b\n"})
		w, _ := newWorktree(t)

		res, err := w.CheckoutTree(store, treeID, nil, worktree.CheckoutOptions{})
		require.NoError(t, err)
		assert.Equal(t, []string{"a.txt", "src/b.go"}, res.Updated)
		assert.Empty(t, res.Conflicts)

		data, err := w.ReadContent("src/b.go")
		require.NoError(t, err)
		assert.Equal(t, "b\n", string(data))
	})

	t.Run("should refuse to clobber a locally modified file", func(t *testing.T) {
		t.Parallel()

		store := newMemStore()
		oldTree := store.tree(t, map[string]string{"f.txt": "v1\n"})
		newTree := store.tree(t, map[string]string{"f.txt": "v2\n"})
		w, _ := newWorktree(t)

		_, err := w.CheckoutTree(store, oldTree, nil, worktree.CheckoutOptions{})
		require.NoError(t, err)
		recorded := map[string]ginternals.Oid{
			"f.txt": object.New(object.TypeBlob, []byte("v1\n")).ID(),
		}

		// local modification
		require.NoError(t, w.WriteContent("f.txt", []byte("dirty\n"), worktree.WriteOptions{}))

		res, err := w.CheckoutTree(store, newTree, recorded, worktree.CheckoutOptions{})
		require.NoError(t, err)
		assert.Equal(t, []string{"f.txt"}, res.Conflicts)
		data, err := w.ReadContent("f.txt")
		require.NoError(t, err)
		assert.Equal(t, "dirty\n", string(data))

		// force wins
		res, err = w.CheckoutTree(store, newTree, recorded, worktree.CheckoutOptions{Force: true})
		require.NoError(t, err)
		assert.Equal(t, []string{"f.txt"}, res.Updated)
		data, err = w.ReadContent("f.txt")
		require.NoError(t, err)
		assert.Equal(t, "v2\n", string(data))
	})

	t.Run("should replace an unmodified tracked file", func(t *testing.T) {
		t.Parallel()

		store := newMemStore()
		oldTree := store.tree(t, map[string]string{"f.txt": "v1\n"})
		newTree := store.tree(t, map[string]string{"f.txt": "v2\n"})
		w, _ := newWorktree(t)

		_, err := w.CheckoutTree(store, oldTree, nil, worktree.CheckoutOptions{})
		require.NoError(t, err)
		recorded := map[string]ginternals.Oid{
			"f.txt": object.New(object.TypeBlob, []byte("v1\n")).ID(),
		}

		res, err := w.CheckoutTree(store, newTree, recorded, worktree.CheckoutOptions{})
		require.NoError(t, err)
		assert.Equal(t, []string{"f.txt"}, res.Updated)
	})

	t.Run("should remove tracked files the new tree dropped", func(t *testing.T) {
		t.Parallel()

		store := newMemStore()
		oldTree := store.tree(t, map[string]string{"keep.txt": "k\n", "drop.txt": "d\n"})
		newTree := store.tree(t, map[string]string{"keep.txt": "k\n"})
		w, _ := newWorktree(t)

		_, err := w.CheckoutTree(store, oldTree, nil, worktree.CheckoutOptions{})
		require.NoError(t, err)
		recorded := map[string]ginternals.Oid{
			"keep.txt": object.New(object.TypeBlob, []byte("k\n")).ID(),
			"drop.txt": object.New(object.TypeBlob, []byte("d\n")).ID(),
		}

		res, err := w.CheckoutTree(store, newTree, recorded, worktree.CheckoutOptions{})
		require.NoError(t, err)
		assert.Equal(t, []string{"drop.txt"}, res.Removed)
		assert.False(t, w.Exists("drop.txt"))
		assert.True(t, w.Exists("keep.txt"))
	})

	t.Run("dry-run should not touch the disk", func(t *testing.T) {
		t.Parallel()

		store := newMemStore()
		treeID := store.tree(t, map[string]string{"a.txt": "a\n"})
		w, _ := newWorktree(t)

		res, err := w.CheckoutTree(store, treeID, nil, worktree.CheckoutOptions{DryRun: true})
		require.NoError(t, err)
		assert.Equal(t, []string{"a.txt"}, res.Updated)
		assert.False(t, w.Exists("a.txt"))
	})
}
