package prollytree

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fireproof-storage/fireproof-go/blockstore"
)

func newTestTree(t *testing.T) *Tree {
	t.Helper()
	return Create(blockstore.NewMemory(), NewNodeCache(64), 4)
}

func putMany(t *testing.T, tree *Tree, entries map[string]string) *Tree {
	t.Helper()
	ctx := context.Background()
	muts := make([]Mutation, 0, len(entries))
	for k, v := range entries {
		muts = append(muts, Mutation{Key: []byte(k), Value: []byte(v)})
	}
	newTree, additions, err := tree.Bulk(ctx, muts)
	require.NoError(t, err)
	for _, b := range additions {
		require.NoError(t, tree.blocks.Put(ctx, b))
	}
	return newTree
}

func TestBulkInsertAndGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tree := newTestTree(t)
	tree = putMany(t, tree, map[string]string{
		"apple": "1", "banana": "2", "cherry": "3",
	})

	v, found, err := tree.Get(ctx, []byte("banana"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "2", string(v))

	_, found, err = tree.Get(ctx, []byte("durian"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestBulkDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tree := newTestTree(t)
	tree = putMany(t, tree, map[string]string{"a": "1", "b": "2"})

	newTree, additions, err := tree.Bulk(ctx, []Mutation{{Key: []byte("a"), Delete: true}})
	require.NoError(t, err)
	for _, b := range additions {
		require.NoError(t, tree.blocks.Put(ctx, b))
	}

	_, found, err := newTree.Get(ctx, []byte("a"))
	require.NoError(t, err)
	require.False(t, found)

	v, found, err := newTree.Get(ctx, []byte("b"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "2", string(v))
}

func TestBulkOnEmptyTreeWithNoMutationsDoesNotError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tree := newTestTree(t)

	newTree, additions, err := tree.Bulk(ctx, nil)
	require.NoError(t, err)
	require.Empty(t, additions)
	_, ok := newTree.RootCID()
	require.False(t, ok)
}

func TestBulkDeletingLastEntryLeavesTreeEmpty(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tree := newTestTree(t)
	tree = putMany(t, tree, map[string]string{"only": "1"})

	newTree, additions, err := tree.Bulk(ctx, []Mutation{{Key: []byte("only"), Delete: true}})
	require.NoError(t, err)
	require.Empty(t, additions)
	_, ok := newTree.RootCID()
	require.False(t, ok)

	_, found, err := newTree.Get(ctx, []byte("only"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestBulkDeleteMissingKeyErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tree := newTestTree(t)
	tree = putMany(t, tree, map[string]string{"a": "1"})

	_, _, err := tree.Bulk(ctx, []Mutation{{Key: []byte("missing"), Delete: true}})
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestRangeOrderedAndBounded(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tree := newTestTree(t)
	entries := map[string]string{}
	for i := 0; i < 20; i++ {
		entries[fmt.Sprintf("key-%02d", i)] = fmt.Sprintf("v%d", i)
	}
	tree = putMany(t, tree, entries)

	rows, err := tree.Range(ctx, []byte("key-05"), []byte("key-09"))
	require.NoError(t, err)
	require.Len(t, rows, 5)
	for i, r := range rows {
		require.Equal(t, fmt.Sprintf("key-%02d", i+5), string(r.Key))
	}
}

func TestInsertionOrderDoesNotAffectShape(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	keys := make([]string, 50)
	for i := range keys {
		keys[i] = fmt.Sprintf("item-%03d", i)
	}

	treeA := newTestTree(t)
	entriesA := map[string]string{}
	for _, k := range keys {
		entriesA[k] = k
	}
	treeA = putMany(t, treeA, entriesA)

	shuffled := append([]string{}, keys...)
	rand.New(rand.NewSource(1)).Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	treeB := newTestTree(t)
	for _, k := range shuffled {
		tb, additions, err := treeB.Bulk(ctx, []Mutation{{Key: []byte(k), Value: []byte(k)}})
		require.NoError(t, err)
		for _, b := range additions {
			require.NoError(t, treeB.blocks.Put(ctx, b))
		}
		treeB = tb
	}

	rootA, okA := treeA.RootCID()
	rootB, okB := treeB.RootCID()
	require.True(t, okA)
	require.True(t, okB)
	require.Equal(t, rootA, rootB)
	require.Equal(t, treeA.Height(), treeB.Height())
}

func TestDiffReportsAddedChangedRemoved(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	oldTree := newTestTree(t)
	oldTree = putMany(t, oldTree, map[string]string{"a": "1", "b": "2"})

	newTree, additions, err := oldTree.Bulk(ctx, []Mutation{
		{Key: []byte("b"), Value: []byte("22")},
		{Key: []byte("c"), Value: []byte("3")},
		{Key: []byte("a"), Delete: true},
	})
	require.NoError(t, err)
	for _, b := range additions {
		require.NoError(t, oldTree.blocks.Put(ctx, b))
	}

	type change struct {
		key              string
		added, removed   bool
		newVal, oldVal   string
	}
	var changes []change
	err = newTree.Diff(ctx, oldTree, func(c Change) (bool, error) {
		changes = append(changes, change{
			key: string(c.Key), added: c.Added, removed: c.Removed,
			newVal: string(c.NewValue), oldVal: string(c.OldValue),
		})
		return true, nil
	})
	require.NoError(t, err)
	require.Len(t, changes, 3)
}

func TestLoadRoundTripsPersistedTree(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tree := newTestTree(t)
	tree = putMany(t, tree, map[string]string{"a": "1", "b": "2", "c": "3"})

	root, ok := tree.RootCID()
	require.True(t, ok)

	loaded, err := Load(ctx, tree.blocks, tree.cache, tree.branchFactor, root, tree.Height(), tree.Size())
	require.NoError(t, err)

	v, found, err := loaded.Get(ctx, []byte("b"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "2", string(v))
}

func TestCloneIsIndependent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tree := newTestTree(t)
	tree = putMany(t, tree, map[string]string{"a": "1"})

	clone, err := tree.Clone(ctx)
	require.NoError(t, err)

	mutated, additions, err := clone.Bulk(ctx, []Mutation{{Key: []byte("b"), Value: []byte("2")}})
	require.NoError(t, err)
	for _, b := range additions {
		require.NoError(t, tree.blocks.Put(ctx, b))
	}

	_, found, err := tree.Get(ctx, []byte("b"))
	require.NoError(t, err)
	require.False(t, found)

	_, found, err = mutated.Get(ctx, []byte("b"))
	require.NoError(t, err)
	require.True(t, found)
}
