package index

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ternstore/tern/internal/storage"
)

func newTrieFixture(t *testing.T) (*Index, *storage.BadgerStorage) {
	t.Helper()
	backend, err := storage.NewInMemoryStorage()
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	ix := New(backend)
	_, err = ix.InsertBatch([]Triple{
		{S: 1, P: 10, O: 100},
		{S: 1, P: 11, O: 101},
		{S: 3, P: 10, O: 100},
		{S: 3, P: 10, O: 103},
		{S: 5, P: 10, O: 100},
		{S: 5, P: 12, O: 104},
		{S: 7, P: 11, O: 100},
	})
	require.NoError(t, err)
	return ix, backend
}

func drainLeg(t *testing.T, leg Leg) []uint64 {
	t.Helper()
	var out []uint64
	for {
		v, ok := leg.Next()
		if !ok {
			break
		}
		out = append(out, v)
	}
	require.NoError(t, leg.Err())
	return out
}

func TestTrieLevelZero(t *testing.T) {
	_, backend := newTrieFixture(t)

	trie, err := OpenTrie(backend, storage.TableSPO, nil, nil)
	require.NoError(t, err)
	defer trie.Close()

	require.Equal(t, []uint64{1, 3, 5, 7}, drainLeg(t, trie))
}

func TestTrieLevelOneWithinPrefix(t *testing.T) {
	_, backend := newTrieFixture(t)

	trie, err := OpenTrie(backend, storage.TableSPO, []uint64{3}, nil)
	require.NoError(t, err)
	defer trie.Close()

	// Subject 3 has predicate 10 twice but the trie yields distinct values.
	require.Equal(t, []uint64{10}, drainLeg(t, trie))
}

func TestTrieSeek(t *testing.T) {
	_, backend := newTrieFixture(t)

	trie, err := OpenTrie(backend, storage.TableSPO, nil, nil)
	require.NoError(t, err)
	defer trie.Close()

	v, ok := trie.Seek(2)
	require.True(t, ok)
	require.Equal(t, uint64(3), v)

	v, ok = trie.Seek(6)
	require.True(t, ok)
	require.Equal(t, uint64(7), v)

	_, ok = trie.Seek(8)
	require.False(t, ok)
}

func TestLeapfrogIntersection(t *testing.T) {
	_, backend := newTrieFixture(t)

	// Subjects with predicate 10: {1, 3, 5}; with predicate 11: {1, 7}.
	legA, err := OpenSubjectsWithPredicate(backend, 10, nil)
	require.NoError(t, err)
	legB, err := OpenSubjectsWithPredicate(backend, 11, nil)
	require.NoError(t, err)

	lf := NewLeapfrog([]Leg{legA, legB})
	defer lf.Close()

	var got []uint64
	for {
		v, ok := lf.Next()
		if !ok {
			break
		}
		got = append(got, v)
	}
	require.NoError(t, lf.Err())
	require.Equal(t, []uint64{1}, got)
}

func TestLeapfrogThreeWay(t *testing.T) {
	backend, err := storage.NewInMemoryStorage()
	require.NoError(t, err)
	defer backend.Close()

	ix := New(backend)
	// Subjects 2 and 4 carry all three predicates; others only some.
	_, err = ix.InsertBatch([]Triple{
		{S: 2, P: 20, O: 1}, {S: 2, P: 21, O: 1}, {S: 2, P: 22, O: 1},
		{S: 4, P: 20, O: 1}, {S: 4, P: 21, O: 1}, {S: 4, P: 22, O: 1},
		{S: 6, P: 20, O: 1}, {S: 6, P: 21, O: 1},
		{S: 8, P: 22, O: 1},
	})
	require.NoError(t, err)

	var legs []Leg
	for _, pred := range []uint64{20, 21, 22} {
		leg, err := OpenSubjectsWithPredicate(backend, pred, nil)
		require.NoError(t, err)
		legs = append(legs, leg)
	}

	lf := NewLeapfrog(legs)
	defer lf.Close()

	var got []uint64
	for {
		v, ok := lf.Next()
		if !ok {
			break
		}
		got = append(got, v)
	}
	require.NoError(t, lf.Err())
	require.Equal(t, []uint64{2, 4}, got)
}

func TestSeekBudgetExceeded(t *testing.T) {
	_, backend := newTrieFixture(t)

	budget := NewSeekBudget(2)
	trie, err := OpenTrie(backend, storage.TableSPO, nil, budget)
	require.NoError(t, err)
	defer trie.Close()

	_, ok := trie.Next()
	require.True(t, ok)
	_, ok = trie.Next()
	require.True(t, ok)
	_, ok = trie.Next()
	require.False(t, ok)
	require.ErrorIs(t, trie.Err(), ErrSeekBudgetExceeded)
}
