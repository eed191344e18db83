package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetSetDelete(t *testing.T) {
	backend, err := NewInMemoryStorage()
	require.NoError(t, err)
	defer backend.Close()

	txn, err := backend.Begin(true)
	require.NoError(t, err)
	require.NoError(t, txn.Set(TableMeta, []byte("k"), []byte("v")))
	require.NoError(t, txn.Commit())

	txn, err = backend.Begin(false)
	require.NoError(t, err)
	defer txn.Rollback()

	value, err := txn.Get(TableMeta, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), value)

	_, err = txn.Get(TableMeta, []byte("missing"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReadOnlyTransactionRejectsWrites(t *testing.T) {
	backend, err := NewInMemoryStorage()
	require.NoError(t, err)
	defer backend.Close()

	txn, err := backend.Begin(false)
	require.NoError(t, err)
	defer txn.Rollback()

	require.ErrorIs(t, txn.Set(TableMeta, []byte("k"), nil), ErrTransactionRO)
	require.ErrorIs(t, txn.Delete(TableMeta, []byte("k")), ErrTransactionRO)
}

func TestScanIsOrderedAndTableScoped(t *testing.T) {
	backend, err := NewInMemoryStorage()
	require.NoError(t, err)
	defer backend.Close()

	txn, err := backend.Begin(true)
	require.NoError(t, err)
	require.NoError(t, txn.Set(TableSPO, []byte("b"), nil))
	require.NoError(t, txn.Set(TableSPO, []byte("a"), nil))
	require.NoError(t, txn.Set(TableSPO, []byte("c"), nil))
	require.NoError(t, txn.Set(TablePOS, []byte("x"), nil))
	require.NoError(t, txn.Commit())

	txn, err = backend.Begin(false)
	require.NoError(t, err)
	defer txn.Rollback()

	it, err := txn.Scan(TableSPO, nil, nil)
	require.NoError(t, err)
	defer it.Close()

	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Key()))
	}
	require.Equal(t, []string{"a", "b", "c"}, keys)
}

func TestScanRangeAndSeek(t *testing.T) {
	backend, err := NewInMemoryStorage()
	require.NoError(t, err)
	defer backend.Close()

	txn, err := backend.Begin(true)
	require.NoError(t, err)
	for _, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, txn.Set(TableSPO, []byte(k), nil))
	}
	require.NoError(t, txn.Commit())

	txn, err = backend.Begin(false)
	require.NoError(t, err)
	defer txn.Rollback()

	it, err := txn.Scan(TableSPO, []byte("b"), []byte("d"))
	require.NoError(t, err)
	defer it.Close()

	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Key()))
	}
	require.Equal(t, []string{"b", "c"}, keys)

	it2, err := txn.Scan(TableSPO, nil, nil)
	require.NoError(t, err)
	defer it2.Close()

	it2.Seek([]byte("c"))
	require.True(t, it2.Next())
	require.Equal(t, "c", string(it2.Key()))
}
