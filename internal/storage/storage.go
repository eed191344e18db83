package storage

import (
	"errors"
)

var (
	ErrNotFound      = errors.New("key not found")
	ErrTransactionRO = errors.New("transaction is read-only")
)

// Table identifies a column family in the backend.
type Table byte

const (
	// Permutation indexes over encoded triples. Keys are 24 bytes: three
	// 64-bit big-endian term IDs in the permutation's order, values empty.
	TableSPO Table = iota + 1
	TablePOS
	TableOSP

	// Dictionary column families.
	TableTerm2ID // serialized term -> 8-byte big-endian id
	TableID2Term // 8-byte big-endian id -> serialized term

	// Engine metadata (next-id counter and similar small state).
	TableMeta
)

// TablePrefix returns the key prefix for a table.
func TablePrefix(table Table) []byte {
	return []byte{byte(table)}
}

// PrefixKey prepends the table prefix to a key.
func PrefixKey(table Table, key []byte) []byte {
	prefixed := make([]byte, 0, 1+len(key))
	prefixed = append(prefixed, byte(table))
	prefixed = append(prefixed, key...)
	return prefixed
}

// Storage is the interface for the underlying ordered key-value store.
type Storage interface {
	// Begin starts a new transaction
	Begin(writable bool) (Transaction, error)

	// Close closes the storage
	Close() error

	// Sync flushes writes to disk
	Sync() error
}

// Transaction represents a backend transaction with snapshot isolation.
type Transaction interface {
	// Get retrieves a value by key
	Get(table Table, key []byte) ([]byte, error)

	// Set stores a key-value pair
	Set(table Table, key, value []byte) error

	// Delete removes a key
	Delete(table Table, key []byte) error

	// Scan iterates over a key range [start, end) in key order.
	// If start is nil, begins from the first key of the table.
	// If end is nil, scans until the last key of the table.
	Scan(table Table, start, end []byte) (Iterator, error)

	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error
}

// Iterator iterates over key-value pairs in key order.
type Iterator interface {
	// Next advances to the next item
	Next() bool

	// Seek positions the iterator at the first key >= target (within the
	// table). The next call to Next returns that item.
	Seek(target []byte)

	// Key returns the current key without the table prefix
	Key() []byte

	// Value returns the current value
	Value() ([]byte, error)

	// Close releases the iterator
	Close() error
}
