package index

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/ternstore/tern/internal/storage"
)

// ErrSeekBudgetExceeded is surfaced when a leapfrog execution performs more
// backend seeks than its per-execution bound allows.
var ErrSeekBudgetExceeded = errors.New("leapfrog seek budget exceeded")

// SeekBudget bounds the total number of backend seeks one execution may
// perform, guarding against pathological inputs.
type SeekBudget struct {
	Remaining int64
}

// NewSeekBudget returns a budget of n seeks; n <= 0 means unbounded.
func NewSeekBudget(n int64) *SeekBudget {
	if n <= 0 {
		n = -1
	}
	return &SeekBudget{Remaining: n}
}

func (b *SeekBudget) consume() error {
	if b == nil || b.Remaining < 0 {
		return nil
	}
	if b.Remaining == 0 {
		return ErrSeekBudgetExceeded
	}
	b.Remaining--
	return nil
}

// TrieIterator exposes one permutation as a level-structured trie: with a
// prefix of n already-bound IDs it iterates the distinct IDs at level n in
// sorted order.
type TrieIterator struct {
	txn         storage.Transaction
	it          storage.Iterator
	prefixBytes []byte
	current     uint64
	valid       bool
	err         error
	closed      bool
	budget      *SeekBudget
}

// OpenTrie opens a trie iterator over table at level len(prefix). The
// iterator is positioned before the first value; call Seek or Next to load
// one.
func OpenTrie(s storage.Storage, table storage.Table, prefix []uint64, budget *SeekBudget) (*TrieIterator, error) {
	var prefixBytes []byte
	for _, id := range prefix {
		prefixBytes = binary.BigEndian.AppendUint64(prefixBytes, id)
	}

	txn, err := s.Begin(false)
	if err != nil {
		return nil, err
	}

	it, err := txn.Scan(table, prefixBytes, prefixSuccessor(prefixBytes))
	if err != nil {
		_ = txn.Rollback()
		return nil, err
	}

	return &TrieIterator{
		txn:         txn,
		it:          it,
		prefixBytes: prefixBytes,
		budget:      budget,
	}, nil
}

// Current returns the current ID at this level, or false when exhausted.
func (t *TrieIterator) Current() (uint64, bool) {
	return t.current, t.valid
}

// Seek advances to the least value >= k within the prefix.
func (t *TrieIterator) Seek(k uint64) (uint64, bool) {
	if t.closed || t.err != nil {
		return 0, false
	}
	if err := t.budget.consume(); err != nil {
		t.err = err
		t.valid = false
		return 0, false
	}

	target := binary.BigEndian.AppendUint64(append([]byte{}, t.prefixBytes...), k)
	t.it.Seek(target)
	return t.load()
}

// Next advances to the next distinct value at this level.
func (t *TrieIterator) Next() (uint64, bool) {
	if !t.valid {
		// Initial positioning: term IDs start at 1.
		return t.Seek(1)
	}
	if t.current == ^uint64(0) {
		t.valid = false
		return 0, false
	}
	return t.Seek(t.current + 1)
}

func (t *TrieIterator) load() (uint64, bool) {
	if !t.it.Next() {
		t.valid = false
		return 0, false
	}
	key := t.it.Key()
	if len(key) != keySize || !bytes.HasPrefix(key, t.prefixBytes) {
		t.valid = false
		return 0, false
	}
	t.current = binary.BigEndian.Uint64(key[len(t.prefixBytes) : len(t.prefixBytes)+8])
	t.valid = true
	return t.current, true
}

// Err returns the first error encountered, including budget exhaustion.
func (t *TrieIterator) Err() error {
	return t.err
}

// Close releases the backend handles.
func (t *TrieIterator) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	t.valid = false
	_ = t.it.Close()
	return t.txn.Rollback()
}
