// Package index stores dictionary-encoded triples under three sorted
// permutations (SPO, POS, OSP) and provides prefix range scans over them.
// Keys are 24 bytes: three 64-bit big-endian term IDs in permuted order,
// values empty. A triple is present in all three permutations or in none.
package index

import (
	"encoding/binary"
	"fmt"

	"github.com/ternstore/tern/internal/storage"
)

// Triple is a dictionary-encoded triple.
type Triple struct {
	S, P, O uint64
}

// Pattern is a triple pattern over encoded IDs; 0 marks an unbound position
// (0 is never a valid term id).
type Pattern struct {
	S, P, O uint64
}

// Bound returns the number of bound positions.
func (p Pattern) Bound() int {
	n := 0
	if p.S != 0 {
		n++
	}
	if p.P != 0 {
		n++
	}
	if p.O != 0 {
		n++
	}
	return n
}

// Matches reports whether a concrete triple matches the bound positions.
func (p Pattern) Matches(t Triple) bool {
	return (p.S == 0 || p.S == t.S) &&
		(p.P == 0 || p.P == t.P) &&
		(p.O == 0 || p.O == t.O)
}

const keySize = 24

const metaCountKey = "index/triple_count"

// Index maintains the three permutations over a shared storage backend.
type Index struct {
	storage storage.Storage
}

// New creates an Index over the given storage.
func New(s storage.Storage) *Index {
	return &Index{storage: s}
}

// permOrder maps key positions to triple positions (0=S, 1=P, 2=O) for each
// permutation table.
var permOrder = map[storage.Table][3]int{
	storage.TableSPO: {0, 1, 2},
	storage.TablePOS: {1, 2, 0},
	storage.TableOSP: {2, 0, 1},
}

// Insert writes the triple under all three permutations. Inserting an
// existing triple is a no-op; the three permutations stay in agreement.
func (ix *Index) Insert(t Triple) (bool, error) {
	txn, err := ix.storage.Begin(true)
	if err != nil {
		return false, err
	}
	defer txn.Rollback()

	created, err := ix.insertInTxn(txn, t)
	if err != nil {
		return false, err
	}
	if !created {
		return false, nil
	}
	return true, txn.Commit()
}

// InsertBatch inserts a set of triples in one transaction and returns the
// number of triples that did not previously exist.
func (ix *Index) InsertBatch(triples []Triple) (int, error) {
	txn, err := ix.storage.Begin(true)
	if err != nil {
		return 0, err
	}
	defer txn.Rollback()

	created := 0
	for _, t := range triples {
		ok, err := ix.insertInTxn(txn, t)
		if err != nil {
			return 0, err
		}
		if ok {
			created++
		}
	}
	if created == 0 {
		return 0, nil
	}
	return created, txn.Commit()
}

func (ix *Index) insertInTxn(txn storage.Transaction, t Triple) (bool, error) {
	if t.S == 0 || t.P == 0 || t.O == 0 {
		return false, fmt.Errorf("invalid triple: zero id")
	}

	spoKey := encodeKey(t.S, t.P, t.O)
	_, err := txn.Get(storage.TableSPO, spoKey)
	if err == nil {
		return false, nil // already present
	}
	if err != storage.ErrNotFound {
		return false, err
	}

	empty := []byte{}
	if err := txn.Set(storage.TableSPO, spoKey, empty); err != nil {
		return false, err
	}
	if err := txn.Set(storage.TablePOS, encodeKey(t.P, t.O, t.S), empty); err != nil {
		return false, err
	}
	if err := txn.Set(storage.TableOSP, encodeKey(t.O, t.S, t.P), empty); err != nil {
		return false, err
	}

	return true, ix.adjustCount(txn, 1)
}

// Delete removes the triple from all three permutations. Deleting an absent
// triple succeeds with no effect.
func (ix *Index) Delete(t Triple) (bool, error) {
	txn, err := ix.storage.Begin(true)
	if err != nil {
		return false, err
	}
	defer txn.Rollback()

	removed, err := ix.deleteInTxn(txn, t)
	if err != nil {
		return false, err
	}
	if !removed {
		return false, nil
	}
	return true, txn.Commit()
}

// DeleteBatch deletes a set of triples in one transaction and returns how
// many actually existed.
func (ix *Index) DeleteBatch(triples []Triple) (int, error) {
	txn, err := ix.storage.Begin(true)
	if err != nil {
		return 0, err
	}
	defer txn.Rollback()

	removed := 0
	for _, t := range triples {
		ok, err := ix.deleteInTxn(txn, t)
		if err != nil {
			return 0, err
		}
		if ok {
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, txn.Commit()
}

func (ix *Index) deleteInTxn(txn storage.Transaction, t Triple) (bool, error) {
	spoKey := encodeKey(t.S, t.P, t.O)
	_, err := txn.Get(storage.TableSPO, spoKey)
	if err == storage.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if err := txn.Delete(storage.TableSPO, spoKey); err != nil {
		return false, err
	}
	if err := txn.Delete(storage.TablePOS, encodeKey(t.P, t.O, t.S)); err != nil {
		return false, err
	}
	if err := txn.Delete(storage.TableOSP, encodeKey(t.O, t.S, t.P)); err != nil {
		return false, err
	}

	return true, ix.adjustCount(txn, -1)
}

func (ix *Index) adjustCount(txn storage.Transaction, delta int64) error {
	count, err := ix.readCount(txn)
	if err != nil {
		return err
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(count+delta))
	return txn.Set(storage.TableMeta, []byte(metaCountKey), buf)
}

func (ix *Index) readCount(txn storage.Transaction) (int64, error) {
	val, err := txn.Get(storage.TableMeta, []byte(metaCountKey))
	if err == storage.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(val)), nil
}

// Contains reports whether the exact triple is present.
func (ix *Index) Contains(t Triple) (bool, error) {
	txn, err := ix.storage.Begin(false)
	if err != nil {
		return false, err
	}
	defer txn.Rollback()

	_, err = txn.Get(storage.TableSPO, encodeKey(t.S, t.P, t.O))
	if err == storage.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Size returns the total number of stored triples.
func (ix *Index) Size() (int64, error) {
	txn, err := ix.storage.Begin(false)
	if err != nil {
		return 0, err
	}
	defer txn.Rollback()
	return ix.readCount(txn)
}

// Count returns the number of triples matching a pattern.
func (ix *Index) Count(p Pattern) (int64, error) {
	if p.Bound() == 3 {
		ok, err := ix.Contains(Triple{S: p.S, P: p.P, O: p.O})
		if err != nil {
			return 0, err
		}
		if ok {
			return 1, nil
		}
		return 0, nil
	}
	if p.Bound() == 0 {
		return ix.Size()
	}

	it, err := ix.Lookup(p)
	if err != nil {
		return 0, err
	}
	defer it.Close()

	count := int64(0)
	for it.Next() {
		count++
	}
	return count, it.Err()
}

// SelectTable chooses the permutation whose sort order places the bound
// positions as a key prefix.
func SelectTable(p Pattern) storage.Table {
	sBound, pBound, oBound := p.S != 0, p.P != 0, p.O != 0

	switch {
	case sBound && pBound: // covers (S,P,O) and (S,P,?)
		return storage.TableSPO
	case pBound && oBound:
		return storage.TablePOS
	case sBound && oBound:
		return storage.TableOSP
	case sBound:
		return storage.TableSPO
	case pBound:
		return storage.TablePOS
	case oBound:
		return storage.TableOSP
	default:
		return storage.TableSPO
	}
}

// Lookup returns a lazy iterator over triples matching the pattern, in the
// chosen permutation's key order.
func (ix *Index) Lookup(p Pattern) (*Iterator, error) {
	table := SelectTable(p)
	order := permOrder[table]

	// Build the key prefix from bound positions in key order.
	positions := [3]uint64{p.S, p.P, p.O}
	var prefix []byte
	for _, pos := range order {
		if positions[pos] == 0 {
			break
		}
		prefix = binary.BigEndian.AppendUint64(prefix, positions[pos])
	}

	txn, err := ix.storage.Begin(false)
	if err != nil {
		return nil, err
	}

	it, err := txn.Scan(table, prefix, prefixSuccessor(prefix))
	if err != nil {
		_ = txn.Rollback()
		return nil, err
	}

	return &Iterator{
		txn:     txn,
		it:      it,
		order:   order,
		pattern: p,
	}, nil
}

// Iterator yields concrete triples matching a pattern in index key order.
type Iterator struct {
	txn     storage.Transaction
	it      storage.Iterator
	order   [3]int
	pattern Pattern
	current Triple
	err     error
	closed  bool
}

func (i *Iterator) Next() bool {
	if i.closed || i.err != nil {
		return false
	}
	for i.it.Next() {
		t, err := decodeTriple(i.it.Key(), i.order)
		if err != nil {
			i.err = err
			return false
		}
		// The prefix scan covers the bound positions: SelectTable always
		// picks a permutation whose prefix holds every bound position (S and
		// O bound without P selects OSP), so the match check is a safeguard.
		if i.pattern.Matches(t) {
			i.current = t
			return true
		}
	}
	return false
}

func (i *Iterator) Triple() Triple {
	return i.current
}

func (i *Iterator) Err() error {
	return i.err
}

func (i *Iterator) Close() error {
	if i.closed {
		return nil
	}
	i.closed = true
	_ = i.it.Close()
	return i.txn.Rollback()
}

func encodeKey(a, b, c uint64) []byte {
	key := make([]byte, keySize)
	binary.BigEndian.PutUint64(key[0:8], a)
	binary.BigEndian.PutUint64(key[8:16], b)
	binary.BigEndian.PutUint64(key[16:24], c)
	return key
}

func decodeTriple(key []byte, order [3]int) (Triple, error) {
	if len(key) != keySize {
		return Triple{}, fmt.Errorf("invalid index key length: %d", len(key))
	}
	var positions [3]uint64
	for i := 0; i < 3; i++ {
		positions[order[i]] = binary.BigEndian.Uint64(key[i*8 : i*8+8])
	}
	return Triple{S: positions[0], P: positions[1], O: positions[2]}, nil
}

// prefixSuccessor returns the smallest key greater than every key having
// the given prefix, or nil when the prefix is empty or saturated.
func prefixSuccessor(prefix []byte) []byte {
	if len(prefix) == 0 {
		return nil
	}
	end := append([]byte{}, prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] != 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
