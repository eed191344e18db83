package index

import (
	"encoding/binary"
	"sort"

	"github.com/ternstore/tern/internal/storage"
)

// Leg is a sorted, seekable iterator over candidate IDs for one join
// variable. TrieIterator and SubjectsWithPredicate both satisfy it.
type Leg interface {
	Current() (uint64, bool)
	Seek(k uint64) (uint64, bool)
	Next() (uint64, bool)
	Err() error
	Close() error
}

// Leapfrog intersects a set of legs at the same trie level: the classic
// worst-case-optimal multi-way intersection. Legs rotate, each seeking up to
// the current maximum, until all agree on a value.
type Leapfrog struct {
	legs    []Leg
	at      int
	current uint64
	valid   bool
	done    bool
	err     error
}

// NewLeapfrog builds the intersection over the given legs. At least two legs
// are required for the join to be meaningful, but one leg degenerates
// gracefully to plain iteration.
func NewLeapfrog(legs []Leg) *Leapfrog {
	return &Leapfrog{legs: legs}
}

// Next advances to the next value present in every leg. The first call
// positions at the first such value.
func (lf *Leapfrog) Next() (uint64, bool) {
	if lf.done || lf.err != nil {
		return 0, false
	}

	if !lf.valid {
		// Initial positioning: every leg to its first value, then order the
		// legs so lf.at points at the smallest.
		for _, leg := range lf.legs {
			if _, ok := leg.Seek(1); !ok {
				return lf.finish(leg.Err())
			}
		}
		sort.SliceStable(lf.legs, func(i, j int) bool {
			a, _ := lf.legs[i].Current()
			b, _ := lf.legs[j].Current()
			return a < b
		})
		lf.at = 0
		lf.valid = true
		return lf.search()
	}

	if _, ok := lf.legs[lf.at].Next(); !ok {
		return lf.finish(lf.legs[lf.at].Err())
	}
	lf.at = (lf.at + 1) % len(lf.legs)
	return lf.search()
}

// search rotates legs until they all agree on one value.
func (lf *Leapfrog) search() (uint64, bool) {
	n := len(lf.legs)
	max, _ := lf.legs[(lf.at+n-1)%n].Current()

	for {
		least, ok := lf.legs[lf.at].Current()
		if !ok {
			return lf.finish(lf.legs[lf.at].Err())
		}
		if least == max {
			lf.current = max
			return lf.current, true
		}
		v, ok := lf.legs[lf.at].Seek(max)
		if !ok {
			return lf.finish(lf.legs[lf.at].Err())
		}
		max = v
		lf.at = (lf.at + 1) % n
	}
}

func (lf *Leapfrog) finish(err error) (uint64, bool) {
	lf.done = true
	if err != nil {
		lf.err = err
	}
	return 0, false
}

// Err returns the first leg error, including seek-budget exhaustion.
func (lf *Leapfrog) Err() error {
	if lf.err != nil {
		return lf.err
	}
	for _, leg := range lf.legs {
		if err := leg.Err(); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every leg.
func (lf *Leapfrog) Close() error {
	var firstErr error
	for _, leg := range lf.legs {
		if err := leg.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SubjectsWithPredicate iterates, in sorted order, the distinct subjects
// that carry a given predicate. There is no PSO permutation, so candidates
// come from SPO level 0 with a nested level-1 existence probe per subject.
type SubjectsWithPredicate struct {
	subjects *TrieIterator
	probeTxn storage.Transaction
	probe    storage.Iterator
	pred     uint64
	budget   *SeekBudget
	current  uint64
	valid    bool
	err      error
	closed   bool
}

// OpenSubjectsWithPredicate builds the filtered subject iterator.
func OpenSubjectsWithPredicate(s storage.Storage, pred uint64, budget *SeekBudget) (*SubjectsWithPredicate, error) {
	subjects, err := OpenTrie(s, storage.TableSPO, nil, budget)
	if err != nil {
		return nil, err
	}

	txn, err := s.Begin(false)
	if err != nil {
		_ = subjects.Close()
		return nil, err
	}
	probe, err := txn.Scan(storage.TableSPO, nil, nil)
	if err != nil {
		_ = subjects.Close()
		_ = txn.Rollback()
		return nil, err
	}

	return &SubjectsWithPredicate{
		subjects: subjects,
		probeTxn: txn,
		probe:    probe,
		pred:     pred,
		budget:   budget,
	}, nil
}

func (sp *SubjectsWithPredicate) Current() (uint64, bool) {
	return sp.current, sp.valid
}

func (sp *SubjectsWithPredicate) Seek(k uint64) (uint64, bool) {
	s, ok := sp.subjects.Seek(k)
	return sp.advance(s, ok)
}

func (sp *SubjectsWithPredicate) Next() (uint64, bool) {
	if !sp.valid {
		return sp.Seek(1)
	}
	s, ok := sp.subjects.Next()
	return sp.advance(s, ok)
}

// advance skips candidate subjects until one carries the predicate.
func (sp *SubjectsWithPredicate) advance(s uint64, ok bool) (uint64, bool) {
	for ok {
		if sp.err != nil {
			sp.valid = false
			return 0, false
		}
		has, err := sp.hasPredicate(s)
		if err != nil {
			sp.err = err
			sp.valid = false
			return 0, false
		}
		if has {
			sp.current = s
			sp.valid = true
			return s, true
		}
		s, ok = sp.subjects.Next()
	}
	if err := sp.subjects.Err(); err != nil {
		sp.err = err
	}
	sp.valid = false
	return 0, false
}

func (sp *SubjectsWithPredicate) hasPredicate(s uint64) (bool, error) {
	if err := sp.budget.consume(); err != nil {
		return false, err
	}
	target := make([]byte, 16)
	binary.BigEndian.PutUint64(target[0:8], s)
	binary.BigEndian.PutUint64(target[8:16], sp.pred)
	sp.probe.Seek(target)
	if !sp.probe.Next() {
		return false, nil
	}
	key := sp.probe.Key()
	if len(key) != keySize {
		return false, nil
	}
	return binary.BigEndian.Uint64(key[0:8]) == s &&
		binary.BigEndian.Uint64(key[8:16]) == sp.pred, nil
}

func (sp *SubjectsWithPredicate) Err() error {
	if sp.err != nil {
		return sp.err
	}
	return sp.subjects.Err()
}

func (sp *SubjectsWithPredicate) Close() error {
	if sp.closed {
		return nil
	}
	sp.closed = true
	_ = sp.subjects.Close()
	_ = sp.probe.Close()
	return sp.probeTxn.Rollback()
}
