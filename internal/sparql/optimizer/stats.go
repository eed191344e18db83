package optimizer

import (
	"log/slog"
	"sync"

	"github.com/ternstore/tern/internal/dictionary"
	"github.com/ternstore/tern/internal/index"
	"github.com/ternstore/tern/internal/sparql/algebra"
	"github.com/ternstore/tern/internal/storage"
	"github.com/ternstore/tern/internal/store"
	"github.com/ternstore/tern/pkg/rdf"
)

// Statistics holds per-predicate cardinality statistics used by the cost
// model. They are recomputed lazily after writes mark them dirty.
type Statistics struct {
	store *store.TripleStore

	mu               sync.Mutex
	dirty            bool
	totalTriples     int64
	distinctSubjects int64
	distinctPreds    int64
	distinctObjects  int64
	predicateCounts  map[string]int64 // predicate IRI -> triple count
}

// NewStatistics creates statistics over a store, initially dirty.
func NewStatistics(ts *store.TripleStore) *Statistics {
	return &Statistics{
		store:           ts,
		dirty:           true,
		predicateCounts: make(map[string]int64),
	}
}

// Invalidate marks the statistics stale; the next read recomputes them.
func (s *Statistics) Invalidate() {
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
}

// TotalTriples returns the store size.
func (s *Statistics) TotalTriples() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked()
	return s.totalTriples
}

// PredicateCount returns the triple count for a predicate IRI.
func (s *Statistics) PredicateCount(iri string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked()
	return s.predicateCounts[iri]
}

// DistinctSubjects returns the number of distinct subject IDs.
func (s *Statistics) DistinctSubjects() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked()
	return s.distinctSubjects
}

// DistinctPredicates returns the number of distinct predicate IDs.
func (s *Statistics) DistinctPredicates() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked()
	return s.distinctPreds
}

// DistinctObjects returns the number of distinct object IDs.
func (s *Statistics) DistinctObjects() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked()
	return s.distinctObjects
}

func (s *Statistics) refreshLocked() {
	if !s.dirty {
		return
	}

	total, err := s.store.Count()
	if err != nil {
		slog.Warn("statistics refresh failed", "error", err)
		return
	}
	s.totalTriples = total

	s.distinctSubjects = s.countDistinct(storage.TableSPO)
	s.distinctObjects = s.countDistinct(storage.TableOSP)

	// One pass over POS level 0: distinct predicates plus per-predicate
	// triple counts.
	s.predicateCounts = make(map[string]int64)
	s.distinctPreds = 0
	trie, err := index.OpenTrie(s.store.Storage(), storage.TablePOS, nil, nil)
	if err != nil {
		slog.Warn("statistics refresh failed", "error", err)
		return
	}
	defer trie.Close()

	for {
		pid, ok := trie.Next()
		if !ok {
			break
		}
		s.distinctPreds++
		count, err := s.store.Index().Count(index.Pattern{P: pid})
		if err != nil {
			slog.Warn("statistics refresh failed", "error", err)
			return
		}
		term, err := s.store.Dictionary().Decode(pid)
		if err == dictionary.ErrNotFound {
			continue
		}
		if err != nil {
			slog.Warn("statistics refresh failed", "error", err)
			return
		}
		if nn, ok := term.(*rdf.NamedNode); ok {
			s.predicateCounts[nn.IRI] = count
		}
	}

	s.dirty = false
}

func (s *Statistics) countDistinct(table storage.Table) int64 {
	trie, err := index.OpenTrie(s.store.Storage(), table, nil, nil)
	if err != nil {
		return 0
	}
	defer trie.Close()

	count := int64(0)
	for {
		if _, ok := trie.Next(); !ok {
			break
		}
		count++
	}
	return count
}

// EstimatePattern estimates the cardinality of one triple pattern: exact
// count when fully bound, per-predicate counts when the predicate is bound,
// distinct-count ratios for single-variable patterns, total count for the
// all-variable pattern.
func (s *Statistics) EstimatePattern(p *algebra.TriplePattern) int64 {
	sBound := isBoundPos(p.Subject)
	pBound := isBoundPos(p.Predicate)
	oBound := isBoundPos(p.Object)

	total := s.TotalTriples()
	if total == 0 {
		return 0
	}

	switch {
	case sBound && pBound && oBound:
		count, err := s.store.CountPattern(&store.Pattern{
			Subject:   p.Subject.Term,
			Predicate: p.Predicate.Term,
			Object:    p.Object.Term,
		})
		if err != nil {
			return 1
		}
		return count

	case pBound:
		predCount := int64(0)
		if nn, ok := p.Predicate.Term.(*rdf.NamedNode); ok {
			predCount = s.PredicateCount(nn.IRI)
		}
		if predCount == 0 {
			return 0
		}
		switch {
		case sBound || oBound:
			// One more position bound: assume uniform spread over the
			// predicate's triples.
			est := predCount / maxInt64(1, s.DistinctSubjects())
			if oBound {
				est = predCount / maxInt64(1, s.DistinctObjects())
			}
			return maxInt64(1, est)
		default:
			return predCount
		}

	case sBound && oBound:
		return maxInt64(1, total/maxInt64(1, s.DistinctSubjects()*s.DistinctObjects()))

	case sBound:
		return maxInt64(1, total/maxInt64(1, s.DistinctSubjects()))

	case oBound:
		return maxInt64(1, total/maxInt64(1, s.DistinctObjects()))

	default:
		return total
	}
}

func isBoundPos(t algebra.TermOrVariable) bool {
	return !t.IsVariable() && !t.IsParam() && t.Term != nil
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
