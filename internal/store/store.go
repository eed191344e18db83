// Package store composes the dictionary and the permutation index into a
// term-level triple store: terms are encoded at ingress, triples flow
// through the index as IDs, and results are decoded at egress.
package store

import (
	"fmt"
	"log/slog"

	"github.com/ternstore/tern/internal/dictionary"
	"github.com/ternstore/tern/internal/index"
	"github.com/ternstore/tern/internal/storage"
	"github.com/ternstore/tern/pkg/rdf"
)

// TripleStore manages the dictionary-encoded triple store.
type TripleStore struct {
	storage storage.Storage
	dict    *dictionary.Dictionary
	idx     *index.Index
}

// Open creates a TripleStore over the given storage backend.
func Open(s storage.Storage) (*TripleStore, error) {
	dict, err := dictionary.Open(s, dictionary.DefaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to open dictionary: %w", err)
	}

	ts := &TripleStore{
		storage: s,
		dict:    dict,
		idx:     index.New(s),
	}

	count, err := ts.idx.Size()
	if err != nil {
		return nil, err
	}
	slog.Info("triple store opened", "triples", count)
	return ts, nil
}

// Close releases the store. The storage backend is owned by the caller.
func (s *TripleStore) Close() error {
	return s.dict.Close()
}

// Dictionary exposes the term dictionary.
func (s *TripleStore) Dictionary() *dictionary.Dictionary {
	return s.dict
}

// Index exposes the encoded-triple index.
func (s *TripleStore) Index() *index.Index {
	return s.idx
}

// Storage exposes the backend, for trie iterators.
func (s *TripleStore) Storage() storage.Storage {
	return s.storage
}

// EncodeTriple encodes all three positions, allocating ids as needed.
func (s *TripleStore) EncodeTriple(t *rdf.Triple) (index.Triple, error) {
	sid, _, err := s.dict.Encode(t.Subject)
	if err != nil {
		return index.Triple{}, fmt.Errorf("failed to encode subject: %w", err)
	}
	pid, _, err := s.dict.Encode(t.Predicate)
	if err != nil {
		return index.Triple{}, fmt.Errorf("failed to encode predicate: %w", err)
	}
	oid, _, err := s.dict.Encode(t.Object)
	if err != nil {
		return index.Triple{}, fmt.Errorf("failed to encode object: %w", err)
	}
	return index.Triple{S: sid, P: pid, O: oid}, nil
}

// resolveTriple maps a triple to ids without allocating; ok is false when
// any term is unknown (the triple cannot exist in the store).
func (s *TripleStore) resolveTriple(t *rdf.Triple) (index.Triple, bool, error) {
	var out index.Triple
	for i, term := range []rdf.Term{t.Subject, t.Predicate, t.Object} {
		id, err := s.dict.GetID(term)
		if err == dictionary.ErrNotFound {
			return index.Triple{}, false, nil
		}
		if err != nil {
			return index.Triple{}, false, err
		}
		switch i {
		case 0:
			out.S = id
		case 1:
			out.P = id
		case 2:
			out.O = id
		}
	}
	return out, true, nil
}

// DecodeTriple maps an encoded triple back to terms.
func (s *TripleStore) DecodeTriple(t index.Triple) (*rdf.Triple, error) {
	subject, err := s.dict.Decode(t.S)
	if err != nil {
		return nil, fmt.Errorf("failed to decode subject: %w", err)
	}
	predicate, err := s.dict.Decode(t.P)
	if err != nil {
		return nil, fmt.Errorf("failed to decode predicate: %w", err)
	}
	object, err := s.dict.Decode(t.O)
	if err != nil {
		return nil, fmt.Errorf("failed to decode object: %w", err)
	}
	return rdf.NewTriple(subject, predicate, object), nil
}

// InsertTriple inserts one triple; reports whether it was new.
func (s *TripleStore) InsertTriple(t *rdf.Triple) (bool, error) {
	encoded, err := s.EncodeTriple(t)
	if err != nil {
		return false, err
	}
	return s.idx.Insert(encoded)
}

// InsertTriples inserts a batch, returning the number of new triples.
func (s *TripleStore) InsertTriples(triples []*rdf.Triple) (int, error) {
	encoded := make([]index.Triple, 0, len(triples))
	for _, t := range triples {
		e, err := s.EncodeTriple(t)
		if err != nil {
			return 0, err
		}
		encoded = append(encoded, e)
	}
	return s.idx.InsertBatch(encoded)
}

// DeleteTriple removes one triple; deleting an absent triple is a no-op.
func (s *TripleStore) DeleteTriple(t *rdf.Triple) (bool, error) {
	encoded, ok, err := s.resolveTriple(t)
	if err != nil || !ok {
		return false, err
	}
	return s.idx.Delete(encoded)
}

// DeleteTriples removes a batch, returning the number that existed.
func (s *TripleStore) DeleteTriples(triples []*rdf.Triple) (int, error) {
	encoded := make([]index.Triple, 0, len(triples))
	for _, t := range triples {
		e, ok, err := s.resolveTriple(t)
		if err != nil {
			return 0, err
		}
		if ok {
			encoded = append(encoded, e)
		}
	}
	if len(encoded) == 0 {
		return 0, nil
	}
	return s.idx.DeleteBatch(encoded)
}

// Clear removes every triple.
func (s *TripleStore) Clear() (int64, error) {
	count, err := s.idx.Size()
	if err != nil {
		return 0, err
	}

	it, err := s.idx.Lookup(index.Pattern{})
	if err != nil {
		return 0, err
	}
	var all []index.Triple
	for it.Next() {
		all = append(all, it.Triple())
	}
	scanErr := it.Err()
	_ = it.Close()
	if scanErr != nil {
		return 0, scanErr
	}

	if _, err := s.idx.DeleteBatch(all); err != nil {
		return 0, err
	}
	slog.Info("store cleared", "triples", count)
	return count, nil
}

// ContainsTriple reports whether the triple is present.
func (s *TripleStore) ContainsTriple(t *rdf.Triple) (bool, error) {
	encoded, ok, err := s.resolveTriple(t)
	if err != nil || !ok {
		return false, err
	}
	return s.idx.Contains(encoded)
}

// Count returns the total number of stored triples.
func (s *TripleStore) Count() (int64, error) {
	return s.idx.Size()
}
