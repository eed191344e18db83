package store

import (
	"fmt"

	"github.com/ternstore/tern/internal/dictionary"
	"github.com/ternstore/tern/internal/index"
	"github.com/ternstore/tern/pkg/rdf"
)

// Variable represents a query variable at a pattern position.
type Variable struct {
	Name string
}

// NewVariable creates a new variable
func NewVariable(name string) *Variable {
	return &Variable{Name: name}
}

func (v *Variable) String() string {
	return "?" + v.Name
}

// Pattern represents a triple pattern: each position holds an rdf.Term or a
// *Variable.
type Pattern struct {
	Subject   any
	Predicate any
	Object    any
}

// IsVariable checks if a pattern position is a variable.
func IsVariable(v any) bool {
	_, ok := v.(*Variable)
	return ok
}

// Binding represents a solution mapping from variable names to terms.
type Binding struct {
	Vars map[string]rdf.Term
}

// NewBinding creates a new empty binding
func NewBinding() *Binding {
	return &Binding{Vars: make(map[string]rdf.Term)}
}

// Clone creates a copy of the binding
func (b *Binding) Clone() *Binding {
	nb := &Binding{Vars: make(map[string]rdf.Term, len(b.Vars))}
	for k, v := range b.Vars {
		nb.Vars[k] = v
	}
	return nb
}

// CompatibleWith reports whether every shared variable maps to equal terms.
func (b *Binding) CompatibleWith(other *Binding) bool {
	for name, term := range b.Vars {
		if otherTerm, ok := other.Vars[name]; ok {
			if !term.Equals(otherTerm) {
				return false
			}
		}
	}
	return true
}

// SharesBoundVariable reports whether the two bindings have at least one
// variable bound in both.
func (b *Binding) SharesBoundVariable(other *Binding) bool {
	for name := range b.Vars {
		if _, ok := other.Vars[name]; ok {
			return true
		}
	}
	return false
}

// Merge returns the union of two compatible bindings, or nil when they
// conflict on a shared variable.
func (b *Binding) Merge(other *Binding) *Binding {
	merged := b.Clone()
	for name, term := range other.Vars {
		if existing, ok := merged.Vars[name]; ok {
			if !existing.Equals(term) {
				return nil
			}
		} else {
			merged.Vars[name] = term
		}
	}
	return merged
}

// TripleIterator iterates over triples matching a pattern.
type TripleIterator interface {
	Next() bool
	Triple() (*rdf.Triple, error)
	Err() error
	Close() error
}

// Query matches a pattern against the store and returns a lazy iterator in
// the chosen index's key order.
func (s *TripleStore) Query(pattern *Pattern) (TripleIterator, error) {
	encoded, ok, err := s.encodePattern(pattern)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &emptyIterator{}, nil
	}

	it, err := s.idx.Lookup(encoded)
	if err != nil {
		return nil, err
	}
	return &tripleIterator{store: s, it: it}, nil
}

// CountPattern returns the number of triples matching a pattern.
func (s *TripleStore) CountPattern(pattern *Pattern) (int64, error) {
	encoded, ok, err := s.encodePattern(pattern)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return s.idx.Count(encoded)
}

// encodePattern resolves the bound positions to ids; ok is false when a
// bound term is unknown to the dictionary (no triple can match).
func (s *TripleStore) encodePattern(pattern *Pattern) (index.Pattern, bool, error) {
	var out index.Pattern
	positions := []struct {
		value any
		dst   *uint64
	}{
		{pattern.Subject, &out.S},
		{pattern.Predicate, &out.P},
		{pattern.Object, &out.O},
	}

	for _, pos := range positions {
		if pos.value == nil || IsVariable(pos.value) {
			continue
		}
		term, ok := pos.value.(rdf.Term)
		if !ok {
			return index.Pattern{}, false, fmt.Errorf("invalid pattern position: %T", pos.value)
		}
		id, err := s.dict.GetID(term)
		if err == dictionary.ErrNotFound {
			return index.Pattern{}, false, nil
		}
		if err != nil {
			return index.Pattern{}, false, err
		}
		*pos.dst = id
	}
	return out, true, nil
}

type tripleIterator struct {
	store *TripleStore
	it    *index.Iterator
}

func (ti *tripleIterator) Next() bool {
	return ti.it.Next()
}

func (ti *tripleIterator) Triple() (*rdf.Triple, error) {
	return ti.store.DecodeTriple(ti.it.Triple())
}

func (ti *tripleIterator) Err() error {
	return ti.it.Err()
}

func (ti *tripleIterator) Close() error {
	return ti.it.Close()
}

type emptyIterator struct{}

func (e *emptyIterator) Next() bool                 { return false }
func (e *emptyIterator) Triple() (*rdf.Triple, error) { return nil, fmt.Errorf("no current triple") }
func (e *emptyIterator) Err() error                 { return nil }
func (e *emptyIterator) Close() error               { return nil }
