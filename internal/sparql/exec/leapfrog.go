package exec

import (
	"github.com/ternstore/tern/internal/dictionary"
	"github.com/ternstore/tern/internal/index"
	"github.com/ternstore/tern/internal/sparql/algebra"
	"github.com/ternstore/tern/internal/sparql/optimizer"
	"github.com/ternstore/tern/internal/storage"
	"github.com/ternstore/tern/internal/store"
	"github.com/ternstore/tern/pkg/rdf"
)

// createLeapfrogIterator intersects the star patterns on their shared
// subject variable with a worst-case-optimal multi-way join, then expands
// each agreed subject into the object bindings of every member pattern.
func (e *Executor) createLeapfrogIterator(plan *optimizer.LeapfrogPlan) (BindingIterator, error) {
	legs := make([]index.Leg, 0, len(plan.Patterns))
	closeLegs := func() {
		for _, leg := range legs {
			_ = leg.Close()
		}
	}

	for _, pattern := range plan.Patterns {
		pid, err := e.store.Dictionary().GetID(pattern.Predicate.Term)
		if err == dictionary.ErrNotFound {
			closeLegs()
			return newValuesIterator(&algebra.Values{}, e.ec), nil
		}
		if err != nil {
			closeLegs()
			return nil, err
		}

		if pattern.Object.IsVariable() {
			leg, err := index.OpenSubjectsWithPredicate(e.store.Storage(), pid, e.ec.seekBudget)
			if err != nil {
				closeLegs()
				return nil, err
			}
			legs = append(legs, leg)
			continue
		}

		oid, err := e.store.Dictionary().GetID(pattern.Object.Term)
		if err == dictionary.ErrNotFound {
			closeLegs()
			return newValuesIterator(&algebra.Values{}, e.ec), nil
		}
		if err != nil {
			closeLegs()
			return nil, err
		}
		leg, err := index.OpenTrie(e.store.Storage(), storage.TablePOS, []uint64{pid, oid}, e.ec.seekBudget)
		if err != nil {
			closeLegs()
			return nil, err
		}
		legs = append(legs, leg)
	}

	return &leapfrogIterator{
		ec:       e.ec,
		executor: e,
		plan:     plan,
		lf:       index.NewLeapfrog(legs),
	}, nil
}

type leapfrogIterator struct {
	ec       *execContext
	executor *Executor
	plan     *optimizer.LeapfrogPlan
	lf       *index.Leapfrog

	pending []*store.Binding
	result  *store.Binding
	err     error
}

func (it *leapfrogIterator) Next() bool {
	if it.err != nil {
		return false
	}
	for {
		if len(it.pending) > 0 {
			it.result = it.pending[0]
			it.pending = it.pending[1:]
			return true
		}

		subject, ok := it.lf.Next()
		if !ok {
			it.err = it.lf.Err()
			return false
		}
		if it.err = it.ec.tick(); it.err != nil {
			return false
		}

		bindings, err := it.expand(subject)
		if err != nil {
			it.err = err
			return false
		}
		it.pending = bindings
	}
}

// expand turns one agreed subject into the cross product of each member
// pattern's object bindings.
func (it *leapfrogIterator) expand(subject uint64) ([]*store.Binding, error) {
	subjectTerm, err := it.executor.store.Dictionary().Decode(subject)
	if err != nil {
		return nil, err
	}

	base := store.NewBinding()
	base.Vars[it.plan.Var] = subjectTerm
	current := []*store.Binding{base}

	for _, pattern := range it.plan.Patterns {
		if !pattern.Object.IsVariable() {
			continue // already constrained by the leg
		}
		objectVar := pattern.Object.Variable.Name

		objects, err := it.objectsOf(subjectTerm, pattern.Predicate.Term)
		if err != nil {
			return nil, err
		}

		var next []*store.Binding
		for _, binding := range current {
			for _, object := range objects {
				if existing, ok := binding.Vars[objectVar]; ok {
					if existing.Equals(object) {
						next = append(next, binding)
					}
					continue
				}
				extended := binding.Clone()
				extended.Vars[objectVar] = object
				next = append(next, extended)
			}
		}
		current = next
		if len(current) == 0 {
			return nil, nil
		}
	}
	return current, nil
}

func (it *leapfrogIterator) objectsOf(subject, predicate rdf.Term) ([]rdf.Term, error) {
	iter, err := it.executor.store.Query(&store.Pattern{
		Subject:   subject,
		Predicate: predicate,
		Object:    store.NewVariable("o"),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var objects []rdf.Term
	for iter.Next() {
		if err := it.ec.tick(); err != nil {
			return nil, err
		}
		triple, err := iter.Triple()
		if err != nil {
			return nil, err
		}
		objects = append(objects, triple.Object)
	}
	return objects, iter.Err()
}

func (it *leapfrogIterator) Binding() *store.Binding { return it.result }
func (it *leapfrogIterator) Err() error              { return it.err }
func (it *leapfrogIterator) Close() error            { return it.lf.Close() }
