// Package exec executes optimized query plans as trees of pull-based
// binding iterators (the Volcano model): producers run only when consumers
// call Next, which gives streaming backpressure for free.
package exec

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ternstore/tern/internal/index"
	"github.com/ternstore/tern/internal/sparql/algebra"
	"github.com/ternstore/tern/internal/sparql/eval"
	"github.com/ternstore/tern/internal/sparql/optimizer"
	"github.com/ternstore/tern/internal/store"
	"github.com/ternstore/tern/pkg/rdf"
)

var (
	// ErrMaxIterations is surfaced when a query exceeds its iteration
	// budget.
	ErrMaxIterations = errors.New("query exceeded its iteration budget")

	// ErrTimeout is surfaced when the context deadline passes mid-query.
	ErrTimeout = errors.New("query deadline exceeded")

	// ErrUnsupported is surfaced for accepted-but-unsupported constructs
	// (named graph scopes).
	ErrUnsupported = errors.New("unsupported operation")

	// ErrUnsupportedPath is surfaced for path expressions the evaluator
	// cannot execute.
	ErrUnsupportedPath = errors.New("unsupported property path")
)

// DefaultMaxIterations bounds per-query iterator steps.
const DefaultMaxIterations = 10_000_000

// DefaultSeekBudget bounds per-query leapfrog seeks.
const DefaultSeekBudget = 1_000_000

// Limits carries the per-query resource bounds.
type Limits struct {
	MaxIterations int64
	SeekBudget    int64
}

// BindingIterator is the executor's solution stream: Err reports the first
// operational error (timeouts, budget exhaustion, storage faults);
// expression errors never appear here.
type BindingIterator interface {
	Next() bool
	Binding() *store.Binding
	Err() error
	Close() error
}

// execContext is shared across one query's iterator tree: cancellation,
// the iteration budget, and the leapfrog seek budget.
type execContext struct {
	ctx        context.Context
	iterations int64
	max        int64
	seekBudget *index.SeekBudget
}

// tick is called at iterator yield points; it enforces the deadline and the
// iteration budget.
func (ec *execContext) tick() error {
	ec.iterations++
	if ec.max > 0 && ec.iterations > ec.max {
		return ErrMaxIterations
	}
	// Deadline checks are amortized: the context poll is cheap but not
	// free, and yields are hot.
	if ec.iterations&0x3f == 0 {
		select {
		case <-ec.ctx.Done():
			return fmt.Errorf("%w: %v", ErrTimeout, ec.ctx.Err())
		default:
		}
	}
	return nil
}

// Executor walks plans over a triple store.
type Executor struct {
	store     *store.TripleStore
	ec        *execContext
	evaluator *eval.Evaluator

	// compile lowers algebra subtrees (EXISTS patterns) to plans.
	compile func(algebra.Operator) optimizer.Plan
}

// New creates an executor for one query execution.
func New(ctx context.Context, ts *store.TripleStore, limits Limits, compile func(algebra.Operator) optimizer.Plan) *Executor {
	if limits.MaxIterations == 0 {
		limits.MaxIterations = DefaultMaxIterations
	}
	if limits.SeekBudget == 0 {
		limits.SeekBudget = DefaultSeekBudget
	}

	e := &Executor{
		store: ts,
		ec: &execContext{
			ctx:        ctx,
			max:        limits.MaxIterations,
			seekBudget: index.NewSeekBudget(limits.SeekBudget),
		},
		evaluator: eval.NewEvaluator(),
		compile:   compile,
	}
	e.evaluator.Exists = e.exists
	return e
}

// exists evaluates an EXISTS pattern under the current binding: true when
// some solution of the pattern is compatible with it.
func (e *Executor) exists(pattern algebra.Operator, binding *store.Binding) (bool, error) {
	plan := e.compile(pattern)
	iter, err := e.createIterator(plan)
	if err != nil {
		return false, err
	}
	defer iter.Close()

	for iter.Next() {
		if binding.CompatibleWith(iter.Binding()) {
			return true, nil
		}
	}
	return false, iter.Err()
}

// Solutions builds the iterator tree for a plan.
func (e *Executor) Solutions(plan optimizer.Plan) (BindingIterator, error) {
	return e.createIterator(plan)
}

// createIterator dispatches a plan node to its iterator.
func (e *Executor) createIterator(plan optimizer.Plan) (BindingIterator, error) {
	switch p := plan.(type) {
	case *optimizer.ScanPlan:
		return e.createScanIterator(p.Pattern)
	case *optimizer.QuadScanPlan:
		return e.createQuadScanIterator(p)
	case *optimizer.PathPlan:
		return e.createPathIterator(p.Pattern)
	case *optimizer.JoinPlan:
		return e.createJoinIterator(p)
	case *optimizer.LeapfrogPlan:
		return e.createLeapfrogIterator(p)
	case *optimizer.LeftJoinPlan:
		return e.createLeftJoinIterator(p)
	case *optimizer.UnionPlan:
		return e.createUnionIterator(p)
	case *optimizer.MinusPlan:
		return e.createMinusIterator(p)
	case *optimizer.FilterPlan:
		return e.createFilterIterator(p)
	case *optimizer.ExtendPlan:
		return e.createExtendIterator(p)
	case *optimizer.ProjectPlan:
		return e.createProjectIterator(p)
	case *optimizer.DistinctPlan:
		return e.createDistinctIterator(p)
	case *optimizer.ReducedPlan:
		return e.createReducedIterator(p)
	case *optimizer.OrderByPlan:
		return e.createOrderByIterator(p)
	case *optimizer.SlicePlan:
		return e.createSliceIterator(p)
	case *optimizer.GroupPlan:
		return e.createGroupIterator(p)
	case *optimizer.ValuesPlan:
		return newValuesIterator(p.Values, e.ec), nil
	default:
		return nil, fmt.Errorf("unsupported plan type: %T", plan)
	}
}

// createQuadScanIterator accepts quad patterns but only the default graph
// is storable.
func (e *Executor) createQuadScanIterator(p *optimizer.QuadScanPlan) (BindingIterator, error) {
	g := p.Quad.Graph
	if g.IsVariable() {
		return nil, fmt.Errorf("%w: graph variables", ErrUnsupported)
	}
	if g.Term != nil {
		if _, ok := g.Term.(*rdf.DefaultGraph); !ok {
			return nil, fmt.Errorf("%w: named graph patterns", ErrUnsupported)
		}
	}
	return e.createScanIterator(p.Quad.Triple)
}

// CollectSelect drains a SELECT plan into a materialized result.
func (e *Executor) CollectSelect(plan optimizer.Plan) ([]*store.Binding, error) {
	iter, err := e.createIterator(plan)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var bindings []*store.Binding
	for iter.Next() {
		bindings = append(bindings, iter.Binding().Clone())
	}
	return bindings, iter.Err()
}

// Ask reports whether the plan produces at least one solution.
func (e *Executor) Ask(plan optimizer.Plan) (bool, error) {
	iter, err := e.createIterator(plan)
	if err != nil {
		return false, err
	}
	defer iter.Close()

	found := iter.Next()
	return found, iter.Err()
}

// Construct instantiates the template once per solution. Blank-node labels
// in the template are scoped per solution: each binding gets fresh labels.
func (e *Executor) Construct(plan optimizer.Plan, template []*algebra.TriplePattern) ([]*rdf.Triple, error) {
	iter, err := e.createIterator(plan)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var triples []*rdf.Triple
	seen := make(map[string]bool)

	for iter.Next() {
		binding := iter.Binding()
		scope := uuid.NewString()[:8]

		for _, pattern := range template {
			triple, ok := instantiateTemplate(pattern, binding, scope)
			if !ok {
				continue // unbound position: skip this instantiation
			}
			key := triple.String()
			if !seen[key] {
				seen[key] = true
				triples = append(triples, triple)
			}
		}
	}
	return triples, iter.Err()
}

// instantiateTemplate substitutes a solution into one template pattern.
// Blank nodes are relabeled with the solution's scope suffix.
func instantiateTemplate(pattern *algebra.TriplePattern, binding *store.Binding, scope string) (*rdf.Triple, bool) {
	resolve := func(pos algebra.TermOrVariable) (rdf.Term, bool) {
		if pos.IsVariable() {
			term, ok := binding.Vars[pos.Variable.Name]
			return term, ok
		}
		if pos.IsParam() || pos.Term == nil {
			return nil, false
		}
		if bn, ok := pos.Term.(*rdf.BlankNode); ok {
			return rdf.NewBlankNode(bn.ID + "_" + scope), true
		}
		return pos.Term, true
	}

	subject, ok := resolve(pattern.Subject)
	if !ok {
		return nil, false
	}
	predicate, ok := resolve(pattern.Predicate)
	if !ok {
		return nil, false
	}
	object, ok := resolve(pattern.Object)
	if !ok {
		return nil, false
	}

	// Instantiations with a literal subject or non-IRI predicate are not
	// valid RDF triples.
	switch subject.(type) {
	case *rdf.NamedNode, *rdf.BlankNode:
	default:
		return nil, false
	}
	if _, ok := predicate.(*rdf.NamedNode); !ok {
		return nil, false
	}

	return rdf.NewTriple(subject, predicate, object), true
}

// Describe produces the strict forward concise bounded description of each
// resource: its subject triples, plus closure over blank-node objects.
func (e *Executor) Describe(plan optimizer.Plan, terms []rdf.Term, vars []*algebra.Variable) ([]*rdf.Triple, error) {
	resources := make([]rdf.Term, 0, len(terms))
	resources = append(resources, terms...)
	seenResource := make(map[string]bool)
	for _, r := range resources {
		seenResource[r.String()] = true
	}

	if plan != nil {
		iter, err := e.createIterator(plan)
		if err != nil {
			return nil, err
		}
		defer iter.Close()

		wanted := make(map[string]bool, len(vars))
		for _, v := range vars {
			wanted[v.Name] = true
		}

		for iter.Next() {
			binding := iter.Binding()
			for name, term := range binding.Vars {
				if len(wanted) > 0 && !wanted[name] {
					continue
				}
				switch term.(type) {
				case *rdf.NamedNode, *rdf.BlankNode:
					if !seenResource[term.String()] {
						seenResource[term.String()] = true
						resources = append(resources, term)
					}
				}
			}
		}
		if err := iter.Err(); err != nil {
			return nil, err
		}
	}

	var triples []*rdf.Triple
	seenTriple := make(map[string]bool)
	described := make(map[string]bool)

	// Explicit frontier: blank-node objects extend the description.
	frontier := resources
	for len(frontier) > 0 {
		resource := frontier[0]
		frontier = frontier[1:]
		if described[resource.String()] {
			continue
		}
		described[resource.String()] = true

		if err := e.ec.tick(); err != nil {
			return nil, err
		}

		it, err := e.store.Query(&store.Pattern{
			Subject:   resource,
			Predicate: store.NewVariable("p"),
			Object:    store.NewVariable("o"),
		})
		if err != nil {
			return nil, err
		}
		for it.Next() {
			triple, err := it.Triple()
			if err != nil {
				_ = it.Close()
				return nil, err
			}
			key := triple.String()
			if !seenTriple[key] {
				seenTriple[key] = true
				triples = append(triples, triple)
			}
			if bn, ok := triple.Object.(*rdf.BlankNode); ok && !described[bn.String()] {
				frontier = append(frontier, bn)
			}
		}
		scanErr := it.Err()
		_ = it.Close()
		if scanErr != nil {
			return nil, scanErr
		}
	}

	return triples, nil
}

// planVariables lists the variables a plan can bind.
func planVariables(plan optimizer.Plan) []string {
	var names []string
	seen := make(map[string]bool)
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	addPos := func(t algebra.TermOrVariable) {
		if t.IsVariable() {
			add(t.Variable.Name)
		}
	}

	var walk func(optimizer.Plan)
	walk = func(plan optimizer.Plan) {
		switch p := plan.(type) {
		case *optimizer.ScanPlan:
			addPos(p.Pattern.Subject)
			addPos(p.Pattern.Predicate)
			addPos(p.Pattern.Object)
		case *optimizer.QuadScanPlan:
			addPos(p.Quad.Triple.Subject)
			addPos(p.Quad.Triple.Predicate)
			addPos(p.Quad.Triple.Object)
		case *optimizer.PathPlan:
			addPos(p.Pattern.Subject)
			addPos(p.Pattern.Object)
		case *optimizer.JoinPlan:
			walk(p.Left)
			walk(p.Right)
		case *optimizer.LeapfrogPlan:
			add(p.Var)
			for _, t := range p.Patterns {
				addPos(t.Subject)
				addPos(t.Predicate)
				addPos(t.Object)
			}
		case *optimizer.LeftJoinPlan:
			walk(p.Left)
			walk(p.Right)
		case *optimizer.UnionPlan:
			walk(p.Left)
			walk(p.Right)
		case *optimizer.MinusPlan:
			walk(p.Left)
		case *optimizer.FilterPlan:
			walk(p.Input)
		case *optimizer.ExtendPlan:
			walk(p.Input)
			add(p.Var.Name)
		case *optimizer.ProjectPlan:
			for _, v := range p.Vars {
				add(v.Name)
			}
		case *optimizer.DistinctPlan:
			walk(p.Input)
		case *optimizer.ReducedPlan:
			walk(p.Input)
		case *optimizer.OrderByPlan:
			walk(p.Input)
		case *optimizer.SlicePlan:
			walk(p.Input)
		case *optimizer.GroupPlan:
			for _, key := range p.Keys {
				if key.As != nil {
					add(key.As.Name)
				} else if ve, ok := key.Expr.(*algebra.VariableExpr); ok {
					add(ve.Variable.Name)
				}
			}
			for _, agg := range p.Aggregates {
				add(agg.Var.Name)
			}
		case *optimizer.ValuesPlan:
			for _, v := range p.Values.Vars {
				add(v.Name)
			}
		}
	}
	walk(plan)
	return names
}
