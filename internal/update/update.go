// Package update executes SPARQL Update requests against the triple store.
// Statements run in order; a failing statement aborts the remainder while
// earlier statements stay visible.
package update

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ternstore/tern/internal/sparql/algebra"
	"github.com/ternstore/tern/internal/sparql/exec"
	"github.com/ternstore/tern/internal/sparql/optimizer"
	"github.com/ternstore/tern/internal/store"
	"github.com/ternstore/tern/pkg/rdf"
)

var (
	// ErrTooManyTriples is surfaced when one statement touches more data
	// triples than the cap allows.
	ErrTooManyTriples = errors.New("update exceeds the triple limit")

	// ErrUnsupported is surfaced for graph-scoped operations the
	// triple-scoped index cannot express.
	ErrUnsupported = errors.New("unsupported update operation")
)

// DefaultMaxDataTriples caps the triples one update statement may touch.
const DefaultMaxDataTriples = 100_000

// Executor runs update requests.
type Executor struct {
	store     *store.TripleStore
	optimizer *optimizer.Optimizer

	// MaxDataTriples caps per-statement data size; 0 means the default.
	MaxDataTriples int

	// OnWrite is invoked with the predicate IRIs a statement touched, for
	// statistics and plan-cache invalidation.
	OnWrite func(predicates []string)
}

// New creates an update executor.
func New(ts *store.TripleStore, opt *optimizer.Optimizer) *Executor {
	return &Executor{
		store:          ts,
		optimizer:      opt,
		MaxDataTriples: DefaultMaxDataTriples,
	}
}

// Execute runs every statement of a request, returning the total number of
// triples inserted plus deleted.
func (u *Executor) Execute(ctx context.Context, req *algebra.UpdateRequest, limits exec.Limits) (int64, error) {
	total := int64(0)
	for i, op := range req.Operations {
		affected, err := u.executeOp(ctx, op, limits)
		if err != nil {
			return total, fmt.Errorf("update statement %d: %w", i+1, err)
		}
		total += affected
	}
	return total, nil
}

func (u *Executor) executeOp(ctx context.Context, op algebra.UpdateOp, limits exec.Limits) (int64, error) {
	switch v := op.(type) {
	case *algebra.InsertData:
		triples, err := u.groundQuads(v.Quads)
		if err != nil {
			return 0, err
		}
		if err := u.checkCap(len(triples)); err != nil {
			return 0, err
		}
		inserted, err := u.store.InsertTriples(triples)
		if err != nil {
			return 0, err
		}
		u.notify(predicatesOf(triples))
		slog.Debug("insert data", "triples", len(triples), "new", inserted)
		return int64(inserted), nil

	case *algebra.DeleteData:
		triples, err := u.groundQuads(v.Quads)
		if err != nil {
			return 0, err
		}
		if err := u.checkCap(len(triples)); err != nil {
			return 0, err
		}
		deleted, err := u.store.DeleteTriples(triples)
		if err != nil {
			return 0, err
		}
		u.notify(predicatesOf(triples))
		return int64(deleted), nil

	case *algebra.DeleteWhere:
		where := &algebra.BGP{Patterns: v.Patterns}
		bindings, err := u.evaluateWhere(ctx, where, limits)
		if err != nil {
			return 0, err
		}
		triples, err := u.instantiateAll(v.Patterns, bindings, false)
		if err != nil {
			return 0, err
		}
		if err := u.checkCap(len(triples)); err != nil {
			return 0, err
		}
		deleted, err := u.store.DeleteTriples(triples)
		if err != nil {
			return 0, err
		}
		u.notify(predicatesOf(triples))
		return int64(deleted), nil

	case *algebra.Modify:
		// The WHERE clause is evaluated exactly once; deletes apply before
		// inserts.
		bindings, err := u.evaluateWhere(ctx, v.Where, limits)
		if err != nil {
			return 0, err
		}

		affected := int64(0)
		if len(v.DeleteTemplates) > 0 {
			triples, err := u.instantiateAll(v.DeleteTemplates, bindings, false)
			if err != nil {
				return 0, err
			}
			if err := u.checkCap(len(triples)); err != nil {
				return 0, err
			}
			deleted, err := u.store.DeleteTriples(triples)
			if err != nil {
				return 0, err
			}
			u.notify(predicatesOf(triples))
			affected += int64(deleted)
		}
		if len(v.InsertTemplates) > 0 {
			triples, err := u.instantiateAll(v.InsertTemplates, bindings, true)
			if err != nil {
				return 0, err
			}
			if err := u.checkCap(len(triples)); err != nil {
				return 0, err
			}
			inserted, err := u.store.InsertTriples(triples)
			if err != nil {
				return 0, err
			}
			u.notify(predicatesOf(triples))
			affected += int64(inserted)
		}
		return affected, nil

	case *algebra.Clear:
		if v.Target == algebra.ClearGraph {
			if v.Silent {
				return 0, nil
			}
			return 0, fmt.Errorf("%w: CLEAR GRAPH (the store is triple-scoped)", ErrUnsupported)
		}
		count, err := u.store.Clear()
		if err != nil {
			return 0, err
		}
		u.notify(nil)
		return count, nil

	default:
		return 0, fmt.Errorf("%w: %T", ErrUnsupported, op)
	}
}

func (u *Executor) checkCap(n int) error {
	limit := u.MaxDataTriples
	if limit <= 0 {
		limit = DefaultMaxDataTriples
	}
	if n > limit {
		return fmt.Errorf("%w: %d triples (limit %d)", ErrTooManyTriples, n, limit)
	}
	return nil
}

func (u *Executor) notify(predicates []string) {
	if u.OnWrite != nil {
		u.OnWrite(predicates)
	}
}

// evaluateWhere runs a WHERE clause and materializes its solutions.
func (u *Executor) evaluateWhere(ctx context.Context, where algebra.Operator, limits exec.Limits) ([]*store.Binding, error) {
	plan := u.optimizer.CompileOperator(where)
	executor := exec.New(ctx, u.store, limits, u.optimizer.CompileOperator)
	return executor.CollectSelect(plan)
}

// groundQuads converts data quads to triples; only the default graph is
// storable.
func (u *Executor) groundQuads(quads []*rdf.Quad) ([]*rdf.Triple, error) {
	triples := make([]*rdf.Triple, 0, len(quads))
	for _, q := range quads {
		if q.Graph != nil {
			if _, ok := q.Graph.(*rdf.DefaultGraph); !ok {
				return nil, fmt.Errorf("%w: named graph data", ErrUnsupported)
			}
		}
		triples = append(triples, rdf.NewTriple(q.Subject, q.Predicate, q.Object))
	}
	return triples, nil
}

// instantiateAll substitutes every solution into the templates, skipping
// instantiations with unbound positions. Blank nodes in insert templates
// are scoped per solution.
func (u *Executor) instantiateAll(templates []*algebra.TriplePattern, bindings []*store.Binding, freshBlanks bool) ([]*rdf.Triple, error) {
	var triples []*rdf.Triple
	seen := make(map[string]bool)

	for _, binding := range bindings {
		scope := ""
		if freshBlanks {
			scope = uuid.NewString()[:8]
		}
		for _, template := range templates {
			triple, ok := instantiate(template, binding, scope)
			if !ok {
				continue
			}
			key := triple.String()
			if !seen[key] {
				seen[key] = true
				triples = append(triples, triple)
			}
		}
	}
	return triples, nil
}

func instantiate(template *algebra.TriplePattern, binding *store.Binding, scope string) (*rdf.Triple, bool) {
	resolve := func(pos algebra.TermOrVariable) (rdf.Term, bool) {
		if pos.IsVariable() {
			term, ok := binding.Vars[pos.Variable.Name]
			return term, ok
		}
		if pos.IsParam() || pos.Term == nil {
			return nil, false
		}
		if bn, ok := pos.Term.(*rdf.BlankNode); ok && scope != "" {
			return rdf.NewBlankNode(bn.ID + "_" + scope), true
		}
		return pos.Term, true
	}

	subject, ok := resolve(template.Subject)
	if !ok {
		return nil, false
	}
	predicate, ok := resolve(template.Predicate)
	if !ok {
		return nil, false
	}
	object, ok := resolve(template.Object)
	if !ok {
		return nil, false
	}

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

func predicatesOf(triples []*rdf.Triple) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range triples {
		if nn, ok := t.Predicate.(*rdf.NamedNode); ok && !seen[nn.IRI] {
			seen[nn.IRI] = true
			out = append(out, nn.IRI)
		}
	}
	return out
}
