package exec

import (
	"strconv"
	"strings"

	"github.com/ternstore/tern/internal/sparql/algebra"
	"github.com/ternstore/tern/internal/sparql/eval"
	"github.com/ternstore/tern/internal/sparql/optimizer"
	"github.com/ternstore/tern/internal/store"
	"github.com/ternstore/tern/pkg/rdf"
)

// createGroupIterator partitions the input by the group-key expressions and
// evaluates each aggregate per group. Groups are built eagerly.
func (e *Executor) createGroupIterator(plan *optimizer.GroupPlan) (BindingIterator, error) {
	input, err := e.createIterator(plan.Input)
	if err != nil {
		return nil, err
	}
	return &groupIterator{ec: e.ec, input: input, plan: plan, executor: e}, nil
}

type group struct {
	keyBinding *store.Binding
	members    []*store.Binding
}

type groupIterator struct {
	ec       *execContext
	input    BindingIterator
	plan     *optimizer.GroupPlan
	executor *Executor

	materialized bool
	results      []*store.Binding
	position     int
	err          error
}

func (it *groupIterator) materialize() bool {
	groups := make(map[string]*group)
	var order []string

	for it.input.Next() {
		if it.err = it.ec.tick(); it.err != nil {
			return false
		}
		binding := it.input.Binding().Clone()

		keyBinding := store.NewBinding()
		var keySig strings.Builder
		for _, key := range it.plan.Keys {
			term, err := it.executor.evaluator.Evaluate(key.Expr, binding)
			if err != nil {
				keySig.WriteString("\x00err")
			} else {
				keySig.WriteString(term.String())
				if name := groupKeyName(key); name != "" {
					keyBinding.Vars[name] = term
				}
			}
			keySig.WriteByte(0x1f)
		}

		sig := keySig.String()
		g, ok := groups[sig]
		if !ok {
			g = &group{keyBinding: keyBinding}
			groups[sig] = g
			order = append(order, sig)
		}
		g.members = append(g.members, binding)
	}
	if it.err = it.input.Err(); it.err != nil {
		return false
	}

	// Aggregation without GROUP BY over an empty input still produces one
	// (empty) group.
	if len(order) == 0 && len(it.plan.Keys) == 0 {
		sig := ""
		groups[sig] = &group{keyBinding: store.NewBinding()}
		order = append(order, sig)
	}

	for _, sig := range order {
		g := groups[sig]
		result := g.keyBinding.Clone()
		for _, aggBinding := range it.plan.Aggregates {
			if term, ok := it.computeAggregate(aggBinding.Agg, g.members); ok {
				result.Vars[aggBinding.Var.Name] = term
			}
			// Aggregate errors (MIN of an empty group) leave the variable
			// unbound.
		}
		it.results = append(it.results, result)
	}

	it.materialized = true
	return true
}

func groupKeyName(key algebra.GroupKey) string {
	if key.As != nil {
		return key.As.Name
	}
	if ve, ok := key.Expr.(*algebra.VariableExpr); ok {
		return ve.Variable.Name
	}
	return ""
}

// computeAggregate evaluates one aggregate over the group members; ok is
// false when the aggregate has no defined value.
func (it *groupIterator) computeAggregate(agg *algebra.Aggregate, members []*store.Binding) (rdf.Term, bool) {
	if agg.Func == algebra.AggCountAll {
		// COUNT(*) counts solutions irrespective of expression outcome.
		return rdf.NewIntegerLiteral(int64(len(members))), true
	}

	// Evaluate the aggregate expression per member; evaluation errors skip
	// the contributing solution.
	var values []rdf.Term
	for _, member := range members {
		term, err := it.executor.evaluator.Evaluate(agg.Expr, member)
		if err != nil {
			continue
		}
		values = append(values, term)
	}

	if agg.Distinct {
		seen := make(map[string]bool, len(values))
		distinct := values[:0]
		for _, term := range values {
			key := term.String()
			if !seen[key] {
				seen[key] = true
				distinct = append(distinct, term)
			}
		}
		values = distinct
	}

	switch agg.Func {
	case algebra.AggCount:
		return rdf.NewIntegerLiteral(int64(len(values))), true

	case algebra.AggSum, algebra.AggAvg:
		sum := 0.0
		count := 0
		integral := true
		for _, term := range values {
			num, kind, ok := numericValue(term)
			if !ok {
				continue // SUM/AVG skip non-numeric values
			}
			sum += num
			count++
			if kind != "integer" {
				integral = false
			}
		}
		if agg.Func == algebra.AggSum {
			if count == 0 {
				return rdf.NewIntegerLiteral(0), true // SUM of empty is 0
			}
			if integral {
				return rdf.NewIntegerLiteral(int64(sum)), true
			}
			return rdf.NewDecimalLiteral(sum), true
		}
		if count == 0 {
			return rdf.NewIntegerLiteral(0), true // AVG of empty is 0
		}
		return rdf.NewDecimalLiteral(sum / float64(count)), true

	case algebra.AggMin, algebra.AggMax:
		if len(values) == 0 {
			return nil, false // MIN/MAX of empty is an error
		}
		best := values[0]
		for _, term := range values[1:] {
			cmp, err := eval.CompareTerms(term, best)
			if err != nil {
				continue
			}
			if agg.Func == algebra.AggMin && cmp < 0 || agg.Func == algebra.AggMax && cmp > 0 {
				best = term
			}
		}
		return best, true

	case algebra.AggSample:
		if len(values) == 0 {
			return nil, false // SAMPLE of empty is an error
		}
		return values[0], true

	case algebra.AggGroupConcat:
		separator := agg.Separator
		if separator == "" {
			separator = " "
		}
		parts := make([]string, 0, len(values))
		for _, term := range values {
			switch t := term.(type) {
			case *rdf.Literal:
				parts = append(parts, t.Value)
			case *rdf.NamedNode:
				parts = append(parts, t.IRI)
			default:
				parts = append(parts, term.String())
			}
		}
		return rdf.NewLiteral(strings.Join(parts, separator)), true

	default:
		return nil, false
	}
}

func numericValue(term rdf.Term) (float64, string, bool) {
	lit, ok := term.(*rdf.Literal)
	if !ok || lit.Datatype == nil {
		return 0, "", false
	}
	kind := ""
	switch lit.Datatype.IRI {
	case rdf.XSDInteger.IRI:
		kind = "integer"
	case rdf.XSDDecimal.IRI:
		kind = "decimal"
	case rdf.XSDDouble.IRI:
		kind = "double"
	default:
		return 0, "", false
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(lit.Value), 64)
	if err != nil {
		return 0, "", false
	}
	return value, kind, true
}

func (it *groupIterator) Next() bool {
	if it.err != nil {
		return false
	}
	if !it.materialized && !it.materialize() {
		return false
	}
	if it.position >= len(it.results) {
		return false
	}
	it.position++
	return true
}

func (it *groupIterator) Binding() *store.Binding {
	if it.position == 0 || it.position > len(it.results) {
		return store.NewBinding()
	}
	return it.results[it.position-1]
}

func (it *groupIterator) Err() error   { return it.err }
func (it *groupIterator) Close() error { return it.input.Close() }
