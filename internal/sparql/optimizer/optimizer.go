// Package optimizer turns algebra trees into executable plans: rewrite
// rules, cardinality estimation, cost-based join enumeration, and the
// normalized plan cache.
package optimizer

import (
	"errors"
	"fmt"

	"github.com/ternstore/tern/internal/sparql/algebra"
)

// MaxVariables caps the number of distinct variables per query.
const MaxVariables = 64

// ErrTooManyVariables is returned when a query exceeds MaxVariables.
var ErrTooManyVariables = errors.New("query exceeds the variable limit")

// Optimizer compiles queries against store statistics.
type Optimizer struct {
	stats *Statistics
}

// NewOptimizer creates an optimizer over the given statistics.
func NewOptimizer(stats *Statistics) *Optimizer {
	return &Optimizer{stats: stats}
}

// OptimizedQuery is a compiled query: the (rewritten) algebra, the physical
// plan, the normalization fingerprint, and the predicates the plan touches.
type OptimizedQuery struct {
	Query       *algebra.Query
	Plan        Plan
	Fingerprint string
	Predicates  []string
}

// Optimize rewrites and compiles a query.
func (o *Optimizer) Optimize(query *algebra.Query) (*OptimizedQuery, error) {
	if query.Root != nil {
		if n := len(algebra.OperatorVariables(query.Root)); n > MaxVariables {
			return nil, fmt.Errorf("%w: %d variables", ErrTooManyVariables, n)
		}
		query.Root = Rewrite(query.Root)
	}

	var plan Plan
	if query.Root != nil {
		plan = o.compile(query.Root)
	}

	return &OptimizedQuery{
		Query:       query,
		Plan:        plan,
		Fingerprint: Fingerprint(query),
		Predicates:  CollectPredicates(query),
	}, nil
}

// CompileOperator rewrites and lowers a bare operator tree, as used for
// EXISTS sub-patterns and update WHERE clauses.
func (o *Optimizer) CompileOperator(op algebra.Operator) Plan {
	return o.compile(Rewrite(op))
}

// compile lowers an algebra operator to a physical plan.
func (o *Optimizer) compile(op algebra.Operator) Plan {
	switch v := op.(type) {
	case *algebra.BGP:
		return o.planBGP(v)
	case *algebra.Join:
		left := o.compile(v.Left)
		right := o.compile(v.Right)
		return o.joinWithStrategy(left, right, o.estimateOperator(v.Left), o.estimateOperator(v.Right))
	case *algebra.LeftJoin:
		return &LeftJoinPlan{
			Left:   o.compile(v.Left),
			Right:  o.compile(v.Right),
			Filter: v.Filter,
		}
	case *algebra.Union:
		return &UnionPlan{Left: o.compile(v.Left), Right: o.compile(v.Right)}
	case *algebra.Minus:
		return &MinusPlan{Left: o.compile(v.Left), Right: o.compile(v.Right)}
	case *algebra.Filter:
		return &FilterPlan{Expr: v.Expr, Input: o.compile(v.Child)}
	case *algebra.Extend:
		return &ExtendPlan{Var: v.Var, Expr: v.Expr, Input: o.compile(v.Child)}
	case *algebra.Project:
		return &ProjectPlan{Vars: v.Vars, Input: o.compile(v.Child)}
	case *algebra.Distinct:
		return &DistinctPlan{Input: o.compile(v.Child)}
	case *algebra.Reduced:
		return &ReducedPlan{Input: o.compile(v.Child)}
	case *algebra.OrderBy:
		return &OrderByPlan{Keys: v.Keys, Input: o.compile(v.Child)}
	case *algebra.Slice:
		return &SlicePlan{Offset: v.Offset, Limit: v.Limit, Input: o.compile(v.Child)}
	case *algebra.Group:
		return &GroupPlan{Keys: v.Keys, Aggregates: v.Aggregates, Input: o.compile(v.Child)}
	case *algebra.Values:
		return &ValuesPlan{Values: v}
	default:
		// Unknown operators surface at execution time.
		return &ValuesPlan{Values: &algebra.Values{}}
	}
}

// estimateOperator gives a coarse cardinality estimate for join strategy
// selection above the BGP level.
func (o *Optimizer) estimateOperator(op algebra.Operator) int64 {
	switch v := op.(type) {
	case *algebra.BGP:
		est := int64(1)
		for _, p := range v.Patterns {
			est = estimateJoinCard(est, o.stats.EstimatePattern(p), 1)
		}
		if len(v.Paths) > 0 || len(v.Quads) > 0 {
			est = maxInt64(est, o.stats.TotalTriples())
		}
		return est
	case *algebra.Join:
		return estimateJoinCard(o.estimateOperator(v.Left), o.estimateOperator(v.Right), 1)
	case *algebra.LeftJoin:
		return o.estimateOperator(v.Left)
	case *algebra.Union:
		return o.estimateOperator(v.Left) + o.estimateOperator(v.Right)
	case *algebra.Minus:
		return o.estimateOperator(v.Left)
	case *algebra.Filter:
		return maxInt64(1, o.estimateOperator(v.Child)/2)
	case *algebra.Extend:
		return o.estimateOperator(v.Child)
	case *algebra.Project:
		return o.estimateOperator(v.Child)
	case *algebra.Distinct:
		return o.estimateOperator(v.Child)
	case *algebra.Reduced:
		return o.estimateOperator(v.Child)
	case *algebra.OrderBy:
		return o.estimateOperator(v.Child)
	case *algebra.Slice:
		est := o.estimateOperator(v.Child)
		if v.Limit != nil && int64(*v.Limit) < est {
			est = int64(*v.Limit)
		}
		return est
	case *algebra.Group:
		return maxInt64(1, o.estimateOperator(v.Child)/2)
	case *algebra.Values:
		return int64(len(v.Rows))
	default:
		return o.stats.TotalTriples()
	}
}
