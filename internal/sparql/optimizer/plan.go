package optimizer

import (
	"fmt"
	"strings"

	"github.com/ternstore/tern/internal/sparql/algebra"
)

// Plan is an executable query plan node.
type Plan interface {
	planNode()
}

// ScanPlan scans one triple pattern against the index.
type ScanPlan struct {
	Pattern *algebra.TriplePattern
	EstCard int64
}

func (p *ScanPlan) planNode() {}

// QuadScanPlan scans a graph-scoped pattern. Only the default graph is
// storable; the executor rejects named graphs.
type QuadScanPlan struct {
	Quad *algebra.QuadPattern
}

func (p *QuadScanPlan) planNode() {}

// PathPlan evaluates a property-path pattern.
type PathPlan struct {
	Pattern *algebra.PathPattern
}

func (p *PathPlan) planNode() {}

// JoinStrategy selects the physical join algorithm.
type JoinStrategy int

const (
	JoinNestedLoop JoinStrategy = iota
	JoinHash
)

func (s JoinStrategy) String() string {
	switch s {
	case JoinHash:
		return "hash"
	default:
		return "nested-loop"
	}
}

// JoinPlan joins two sub-plans with a chosen strategy.
type JoinPlan struct {
	Left     Plan
	Right    Plan
	Strategy JoinStrategy
	EstLeft  int64
	EstRight int64
}

func (p *JoinPlan) planNode() {}

// LeapfrogPlan intersects patterns sharing a common variable with a
// worst-case-optimal multi-way join.
type LeapfrogPlan struct {
	Var      string
	Patterns []*algebra.TriplePattern
	EstCard  int64
}

func (p *LeapfrogPlan) planNode() {}

// LeftJoinPlan implements OPTIONAL.
type LeftJoinPlan struct {
	Left   Plan
	Right  Plan
	Filter algebra.Expression
}

func (p *LeftJoinPlan) planNode() {}

// UnionPlan concatenates two sub-plans.
type UnionPlan struct {
	Left  Plan
	Right Plan
}

func (p *UnionPlan) planNode() {}

// MinusPlan removes compatible solutions.
type MinusPlan struct {
	Left  Plan
	Right Plan
}

func (p *MinusPlan) planNode() {}

// FilterPlan keeps solutions passing the expression.
type FilterPlan struct {
	Expr  algebra.Expression
	Input Plan
}

func (p *FilterPlan) planNode() {}

// ExtendPlan adds a computed variable.
type ExtendPlan struct {
	Var   *algebra.Variable
	Expr  algebra.Expression
	Input Plan
}

func (p *ExtendPlan) planNode() {}

// ProjectPlan restricts the solution domain.
type ProjectPlan struct {
	Vars  []*algebra.Variable
	Input Plan
}

func (p *ProjectPlan) planNode() {}

// DistinctPlan drops duplicates exactly.
type DistinctPlan struct {
	Input Plan
}

func (p *DistinctPlan) planNode() {}

// ReducedPlan drops adjacent duplicates.
type ReducedPlan struct {
	Input Plan
}

func (p *ReducedPlan) planNode() {}

// OrderByPlan sorts solutions.
type OrderByPlan struct {
	Keys  []algebra.OrderKey
	Input Plan
}

func (p *OrderByPlan) planNode() {}

// SlicePlan applies OFFSET / LIMIT.
type SlicePlan struct {
	Offset *int
	Limit  *int
	Input  Plan
}

func (p *SlicePlan) planNode() {}

// GroupPlan partitions and aggregates.
type GroupPlan struct {
	Keys       []algebra.GroupKey
	Aggregates []*algebra.AggregateBinding
	Input      Plan
}

func (p *GroupPlan) planNode() {}

// ValuesPlan yields inline rows.
type ValuesPlan struct {
	Values *algebra.Values
}

func (p *ValuesPlan) planNode() {}

// Explain renders a plan tree for EXPLAIN output.
func Explain(plan Plan) string {
	var sb strings.Builder
	explainNode(&sb, plan, 0)
	return sb.String()
}

func explainNode(sb *strings.Builder, plan Plan, depth int) {
	indent := strings.Repeat("  ", depth)
	switch p := plan.(type) {
	case *ScanPlan:
		fmt.Fprintf(sb, "%sScan %s (est %d)\n", indent, patternString(p.Pattern), p.EstCard)
	case *QuadScanPlan:
		fmt.Fprintf(sb, "%sQuadScan %s\n", indent, patternString(p.Quad.Triple))
	case *PathPlan:
		fmt.Fprintf(sb, "%sPath %s\n", indent, posString(p.Pattern.Subject))
	case *JoinPlan:
		fmt.Fprintf(sb, "%sJoin [%s] (est %d x %d)\n", indent, p.Strategy, p.EstLeft, p.EstRight)
		explainNode(sb, p.Left, depth+1)
		explainNode(sb, p.Right, depth+1)
	case *LeapfrogPlan:
		fmt.Fprintf(sb, "%sLeapfrog on ?%s over %d patterns (est %d)\n", indent, p.Var, len(p.Patterns), p.EstCard)
	case *LeftJoinPlan:
		fmt.Fprintf(sb, "%sLeftJoin\n", indent)
		explainNode(sb, p.Left, depth+1)
		explainNode(sb, p.Right, depth+1)
	case *UnionPlan:
		fmt.Fprintf(sb, "%sUnion\n", indent)
		explainNode(sb, p.Left, depth+1)
		explainNode(sb, p.Right, depth+1)
	case *MinusPlan:
		fmt.Fprintf(sb, "%sMinus\n", indent)
		explainNode(sb, p.Left, depth+1)
		explainNode(sb, p.Right, depth+1)
	case *FilterPlan:
		fmt.Fprintf(sb, "%sFilter\n", indent)
		explainNode(sb, p.Input, depth+1)
	case *ExtendPlan:
		fmt.Fprintf(sb, "%sExtend ?%s\n", indent, p.Var.Name)
		explainNode(sb, p.Input, depth+1)
	case *ProjectPlan:
		names := make([]string, len(p.Vars))
		for i, v := range p.Vars {
			names[i] = "?" + v.Name
		}
		fmt.Fprintf(sb, "%sProject %s\n", indent, strings.Join(names, " "))
		explainNode(sb, p.Input, depth+1)
	case *DistinctPlan:
		fmt.Fprintf(sb, "%sDistinct\n", indent)
		explainNode(sb, p.Input, depth+1)
	case *ReducedPlan:
		fmt.Fprintf(sb, "%sReduced\n", indent)
		explainNode(sb, p.Input, depth+1)
	case *OrderByPlan:
		fmt.Fprintf(sb, "%sOrderBy (%d keys)\n", indent, len(p.Keys))
		explainNode(sb, p.Input, depth+1)
	case *SlicePlan:
		fmt.Fprintf(sb, "%sSlice\n", indent)
		explainNode(sb, p.Input, depth+1)
	case *GroupPlan:
		fmt.Fprintf(sb, "%sGroup (%d keys, %d aggregates)\n", indent, len(p.Keys), len(p.Aggregates))
		explainNode(sb, p.Input, depth+1)
	case *ValuesPlan:
		fmt.Fprintf(sb, "%sValues (%d rows)\n", indent, len(p.Values.Rows))
	default:
		fmt.Fprintf(sb, "%s%T\n", indent, plan)
	}
}

func patternString(p *algebra.TriplePattern) string {
	return posString(p.Subject) + " " + posString(p.Predicate) + " " + posString(p.Object)
}

func posString(t algebra.TermOrVariable) string {
	switch {
	case t.IsVariable():
		return "?" + t.Variable.Name
	case t.IsParam():
		return "$" + t.Param
	case t.Term != nil:
		return t.Term.String()
	default:
		return "_"
	}
}
