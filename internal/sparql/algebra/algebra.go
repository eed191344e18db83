// Package algebra defines the SPARQL algebra consumed by the optimizer and
// executor: term/variable positions, triple and path patterns, operator
// nodes, query forms, and update operations.
package algebra

import (
	"github.com/ternstore/tern/pkg/rdf"
)

// Variable represents a SPARQL variable.
type Variable struct {
	Name string
}

func NewVariable(name string) *Variable {
	return &Variable{Name: name}
}

func (v *Variable) String() string {
	return "?" + v.Name
}

// TermOrVariable is one pattern position: a concrete term, a variable, or a
// $-parameter placeholder in a prepared query.
type TermOrVariable struct {
	Term     rdf.Term
	Variable *Variable
	Param    string
}

// IsVariable returns true if this position is a variable.
func (t TermOrVariable) IsVariable() bool {
	return t.Variable != nil
}

// IsParam returns true if this position is an unsubstituted parameter.
func (t TermOrVariable) IsParam() bool {
	return t.Param != ""
}

// TriplePattern is a triple whose positions may be terms or variables.
type TriplePattern struct {
	Subject   TermOrVariable
	Predicate TermOrVariable
	Object    TermOrVariable
}

// PathPattern matches a property path between two endpoints.
type PathPattern struct {
	Subject TermOrVariable
	Path    PathExpr
	Object  TermOrVariable
}

// QuadPattern is a triple pattern scoped to a graph. The index is
// triple-scoped, so the executor accepts these but only for the default
// graph.
type QuadPattern struct {
	Triple *TriplePattern
	Graph  TermOrVariable
}

// Operator is a node of the algebra tree. Every operator evaluates to a
// solution sequence.
type Operator interface {
	operatorNode()
}

// BGP is a basic graph pattern: the natural join of its member patterns.
type BGP struct {
	Patterns []*TriplePattern
	Paths    []*PathPattern
	Quads    []*QuadPattern
}

func (*BGP) operatorNode() {}

// Join merges two compatible solution streams.
type Join struct {
	Left  Operator
	Right Operator
}

func (*Join) operatorNode() {}

// LeftJoin implements OPTIONAL, with an optional embedded filter.
type LeftJoin struct {
	Left   Operator
	Right  Operator
	Filter Expression // may be nil
}

func (*LeftJoin) operatorNode() {}

// Union concatenates two streams, left then right.
type Union struct {
	Left  Operator
	Right Operator
}

func (*Union) operatorNode() {}

// Minus removes left solutions compatible with some right solution sharing
// at least one bound variable.
type Minus struct {
	Left  Operator
	Right Operator
}

func (*Minus) operatorNode() {}

// Filter keeps solutions whose expression evaluates to effective true.
type Filter struct {
	Expr  Expression
	Child Operator
}

func (*Filter) operatorNode() {}

// Extend implements BIND: adds a computed variable to each solution.
type Extend struct {
	Var   *Variable
	Expr  Expression
	Child Operator
}

func (*Extend) operatorNode() {}

// Project restricts each solution's domain to the listed variables.
type Project struct {
	Vars  []*Variable
	Child Operator
}

func (*Project) operatorNode() {}

// Distinct drops exact-duplicate solutions.
type Distinct struct {
	Child Operator
}

func (*Distinct) operatorNode() {}

// Reduced permits (but does not require) duplicate elimination.
type Reduced struct {
	Child Operator
}

func (*Reduced) operatorNode() {}

// OrderKey is one ORDER BY criterion.
type OrderKey struct {
	Expr      Expression
	Ascending bool
}

// OrderBy establishes a total order over solutions.
type OrderBy struct {
	Keys  []OrderKey
	Child Operator
}

func (*OrderBy) operatorNode() {}

// Slice applies OFFSET and LIMIT.
type Slice struct {
	Offset *int
	Limit  *int
	Child  Operator
}

func (*Slice) operatorNode() {}

// AggFunc identifies an aggregate function.
type AggFunc int

const (
	AggCount AggFunc = iota
	AggCountAll
	AggSum
	AggAvg
	AggMin
	AggMax
	AggSample
	AggGroupConcat
)

// Aggregate describes one aggregate application.
type Aggregate struct {
	Func      AggFunc
	Expr      Expression // nil for COUNT(*)
	Distinct  bool
	Separator string // GROUP_CONCAT; defaults to a single space
}

// AggregateBinding binds an aggregate result to a variable.
type AggregateBinding struct {
	Var *Variable
	Agg *Aggregate
}

// GroupKey is one GROUP BY criterion, optionally aliased.
type GroupKey struct {
	Expr Expression
	As   *Variable // nil unless GROUP BY (expr AS ?v)
}

// Group partitions solutions by its keys and evaluates aggregates per group.
type Group struct {
	Keys       []GroupKey
	Aggregates []*AggregateBinding
	Child      Operator
}

func (*Group) operatorNode() {}

// Values provides inline data rows; nil cells are unbound.
type Values struct {
	Vars []*Variable
	Rows [][]rdf.Term
}

func (*Values) operatorNode() {}

// QueryForm discriminates the four query forms.
type QueryForm int

const (
	FormSelect QueryForm = iota
	FormAsk
	FormConstruct
	FormDescribe
)

// Query is a parsed, algebra-form SPARQL query. Root is the fully assembled
// operator tree of the WHERE clause plus solution modifiers.
type Query struct {
	Form QueryForm
	Root Operator

	// Projection holds the SELECT variable list in declaration order (nil
	// for SELECT *); for computed projections the Extend nodes are already
	// part of Root.
	Projection []*Variable

	// Construct template (FormConstruct).
	Template []*TriplePattern

	// Describe targets (FormDescribe): explicit resources and/or variables
	// bound by Root.
	DescribeTerms []rdf.Term
	DescribeVars  []*Variable

	// Params lists $-parameter names in first-appearance order.
	Params []string
}

// UpdateOp is one statement of a SPARQL update request.
type UpdateOp interface {
	updateNode()
}

// InsertData inserts fully ground quads.
type InsertData struct {
	Quads []*rdf.Quad
}

func (*InsertData) updateNode() {}

// DeleteData removes fully ground quads; absent quads are a no-op.
type DeleteData struct {
	Quads []*rdf.Quad
}

func (*DeleteData) updateNode() {}

// DeleteWhere deletes every instantiation of its patterns.
type DeleteWhere struct {
	Patterns []*TriplePattern
}

func (*DeleteWhere) updateNode() {}

// Modify executes WHERE once, then deletes and inserts the instantiated
// templates. INSERT WHERE and DELETE ... WHERE are Modify with one side
// empty.
type Modify struct {
	DeleteTemplates []*TriplePattern
	InsertTemplates []*TriplePattern
	Where           Operator
}

func (*Modify) updateNode() {}

// ClearTarget selects what CLEAR removes.
type ClearTarget int

const (
	ClearDefault ClearTarget = iota
	ClearAll
	ClearGraph
)

// Clear removes triples from the store.
type Clear struct {
	Target ClearTarget
	Graph  *rdf.NamedNode // ClearGraph only
	Silent bool
}

func (*Clear) updateNode() {}

// UpdateRequest is a sequence of update statements executed in order.
type UpdateRequest struct {
	Operations []UpdateOp
}
