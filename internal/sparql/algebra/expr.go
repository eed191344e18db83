package algebra

import (
	"github.com/ternstore/tern/pkg/rdf"
)

// Expression represents a SPARQL expression tree.
type Expression interface {
	expressionNode()
}

// ExprOp identifies a unary or binary expression operator.
type ExprOp int

const (
	// Logical operators
	OpAnd ExprOp = iota
	OpOr
	OpNot

	// Comparison operators
	OpEqual
	OpNotEqual
	OpLessThan
	OpLessThanOrEqual
	OpGreaterThan
	OpGreaterThanOrEqual

	// Arithmetic operators
	OpAdd
	OpSubtract
	OpMultiply
	OpDivide

	// Unary arithmetic
	OpNegate
	OpPlus
)

// BinaryExpr represents a binary operation.
type BinaryExpr struct {
	Left  Expression
	Op    ExprOp
	Right Expression
}

func (e *BinaryExpr) expressionNode() {}

// UnaryExpr represents a unary operation.
type UnaryExpr struct {
	Op      ExprOp
	Operand Expression
}

func (e *UnaryExpr) expressionNode() {}

// VariableExpr references a variable.
type VariableExpr struct {
	Variable *Variable
}

func (e *VariableExpr) expressionNode() {}

// TermExpr is a constant RDF term.
type TermExpr struct {
	Term rdf.Term
}

func (e *TermExpr) expressionNode() {}

// ParamExpr is an unsubstituted $-parameter in a prepared query.
type ParamExpr struct {
	Name string
}

func (e *ParamExpr) expressionNode() {}

// FuncCall is a built-in (or cast) invocation by upper-cased name. Distinct
// is set for aggregate calls carrying the DISTINCT modifier.
type FuncCall struct {
	Name     string
	Args     []Expression
	Distinct bool
}

func (e *FuncCall) expressionNode() {}

// ExistsExpr implements FILTER EXISTS / NOT EXISTS over an inner pattern.
type ExistsExpr struct {
	Pattern Operator
	Negated bool
}

func (e *ExistsExpr) expressionNode() {}

// InExpr implements IN / NOT IN list membership.
type InExpr struct {
	Value   Expression
	List    []Expression
	Negated bool
}

func (e *InExpr) expressionNode() {}

// PathExpr represents a property path expression.
type PathExpr interface {
	pathNode()
}

// PathLink matches one predicate edge.
type PathLink struct {
	Pred *rdf.NamedNode
}

func (*PathLink) pathNode() {}

// PathReverse swaps subject and object of the inner path.
type PathReverse struct {
	Inner PathExpr
}

func (*PathReverse) pathNode() {}

// PathSequence joins two paths on a fresh intermediate node.
type PathSequence struct {
	Left  PathExpr
	Right PathExpr
}

func (*PathSequence) pathNode() {}

// PathAlternative is the union of two paths.
type PathAlternative struct {
	Left  PathExpr
	Right PathExpr
}

func (*PathAlternative) pathNode() {}

// PathNegatedSet matches edges whose predicate is outside the set.
type PathNegatedSet struct {
	Preds []*rdf.NamedNode
}

func (*PathNegatedSet) pathNode() {}

// PathZeroOrOne is the identity path union one step.
type PathZeroOrOne struct {
	Inner PathExpr
}

func (*PathZeroOrOne) pathNode() {}

// PathZeroOrMore is the reflexive transitive closure.
type PathZeroOrMore struct {
	Inner PathExpr
}

func (*PathZeroOrMore) pathNode() {}

// PathOneOrMore is the transitive closure.
type PathOneOrMore struct {
	Inner PathExpr
}

func (*PathOneOrMore) pathNode() {}

// ExprVariables collects the variable names referenced by an expression, in
// first-appearance order.
func ExprVariables(expr Expression) []string {
	var names []string
	seen := make(map[string]bool)
	var walk func(Expression)
	walk = func(e Expression) {
		switch v := e.(type) {
		case *VariableExpr:
			if !seen[v.Variable.Name] {
				seen[v.Variable.Name] = true
				names = append(names, v.Variable.Name)
			}
		case *BinaryExpr:
			walk(v.Left)
			walk(v.Right)
		case *UnaryExpr:
			walk(v.Operand)
		case *FuncCall:
			for _, arg := range v.Args {
				walk(arg)
			}
		case *InExpr:
			walk(v.Value)
			for _, item := range v.List {
				walk(item)
			}
		case *ExistsExpr:
			for _, name := range OperatorVariables(v.Pattern) {
				if !seen[name] {
					seen[name] = true
					names = append(names, name)
				}
			}
		}
	}
	walk(expr)
	return names
}

// OperatorVariables collects the variable names an operator tree can bind,
// in first-appearance order.
func OperatorVariables(op Operator) []string {
	var names []string
	seen := make(map[string]bool)
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	addPos := func(t TermOrVariable) {
		if t.IsVariable() {
			add(t.Variable.Name)
		}
	}

	var walk func(Operator)
	walk = func(op Operator) {
		switch v := op.(type) {
		case *BGP:
			for _, p := range v.Patterns {
				addPos(p.Subject)
				addPos(p.Predicate)
				addPos(p.Object)
			}
			for _, p := range v.Paths {
				addPos(p.Subject)
				addPos(p.Object)
			}
			for _, q := range v.Quads {
				addPos(q.Triple.Subject)
				addPos(q.Triple.Predicate)
				addPos(q.Triple.Object)
				addPos(q.Graph)
			}
		case *Join:
			walk(v.Left)
			walk(v.Right)
		case *LeftJoin:
			walk(v.Left)
			walk(v.Right)
		case *Union:
			walk(v.Left)
			walk(v.Right)
		case *Minus:
			walk(v.Left)
		case *Filter:
			walk(v.Child)
		case *Extend:
			walk(v.Child)
			add(v.Var.Name)
		case *Project:
			for _, pv := range v.Vars {
				add(pv.Name)
			}
		case *Distinct:
			walk(v.Child)
		case *Reduced:
			walk(v.Child)
		case *OrderBy:
			walk(v.Child)
		case *Slice:
			walk(v.Child)
		case *Group:
			for _, key := range v.Keys {
				if key.As != nil {
					add(key.As.Name)
				} else if ve, ok := key.Expr.(*VariableExpr); ok {
					add(ve.Variable.Name)
				}
			}
			for _, agg := range v.Aggregates {
				add(agg.Var.Name)
			}
		case *Values:
			for _, vv := range v.Vars {
				add(vv.Name)
			}
		}
	}
	walk(op)
	return names
}
