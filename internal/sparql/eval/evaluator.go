// Package eval implements the SPARQL expression evaluator. Evaluation
// errors are expression errors: callers treat them as FILTER-false, leave
// BIND variables unbound, or skip aggregate contributions.
package eval

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ternstore/tern/internal/sparql/algebra"
	"github.com/ternstore/tern/internal/store"
	"github.com/ternstore/tern/pkg/rdf"
)

// Evaluator evaluates expression trees against bindings.
type Evaluator struct {
	// Exists is installed by the executor to evaluate EXISTS / NOT EXISTS
	// patterns under the current binding.
	Exists func(pattern algebra.Operator, binding *store.Binding) (bool, error)

	// Now is the query-constant timestamp returned by NOW().
	Now time.Time
}

// NewEvaluator creates an evaluator with the current time pinned.
func NewEvaluator() *Evaluator {
	return &Evaluator{Now: time.Now()}
}

// Evaluate evaluates an expression under a binding, returning a term or an
// expression error.
func (e *Evaluator) Evaluate(expr algebra.Expression, binding *store.Binding) (rdf.Term, error) {
	switch v := expr.(type) {
	case *algebra.TermExpr:
		return v.Term, nil

	case *algebra.VariableExpr:
		term, ok := binding.Vars[v.Variable.Name]
		if !ok {
			return nil, fmt.Errorf("unbound variable: ?%s", v.Variable.Name)
		}
		return term, nil

	case *algebra.ParamExpr:
		return nil, fmt.Errorf("unsubstituted parameter: $%s", v.Name)

	case *algebra.UnaryExpr:
		return e.evaluateUnary(v, binding)

	case *algebra.BinaryExpr:
		return e.evaluateBinary(v, binding)

	case *algebra.FuncCall:
		return e.evaluateFunctionCall(v, binding)

	case *algebra.InExpr:
		return e.evaluateIn(v, binding)

	case *algebra.ExistsExpr:
		if e.Exists == nil {
			return nil, fmt.Errorf("EXISTS is not available in this context")
		}
		found, err := e.Exists(v.Pattern, binding)
		if err != nil {
			return nil, err
		}
		if v.Negated {
			found = !found
		}
		return rdf.NewBooleanLiteral(found), nil

	default:
		return nil, fmt.Errorf("unsupported expression type: %T", expr)
	}
}

func (e *Evaluator) evaluateUnary(expr *algebra.UnaryExpr, binding *store.Binding) (rdf.Term, error) {
	switch expr.Op {
	case algebra.OpNot:
		operand, err := e.Evaluate(expr.Operand, binding)
		if err != nil {
			return nil, err
		}
		value, err := e.EffectiveBooleanValue(operand)
		if err != nil {
			return nil, err
		}
		return rdf.NewBooleanLiteral(!value), nil

	case algebra.OpNegate:
		operand, err := e.Evaluate(expr.Operand, binding)
		if err != nil {
			return nil, err
		}
		num, ok := extractNumeric(operand)
		if !ok {
			return nil, fmt.Errorf("unary minus requires a numeric operand")
		}
		num.value = -num.value
		return num.literal(), nil

	case algebra.OpPlus:
		operand, err := e.Evaluate(expr.Operand, binding)
		if err != nil {
			return nil, err
		}
		if _, ok := extractNumeric(operand); !ok {
			return nil, fmt.Errorf("unary plus requires a numeric operand")
		}
		return operand, nil

	default:
		return nil, fmt.Errorf("unsupported unary operator: %v", expr.Op)
	}
}

func (e *Evaluator) evaluateBinary(expr *algebra.BinaryExpr, binding *store.Binding) (rdf.Term, error) {
	switch expr.Op {
	case algebra.OpAnd:
		return e.evaluateAnd(expr, binding)
	case algebra.OpOr:
		return e.evaluateOr(expr, binding)
	}

	left, err := e.Evaluate(expr.Left, binding)
	if err != nil {
		return nil, err
	}
	right, err := e.Evaluate(expr.Right, binding)
	if err != nil {
		return nil, err
	}

	switch expr.Op {
	case algebra.OpEqual:
		eq, err := termsValueEqual(left, right)
		if err != nil {
			return nil, err
		}
		return rdf.NewBooleanLiteral(eq), nil
	case algebra.OpNotEqual:
		eq, err := termsValueEqual(left, right)
		if err != nil {
			return nil, err
		}
		return rdf.NewBooleanLiteral(!eq), nil
	case algebra.OpLessThan, algebra.OpLessThanOrEqual,
		algebra.OpGreaterThan, algebra.OpGreaterThanOrEqual:
		cmp, err := CompareTerms(left, right)
		if err != nil {
			return nil, err
		}
		var result bool
		switch expr.Op {
		case algebra.OpLessThan:
			result = cmp < 0
		case algebra.OpLessThanOrEqual:
			result = cmp <= 0
		case algebra.OpGreaterThan:
			result = cmp > 0
		case algebra.OpGreaterThanOrEqual:
			result = cmp >= 0
		}
		return rdf.NewBooleanLiteral(result), nil
	case algebra.OpAdd, algebra.OpSubtract, algebra.OpMultiply, algebra.OpDivide:
		return arithmetic(expr.Op, left, right)
	default:
		return nil, fmt.Errorf("unsupported binary operator: %v", expr.Op)
	}
}

// evaluateAnd implements three-valued AND: an error on one side is masked
// only when the other side is false.
func (e *Evaluator) evaluateAnd(expr *algebra.BinaryExpr, binding *store.Binding) (rdf.Term, error) {
	left, leftErr := e.evaluateToBool(expr.Left, binding)
	right, rightErr := e.evaluateToBool(expr.Right, binding)

	if leftErr == nil && rightErr == nil {
		return rdf.NewBooleanLiteral(left && right), nil
	}
	if leftErr == nil && !left {
		return rdf.NewBooleanLiteral(false), nil
	}
	if rightErr == nil && !right {
		return rdf.NewBooleanLiteral(false), nil
	}
	if leftErr != nil {
		return nil, leftErr
	}
	return nil, rightErr
}

// evaluateOr implements three-valued OR: an error on one side is masked only
// when the other side is true.
func (e *Evaluator) evaluateOr(expr *algebra.BinaryExpr, binding *store.Binding) (rdf.Term, error) {
	left, leftErr := e.evaluateToBool(expr.Left, binding)
	right, rightErr := e.evaluateToBool(expr.Right, binding)

	if leftErr == nil && rightErr == nil {
		return rdf.NewBooleanLiteral(left || right), nil
	}
	if leftErr == nil && left {
		return rdf.NewBooleanLiteral(true), nil
	}
	if rightErr == nil && right {
		return rdf.NewBooleanLiteral(true), nil
	}
	if leftErr != nil {
		return nil, leftErr
	}
	return nil, rightErr
}

func (e *Evaluator) evaluateToBool(expr algebra.Expression, binding *store.Binding) (bool, error) {
	term, err := e.Evaluate(expr, binding)
	if err != nil {
		return false, err
	}
	return e.EffectiveBooleanValue(term)
}

func (e *Evaluator) evaluateIn(expr *algebra.InExpr, binding *store.Binding) (rdf.Term, error) {
	value, err := e.Evaluate(expr.Value, binding)
	if err != nil {
		return nil, err
	}

	found := false
	var firstErr error
	for _, item := range expr.List {
		candidate, err := e.Evaluate(item, binding)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		eq, err := termsValueEqual(value, candidate)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if eq {
			found = true
			break
		}
	}
	if !found && firstErr != nil {
		return nil, firstErr
	}
	if expr.Negated {
		found = !found
	}
	return rdf.NewBooleanLiteral(found), nil
}

// EffectiveBooleanValue implements the SPARQL EBV rules.
func (e *Evaluator) EffectiveBooleanValue(term rdf.Term) (bool, error) {
	lit, ok := term.(*rdf.Literal)
	if !ok {
		return false, fmt.Errorf("no effective boolean value for %s", term)
	}

	if lit.Datatype != nil && lit.Datatype.IRI == rdf.XSDBoolean.IRI {
		return lit.Value == "true" || lit.Value == "1", nil
	}
	if num, ok := extractNumeric(lit); ok {
		return num.value != 0 && !math.IsNaN(num.value), nil
	}
	if lit.IsPlain() || (lit.Datatype != nil && lit.Datatype.IRI == rdf.XSDString.IRI) {
		return lit.Value != "", nil
	}
	return false, fmt.Errorf("no effective boolean value for %s", term)
}

// numeric is an extracted numeric value with its promotion level.
type numeric struct {
	value float64
	kind  numericKind
}

type numericKind int

const (
	kindInteger numericKind = iota
	kindDecimal
	kindDouble
)

func (n numeric) literal() *rdf.Literal {
	switch n.kind {
	case kindInteger:
		return rdf.NewIntegerLiteral(int64(n.value))
	case kindDecimal:
		return rdf.NewDecimalLiteral(n.value)
	default:
		return rdf.NewDoubleLiteral(n.value)
	}
}

func extractNumeric(term rdf.Term) (numeric, bool) {
	lit, ok := term.(*rdf.Literal)
	if !ok || lit.Datatype == nil {
		return numeric{}, false
	}

	var kind numericKind
	switch lit.Datatype.IRI {
	case rdf.XSDInteger.IRI,
		"http://www.w3.org/2001/XMLSchema#int",
		"http://www.w3.org/2001/XMLSchema#long",
		"http://www.w3.org/2001/XMLSchema#short",
		"http://www.w3.org/2001/XMLSchema#byte",
		"http://www.w3.org/2001/XMLSchema#nonNegativeInteger",
		"http://www.w3.org/2001/XMLSchema#positiveInteger",
		"http://www.w3.org/2001/XMLSchema#negativeInteger",
		"http://www.w3.org/2001/XMLSchema#unsignedInt",
		"http://www.w3.org/2001/XMLSchema#unsignedLong":
		kind = kindInteger
	case rdf.XSDDecimal.IRI:
		kind = kindDecimal
	case rdf.XSDDouble.IRI, "http://www.w3.org/2001/XMLSchema#float":
		kind = kindDouble
	default:
		return numeric{}, false
	}

	value, err := strconv.ParseFloat(strings.TrimSpace(lit.Value), 64)
	if err != nil {
		return numeric{}, false
	}
	return numeric{value: value, kind: kind}, true
}

// arithmetic applies + - * / with XSD numeric promotion: integer -> decimal
// -> double; integer division produces a decimal.
func arithmetic(op algebra.ExprOp, left, right rdf.Term) (rdf.Term, error) {
	ln, ok := extractNumeric(left)
	if !ok {
		return nil, fmt.Errorf("arithmetic on non-numeric operand: %s", left)
	}
	rn, ok := extractNumeric(right)
	if !ok {
		return nil, fmt.Errorf("arithmetic on non-numeric operand: %s", right)
	}

	kind := ln.kind
	if rn.kind > kind {
		kind = rn.kind
	}

	var value float64
	switch op {
	case algebra.OpAdd:
		value = ln.value + rn.value
	case algebra.OpSubtract:
		value = ln.value - rn.value
	case algebra.OpMultiply:
		value = ln.value * rn.value
	case algebra.OpDivide:
		if rn.value == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		value = ln.value / rn.value
		if kind == kindInteger {
			kind = kindDecimal
		}
	}

	return numeric{value: value, kind: kind}.literal(), nil
}

// termsValueEqual implements '=' with numeric value comparison and strict
// term equality elsewhere. Comparing incomparable literals is an error.
func termsValueEqual(a, b rdf.Term) (bool, error) {
	an, aNum := extractNumeric(a)
	bn, bNum := extractNumeric(b)
	if aNum && bNum {
		return an.value == bn.value, nil
	}
	if aNum != bNum {
		la, aIsLit := a.(*rdf.Literal)
		lb, bIsLit := b.(*rdf.Literal)
		if aIsLit && bIsLit && (la.Datatype != nil || lb.Datatype != nil) {
			return false, fmt.Errorf("incomparable literals: %s and %s", a, b)
		}
	}
	return a.Equals(b), nil
}

// CompareTerms implements the SPARQL ordering used by < > and ORDER BY among
// comparable terms: numerics by value, strings lexically, booleans false
// before true, dateTimes chronologically. Cross-kind comparison is an error.
func CompareTerms(a, b rdf.Term) (int, error) {
	an, aNum := extractNumeric(a)
	bn, bNum := extractNumeric(b)
	if aNum && bNum {
		switch {
		case an.value < bn.value:
			return -1, nil
		case an.value > bn.value:
			return 1, nil
		default:
			return 0, nil
		}
	}

	la, aIsLit := a.(*rdf.Literal)
	lb, bIsLit := b.(*rdf.Literal)
	if !aIsLit || !bIsLit {
		return 0, fmt.Errorf("terms are not comparable: %s and %s", a, b)
	}

	if isStringy(la) && isStringy(lb) {
		return strings.Compare(la.Value, lb.Value), nil
	}

	if hasDatatype(la, rdf.XSDBoolean.IRI) && hasDatatype(lb, rdf.XSDBoolean.IRI) {
		av := la.Value == "true" || la.Value == "1"
		bv := lb.Value == "true" || lb.Value == "1"
		switch {
		case av == bv:
			return 0, nil
		case !av:
			return -1, nil
		default:
			return 1, nil
		}
	}

	if hasDatatype(la, rdf.XSDDateTime.IRI) && hasDatatype(lb, rdf.XSDDateTime.IRI) {
		at, err := parseDateTime(la.Value)
		if err != nil {
			return 0, err
		}
		bt, err := parseDateTime(lb.Value)
		if err != nil {
			return 0, err
		}
		switch {
		case at.Before(bt):
			return -1, nil
		case at.After(bt):
			return 1, nil
		default:
			return 0, nil
		}
	}

	return 0, fmt.Errorf("literals are not comparable: %s and %s", a, b)
}

func isStringy(l *rdf.Literal) bool {
	return l.IsPlain() && l.Language == "" ||
		(l.Datatype != nil && l.Datatype.IRI == rdf.XSDString.IRI)
}

func hasDatatype(l *rdf.Literal, iri string) bool {
	return l.Datatype != nil && l.Datatype.IRI == iri
}

func parseDateTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02T15:04:05", value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid dateTime literal: %w", err)
	}
	return t.UTC(), nil
}
