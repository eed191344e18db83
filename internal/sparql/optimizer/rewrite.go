package optimizer

import (
	"github.com/ternstore/tern/internal/sparql/algebra"
	"github.com/ternstore/tern/internal/sparql/eval"
	"github.com/ternstore/tern/internal/store"
	"github.com/ternstore/tern/pkg/rdf"
)

// Rewrite applies the algebra-level rewrite rules: constant BIND pushing,
// constant folding, conjunctive filter split and pushdown, redundant
// DISTINCT elimination, and union flattening.
func Rewrite(op algebra.Operator) algebra.Operator {
	op = pushConstantBinds(op)
	op = foldConstants(op)
	op = splitFilters(op)
	op = pushFilters(op)
	op = elideDistinctOverGroup(op)
	op = flattenUnions(op)
	return op
}

// pushConstantBinds substitutes BIND of a ground term into every triple
// pattern using the variable. The Extend stays so the variable remains
// visible in results.
func pushConstantBinds(op algebra.Operator) algebra.Operator {
	bindings := make(map[string]rdf.Term)

	var collect func(algebra.Operator)
	collect = func(op algebra.Operator) {
		switch v := op.(type) {
		case *algebra.Extend:
			if te, ok := v.Expr.(*algebra.TermExpr); ok {
				bindings[v.Var.Name] = te.Term
			}
			collect(v.Child)
		case *algebra.Join:
			collect(v.Left)
			collect(v.Right)
		case *algebra.Filter:
			collect(v.Child)
		case *algebra.Project:
			collect(v.Child)
		case *algebra.Distinct:
			collect(v.Child)
		case *algebra.Reduced:
			collect(v.Child)
		case *algebra.OrderBy:
			collect(v.Child)
		case *algebra.Slice:
			collect(v.Child)
		}
	}
	collect(op)

	if len(bindings) == 0 {
		return op
	}

	substitute := func(t *algebra.TermOrVariable) {
		if t.IsVariable() {
			if term, ok := bindings[t.Variable.Name]; ok {
				t.Term = term
				t.Variable = nil
			}
		}
	}

	walkOperators(op, func(node algebra.Operator) {
		bgp, ok := node.(*algebra.BGP)
		if !ok {
			return
		}
		for _, p := range bgp.Patterns {
			substitute(&p.Subject)
			substitute(&p.Predicate)
			substitute(&p.Object)
		}
		for _, p := range bgp.Paths {
			substitute(&p.Subject)
			substitute(&p.Object)
		}
	})
	return op
}

// foldConstants evaluates constant sub-expressions at compile time.
// Volatile functions (RAND, NOW, BNODE, UUID) are left alone.
func foldConstants(op algebra.Operator) algebra.Operator {
	evaluator := eval.NewEvaluator()
	empty := store.NewBinding()

	var foldExpr func(expr algebra.Expression) algebra.Expression
	foldExpr = func(expr algebra.Expression) algebra.Expression {
		switch v := expr.(type) {
		case *algebra.BinaryExpr:
			left := foldExpr(v.Left)
			right := foldExpr(v.Right)
			folded := &algebra.BinaryExpr{Left: left, Op: v.Op, Right: right}
			if isConstant(left) && isConstant(right) {
				if term, err := evaluator.Evaluate(folded, empty); err == nil {
					return &algebra.TermExpr{Term: term}
				}
			}
			return folded
		case *algebra.UnaryExpr:
			operand := foldExpr(v.Operand)
			folded := &algebra.UnaryExpr{Op: v.Op, Operand: operand}
			if isConstant(operand) {
				if term, err := evaluator.Evaluate(folded, empty); err == nil {
					return &algebra.TermExpr{Term: term}
				}
			}
			return folded
		case *algebra.FuncCall:
			args := make([]algebra.Expression, len(v.Args))
			constant := !isVolatile(v.Name)
			for i, arg := range v.Args {
				args[i] = foldExpr(arg)
				if !isConstant(args[i]) {
					constant = false
				}
			}
			folded := &algebra.FuncCall{Name: v.Name, Args: args, Distinct: v.Distinct}
			if constant {
				if term, err := evaluator.Evaluate(folded, empty); err == nil {
					return &algebra.TermExpr{Term: term}
				}
			}
			return folded
		default:
			return expr
		}
	}

	walkOperators(op, func(node algebra.Operator) {
		switch v := node.(type) {
		case *algebra.Filter:
			v.Expr = foldExpr(v.Expr)
		case *algebra.Extend:
			v.Expr = foldExpr(v.Expr)
		case *algebra.LeftJoin:
			if v.Filter != nil {
				v.Filter = foldExpr(v.Filter)
			}
		}
	})
	return op
}

func isConstant(expr algebra.Expression) bool {
	_, ok := expr.(*algebra.TermExpr)
	return ok
}

func isVolatile(name string) bool {
	switch name {
	case "RAND", "NOW", "BNODE", "UUID", "STRUUID":
		return true
	}
	return false
}

// splitFilters breaks conjunctive filters into a chain of single filters.
func splitFilters(op algebra.Operator) algebra.Operator {
	return rewriteTree(op, func(node algebra.Operator) algebra.Operator {
		f, ok := node.(*algebra.Filter)
		if !ok {
			return node
		}
		be, ok := f.Expr.(*algebra.BinaryExpr)
		if !ok || be.Op != algebra.OpAnd {
			return node
		}
		return &algebra.Filter{
			Expr: be.Left,
			Child: &algebra.Filter{
				Expr:  be.Right,
				Child: f.Child,
			},
		}
	})
}

// pushFilters moves each filter down through Joins (and the left side of
// LeftJoins) to the deepest side that binds all the variables it references.
func pushFilters(op algebra.Operator) algebra.Operator {
	var push func(node algebra.Operator) algebra.Operator
	push = func(node algebra.Operator) algebra.Operator {
		f, ok := node.(*algebra.Filter)
		if !ok {
			return node
		}
		// EXISTS filters stay put: their evaluation depends on the full
		// binding in scope.
		if _, ok := f.Expr.(*algebra.ExistsExpr); ok {
			return node
		}

		needed := algebra.ExprVariables(f.Expr)
		switch child := f.Child.(type) {
		case *algebra.Join:
			if bindsAll(child.Left, needed) {
				return &algebra.Join{
					Left:  push(&algebra.Filter{Expr: f.Expr, Child: child.Left}),
					Right: child.Right,
				}
			}
			if bindsAll(child.Right, needed) {
				return &algebra.Join{
					Left:  child.Left,
					Right: push(&algebra.Filter{Expr: f.Expr, Child: child.Right}),
				}
			}
		case *algebra.LeftJoin:
			if bindsAll(child.Left, needed) {
				return &algebra.LeftJoin{
					Left:   push(&algebra.Filter{Expr: f.Expr, Child: child.Left}),
					Right:  child.Right,
					Filter: child.Filter,
				}
			}
		}
		return node
	}
	return rewriteTree(op, push)
}

func bindsAll(op algebra.Operator, names []string) bool {
	bound := make(map[string]bool)
	for _, name := range algebra.OperatorVariables(op) {
		bound[name] = true
	}
	for _, name := range names {
		if !bound[name] {
			return false
		}
	}
	return true
}

// elideDistinctOverGroup drops DISTINCT above an aggregation whose output is
// already unique per group.
func elideDistinctOverGroup(op algebra.Operator) algebra.Operator {
	return rewriteTree(op, func(node algebra.Operator) algebra.Operator {
		d, ok := node.(*algebra.Distinct)
		if !ok {
			return node
		}
		inner := d.Child
		if p, ok := inner.(*algebra.Project); ok {
			inner = p.Child
		}
		for {
			if e, ok := inner.(*algebra.Extend); ok {
				inner = e.Child
				continue
			}
			break
		}
		if _, ok := inner.(*algebra.Group); ok {
			return d.Child
		}
		return node
	})
}

// flattenUnions reassociates unions left-deep so that structurally equal
// unions normalize identically.
func flattenUnions(op algebra.Operator) algebra.Operator {
	return rewriteTree(op, func(node algebra.Operator) algebra.Operator {
		u, ok := node.(*algebra.Union)
		if !ok {
			return node
		}
		var branches []algebra.Operator
		var gather func(algebra.Operator)
		gather = func(b algebra.Operator) {
			if inner, ok := b.(*algebra.Union); ok {
				gather(inner.Left)
				gather(inner.Right)
				return
			}
			branches = append(branches, b)
		}
		gather(u)
		if len(branches) <= 2 {
			return node
		}
		out := branches[0]
		for _, b := range branches[1:] {
			out = &algebra.Union{Left: out, Right: b}
		}
		return out
	})
}

// rewriteTree applies f bottom-up across the operator tree.
func rewriteTree(op algebra.Operator, f func(algebra.Operator) algebra.Operator) algebra.Operator {
	if op == nil {
		return nil
	}
	switch v := op.(type) {
	case *algebra.Join:
		v.Left = rewriteTree(v.Left, f)
		v.Right = rewriteTree(v.Right, f)
	case *algebra.LeftJoin:
		v.Left = rewriteTree(v.Left, f)
		v.Right = rewriteTree(v.Right, f)
	case *algebra.Union:
		v.Left = rewriteTree(v.Left, f)
		v.Right = rewriteTree(v.Right, f)
	case *algebra.Minus:
		v.Left = rewriteTree(v.Left, f)
		v.Right = rewriteTree(v.Right, f)
	case *algebra.Filter:
		v.Child = rewriteTree(v.Child, f)
	case *algebra.Extend:
		v.Child = rewriteTree(v.Child, f)
	case *algebra.Project:
		v.Child = rewriteTree(v.Child, f)
	case *algebra.Distinct:
		v.Child = rewriteTree(v.Child, f)
	case *algebra.Reduced:
		v.Child = rewriteTree(v.Child, f)
	case *algebra.OrderBy:
		v.Child = rewriteTree(v.Child, f)
	case *algebra.Slice:
		v.Child = rewriteTree(v.Child, f)
	case *algebra.Group:
		v.Child = rewriteTree(v.Child, f)
	}
	return f(op)
}

// walkOperators visits every operator node.
func walkOperators(op algebra.Operator, visit func(algebra.Operator)) {
	if op == nil {
		return
	}
	visit(op)
	switch v := op.(type) {
	case *algebra.Join:
		walkOperators(v.Left, visit)
		walkOperators(v.Right, visit)
	case *algebra.LeftJoin:
		walkOperators(v.Left, visit)
		walkOperators(v.Right, visit)
	case *algebra.Union:
		walkOperators(v.Left, visit)
		walkOperators(v.Right, visit)
	case *algebra.Minus:
		walkOperators(v.Left, visit)
		walkOperators(v.Right, visit)
	case *algebra.Filter:
		walkOperators(v.Child, visit)
	case *algebra.Extend:
		walkOperators(v.Child, visit)
	case *algebra.Project:
		walkOperators(v.Child, visit)
	case *algebra.Distinct:
		walkOperators(v.Child, visit)
	case *algebra.Reduced:
		walkOperators(v.Child, visit)
	case *algebra.OrderBy:
		walkOperators(v.Child, visit)
	case *algebra.Slice:
		walkOperators(v.Child, visit)
	case *algebra.Group:
		walkOperators(v.Child, visit)
	}
}
