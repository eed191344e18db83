package optimizer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/zeebo/xxh3"

	"github.com/ternstore/tern/internal/sparql/algebra"
	"github.com/ternstore/tern/pkg/rdf"
)

// Fingerprint computes the plan-cache key of a query: a 128-bit xxh3 hash of
// the canonical serialization with variables alpha-renamed positionally.
// Queries differing only in user-chosen variable names produce equal keys;
// pattern order remains significant.
func Fingerprint(query *algebra.Query) string {
	n := &normalizer{renames: make(map[string]string)}
	hash := xxh3.Hash128([]byte(canonicalString(query, n)))
	return fmt.Sprintf("%016x%016x", hash.Hi, hash.Lo)
}

// VariableOrder lists a query's variables in canonical (first-occurrence)
// order. Two queries with equal fingerprints have positionally matching
// orders, which lets cache hits remap solution variable names.
func VariableOrder(query *algebra.Query) []string {
	n := &normalizer{renames: make(map[string]string)}
	canonicalString(query, n)
	return n.order
}

func canonicalString(query *algebra.Query, n *normalizer) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "form:%d;", query.Form)
	n.writeOperator(&sb, query.Root)
	for _, t := range query.Template {
		sb.WriteString("tmpl:")
		n.writePattern(&sb, t)
	}
	for _, term := range query.DescribeTerms {
		sb.WriteString("desc:" + term.String() + ";")
	}
	for _, v := range query.DescribeVars {
		sb.WriteString("descv:" + n.rename(v.Name) + ";")
	}
	for _, v := range query.Projection {
		sb.WriteString("proj:" + n.rename(v.Name) + ";")
	}
	return sb.String()
}

type normalizer struct {
	renames map[string]string
	order   []string
	counter int
}

// rename maps a variable name to its positional alias (first occurrence
// order), so structure determines the key rather than spelling.
func (n *normalizer) rename(name string) string {
	if alias, ok := n.renames[name]; ok {
		return alias
	}
	n.counter++
	alias := fmt.Sprintf("_v%d", n.counter)
	n.renames[name] = alias
	n.order = append(n.order, name)
	return alias
}

func (n *normalizer) writePos(sb *strings.Builder, t algebra.TermOrVariable) {
	switch {
	case t.IsVariable():
		sb.WriteString("?" + n.rename(t.Variable.Name))
	case t.IsParam():
		sb.WriteString("$" + t.Param)
	default:
		sb.WriteString(t.Term.String())
	}
	sb.WriteByte(' ')
}

func (n *normalizer) writePattern(sb *strings.Builder, p *algebra.TriplePattern) {
	n.writePos(sb, p.Subject)
	n.writePos(sb, p.Predicate)
	n.writePos(sb, p.Object)
	sb.WriteByte(';')
}

func (n *normalizer) writeOperator(sb *strings.Builder, op algebra.Operator) {
	if op == nil {
		sb.WriteString("nil;")
		return
	}
	switch v := op.(type) {
	case *algebra.BGP:
		sb.WriteString("bgp{")
		for _, p := range v.Patterns {
			n.writePattern(sb, p)
		}
		for _, p := range v.Paths {
			sb.WriteString("path:")
			n.writePos(sb, p.Subject)
			n.writePath(sb, p.Path)
			n.writePos(sb, p.Object)
			sb.WriteByte(';')
		}
		for _, q := range v.Quads {
			sb.WriteString("quad:")
			n.writePattern(sb, q.Triple)
			n.writePos(sb, q.Graph)
		}
		sb.WriteString("}")
	case *algebra.Join:
		sb.WriteString("join(")
		n.writeOperator(sb, v.Left)
		n.writeOperator(sb, v.Right)
		sb.WriteString(")")
	case *algebra.LeftJoin:
		sb.WriteString("leftjoin(")
		n.writeOperator(sb, v.Left)
		n.writeOperator(sb, v.Right)
		if v.Filter != nil {
			n.writeExpr(sb, v.Filter)
		}
		sb.WriteString(")")
	case *algebra.Union:
		sb.WriteString("union(")
		n.writeOperator(sb, v.Left)
		n.writeOperator(sb, v.Right)
		sb.WriteString(")")
	case *algebra.Minus:
		sb.WriteString("minus(")
		n.writeOperator(sb, v.Left)
		n.writeOperator(sb, v.Right)
		sb.WriteString(")")
	case *algebra.Filter:
		sb.WriteString("filter(")
		n.writeExpr(sb, v.Expr)
		n.writeOperator(sb, v.Child)
		sb.WriteString(")")
	case *algebra.Extend:
		sb.WriteString("extend(?" + n.rename(v.Var.Name) + ":")
		n.writeExpr(sb, v.Expr)
		n.writeOperator(sb, v.Child)
		sb.WriteString(")")
	case *algebra.Project:
		sb.WriteString("project(")
		for _, pv := range v.Vars {
			sb.WriteString("?" + n.rename(pv.Name) + " ")
		}
		n.writeOperator(sb, v.Child)
		sb.WriteString(")")
	case *algebra.Distinct:
		sb.WriteString("distinct(")
		n.writeOperator(sb, v.Child)
		sb.WriteString(")")
	case *algebra.Reduced:
		sb.WriteString("reduced(")
		n.writeOperator(sb, v.Child)
		sb.WriteString(")")
	case *algebra.OrderBy:
		sb.WriteString("orderby(")
		for _, key := range v.Keys {
			if !key.Ascending {
				sb.WriteString("desc:")
			}
			n.writeExpr(sb, key.Expr)
		}
		n.writeOperator(sb, v.Child)
		sb.WriteString(")")
	case *algebra.Slice:
		sb.WriteString("slice(")
		if v.Offset != nil {
			fmt.Fprintf(sb, "o%d", *v.Offset)
		}
		if v.Limit != nil {
			fmt.Fprintf(sb, "l%d", *v.Limit)
		}
		n.writeOperator(sb, v.Child)
		sb.WriteString(")")
	case *algebra.Group:
		sb.WriteString("group(")
		for _, key := range v.Keys {
			n.writeExpr(sb, key.Expr)
			if key.As != nil {
				sb.WriteString("as?" + n.rename(key.As.Name))
			}
		}
		for _, agg := range v.Aggregates {
			fmt.Fprintf(sb, "agg%d", agg.Agg.Func)
			if agg.Agg.Distinct {
				sb.WriteString("!d")
			}
			if agg.Agg.Expr != nil {
				n.writeExpr(sb, agg.Agg.Expr)
			}
			sb.WriteString("->?" + n.rename(agg.Var.Name))
		}
		n.writeOperator(sb, v.Child)
		sb.WriteString(")")
	case *algebra.Values:
		sb.WriteString("values(")
		for _, vv := range v.Vars {
			sb.WriteString("?" + n.rename(vv.Name) + " ")
		}
		for _, row := range v.Rows {
			for _, term := range row {
				if term == nil {
					sb.WriteString("UNDEF ")
				} else {
					sb.WriteString(term.String() + " ")
				}
			}
			sb.WriteByte(';')
		}
		sb.WriteString(")")
	default:
		fmt.Fprintf(sb, "op:%T;", op)
	}
}

func (n *normalizer) writeExpr(sb *strings.Builder, expr algebra.Expression) {
	switch v := expr.(type) {
	case *algebra.TermExpr:
		sb.WriteString(v.Term.String())
	case *algebra.VariableExpr:
		sb.WriteString("?" + n.rename(v.Variable.Name))
	case *algebra.ParamExpr:
		sb.WriteString("$" + v.Name)
	case *algebra.BinaryExpr:
		fmt.Fprintf(sb, "b%d(", v.Op)
		n.writeExpr(sb, v.Left)
		sb.WriteByte(',')
		n.writeExpr(sb, v.Right)
		sb.WriteString(")")
	case *algebra.UnaryExpr:
		fmt.Fprintf(sb, "u%d(", v.Op)
		n.writeExpr(sb, v.Operand)
		sb.WriteString(")")
	case *algebra.FuncCall:
		sb.WriteString(v.Name + "(")
		if v.Distinct {
			sb.WriteString("!d")
		}
		for _, arg := range v.Args {
			n.writeExpr(sb, arg)
			sb.WriteByte(',')
		}
		sb.WriteString(")")
	case *algebra.InExpr:
		if v.Negated {
			sb.WriteString("notin(")
		} else {
			sb.WriteString("in(")
		}
		n.writeExpr(sb, v.Value)
		for _, item := range v.List {
			sb.WriteByte(',')
			n.writeExpr(sb, item)
		}
		sb.WriteString(")")
	case *algebra.ExistsExpr:
		if v.Negated {
			sb.WriteString("notexists(")
		} else {
			sb.WriteString("exists(")
		}
		n.writeOperator(sb, v.Pattern)
		sb.WriteString(")")
	default:
		fmt.Fprintf(sb, "expr:%T", expr)
	}
	sb.WriteByte(';')
}

func (n *normalizer) writePath(sb *strings.Builder, path algebra.PathExpr) {
	switch v := path.(type) {
	case *algebra.PathLink:
		sb.WriteString(v.Pred.String())
	case *algebra.PathReverse:
		sb.WriteString("^(")
		n.writePath(sb, v.Inner)
		sb.WriteString(")")
	case *algebra.PathSequence:
		sb.WriteString("seq(")
		n.writePath(sb, v.Left)
		sb.WriteByte(',')
		n.writePath(sb, v.Right)
		sb.WriteString(")")
	case *algebra.PathAlternative:
		sb.WriteString("alt(")
		n.writePath(sb, v.Left)
		sb.WriteByte(',')
		n.writePath(sb, v.Right)
		sb.WriteString(")")
	case *algebra.PathNegatedSet:
		names := make([]string, len(v.Preds))
		for i, p := range v.Preds {
			names[i] = p.IRI
		}
		sort.Strings(names)
		sb.WriteString("!(" + strings.Join(names, "|") + ")")
	case *algebra.PathZeroOrOne:
		sb.WriteString("opt(")
		n.writePath(sb, v.Inner)
		sb.WriteString(")")
	case *algebra.PathZeroOrMore:
		sb.WriteString("star(")
		n.writePath(sb, v.Inner)
		sb.WriteString(")")
	case *algebra.PathOneOrMore:
		sb.WriteString("plus(")
		n.writePath(sb, v.Inner)
		sb.WriteString(")")
	}
}

// CollectPredicates lists the predicate IRIs a query's plan depends on, for
// cache invalidation.
func CollectPredicates(query *algebra.Query) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(iri string) {
		if !seen[iri] {
			seen[iri] = true
			out = append(out, iri)
		}
	}

	var walkPath func(algebra.PathExpr)
	walkPath = func(p algebra.PathExpr) {
		switch v := p.(type) {
		case *algebra.PathLink:
			add(v.Pred.IRI)
		case *algebra.PathReverse:
			walkPath(v.Inner)
		case *algebra.PathSequence:
			walkPath(v.Left)
			walkPath(v.Right)
		case *algebra.PathAlternative:
			walkPath(v.Left)
			walkPath(v.Right)
		case *algebra.PathNegatedSet:
			for _, pred := range v.Preds {
				add(pred.IRI)
			}
		case *algebra.PathZeroOrOne:
			walkPath(v.Inner)
		case *algebra.PathZeroOrMore:
			walkPath(v.Inner)
		case *algebra.PathOneOrMore:
			walkPath(v.Inner)
		}
	}

	var walk func(algebra.Operator)
	walk = func(op algebra.Operator) {
		switch v := op.(type) {
		case *algebra.BGP:
			for _, p := range v.Patterns {
				if nn, ok := p.Predicate.Term.(*rdf.NamedNode); ok {
					add(nn.IRI)
				}
			}
			for _, p := range v.Paths {
				walkPath(p.Path)
			}
			for _, q := range v.Quads {
				if nn, ok := q.Triple.Predicate.Term.(*rdf.NamedNode); ok {
					add(nn.IRI)
				}
			}
		case *algebra.Join:
			walk(v.Left)
			walk(v.Right)
		case *algebra.LeftJoin:
			walk(v.Left)
			walk(v.Right)
		case *algebra.Union:
			walk(v.Left)
			walk(v.Right)
		case *algebra.Minus:
			walk(v.Left)
			walk(v.Right)
		case *algebra.Filter:
			walk(v.Child)
		case *algebra.Extend:
			walk(v.Child)
		case *algebra.Project:
			walk(v.Child)
		case *algebra.Distinct:
			walk(v.Child)
		case *algebra.Reduced:
			walk(v.Child)
		case *algebra.OrderBy:
			walk(v.Child)
		case *algebra.Slice:
			walk(v.Child)
		case *algebra.Group:
			walk(v.Child)
		}
	}

	if query.Root != nil {
		walk(query.Root)
	}
	return out
}
