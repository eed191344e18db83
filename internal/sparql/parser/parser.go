// Package parser turns SPARQL query and update text into algebra trees.
package parser

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/ternstore/tern/internal/sparql/algebra"
	"github.com/ternstore/tern/pkg/rdf"
)

// ParseError reports a syntax error with its byte offset.
type ParseError struct {
	Message string
	Pos     int
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at offset %d: %s", e.Pos, e.Message)
}

// Parser parses SPARQL text with a simple position-based scanner.
type Parser struct {
	input    string
	pos      int
	length   int
	prefixes map[string]string
	baseURI  string

	params     []string
	paramsSeen map[string]bool

	blankCounter int
}

// NewParser creates a new SPARQL parser
func NewParser(input string) *Parser {
	return &Parser{
		input:      input,
		length:     len(input),
		prefixes:   make(map[string]string),
		paramsSeen: make(map[string]bool),
	}
}

func (p *Parser) errorf(format string, args ...any) error {
	return &ParseError{Message: fmt.Sprintf(format, args...), Pos: p.pos}
}

// ParseQuery parses a SPARQL query (SELECT / ASK / CONSTRUCT / DESCRIBE).
func (p *Parser) ParseQuery() (*algebra.Query, error) {
	if err := p.parsePrologue(); err != nil {
		return nil, err
	}

	var query *algebra.Query
	var err error
	switch {
	case p.matchKeyword("SELECT"):
		query, err = p.parseSelect()
	case p.matchKeyword("ASK"):
		query, err = p.parseAsk()
	case p.matchKeyword("CONSTRUCT"):
		query, err = p.parseConstruct()
	case p.matchKeyword("DESCRIBE"):
		query, err = p.parseDescribe()
	default:
		return nil, p.errorf("expected SELECT, ASK, CONSTRUCT or DESCRIBE")
	}
	if err != nil {
		return nil, err
	}

	p.skipWhitespace()
	if p.pos < p.length {
		return nil, p.errorf("unexpected trailing input: %q", p.remaining(20))
	}

	query.Params = p.params
	return query, nil
}

// ParseUpdate parses a SPARQL update request (';'-separated statements).
func (p *Parser) ParseUpdate() (*algebra.UpdateRequest, error) {
	req := &algebra.UpdateRequest{}

	for {
		if err := p.parsePrologue(); err != nil {
			return nil, err
		}
		p.skipWhitespace()
		if p.pos >= p.length {
			break
		}

		op, err := p.parseUpdateOp()
		if err != nil {
			return nil, err
		}
		req.Operations = append(req.Operations, op)

		p.skipWhitespace()
		if p.pos < p.length && p.input[p.pos] == ';' {
			p.pos++
			continue
		}
		break
	}

	p.skipWhitespace()
	if p.pos < p.length {
		return nil, p.errorf("unexpected trailing input: %q", p.remaining(20))
	}
	if len(req.Operations) == 0 {
		return nil, p.errorf("empty update request")
	}
	return req, nil
}

func (p *Parser) remaining(n int) string {
	end := p.pos + n
	if end > p.length {
		end = p.length
	}
	return p.input[p.pos:end]
}

func (p *Parser) parsePrologue() error {
	for {
		p.skipWhitespace()
		if p.matchKeyword("PREFIX") {
			p.skipWhitespace()
			name, err := p.scanPrefixName()
			if err != nil {
				return err
			}
			p.skipWhitespace()
			iri, err := p.parseIRIRef()
			if err != nil {
				return err
			}
			p.prefixes[name] = iri
		} else if p.matchKeyword("BASE") {
			p.skipWhitespace()
			iri, err := p.parseIRIRef()
			if err != nil {
				return err
			}
			p.baseURI = iri
		} else {
			return nil
		}
	}
}

func (p *Parser) scanPrefixName() (string, error) {
	start := p.pos
	for p.pos < p.length && p.input[p.pos] != ':' {
		c := p.input[p.pos]
		if c == ' ' || c == '\t' || c == '\n' || c == '<' {
			break
		}
		p.pos++
	}
	if p.pos >= p.length || p.input[p.pos] != ':' {
		return "", p.errorf("expected ':' after prefix name")
	}
	name := p.input[start:p.pos]
	p.pos++
	return name, nil
}

// parseSelect parses the SELECT form after the keyword.
func (p *Parser) parseSelect() (*algebra.Query, error) {
	distinct := false
	reduced := false
	p.skipWhitespace()
	if p.matchKeyword("DISTINCT") {
		distinct = true
	} else if p.matchKeyword("REDUCED") {
		reduced = true
	}

	// Projection: '*' or a list of ?var and (expr AS ?var).
	type selectItem struct {
		variable *algebra.Variable
		expr     algebra.Expression
	}
	var items []selectItem
	star := false

	p.skipWhitespace()
	if p.pos < p.length && p.input[p.pos] == '*' {
		p.pos++
		star = true
	} else {
		for {
			p.skipWhitespace()
			if p.pos >= p.length {
				return nil, p.errorf("unexpected end of SELECT clause")
			}
			c := p.input[p.pos]
			if c == '?' {
				v, err := p.parseVariable()
				if err != nil {
					return nil, err
				}
				items = append(items, selectItem{variable: v})
			} else if c == '(' {
				p.pos++
				expr, err := p.parseExpression()
				if err != nil {
					return nil, err
				}
				p.skipWhitespace()
				if !p.matchKeyword("AS") {
					return nil, p.errorf("expected AS in projection expression")
				}
				p.skipWhitespace()
				v, err := p.parseVariable()
				if err != nil {
					return nil, err
				}
				if err := p.expect(')'); err != nil {
					return nil, err
				}
				items = append(items, selectItem{variable: v, expr: expr})
			} else {
				break
			}
		}
		if len(items) == 0 {
			return nil, p.errorf("SELECT requires '*' or at least one variable")
		}
	}

	p.skipWhitespace()
	p.matchKeyword("WHERE")
	root, err := p.parseGroupGraphPattern()
	if err != nil {
		return nil, err
	}

	// GROUP BY / HAVING.
	var groupKeys []algebra.GroupKey
	p.skipWhitespace()
	if p.matchKeyword("GROUP") {
		p.skipWhitespace()
		if !p.matchKeyword("BY") {
			return nil, p.errorf("expected BY after GROUP")
		}
		for {
			p.skipWhitespace()
			if p.pos >= p.length {
				break
			}
			c := p.input[p.pos]
			if c == '?' {
				v, err := p.parseVariable()
				if err != nil {
					return nil, err
				}
				groupKeys = append(groupKeys, algebra.GroupKey{Expr: &algebra.VariableExpr{Variable: v}})
			} else if c == '(' {
				p.pos++
				expr, err := p.parseExpression()
				if err != nil {
					return nil, err
				}
				var as *algebra.Variable
				p.skipWhitespace()
				if p.matchKeyword("AS") {
					p.skipWhitespace()
					as, err = p.parseVariable()
					if err != nil {
						return nil, err
					}
				}
				if err := p.expect(')'); err != nil {
					return nil, err
				}
				groupKeys = append(groupKeys, algebra.GroupKey{Expr: expr, As: as})
			} else {
				break
			}
		}
		if len(groupKeys) == 0 {
			return nil, p.errorf("GROUP BY requires at least one key")
		}
	}

	var having []algebra.Expression
	p.skipWhitespace()
	if p.matchKeyword("HAVING") {
		for {
			p.skipWhitespace()
			if p.pos >= p.length || p.input[p.pos] != '(' {
				break
			}
			p.pos++
			expr, err := p.parseExpression()
			if err != nil {
				return nil, err
			}
			if err := p.expect(')'); err != nil {
				return nil, err
			}
			having = append(having, expr)
		}
		if len(having) == 0 {
			return nil, p.errorf("HAVING requires at least one constraint")
		}
	}

	// Collect aggregates used in projection/having; queries using aggregates
	// or GROUP BY get a Group node.
	var aggBindings []*algebra.AggregateBinding
	aggCounter := 0
	liftAggregates := func(expr algebra.Expression) algebra.Expression {
		return rewriteAggregates(expr, &aggBindings, &aggCounter)
	}

	for i := range items {
		if items[i].expr != nil {
			items[i].expr = liftAggregates(items[i].expr)
		}
	}
	for i := range having {
		having[i] = liftAggregates(having[i])
	}

	if len(groupKeys) > 0 || len(aggBindings) > 0 {
		root = &algebra.Group{Keys: groupKeys, Aggregates: aggBindings, Child: root}
	}

	for _, h := range having {
		root = &algebra.Filter{Expr: h, Child: root}
	}

	// Computed projections become Extend nodes above the group.
	var projection []*algebra.Variable
	if !star {
		for _, item := range items {
			if item.expr != nil {
				root = &algebra.Extend{Var: item.variable, Expr: item.expr, Child: root}
			}
			projection = append(projection, item.variable)
		}
	}

	root, err = p.parseSolutionModifiers(root, projection, star, distinct, reduced)
	if err != nil {
		return nil, err
	}

	return &algebra.Query{
		Form:       algebra.FormSelect,
		Root:       root,
		Projection: projection,
	}, nil
}

// parseSolutionModifiers applies ORDER BY / projection / DISTINCT / slice in
// algebra order.
func (p *Parser) parseSolutionModifiers(root algebra.Operator, projection []*algebra.Variable, star, distinct, reduced bool) (algebra.Operator, error) {
	p.skipWhitespace()
	if p.matchKeyword("ORDER") {
		p.skipWhitespace()
		if !p.matchKeyword("BY") {
			return nil, p.errorf("expected BY after ORDER")
		}
		keys, err := p.parseOrderKeys()
		if err != nil {
			return nil, err
		}
		root = &algebra.OrderBy{Keys: keys, Child: root}
	}

	if !star && len(projection) > 0 {
		root = &algebra.Project{Vars: projection, Child: root}
	}
	if distinct {
		root = &algebra.Distinct{Child: root}
	} else if reduced {
		root = &algebra.Reduced{Child: root}
	}

	var limit, offset *int
	for {
		p.skipWhitespace()
		if p.matchKeyword("LIMIT") {
			n, err := p.parseNonNegativeInt()
			if err != nil {
				return nil, err
			}
			limit = &n
		} else if p.matchKeyword("OFFSET") {
			n, err := p.parseNonNegativeInt()
			if err != nil {
				return nil, err
			}
			offset = &n
		} else {
			break
		}
	}
	if limit != nil || offset != nil {
		root = &algebra.Slice{Offset: offset, Limit: limit, Child: root}
	}
	return root, nil
}

func (p *Parser) parseOrderKeys() ([]algebra.OrderKey, error) {
	var keys []algebra.OrderKey
	for {
		p.skipWhitespace()
		if p.pos >= p.length {
			break
		}
		ascending := true
		if p.matchKeyword("ASC") {
			p.skipWhitespace()
			if err := p.expect('('); err != nil {
				return nil, err
			}
			expr, err := p.parseExpression()
			if err != nil {
				return nil, err
			}
			if err := p.expect(')'); err != nil {
				return nil, err
			}
			keys = append(keys, algebra.OrderKey{Expr: expr, Ascending: true})
			continue
		}
		if p.matchKeyword("DESC") {
			p.skipWhitespace()
			if err := p.expect('('); err != nil {
				return nil, err
			}
			expr, err := p.parseExpression()
			if err != nil {
				return nil, err
			}
			if err := p.expect(')'); err != nil {
				return nil, err
			}
			keys = append(keys, algebra.OrderKey{Expr: expr, Ascending: false})
			continue
		}
		c := p.input[p.pos]
		if c == '?' {
			v, err := p.parseVariable()
			if err != nil {
				return nil, err
			}
			keys = append(keys, algebra.OrderKey{Expr: &algebra.VariableExpr{Variable: v}, Ascending: ascending})
			continue
		}
		if c == '(' {
			p.pos++
			expr, err := p.parseExpression()
			if err != nil {
				return nil, err
			}
			if err := p.expect(')'); err != nil {
				return nil, err
			}
			keys = append(keys, algebra.OrderKey{Expr: expr, Ascending: true})
			continue
		}
		break
	}
	if len(keys) == 0 {
		return nil, p.errorf("ORDER BY requires at least one key")
	}
	return keys, nil
}

func (p *Parser) parseAsk() (*algebra.Query, error) {
	p.skipWhitespace()
	p.matchKeyword("WHERE")
	root, err := p.parseGroupGraphPattern()
	if err != nil {
		return nil, err
	}
	return &algebra.Query{Form: algebra.FormAsk, Root: root}, nil
}

func (p *Parser) parseConstruct() (*algebra.Query, error) {
	p.skipWhitespace()
	if err := p.expect('{'); err != nil {
		return nil, err
	}
	template, err := p.parseTriplesTemplate()
	if err != nil {
		return nil, err
	}
	if err := p.expect('}'); err != nil {
		return nil, err
	}

	p.skipWhitespace()
	if !p.matchKeyword("WHERE") {
		return nil, p.errorf("expected WHERE after CONSTRUCT template")
	}
	root, err := p.parseGroupGraphPattern()
	if err != nil {
		return nil, err
	}
	root, err = p.parseSolutionModifiers(root, nil, true, false, false)
	if err != nil {
		return nil, err
	}

	return &algebra.Query{
		Form:     algebra.FormConstruct,
		Root:     root,
		Template: template,
	}, nil
}

func (p *Parser) parseDescribe() (*algebra.Query, error) {
	var terms []rdf.Term
	var vars []*algebra.Variable

	for {
		p.skipWhitespace()
		if p.pos >= p.length {
			break
		}
		c := p.input[p.pos]
		if c == '?' {
			v, err := p.parseVariable()
			if err != nil {
				return nil, err
			}
			vars = append(vars, v)
		} else if c == '<' || p.isPrefixedNameStart() {
			iri, err := p.parseIRI()
			if err != nil {
				return nil, err
			}
			terms = append(terms, iri)
		} else if c == '*' {
			p.pos++
			// DESCRIBE * describes every variable bound by WHERE.
		} else {
			break
		}
	}
	if len(terms) == 0 && len(vars) == 0 {
		// Only valid with DESCRIBE *; the WHERE clause decides.
	}

	var root algebra.Operator
	p.skipWhitespace()
	if p.matchKeyword("WHERE") || (p.pos < p.length && p.input[p.pos] == '{') {
		var err error
		root, err = p.parseGroupGraphPattern()
		if err != nil {
			return nil, err
		}
	}

	if root == nil && len(terms) == 0 {
		return nil, p.errorf("DESCRIBE requires resources or a WHERE clause")
	}

	return &algebra.Query{
		Form:          algebra.FormDescribe,
		Root:          root,
		DescribeTerms: terms,
		DescribeVars:  vars,
	}, nil
}

// parseGroupGraphPattern parses '{ ... }' and assembles the operator tree.
func (p *Parser) parseGroupGraphPattern() (algebra.Operator, error) {
	p.skipWhitespace()
	if err := p.expect('{'); err != nil {
		return nil, err
	}

	var current algebra.Operator
	var bgp *algebra.BGP
	var filters []algebra.Expression

	flushBGP := func() {
		if bgp != nil {
			current = joinOps(current, bgp)
			bgp = nil
		}
	}
	ensureBGP := func() *algebra.BGP {
		if bgp == nil {
			bgp = &algebra.BGP{}
		}
		return bgp
	}

	for {
		p.skipWhitespace()
		if p.pos >= p.length {
			return nil, p.errorf("unterminated group graph pattern")
		}
		if p.input[p.pos] == '}' {
			p.pos++
			break
		}

		switch {
		case p.matchKeyword("OPTIONAL"):
			flushBGP()
			inner, err := p.parseGroupGraphPattern()
			if err != nil {
				return nil, err
			}
			left := current
			if left == nil {
				left = &algebra.BGP{}
			}
			// A filter at the top of the optional group attaches to the
			// left join itself (SPARQL algebra translation).
			if f, ok := inner.(*algebra.Filter); ok {
				current = &algebra.LeftJoin{Left: left, Right: f.Child, Filter: f.Expr}
			} else {
				current = &algebra.LeftJoin{Left: left, Right: inner}
			}

		case p.matchKeyword("MINUS"):
			flushBGP()
			inner, err := p.parseGroupGraphPattern()
			if err != nil {
				return nil, err
			}
			left := current
			if left == nil {
				left = &algebra.BGP{}
			}
			current = &algebra.Minus{Left: left, Right: inner}

		case p.matchKeyword("FILTER"):
			expr, err := p.parseFilterConstraint()
			if err != nil {
				return nil, err
			}
			filters = append(filters, expr)

		case p.matchKeyword("BIND"):
			flushBGP()
			p.skipWhitespace()
			if err := p.expect('('); err != nil {
				return nil, err
			}
			expr, err := p.parseExpression()
			if err != nil {
				return nil, err
			}
			p.skipWhitespace()
			if !p.matchKeyword("AS") {
				return nil, p.errorf("expected AS in BIND")
			}
			p.skipWhitespace()
			v, err := p.parseVariable()
			if err != nil {
				return nil, err
			}
			if err := p.expect(')'); err != nil {
				return nil, err
			}
			child := current
			if child == nil {
				child = &algebra.BGP{}
			}
			current = &algebra.Extend{Var: v, Expr: expr, Child: child}

		case p.matchKeyword("VALUES"):
			flushBGP()
			values, err := p.parseValuesClause()
			if err != nil {
				return nil, err
			}
			current = joinOps(current, values)

		case p.matchKeyword("GRAPH"):
			flushBGP()
			graph, err := p.parseVarOrIRI()
			if err != nil {
				return nil, err
			}
			inner, err := p.parseGroupGraphPattern()
			if err != nil {
				return nil, err
			}
			scoped, err := scopeToGraph(inner, graph)
			if err != nil {
				return nil, p.errorf("%v", err)
			}
			current = joinOps(current, scoped)

		case p.input[p.pos] == '{':
			flushBGP()
			inner, err := p.parseGroupGraphPattern()
			if err != nil {
				return nil, err
			}
			// UNION chains bind tighter than the surrounding join.
			for {
				p.skipWhitespace()
				if !p.matchKeyword("UNION") {
					break
				}
				right, err := p.parseGroupGraphPattern()
				if err != nil {
					return nil, err
				}
				inner = &algebra.Union{Left: inner, Right: right}
			}
			current = joinOps(current, inner)

		default:
			if err := p.parseTriplesBlock(ensureBGP()); err != nil {
				return nil, err
			}
		}

		p.skipWhitespace()
		if p.pos < p.length && p.input[p.pos] == '.' {
			p.pos++
		}
	}

	flushBGP()
	if current == nil {
		current = &algebra.BGP{}
	}
	for _, f := range filters {
		current = &algebra.Filter{Expr: f, Child: current}
	}
	return current, nil
}

func (p *Parser) parseFilterConstraint() (algebra.Expression, error) {
	p.skipWhitespace()
	// FILTER EXISTS / NOT EXISTS without parentheses.
	if p.matchKeyword("EXISTS") {
		inner, err := p.parseGroupGraphPattern()
		if err != nil {
			return nil, err
		}
		return &algebra.ExistsExpr{Pattern: inner}, nil
	}
	if p.matchKeyword("NOT") {
		p.skipWhitespace()
		if !p.matchKeyword("EXISTS") {
			return nil, p.errorf("expected EXISTS after NOT in FILTER")
		}
		inner, err := p.parseGroupGraphPattern()
		if err != nil {
			return nil, err
		}
		return &algebra.ExistsExpr{Pattern: inner, Negated: true}, nil
	}
	if p.pos < p.length && p.input[p.pos] == '(' {
		p.pos++
		expr, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		if err := p.expect(')'); err != nil {
			return nil, err
		}
		return expr, nil
	}
	// Bare built-in call form: FILTER regex(...).
	return p.parsePrimaryExpression()
}

func (p *Parser) parseValuesClause() (*algebra.Values, error) {
	p.skipWhitespace()
	values := &algebra.Values{}

	if p.pos < p.length && (p.input[p.pos] == '?') {
		// Single-variable form: VALUES ?x { v1 v2 }
		v, err := p.parseVariable()
		if err != nil {
			return nil, err
		}
		values.Vars = []*algebra.Variable{v}
		p.skipWhitespace()
		if err := p.expect('{'); err != nil {
			return nil, err
		}
		for {
			p.skipWhitespace()
			if p.pos >= p.length {
				return nil, p.errorf("unterminated VALUES block")
			}
			if p.input[p.pos] == '}' {
				p.pos++
				break
			}
			term, unbound, err := p.parseDataBlockValue()
			if err != nil {
				return nil, err
			}
			if unbound {
				values.Rows = append(values.Rows, []rdf.Term{nil})
			} else {
				values.Rows = append(values.Rows, []rdf.Term{term})
			}
		}
		return values, nil
	}

	if err := p.expect('('); err != nil {
		return nil, err
	}
	for {
		p.skipWhitespace()
		if p.pos < p.length && p.input[p.pos] == ')' {
			p.pos++
			break
		}
		v, err := p.parseVariable()
		if err != nil {
			return nil, err
		}
		values.Vars = append(values.Vars, v)
	}

	p.skipWhitespace()
	if err := p.expect('{'); err != nil {
		return nil, err
	}
	for {
		p.skipWhitespace()
		if p.pos >= p.length {
			return nil, p.errorf("unterminated VALUES block")
		}
		if p.input[p.pos] == '}' {
			p.pos++
			break
		}
		if err := p.expect('('); err != nil {
			return nil, err
		}
		row := make([]rdf.Term, 0, len(values.Vars))
		for {
			p.skipWhitespace()
			if p.pos < p.length && p.input[p.pos] == ')' {
				p.pos++
				break
			}
			term, unbound, err := p.parseDataBlockValue()
			if err != nil {
				return nil, err
			}
			if unbound {
				row = append(row, nil)
			} else {
				row = append(row, term)
			}
		}
		if len(row) != len(values.Vars) {
			return nil, p.errorf("VALUES row has %d values for %d variables", len(row), len(values.Vars))
		}
		values.Rows = append(values.Rows, row)
	}
	return values, nil
}

func (p *Parser) parseDataBlockValue() (rdf.Term, bool, error) {
	p.skipWhitespace()
	if p.matchKeyword("UNDEF") {
		return nil, true, nil
	}
	term, err := p.parseGroundTerm()
	if err != nil {
		return nil, false, err
	}
	return term, false, nil
}

// joinOps combines two operator subtrees with Join, eliding nil/empty sides.
func joinOps(left, right algebra.Operator) algebra.Operator {
	if left == nil {
		return right
	}
	if right == nil {
		return left
	}
	if b, ok := left.(*algebra.BGP); ok && len(b.Patterns) == 0 && len(b.Paths) == 0 && len(b.Quads) == 0 {
		return right
	}
	if b, ok := right.(*algebra.BGP); ok && len(b.Patterns) == 0 && len(b.Paths) == 0 && len(b.Quads) == 0 {
		return left
	}
	return &algebra.Join{Left: left, Right: right}
}

// scopeToGraph rewrites a pattern tree into graph-scoped quad patterns.
func scopeToGraph(op algebra.Operator, graph algebra.TermOrVariable) (algebra.Operator, error) {
	switch v := op.(type) {
	case *algebra.BGP:
		scoped := &algebra.BGP{}
		for _, t := range v.Patterns {
			scoped.Quads = append(scoped.Quads, &algebra.QuadPattern{Triple: t, Graph: graph})
		}
		if len(v.Paths) > 0 {
			return nil, fmt.Errorf("property paths are not supported inside GRAPH")
		}
		scoped.Quads = append(scoped.Quads, v.Quads...)
		return scoped, nil
	case *algebra.Join:
		left, err := scopeToGraph(v.Left, graph)
		if err != nil {
			return nil, err
		}
		right, err := scopeToGraph(v.Right, graph)
		if err != nil {
			return nil, err
		}
		return &algebra.Join{Left: left, Right: right}, nil
	case *algebra.Filter:
		child, err := scopeToGraph(v.Child, graph)
		if err != nil {
			return nil, err
		}
		return &algebra.Filter{Expr: v.Expr, Child: child}, nil
	default:
		return nil, fmt.Errorf("unsupported pattern inside GRAPH")
	}
}

// rewriteAggregates replaces aggregate calls inside an expression with fresh
// variables and records them as aggregate bindings.
func rewriteAggregates(expr algebra.Expression, out *[]*algebra.AggregateBinding, counter *int) algebra.Expression {
	switch v := expr.(type) {
	case *algebra.FuncCall:
		if agg, ok := aggregateFromCall(v); ok {
			*counter++
			variable := algebra.NewVariable(fmt.Sprintf("__agg%d", *counter))
			*out = append(*out, &algebra.AggregateBinding{Var: variable, Agg: agg})
			return &algebra.VariableExpr{Variable: variable}
		}
		args := make([]algebra.Expression, len(v.Args))
		for i, arg := range v.Args {
			args[i] = rewriteAggregates(arg, out, counter)
		}
		return &algebra.FuncCall{Name: v.Name, Args: args}
	case *algebra.BinaryExpr:
		return &algebra.BinaryExpr{
			Left:  rewriteAggregates(v.Left, out, counter),
			Op:    v.Op,
			Right: rewriteAggregates(v.Right, out, counter),
		}
	case *algebra.UnaryExpr:
		return &algebra.UnaryExpr{Op: v.Op, Operand: rewriteAggregates(v.Operand, out, counter)}
	default:
		return expr
	}
}

func aggregateFromCall(call *algebra.FuncCall) (*algebra.Aggregate, bool) {
	switch call.Name {
	case "COUNT":
		if len(call.Args) == 0 {
			return &algebra.Aggregate{Func: algebra.AggCountAll}, true
		}
		return &algebra.Aggregate{Func: algebra.AggCount, Expr: call.Args[0], Distinct: callDistinct(call)}, true
	case "SUM":
		return &algebra.Aggregate{Func: algebra.AggSum, Expr: firstArg(call), Distinct: callDistinct(call)}, true
	case "AVG":
		return &algebra.Aggregate{Func: algebra.AggAvg, Expr: firstArg(call), Distinct: callDistinct(call)}, true
	case "MIN":
		return &algebra.Aggregate{Func: algebra.AggMin, Expr: firstArg(call)}, true
	case "MAX":
		return &algebra.Aggregate{Func: algebra.AggMax, Expr: firstArg(call)}, true
	case "SAMPLE":
		return &algebra.Aggregate{Func: algebra.AggSample, Expr: firstArg(call)}, true
	case "GROUP_CONCAT":
		agg := &algebra.Aggregate{Func: algebra.AggGroupConcat, Expr: firstArg(call), Separator: " ", Distinct: callDistinct(call)}
		// Separator is smuggled as a second constant argument by the
		// expression parser.
		if len(call.Args) >= 2 {
			if te, ok := call.Args[1].(*algebra.TermExpr); ok {
				if lit, ok := te.Term.(*rdf.Literal); ok {
					agg.Separator = lit.Value
				}
			}
		}
		return agg, true
	}
	return nil, false
}

func firstArg(call *algebra.FuncCall) algebra.Expression {
	if len(call.Args) > 0 {
		return call.Args[0]
	}
	return nil
}

func callDistinct(call *algebra.FuncCall) bool {
	return call.Distinct
}

// parseUpdateOp parses one update statement after the prologue.
func (p *Parser) parseUpdateOp() (algebra.UpdateOp, error) {
	p.skipWhitespace()
	switch {
	case p.matchKeyword("INSERT"):
		p.skipWhitespace()
		if p.matchKeyword("DATA") {
			quads, err := p.parseQuadData()
			if err != nil {
				return nil, err
			}
			return &algebra.InsertData{Quads: quads}, nil
		}
		// INSERT { template } WHERE { ... }
		p.skipWhitespace()
		if err := p.expect('{'); err != nil {
			return nil, err
		}
		template, err := p.parseTriplesTemplate()
		if err != nil {
			return nil, err
		}
		if err := p.expect('}'); err != nil {
			return nil, err
		}
		p.skipWhitespace()
		if !p.matchKeyword("WHERE") {
			return nil, p.errorf("expected WHERE after INSERT template")
		}
		where, err := p.parseGroupGraphPattern()
		if err != nil {
			return nil, err
		}
		return &algebra.Modify{InsertTemplates: template, Where: where}, nil

	case p.matchKeyword("DELETE"):
		p.skipWhitespace()
		if p.matchKeyword("DATA") {
			quads, err := p.parseQuadData()
			if err != nil {
				return nil, err
			}
			return &algebra.DeleteData{Quads: quads}, nil
		}
		if p.matchKeyword("WHERE") {
			p.skipWhitespace()
			if err := p.expect('{'); err != nil {
				return nil, err
			}
			patterns, err := p.parseTriplesTemplate()
			if err != nil {
				return nil, err
			}
			if err := p.expect('}'); err != nil {
				return nil, err
			}
			return &algebra.DeleteWhere{Patterns: patterns}, nil
		}
		// DELETE { template } [INSERT { template }] WHERE { ... }
		p.skipWhitespace()
		if err := p.expect('{'); err != nil {
			return nil, err
		}
		deleteTemplate, err := p.parseTriplesTemplate()
		if err != nil {
			return nil, err
		}
		if err := p.expect('}'); err != nil {
			return nil, err
		}
		var insertTemplate []*algebra.TriplePattern
		p.skipWhitespace()
		if p.matchKeyword("INSERT") {
			p.skipWhitespace()
			if err := p.expect('{'); err != nil {
				return nil, err
			}
			insertTemplate, err = p.parseTriplesTemplate()
			if err != nil {
				return nil, err
			}
			if err := p.expect('}'); err != nil {
				return nil, err
			}
		}
		p.skipWhitespace()
		if !p.matchKeyword("WHERE") {
			return nil, p.errorf("expected WHERE in DELETE/INSERT")
		}
		where, err := p.parseGroupGraphPattern()
		if err != nil {
			return nil, err
		}
		return &algebra.Modify{
			DeleteTemplates: deleteTemplate,
			InsertTemplates: insertTemplate,
			Where:           where,
		}, nil

	case p.matchKeyword("CLEAR"):
		p.skipWhitespace()
		silent := p.matchKeyword("SILENT")
		p.skipWhitespace()
		switch {
		case p.matchKeyword("DEFAULT"):
			return &algebra.Clear{Target: algebra.ClearDefault, Silent: silent}, nil
		case p.matchKeyword("ALL"):
			return &algebra.Clear{Target: algebra.ClearAll, Silent: silent}, nil
		case p.matchKeyword("NAMED"):
			return &algebra.Clear{Target: algebra.ClearGraph, Silent: silent}, nil
		case p.matchKeyword("GRAPH"):
			p.skipWhitespace()
			iri, err := p.parseIRI()
			if err != nil {
				return nil, err
			}
			return &algebra.Clear{Target: algebra.ClearGraph, Graph: iri, Silent: silent}, nil
		default:
			return &algebra.Clear{Target: algebra.ClearDefault, Silent: silent}, nil
		}

	case p.matchKeyword("LOAD"):
		return nil, p.errorf("LOAD is not supported")

	default:
		return nil, p.errorf("expected update operation")
	}
}

// parseQuadData parses '{ ground triples }' for INSERT/DELETE DATA.
func (p *Parser) parseQuadData() ([]*rdf.Quad, error) {
	p.skipWhitespace()
	if err := p.expect('{'); err != nil {
		return nil, err
	}
	patterns, err := p.parseTriplesTemplate()
	if err != nil {
		return nil, err
	}
	if err := p.expect('}'); err != nil {
		return nil, err
	}

	quads := make([]*rdf.Quad, 0, len(patterns))
	for _, pat := range patterns {
		if pat.Subject.IsVariable() || pat.Predicate.IsVariable() || pat.Object.IsVariable() {
			return nil, p.errorf("variables are not allowed in data blocks")
		}
		if pat.Subject.IsParam() || pat.Predicate.IsParam() || pat.Object.IsParam() {
			return nil, p.errorf("parameters are not allowed in data blocks")
		}
		quads = append(quads, rdf.NewQuad(pat.Subject.Term, pat.Predicate.Term, pat.Object.Term, rdf.NewDefaultGraph()))
	}
	return quads, nil
}

// matchKeyword consumes a case-insensitive keyword at a word boundary.
func (p *Parser) matchKeyword(keyword string) bool {
	p.skipWhitespace()
	end := p.pos + len(keyword)
	if end > p.length {
		return false
	}
	if !strings.EqualFold(p.input[p.pos:end], keyword) {
		return false
	}
	if end < p.length {
		c := rune(p.input[end])
		if unicode.IsLetter(c) || unicode.IsDigit(c) || c == '_' {
			return false
		}
	}
	p.pos = end
	return true
}

// peekKeyword reports whether a keyword is next without consuming it.
func (p *Parser) peekKeyword(keyword string) bool {
	saved := p.pos
	ok := p.matchKeyword(keyword)
	p.pos = saved
	return ok
}

func (p *Parser) expect(c byte) error {
	p.skipWhitespace()
	if p.pos >= p.length || p.input[p.pos] != c {
		return p.errorf("expected %q", string(c))
	}
	p.pos++
	return nil
}

func (p *Parser) skipWhitespace() {
	for p.pos < p.length {
		c := p.input[p.pos]
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			p.pos++
		} else if c == '#' {
			for p.pos < p.length && p.input[p.pos] != '\n' {
				p.pos++
			}
		} else {
			break
		}
	}
}

func (p *Parser) parseNonNegativeInt() (int, error) {
	p.skipWhitespace()
	start := p.pos
	for p.pos < p.length && p.input[p.pos] >= '0' && p.input[p.pos] <= '9' {
		p.pos++
	}
	if p.pos == start {
		return 0, p.errorf("expected integer")
	}
	n := 0
	for _, c := range p.input[start:p.pos] {
		n = n*10 + int(c-'0')
	}
	return n, nil
}
