package parser

import (
	"strings"

	"github.com/ternstore/tern/internal/sparql/algebra"
	"github.com/ternstore/tern/pkg/rdf"
)

// parseExpression parses a full expression with standard precedence:
// || over && over comparisons over +/- over * and /.
func (p *Parser) parseExpression() (algebra.Expression, error) {
	return p.parseOrExpression()
}

func (p *Parser) parseOrExpression() (algebra.Expression, error) {
	left, err := p.parseAndExpression()
	if err != nil {
		return nil, err
	}
	for {
		p.skipWhitespace()
		if p.pos+1 < p.length && p.input[p.pos] == '|' && p.input[p.pos+1] == '|' {
			p.pos += 2
			right, err := p.parseAndExpression()
			if err != nil {
				return nil, err
			}
			left = &algebra.BinaryExpr{Left: left, Op: algebra.OpOr, Right: right}
			continue
		}
		return left, nil
	}
}

func (p *Parser) parseAndExpression() (algebra.Expression, error) {
	left, err := p.parseRelationalExpression()
	if err != nil {
		return nil, err
	}
	for {
		p.skipWhitespace()
		if p.pos+1 < p.length && p.input[p.pos] == '&' && p.input[p.pos+1] == '&' {
			p.pos += 2
			right, err := p.parseRelationalExpression()
			if err != nil {
				return nil, err
			}
			left = &algebra.BinaryExpr{Left: left, Op: algebra.OpAnd, Right: right}
			continue
		}
		return left, nil
	}
}

func (p *Parser) parseRelationalExpression() (algebra.Expression, error) {
	left, err := p.parseAdditiveExpression()
	if err != nil {
		return nil, err
	}

	p.skipWhitespace()

	if p.matchKeyword("IN") {
		list, err := p.parseExpressionList()
		if err != nil {
			return nil, err
		}
		return &algebra.InExpr{Value: left, List: list}, nil
	}
	if p.peekKeyword("NOT") {
		saved := p.pos
		p.matchKeyword("NOT")
		if p.matchKeyword("IN") {
			list, err := p.parseExpressionList()
			if err != nil {
				return nil, err
			}
			return &algebra.InExpr{Value: left, List: list, Negated: true}, nil
		}
		p.pos = saved
	}

	var op algebra.ExprOp
	matched := true
	switch {
	case p.hasPrefix("<="):
		op = algebra.OpLessThanOrEqual
		p.pos += 2
	case p.hasPrefix(">="):
		op = algebra.OpGreaterThanOrEqual
		p.pos += 2
	case p.hasPrefix("!="):
		op = algebra.OpNotEqual
		p.pos += 2
	case p.hasPrefix("="):
		op = algebra.OpEqual
		p.pos++
	case p.hasPrefix("<") && !p.looksLikeIRI():
		op = algebra.OpLessThan
		p.pos++
	case p.hasPrefix(">"):
		op = algebra.OpGreaterThan
		p.pos++
	default:
		matched = false
	}
	if !matched {
		return left, nil
	}

	right, err := p.parseAdditiveExpression()
	if err != nil {
		return nil, err
	}
	return &algebra.BinaryExpr{Left: left, Op: op, Right: right}, nil
}

func (p *Parser) hasPrefix(s string) bool {
	return strings.HasPrefix(p.input[p.pos:], s)
}

// looksLikeIRI distinguishes '<' as comparison from '<iri>'.
func (p *Parser) looksLikeIRI() bool {
	for i := p.pos + 1; i < p.length; i++ {
		c := p.input[i]
		if c == '>' {
			return true
		}
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			return false
		}
	}
	return false
}

func (p *Parser) parseExpressionList() ([]algebra.Expression, error) {
	p.skipWhitespace()
	if err := p.expect('('); err != nil {
		return nil, err
	}
	var list []algebra.Expression
	for {
		p.skipWhitespace()
		if p.pos < p.length && p.input[p.pos] == ')' {
			p.pos++
			return list, nil
		}
		if len(list) > 0 {
			if err := p.expect(','); err != nil {
				return nil, err
			}
		}
		expr, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		list = append(list, expr)
	}
}

func (p *Parser) parseAdditiveExpression() (algebra.Expression, error) {
	left, err := p.parseMultiplicativeExpression()
	if err != nil {
		return nil, err
	}
	for {
		p.skipWhitespace()
		if p.pos >= p.length {
			return left, nil
		}
		switch p.input[p.pos] {
		case '+':
			p.pos++
			right, err := p.parseMultiplicativeExpression()
			if err != nil {
				return nil, err
			}
			left = &algebra.BinaryExpr{Left: left, Op: algebra.OpAdd, Right: right}
		case '-':
			p.pos++
			right, err := p.parseMultiplicativeExpression()
			if err != nil {
				return nil, err
			}
			left = &algebra.BinaryExpr{Left: left, Op: algebra.OpSubtract, Right: right}
		default:
			return left, nil
		}
	}
}

func (p *Parser) parseMultiplicativeExpression() (algebra.Expression, error) {
	left, err := p.parseUnaryExpression()
	if err != nil {
		return nil, err
	}
	for {
		p.skipWhitespace()
		if p.pos >= p.length {
			return left, nil
		}
		switch p.input[p.pos] {
		case '*':
			p.pos++
			right, err := p.parseUnaryExpression()
			if err != nil {
				return nil, err
			}
			left = &algebra.BinaryExpr{Left: left, Op: algebra.OpMultiply, Right: right}
		case '/':
			p.pos++
			right, err := p.parseUnaryExpression()
			if err != nil {
				return nil, err
			}
			left = &algebra.BinaryExpr{Left: left, Op: algebra.OpDivide, Right: right}
		default:
			return left, nil
		}
	}
}

func (p *Parser) parseUnaryExpression() (algebra.Expression, error) {
	p.skipWhitespace()
	if p.pos >= p.length {
		return nil, p.errorf("unexpected end of expression")
	}

	switch p.input[p.pos] {
	case '!':
		if p.pos+1 < p.length && p.input[p.pos+1] == '=' {
			break
		}
		p.pos++
		operand, err := p.parseUnaryExpression()
		if err != nil {
			return nil, err
		}
		return &algebra.UnaryExpr{Op: algebra.OpNot, Operand: operand}, nil
	case '-':
		p.pos++
		operand, err := p.parseUnaryExpression()
		if err != nil {
			return nil, err
		}
		return &algebra.UnaryExpr{Op: algebra.OpNegate, Operand: operand}, nil
	case '+':
		p.pos++
		operand, err := p.parseUnaryExpression()
		if err != nil {
			return nil, err
		}
		return &algebra.UnaryExpr{Op: algebra.OpPlus, Operand: operand}, nil
	}

	return p.parsePrimaryExpression()
}

func (p *Parser) parsePrimaryExpression() (algebra.Expression, error) {
	p.skipWhitespace()
	if p.pos >= p.length {
		return nil, p.errorf("unexpected end of expression")
	}

	c := p.input[p.pos]
	switch {
	case c == '(':
		p.pos++
		expr, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		if err := p.expect(')'); err != nil {
			return nil, err
		}
		return expr, nil

	case c == '?':
		v, err := p.parseVariable()
		if err != nil {
			return nil, err
		}
		return &algebra.VariableExpr{Variable: v}, nil

	case c == '$':
		name, err := p.parseParam()
		if err != nil {
			return nil, err
		}
		return &algebra.ParamExpr{Name: name}, nil

	case c == '"' || c == '\'':
		term, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		return &algebra.TermExpr{Term: term}, nil

	case c == '+' || c == '-' || c >= '0' && c <= '9':
		term, err := p.parseNumericLiteral()
		if err != nil {
			return nil, err
		}
		return &algebra.TermExpr{Term: term}, nil

	case c == '<':
		iri, err := p.parseIRIRef()
		if err != nil {
			return nil, err
		}
		return p.maybeFunctionCall(rdf.NewNamedNode(iri))

	default:
		return p.parseIdentifierExpression()
	}
}

// parseIdentifierExpression handles keywords (EXISTS, true/false), built-in
// calls, and prefixed names (possibly cast calls).
func (p *Parser) parseIdentifierExpression() (algebra.Expression, error) {
	if p.matchKeyword("EXISTS") {
		inner, err := p.parseGroupGraphPattern()
		if err != nil {
			return nil, err
		}
		return &algebra.ExistsExpr{Pattern: inner}, nil
	}
	if p.peekKeyword("NOT") {
		saved := p.pos
		p.matchKeyword("NOT")
		if p.matchKeyword("EXISTS") {
			inner, err := p.parseGroupGraphPattern()
			if err != nil {
				return nil, err
			}
			return &algebra.ExistsExpr{Pattern: inner, Negated: true}, nil
		}
		p.pos = saved
	}
	if p.matchKeyword("true") {
		return &algebra.TermExpr{Term: rdf.NewBooleanLiteral(true)}, nil
	}
	if p.matchKeyword("false") {
		return &algebra.TermExpr{Term: rdf.NewBooleanLiteral(false)}, nil
	}

	if p.isPrefixedNameStart() {
		iri, err := p.parsePrefixedName()
		if err != nil {
			return nil, err
		}
		return p.maybeFunctionCall(iri)
	}

	// Built-in function name.
	start := p.pos
	for p.pos < p.length && isNameChar(p.input[p.pos]) {
		p.pos++
	}
	if p.pos == start {
		return nil, p.errorf("expected expression, found %q", p.remaining(10))
	}
	name := strings.ToUpper(p.input[start:p.pos])

	p.skipWhitespace()
	if p.pos >= p.length || p.input[p.pos] != '(' {
		return nil, p.errorf("expected '(' after %s", name)
	}
	p.pos++

	return p.parseCallArguments(name)
}

// parseCallArguments parses '(...)' contents for a named call, handling the
// aggregate forms COUNT(*), DISTINCT markers, and GROUP_CONCAT separators.
func (p *Parser) parseCallArguments(name string) (algebra.Expression, error) {
	call := &algebra.FuncCall{Name: name}

	p.skipWhitespace()
	if isAggregateName(name) && p.matchKeyword("DISTINCT") {
		call.Distinct = true
		p.skipWhitespace()
	}

	if name == "COUNT" && p.pos < p.length && p.input[p.pos] == '*' {
		p.pos++
		if err := p.expect(')'); err != nil {
			return nil, err
		}
		return call, nil
	}

	for {
		p.skipWhitespace()
		if p.pos >= p.length {
			return nil, p.errorf("unterminated argument list")
		}
		if p.input[p.pos] == ')' {
			p.pos++
			break
		}
		if len(call.Args) > 0 {
			if p.input[p.pos] == ',' {
				p.pos++
			} else if p.input[p.pos] == ';' && name == "GROUP_CONCAT" {
				p.pos++
				p.skipWhitespace()
				if !p.matchKeyword("SEPARATOR") {
					return nil, p.errorf("expected SEPARATOR in GROUP_CONCAT")
				}
				if err := p.expect('='); err != nil {
					return nil, err
				}
				p.skipWhitespace()
				sep, err := p.parseLiteral()
				if err != nil {
					return nil, err
				}
				call.Args = append(call.Args, &algebra.TermExpr{Term: sep})
				continue
			} else {
				return nil, p.errorf("expected ',' or ')' in argument list")
			}
		}
		arg, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		call.Args = append(call.Args, arg)
	}

	return call, nil
}

// maybeFunctionCall turns an IRI into a cast/function call when followed by
// '(' and into a constant term otherwise.
func (p *Parser) maybeFunctionCall(iri *rdf.NamedNode) (algebra.Expression, error) {
	p.skipWhitespace()
	if p.pos < p.length && p.input[p.pos] == '(' {
		p.pos++
		return p.parseCallArguments(iri.IRI)
	}
	return &algebra.TermExpr{Term: iri}, nil
}

func isAggregateName(name string) bool {
	switch name {
	case "COUNT", "SUM", "AVG", "MIN", "MAX", "SAMPLE", "GROUP_CONCAT":
		return true
	}
	return false
}
