package parser

import (
	"fmt"
	"strings"

	"github.com/ternstore/tern/internal/sparql/algebra"
	"github.com/ternstore/tern/pkg/rdf"
)

// parseVariable parses '?name'.
func (p *Parser) parseVariable() (*algebra.Variable, error) {
	p.skipWhitespace()
	if p.pos >= p.length || p.input[p.pos] != '?' {
		return nil, p.errorf("expected variable")
	}
	p.pos++
	start := p.pos
	for p.pos < p.length && isNameChar(p.input[p.pos]) {
		p.pos++
	}
	if p.pos == start {
		return nil, p.errorf("empty variable name")
	}
	return algebra.NewVariable(p.input[start:p.pos]), nil
}

// parseParam parses a '$name' prepared-query parameter.
func (p *Parser) parseParam() (string, error) {
	if p.pos >= p.length || p.input[p.pos] != '$' {
		return "", p.errorf("expected parameter")
	}
	p.pos++
	start := p.pos
	for p.pos < p.length && isNameChar(p.input[p.pos]) {
		p.pos++
	}
	if p.pos == start {
		return "", p.errorf("empty parameter name")
	}
	name := p.input[start:p.pos]
	if !p.paramsSeen[name] {
		p.paramsSeen[name] = true
		p.params = append(p.params, name)
	}
	return name, nil
}

func isNameChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_'
}

// parseIRIRef parses '<...>' and resolves against BASE.
func (p *Parser) parseIRIRef() (string, error) {
	if p.pos >= p.length || p.input[p.pos] != '<' {
		return "", p.errorf("expected IRI")
	}
	p.pos++
	start := p.pos
	for p.pos < p.length && p.input[p.pos] != '>' {
		p.pos++
	}
	if p.pos >= p.length {
		return "", p.errorf("unterminated IRI")
	}
	iri := p.input[start:p.pos]
	p.pos++
	if p.baseURI != "" && !strings.Contains(iri, "://") && !strings.HasPrefix(iri, "urn:") {
		iri = p.baseURI + iri
	}
	return iri, nil
}

// isPrefixedNameStart reports whether the next token can start a prefixed
// name (pfx:local or :local).
func (p *Parser) isPrefixedNameStart() bool {
	i := p.pos
	for i < p.length && isNameChar(p.input[i]) {
		i++
	}
	return i < p.length && p.input[i] == ':'
}

// parsePrefixedName parses 'pfx:local' using declared prefixes.
func (p *Parser) parsePrefixedName() (*rdf.NamedNode, error) {
	start := p.pos
	for p.pos < p.length && isNameChar(p.input[p.pos]) {
		p.pos++
	}
	if p.pos >= p.length || p.input[p.pos] != ':' {
		p.pos = start
		return nil, p.errorf("expected prefixed name")
	}
	prefix := p.input[start:p.pos]
	p.pos++

	localStart := p.pos
	for p.pos < p.length {
		c := p.input[p.pos]
		if isNameChar(c) || c == '-' || c == '.' {
			p.pos++
			continue
		}
		break
	}
	// A trailing '.' terminates the triple, not the name.
	for p.pos > localStart && p.input[p.pos-1] == '.' {
		p.pos--
	}
	local := p.input[localStart:p.pos]

	base, ok := p.prefixes[prefix]
	if !ok {
		return nil, p.errorf("undeclared prefix %q", prefix)
	}
	return rdf.NewNamedNode(base + local), nil
}

// parseIRI parses an IRIREF or prefixed name.
func (p *Parser) parseIRI() (*rdf.NamedNode, error) {
	p.skipWhitespace()
	if p.pos < p.length && p.input[p.pos] == '<' {
		iri, err := p.parseIRIRef()
		if err != nil {
			return nil, err
		}
		return rdf.NewNamedNode(iri), nil
	}
	return p.parsePrefixedName()
}

var rdfType = rdf.NewNamedNode("http://www.w3.org/1999/02/22-rdf-syntax-ns#type")

// parseVarOrIRI parses a variable or IRI (GRAPH clause target).
func (p *Parser) parseVarOrIRI() (algebra.TermOrVariable, error) {
	p.skipWhitespace()
	if p.pos < p.length && p.input[p.pos] == '?' {
		v, err := p.parseVariable()
		if err != nil {
			return algebra.TermOrVariable{}, err
		}
		return algebra.TermOrVariable{Variable: v}, nil
	}
	iri, err := p.parseIRI()
	if err != nil {
		return algebra.TermOrVariable{}, err
	}
	return algebra.TermOrVariable{Term: iri}, nil
}

// parseVarOrTerm parses one triple-pattern position.
func (p *Parser) parseVarOrTerm() (algebra.TermOrVariable, error) {
	p.skipWhitespace()
	if p.pos >= p.length {
		return algebra.TermOrVariable{}, p.errorf("unexpected end of input")
	}

	switch c := p.input[p.pos]; {
	case c == '?':
		v, err := p.parseVariable()
		if err != nil {
			return algebra.TermOrVariable{}, err
		}
		return algebra.TermOrVariable{Variable: v}, nil
	case c == '$':
		name, err := p.parseParam()
		if err != nil {
			return algebra.TermOrVariable{}, err
		}
		return algebra.TermOrVariable{Param: name}, nil
	case c == '[':
		p.pos++
		p.skipWhitespace()
		if p.pos < p.length && p.input[p.pos] == ']' {
			p.pos++
			p.blankCounter++
			return algebra.TermOrVariable{Term: rdf.NewBlankNode(fmt.Sprintf("b%d", p.blankCounter))}, nil
		}
		return algebra.TermOrVariable{}, p.errorf("blank node property lists are not supported")
	default:
		term, err := p.parseGroundTerm()
		if err != nil {
			return algebra.TermOrVariable{}, err
		}
		return algebra.TermOrVariable{Term: term}, nil
	}
}

// parseGroundTerm parses an IRI, blank node, or literal.
func (p *Parser) parseGroundTerm() (rdf.Term, error) {
	p.skipWhitespace()
	if p.pos >= p.length {
		return nil, p.errorf("unexpected end of input")
	}

	c := p.input[p.pos]
	switch {
	case c == '<':
		iri, err := p.parseIRIRef()
		if err != nil {
			return nil, err
		}
		return rdf.NewNamedNode(iri), nil
	case c == '_' && p.pos+1 < p.length && p.input[p.pos+1] == ':':
		p.pos += 2
		start := p.pos
		for p.pos < p.length && isNameChar(p.input[p.pos]) {
			p.pos++
		}
		if p.pos == start {
			return nil, p.errorf("empty blank node label")
		}
		return rdf.NewBlankNode(p.input[start:p.pos]), nil
	case c == '"' || c == '\'':
		return p.parseLiteral()
	case c == '+' || c == '-' || c >= '0' && c <= '9':
		return p.parseNumericLiteral()
	case p.matchKeyword("true"):
		return rdf.NewBooleanLiteral(true), nil
	case p.matchKeyword("false"):
		return rdf.NewBooleanLiteral(false), nil
	default:
		if p.isPrefixedNameStart() {
			return p.parsePrefixedName()
		}
		return nil, p.errorf("expected RDF term, found %q", p.remaining(10))
	}
}

// parseLiteral parses a quoted string with optional @lang or ^^datatype.
func (p *Parser) parseLiteral() (rdf.Term, error) {
	quote := p.input[p.pos]
	p.pos++

	var sb strings.Builder
	for p.pos < p.length {
		c := p.input[p.pos]
		if c == quote {
			p.pos++
			break
		}
		if c == '\\' && p.pos+1 < p.length {
			p.pos++
			switch p.input[p.pos] {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case 'r':
				sb.WriteByte('\r')
			case '\\':
				sb.WriteByte('\\')
			case '"':
				sb.WriteByte('"')
			case '\'':
				sb.WriteByte('\'')
			default:
				sb.WriteByte(p.input[p.pos])
			}
			p.pos++
			continue
		}
		sb.WriteByte(c)
		p.pos++
	}

	value := sb.String()

	if p.pos < p.length && p.input[p.pos] == '@' {
		p.pos++
		start := p.pos
		for p.pos < p.length && (isNameChar(p.input[p.pos]) || p.input[p.pos] == '-') {
			p.pos++
		}
		return rdf.NewLiteralWithLanguage(value, p.input[start:p.pos]), nil
	}

	if p.pos+1 < p.length && p.input[p.pos] == '^' && p.input[p.pos+1] == '^' {
		p.pos += 2
		datatype, err := p.parseIRI()
		if err != nil {
			return nil, err
		}
		return rdf.NewLiteralWithDatatype(value, datatype), nil
	}

	return rdf.NewLiteral(value), nil
}

// parseNumericLiteral parses integer, decimal, and double forms.
func (p *Parser) parseNumericLiteral() (rdf.Term, error) {
	start := p.pos
	if p.input[p.pos] == '+' || p.input[p.pos] == '-' {
		p.pos++
	}
	digits := false
	for p.pos < p.length && p.input[p.pos] >= '0' && p.input[p.pos] <= '9' {
		p.pos++
		digits = true
	}
	decimal := false
	if p.pos < p.length && p.input[p.pos] == '.' && p.pos+1 < p.length &&
		p.input[p.pos+1] >= '0' && p.input[p.pos+1] <= '9' {
		decimal = true
		p.pos++
		for p.pos < p.length && p.input[p.pos] >= '0' && p.input[p.pos] <= '9' {
			p.pos++
		}
	}
	double := false
	if p.pos < p.length && (p.input[p.pos] == 'e' || p.input[p.pos] == 'E') {
		double = true
		p.pos++
		if p.pos < p.length && (p.input[p.pos] == '+' || p.input[p.pos] == '-') {
			p.pos++
		}
		for p.pos < p.length && p.input[p.pos] >= '0' && p.input[p.pos] <= '9' {
			p.pos++
		}
	}
	if !digits {
		p.pos = start
		return nil, p.errorf("expected number")
	}

	text := p.input[start:p.pos]
	switch {
	case double:
		return rdf.NewLiteralWithDatatype(text, rdf.XSDDouble), nil
	case decimal:
		return rdf.NewLiteralWithDatatype(text, rdf.XSDDecimal), nil
	default:
		return rdf.NewLiteralWithDatatype(text, rdf.XSDInteger), nil
	}
}

// parseTriplesBlock parses one subject's predicate-object list into a BGP,
// producing triple patterns for simple predicates and path patterns
// otherwise.
func (p *Parser) parseTriplesBlock(bgp *algebra.BGP) error {
	subject, err := p.parseVarOrTerm()
	if err != nil {
		return err
	}

	for {
		p.skipWhitespace()

		verbVar, path, err := p.parseVerb()
		if err != nil {
			return err
		}

		for {
			object, err := p.parseVarOrTerm()
			if err != nil {
				return err
			}

			if path != nil {
				if link, ok := path.(*algebra.PathLink); ok {
					bgp.Patterns = append(bgp.Patterns, &algebra.TriplePattern{
						Subject:   subject,
						Predicate: algebra.TermOrVariable{Term: link.Pred},
						Object:    object,
					})
				} else {
					bgp.Paths = append(bgp.Paths, &algebra.PathPattern{
						Subject: subject,
						Path:    path,
						Object:  object,
					})
				}
			} else {
				bgp.Patterns = append(bgp.Patterns, &algebra.TriplePattern{
					Subject:   subject,
					Predicate: verbVar,
					Object:    object,
				})
			}

			p.skipWhitespace()
			if p.pos < p.length && p.input[p.pos] == ',' {
				p.pos++
				continue
			}
			break
		}

		p.skipWhitespace()
		if p.pos < p.length && p.input[p.pos] == ';' {
			p.pos++
			p.skipWhitespace()
			// Trailing ';' before '.' or '}' ends the list.
			if p.pos < p.length && (p.input[p.pos] == '.' || p.input[p.pos] == '}') {
				break
			}
			continue
		}
		break
	}
	return nil
}

// parseVerb parses a predicate position: a variable, a parameter, or a
// property path (a bare IRI yields a PathLink).
func (p *Parser) parseVerb() (algebra.TermOrVariable, algebra.PathExpr, error) {
	p.skipWhitespace()
	if p.pos >= p.length {
		return algebra.TermOrVariable{}, nil, p.errorf("expected predicate")
	}

	switch p.input[p.pos] {
	case '?':
		v, err := p.parseVariable()
		if err != nil {
			return algebra.TermOrVariable{}, nil, err
		}
		return algebra.TermOrVariable{Variable: v}, nil, nil
	case '$':
		name, err := p.parseParam()
		if err != nil {
			return algebra.TermOrVariable{}, nil, err
		}
		return algebra.TermOrVariable{Param: name}, nil, nil
	}

	path, err := p.parsePath()
	if err != nil {
		return algebra.TermOrVariable{}, nil, err
	}
	return algebra.TermOrVariable{}, path, nil
}

// parsePath parses a property path: alternatives over sequences over
// postfix-modified elements.
func (p *Parser) parsePath() (algebra.PathExpr, error) {
	left, err := p.parsePathSequence()
	if err != nil {
		return nil, err
	}
	for {
		p.skipWhitespace()
		if p.pos < p.length && p.input[p.pos] == '|' {
			p.pos++
			right, err := p.parsePathSequence()
			if err != nil {
				return nil, err
			}
			left = &algebra.PathAlternative{Left: left, Right: right}
			continue
		}
		return left, nil
	}
}

func (p *Parser) parsePathSequence() (algebra.PathExpr, error) {
	left, err := p.parsePathElt()
	if err != nil {
		return nil, err
	}
	for {
		p.skipWhitespace()
		if p.pos < p.length && p.input[p.pos] == '/' {
			p.pos++
			right, err := p.parsePathElt()
			if err != nil {
				return nil, err
			}
			left = &algebra.PathSequence{Left: left, Right: right}
			continue
		}
		return left, nil
	}
}

func (p *Parser) parsePathElt() (algebra.PathExpr, error) {
	p.skipWhitespace()
	reverse := false
	if p.pos < p.length && p.input[p.pos] == '^' {
		reverse = true
		p.pos++
	}

	path, err := p.parsePathPrimary()
	if err != nil {
		return nil, err
	}

	p.skipWhitespace()
	if p.pos < p.length {
		switch p.input[p.pos] {
		case '*':
			p.pos++
			path = &algebra.PathZeroOrMore{Inner: path}
		case '+':
			p.pos++
			path = &algebra.PathOneOrMore{Inner: path}
		case '?':
			// '?name' is a variable in the object position, not a modifier.
			if p.pos+1 >= p.length || !isNameChar(p.input[p.pos+1]) {
				p.pos++
				path = &algebra.PathZeroOrOne{Inner: path}
			}
		}
	}

	if reverse {
		path = &algebra.PathReverse{Inner: path}
	}
	return path, nil
}

func (p *Parser) parsePathPrimary() (algebra.PathExpr, error) {
	p.skipWhitespace()
	if p.pos >= p.length {
		return nil, p.errorf("expected path")
	}

	switch p.input[p.pos] {
	case '(':
		p.pos++
		path, err := p.parsePath()
		if err != nil {
			return nil, err
		}
		if err := p.expect(')'); err != nil {
			return nil, err
		}
		return path, nil
	case '!':
		p.pos++
		return p.parseNegatedPropertySet()
	case 'a':
		if p.pos+1 >= p.length || !isNameChar(p.input[p.pos+1]) {
			p.pos++
			return &algebra.PathLink{Pred: rdfType}, nil
		}
	}

	iri, err := p.parseIRI()
	if err != nil {
		return nil, err
	}
	return &algebra.PathLink{Pred: iri}, nil
}

func (p *Parser) parseNegatedPropertySet() (algebra.PathExpr, error) {
	p.skipWhitespace()
	if p.pos < p.length && p.input[p.pos] == '(' {
		p.pos++
		var preds []*rdf.NamedNode
		for {
			p.skipWhitespace()
			if p.pos < p.length && p.input[p.pos] == ')' {
				p.pos++
				break
			}
			if len(preds) > 0 {
				if err := p.expect('|'); err != nil {
					return nil, err
				}
				p.skipWhitespace()
			}
			if p.pos < p.length && p.input[p.pos] == '^' {
				return nil, p.errorf("reversed members in negated property sets are not supported")
			}
			iri, err := p.parseIRI()
			if err != nil {
				return nil, err
			}
			preds = append(preds, iri)
		}
		return &algebra.PathNegatedSet{Preds: preds}, nil
	}

	iri, err := p.parseIRI()
	if err != nil {
		return nil, err
	}
	return &algebra.PathNegatedSet{Preds: []*rdf.NamedNode{iri}}, nil
}

// parseTriplesTemplate parses triples (no paths) until '}', as used by
// CONSTRUCT templates and update data/templates.
func (p *Parser) parseTriplesTemplate() ([]*algebra.TriplePattern, error) {
	var out []*algebra.TriplePattern

	for {
		p.skipWhitespace()
		if p.pos >= p.length {
			return nil, p.errorf("unterminated template")
		}
		if p.input[p.pos] == '}' {
			return out, nil
		}

		subject, err := p.parseVarOrTerm()
		if err != nil {
			return nil, err
		}

		for {
			p.skipWhitespace()
			var predicate algebra.TermOrVariable
			switch {
			case p.pos < p.length && p.input[p.pos] == '?':
				v, err := p.parseVariable()
				if err != nil {
					return nil, err
				}
				predicate = algebra.TermOrVariable{Variable: v}
			case p.pos < p.length && p.input[p.pos] == '$':
				name, err := p.parseParam()
				if err != nil {
					return nil, err
				}
				predicate = algebra.TermOrVariable{Param: name}
			case p.pos < p.length && p.input[p.pos] == 'a' &&
				(p.pos+1 >= p.length || !isNameChar(p.input[p.pos+1])):
				p.pos++
				predicate = algebra.TermOrVariable{Term: rdfType}
			default:
				iri, err := p.parseIRI()
				if err != nil {
					return nil, err
				}
				predicate = algebra.TermOrVariable{Term: iri}
			}

			for {
				object, err := p.parseVarOrTerm()
				if err != nil {
					return nil, err
				}
				out = append(out, &algebra.TriplePattern{
					Subject:   subject,
					Predicate: predicate,
					Object:    object,
				})
				p.skipWhitespace()
				if p.pos < p.length && p.input[p.pos] == ',' {
					p.pos++
					continue
				}
				break
			}

			p.skipWhitespace()
			if p.pos < p.length && p.input[p.pos] == ';' {
				p.pos++
				p.skipWhitespace()
				if p.pos < p.length && (p.input[p.pos] == '.' || p.input[p.pos] == '}') {
					break
				}
				continue
			}
			break
		}

		p.skipWhitespace()
		if p.pos < p.length && p.input[p.pos] == '.' {
			p.pos++
		}
	}
}
