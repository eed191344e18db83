// Package ntriples reads the line-oriented N-Triples format, used by the
// CLI bulk loader.
package ntriples

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/ternstore/tern/pkg/rdf"
)

// Parser reads N-Triples from a stream, one triple per line.
type Parser struct {
	scanner *bufio.Scanner
	line    int
}

// NewParser creates a parser over a reader.
func NewParser(r io.Reader) *Parser {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &Parser{scanner: scanner}
}

// Next returns the next triple, or io.EOF at end of input.
func (p *Parser) Next() (*rdf.Triple, error) {
	for p.scanner.Scan() {
		p.line++
		line := strings.TrimSpace(p.scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		triple, err := p.parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", p.line, err)
		}
		return triple, nil
	}
	if err := p.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// ParseAll drains the stream.
func (p *Parser) ParseAll() ([]*rdf.Triple, error) {
	var triples []*rdf.Triple
	for {
		triple, err := p.Next()
		if err == io.EOF {
			return triples, nil
		}
		if err != nil {
			return nil, err
		}
		triples = append(triples, triple)
	}
}

func (p *Parser) parseLine(line string) (*rdf.Triple, error) {
	rest := line

	subject, rest, err := parseSubject(rest)
	if err != nil {
		return nil, err
	}
	predicate, rest, err := parseIRI(strings.TrimLeft(rest, " \t"))
	if err != nil {
		return nil, fmt.Errorf("predicate: %w", err)
	}
	object, rest, err := parseObject(strings.TrimLeft(rest, " \t"))
	if err != nil {
		return nil, err
	}

	rest = strings.TrimSpace(rest)
	if rest != "." {
		return nil, fmt.Errorf("expected terminating '.', found %q", rest)
	}

	return rdf.NewTriple(subject, predicate, object), nil
}

func parseSubject(s string) (rdf.Term, string, error) {
	if strings.HasPrefix(s, "<") {
		return parseIRITerm(s)
	}
	if strings.HasPrefix(s, "_:") {
		return parseBlankNode(s)
	}
	return nil, "", fmt.Errorf("subject must be an IRI or blank node")
}

func parseObject(s string) (rdf.Term, string, error) {
	switch {
	case strings.HasPrefix(s, "<"):
		return parseIRITerm(s)
	case strings.HasPrefix(s, "_:"):
		return parseBlankNode(s)
	case strings.HasPrefix(s, "\""):
		return parseLiteral(s)
	default:
		return nil, "", fmt.Errorf("invalid object term")
	}
}

func parseIRITerm(s string) (rdf.Term, string, error) {
	nn, rest, err := parseIRI(s)
	return nn, rest, err
}

func parseIRI(s string) (*rdf.NamedNode, string, error) {
	if !strings.HasPrefix(s, "<") {
		return nil, "", fmt.Errorf("expected IRI")
	}
	end := strings.IndexByte(s, '>')
	if end < 0 {
		return nil, "", fmt.Errorf("unterminated IRI")
	}
	return rdf.NewNamedNode(s[1:end]), s[end+1:], nil
}

func parseBlankNode(s string) (rdf.Term, string, error) {
	i := 2
	for i < len(s) && isLabelChar(s[i]) {
		i++
	}
	if i == 2 {
		return nil, "", fmt.Errorf("empty blank node label")
	}
	return rdf.NewBlankNode(s[2:i]), s[i:], nil
}

func isLabelChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' ||
		c >= '0' && c <= '9' || c == '_' || c == '-'
}

func parseLiteral(s string) (rdf.Term, string, error) {
	var sb strings.Builder
	i := 1
	for i < len(s) {
		c := s[i]
		if c == '"' {
			break
		}
		if c == '\\' && i+1 < len(s) {
			i++
			switch s[i] {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case 'r':
				sb.WriteByte('\r')
			case '"':
				sb.WriteByte('"')
			case '\\':
				sb.WriteByte('\\')
			case 'u', 'U':
				// Keep the escape verbatim; full Unicode unescaping is not
				// needed by the loader's own output.
				sb.WriteByte('\\')
				sb.WriteByte(s[i])
			default:
				sb.WriteByte(s[i])
			}
			i++
			continue
		}
		sb.WriteByte(c)
		i++
	}
	if i >= len(s) {
		return nil, "", fmt.Errorf("unterminated literal")
	}
	value := sb.String()
	rest := s[i+1:]

	if strings.HasPrefix(rest, "@") {
		j := 1
		for j < len(rest) && (isLabelChar(rest[j])) {
			j++
		}
		return rdf.NewLiteralWithLanguage(value, rest[1:j]), rest[j:], nil
	}
	if strings.HasPrefix(rest, "^^") {
		datatype, remaining, err := parseIRI(rest[2:])
		if err != nil {
			return nil, "", fmt.Errorf("datatype: %w", err)
		}
		return rdf.NewLiteralWithDatatype(value, datatype), remaining, nil
	}
	return rdf.NewLiteral(value), rest, nil
}
