package eval

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"math"
	"math/rand"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ternstore/tern/internal/sparql/algebra"
	"github.com/ternstore/tern/internal/store"
	"github.com/ternstore/tern/pkg/rdf"
)

const xsdPrefix = "http://www.w3.org/2001/XMLSchema#"

// evaluateFunctionCall dispatches a built-in by upper-cased name; IRI-named
// calls are XSD casts.
func (e *Evaluator) evaluateFunctionCall(expr *algebra.FuncCall, binding *store.Binding) (rdf.Term, error) {
	switch expr.Name {
	case "BOUND":
		return e.evaluateBound(expr.Args, binding)
	case "COALESCE":
		return e.evaluateCoalesce(expr.Args, binding)
	case "IF":
		return e.evaluateIf(expr.Args, binding)
	case "SAMETERM":
		return e.evaluateSameTerm(expr.Args, binding)

	case "ISIRI", "ISURI":
		return e.typeCheck(expr.Args, binding, func(t rdf.Term) bool {
			_, ok := t.(*rdf.NamedNode)
			return ok
		})
	case "ISBLANK":
		return e.typeCheck(expr.Args, binding, func(t rdf.Term) bool {
			_, ok := t.(*rdf.BlankNode)
			return ok
		})
	case "ISLITERAL":
		return e.typeCheck(expr.Args, binding, func(t rdf.Term) bool {
			_, ok := t.(*rdf.Literal)
			return ok
		})
	case "ISNUMERIC":
		return e.typeCheck(expr.Args, binding, func(t rdf.Term) bool {
			_, ok := extractNumeric(t)
			return ok
		})

	case "STR":
		return e.evaluateStr(expr.Args, binding)
	case "LANG":
		return e.evaluateLang(expr.Args, binding)
	case "DATATYPE":
		return e.evaluateDatatype(expr.Args, binding)

	case "STRLEN":
		return e.evaluateStrLen(expr.Args, binding)
	case "SUBSTR":
		return e.evaluateSubStr(expr.Args, binding)
	case "UCASE":
		return e.stringUnary(expr.Args, binding, strings.ToUpper)
	case "LCASE":
		return e.stringUnary(expr.Args, binding, strings.ToLower)
	case "CONCAT":
		return e.evaluateConcat(expr.Args, binding)
	case "CONTAINS":
		return e.stringBinaryBool(expr.Args, binding, strings.Contains)
	case "STRSTARTS":
		return e.stringBinaryBool(expr.Args, binding, strings.HasPrefix)
	case "STRENDS":
		return e.stringBinaryBool(expr.Args, binding, strings.HasSuffix)
	case "STRBEFORE":
		return e.evaluateStrBefore(expr.Args, binding)
	case "STRAFTER":
		return e.evaluateStrAfter(expr.Args, binding)
	case "ENCODE_FOR_URI":
		return e.stringUnary(expr.Args, binding, url.PathEscape)
	case "LANGMATCHES":
		return e.evaluateLangMatches(expr.Args, binding)
	case "REGEX":
		return e.evaluateRegex(expr.Args, binding)
	case "REPLACE":
		return e.evaluateReplace(expr.Args, binding)

	case "ABS":
		return e.numericUnary(expr.Args, binding, math.Abs, false)
	case "ROUND":
		return e.numericUnary(expr.Args, binding, math.Round, true)
	case "CEIL":
		return e.numericUnary(expr.Args, binding, math.Ceil, true)
	case "FLOOR":
		return e.numericUnary(expr.Args, binding, math.Floor, true)
	case "RAND":
		if len(expr.Args) != 0 {
			return nil, fmt.Errorf("RAND takes no arguments")
		}
		return rdf.NewDoubleLiteral(rand.Float64()), nil

	case "MD5":
		return e.hashFunc(expr.Args, binding, func(s string) string {
			return fmt.Sprintf("%x", md5.Sum([]byte(s)))
		})
	case "SHA1":
		return e.hashFunc(expr.Args, binding, func(s string) string {
			return fmt.Sprintf("%x", sha1.Sum([]byte(s)))
		})
	case "SHA256":
		return e.hashFunc(expr.Args, binding, func(s string) string {
			return fmt.Sprintf("%x", sha256.Sum256([]byte(s)))
		})

	case "IRI", "URI":
		return e.evaluateIRI(expr.Args, binding)
	case "BNODE":
		return e.evaluateBNode(expr.Args, binding)

	case "NOW":
		if len(expr.Args) != 0 {
			return nil, fmt.Errorf("NOW takes no arguments")
		}
		return rdf.NewDateTimeLiteral(e.Now), nil
	case "YEAR", "MONTH", "DAY", "HOURS", "MINUTES", "SECONDS":
		return e.evaluateDateTimeAccessor(expr.Name, expr.Args, binding)

	default:
		if strings.HasPrefix(expr.Name, xsdPrefix) {
			return e.evaluateTypeCast(expr.Args, binding, expr.Name)
		}
		return nil, fmt.Errorf("unknown function: %s", expr.Name)
	}
}

func (e *Evaluator) evaluateBound(args []algebra.Expression, binding *store.Binding) (rdf.Term, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("BOUND requires exactly 1 argument")
	}
	varExpr, ok := args[0].(*algebra.VariableExpr)
	if !ok {
		return nil, fmt.Errorf("BOUND requires a variable argument")
	}
	_, exists := binding.Vars[varExpr.Variable.Name]
	return rdf.NewBooleanLiteral(exists), nil
}

func (e *Evaluator) evaluateCoalesce(args []algebra.Expression, binding *store.Binding) (rdf.Term, error) {
	for _, arg := range args {
		if term, err := e.Evaluate(arg, binding); err == nil {
			return term, nil
		}
	}
	return nil, fmt.Errorf("COALESCE: no argument evaluated without error")
}

func (e *Evaluator) evaluateIf(args []algebra.Expression, binding *store.Binding) (rdf.Term, error) {
	if len(args) != 3 {
		return nil, fmt.Errorf("IF requires exactly 3 arguments")
	}
	cond, err := e.evaluateToBool(args[0], binding)
	if err != nil {
		return nil, err
	}
	if cond {
		return e.Evaluate(args[1], binding)
	}
	return e.Evaluate(args[2], binding)
}

func (e *Evaluator) evaluateSameTerm(args []algebra.Expression, binding *store.Binding) (rdf.Term, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("sameTerm requires exactly 2 arguments")
	}
	a, err := e.Evaluate(args[0], binding)
	if err != nil {
		return nil, err
	}
	b, err := e.Evaluate(args[1], binding)
	if err != nil {
		return nil, err
	}
	return rdf.NewBooleanLiteral(a.Equals(b)), nil
}

func (e *Evaluator) typeCheck(args []algebra.Expression, binding *store.Binding, check func(rdf.Term) bool) (rdf.Term, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("type check requires exactly 1 argument")
	}
	term, err := e.Evaluate(args[0], binding)
	if err != nil {
		return nil, err
	}
	return rdf.NewBooleanLiteral(check(term)), nil
}

func (e *Evaluator) evaluateStr(args []algebra.Expression, binding *store.Binding) (rdf.Term, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("STR requires exactly 1 argument")
	}
	term, err := e.Evaluate(args[0], binding)
	if err != nil {
		return nil, err
	}
	switch t := term.(type) {
	case *rdf.NamedNode:
		return rdf.NewLiteral(t.IRI), nil
	case *rdf.Literal:
		return rdf.NewLiteral(t.Value), nil
	default:
		return nil, fmt.Errorf("STR cannot be applied to %s", term)
	}
}

func (e *Evaluator) evaluateLang(args []algebra.Expression, binding *store.Binding) (rdf.Term, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("LANG requires exactly 1 argument")
	}
	term, err := e.Evaluate(args[0], binding)
	if err != nil {
		return nil, err
	}
	lit, ok := term.(*rdf.Literal)
	if !ok {
		return nil, fmt.Errorf("LANG requires a literal argument")
	}
	return rdf.NewLiteral(lit.Language), nil
}

func (e *Evaluator) evaluateDatatype(args []algebra.Expression, binding *store.Binding) (rdf.Term, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("DATATYPE requires exactly 1 argument")
	}
	term, err := e.Evaluate(args[0], binding)
	if err != nil {
		return nil, err
	}
	lit, ok := term.(*rdf.Literal)
	if !ok {
		return nil, fmt.Errorf("DATATYPE requires a literal argument")
	}
	if lit.Datatype != nil {
		return lit.Datatype, nil
	}
	if lit.Language != "" {
		return rdf.NewNamedNode("http://www.w3.org/1999/02/22-rdf-syntax-ns#langString"), nil
	}
	return rdf.XSDString, nil
}

func (e *Evaluator) extractString(term rdf.Term) (string, error) {
	switch t := term.(type) {
	case *rdf.Literal:
		return t.Value, nil
	case *rdf.NamedNode:
		return t.IRI, nil
	default:
		return "", fmt.Errorf("cannot extract string from %s", term)
	}
}

func (e *Evaluator) evaluateStrLen(args []algebra.Expression, binding *store.Binding) (rdf.Term, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("STRLEN requires exactly 1 argument")
	}
	term, err := e.Evaluate(args[0], binding)
	if err != nil {
		return nil, err
	}
	str, err := e.extractString(term)
	if err != nil {
		return nil, err
	}
	return rdf.NewIntegerLiteral(int64(len([]rune(str)))), nil
}

func (e *Evaluator) evaluateSubStr(args []algebra.Expression, binding *store.Binding) (rdf.Term, error) {
	if len(args) < 2 || len(args) > 3 {
		return nil, fmt.Errorf("SUBSTR requires 2 or 3 arguments")
	}
	term, err := e.Evaluate(args[0], binding)
	if err != nil {
		return nil, err
	}
	str, err := e.extractString(term)
	if err != nil {
		return nil, err
	}
	startTerm, err := e.Evaluate(args[1], binding)
	if err != nil {
		return nil, err
	}
	start, ok := extractNumeric(startTerm)
	if !ok {
		return nil, fmt.Errorf("SUBSTR start must be numeric")
	}

	runes := []rune(str)
	startIdx := int(start.value) - 1 // SPARQL uses 1-based indexing
	if startIdx < 0 {
		startIdx = 0
	}
	if startIdx >= len(runes) {
		return rdf.NewLiteral(""), nil
	}

	endIdx := len(runes)
	if len(args) == 3 {
		lengthTerm, err := e.Evaluate(args[2], binding)
		if err != nil {
			return nil, err
		}
		length, ok := extractNumeric(lengthTerm)
		if !ok {
			return nil, fmt.Errorf("SUBSTR length must be numeric")
		}
		endIdx = startIdx + int(length.value)
		if endIdx > len(runes) {
			endIdx = len(runes)
		}
		if endIdx < startIdx {
			endIdx = startIdx
		}
	}
	return rdf.NewLiteral(string(runes[startIdx:endIdx])), nil
}

func (e *Evaluator) stringUnary(args []algebra.Expression, binding *store.Binding, f func(string) string) (rdf.Term, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("string function requires exactly 1 argument")
	}
	term, err := e.Evaluate(args[0], binding)
	if err != nil {
		return nil, err
	}
	lit, ok := term.(*rdf.Literal)
	if !ok {
		return nil, fmt.Errorf("string function requires a literal argument")
	}
	out := &rdf.Literal{Value: f(lit.Value), Language: lit.Language, Datatype: lit.Datatype}
	return out, nil
}

func (e *Evaluator) stringBinaryBool(args []algebra.Expression, binding *store.Binding, f func(string, string) bool) (rdf.Term, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("string function requires exactly 2 arguments")
	}
	a, err := e.Evaluate(args[0], binding)
	if err != nil {
		return nil, err
	}
	b, err := e.Evaluate(args[1], binding)
	if err != nil {
		return nil, err
	}
	sa, err := e.extractString(a)
	if err != nil {
		return nil, err
	}
	sb, err := e.extractString(b)
	if err != nil {
		return nil, err
	}
	return rdf.NewBooleanLiteral(f(sa, sb)), nil
}

func (e *Evaluator) evaluateConcat(args []algebra.Expression, binding *store.Binding) (rdf.Term, error) {
	var sb strings.Builder
	for _, arg := range args {
		term, err := e.Evaluate(arg, binding)
		if err != nil {
			return nil, err
		}
		str, err := e.extractString(term)
		if err != nil {
			return nil, err
		}
		sb.WriteString(str)
	}
	return rdf.NewLiteral(sb.String()), nil
}

func (e *Evaluator) evaluateStrBefore(args []algebra.Expression, binding *store.Binding) (rdf.Term, error) {
	return e.strSplit(args, binding, func(s, sep string) string {
		if idx := strings.Index(s, sep); idx >= 0 {
			return s[:idx]
		}
		return ""
	})
}

func (e *Evaluator) evaluateStrAfter(args []algebra.Expression, binding *store.Binding) (rdf.Term, error) {
	return e.strSplit(args, binding, func(s, sep string) string {
		if idx := strings.Index(s, sep); idx >= 0 {
			return s[idx+len(sep):]
		}
		return ""
	})
}

func (e *Evaluator) strSplit(args []algebra.Expression, binding *store.Binding, f func(string, string) string) (rdf.Term, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("string function requires exactly 2 arguments")
	}
	a, err := e.Evaluate(args[0], binding)
	if err != nil {
		return nil, err
	}
	b, err := e.Evaluate(args[1], binding)
	if err != nil {
		return nil, err
	}
	sa, err := e.extractString(a)
	if err != nil {
		return nil, err
	}
	sb, err := e.extractString(b)
	if err != nil {
		return nil, err
	}
	return rdf.NewLiteral(f(sa, sb)), nil
}

func (e *Evaluator) evaluateLangMatches(args []algebra.Expression, binding *store.Binding) (rdf.Term, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("langMatches requires exactly 2 arguments")
	}
	tagTerm, err := e.Evaluate(args[0], binding)
	if err != nil {
		return nil, err
	}
	rangeTerm, err := e.Evaluate(args[1], binding)
	if err != nil {
		return nil, err
	}
	tag, err := e.extractString(tagTerm)
	if err != nil {
		return nil, err
	}
	langRange, err := e.extractString(rangeTerm)
	if err != nil {
		return nil, err
	}

	tag = strings.ToLower(tag)
	langRange = strings.ToLower(langRange)

	if langRange == "*" {
		return rdf.NewBooleanLiteral(tag != ""), nil
	}
	if tag == langRange || strings.HasPrefix(tag, langRange+"-") {
		return rdf.NewBooleanLiteral(true), nil
	}
	return rdf.NewBooleanLiteral(false), nil
}

// MaxRegexPatternLen bounds REGEX/REPLACE patterns.
const MaxRegexPatternLen = 256

// checkRegexSafe rejects patterns that risk catastrophic backtracking:
// over-long patterns and nested quantifiers like (a+)+ or (a*)*.
func checkRegexSafe(pattern string) error {
	if len(pattern) > MaxRegexPatternLen {
		return fmt.Errorf("regex pattern exceeds %d characters", MaxRegexPatternLen)
	}

	// Find every group closing immediately followed by a quantifier and
	// reject when the group body itself contains a quantifier.
	depthStart := make([]int, 0, 8)
	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '\\':
			i++
		case '(':
			depthStart = append(depthStart, i)
		case ')':
			if len(depthStart) == 0 {
				continue
			}
			start := depthStart[len(depthStart)-1]
			depthStart = depthStart[:len(depthStart)-1]
			if i+1 < len(pattern) && (pattern[i+1] == '+' || pattern[i+1] == '*') {
				if strings.ContainsAny(pattern[start:i], "+*") {
					return fmt.Errorf("regex pattern contains nested quantifiers")
				}
			}
		}
	}
	return nil
}

func (e *Evaluator) compileRegex(pattern, flags string) (*regexp.Regexp, error) {
	if err := checkRegexSafe(pattern); err != nil {
		return nil, err
	}

	var prefix string
	if flags != "" {
		prefix = "(?"
		for _, flag := range flags {
			switch flag {
			case 'i', 'm', 's':
				prefix += string(flag)
			case 'q':
				pattern = regexp.QuoteMeta(pattern)
			default:
				return nil, fmt.Errorf("unsupported REGEX flag: %c", flag)
			}
		}
		prefix += ")"
		if len(prefix) > 2 {
			pattern = prefix + pattern
		}
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex pattern: %w", err)
	}
	return re, nil
}

func (e *Evaluator) evaluateRegex(args []algebra.Expression, binding *store.Binding) (rdf.Term, error) {
	if len(args) < 2 || len(args) > 3 {
		return nil, fmt.Errorf("REGEX requires 2 or 3 arguments")
	}
	text, pattern, flags, err := e.regexArgs(args, binding)
	if err != nil {
		return nil, err
	}
	re, err := e.compileRegex(pattern, flags)
	if err != nil {
		return nil, err
	}
	return rdf.NewBooleanLiteral(re.MatchString(text)), nil
}

func (e *Evaluator) evaluateReplace(args []algebra.Expression, binding *store.Binding) (rdf.Term, error) {
	if len(args) < 3 || len(args) > 4 {
		return nil, fmt.Errorf("REPLACE requires 3 or 4 arguments")
	}
	textTerm, err := e.Evaluate(args[0], binding)
	if err != nil {
		return nil, err
	}
	text, err := e.extractString(textTerm)
	if err != nil {
		return nil, err
	}
	patternTerm, err := e.Evaluate(args[1], binding)
	if err != nil {
		return nil, err
	}
	pattern, err := e.extractString(patternTerm)
	if err != nil {
		return nil, err
	}
	replacementTerm, err := e.Evaluate(args[2], binding)
	if err != nil {
		return nil, err
	}
	replacement, err := e.extractString(replacementTerm)
	if err != nil {
		return nil, err
	}
	var flags string
	if len(args) == 4 {
		flagsTerm, err := e.Evaluate(args[3], binding)
		if err != nil {
			return nil, err
		}
		flags, err = e.extractString(flagsTerm)
		if err != nil {
			return nil, err
		}
	}

	re, err := e.compileRegex(pattern, flags)
	if err != nil {
		return nil, err
	}
	return rdf.NewLiteral(re.ReplaceAllString(text, replacement)), nil
}

func (e *Evaluator) regexArgs(args []algebra.Expression, binding *store.Binding) (text, pattern, flags string, err error) {
	textTerm, err := e.Evaluate(args[0], binding)
	if err != nil {
		return "", "", "", err
	}
	text, err = e.extractString(textTerm)
	if err != nil {
		return "", "", "", err
	}
	patternTerm, err := e.Evaluate(args[1], binding)
	if err != nil {
		return "", "", "", err
	}
	pattern, err = e.extractString(patternTerm)
	if err != nil {
		return "", "", "", err
	}
	if len(args) == 3 {
		flagsTerm, err := e.Evaluate(args[2], binding)
		if err != nil {
			return "", "", "", err
		}
		flags, err = e.extractString(flagsTerm)
		if err != nil {
			return "", "", "", err
		}
	}
	return text, pattern, flags, nil
}

func (e *Evaluator) numericUnary(args []algebra.Expression, binding *store.Binding, f func(float64) float64, integral bool) (rdf.Term, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("numeric function requires exactly 1 argument")
	}
	term, err := e.Evaluate(args[0], binding)
	if err != nil {
		return nil, err
	}
	num, ok := extractNumeric(term)
	if !ok {
		return nil, fmt.Errorf("numeric function requires a numeric argument")
	}
	num.value = f(num.value)
	if integral && num.kind != kindInteger {
		return rdf.NewIntegerLiteral(int64(num.value)), nil
	}
	return num.literal(), nil
}

func (e *Evaluator) hashFunc(args []algebra.Expression, binding *store.Binding, f func(string) string) (rdf.Term, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("hash function requires exactly 1 argument")
	}
	term, err := e.Evaluate(args[0], binding)
	if err != nil {
		return nil, err
	}
	lit, ok := term.(*rdf.Literal)
	if !ok {
		return nil, fmt.Errorf("hash function requires a literal argument")
	}
	return rdf.NewLiteral(f(lit.Value)), nil
}

func (e *Evaluator) evaluateIRI(args []algebra.Expression, binding *store.Binding) (rdf.Term, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("IRI requires exactly 1 argument")
	}
	term, err := e.Evaluate(args[0], binding)
	if err != nil {
		return nil, err
	}
	switch t := term.(type) {
	case *rdf.NamedNode:
		return t, nil
	case *rdf.Literal:
		if t.IsPlain() || hasDatatype(t, rdf.XSDString.IRI) {
			return rdf.NewNamedNode(t.Value), nil
		}
	}
	return nil, fmt.Errorf("IRI requires a string or IRI argument")
}

func (e *Evaluator) evaluateBNode(args []algebra.Expression, binding *store.Binding) (rdf.Term, error) {
	switch len(args) {
	case 0:
		return rdf.NewBlankNode("b" + strings.ReplaceAll(uuid.NewString(), "-", "")), nil
	case 1:
		term, err := e.Evaluate(args[0], binding)
		if err != nil {
			return nil, err
		}
		lit, ok := term.(*rdf.Literal)
		if !ok {
			return nil, fmt.Errorf("BNODE requires a string argument")
		}
		return rdf.NewBlankNode(lit.Value), nil
	default:
		return nil, fmt.Errorf("BNODE takes at most 1 argument")
	}
}

func (e *Evaluator) evaluateDateTimeAccessor(name string, args []algebra.Expression, binding *store.Binding) (rdf.Term, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("%s requires exactly 1 argument", name)
	}
	term, err := e.Evaluate(args[0], binding)
	if err != nil {
		return nil, err
	}
	lit, ok := term.(*rdf.Literal)
	if !ok || !hasDatatype(lit, rdf.XSDDateTime.IRI) && !hasDatatype(lit, rdf.XSDDate.IRI) {
		return nil, fmt.Errorf("%s requires a dateTime argument", name)
	}

	var t = e.Now
	if hasDatatype(lit, rdf.XSDDate.IRI) {
		t, err = parseDate(lit.Value)
	} else {
		t, err = parseDateTime(lit.Value)
	}
	if err != nil {
		return nil, err
	}

	switch name {
	case "YEAR":
		return rdf.NewIntegerLiteral(int64(t.Year())), nil
	case "MONTH":
		return rdf.NewIntegerLiteral(int64(t.Month())), nil
	case "DAY":
		return rdf.NewIntegerLiteral(int64(t.Day())), nil
	case "HOURS":
		return rdf.NewIntegerLiteral(int64(t.Hour())), nil
	case "MINUTES":
		return rdf.NewIntegerLiteral(int64(t.Minute())), nil
	default:
		return rdf.NewDecimalLiteral(float64(t.Second())), nil
	}
}

func parseDate(value string) (time.Time, error) {
	t, err := time.Parse("2006-01-02", strings.TrimSpace(value))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date literal: %w", err)
	}
	return t, nil
}

func (e *Evaluator) evaluateTypeCast(args []algebra.Expression, binding *store.Binding, datatypeIRI string) (rdf.Term, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("type cast requires exactly 1 argument")
	}
	term, err := e.Evaluate(args[0], binding)
	if err != nil {
		return nil, err
	}

	var value string
	switch t := term.(type) {
	case *rdf.Literal:
		value = t.Value
	case *rdf.NamedNode:
		value = t.IRI
	default:
		return nil, fmt.Errorf("cannot cast %s to %s", term, datatypeIRI)
	}

	target := rdf.NewNamedNode(datatypeIRI)
	out := rdf.NewLiteralWithDatatype(strings.TrimSpace(value), target)

	// Numeric and boolean casts validate the lexical form.
	switch datatypeIRI {
	case rdf.XSDInteger.IRI, rdf.XSDDecimal.IRI, rdf.XSDDouble.IRI:
		if _, ok := extractNumeric(out); !ok {
			return nil, fmt.Errorf("cannot cast %q to %s", value, datatypeIRI)
		}
	case rdf.XSDBoolean.IRI:
		switch strings.TrimSpace(value) {
		case "true", "false", "0", "1":
		default:
			return nil, fmt.Errorf("cannot cast %q to xsd:boolean", value)
		}
	}
	return out, nil
}
