package eval

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ternstore/tern/internal/sparql/algebra"
	"github.com/ternstore/tern/internal/store"
	"github.com/ternstore/tern/pkg/rdf"
)

func term(t rdf.Term) algebra.Expression {
	return &algebra.TermExpr{Term: t}
}

func binary(l algebra.Expression, op algebra.ExprOp, r algebra.Expression) algebra.Expression {
	return &algebra.BinaryExpr{Left: l, Op: op, Right: r}
}

func call(name string, args ...algebra.Expression) algebra.Expression {
	return &algebra.FuncCall{Name: name, Args: args}
}

func evalTerm(t *testing.T, expr algebra.Expression) rdf.Term {
	t.Helper()
	result, err := NewEvaluator().Evaluate(expr, store.NewBinding())
	require.NoError(t, err)
	return result
}

func TestArithmeticPromotion(t *testing.T) {
	// integer + integer stays integer
	result := evalTerm(t, binary(term(rdf.NewIntegerLiteral(2)), algebra.OpAdd, term(rdf.NewIntegerLiteral(3))))
	require.True(t, result.Equals(rdf.NewIntegerLiteral(5)))

	// integer + decimal promotes to decimal
	result = evalTerm(t, binary(
		term(rdf.NewIntegerLiteral(2)),
		algebra.OpAdd,
		term(rdf.NewLiteralWithDatatype("0.5", rdf.XSDDecimal)),
	))
	lit := result.(*rdf.Literal)
	require.Equal(t, rdf.XSDDecimal.IRI, lit.Datatype.IRI)

	// anything + double promotes to double
	result = evalTerm(t, binary(
		term(rdf.NewIntegerLiteral(2)),
		algebra.OpMultiply,
		term(rdf.NewDoubleLiteral(1.5)),
	))
	lit = result.(*rdf.Literal)
	require.Equal(t, rdf.XSDDouble.IRI, lit.Datatype.IRI)

	// integer division produces a decimal
	result = evalTerm(t, binary(term(rdf.NewIntegerLiteral(7)), algebra.OpDivide, term(rdf.NewIntegerLiteral(2))))
	lit = result.(*rdf.Literal)
	require.Equal(t, rdf.XSDDecimal.IRI, lit.Datatype.IRI)
}

func TestDivisionByZero(t *testing.T) {
	_, err := NewEvaluator().Evaluate(
		binary(term(rdf.NewIntegerLiteral(1)), algebra.OpDivide, term(rdf.NewIntegerLiteral(0))),
		store.NewBinding(),
	)
	require.Error(t, err)
}

func TestComparisons(t *testing.T) {
	result := evalTerm(t, binary(term(rdf.NewIntegerLiteral(2)), algebra.OpLessThan, term(rdf.NewIntegerLiteral(3))))
	require.True(t, result.Equals(rdf.NewBooleanLiteral(true)))

	// Numeric comparison crosses datatypes by value.
	result = evalTerm(t, binary(
		term(rdf.NewIntegerLiteral(2)),
		algebra.OpEqual,
		term(rdf.NewDoubleLiteral(2)),
	))
	require.True(t, result.Equals(rdf.NewBooleanLiteral(true)))

	result = evalTerm(t, binary(term(rdf.NewLiteral("abc")), algebra.OpLessThan, term(rdf.NewLiteral("abd"))))
	require.True(t, result.Equals(rdf.NewBooleanLiteral(true)))
}

func TestThreeValuedLogic(t *testing.T) {
	evaluator := NewEvaluator()
	binding := store.NewBinding()
	unbound := &algebra.VariableExpr{Variable: algebra.NewVariable("missing")}
	truthy := term(rdf.NewBooleanLiteral(true))
	falsy := term(rdf.NewBooleanLiteral(false))

	// error && false = false
	result, err := evaluator.Evaluate(binary(unbound, algebra.OpAnd, falsy), binding)
	require.NoError(t, err)
	require.True(t, result.Equals(rdf.NewBooleanLiteral(false)))

	// error && true = error
	_, err = evaluator.Evaluate(binary(unbound, algebra.OpAnd, truthy), binding)
	require.Error(t, err)

	// error || true = true
	result, err = evaluator.Evaluate(binary(unbound, algebra.OpOr, truthy), binding)
	require.NoError(t, err)
	require.True(t, result.Equals(rdf.NewBooleanLiteral(true)))

	// error || false = error
	_, err = evaluator.Evaluate(binary(unbound, algebra.OpOr, falsy), binding)
	require.Error(t, err)
}

func TestEffectiveBooleanValue(t *testing.T) {
	evaluator := NewEvaluator()

	cases := []struct {
		term  rdf.Term
		value bool
	}{
		{rdf.NewBooleanLiteral(true), true},
		{rdf.NewBooleanLiteral(false), false},
		{rdf.NewIntegerLiteral(0), false},
		{rdf.NewIntegerLiteral(7), true},
		{rdf.NewLiteral(""), false},
		{rdf.NewLiteral("x"), true},
	}
	for _, tc := range cases {
		value, err := evaluator.EffectiveBooleanValue(tc.term)
		require.NoError(t, err)
		require.Equal(t, tc.value, value, "EBV of %s", tc.term)
	}

	_, err := evaluator.EffectiveBooleanValue(rdf.NewNamedNode("http://x"))
	require.Error(t, err)
}

func TestStringFunctions(t *testing.T) {
	require.True(t, evalTerm(t, call("STRLEN", term(rdf.NewLiteral("hello")))).
		Equals(rdf.NewIntegerLiteral(5)))
	require.True(t, evalTerm(t, call("UCASE", term(rdf.NewLiteral("abc")))).
		Equals(rdf.NewLiteral("ABC")))
	require.True(t, evalTerm(t, call("SUBSTR", term(rdf.NewLiteral("hello")),
		term(rdf.NewIntegerLiteral(2)), term(rdf.NewIntegerLiteral(3)))).
		Equals(rdf.NewLiteral("ell")))
	require.True(t, evalTerm(t, call("STRBEFORE", term(rdf.NewLiteral("a-b")), term(rdf.NewLiteral("-")))).
		Equals(rdf.NewLiteral("a")))
	require.True(t, evalTerm(t, call("STRAFTER", term(rdf.NewLiteral("a-b")), term(rdf.NewLiteral("-")))).
		Equals(rdf.NewLiteral("b")))
	require.True(t, evalTerm(t, call("CONCAT", term(rdf.NewLiteral("a")), term(rdf.NewLiteral("b")))).
		Equals(rdf.NewLiteral("ab")))
	require.True(t, evalTerm(t, call("CONTAINS", term(rdf.NewLiteral("abc")), term(rdf.NewLiteral("b")))).
		Equals(rdf.NewBooleanLiteral(true)))
}

func TestTypeCheckFunctions(t *testing.T) {
	require.True(t, evalTerm(t, call("ISIRI", term(rdf.NewNamedNode("http://x")))).
		Equals(rdf.NewBooleanLiteral(true)))
	require.True(t, evalTerm(t, call("ISLITERAL", term(rdf.NewLiteral("x")))).
		Equals(rdf.NewBooleanLiteral(true)))
	require.True(t, evalTerm(t, call("ISNUMERIC", term(rdf.NewIntegerLiteral(1)))).
		Equals(rdf.NewBooleanLiteral(true)))
	require.True(t, evalTerm(t, call("ISBLANK", term(rdf.NewBlankNode("b")))).
		Equals(rdf.NewBooleanLiteral(true)))
}

func TestRegex(t *testing.T) {
	require.True(t, evalTerm(t, call("REGEX",
		term(rdf.NewLiteral("hello world")), term(rdf.NewLiteral("^hello")))).
		Equals(rdf.NewBooleanLiteral(true)))

	// Case-insensitive flag.
	require.True(t, evalTerm(t, call("REGEX",
		term(rdf.NewLiteral("HELLO")), term(rdf.NewLiteral("hello")), term(rdf.NewLiteral("i")))).
		Equals(rdf.NewBooleanLiteral(true)))
}

func TestRegexGuardRejectsNestedQuantifiers(t *testing.T) {
	evaluator := NewEvaluator()
	binding := store.NewBinding()

	dangerous := []string{"(a+)+", "(a*)*", "(a+)*", "(a*)+", "((ab)*x+)+"}
	for _, pattern := range dangerous {
		_, err := evaluator.Evaluate(call("REGEX",
			term(rdf.NewLiteral("aaaa")), term(rdf.NewLiteral(pattern))), binding)
		require.Error(t, err, "pattern %q must be rejected", pattern)
	}

	// Over-long patterns are rejected too.
	long := make([]byte, MaxRegexPatternLen+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err := evaluator.Evaluate(call("REGEX",
		term(rdf.NewLiteral("x")), term(rdf.NewLiteral(string(long)))), binding)
	require.Error(t, err)

	// Harmless groups still pass.
	result, err := evaluator.Evaluate(call("REGEX",
		term(rdf.NewLiteral("abab")), term(rdf.NewLiteral("(ab)+")),
	), binding)
	require.NoError(t, err)
	require.True(t, result.Equals(rdf.NewBooleanLiteral(true)))
}

func TestReplace(t *testing.T) {
	result := evalTerm(t, call("REPLACE",
		term(rdf.NewLiteral("abcabc")),
		term(rdf.NewLiteral("b")),
		term(rdf.NewLiteral("X"))))
	require.True(t, result.Equals(rdf.NewLiteral("aXcaXc")))
}

func TestHashFunctions(t *testing.T) {
	result := evalTerm(t, call("MD5", term(rdf.NewLiteral("abc"))))
	require.True(t, result.Equals(rdf.NewLiteral("900150983cd24fb0d6963f7d28e17f72")))

	result = evalTerm(t, call("SHA1", term(rdf.NewLiteral("abc"))))
	require.True(t, result.Equals(rdf.NewLiteral("a9993e364706816aba3e25717850c26c9cd0d89d")))
}

func TestCoalesceIfBound(t *testing.T) {
	evaluator := NewEvaluator()
	binding := store.NewBinding()
	binding.Vars["x"] = rdf.NewLiteral("present")
	unbound := &algebra.VariableExpr{Variable: algebra.NewVariable("missing")}
	bound := &algebra.VariableExpr{Variable: algebra.NewVariable("x")}

	result, err := evaluator.Evaluate(call("COALESCE", unbound, bound), binding)
	require.NoError(t, err)
	require.True(t, result.Equals(rdf.NewLiteral("present")))

	result, err = evaluator.Evaluate(call("BOUND", bound), binding)
	require.NoError(t, err)
	require.True(t, result.Equals(rdf.NewBooleanLiteral(true)))

	result, err = evaluator.Evaluate(call("IF",
		term(rdf.NewBooleanLiteral(false)),
		term(rdf.NewLiteral("then")),
		term(rdf.NewLiteral("else"))), binding)
	require.NoError(t, err)
	require.True(t, result.Equals(rdf.NewLiteral("else")))
}

func TestDatatypeAndLang(t *testing.T) {
	result := evalTerm(t, call("DATATYPE", term(rdf.NewIntegerLiteral(5))))
	require.True(t, result.Equals(rdf.XSDInteger))

	result = evalTerm(t, call("LANG", term(rdf.NewLiteralWithLanguage("hi", "en"))))
	require.True(t, result.Equals(rdf.NewLiteral("en")))

	result = evalTerm(t, call("STR", term(rdf.NewNamedNode("http://x"))))
	require.True(t, result.Equals(rdf.NewLiteral("http://x")))
}

func TestXSDCast(t *testing.T) {
	result := evalTerm(t, call(rdf.XSDInteger.IRI, term(rdf.NewLiteral("42"))))
	require.True(t, result.Equals(rdf.NewIntegerLiteral(42)))

	_, err := NewEvaluator().Evaluate(
		call(rdf.XSDInteger.IRI, term(rdf.NewLiteral("not-a-number"))),
		store.NewBinding())
	require.Error(t, err)
}

func TestInExpression(t *testing.T) {
	evaluator := NewEvaluator()
	binding := store.NewBinding()

	result, err := evaluator.Evaluate(&algebra.InExpr{
		Value: term(rdf.NewIntegerLiteral(2)),
		List:  []algebra.Expression{term(rdf.NewIntegerLiteral(1)), term(rdf.NewIntegerLiteral(2))},
	}, binding)
	require.NoError(t, err)
	require.True(t, result.Equals(rdf.NewBooleanLiteral(true)))

	result, err = evaluator.Evaluate(&algebra.InExpr{
		Value:   term(rdf.NewIntegerLiteral(3)),
		List:    []algebra.Expression{term(rdf.NewIntegerLiteral(1))},
		Negated: true,
	}, binding)
	require.NoError(t, err)
	require.True(t, result.Equals(rdf.NewBooleanLiteral(true)))
}

func TestDateTimeAccessors(t *testing.T) {
	dt := term(rdf.NewLiteralWithDatatype("2024-03-15T10:30:45Z", rdf.XSDDateTime))

	require.True(t, evalTerm(t, call("YEAR", dt)).Equals(rdf.NewIntegerLiteral(2024)))
	require.True(t, evalTerm(t, call("MONTH", dt)).Equals(rdf.NewIntegerLiteral(3)))
	require.True(t, evalTerm(t, call("DAY", dt)).Equals(rdf.NewIntegerLiteral(15)))
	require.True(t, evalTerm(t, call("HOURS", dt)).Equals(rdf.NewIntegerLiteral(10)))
	require.True(t, evalTerm(t, call("MINUTES", dt)).Equals(rdf.NewIntegerLiteral(30)))
}
