package rdf

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTermEquality(t *testing.T) {
	require.True(t, NewNamedNode("http://a").Equals(NewNamedNode("http://a")))
	require.False(t, NewNamedNode("http://a").Equals(NewNamedNode("http://b")))
	require.False(t, NewNamedNode("http://a").Equals(NewBlankNode("a")))

	require.True(t, NewBlankNode("b0").Equals(NewBlankNode("b0")))
	require.False(t, NewBlankNode("b0").Equals(NewBlankNode("b1")))

	require.True(t, NewLiteral("x").Equals(NewLiteral("x")))
	require.False(t, NewLiteral("x").Equals(NewLiteralWithLanguage("x", "en")))
	require.False(t, NewLiteral("5").Equals(NewIntegerLiteral(5)))
	require.True(t, NewIntegerLiteral(5).Equals(NewLiteralWithDatatype("5", XSDInteger)))

	require.True(t, NewDefaultGraph().Equals(NewDefaultGraph()))
}

func TestTermStrings(t *testing.T) {
	require.Equal(t, "<http://a>", NewNamedNode("http://a").String())
	require.Equal(t, "_:b0", NewBlankNode("b0").String())
	require.Equal(t, `"hi"`, NewLiteral("hi").String())
	require.Equal(t, `"hi"@en`, NewLiteralWithLanguage("hi", "en").String())
	require.Equal(t,
		`"5"^^<http://www.w3.org/2001/XMLSchema#integer>`,
		NewIntegerLiteral(5).String())
}

func TestNumericConstructors(t *testing.T) {
	require.Equal(t, "42", NewIntegerLiteral(42).Value)
	require.Equal(t, "true", NewBooleanLiteral(true).Value)
	require.Equal(t, "2.0", NewDoubleLiteral(2).Value)
	require.Equal(t, XSDDouble.IRI, NewDoubleLiteral(2).Datatype.IRI)
}

func TestTripleString(t *testing.T) {
	triple := NewTriple(
		NewNamedNode("http://s"),
		NewNamedNode("http://p"),
		NewLiteral("o"),
	)
	require.Equal(t, `<http://s> <http://p> "o" .`, triple.String())
}

func TestLiteralIsPlain(t *testing.T) {
	require.True(t, NewLiteral("x").IsPlain())
	require.False(t, NewLiteralWithLanguage("x", "en").IsPlain())
	require.False(t, NewIntegerLiteral(1).IsPlain())
}
