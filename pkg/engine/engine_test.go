package engine

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ternstore/tern/internal/storage"
	"github.com/ternstore/tern/internal/store"
	"github.com/ternstore/tern/pkg/rdf"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	backend, err := storage.NewInMemoryStorage()
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	ts, err := store.Open(backend)
	require.NoError(t, err)

	e, err := New(ts, Config{})
	require.NoError(t, err)
	return e
}

func mustUpdate(t *testing.T, e *Engine, text string) {
	t.Helper()
	_, err := e.Update(context.Background(), text)
	require.NoError(t, err)
}

func query(t *testing.T, e *Engine, text string) *Result {
	t.Helper()
	result, err := e.Query(context.Background(), text, nil)
	require.NoError(t, err)
	return result
}

// Scenario: BGP with a shared variable.
func TestBGPWithSharedVariable(t *testing.T) {
	e := newTestEngine(t)
	mustUpdate(t, e, `INSERT DATA {
		<http://ex/Alice> <http://ex/knows> <http://ex/Bob> .
		<http://ex/Bob> <http://ex/age> 30 .
		<http://ex/Alice> <http://ex/knows> <http://ex/Dave>
	}`)

	result := query(t, e, `SELECT ?p ?a WHERE {
		<http://ex/Alice> <http://ex/knows> ?p .
		?p <http://ex/age> ?a
	}`)

	require.Len(t, result.Solutions, 1)
	require.True(t, result.Solutions[0]["p"].Equals(rdf.NewNamedNode("http://ex/Bob")))
	require.True(t, result.Solutions[0]["a"].Equals(rdf.NewIntegerLiteral(30)))
}

// Scenario: OPTIONAL producing an unbound variable.
func TestOptionalProducesUnbound(t *testing.T) {
	e := newTestEngine(t)
	mustUpdate(t, e, `INSERT DATA {
		<http://ex/Alice> <http://ex/name> "Alice" .
		<http://ex/Alice> <http://ex/age> "30" .
		<http://ex/Bob> <http://ex/name> "Bob"
	}`)

	result := query(t, e, `SELECT ?name ?age WHERE {
		?s <http://ex/name> ?name
		OPTIONAL { ?s <http://ex/age> ?age }
	}`)

	require.Len(t, result.Solutions, 2)

	withAge := 0
	withoutAge := 0
	for _, solution := range result.Solutions {
		if age, ok := solution["age"]; ok {
			require.True(t, age.Equals(rdf.NewLiteral("30")))
			withAge++
		} else {
			withoutAge++
		}
	}
	require.Equal(t, 1, withAge)
	require.Equal(t, 1, withoutAge)
}

// Scenario: zero-or-more path includes the identity and the closure.
func TestZeroOrMorePath(t *testing.T) {
	e := newTestEngine(t)
	mustUpdate(t, e, `INSERT DATA {
		<http://ex/A> <http://ex/next> <http://ex/B> .
		<http://ex/B> <http://ex/next> <http://ex/C> .
		<http://ex/C> <http://ex/next> <http://ex/D>
	}`)

	result := query(t, e, `SELECT ?n WHERE { <http://ex/A> <http://ex/next>* ?n }`)

	var got []string
	for _, solution := range result.Solutions {
		got = append(got, solution["n"].(*rdf.NamedNode).IRI)
	}
	require.ElementsMatch(t, []string{
		"http://ex/A", "http://ex/B", "http://ex/C", "http://ex/D",
	}, got)
}

// Scenario: UNION of disjoint branches.
func TestUnionOfDisjointBranches(t *testing.T) {
	e := newTestEngine(t)
	mustUpdate(t, e, `INSERT DATA {
		<http://ex/A> <http://ex/knows> <http://ex/B> .
		<http://ex/C> <http://ex/likes> <http://ex/D>
	}`)

	result := query(t, e, `SELECT ?x ?y WHERE {
		{ ?x <http://ex/knows> ?y } UNION { ?x <http://ex/likes> ?y }
	}`)

	require.Len(t, result.Solutions, 2)
	var pairs []string
	for _, solution := range result.Solutions {
		pairs = append(pairs, solution["x"].(*rdf.NamedNode).IRI+"|"+solution["y"].(*rdf.NamedNode).IRI)
	}
	require.ElementsMatch(t, []string{
		"http://ex/A|http://ex/B",
		"http://ex/C|http://ex/D",
	}, pairs)
}

// Scenario: GROUP BY with SUM.
func TestGroupByWithSum(t *testing.T) {
	e := newTestEngine(t)
	mustUpdate(t, e, `INSERT DATA {
		<http://ex/s1> <http://ex/cat> "N" . <http://ex/s1> <http://ex/amt> 100 .
		<http://ex/s2> <http://ex/cat> "N" . <http://ex/s2> <http://ex/amt> 150 .
		<http://ex/s3> <http://ex/cat> "N" . <http://ex/s3> <http://ex/amt> 200 .
		<http://ex/s4> <http://ex/cat> "S" . <http://ex/s4> <http://ex/amt> 50
	}`)

	result := query(t, e, `SELECT ?cat (SUM(?amt) AS ?t) WHERE {
		?s <http://ex/cat> ?cat . ?s <http://ex/amt> ?amt
	} GROUP BY ?cat`)

	require.Len(t, result.Solutions, 2)
	totals := make(map[string]string)
	for _, solution := range result.Solutions {
		cat := solution["cat"].(*rdf.Literal).Value
		totals[cat] = solution["t"].(*rdf.Literal).Value
	}
	require.Equal(t, "450", totals["N"])
	require.Equal(t, "50", totals["S"])
}

// Scenario: a five-pattern star selects the leapfrog join.
func TestFivePatternStarSelectsLeapfrog(t *testing.T) {
	e := newTestEngine(t)

	var sb strings.Builder
	sb.WriteString("INSERT DATA {\n")
	// One entity with all five properties.
	for i := 1; i <= 5; i++ {
		fmt.Fprintf(&sb, "<http://ex/full> <http://ex/p%d> \"v%d\" .\n", i, i)
	}
	// 99 entities with only some of them.
	for n := 0; n < 99; n++ {
		for i := 1; i <= (n%4)+1; i++ {
			fmt.Fprintf(&sb, "<http://ex/e%d> <http://ex/p%d> \"v\" .\n", n, i)
		}
	}
	sb.WriteString("}")
	mustUpdate(t, e, sb.String())

	queryText := `SELECT ?x WHERE {
		?x <http://ex/p1> ?v1 . ?x <http://ex/p2> ?v2 . ?x <http://ex/p3> ?v3 .
		?x <http://ex/p4> ?v4 . ?x <http://ex/p5> ?v5
	}`

	explain, err := e.Query(context.Background(), queryText, &Options{
		Optimize: true, UseCache: true, Explain: true,
	})
	require.NoError(t, err)
	require.Contains(t, explain.Explain, "Leapfrog on ?x over 5 patterns")

	result := query(t, e, queryText)
	require.Len(t, result.Solutions, 1)
	require.True(t, result.Solutions[0]["x"].Equals(rdf.NewNamedNode("http://ex/full")))
}

func TestAskConstructDescribe(t *testing.T) {
	e := newTestEngine(t)
	mustUpdate(t, e, `INSERT DATA {
		<http://ex/a> <http://ex/p> "v" .
		<http://ex/a> <http://ex/q> _:blank .
		_:blank <http://ex/inner> "nested"
	}`)

	result := query(t, e, `ASK { <http://ex/a> <http://ex/p> "v" }`)
	require.Equal(t, ResultBoolean, result.Kind)
	require.True(t, result.Boolean)

	result = query(t, e, `ASK { <http://ex/a> <http://ex/p> "absent" }`)
	require.False(t, result.Boolean)

	result = query(t, e, `CONSTRUCT { ?s <http://ex/copied> ?o } WHERE { ?s <http://ex/p> ?o }`)
	require.Equal(t, ResultGraph, result.Kind)
	require.Len(t, result.Graph, 1)
	require.True(t, result.Graph[0].Predicate.Equals(rdf.NewNamedNode("http://ex/copied")))

	// DESCRIBE yields the subject triples plus blank-node closure.
	result = query(t, e, `DESCRIBE <http://ex/a>`)
	require.Equal(t, ResultGraph, result.Kind)
	require.Len(t, result.Graph, 3)
}

func TestMinusSemantics(t *testing.T) {
	e := newTestEngine(t)
	mustUpdate(t, e, `INSERT DATA {
		<http://ex/a> <http://ex/p> "1" .
		<http://ex/b> <http://ex/p> "2" .
		<http://ex/a> <http://ex/q> "x"
	}`)

	// ?s is shared and bound on both sides: a is excluded.
	result := query(t, e, `SELECT ?s WHERE {
		?s <http://ex/p> ?v MINUS { ?s <http://ex/q> ?x }
	}`)
	require.Len(t, result.Solutions, 1)
	require.True(t, result.Solutions[0]["s"].Equals(rdf.NewNamedNode("http://ex/b")))

	// No shared variable: MINUS removes nothing (unlike NOT EXISTS).
	result = query(t, e, `SELECT ?s WHERE {
		?s <http://ex/p> ?v MINUS { ?other <http://ex/q> ?x }
	}`)
	require.Len(t, result.Solutions, 2)
}

func TestFilterAndBind(t *testing.T) {
	e := newTestEngine(t)
	mustUpdate(t, e, `INSERT DATA {
		<http://ex/a> <http://ex/age> 25 .
		<http://ex/b> <http://ex/age> 35
	}`)

	result := query(t, e, `SELECT ?s WHERE {
		?s <http://ex/age> ?age FILTER(?age > 30)
	}`)
	require.Len(t, result.Solutions, 1)
	require.True(t, result.Solutions[0]["s"].Equals(rdf.NewNamedNode("http://ex/b")))

	result = query(t, e, `SELECT ?doubled WHERE {
		?s <http://ex/age> ?age BIND(?age * 2 AS ?doubled)
	} ORDER BY ?doubled`)
	require.Len(t, result.Solutions, 2)
	require.True(t, result.Solutions[0]["doubled"].Equals(rdf.NewIntegerLiteral(50)))
	require.True(t, result.Solutions[1]["doubled"].Equals(rdf.NewIntegerLiteral(70)))
}

func TestOrderLimitOffset(t *testing.T) {
	e := newTestEngine(t)
	mustUpdate(t, e, `INSERT DATA {
		<http://ex/a> <http://ex/n> 3 .
		<http://ex/b> <http://ex/n> 1 .
		<http://ex/c> <http://ex/n> 2
	}`)

	result := query(t, e, `SELECT ?v WHERE { ?s <http://ex/n> ?v } ORDER BY ?v LIMIT 2 OFFSET 1`)
	require.Len(t, result.Solutions, 2)
	require.True(t, result.Solutions[0]["v"].Equals(rdf.NewIntegerLiteral(2)))
	require.True(t, result.Solutions[1]["v"].Equals(rdf.NewIntegerLiteral(3)))
}

func TestPlanCacheHitRate(t *testing.T) {
	e := newTestEngine(t)
	mustUpdate(t, e, `INSERT DATA { <http://ex/a> <http://ex/p> "v" }`)

	// Same shape under different variable names must hit one cache entry.
	for i := 0; i < 20; i++ {
		name := fmt.Sprintf("v%d", i)
		_ = query(t, e, fmt.Sprintf(`SELECT ?%s WHERE { ?%s <http://ex/p> "v" }`, name, name))
	}

	stats := e.cache.Stats()
	require.GreaterOrEqual(t, stats.HitRate(), 0.9)
}

func TestPlanCacheInvalidationByPredicate(t *testing.T) {
	e := newTestEngine(t)
	mustUpdate(t, e, `INSERT DATA {
		<http://ex/a> <http://ex/p> "1" .
		<http://ex/a> <http://ex/q> "2"
	}`)

	_ = query(t, e, `SELECT ?o WHERE { ?s <http://ex/p> ?o }`)
	_ = query(t, e, `SELECT ?o WHERE { ?s <http://ex/q> ?o }`)
	require.Equal(t, 2, e.cache.Stats().Size)

	// A write touching p removes exactly the plan depending on p.
	mustUpdate(t, e, `INSERT DATA { <http://ex/b> <http://ex/p> "3" }`)
	require.Equal(t, 1, e.cache.Stats().Size)
}

func TestUpdateOperations(t *testing.T) {
	e := newTestEngine(t)

	affected, err := e.Update(context.Background(), `INSERT DATA {
		<http://ex/a> <http://ex/p> "1" .
		<http://ex/b> <http://ex/p> "2"
	}`)
	require.NoError(t, err)
	require.Equal(t, int64(2), affected)

	// Deleting an absent triple is a no-op with count 0.
	affected, err = e.Update(context.Background(), `DELETE DATA { <http://ex/zz> <http://ex/p> "none" }`)
	require.NoError(t, err)
	require.Equal(t, int64(0), affected)

	// MODIFY renames a predicate.
	affected, err = e.Update(context.Background(), `
		DELETE { ?s <http://ex/p> ?o } INSERT { ?s <http://ex/renamed> ?o }
		WHERE { ?s <http://ex/p> ?o }`)
	require.NoError(t, err)
	require.Equal(t, int64(4), affected)

	result := query(t, e, `SELECT ?s WHERE { ?s <http://ex/renamed> ?o }`)
	require.Len(t, result.Solutions, 2)

	// DELETE WHERE drains them.
	affected, err = e.Update(context.Background(), `DELETE WHERE { ?s <http://ex/renamed> ?o }`)
	require.NoError(t, err)
	require.Equal(t, int64(2), affected)

	stats, err := e.Stats()
	require.NoError(t, err)
	require.Equal(t, int64(0), stats.Triples)
}

func TestClear(t *testing.T) {
	e := newTestEngine(t)
	mustUpdate(t, e, `INSERT DATA {
		<http://ex/a> <http://ex/p> "1" .
		<http://ex/b> <http://ex/q> "2"
	}`)

	affected, err := e.Update(context.Background(), `CLEAR ALL`)
	require.NoError(t, err)
	require.Equal(t, int64(2), affected)

	stats, err := e.Stats()
	require.NoError(t, err)
	require.Equal(t, int64(0), stats.Triples)
}

func TestInvalidOptionRejected(t *testing.T) {
	_, err := OptionsFromMap(map[string]any{"optimise": true})
	require.ErrorIs(t, err, ErrInvalidOption)

	opts, err := OptionsFromMap(map[string]any{"use_cache": false, "timeout": "2s"})
	require.NoError(t, err)
	require.False(t, opts.UseCache)
	require.Equal(t, 2*time.Second, opts.Timeout)
}

func TestParseErrorTaxonomy(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.Query(context.Background(), `SELECT WHERE`, nil)
	require.ErrorIs(t, err, ErrParse)
	require.Equal(t, 2, ExitCode(err))

	_, err = e.Update(context.Background(), `LOAD <http://x>`)
	require.ErrorIs(t, err, ErrParse)
}

func TestQueryTimeout(t *testing.T) {
	e := newTestEngine(t)

	var sb strings.Builder
	sb.WriteString("INSERT DATA {\n")
	for i := 0; i < 500; i++ {
		fmt.Fprintf(&sb, "<http://ex/s%d> <http://ex/p> <http://ex/o%d> .\n", i, i)
	}
	sb.WriteString("}")
	mustUpdate(t, e, sb.String())

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // already expired

	_, err := e.Query(ctx, `SELECT * WHERE { ?a <http://ex/p> ?b . ?c <http://ex/p> ?d . ?e <http://ex/p> ?f }`, nil)
	require.ErrorIs(t, err, ErrTimeout)
	require.Equal(t, 3, ExitCode(err))
}

func TestPreparedQueries(t *testing.T) {
	e := newTestEngine(t)
	mustUpdate(t, e, `INSERT DATA {
		<http://ex/alice> <http://ex/name> "Alice" .
		<http://ex/bob> <http://ex/name> "Bob"
	}`)

	prepared, err := e.Prepare(`SELECT ?name WHERE { $who <http://ex/name> ?name }`, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"who"}, prepared.Parameters)

	// Missing parameters are reported before execution.
	_, err = e.Execute(context.Background(), prepared, nil, nil)
	require.ErrorIs(t, err, ErrMissingParameters)
	var engineErr *Error
	require.ErrorAs(t, err, &engineErr)
	require.Equal(t, []string{"who"}, engineErr.Missing)

	// Raw strings coerce: IRI-looking values become NamedNodes.
	result, err := e.Execute(context.Background(), prepared,
		map[string]any{"who": "http://ex/alice"}, nil)
	require.NoError(t, err)
	require.Len(t, result.Solutions, 1)
	require.True(t, result.Solutions[0]["name"].Equals(rdf.NewLiteral("Alice")))

	// Explicit terms work too.
	result, err = e.Execute(context.Background(), prepared,
		map[string]any{"who": rdf.NewNamedNode("http://ex/bob")}, nil)
	require.NoError(t, err)
	require.Len(t, result.Solutions, 1)
	require.True(t, result.Solutions[0]["name"].Equals(rdf.NewLiteral("Bob")))
}

func TestStreamQuery(t *testing.T) {
	e := newTestEngine(t)
	mustUpdate(t, e, `INSERT DATA {
		<http://ex/a> <http://ex/p> "1" .
		<http://ex/b> <http://ex/p> "2" .
		<http://ex/c> <http://ex/p> "3"
	}`)

	stream, err := e.StreamQuery(context.Background(), `SELECT ?o WHERE { ?s <http://ex/p> ?o }`, nil)
	require.NoError(t, err)
	defer stream.Close()

	count := 0
	for stream.Next() {
		require.NotNil(t, stream.Solution()["o"])
		count++
	}
	require.NoError(t, stream.Err())
	require.Equal(t, 3, count)

	// Streaming is SELECT-only.
	_, err = e.StreamQuery(context.Background(), `ASK { ?s ?p ?o }`, nil)
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestValuesClause(t *testing.T) {
	e := newTestEngine(t)
	mustUpdate(t, e, `INSERT DATA {
		<http://ex/a> <http://ex/p> "1" .
		<http://ex/b> <http://ex/p> "2" .
		<http://ex/c> <http://ex/p> "3"
	}`)

	result := query(t, e, `SELECT ?s ?o WHERE {
		?s <http://ex/p> ?o
		VALUES ?s { <http://ex/a> <http://ex/c> }
	}`)
	require.Len(t, result.Solutions, 2)
}

func TestDistinctAndAggregatesOverEmpty(t *testing.T) {
	e := newTestEngine(t)
	mustUpdate(t, e, `INSERT DATA {
		<http://ex/a> <http://ex/p> "dup" .
		<http://ex/b> <http://ex/p> "dup"
	}`)

	result := query(t, e, `SELECT DISTINCT ?o WHERE { ?s <http://ex/p> ?o }`)
	require.Len(t, result.Solutions, 1)

	// SUM over an empty input is 0; COUNT is 0.
	result = query(t, e, `SELECT (SUM(?v) AS ?sum) (COUNT(*) AS ?n) WHERE { ?s <http://ex/none> ?v }`)
	require.Len(t, result.Solutions, 1)
	require.True(t, result.Solutions[0]["sum"].Equals(rdf.NewIntegerLiteral(0)))
	require.True(t, result.Solutions[0]["n"].Equals(rdf.NewIntegerLiteral(0)))
}

func TestNotExistsVersusMinus(t *testing.T) {
	e := newTestEngine(t)
	mustUpdate(t, e, `INSERT DATA {
		<http://ex/a> <http://ex/p> "1" .
		<http://ex/a> <http://ex/q> "x"
	}`)

	result := query(t, e, `SELECT ?s WHERE {
		?s <http://ex/p> ?v FILTER NOT EXISTS { ?s <http://ex/q> ?x }
	}`)
	require.Empty(t, result.Solutions)
}
