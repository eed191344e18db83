package optimizer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ternstore/tern/internal/sparql/algebra"
	"github.com/ternstore/tern/internal/sparql/parser"
	"github.com/ternstore/tern/internal/storage"
	"github.com/ternstore/tern/internal/store"
	"github.com/ternstore/tern/pkg/rdf"
)

func parseQuery(t *testing.T, text string) *algebra.Query {
	t.Helper()
	query, err := parser.NewParser(text).ParseQuery()
	require.NoError(t, err)
	return query
}

func newTestOptimizer(t *testing.T) (*Optimizer, *store.TripleStore) {
	t.Helper()
	backend, err := storage.NewInMemoryStorage()
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	ts, err := store.Open(backend)
	require.NoError(t, err)
	return NewOptimizer(NewStatistics(ts)), ts
}

func TestFingerprintIgnoresVariableNames(t *testing.T) {
	a := parseQuery(t, `SELECT ?x WHERE { ?x <http://p> ?y . ?y <http://q> ?z }`)
	b := parseQuery(t, `SELECT ?s WHERE { ?s <http://p> ?o . ?o <http://q> ?v }`)
	require.Equal(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprintKeepsPatternOrderSignificant(t *testing.T) {
	a := parseQuery(t, `SELECT ?x WHERE { ?x <http://p> ?y . ?x <http://q> ?z }`)
	b := parseQuery(t, `SELECT ?x WHERE { ?x <http://q> ?z . ?x <http://p> ?y }`)
	require.NotEqual(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprintDistinguishesStructure(t *testing.T) {
	a := parseQuery(t, `SELECT ?x WHERE { ?x <http://p> ?x }`)
	b := parseQuery(t, `SELECT ?x WHERE { ?x <http://p> ?y }`)
	require.NotEqual(t, Fingerprint(a), Fingerprint(b))
}

func TestRewriteSplitsAndPushesFilters(t *testing.T) {
	query := parseQuery(t, `SELECT * WHERE {
		?a <http://p> ?b . FILTER(?b > 1 && ?b < 9)
	}`)

	rewritten := Rewrite(query.Root)

	// The conjunction splits into two stacked filters.
	outer, ok := rewritten.(*algebra.Filter)
	require.True(t, ok)
	inner, ok := outer.Child.(*algebra.Filter)
	require.True(t, ok)
	require.IsType(t, &algebra.BGP{}, inner.Child)
}

func TestRewritePushesConstantBind(t *testing.T) {
	query := parseQuery(t, `SELECT ?o WHERE {
		BIND(<http://ex/alice> AS ?who)
		?who <http://p> ?o
	}`)

	rewritten := Rewrite(query.Root)

	found := false
	walkOperators(rewritten, func(op algebra.Operator) {
		if bgp, ok := op.(*algebra.BGP); ok {
			for _, p := range bgp.Patterns {
				if p.Subject.Term != nil && p.Subject.Term.Equals(rdf.NewNamedNode("http://ex/alice")) {
					found = true
				}
			}
		}
	})
	require.True(t, found, "constant BIND must be pushed into the pattern")
}

func TestRewriteFoldsConstantExpressions(t *testing.T) {
	query := parseQuery(t, `SELECT * WHERE { ?a <http://p> ?b . FILTER(?b > (2 + 3)) }`)

	rewritten := Rewrite(query.Root)

	filter, ok := rewritten.(*algebra.Filter)
	require.True(t, ok)
	cmp, ok := filter.Expr.(*algebra.BinaryExpr)
	require.True(t, ok)
	folded, ok := cmp.Right.(*algebra.TermExpr)
	require.True(t, ok)
	require.True(t, folded.Term.Equals(rdf.NewIntegerLiteral(5)))
}

func TestRewriteElidesDistinctOverGroup(t *testing.T) {
	query := parseQuery(t, `SELECT DISTINCT ?cat (COUNT(*) AS ?n)
		WHERE { ?s <http://cat> ?cat } GROUP BY ?cat`)

	rewritten := Rewrite(query.Root)

	walkOperators(rewritten, func(op algebra.Operator) {
		_, isDistinct := op.(*algebra.Distinct)
		require.False(t, isDistinct, "DISTINCT above a group must be elided")
	})
}

func TestCompileChoosesLeapfrogForStars(t *testing.T) {
	opt, _ := newTestOptimizer(t)

	query := parseQuery(t, `SELECT ?x WHERE {
		?x <http://p1> ?a . ?x <http://p2> ?b .
		?x <http://p3> ?c . ?x <http://p4> ?d
	}`)

	compiled, err := opt.Optimize(query)
	require.NoError(t, err)

	found := false
	var walk func(Plan)
	walk = func(p Plan) {
		switch v := p.(type) {
		case *LeapfrogPlan:
			found = true
			require.Equal(t, "x", v.Var)
			require.Len(t, v.Patterns, 4)
		case *JoinPlan:
			walk(v.Left)
			walk(v.Right)
		case *ProjectPlan:
			walk(v.Input)
		case *FilterPlan:
			walk(v.Input)
		}
	}
	walk(compiled.Plan)
	require.True(t, found)
}

func TestCompileSkipsLeapfrogBelowThreshold(t *testing.T) {
	opt, _ := newTestOptimizer(t)

	query := parseQuery(t, `SELECT ?x WHERE {
		?x <http://p1> ?a . ?x <http://p2> ?b . ?x <http://p3> ?c
	}`)

	compiled, err := opt.Optimize(query)
	require.NoError(t, err)

	var walk func(Plan) bool
	walk = func(p Plan) bool {
		switch v := p.(type) {
		case *LeapfrogPlan:
			return true
		case *JoinPlan:
			return walk(v.Left) || walk(v.Right)
		case *ProjectPlan:
			return walk(v.Input)
		}
		return false
	}
	require.False(t, walk(compiled.Plan), "3 patterns must not select leapfrog")
}

func TestJoinStrategySelection(t *testing.T) {
	opt, _ := newTestOptimizer(t)

	// Small inputs prefer nested loop.
	strategy, _ := opt.chooseStrategy(10, 10)
	require.Equal(t, JoinNestedLoop, strategy)

	// Large inputs on both sides prefer hash.
	strategy, _ = opt.chooseStrategy(10_000, 10_000)
	require.Equal(t, JoinHash, strategy)

	// One tiny side keeps nested loop even against a large side.
	strategy, _ = opt.chooseStrategy(5, 1_000_000)
	require.Equal(t, JoinNestedLoop, strategy)
}

func TestStatisticsEstimates(t *testing.T) {
	opt, ts := newTestOptimizer(t)

	for i := 0; i < 5; i++ {
		_, err := ts.InsertTriple(rdf.NewTriple(
			rdf.NewNamedNode("http://ex/s"),
			rdf.NewNamedNode("http://ex/common"),
			rdf.NewIntegerLiteral(int64(i)),
		))
		require.NoError(t, err)
	}
	_, err := ts.InsertTriple(rdf.NewTriple(
		rdf.NewNamedNode("http://ex/s"),
		rdf.NewNamedNode("http://ex/rare"),
		rdf.NewLiteral("x"),
	))
	require.NoError(t, err)

	stats := opt.stats
	require.Equal(t, int64(6), stats.TotalTriples())
	require.Equal(t, int64(5), stats.PredicateCount("http://ex/common"))
	require.Equal(t, int64(1), stats.PredicateCount("http://ex/rare"))
	require.Equal(t, int64(1), stats.DistinctSubjects())
	require.Equal(t, int64(2), stats.DistinctPredicates())

	common := parseQuery(t, `SELECT * WHERE { ?s <http://ex/common> ?o }`)
	bgp := common.Root.(*algebra.BGP)
	require.Equal(t, int64(5), stats.EstimatePattern(bgp.Patterns[0]))

	// Statistics refresh after invalidation.
	_, err = ts.InsertTriple(rdf.NewTriple(
		rdf.NewNamedNode("http://ex/t"),
		rdf.NewNamedNode("http://ex/common"),
		rdf.NewLiteral("new"),
	))
	require.NoError(t, err)
	stats.Invalidate()
	require.Equal(t, int64(6), stats.PredicateCount("http://ex/common"))
}

func TestPlanCacheLRUAndStats(t *testing.T) {
	cache, err := NewPlanCache(2)
	require.NoError(t, err)

	entry := &CachedPlan{Predicates: []string{"http://p"}}
	cache.Put("a", entry)
	cache.Put("b", entry)

	_, ok := cache.Get("a")
	require.True(t, ok)
	_, ok = cache.Get("missing")
	require.False(t, ok)

	// Exceeding capacity evicts the least recently used entry.
	cache.Put("c", entry)
	stats := cache.Stats()
	require.Equal(t, int64(1), stats.Hits)
	require.Equal(t, int64(1), stats.Misses)
	require.Equal(t, int64(1), stats.Evictions)
	require.Equal(t, 2, stats.Size)
}

func TestPlanCachePredicateInvalidation(t *testing.T) {
	cache, err := NewPlanCache(8)
	require.NoError(t, err)

	cache.Put("p-plan", &CachedPlan{Predicates: []string{"http://p"}})
	cache.Put("q-plan", &CachedPlan{Predicates: []string{"http://q"}})
	cache.Put("pq-plan", &CachedPlan{Predicates: []string{"http://p", "http://q"}})

	removed := cache.InvalidatePredicate("http://p")
	require.Equal(t, 2, removed)
	require.Equal(t, 1, cache.Stats().Size)

	_, ok := cache.Get("q-plan")
	require.True(t, ok)
}

func TestTooManyVariables(t *testing.T) {
	opt, _ := newTestOptimizer(t)

	bgp := &algebra.BGP{}
	for i := 0; i < MaxVariables+1; i++ {
		bgp.Patterns = append(bgp.Patterns, &algebra.TriplePattern{
			Subject:   algebra.TermOrVariable{Variable: algebra.NewVariable(varName(i))},
			Predicate: algebra.TermOrVariable{Term: rdf.NewNamedNode("http://p")},
			Object:    algebra.TermOrVariable{Term: rdf.NewLiteral("v")},
		})
	}

	_, err := opt.Optimize(&algebra.Query{Form: algebra.FormSelect, Root: bgp})
	require.ErrorIs(t, err, ErrTooManyVariables)
}

func varName(i int) string {
	return "v" + string(rune('a'+i%26)) + string(rune('a'+(i/26)%26)) + string(rune('a'+(i/676)%26))
}
