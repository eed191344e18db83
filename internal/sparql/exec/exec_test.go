package exec

import (
	"context"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ternstore/tern/internal/sparql/algebra"
	"github.com/ternstore/tern/internal/sparql/optimizer"
	"github.com/ternstore/tern/internal/sparql/parser"
	"github.com/ternstore/tern/internal/storage"
	"github.com/ternstore/tern/internal/store"
	"github.com/ternstore/tern/pkg/rdf"
)

type fixture struct {
	store *store.TripleStore
	opt   *optimizer.Optimizer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	backend, err := storage.NewInMemoryStorage()
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	ts, err := store.Open(backend)
	require.NoError(t, err)
	return &fixture{
		store: ts,
		opt:   optimizer.NewOptimizer(optimizer.NewStatistics(ts)),
	}
}

func (f *fixture) insert(t *testing.T, s, p, o string) {
	t.Helper()
	var object rdf.Term
	if len(o) > 7 && o[:7] == "http://" {
		object = rdf.NewNamedNode(o)
	} else {
		object = rdf.NewLiteral(o)
	}
	_, err := f.store.InsertTriple(rdf.NewTriple(
		rdf.NewNamedNode(s), rdf.NewNamedNode(p), object,
	))
	require.NoError(t, err)
}

func (f *fixture) executor(t *testing.T) *Executor {
	t.Helper()
	return New(context.Background(), f.store, Limits{}, f.opt.CompileOperator)
}

func (f *fixture) run(t *testing.T, queryText string) []*store.Binding {
	t.Helper()
	query, err := parser.NewParser(queryText).ParseQuery()
	require.NoError(t, err)
	compiled, err := f.opt.Optimize(query)
	require.NoError(t, err)

	bindings, err := f.executor(t).CollectSelect(compiled.Plan)
	require.NoError(t, err)
	return bindings
}

func signatures(bindings []*store.Binding) []string {
	out := make([]string, len(bindings))
	for i, b := range bindings {
		out[i] = bindingSignature(b)
	}
	sort.Strings(out)
	return out
}

func TestScanRepeatedVariable(t *testing.T) {
	f := newFixture(t)
	f.insert(t, "http://ex/a", "http://ex/p", "http://ex/a") // self loop
	f.insert(t, "http://ex/a", "http://ex/p", "http://ex/b")

	bindings := f.run(t, `SELECT ?x WHERE { ?x <http://ex/p> ?x }`)
	require.Len(t, bindings, 1)
	require.True(t, bindings[0].Vars["x"].Equals(rdf.NewNamedNode("http://ex/a")))
}

// Join strategies must produce equal multisets.
func TestJoinStrategyEquivalence(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 20; i++ {
		subject := fmt.Sprintf("http://ex/s%d", i)
		f.insert(t, subject, "http://ex/left", fmt.Sprintf("L%d", i%5))
		if i%2 == 0 {
			f.insert(t, subject, "http://ex/right", fmt.Sprintf("R%d", i))
		}
	}

	left := &optimizer.ScanPlan{Pattern: &algebra.TriplePattern{
		Subject:   algebra.TermOrVariable{Variable: algebra.NewVariable("s")},
		Predicate: algebra.TermOrVariable{Term: rdf.NewNamedNode("http://ex/left")},
		Object:    algebra.TermOrVariable{Variable: algebra.NewVariable("l")},
	}}
	right := &optimizer.ScanPlan{Pattern: &algebra.TriplePattern{
		Subject:   algebra.TermOrVariable{Variable: algebra.NewVariable("s")},
		Predicate: algebra.TermOrVariable{Term: rdf.NewNamedNode("http://ex/right")},
		Object:    algebra.TermOrVariable{Variable: algebra.NewVariable("r")},
	}}

	nested, err := f.executor(t).CollectSelect(&optimizer.JoinPlan{
		Left: left, Right: right, Strategy: optimizer.JoinNestedLoop,
	})
	require.NoError(t, err)

	hashed, err := f.executor(t).CollectSelect(&optimizer.JoinPlan{
		Left: left, Right: right, Strategy: optimizer.JoinHash,
	})
	require.NoError(t, err)

	require.Equal(t, signatures(nested), signatures(hashed))
	require.Len(t, nested, 10)
}

// Leapfrog must agree with the pairwise join strategies.
func TestLeapfrogEquivalence(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 30; i++ {
		subject := fmt.Sprintf("http://ex/s%d", i)
		f.insert(t, subject, "http://ex/p1", "a")
		if i%2 == 0 {
			f.insert(t, subject, "http://ex/p2", "b")
		}
		if i%3 == 0 {
			f.insert(t, subject, "http://ex/p3", "c")
		}
		if i%5 == 0 {
			f.insert(t, subject, "http://ex/p4", "d")
		}
	}

	queryText := `SELECT * WHERE {
		?x <http://ex/p1> ?v1 . ?x <http://ex/p2> ?v2 .
		?x <http://ex/p3> ?v3 . ?x <http://ex/p4> ?v4
	}`

	// The optimizer picks leapfrog for this shape.
	withLeapfrog := f.run(t, queryText)

	// Reference: pairwise nested-loop joins over the same patterns.
	patterns := make([]*optimizer.ScanPlan, 4)
	for i := range patterns {
		patterns[i] = &optimizer.ScanPlan{Pattern: &algebra.TriplePattern{
			Subject:   algebra.TermOrVariable{Variable: algebra.NewVariable("x")},
			Predicate: algebra.TermOrVariable{Term: rdf.NewNamedNode(fmt.Sprintf("http://ex/p%d", i+1))},
			Object:    algebra.TermOrVariable{Variable: algebra.NewVariable(fmt.Sprintf("v%d", i+1))},
		}}
	}
	var plan optimizer.Plan = patterns[0]
	for _, p := range patterns[1:] {
		plan = &optimizer.JoinPlan{Left: plan, Right: p, Strategy: optimizer.JoinNestedLoop}
	}
	reference, err := f.executor(t).CollectSelect(plan)
	require.NoError(t, err)

	require.Equal(t, signatures(reference), signatures(withLeapfrog))
	// Subjects divisible by 2, 3, and 5: s0 (and no other below 30).
	require.Len(t, withLeapfrog, 1)
}

// OPTIONAL preserves every left solution.
func TestLeftJoinPreservation(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 10; i++ {
		subject := fmt.Sprintf("http://ex/s%d", i)
		f.insert(t, subject, "http://ex/name", fmt.Sprintf("n%d", i))
		if i < 3 {
			f.insert(t, subject, "http://ex/extra", "e")
		}
	}

	bindings := f.run(t, `SELECT * WHERE {
		?s <http://ex/name> ?n OPTIONAL { ?s <http://ex/extra> ?e }
	}`)
	require.Len(t, bindings, 10)
}

func TestUnionPreservesOrderLeftThenRight(t *testing.T) {
	f := newFixture(t)
	f.insert(t, "http://ex/l", "http://ex/a", "1")
	f.insert(t, "http://ex/r", "http://ex/b", "2")

	bindings := f.run(t, `SELECT * WHERE {
		{ ?x <http://ex/a> ?v } UNION { ?x <http://ex/b> ?v }
	}`)
	require.Len(t, bindings, 2)
	require.True(t, bindings[0].Vars["x"].Equals(rdf.NewNamedNode("http://ex/l")))
	require.True(t, bindings[1].Vars["x"].Equals(rdf.NewNamedNode("http://ex/r")))
}

func TestSliceAndDistinct(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.insert(t, fmt.Sprintf("http://ex/s%d", i), "http://ex/p", "same")
	}

	bindings := f.run(t, `SELECT DISTINCT ?o WHERE { ?s <http://ex/p> ?o }`)
	require.Len(t, bindings, 1)

	bindings = f.run(t, `SELECT ?s WHERE { ?s <http://ex/p> ?o } LIMIT 2`)
	require.Len(t, bindings, 2)

	bindings = f.run(t, `SELECT ?s WHERE { ?s <http://ex/p> ?o } OFFSET 4`)
	require.Len(t, bindings, 1)
}

func TestOrderByUnboundFirst(t *testing.T) {
	f := newFixture(t)
	f.insert(t, "http://ex/a", "http://ex/name", "x")
	f.insert(t, "http://ex/b", "http://ex/name", "y")
	f.insert(t, "http://ex/b", "http://ex/rank", "1")

	bindings := f.run(t, `SELECT ?n ?r WHERE {
		?s <http://ex/name> ?n OPTIONAL { ?s <http://ex/rank> ?r }
	} ORDER BY ?r`)

	require.Len(t, bindings, 2)
	_, bound := bindings[0].Vars["r"]
	require.False(t, bound, "unbound sorts before any bound term")
	_, bound = bindings[1].Vars["r"]
	require.True(t, bound)
}

func TestAskShortCircuit(t *testing.T) {
	f := newFixture(t)
	f.insert(t, "http://ex/a", "http://ex/p", "v")

	query, err := parser.NewParser(`ASK { ?s <http://ex/p> ?o }`).ParseQuery()
	require.NoError(t, err)
	compiled, err := f.opt.Optimize(query)
	require.NoError(t, err)

	ok, err := f.executor(t).Ask(compiled.Plan)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestConstructBlankNodeScoping(t *testing.T) {
	f := newFixture(t)
	f.insert(t, "http://ex/a", "http://ex/p", "1")
	f.insert(t, "http://ex/b", "http://ex/p", "2")

	query, err := parser.NewParser(`
		CONSTRUCT { _:stmt <http://ex/about> ?s } WHERE { ?s <http://ex/p> ?o }
	`).ParseQuery()
	require.NoError(t, err)
	compiled, err := f.opt.Optimize(query)
	require.NoError(t, err)

	triples, err := f.executor(t).Construct(compiled.Plan, query.Template)
	require.NoError(t, err)
	require.Len(t, triples, 2)

	// Each solution gets a fresh blank node.
	first := triples[0].Subject.(*rdf.BlankNode)
	second := triples[1].Subject.(*rdf.BlankNode)
	require.NotEqual(t, first.ID, second.ID)
}

func TestMaxIterationsBudget(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 50; i++ {
		f.insert(t, fmt.Sprintf("http://ex/s%d", i), "http://ex/p", fmt.Sprintf("%d", i))
	}

	query, err := parser.NewParser(`SELECT * WHERE { ?a <http://ex/p> ?x . ?b <http://ex/p> ?y }`).ParseQuery()
	require.NoError(t, err)
	compiled, err := f.opt.Optimize(query)
	require.NoError(t, err)

	executor := New(context.Background(), f.store, Limits{MaxIterations: 100}, f.opt.CompileOperator)
	_, err = executor.CollectSelect(compiled.Plan)
	require.ErrorIs(t, err, ErrMaxIterations)
}

func TestNamedGraphPatternUnsupported(t *testing.T) {
	f := newFixture(t)

	query, err := parser.NewParser(`
		SELECT * WHERE { GRAPH <http://ex/g> { ?s ?p ?o } }
	`).ParseQuery()
	require.NoError(t, err)
	compiled, err := f.opt.Optimize(query)
	require.NoError(t, err)

	_, err = f.executor(t).CollectSelect(compiled.Plan)
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestExistsUnderCurrentBinding(t *testing.T) {
	f := newFixture(t)
	f.insert(t, "http://ex/a", "http://ex/p", "1")
	f.insert(t, "http://ex/a", "http://ex/flag", "y")
	f.insert(t, "http://ex/b", "http://ex/p", "2")

	bindings := f.run(t, `SELECT ?s WHERE {
		?s <http://ex/p> ?v FILTER EXISTS { ?s <http://ex/flag> ?f }
	}`)
	require.Len(t, bindings, 1)
	require.True(t, bindings[0].Vars["s"].Equals(rdf.NewNamedNode("http://ex/a")))
}
