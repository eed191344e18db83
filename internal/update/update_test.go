package update

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ternstore/tern/internal/sparql/algebra"
	"github.com/ternstore/tern/internal/sparql/exec"
	"github.com/ternstore/tern/internal/sparql/optimizer"
	"github.com/ternstore/tern/internal/sparql/parser"
	"github.com/ternstore/tern/internal/storage"
	"github.com/ternstore/tern/internal/store"
	"github.com/ternstore/tern/pkg/rdf"
)

func newTestExecutor(t *testing.T) (*Executor, *store.TripleStore) {
	t.Helper()
	backend, err := storage.NewInMemoryStorage()
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	ts, err := store.Open(backend)
	require.NoError(t, err)

	opt := optimizer.NewOptimizer(optimizer.NewStatistics(ts))
	return New(ts, opt), ts
}

func run(t *testing.T, u *Executor, text string) int64 {
	t.Helper()
	req, err := parser.NewParser(text).ParseUpdate()
	require.NoError(t, err)
	affected, err := u.Execute(context.Background(), req, exec.Limits{})
	require.NoError(t, err)
	return affected
}

func TestInsertAndDeleteData(t *testing.T) {
	u, ts := newTestExecutor(t)

	affected := run(t, u, `INSERT DATA {
		<http://ex/a> <http://ex/p> "1" .
		<http://ex/b> <http://ex/p> "2"
	}`)
	require.Equal(t, int64(2), affected)

	count, err := ts.Count()
	require.NoError(t, err)
	require.Equal(t, int64(2), count)

	// Re-inserting the same data affects nothing.
	affected = run(t, u, `INSERT DATA { <http://ex/a> <http://ex/p> "1" }`)
	require.Equal(t, int64(0), affected)

	affected = run(t, u, `DELETE DATA { <http://ex/a> <http://ex/p> "1" }`)
	require.Equal(t, int64(1), affected)

	// Deleting a nonexistent triple is a no-op.
	affected = run(t, u, `DELETE DATA { <http://ex/a> <http://ex/p> "1" }`)
	require.Equal(t, int64(0), affected)
}

func TestDeleteWhere(t *testing.T) {
	u, ts := newTestExecutor(t)
	run(t, u, `INSERT DATA {
		<http://ex/a> <http://ex/p> "1" .
		<http://ex/b> <http://ex/p> "2" .
		<http://ex/c> <http://ex/q> "3"
	}`)

	affected := run(t, u, `DELETE WHERE { ?s <http://ex/p> ?o }`)
	require.Equal(t, int64(2), affected)

	count, err := ts.Count()
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestInsertWhere(t *testing.T) {
	u, ts := newTestExecutor(t)
	run(t, u, `INSERT DATA {
		<http://ex/a> <http://ex/name> "Alice" .
		<http://ex/b> <http://ex/name> "Bob"
	}`)

	affected := run(t, u, `
		INSERT { ?s <http://ex/labeled> "yes" } WHERE { ?s <http://ex/name> ?n }
	`)
	require.Equal(t, int64(2), affected)

	has, err := ts.ContainsTriple(rdf.NewTriple(
		rdf.NewNamedNode("http://ex/a"),
		rdf.NewNamedNode("http://ex/labeled"),
		rdf.NewLiteral("yes"),
	))
	require.NoError(t, err)
	require.True(t, has)
}

func TestModifyDeletesThenInserts(t *testing.T) {
	u, ts := newTestExecutor(t)
	run(t, u, `INSERT DATA { <http://ex/a> <http://ex/old> "v" }`)

	affected := run(t, u, `
		DELETE { ?s <http://ex/old> ?o } INSERT { ?s <http://ex/new> ?o }
		WHERE { ?s <http://ex/old> ?o }
	`)
	require.Equal(t, int64(2), affected)

	has, err := ts.ContainsTriple(rdf.NewTriple(
		rdf.NewNamedNode("http://ex/a"),
		rdf.NewNamedNode("http://ex/new"),
		rdf.NewLiteral("v"),
	))
	require.NoError(t, err)
	require.True(t, has)

	has, err = ts.ContainsTriple(rdf.NewTriple(
		rdf.NewNamedNode("http://ex/a"),
		rdf.NewNamedNode("http://ex/old"),
		rdf.NewLiteral("v"),
	))
	require.NoError(t, err)
	require.False(t, has)
}

func TestTripleCapEnforced(t *testing.T) {
	u, _ := newTestExecutor(t)
	u.MaxDataTriples = 1

	req, err := parser.NewParser(`INSERT DATA {
		<http://ex/a> <http://ex/p> "1" .
		<http://ex/b> <http://ex/p> "2"
	}`).ParseUpdate()
	require.NoError(t, err)

	_, err = u.Execute(context.Background(), req, exec.Limits{})
	require.ErrorIs(t, err, ErrTooManyTriples)
}

func TestClearGraphUnsupported(t *testing.T) {
	u, _ := newTestExecutor(t)

	req := &algebra.UpdateRequest{Operations: []algebra.UpdateOp{
		&algebra.Clear{Target: algebra.ClearGraph, Graph: rdf.NewNamedNode("http://ex/g")},
	}}
	_, err := u.Execute(context.Background(), req, exec.Limits{})
	require.ErrorIs(t, err, ErrUnsupported)

	// SILENT makes it a no-op instead.
	req = &algebra.UpdateRequest{Operations: []algebra.UpdateOp{
		&algebra.Clear{Target: algebra.ClearGraph, Silent: true},
	}}
	_, err = u.Execute(context.Background(), req, exec.Limits{})
	require.NoError(t, err)
}

func TestPartialFailureKeepsEarlierStatements(t *testing.T) {
	u, ts := newTestExecutor(t)
	u.MaxDataTriples = 2

	req, err := parser.NewParser(`
		INSERT DATA { <http://ex/a> <http://ex/p> "1" } ;
		INSERT DATA {
			<http://ex/b> <http://ex/p> "2" .
			<http://ex/c> <http://ex/p> "3" .
			<http://ex/d> <http://ex/p> "4"
		}
	`).ParseUpdate()
	require.NoError(t, err)

	_, err = u.Execute(context.Background(), req, exec.Limits{})
	require.ErrorIs(t, err, ErrTooManyTriples)

	// The first statement's effect remains visible.
	count, err := ts.Count()
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestOnWriteNotification(t *testing.T) {
	u, _ := newTestExecutor(t)

	var touched [][]string
	u.OnWrite = func(predicates []string) {
		touched = append(touched, predicates)
	}

	run(t, u, `INSERT DATA { <http://ex/a> <http://ex/p> "1" }`)
	require.Len(t, touched, 1)
	require.Equal(t, []string{"http://ex/p"}, touched[0])
}
