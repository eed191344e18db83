package dictionary

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ternstore/tern/internal/storage"
	"github.com/ternstore/tern/pkg/rdf"
)

func newTestDictionary(t *testing.T) *Dictionary {
	t.Helper()
	backend, err := storage.NewInMemoryStorage()
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	dict, err := Open(backend, 128)
	require.NoError(t, err)
	return dict
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	dict := newTestDictionary(t)

	terms := []rdf.Term{
		rdf.NewNamedNode("http://example.org/alice"),
		rdf.NewBlankNode("b0"),
		rdf.NewLiteral("hello"),
		rdf.NewLiteralWithLanguage("hallo", "de"),
		rdf.NewIntegerLiteral(42),
		rdf.NewLiteralWithDatatype("2024-01-01", rdf.XSDDate),
	}

	for _, term := range terms {
		id, created, err := dict.Encode(term)
		require.NoError(t, err)
		require.True(t, created)
		require.NotZero(t, id)

		decoded, err := dict.Decode(id)
		require.NoError(t, err)
		require.True(t, term.Equals(decoded), "round trip of %s", term)
	}
}

func TestEncodeIsIdempotent(t *testing.T) {
	dict := newTestDictionary(t)
	term := rdf.NewNamedNode("http://example.org/x")

	first, created, err := dict.Encode(term)
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := dict.Encode(term)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first, second)
}

func TestIDsAreDenseAndMonotonic(t *testing.T) {
	dict := newTestDictionary(t)

	a, _, err := dict.Encode(rdf.NewNamedNode("http://example.org/a"))
	require.NoError(t, err)
	b, _, err := dict.Encode(rdf.NewNamedNode("http://example.org/b"))
	require.NoError(t, err)
	c, _, err := dict.Encode(rdf.NewNamedNode("http://example.org/c"))
	require.NoError(t, err)

	require.Equal(t, uint64(1), a)
	require.Equal(t, uint64(2), b)
	require.Equal(t, uint64(3), c)
}

func TestGetIDUnknownTerm(t *testing.T) {
	dict := newTestDictionary(t)

	_, err := dict.GetID(rdf.NewNamedNode("http://example.org/missing"))
	require.ErrorIs(t, err, ErrNotFound)

	_, err = dict.Decode(12345)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = dict.Decode(0)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLiteralDatatypeDisambiguation(t *testing.T) {
	dict := newTestDictionary(t)

	plain := rdf.NewLiteral("5")
	typed := rdf.NewLiteralWithDatatype("5", rdf.XSDInteger)

	plainID, _, err := dict.Encode(plain)
	require.NoError(t, err)
	typedID, _, err := dict.Encode(typed)
	require.NoError(t, err)
	require.NotEqual(t, plainID, typedID)
}

func TestConcurrentEncodeSameTerm(t *testing.T) {
	dict := newTestDictionary(t)
	term := rdf.NewNamedNode("http://example.org/contended")

	const workers = 16
	ids := make([]uint64, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			id, _, err := dict.Encode(term)
			require.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		require.Equal(t, ids[0], id)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	backend, err := storage.NewInMemoryStorage()
	require.NoError(t, err)
	defer backend.Close()

	dict, err := Open(backend, 16)
	require.NoError(t, err)
	id, _, err := dict.Encode(rdf.NewLiteral("persistent"))
	require.NoError(t, err)
	require.NoError(t, dict.Close())

	reopened, err := Open(backend, 16)
	require.NoError(t, err)

	got, err := reopened.GetID(rdf.NewLiteral("persistent"))
	require.NoError(t, err)
	require.Equal(t, id, got)

	// The counter continues after the highest allocated id.
	next, created, err := reopened.Encode(rdf.NewLiteral("fresh"))
	require.NoError(t, err)
	require.True(t, created)
	require.Greater(t, next, id)
}
