// Package dictionary maintains the bijection between RDF terms and dense
// 64-bit term IDs. IDs are allocated monotonically starting at 1 on first
// insertion and are never reused; 0 is the reserved not-found sentinel.
package dictionary

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/ternstore/tern/internal/storage"
	"github.com/ternstore/tern/pkg/rdf"
)

var (
	ErrNotFound    = errors.New("term not found in dictionary")
	ErrUnknownTerm = errors.New("unknown term type")
)

const metaNextIDKey = "dictionary/next_id"

// DefaultCacheSize bounds each direction's in-memory LRU cache.
const DefaultCacheSize = 65536

// Dictionary provides the term <-> id mapping backed by two column families
// (term2id, id2term) plus in-memory LRU caches for both directions.
type Dictionary struct {
	storage storage.Storage

	forward *lru.Cache[string, uint64] // serialized term -> id
	reverse *lru.Cache[uint64, string] // id -> serialized term

	// creating deduplicates concurrent Encode calls for the same term so
	// that exactly one id is allocated.
	creating singleflight.Group

	// mu serializes id allocation; nextID mirrors the persisted counter.
	mu     sync.Mutex
	nextID uint64
}

// Open loads (or initializes) the dictionary over the given storage.
func Open(s storage.Storage, cacheSize int) (*Dictionary, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	forward, err := lru.New[string, uint64](cacheSize)
	if err != nil {
		return nil, err
	}
	reverse, err := lru.New[uint64, string](cacheSize)
	if err != nil {
		return nil, err
	}

	d := &Dictionary{
		storage: s,
		forward: forward,
		reverse: reverse,
		nextID:  1,
	}

	if err := d.loadNextID(); err != nil {
		return nil, fmt.Errorf("failed to load dictionary counter: %w", err)
	}

	slog.Debug("dictionary opened", "nextID", d.nextID)
	return d, nil
}

func (d *Dictionary) loadNextID() error {
	txn, err := d.storage.Begin(false)
	if err != nil {
		return err
	}
	defer txn.Rollback()

	val, err := txn.Get(storage.TableMeta, []byte(metaNextIDKey))
	if err == storage.ErrNotFound {
		d.nextID = 1
		return nil
	}
	if err != nil {
		return err
	}
	if len(val) != 8 {
		return fmt.Errorf("corrupt dictionary counter: %d bytes", len(val))
	}
	d.nextID = binary.BigEndian.Uint64(val)
	return nil
}

// Encode returns the id for a term, allocating one on first encounter.
// Concurrent calls for the same term resolve to the same id.
func (d *Dictionary) Encode(term rdf.Term) (uint64, bool, error) {
	key, err := SerializeTerm(term)
	if err != nil {
		return 0, false, err
	}

	if id, ok := d.forward.Get(string(key)); ok {
		return id, false, nil
	}

	type encodeResult struct {
		id      uint64
		created bool
	}

	v, err, _ := d.creating.Do(string(key), func() (any, error) {
		// Re-check under the flight: a concurrent caller may have created
		// the entry between our cache miss and here.
		if id, ok := d.forward.Get(string(key)); ok {
			return encodeResult{id: id}, nil
		}
		if id, err := d.lookupID(key); err == nil {
			d.cache(key, id)
			return encodeResult{id: id}, nil
		} else if err != ErrNotFound {
			return nil, err
		}

		id, err := d.create(key)
		if err != nil {
			return nil, err
		}
		return encodeResult{id: id, created: true}, nil
	})
	if err != nil {
		return 0, false, err
	}

	res := v.(encodeResult)
	return res.id, res.created, nil
}

// GetID returns the id for a known term, or ErrNotFound.
func (d *Dictionary) GetID(term rdf.Term) (uint64, error) {
	key, err := SerializeTerm(term)
	if err != nil {
		return 0, err
	}

	if id, ok := d.forward.Get(string(key)); ok {
		return id, nil
	}

	id, err := d.lookupID(key)
	if err != nil {
		return 0, err
	}
	d.cache(key, id)
	return id, nil
}

// Decode returns the term for a known id, or ErrNotFound.
func (d *Dictionary) Decode(id uint64) (rdf.Term, error) {
	if id == 0 {
		return nil, ErrNotFound
	}

	if key, ok := d.reverse.Get(id); ok {
		return DeserializeTerm([]byte(key))
	}

	txn, err := d.storage.Begin(false)
	if err != nil {
		return nil, err
	}
	defer txn.Rollback()

	val, err := txn.Get(storage.TableID2Term, idKey(id))
	if err == storage.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	d.cache(val, id)
	return DeserializeTerm(val)
}

func (d *Dictionary) lookupID(key []byte) (uint64, error) {
	txn, err := d.storage.Begin(false)
	if err != nil {
		return 0, err
	}
	defer txn.Rollback()

	val, err := txn.Get(storage.TableTerm2ID, key)
	if err == storage.ErrNotFound {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	if len(val) != 8 {
		return 0, fmt.Errorf("corrupt dictionary entry: %d bytes", len(val))
	}
	return binary.BigEndian.Uint64(val), nil
}

// create allocates a fresh id and persists both directions plus the counter
// in one backend transaction.
func (d *Dictionary) create(key []byte) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.nextID

	txn, err := d.storage.Begin(true)
	if err != nil {
		return 0, err
	}
	defer txn.Rollback()

	idBytes := idKey(id)
	if err := txn.Set(storage.TableTerm2ID, key, idBytes); err != nil {
		return 0, err
	}
	if err := txn.Set(storage.TableID2Term, idBytes, key); err != nil {
		return 0, err
	}

	counter := make([]byte, 8)
	binary.BigEndian.PutUint64(counter, id+1)
	if err := txn.Set(storage.TableMeta, []byte(metaNextIDKey), counter); err != nil {
		return 0, err
	}

	if err := txn.Commit(); err != nil {
		return 0, err
	}

	d.nextID = id + 1
	d.cache(key, id)
	return id, nil
}

func (d *Dictionary) cache(key []byte, id uint64) {
	d.forward.Add(string(key), id)
	d.reverse.Add(id, string(key))
}

// Close logs final cache statistics. The underlying storage is owned by the
// caller and is not closed here.
func (d *Dictionary) Close() error {
	slog.Debug("dictionary closed",
		"forwardCacheLen", d.forward.Len(),
		"reverseCacheLen", d.reverse.Len(),
		"nextID", d.nextID,
	)
	return nil
}

func idKey(id uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, id)
	return key
}

// Term serialization: one type byte followed by the term's fields. Literal
// fields are length-prefixed with uvarints so that the encoding is stable
// and unambiguous across datatype/language combinations.

const (
	serNamedNode byte = 0x01
	serBlankNode byte = 0x02
	serLiteral   byte = 0x03
)

// SerializeTerm produces the stable binary form of a term used as the
// term2id key and the id2term value.
func SerializeTerm(term rdf.Term) ([]byte, error) {
	switch t := term.(type) {
	case *rdf.NamedNode:
		out := make([]byte, 0, 1+len(t.IRI))
		out = append(out, serNamedNode)
		return append(out, t.IRI...), nil
	case *rdf.BlankNode:
		out := make([]byte, 0, 1+len(t.ID))
		out = append(out, serBlankNode)
		return append(out, t.ID...), nil
	case *rdf.Literal:
		var datatype string
		if t.Datatype != nil {
			datatype = t.Datatype.IRI
		}
		out := make([]byte, 0, 1+len(t.Value)+len(t.Language)+len(datatype)+12)
		out = append(out, serLiteral)
		out = appendString(out, t.Value)
		out = appendString(out, t.Language)
		out = appendString(out, datatype)
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownTerm, term)
	}
}

// DeserializeTerm reverses SerializeTerm.
func DeserializeTerm(data []byte) (rdf.Term, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty term serialization")
	}
	switch data[0] {
	case serNamedNode:
		return rdf.NewNamedNode(string(data[1:])), nil
	case serBlankNode:
		return rdf.NewBlankNode(string(data[1:])), nil
	case serLiteral:
		rest := data[1:]
		value, rest, err := readString(rest)
		if err != nil {
			return nil, err
		}
		language, rest, err := readString(rest)
		if err != nil {
			return nil, err
		}
		datatype, _, err := readString(rest)
		if err != nil {
			return nil, err
		}
		lit := &rdf.Literal{Value: value, Language: language}
		if datatype != "" {
			lit.Datatype = rdf.NewNamedNode(datatype)
		}
		return lit, nil
	default:
		return nil, fmt.Errorf("%w: tag 0x%02x", ErrUnknownTerm, data[0])
	}
}

func appendString(out []byte, s string) []byte {
	out = binary.AppendUvarint(out, uint64(len(s)))
	return append(out, s...)
}

func readString(data []byte) (string, []byte, error) {
	length, n := binary.Uvarint(data)
	if n <= 0 {
		return "", nil, fmt.Errorf("corrupt term serialization")
	}
	data = data[n:]
	if uint64(len(data)) < length {
		return "", nil, fmt.Errorf("corrupt term serialization")
	}
	return string(data[:length]), data[length:], nil
}
