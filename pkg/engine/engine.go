// Package engine is the public query API over the triple store: parse,
// optimize (with a normalized plan cache), and execute SPARQL queries and
// updates.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ternstore/tern/internal/index"
	"github.com/ternstore/tern/internal/sparql/algebra"
	"github.com/ternstore/tern/internal/sparql/exec"
	"github.com/ternstore/tern/internal/sparql/optimizer"
	"github.com/ternstore/tern/internal/sparql/parser"
	"github.com/ternstore/tern/internal/storage"
	"github.com/ternstore/tern/internal/store"
	"github.com/ternstore/tern/internal/update"
	"github.com/ternstore/tern/pkg/rdf"
)

// Config tunes an Engine.
type Config struct {
	// PlanCacheCapacity bounds the plan cache; 0 means the default.
	PlanCacheCapacity int

	// MaxDataTriples caps per-update-statement data size; 0 means the
	// default.
	MaxDataTriples int

	// DefaultTimeout applies when a query carries no timeout option; 0
	// means no deadline.
	DefaultTimeout time.Duration

	// MaxIterations bounds per-query iterator steps; 0 means the default.
	MaxIterations int64
}

// Engine executes SPARQL against one triple store.
type Engine struct {
	store     *store.TripleStore
	stats     *optimizer.Statistics
	optimizer *optimizer.Optimizer
	cache     *optimizer.PlanCache
	updates   *update.Executor
	config    Config
}

// New creates an engine over an open triple store.
func New(ts *store.TripleStore, config Config) (*Engine, error) {
	stats := optimizer.NewStatistics(ts)
	opt := optimizer.NewOptimizer(stats)
	cache, err := optimizer.NewPlanCache(config.PlanCacheCapacity)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		store:     ts,
		stats:     stats,
		optimizer: opt,
		cache:     cache,
		config:    config,
	}

	e.updates = update.New(ts, opt)
	if config.MaxDataTriples > 0 {
		e.updates.MaxDataTriples = config.MaxDataTriples
	}
	e.updates.OnWrite = e.onWrite
	return e, nil
}

// Open creates a storage backend, triple store, and engine in one step.
func Open(path string, config Config) (*Engine, *storage.BadgerStorage, error) {
	backend, err := storage.NewBadgerStorage(path)
	if err != nil {
		return nil, nil, newError(KindStorage, err)
	}
	ts, err := store.Open(backend)
	if err != nil {
		_ = backend.Close()
		return nil, nil, newError(KindStorage, err)
	}
	e, err := New(ts, config)
	if err != nil {
		_ = backend.Close()
		return nil, nil, err
	}
	return e, backend, nil
}

// onWrite invalidates statistics and the affected plan-cache entries after
// an update statement.
func (e *Engine) onWrite(predicates []string) {
	e.stats.Invalidate()
	if predicates == nil {
		e.cache.Purge()
		return
	}
	for _, iri := range predicates {
		e.cache.InvalidatePredicate(iri)
	}
}

// ResultKind discriminates query results.
type ResultKind int

const (
	ResultSolutions ResultKind = iota
	ResultGraph
	ResultBoolean
	ResultExplain
)

// Solution is one solution mapping.
type Solution map[string]rdf.Term

// Result is a materialized query result.
type Result struct {
	Kind      ResultKind
	Variables []string
	Solutions []Solution
	Graph     []*rdf.Triple
	Boolean   bool
	Explain   string
}

// Query parses, optimizes, and executes a SPARQL query.
func (e *Engine) Query(ctx context.Context, text string, opts *Options) (*Result, error) {
	options, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	query, err := parser.NewParser(text).ParseQuery()
	if err != nil {
		return nil, newError(KindParse, err)
	}
	if len(query.Params) > 0 {
		return nil, &Error{Kind: KindMissingParameters, Missing: query.Params}
	}

	compiled, rename, err := e.plan(query, options)
	if err != nil {
		return nil, err
	}

	if options.Explain {
		return &Result{Kind: ResultExplain, Explain: optimizer.Explain(compiled.Plan)}, nil
	}

	ctx, cancel := e.withTimeout(ctx, options)
	defer cancel()

	executor := exec.New(ctx, e.store, e.limits(), e.optimizer.CompileOperator)

	switch query.Form {
	case algebra.FormSelect:
		bindings, err := executor.CollectSelect(compiled.Plan)
		if err != nil {
			return nil, e.wrapExecError(err)
		}
		for i := range bindings {
			bindings[i] = renameBinding(bindings[i], rename)
		}
		return e.selectResult(query, bindings, options), nil

	case algebra.FormAsk:
		ok, err := executor.Ask(compiled.Plan)
		if err != nil {
			return nil, e.wrapExecError(err)
		}
		return &Result{Kind: ResultBoolean, Boolean: ok}, nil

	case algebra.FormConstruct:
		// The cached query's template matches the plan's variable names.
		triples, err := executor.Construct(compiled.Plan, compiled.Query.Template)
		if err != nil {
			return nil, e.wrapExecError(err)
		}
		return &Result{Kind: ResultGraph, Graph: triples}, nil

	case algebra.FormDescribe:
		triples, err := executor.Describe(compiled.Plan, compiled.Query.DescribeTerms, compiled.Query.DescribeVars)
		if err != nil {
			return nil, e.wrapExecError(err)
		}
		return &Result{Kind: ResultGraph, Graph: triples}, nil

	default:
		return nil, newError(KindUnsupported, fmt.Errorf("query form %d", query.Form))
	}
}

// SolutionStream is a lazy SELECT result; Close must be called on every
// path.
type SolutionStream struct {
	iter      exec.BindingIterator
	cancel    context.CancelFunc
	variables []string
	rename    map[string]string
	engine    *Engine
	current   Solution
}

// Next advances to the next solution.
func (s *SolutionStream) Next() bool {
	if !s.iter.Next() {
		return false
	}
	binding := renameBinding(s.iter.Binding(), s.rename)
	solution := make(Solution, len(binding.Vars))
	for name, term := range binding.Vars {
		solution[name] = term
	}
	s.current = solution
	return true
}

func (s *SolutionStream) Solution() Solution {
	return s.current
}

func (s *SolutionStream) Vars() []string {
	return s.variables
}

func (s *SolutionStream) Err() error {
	if err := s.iter.Err(); err != nil {
		return s.engine.wrapExecError(err)
	}
	return nil
}

func (s *SolutionStream) Close() error {
	err := s.iter.Close()
	s.cancel()
	return err
}

// StreamQuery executes a SELECT query lazily: solutions are produced as the
// caller pulls them.
func (e *Engine) StreamQuery(ctx context.Context, text string, opts *Options) (*SolutionStream, error) {
	options, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	query, err := parser.NewParser(text).ParseQuery()
	if err != nil {
		return nil, newError(KindParse, err)
	}
	if query.Form != algebra.FormSelect {
		return nil, newError(KindUnsupported, errors.New("stream queries must be SELECT"))
	}
	if len(query.Params) > 0 {
		return nil, &Error{Kind: KindMissingParameters, Missing: query.Params}
	}

	compiled, rename, err := e.plan(query, options)
	if err != nil {
		return nil, err
	}

	ctx, cancel := e.withTimeout(ctx, options)
	executor := exec.New(ctx, e.store, e.limits(), e.optimizer.CompileOperator)
	iter, err := executor.Solutions(compiled.Plan)
	if err != nil {
		cancel()
		return nil, e.wrapExecError(err)
	}

	return &SolutionStream{
		iter:      iter,
		cancel:    cancel,
		variables: e.resultVariables(query, options),
		rename:    rename,
		engine:    e,
	}, nil
}

// plan resolves a compiled plan through the cache. On a hit the cached plan
// binds the original query's variable names; rename maps those names onto
// the caller's (nil when they already agree).
func (e *Engine) plan(query *algebra.Query, options Options) (*optimizer.OptimizedQuery, map[string]string, error) {
	fingerprint := optimizer.Fingerprint(query)
	// The canonical order is taken before rewrites mutate the tree, so
	// cached and incoming orders pair positionally.
	order := optimizer.VariableOrder(query)

	if options.UseCache && options.Optimize {
		if entry, ok := e.cache.Get(fingerprint); ok {
			return entry.Query, renameMap(entry.VarOrder, order), nil
		}
	}

	compiled, err := e.optimizer.Optimize(query)
	if err != nil {
		if errors.Is(err, optimizer.ErrTooManyVariables) {
			return nil, nil, newError(KindTooManyVariables, err)
		}
		return nil, nil, newError(KindOther, err)
	}

	if options.UseCache && options.Optimize {
		e.cache.Put(fingerprint, &optimizer.CachedPlan{
			Query:      compiled,
			Predicates: compiled.Predicates,
			VarOrder:   order,
		})
	}
	return compiled, nil, nil
}

// renameMap maps the cached query's variable names onto the incoming
// query's: equal fingerprints guarantee positionally matching canonical
// orders.
func renameMap(from, to []string) map[string]string {
	if len(from) != len(to) {
		return nil
	}
	rename := make(map[string]string, len(from))
	identity := true
	for i, name := range from {
		rename[name] = to[i]
		if name != to[i] {
			identity = false
		}
	}
	if identity {
		return nil
	}
	return rename
}

func renameBinding(binding *store.Binding, rename map[string]string) *store.Binding {
	if rename == nil {
		return binding
	}
	out := store.NewBinding()
	for name, term := range binding.Vars {
		if mapped, ok := rename[name]; ok {
			out.Vars[mapped] = term
		} else {
			out.Vars[name] = term
		}
	}
	return out
}

func (e *Engine) selectResult(query *algebra.Query, bindings []*store.Binding, options Options) *Result {
	variables := e.resultVariables(query, options)

	solutions := make([]Solution, 0, len(bindings))
	for _, binding := range bindings {
		solution := make(Solution, len(binding.Vars))
		for name, term := range binding.Vars {
			if len(options.Variables) > 0 && !contains(options.Variables, name) {
				continue
			}
			solution[name] = term
		}
		solutions = append(solutions, solution)
	}

	return &Result{
		Kind:      ResultSolutions,
		Variables: variables,
		Solutions: solutions,
	}
}

func (e *Engine) resultVariables(query *algebra.Query, options Options) []string {
	var variables []string
	if query.Projection != nil {
		for _, v := range query.Projection {
			variables = append(variables, v.Name)
		}
	} else if query.Root != nil {
		variables = algebra.OperatorVariables(query.Root)
	}
	if len(options.Variables) > 0 {
		variables = intersectStrings(variables, options.Variables)
	}
	return variables
}

func contains(list []string, name string) bool {
	for _, item := range list {
		if item == name {
			return true
		}
	}
	return false
}

func intersectStrings(a, b []string) []string {
	var out []string
	for _, name := range a {
		if contains(b, name) {
			out = append(out, name)
		}
	}
	return out
}

// Update parses and executes a SPARQL update request, returning the number
// of affected triples.
func (e *Engine) Update(ctx context.Context, text string) (int64, error) {
	req, err := parser.NewParser(text).ParseUpdate()
	if err != nil {
		return 0, newError(KindParse, err)
	}

	ctx, cancel := e.withTimeout(ctx, Options{Timeout: e.config.DefaultTimeout})
	defer cancel()

	affected, err := e.updates.Execute(ctx, req, e.limits())
	if err != nil {
		return affected, e.wrapExecError(err)
	}
	slog.Debug("update executed", "affected", affected)
	return affected, nil
}

// Stats reports engine statistics.
type Stats struct {
	Triples   int64
	PlanCache optimizer.CacheStats
}

func (e *Engine) Stats() (Stats, error) {
	count, err := e.store.Count()
	if err != nil {
		return Stats{}, newError(KindStorage, err)
	}
	return Stats{Triples: count, PlanCache: e.cache.Stats()}, nil
}

// PlanCache exposes the cache for invalidation and inspection.
func (e *Engine) PlanCache() *optimizer.PlanCache {
	return e.cache
}

// Store exposes the underlying triple store.
func (e *Engine) Store() *store.TripleStore {
	return e.store
}

func (e *Engine) limits() exec.Limits {
	return exec.Limits{MaxIterations: e.config.MaxIterations}
}

func (e *Engine) withTimeout(ctx context.Context, options Options) (context.Context, context.CancelFunc) {
	timeout := options.Timeout
	if timeout == 0 {
		timeout = e.config.DefaultTimeout
	}
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}

// wrapExecError maps internal errors onto the public taxonomy.
func (e *Engine) wrapExecError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, exec.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return newError(KindTimeout, err)
	case errors.Is(err, exec.ErrMaxIterations), errors.Is(err, index.ErrSeekBudgetExceeded):
		return newError(KindMaxIterations, err)
	case errors.Is(err, update.ErrTooManyTriples):
		return newError(KindTooManyTriples, err)
	case errors.Is(err, exec.ErrUnsupportedPath):
		return newError(KindUnsupportedPath, err)
	case errors.Is(err, exec.ErrUnsupported), errors.Is(err, update.ErrUnsupported):
		return newError(KindUnsupported, err)
	case errors.Is(err, storage.ErrNotFound):
		return newError(KindStorage, err)
	default:
		var engineErr *Error
		if errors.As(err, &engineErr) {
			return err
		}
		return newError(KindStorage, err)
	}
}
