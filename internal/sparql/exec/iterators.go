package exec

import (
	"sort"
	"strings"

	"github.com/ternstore/tern/internal/sparql/algebra"
	"github.com/ternstore/tern/internal/sparql/eval"
	"github.com/ternstore/tern/internal/sparql/optimizer"
	"github.com/ternstore/tern/internal/store"
	"github.com/ternstore/tern/pkg/rdf"
)

// createScanIterator scans one triple pattern. Repeated variables within
// the pattern constrain equality here, not in a downstream filter.
func (e *Executor) createScanIterator(pattern *algebra.TriplePattern) (BindingIterator, error) {
	storePattern := &store.Pattern{
		Subject:   convertPosition(pattern.Subject),
		Predicate: convertPosition(pattern.Predicate),
		Object:    convertPosition(pattern.Object),
	}

	quadIter, err := e.store.Query(storePattern)
	if err != nil {
		return nil, err
	}

	return &scanIterator{
		ec:      e.ec,
		iter:    quadIter,
		pattern: pattern,
	}, nil
}

func convertPosition(pos algebra.TermOrVariable) any {
	if pos.IsVariable() {
		return store.NewVariable(pos.Variable.Name)
	}
	return pos.Term
}

type scanIterator struct {
	ec      *execContext
	iter    store.TripleIterator
	pattern *algebra.TriplePattern
	binding *store.Binding
	err     error
}

func (it *scanIterator) Next() bool {
	if it.err != nil {
		return false
	}
	for it.iter.Next() {
		if it.err = it.ec.tick(); it.err != nil {
			return false
		}
		triple, err := it.iter.Triple()
		if err != nil {
			it.err = err
			return false
		}

		binding := store.NewBinding()
		valid := true
		bind := func(pos algebra.TermOrVariable, term rdf.Term) {
			if !valid || !pos.IsVariable() {
				return
			}
			name := pos.Variable.Name
			if existing, ok := binding.Vars[name]; ok {
				if !existing.Equals(term) {
					valid = false
				}
				return
			}
			binding.Vars[name] = term
		}

		bind(it.pattern.Subject, triple.Subject)
		bind(it.pattern.Predicate, triple.Predicate)
		bind(it.pattern.Object, triple.Object)

		if valid {
			it.binding = binding
			return true
		}
	}
	if it.err == nil {
		it.err = it.iter.Err()
	}
	return false
}

func (it *scanIterator) Binding() *store.Binding { return it.binding }
func (it *scanIterator) Err() error              { return it.err }
func (it *scanIterator) Close() error            { return it.iter.Close() }

// createJoinIterator selects the physical join.
func (e *Executor) createJoinIterator(plan *optimizer.JoinPlan) (BindingIterator, error) {
	left, err := e.createIterator(plan.Left)
	if err != nil {
		return nil, err
	}

	switch plan.Strategy {
	case optimizer.JoinHash:
		shared := intersect(planVariables(plan.Left), planVariables(plan.Right))
		return &hashJoinIterator{
			ec:        e.ec,
			left:      left,
			rightPlan: plan.Right,
			executor:  e,
			shared:    shared,
		}, nil
	default:
		return &nestedLoopJoinIterator{
			ec:        e.ec,
			left:      left,
			rightPlan: plan.Right,
			executor:  e,
		}, nil
	}
}

func intersect(a, b []string) []string {
	inB := make(map[string]bool, len(b))
	for _, name := range b {
		inB[name] = true
	}
	var out []string
	for _, name := range a {
		if inB[name] {
			out = append(out, name)
		}
	}
	return out
}

// nestedLoopJoinIterator re-opens the right side for every left solution
// and emits compatible merges.
type nestedLoopJoinIterator struct {
	ec           *execContext
	left         BindingIterator
	rightPlan    optimizer.Plan
	executor     *Executor
	currentLeft  *store.Binding
	currentRight BindingIterator
	result       *store.Binding
	err          error
}

func (it *nestedLoopJoinIterator) Next() bool {
	if it.err != nil {
		return false
	}
	for {
		if it.currentRight != nil {
			for it.currentRight.Next() {
				if it.err = it.ec.tick(); it.err != nil {
					return false
				}
				if merged := it.currentLeft.Merge(it.currentRight.Binding()); merged != nil {
					it.result = merged
					return true
				}
			}
			if it.err = it.currentRight.Err(); it.err != nil {
				return false
			}
			_ = it.currentRight.Close()
			it.currentRight = nil
		}

		if !it.left.Next() {
			it.err = it.left.Err()
			return false
		}
		it.currentLeft = it.left.Binding()

		right, err := it.executor.createIterator(it.rightPlan)
		if err != nil {
			it.err = err
			return false
		}
		it.currentRight = right
	}
}

func (it *nestedLoopJoinIterator) Binding() *store.Binding { return it.result }
func (it *nestedLoopJoinIterator) Err() error              { return it.err }

func (it *nestedLoopJoinIterator) Close() error {
	if it.currentRight != nil {
		_ = it.currentRight.Close()
	}
	return it.left.Close()
}

// hashJoinIterator builds the right side eagerly keyed by the shared
// variables (the intended point of bounded memory use), then probes with
// the streaming left side. Left order is preserved; per-probe matches come
// out in right build order.
type hashJoinIterator struct {
	ec        *execContext
	left      BindingIterator
	rightPlan optimizer.Plan
	executor  *Executor
	shared    []string

	built   bool
	buckets map[string][]*store.Binding
	pending []*store.Binding
	result  *store.Binding
	err     error
}

func (it *hashJoinIterator) build() bool {
	right, err := it.executor.createIterator(it.rightPlan)
	if err != nil {
		it.err = err
		return false
	}
	defer right.Close()

	it.buckets = make(map[string][]*store.Binding)
	for right.Next() {
		if it.err = it.ec.tick(); it.err != nil {
			return false
		}
		binding := right.Binding().Clone()
		key := bindingHashKey(binding, it.shared)
		it.buckets[key] = append(it.buckets[key], binding)
	}
	if it.err = right.Err(); it.err != nil {
		return false
	}
	it.built = true
	return true
}

func (it *hashJoinIterator) Next() bool {
	if it.err != nil {
		return false
	}
	if !it.built && !it.build() {
		return false
	}

	for {
		if len(it.pending) > 0 {
			it.result = it.pending[0]
			it.pending = it.pending[1:]
			return true
		}

		if !it.left.Next() {
			it.err = it.left.Err()
			return false
		}
		if it.err = it.ec.tick(); it.err != nil {
			return false
		}
		leftBinding := it.left.Binding()

		key := bindingHashKey(leftBinding, it.shared)
		for _, candidate := range it.buckets[key] {
			if merged := leftBinding.Merge(candidate); merged != nil {
				it.pending = append(it.pending, merged)
			}
		}
	}
}

func (it *hashJoinIterator) Binding() *store.Binding { return it.result }
func (it *hashJoinIterator) Err() error              { return it.err }
func (it *hashJoinIterator) Close() error            { return it.left.Close() }

// bindingHashKey keys a binding by the shared variables; unbound positions
// use a sentinel so rows with partial domains still collide with their
// compatible counterparts only via the merge check.
func bindingHashKey(binding *store.Binding, shared []string) string {
	var sb strings.Builder
	for _, name := range shared {
		if term, ok := binding.Vars[name]; ok {
			sb.WriteString(term.String())
		} else {
			sb.WriteByte(0)
		}
		sb.WriteByte(0x1f)
	}
	return sb.String()
}

// createLeftJoinIterator implements OPTIONAL.
func (e *Executor) createLeftJoinIterator(plan *optimizer.LeftJoinPlan) (BindingIterator, error) {
	left, err := e.createIterator(plan.Left)
	if err != nil {
		return nil, err
	}
	return &leftJoinIterator{
		ec:        e.ec,
		left:      left,
		rightPlan: plan.Right,
		filter:    plan.Filter,
		executor:  e,
	}, nil
}

type leftJoinIterator struct {
	ec        *execContext
	left      BindingIterator
	rightPlan optimizer.Plan
	filter    algebra.Expression
	executor  *Executor

	currentLeft  *store.Binding
	currentRight BindingIterator
	hasMatch     bool
	result       *store.Binding
	err          error
}

func (it *leftJoinIterator) Next() bool {
	if it.err != nil {
		return false
	}
	for {
		if it.currentRight != nil {
			for it.currentRight.Next() {
				if it.err = it.ec.tick(); it.err != nil {
					return false
				}
				merged := it.currentLeft.Merge(it.currentRight.Binding())
				if merged == nil {
					continue
				}
				if it.filter != nil && !it.executor.filterPasses(it.filter, merged) {
					continue
				}
				it.hasMatch = true
				it.result = merged
				return true
			}
			if it.err = it.currentRight.Err(); it.err != nil {
				return false
			}
			_ = it.currentRight.Close()
			it.currentRight = nil

			if !it.hasMatch {
				it.result = it.currentLeft
				return true
			}
		}

		if !it.left.Next() {
			it.err = it.left.Err()
			return false
		}
		it.currentLeft = it.left.Binding().Clone()
		it.hasMatch = false

		right, err := it.executor.createIterator(it.rightPlan)
		if err != nil {
			it.err = err
			return false
		}
		it.currentRight = right
	}
}

func (it *leftJoinIterator) Binding() *store.Binding { return it.result }
func (it *leftJoinIterator) Err() error              { return it.err }

func (it *leftJoinIterator) Close() error {
	if it.currentRight != nil {
		_ = it.currentRight.Close()
	}
	return it.left.Close()
}

// filterPasses evaluates a filter expression to its effective boolean
// value; expression errors count as false.
func (e *Executor) filterPasses(expr algebra.Expression, binding *store.Binding) bool {
	term, err := e.evaluator.Evaluate(expr, binding)
	if err != nil {
		return false
	}
	value, err := e.evaluator.EffectiveBooleanValue(term)
	if err != nil {
		return false
	}
	return value
}

// createUnionIterator concatenates left then right.
func (e *Executor) createUnionIterator(plan *optimizer.UnionPlan) (BindingIterator, error) {
	left, err := e.createIterator(plan.Left)
	if err != nil {
		return nil, err
	}
	right, err := e.createIterator(plan.Right)
	if err != nil {
		_ = left.Close()
		return nil, err
	}
	return &unionIterator{left: left, right: right}, nil
}

type unionIterator struct {
	left     BindingIterator
	right    BindingIterator
	leftDone bool
	err      error
}

func (it *unionIterator) Next() bool {
	if it.err != nil {
		return false
	}
	if !it.leftDone {
		if it.left.Next() {
			return true
		}
		if it.err = it.left.Err(); it.err != nil {
			return false
		}
		it.leftDone = true
	}
	if it.right.Next() {
		return true
	}
	it.err = it.right.Err()
	return false
}

func (it *unionIterator) Binding() *store.Binding {
	if !it.leftDone {
		return it.left.Binding()
	}
	return it.right.Binding()
}

func (it *unionIterator) Err() error { return it.err }

func (it *unionIterator) Close() error {
	_ = it.left.Close()
	return it.right.Close()
}

// createMinusIterator emits left solutions unless some right solution is
// compatible AND shares at least one bound variable (the defining
// difference from FILTER NOT EXISTS).
func (e *Executor) createMinusIterator(plan *optimizer.MinusPlan) (BindingIterator, error) {
	left, err := e.createIterator(plan.Left)
	if err != nil {
		return nil, err
	}
	return &minusIterator{
		ec:        e.ec,
		left:      left,
		rightPlan: plan.Right,
		executor:  e,
	}, nil
}

type minusIterator struct {
	ec        *execContext
	left      BindingIterator
	rightPlan optimizer.Plan
	executor  *Executor

	built bool
	right []*store.Binding
	err   error
}

func (it *minusIterator) build() bool {
	iter, err := it.executor.createIterator(it.rightPlan)
	if err != nil {
		it.err = err
		return false
	}
	defer iter.Close()

	for iter.Next() {
		if it.err = it.ec.tick(); it.err != nil {
			return false
		}
		it.right = append(it.right, iter.Binding().Clone())
	}
	if it.err = iter.Err(); it.err != nil {
		return false
	}
	it.built = true
	return true
}

func (it *minusIterator) Next() bool {
	if it.err != nil {
		return false
	}
	if !it.built && !it.build() {
		return false
	}

	for it.left.Next() {
		if it.err = it.ec.tick(); it.err != nil {
			return false
		}
		leftBinding := it.left.Binding()

		excluded := false
		for _, rightBinding := range it.right {
			if leftBinding.CompatibleWith(rightBinding) && leftBinding.SharesBoundVariable(rightBinding) {
				excluded = true
				break
			}
		}
		if !excluded {
			return true
		}
	}
	it.err = it.left.Err()
	return false
}

func (it *minusIterator) Binding() *store.Binding { return it.left.Binding() }
func (it *minusIterator) Err() error              { return it.err }
func (it *minusIterator) Close() error            { return it.left.Close() }

// createFilterIterator drops solutions that do not evaluate to effective
// true; expression errors drop the solution.
func (e *Executor) createFilterIterator(plan *optimizer.FilterPlan) (BindingIterator, error) {
	input, err := e.createIterator(plan.Input)
	if err != nil {
		return nil, err
	}
	return &filterIterator{ec: e.ec, input: input, expr: plan.Expr, executor: e}, nil
}

type filterIterator struct {
	ec       *execContext
	input    BindingIterator
	expr     algebra.Expression
	executor *Executor
	err      error
}

func (it *filterIterator) Next() bool {
	if it.err != nil {
		return false
	}
	for it.input.Next() {
		if it.err = it.ec.tick(); it.err != nil {
			return false
		}
		if it.executor.filterPasses(it.expr, it.input.Binding()) {
			return true
		}
	}
	it.err = it.input.Err()
	return false
}

func (it *filterIterator) Binding() *store.Binding { return it.input.Binding() }
func (it *filterIterator) Err() error              { return it.err }
func (it *filterIterator) Close() error            { return it.input.Close() }

// createExtendIterator implements BIND: evaluation errors leave the
// variable unbound.
func (e *Executor) createExtendIterator(plan *optimizer.ExtendPlan) (BindingIterator, error) {
	input, err := e.createIterator(plan.Input)
	if err != nil {
		return nil, err
	}
	return &extendIterator{input: input, variable: plan.Var, expr: plan.Expr, executor: e}, nil
}

type extendIterator struct {
	input    BindingIterator
	variable *algebra.Variable
	expr     algebra.Expression
	executor *Executor
	result   *store.Binding
}

func (it *extendIterator) Next() bool {
	if !it.input.Next() {
		return false
	}
	binding := it.input.Binding()
	term, err := it.executor.evaluator.Evaluate(it.expr, binding)
	if err != nil {
		it.result = binding
		return true
	}
	extended := binding.Clone()
	extended.Vars[it.variable.Name] = term
	it.result = extended
	return true
}

func (it *extendIterator) Binding() *store.Binding { return it.result }
func (it *extendIterator) Err() error              { return it.input.Err() }
func (it *extendIterator) Close() error            { return it.input.Close() }

// createProjectIterator restricts the domain to the projection list.
func (e *Executor) createProjectIterator(plan *optimizer.ProjectPlan) (BindingIterator, error) {
	input, err := e.createIterator(plan.Input)
	if err != nil {
		return nil, err
	}
	return &projectIterator{input: input, vars: plan.Vars}, nil
}

type projectIterator struct {
	input BindingIterator
	vars  []*algebra.Variable
}

func (it *projectIterator) Next() bool { return it.input.Next() }

func (it *projectIterator) Binding() *store.Binding {
	if it.vars == nil {
		return it.input.Binding()
	}
	input := it.input.Binding()
	out := store.NewBinding()
	for _, v := range it.vars {
		if term, ok := input.Vars[v.Name]; ok {
			out.Vars[v.Name] = term
		}
	}
	return out
}

func (it *projectIterator) Err() error   { return it.input.Err() }
func (it *projectIterator) Close() error { return it.input.Close() }

// createDistinctIterator drops exact duplicates.
func (e *Executor) createDistinctIterator(plan *optimizer.DistinctPlan) (BindingIterator, error) {
	input, err := e.createIterator(plan.Input)
	if err != nil {
		return nil, err
	}
	return &distinctIterator{input: input, seen: make(map[string]bool)}, nil
}

type distinctIterator struct {
	input BindingIterator
	seen  map[string]bool
}

func (it *distinctIterator) Next() bool {
	for it.input.Next() {
		key := bindingSignature(it.input.Binding())
		if !it.seen[key] {
			it.seen[key] = true
			return true
		}
	}
	return false
}

func (it *distinctIterator) Binding() *store.Binding { return it.input.Binding() }
func (it *distinctIterator) Err() error              { return it.input.Err() }
func (it *distinctIterator) Close() error            { return it.input.Close() }

// createReducedIterator suppresses adjacent duplicates: lossy deduplication
// in constant memory, as REDUCED permits.
func (e *Executor) createReducedIterator(plan *optimizer.ReducedPlan) (BindingIterator, error) {
	input, err := e.createIterator(plan.Input)
	if err != nil {
		return nil, err
	}
	return &reducedIterator{input: input}, nil
}

type reducedIterator struct {
	input BindingIterator
	last  string
}

func (it *reducedIterator) Next() bool {
	for it.input.Next() {
		key := bindingSignature(it.input.Binding())
		if key != it.last {
			it.last = key
			return true
		}
	}
	return false
}

func (it *reducedIterator) Binding() *store.Binding { return it.input.Binding() }
func (it *reducedIterator) Err() error              { return it.input.Err() }
func (it *reducedIterator) Close() error            { return it.input.Close() }

// bindingSignature renders a binding canonically (sorted by variable).
func bindingSignature(binding *store.Binding) string {
	parts := make([]string, 0, len(binding.Vars))
	for name, term := range binding.Vars {
		parts = append(parts, name+"="+term.String())
	}
	sort.Strings(parts)
	return strings.Join(parts, ";")
}

// createOrderByIterator materializes and sorts: unbound sorts before any
// bound term, the SPARQL term order decides comparable terms, and a
// type-then-lexical fallback keeps the order total. sort.SliceStable gives
// the stable tie-break.
func (e *Executor) createOrderByIterator(plan *optimizer.OrderByPlan) (BindingIterator, error) {
	input, err := e.createIterator(plan.Input)
	if err != nil {
		return nil, err
	}
	return &orderByIterator{ec: e.ec, input: input, keys: plan.Keys, executor: e}, nil
}

type orderByIterator struct {
	ec       *execContext
	input    BindingIterator
	keys     []algebra.OrderKey
	executor *Executor

	materialized bool
	bindings     []*store.Binding
	position     int
	err          error
}

func (it *orderByIterator) materialize() bool {
	for it.input.Next() {
		if it.err = it.ec.tick(); it.err != nil {
			return false
		}
		it.bindings = append(it.bindings, it.input.Binding().Clone())
	}
	if it.err = it.input.Err(); it.err != nil {
		return false
	}

	sort.SliceStable(it.bindings, func(i, j int) bool {
		for _, key := range it.keys {
			cmp := it.compareKey(key, it.bindings[i], it.bindings[j])
			if cmp != 0 {
				if !key.Ascending {
					cmp = -cmp
				}
				return cmp < 0
			}
		}
		return false
	})

	it.materialized = true
	return true
}

func (it *orderByIterator) compareKey(key algebra.OrderKey, a, b *store.Binding) int {
	aTerm, aErr := it.executor.evaluator.Evaluate(key.Expr, a)
	bTerm, bErr := it.executor.evaluator.Evaluate(key.Expr, b)

	// Unbound (or erroring) keys sort before any bound term.
	if aErr != nil && bErr != nil {
		return 0
	}
	if aErr != nil {
		return -1
	}
	if bErr != nil {
		return 1
	}

	if cmp, err := eval.CompareTerms(aTerm, bTerm); err == nil {
		return cmp
	}
	// Incomparable terms: order by type class then lexical form to keep
	// the order total and deterministic.
	aClass := termClass(aTerm)
	bClass := termClass(bTerm)
	if aClass != bClass {
		return aClass - bClass
	}
	return strings.Compare(aTerm.String(), bTerm.String())
}

func termClass(term rdf.Term) int {
	switch term.(type) {
	case *rdf.BlankNode:
		return 0
	case *rdf.NamedNode:
		return 1
	default:
		return 2
	}
}

func (it *orderByIterator) Next() bool {
	if it.err != nil {
		return false
	}
	if !it.materialized && !it.materialize() {
		return false
	}
	if it.position >= len(it.bindings) {
		return false
	}
	it.position++
	return true
}

func (it *orderByIterator) Binding() *store.Binding {
	if it.position == 0 || it.position > len(it.bindings) {
		return store.NewBinding()
	}
	return it.bindings[it.position-1]
}

func (it *orderByIterator) Err() error   { return it.err }
func (it *orderByIterator) Close() error { return it.input.Close() }

// createSliceIterator applies OFFSET then LIMIT.
func (e *Executor) createSliceIterator(plan *optimizer.SlicePlan) (BindingIterator, error) {
	input, err := e.createIterator(plan.Input)
	if err != nil {
		return nil, err
	}
	it := &sliceIterator{input: input, offset: 0, limit: -1}
	if plan.Offset != nil {
		it.offset = *plan.Offset
	}
	if plan.Limit != nil {
		it.limit = *plan.Limit
	}
	return it, nil
}

type sliceIterator struct {
	input   BindingIterator
	offset  int
	limit   int
	skipped int
	emitted int
}

func (it *sliceIterator) Next() bool {
	if it.limit >= 0 && it.emitted >= it.limit {
		return false
	}
	for it.skipped < it.offset {
		if !it.input.Next() {
			return false
		}
		it.skipped++
	}
	if it.input.Next() {
		it.emitted++
		return true
	}
	return false
}

func (it *sliceIterator) Binding() *store.Binding { return it.input.Binding() }
func (it *sliceIterator) Err() error              { return it.input.Err() }
func (it *sliceIterator) Close() error            { return it.input.Close() }

// newValuesIterator yields inline data rows.
func newValuesIterator(values *algebra.Values, ec *execContext) BindingIterator {
	return &valuesIterator{ec: ec, values: values, position: -1}
}

type valuesIterator struct {
	ec       *execContext
	values   *algebra.Values
	position int
	err      error
}

func (it *valuesIterator) Next() bool {
	if it.err != nil {
		return false
	}
	it.position++
	if it.position >= len(it.values.Rows) {
		return false
	}
	it.err = it.ec.tick()
	return it.err == nil
}

func (it *valuesIterator) Binding() *store.Binding {
	binding := store.NewBinding()
	if it.position < 0 || it.position >= len(it.values.Rows) {
		return binding
	}
	row := it.values.Rows[it.position]
	for i, v := range it.values.Vars {
		if i < len(row) && row[i] != nil {
			binding.Vars[v.Name] = row[i]
		}
	}
	return binding
}

func (it *valuesIterator) Err() error   { return it.err }
func (it *valuesIterator) Close() error { return nil }
