package optimizer

import (
	"math"
	"sort"

	"github.com/ternstore/tern/internal/sparql/algebra"
	"github.com/ternstore/tern/pkg/rdf"
)

// Cost model constants.
const (
	// nestedLoopThreshold prefers nested loop below this cardinality on
	// either side, avoiding hash-build overhead for small inputs.
	nestedLoopThreshold = 100

	// hashBucketFactor approximates the expected probe-bucket size.
	hashBucketFactor = 1.2

	// leapfrogOverhead is the per-result seek overhead of the multi-way
	// intersection.
	leapfrogOverhead = 4.0

	// dpMaxPatterns bounds exhaustive DP enumeration; larger BGPs fall back
	// to greedy left-deep ordering.
	dpMaxPatterns = 8

	// leapfrogMinPatterns / leapfrogMinOccurrences form the leapfrog
	// selection predicate.
	leapfrogMinPatterns    = 4
	leapfrogMinOccurrences = 3
)

// planBGP builds the join plan for a BGP's triple patterns, then joins path
// and quad patterns on top with nested loops.
func (o *Optimizer) planBGP(bgp *algebra.BGP) Plan {
	var plan Plan

	if len(bgp.Patterns) > 0 {
		plan = o.planTriplePatterns(bgp.Patterns)
	}

	for _, path := range bgp.Paths {
		pathPlan := &PathPlan{Pattern: path}
		if plan == nil {
			plan = pathPlan
		} else {
			plan = &JoinPlan{Left: plan, Right: pathPlan, Strategy: JoinNestedLoop}
		}
	}
	for _, quad := range bgp.Quads {
		quadPlan := &QuadScanPlan{Quad: quad}
		if plan == nil {
			plan = quadPlan
		} else {
			plan = &JoinPlan{Left: plan, Right: quadPlan, Strategy: JoinNestedLoop}
		}
	}

	if plan == nil {
		// Empty BGP: the identity solution sequence (one empty mapping).
		plan = &ValuesPlan{Values: &algebra.Values{Rows: [][]rdf.Term{{}}}}
	}
	return plan
}

func (o *Optimizer) planTriplePatterns(patterns []*algebra.TriplePattern) Plan {
	// Leapfrog selection: >= 4 patterns sharing one variable that occurs in
	// >= 3 of them.
	if joinVar, covered := leapfrogCandidate(patterns); joinVar != "" {
		est := int64(math.MaxInt64)
		for _, p := range covered {
			if c := o.stats.EstimatePattern(p); c < est {
				est = c
			}
		}
		lfPlan := &LeapfrogPlan{Var: joinVar, Patterns: covered, EstCard: est}
		rest := subtractPatterns(patterns, covered)
		if len(rest) == 0 {
			return lfPlan
		}
		restPlan := o.planTriplePatterns(rest)
		return o.joinWithStrategy(lfPlan, restPlan, est, o.estimatePlans(rest))
	}

	if len(patterns) == 1 {
		return &ScanPlan{Pattern: patterns[0], EstCard: o.stats.EstimatePattern(patterns[0])}
	}

	if len(patterns) <= dpMaxPatterns {
		return o.enumerateDP(patterns)
	}
	return o.greedyLeftDeep(patterns)
}

func leapfrogCandidate(patterns []*algebra.TriplePattern) (string, []*algebra.TriplePattern) {
	if len(patterns) < leapfrogMinPatterns {
		return "", nil
	}

	occurrences := make(map[string][]*algebra.TriplePattern)
	for _, p := range patterns {
		for _, name := range patternVariables(p) {
			occurrences[name] = append(occurrences[name], p)
		}
	}

	best := ""
	var bestPatterns []*algebra.TriplePattern
	for name, ps := range occurrences {
		if len(ps) >= leapfrogMinOccurrences && len(ps) > len(bestPatterns) {
			// Leapfrog legs require the variable at subject position with a
			// bound predicate, or a fully scoped (p, o) prefix.
			eligible := true
			for _, p := range ps {
				if !leapfrogLegEligible(p, name) {
					eligible = false
					break
				}
			}
			if eligible {
				best = name
				bestPatterns = ps
			}
		}
	}
	if best == "" || len(bestPatterns) < leapfrogMinOccurrences || len(patterns) < leapfrogMinPatterns {
		return "", nil
	}
	return best, bestPatterns
}

// leapfrogLegEligible reports whether a pattern can serve as a leapfrog leg
// for the join variable: the variable in subject position with a constant
// predicate (objects constant or distinct variables).
func leapfrogLegEligible(p *algebra.TriplePattern, joinVar string) bool {
	if !p.Subject.IsVariable() || p.Subject.Variable.Name != joinVar {
		return false
	}
	if p.Predicate.IsVariable() || p.Predicate.IsParam() || p.Predicate.Term == nil {
		return false
	}
	// The join variable must not repeat in the object position; repeated
	// variables are handled by plain scans.
	if p.Object.IsVariable() && p.Object.Variable.Name == joinVar {
		return false
	}
	return true
}

func patternVariables(p *algebra.TriplePattern) []string {
	var names []string
	seen := make(map[string]bool)
	for _, pos := range []algebra.TermOrVariable{p.Subject, p.Predicate, p.Object} {
		if pos.IsVariable() && !seen[pos.Variable.Name] {
			seen[pos.Variable.Name] = true
			names = append(names, pos.Variable.Name)
		}
	}
	return names
}

func subtractPatterns(all, remove []*algebra.TriplePattern) []*algebra.TriplePattern {
	removed := make(map[*algebra.TriplePattern]bool, len(remove))
	for _, p := range remove {
		removed[p] = true
	}
	var rest []*algebra.TriplePattern
	for _, p := range all {
		if !removed[p] {
			rest = append(rest, p)
		}
	}
	return rest
}

// candidate is one DP table entry.
type candidate struct {
	plan Plan
	cost float64
	card int64
	vars map[string]bool
}

// enumerateDP performs exhaustive dynamic programming over all subsets of
// up to dpMaxPatterns patterns.
func (o *Optimizer) enumerateDP(patterns []*algebra.TriplePattern) Plan {
	n := len(patterns)
	best := make(map[uint32]*candidate)

	for i := 0; i < n; i++ {
		card := o.stats.EstimatePattern(patterns[i])
		vars := make(map[string]bool)
		for _, name := range patternVariables(patterns[i]) {
			vars[name] = true
		}
		best[1<<uint(i)] = &candidate{
			plan: &ScanPlan{Pattern: patterns[i], EstCard: card},
			cost: float64(card),
			card: card,
			vars: vars,
		}
	}

	full := uint32(1)<<uint(n) - 1
	for mask := uint32(1); mask <= full; mask++ {
		if best[mask] != nil || popcount(mask) < 2 {
			continue
		}
		var winner *candidate
		for sub := (mask - 1) & mask; sub > 0; sub = (sub - 1) & mask {
			rest := mask &^ sub
			left, ok1 := best[sub]
			right, ok2 := best[rest]
			if !ok1 || !ok2 {
				continue
			}
			shared := sharedVars(left.vars, right.vars)
			// Cross products stay candidates; combine multiplies their join
			// cost by 10, which ranks them behind comparable connected splits.
			cand := o.combine(left, right, shared)
			if winner == nil || cand.cost < winner.cost {
				winner = cand
			}
		}
		best[mask] = winner
	}

	if result := best[full]; result != nil {
		return result.plan
	}
	return o.greedyLeftDeep(patterns)
}

func (o *Optimizer) combine(left, right *candidate, shared int) *candidate {
	strategy, cost := o.chooseStrategy(left.card, right.card)
	if shared == 0 {
		cost *= 10 // cross product penalty
	}

	card := estimateJoinCard(left.card, right.card, shared)
	vars := make(map[string]bool, len(left.vars)+len(right.vars))
	for name := range left.vars {
		vars[name] = true
	}
	for name := range right.vars {
		vars[name] = true
	}

	return &candidate{
		plan: &JoinPlan{
			Left:     left.plan,
			Right:    right.plan,
			Strategy: strategy,
			EstLeft:  left.card,
			EstRight: right.card,
		},
		cost: left.cost + right.cost + cost,
		card: card,
		vars: vars,
	}
}

// chooseStrategy picks the physical join and its cost:
// nested loop c(L) + c(L)*c(R); hash c(L) + c(R) + probes * bucket.
func (o *Optimizer) chooseStrategy(leftCard, rightCard int64) (JoinStrategy, float64) {
	l := float64(leftCard)
	r := float64(rightCard)

	nested := l + l*r
	hash := l + r + l*hashBucketFactor

	if leftCard < nestedLoopThreshold || rightCard < nestedLoopThreshold {
		return JoinNestedLoop, nested
	}
	if hash < nested {
		return JoinHash, hash
	}
	return JoinNestedLoop, nested
}

func estimateJoinCard(left, right int64, shared int) int64 {
	if shared == 0 {
		return left * right
	}
	est := left * right / maxInt64(1, maxInt64(left, right))
	return maxInt64(1, est)
}

func sharedVars(a, b map[string]bool) int {
	count := 0
	for name := range a {
		if b[name] {
			count++
		}
	}
	return count
}

func popcount(v uint32) int {
	count := 0
	for v != 0 {
		v &= v - 1
		count++
	}
	return count
}

// greedyLeftDeep orders patterns by estimated cardinality and folds them
// into a left-deep join tree.
func (o *Optimizer) greedyLeftDeep(patterns []*algebra.TriplePattern) Plan {
	type scored struct {
		pattern *algebra.TriplePattern
		card    int64
	}
	ordered := make([]scored, len(patterns))
	for i, p := range patterns {
		ordered[i] = scored{pattern: p, card: o.stats.EstimatePattern(p)}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].card < ordered[j].card
	})

	plan := Plan(&ScanPlan{Pattern: ordered[0].pattern, EstCard: ordered[0].card})
	planCard := ordered[0].card
	bound := make(map[string]bool)
	for _, name := range patternVariables(ordered[0].pattern) {
		bound[name] = true
	}
	remaining := ordered[1:]

	for len(remaining) > 0 {
		// Prefer the cheapest pattern connected to what is already bound.
		pick := -1
		for i, s := range remaining {
			for _, name := range patternVariables(s.pattern) {
				if bound[name] {
					pick = i
					break
				}
			}
			if pick >= 0 {
				break
			}
		}
		if pick < 0 {
			pick = 0
		}

		next := remaining[pick]
		remaining = append(remaining[:pick], remaining[pick+1:]...)

		strategy, _ := o.chooseStrategy(planCard, next.card)
		plan = &JoinPlan{
			Left:     plan,
			Right:    &ScanPlan{Pattern: next.pattern, EstCard: next.card},
			Strategy: strategy,
			EstLeft:  planCard,
			EstRight: next.card,
		}
		shared := 0
		for _, name := range patternVariables(next.pattern) {
			if bound[name] {
				shared++
			}
			bound[name] = true
		}
		planCard = estimateJoinCard(planCard, next.card, shared)
	}
	return plan
}

func (o *Optimizer) estimatePlans(patterns []*algebra.TriplePattern) int64 {
	est := int64(1)
	for _, p := range patterns {
		est = estimateJoinCard(est, o.stats.EstimatePattern(p), 1)
	}
	return est
}

func (o *Optimizer) joinWithStrategy(left, right Plan, leftCard, rightCard int64) Plan {
	strategy, _ := o.chooseStrategy(leftCard, rightCard)
	return &JoinPlan{
		Left:     left,
		Right:    right,
		Strategy: strategy,
		EstLeft:  leftCard,
		EstRight: rightCard,
	}
}
