package exec

import (
	"fmt"

	"github.com/ternstore/tern/internal/sparql/algebra"
	"github.com/ternstore/tern/internal/store"
	"github.com/ternstore/tern/pkg/rdf"
)

// createPathIterator evaluates a property-path pattern. Closure traversal
// uses explicit frontier queues with visited sets and the shared iteration
// budget; recursion never follows the data.
func (e *Executor) createPathIterator(pattern *algebra.PathPattern) (BindingIterator, error) {
	bindings, err := e.pathBindings(pattern)
	if err != nil {
		return nil, err
	}
	return &sliceBindingIterator{bindings: bindings, position: -1}, nil
}

type sliceBindingIterator struct {
	bindings []*store.Binding
	position int
}

func (it *sliceBindingIterator) Next() bool {
	it.position++
	return it.position < len(it.bindings)
}

func (it *sliceBindingIterator) Binding() *store.Binding {
	if it.position < 0 || it.position >= len(it.bindings) {
		return store.NewBinding()
	}
	return it.bindings[it.position]
}

func (it *sliceBindingIterator) Err() error   { return nil }
func (it *sliceBindingIterator) Close() error { return nil }

// pathBindings enumerates the solutions of one path pattern, choosing the
// traversal direction from which endpoints are bound.
func (e *Executor) pathBindings(pattern *algebra.PathPattern) ([]*store.Binding, error) {
	sBound := !pattern.Subject.IsVariable()
	oBound := !pattern.Object.IsVariable()

	switch {
	case sBound && oBound:
		ok, err := e.pathHolds(pattern.Path, pattern.Subject.Term, pattern.Object.Term)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		return []*store.Binding{store.NewBinding()}, nil

	case sBound:
		ends, err := e.pathReach(pattern.Path, pattern.Subject.Term, true)
		if err != nil {
			return nil, err
		}
		return bindEach(pattern.Object.Variable.Name, ends), nil

	case oBound:
		starts, err := e.pathReach(pattern.Path, pattern.Object.Term, false)
		if err != nil {
			return nil, err
		}
		return bindEach(pattern.Subject.Variable.Name, starts), nil

	default:
		return e.pathBindingsBothVars(pattern)
	}
}

func bindEach(name string, terms []rdf.Term) []*store.Binding {
	bindings := make([]*store.Binding, 0, len(terms))
	for _, term := range terms {
		b := store.NewBinding()
		b.Vars[name] = term
		bindings = append(bindings, b)
	}
	return bindings
}

// pathBindingsBothVars enumerates (start, end) pairs when both endpoints
// are variables. A bare link scans its predicate directly; everything else
// forward-evaluates from every node in the graph.
func (e *Executor) pathBindingsBothVars(pattern *algebra.PathPattern) ([]*store.Binding, error) {
	sName := pattern.Subject.Variable.Name
	oName := pattern.Object.Variable.Name
	sameVar := sName == oName

	if link, ok := pattern.Path.(*algebra.PathLink); ok {
		iter, err := e.store.Query(&store.Pattern{
			Subject:   store.NewVariable("s"),
			Predicate: link.Pred,
			Object:    store.NewVariable("o"),
		})
		if err != nil {
			return nil, err
		}
		defer iter.Close()

		var bindings []*store.Binding
		for iter.Next() {
			if err := e.ec.tick(); err != nil {
				return nil, err
			}
			triple, err := iter.Triple()
			if err != nil {
				return nil, err
			}
			if sameVar && !triple.Subject.Equals(triple.Object) {
				continue
			}
			b := store.NewBinding()
			b.Vars[sName] = triple.Subject
			if !sameVar {
				b.Vars[oName] = triple.Object
			}
			bindings = append(bindings, b)
		}
		return bindings, iter.Err()
	}

	nodes, err := e.nodeSet()
	if err != nil {
		return nil, err
	}

	var bindings []*store.Binding
	seen := make(map[string]bool)
	for _, start := range nodes {
		ends, err := e.pathReach(pattern.Path, start, true)
		if err != nil {
			return nil, err
		}
		for _, end := range ends {
			if sameVar && !start.Equals(end) {
				continue
			}
			key := start.String() + "\x1f" + end.String()
			if seen[key] {
				continue
			}
			seen[key] = true
			b := store.NewBinding()
			b.Vars[sName] = start
			if !sameVar {
				b.Vars[oName] = end
			}
			bindings = append(bindings, b)
		}
	}
	return bindings, nil
}

// nodeSet lists every term appearing as a subject or object of any triple.
func (e *Executor) nodeSet() ([]rdf.Term, error) {
	var nodes []rdf.Term
	seen := make(map[string]bool)

	iter, err := e.store.Query(&store.Pattern{
		Subject:   store.NewVariable("s"),
		Predicate: store.NewVariable("p"),
		Object:    store.NewVariable("o"),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	for iter.Next() {
		if err := e.ec.tick(); err != nil {
			return nil, err
		}
		triple, err := iter.Triple()
		if err != nil {
			return nil, err
		}
		for _, term := range []rdf.Term{triple.Subject, triple.Object} {
			key := term.String()
			if !seen[key] {
				seen[key] = true
				nodes = append(nodes, term)
			}
		}
	}
	return nodes, iter.Err()
}

// pathHolds checks whether the path connects two bound endpoints. Closure
// paths use a bidirectional meet-in-the-middle search so the work is
// bounded by the shorter frontier.
func (e *Executor) pathHolds(path algebra.PathExpr, subject, object rdf.Term) (bool, error) {
	switch p := path.(type) {
	case *algebra.PathZeroOrMore:
		if subject.Equals(object) {
			return true, nil
		}
		return e.bidirectionalReach(p.Inner, subject, object)
	case *algebra.PathOneOrMore:
		return e.bidirectionalReach(p.Inner, subject, object)
	case *algebra.PathZeroOrOne:
		if subject.Equals(object) {
			return true, nil
		}
		ends, err := e.pathReach(p.Inner, subject, true)
		if err != nil {
			return false, err
		}
		return containsTerm(ends, object), nil
	default:
		ends, err := e.pathReach(path, subject, true)
		if err != nil {
			return false, err
		}
		return containsTerm(ends, object), nil
	}
}

func containsTerm(terms []rdf.Term, target rdf.Term) bool {
	for _, term := range terms {
		if term.Equals(target) {
			return true
		}
	}
	return false
}

// bidirectionalReach alternates BFS expansion of the smaller frontier from
// both endpoints until the frontiers meet.
func (e *Executor) bidirectionalReach(inner algebra.PathExpr, subject, object rdf.Term) (bool, error) {
	fwdVisited := map[string]bool{subject.String(): true}
	revVisited := map[string]bool{object.String(): true}
	fwdFrontier := []rdf.Term{subject}
	revFrontier := []rdf.Term{object}

	for len(fwdFrontier) > 0 && len(revFrontier) > 0 {
		expandForward := len(fwdFrontier) <= len(revFrontier)

		frontier := fwdFrontier
		visited := fwdVisited
		other := revVisited
		if !expandForward {
			frontier = revFrontier
			visited = revVisited
			other = fwdVisited
		}

		var next []rdf.Term
		for _, node := range frontier {
			if err := e.ec.tick(); err != nil {
				return false, err
			}
			successors, err := e.pathStep(inner, node, expandForward)
			if err != nil {
				return false, err
			}
			for _, succ := range successors {
				key := succ.String()
				if other[key] {
					return true, nil
				}
				if !visited[key] {
					visited[key] = true
					next = append(next, succ)
				}
			}
		}

		if expandForward {
			fwdFrontier = next
		} else {
			revFrontier = next
		}
	}
	return false, nil
}

// pathReach returns the set of terms reachable from start over the path;
// forward=false evaluates the path right-to-left (reverse traversal).
func (e *Executor) pathReach(path algebra.PathExpr, start rdf.Term, forward bool) ([]rdf.Term, error) {
	switch p := path.(type) {
	case *algebra.PathLink:
		return e.linkStep(p.Pred, start, forward)

	case *algebra.PathReverse:
		return e.pathReach(p.Inner, start, !forward)

	case *algebra.PathSequence:
		first, second := p.Left, p.Right
		if !forward {
			first, second = second, first
		}
		mids, err := e.pathReach(first, start, forward)
		if err != nil {
			return nil, err
		}
		var ends []rdf.Term
		seen := make(map[string]bool)
		for _, mid := range mids {
			tails, err := e.pathReach(second, mid, forward)
			if err != nil {
				return nil, err
			}
			for _, end := range tails {
				if key := end.String(); !seen[key] {
					seen[key] = true
					ends = append(ends, end)
				}
			}
		}
		return ends, nil

	case *algebra.PathAlternative:
		left, err := e.pathReach(p.Left, start, forward)
		if err != nil {
			return nil, err
		}
		right, err := e.pathReach(p.Right, start, forward)
		if err != nil {
			return nil, err
		}
		seen := make(map[string]bool, len(left))
		out := make([]rdf.Term, 0, len(left)+len(right))
		for _, term := range left {
			seen[term.String()] = true
			out = append(out, term)
		}
		for _, term := range right {
			if !seen[term.String()] {
				out = append(out, term)
			}
		}
		return out, nil

	case *algebra.PathNegatedSet:
		return e.negatedStep(p.Preds, start, forward)

	case *algebra.PathZeroOrOne:
		steps, err := e.pathReach(p.Inner, start, forward)
		if err != nil {
			return nil, err
		}
		out := []rdf.Term{start}
		for _, term := range steps {
			if !term.Equals(start) {
				out = append(out, term)
			}
		}
		return out, nil

	case *algebra.PathZeroOrMore:
		return e.closure(p.Inner, start, forward, true)

	case *algebra.PathOneOrMore:
		return e.closure(p.Inner, start, forward, false)

	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedPath, path)
	}
}

// closure is BFS over the inner path with a visited set; includeStart
// distinguishes the reflexive closure.
func (e *Executor) closure(inner algebra.PathExpr, start rdf.Term, forward, includeStart bool) ([]rdf.Term, error) {
	visited := make(map[string]bool)
	var out []rdf.Term

	if includeStart {
		visited[start.String()] = true
		out = append(out, start)
	}

	frontier := []rdf.Term{start}
	for len(frontier) > 0 {
		node := frontier[0]
		frontier = frontier[1:]

		if err := e.ec.tick(); err != nil {
			return nil, err
		}
		successors, err := e.pathStep(inner, node, forward)
		if err != nil {
			return nil, err
		}
		for _, succ := range successors {
			key := succ.String()
			if visited[key] {
				continue
			}
			visited[key] = true
			out = append(out, succ)
			frontier = append(frontier, succ)
		}
	}
	return out, nil
}

// pathStep is a single application of the inner path, used by closures and
// the bidirectional search.
func (e *Executor) pathStep(path algebra.PathExpr, node rdf.Term, forward bool) ([]rdf.Term, error) {
	return e.pathReach(path, node, forward)
}

// linkStep follows one predicate edge.
func (e *Executor) linkStep(pred *rdf.NamedNode, node rdf.Term, forward bool) ([]rdf.Term, error) {
	pattern := &store.Pattern{Predicate: pred}
	if forward {
		pattern.Subject = node
		pattern.Object = store.NewVariable("o")
	} else {
		pattern.Subject = store.NewVariable("s")
		pattern.Object = node
	}

	iter, err := e.store.Query(pattern)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []rdf.Term
	for iter.Next() {
		if err := e.ec.tick(); err != nil {
			return nil, err
		}
		triple, err := iter.Triple()
		if err != nil {
			return nil, err
		}
		if forward {
			out = append(out, triple.Object)
		} else {
			out = append(out, triple.Subject)
		}
	}
	return out, iter.Err()
}

// negatedStep follows any edge whose predicate is outside the set.
func (e *Executor) negatedStep(preds []*rdf.NamedNode, node rdf.Term, forward bool) ([]rdf.Term, error) {
	excluded := make(map[string]bool, len(preds))
	for _, p := range preds {
		excluded[p.IRI] = true
	}

	pattern := &store.Pattern{Predicate: store.NewVariable("p")}
	if forward {
		pattern.Subject = node
		pattern.Object = store.NewVariable("o")
	} else {
		pattern.Subject = store.NewVariable("s")
		pattern.Object = node
	}

	iter, err := e.store.Query(pattern)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []rdf.Term
	for iter.Next() {
		if err := e.ec.tick(); err != nil {
			return nil, err
		}
		triple, err := iter.Triple()
		if err != nil {
			return nil, err
		}
		if nn, ok := triple.Predicate.(*rdf.NamedNode); ok && excluded[nn.IRI] {
			continue
		}
		if forward {
			out = append(out, triple.Object)
		} else {
			out = append(out, triple.Subject)
		}
	}
	return out, iter.Err()
}
