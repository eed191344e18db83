package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ternstore/tern/internal/sparql/algebra"
	"github.com/ternstore/tern/internal/sparql/exec"
	"github.com/ternstore/tern/internal/sparql/optimizer"
	"github.com/ternstore/tern/internal/sparql/parser"
	"github.com/ternstore/tern/pkg/rdf"
)

// Options are the per-query execution options.
type Options struct {
	// Timeout bounds the query; 0 falls back to the engine default.
	Timeout time.Duration

	// Optimize (on by default) must be set together with UseCache for the
	// plan cache to be used; queries are rewritten and planned by the
	// cost-based optimizer whether or not it is set.
	Optimize bool

	// Explain returns the plan instead of executing.
	Explain bool

	// UseCache enables the plan cache (on by default).
	UseCache bool

	// Variables restricts which variables appear in results.
	Variables []string
}

// DefaultOptions returns the option defaults.
func DefaultOptions() Options {
	return Options{Optimize: true, UseCache: true}
}

func resolveOptions(opts *Options) (Options, error) {
	if opts == nil {
		return DefaultOptions(), nil
	}
	return *opts, nil
}

// OptionsFromMap builds Options from a raw key/value map, rejecting unknown
// keys so misspellings never pass silently.
func OptionsFromMap(raw map[string]any) (*Options, error) {
	options := DefaultOptions()
	for key, value := range raw {
		switch key {
		case "timeout":
			switch v := value.(type) {
			case time.Duration:
				options.Timeout = v
			case string:
				d, err := time.ParseDuration(v)
				if err != nil {
					return nil, newError(KindInvalidOption, fmt.Errorf("timeout: %w", err))
				}
				options.Timeout = d
			case int:
				options.Timeout = time.Duration(v) * time.Millisecond
			default:
				return nil, newError(KindInvalidOption, fmt.Errorf("timeout: unsupported type %T", value))
			}
		case "optimize":
			b, ok := value.(bool)
			if !ok {
				return nil, newError(KindInvalidOption, fmt.Errorf("optimize: expected bool"))
			}
			options.Optimize = b
		case "explain":
			b, ok := value.(bool)
			if !ok {
				return nil, newError(KindInvalidOption, fmt.Errorf("explain: expected bool"))
			}
			options.Explain = b
		case "use_cache":
			b, ok := value.(bool)
			if !ok {
				return nil, newError(KindInvalidOption, fmt.Errorf("use_cache: expected bool"))
			}
			options.UseCache = b
		case "variables":
			switch v := value.(type) {
			case []string:
				options.Variables = v
			default:
				return nil, newError(KindInvalidOption, fmt.Errorf("variables: expected []string"))
			}
		default:
			return nil, newError(KindInvalidOption, fmt.Errorf("unknown option %q", key))
		}
	}
	return &options, nil
}

// PreparedQuery is a parsed query with $-parameter placeholders.
type PreparedQuery struct {
	Text       string
	Parameters []string
}

// Prepare parses a query with $param placeholders and records the
// parameters it requires.
func (e *Engine) Prepare(text string, opts *Options) (*PreparedQuery, error) {
	if _, err := resolveOptions(opts); err != nil {
		return nil, err
	}
	query, err := parser.NewParser(text).ParseQuery()
	if err != nil {
		return nil, newError(KindParse, err)
	}
	return &PreparedQuery{Text: text, Parameters: query.Params}, nil
}

// Execute runs a prepared query with parameter values. Values may be
// rdf.Term instances or raw strings, which are coerced: IRI-looking
// strings become NamedNodes, everything else a plain literal.
func (e *Engine) Execute(ctx context.Context, prepared *PreparedQuery, params map[string]any, opts *Options) (*Result, error) {
	options, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	terms, err := coerceParams(prepared.Parameters, params)
	if err != nil {
		return nil, err
	}

	query, err := parser.NewParser(prepared.Text).ParseQuery()
	if err != nil {
		return nil, newError(KindParse, err)
	}
	substituteParams(query, terms)
	query.Params = nil

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
		triples, err := executor.Construct(compiled.Plan, compiled.Query.Template)
		if err != nil {
			return nil, e.wrapExecError(err)
		}
		return &Result{Kind: ResultGraph, Graph: triples}, nil
	default:
		triples, err := executor.Describe(compiled.Plan, compiled.Query.DescribeTerms, compiled.Query.DescribeVars)
		if err != nil {
			return nil, e.wrapExecError(err)
		}
		return &Result{Kind: ResultGraph, Graph: triples}, nil
	}
}

// coerceParams validates presence and coerces raw values to terms.
func coerceParams(required []string, params map[string]any) (map[string]rdf.Term, error) {
	var missing []string
	terms := make(map[string]rdf.Term, len(required))

	for _, name := range required {
		value, ok := params[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		term, err := coerceParamValue(value)
		if err != nil {
			return nil, newError(KindInvalidOption, fmt.Errorf("parameter $%s: %w", name, err))
		}
		terms[name] = term
	}

	if len(missing) > 0 {
		return nil, &Error{Kind: KindMissingParameters, Missing: missing}
	}
	return terms, nil
}

func coerceParamValue(value any) (rdf.Term, error) {
	switch v := value.(type) {
	case rdf.Term:
		return v, nil
	case string:
		if looksLikeIRI(v) {
			return rdf.NewNamedNode(v), nil
		}
		return rdf.NewLiteral(v), nil
	case int:
		return rdf.NewIntegerLiteral(int64(v)), nil
	case int64:
		return rdf.NewIntegerLiteral(v), nil
	case float64:
		return rdf.NewDoubleLiteral(v), nil
	case bool:
		return rdf.NewBooleanLiteral(v), nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", value)
	}
}

func looksLikeIRI(s string) bool {
	return strings.Contains(s, "://") || strings.HasPrefix(s, "urn:") ||
		strings.HasPrefix(s, "mailto:")
}

// substituteParams replaces every parameter position and expression with
// its bound term.
func substituteParams(query *algebra.Query, terms map[string]rdf.Term) {
	substPos := func(pos *algebra.TermOrVariable) {
		if pos.IsParam() {
			if term, ok := terms[pos.Param]; ok {
				pos.Term = term
				pos.Param = ""
			}
		}
	}

	var substExpr func(expr algebra.Expression) algebra.Expression
	substExpr = func(expr algebra.Expression) algebra.Expression {
		switch v := expr.(type) {
		case *algebra.ParamExpr:
			if term, ok := terms[v.Name]; ok {
				return &algebra.TermExpr{Term: term}
			}
			return v
		case *algebra.BinaryExpr:
			v.Left = substExpr(v.Left)
			v.Right = substExpr(v.Right)
		case *algebra.UnaryExpr:
			v.Operand = substExpr(v.Operand)
		case *algebra.FuncCall:
			for i := range v.Args {
				v.Args[i] = substExpr(v.Args[i])
			}
		case *algebra.InExpr:
			v.Value = substExpr(v.Value)
			for i := range v.List {
				v.List[i] = substExpr(v.List[i])
			}
		case *algebra.ExistsExpr:
			substOperator(v.Pattern, substPos, substExpr)
		}
		return expr
	}

	substOperator(query.Root, substPos, substExpr)
	for _, t := range query.Template {
		substPos(&t.Subject)
		substPos(&t.Predicate)
		substPos(&t.Object)
	}
}

func substOperator(op algebra.Operator, substPos func(*algebra.TermOrVariable), substExpr func(algebra.Expression) algebra.Expression) {
	if op == nil {
		return
	}
	switch v := op.(type) {
	case *algebra.BGP:
		for _, p := range v.Patterns {
			substPos(&p.Subject)
			substPos(&p.Predicate)
			substPos(&p.Object)
		}
		for _, p := range v.Paths {
			substPos(&p.Subject)
			substPos(&p.Object)
		}
		for _, q := range v.Quads {
			substPos(&q.Triple.Subject)
			substPos(&q.Triple.Predicate)
			substPos(&q.Triple.Object)
			substPos(&q.Graph)
		}
	case *algebra.Join:
		substOperator(v.Left, substPos, substExpr)
		substOperator(v.Right, substPos, substExpr)
	case *algebra.LeftJoin:
		substOperator(v.Left, substPos, substExpr)
		substOperator(v.Right, substPos, substExpr)
		if v.Filter != nil {
			v.Filter = substExpr(v.Filter)
		}
	case *algebra.Union:
		substOperator(v.Left, substPos, substExpr)
		substOperator(v.Right, substPos, substExpr)
	case *algebra.Minus:
		substOperator(v.Left, substPos, substExpr)
		substOperator(v.Right, substPos, substExpr)
	case *algebra.Filter:
		v.Expr = substExpr(v.Expr)
		substOperator(v.Child, substPos, substExpr)
	case *algebra.Extend:
		v.Expr = substExpr(v.Expr)
		substOperator(v.Child, substPos, substExpr)
	case *algebra.Project:
		substOperator(v.Child, substPos, substExpr)
	case *algebra.Distinct:
		substOperator(v.Child, substPos, substExpr)
	case *algebra.Reduced:
		substOperator(v.Child, substPos, substExpr)
	case *algebra.OrderBy:
		for i := range v.Keys {
			v.Keys[i].Expr = substExpr(v.Keys[i].Expr)
		}
		substOperator(v.Child, substPos, substExpr)
	case *algebra.Slice:
		substOperator(v.Child, substPos, substExpr)
	case *algebra.Group:
		for i := range v.Keys {
			v.Keys[i].Expr = substExpr(v.Keys[i].Expr)
		}
		for _, agg := range v.Aggregates {
			if agg.Agg.Expr != nil {
				agg.Agg.Expr = substExpr(agg.Agg.Expr)
			}
		}
		substOperator(v.Child, substPos, substExpr)
	}
}
