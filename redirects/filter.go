package redirects

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// filterCostLimit bounds the evaluation cost of a single filter run
const filterCostLimit = 1000000

var filterEnv *cel.Env

func init() {
	env, err := cel.NewEnv(
		cel.Variable("rule", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create CEL environment: %v", err))
	}
	filterEnv = env
}

// Filter is a compiled CEL expression selecting rules for listing, e.g.
// `rule.inboundHost.endsWith(".example.com") && rule.statusCode == 301`.
// Safe for concurrent use.
type Filter struct {
	expr string
	prog cel.Program
}

// CompileFilter parses and type-checks expr
func CompileFilter(expr string) (*Filter, error) {
	ast, issues := filterEnv.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: filter compile error: %w", ErrInvalidArgument, issues.Err())
	}

	prog, err := filterEnv.Program(ast, cel.CostLimit(filterCostLimit))
	if err != nil {
		return nil, fmt.Errorf("%w: filter program error: %w", ErrInvalidArgument, err)
	}

	return &Filter{expr: expr, prog: prog}, nil
}

func (f *Filter) String() string {
	return f.expr
}

// Match evaluates the filter against rule. Non-boolean results are false;
// evaluation failures such as a missing key are ErrInvalidArgument.
func (f *Filter) Match(rule *Rule) (bool, error) {
	out, _, err := f.prog.Eval(map[string]any{"rule": filterFacts(rule)})
	if err != nil {
		return false, fmt.Errorf("%w: filter evaluation error: %w", ErrInvalidArgument, err)
	}

	matched, ok := out.Value().(bool)
	return ok && matched, nil
}

// filterFacts exposes a rule under its JSON field names
func filterFacts(r *Rule) map[string]any {
	return map[string]any{
		"id":               r.ID,
		"uniqueId":         r.UniqueID.String(),
		"inboundProtocol":  string(r.InboundProtocol),
		"inboundHost":      r.InboundHost,
		"inboundPort":      int64(r.InboundPort),
		"outboundProtocol": string(r.OutboundProtocol),
		"outboundHost":     r.OutboundHost,
		"outboundPort":     int64(r.OutboundPort),
		"outboundPath":     r.OutboundPath,
		"keepPath":         r.KeepPath,
		"statusCode":       int64(r.StatusCode),
		"created":          r.Created,
		"updated":          r.Updated,
	}
}
