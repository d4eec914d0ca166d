package eventbus

import (
	"fmt"

	"github.com/google/cel-go/cel"
	exprpb "google.golang.org/genproto/googleapis/api/expr/v1alpha1"
)

// Subscription filters are CEL expressions evaluated against the event's
// attribute map (see Event.AttributeMap). Expressions must be deterministic:
// the same event must match or not match on every delivery attempt, so
// time- and randomness-dependent functions are rejected at compile time.

// filterDenylist names CEL functions that make match results unstable.
var filterDenylist = map[string]string{
	"now":       "wall-clock access",
	"timestamp": "time construction",
	"duration":  "time construction",
	"rand":      "randomness",
}

// maxFilterExpressionNodes bounds filter AST size.
const maxFilterExpressionNodes = 250

// Filter is a compiled, validated CEL predicate over event attributes.
type Filter struct {
	source  string
	program cel.Program
}

// CompileFilter parses, validates, and compiles a CEL filter expression.
// The expression sees a single variable `event` (map).
func CompileFilter(expr string) (*Filter, error) {
	env, err := cel.NewEnv(
		cel.Variable("event", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("eventbus: filter env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("eventbus: filter %q does not compile: %w", expr, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("eventbus: filter %q must evaluate to bool, got %s", expr, ast.OutputType())
	}

	parsed, err := cel.AstToParsedExpr(ast)
	if err != nil {
		return nil, fmt.Errorf("eventbus: filter %q AST export: %w", expr, err)
	}
	if err := validateFilterExpr(parsed.GetExpr()); err != nil {
		return nil, fmt.Errorf("eventbus: filter %q rejected: %w", expr, err)
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("eventbus: filter %q program: %w", expr, err)
	}

	return &Filter{source: expr, program: program}, nil
}

// Source returns the original expression text.
func (f *Filter) Source() string { return f.source }

// Matches evaluates the filter against an event. Evaluation errors (missing
// payload keys, type mismatches) count as non-matches; the error is returned
// for the caller to log.
func (f *Filter) Matches(e *Event) (bool, error) {
	out, _, err := f.program.Eval(map[string]interface{}{
		"event": e.AttributeMap(),
	})
	if err != nil {
		return false, fmt.Errorf("eventbus: filter eval: %w", err)
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("eventbus: filter returned %T, want bool", out.Value())
	}
	return matched, nil
}

// validateFilterExpr walks the parsed expression tree, counting nodes and
// rejecting denylisted calls.
func validateFilterExpr(root *exprpb.Expr) error {
	nodes := 0
	var walk func(e *exprpb.Expr) error
	walk = func(e *exprpb.Expr) error {
		if e == nil {
			return nil
		}
		nodes++
		if nodes > maxFilterExpressionNodes {
			return fmt.Errorf("expression exceeds %d nodes", maxFilterExpressionNodes)
		}

		switch kind := e.ExprKind.(type) {
		case *exprpb.Expr_CallExpr:
			if reason, denied := filterDenylist[kind.CallExpr.GetFunction()]; denied {
				return fmt.Errorf("non-deterministic function %q (%s)", kind.CallExpr.GetFunction(), reason)
			}
			if err := walk(kind.CallExpr.GetTarget()); err != nil {
				return err
			}
			for _, arg := range kind.CallExpr.GetArgs() {
				if err := walk(arg); err != nil {
					return err
				}
			}
		case *exprpb.Expr_SelectExpr:
			return walk(kind.SelectExpr.GetOperand())
		case *exprpb.Expr_ListExpr:
			for _, el := range kind.ListExpr.GetElements() {
				if err := walk(el); err != nil {
					return err
				}
			}
		case *exprpb.Expr_StructExpr:
			for _, entry := range kind.StructExpr.GetEntries() {
				if err := walk(entry.GetMapKey()); err != nil {
					return err
				}
				if err := walk(entry.GetValue()); err != nil {
					return err
				}
			}
		case *exprpb.Expr_ComprehensionExpr:
			c := kind.ComprehensionExpr
			for _, sub := range []*exprpb.Expr{c.GetIterRange(), c.GetAccuInit(), c.GetLoopCondition(), c.GetLoopStep(), c.GetResult()} {
				if err := walk(sub); err != nil {
					return err
				}
			}
		}
		return nil
	}
	return walk(root)
}
