package rules

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/semibot/semibot/internal/store"
)

// CELCompiler compiles optional cel_condition expressions against the event
// variable set. Expressions are compiled once at load time; evaluation is
// lock-free and safe for concurrent use.
type CELCompiler struct {
	env *cel.Env
}

// NewCELCompiler creates a compiler exposing the event fields available in
// rule conditions.
func NewCELCompiler() (*CELCompiler, error) {
	env, err := cel.NewEnv(
		cel.Variable("event_type", cel.StringType),
		cel.Variable("source", cel.StringType),
		cel.Variable("subject", cel.StringType),
		cel.Variable("risk_hint", cel.StringType),
		cel.Variable("payload", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &CELCompiler{env: env}, nil
}

// Compile parses and type-checks an expression, requiring a boolean result.
// Call at load time, not in the hot path.
func (c *CELCompiler) Compile(expr string) (cel.Program, error) {
	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compile error in %q: %w", expr, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("CEL expression %q must evaluate to bool, got %s", expr, ast.OutputType())
	}
	prg, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("CEL program creation failed for %q: %w", expr, err)
	}
	return prg, nil
}

// EvalCEL runs a pre-compiled program against the event.
func EvalCEL(prg cel.Program, evt *store.Event) (bool, error) {
	payload := map[string]any(evt.Payload)
	if payload == nil {
		// CEL map access on nil panics.
		payload = map[string]any{}
	}
	out, _, err := prg.Eval(map[string]any{
		"event_type": evt.EventType,
		"source":     evt.Source,
		"subject":    evt.Subject,
		"risk_hint":  string(evt.RiskHint),
		"payload":    payload,
	})
	if err != nil {
		return false, fmt.Errorf("CEL evaluation error: %w", err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression returned non-bool: %T", out.Value())
	}
	return result, nil
}
