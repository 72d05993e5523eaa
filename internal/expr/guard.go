package expr

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// Environment builds and compiles CEL acceptance guards against a normalized
// sample. Guards decide whether a fetched sample is plausible enough to cache;
// a guard that evaluates to false rejects the sample and the previous cache
// entry stays in place.
type Environment struct {
	env *cel.Env
}

// NewEnvironment declares the CEL variables exposed to guard expressions.
// apy and tvl are dyn because a source may omit either (explorer and price
// feeds carry metadata only); guards should null-check before comparing.
func NewEnvironment() (*Environment, error) {
	env, err := cel.NewEnv(
		cel.Variable("apy", cel.DynType),
		cel.Variable("tvl", cel.DynType),
		cel.Variable("status", cel.IntType),
		cel.Variable("elapsed_ms", cel.IntType),
		cel.Variable("metadata", cel.MapType(cel.StringType, cel.DynType)),
		cel.HomogeneousAggregateLiterals(),
	)
	if err != nil {
		return nil, fmt.Errorf("expr: build environment: %w", err)
	}
	return &Environment{env: env}, nil
}

// Guard wraps a compiled CEL program that yields a boolean verdict.
type Guard struct {
	source  string
	program cel.Program
}

// Compile prepares the guard for execution, ensuring the expression yields a
// boolean.
func (e *Environment) Compile(expression string) (Guard, error) {
	expr := strings.TrimSpace(expression)
	if expr == "" {
		return Guard{}, fmt.Errorf("expr: expression required")
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return Guard{}, fmt.Errorf("expr: compile %q: %w", expr, issues.Err())
	}
	if t := ast.OutputType(); t != cel.BoolType && t != cel.DynType {
		return Guard{}, fmt.Errorf("expr: %q must return bool, got %s", expr, cel.FormatCELType(t))
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return Guard{}, fmt.Errorf("expr: program %q: %w", expr, err)
	}
	return Guard{source: expr, program: program}, nil
}

// Accept executes the guard against the provided activation and coerces the
// result to bool.
func (g Guard) Accept(vars map[string]any) (bool, error) {
	if g.program == nil {
		return false, fmt.Errorf("expr: guard not initialized")
	}
	val, _, err := g.program.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("expr: eval %q: %w", g.source, err)
	}
	switch v := val.(type) {
	case types.Bool:
		return bool(v), nil
	case ref.Val:
		if v.Type() == types.BoolType {
			if b, ok := v.Value().(bool); ok {
				return b, nil
			}
		}
	}
	return false, fmt.Errorf("expr: %q yielded non-bool result %T", g.source, val)
}

// Source returns the original CEL expression for logging.
func (g Guard) Source() string { return g.source }

// Defined reports whether the guard wraps a compiled program. The zero Guard
// is a no-op placeholder for sources without an acceptance expression.
func (g Guard) Defined() bool { return g.program != nil }
