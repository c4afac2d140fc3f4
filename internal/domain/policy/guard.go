package policy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/cel-go/cel"
)

// maxGuardLength is the maximum allowed length for guard expressions.
const maxGuardLength = 1024

// maxGuardCost is the CEL runtime cost limit for a single evaluation.
const maxGuardCost = 100_000

// maxGuardNesting is the maximum parenthesis/bracket nesting depth.
const maxGuardNesting = 50

// guardEvalTimeout bounds a single guard evaluation.
const guardEvalTimeout = 5 * time.Second

// interruptCheckFreq is how often (in comprehension iterations) context
// cancellation is checked.
const interruptCheckFreq = 100

// GuardEvaluator compiles and evaluates CEL guard expressions against
// request parameters. Compiled programs are cached by expression hash, so
// repeated checks of the same action pay compilation once.
type GuardEvaluator struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[uint64]cel.Program
}

// NewGuardEvaluator builds the guard environment. Guards see the action
// name and the request parameter map.
func NewGuardEvaluator() (*GuardEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("action", cel.StringType),
		cel.Variable("params", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create guard environment: %w", err)
	}
	return &GuardEvaluator{
		env:   env,
		cache: make(map[uint64]cel.Program),
	}, nil
}

// Validate checks that a guard expression is syntactically valid and
// within the safety limits. Used when loading policy overrides.
func (g *GuardEvaluator) Validate(expr string) error {
	if expr == "" {
		return errors.New("guard expression is empty")
	}
	if len(expr) > maxGuardLength {
		return fmt.Errorf("guard expression too long: %d characters (max %d)", len(expr), maxGuardLength)
	}
	if err := validateNesting(expr); err != nil {
		return err
	}
	_, err := g.program(expr)
	return err
}

// Evaluate runs the guard against the given action and parameters.
// Returns true only when the expression evaluates to boolean true.
func (g *GuardEvaluator) Evaluate(expr, action string, params map[string]any) (bool, error) {
	if len(expr) > maxGuardLength {
		return false, fmt.Errorf("guard expression too long: %d characters (max %d)", len(expr), maxGuardLength)
	}
	if err := validateNesting(expr); err != nil {
		return false, err
	}

	prg, err := g.program(expr)
	if err != nil {
		return false, err
	}

	if params == nil {
		params = map[string]any{}
	}
	ctx, cancel := context.WithTimeout(context.Background(), guardEvalTimeout)
	defer cancel()

	result, _, err := prg.ContextEval(ctx, map[string]any{
		"action": action,
		"params": params,
	})
	if err != nil {
		return false, fmt.Errorf("guard evaluation failed: %w", err)
	}

	boolResult, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("guard did not return a boolean, got %T", result.Value())
	}
	return boolResult, nil
}

// program returns the compiled program for expr, compiling on first use.
func (g *GuardEvaluator) program(expr string) (cel.Program, error) {
	key := xxhash.Sum64String(expr)

	g.mu.RLock()
	prg, ok := g.cache[key]
	g.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := g.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("guard compilation failed: %w", issues.Err())
	}
	prg, err := g.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxGuardCost),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("guard program creation failed: %w", err)
	}

	g.mu.Lock()
	g.cache[key] = prg
	g.mu.Unlock()
	return prg, nil
}

// validateNesting checks that the expression does not exceed the maximum
// allowed nesting depth for parentheses, brackets, and braces.
func validateNesting(expr string) error {
	var depth, maxDepth int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if maxDepth > maxGuardNesting {
		return fmt.Errorf("guard nesting too deep: %d levels (max %d)", maxDepth, maxGuardNesting)
	}
	return nil
}
