package engine

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// DefaultRetryExpression is the policy applied when a step declares none.
// Crashes count as retryable because success cannot be ruled out.
const DefaultRetryExpression = `(retryable || crashed) && attempt < max_retries`

// RetryPolicy decides whether a terminated attempt gets another try.
// Expression is a CEL predicate over the attempt outcome; an empty
// Expression uses DefaultRetryExpression.
type RetryPolicy struct {
	MaxRetries  int     `json:"max_retries" yaml:"max_retries"`
	Expression  string  `json:"expression,omitempty" yaml:"expression,omitempty"`
	WaitSeconds float64 `json:"wait_seconds,omitempty" yaml:"wait_seconds,omitempty"`
}

// RetryDecision is the input the policy expression sees.
type RetryDecision struct {
	Attempt   int
	Retryable bool
	Crashed   bool
}

// RetryEvaluator compiles and caches retry policy expressions.
type RetryEvaluator struct {
	env      *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

// NewRetryEvaluator builds the evaluation environment. The variable set is
// fixed: attempt, max_retries, retryable, crashed.
func NewRetryEvaluator() (*RetryEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("attempt", cel.IntType),
		cel.Variable("max_retries", cel.IntType),
		cel.Variable("retryable", cel.BoolType),
		cel.Variable("crashed", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retry policy environment: %w", err)
	}
	return &RetryEvaluator{
		env:      env,
		prgCache: make(map[string]cel.Program),
	}, nil
}

// ShouldRetry evaluates the policy for one terminated attempt.
func (e *RetryEvaluator) ShouldRetry(policy RetryPolicy, decision RetryDecision) (bool, error) {
	expr := policy.Expression
	if expr == "" {
		expr = DefaultRetryExpression
	}
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(map[string]any{
		"attempt":     decision.Attempt,
		"max_retries": policy.MaxRetries,
		"retryable":   decision.Retryable,
		"crashed":     decision.Crashed,
	})
	if err != nil {
		return false, fmt.Errorf("retry policy evaluation failed: %w", err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("retry policy %q did not evaluate to a boolean", expr)
	}
	return allowed, nil
}

func (e *RetryEvaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.prgCache[expr]; hit {
		return prg, nil
	}

	ast, iss := e.env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("invalid retry policy %q: %w", expr, iss.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to build retry policy program: %w", err)
	}
	e.prgCache[expr] = prg
	return prg, nil
}
