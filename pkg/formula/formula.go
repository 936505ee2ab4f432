// Package formula evaluates variable repayment amounts. A formula is a CEL
// expression yielding a percentage rate from the contract principal and the
// 1-based occurrence number, e.g. `2.0 + double(occurrence)`.
package formula

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/shopspring/decimal"
)

const (
	VarPrincipal  = "principal"
	VarOccurrence = "occurrence"
)

// Evaluator compiles formulas once and caches the programs.
type Evaluator struct {
	env      *cel.Env
	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewEvaluator builds the formula environment.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable(VarPrincipal, cel.DoubleType),
		cel.Variable(VarOccurrence, cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Evaluator{env: env, programs: make(map[string]cel.Program)}, nil
}

// Check compiles expr without evaluating it.
func (e *Evaluator) Check(expr string) error {
	_, err := e.program(expr)
	return err
}

// Rate evaluates expr for one occurrence.
func (e *Evaluator) Rate(ctx context.Context, expr string, principal decimal.Decimal, occurrence int) (decimal.Decimal, error) {
	prg, err := e.program(expr)
	if err != nil {
		return decimal.Zero, err
	}
	out, _, err := prg.ContextEval(ctx, map[string]any{
		VarPrincipal:  principal.InexactFloat64(),
		VarOccurrence: int64(occurrence),
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("eval %q: %w", expr, err)
	}

	var rate decimal.Decimal
	switch v := out.Value().(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return decimal.Zero, fmt.Errorf("formula %q produced %v", expr, v)
		}
		rate = decimal.NewFromFloat(v)
	case int64:
		rate = decimal.NewFromInt(v)
	default:
		return decimal.Zero, fmt.Errorf("formula %q produced %T, want a number", expr, v)
	}
	if rate.IsNegative() {
		return decimal.Zero, fmt.Errorf("formula %q produced negative rate %s", expr, rate)
	}
	return rate, nil
}

func (e *Evaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.programs[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.programs[expr]; hit {
		return prg, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", expr, issues.Err())
	}
	out := ast.OutputType()
	if !out.IsExactType(cel.DoubleType) && !out.IsExactType(cel.IntType) {
		return nil, fmt.Errorf("formula %q has type %s, want double or int", expr, out)
	}
	p, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program %q: %w", expr, err)
	}
	e.programs[expr] = p
	return p, nil
}
