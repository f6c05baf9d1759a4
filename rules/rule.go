package rules

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator evaluates restricted expressions against a business-data
// context. Expressions only see the fields of the supplied context;
// there is no host access and no side effects.
type Evaluator interface {
	// Evaluate runs an expression that must yield a boolean.
	Evaluate(expression string, context map[string]interface{}) (bool, error)

	// ResolveIDs runs an expression that must yield a user ID or a
	// list of user IDs.
	ResolveIDs(expression string, context map[string]interface{}) ([]uint64, error)
}

// ExprEvaluator is an Evaluator backed by expr-lang/expr with a
// compiled-program cache.
type ExprEvaluator struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

// NewExprEvaluator creates a new ExprEvaluator with an initialized cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		cache: make(map[string]*vm.Program),
	}
}

// compile returns the cached program for an expression, compiling it
// on first use. Programs are compiled with undefined variables allowed
// so one cached program serves every context shape.
func (e *ExprEvaluator) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if program, ok = e.cache[expression]; ok {
		return program, nil
	}
	program, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}
	e.cache[expression] = program
	return program, nil
}

// Evaluate evaluates the given expression against the provided context.
// The expression must evaluate to a boolean; otherwise, an error is
// returned.
func (e *ExprEvaluator) Evaluate(expression string, context map[string]interface{}) (bool, error) {
	program, err := e.compile(expression)
	if err != nil {
		return false, err
	}
	result, err := expr.Run(program, context)
	if err != nil {
		return false, err
	}
	boolResult, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("expression '%s' did not evaluate to a boolean, got %T", expression, result)
	}
	return boolResult, nil
}

// ResolveIDs evaluates the given expression and coerces the result to
// user IDs. Accepted results: a single number or a list of numbers.
func (e *ExprEvaluator) ResolveIDs(expression string, context map[string]interface{}) ([]uint64, error) {
	program, err := e.compile(expression)
	if err != nil {
		return nil, err
	}
	result, err := expr.Run(program, context)
	if err != nil {
		return nil, err
	}

	switch v := result.(type) {
	case []interface{}:
		ids := make([]uint64, 0, len(v))
		for _, item := range v {
			id, ok := asID(item)
			if !ok {
				return nil, fmt.Errorf("expression '%s' yielded non-numeric list element %v", expression, item)
			}
			ids = append(ids, id)
		}
		return ids, nil
	default:
		id, ok := asID(v)
		if !ok {
			return nil, fmt.Errorf("expression '%s' did not evaluate to a user ID, got %T", expression, result)
		}
		return []uint64{id}, nil
	}
}

func asID(v interface{}) (uint64, bool) {
	switch n := v.(type) {
	case int:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case int64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case uint64:
		return n, true
	case float64:
		if n < 0 || n != float64(uint64(n)) {
			return 0, false
		}
		return uint64(n), true
	}
	return 0, false
}
