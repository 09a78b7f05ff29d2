package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// MaxExpressionLength bounds the source size accepted by the sandbox.
const MaxExpressionLength = 4096

const maxCachedPrograms = 1024

// allowedBuiltins is the complete set of expr builtins reachable from a
// sandboxed expression. Everything else, including the clock and
// reflection helpers, stays disabled.
var allowedBuiltins = []string{
	"len", "abs", "ceil", "floor", "round", "max", "min",
	"string", "int", "float", "toJSON", "fromJSON",
	"upper", "lower", "trim", "split", "join",
	"keys", "values",
	"filter", "map", "any", "all", "count", "first", "last",
}

// Sandbox evaluates expr-lang expressions over caller-supplied variables
// only. Variables are normalized to plain JSON data before every run, so
// no host value is reachable from inside an expression.
// Thread-safe: compiled programs are cached and reused across goroutines.
type Sandbox struct {
	options []expr.Option

	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewSandbox creates a Sandbox with the builtin allow-list applied.
func NewSandbox() *Sandbox {
	opts := []expr.Option{
		expr.AllowUndefinedVariables(),
		expr.DisableAllBuiltins(),
	}
	for _, name := range allowedBuiltins {
		opts = append(opts, expr.EnableBuiltin(name))
	}
	opts = append(opts,
		expr.Function("isArray", isArray, new(func(any) bool)),
		expr.Function("parseJSON", parseJSON, new(func(string) any)),
		expr.Function("stringify", stringify, new(func(any) string)),
	)
	return &Sandbox{
		options: opts,
		cache:   make(map[string]*vm.Program),
	}
}

// Name returns the engine identifier.
func (s *Sandbox) Name() string {
	return "expr"
}

// Evaluate compiles (or retrieves from cache) expression and runs it with
// variables as its only environment. Every failure is an
// EXPRESSION_EVALUATION_ERROR carrying the expression.
func (s *Sandbox) Evaluate(ctx context.Context, expression string, variables map[string]any) (any, error) {
	if expression == "" {
		return nil, evalError(expression, nil, "empty expression")
	}
	if len(expression) > MaxExpressionLength {
		return nil, evalError(expression, nil,
			"expression exceeds %d bytes", MaxExpressionLength)
	}
	if err := ctx.Err(); err != nil {
		return nil, evalError(expression, err, "evaluation cancelled: %s", err.Error())
	}

	env, err := NormalizeMap(variables)
	if err != nil {
		return nil, evalError(expression, err, "invalid variables for %q: %s", expression, err.Error())
	}

	prg, err := s.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, evalError(expression, err,
			"evaluation failed for %q: %s", expression, err.Error())
	}
	return out, nil
}

// getOrCompile returns a cached compiled program or compiles and caches a new one.
// Programs are compiled without a typed environment so one program serves
// every variable shape.
func (s *Sandbox) getOrCompile(expression string) (*vm.Program, error) {
	s.mu.RLock()
	if prg, ok := s.cache[expression]; ok {
		s.mu.RUnlock()
		return prg, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := s.cache[expression]; ok {
		return prg, nil
	}

	prg, err := expr.Compile(expression, s.options...)
	if err != nil {
		return nil, evalError(expression, err,
			"compile error in %q: %s", expression, err.Error())
	}

	if len(s.cache) >= maxCachedPrograms {
		s.cache = make(map[string]*vm.Program)
	}
	s.cache[expression] = prg
	return prg, nil
}

func isArray(params ...any) (any, error) {
	_, ok := params[0].([]any)
	return ok, nil
}

func parseJSON(params ...any) (any, error) {
	text, ok := params[0].(string)
	if !ok {
		return nil, fmt.Errorf("parseJSON expects a string, got %T", params[0])
	}
	var out any
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func stringify(params ...any) (any, error) {
	b, err := json.Marshal(params[0])
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

var _ Engine = (*Sandbox)(nil)
