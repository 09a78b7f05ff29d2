package expressions

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types/ref"
	"google.golang.org/protobuf/types/known/structpb"
)

// CELEngine implements the Engine interface using Google's Common Expression
// Language. Only the declared variables exist in the environment; CEL has no
// I/O or clock access of its own.
// Thread-safe: compiled programs are cached and reused across goroutines.
type CELEngine struct {
	env       *cel.Env
	variables []string

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCELEngine creates a CEL engine that declares each name in variables as
// a dynamically typed variable.
func NewCELEngine(variables ...string) (*CELEngine, error) {
	opts := make([]cel.EnvOption, 0, len(variables))
	for _, name := range variables {
		opts = append(opts, cel.Variable(name, cel.DynType))
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &CELEngine{
		env:       env,
		variables: variables,
		cache:     make(map[string]cel.Program),
	}, nil
}

// Name returns the engine identifier.
func (e *CELEngine) Name() string {
	return "cel"
}

// Evaluate compiles (or retrieves from cache) a CEL expression and evaluates
// it. Declared variables missing from variables are bound to null.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, variables map[string]any) (any, error) {
	if expression == "" {
		return nil, evalError(expression, nil, "empty CEL expression")
	}
	if len(expression) > MaxExpressionLength {
		return nil, evalError(expression, nil, "expression exceeds %d bytes", MaxExpressionLength)
	}

	data, err := NormalizeMap(variables)
	if err != nil {
		return nil, evalError(expression, err, "invalid variables for %q: %s", expression, err.Error())
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	activation := make(map[string]any, len(e.variables))
	for _, name := range e.variables {
		activation[name] = data[name]
	}

	out, _, err := prg.ContextEval(ctx, activation)
	if err != nil {
		return nil, evalError(expression, err,
			"CEL evaluation failed for %q: %s", expression, err.Error())
	}
	return celToNative(out), nil
}

// getOrCompile returns a cached compiled program or compiles and caches a new one.
func (e *CELEngine) getOrCompile(expression string) (cel.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, evalError(expression, issues.Err(),
			"CEL compile error in %q: %s", expression, issues.Err().Error())
	}

	prg, err := e.env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, evalError(expression, err,
			"CEL program error for %q: %s", expression, err.Error())
	}

	if len(e.cache) >= maxCachedPrograms {
		e.cache = make(map[string]cel.Program)
	}
	e.cache[expression] = prg
	return prg, nil
}

var structValueType = reflect.TypeOf(&structpb.Value{})

// celToNative converts a CEL result to plain JSON data. Lists and maps built
// inside the expression come back as CEL values and are converted through
// structpb; anything that cannot be converted is returned as its raw value.
func celToNative(v ref.Val) any {
	native, err := v.ConvertToNative(structValueType)
	if err != nil {
		return v.Value()
	}
	if pv, ok := native.(*structpb.Value); ok {
		return pv.AsInterface()
	}
	return v.Value()
}

var _ Engine = (*CELEngine)(nil)
