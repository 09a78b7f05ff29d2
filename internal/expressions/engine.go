package expressions

import (
	"context"
	"fmt"

	"github.com/rendis/agentflow/pkg/schema"
)

// Engine evaluates an expression against a set of named variables.
// Three implementations: Sandbox (expr, the default), CEL and GoJQ.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, variables map[string]any) (any, error)
}

// Engines selects an Engine by the name stored on a mapping rule.
type Engines struct {
	byName   map[string]Engine
	fallback Engine
}

// NewEngines builds a selector whose default is def. Additional engines are
// addressable by their Name.
func NewEngines(def Engine, others ...Engine) *Engines {
	e := &Engines{byName: make(map[string]Engine, len(others)+1), fallback: def}
	e.byName[def.Name()] = def
	for _, o := range others {
		e.byName[o.Name()] = o
	}
	return e
}

// Get returns the engine registered under name. An empty name selects the default.
func (e *Engines) Get(name string) (Engine, error) {
	if name == "" {
		return e.fallback, nil
	}
	if eng, ok := e.byName[name]; ok {
		return eng, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeExpression, "unknown expression engine %q", name).
		WithDetails(map[string]any{"engine": name})
}

// evalError builds the error every engine returns when an expression cannot
// be compiled or evaluated.
func evalError(expression string, cause error, format string, args ...any) *schema.EngineError {
	msg := fmt.Sprintf(format, args...)
	return schema.NewError(schema.ErrCodeExpression, msg).
		WithCause(cause).
		WithDetails(map[string]any{"expression": expression})
}
