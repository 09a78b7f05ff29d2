package expressions

import (
	"context"
	"regexp"
	"sync"

	"github.com/itchyny/gojq"
)

// jqForbidden lists the jq builtins and variables that reach outside the
// input document: environment, extra inputs, clock and process control.
var jqForbidden = map[string]bool{
	"env": true, "$ENV": true, "$__loc__": true, "$__prog_args": true,
	"input": true, "inputs": true, "input_filename": true, "input_line_number": true,
	"debug": true, "stderr": true, "halt": true, "halt_error": true,
	"now": true, "localtime": true, "gmtime": true, "mktime": true,
	"strftime": true, "strflocaltime": true, "strptime": true,
	"todate": true, "fromdate": true, "date": true, "dateadd": true, "datesub": true,
	"todateiso8601": true, "fromdateiso8601": true,
	"import": true, "include": true, "modulemeta": true,
}

var (
	jqStringLiteral = regexp.MustCompile(`"(?:[^"\\]|\\.)*"`)
	jqIdentifier    = regexp.MustCompile(`\$?[A-Za-z_][A-Za-z0-9_]*`)
)

// GoJQEngine implements the Engine interface using GoJQ. The variables map is
// the input document, so `.output.answer` reads variables["output"]["answer"].
// Thread-safe: compiled *Code objects are cached and reused across goroutines.
type GoJQEngine struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewGoJQEngine creates a new GoJQ expression engine.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{
		cache: make(map[string]*gojq.Code),
	}
}

// Name returns the engine identifier.
func (e *GoJQEngine) Name() string {
	return "jq"
}

// Evaluate compiles (or retrieves from cache) a jq expression and runs it.
// A single output is returned directly, several are collected into []any,
// and no output yields nil.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, variables map[string]any) (any, error) {
	if expression == "" {
		return nil, evalError(expression, nil, "empty jq expression")
	}
	if len(expression) > MaxExpressionLength {
		return nil, evalError(expression, nil, "expression exceeds %d bytes", MaxExpressionLength)
	}

	data, err := NormalizeMap(variables)
	if err != nil {
		return nil, evalError(expression, err, "invalid variables for %q: %s", expression, err.Error())
	}

	code, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, data)

	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, evalError(expression, err,
				"jq evaluation failed for %q: %s", expression, err.Error())
		}
		results = append(results, val)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// getOrCompile returns a cached compiled code or compiles and caches a new one.
func (e *GoJQEngine) getOrCompile(expression string) (*gojq.Code, error) {
	e.mu.RLock()
	if code, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return code, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if code, ok := e.cache[expression]; ok {
		return code, nil
	}

	if name := forbiddenJQName(expression); name != "" {
		return nil, evalError(expression, nil,
			"jq expression %q uses %s, which is not available", expression, name)
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, evalError(expression, err,
			"jq parse error in %q: %s", expression, err.Error())
	}

	code, err := gojq.Compile(query,
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, evalError(expression, err,
			"jq compile error in %q: %s", expression, err.Error())
	}

	if len(e.cache) >= maxCachedPrograms {
		e.cache = make(map[string]*gojq.Code)
	}
	e.cache[expression] = code
	return code, nil
}

// forbiddenJQName returns the first forbidden builtin or variable used
// outside a string literal, or "". Field accesses such as .date are allowed.
func forbiddenJQName(expression string) string {
	stripped := jqStringLiteral.ReplaceAllString(expression, `""`)
	for _, loc := range jqIdentifier.FindAllStringIndex(stripped, -1) {
		if loc[0] > 0 && stripped[loc[0]-1] == '.' {
			continue
		}
		if ident := stripped[loc[0]:loc[1]]; jqForbidden[ident] {
			return ident
		}
	}
	return ""
}

var _ Engine = (*GoJQEngine)(nil)
