package mapping

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/rendis/agentflow/internal/expressions"
	"github.com/rendis/agentflow/internal/logging"
	"github.com/rendis/agentflow/pkg/schema"
)

// Recognized output targets that receive type coercion.
const (
	TargetContent  = "content"
	TargetFiles    = "files"
	TargetMetadata = "metadata"
)

// Mapper translates conversation data into workflow inputs and extracts
// named fields from raw workflow outputs. Rule failures are logged and never
// abort the remaining rules.
type Mapper struct {
	engines *expressions.Engines
	logger  *slog.Logger
}

// NewMapper creates a Mapper that evaluates rule expressions with engines.
func NewMapper(engines *expressions.Engines, logger *slog.Logger) *Mapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mapper{engines: engines, logger: logger}
}

// NewDefaultEngines builds the engine set used for mapping rules: the
// sandbox by default, plus CEL and jq selectable per rule.
func NewDefaultEngines() (*expressions.Engines, error) {
	cel, err := expressions.NewCELEngine(append(append([]string{}, ConversationFields...), OutputVariable)...)
	if err != nil {
		return nil, err
	}
	return expressions.NewEngines(expressions.NewSandbox(), cel, expressions.NewGoJQEngine()), nil
}

// MapInputs evaluates each rule against data and returns the workflow input.
// An empty result falls back to the rule's DefaultValue; a rule that still
// has no value is left out of the result.
func (m *Mapper) MapInputs(ctx context.Context, data ConversationData, rules []schema.FieldMappingRule) map[string]any {
	vars := data.Variables()
	result := make(map[string]any, len(rules))

	for i, rule := range rules {
		if rule.TargetInputName == "" {
			m.warn(ctx, "input mapping rule has no target", i, "", nil)
			continue
		}

		value := m.sourceValue(ctx, i, rule, vars)
		if isEmpty(value) && rule.DefaultValue != nil {
			value = rule.DefaultValue
		}
		if value != nil {
			result[rule.TargetInputName] = value
		}
	}
	return result
}

func (m *Mapper) sourceValue(ctx context.Context, i int, rule schema.FieldMappingRule, vars map[string]any) any {
	switch rule.SourceKind {
	case schema.SourceKindField:
		value, ok := vars[rule.SourceField]
		if !ok {
			m.warn(ctx, "unrecognized conversation field", i, rule.TargetInputName,
				fmt.Errorf("field %q is not one of %v", rule.SourceField, ConversationFields))
			return nil
		}
		return value
	case schema.SourceKindExpression:
		value, err := m.evaluate(ctx, rule.Engine, rule.Expression, vars)
		if err != nil {
			m.warn(ctx, "input mapping expression failed", i, rule.TargetInputName, err)
			return nil
		}
		return value
	default:
		m.warn(ctx, "unknown mapping source kind", i, rule.TargetInputName,
			fmt.Errorf("source kind %q", rule.SourceKind))
		return nil
	}
}

// ExtractOutputs evaluates each rule's ExtractExpression against the raw
// workflow output, bound as `output`. Plain property paths take the
// ResolvePath fast path; anything else goes through the selected engine.
func (m *Mapper) ExtractOutputs(ctx context.Context, workflowOutput any, rules []schema.OutputMappingRule) map[string]any {
	result := make(map[string]any, len(rules))

	output, err := expressions.Normalize(workflowOutput)
	if err != nil {
		m.warn(ctx, "workflow output is not JSON data", -1, "", err)
		return result
	}
	vars := map[string]any{OutputVariable: output}

	for i, rule := range rules {
		if rule.TargetField == "" {
			m.warn(ctx, "output mapping rule has no target", i, "", nil)
			continue
		}

		var value any
		if rule.Engine == "" && expressions.IsSimplePath(rule.ExtractExpression) {
			value, err = expressions.ResolvePath(vars, rule.ExtractExpression)
		} else {
			value, err = m.evaluate(ctx, rule.Engine, rule.ExtractExpression, vars)
		}
		if err != nil {
			m.warn(ctx, "output extraction failed", i, rule.TargetField, err)
			continue
		}
		if normalized, nerr := expressions.Normalize(value); nerr == nil {
			value = normalized
		}

		result[rule.TargetField] = coerce(rule.TargetField, value)
	}
	return result
}

func (m *Mapper) evaluate(ctx context.Context, engineName, expression string, vars map[string]any) (any, error) {
	engine, err := m.engines.Get(engineName)
	if err != nil {
		return nil, err
	}
	return engine.Evaluate(ctx, expression, vars)
}

func (m *Mapper) warn(ctx context.Context, msg string, index int, target string, err error) {
	attrs := []any{slog.Int("rule", index)}
	if target != "" {
		attrs = append(attrs, slog.String("target", target))
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	logging.LogWith(ctx, m.logger).Warn(msg, attrs...)
}

// isEmpty reports nil, "", and empty slices or maps.
func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case []any:
		return len(val) == 0
	case []string:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	default:
		return false
	}
}

// coerce applies the light typing of the recognized targets.
func coerce(target string, v any) any {
	switch target {
	case TargetContent:
		return toContent(v)
	case TargetFiles:
		switch val := v.(type) {
		case nil:
			return []any{}
		case []any:
			return val
		default:
			return []any{val}
		}
	case TargetMetadata:
		switch val := v.(type) {
		case nil:
			return map[string]any{}
		case map[string]any:
			return val
		default:
			return map[string]any{"value": val}
		}
	default:
		return v
	}
}

func toContent(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}
