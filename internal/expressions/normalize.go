package expressions

import (
	"encoding/json"
	"fmt"
)

// Normalize converts v to plain JSON data (map[string]any, []any, string,
// float64, bool, nil) by a JSON round trip. Structs, pointers and other host
// values are flattened to their JSON form; functions and channels are rejected.
func Normalize(v any) (any, error) {
	switch v.(type) {
	case nil, string, bool, float64:
		return v, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("value is not JSON-serializable: %w", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// NormalizeMap is Normalize for a variable set. A nil map yields an empty one.
func NormalizeMap(m map[string]any) (map[string]any, error) {
	if len(m) == 0 {
		return map[string]any{}, nil
	}
	out, err := Normalize(m)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

// DeepCopyMap creates a deep copy of a map[string]any.
func DeepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = DeepCopy(v)
	}
	return cp
}

// DeepCopy recursively copies maps and slices. Other values are returned as is.
func DeepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return DeepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = DeepCopy(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}
