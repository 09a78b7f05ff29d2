package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// readDocument reads a JSON or YAML file and returns it as JSON. Files
// ending in .json are passed through untouched.
func readDocument(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return data, nil
	}
	return yamlToJSON(data)
}

func yamlToJSON(data []byte) ([]byte, error) {
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return json.Marshal(normalizeYAML(v))
}

// normalizeYAML turns non-string mapping keys into strings so the value
// can be encoded as JSON.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, item := range t {
			t[k] = normalizeYAML(item)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[fmt.Sprint(k)] = normalizeYAML(item)
		}
		return out
	case []any:
		for i, item := range t {
			t[i] = normalizeYAML(item)
		}
		return t
	default:
		return v
	}
}

// bundle is an import document. A document with top-level nodes is a
// single workflow; anything else lists roles, workflows and mapping
// configs, imported in that order.
type bundle struct {
	Roles     []json.RawMessage `json:"roles"`
	Workflows []json.RawMessage `json:"workflows"`
	Mappings  []json.RawMessage `json:"mappings"`
}

func parseBundle(doc []byte) (*bundle, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(doc, &probe); err != nil {
		return nil, fmt.Errorf("import document must be an object: %w", err)
	}
	if _, ok := probe["nodes"]; ok {
		return &bundle{Workflows: []json.RawMessage{doc}}, nil
	}

	var b bundle
	if err := json.Unmarshal(doc, &b); err != nil {
		return nil, fmt.Errorf("decode import document: %w", err)
	}
	if len(b.Roles)+len(b.Workflows)+len(b.Mappings) == 0 {
		return nil, fmt.Errorf("import document has no roles, workflows or mappings")
	}
	return &b, nil
}
