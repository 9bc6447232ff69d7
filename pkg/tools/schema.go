package tools

import (
	"context"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// Schema describes a tool to the model.
type Schema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Properties  map[string]any `json:"properties"`
	Required    []string       `json:"required,omitempty"`
}

// JSONSchema returns the object schema validating the tool's input.
func (s Schema) JSONSchema() map[string]any {
	schema := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           s.Properties,
	}
	if len(s.Required) > 0 {
		required := make([]any, len(s.Required))
		for i, r := range s.Required {
			required[i] = r
		}
		schema["required"] = required
	}
	return schema
}

func (s Schema) compile() (*gojsonschema.Schema, error) {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(s.JSONSchema()))
	if err != nil {
		return nil, fmt.Errorf("invalid schema for tool %s: %w", s.Name, err)
	}
	return compiled, nil
}

// Tool is one capability the model may invoke against a session.
type Tool interface {
	Name() string
	Description() string
	InputSchema() Schema
	Invoke(ctx context.Context, input map[string]any) (Result, error)
}

func stringProp(description string, enum ...string) map[string]any {
	prop := map[string]any{"type": "string", "description": description}
	if len(enum) > 0 {
		values := make([]any, len(enum))
		for i, v := range enum {
			values[i] = v
		}
		prop["enum"] = values
	}
	return prop
}

func intPairProp(description string) map[string]any {
	return map[string]any{
		"type":        "array",
		"description": description,
		"items":       map[string]any{"type": "integer"},
		"minItems":    2,
		"maxItems":    2,
	}
}

func stringArg(input map[string]any, key string) string {
	v, _ := input[key].(string)
	return v
}
