// Package llm defines the language-model contract used by the agent stages
// and the helpers shared by its providers.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"strings"
)

type Client interface {
	// Complete returns the full text answer to prompt.
	Complete(ctx context.Context, prompt string) (string, error)
	// CompleteStructured asks for a JSON document matching schema and
	// decodes it into out. Unparsable output yields *StructuredOutputError.
	CompleteStructured(ctx context.Context, prompt string, schema Schema, out any) error
	// Stream yields the answer in order as it is produced. Callers may stop
	// ranging at any time.
	Stream(ctx context.Context, prompt string) iter.Seq2[string, error]
}

type Type string

const (
	TypeObject  Type = "object"
	TypeArray   Type = "array"
	TypeString  Type = "string"
	TypeInteger Type = "integer"
	TypeNumber  Type = "number"
	TypeBoolean Type = "boolean"
)

// Schema is a provider-neutral subset of JSON Schema.
type Schema struct {
	Name        string
	Type        Type
	Description string
	Properties  map[string]*Schema
	Required    []string
	Items       *Schema
}

// JSONSchema renders the schema as a JSON Schema document. Objects are closed
// so strict structured-output modes accept them.
func (s Schema) JSONSchema() map[string]any {
	out := map[string]any{"type": string(s.Type)}
	if s.Description != "" {
		out["description"] = s.Description
	}
	if s.Type == TypeObject {
		properties := map[string]any{}
		for name, property := range s.Properties {
			if property != nil {
				properties[name] = property.JSONSchema()
			}
		}
		out["properties"] = properties
		required := s.Required
		if required == nil {
			required = []string{}
		}
		out["required"] = required
		out["additionalProperties"] = false
	}
	if s.Type == TypeArray && s.Items != nil {
		out["items"] = s.Items.JSONSchema()
	}
	return out
}

// StructuredOutputError reports a model answer that does not decode into the
// requested shape.
type StructuredOutputError struct {
	Raw string
	Err error
}

func (e *StructuredOutputError) Error() string {
	return fmt.Sprintf("structured output could not be parsed: %v", e.Err)
}

func (e *StructuredOutputError) Unwrap() error {
	return e.Err
}

// DecodeStructured strips an optional markdown fence and decodes raw into out.
func DecodeStructured(raw string, out any) error {
	body := StripMarkdownFence(raw)
	if body == "" {
		return &StructuredOutputError{Raw: raw, Err: fmt.Errorf("empty response")}
	}
	decoder := json.NewDecoder(strings.NewReader(body))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return &StructuredOutputError{Raw: raw, Err: err}
	}
	return nil
}

func StripMarkdownFence(value string) string {
	trimmed := strings.TrimSpace(value)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if newline := strings.IndexByte(trimmed, '\n'); newline >= 0 {
		// drop the language tag line, e.g. ```json
		if tag := strings.TrimSpace(trimmed[:newline]); !strings.ContainsAny(tag, "{[") {
			trimmed = trimmed[newline+1:]
		}
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
