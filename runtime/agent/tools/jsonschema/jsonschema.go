// Package jsonschema validates tool call payloads against the JSON Schema
// carried in a tools.TypeSpec, surfacing violations as tools.FieldIssue so
// callers can build retry hints without parsing validator-specific error
// text.
package jsonschema

import (
	"encoding/json"
	"fmt"
	"strings"

	js "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/flowloom/agentcore/runtime/agent/tools"
)

// Validator compiles and caches a JSON Schema document for repeated use
// across many tool calls.
type Validator struct {
	schema *js.Schema
}

// Compile parses schemaBytes (a JSON Schema document, typically
// tools.TypeSpec.Schema) and returns a reusable Validator.
func Compile(schemaBytes []byte) (*Validator, error) {
	if len(schemaBytes) == 0 {
		return &Validator{}, nil
	}
	var doc any
	if err := json.Unmarshal(schemaBytes, &doc); err != nil {
		return nil, fmt.Errorf("jsonschema: unmarshal schema: %w", err)
	}
	c := js.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("jsonschema: add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("jsonschema: compile schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// Validate checks payload against the compiled schema. A nil or empty
// Validator (no schema) always succeeds. On failure it returns the
// individual field issues in addition to a wrapped error.
func (v *Validator) Validate(payload []byte) ([]tools.FieldIssue, error) {
	if v == nil || v.schema == nil {
		return nil, nil
	}
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return []tools.FieldIssue{{Field: "", Constraint: "invalid_format"}}, fmt.Errorf("jsonschema: unmarshal payload: %w", err)
	}
	if err := v.schema.Validate(doc); err != nil {
		ve, ok := err.(*js.ValidationError)
		if !ok {
			return []tools.FieldIssue{{Field: "", Constraint: "invalid_format"}}, err
		}
		return issuesFromValidationError(ve), err
	}
	return nil, nil
}

// issuesFromValidationError flattens the validator's cause tree into leaf
// field issues. The validator's own error text is the source of truth for
// which constraint was violated; this only classifies it into one of the
// goa-style constraint buckets so callers get a stable vocabulary.
func issuesFromValidationError(ve *js.ValidationError) []tools.FieldIssue {
	var issues []tools.FieldIssue
	var walk func(*js.ValidationError)
	walk = func(e *js.ValidationError) {
		if len(e.Causes) == 0 {
			field := ""
			if len(e.InstanceLocation) > 0 {
				field = e.InstanceLocation[len(e.InstanceLocation)-1]
			}
			issues = append(issues, tools.FieldIssue{
				Field:      field,
				Constraint: constraintFromMessage(e.Error()),
			})
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return issues
}

func constraintFromMessage(msg string) string {
	msg = strings.ToLower(msg)
	switch {
	case strings.Contains(msg, "required"):
		return "missing_field"
	case strings.Contains(msg, "enum"):
		return "invalid_enum_value"
	case strings.Contains(msg, "pattern"):
		return "invalid_pattern"
	case strings.Contains(msg, "format"):
		return "invalid_format"
	case strings.Contains(msg, "length") || strings.Contains(msg, "items"):
		return "invalid_length"
	case strings.Contains(msg, "minimum") || strings.Contains(msg, "maximum"):
		return "invalid_range"
	case strings.Contains(msg, "type"):
		return "invalid_field_type"
	default:
		return "invalid_field_type"
	}
}
