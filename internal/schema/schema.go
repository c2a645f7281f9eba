// Package schema validates JSON documents against compiled JSON Schemas and
// pulls JSON out of free-form command output.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validator validates documents against one compiled schema.
type Validator struct {
	name   string
	schema *jsonschema.Schema
}

// ValidationError describes a document that failed parsing or validation.
type ValidationError struct {
	Schema  string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Schema, e.Message)
}

// Compile compiles schemaJSON under name. name only labels errors.
func Compile(name string, schemaJSON []byte) (*Validator, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema %s: %w", name, err)
	}
	url := name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return &Validator{name: name, schema: compiled}, nil
}

// MustCompile is Compile for schemas embedded in the binary.
func MustCompile(name string, schemaJSON []byte) *Validator {
	v, err := Compile(name, schemaJSON)
	if err != nil {
		panic(err)
	}
	return v
}

func (v *Validator) Name() string { return v.name }

// Validate parses raw and checks it against the schema.
func (v *Validator) Validate(raw []byte) error {
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return &ValidationError{Schema: v.name, Message: fmt.Sprintf("invalid JSON: %s", err)}
	}
	if err := v.schema.Validate(parsed); err != nil {
		return &ValidationError{Schema: v.name, Message: fmt.Sprintf("schema validation failed: %s", err)}
	}
	return nil
}

// Decode validates raw and then unmarshals it into dst.
func (v *Validator) Decode(raw []byte, dst any) error {
	if err := v.Validate(raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &ValidationError{Schema: v.name, Message: fmt.Sprintf("decode: %s", err)}
	}
	return nil
}

// ExtractJSON finds a JSON object or array in text: a ```json fence, a bare
// fence holding JSON, or the first balanced object or array. It returns ""
// when none is found.
func ExtractJSON(text string) string {
	trimmed := strings.TrimSpace(text)
	if isJSON(trimmed) {
		return trimmed
	}

	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + 7
		if start < len(text) && text[start] == '\n' {
			start++
		}
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if candidate != "" {
				return candidate
			}
		}
	}

	if idx := strings.Index(text, "```\n"); idx >= 0 {
		start := idx + 4
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if isJSON(candidate) {
				return candidate
			}
		}
	}

	for i := 0; i < len(text); i++ {
		if text[i] == '{' || text[i] == '[' {
			candidate := extractBalanced(text[i:])
			if candidate != "" && isJSON(candidate) {
				return candidate
			}
		}
	}
	return ""
}

func isJSON(s string) bool {
	if s == "" {
		return false
	}
	var v any
	return json.Unmarshal([]byte(s), &v) == nil
}

// extractBalanced returns the balanced object or array at the start of s.
func extractBalanced(s string) string {
	if len(s) == 0 {
		return ""
	}
	open := s[0]
	var closer byte
	switch open {
	case '{':
		closer = '}'
	case '[':
		closer = ']'
	default:
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		if ch == open {
			depth++
		} else if ch == closer {
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}
