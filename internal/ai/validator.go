package ai

import (
	"fmt"
	"math"

	"github.com/orkestr/orkestr/pkg/schema"
)

// ValidateOutput checks a parsed reply against the step's output schema and
// returns the full list of violations, one human-readable reason per field.
// The list feeds the repair prompt, so it must name every problem at once.
// Validation never panics and never fails on what it does not understand:
// unknown property types pass, and extra fields are allowed.
func ValidateOutput(data map[string]any, s *schema.OutputSchema) []string {
	if s == nil {
		return nil
	}

	var reasons []string

	for _, field := range s.Required {
		v, ok := data[field]
		if !ok || v == nil {
			reasons = append(reasons, fmt.Sprintf("missing required field %q", field))
		}
	}

	for name, prop := range s.Properties {
		v, ok := data[name]
		if !ok || v == nil {
			continue
		}
		if reason := checkType(name, v, prop); reason != "" {
			reasons = append(reasons, reason)
		}
		if reason := checkEnum(name, v, prop.Enum); reason != "" {
			reasons = append(reasons, reason)
		}
	}

	return reasons
}

func checkType(name string, v any, prop schema.PropertyDef) string {
	switch prop.Type {
	case "string":
		if _, ok := v.(string); !ok {
			return fmt.Sprintf("field %q must be a string, got %T", name, v)
		}
	case "number":
		if _, ok := asNumber(v); !ok {
			return fmt.Sprintf("field %q must be a number, got %T", name, v)
		}
	case "integer":
		n, ok := asNumber(v)
		if !ok {
			return fmt.Sprintf("field %q must be an integer, got %T", name, v)
		}
		if n != math.Trunc(n) {
			return fmt.Sprintf("field %q must be an integer, got %v", name, v)
		}
	case "boolean":
		if _, ok := v.(bool); !ok {
			return fmt.Sprintf("field %q must be a boolean, got %T", name, v)
		}
	case "array":
		if _, ok := v.([]any); !ok {
			return fmt.Sprintf("field %q must be an array, got %T", name, v)
		}
	case "object":
		if _, ok := v.(map[string]any); !ok {
			return fmt.Sprintf("field %q must be an object, got %T", name, v)
		}
	}
	// Unknown types pass: the validator only enforces what it understands.
	return ""
}

// checkEnum enforces an enum constraint on any field carrying one, whatever
// the declared type. Non-string values compare by their printed form.
func checkEnum(name string, v any, enum []string) string {
	if len(enum) == 0 {
		return ""
	}
	if s, ok := v.(string); ok {
		if !inEnum(s, enum) {
			return fmt.Sprintf("field %q must be one of %v, got %q", name, enum, s)
		}
		return ""
	}
	if !inEnum(fmt.Sprint(v), enum) {
		return fmt.Sprintf("field %q must be one of %v, got %v", name, enum, v)
	}
	return ""
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func inEnum(s string, enum []string) bool {
	for _, e := range enum {
		if e == s {
			return true
		}
	}
	return false
}
