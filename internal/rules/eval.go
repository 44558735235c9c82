package rules

import (
	"encoding/json"
	"reflect"
	"strconv"
	"strings"

	"github.com/orkestr/orkestr/pkg/schema"
)

// ParseRule validates and normalizes a raw rule value (as decoded from a step
// config) into a schema.Rule tree. Structural problems are config errors: a
// malformed rule can never be satisfied by retrying.
func ParseRule(raw any) (*schema.Rule, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeConfig, "rule is not a JSON value").WithCause(err)
	}
	var rule schema.Rule
	if err := json.Unmarshal(data, &rule); err != nil {
		return nil, schema.NewError(schema.ErrCodeConfig, "rule does not match the condition DSL").WithCause(err)
	}
	if err := validateRule(&rule); err != nil {
		return nil, err
	}
	return &rule, nil
}

func validateRule(r *schema.Rule) error {
	if len(r.And) > 0 && len(r.Or) > 0 {
		return schema.NewError(schema.ErrCodeConfig, "rule cannot combine and/or at the same level")
	}
	if r.IsCompound() {
		if r.Field != "" || r.Operator != "" {
			return schema.NewError(schema.ErrCodeConfig, "compound rule cannot carry field/operator")
		}
		children := r.And
		if len(children) == 0 {
			children = r.Or
		}
		for i := range children {
			if err := validateRule(&children[i]); err != nil {
				return err
			}
		}
		return nil
	}
	if r.Field == "" {
		return schema.NewError(schema.ErrCodeConfig, "rule predicate requires a field")
	}
	op, ok := schema.NormalizeOperator(string(r.Operator))
	if !ok {
		return schema.NewErrorf(schema.ErrCodeConfig, "unknown rule operator %q", r.Operator)
	}
	r.Operator = op
	return nil
}

// EvaluateRule evaluates a parsed rule tree against the payload.
// Compound rules short-circuit: and stops on the first false, or on the first true.
func EvaluateRule(rule *schema.Rule, data map[string]any) bool {
	if len(rule.And) > 0 {
		for i := range rule.And {
			if !EvaluateRule(&rule.And[i], data) {
				return false
			}
		}
		return true
	}
	if len(rule.Or) > 0 {
		for i := range rule.Or {
			if EvaluateRule(&rule.Or[i], data) {
				return true
			}
		}
		return false
	}
	return evaluatePredicate(rule, data)
}

// evaluatePredicate applies a single field/operator/value test. A missing field
// is absent: exists is false, not_exists is true, and every other operator
// evaluates to false rather than erroring.
func evaluatePredicate(rule *schema.Rule, data map[string]any) bool {
	val, present := Lookup(data, rule.Field)

	switch rule.Operator {
	case schema.OpExists:
		return present && val != nil
	case schema.OpNotExists:
		return !present || val == nil
	}

	if !present || val == nil {
		return false
	}

	switch rule.Operator {
	case schema.OpEq:
		return looseEqual(val, rule.Value)
	case schema.OpNe:
		return !looseEqual(val, rule.Value)
	case schema.OpGt, schema.OpGte, schema.OpLt, schema.OpLte:
		a, aok := toFloat(val)
		b, bok := toFloat(rule.Value)
		if !aok || !bok {
			return false
		}
		switch rule.Operator {
		case schema.OpGt:
			return a > b
		case schema.OpGte:
			return a >= b
		case schema.OpLt:
			return a < b
		default:
			return a <= b
		}
	case schema.OpContains:
		return contains(val, rule.Value)
	case schema.OpNotContains:
		return !contains(val, rule.Value)
	case schema.OpIn:
		return inList(val, rule.Value)
	case schema.OpNotIn:
		return !inList(val, rule.Value)
	}
	return false
}

// Lookup resolves a dot-separated path into nested maps. The second return is
// false when any segment of the path is missing or a non-map is traversed.
func Lookup(data map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var current any = data
	for _, seg := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// looseEqual compares two values, treating all numeric representations of the
// same quantity as equal. Everything else falls back to deep equality.
func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

// toFloat coerces numeric types and numeric strings to float64.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// contains tests substring membership for strings and element membership for slices.
func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		s, ok := needle.(string)
		return ok && strings.Contains(h, s)
	case []any:
		for _, item := range h {
			if looseEqual(item, needle) {
				return true
			}
		}
	}
	return false
}

// inList tests whether the field value is one of the rule's listed values.
func inList(val, list any) bool {
	items, ok := list.([]any)
	if !ok {
		return false
	}
	for _, item := range items {
		if looseEqual(val, item) {
			return true
		}
	}
	return false
}
