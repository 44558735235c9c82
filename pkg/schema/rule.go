package schema

import "strings"

// Operator is a predicate operator in the structured condition rule DSL.
type Operator string

const (
	OpEq          Operator = "eq"
	OpNe          Operator = "ne"
	OpGt          Operator = "gt"
	OpGte         Operator = "gte"
	OpLt          Operator = "lt"
	OpLte         Operator = "lte"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpExists      Operator = "exists"
	OpNotExists   Operator = "not_exists"
)

// operatorAliases maps every accepted spelling to its canonical operator.
var operatorAliases = map[string]Operator{
	"eq": OpEq, "equals": OpEq, "==": OpEq,
	"ne": OpNe, "not_equals": OpNe, "!=": OpNe,
	"gt": OpGt, ">": OpGt,
	"gte": OpGte, ">=": OpGte,
	"lt": OpLt, "<": OpLt,
	"lte": OpLte, "<=": OpLte,
	"contains":     OpContains,
	"not_contains": OpNotContains,
	"in":           OpIn,
	"not_in":       OpNotIn,
	"exists":       OpExists,
	"not_exists":   OpNotExists,
}

// NormalizeOperator resolves an operator spelling to its canonical form.
// The second return is false for unknown operators.
func NormalizeOperator(s string) (Operator, bool) {
	op, ok := operatorAliases[strings.TrimSpace(strings.ToLower(s))]
	return op, ok
}

// Rule is one node of the structured condition DSL: either a single predicate
// (Field + Operator [+ Value]) or a compound And/Or of nested rules.
// Exactly one form must be populated; ParseRule enforces this.
type Rule struct {
	Field    string   `json:"field,omitempty"`
	Operator Operator `json:"operator,omitempty"`
	Value    any      `json:"value,omitempty"`

	And []Rule `json:"and,omitempty"`
	Or  []Rule `json:"or,omitempty"`
}

// IsCompound reports whether the rule is an and/or combinator.
func (r *Rule) IsCompound() bool {
	return len(r.And) > 0 || len(r.Or) > 0
}
