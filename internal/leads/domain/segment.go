package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"leadsegments_backend/platform/apperr"

	"github.com/google/uuid"
)

// Operator is the closed set of rule comparisons.
type Operator int

const (
	OpEquals Operator = iota + 1
	OpNotEquals
	OpContains
	OpNotContains
	OpStartsWith
	OpEndsWith
	OpGreaterThan
	OpLessThan
	OpIn
	OpNotIn
	OpIsEmpty
	OpIsNotEmpty
	OpDateBefore
	OpDateAfter
	OpDateBetween
)

var operatorNames = map[Operator]string{
	OpEquals:      "equals",
	OpNotEquals:   "not_equals",
	OpContains:    "contains",
	OpNotContains: "not_contains",
	OpStartsWith:  "starts_with",
	OpEndsWith:    "ends_with",
	OpGreaterThan: "greater_than",
	OpLessThan:    "less_than",
	OpIn:          "in",
	OpNotIn:       "not_in",
	OpIsEmpty:     "is_empty",
	OpIsNotEmpty:  "is_not_empty",
	OpDateBefore:  "date_before",
	OpDateAfter:   "date_after",
	OpDateBetween: "date_between",
}

var operatorsByName = func() map[string]Operator {
	m := make(map[string]Operator, len(operatorNames))
	for op, name := range operatorNames {
		m[name] = op
	}
	return m
}()

func (o Operator) String() string {
	if name, ok := operatorNames[o]; ok {
		return name
	}
	return fmt.Sprintf("operator(%d)", int(o))
}

// ParseOperator resolves an operator name. Unknown names are rule evaluation errors.
func ParseOperator(name string) (Operator, error) {
	op, ok := operatorsByName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return 0, apperr.RuleEvaluation(fmt.Sprintf("unknown operator %q", name))
	}
	return op, nil
}

// Operators lists every supported operator name in declaration order.
func Operators() []string {
	names := make([]string, 0, len(operatorNames))
	for op := OpEquals; op <= OpDateBetween; op++ {
		names = append(names, operatorNames[op])
	}
	return names
}

// Rule is a single field/operator/value predicate. Build it with NewRule so the
// operand shape always matches the operator.
type Rule struct {
	Field    string
	Operator Operator
	// Value holds the scalar operand of single-value operators.
	Value any
	// Values holds the list operand of in/not_in and the [start, end] pair of date_between.
	Values []any
}

// NewRule validates and builds a rule.
func NewRule(field, operator string, value any) (Rule, error) {
	field = strings.TrimSpace(field)
	if field == "" {
		return Rule{}, apperr.RuleEvaluation("rule field is required")
	}

	op, err := ParseOperator(operator)
	if err != nil {
		return Rule{}, err
	}

	rule := Rule{Field: field, Operator: op}
	list, isList := ToList(value)

	switch op {
	case OpIsEmpty, OpIsNotEmpty:
		return rule, nil

	case OpIn, OpNotIn:
		if !isList {
			return Rule{}, shapeError(op, "a list of values")
		}
		rule.Values = list

	case OpDateBetween:
		if !isList || len(list) != 2 {
			return Rule{}, shapeError(op, "a [start, end] pair")
		}
		for _, bound := range list {
			if err := checkDateOperand(bound); err != nil {
				return Rule{}, shapeError(op, err.Error())
			}
		}
		rule.Values = list

	case OpDateBefore, OpDateAfter:
		if isList {
			return Rule{}, shapeError(op, "a single date")
		}
		if err := checkDateOperand(value); err != nil {
			return Rule{}, shapeError(op, err.Error())
		}
		rule.Value = value

	default:
		if isList {
			return Rule{}, shapeError(op, "a single value")
		}
		if value == nil {
			return Rule{}, shapeError(op, "a non-null value")
		}
		if _, ok := value.(map[string]any); ok {
			return Rule{}, shapeError(op, "a scalar value")
		}
		rule.Value = value
	}

	return rule, nil
}

// MustRule is NewRule for static rule tables; it panics on invalid input.
func MustRule(field, operator string, value any) Rule {
	r, err := NewRule(field, operator, value)
	if err != nil {
		panic(err)
	}
	return r
}

// Operand returns the operand as it was passed to NewRule.
func (r Rule) Operand() any {
	if r.Values != nil {
		return r.Values
	}
	return r.Value
}

func (r Rule) String() string {
	return fmt.Sprintf("%s %s %v", r.Field, r.Operator, r.Operand())
}

func shapeError(op Operator, want string) error {
	return apperr.RuleEvaluation(fmt.Sprintf("operator %s expects %s", op, want))
}

// checkDateOperand resolves the operand against an arbitrary instant so
// relative operands are accepted at construction time.
func checkDateOperand(v any) error {
	_, err := ParseInstant(v, time.Unix(0, 0).UTC())
	return err
}

type ruleJSON struct {
	Field    string `json:"field" yaml:"field"`
	Operator string `json:"operator" yaml:"operator"`
	Value    any    `json:"value,omitempty" yaml:"value,omitempty"`
}

// MarshalJSON encodes the rule as {"field", "operator", "value"}.
func (r Rule) MarshalJSON() ([]byte, error) {
	return json.Marshal(ruleJSON{Field: r.Field, Operator: r.Operator.String(), Value: r.Operand()})
}

// UnmarshalJSON decodes through NewRule.
func (r *Rule) UnmarshalJSON(data []byte) error {
	var raw ruleJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	built, err := NewRule(raw.Field, raw.Operator, raw.Value)
	if err != nil {
		return err
	}
	*r = built
	return nil
}

// UnmarshalYAML decodes through NewRule.
func (r *Rule) UnmarshalYAML(unmarshal func(any) error) error {
	var raw ruleJSON
	if err := unmarshal(&raw); err != nil {
		return err
	}
	built, err := NewRule(raw.Field, raw.Operator, raw.Value)
	if err != nil {
		return err
	}
	*r = built
	return nil
}

// Segment is a named, rule-defined subset of leads. Rules are ANDed.
type Segment struct {
	ID       uuid.UUID `json:"id" yaml:"id"`
	Name     string    `json:"name" yaml:"name" validate:"required"`
	Rules    []Rule    `json:"rules" yaml:"rules"`
	IsActive bool      `json:"isActive" yaml:"is_active"`
}

// HasRules reports whether the segment restricts membership at all. A
// segment without rules matches every lead.
func (s Segment) HasRules() bool {
	return len(s.Rules) > 0
}
