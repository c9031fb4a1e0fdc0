// Package rules decides whether a lead satisfies segmentation rules.
// Evaluation is pure: a malformed rule or an operand that cannot be coerced
// makes that rule non-matching and is logged, never returned.
package rules

import (
	"fmt"
	"strings"
	"time"

	"leadsegments_backend/internal/leads/domain"
	"leadsegments_backend/internal/leads/ports"
	"leadsegments_backend/platform/logger"
)

// Evaluator matches leads against rules. It holds no mutable state and is
// safe for concurrent use.
type Evaluator struct {
	clock ports.Clock
	log   *logger.Logger
}

// New creates an Evaluator. clock resolves relative date operands such as
// "now-30d"; log receives rule_skipped diagnostics and may be nil.
func New(clock ports.Clock, log *logger.Logger) *Evaluator {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	return &Evaluator{clock: clock, log: log}
}

// Matches reports whether lead satisfies every rule. An empty rule set
// matches every lead.
func (e *Evaluator) Matches(lead domain.Lead, rules []domain.Rule) bool {
	return e.MatchesView(NewView(&lead), rules)
}

// MatchesRule reports whether lead satisfies a single rule.
func (e *Evaluator) MatchesRule(lead domain.Lead, rule domain.Rule) bool {
	return e.MatchesRuleView(NewView(&lead), rule)
}

// MatchesView is Matches over a memoized view.
func (e *Evaluator) MatchesView(view *View, rules []domain.Rule) bool {
	now := e.clock.Now()
	for _, rule := range rules {
		if !e.evaluate(view, rule, now) {
			return false
		}
	}
	return true
}

// MatchesRuleView is MatchesRule over a memoized view.
func (e *Evaluator) MatchesRuleView(view *View, rule domain.Rule) bool {
	return e.evaluate(view, rule, e.clock.Now())
}

func (e *Evaluator) evaluate(view *View, rule domain.Rule, now time.Time) bool {
	value, present := view.Lookup(rule.Field)
	empty := !present || domain.IsEmpty(value)

	switch rule.Operator {
	case domain.OpIsEmpty:
		return empty
	case domain.OpIsNotEmpty:
		return !empty
	}

	// A missing field only satisfies the negative operators.
	if !present {
		switch rule.Operator {
		case domain.OpNotEquals, domain.OpNotContains, domain.OpNotIn:
			return true
		default:
			return false
		}
	}

	switch rule.Operator {
	case domain.OpEquals, domain.OpNotEquals:
		match, ok := equal(value, rule.Value, now)
		if !ok {
			e.skip(rule, fmt.Sprintf("cannot compare %T with %T", value, rule.Value))
			return false
		}
		return match == (rule.Operator == domain.OpEquals)
	case domain.OpContains, domain.OpNotContains:
		match, ok := e.contains(rule, value)
		if !ok {
			return false
		}
		return match == (rule.Operator == domain.OpContains)
	case domain.OpStartsWith:
		return e.affix(rule, value, strings.HasPrefix)
	case domain.OpEndsWith:
		return e.affix(rule, value, strings.HasSuffix)
	case domain.OpGreaterThan:
		return e.compare(rule, value, now, func(c int) bool { return c > 0 })
	case domain.OpLessThan:
		return e.compare(rule, value, now, func(c int) bool { return c < 0 })
	case domain.OpIn, domain.OpNotIn:
		match, ok := in(value, rule.Values, now)
		if !ok {
			e.skip(rule, fmt.Sprintf("cannot compare %T with the candidate list", value))
			return false
		}
		return match == (rule.Operator == domain.OpIn)
	case domain.OpDateBefore:
		return e.dateCompare(rule, value, rule.Value, now, func(c int) bool { return c < 0 })
	case domain.OpDateAfter:
		return e.dateCompare(rule, value, rule.Value, now, func(c int) bool { return c > 0 })
	case domain.OpDateBetween:
		return e.dateBetween(rule, value, now)
	default:
		e.skip(rule, "unsupported operator")
		return false
	}
}

// contains reports ok=false, after logging, when either side is not text.
func (e *Evaluator) contains(rule domain.Rule, value any) (match, ok bool) {
	needle, ok := domain.ToString(rule.Value)
	if !ok {
		e.skip(rule, "operand is not a string")
		return false, false
	}
	needle = strings.ToLower(needle)

	if list, isList := domain.ToList(value); isList {
		for _, item := range list {
			if s, ok := domain.ToString(item); ok && strings.ToLower(s) == needle {
				return true, true
			}
		}
		return false, true
	}

	haystack, ok := domain.ToString(value)
	if !ok {
		e.skip(rule, fmt.Sprintf("field of type %T is not a string", value))
		return false, false
	}
	return strings.Contains(strings.ToLower(haystack), needle), true
}

func (e *Evaluator) affix(rule domain.Rule, value any, test func(s, affix string) bool) bool {
	affix, ok := domain.ToString(rule.Value)
	if !ok {
		e.skip(rule, "operand is not a string")
		return false
	}
	s, ok := domain.ToString(value)
	if !ok {
		e.skip(rule, fmt.Sprintf("field of type %T is not a string", value))
		return false
	}
	return test(strings.ToLower(s), strings.ToLower(affix))
}

// compare orders field against operand numerically when both sides are
// numbers and chronologically when both are instants.
func (e *Evaluator) compare(rule domain.Rule, value any, now time.Time, accept func(int) bool) bool {
	if _, isTime := value.(time.Time); !isTime {
		left, lok := domain.ToFloat(value)
		right, rok := domain.ToFloat(rule.Value)
		if lok && rok {
			return accept(cmpFloat(left, right))
		}
	}

	left, lerr := domain.ParseInstant(value, now)
	right, rerr := domain.ParseInstant(rule.Value, now)
	if lerr == nil && rerr == nil {
		return accept(left.Compare(right))
	}

	e.skip(rule, fmt.Sprintf("cannot compare %v with %v", value, rule.Value))
	return false
}

func (e *Evaluator) dateCompare(rule domain.Rule, value, operand any, now time.Time, accept func(int) bool) bool {
	left, err := domain.ParseInstant(value, now)
	if err != nil {
		e.skip(rule, "field: "+err.Error())
		return false
	}
	right, err := domain.ParseInstant(operand, now)
	if err != nil {
		e.skip(rule, "operand: "+err.Error())
		return false
	}
	return accept(left.Compare(right))
}

func (e *Evaluator) dateBetween(rule domain.Rule, value any, now time.Time) bool {
	if len(rule.Values) != 2 {
		e.skip(rule, "date_between expects two bounds")
		return false
	}
	return e.dateCompare(rule, value, rule.Values[0], now, func(c int) bool { return c >= 0 }) &&
		e.dateCompare(rule, value, rule.Values[1], now, func(c int) bool { return c <= 0 })
}

func (e *Evaluator) skip(rule domain.Rule, reason string) {
	if e.log != nil {
		e.log.RuleSkipped(rule.Field, rule.Operator.String(), reason)
	}
}

// in reports whether value, or any element of a list value, equals one of
// candidates. ok is false when nothing matched and some pair could not be
// compared.
func in(value any, candidates []any, now time.Time) (match, ok bool) {
	items := []any{value}
	if list, isList := domain.ToList(value); isList {
		items = list
	}
	ok = true
	for _, item := range items {
		for _, candidate := range candidates {
			m, cok := equal(item, candidate, now)
			if m {
				return true, true
			}
			if !cok {
				ok = false
			}
		}
	}
	return false, ok
}

// equal is exact-match equality across the loosely typed attribute values:
// numbers compare numerically (numeric strings included when the other side
// is a number), instants chronologically, booleans by truth value and
// everything else by its string form. ok is false when the two sides cannot
// be compared at all, e.g. a list or map field.
func equal(value, operand any, now time.Time) (match, ok bool) {
	if _, isList := domain.ToList(value); isList {
		return false, false
	}

	if t, isTime := value.(time.Time); isTime {
		other, err := domain.ParseInstant(operand, now)
		if err != nil {
			return false, false
		}
		return t.Equal(other), true
	}

	if domain.IsNumber(value) || domain.IsNumber(operand) {
		left, lok := domain.ToFloat(value)
		right, rok := domain.ToFloat(operand)
		if lok && rok {
			return left == right, true
		}
	}

	if lb, isBool := value.(bool); isBool {
		return boolEqual(lb, operand)
	}
	if rb, isBool := operand.(bool); isBool {
		return boolEqual(rb, value)
	}

	left, lok := domain.ToString(value)
	right, rok := domain.ToString(operand)
	if !lok || !rok {
		return false, false
	}
	return left == right, true
}

func boolEqual(b bool, other any) (match, ok bool) {
	switch t := other.(type) {
	case bool:
		return b == t, true
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1", "yes":
			return b, true
		case "false", "0", "no":
			return !b, true
		}
	}
	return false, false
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
