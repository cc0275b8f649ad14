// Package rules selects values from ordered, declarative rule lists.
//
// A rule matches when every condition in its Match holds against a context
// of named facts (shape dimensions, capability flags, dtypes). Rules are
// evaluated in order and the first match wins; when none match the caller's
// fallback is returned. Fields a rule does not mention are don't-care.
package rules

import (
	"fmt"
	"strings"
)

// Op is a comparison operator.
type Op string

const (
	OpEq  Op = "eq"
	OpNeq Op = "neq"
	OpGt  Op = "gt"
	OpGte Op = "gte"
	OpLt  Op = "lt"
	OpLte Op = "lte"
	OpIn  Op = "in"
)

func (o Op) valid() bool {
	switch o {
	case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte, OpIn:
		return true
	}
	return false
}

// Context holds the facts rules are evaluated against.
type Context map[string]any

// Condition compares one context field against a literal. Values is used by
// OpIn; Value by every other operator.
type Condition struct {
	Field  string
	Op     Op
	Value  any
	Values []any
}

func (c Condition) String() string {
	if c.Op == OpIn {
		return fmt.Sprintf("%s in %v", c.Field, c.Values)
	}
	return fmt.Sprintf("%s %s %v", c.Field, c.Op, c.Value)
}

// Eval reports whether the condition holds. A field missing from the
// context never satisfies a condition, including neq.
func (c Condition) Eval(ctx Context) bool {
	v, ok := ctx[c.Field]
	if !ok {
		return false
	}
	switch c.Op {
	case OpEq:
		return equal(v, c.Value)
	case OpNeq:
		return !equal(v, c.Value)
	case OpIn:
		for _, want := range c.Values {
			if equal(v, want) {
				return true
			}
		}
		return false
	case OpGt, OpGte, OpLt, OpLte:
		cmp, ok := order(v, c.Value)
		if !ok {
			return false
		}
		switch c.Op {
		case OpGt:
			return cmp > 0
		case OpGte:
			return cmp >= 0
		case OpLt:
			return cmp < 0
		default:
			return cmp <= 0
		}
	default:
		return false
	}
}

func (c Condition) validate() error {
	if c.Field == "" {
		return fmt.Errorf("condition without field")
	}
	if !c.Op.valid() {
		return fmt.Errorf("field %s: unknown operator %q", c.Field, c.Op)
	}
	if c.Op == OpIn && len(c.Values) == 0 {
		return fmt.Errorf("field %s: in requires a non-empty list", c.Field)
	}
	return nil
}

// Match is a conjunction of conditions. An empty Match always holds.
type Match []Condition

func (m Match) Matches(ctx Context) bool {
	for _, c := range m {
		if !c.Eval(ctx) {
			return false
		}
	}
	return true
}

func (m Match) String() string {
	if len(m) == 0 {
		return "*"
	}
	parts := make([]string, len(m))
	for i, c := range m {
		parts[i] = c.String()
	}
	return strings.Join(parts, " && ")
}

type Rule[T any] struct {
	Name  string `yaml:"name,omitempty" json:"name,omitempty"`
	Match Match  `yaml:"match" json:"match"`
	Value T      `yaml:"value" json:"value"`
}

// Index returns the position of the first rule matching ctx, or -1.
func Index[T any](rules []Rule[T], ctx Context) int {
	for i, r := range rules {
		if r.Match.Matches(ctx) {
			return i
		}
	}
	return -1
}

// Select returns the value of the first rule matching ctx, or fallback.
func Select[T any](rules []Rule[T], ctx Context, fallback T) T {
	if i := Index(rules, ctx); i >= 0 {
		return rules[i].Value
	}
	return fallback
}

// Validate checks every condition of every rule.
func Validate[T any](rules []Rule[T]) error {
	for i, r := range rules {
		for _, c := range r.Match {
			if err := c.validate(); err != nil {
				return fmt.Errorf("rule %d (%s): %w", i, r.Name, err)
			}
		}
	}
	return nil
}
