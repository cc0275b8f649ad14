package rules

import (
	"fmt"
	"os"
	"strings"

	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// Table is a named rule list with its fallback. Tables are built once and
// treated as immutable; overrides produce a new table.
type Table[T any] struct {
	Name     string
	Rules    []Rule[T]
	Fallback T
}

func NewTable[T any](name string, fallback T, rules ...Rule[T]) *Table[T] {
	return &Table[T]{Name: name, Rules: rules, Fallback: fallback}
}

func (t *Table[T]) Select(ctx Context) T {
	return Select(t.Rules, ctx, t.Fallback)
}

// Explain returns the selected value with the index of the winning rule,
// -1 when the fallback was used.
func (t *Table[T]) Explain(ctx Context) (T, int) {
	i := Index(t.Rules, ctx)
	if i < 0 {
		return t.Fallback, -1
	}
	return t.Rules[i].Value, i
}

// WithOverrides returns a table whose rules are extra followed by the
// receiver's rules, so overrides win where they match.
func (t *Table[T]) WithOverrides(extra []Rule[T]) *Table[T] {
	if len(extra) == 0 {
		return t
	}
	rules := make([]Rule[T], 0, len(extra)+len(t.Rules))
	rules = append(rules, extra...)
	rules = append(rules, t.Rules...)
	return &Table[T]{Name: t.Name, Rules: rules, Fallback: t.Fallback}
}

// Set is a collection of string-valued tables keyed by name, as found in
// the rules section of a config file.
type Set map[string][]Rule[string]

// Apply overlays the set's rules for t.Name onto t.
func Apply(t *Table[string], set Set) *Table[string] {
	if set == nil {
		return t
	}
	return t.WithOverrides(set[t.Name])
}

func ParseYAML(data []byte) (Set, error) {
	var set Set
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	for name, rs := range set {
		if err := Validate(rs); err != nil {
			return nil, fmt.Errorf("table %s: %w", name, err)
		}
	}
	return set, nil
}

func ParseJSON(data []byte) (Set, error) {
	var set Set
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	for name, rs := range set {
		if err := Validate(rs); err != nil {
			return nil, fmt.Errorf("table %s: %w", name, err)
		}
	}
	return set, nil
}

// LoadFile reads a rule set from a .json or YAML file.
func LoadFile(path string) (Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(path, ".json") {
		return ParseJSON(data)
	}
	return ParseYAML(data)
}
