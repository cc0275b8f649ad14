package rules

import (
	"bytes"
	"fmt"
	"slices"

	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// Matches are written as a mapping from field to either a literal (eq), a
// list (in), or an operator mapping:
//
//	match:
//	  queryLen: 1
//	  headDim: {gte: 64, lte: 256}
//	  dtype: [f16, f32]

func (m *Match) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: match must be a mapping", node.Line)
	}
	var out Match
	for i := 0; i+1 < len(node.Content); i += 2 {
		field := node.Content[i].Value
		conds, err := yamlConditions(field, node.Content[i+1])
		if err != nil {
			return err
		}
		out = append(out, conds...)
	}
	if err := validateMatch(out); err != nil {
		return err
	}
	*m = out
	return nil
}

func yamlConditions(field string, node *yaml.Node) ([]Condition, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		var v any
		if err := node.Decode(&v); err != nil {
			return nil, err
		}
		return []Condition{{Field: field, Op: OpEq, Value: v}}, nil
	case yaml.SequenceNode:
		var vs []any
		if err := node.Decode(&vs); err != nil {
			return nil, err
		}
		return []Condition{{Field: field, Op: OpIn, Values: vs}}, nil
	case yaml.MappingNode:
		var conds []Condition
		for i := 0; i+1 < len(node.Content); i += 2 {
			op := Op(node.Content[i].Value)
			c := Condition{Field: field, Op: op}
			var err error
			if op == OpIn {
				err = node.Content[i+1].Decode(&c.Values)
			} else {
				err = node.Content[i+1].Decode(&c.Value)
			}
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", field, err)
			}
			conds = append(conds, c)
		}
		return conds, nil
	default:
		return nil, fmt.Errorf("line %d: field %s: unsupported value", node.Line, field)
	}
}

func (m Match) MarshalYAML() (any, error) {
	return m.encodable(), nil
}

func (m *Match) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("match: %w", err)
	}
	fields := make([]string, 0, len(raw))
	for f := range raw {
		fields = append(fields, f)
	}
	slices.Sort(fields)

	var out Match
	for _, field := range fields {
		conds, err := jsonConditions(field, raw[field])
		if err != nil {
			return err
		}
		out = append(out, conds...)
	}
	if err := validateMatch(out); err != nil {
		return err
	}
	*m = out
	return nil
}

func jsonConditions(field string, data json.RawMessage) ([]Condition, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("field %s: empty value", field)
	}
	switch trimmed[0] {
	case '[':
		var vs []any
		if err := json.Unmarshal(trimmed, &vs); err != nil {
			return nil, fmt.Errorf("field %s: %w", field, err)
		}
		return []Condition{{Field: field, Op: OpIn, Values: vs}}, nil
	case '{':
		var ops map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &ops); err != nil {
			return nil, fmt.Errorf("field %s: %w", field, err)
		}
		names := make([]string, 0, len(ops))
		for op := range ops {
			names = append(names, op)
		}
		slices.Sort(names)
		conds := make([]Condition, 0, len(names))
		for _, name := range names {
			c := Condition{Field: field, Op: Op(name)}
			var err error
			if c.Op == OpIn {
				err = json.Unmarshal(ops[name], &c.Values)
			} else {
				err = json.Unmarshal(ops[name], &c.Value)
			}
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", field, err)
			}
			conds = append(conds, c)
		}
		return conds, nil
	default:
		var v any
		if err := json.Unmarshal(trimmed, &v); err != nil {
			return nil, fmt.Errorf("field %s: %w", field, err)
		}
		return []Condition{{Field: field, Op: OpEq, Value: v}}, nil
	}
}

func (m Match) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.encodable())
}

// encodable folds conditions back into the short form, grouped by field.
func (m Match) encodable() map[string]any {
	byField := make(map[string][]Condition)
	for _, c := range m {
		byField[c.Field] = append(byField[c.Field], c)
	}
	out := make(map[string]any, len(byField))
	for field, conds := range byField {
		if len(conds) == 1 {
			switch conds[0].Op {
			case OpEq:
				out[field] = conds[0].Value
				continue
			case OpIn:
				out[field] = conds[0].Values
				continue
			}
		}
		ops := make(map[string]any, len(conds))
		for _, c := range conds {
			if c.Op == OpIn {
				ops[string(c.Op)] = c.Values
			} else {
				ops[string(c.Op)] = c.Value
			}
		}
		out[field] = ops
	}
	return out
}

func validateMatch(m Match) error {
	for _, c := range m {
		if err := c.validate(); err != nil {
			return err
		}
	}
	return nil
}
