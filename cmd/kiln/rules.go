package main

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/kiln/internal/attention"
	"github.com/samcharles93/kiln/internal/kernels"
	"github.com/samcharles93/kiln/internal/rules"
)

type selection struct {
	Table    string        `json:"table"`
	Context  rules.Context `json:"context"`
	Value    string        `json:"value"`
	Rule     int           `json:"rule"`
	RuleName string        `json:"rule_name,omitempty"`
}

// builtinTables returns every built-in variant table with the config
// file's overrides applied. No device is needed.
func builtinTables() map[string]*rules.Table[string] {
	out := make(map[string]*rules.Table[string])
	for _, t := range []*rules.Table[string]{
		attention.DefaultTable(),
		kernels.RoPEDefaultTable(),
		kernels.MatVecDefaultTable(),
		kernels.GatherDefaultTable(),
	} {
		out[t.Name] = rules.Apply(t, cfg.Rules)
	}
	return out
}

// parseAssignments turns field=value pairs into a rule context. Values are
// typed the way YAML types a scalar, so true, 3 and 2.5 are not strings.
func parseAssignments(pairs []string) (rules.Context, error) {
	ctx := make(rules.Context, len(pairs))
	for _, pair := range pairs {
		field, raw, ok := strings.Cut(pair, "=")
		if !ok || field == "" {
			return nil, fmt.Errorf("--set %q: expected field=value", pair)
		}
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil || v == nil {
			v = raw
		}
		ctx[field] = v
	}
	return ctx, nil
}

func rulesCmd() *cli.Command {
	var set []string

	return &cli.Command{
		Name:      "rules",
		Usage:     "Evaluate a variant table, or list the tables when none is named",
		ArgsUsage: "[table]",
		Flags: commonFlags(
			jsonFlag(),
			&cli.StringSliceFlag{
				Name:        "set",
				Aliases:     []string{"s"},
				Usage:       "context field, as field=value (repeatable)",
				Destination: &set,
			},
		),
		Before: prepare,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			tables := builtinTables()
			name := cmd.Args().First()
			if name == "" {
				return listTables(tables)
			}
			t, ok := tables[name]
			if !ok {
				return fmt.Errorf("unknown table %q (known: %s)", name, strings.Join(slices.Sorted(maps.Keys(tables)), ", "))
			}
			rc, err := parseAssignments(set)
			if err != nil {
				return err
			}
			value, idx := t.Explain(rc)
			sel := selection{Table: t.Name, Context: rc, Value: value, Rule: idx}
			if idx >= 0 {
				sel.RuleName = t.Rules[idx].Name
			}
			if jsonOutput {
				return printJSON(sel)
			}
			fmt.Printf("%s = %s\n", t.Name, value)
			if idx < 0 {
				fmt.Println("  matched: fallback")
			} else {
				fmt.Printf("  matched: #%d %s (%s)\n", idx, orNone(sel.RuleName), t.Rules[idx].Match)
			}
			return nil
		},
	}
}

func listTables(tables map[string]*rules.Table[string]) error {
	if jsonOutput {
		return printJSON(tables)
	}
	for _, name := range slices.Sorted(maps.Keys(tables)) {
		t := tables[name]
		fmt.Printf("%s (fallback %s)\n", name, t.Fallback)
		for i, r := range t.Rules {
			fmt.Printf("  #%d %-14s %-48s -> %s\n", i, orNone(r.Name), r.Match, r.Value)
		}
	}
	return nil
}
