package main

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kiln/internal/backend"
	"github.com/samcharles93/kiln/internal/gpu"
	"github.com/samcharles93/kiln/internal/pipeline"
)

type deviceReport struct {
	Device       string           `json:"device"`
	Backends     string           `json:"backends"`
	Capabilities gpu.Capabilities `json:"capabilities"`
	Features     []gpu.Feature    `json:"features"`
	Tables       []string         `json:"tables"`
	Pipelines    []pipeline.Key   `json:"pipelines"`
}

func infoCmd() *cli.Command {
	return &cli.Command{
		Name:   "info",
		Usage:  "Show device capabilities and registered kernels",
		Flags:  commonFlags(jsonFlag()),
		Before: prepare,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			s, err := openStack(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			caps := s.rt.Capabilities()
			report := deviceReport{
				Device:       deviceName,
				Backends:     backend.Available(),
				Capabilities: caps,
				Features:     caps.Features(),
				Tables:       slices.Sorted(maps.Keys(s.tables())),
				Pipelines:    s.rt.Pipelines().Keys(),
			}
			if jsonOutput {
				return printJSON(report)
			}

			features := make([]string, len(report.Features))
			for i, f := range report.Features {
				features[i] = string(f)
			}
			fmt.Printf("device:         %s (%s)\n", report.Device, caps.Platform)
			fmt.Printf("backends:       %s\n", report.Backends)
			fmt.Printf("half precision: %t\n", caps.HasHalfPrecision)
			fmt.Printf("subgroups:      %t\n", caps.HasSubgroupReduction)
			fmt.Printf("max workgroup:  %d\n", caps.MaxWorkgroupSize)
			fmt.Printf("features:       %s\n", orNone(strings.Join(features, ", ")))
			fmt.Printf("tables:         %s\n", strings.Join(report.Tables, ", "))
			fmt.Printf("pipelines:      %d registered\n", len(report.Pipelines))
			for _, k := range report.Pipelines {
				status := "ok"
				if err := s.rt.Pipelines().Supported(k.Op, k.Variant); err != nil {
					status = err.Error()
				}
				fmt.Printf("  %-36s %s\n", k, status)
			}
			return nil
		},
	}
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
