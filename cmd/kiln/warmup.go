package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kiln/internal/logger"
	"github.com/samcharles93/kiln/internal/pipeline"
)

type warmupItem struct {
	Key     pipeline.Key `json:"key"`
	TookMS  float64      `json:"took_ms"`
	Skipped bool         `json:"skipped,omitempty"`
	Error   string       `json:"error,omitempty"`
}

func warmupCmd() *cli.Command {
	var (
		skipUnsupported bool
		concurrency     int64
	)

	return &cli.Command{
		Name:  "warmup",
		Usage: "Compile every kernel variant and report per-variant timing",
		Flags: commonFlags(
			jsonFlag(),
			&cli.BoolFlag{
				Name:        "skip-unsupported",
				Usage:       "skip variants needing features the device lacks",
				Value:       true,
				Destination: &skipUnsupported,
			},
			&cli.Int64Flag{
				Name:        "concurrency",
				Aliases:     []string{"j"},
				Usage:       "parallel compiles",
				Value:       4,
				Destination: &concurrency,
			},
		),
		Before: prepare,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			s, err := openStack(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			start := time.Now()
			results, werr := s.rt.Pipelines().Prewarm(ctx, pipeline.PrewarmOptions{
				SkipUnsupported: skipUnsupported,
				Concurrency:     int(concurrency),
			})
			total := time.Since(start)

			items := make([]warmupItem, len(results))
			failed := 0
			for i, r := range results {
				items[i] = warmupItem{Key: r.Key, TookMS: float64(r.Took.Microseconds()) / 1000, Skipped: r.Skipped}
				if r.Err != nil {
					items[i].Error = r.Err.Error()
					failed++
				}
			}
			log.Info("warmup finished", "variants", len(items), "failed", failed, "duration", total)

			if jsonOutput {
				if err := printJSON(items); err != nil {
					return err
				}
			} else {
				tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "PIPELINE\tTIME\tSTATUS")
				for _, it := range items {
					status := "compiled"
					switch {
					case it.Error != "":
						status = it.Error
					case it.Skipped:
						status = "skipped"
					}
					fmt.Fprintf(tw, "%s\t%.2fms\t%s\n", it.Key, it.TookMS, status)
				}
				if err := tw.Flush(); err != nil {
					return err
				}
			}
			if werr != nil {
				return fmt.Errorf("warmup: %d of %d variants failed: %w", failed, len(items), werr)
			}
			return nil
		},
	}
}
