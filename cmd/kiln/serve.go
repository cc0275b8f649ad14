package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kiln/internal/api"
	"github.com/samcharles93/kiln/internal/logger"
	"github.com/samcharles93/kiln/internal/pipeline"
)

type serveSettings struct {
	addr        string
	readTimeout time.Duration
	rateLimit   float64
	burst       int
	prewarm     bool
}

func serveCmd() *cli.Command {
	var (
		s     serveSettings
		burst int64
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the inspection and compute API",
		Flags: commonFlags(
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &s.addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &s.readTimeout,
			},
			&cli.Float64Flag{
				Name:        "rate-limit",
				Usage:       "sustained POST requests per second, 0 disables",
				Value:       20,
				Destination: &s.rateLimit,
			},
			&cli.Int64Flag{
				Name:        "burst",
				Usage:       "POST request burst",
				Value:       40,
				Destination: &burst,
			},
			&cli.BoolFlag{
				Name:        "prewarm",
				Usage:       "compile every supported variant before serving",
				Value:       true,
				Destination: &s.prewarm,
			},
		),
		Before: prepare,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			s.burst = int(burst)
			applyServeConfig(cmd, cfg, &s)

			st, err := openStack(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			if s.prewarm {
				start := time.Now()
				results, err := st.rt.Pipelines().Prewarm(ctx, pipeline.PrewarmOptions{SkipUnsupported: true})
				if err != nil {
					return err
				}
				log.Info("pipelines prewarmed", "variants", len(results), "duration", time.Since(start))
			}

			server := api.NewServer(st.rt, st.attention, st.tables(), api.Options{
				RateLimit: s.rateLimit,
				Burst:     s.burst,
				Logger:    log,
			})
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", s.addr, "device", st.rt.Capabilities().Platform)
			sc := echo.StartConfig{
				Address: s.addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = s.readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
