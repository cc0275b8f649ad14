package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kiln/internal/attention"
	"github.com/samcharles93/kiln/internal/config"
	"github.com/samcharles93/kiln/internal/kernels"
	"github.com/samcharles93/kiln/internal/logger"
	"github.com/samcharles93/kiln/internal/rules"
	"github.com/samcharles93/kiln/internal/runtime"
)

// cfg is the loaded config file, set by prepare.
var cfg config.Config

// prepare loads the config file, lets it fill flags the user left unset
// and installs the logger into ctx. Every subcommand runs it as Before.
func prepare(ctx context.Context, c *cli.Command) (context.Context, error) {
	path := configFile
	if path == "" {
		path = config.Path()
	}
	loaded, err := config.Load(path)
	if err != nil {
		return ctx, err
	}
	cfg = loaded
	applyCommonConfig(c, cfg)

	level := logLevel
	if debug {
		level = "debug"
	}
	log, err := logger.Setup(os.Stderr, logFormat, level)
	if err != nil {
		return ctx, err
	}
	return logger.WithContext(ctx, log), nil
}

// applyCommonConfig applies config file defaults to the shared flags when
// the corresponding CLI flag was not explicitly set.
func applyCommonConfig(c *cli.Command, cfg config.Config) {
	if cfg.Device != "" && !c.IsSet("device") {
		deviceName = cfg.Device
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyServeConfig applies the server section to serve's flags.
func applyServeConfig(c *cli.Command, cfg config.Config, s *serveSettings) {
	if cfg.Server.Address != "" && !c.IsSet("addr") {
		s.addr = cfg.Server.Address
	}
	if cfg.Server.ReadTimeout != nil && !c.IsSet("read-timeout") {
		s.readTimeout = *cfg.Server.ReadTimeout
	}
	if cfg.Server.RateLimit != nil && !c.IsSet("rate-limit") {
		s.rateLimit = *cfg.Server.RateLimit
	}
	if cfg.Server.Burst != nil && !c.IsSet("burst") {
		s.burst = *cfg.Server.Burst
	}
	if !c.IsSet("prewarm") {
		s.prewarm = cfg.PrewarmEnabled()
	}
}

// applyKVCacheConfig fills the tiering flags from the kvcache section.
func applyKVCacheConfig(c *cli.Command, cfg config.Config, p *problemSettings) {
	kv := cfg.KVCache
	if kv == nil {
		return
	}
	if !c.IsSet("hot-window") {
		p.hotWindow = kv.HotWindow
	}
	if !c.IsSet("page-size") {
		p.pageSize = kv.PageSize
	}
	if !c.IsSet("quantize") {
		p.quantize = kv.Quantize
	}
}

// stack is a runtime with every kernel library installed.
type stack struct {
	rt        *runtime.Context
	attention *attention.Engine
	kernels   *kernels.Kernels
}

func openStack(ctx context.Context) (*stack, error) {
	opts := cfg.RuntimeOptions()
	opts.Logger = logger.FromContext(ctx)
	rt, err := runtime.Open(deviceName, opts)
	if err != nil {
		return nil, fmt.Errorf("open device %q: %w", deviceName, err)
	}
	engine, err := attention.New(rt)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	k, err := kernels.New(rt)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	return &stack{rt: rt, attention: engine, kernels: k}, nil
}

func (s *stack) Close() error { return s.rt.Close() }

// tables lists every variant table in use, keyed by name.
func (s *stack) tables() map[string]*rules.Table[string] {
	out := map[string]*rules.Table[string]{s.attention.Table().Name: s.attention.Table()}
	for name, t := range s.kernels.Tables() {
		out[name] = t
	}
	return out
}
