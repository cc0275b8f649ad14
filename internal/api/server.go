// Package api serves the inspection and compute endpoints of a kiln
// runtime over HTTP.
package api

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"golang.org/x/time/rate"

	"github.com/samcharles93/kiln/internal/attention"
	"github.com/samcharles93/kiln/internal/backend"
	"github.com/samcharles93/kiln/internal/logger"
	"github.com/samcharles93/kiln/internal/pipeline"
	"github.com/samcharles93/kiln/internal/rules"
	"github.com/samcharles93/kiln/internal/runtime"
	"github.com/samcharles93/kiln/internal/tensor"
	"github.com/samcharles93/kiln/internal/version"
)

type Options struct {
	// RateLimit is the sustained POST request rate per second. Zero
	// disables limiting.
	RateLimit float64
	Burst     int
	Logger    logger.Logger
}

type Server struct {
	rt      *runtime.Context
	engine  *attention.Engine
	tables  map[string]*rules.Table[string]
	limiter *rate.Limiter
	log     logger.Logger
	clock   func() time.Time

	// compute serializes attention runs; the device queue is shared.
	compute sync.Mutex
}

// NewServer exposes rt. tables are the variant tables callers can query
// through /v1/rules/select, keyed by table name.
func NewServer(rt *runtime.Context, engine *attention.Engine, tables map[string]*rules.Table[string], opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = rt.Logger()
	}
	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = max(1, int(math.Ceil(opts.RateLimit)))
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return &Server{
		rt:      rt,
		engine:  engine,
		tables:  tables,
		limiter: limiter,
		log:     log.With("component", "api"),
		clock:   time.Now,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.Use(requestID())

	e.GET("/v1/info", s.handleInfo)
	e.GET("/v1/pipelines", s.handlePipelines)
	e.POST("/v1/pipelines/prewarm", s.handlePrewarm, rateLimit(s.limiter))
	e.GET("/v1/pool", s.handlePool)
	e.POST("/v1/rules/select", s.handleSelect, rateLimit(s.limiter))
	e.POST("/v1/attention", s.handleAttention, rateLimit(s.limiter))

	e.GET("/metrics", echo.WrapHandler(s.rt.Metrics().Handler()))
}

func (s *Server) tableNames() []string {
	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (s *Server) handleInfo(c *echo.Context) error {
	caps := s.rt.Capabilities()
	features := make([]string, 0, 2)
	for _, f := range caps.Features() {
		features = append(features, string(f))
	}
	return writeJSON(c, http.StatusOK, InfoResponse{
		Version: version.Resolve(),
		Device: DeviceInfo{
			Platform:             caps.Platform,
			HasHalfPrecision:     caps.HasHalfPrecision,
			HasSubgroupReduction: caps.HasSubgroupReduction,
			MaxWorkgroupSize:     caps.MaxWorkgroupSize,
			Features:             features,
		},
		Backends: backend.Available(),
		Tables:   s.tableNames(),
	})
}

func (s *Server) handlePipelines(c *echo.Context) error {
	pc := s.rt.Pipelines()
	return writeJSON(c, http.StatusOK, PipelinesResponse{
		Stats:      pc.Stats(),
		Registered: pc.Keys(),
		Compiled:   pc.Compiled(),
	})
}

func (s *Server) handlePrewarm(c *echo.Context) error {
	req, err := decodeJSON[PrewarmRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if req.Concurrency < 0 {
		return writeBadRequest(c, "concurrency must not be negative")
	}
	for _, k := range req.Keys {
		if _, ok := s.rt.Pipelines().Descriptor(k.Op, k.Variant); !ok {
			return writeNotFound(c, fmt.Sprintf("pipeline %s is not registered", k))
		}
	}
	results, err := s.rt.Pipelines().Prewarm(c.Request().Context(), pipeline.PrewarmOptions{
		SkipUnsupported: req.SkipUnsupported,
		Concurrency:     req.Concurrency,
	}, req.Keys...)
	if err != nil && c.Request().Context().Err() != nil {
		return writeComputeError(c, err)
	}
	resp := PrewarmResponse{Results: make([]PrewarmItem, len(results))}
	for i, r := range results {
		item := PrewarmItem{Key: r.Key, TookMS: ms(r.Took), Skipped: r.Skipped}
		if r.Err != nil {
			item.Error = r.Err.Error()
			resp.Failed++
		}
		resp.Results[i] = item
	}
	status := http.StatusOK
	if resp.Failed > 0 {
		status = http.StatusMultiStatus
	}
	return writeJSON(c, status, resp)
}

func (s *Server) handlePool(c *echo.Context) error {
	return writeJSON(c, http.StatusOK, PoolResponse{
		Buffers:  s.rt.Pool().Stats(),
		Config:   s.rt.Pool().Config(),
		Uniforms: s.rt.Uniforms().Stats(),
	})
}

func (s *Server) handleSelect(c *echo.Context) error {
	req, err := decodeJSON[SelectRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	t, ok := s.tables[req.Table]
	if !ok {
		return writeNotFound(c, fmt.Sprintf("table %q not found", req.Table))
	}
	value, idx := t.Explain(rules.Context(req.Context))
	resp := SelectResponse{Table: t.Name, Value: value, Rule: idx}
	if idx >= 0 {
		resp.RuleName = t.Rules[idx].Name
	}
	return writeJSON(c, http.StatusOK, resp)
}

func (s *Server) handleAttention(c *echo.Context) error {
	req, err := decodeJSON[AttentionRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	resp, err := s.runAttention(c.Request().Context(), req)
	if err != nil {
		s.log.Debug("attention request failed", "error", err)
		return writeComputeError(c, err)
	}
	return writeJSON(c, http.StatusOK, resp)
}

func (s *Server) runAttention(ctx context.Context, req AttentionRequest) (*AttentionResponse, error) {
	if req.NumHeads <= 0 || req.HeadDim <= 0 {
		return nil, newInvalidRequest("num_heads and head_dim must be positive")
	}
	nkv := req.NumKVHeads
	if nkv == 0 {
		nkv = req.NumHeads
	}
	qRow, kvRow := req.NumHeads*req.HeadDim, nkv*req.HeadDim
	if len(req.Q) == 0 || len(req.Q)%qRow != 0 {
		return nil, newInvalidRequest(fmt.Sprintf("q holds %d values, not whole rows of %d", len(req.Q), qRow))
	}
	if len(req.K)%kvRow != 0 || len(req.K) != len(req.V) {
		return nil, newInvalidRequest(fmt.Sprintf("k and v must hold the same whole rows of %d", kvRow))
	}
	dtype := tensor.F32
	if req.DType != "" {
		var err error
		if dtype, err = tensor.ParseDType(req.DType); err != nil {
			return nil, newInvalidRequest(err.Error())
		}
	}
	queryLen, kvRows := len(req.Q)/qRow, len(req.K)/kvRow
	kvLen := kvRows
	if req.KVLen > 0 && req.KVLen < kvRows {
		kvLen = req.KVLen
	}
	if req.Mask != nil && len(req.Mask) != queryLen*kvLen {
		return nil, newInvalidRequest(fmt.Sprintf("mask holds %d values, want %d x %d", len(req.Mask), queryLen, kvLen))
	}
	opts := attention.Options{
		NumKVHeads:    nkv,
		KVLen:         req.KVLen,
		Causal:        req.Causal,
		SlidingWindow: req.SlidingWindow,
		Softcap:       req.Softcap,
		StartPos:      req.StartPos,
		Scale:         req.Scale,
		Variant:       req.Variant,
	}

	s.compute.Lock()
	defer s.compute.Unlock()
	start := s.clock()

	var held []tensor.Tensor
	defer func() { _ = s.rt.Release(held...) }()
	upload := func(shape []int, v []float32, label string) (tensor.Tensor, error) {
		t, err := s.rt.Upload(dtype, shape, v, label)
		if err == nil {
			held = append(held, t)
		}
		return t, err
	}
	q, err := upload([]int{queryLen, req.NumHeads, req.HeadDim}, req.Q, "api.q")
	if err != nil {
		return nil, err
	}
	k, err := upload([]int{kvRows, nkv, req.HeadDim}, req.K, "api.k")
	if err != nil {
		return nil, err
	}
	v, err := upload([]int{kvRows, nkv, req.HeadDim}, req.V, "api.v")
	if err != nil {
		return nil, err
	}
	var mask *tensor.Tensor
	if req.Mask != nil {
		m, err := s.rt.Upload(tensor.F32, []int{queryLen, kvLen}, req.Mask, "api.mask")
		if err != nil {
			return nil, err
		}
		held = append(held, m)
		mask = &m
	}

	if req.KVLen > 0 {
		kvLen = req.KVLen
	}
	variant, rule := req.Variant, -1
	if variant == "" {
		variant, rule = s.engine.Choose(queryLen, kvLen, req.HeadDim, dtype, false, false)
	}
	out, err := s.engine.Run(ctx, q, k, v, mask, req.NumHeads, req.HeadDim, opts)
	if err != nil {
		return nil, err
	}
	held = append(held, out)
	got, err := s.rt.Download(ctx, out)
	if err != nil {
		return nil, err
	}

	resp := &AttentionResponse{
		ID:      uuid.NewString(),
		Variant: variant,
		Rule:    rule,
		Shape:   out.Shape,
		Output:  got,
		TookMS:  ms(s.clock().Sub(start)),
	}
	if req.Check {
		want := attention.Reference(req.Q, req.K, req.V, req.Mask, req.NumHeads, nkv, req.HeadDim, opts)
		var worst float64
		for i := range want {
			worst = max(worst, math.Abs(float64(want[i]-got[i])))
		}
		resp.MaxError = &worst
	}
	s.log.Debug("attention served", "id", resp.ID, "variant", variant, "query_len", queryLen, "kv_len", kvLen)
	return resp, nil
}

func ms(d time.Duration) float64 { return float64(d.Microseconds()) / 1000 }
