package main

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kiln/internal/attention"
	"github.com/samcharles93/kiln/internal/kvcache"
	"github.com/samcharles93/kiln/internal/logger"
	"github.com/samcharles93/kiln/internal/tensor"
)

type problemSettings struct {
	heads, kvHeads, headDim int64
	queryLen, kvLen         int64
	startPos                int64
	window                  int64
	softcap                 float64
	causal                  bool
	dtype                   string
	variant                 string
	seed                    uint64
	tolerance               float64

	tiered    bool
	quantize  bool
	hotWindow int
	pageSize  int
}

type attentionReport struct {
	Variant  string  `json:"variant"`
	Rule     int     `json:"rule"`
	Shape    []int   `json:"shape"`
	MaxError float64 `json:"max_error"`
	// QuantError compares against the unquantized inputs, for quantized
	// cold storage only.
	QuantError *float64 `json:"quant_error,omitempty"`
	ColdLen    int      `json:"cold_len,omitempty"`
	HotLen     int      `json:"hot_len,omitempty"`
	TookMS     float64  `json:"took_ms"`
}

func attentionCmd() *cli.Command {
	var (
		p                   problemSettings
		hotWindow, pageSize int64
	)

	return &cli.Command{
		Name:  "attention",
		Usage: "Run a random attention problem and compare it with the host reference",
		Flags: commonFlags(
			jsonFlag(),
			&cli.Int64Flag{Name: "heads", Usage: "query heads", Value: 8, Destination: &p.heads},
			&cli.Int64Flag{Name: "kv-heads", Usage: "key/value heads", Value: 2, Destination: &p.kvHeads},
			&cli.Int64Flag{Name: "head-dim", Usage: "head dimension", Value: 64, Destination: &p.headDim},
			&cli.Int64Flag{Name: "query-len", Aliases: []string{"q"}, Usage: "query rows", Value: 1, Destination: &p.queryLen},
			&cli.Int64Flag{Name: "kv-len", Usage: "key/value rows", Value: 128, Destination: &p.kvLen},
			&cli.Int64Flag{Name: "start-pos", Usage: "absolute position of query row 0 (-1: kv-len minus query-len)", Value: -1, Destination: &p.startPos},
			&cli.Int64Flag{Name: "window", Usage: "sliding window, 0 disables", Destination: &p.window},
			&cli.Float64Flag{Name: "softcap", Usage: "logit softcap, 0 disables", Destination: &p.softcap},
			&cli.BoolFlag{Name: "causal", Usage: "mask future keys", Value: true, Destination: &p.causal},
			&cli.StringFlag{Name: "dtype", Usage: "storage type of q, k and v (f32, f16)", Value: "f32", Destination: &p.dtype},
			&cli.StringFlag{Name: "variant", Usage: "force a variant instead of the selection table", Destination: &p.variant},
			&cli.Uint64Flag{Name: "seed", Usage: "random seed", Value: 1, Destination: &p.seed},
			&cli.Float64Flag{Name: "tolerance", Usage: "largest accepted absolute error (0: by dtype)", Destination: &p.tolerance},
			&cli.BoolFlag{Name: "tiered", Usage: "serve keys and values from a hot ring and cold pages", Destination: &p.tiered},
			&cli.BoolFlag{Name: "quantize", Usage: "store cold pages as 4-bit codes (implies --tiered)", Destination: &p.quantize},
			&cli.Int64Flag{Name: "hot-window", Usage: "hot ring rows", Value: 32, Destination: &hotWindow},
			&cli.Int64Flag{Name: "page-size", Usage: "rows per cold page", Value: 16, Destination: &pageSize},
		),
		Before: prepare,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			p.hotWindow, p.pageSize = int(hotWindow), int(pageSize)
			applyKVCacheConfig(cmd, cfg, &p)
			p.tiered = p.tiered || p.quantize
			if p.startPos < 0 {
				p.startPos = max(0, p.kvLen-p.queryLen)
			}

			s, err := openStack(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			var report *attentionReport
			if p.tiered {
				report, err = runTiered(ctx, s, p)
			} else {
				report, err = runDense(ctx, s, p)
			}
			if err != nil {
				return err
			}
			return finish(ctx, p, report)
		},
	}
}

func random(r *rand.Rand, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(r.NormFloat64())
	}
	return out
}

func (p problemSettings) options() attention.Options {
	return attention.Options{
		NumKVHeads:    int(p.kvHeads),
		Causal:        p.causal,
		SlidingWindow: int(p.window),
		Softcap:       float32(p.softcap),
		StartPos:      int(p.startPos),
		Variant:       p.variant,
	}
}

func (p problemSettings) inputs() (q, k, v []float32) {
	r := rand.New(rand.NewPCG(p.seed, p.seed^0x9e3779b97f4a7c15))
	q = random(r, int(p.queryLen*p.heads*p.headDim))
	k = random(r, int(p.kvLen*p.kvHeads*p.headDim))
	v = random(r, int(p.kvLen*p.kvHeads*p.headDim))
	return q, k, v
}

func (p problemSettings) choose(s *stack, dtype tensor.DType) (string, int) {
	if p.variant != "" {
		return p.variant, -1
	}
	return s.attention.Choose(int(p.queryLen), int(p.kvLen), int(p.headDim), dtype, p.tiered, p.quantize)
}

func runDense(ctx context.Context, s *stack, p problemSettings) (*attentionReport, error) {
	dtype, err := tensor.ParseDType(p.dtype)
	if err != nil {
		return nil, err
	}
	qv, kv, vv := p.inputs()
	heads, kvHeads, dim := int(p.heads), int(p.kvHeads), int(p.headDim)

	var held []tensor.Tensor
	defer func() { _ = s.rt.Release(held...) }()
	upload := func(rows, h int, v []float32, label string) (tensor.Tensor, error) {
		t, err := s.rt.Upload(dtype, []int{rows, h, dim}, v, label)
		if err == nil {
			held = append(held, t)
		}
		return t, err
	}
	q, err := upload(int(p.queryLen), heads, qv, "cli.q")
	if err != nil {
		return nil, err
	}
	k, err := upload(int(p.kvLen), kvHeads, kv, "cli.k")
	if err != nil {
		return nil, err
	}
	v, err := upload(int(p.kvLen), kvHeads, vv, "cli.v")
	if err != nil {
		return nil, err
	}

	variant, rule := p.choose(s, dtype)
	opts := p.options()
	start := time.Now()
	out, err := s.attention.Run(ctx, q, k, v, nil, heads, dim, opts)
	if err != nil {
		return nil, err
	}
	held = append(held, out)
	got, err := s.rt.Download(ctx, out)
	if err != nil {
		return nil, err
	}
	took := time.Since(start)

	want := attention.Reference(qv, kv, vv, nil, heads, kvHeads, dim, opts)
	return &attentionReport{
		Variant:  variant,
		Rule:     rule,
		Shape:    out.Shape,
		MaxError: maxAbsDiff(got, want),
		TookMS:   float64(took.Microseconds()) / 1000,
	}, nil
}

func runTiered(ctx context.Context, s *stack, p problemSettings) (*attentionReport, error) {
	if p.dtype != "f32" {
		return nil, fmt.Errorf("tiered attention runs on f32 queries, got %s", p.dtype)
	}
	heads, kvHeads, dim := int(p.heads), int(p.kvHeads), int(p.headDim)
	kvc := kvcache.Config{
		KVHeads:   kvHeads,
		HeadDim:   dim,
		HotWindow: p.hotWindow,
		PageSize:  p.pageSize,
		Quantize:  p.quantize,
	}
	if p.pageSize > 0 {
		kvc.MaxPages = (int(p.kvLen) + p.pageSize - 1) / p.pageSize
	}
	cache, err := kvcache.New(s.rt, kvc)
	if err != nil {
		return nil, err
	}
	defer cache.Close()

	qv, kv, vv := p.inputs()
	if err := cache.Append(ctx, kv, vv); err != nil {
		return nil, err
	}
	q, err := s.rt.Upload(tensor.F32, []int{int(p.queryLen), heads, dim}, qv, "cli.q")
	if err != nil {
		return nil, err
	}
	defer s.rt.Release(q)

	variant, rule := p.choose(s, tensor.F32)
	opts := p.options()
	start := time.Now()
	out, err := cache.Attend(ctx, s.attention, q, heads, opts)
	if err != nil {
		return nil, err
	}
	defer s.rt.Release(out)
	got, err := s.rt.Download(ctx, out)
	if err != nil {
		return nil, err
	}
	took := time.Since(start)

	// The reference reads the rows back as stored, so packing error is
	// reported apart from kernel error.
	storedK, storedV, err := cache.Rows(ctx)
	if err != nil {
		return nil, err
	}
	report := &attentionReport{
		Variant:  variant,
		Rule:     rule,
		Shape:    out.Shape,
		MaxError: maxAbsDiff(got, attention.Reference(qv, storedK, storedV, nil, heads, kvHeads, dim, opts)),
		ColdLen:  cache.ColdLen(),
		HotLen:   cache.HotLen(),
		TookMS:   float64(took.Microseconds()) / 1000,
	}
	if p.quantize {
		qe := maxAbsDiff(got, attention.Reference(qv, kv, vv, nil, heads, kvHeads, dim, opts))
		report.QuantError = &qe
	}
	return report, nil
}

func maxAbsDiff(a, b []float32) float64 {
	var worst float64
	for i := range min(len(a), len(b)) {
		d := math.Abs(float64(a[i] - b[i]))
		if math.IsNaN(d) {
			return math.Inf(1)
		}
		worst = max(worst, d)
	}
	return worst
}

func finish(ctx context.Context, p problemSettings, r *attentionReport) error {
	tol := p.tolerance
	if tol == 0 {
		tol = 1e-4
		if p.dtype == "f16" {
			tol = 5e-2
		}
	}
	logger.FromContext(ctx).Debug("attention checked", "variant", r.Variant, "max_error", r.MaxError, "tolerance", tol)

	if jsonOutput {
		if err := printJSON(r); err != nil {
			return err
		}
	} else {
		rule := fmt.Sprintf("rule %d", r.Rule)
		if r.Rule < 0 {
			rule = "fallback"
			if p.variant != "" {
				rule = "forced"
			}
		}
		fmt.Printf("variant:   %s (%s)\n", r.Variant, rule)
		fmt.Printf("output:    %v\n", r.Shape)
		if p.tiered {
			fmt.Printf("tiers:     cold %d, hot %d\n", r.ColdLen, r.HotLen)
		}
		fmt.Printf("max error: %.3g (tolerance %.3g)\n", r.MaxError, tol)
		if r.QuantError != nil {
			fmt.Printf("vs f32 kv: %.3g\n", *r.QuantError)
		}
		fmt.Printf("time:      %.2fms\n", r.TookMS)
	}
	if r.MaxError > tol {
		return fmt.Errorf("attention error %.3g exceeds tolerance %.3g", r.MaxError, tol)
	}
	return nil
}
