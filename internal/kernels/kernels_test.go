package kernels

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/samcharles93/kiln/internal/gpu"
	"github.com/samcharles93/kiln/internal/gpu/soft"
	"github.com/samcharles93/kiln/internal/pipeline"
	"github.com/samcharles93/kiln/internal/runtime"
	"github.com/samcharles93/kiln/internal/tensor"
	"github.com/samcharles93/kiln/pkg/quant"
)

var (
	fullCaps = gpu.Capabilities{Platform: "test", HasHalfPrecision: true, HasSubgroupReduction: true}
	bareCaps = gpu.Capabilities{Platform: "test"}
)

func newKernels(t *testing.T, caps gpu.Capabilities) (*Kernels, *runtime.Context) {
	t.Helper()
	rt, err := runtime.New(soft.New(soft.Options{Capabilities: &caps}), runtime.Options{})
	if err != nil {
		t.Fatalf("runtime: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	k, err := New(rt)
	if err != nil {
		t.Fatalf("kernels: %v", err)
	}
	return k, rt
}

func upload(t *testing.T, rt *runtime.Context, dt tensor.DType, shape []int, v []float32) tensor.Tensor {
	t.Helper()
	x, err := rt.Upload(dt, shape, v, "test")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	return x
}

func uploadU32(t *testing.T, rt *runtime.Context, shape []int, v []uint32) tensor.Tensor {
	t.Helper()
	x, err := rt.UploadU32(shape, v, "test")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	return x
}

func download(t *testing.T, rt *runtime.Context, x tensor.Tensor) []float32 {
	t.Helper()
	got, err := rt.Download(context.Background(), x)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	return got
}

func wave(n int, seed float64) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(math.Sin(float64(i)*0.37+seed) + 0.25*math.Cos(float64(i)*1.3))
	}
	return out
}

var approx = cmpopts.EquateApprox(1e-5, 1e-6)

func TestRMSNorm(t *testing.T) {
	k, rt := newKernels(t, bareCaps)
	const rows, n = 3, 300
	x, w := wave(rows*n, 0.1), wave(n, 2.0)
	want := make([]float32, rows*n)
	for r := range rows {
		var ss float64
		for _, v := range x[r*n : (r+1)*n] {
			ss += float64(v) * float64(v)
		}
		scale := 1 / math.Sqrt(ss/n+1e-6)
		for i := range n {
			want[r*n+i] = float32(float64(x[r*n+i]) * scale * float64(w[i]))
		}
	}

	out, err := k.RMSNorm(context.Background(), upload(t, rt, tensor.F32, []int{rows, n}, x), upload(t, rt, tensor.F32, []int{n}, w), 1e-6)
	if err != nil {
		t.Fatalf("RMSNorm: %v", err)
	}
	if diff := cmp.Diff([]int{rows, n}, out.Shape); diff != "" {
		t.Fatalf("shape (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, download(t, rt, out), approx); diff != "" {
		t.Fatalf("RMSNorm (-want +got):\n%s", diff)
	}
}

func TestRMSNormRejects(t *testing.T) {
	k, rt := newKernels(t, bareCaps)
	ctx := context.Background()
	wide := upload(t, rt, tensor.F32, []int{1, MaxNormWidth + 1}, make([]float32, MaxNormWidth+1))
	weight := upload(t, rt, tensor.F32, []int{MaxNormWidth + 1}, make([]float32, MaxNormWidth+1))
	if _, err := k.RMSNorm(ctx, wide, weight, 1e-5); !errors.Is(err, ErrConfig) {
		t.Fatalf("width past limit: %v, want ErrConfig", err)
	}
	x := upload(t, rt, tensor.F32, []int{2, 4}, make([]float32, 8))
	short := upload(t, rt, tensor.F32, []int{3}, make([]float32, 3))
	if _, err := k.RMSNorm(ctx, x, short, 1e-5); !errors.Is(err, ErrConfig) {
		t.Fatalf("weight mismatch: %v, want ErrConfig", err)
	}
}

func TestRoPE(t *testing.T) {
	k, rt := newKernels(t, bareCaps)
	const seq, heads, dim = 2, 2, 8
	const theta = 10000
	x := wave(seq*heads*dim, 0.4)
	want := make([]float32, len(x))
	for r := range seq {
		for h := range heads {
			for i := range dim / 2 {
				off := (r*heads+h)*dim + 2*i
				angle := float64(3+r) * math.Pow(theta, -2*float64(i)/dim)
				x0, x1 := float64(x[off]), float64(x[off+1])
				want[off] = float32(x0*math.Cos(angle) - x1*math.Sin(angle))
				want[off+1] = float32(x0*math.Sin(angle) + x1*math.Cos(angle))
			}
		}
	}
	xt := upload(t, rt, tensor.F32, []int{seq, heads * dim}, x)
	if _, err := k.RoPE(context.Background(), xt, 3, theta, dim, heads); err != nil {
		t.Fatalf("RoPE: %v", err)
	}
	if diff := cmp.Diff(want, download(t, rt, xt), approx); diff != "" {
		t.Fatalf("RoPE (-want +got):\n%s", diff)
	}

	// Position zero leaves the first row untouched.
	zt := upload(t, rt, tensor.F32, []int{1, heads * dim}, x[:heads*dim])
	if _, err := k.RoPE(context.Background(), zt, 0, theta, dim, heads); err != nil {
		t.Fatalf("RoPE at 0: %v", err)
	}
	if diff := cmp.Diff(x[:heads*dim], download(t, rt, zt)); diff != "" {
		t.Fatalf("RoPE at 0 (-want +got):\n%s", diff)
	}

	if _, err := k.RoPE(context.Background(), xt, 0, theta, 7, heads); !errors.Is(err, ErrConfig) {
		t.Fatalf("odd head dim: %v, want ErrConfig", err)
	}
}

func TestRoPEHalfPrecision(t *testing.T) {
	x := wave(32, 1.1)
	ref := append([]float32(nil), x...)
	for i := 0; i < len(ref); i += 2 {
		ref[i], ref[i+1] = rotate(ref[i], ref[i+1], 5, (i%16)/2, 16, 10000)
	}

	k, rt := newKernels(t, fullCaps)
	xt := upload(t, rt, tensor.F16, []int{1, 32}, x)
	if _, err := k.RoPE(context.Background(), xt, 5, 10000, 16, 2); err != nil {
		t.Fatalf("RoPE f16: %v", err)
	}
	if diff := cmp.Diff(ref, download(t, rt, xt), cmpopts.EquateApprox(0, 1e-2)); diff != "" {
		t.Fatalf("RoPE f16 (-want +got):\n%s", diff)
	}

	bare, brt := newKernels(t, bareCaps)
	_, err := bare.RoPE(context.Background(), upload(t, brt, tensor.F16, []int{1, 32}, x), 5, 10000, 16, 2)
	var mf *gpu.MissingFeatureError
	if !errors.As(err, &mf) {
		t.Fatalf("f16 on a device without f16: %v, want MissingFeatureError", err)
	}
}

func TestResidualAdd(t *testing.T) {
	k, rt := newKernels(t, bareCaps)
	a, b := wave(700, 0), wave(700, 3)
	want := make([]float32, len(a))
	for i := range a {
		want[i] = a[i] + b[i]
	}
	out, err := k.ResidualAdd(context.Background(), upload(t, rt, tensor.F32, []int{7, 100}, a), upload(t, rt, tensor.F32, []int{7, 100}, b))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if diff := cmp.Diff(want, download(t, rt, out)); diff != "" {
		t.Fatalf("Add (-want +got):\n%s", diff)
	}
	_, err = k.ResidualAdd(context.Background(), upload(t, rt, tensor.F32, []int{7, 100}, a), upload(t, rt, tensor.F32, []int{100, 7}, b))
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("shape mismatch: %v, want ErrConfig", err)
	}
}

func TestMatVec(t *testing.T) {
	const rows, cols = 70, 320
	w, x := wave(rows*cols, 0.5), wave(cols, 1.7)
	q, err := quant.QuantizeQ4(w, rows, cols)
	if err != nil {
		t.Fatalf("quantize: %v", err)
	}
	dense := q.Dequantize()
	want := make([]float32, rows)
	for r := range rows {
		var sum float64
		for c := range cols {
			sum += float64(dense[r*cols+c]) * float64(x[c])
		}
		want[r] = float32(sum)
	}

	for _, tt := range []struct {
		name    string
		caps    gpu.Capabilities
		variant string
	}{
		{"rows", bareCaps, VariantQ4GEMV},
		{"subgroups", fullCaps, VariantQ4GEMVSubgroup},
	} {
		t.Run(tt.name, func(t *testing.T) {
			k, rt := newKernels(t, tt.caps)
			if got := k.choose(k.matvec, map[string]any{"rows": rows, "cols": cols}); got != tt.variant {
				t.Fatalf("variant = %s, want %s", got, tt.variant)
			}
			m, err := k.UploadQ4(q, rows, cols)
			if err != nil {
				t.Fatalf("UploadQ4: %v", err)
			}
			defer func() { _ = k.ReleaseQ4(m) }()
			out, err := k.MatVecQ4(context.Background(), m, upload(t, rt, tensor.F32, []int{cols}, x))
			if err != nil {
				t.Fatalf("MatVec: %v", err)
			}
			if diff := cmp.Diff(want, download(t, rt, out), cmpopts.EquateApprox(1e-4, 1e-4)); diff != "" {
				t.Fatalf("MatVec (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRoute(t *testing.T) {
	k, rt := newKernels(t, bareCaps)
	logits := []float32{
		1, 3, 3, 0, 2,
		0, 0, 0, 0, 5,
	}
	idx, w, err := k.Route(context.Background(), upload(t, rt, tensor.F32, []int{2, 5}, logits), 3)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	gotIdx, err := rt.DownloadU32(context.Background(), idx)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	// Equal logits keep the lower expert first.
	if diff := cmp.Diff([]uint32{1, 2, 4, 4, 0, 1}, gotIdx); diff != "" {
		t.Fatalf("indices (-want +got):\n%s", diff)
	}

	e2 := math.Exp(2)
	e5 := math.Exp(5)
	want := []float32{
		float32(1 / (2 + e2/math.Exp(3))), float32(1 / (2 + e2/math.Exp(3))), float32(e2 / math.Exp(3) / (2 + e2/math.Exp(3))),
		float32(e5 / (e5 + 2)), float32(1 / (e5 + 2)), float32(1 / (e5 + 2)),
	}
	if diff := cmp.Diff(want, download(t, rt, w), approx); diff != "" {
		t.Fatalf("weights (-want +got):\n%s", diff)
	}

	for _, topK := range []int{0, MaxTopK + 1, 6} {
		if _, _, err := k.Route(context.Background(), upload(t, rt, tensor.F32, []int{2, 5}, logits), topK); !errors.Is(err, ErrConfig) {
			t.Fatalf("top-k %d: %v, want ErrConfig", topK, err)
		}
	}
}

func TestRouteTokenMatchesSort(t *testing.T) {
	logits := wave(64, 0.9)
	idx := make([]uint32, MaxTopK)
	w := make([]float32, MaxTopK)
	RouteToken(idx, w, logits)
	var sum float32
	for i := range w {
		sum += w[i]
		if i > 0 && (w[i] > w[i-1] || logits[idx[i]] > logits[idx[i-1]]) {
			t.Fatalf("weights not descending at %d: %v", i, w)
		}
	}
	if math.Abs(float64(sum-1)) > 1e-6 {
		t.Fatalf("weights sum to %v", sum)
	}
	for e, v := range logits {
		kept := false
		for _, i := range idx {
			kept = kept || int(i) == e
		}
		if !kept && v > logits[idx[len(idx)-1]] {
			t.Fatalf("expert %d (logit %v) beats the last kept expert", e, v)
		}
	}
}

func TestGatherScatter(t *testing.T) {
	k, rt := newKernels(t, bareCaps)
	ctx := context.Background()
	src := []float32{
		1, 2, 3,
		4, 5, 6,
		7, 8, 9,
		10, 11, 12,
	}
	srcT := upload(t, rt, tensor.F32, []int{4, 3}, src)
	indices := uploadU32(t, rt, []int{4}, []uint32{2, 0, 7, 2})
	rows, err := k.Gather(ctx, srcT, indices)
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	want := []float32{7, 8, 9, 1, 2, 3, 0, 0, 0, 7, 8, 9}
	if diff := cmp.Diff(want, download(t, rt, rows)); diff != "" {
		t.Fatalf("Gather (-want +got):\n%s", diff)
	}

	dst := upload(t, rt, tensor.F32, []int{4, 3}, make([]float32, 12))
	weights := upload(t, rt, tensor.F32, []int{4}, []float32{0.5, 1, 3, 0.25})
	if err := k.ScatterAdd(ctx, dst, rows, indices, weights); err != nil {
		t.Fatalf("ScatterAdd: %v", err)
	}
	want = []float32{
		1, 2, 3,
		0, 0, 0,
		0.75 * 7, 0.75 * 8, 0.75 * 9,
		0, 0, 0,
	}
	if diff := cmp.Diff(want, download(t, rt, dst), approx); diff != "" {
		t.Fatalf("ScatterAdd (-want +got):\n%s", diff)
	}
}

func TestGatherHalfPrecision(t *testing.T) {
	k, rt := newKernels(t, fullCaps)
	src := wave(8, 0.2)
	out, err := k.Gather(context.Background(), upload(t, rt, tensor.F16, []int{4, 2}, src), uploadU32(t, rt, []int{2}, []uint32{3, 1}))
	if err != nil {
		t.Fatalf("Gather f16: %v", err)
	}
	if out.DType != tensor.F16 {
		t.Fatalf("output dtype %s, want f16", out.DType)
	}
	want := []float32{src[6], src[7], src[2], src[3]}
	if diff := cmp.Diff(want, download(t, rt, out), cmpopts.EquateApprox(0, 1e-3)); diff != "" {
		t.Fatalf("Gather f16 (-want +got):\n%s", diff)
	}
}

// A decoder step records norm, projection and residual into one
// submission.
func TestRecordSharesOneSubmission(t *testing.T) {
	k, rt := newKernels(t, bareCaps)
	ctx := context.Background()
	const n = 64
	x, gain := wave(n, 0.3), wave(n, 1.0)
	wq, err := quant.QuantizeQ4(wave(n*n, 2.2), n, n)
	if err != nil {
		t.Fatalf("quantize: %v", err)
	}
	m, err := k.UploadQ4(wq, n, n)
	if err != nil {
		t.Fatalf("UploadQ4: %v", err)
	}
	xt := upload(t, rt, tensor.F32, []int{n}, x)
	gt := upload(t, rt, tensor.F32, []int{n}, gain)

	rec, err := rt.NewRecorder("layer")
	if err != nil {
		t.Fatalf("recorder: %v", err)
	}
	normed, err := k.RecordRMSNorm(ctx, rec, xt, gt, 1e-5)
	if err != nil {
		t.Fatalf("norm: %v", err)
	}
	proj, err := k.RecordMatVecQ4(ctx, rec, m, normed)
	if err != nil {
		t.Fatalf("matvec: %v", err)
	}
	sum, err := k.RecordResidualAdd(ctx, rec, xt, proj)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if rec.Dispatches() != 3 {
		t.Fatalf("dispatches = %d, want 3", rec.Dispatches())
	}
	if err := rec.Submit(ctx); err != nil {
		t.Fatalf("submit: %v", err)
	}

	ref := make([]float32, n)
	RMSNormRow(ref, x, gain, 1e-5)
	dense := wq.Dequantize()
	want := make([]float32, n)
	for r := range n {
		var dot float32
		for c := range n {
			dot += dense[r*n+c] * ref[c]
		}
		want[r] = x[r] + dot
	}
	if diff := cmp.Diff(want, download(t, rt, sum), cmpopts.EquateApprox(1e-4, 1e-4)); diff != "" {
		t.Fatalf("layer (-want +got):\n%s", diff)
	}

	// A failed record poisons the recorder.
	rec, err = rt.NewRecorder("bad")
	if err != nil {
		t.Fatalf("recorder: %v", err)
	}
	if _, err := k.RecordResidualAdd(ctx, rec, xt, upload(t, rt, tensor.F32, []int{n + 1}, make([]float32, n+1))); !errors.Is(err, ErrConfig) {
		t.Fatalf("RecordResidualAdd: %v, want ErrConfig", err)
	}
	if err := rec.Submit(ctx); !errors.Is(err, ErrConfig) {
		t.Fatalf("Submit after failure: %v, want ErrConfig", err)
	}
}

func TestPrewarmCompilesEveryKernel(t *testing.T) {
	k, rt := newKernels(t, fullCaps)
	res, err := rt.Pipelines().Prewarm(context.Background(), pipeline.PrewarmOptions{}, k.Keys()...)
	if err != nil {
		t.Fatalf("prewarm: %v", err)
	}
	if len(res) != len(Library().Descriptors) {
		t.Fatalf("%d results, want %d", len(res), len(Library().Descriptors))
	}

	bare, brt := newKernels(t, bareCaps)
	res, err = brt.Pipelines().Prewarm(context.Background(), pipeline.PrewarmOptions{SkipUnsupported: true}, bare.Keys()...)
	if err != nil {
		t.Fatalf("prewarm bare: %v", err)
	}
	var skipped []string
	for _, r := range res {
		if r.Skipped {
			skipped = append(skipped, r.Key.String())
		}
	}
	want := []string{"matmul/q4_gemv_subgroup", "moe.gather/gather_f16", "rope/rope_f16"}
	if diff := cmp.Diff(want, skipped); diff != "" {
		t.Fatalf("skipped (-want +got):\n%s", diff)
	}
}

func TestUniformBlocks(t *testing.T) {
	p := ropeParams{SeqLen: 3, NumHeads: 4, HeadDim: 64, Pos: 17, Theta: 500000}
	b := p.encode()
	if len(b) != 32 {
		t.Fatalf("rope block is %d bytes, want 32", len(b))
	}
	if diff := cmp.Diff(p, decodeRoPE(gpu.DecodeU32(b))); diff != "" {
		t.Fatalf("rope roundtrip (-want +got):\n%s", diff)
	}
	if got := len(countParams{N: 1}.encode()); got != 16 {
		t.Fatalf("count block is %d bytes, want 16", got)
	}
}
