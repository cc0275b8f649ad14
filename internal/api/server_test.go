package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/kiln/internal/attention"
	"github.com/samcharles93/kiln/internal/gpu"
	"github.com/samcharles93/kiln/internal/gpu/soft"
	"github.com/samcharles93/kiln/internal/kernels"
	"github.com/samcharles93/kiln/internal/rules"
	"github.com/samcharles93/kiln/internal/runtime"
)

var (
	fullCaps = gpu.Capabilities{Platform: "test", HasHalfPrecision: true, HasSubgroupReduction: true, MaxWorkgroupSize: 256}
	bareCaps = gpu.Capabilities{Platform: "test", MaxWorkgroupSize: 256}
)

func newTestEcho(t *testing.T, caps gpu.Capabilities, opts Options) *echo.Echo {
	t.Helper()
	rt, err := runtime.New(soft.New(soft.Options{Capabilities: &caps}), runtime.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })

	engine, err := attention.New(rt)
	require.NoError(t, err)
	k, err := kernels.New(rt)
	require.NoError(t, err)

	tables := map[string]*rules.Table[string]{engine.Table().Name: engine.Table()}
	for name, tbl := range k.Tables() {
		tables[name] = tbl
	}
	e := echo.New()
	NewServer(rt, engine, tables, opts).Register(e)
	return e
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body=%s", rec.Body.String())
	return out
}

type errorBody struct {
	Error ResponseError `json:"error"`
}

func TestInfo(t *testing.T) {
	t.Parallel()

	e := newTestEcho(t, fullCaps, Options{})
	rec := doJSON(t, e, http.MethodGet, "/v1/info", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))

	info := decode[InfoResponse](t, rec)
	assert.Equal(t, "test", info.Device.Platform)
	assert.Equal(t, []string{string(gpu.FeatureShaderF16), string(gpu.FeatureSubgroups)}, info.Device.Features)
	assert.Contains(t, info.Tables, attention.TableName)
	assert.Contains(t, info.Tables, kernels.MatVecTable)
	assert.NotEmpty(t, info.Version.Version)
}

func TestRequestIDEchoed(t *testing.T) {
	t.Parallel()

	e := newTestEcho(t, fullCaps, Options{})
	req := httptest.NewRequest(http.MethodGet, "/v1/pool", nil)
	req.Header.Set(echo.HeaderXRequestID, "abc-123")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get(echo.HeaderXRequestID))
}

func TestPrewarmAndPipelines(t *testing.T) {
	t.Parallel()

	e := newTestEcho(t, bareCaps, Options{})

	rec := doJSON(t, e, http.MethodPost, "/v1/pipelines/prewarm", `{"skip_unsupported":true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	warm := decode[PrewarmResponse](t, rec)
	assert.Zero(t, warm.Failed)
	skipped := 0
	for _, r := range warm.Results {
		assert.Empty(t, r.Error, r.Key.String())
		if r.Skipped {
			skipped++
		}
	}
	assert.Positive(t, skipped)

	rec = doJSON(t, e, http.MethodGet, "/v1/pipelines", "")
	require.Equal(t, http.StatusOK, rec.Code)
	pl := decode[PipelinesResponse](t, rec)
	assert.Len(t, pl.Registered, len(warm.Results))
	assert.Len(t, pl.Compiled, len(warm.Results)-skipped)
	assert.Equal(t, len(pl.Compiled), pl.Stats.Compiled)
}

func TestPrewarmReportsFailures(t *testing.T) {
	t.Parallel()

	e := newTestEcho(t, bareCaps, Options{})
	body := `{"keys":[{"op":"attention","variant":"decode_tree"},{"op":"attention","variant":"decode_tree_f16"}]}`
	rec := doJSON(t, e, http.MethodPost, "/v1/pipelines/prewarm", body)
	require.Equal(t, http.StatusMultiStatus, rec.Code, rec.Body.String())

	warm := decode[PrewarmResponse](t, rec)
	require.Len(t, warm.Results, 2)
	assert.Equal(t, 1, warm.Failed)
	assert.Empty(t, warm.Results[0].Error)
	assert.Contains(t, warm.Results[1].Error, "shader-f16")
}

func TestPrewarmUnknownKey(t *testing.T) {
	t.Parallel()

	e := newTestEcho(t, fullCaps, Options{})
	rec := doJSON(t, e, http.MethodPost, "/v1/pipelines/prewarm", `{"keys":[{"op":"attention","variant":"nope"}]}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSelect(t *testing.T) {
	t.Parallel()

	e := newTestEcho(t, fullCaps, Options{})

	rec := doJSON(t, e, http.MethodPost, "/v1/rules/select",
		`{"table":"`+attention.TableName+`","context":{"queryLen":1,"hasSubgroups":true,"dtype":"f32"}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[SelectResponse](t, rec)
	assert.Equal(t, attention.VariantDecodeSubgroup, got.Value)
	assert.Equal(t, "subgroup", got.RuleName)

	rec = doJSON(t, e, http.MethodPost, "/v1/rules/select", `{"table":"`+attention.TableName+`","context":{}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	got = decode[SelectResponse](t, rec)
	assert.Equal(t, attention.VariantDecodeTree, got.Value)
	assert.Equal(t, -1, got.Rule)
	assert.Empty(t, got.RuleName)
}

func TestSelectErrors(t *testing.T) {
	t.Parallel()

	e := newTestEcho(t, fullCaps, Options{})

	rec := doJSON(t, e, http.MethodPost, "/v1/rules/select", `{"table":"missing","context":{}}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found_error", decode[errorBody](t, rec).Error.Type)

	rec = doJSON(t, e, http.MethodPost, "/v1/rules/select", `{"table":"x","extra":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request_error", decode[errorBody](t, rec).Error.Type)
}

func attentionBody(t *testing.T, req AttentionRequest) string {
	t.Helper()
	b, err := json.Marshal(req)
	require.NoError(t, err)
	return string(b)
}

func ramp(n int, scale float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = scale * float32(i%7-3)
	}
	return out
}

func TestAttention(t *testing.T) {
	t.Parallel()

	e := newTestEcho(t, fullCaps, Options{})
	const heads, kvHeads, dim, kvLen = 4, 2, 8, 5
	req := AttentionRequest{
		Q:          ramp(heads*dim, 0.1),
		K:          ramp(kvLen*kvHeads*dim, 0.2),
		V:          ramp(kvLen*kvHeads*dim, 0.3),
		NumHeads:   heads,
		NumKVHeads: kvHeads,
		HeadDim:    dim,
		Check:      true,
	}
	rec := doJSON(t, e, http.MethodPost, "/v1/attention", attentionBody(t, req))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	got := decode[AttentionResponse](t, rec)
	assert.Equal(t, attention.VariantDecodeSubgroup, got.Variant)
	assert.Equal(t, []int{1, heads, dim}, got.Shape)
	assert.Len(t, got.Output, heads*dim)
	assert.NotEmpty(t, got.ID)
	require.NotNil(t, got.MaxError)
	assert.Less(t, *got.MaxError, 1e-4)
}

func TestAttentionForcedVariant(t *testing.T) {
	t.Parallel()

	e := newTestEcho(t, fullCaps, Options{})
	req := AttentionRequest{
		Q:        ramp(2*2*4, 0.1),
		K:        ramp(3*2*4, 0.2),
		V:        ramp(3*2*4, 0.3),
		NumHeads: 2,
		HeadDim:  4,
		Causal:   true,
		StartPos: 1,
		Variant:  attention.VariantPrefill,
		Check:    true,
	}
	rec := doJSON(t, e, http.MethodPost, "/v1/attention", attentionBody(t, req))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[AttentionResponse](t, rec)
	assert.Equal(t, attention.VariantPrefill, got.Variant)
	assert.Equal(t, -1, got.Rule)
	assert.Less(t, *got.MaxError, 1e-4)
}

func TestAttentionErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		caps   gpu.Capabilities
		req    AttentionRequest
		status int
		typ    string
	}{
		{
			name:   "ragged q",
			caps:   fullCaps,
			req:    AttentionRequest{Q: ramp(5, 1), K: ramp(8, 1), V: ramp(8, 1), NumHeads: 2, HeadDim: 4},
			status: http.StatusBadRequest,
			typ:    "invalid_request_error",
		},
		{
			name:   "bad dtype",
			caps:   fullCaps,
			req:    AttentionRequest{Q: ramp(8, 1), K: ramp(8, 1), V: ramp(8, 1), NumHeads: 2, HeadDim: 4, DType: "bf17"},
			status: http.StatusBadRequest,
			typ:    "invalid_request_error",
		},
		{
			name:   "unknown variant",
			caps:   fullCaps,
			req:    AttentionRequest{Q: ramp(8, 1), K: ramp(8, 1), V: ramp(8, 1), NumHeads: 2, HeadDim: 4, Variant: "fastest"},
			status: http.StatusBadRequest,
			typ:    "invalid_request_error",
		},
		{
			name:   "f16 without device support",
			caps:   bareCaps,
			req:    AttentionRequest{Q: ramp(8, 1), K: ramp(8, 1), V: ramp(8, 1), NumHeads: 2, HeadDim: 4, DType: "f16"},
			status: http.StatusUnprocessableEntity,
			typ:    "unsupported_error",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			e := newTestEcho(t, tc.caps, Options{})
			rec := doJSON(t, e, http.MethodPost, "/v1/attention", attentionBody(t, tc.req))
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			assert.Equal(t, tc.typ, decode[errorBody](t, rec).Error.Type)
		})
	}
}

func TestAttentionReleasesBuffers(t *testing.T) {
	t.Parallel()

	e := newTestEcho(t, fullCaps, Options{})
	req := AttentionRequest{Q: ramp(8, 1), K: ramp(16, 1), V: ramp(16, 1), NumHeads: 2, HeadDim: 4}
	for range 3 {
		rec := doJSON(t, e, http.MethodPost, "/v1/attention", attentionBody(t, req))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	rec := doJSON(t, e, http.MethodGet, "/v1/pool", "")
	require.Equal(t, http.StatusOK, rec.Code)
	pool := decode[PoolResponse](t, rec)
	assert.Zero(t, pool.Buffers.Outstanding)
	assert.Positive(t, pool.Buffers.Reuses)
}

func TestRateLimit(t *testing.T) {
	t.Parallel()

	e := newTestEcho(t, fullCaps, Options{RateLimit: 0.001, Burst: 1})
	body := `{"table":"` + attention.TableName + `","context":{}}`

	rec := doJSON(t, e, http.MethodPost, "/v1/rules/select", body)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, e, http.MethodPost, "/v1/rules/select", body)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limit_error", decode[errorBody](t, rec).Error.Type)

	// GET routes are not limited.
	rec = doJSON(t, e, http.MethodGet, "/v1/pool", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetrics(t *testing.T) {
	t.Parallel()

	e := newTestEcho(t, fullCaps, Options{})
	doJSON(t, e, http.MethodPost, "/v1/pipelines/prewarm", `{}`)
	rec := doJSON(t, e, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "kiln_pipeline_compiles_total")
}
