package api

import (
	"github.com/samcharles93/kiln/internal/pipeline"
	"github.com/samcharles93/kiln/internal/pool"
	"github.com/samcharles93/kiln/internal/version"
)

type ResponseError struct {
	Message string `json:"message,omitempty"`
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}

type DeviceInfo struct {
	Platform             string   `json:"platform"`
	HasHalfPrecision     bool     `json:"has_half_precision"`
	HasSubgroupReduction bool     `json:"has_subgroup_reduction"`
	MaxWorkgroupSize     uint32   `json:"max_workgroup_size"`
	Features             []string `json:"features"`
}

type InfoResponse struct {
	Version  version.Info `json:"version"`
	Device   DeviceInfo   `json:"device"`
	Backends string       `json:"backends"`
	Tables   []string     `json:"tables"`
}

type PipelinesResponse struct {
	Stats      pipeline.Stats `json:"stats"`
	Registered []pipeline.Key `json:"registered"`
	Compiled   []pipeline.Key `json:"compiled"`
}

type PrewarmRequest struct {
	// Keys to compile; empty means every registered variant.
	Keys            []pipeline.Key `json:"keys,omitempty"`
	SkipUnsupported bool           `json:"skip_unsupported,omitempty"`
	Concurrency     int            `json:"concurrency,omitempty"`
}

type PrewarmItem struct {
	Key     pipeline.Key `json:"key"`
	TookMS  float64      `json:"took_ms"`
	Skipped bool         `json:"skipped,omitempty"`
	Error   string       `json:"error,omitempty"`
}

type PrewarmResponse struct {
	Results []PrewarmItem `json:"results"`
	Failed  int           `json:"failed"`
}

type PoolResponse struct {
	Buffers  pool.Stats        `json:"buffers"`
	Config   pool.Config       `json:"config"`
	Uniforms pool.UniformStats `json:"uniforms"`
}

type SelectRequest struct {
	Table   string         `json:"table"`
	Context map[string]any `json:"context"`
}

type SelectResponse struct {
	Table string `json:"table"`
	Value string `json:"value"`
	// Rule is the index of the winning rule, -1 for the fallback.
	Rule     int    `json:"rule"`
	RuleName string `json:"rule_name,omitempty"`
}

// AttentionRequest carries row-major Q [query_len, num_heads, head_dim]
// and K/V [kv_rows, num_kv_heads, head_dim]. Mask rows are kv_len wide,
// or kv_rows when kv_len is unset.
type AttentionRequest struct {
	Q             []float32 `json:"q"`
	K             []float32 `json:"k"`
	V             []float32 `json:"v"`
	Mask          []float32 `json:"mask,omitempty"`
	NumHeads      int       `json:"num_heads"`
	NumKVHeads    int       `json:"num_kv_heads,omitempty"`
	HeadDim       int       `json:"head_dim"`
	KVLen         int       `json:"kv_len,omitempty"`
	DType         string    `json:"dtype,omitempty"`
	Causal        bool      `json:"causal,omitempty"`
	SlidingWindow int       `json:"sliding_window,omitempty"`
	Softcap       float32   `json:"softcap,omitempty"`
	Scale         float32   `json:"scale,omitempty"`
	StartPos      int       `json:"start_pos,omitempty"`
	Variant       string    `json:"variant,omitempty"`
	// Check compares the output with the host reference.
	Check bool `json:"check,omitempty"`
}

type AttentionResponse struct {
	ID       string    `json:"id"`
	Variant  string    `json:"variant"`
	Rule     int       `json:"rule"`
	Shape    []int     `json:"shape"`
	Output   []float32 `json:"output"`
	MaxError *float64  `json:"max_error,omitempty"`
	TookMS   float64   `json:"took_ms"`
}
