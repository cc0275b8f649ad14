package kernels

import (
	"embed"
	"io/fs"

	"github.com/samcharles93/kiln/internal/gpu"
	"github.com/samcharles93/kiln/internal/pipeline"
	"github.com/samcharles93/kiln/internal/rules"
)

// Pipeline cache operations.
const (
	OpRMSNorm  = "rmsnorm"
	OpRoPE     = "rope"
	OpAdd      = "residual_add"
	OpMatVec   = "matmul"
	OpRoute    = "moe.route"
	OpGather   = "moe.gather"
	OpScatter  = "moe.scatter"
	libraryTag = "kernels"
)

const (
	VariantRMSNorm        = "rmsnorm"
	VariantRoPE           = "rope"
	VariantRoPEF16        = "rope_f16"
	VariantAdd            = "add"
	VariantQ4GEMV         = "q4_gemv"
	VariantQ4GEMVSubgroup = "q4_gemv_subgroup"
	VariantTopK           = "topk"
	VariantGather         = "gather"
	VariantGatherF16      = "gather_f16"
	VariantScatterAdd     = "scatter_add"
)

// Rule tables.
const (
	RoPETable   = "rope.precision"
	MatVecTable = "matmul.variant"
	GatherTable = "moe.gather.variant"
)

// Limits of the single-workgroup and per-invocation kernels.
const (
	MaxNormWidth = 4096
	MaxExperts   = 256
	MaxTopK      = 8

	normWorkgroup   = 256
	ropeWorkgroup   = 64
	addWorkgroup    = 256
	gemvWorkgroup   = 64
	routeWorkgroup  = 64
	gatherWorkgroup = 256
	subgroupWidth   = 32
)

//go:embed shaders/*.wgsl
var shaderFS embed.FS

func shaders() fs.FS {
	sub, err := fs.Sub(shaderFS, "shaders")
	if err != nil {
		panic(err)
	}
	return sub
}

func eq(field string, v any) rules.Condition {
	return rules.Condition{Field: field, Op: rules.OpEq, Value: v}
}

// RoPEDefaultTable picks the storage precision of the rotation. Context:
// dtype, hasF16, headDim.
func RoPEDefaultTable() *rules.Table[string] {
	return rules.NewTable(RoPETable, VariantRoPE,
		rules.Rule[string]{Name: "f16", Match: rules.Match{eq("dtype", "f16"), eq("hasF16", true)}, Value: VariantRoPEF16},
	)
}

// MatVecDefaultTable: context rows, cols, hasSubgroups.
func MatVecDefaultTable() *rules.Table[string] {
	return rules.NewTable(MatVecTable, VariantQ4GEMV,
		rules.Rule[string]{Name: "subgroup-wide", Match: rules.Match{
			eq("hasSubgroups", true),
			{Field: "cols", Op: rules.OpGte, Value: 256},
		}, Value: VariantQ4GEMVSubgroup},
	)
}

// GatherDefaultTable: context dtype, hasF16, dim.
func GatherDefaultTable() *rules.Table[string] {
	return rules.NewTable(GatherTable, VariantGather,
		rules.Rule[string]{Name: "f16", Match: rules.Match{eq("dtype", "f16"), eq("hasF16", true)}, Value: VariantGatherF16},
	)
}

func elemDefines(elem string) map[string]string {
	if elem == "f16" {
		return map[string]string{"Elem": "f16", "Enable": "enable f16;"}
	}
	return map[string]string{"Elem": "f32", "Enable": ""}
}

func layout(n int, writable ...uint32) []gpu.LayoutEntry {
	entries := []gpu.LayoutEntry{{Binding: 0, Type: gpu.BindingUniform}}
	for b := 1; b < n; b++ {
		typ := gpu.BindingReadOnlyStorage
		for _, w := range writable {
			if uint32(b) == w {
				typ = gpu.BindingStorage
			}
		}
		entries = append(entries, gpu.LayoutEntry{Binding: uint32(b), Type: typ})
	}
	return entries
}

// Library returns every supporting kernel for installation into a
// pipeline cache.
func Library() *pipeline.Library {
	wg := func(n uint32) [3]uint32 { return [3]uint32{n, 1, 1} }
	f16 := []gpu.Feature{gpu.FeatureShaderF16}
	sg := []gpu.Feature{gpu.FeatureSubgroups}
	key := func(op, v string) pipeline.Key { return pipeline.Key{Op: op, Variant: v} }

	return &pipeline.Library{
		Name: libraryTag,
		FS:   shaders(),
		Layouts: map[string][]gpu.LayoutEntry{
			"norm":    layout(4, 3),
			"rope":    layout(2, 1),
			"add":     layout(4, 3),
			"gemv":    layout(5, 4),
			"route":   layout(4, 2, 3),
			"gather":  layout(4, 3),
			"scatter": layout(5, 1),
		},
		Descriptors: map[pipeline.Key]pipeline.Descriptor{
			key(OpRMSNorm, VariantRMSNorm):          {ShaderFile: "rmsnorm.wgsl", EntryPoint: "rmsnorm", WorkgroupSize: wg(normWorkgroup), Layout: "norm"},
			key(OpRoPE, VariantRoPE):                {ShaderFile: "rope.wgsl", EntryPoint: "rope", WorkgroupSize: wg(ropeWorkgroup), Layout: "rope", Defines: elemDefines("f32")},
			key(OpRoPE, VariantRoPEF16):             {ShaderFile: "rope.wgsl", EntryPoint: "rope", WorkgroupSize: wg(ropeWorkgroup), Layout: "rope", Defines: elemDefines("f16"), RequiredFeatures: f16},
			key(OpAdd, VariantAdd):                  {ShaderFile: "residual.wgsl", EntryPoint: "residual_add", WorkgroupSize: wg(addWorkgroup), Layout: "add"},
			key(OpMatVec, VariantQ4GEMV):            {ShaderFile: "matvec_q4.wgsl", EntryPoint: "q4_gemv", WorkgroupSize: wg(gemvWorkgroup), Layout: "gemv"},
			key(OpMatVec, VariantQ4GEMVSubgroup):    {ShaderFile: "matvec_q4_subgroup.wgsl", EntryPoint: "q4_gemv_subgroup", WorkgroupSize: wg(gemvWorkgroup), Layout: "gemv", RequiredFeatures: sg},
			key(OpRoute, VariantTopK):               {ShaderFile: "moe_route.wgsl", EntryPoint: "moe_route", WorkgroupSize: wg(routeWorkgroup), Layout: "route"},
			key(OpGather, VariantGather):            {ShaderFile: "moe_gather.wgsl", EntryPoint: "moe_gather", WorkgroupSize: wg(gatherWorkgroup), Layout: "gather", Defines: elemDefines("f32")},
			key(OpGather, VariantGatherF16):         {ShaderFile: "moe_gather.wgsl", EntryPoint: "moe_gather", WorkgroupSize: wg(gatherWorkgroup), Layout: "gather", Defines: elemDefines("f16"), RequiredFeatures: f16},
			key(OpScatter, VariantScatterAdd):       {ShaderFile: "moe_scatter.wgsl", EntryPoint: "moe_scatter_add", WorkgroupSize: wg(gatherWorkgroup), Layout: "scatter"},
		},
		Kernels: map[pipeline.Key]gpu.HostKernel{
			key(OpRMSNorm, VariantRMSNorm):       rmsNormKernel,
			key(OpRoPE, VariantRoPE):             ropeKernel(false),
			key(OpRoPE, VariantRoPEF16):          ropeKernel(true),
			key(OpAdd, VariantAdd):               addKernel,
			key(OpMatVec, VariantQ4GEMV):         gemvKernel(false),
			key(OpMatVec, VariantQ4GEMVSubgroup): gemvKernel(true),
			key(OpRoute, VariantTopK):            routeKernel,
			key(OpGather, VariantGather):         gatherKernel(false),
			key(OpGather, VariantGatherF16):      gatherKernel(true),
			key(OpScatter, VariantScatterAdd):    scatterKernel,
		},
	}
}
