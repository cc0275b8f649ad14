package attention

import (
	"embed"
	"io/fs"
	"strings"

	"github.com/samcharles93/kiln/internal/gpu"
	"github.com/samcharles93/kiln/internal/pipeline"
	"github.com/samcharles93/kiln/internal/rules"
	"github.com/samcharles93/kiln/internal/tensor"
)

// Op is the pipeline cache operation name for attention.
const Op = "attention"

const (
	VariantPrefill           = "prefill"
	VariantPrefillF16        = "prefill_f16"
	VariantDecodeSubgroup    = "decode_subgroup"
	VariantDecodeSubgroupF16 = "decode_subgroup_f16"
	VariantDecodeTiered      = "decode_tiered"
	VariantDecodeTieredQ4    = "decode_tiered_q4"
	VariantDecodeTree        = "decode_tree"
	VariantDecodeTreeF16     = "decode_tree_f16"
)

// Workgroup and tiling constants shared by the shaders and host kernels.
const (
	PrefillBlock  = 32
	DecodeChunk   = 256
	DecodeWorkers = 64
	SubgroupWidth = 32
	// MaxHeadDim bounds the per-invocation accumulators in the shaders.
	MaxHeadDim    = 256
)

const (
	TableName      = "attention.variant"
	standardLayout = "standard"
	tieredLayout   = "tiered"
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

func gt(field string, v any) rules.Condition {
	return rules.Condition{Field: field, Op: rules.OpGt, Value: v}
}

// DefaultTable is the built-in variant selection. Context fields: queryLen,
// kvLen, headDim, hasSubgroups, hasF16, tiered, quantized, dtype.
func DefaultTable() *rules.Table[string] {
	return rules.NewTable(TableName, VariantDecodeTree,
		rules.Rule[string]{Name: "tiered-q4", Match: rules.Match{eq("tiered", true), eq("quantized", true)}, Value: VariantDecodeTieredQ4},
		rules.Rule[string]{Name: "tiered", Match: rules.Match{eq("tiered", true)}, Value: VariantDecodeTiered},
		rules.Rule[string]{Name: "prefill-f16", Match: rules.Match{gt("queryLen", 1), eq("dtype", "f16"), eq("hasF16", true)}, Value: VariantPrefillF16},
		rules.Rule[string]{Name: "prefill", Match: rules.Match{gt("queryLen", 1)}, Value: VariantPrefill},
		rules.Rule[string]{Name: "subgroup-f16", Match: rules.Match{eq("hasSubgroups", true), eq("dtype", "f16"), eq("hasF16", true)}, Value: VariantDecodeSubgroupF16},
		rules.Rule[string]{Name: "subgroup", Match: rules.Match{eq("hasSubgroups", true)}, Value: VariantDecodeSubgroup},
		rules.Rule[string]{Name: "tree-f16", Match: rules.Match{eq("dtype", "f16"), eq("hasF16", true)}, Value: VariantDecodeTreeF16},
	)
}

// SelectionContext builds the rule context for one call.
func SelectionContext(caps gpu.Capabilities, queryLen, kvLen, headDim int, dtype tensor.DType, tiered, quantized bool) rules.Context {
	return rules.Context{
		"queryLen":     queryLen,
		"kvLen":        kvLen,
		"headDim":      headDim,
		"hasSubgroups": caps.HasSubgroupReduction,
		"hasF16":       caps.HasHalfPrecision,
		"tiered":       tiered,
		"quantized":    quantized,
		"dtype":        dtype.String(),
	}
}

// Variants lists every attention variant in registration order.
func Variants() []string {
	return []string{
		VariantPrefill, VariantPrefillF16,
		VariantDecodeSubgroup, VariantDecodeSubgroupF16,
		VariantDecodeTiered, VariantDecodeTieredQ4,
		VariantDecodeTree, VariantDecodeTreeF16,
	}
}

func isF16(variant string) bool { return strings.HasSuffix(variant, "_f16") }

func isTiered(variant string) bool { return strings.HasPrefix(variant, "decode_tiered") }

// checkVariant rejects a variant whose storage format disagrees with the
// call, so a forced or overridden choice can never read the wrong layout.
func checkVariant(variant string, p *problem) error {
	known := false
	for _, v := range Variants() {
		known = known || v == variant
	}
	if !known {
		return configErr("unknown variant %q", variant)
	}
	if isTiered(variant) != (p.tiered != nil) {
		return configErr("variant %s does not match a tiered=%t call", variant, p.tiered != nil)
	}
	if p.tiered != nil && (variant == VariantDecodeTieredQ4) != p.tiered.Quantized {
		return configErr("variant %s does not match quantized=%t cold storage", variant, p.tiered.Quantized)
	}
	if p.tiered == nil && isF16(variant) != (p.dtype == tensor.F16) {
		if p.dtype == tensor.F16 {
			return &gpu.MissingFeatureError{Pipeline: Op + "/" + variant, Features: []gpu.Feature{gpu.FeatureShaderF16}}
		}
		return configErr("variant %s does not take %s tensors", variant, p.dtype)
	}
	return nil
}

func defines(elem string) map[string]string {
	if elem == "f16" {
		return map[string]string{"Elem": "f16", "Enable": "enable f16;"}
	}
	return map[string]string{"Elem": "f32", "Enable": ""}
}

func subgroupDefines(elem string) map[string]string {
	d := defines(elem)
	if elem == "f16" {
		d["Enable"] = "enable f16, subgroups;"
	} else {
		d["Enable"] = "enable subgroups;"
	}
	return d
}

// Library returns the attention kernels for installation into a pipeline
// cache.
func Library() *pipeline.Library {
	wg := func(n uint32) [3]uint32 { return [3]uint32{n, 1, 1} }
	f16 := []gpu.Feature{gpu.FeatureShaderF16}
	sg := []gpu.Feature{gpu.FeatureSubgroups}
	sgf16 := []gpu.Feature{gpu.FeatureShaderF16, gpu.FeatureSubgroups}

	key := func(v string) pipeline.Key { return pipeline.Key{Op: Op, Variant: v} }
	return &pipeline.Library{
		Name: Op,
		FS:   shaders(),
		Layouts: map[string][]gpu.LayoutEntry{
			standardLayout: {
				{Binding: 0, Type: gpu.BindingUniform},
				{Binding: 1, Type: gpu.BindingReadOnlyStorage},
				{Binding: 2, Type: gpu.BindingReadOnlyStorage},
				{Binding: 3, Type: gpu.BindingReadOnlyStorage},
				{Binding: 4, Type: gpu.BindingStorage},
				{Binding: 5, Type: gpu.BindingReadOnlyStorage},
				{Binding: 6, Type: gpu.BindingReadOnlyStorage},
			},
			tieredLayout: {
				{Binding: 0, Type: gpu.BindingUniform},
				{Binding: 1, Type: gpu.BindingUniform},
				{Binding: 2, Type: gpu.BindingReadOnlyStorage},
				{Binding: 3, Type: gpu.BindingReadOnlyStorage},
				{Binding: 4, Type: gpu.BindingReadOnlyStorage},
				{Binding: 5, Type: gpu.BindingReadOnlyStorage},
				{Binding: 6, Type: gpu.BindingReadOnlyStorage},
				{Binding: 7, Type: gpu.BindingReadOnlyStorage},
				{Binding: 8, Type: gpu.BindingReadOnlyStorage},
				{Binding: 9, Type: gpu.BindingStorage},
			},
		},
		Descriptors: map[pipeline.Key]pipeline.Descriptor{
			key(VariantPrefill):           {ShaderFile: "prefill.wgsl", EntryPoint: "attention_prefill", WorkgroupSize: wg(PrefillBlock), Layout: standardLayout, Defines: defines("f32")},
			key(VariantPrefillF16):        {ShaderFile: "prefill.wgsl", EntryPoint: "attention_prefill", WorkgroupSize: wg(PrefillBlock), Layout: standardLayout, Defines: defines("f16"), RequiredFeatures: f16},
			key(VariantDecodeSubgroup):    {ShaderFile: "decode_subgroup.wgsl", EntryPoint: "attention_decode_subgroup", WorkgroupSize: wg(DecodeWorkers), Layout: standardLayout, Defines: subgroupDefines("f32"), RequiredFeatures: sg},
			key(VariantDecodeSubgroupF16): {ShaderFile: "decode_subgroup.wgsl", EntryPoint: "attention_decode_subgroup", WorkgroupSize: wg(DecodeWorkers), Layout: standardLayout, Defines: subgroupDefines("f16"), RequiredFeatures: sgf16},
			key(VariantDecodeTree):        {ShaderFile: "decode_tree.wgsl", EntryPoint: "attention_decode_tree", WorkgroupSize: wg(DecodeWorkers), Layout: standardLayout, Defines: defines("f32")},
			key(VariantDecodeTreeF16):     {ShaderFile: "decode_tree.wgsl", EntryPoint: "attention_decode_tree", WorkgroupSize: wg(DecodeWorkers), Layout: standardLayout, Defines: defines("f16"), RequiredFeatures: f16},
			key(VariantDecodeTiered):      {ShaderFile: "decode_tiered.wgsl", EntryPoint: "attention_decode_tiered", WorkgroupSize: wg(DecodeWorkers), Layout: tieredLayout},
			key(VariantDecodeTieredQ4):    {ShaderFile: "decode_tiered.wgsl", EntryPoint: "attention_decode_tiered_q4", WorkgroupSize: wg(DecodeWorkers), Layout: tieredLayout},
		},
		Kernels: map[pipeline.Key]gpu.HostKernel{
			key(VariantPrefill):           standardKernel(false, prefillStrategy),
			key(VariantPrefillF16):        standardKernel(true, prefillStrategy),
			key(VariantDecodeSubgroup):    standardKernel(false, subgroupStrategy),
			key(VariantDecodeSubgroupF16): standardKernel(true, subgroupStrategy),
			key(VariantDecodeTree):        standardKernel(false, treeStrategy),
			key(VariantDecodeTreeF16):     standardKernel(true, treeStrategy),
			key(VariantDecodeTiered):      tieredKernel,
			key(VariantDecodeTieredQ4):    tieredKernel,
		},
	}
}
