package attention

import (
	"errors"
	"fmt"
	"math"

	"github.com/samcharles93/kiln/internal/tensor"
)

// ErrConfig reports a shape or option combination that cannot run. It is
// raised before anything is dispatched.
var ErrConfig = errors.New("attention: invalid configuration")

func configErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}

type Options struct {
	// NumKVHeads defaults to the number of query heads.
	NumKVHeads int
	// KVLen is the number of valid key rows; zero means every row of K.
	KVLen int
	// KVLenBuffer holds the valid row count as one u32 on the device, for
	// lengths that change without re-recording. The kernel clamps it to
	// the row capacity of K and V.
	KVLenBuffer *tensor.Tensor
	Causal      bool
	// SlidingWindow limits each query to the last SlidingWindow keys up to
	// and including its own position. Zero disables the window.
	SlidingWindow int
	Softcap       float32
	// StartPos is the absolute position of query row 0.
	StartPos int
	// Scale defaults to 1/sqrt(headDim).
	Scale  float32
	Tiered *Tiered
	// Variant forces a variant instead of consulting the selection table.
	Variant string
}

// Tiered describes a KV sequence split into a quantizable, paged cold
// prefix and a full precision hot ring. Key index j below ColdLen reads
// cold row j; the rest read hot position ColdLen+(j-ColdLen), stored at
// ring slot position mod HotWindow.
type Tiered struct {
	// HotK and HotV are f32 [HotWindow, kvHeads, headDim].
	HotK, HotV tensor.Tensor
	// ColdK and ColdV are f32 [rows, kvHeads, headDim], or u32 words
	// [rows, kvHeads, headDim/8] of packed 4-bit codes when Quantized.
	ColdK, ColdV tensor.Tensor
	// Scales is f32 [rows, kvHeads, 2] holding the K and V scale of each
	// cold row and head. Required when Quantized.
	Scales tensor.Tensor
	// PageTable maps logical cold pages to physical pages. When absent the
	// cold store is addressed directly.
	PageTable *tensor.Tensor
	PageSize  int

	ColdLen   int
	HotLen    int
	HotWindow int
	HotStart  int
	Quantized bool
}

// Len is the total number of keys visible to the tiered kernel.
func (t *Tiered) Len() int { return t.ColdLen + t.HotLen }

// problem is a validated attention call.
type problem struct {
	q, k, v    tensor.Tensor
	mask       *tensor.Tensor
	dtype      tensor.DType
	queryLen   int
	numHeads   int
	numKVHeads int
	headDim    int
	kvCap      int
	params     Params
	tiered     *Tiered
	tparams    TieredParams
}

func (p *problem) outShape() []int { return []int{p.queryLen, p.numHeads, p.headDim} }

func (p *problem) kvLen() int {
	if p.tiered != nil {
		return p.tiered.Len()
	}
	return int(p.params.KVLen)
}

func validate(q, k, v tensor.Tensor, mask *tensor.Tensor, numHeads, headDim int, opts Options) (*problem, error) {
	if numHeads <= 0 || headDim <= 0 {
		return nil, configErr("numHeads %d and headDim %d must be positive", numHeads, headDim)
	}
	if headDim > MaxHeadDim {
		return nil, configErr("headDim %d exceeds %d", headDim, MaxHeadDim)
	}
	numKV := opts.NumKVHeads
	if numKV == 0 {
		numKV = numHeads
	}
	if numKV < 0 || numKV > numHeads || numHeads%numKV != 0 {
		return nil, configErr("numHeads %d is not a multiple of numKVHeads %d", numHeads, numKV)
	}
	if !q.DType.Float() {
		return nil, configErr("query dtype %s", q.DType)
	}
	qElems := q.Elements()
	if qElems == 0 || qElems%(numHeads*headDim) != 0 {
		return nil, configErr("query of %d elements is not a whole number of [%d heads x %d] rows", qElems, numHeads, headDim)
	}
	scale := opts.Scale
	if scale == 0 {
		scale = float32(1 / math.Sqrt(float64(headDim)))
	}
	if opts.SlidingWindow < 0 || opts.StartPos < 0 || opts.KVLen < 0 {
		return nil, configErr("negative window, start position or kv length")
	}
	if opts.Softcap < 0 {
		return nil, configErr("negative softcap %g", opts.Softcap)
	}

	p := &problem{
		q:          q,
		mask:       mask,
		dtype:      q.DType,
		queryLen:   qElems / (numHeads * headDim),
		numHeads:   numHeads,
		numKVHeads: numKV,
		headDim:    headDim,
	}
	p.params = Params{
		NumHeads:   uint32(numHeads),
		NumKVHeads: uint32(numKV),
		HeadDim:    uint32(headDim),
		QueryLen:   uint32(p.queryLen),
		StartPos:   uint32(opts.StartPos),
		Causal:     opts.Causal,
		Window:     uint32(opts.SlidingWindow),
		Scale:      scale,
		Softcap:    opts.Softcap,
	}

	if opts.Tiered != nil {
		if err := p.validateTiered(opts); err != nil {
			return nil, err
		}
	} else if err := p.validateDense(k, v, opts); err != nil {
		return nil, err
	}

	if mask != nil {
		if p.tiered != nil {
			return nil, configErr("tiered attention takes no additive mask")
		}
		if mask.DType != tensor.F32 {
			return nil, configErr("mask dtype %s, want f32", mask.DType)
		}
		// Mask rows are kv_len wide; with a device-resident length that is
		// the capacity.
		if width := int(p.params.KVLen); mask.Elements() != p.queryLen*width {
			return nil, configErr("mask has %d elements, want %d x %d", mask.Elements(), p.queryLen, width)
		}
		p.params.HasMask = true
	}
	return p, nil
}

func (p *problem) validateDense(k, v tensor.Tensor, opts Options) error {
	if k.DType != p.dtype || v.DType != p.dtype {
		return configErr("q/k/v dtypes %s/%s/%s differ", p.dtype, k.DType, v.DType)
	}
	row := p.numKVHeads * p.headDim
	if k.Elements()%row != 0 || k.Elements() != v.Elements() {
		return configErr("k (%d) and v (%d) must both hold whole [%d kv heads x %d] rows", k.Elements(), v.Elements(), p.numKVHeads, p.headDim)
	}
	p.k, p.v = k, v
	p.kvCap = k.Elements() / row
	switch {
	case opts.KVLenBuffer != nil:
		if opts.KVLenBuffer.DType != tensor.U32 {
			return configErr("kv length buffer dtype %s, want u32", opts.KVLenBuffer.DType)
		}
		// The kernel clamps the device value to the capacity.
		p.params.KVLen = uint32(p.kvCap)
		p.params.KVLenFromBuffer = true
	case opts.KVLen > p.kvCap:
		return configErr("kv length %d exceeds cache capacity %d", opts.KVLen, p.kvCap)
	case opts.KVLen > 0:
		p.params.KVLen = uint32(opts.KVLen)
	default:
		p.params.KVLen = uint32(p.kvCap)
	}
	return nil
}

func (p *problem) validateTiered(opts Options) error {
	t := opts.Tiered
	if p.dtype != tensor.F32 {
		return configErr("tiered attention takes f32 queries, got %s", p.dtype)
	}
	if opts.KVLenBuffer != nil {
		return configErr("tiered attention derives its length from the tiers")
	}
	if t.ColdLen < 0 || t.HotLen < 0 || t.HotLen > t.HotWindow {
		return configErr("hot length %d must be within [0, %d]", t.HotLen, t.HotWindow)
	}
	if t.HotStart != t.ColdLen {
		return configErr("hot start %d must equal cold length %d", t.HotStart, t.ColdLen)
	}
	if opts.KVLen != 0 && opts.KVLen != t.Len() {
		return configErr("kv length %d disagrees with tiers %d+%d", opts.KVLen, t.ColdLen, t.HotLen)
	}
	row := p.numKVHeads * p.headDim
	if t.HotWindow > 0 {
		for _, h := range []tensor.Tensor{t.HotK, t.HotV} {
			if h.DType != tensor.F32 || h.Elements() != t.HotWindow*row {
				return configErr("hot tensor %s must be f32 [%d, %d, %d]", h.Label, t.HotWindow, p.numKVHeads, p.headDim)
			}
		}
	}

	coldRows := 0
	if t.ColdLen > 0 {
		if t.Quantized {
			if p.headDim%8 != 0 {
				return configErr("quantized cold storage needs headDim divisible by 8, got %d", p.headDim)
			}
			words := row / 8
			for _, c := range []tensor.Tensor{t.ColdK, t.ColdV} {
				if c.DType != tensor.U32 || c.Elements()%words != 0 {
					return configErr("quantized cold tensor %s must be u32 [rows, %d, %d]", c.Label, p.numKVHeads, p.headDim/8)
				}
			}
			coldRows = t.ColdK.Elements() / words
			if t.Scales.DType != tensor.F32 || t.Scales.Elements() < coldRows*p.numKVHeads*2 {
				return configErr("cold scales must be f32 [%d, %d, 2]", coldRows, p.numKVHeads)
			}
		} else {
			for _, c := range []tensor.Tensor{t.ColdK, t.ColdV} {
				if c.DType != tensor.F32 || c.Elements()%row != 0 {
					return configErr("cold tensor %s must be f32 [rows, %d, %d]", c.Label, p.numKVHeads, p.headDim)
				}
			}
			coldRows = t.ColdK.Elements() / row
		}
		if t.ColdV.Elements() != t.ColdK.Elements() {
			return configErr("cold k and v sizes differ")
		}
	}

	tp := TieredParams{Quantized: t.Quantized}
	if t.PageTable != nil {
		if t.PageSize <= 0 {
			return configErr("page size must be positive with a page table")
		}
		if t.PageTable.DType != tensor.U32 {
			return configErr("page table dtype %s, want u32", t.PageTable.DType)
		}
		pages := t.PageTable.Elements()
		if t.ColdLen > pages*t.PageSize {
			return configErr("cold length %d exceeds %d pages of %d", t.ColdLen, pages, t.PageSize)
		}
		if coldRows%t.PageSize != 0 && t.ColdLen > 0 {
			return configErr("cold storage of %d rows is not whole pages of %d", coldRows, t.PageSize)
		}
		tp.PageSize = uint32(t.PageSize)
		tp.UsePageTable = true
		tp.NumPages = uint32(pages)
	} else if t.ColdLen > coldRows {
		return configErr("cold length %d exceeds cold storage of %d rows", t.ColdLen, coldRows)
	}

	p.tiered = t
	p.tparams = tp
	p.kvCap = t.Len()
	p.params.KVLen = uint32(t.Len())
	p.params.ColdLen = uint32(t.ColdLen)
	p.params.HotLen = uint32(t.HotLen)
	p.params.HotWindow = uint32(t.HotWindow)
	p.params.HotStart = uint32(t.HotStart)
	return nil
}
