package kernels

import (
	"fmt"
	"math"

	"github.com/samcharles93/kiln/internal/gpu"
	"github.com/samcharles93/kiln/pkg/quant"
)

// Host bodies of the WGSL kernels, used by the soft device. Each covers
// only the invocations its workgroup grid reaches.

func need(inv *gpu.Invocation, what string, have, want int) error {
	if have < want {
		return fmt.Errorf("%s: %s holds %d elements, need %d", inv.Label, what, have, want)
	}
	return nil
}

// reach is the number of invocations along x for a workgroup size.
func reach(inv *gpu.Invocation, size int) int {
	return int(inv.Workgroups[0]) * size
}

// rmsNormKernel: 0 params, 1 x, 2 weight, 3 out. One workgroup per row.
func rmsNormKernel(inv *gpu.Invocation) error {
	words, err := inv.U32(0)
	if err != nil {
		return err
	}
	p := decodeNorm(words)
	x, err := inv.F32(1)
	if err != nil {
		return err
	}
	w, err := inv.F32(2)
	if err != nil {
		return err
	}
	rows, n := int(p.Rows), int(p.N)
	if err := need(inv, "x", len(x), rows*n); err != nil {
		return err
	}
	if err := need(inv, "weight", len(w), n); err != nil {
		return err
	}
	out := make([]float32, rows*n)
	for r := 0; r < min(rows, int(inv.Workgroups[0])); r++ {
		RMSNormRow(out[r*n:(r+1)*n], x[r*n:(r+1)*n], w, p.Eps)
	}
	return inv.Store(3, out)
}

// RMSNormRow writes x * rsqrt(mean(x^2) + eps) * weight into dst, summing
// squares in lane strides the way the shader's reduction does.
func RMSNormRow(dst, x, weight []float32, eps float32) {
	var lanes [normWorkgroup]float32
	for i, v := range x {
		lanes[i%normWorkgroup] += v * v
	}
	for stride := normWorkgroup / 2; stride > 0; stride /= 2 {
		for i := range stride {
			lanes[i] += lanes[i+stride]
		}
	}
	scale := float32(1 / math.Sqrt(float64(lanes[0]/float32(len(x))+eps)))
	for i, v := range x {
		dst[i] = v * scale * weight[i]
	}
}

// ropeKernel: 0 params, 1 x (in place). One invocation per rotated pair.
func ropeKernel(half bool) gpu.HostKernel {
	return func(inv *gpu.Invocation) error {
		words, err := inv.U32(0)
		if err != nil {
			return err
		}
		p := decodeRoPE(words)
		read, store := inv.F32, inv.Store
		if half {
			read, store = inv.F16, inv.StoreF16
		}
		x, err := read(1)
		if err != nil {
			return err
		}
		d, heads := int(p.HeadDim), int(p.NumHeads)
		total := int(p.SeqLen) * heads * d / 2
		if err := need(inv, "x", len(x), total*2); err != nil {
			return err
		}
		for id := 0; id < min(total, reach(inv, ropeWorkgroup)); id++ {
			pair := id % (d / 2)
			vec := id / (d / 2)
			row := vec / heads
			off := vec*d + 2*pair
			x[off], x[off+1] = rotate(x[off], x[off+1], int(p.Pos)+row, pair, d, p.Theta)
		}
		return store(1, x)
	}
}

// rotate applies the rotation of pair i at position pos. The frequency is
// theta^(-2i/headDim) and the pair is (x0, x1) = (x[2i], x[2i+1]).
func rotate(x0, x1 float32, pos, i, headDim int, theta float32) (float32, float32) {
	invFreq := math.Pow(float64(theta), -2*float64(i)/float64(headDim))
	s, c := math.Sincos(float64(pos) * invFreq)
	sin, cos := float32(s), float32(c)
	return x0*cos - x1*sin, x0*sin + x1*cos
}

// addKernel: 0 params, 1 a, 2 b, 3 out.
func addKernel(inv *gpu.Invocation) error {
	words, err := inv.U32(0)
	if err != nil {
		return err
	}
	n := int(words[0])
	a, err := inv.F32(1)
	if err != nil {
		return err
	}
	b, err := inv.F32(2)
	if err != nil {
		return err
	}
	if err := need(inv, "a", len(a), n); err != nil {
		return err
	}
	if err := need(inv, "b", len(b), n); err != nil {
		return err
	}
	out := make([]float32, n)
	for i := 0; i < min(n, reach(inv, addWorkgroup)); i++ {
		out[i] = a[i] + b[i]
	}
	return inv.Store(3, out)
}

// gemvKernel: 0 params, 1 codes, 2 scales, 3 x, 4 out. The plain variant
// gives each invocation a row; the subgroup variant splits a row's blocks
// over SubgroupWidth lanes and sums the lane partials.
func gemvKernel(subgroup bool) gpu.HostKernel {
	return func(inv *gpu.Invocation) error {
		words, err := inv.U32(0)
		if err != nil {
			return err
		}
		p := decodeMatVec(words)
		codes, err := inv.U32(1)
		if err != nil {
			return err
		}
		scales, err := inv.F32(2)
		if err != nil {
			return err
		}
		x, err := inv.F32(3)
		if err != nil {
			return err
		}
		rows, cols, blocks := int(p.Rows), int(p.Cols), int(p.Blocks)
		if err := need(inv, "codes", len(codes), rows*blocks*quant.WordsPerBlock); err != nil {
			return err
		}
		if err := need(inv, "scales", len(scales), rows*blocks); err != nil {
			return err
		}
		if err := need(inv, "x", len(x), cols); err != nil {
			return err
		}
		reached := reach(inv, gemvWorkgroup)
		if subgroup {
			reached = int(inv.Workgroups[0]) * (gemvWorkgroup / subgroupWidth)
		}
		out := make([]float32, rows)
		var q [quant.BlockSize]int8
		for r := 0; r < min(rows, reached); r++ {
			if !subgroup {
				var sum float32
				for b := range blocks {
					blk := r*blocks + b
					quant.DecodeBlock4(&q, codes[blk*quant.WordsPerBlock:])
					sum += quant.DotBlock(&q, x[b*quant.BlockSize:], scales[blk])
				}
				out[r] = sum
				continue
			}
			var lanes [subgroupWidth]float32
			for b := range blocks {
				blk := r*blocks + b
				quant.DecodeBlock4(&q, codes[blk*quant.WordsPerBlock:])
				lanes[b%subgroupWidth] += quant.DotBlock(&q, x[b*quant.BlockSize:], scales[blk])
			}
			var sum float32
			for _, v := range lanes {
				sum += v
			}
			out[r] = sum
		}
		return inv.Store(4, out)
	}
}

// routeKernel: 0 params, 1 logits, 2 indices, 3 weights. One invocation
// per token.
func routeKernel(inv *gpu.Invocation) error {
	words, err := inv.U32(0)
	if err != nil {
		return err
	}
	p := decodeRoute(words)
	logits, err := inv.F32(1)
	if err != nil {
		return err
	}
	tokens, experts, k := int(p.Tokens), int(p.Experts), int(p.TopK)
	if err := need(inv, "logits", len(logits), tokens*experts); err != nil {
		return err
	}
	indices := make([]uint32, tokens*k)
	weights := make([]float32, tokens*k)
	for t := 0; t < min(tokens, reach(inv, routeWorkgroup)); t++ {
		RouteToken(indices[t*k:(t+1)*k], weights[t*k:(t+1)*k], logits[t*experts:(t+1)*experts])
	}
	if err := inv.StoreU32(2, indices); err != nil {
		return err
	}
	return inv.Store(3, weights)
}

// RouteToken takes the softmax of logits, keeps the len(idx) largest
// probabilities (ties to the lower expert) and renormalizes them to sum
// to one.
func RouteToken(idx []uint32, w []float32, logits []float32) {
	maxv := float32(math.Inf(-1))
	for _, v := range logits {
		maxv = max(maxv, v)
	}
	var sum float32
	probs := make([]float32, len(logits))
	for i, v := range logits {
		probs[i] = float32(math.Exp(float64(v - maxv)))
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}

	k := len(idx)
	n := 0
	for e, pr := range probs {
		if n == k && pr <= w[k-1] {
			continue
		}
		pos := n
		if n < k {
			n++
		} else {
			pos = k - 1
		}
		for pos > 0 && pr > w[pos-1] {
			w[pos], idx[pos] = w[pos-1], idx[pos-1]
			pos--
		}
		w[pos], idx[pos] = pr, uint32(e)
	}
	var kept float32
	for _, v := range w {
		kept += v
	}
	if kept > 0 {
		for i := range w {
			w[i] /= kept
		}
	}
}

// gatherKernel: 0 params, 1 src, 2 indices, 3 out. Out of range indices
// produce zero rows.
func gatherKernel(half bool) gpu.HostKernel {
	return func(inv *gpu.Invocation) error {
		words, err := inv.U32(0)
		if err != nil {
			return err
		}
		p := decodeRows(words)
		read, store := inv.F32, inv.Store
		if half {
			read, store = inv.F16, inv.StoreF16
		}
		src, err := read(1)
		if err != nil {
			return err
		}
		idx, err := inv.U32(2)
		if err != nil {
			return err
		}
		rows, dim, count := int(p.Rows), int(p.Dim), int(p.Count)
		if err := need(inv, "src", len(src), rows*dim); err != nil {
			return err
		}
		if err := need(inv, "indices", len(idx), count); err != nil {
			return err
		}
		out := make([]float32, count*dim)
		for id := 0; id < min(count*dim, reach(inv, gatherWorkgroup)); id++ {
			i, c := id/dim, id%dim
			if r := int(idx[i]); r < rows {
				out[id] = src[r*dim+c]
			}
		}
		return store(3, out)
	}
}

// scatterKernel: 0 params, 1 dst (accumulated in place), 2 src, 3 indices,
// 4 weights. One invocation per dst element walks every entry in order, so
// the sum is deterministic without atomics.
func scatterKernel(inv *gpu.Invocation) error {
	words, err := inv.U32(0)
	if err != nil {
		return err
	}
	p := decodeRows(words)
	dst, err := inv.F32(1)
	if err != nil {
		return err
	}
	src, err := inv.F32(2)
	if err != nil {
		return err
	}
	idx, err := inv.U32(3)
	if err != nil {
		return err
	}
	w, err := inv.F32(4)
	if err != nil {
		return err
	}
	rows, dim, count := int(p.Rows), int(p.Dim), int(p.Count)
	if err := need(inv, "dst", len(dst), rows*dim); err != nil {
		return err
	}
	if err := need(inv, "src", len(src), count*dim); err != nil {
		return err
	}
	if err := need(inv, "indices", len(idx), count); err != nil {
		return err
	}
	if err := need(inv, "weights", len(w), count); err != nil {
		return err
	}
	for id := 0; id < min(rows*dim, reach(inv, gatherWorkgroup)); id++ {
		r, c := id/dim, id%dim
		acc := dst[id]
		for i := range count {
			if int(idx[i]) == r {
				acc += w[i] * src[i*dim+c]
			}
		}
		dst[id] = acc
	}
	return inv.Store(1, dst)
}
