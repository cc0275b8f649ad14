package attention

import "math"

// Reference computes attention on the host with a fully materialised
// softmax in float64. q is [queryLen, numHeads, headDim]; k and v are
// [capacity, numKVHeads, headDim]; mask, when non-nil, is [queryLen, kvLen]
// where kvLen is opts.KVLen, or the capacity when it is zero or held in
// opts.KVLenBuffer.
// Only the length, masking, scaling and softcap fields of opts are used.
func Reference(q, k, v, mask []float32, numHeads, numKVHeads, headDim int, opts Options) []float32 {
	queryLen := len(q) / (numHeads * headDim)
	kvCap := 0
	if numKVHeads > 0 {
		kvCap = len(k) / (numKVHeads * headDim)
	}
	kvLen := kvCap
	if opts.KVLen > 0 && opts.KVLen < kvLen {
		kvLen = opts.KVLen
	}
	stride := kvLen
	if opts.KVLenBuffer != nil {
		stride = kvCap
	}
	scale := float64(opts.Scale)
	if scale == 0 {
		scale = 1 / math.Sqrt(float64(headDim))
	}
	group := numHeads / numKVHeads
	out := make([]float32, len(q))
	scores := make([]float64, kvLen)
	live := make([]bool, kvLen)

	for r := range queryLen {
		absQ := opts.StartPos + r
		for h := range numHeads {
			kvh := h / group
			qo := (r*numHeads + h) * headDim
			best := math.Inf(-1)
			for j := range kvLen {
				live[j] = !Masked(opts.Causal, opts.SlidingWindow, absQ, j)
				if !live[j] {
					continue
				}
				ko := (j*numKVHeads + kvh) * headDim
				var dot float64
				for i := range headDim {
					dot += float64(q[qo+i]) * float64(k[ko+i])
				}
				s := dot * scale
				if c := float64(opts.Softcap); c > 0 {
					s = c * math.Tanh(s/c)
				}
				if mask != nil {
					s += float64(mask[r*stride+j])
				}
				if math.IsInf(s, -1) {
					live[j] = false
					continue
				}
				scores[j] = s
				best = math.Max(best, s)
			}
			var sum float64
			for j := range kvLen {
				if live[j] {
					scores[j] = math.Exp(scores[j] - best)
					sum += scores[j]
				}
			}
			if sum == 0 {
				continue
			}
			for i := range headDim {
				var acc float64
				for j := range kvLen {
					if live[j] {
						acc += scores[j] * float64(v[(j*numKVHeads+kvh)*headDim+i])
					}
				}
				out[qo+i] = float32(acc / sum)
			}
		}
	}
	return out
}
