package attention

import (
	"fmt"
	"math"

	"github.com/samcharles93/kiln/internal/gpu"
	"github.com/samcharles93/kiln/pkg/quant"
)

// The host kernels below execute the WGSL variants on the soft device.
// Each follows the reduction order of its shader so that variant specific
// bugs (block rescaling, lane merges, tree strides) show up in tests.

var negInf = float32(math.Inf(-1))

// kvSource yields key and value rows. Returned slices are only valid until
// the next call for the same tensor.
type kvSource interface {
	key(j, kvHead int) []float32
	value(j, kvHead int) []float32
}

type view struct {
	p      Params
	q      []float32
	mask   []float32
	kvLen  int
	group  int
	src    kvSource
	out    []float32
	scores []float32
}

func newView(p Params, q []float32, src kvSource, kvLen int) *view {
	group := 1
	if p.NumKVHeads > 0 {
		group = int(p.NumHeads / p.NumKVHeads)
	}
	return &view{
		p:     p,
		q:     q,
		kvLen: kvLen,
		group: group,
		src:   src,
		out:   make([]float32, int(p.QueryLen*p.NumHeads*p.HeadDim)),
	}
}

func (vw *view) query(row, h int) []float32 {
	d := int(vw.p.HeadDim)
	off := (row*int(vw.p.NumHeads) + h) * d
	return vw.q[off : off+d]
}

func (vw *view) dst(row, h int) []float32 {
	d := int(vw.p.HeadDim)
	off := (row*int(vw.p.NumHeads) + h) * d
	return vw.out[off : off+d]
}

// Masked reports whether key position absK is hidden from query absQ.
func Masked(causal bool, window, absQ, absK int) bool {
	if causal && absK > absQ {
		return true
	}
	return window > 0 && absK < absQ-window+1
}

// score returns the post-scale, post-softcap, post-mask logit of (row, h)
// against key j, and false when the key does not participate.
func (vw *view) score(row, h, j int, q []float32) (float32, bool) {
	absQ := int(vw.p.StartPos) + row
	if Masked(vw.p.Causal, int(vw.p.Window), absQ, j) {
		return negInf, false
	}
	k := vw.src.key(j, h/vw.group)
	var dot float32
	for i, qv := range q {
		dot += qv * k[i]
	}
	s := dot * vw.p.Scale
	if c := vw.p.Softcap; c > 0 {
		s = c * float32(math.Tanh(float64(s/c)))
	}
	if vw.mask != nil {
		s += vw.mask[row*int(vw.p.KVLen)+j]
	}
	if s == negInf {
		return negInf, false
	}
	return s, true
}

func exp32(x float32) float32 { return float32(math.Exp(float64(x))) }

// rescale is exp(old-new) with an empty running state mapping to zero.
func rescale(old, cur float32) float32 {
	if old == negInf {
		return 0
	}
	return exp32(old - cur)
}

// online is the streaming softmax state of one (row, head).
type online struct {
	m, l float32
	acc  []float32
}

func newOnline(d int) online {
	return online{m: negInf, acc: make([]float32, d)}
}

// merge folds a partial state (m2, l2, acc2) computed against its own max.
func (o *online) merge(m2, l2 float32, acc2 []float32) {
	if m2 == negInf {
		return
	}
	m := max(o.m, m2)
	fa, fb := rescale(o.m, m), rescale(m2, m)
	o.l = o.l*fa + l2*fb
	for i := range o.acc {
		o.acc[i] = o.acc[i]*fa + acc2[i]*fb
	}
	o.m = m
}

// finish writes acc/l, or zeros when nothing participated.
func (o *online) finish(dst []float32) {
	var inv float32
	if o.l > 0 {
		inv = 1 / o.l
	}
	for i := range dst {
		dst[i] = o.acc[i] * inv
	}
}

type strategy func(vw *view, wx, wy uint32)

// prefillStrategy handles one head and a block of PrefillBlock query rows,
// walking the keys in blocks of PrefillBlock with per-row running state.
func prefillStrategy(vw *view, head, block uint32) {
	h := int(head)
	first := int(block) * PrefillBlock
	last := min(first+PrefillBlock, int(vw.p.QueryLen))
	if first >= last {
		return
	}
	d := int(vw.p.HeadDim)
	states := make([]online, last-first)
	for i := range states {
		states[i] = newOnline(d)
	}
	var s [PrefillBlock]float32
	var ok [PrefillBlock]bool
	for kb := 0; kb < vw.kvLen; kb += PrefillBlock {
		n := min(PrefillBlock, vw.kvLen-kb)
		for r := first; r < last; r++ {
			st := &states[r-first]
			q := vw.query(r, h)
			mb := negInf
			for t := 0; t < n; t++ {
				s[t], ok[t] = vw.score(r, h, kb+t, q)
				if ok[t] {
					mb = max(mb, s[t])
				}
			}
			if mb == negInf {
				continue
			}
			m := max(st.m, mb)
			f := rescale(st.m, m)
			st.l *= f
			for i := range st.acc {
				st.acc[i] *= f
			}
			for t := 0; t < n; t++ {
				if !ok[t] {
					continue
				}
				p := exp32(s[t] - m)
				st.l += p
				v := vw.src.value(kb+t, h/vw.group)
				for i := range st.acc {
					st.acc[i] += p * v[i]
				}
			}
			st.m = m
		}
	}
	for r := first; r < last; r++ {
		states[r-first].finish(vw.dst(r, h))
	}
}

// subgroupStrategy handles one (head, row). The keys are walked in chunks
// of DecodeChunk; inside a chunk DecodeWorkers lanes take strided keys, lanes
// reduce within subgroups of SubgroupWidth and the subgroup results are
// combined once per chunk.
func subgroupStrategy(vw *view, head, row uint32) {
	h, r := int(head), int(row)
	if r >= int(vw.p.QueryLen) {
		return
	}
	d := int(vw.p.HeadDim)
	q := vw.query(r, h)
	run := newOnline(d)
	if cap(vw.scores) < DecodeChunk {
		vw.scores = make([]float32, DecodeChunk)
	}
	scores := vw.scores[:DecodeChunk]
	ok := make([]bool, DecodeChunk)
	laneMax := make([]float32, DecodeWorkers)
	laneSum := make([]float32, DecodeWorkers)
	laneAcc := make([][]float32, DecodeWorkers)
	for i := range laneAcc {
		laneAcc[i] = make([]float32, d)
	}

	for c := 0; c < vw.kvLen; c += DecodeChunk {
		n := min(DecodeChunk, vw.kvLen-c)
		for lane := range DecodeWorkers {
			laneMax[lane] = negInf
			for t := lane; t < n; t += DecodeWorkers {
				scores[t], ok[t] = vw.score(r, h, c+t, q)
				if ok[t] {
					laneMax[lane] = max(laneMax[lane], scores[t])
				}
			}
		}
		// subgroupMax, then the workgroup max across subgroups.
		mc := negInf
		for sg := 0; sg < DecodeWorkers; sg += SubgroupWidth {
			sgMax := negInf
			for lane := sg; lane < sg+SubgroupWidth; lane++ {
				sgMax = max(sgMax, laneMax[lane])
			}
			mc = max(mc, sgMax)
		}
		if mc == negInf {
			continue
		}
		for lane := range DecodeWorkers {
			laneSum[lane] = 0
			clear(laneAcc[lane])
			for t := lane; t < n; t += DecodeWorkers {
				if !ok[t] {
					continue
				}
				p := exp32(scores[t] - mc)
				laneSum[lane] += p
				v := vw.src.value(c+t, h/vw.group)
				for i := range d {
					laneAcc[lane][i] += p * v[i]
				}
			}
		}
		var lc float32
		accC := make([]float32, d)
		for sg := 0; sg < DecodeWorkers; sg += SubgroupWidth {
			var sgSum float32
			sgAcc := make([]float32, d)
			for lane := sg; lane < sg+SubgroupWidth; lane++ {
				sgSum += laneSum[lane]
				for i := range d {
					sgAcc[i] += laneAcc[lane][i]
				}
			}
			lc += sgSum
			for i := range d {
				accC[i] += sgAcc[i]
			}
		}
		run.merge(mc, lc, accC)
	}
	run.finish(vw.dst(r, h))
}

// treeReduce folds vals pairwise with the stride halving each round, the
// order of a workgroup tree reduction. vals is overwritten.
func treeReduce(vals []float32, op func(a, b float32) float32) float32 {
	for stride := len(vals) / 2; stride > 0; stride /= 2 {
		for i := range stride {
			vals[i] = op(vals[i], vals[i+stride])
		}
	}
	return vals[0]
}

func maxf(a, b float32) float32 { return max(a, b) }
func addf(a, b float32) float32 { return a + b }

// treeStrategy handles one (head, row) in three passes: lane maxima over
// strided keys tree-reduced to one max, lane sums against that max
// tree-reduced to the denominator, then every key in order per output dim.
func treeStrategy(vw *view, head, row uint32) {
	h, r := int(head), int(row)
	if r >= int(vw.p.QueryLen) {
		return
	}
	d := int(vw.p.HeadDim)
	q := vw.query(r, h)
	if cap(vw.scores) < vw.kvLen {
		vw.scores = make([]float32, vw.kvLen)
	}
	scores := vw.scores[:vw.kvLen]
	ok := make([]bool, vw.kvLen)
	for j := range scores {
		scores[j], ok[j] = vw.score(r, h, j, q)
	}

	lanes := make([]float32, DecodeWorkers)
	for lane := range lanes {
		lanes[lane] = negInf
		for j := lane; j < vw.kvLen; j += DecodeWorkers {
			if ok[j] {
				lanes[lane] = max(lanes[lane], scores[j])
			}
		}
	}
	gmax := treeReduce(lanes, maxf)

	for lane := range lanes {
		lanes[lane] = 0
		for j := lane; j < vw.kvLen; j += DecodeWorkers {
			if ok[j] {
				lanes[lane] += exp32(scores[j] - gmax)
			}
		}
	}
	total := treeReduce(lanes, addf)

	dst := vw.dst(r, h)
	if total <= 0 || gmax == negInf {
		clear(dst)
		return
	}
	acc := make([]float32, d)
	for j := range vw.kvLen {
		if !ok[j] {
			continue
		}
		p := exp32(scores[j] - gmax)
		v := vw.src.value(j, h/vw.group)
		for i := range acc {
			acc[i] += p * v[i]
		}
	}
	inv := 1 / total
	for i := range dst {
		dst[i] = acc[i] * inv
	}
}

// blockStrategy handles one (head, row) in blocks of DecodeWorkers keys,
// one key per lane. The block max and block sum are tree-reduced and the
// values are accumulated per output dim in key order.
func blockStrategy(vw *view, head, row uint32) {
	h, r := int(head), int(row)
	if r >= int(vw.p.QueryLen) {
		return
	}
	d := int(vw.p.HeadDim)
	q := vw.query(r, h)
	var s, w, red [DecodeWorkers]float32
	var ok [DecodeWorkers]bool
	block := make([]float32, d)
	run := newOnline(d)

	for c := 0; c < vw.kvLen; c += DecodeWorkers {
		for t := range DecodeWorkers {
			s[t], ok[t] = negInf, false
			if c+t < vw.kvLen {
				s[t], ok[t] = vw.score(r, h, c+t, q)
			}
			red[t] = s[t]
		}
		mb := treeReduce(red[:], maxf)
		if mb == negInf {
			continue
		}
		m := max(run.m, mb)
		for t := range DecodeWorkers {
			w[t] = 0
			if ok[t] {
				w[t] = exp32(s[t] - m)
			}
			red[t] = w[t]
		}
		sum := treeReduce(red[:], addf)
		clear(block)
		for t := range DecodeWorkers {
			if w[t] == 0 {
				continue
			}
			v := vw.src.value(c+t, h/vw.group)
			for i := range block {
				block[i] += w[t] * v[i]
			}
		}
		f := rescale(run.m, m)
		run.l = run.l*f + sum
		for i := range run.acc {
			run.acc[i] = run.acc[i]*f + block[i]
		}
		run.m = m
	}
	run.finish(vw.dst(r, h))
}

// denseSource reads K and V laid out as [kvLen, kvHeads, headDim].
type denseSource struct {
	k, v   []float32
	kvHead int
	d      int
}

func (s *denseSource) key(j, kvh int) []float32 {
	off := (j*s.kvHead + kvh) * s.d
	return s.k[off : off+s.d]
}

func (s *denseSource) value(j, kvh int) []float32 {
	off := (j*s.kvHead + kvh) * s.d
	return s.v[off : off+s.d]
}

func need(inv *gpu.Invocation, what string, have, want int) error {
	if have < want {
		return fmt.Errorf("%s: %s holds %d elements, need %d", inv.Label, what, have, want)
	}
	return nil
}

// standardKernel adapts a strategy to the standard binding layout:
// 0 params, 1 q, 2 k, 3 v, 4 out, 5 mask, 6 kv length.
func standardKernel(half bool, run strategy) gpu.HostKernel {
	return func(inv *gpu.Invocation) error {
		words, err := inv.U32(0)
		if err != nil {
			return err
		}
		p := DecodeParams(words)
		read := inv.F32
		if half {
			read = inv.F16
		}
		q, err := read(1)
		if err != nil {
			return err
		}
		k, err := read(2)
		if err != nil {
			return err
		}
		v, err := read(3)
		if err != nil {
			return err
		}
		d, nh, nkv := int(p.HeadDim), int(p.NumHeads), int(p.NumKVHeads)
		kvLen := int(p.KVLen)
		if p.KVLenFromBuffer {
			n, err := inv.U32(6)
			if err != nil {
				return err
			}
			if len(n) > 0 {
				kvLen = min(kvLen, int(n[0]))
			}
		}
		if err := need(inv, "q", len(q), int(p.QueryLen)*nh*d); err != nil {
			return err
		}
		if err := need(inv, "k", len(k), kvLen*nkv*d); err != nil {
			return err
		}
		if err := need(inv, "v", len(v), kvLen*nkv*d); err != nil {
			return err
		}

		vw := newView(p, q, &denseSource{k: k, v: v, kvHead: nkv, d: d}, kvLen)
		if p.HasMask {
			mask, err := inv.F32(5)
			if err != nil {
				return err
			}
			if err := need(inv, "mask", len(mask), int(p.QueryLen*p.KVLen)); err != nil {
				return err
			}
			vw.mask = mask
		}
		for wy := range inv.Workgroups[1] {
			for wx := range inv.Workgroups[0] {
				if int(wx) < nh {
					run(vw, wx, wy)
				}
			}
		}
		if half {
			return inv.StoreF16(4, vw.out)
		}
		return inv.Store(4, vw.out)
	}
}

// tieredSource addresses cold rows through the optional page table and
// optional 4-bit codes, and hot rows through the ring.
type tieredSource struct {
	p       Params
	tp      TieredParams
	d       int
	kvHeads int

	hotK, hotV   []float32
	coldK, coldV []float32
	qK, qV       []uint32
	scales       []float32
	pages        []uint32

	kbuf, vbuf []float32
}

func (s *tieredSource) coldRow(j int) int {
	if !s.tp.UsePageTable {
		return j
	}
	ps := int(s.tp.PageSize)
	return int(s.pages[j/ps])*ps + j%ps
}

func (s *tieredSource) hotSlot(j int) int {
	pos := int(s.p.HotStart) + (j - int(s.p.ColdLen))
	return pos % int(s.p.HotWindow)
}

func (s *tieredSource) read(j, kvh int, hot, cold []float32, packed []uint32, which int, buf []float32) []float32 {
	if j >= int(s.p.ColdLen) {
		off := (s.hotSlot(j)*s.kvHeads + kvh) * s.d
		return hot[off : off+s.d]
	}
	row := s.coldRow(j)
	if !s.tp.Quantized {
		off := (row*s.kvHeads + kvh) * s.d
		return cold[off : off+s.d]
	}
	words := s.d / quant.ValuesPerWord
	off := (row*s.kvHeads + kvh) * words
	scale := s.scales[(row*s.kvHeads+kvh)*2+which]
	quant.DequantizeRow(buf, packed[off:off+words], scale)
	return buf
}

func (s *tieredSource) key(j, kvh int) []float32 {
	return s.read(j, kvh, s.hotK, s.coldK, s.qK, 0, s.kbuf)
}

func (s *tieredSource) value(j, kvh int) []float32 {
	return s.read(j, kvh, s.hotV, s.coldV, s.qV, 1, s.vbuf)
}

// check verifies every address the dispatch will touch is in range.
func (s *tieredSource) check(label string) error {
	var coldRows int
	if s.tp.Quantized {
		coldRows = len(s.qK) / max(1, s.kvHeads*s.d/quant.ValuesPerWord)
	} else {
		coldRows = len(s.coldK) / max(1, s.kvHeads*s.d)
	}
	for j := 0; j < int(s.p.ColdLen); j++ {
		if s.tp.UsePageTable && j/int(s.tp.PageSize) >= len(s.pages) {
			return fmt.Errorf("%s: cold key %d has no page table entry", label, j)
		}
		if row := s.coldRow(j); row >= coldRows {
			return fmt.Errorf("%s: cold key %d maps to row %d of %d", label, j, row, coldRows)
		}
	}
	if s.p.HotLen > 0 && len(s.hotK) < int(s.p.HotWindow)*s.kvHeads*s.d {
		return fmt.Errorf("%s: hot ring smaller than its window", label)
	}
	return nil
}

// tieredKernel runs the blocked online decode over cold_len+hot_len keys.
// Bindings: 0 params, 1 tiered params, 2 q, 3 hot k, 4 hot v, 5 cold k,
// 6 cold v, 7 scales, 8 page table, 9 out.
func tieredKernel(inv *gpu.Invocation) error {
	words, err := inv.U32(0)
	if err != nil {
		return err
	}
	p := DecodeParams(words)
	tw, err := inv.U32(1)
	if err != nil {
		return err
	}
	tp := DecodeTieredParams(tw)
	d, nkv := int(p.HeadDim), int(p.NumKVHeads)
	src := &tieredSource{p: p, tp: tp, d: d, kvHeads: nkv, kbuf: make([]float32, d), vbuf: make([]float32, d)}

	q, err := inv.F32(2)
	if err != nil {
		return err
	}
	if src.hotK, err = inv.F32(3); err != nil {
		return err
	}
	if src.hotV, err = inv.F32(4); err != nil {
		return err
	}
	if tp.Quantized {
		if src.qK, err = inv.U32(5); err != nil {
			return err
		}
		if src.qV, err = inv.U32(6); err != nil {
			return err
		}
		if src.scales, err = inv.F32(7); err != nil {
			return err
		}
	} else {
		if src.coldK, err = inv.F32(5); err != nil {
			return err
		}
		if src.coldV, err = inv.F32(6); err != nil {
			return err
		}
	}
	if tp.UsePageTable {
		if src.pages, err = inv.U32(8); err != nil {
			return err
		}
		src.pages = src.pages[:min(len(src.pages), int(tp.NumPages))]
	}
	if err := src.check(inv.Label); err != nil {
		return err
	}
	if err := need(inv, "q", len(q), int(p.QueryLen*p.NumHeads)*d); err != nil {
		return err
	}

	vw := newView(p, q, src, int(p.ColdLen+p.HotLen))
	for wy := range inv.Workgroups[1] {
		for wx := range inv.Workgroups[0] {
			if wx < p.NumHeads {
				blockStrategy(vw, wx, wy)
			}
		}
	}
	return inv.Store(9, vw.out)
}
