// Package kvcache keeps the keys and values of one attention layer on the
// device as a full precision hot ring in front of a paged cold store.
//
// New rows land in the ring at slot pos mod HotWindow. When the ring is
// full its oldest PageSize rows are flushed into a freshly allocated cold
// page, optionally packed to 4-bit codes, and the page table gains one
// entry. Flushed pages are never written again until Reset.
package kvcache

import (
	"context"
	"errors"
	"fmt"

	"github.com/samcharles93/kiln/internal/attention"
	"github.com/samcharles93/kiln/internal/gpu"
	"github.com/samcharles93/kiln/internal/logger"
	"github.com/samcharles93/kiln/internal/runtime"
	"github.com/samcharles93/kiln/internal/tensor"
	"github.com/samcharles93/kiln/pkg/quant"
)

// ErrConfig reports an unusable cache geometry.
var ErrConfig = errors.New("kvcache: invalid configuration")

type Config struct {
	KVHeads   int `yaml:"kv_heads" json:"kv_heads"`
	HeadDim   int `yaml:"head_dim" json:"head_dim"`
	HotWindow int `yaml:"hot_window" json:"hot_window"`
	PageSize  int `yaml:"page_size" json:"page_size"`
	// MaxPages bounds the cold store.
	MaxPages int `yaml:"max_pages" json:"max_pages"`
	// Quantize stores cold rows as 4-bit codes with one scale per row and
	// kv head.
	Quantize bool `yaml:"quantize" json:"quantize"`
}

func (c Config) Validate() error {
	switch {
	case c.KVHeads <= 0 || c.HeadDim <= 0:
		return fmt.Errorf("%w: kv heads %d and head dim %d must be positive", ErrConfig, c.KVHeads, c.HeadDim)
	case c.HeadDim > attention.MaxHeadDim:
		return fmt.Errorf("%w: head dim %d exceeds %d", ErrConfig, c.HeadDim, attention.MaxHeadDim)
	case c.PageSize <= 0 || c.HotWindow < c.PageSize:
		return fmt.Errorf("%w: page size %d must be in [1, hot window %d]", ErrConfig, c.PageSize, c.HotWindow)
	case c.MaxPages < 0:
		return fmt.Errorf("%w: negative page limit", ErrConfig)
	case c.Quantize && c.HeadDim%quant.ValuesPerWord != 0:
		return fmt.Errorf("%w: quantized rows need head dim divisible by %d, got %d", ErrConfig, quant.ValuesPerWord, c.HeadDim)
	}
	return nil
}

// Capacity is the longest sequence the cache can hold.
func (c Config) Capacity() int { return c.MaxPages*c.PageSize + c.HotWindow }

func (c Config) row() int { return c.KVHeads * c.HeadDim }

type Cache struct {
	rt    *runtime.Context
	cfg   Config
	log   logger.Logger
	pages *Pages
	// table maps logical cold page i to its physical page.
	table []uint32

	hotK, hotV   tensor.Tensor
	coldK, coldV tensor.Tensor
	scales       tensor.Tensor
	pageTable    tensor.Tensor

	coldLen, hotLen int
}

func New(rt *runtime.Context, cfg Config) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Cache{
		rt:    rt,
		cfg:   cfg,
		log:   rt.Logger().With("component", "kvcache"),
		pages: NewPages(cfg.MaxPages),
	}
	if err := c.allocate(); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Cache) allocate() error {
	hot := []int{c.cfg.HotWindow, c.cfg.KVHeads, c.cfg.HeadDim}
	var err error
	if c.hotK, err = c.rt.NewTensor(tensor.F32, hot, "kvcache.hot_k"); err != nil {
		return err
	}
	if c.hotV, err = c.rt.NewTensor(tensor.F32, hot, "kvcache.hot_v"); err != nil {
		return err
	}
	if c.cfg.MaxPages == 0 {
		return nil
	}
	rows := c.cfg.MaxPages * c.cfg.PageSize
	if c.cfg.Quantize {
		cold := []int{rows, c.cfg.KVHeads, c.cfg.HeadDim / quant.ValuesPerWord}
		if c.coldK, err = c.rt.NewTensor(tensor.U32, cold, "kvcache.cold_k"); err != nil {
			return err
		}
		if c.coldV, err = c.rt.NewTensor(tensor.U32, cold, "kvcache.cold_v"); err != nil {
			return err
		}
		if c.scales, err = c.rt.NewTensor(tensor.F32, []int{rows, c.cfg.KVHeads, 2}, "kvcache.scales"); err != nil {
			return err
		}
	} else {
		cold := []int{rows, c.cfg.KVHeads, c.cfg.HeadDim}
		if c.coldK, err = c.rt.NewTensor(tensor.F32, cold, "kvcache.cold_k"); err != nil {
			return err
		}
		if c.coldV, err = c.rt.NewTensor(tensor.F32, cold, "kvcache.cold_v"); err != nil {
			return err
		}
	}
	c.pageTable, err = c.rt.NewTensor(tensor.U32, []int{c.cfg.MaxPages}, "kvcache.page_table")
	return err
}

func (c *Cache) Config() Config { return c.cfg }

// Len is the number of positions held.
func (c *Cache) Len() int { return c.coldLen + c.hotLen }

func (c *Cache) ColdLen() int { return c.coldLen }

func (c *Cache) HotLen() int { return c.hotLen }

// Pages returns the logical to physical page mapping of the cold store.
func (c *Cache) Pages() []uint32 { return append([]uint32(nil), c.table...) }

// Append stores one or more rows of keys and values, each [KVHeads, HeadDim].
// The ring is flushed a page at a time whenever it fills up.
func (c *Cache) Append(ctx context.Context, k, v []float32) error {
	row := c.cfg.row()
	if len(k) != len(v) || len(k)%row != 0 {
		return fmt.Errorf("%w: append of %d keys and %d values is not whole [%d, %d] rows", ErrConfig, len(k), len(v), c.cfg.KVHeads, c.cfg.HeadDim)
	}
	n := len(k) / row
	if c.Len()+n > c.cfg.Capacity() {
		return fmt.Errorf("%w: %d + %d positions exceed capacity %d", ErrFull, c.Len(), n, c.cfg.Capacity())
	}
	dev := c.rt.Device()
	rowBytes := uint64(row * 4)
	for i := range n {
		if c.hotLen == c.cfg.HotWindow {
			if err := c.flush(ctx); err != nil {
				return err
			}
		}
		slot := uint64(c.Len() % c.cfg.HotWindow)
		if err := dev.WriteBuffer(c.hotK.Buffer, slot*rowBytes, gpu.F32Bytes(k[i*row:(i+1)*row])); err != nil {
			return fmt.Errorf("kvcache: write hot key: %w", err)
		}
		if err := dev.WriteBuffer(c.hotV.Buffer, slot*rowBytes, gpu.F32Bytes(v[i*row:(i+1)*row])); err != nil {
			return fmt.Errorf("kvcache: write hot value: %w", err)
		}
		c.hotLen++
	}
	return nil
}

// readHot returns ring rows for positions [from, from+n).
func (c *Cache) readHot(ctx context.Context, buf gpu.Buffer, from, n int) ([]float32, error) {
	row := c.cfg.row()
	rowBytes := uint64(row * 4)
	out := make([]float32, 0, n*row)
	for pos := from; pos < from+n; pos++ {
		slot := uint64(pos % c.cfg.HotWindow)
		b, err := c.rt.Device().ReadBuffer(ctx, buf, slot*rowBytes, rowBytes)
		if err != nil {
			return nil, err
		}
		out = append(out, gpu.DecodeF32(b)...)
	}
	return out, nil
}

// flush moves the oldest PageSize ring rows into a new cold page.
func (c *Cache) flush(ctx context.Context) error {
	ps := c.cfg.PageSize
	if c.hotLen < ps {
		return nil
	}
	phys, err := c.pages.Alloc()
	if err != nil {
		return err
	}
	keys, err := c.readHot(ctx, c.hotK.Buffer, c.coldLen, ps)
	if err != nil {
		_ = c.pages.Free(phys)
		return fmt.Errorf("kvcache: read hot keys: %w", err)
	}
	values, err := c.readHot(ctx, c.hotV.Buffer, c.coldLen, ps)
	if err != nil {
		_ = c.pages.Free(phys)
		return fmt.Errorf("kvcache: read hot values: %w", err)
	}
	if err := c.writeCold(phys, keys, values); err != nil {
		_ = c.pages.Free(phys)
		return err
	}
	logical := len(c.table)
	if err := c.rt.Device().WriteBuffer(c.pageTable.Buffer, uint64(logical*4), gpu.U32Bytes([]uint32{phys})); err != nil {
		_ = c.pages.Free(phys)
		return fmt.Errorf("kvcache: write page table: %w", err)
	}
	c.table = append(c.table, phys)
	c.coldLen += ps
	c.hotLen -= ps
	c.rt.Metrics().KVCacheFlushed(c.pages.InUse())
	c.log.Debug("flushed page", "logical", logical, "physical", phys, "cold_len", c.coldLen)
	return nil
}

func (c *Cache) writeCold(phys uint32, keys, values []float32) error {
	dev := c.rt.Device()
	ps, kvh, d := c.cfg.PageSize, c.cfg.KVHeads, c.cfg.HeadDim
	first := int(phys) * ps
	if !c.cfg.Quantize {
		off := uint64(first * c.cfg.row() * 4)
		if err := dev.WriteBuffer(c.coldK.Buffer, off, gpu.F32Bytes(keys)); err != nil {
			return fmt.Errorf("kvcache: write cold keys: %w", err)
		}
		if err := dev.WriteBuffer(c.coldV.Buffer, off, gpu.F32Bytes(values)); err != nil {
			return fmt.Errorf("kvcache: write cold values: %w", err)
		}
		return nil
	}

	words := d / quant.ValuesPerWord
	codesK := make([]uint32, ps*kvh*words)
	codesV := make([]uint32, ps*kvh*words)
	scales := make([]float32, ps*kvh*2)
	for r := range ps {
		for h := range kvh {
			i := r*kvh + h
			src := i * d
			scales[i*2] = quant.QuantizeRow(codesK[i*words:(i+1)*words], keys[src:src+d])
			scales[i*2+1] = quant.QuantizeRow(codesV[i*words:(i+1)*words], values[src:src+d])
		}
	}
	off := uint64(first * kvh * words * 4)
	if err := dev.WriteBuffer(c.coldK.Buffer, off, gpu.U32Bytes(codesK)); err != nil {
		return fmt.Errorf("kvcache: write cold keys: %w", err)
	}
	if err := dev.WriteBuffer(c.coldV.Buffer, off, gpu.U32Bytes(codesV)); err != nil {
		return fmt.Errorf("kvcache: write cold values: %w", err)
	}
	if err := dev.WriteBuffer(c.scales.Buffer, uint64(first*kvh*2*4), gpu.F32Bytes(scales)); err != nil {
		return fmt.Errorf("kvcache: write scales: %w", err)
	}
	return nil
}

// Tiered describes the current contents for the tiered decode kernels.
// The tensors stay owned by the cache.
func (c *Cache) Tiered() *attention.Tiered {
	t := &attention.Tiered{
		HotK:      c.hotK,
		HotV:      c.hotV,
		ColdK:     c.coldK,
		ColdV:     c.coldV,
		PageSize:  c.cfg.PageSize,
		ColdLen:   c.coldLen,
		HotLen:    c.hotLen,
		HotWindow: c.cfg.HotWindow,
		HotStart:  c.coldLen,
		Quantized: c.cfg.Quantize,
	}
	if c.cfg.Quantize {
		t.Scales = c.scales
	}
	if c.cfg.MaxPages > 0 {
		pt := c.pageTable
		t.PageTable = &pt
	}
	return t
}

// Attend runs single-query attention of q against everything cached.
func (c *Cache) Attend(ctx context.Context, e *attention.Engine, q tensor.Tensor, numHeads int, opts attention.Options) (tensor.Tensor, error) {
	opts.NumKVHeads = c.cfg.KVHeads
	opts.Tiered = c.Tiered()
	return e.Run(ctx, q, tensor.Tensor{}, tensor.Tensor{}, nil, numHeads, c.cfg.HeadDim, opts)
}

// Rows reads the whole sequence back as [Len, KVHeads, HeadDim] keys and
// values, decoding cold rows exactly as the kernels do.
func (c *Cache) Rows(ctx context.Context) ([]float32, []float32, error) {
	row := c.cfg.row()
	k := make([]float32, 0, c.Len()*row)
	v := make([]float32, 0, c.Len()*row)
	for logical, phys := range c.table {
		ck, cv, err := c.readPage(ctx, phys)
		if err != nil {
			return nil, nil, fmt.Errorf("kvcache: read page %d: %w", logical, err)
		}
		k = append(k, ck...)
		v = append(v, cv...)
	}
	hk, err := c.readHot(ctx, c.hotK.Buffer, c.coldLen, c.hotLen)
	if err != nil {
		return nil, nil, err
	}
	hv, err := c.readHot(ctx, c.hotV.Buffer, c.coldLen, c.hotLen)
	if err != nil {
		return nil, nil, err
	}
	return append(k, hk...), append(v, hv...), nil
}

func (c *Cache) readPage(ctx context.Context, phys uint32) ([]float32, []float32, error) {
	dev := c.rt.Device()
	ps, kvh, d := c.cfg.PageSize, c.cfg.KVHeads, c.cfg.HeadDim
	first := uint64(int(phys) * ps)
	if !c.cfg.Quantize {
		size := uint64(ps * c.cfg.row() * 4)
		kb, err := dev.ReadBuffer(ctx, c.coldK.Buffer, first*uint64(c.cfg.row()*4), size)
		if err != nil {
			return nil, nil, err
		}
		vb, err := dev.ReadBuffer(ctx, c.coldV.Buffer, first*uint64(c.cfg.row()*4), size)
		if err != nil {
			return nil, nil, err
		}
		return gpu.DecodeF32(kb), gpu.DecodeF32(vb), nil
	}

	words := d / quant.ValuesPerWord
	wordBytes := uint64(ps * kvh * words * 4)
	kb, err := dev.ReadBuffer(ctx, c.coldK.Buffer, first*uint64(kvh*words*4), wordBytes)
	if err != nil {
		return nil, nil, err
	}
	vb, err := dev.ReadBuffer(ctx, c.coldV.Buffer, first*uint64(kvh*words*4), wordBytes)
	if err != nil {
		return nil, nil, err
	}
	sb, err := dev.ReadBuffer(ctx, c.scales.Buffer, first*uint64(kvh*2*4), uint64(ps*kvh*2*4))
	if err != nil {
		return nil, nil, err
	}
	codesK, codesV, scales := gpu.DecodeU32(kb), gpu.DecodeU32(vb), gpu.DecodeF32(sb)
	k := make([]float32, ps*kvh*d)
	v := make([]float32, ps*kvh*d)
	for i := range ps * kvh {
		quant.DequantizeRow(k[i*d:(i+1)*d], codesK[i*words:(i+1)*words], scales[i*2])
		quant.DequantizeRow(v[i*d:(i+1)*d], codesV[i*words:(i+1)*words], scales[i*2+1])
	}
	return k, v, nil
}

// Reset forgets every position and returns all cold pages.
func (c *Cache) Reset() error {
	var errs []error
	for _, p := range c.table {
		errs = append(errs, c.pages.Free(p))
	}
	c.table = nil
	c.coldLen, c.hotLen = 0, 0
	c.rt.Metrics().SetKVCachePages(c.pages.InUse())
	return errors.Join(errs...)
}

// Close releases the device tensors back to the runtime pool.
func (c *Cache) Close() error {
	err := c.rt.Release(c.hotK, c.hotV, c.coldK, c.coldV, c.scales, c.pageTable)
	c.hotK, c.hotV, c.coldK, c.coldV, c.scales, c.pageTable = tensor.Tensor{}, tensor.Tensor{}, tensor.Tensor{}, tensor.Tensor{}, tensor.Tensor{}, tensor.Tensor{}
	return err
}
