package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"slices"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/samcharles93/kiln/internal/gpu"
	"github.com/samcharles93/kiln/internal/logger"
	"github.com/samcharles93/kiln/internal/metrics"
	"golang.org/x/sync/singleflight"
)

// Pipeline is a compiled variant ready to dispatch.
type Pipeline struct {
	Key        Key
	Descriptor Descriptor
	Compute    gpu.ComputePipeline
	BindLayout gpu.BindGroupLayout
}

type entry struct {
	desc        Descriptor
	fsys        fs.FS
	layoutLabel string
	layout      []gpu.LayoutEntry
	kernel      gpu.HostKernel
}

type Stats struct {
	Registered int    `json:"registered"`
	Compiled   int    `json:"compiled"`
	Modules    int    `json:"modules"`
	Hits       uint64 `json:"hits"`
	Misses     uint64 `json:"misses"`
	Failures   uint64 `json:"failures"`
}

// Cache owns every compiled pipeline, shader module and layout for one
// device. Entries are created on first use and live until Clear.
type Cache struct {
	dev     gpu.Device
	caps    gpu.Capabilities
	log     logger.Logger
	metrics *metrics.Metrics
	group   singleflight.Group

	mu          sync.RWMutex
	gen         uint64
	entries     map[Key]entry
	sources     map[string]string
	modules     map[string]gpu.ShaderModule
	bindLayouts map[string]gpu.BindGroupLayout
	pipeLayouts map[string]gpu.PipelineLayout
	pipelines   map[Key]*Pipeline
	pending     map[Key]*Pending
	stats       Stats
}

func NewCache(dev gpu.Device, log logger.Logger, m *metrics.Metrics) *Cache {
	if log == nil {
		log = logger.Discard()
	}
	c := &Cache{
		dev:     dev,
		caps:    dev.Capabilities(),
		log:     log.With("component", "pipeline"),
		metrics: m,
		entries: make(map[Key]entry),
	}
	c.reset()
	return c
}

func (c *Cache) reset() {
	c.sources = make(map[string]string)
	c.modules = make(map[string]gpu.ShaderModule)
	c.bindLayouts = make(map[string]gpu.BindGroupLayout)
	c.pipeLayouts = make(map[string]gpu.PipelineLayout)
	c.pipelines = make(map[Key]*Pipeline)
	c.pending = make(map[Key]*Pending)
}

// Install registers every variant of lib. Registering an existing key with
// an identical descriptor is a no-op; a different descriptor is an error.
func (c *Cache) Install(lib *Library) error {
	if err := lib.validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, d := range lib.Descriptors {
		if prev, ok := c.entries[key]; ok && !prev.desc.equal(d) {
			return fmt.Errorf("%w: %s already registered from %s", ErrDuplicate, key, prev.desc.ShaderFile)
		}
	}
	for key, d := range lib.Descriptors {
		c.entries[key] = entry{
			desc:        d,
			fsys:        lib.FS,
			layoutLabel: lib.Name + "/" + d.Layout,
			layout:      lib.Layouts[d.Layout],
			kernel:      lib.Kernels[key],
		}
	}
	c.log.Debug("installed library", "library", lib.Name, "variants", len(lib.Descriptors))
	return nil
}

func (c *Cache) Capabilities() gpu.Capabilities { return c.caps }

func (c *Cache) Descriptor(op, variant string) (Descriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[Key{op, variant}]
	return e.desc, ok
}

// Keys lists every registered variant in sorted order.
func (c *Cache) Keys() []Key {
	c.mu.RLock()
	keys := make([]Key, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	c.mu.RUnlock()
	sortKeys(keys)
	return keys
}

// Compiled lists the variants with a cached pipeline.
func (c *Cache) Compiled() []Key {
	c.mu.RLock()
	keys := make([]Key, 0, len(c.pipelines))
	for k := range c.pipelines {
		keys = append(keys, k)
	}
	c.mu.RUnlock()
	sortKeys(keys)
	return keys
}

func sortKeys(keys []Key) {
	slices.SortFunc(keys, func(a, b Key) int {
		return strings.Compare(a.String(), b.String())
	})
}

// Supported reports why a variant cannot run on this device, or nil.
func (c *Cache) Supported(op, variant string) error {
	key := Key{op, variant}
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownVariant, key)
	}
	if missing := c.caps.Missing(e.desc.RequiredFeatures); len(missing) > 0 {
		return &gpu.MissingFeatureError{Pipeline: key.String(), Features: missing}
	}
	return nil
}

// GetCachedPipeline is the synchronous fast path. It never compiles and
// returns nil when the variant has not been built yet.
func (c *Cache) GetCachedPipeline(op, variant string) *Pipeline {
	c.mu.RLock()
	p := c.pipelines[Key{op, variant}]
	c.mu.RUnlock()
	return p
}

// GetPipeline returns the cached pipeline or compiles it. Concurrent misses
// for one variant share a single compile.
func (c *Cache) GetPipeline(ctx context.Context, op, variant string) (*Pipeline, error) {
	key := Key{op, variant}
	c.mu.Lock()
	if p, ok := c.pipelines[key]; ok {
		c.stats.Hits++
		c.mu.Unlock()
		c.metrics.PipelineLookup(true)
		return p, nil
	}
	c.stats.Misses++
	c.mu.Unlock()
	c.metrics.PipelineLookup(false)

	ch := c.group.DoChan("pipeline:"+key.String(), func() (any, error) {
		return c.build(key)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Pipeline), nil
	}
}

// Compile starts building a variant in the background and returns a
// handle that resolves once it is cached or has failed.
func (c *Cache) Compile(op, variant string) *Pending {
	key := Key{op, variant}
	c.mu.Lock()
	if p, ok := c.pipelines[key]; ok {
		c.mu.Unlock()
		return resolved(key, p, nil)
	}
	if pend, ok := c.pending[key]; ok {
		c.mu.Unlock()
		return pend
	}
	pend := newPending(key)
	c.pending[key] = pend
	c.mu.Unlock()

	go func() {
		v, err, _ := c.group.Do("pipeline:"+key.String(), func() (any, error) {
			return c.build(key)
		})
		var p *Pipeline
		if err == nil {
			p = v.(*Pipeline)
		}
		c.mu.Lock()
		if c.pending[key] == pend {
			delete(c.pending, key)
		}
		c.mu.Unlock()
		pend.resolve(p, err)
	}()
	return pend
}

func (c *Cache) build(key Key) (*Pipeline, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	if p, done := c.pipelines[key]; done {
		c.mu.RUnlock()
		return p, nil
	}
	gen := c.gen
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVariant, key)
	}
	if missing := c.caps.Missing(e.desc.RequiredFeatures); len(missing) > 0 {
		return nil, &gpu.MissingFeatureError{Pipeline: key.String(), Features: missing}
	}

	start := time.Now()
	p, err := c.create(key, e)
	took := time.Since(start)
	c.metrics.ObserveCompile(key.Op, key.Variant, took, err)
	if err != nil {
		c.mu.Lock()
		c.stats.Failures++
		c.mu.Unlock()
		c.log.Error("pipeline compile failed", "op", key.Op, "variant", key.Variant, "error", err)
		return nil, fmt.Errorf("pipeline %s: %w", key, err)
	}

	c.mu.Lock()
	if c.gen == gen {
		c.pipelines[key] = p
	}
	c.mu.Unlock()
	c.log.Info("pipeline compiled", "op", key.Op, "variant", key.Variant, "took", took)
	return p, nil
}

func (c *Cache) create(key Key, e entry) (*Pipeline, error) {
	mod, err := c.module(e)
	if err != nil {
		return nil, err
	}
	if reg, ok := c.dev.(gpu.KernelRegistrar); ok && e.kernel != nil {
		reg.RegisterKernel(mod.Label(), e.desc.EntryPoint, e.kernel)
	}
	bgl, pl, err := c.layouts(e)
	if err != nil {
		return nil, err
	}
	cp, err := c.dev.CreateComputePipeline(gpu.ComputePipelineDescriptor{
		Label:      key.String(),
		Layout:     pl,
		Module:     mod,
		EntryPoint: e.desc.EntryPoint,
	})
	if err != nil {
		return nil, err
	}
	return &Pipeline{Key: key, Descriptor: e.desc, Compute: cp, BindLayout: bgl}, nil
}

// module compiles, at most once, the shader module for a descriptor.
func (c *Cache) module(e entry) (gpu.ShaderModule, error) {
	label := e.desc.ModuleLabel()
	c.mu.RLock()
	mod, ok := c.modules[label]
	c.mu.RUnlock()
	if ok {
		return mod, nil
	}
	v, err, _ := c.group.Do("module:"+label, func() (any, error) {
		c.mu.RLock()
		mod, ok := c.modules[label]
		c.mu.RUnlock()
		if ok {
			return mod, nil
		}
		code, err := c.source(e)
		if err != nil {
			return nil, err
		}
		mod, err = c.dev.CreateShaderModule(gpu.ShaderModuleDescriptor{Label: label, Code: code})
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.modules[label] = mod
		c.mu.Unlock()
		return mod, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(gpu.ShaderModule), nil
}

func (c *Cache) source(e entry) (string, error) {
	file := e.desc.ShaderFile
	c.mu.RLock()
	raw, ok := c.sources[file]
	c.mu.RUnlock()
	if !ok {
		data, err := fs.ReadFile(e.fsys, file)
		if err != nil {
			return "", fmt.Errorf("load shader %s: %w", file, err)
		}
		raw = string(data)
		c.mu.Lock()
		c.sources[file] = raw
		c.mu.Unlock()
	}
	if len(e.desc.Defines) == 0 {
		return raw, nil
	}
	tmpl, err := template.New(file).Option("missingkey=error").Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse shader template %s: %w", file, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, e.desc.Defines); err != nil {
		return "", fmt.Errorf("render shader template %s: %w", file, err)
	}
	return buf.String(), nil
}

func (c *Cache) layouts(e entry) (gpu.BindGroupLayout, gpu.PipelineLayout, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bgl, ok := c.bindLayouts[e.layoutLabel]
	if !ok {
		var err error
		bgl, err = c.dev.CreateBindGroupLayout(e.layoutLabel, e.layout)
		if err != nil {
			return nil, nil, fmt.Errorf("bind group layout %s: %w", e.layoutLabel, err)
		}
		c.bindLayouts[e.layoutLabel] = bgl
	}
	pl, ok := c.pipeLayouts[e.layoutLabel]
	if !ok {
		var err error
		pl, err = c.dev.CreatePipelineLayout(e.layoutLabel, bgl)
		if err != nil {
			return nil, nil, fmt.Errorf("pipeline layout %s: %w", e.layoutLabel, err)
		}
		c.pipeLayouts[e.layoutLabel] = pl
	}
	return bgl, pl, nil
}

func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.stats
	s.Registered = len(c.entries)
	s.Compiled = len(c.pipelines)
	s.Modules = len(c.modules)
	return s
}

// Clear drops every compiled object. Registered variants are kept, and
// builds still in flight do not repopulate the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.reset()
	c.log.Debug("pipeline cache cleared")
}
