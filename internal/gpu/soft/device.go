// Package soft implements gpu.Device on the host. Buffers are byte slices and
// each compute entry point runs a registered gpu.HostKernel. Submission is
// synchronous, so work-done callbacks fire before Submit returns.
package soft

import (
	"context"
	"fmt"
	"sync"

	"github.com/samcharles93/kiln/internal/gpu"
	"github.com/samcharles93/kiln/internal/logger"
)

type Options struct {
	// Capabilities overrides the host probe when non-nil.
	Capabilities *gpu.Capabilities
	Logger       logger.Logger
}

type kernelKey struct {
	module string
	entry  string
}

type Device struct {
	mu      sync.Mutex
	caps    gpu.Capabilities
	log     logger.Logger
	kernels map[kernelKey]gpu.HostKernel
	live    map[*buffer]struct{}
	closed  bool
}

func New(opts Options) *Device {
	caps := Probe()
	if opts.Capabilities != nil {
		caps = *opts.Capabilities
	}
	if caps.MaxWorkgroupSize == 0 {
		caps.MaxWorkgroupSize = DefaultMaxWorkgroupSize
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &Device{
		caps:    caps,
		log:     log.With("device", caps.Platform),
		kernels: make(map[kernelKey]gpu.HostKernel),
		live:    make(map[*buffer]struct{}),
	}
}

func (d *Device) Capabilities() gpu.Capabilities { return d.caps }

func (d *Device) RegisterKernel(module, entryPoint string, kernel gpu.HostKernel) {
	d.mu.Lock()
	d.kernels[kernelKey{module, entryPoint}] = kernel
	d.mu.Unlock()
}

type buffer struct {
	label     string
	usage     gpu.BufferUsage
	data      []byte
	destroyed bool
}

func (b *buffer) Label() string          { return b.label }
func (b *buffer) Size() uint64           { return uint64(len(b.data)) }
func (b *buffer) Usage() gpu.BufferUsage { return b.usage }

func (d *Device) CreateBuffer(desc gpu.BufferDescriptor) (gpu.Buffer, error) {
	if desc.Size == 0 {
		return nil, fmt.Errorf("create buffer %s: zero size", desc.Label)
	}
	if desc.Size%4 != 0 {
		return nil, fmt.Errorf("create buffer %s: size %d is not a multiple of 4", desc.Label, desc.Size)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, gpu.ErrDeviceLost
	}
	b := &buffer{label: desc.Label, usage: desc.Usage, data: make([]byte, desc.Size)}
	d.live[b] = struct{}{}
	return b, nil
}

func (d *Device) DestroyBuffer(buf gpu.Buffer) {
	b, ok := buf.(*buffer)
	if !ok {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if b.destroyed {
		return
	}
	b.destroyed = true
	b.data = nil
	delete(d.live, b)
}

// LiveBuffers reports how many buffers are allocated and not destroyed.
func (d *Device) LiveBuffers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.live)
}

func (d *Device) lookup(buf gpu.Buffer) (*buffer, error) {
	b, ok := buf.(*buffer)
	if !ok || b == nil {
		return nil, fmt.Errorf("buffer %T does not belong to the soft device", buf)
	}
	if b.destroyed {
		return nil, fmt.Errorf("buffer %s used after destroy", b.label)
	}
	return b, nil
}

func (d *Device) WriteBuffer(buf gpu.Buffer, offset uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return gpu.ErrDeviceLost
	}
	b, err := d.lookup(buf)
	if err != nil {
		return err
	}
	if !b.usage.Has(gpu.UsageCopyDst) {
		return fmt.Errorf("write buffer %s: missing copy-dst usage", b.label)
	}
	if offset+uint64(len(data)) > uint64(len(b.data)) {
		return fmt.Errorf("write buffer %s: range [%d,%d) exceeds size %d", b.label, offset, offset+uint64(len(data)), len(b.data))
	}
	copy(b.data[offset:], data)
	return nil
}

func (d *Device) ReadBuffer(ctx context.Context, buf gpu.Buffer, offset, size uint64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, gpu.ErrDeviceLost
	}
	b, err := d.lookup(buf)
	if err != nil {
		return nil, err
	}
	if offset+size > uint64(len(b.data)) {
		return nil, fmt.Errorf("read buffer %s: range [%d,%d) exceeds size %d", b.label, offset, offset+size, len(b.data))
	}
	out := make([]byte, size)
	copy(out, b.data[offset:offset+size])
	return out, nil
}

func (d *Device) CreateShaderModule(desc gpu.ShaderModuleDescriptor) (gpu.ShaderModule, error) {
	if d.isClosed() {
		return nil, gpu.ErrDeviceLost
	}
	mod, err := compile(d.caps, desc)
	if err != nil {
		return nil, err
	}
	d.log.Debug("shader module compiled", "module", desc.Label, "entry_points", len(mod.entryPoints))
	return mod, nil
}

type bindGroupLayout struct {
	label   string
	entries map[uint32]gpu.BindingType
}

type pipelineLayout struct {
	label  string
	groups []*bindGroupLayout
}

func (d *Device) CreateBindGroupLayout(label string, entries []gpu.LayoutEntry) (gpu.BindGroupLayout, error) {
	l := &bindGroupLayout{label: label, entries: make(map[uint32]gpu.BindingType, len(entries))}
	for _, e := range entries {
		if _, dup := l.entries[e.Binding]; dup {
			return nil, fmt.Errorf("bind group layout %s: duplicate binding %d", label, e.Binding)
		}
		l.entries[e.Binding] = e.Type
	}
	return l, nil
}

func (d *Device) CreatePipelineLayout(label string, layouts ...gpu.BindGroupLayout) (gpu.PipelineLayout, error) {
	pl := &pipelineLayout{label: label}
	for i, l := range layouts {
		bgl, ok := l.(*bindGroupLayout)
		if !ok {
			return nil, fmt.Errorf("pipeline layout %s: group %d has foreign layout %T", label, i, l)
		}
		pl.groups = append(pl.groups, bgl)
	}
	return pl, nil
}

type pipeline struct {
	label  string
	kernel gpu.HostKernel
	layout *pipelineLayout
}

func (p *pipeline) Label() string { return p.label }

func (d *Device) CreateComputePipeline(desc gpu.ComputePipelineDescriptor) (gpu.ComputePipeline, error) {
	mod, ok := desc.Module.(*module)
	if !ok {
		return nil, fmt.Errorf("pipeline %s: foreign shader module %T", desc.Label, desc.Module)
	}
	if _, ok := mod.entryPoints[desc.EntryPoint]; !ok {
		return nil, fmt.Errorf("pipeline %s: module %s has no entry point %q", desc.Label, mod.label, desc.EntryPoint)
	}
	layout, _ := desc.Layout.(*pipelineLayout)
	d.mu.Lock()
	kernel, ok := d.kernels[kernelKey{mod.label, desc.EntryPoint}]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("pipeline %s: no host kernel for %s:%s", desc.Label, mod.label, desc.EntryPoint)
	}
	return &pipeline{label: desc.Label, kernel: kernel, layout: layout}, nil
}

type boundRange struct {
	buf    *buffer
	offset uint64
	size   uint64
}

type bindGroup struct {
	label   string
	entries map[uint32]boundRange
}

func (d *Device) CreateBindGroup(label string, layout gpu.BindGroupLayout, entries []gpu.BindGroupEntry) (gpu.BindGroup, error) {
	bgl, ok := layout.(*bindGroupLayout)
	if !ok {
		return nil, fmt.Errorf("bind group %s: foreign layout %T", label, layout)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	bg := &bindGroup{label: label, entries: make(map[uint32]boundRange, len(entries))}
	for _, e := range entries {
		typ, ok := bgl.entries[e.Binding]
		if !ok {
			return nil, fmt.Errorf("bind group %s: binding %d not in layout %s", label, e.Binding, bgl.label)
		}
		b, err := d.lookup(e.Buffer)
		if err != nil {
			return nil, fmt.Errorf("bind group %s: binding %d: %w", label, e.Binding, err)
		}
		want := gpu.UsageStorage
		if typ == gpu.BindingUniform {
			want = gpu.UsageUniform
		}
		if !b.usage.Has(want) {
			return nil, fmt.Errorf("bind group %s: buffer %s lacks usage %#x for binding %d", label, b.label, want, e.Binding)
		}
		size := e.Size
		if size == 0 {
			size = uint64(len(b.data)) - e.Offset
		}
		if e.Offset+size > uint64(len(b.data)) {
			return nil, fmt.Errorf("bind group %s: binding %d range exceeds buffer %s", label, e.Binding, b.label)
		}
		bg.entries[e.Binding] = boundRange{buf: b, offset: e.Offset, size: size}
	}
	for binding := range bgl.entries {
		if _, ok := bg.entries[binding]; !ok {
			return nil, fmt.Errorf("bind group %s: binding %d missing", label, binding)
		}
	}
	return bg, nil
}

func (d *Device) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	for b := range d.live {
		b.destroyed = true
		b.data = nil
	}
	d.live = make(map[*buffer]struct{})
	return nil
}
