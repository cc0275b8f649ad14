//go:build webgpu

// Package webgpu implements gpu.Device on a native adapter through
// wgpu-native. Build with -tags webgpu.
package webgpu

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/openfluke/webgpu/wgpu"

	"github.com/samcharles93/kiln/internal/gpu"
	"github.com/samcharles93/kiln/internal/logger"
)

var errNoAdapter = errors.New("webgpu: no compatible adapter")

type Device struct {
	mu       sync.Mutex
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue
	caps     gpu.Capabilities
	log      logger.Logger
	closed   bool
}

// Open acquires the high performance adapter and a device with every
// optional feature kiln can use that the adapter offers.
func Open(log logger.Logger) (*Device, error) {
	if log == nil {
		log = logger.Discard()
	}
	instance := wgpu.CreateInstance(nil)
	if instance == nil {
		return nil, errNoAdapter
	}
	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil || adapter == nil {
		instance.Release()
		return nil, fmt.Errorf("%w: %v", errNoAdapter, err)
	}

	var required []wgpu.FeatureName
	caps := gpu.Capabilities{Platform: "webgpu/" + adapter.GetInfo().Name}
	for _, f := range adapter.EnumerateFeatures() {
		switch name := strings.ToLower(f.String()); {
		case f == wgpu.FeatureNameShaderF16:
			caps.HasHalfPrecision = true
			required = append(required, f)
		case strings.Contains(name, "subgroup"):
			caps.HasSubgroupReduction = true
			required = append(required, f)
		}
	}
	limits := adapter.GetLimits()
	caps.MaxWorkgroupSize = limits.Limits.MaxComputeInvocationsPerWorkgroup

	device, err := adapter.RequestDevice(&wgpu.DeviceDescriptor{
		Label:            "kiln",
		RequiredFeatures: required,
	})
	if err != nil {
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("webgpu: request device: %w", err)
	}
	d := &Device{
		instance: instance,
		adapter:  adapter,
		device:   device,
		queue:    device.GetQueue(),
		caps:     caps,
		log:      log.With("device", caps.Platform),
	}
	d.log.Info("webgpu device ready", "f16", caps.HasHalfPrecision, "subgroups", caps.HasSubgroupReduction, "max_workgroup", caps.MaxWorkgroupSize)
	return d, nil
}

func (d *Device) Capabilities() gpu.Capabilities { return d.caps }

func (d *Device) live() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return gpu.ErrDeviceLost
	}
	return nil
}

type buffer struct {
	raw   *wgpu.Buffer
	label string
	size  uint64
	usage gpu.BufferUsage
}

func (b *buffer) Label() string          { return b.label }
func (b *buffer) Size() uint64           { return b.size }
func (b *buffer) Usage() gpu.BufferUsage { return b.usage }

func raw(b gpu.Buffer) (*buffer, error) {
	wb, ok := b.(*buffer)
	if !ok || wb.raw == nil {
		return nil, fmt.Errorf("webgpu: foreign or destroyed buffer %v", b)
	}
	return wb, nil
}

func (d *Device) CreateBuffer(desc gpu.BufferDescriptor) (gpu.Buffer, error) {
	if err := d.live(); err != nil {
		return nil, err
	}
	b, err := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: desc.Label,
		Size:  desc.Size,
		Usage: wgpu.BufferUsage(desc.Usage),
	})
	if err != nil {
		return nil, fmt.Errorf("create buffer %s: %w", desc.Label, err)
	}
	return &buffer{raw: b, label: desc.Label, size: desc.Size, usage: desc.Usage}, nil
}

func (d *Device) DestroyBuffer(b gpu.Buffer) {
	wb, err := raw(b)
	if err != nil {
		return
	}
	wb.raw.Destroy()
	wb.raw.Release()
	wb.raw = nil
}

func (d *Device) WriteBuffer(b gpu.Buffer, offset uint64, data []byte) error {
	if err := d.live(); err != nil {
		return err
	}
	wb, err := raw(b)
	if err != nil {
		return err
	}
	if offset+uint64(len(data)) > wb.size {
		return fmt.Errorf("write %s: %d bytes at %d overrun size %d", wb.label, len(data), offset, wb.size)
	}
	return d.queue.WriteBuffer(wb.raw, offset, data)
}

// ReadBuffer copies the range into a staging buffer, maps it and polls the
// device until the map resolves or ctx ends.
func (d *Device) ReadBuffer(ctx context.Context, b gpu.Buffer, offset, size uint64) ([]byte, error) {
	if err := d.live(); err != nil {
		return nil, err
	}
	wb, err := raw(b)
	if err != nil {
		return nil, err
	}
	if offset+size > wb.size {
		return nil, fmt.Errorf("read %s: %d bytes at %d overrun size %d", wb.label, size, offset, wb.size)
	}
	staging, err := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: wb.label + ".staging",
		Size:  size,
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, err
	}
	defer staging.Release()
	defer staging.Destroy()

	enc, err := d.device.CreateCommandEncoder(&wgpu.CommandEncoderDescriptor{Label: "readback"})
	if err != nil {
		return nil, err
	}
	defer enc.Release()
	if err := enc.CopyBufferToBuffer(wb.raw, offset, staging, 0, size); err != nil {
		return nil, err
	}
	cmd, err := enc.Finish(nil)
	if err != nil {
		return nil, err
	}
	defer cmd.Release()
	d.queue.Submit(cmd)

	status := make(chan wgpu.BufferMapAsyncStatus, 1)
	if err := staging.MapAsync(wgpu.MapModeRead, 0, size, func(s wgpu.BufferMapAsyncStatus) { status <- s }); err != nil {
		return nil, err
	}
	for {
		select {
		case s := <-status:
			if s != wgpu.BufferMapAsyncStatusSuccess {
				return nil, fmt.Errorf("read %s: map failed: %v", wb.label, s)
			}
			out := make([]byte, size)
			copy(out, staging.GetMappedRange(0, uint(size)))
			return out, staging.Unmap()
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
			d.device.Poll(true, nil)
		}
	}
}

type module struct {
	raw   *wgpu.ShaderModule
	label string
}

func (m *module) Label() string { return m.label }

func (d *Device) CreateShaderModule(desc gpu.ShaderModuleDescriptor) (gpu.ShaderModule, error) {
	if err := d.live(); err != nil {
		return nil, err
	}
	m, err := d.device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          desc.Label,
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: desc.Code},
	})
	if err != nil {
		return nil, &gpu.CompileError{Module: desc.Label, Messages: []gpu.CompileMessage{{Message: err.Error()}}}
	}
	return &module{raw: m, label: desc.Label}, nil
}

func bindingType(t gpu.BindingType) wgpu.BufferBindingType {
	switch t {
	case gpu.BindingUniform:
		return wgpu.BufferBindingTypeUniform
	case gpu.BindingReadOnlyStorage:
		return wgpu.BufferBindingTypeReadOnlyStorage
	default:
		return wgpu.BufferBindingTypeStorage
	}
}

func (d *Device) CreateBindGroupLayout(label string, entries []gpu.LayoutEntry) (gpu.BindGroupLayout, error) {
	if err := d.live(); err != nil {
		return nil, err
	}
	out := make([]wgpu.BindGroupLayoutEntry, len(entries))
	for i, e := range entries {
		out[i] = wgpu.BindGroupLayoutEntry{
			Binding:    e.Binding,
			Visibility: wgpu.ShaderStageCompute,
			Buffer:     wgpu.BufferBindingLayout{Type: bindingType(e.Type)},
		}
	}
	return d.device.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{Label: label, Entries: out})
}

func (d *Device) CreatePipelineLayout(label string, layouts ...gpu.BindGroupLayout) (gpu.PipelineLayout, error) {
	if err := d.live(); err != nil {
		return nil, err
	}
	raws := make([]*wgpu.BindGroupLayout, len(layouts))
	for i, l := range layouts {
		bl, ok := l.(*wgpu.BindGroupLayout)
		if !ok {
			return nil, fmt.Errorf("pipeline layout %s: foreign bind group layout", label)
		}
		raws[i] = bl
	}
	return d.device.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{Label: label, BindGroupLayouts: raws})
}

type pipeline struct {
	raw   *wgpu.ComputePipeline
	label string
}

func (p *pipeline) Label() string { return p.label }

func (d *Device) CreateComputePipeline(desc gpu.ComputePipelineDescriptor) (gpu.ComputePipeline, error) {
	if err := d.live(); err != nil {
		return nil, err
	}
	m, ok := desc.Module.(*module)
	if !ok {
		return nil, fmt.Errorf("pipeline %s: foreign shader module", desc.Label)
	}
	layout, ok := desc.Layout.(*wgpu.PipelineLayout)
	if !ok {
		return nil, fmt.Errorf("pipeline %s: foreign pipeline layout", desc.Label)
	}
	p, err := d.device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:   desc.Label,
		Layout:  layout,
		Compute: wgpu.ProgrammableStageDescriptor{Module: m.raw, EntryPoint: desc.EntryPoint},
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline %s: %w", desc.Label, err)
	}
	return &pipeline{raw: p, label: desc.Label}, nil
}

func (d *Device) CreateBindGroup(label string, layout gpu.BindGroupLayout, entries []gpu.BindGroupEntry) (gpu.BindGroup, error) {
	if err := d.live(); err != nil {
		return nil, err
	}
	bl, ok := layout.(*wgpu.BindGroupLayout)
	if !ok {
		return nil, fmt.Errorf("bind group %s: foreign layout", label)
	}
	out := make([]wgpu.BindGroupEntry, len(entries))
	for i, e := range entries {
		wb, err := raw(e.Buffer)
		if err != nil {
			return nil, fmt.Errorf("bind group %s binding %d: %w", label, e.Binding, err)
		}
		size := e.Size
		if size == 0 {
			size = wb.size - e.Offset
		}
		out[i] = wgpu.BindGroupEntry{Binding: e.Binding, Buffer: wb.raw, Offset: e.Offset, Size: size}
	}
	return d.device.CreateBindGroup(&wgpu.BindGroupDescriptor{Label: label, Layout: bl, Entries: out})
}

type encoder struct {
	raw *wgpu.CommandEncoder
	err error
}

type pass struct {
	raw *wgpu.ComputePassEncoder
	enc *encoder
}

func (d *Device) CreateCommandEncoder(label string) (gpu.CommandEncoder, error) {
	if err := d.live(); err != nil {
		return nil, err
	}
	enc, err := d.device.CreateCommandEncoder(&wgpu.CommandEncoderDescriptor{Label: label})
	if err != nil {
		return nil, err
	}
	return &encoder{raw: enc}, nil
}

func (e *encoder) BeginComputePass(label string) gpu.ComputePass {
	return &pass{raw: e.raw.BeginComputePass(&wgpu.ComputePassDescriptor{Label: label}), enc: e}
}

func (e *encoder) CopyBufferToBuffer(src gpu.Buffer, srcOffset uint64, dst gpu.Buffer, dstOffset, size uint64) {
	s, err := raw(src)
	if err != nil {
		e.err = errors.Join(e.err, err)
		return
	}
	t, err := raw(dst)
	if err != nil {
		e.err = errors.Join(e.err, err)
		return
	}
	if err := e.raw.CopyBufferToBuffer(s.raw, srcOffset, t.raw, dstOffset, size); err != nil {
		e.err = errors.Join(e.err, err)
	}
}

func (e *encoder) Finish() (gpu.CommandBuffer, error) {
	defer e.raw.Release()
	if e.err != nil {
		return nil, e.err
	}
	return e.raw.Finish(nil)
}

func (p *pass) SetPipeline(pl gpu.ComputePipeline) {
	wp, ok := pl.(*pipeline)
	if !ok {
		p.enc.err = errors.Join(p.enc.err, fmt.Errorf("foreign pipeline %v", pl))
		return
	}
	p.raw.SetPipeline(wp.raw)
}

func (p *pass) SetBindGroup(index uint32, group gpu.BindGroup) {
	g, ok := group.(*wgpu.BindGroup)
	if !ok {
		p.enc.err = errors.Join(p.enc.err, fmt.Errorf("foreign bind group %v", group))
		return
	}
	p.raw.SetBindGroup(index, g, nil)
}

func (p *pass) DispatchWorkgroups(x, y, z uint32) { p.raw.DispatchWorkgroups(x, y, z) }

func (p *pass) End() {
	if err := p.raw.End(); err != nil {
		p.enc.err = errors.Join(p.enc.err, err)
	}
	p.raw.Release()
}

func (d *Device) Submit(done func(), cmds ...gpu.CommandBuffer) error {
	if err := d.live(); err != nil {
		return err
	}
	raws := make([]*wgpu.CommandBuffer, 0, len(cmds))
	for _, c := range cmds {
		cb, ok := c.(*wgpu.CommandBuffer)
		if !ok {
			return fmt.Errorf("submit: foreign command buffer %T", c)
		}
		raws = append(raws, cb)
	}
	d.queue.Submit(raws...)
	for _, cb := range raws {
		cb.Release()
	}
	if done != nil {
		d.queue.OnSubmittedWorkDone(func(wgpu.QueueWorkDoneStatus) { done() })
	}
	return nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.queue.Release()
	d.device.Release()
	d.adapter.Release()
	d.instance.Release()
	return nil
}
