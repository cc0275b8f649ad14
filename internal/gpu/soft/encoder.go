package soft

import (
	"errors"
	"fmt"

	"github.com/samcharles93/kiln/internal/gpu"
)

type dispatch struct {
	label      string
	pipeline   *pipeline
	group      *bindGroup
	workgroups [3]uint32
}

type copyOp struct {
	src, dst             *buffer
	srcOffset, dstOffset uint64
	size                 uint64
}

// command is either a dispatch or a copy.
type command struct {
	dispatch *dispatch
	copy     *copyOp
}

type encoder struct {
	dev      *Device
	label    string
	cmds     []command
	err      error
	open     bool
	finished bool
}

type commandBuffer struct {
	label string
	cmds  []command
	used  bool
}

func (d *Device) CreateCommandEncoder(label string) (gpu.CommandEncoder, error) {
	if d.isClosed() {
		return nil, gpu.ErrDeviceLost
	}
	return &encoder{dev: d, label: label}, nil
}

func (e *encoder) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}

func (e *encoder) BeginComputePass(label string) gpu.ComputePass {
	if e.open {
		e.fail(fmt.Errorf("encoder %s: compute pass %s begun while another is open", e.label, label))
	}
	e.open = true
	return &pass{enc: e, label: label}
}

func (e *encoder) CopyBufferToBuffer(src gpu.Buffer, srcOffset uint64, dst gpu.Buffer, dstOffset, size uint64) {
	if e.open {
		e.fail(fmt.Errorf("encoder %s: copy recorded inside an open pass", e.label))
		return
	}
	s, err := e.dev.lookup(src)
	if err != nil {
		e.fail(err)
		return
	}
	d, err := e.dev.lookup(dst)
	if err != nil {
		e.fail(err)
		return
	}
	e.cmds = append(e.cmds, command{copy: &copyOp{src: s, dst: d, srcOffset: srcOffset, dstOffset: dstOffset, size: size}})
}

func (e *encoder) Finish() (gpu.CommandBuffer, error) {
	if e.finished {
		return nil, fmt.Errorf("encoder %s: already finished", e.label)
	}
	e.finished = true
	if e.open {
		e.fail(fmt.Errorf("encoder %s: compute pass not ended", e.label))
	}
	if e.err != nil {
		return nil, e.err
	}
	return &commandBuffer{label: e.label, cmds: e.cmds}, nil
}

type pass struct {
	enc      *encoder
	label    string
	pipeline *pipeline
	group    *bindGroup
	ended    bool
}

func (p *pass) SetPipeline(cp gpu.ComputePipeline) {
	pl, ok := cp.(*pipeline)
	if !ok || pl == nil {
		p.enc.fail(fmt.Errorf("pass %s: invalid pipeline %T", p.label, cp))
		return
	}
	p.pipeline = pl
}

func (p *pass) SetBindGroup(index uint32, group gpu.BindGroup) {
	if index != 0 {
		p.enc.fail(fmt.Errorf("pass %s: only bind group 0 is supported, got %d", p.label, index))
		return
	}
	bg, ok := group.(*bindGroup)
	if !ok || bg == nil {
		p.enc.fail(fmt.Errorf("pass %s: invalid bind group %T", p.label, group))
		return
	}
	p.group = bg
}

func (p *pass) DispatchWorkgroups(x, y, z uint32) {
	if p.ended {
		p.enc.fail(fmt.Errorf("pass %s: dispatch after end", p.label))
		return
	}
	if p.pipeline == nil {
		p.enc.fail(fmt.Errorf("pass %s: dispatch without pipeline", p.label))
		return
	}
	if p.group == nil {
		p.enc.fail(fmt.Errorf("pass %s: dispatch without bind group", p.label))
		return
	}
	p.enc.cmds = append(p.enc.cmds, command{dispatch: &dispatch{
		label:      p.pipeline.label,
		pipeline:   p.pipeline,
		group:      p.group,
		workgroups: [3]uint32{x, y, z},
	}})
}

func (p *pass) End() {
	if p.ended {
		return
	}
	p.ended = true
	p.enc.open = false
}

var errReused = errors.New("command buffer submitted twice")

// Submit runs cmds in order. done is called after the device lock is
// released, so it may destroy buffers.
func (d *Device) Submit(done func(), cmds ...gpu.CommandBuffer) error {
	if err := d.execute(cmds); err != nil {
		return err
	}
	if done != nil {
		done()
	}
	return nil
}

func (d *Device) execute(cmds []gpu.CommandBuffer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return gpu.ErrDeviceLost
	}
	for _, c := range cmds {
		cb, ok := c.(*commandBuffer)
		if !ok {
			return fmt.Errorf("submit: foreign command buffer %T", c)
		}
		if cb.used {
			return fmt.Errorf("submit %s: %w", cb.label, errReused)
		}
		cb.used = true
		for _, cmd := range cb.cmds {
			var err error
			if cmd.dispatch != nil {
				err = d.run(cmd.dispatch)
			} else {
				err = d.copyBuffer(cmd.copy)
			}
			if err != nil {
				return fmt.Errorf("submit %s: %w", cb.label, err)
			}
		}
	}
	return nil
}

func (d *Device) run(dc *dispatch) error {
	bindings := make(map[uint32][]byte, len(dc.group.entries))
	for binding, r := range dc.group.entries {
		if r.buf.destroyed {
			return fmt.Errorf("%s: binding %d uses destroyed buffer %s", dc.label, binding, r.buf.label)
		}
		bindings[binding] = r.buf.data[r.offset : r.offset+r.size]
	}
	inv := gpu.NewInvocation(dc.label, dc.workgroups, bindings)
	if err := dc.pipeline.kernel(inv); err != nil {
		return fmt.Errorf("%s: %w", dc.label, err)
	}
	return nil
}

func (d *Device) copyBuffer(c *copyOp) error {
	if c.src.destroyed || c.dst.destroyed {
		return fmt.Errorf("copy %s -> %s: destroyed buffer", c.src.label, c.dst.label)
	}
	if c.srcOffset+c.size > uint64(len(c.src.data)) || c.dstOffset+c.size > uint64(len(c.dst.data)) {
		return fmt.Errorf("copy %s -> %s: range out of bounds", c.src.label, c.dst.label)
	}
	copy(c.dst.data[c.dstOffset:c.dstOffset+c.size], c.src.data[c.srcOffset:c.srcOffset+c.size])
	return nil
}
