// Package recorder batches kernel dispatches into one compute pass and one
// queue submission.
package recorder

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/samcharles93/kiln/internal/gpu"
	"github.com/samcharles93/kiln/internal/logger"
	"github.com/samcharles93/kiln/internal/metrics"
	"github.com/samcharles93/kiln/internal/pipeline"
	"github.com/samcharles93/kiln/internal/pool"
)

var (
	// ErrClosed is returned when recording into a recorder that was already
	// submitted or aborted.
	ErrClosed   = errors.New("recorder already submitted or aborted")
	ErrPipeline = errors.New("dispatch without a compiled pipeline")
)

// Runtime is what a recorder borrows from its owner.
type Runtime interface {
	Device() gpu.Device
	Pool() *pool.Pool
	Uniforms() *pool.UniformCache
	Logger() logger.Logger
	Metrics() *metrics.Metrics
}

type state int

const (
	recording state = iota
	submitted
	aborted
)

// Recorder collects dispatches for a single submission. It is not safe for
// concurrent use. Temporary buffers and pinned uniforms tracked on it are
// returned only after the device reports the submitted work done, or
// immediately when recording fails.
type Recorder struct {
	id    uuid.UUID
	label string
	rt    Runtime
	dev   gpu.Device
	log   logger.Logger

	enc        gpu.CommandEncoder
	pass       gpu.ComputePass
	dispatches int
	temps      []gpu.Buffer
	uniforms   []gpu.Buffer
	err        error
	state      state
}

func New(rt Runtime, label string) (*Recorder, error) {
	dev := rt.Device()
	enc, err := dev.CreateCommandEncoder(label)
	if err != nil {
		return nil, fmt.Errorf("recorder %s: %w", label, err)
	}
	id := uuid.New()
	return &Recorder{
		id:    id,
		label: label,
		rt:    rt,
		dev:   dev,
		log:   rt.Logger().With("component", "recorder", "recorder", id.String(), "label", label),
		enc:   enc,
	}, nil
}

func (r *Recorder) ID() uuid.UUID { return r.id }

func (r *Recorder) Label() string { return r.label }

// Dispatches is the number of dispatches recorded so far.
func (r *Recorder) Dispatches() int { return r.dispatches }

// Err returns the first recording failure, if any.
func (r *Recorder) Err() error { return r.err }

// Fail marks the recording as failed. Later calls keep the first error.
func (r *Recorder) Fail(err error) {
	if err != nil && r.err == nil {
		r.err = err
	}
}

func (r *Recorder) usable() bool {
	if r.state != recording {
		r.Fail(ErrClosed)
		return false
	}
	return r.err == nil
}

// BeginComputePass opens the recorder's pass. Dispatch opens it on demand,
// so calling this is only needed to give the pass a label.
func (r *Recorder) BeginComputePass(label string) {
	if !r.usable() || r.pass != nil {
		return
	}
	if label == "" {
		label = r.label
	}
	r.pass = r.enc.BeginComputePass(label)
}

// Dispatch binds entries against the pipeline's layout and records a
// dispatch of x*y*z workgroups.
func (r *Recorder) Dispatch(p *pipeline.Pipeline, entries []gpu.BindGroupEntry, x, y, z uint32) {
	if !r.usable() {
		return
	}
	if p == nil {
		r.Fail(ErrPipeline)
		return
	}
	bg, err := r.dev.CreateBindGroup(p.Key.String(), p.BindLayout, entries)
	if err != nil {
		r.Fail(fmt.Errorf("dispatch %s: %w", p.Key, err))
		return
	}
	r.BeginComputePass("")
	r.pass.SetPipeline(p.Compute)
	r.pass.SetBindGroup(0, bg)
	r.pass.DispatchWorkgroups(x, y, z)
	r.dispatches++
	r.rt.Metrics().KernelRun(p.Key.Op, p.Key.Variant)
}

// TrackTemporaryBuffer hands buf back to the pool once the submission
// completes.
func (r *Recorder) TrackTemporaryBuffer(buf gpu.Buffer) {
	if buf != nil {
		r.temps = append(r.temps, buf)
	}
}

// TrackUniform unpins buf once the submission completes.
func (r *Recorder) TrackUniform(buf gpu.Buffer) {
	if buf != nil {
		r.uniforms = append(r.uniforms, buf)
	}
}

// Scratch acquires a pooled storage buffer that lives until the submission
// completes.
func (r *Recorder) Scratch(size uint64, label string) (gpu.Buffer, error) {
	buf, err := r.rt.Pool().Acquire(size, gpu.StorageUsage, label)
	if err != nil {
		r.Fail(err)
		return nil, err
	}
	r.TrackTemporaryBuffer(buf)
	return buf, nil
}

// Uniform returns a cached uniform buffer holding data, pinned until the
// submission completes.
func (r *Recorder) Uniform(data []byte, label string) (gpu.Buffer, error) {
	buf, err := r.rt.Uniforms().Get(data, label)
	if err != nil {
		r.Fail(err)
		return nil, err
	}
	r.TrackUniform(buf)
	return buf, nil
}

// Submit ends the pass and submits the command buffer. If recording failed
// nothing is submitted and the recording error is returned.
func (r *Recorder) Submit(ctx context.Context) error {
	if r.state != recording {
		return ErrClosed
	}
	if r.err == nil {
		r.Fail(ctx.Err())
	}
	if r.err != nil {
		err := r.err
		r.abort()
		r.rt.Metrics().Submitted(r.dispatches, err)
		return err
	}
	if r.pass != nil {
		r.pass.End()
		r.pass = nil
	}
	cb, err := r.enc.Finish()
	if err != nil {
		r.abort()
		r.rt.Metrics().Submitted(r.dispatches, err)
		return fmt.Errorf("recorder %s: %w", r.label, err)
	}

	temps, uniforms := r.temps, r.uniforms
	r.temps, r.uniforms = nil, nil
	if err := r.dev.Submit(func() { r.release(temps, uniforms) }, cb); err != nil {
		r.release(temps, uniforms)
		r.state = aborted
		r.rt.Metrics().Submitted(r.dispatches, err)
		return fmt.Errorf("recorder %s: %w", r.label, err)
	}
	r.state = submitted
	r.rt.Metrics().Submitted(r.dispatches, nil)
	r.log.Debug("submitted", "dispatches", r.dispatches, "temporaries", len(temps))
	return nil
}

// Abort discards everything recorded and returns tracked buffers. It is a
// no-op after Submit.
func (r *Recorder) Abort() {
	if r.state != recording {
		return
	}
	r.abort()
	r.rt.Metrics().Aborted()
}

func (r *Recorder) abort() {
	if r.pass != nil {
		r.pass.End()
		r.pass = nil
	}
	r.release(r.temps, r.uniforms)
	r.temps, r.uniforms = nil, nil
	r.state = aborted
	if r.err != nil {
		r.log.Warn("recording aborted", "dispatches", r.dispatches, "error", r.err)
	}
}

func (r *Recorder) release(temps, uniforms []gpu.Buffer) {
	p := r.rt.Pool()
	for _, buf := range temps {
		if err := p.Release(buf); err != nil {
			r.log.Warn("temporary release failed", "buffer", buf.Label(), "error", err)
		}
	}
	u := r.rt.Uniforms()
	for _, buf := range uniforms {
		u.Unpin(buf)
	}
}
