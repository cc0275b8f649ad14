// Package gpu defines the device surface the runtime dispatches against.
//
// The interfaces mirror the WebGPU object model (buffers, shader modules,
// layouts, compute pipelines, bind groups, command encoders, a single queue)
// so that the software device in gpu/soft and the native device in
// gpu/webgpu are interchangeable.
package gpu

import "context"

// BufferUsage is a bit set of buffer usages. Values match WebGPU.
type BufferUsage uint32

const (
	UsageMapRead  BufferUsage = 0x0001
	UsageMapWrite BufferUsage = 0x0002
	UsageCopySrc  BufferUsage = 0x0004
	UsageCopyDst  BufferUsage = 0x0008
	UsageUniform  BufferUsage = 0x0040
	UsageStorage  BufferUsage = 0x0080
)

// StorageUsage is the usage set given to every tensor buffer.
const StorageUsage = UsageStorage | UsageCopySrc | UsageCopyDst

// UniformUsage is the usage set given to every parameter block.
const UniformUsage = UsageUniform | UsageCopyDst

func (u BufferUsage) Has(flag BufferUsage) bool { return u&flag == flag }

type BufferDescriptor struct {
	Label string
	Size  uint64
	Usage BufferUsage
}

type Buffer interface {
	Label() string
	Size() uint64
	Usage() BufferUsage
}

type ShaderModuleDescriptor struct {
	Label string
	Code  string
}

type ShaderModule interface {
	Label() string
}

// BindingType describes how a shader sees a bound buffer.
type BindingType int

const (
	BindingUniform BindingType = iota
	BindingStorage
	BindingReadOnlyStorage
)

type LayoutEntry struct {
	Binding uint32
	Type    BindingType
}

type BindGroupLayout interface{}

type PipelineLayout interface{}

type ComputePipelineDescriptor struct {
	Label      string
	Layout     PipelineLayout
	Module     ShaderModule
	EntryPoint string
}

type ComputePipeline interface {
	Label() string
}

type BindGroupEntry struct {
	Binding uint32
	Buffer  Buffer
	Offset  uint64
	// Size of the bound range; zero binds the rest of the buffer.
	Size uint64
}

type BindGroup interface{}

type CommandBuffer interface{}

type CommandEncoder interface {
	BeginComputePass(label string) ComputePass
	CopyBufferToBuffer(src Buffer, srcOffset uint64, dst Buffer, dstOffset, size uint64)
	Finish() (CommandBuffer, error)
}

type ComputePass interface {
	SetPipeline(p ComputePipeline)
	SetBindGroup(index uint32, group BindGroup)
	DispatchWorkgroups(x, y, z uint32)
	End()
}

// Device is a single logical GPU with one queue.
type Device interface {
	Capabilities() Capabilities

	CreateBuffer(desc BufferDescriptor) (Buffer, error)
	DestroyBuffer(buf Buffer)
	WriteBuffer(buf Buffer, offset uint64, data []byte) error
	// ReadBuffer copies size bytes starting at offset back to the host after
	// all previously submitted work has completed.
	ReadBuffer(ctx context.Context, buf Buffer, offset, size uint64) ([]byte, error)

	// CreateShaderModule returns a *CompileError when the source is rejected.
	CreateShaderModule(desc ShaderModuleDescriptor) (ShaderModule, error)
	CreateBindGroupLayout(label string, entries []LayoutEntry) (BindGroupLayout, error)
	CreatePipelineLayout(label string, layouts ...BindGroupLayout) (PipelineLayout, error)
	CreateComputePipeline(desc ComputePipelineDescriptor) (ComputePipeline, error)
	CreateBindGroup(label string, layout BindGroupLayout, entries []BindGroupEntry) (BindGroup, error)
	CreateCommandEncoder(label string) (CommandEncoder, error)

	// Submit enqueues command buffers in order. done, when non-nil, runs once
	// the device has retired the submitted work.
	Submit(done func(), cmds ...CommandBuffer) error

	Close() error
}
