package gpu

import "fmt"

// HostKernel executes one dispatch of a compute entry point on the host.
// Devices without a shader compiler run these in place of the WGSL body.
type HostKernel func(inv *Invocation) error

// KernelRegistrar is implemented by devices that execute host kernels.
// module is the shader module label: the shader file plus any template
// defines it was rendered with.
type KernelRegistrar interface {
	RegisterKernel(module, entryPoint string, kernel HostKernel)
}

// Invocation is the view a host kernel gets of one dispatch.
type Invocation struct {
	Label      string
	Workgroups [3]uint32
	bindings   map[uint32][]byte
}

func NewInvocation(label string, workgroups [3]uint32, bindings map[uint32][]byte) *Invocation {
	return &Invocation{Label: label, Workgroups: workgroups, bindings: bindings}
}

// Binding returns the bound byte range. Writes go straight to the buffer.
func (inv *Invocation) Binding(index uint32) ([]byte, error) {
	b, ok := inv.bindings[index]
	if !ok {
		return nil, fmt.Errorf("%s: binding %d not bound", inv.Label, index)
	}
	return b, nil
}

func (inv *Invocation) F32(index uint32) ([]float32, error) {
	b, err := inv.Binding(index)
	if err != nil {
		return nil, err
	}
	return DecodeF32(b), nil
}

func (inv *Invocation) U32(index uint32) ([]uint32, error) {
	b, err := inv.Binding(index)
	if err != nil {
		return nil, err
	}
	return DecodeU32(b), nil
}

// Store encodes v into the binding starting at element 0.
func (inv *Invocation) Store(index uint32, v []float32) error {
	b, err := inv.Binding(index)
	if err != nil {
		return err
	}
	if len(b) < len(v)*4 {
		return fmt.Errorf("%s: binding %d holds %d bytes, need %d", inv.Label, index, len(b), len(v)*4)
	}
	EncodeF32(b, v)
	return nil
}

// StoreF16 narrows v to half precision into the binding.
func (inv *Invocation) StoreF16(index uint32, v []float32) error {
	b, err := inv.Binding(index)
	if err != nil {
		return err
	}
	if len(b) < len(v)*2 {
		return fmt.Errorf("%s: binding %d holds %d bytes, need %d", inv.Label, index, len(b), len(v)*2)
	}
	EncodeF16(b, v)
	return nil
}

func (inv *Invocation) F16(index uint32) ([]float32, error) {
	b, err := inv.Binding(index)
	if err != nil {
		return nil, err
	}
	return DecodeF16(b), nil
}

// StoreU32 writes v into the binding starting at element 0.
func (inv *Invocation) StoreU32(index uint32, v []uint32) error {
	b, err := inv.Binding(index)
	if err != nil {
		return err
	}
	if len(b) < len(v)*4 {
		return fmt.Errorf("%s: binding %d holds %d bytes, need %d", inv.Label, index, len(b), len(v)*4)
	}
	EncodeU32(b, v)
	return nil
}
