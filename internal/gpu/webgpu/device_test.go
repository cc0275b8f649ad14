//go:build webgpu

package webgpu

import (
	"context"
	"errors"
	"testing"

	"github.com/samcharles93/kiln/internal/gpu"
)

func openOrSkip(t *testing.T) *Device {
	t.Helper()
	d, err := Open(nil)
	if err != nil {
		t.Skipf("no webgpu adapter: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestBufferRoundTrip(t *testing.T) {
	d := openOrSkip(t)
	buf, err := d.CreateBuffer(gpu.BufferDescriptor{Label: "rt", Size: 16, Usage: gpu.StorageUsage})
	if err != nil {
		t.Fatalf("CreateBuffer: %v", err)
	}
	defer d.DestroyBuffer(buf)

	want := gpu.F32Bytes([]float32{1, 2, 3, 4})
	if err := d.WriteBuffer(buf, 0, want); err != nil {
		t.Fatalf("WriteBuffer: %v", err)
	}
	got, err := d.ReadBuffer(context.Background(), buf, 4, 8)
	if err != nil {
		t.Fatalf("ReadBuffer: %v", err)
	}
	if string(got) != string(want[4:12]) {
		t.Fatalf("read back %v, want %v", got, want[4:12])
	}
}

func TestCompileErrorSurfaces(t *testing.T) {
	d := openOrSkip(t)
	_, err := d.CreateShaderModule(gpu.ShaderModuleDescriptor{Label: "broken", Code: "fn main( {"})
	var ce *gpu.CompileError
	if !errors.As(err, &ce) {
		t.Fatalf("got %v, want *gpu.CompileError", err)
	}
}
