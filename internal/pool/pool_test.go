package pool

import (
	"errors"
	"testing"

	"github.com/samcharles93/kiln/internal/gpu"
	"github.com/samcharles93/kiln/internal/gpu/soft"
	"github.com/samcharles93/kiln/internal/metrics"
	"github.com/stretchr/testify/require"
)

func newDevice(t *testing.T) *soft.Device {
	t.Helper()
	d := soft.New(soft.Options{Capabilities: &gpu.Capabilities{Platform: "test"}})
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestSizeClass(t *testing.T) {
	tests := []struct{ size, want uint64 }{
		{0, 256}, {1, 256}, {256, 256}, {257, 512}, {4096, 4096}, {5000, 8192},
	}
	for _, tc := range tests {
		require.Equal(t, tc.want, SizeClass(tc.size, 256), "size %d", tc.size)
	}
}

func TestAcquireNeverAliases(t *testing.T) {
	p := New(newDevice(t), Config{}, nil, metrics.New())
	a, err := p.Acquire(1000, gpu.StorageUsage, "a")
	require.NoError(t, err)
	b, err := p.Acquire(1000, gpu.StorageUsage, "b")
	require.NoError(t, err)
	require.NotSame(t, a, b)
	require.Equal(t, uint64(1024), a.Size())
	require.Equal(t, 2, p.Stats().Outstanding)
}

func TestReleaseThenAcquireReuses(t *testing.T) {
	p := New(newDevice(t), Config{}, nil, nil)
	a, err := p.Acquire(600, gpu.StorageUsage, "a")
	require.NoError(t, err)
	require.NoError(t, p.Release(a))

	b, err := p.Acquire(1000, gpu.StorageUsage, "b")
	require.NoError(t, err)
	require.Same(t, a, b, "same size class should reuse the released buffer")

	c, err := p.Acquire(1000, gpu.UniformUsage, "c")
	require.NoError(t, err)
	require.NotSame(t, a, c, "different usage must not share a bucket")

	s := p.Stats()
	require.Equal(t, uint64(1), s.Reuses)
	require.Equal(t, uint64(2), s.Allocations)
}

func TestDoubleReleaseFails(t *testing.T) {
	p := New(newDevice(t), Config{}, nil, nil)
	a, err := p.Acquire(16, gpu.StorageUsage, "a")
	require.NoError(t, err)
	require.NoError(t, p.Release(a))
	err = p.Release(a)
	require.True(t, errors.Is(err, ErrNotAcquired), "got %v", err)
}

func TestBucketCapDestroysExcess(t *testing.T) {
	dev := newDevice(t)
	p := New(dev, Config{MaxPerBucket: 1}, nil, nil)
	a, _ := p.Acquire(256, gpu.StorageUsage, "a")
	b, _ := p.Acquire(256, gpu.StorageUsage, "b")
	require.NoError(t, p.Release(a))
	require.NoError(t, p.Release(b))

	s := p.Stats()
	require.Equal(t, 1, s.RetainedBuffers)
	require.Equal(t, uint64(1), s.Destroyed)
	require.Equal(t, 1, dev.LiveBuffers())
}

func TestGlobalCapDestroysExcess(t *testing.T) {
	dev := newDevice(t)
	p := New(dev, Config{MaxRetainedBytes: 1024}, nil, nil)
	a, _ := p.Acquire(1024, gpu.StorageUsage, "a")
	b, _ := p.Acquire(512, gpu.StorageUsage, "b")
	require.NoError(t, p.Release(a))
	require.NoError(t, p.Release(b))
	s := p.Stats()
	require.Equal(t, uint64(1024), s.RetainedBytes)
	require.Equal(t, uint64(1), s.Destroyed)
}

func TestClearDestroysRetained(t *testing.T) {
	dev := newDevice(t)
	p := New(dev, Config{}, nil, nil)
	a, _ := p.Acquire(256, gpu.StorageUsage, "a")
	b, _ := p.Acquire(256, gpu.StorageUsage, "b")
	require.NoError(t, p.Release(a))
	p.Clear()
	require.Equal(t, 1, dev.LiveBuffers(), "only the outstanding buffer should remain")
	require.True(t, p.Outstanding(b))
	require.NoError(t, p.Release(b))
}
