// Package pool recycles device buffers by size class and caches uniform
// parameter blocks by content.
package pool

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"

	"github.com/samcharles93/kiln/internal/gpu"
	"github.com/samcharles93/kiln/internal/logger"
	"github.com/samcharles93/kiln/internal/metrics"
)

const (
	DefaultMinSize          = 256
	DefaultMaxPerBucket     = 16
	DefaultMaxRetainedBytes = 256 << 20
)

// ErrNotAcquired is returned when releasing a buffer that is not checked out.
var ErrNotAcquired = errors.New("buffer not checked out from this pool")

// Allocator is the subset of gpu.Device the pool needs.
type Allocator interface {
	CreateBuffer(desc gpu.BufferDescriptor) (gpu.Buffer, error)
	DestroyBuffer(buf gpu.Buffer)
}

type Config struct {
	MinSize          uint64 `yaml:"min_size" json:"min_size"`
	MaxPerBucket     int    `yaml:"max_per_bucket" json:"max_per_bucket"`
	MaxRetainedBytes uint64 `yaml:"max_retained_bytes" json:"max_retained_bytes"`
}

func (c Config) withDefaults() Config {
	if c.MinSize == 0 {
		c.MinSize = DefaultMinSize
	}
	if c.MaxPerBucket == 0 {
		c.MaxPerBucket = DefaultMaxPerBucket
	}
	if c.MaxRetainedBytes == 0 {
		c.MaxRetainedBytes = DefaultMaxRetainedBytes
	}
	return c
}

type Stats struct {
	Allocations     uint64 `json:"allocations"`
	Reuses          uint64 `json:"reuses"`
	Releases        uint64 `json:"releases"`
	Destroyed       uint64 `json:"destroyed"`
	Outstanding     int    `json:"outstanding"`
	RetainedBuffers int    `json:"retained_buffers"`
	RetainedBytes   uint64 `json:"retained_bytes"`
}

type bucketKey struct {
	size  uint64
	usage gpu.BufferUsage
}

// Pool hands out buffers rounded up to a power-of-two size class. A buffer
// has at most one borrower; released buffers are kept per (class, usage)
// until a bucket or the global byte cap is reached, after which they are
// destroyed. Reused buffers keep their previous contents.
type Pool struct {
	mu       sync.Mutex
	dev      Allocator
	cfg      Config
	buckets  map[bucketKey][]gpu.Buffer
	out      map[gpu.Buffer]struct{}
	retained uint64
	stats    Stats
	log      logger.Logger
	metrics  *metrics.Metrics
}

func New(dev Allocator, cfg Config, log logger.Logger, m *metrics.Metrics) *Pool {
	if log == nil {
		log = logger.Discard()
	}
	return &Pool{
		dev:     dev,
		cfg:     cfg.withDefaults(),
		buckets: make(map[bucketKey][]gpu.Buffer),
		out:     make(map[gpu.Buffer]struct{}),
		log:     log.With("component", "pool"),
		metrics: m,
	}
}

// SizeClass rounds size up to the next power of two, at least min.
func SizeClass(size, min uint64) uint64 {
	if size < min {
		size = min
	}
	if size&(size-1) == 0 {
		return size
	}
	return 1 << bits.Len64(size)
}

func (p *Pool) Config() Config { return p.cfg }

// Acquire returns a buffer of at least size bytes. An empty bucket is not an
// error; a fresh buffer is allocated.
func (p *Pool) Acquire(size uint64, usage gpu.BufferUsage, label string) (gpu.Buffer, error) {
	key := bucketKey{size: SizeClass(size, p.cfg.MinSize), usage: usage}

	p.mu.Lock()
	if free := p.buckets[key]; len(free) > 0 {
		buf := free[len(free)-1]
		p.buckets[key] = free[:len(free)-1]
		p.retained -= key.size
		p.out[buf] = struct{}{}
		p.stats.Reuses++
		p.mu.Unlock()
		p.metrics.PoolAcquire(true)
		return buf, nil
	}
	p.mu.Unlock()

	buf, err := p.dev.CreateBuffer(gpu.BufferDescriptor{Label: label, Size: key.size, Usage: usage})
	if err != nil {
		return nil, fmt.Errorf("pool: allocate %d bytes for %s: %w", key.size, label, err)
	}
	p.mu.Lock()
	p.out[buf] = struct{}{}
	p.stats.Allocations++
	p.mu.Unlock()
	p.metrics.PoolAcquire(false)
	p.log.Debug("allocated buffer", "label", label, "size", key.size, "requested", size)
	return buf, nil
}

// Release returns buf to its bucket. After Release the caller must not use
// buf again.
func (p *Pool) Release(buf gpu.Buffer) error {
	if buf == nil {
		return nil
	}
	p.mu.Lock()
	if _, ok := p.out[buf]; !ok {
		p.mu.Unlock()
		return fmt.Errorf("release %s: %w", buf.Label(), ErrNotAcquired)
	}
	delete(p.out, buf)
	p.stats.Releases++

	key := bucketKey{size: buf.Size(), usage: buf.Usage()}
	keep := len(p.buckets[key]) < p.cfg.MaxPerBucket && p.retained+key.size <= p.cfg.MaxRetainedBytes
	if keep {
		p.buckets[key] = append(p.buckets[key], buf)
		p.retained += key.size
	} else {
		p.stats.Destroyed++
	}
	retained := p.retained
	p.mu.Unlock()

	if !keep {
		p.dev.DestroyBuffer(buf)
	}
	p.metrics.PoolRelease(keep, retained)
	return nil
}

// Outstanding reports whether buf is currently checked out.
func (p *Pool) Outstanding(buf gpu.Buffer) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.out[buf]
	return ok
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Outstanding = len(p.out)
	s.RetainedBytes = p.retained
	for _, free := range p.buckets {
		s.RetainedBuffers += len(free)
	}
	return s
}

// Clear destroys every retained buffer. Checked-out buffers stay valid and
// are destroyed or retained when released.
func (p *Pool) Clear() {
	p.mu.Lock()
	var drop []gpu.Buffer
	for key, free := range p.buckets {
		drop = append(drop, free...)
		delete(p.buckets, key)
	}
	p.stats.Destroyed += uint64(len(drop))
	p.retained = 0
	p.mu.Unlock()

	for _, buf := range drop {
		p.dev.DestroyBuffer(buf)
	}
	p.metrics.SetPoolRetained(0)
	if len(drop) > 0 {
		p.log.Debug("cleared pool", "destroyed", len(drop))
	}
}
