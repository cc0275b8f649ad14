package pool

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/samcharles93/kiln/internal/gpu"
	"github.com/samcharles93/kiln/internal/logger"
	"github.com/samcharles93/kiln/internal/metrics"
	"github.com/samcharles93/kiln/internal/uniform"
)

const DefaultUniformEntries = 256

// UniformDevice is the subset of gpu.Device the uniform cache needs.
type UniformDevice interface {
	Allocator
	WriteBuffer(buf gpu.Buffer, offset uint64, data []byte) error
}

type UniformConfig struct {
	MaxEntries int `yaml:"max_entries" json:"max_entries"`
}

type UniformStats struct {
	Entries   int    `json:"entries"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Pinned    int    `json:"pinned"`
}

type uniformEntry struct {
	buf     gpu.Buffer
	pins    int
	evicted bool
}

// UniformCache maps parameter-block bytes to a device uniform buffer so
// identical blocks share one upload. Buffers handed out by Get are pinned
// until Unpin; an entry evicted while pinned is destroyed on its last Unpin.
type UniformCache struct {
	mu      sync.Mutex
	dev     UniformDevice
	entries *lru.Cache[string, *uniformEntry]
	pinned  map[gpu.Buffer]*uniformEntry
	stats   UniformStats
	log     logger.Logger
	metrics *metrics.Metrics
}

func NewUniformCache(dev UniformDevice, cfg UniformConfig, log logger.Logger, m *metrics.Metrics) (*UniformCache, error) {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultUniformEntries
	}
	if log == nil {
		log = logger.Discard()
	}
	c := &UniformCache{
		dev:     dev,
		pinned:  make(map[gpu.Buffer]*uniformEntry),
		log:     log.With("component", "uniforms"),
		metrics: m,
	}
	entries, err := lru.NewWithEvict(cfg.MaxEntries, c.onEvict)
	if err != nil {
		return nil, fmt.Errorf("uniform cache: %w", err)
	}
	c.entries = entries
	return c, nil
}

// onEvict runs with c.mu held, from inside entries.Add or entries.Purge.
func (c *UniformCache) onEvict(_ string, e *uniformEntry) {
	e.evicted = true
	c.stats.Evictions++
	c.metrics.UniformEvicted()
	if e.pins == 0 {
		c.dev.DestroyBuffer(e.buf)
	}
}

// Get returns a pinned uniform buffer holding data.
func (c *UniformCache) Get(data []byte, label string) (gpu.Buffer, error) {
	key := string(data)

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries.Get(key); ok {
		e.pins++
		c.pinned[e.buf] = e
		c.stats.Hits++
		c.metrics.UniformLookup(true)
		return e.buf, nil
	}

	size := uint64(len(data)+uniform.Align-1) / uniform.Align * uniform.Align
	if size == 0 {
		size = uniform.Align
	}
	buf, err := c.dev.CreateBuffer(gpu.BufferDescriptor{Label: label, Size: size, Usage: gpu.UniformUsage})
	if err != nil {
		return nil, fmt.Errorf("uniform %s: %w", label, err)
	}
	if err := c.dev.WriteBuffer(buf, 0, data); err != nil {
		c.dev.DestroyBuffer(buf)
		return nil, fmt.Errorf("uniform %s: %w", label, err)
	}
	e := &uniformEntry{buf: buf, pins: 1}
	c.pinned[buf] = e
	c.entries.Add(key, e)
	c.stats.Misses++
	c.metrics.UniformLookup(false)
	return buf, nil
}

// Unpin releases one pin taken by Get.
func (c *UniformCache) Unpin(buf gpu.Buffer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.pinned[buf]
	if !ok {
		return
	}
	e.pins--
	if e.pins > 0 {
		return
	}
	delete(c.pinned, buf)
	if e.evicted {
		c.dev.DestroyBuffer(e.buf)
	}
}

func (c *UniformCache) Stats() UniformStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = c.entries.Len()
	s.Pinned = len(c.pinned)
	return s
}

// Clear evicts every entry. Pinned buffers survive until unpinned.
func (c *UniformCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Purge()
}
