package kvcache

import (
	"errors"
	"fmt"
)

// ErrFull is returned when the cold store has no free page left.
var ErrFull = errors.New("kvcache: cold store full")

// Pages hands out physical page numbers of a fixed size store. Freed pages
// are reused before untouched ones.
type Pages struct {
	free  []uint32
	inUse map[uint32]struct{}
	total int
}

func NewPages(total int) *Pages {
	p := &Pages{
		free:  make([]uint32, 0, total),
		inUse: make(map[uint32]struct{}, total),
		total: total,
	}
	for i := total - 1; i >= 0; i-- {
		p.free = append(p.free, uint32(i))
	}
	return p
}

// Alloc takes the next free page.
func (p *Pages) Alloc() (uint32, error) {
	if len(p.free) == 0 {
		return 0, fmt.Errorf("%w: %d pages in use", ErrFull, p.total)
	}
	n := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.inUse[n] = struct{}{}
	return n, nil
}

func (p *Pages) Free(n uint32) error {
	if _, ok := p.inUse[n]; !ok {
		return fmt.Errorf("kvcache: page %d is not allocated", n)
	}
	delete(p.inUse, n)
	p.free = append(p.free, n)
	return nil
}

func (p *Pages) InUse() int { return len(p.inUse) }

func (p *Pages) Total() int { return p.total }
