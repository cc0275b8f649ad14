package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/samcharles93/kiln/internal/gpu"
	"golang.org/x/sync/errgroup"
)

// Pending is a pipeline that is either still compiling or resolved.
type Pending struct {
	key  Key
	done chan struct{}
	p    *Pipeline
	err  error
}

func newPending(key Key) *Pending {
	return &Pending{key: key, done: make(chan struct{})}
}

func resolved(key Key, p *Pipeline, err error) *Pending {
	pend := newPending(key)
	pend.resolve(p, err)
	return pend
}

func (p *Pending) resolve(pl *Pipeline, err error) {
	p.p, p.err = pl, err
	close(p.done)
}

func (p *Pending) Key() Key { return p.key }

// Ready reports whether Wait would return without blocking.
func (p *Pending) Ready() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *Pending) Wait(ctx context.Context) (*Pipeline, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return p.p, p.err
	}
}

type PrewarmOptions struct {
	// SkipUnsupported records variants needing absent features as skipped
	// instead of failing the warmup.
	SkipUnsupported bool
	// Concurrency bounds parallel compiles; zero means four.
	Concurrency int
}

type PrewarmResult struct {
	Key     Key           `json:"key"`
	Took    time.Duration `json:"took"`
	Skipped bool          `json:"skipped,omitempty"`
	Err     error         `json:"-"`
}

// Prewarm compiles keys, or every registered variant when keys is empty.
// The returned slice has one result per key in order.
func (c *Cache) Prewarm(ctx context.Context, opts PrewarmOptions, keys ...Key) ([]PrewarmResult, error) {
	if len(keys) == 0 {
		keys = c.Keys()
	}
	limit := opts.Concurrency
	if limit <= 0 {
		limit = 4
	}
	results := make([]PrewarmResult, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, key := range keys {
		g.Go(func() error {
			start := time.Now()
			_, err := c.GetPipeline(gctx, key.Op, key.Variant)
			res := PrewarmResult{Key: key, Took: time.Since(start), Err: err}
			if err != nil && opts.SkipUnsupported && errors.Is(err, gpu.ErrMissingFeature) {
				res.Skipped = true
				res.Err = nil
				err = nil
			}
			results[i] = res
			return err
		})
	}
	err := g.Wait()
	return results, err
}
