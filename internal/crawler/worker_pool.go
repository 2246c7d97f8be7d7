package crawler

import (
	"context"
	"sync"
)

type lane func(ctx context.Context, id int)

// LanePool runs a fixed number of lanes, each pulling from the frontier
// until it reports exhaustion.
type LanePool struct {
	size int
	wg   sync.WaitGroup
}

// NewLanePool creates a pool with the given number of lanes.
func NewLanePool(size int) (*LanePool, error) {
	if size <= 0 {
		return nil, ErrInvalidParallelism
	}
	return &LanePool{size: size}, nil
}

// Run starts every lane and blocks until all of them have returned.
func (p *LanePool) Run(ctx context.Context, fn lane) {
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			fn(ctx, id)
		}(i)
	}
	p.wg.Wait()
}
