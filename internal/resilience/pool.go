package resilience

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Pool bounds the number of concurrent upstream provider streams with a
// weighted semaphore. A slot is held for a whole turn.
type Pool struct {
	sem   *semaphore.Weighted
	size  int
	inUse atomic.Int64
}

// NewPool creates a Pool with at most limit concurrent holders.
func NewPool(limit int) *Pool {
	if limit < 1 {
		limit = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(limit)), size: limit}
}

// Acquire blocks until a slot is free or ctx is done. The returned release
// function is idempotent and must be called on every exit path.
func (p *Pool) Acquire(ctx context.Context) (release func(), err error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	p.inUse.Add(1)

	var once sync.Once
	return func() {
		once.Do(func() {
			p.inUse.Add(-1)
			p.sem.Release(1)
		})
	}, nil
}

// InUse returns the number of held slots.
func (p *Pool) InUse() int { return int(p.inUse.Load()) }

// Size returns the pool capacity.
func (p *Pool) Size() int { return p.size }
