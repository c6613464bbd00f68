// Package pool bounds how many page tasks may do work at once.
package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// DefaultCapacity matches the reference concurrency limit.
const DefaultCapacity = 16

// Pool hands out at most Capacity slots at a time. Waiters are admitted in
// arrival order.
type Pool struct {
	sem      *semaphore.Weighted
	capacity int
	inUse    atomic.Int64
	peak     atomic.Int64
	onChange func(inUse int)
}

// Option customizes a Pool.
type Option func(*Pool)

// WithObserver registers fn to be called with the in-use count after every
// acquire and release.
func WithObserver(fn func(inUse int)) Option {
	return func(p *Pool) {
		p.onChange = fn
	}
}

// New builds a pool with the given capacity.
func New(capacity int, opts ...Option) (*Pool, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("pool capacity must be >= 1, got %d", capacity)
	}
	p := &Pool{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: capacity,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Slot is one unit of admission. Release returns it to the pool.
type Slot struct {
	pool *Pool
	once sync.Once
}

// Acquire blocks until a slot is free or ctx is done.
func (p *Pool) Acquire(ctx context.Context) (*Slot, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire slot: %w", err)
	}
	n := p.inUse.Add(1)
	for {
		cur := p.peak.Load()
		if n <= cur || p.peak.CompareAndSwap(cur, n) {
			break
		}
	}
	p.observe(n)
	return &Slot{pool: p}, nil
}

// Release returns the slot. Only the first call has an effect.
func (s *Slot) Release() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		n := s.pool.inUse.Add(-1)
		s.pool.sem.Release(1)
		s.pool.observe(n)
	})
}

// Do runs fn while holding a slot and releases it on every exit path,
// including a panic in fn.
func (p *Pool) Do(ctx context.Context, fn func(context.Context) error) error {
	slot, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer slot.Release()
	return fn(ctx)
}

// Capacity reports the configured slot count.
func (p *Pool) Capacity() int { return p.capacity }

// InUse reports how many slots are held right now.
func (p *Pool) InUse() int { return int(p.inUse.Load()) }

// Peak reports the highest number of slots ever held at once.
func (p *Pool) Peak() int { return int(p.peak.Load()) }

func (p *Pool) observe(n int64) {
	if p.onChange != nil {
		p.onChange(int(n))
	}
}
