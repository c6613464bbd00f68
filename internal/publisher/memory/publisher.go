// Package memory keeps published records in memory, for tests and embedding.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/JakeFAU/quotes-crawler/internal/crawler"
)

// ErrStopped is returned by Consume after Stop.
var ErrStopped = errors.New("memory publisher stopped")

// Publisher stores every consumed record in arrival order.
type Publisher struct {
	mu      sync.RWMutex
	records []crawler.Record
	stopped bool
}

var _ crawler.Consumer = (*Publisher)(nil)

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Consume appends record.
func (p *Publisher) Consume(_ context.Context, record crawler.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	p.records = append(p.records, record)
	return nil
}

// Records returns a copy of everything consumed so far.
func (p *Publisher) Records() []crawler.Record {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]crawler.Record, len(p.records))
	copy(out, p.records)
	return out
}

// ByPage groups the consumed records by page index, keeping arrival order.
func (p *Publisher) ByPage() map[int][]crawler.Record {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[int][]crawler.Record)
	for _, r := range p.records {
		out[r.Page] = append(out[r.Page], r)
	}
	return out
}

// Stop makes later Consume calls fail.
func (p *Publisher) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
}
