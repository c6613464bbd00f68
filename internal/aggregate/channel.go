// Package aggregate provides an unbounded multi-producer, single-consumer
// queue with explicit endpoint lifetimes. The receiver observes end-of-stream
// only once the queue is empty and every sender endpoint has been closed.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrClosed is returned by Recv once every sender is closed and the queue is drained.
	ErrClosed = errors.New("aggregate channel closed")
	// ErrSenderClosed is returned when sending on or cloning a closed sender.
	ErrSenderClosed = errors.New("sender closed")
	// ErrReceiverClosed is returned by Send after the receiver has been dropped.
	ErrReceiverClosed = errors.New("receiver closed")
)

type shared[T any] struct {
	mu           sync.Mutex
	items        []T
	senders      int
	receiverGone bool
	// ready holds at most one pending wakeup for the receiver.
	ready chan struct{}
}

func (s *shared[T]) notify() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Sender is one producer endpoint. Each goroutine that produces should own
// its own Sender obtained through Clone and close it when done.
type Sender[T any] struct {
	state  *shared[T]
	once   sync.Once
	mu     sync.Mutex
	closed bool
}

// Receiver is the single consumer endpoint.
type Receiver[T any] struct {
	state *shared[T]
	once  sync.Once
}

// New returns a connected sender/receiver pair.
func New[T any]() (*Sender[T], *Receiver[T]) {
	st := &shared[T]{
		senders: 1,
		ready:   make(chan struct{}, 1),
	}
	return &Sender[T]{state: st}, &Receiver[T]{state: st}
}

// Send enqueues item without blocking.
func (s *Sender[T]) Send(item T) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSenderClosed
	}

	st := s.state
	st.mu.Lock()
	if st.receiverGone {
		st.mu.Unlock()
		return ErrReceiverClosed
	}
	st.items = append(st.items, item)
	st.mu.Unlock()
	st.notify()
	return nil
}

// Clone registers a new producer endpoint on the same queue.
func (s *Sender[T]) Clone() (*Sender[T], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSenderClosed
	}
	s.state.mu.Lock()
	s.state.senders++
	s.state.mu.Unlock()
	return &Sender[T]{state: s.state}, nil
}

// Close drops this endpoint. It is safe to call more than once.
func (s *Sender[T]) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		st := s.state
		st.mu.Lock()
		st.senders--
		last := st.senders == 0
		st.mu.Unlock()
		if last {
			st.notify()
		}
	})
}

// Recv returns the next item in arrival order. It blocks until an item is
// available, returns ErrClosed at end-of-stream, or the context error.
func (r *Receiver[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	st := r.state
	for {
		st.mu.Lock()
		if len(st.items) > 0 {
			item := st.items[0]
			st.items[0] = zero
			st.items = st.items[1:]
			if len(st.items) == 0 {
				st.items = nil
			}
			st.mu.Unlock()
			return item, nil
		}
		if st.senders == 0 {
			st.mu.Unlock()
			return zero, ErrClosed
		}
		st.mu.Unlock()

		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("recv canceled: %w", ctx.Err())
		case <-st.ready:
		}
	}
}

// Len reports the number of queued items.
func (r *Receiver[T]) Len() int {
	r.state.mu.Lock()
	defer r.state.mu.Unlock()
	return len(r.state.items)
}

// Close drops the receiver; later sends fail with ErrReceiverClosed and
// queued items are discarded.
func (r *Receiver[T]) Close() {
	r.once.Do(func() {
		st := r.state
		st.mu.Lock()
		st.receiverGone = true
		st.items = nil
		st.mu.Unlock()
	})
}
