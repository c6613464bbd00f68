package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewRejectsZeroCapacity(t *testing.T) {
	t.Parallel()

	_, err := New(0)
	require.EqualError(t, err, "pool capacity must be >= 1, got 0")
}

func TestDoNeverExceedsCapacity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		capacity int
		tasks    int
	}{
		{name: "no tasks", capacity: 3, tasks: 0},
		{name: "fewer tasks than slots", capacity: 16, tasks: 4},
		{name: "single slot", capacity: 1, tasks: 10},
		{name: "oversubscribed", capacity: 4, tasks: 64},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p, err := New(tt.capacity)
			require.NoError(t, err)

			var active, maxActive atomic.Int64
			var wg sync.WaitGroup
			for i := 0; i < tt.tasks; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_ = p.Do(context.Background(), func(context.Context) error {
						n := active.Add(1)
						for {
							cur := maxActive.Load()
							if n <= cur || maxActive.CompareAndSwap(cur, n) {
								break
							}
						}
						time.Sleep(2 * time.Millisecond)
						active.Add(-1)
						return nil
					})
				}()
			}
			wg.Wait()

			require.LessOrEqual(t, maxActive.Load(), int64(tt.capacity))
			require.LessOrEqual(t, p.Peak(), tt.capacity)
			require.Zero(t, p.InUse())
		})
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	t.Parallel()

	p, err := New(1)
	require.NoError(t, err)

	slot, err := p.Acquire(context.Background())
	require.NoError(t, err)
	slot.Release()
	slot.Release()
	require.Zero(t, p.InUse())

	// A double release must not have granted an extra slot.
	first, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer first.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDoReleasesOnErrorAndPanic(t *testing.T) {
	t.Parallel()

	p, err := New(1)
	require.NoError(t, err)

	boom := errors.New("boom")
	require.ErrorIs(t, p.Do(context.Background(), func(context.Context) error { return boom }), boom)
	require.Zero(t, p.InUse())

	require.Panics(t, func() {
		_ = p.Do(context.Background(), func(context.Context) error { panic("kaboom") })
	})
	require.Zero(t, p.InUse())
}

func TestObserverSeesTransitions(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var seen []int
	p, err := New(2, WithObserver(func(n int) {
		mu.Lock()
		seen = append(seen, n)
		mu.Unlock()
	}))
	require.NoError(t, err)

	require.NoError(t, p.Do(context.Background(), func(context.Context) error { return nil }))
	require.Equal(t, []int{1, 0}, seen)
	require.Equal(t, 2, p.Capacity())
	require.Equal(t, 1, p.Peak())
}
