package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueProcessesFIFO(t *testing.T) {
	q := NewRequestQueue(10)

	// Enqueue before starting so drain order is observable: priorities are
	// recorded but must not reorder anything.
	var results []<-chan Outcome
	for i := 0; i < 5; i++ {
		i := i
		ch, err := q.Enqueue(func(ctx context.Context) (any, error) {
			return i, nil
		}, 5-i)
		require.NoError(t, err)
		results = append(results, ch)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	for i, ch := range results {
		select {
		case out := <-ch:
			require.NoError(t, out.Err)
			assert.Equal(t, i, out.Value, "submission order must be preserved")
		case <-time.After(time.Second):
			t.Fatalf("task %d never completed", i)
		}
	}
}

func TestQueueFullFailsFast(t *testing.T) {
	q := NewRequestQueue(2)

	noop := func(ctx context.Context) (any, error) { return nil, nil }
	_, err := q.Enqueue(noop, 0)
	require.NoError(t, err)
	_, err = q.Enqueue(noop, 0)
	require.NoError(t, err)

	_, err = q.Enqueue(noop, 0)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, int64(1), q.Status().Dropped)
}

func TestQueueStatus(t *testing.T) {
	q := NewRequestQueue(4)
	noop := func(ctx context.Context) (any, error) { return nil, nil }

	_, _ = q.Enqueue(noop, 0)
	_, _ = q.Enqueue(noop, 0)

	st := q.Status()
	assert.Equal(t, 2, st.Size)
	assert.Equal(t, 4, st.Capacity)
	assert.InDelta(t, 50.0, st.UtilizationPct, 0.01)
}

func TestQueuePropagatesTaskError(t *testing.T) {
	q := NewRequestQueue(2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	wantErr := errors.New("upstream down")
	ch, err := q.Enqueue(func(ctx context.Context) (any, error) {
		return nil, fmt.Errorf("get_prices: %w", wantErr)
	}, 0)
	require.NoError(t, err)

	select {
	case out := <-ch:
		assert.ErrorIs(t, out.Err, wantErr)
	case <-time.After(time.Second):
		t.Fatal("task never completed")
	}
}

func TestQueueStopFailsPending(t *testing.T) {
	q := NewRequestQueue(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	block := make(chan struct{})
	_, err := q.Enqueue(func(ctx context.Context) (any, error) {
		<-block
		return nil, nil
	}, 0)
	require.NoError(t, err)

	// This one sits behind the blocker and must be failed at shutdown.
	pending, err := q.Enqueue(func(ctx context.Context) (any, error) {
		return "never", nil
	}, 0)
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
		close(block)
	}()
	q.Stop()

	select {
	case out := <-pending:
		assert.Error(t, out.Err)
	case <-time.After(time.Second):
		t.Fatal("pending task never resolved after stop")
	}
}

func TestQueueStartTwice(t *testing.T) {
	q := NewRequestQueue(2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	q.Start(ctx) // must not spawn a second drain loop
	defer q.Stop()

	ch, err := q.Enqueue(func(ctx context.Context) (any, error) { return 42, nil }, 0)
	require.NoError(t, err)
	out := <-ch
	assert.Equal(t, 42, out.Value)
	assert.Equal(t, int64(1), q.Status().Processed)
}
