package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Rajchodisetti/broker-resilience/internal/observ"
)

// ErrQueueFull is returned when an enqueue would exceed capacity. The
// producer fails fast; it never blocks past the enqueue itself.
var ErrQueueFull = errors.New("request queue full")

// Outcome carries the deferred call's result back to the producer.
type Outcome struct {
	Value any
	Err   error
}

type queueTask struct {
	fn       func(context.Context) (any, error)
	priority int // recorded for audit only; drain order stays FIFO
	enqueued time.Time
	result   chan Outcome
}

// RequestQueue is a bounded FIFO of deferred invocations for callers that
// cannot await a rate-limit wait themselves. A single drain goroutine
// processes tasks in submission order.
type RequestQueue struct {
	tasks     chan *queueTask
	capacity  int
	processed int64
	dropped   int64

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// QueueStatus is a point-in-time view of queue occupancy
type QueueStatus struct {
	Size           int     `json:"size"`
	Capacity       int     `json:"capacity"`
	Processed      int64   `json:"processed"`
	Dropped        int64   `json:"dropped"`
	UtilizationPct float64 `json:"utilization_pct"`
}

// NewRequestQueue creates a stopped queue with the given capacity.
func NewRequestQueue(capacity int) *RequestQueue {
	if capacity <= 0 {
		capacity = 100
	}
	return &RequestQueue{
		tasks:    make(chan *queueTask, capacity),
		capacity: capacity,
	}
}

// Start launches the drain loop. Calling Start twice is a no-op.
func (q *RequestQueue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.done = make(chan struct{})
	q.started = true
	go q.drain(ctx)
}

// Stop halts the drain loop; queued tasks are failed with ctx.Err().
func (q *RequestQueue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.started {
		return
	}
	q.cancel()
	<-q.done
	q.started = false
}

// Enqueue submits a deferred call. The returned channel receives exactly one
// Outcome once the drain loop has run the function.
func (q *RequestQueue) Enqueue(fn func(context.Context) (any, error), priority int) (<-chan Outcome, error) {
	t := &queueTask{
		fn:       fn,
		priority: priority,
		enqueued: time.Now(),
		result:   make(chan Outcome, 1),
	}
	select {
	case q.tasks <- t:
		q.publishUtilization()
		return t.result, nil
	default:
		atomic.AddInt64(&q.dropped, 1)
		observ.IncCounter("request_queue_dropped_total", nil)
		return nil, ErrQueueFull
	}
}

// Status reports occupancy and lifetime counters.
func (q *RequestQueue) Status() QueueStatus {
	size := len(q.tasks)
	return QueueStatus{
		Size:           size,
		Capacity:       q.capacity,
		Processed:      atomic.LoadInt64(&q.processed),
		Dropped:        atomic.LoadInt64(&q.dropped),
		UtilizationPct: float64(size) / float64(q.capacity) * 100,
	}
}

// drain processes one task at a time, strictly FIFO.
func (q *RequestQueue) drain(ctx context.Context) {
	defer close(q.done)
	for {
		// Shutdown wins over pending work: without this check the select
		// below could keep picking tasks after cancellation.
		select {
		case <-ctx.Done():
			q.failPending(ctx.Err())
			return
		default:
		}
		select {
		case <-ctx.Done():
			q.failPending(ctx.Err())
			return
		case t := <-q.tasks:
			v, err := t.fn(ctx)
			t.result <- Outcome{Value: v, Err: err}
			atomic.AddInt64(&q.processed, 1)
			observ.RecordDuration("request_queue_latency", time.Since(t.enqueued), nil)
			q.publishUtilization()
		}
	}
}

// failPending resolves everything still queued at shutdown.
func (q *RequestQueue) failPending(err error) {
	for {
		select {
		case t := <-q.tasks:
			t.result <- Outcome{Err: err}
		default:
			return
		}
	}
}

func (q *RequestQueue) publishUtilization() {
	observ.SetGauge("request_queue_utilization_pct",
		float64(len(q.tasks))/float64(q.capacity)*100, nil)
}
