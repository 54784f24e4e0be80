// Package ingest implements the bounded frame queue between the CSI source
// and the inference consumer.
//
// Push never blocks. When the queue is full the configured OverflowPolicy
// decides which frame is lost: DropOldest evicts the head of the queue so the
// consumer always sees the most recent measurements, DropNewest rejects the
// incoming frame.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hkevin01/wifi-radar/internal/types"
)

var (
	ErrDropped = errors.New("ingest: queue full, frame dropped")
	ErrClosed  = errors.New("ingest: queue is closed")
)

// OverflowPolicy defines what happens when Push finds the queue full
type OverflowPolicy int

const (
	// DropOldest evicts the oldest queued frame and enqueues the new one
	DropOldest OverflowPolicy = iota
	// DropNewest drops the incoming frame and returns ErrDropped
	DropNewest
)

func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	case DropNewest:
		return "drop_newest"
	default:
		return fmt.Sprintf("OverflowPolicy(%d)", int(p))
	}
}

// ParseOverflowPolicy maps a config value to a policy
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "drop_oldest":
		return DropOldest, nil
	case "drop_newest":
		return DropNewest, nil
	default:
		return 0, fmt.Errorf("unknown overflow policy %q (must be drop_oldest or drop_newest)", s)
	}
}

// Stats is a snapshot of queue counters
type Stats struct {
	Pushed   uint64 // frames accepted into the queue
	Dropped  uint64 // incoming frames rejected because the queue was full
	Evicted  uint64 // queued frames discarded to make room
	Rejected uint64 // frames refused for shape mismatch
	Popped   uint64 // frames handed to the consumer
	Depth    int
	Capacity int
}

// Queue is a bounded FIFO of CSI frames with a single consumer
type Queue struct {
	mu     sync.RWMutex
	ch     chan types.CSIFrame
	shape  types.Shape
	policy OverflowPolicy
	closed bool

	pushed   uint64
	dropped  uint64
	evicted  uint64
	rejected uint64
	popped   uint64
}

// New creates a queue holding at most capacity frames of the given shape
func New(capacity int, shape types.Shape, policy OverflowPolicy) (*Queue, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("ingest: capacity must be > 0, got %d", capacity)
	}
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}
	return &Queue{
		ch:     make(chan types.CSIFrame, capacity),
		shape:  shape,
		policy: policy,
	}, nil
}

// Push enqueues a frame without blocking.
//
// Returns a ShapeMismatch fault for frames of the wrong shape, ErrClosed
// after Close, and ErrDropped when the queue is full under DropNewest.
func (q *Queue) Push(frame types.CSIFrame) error {
	if err := frame.CheckShape(q.shape); err != nil {
		atomic.AddUint64(&q.rejected, 1)
		return err
	}

	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrClosed
	}

	select {
	case q.ch <- frame:
		atomic.AddUint64(&q.pushed, 1)
		return nil
	default:
	}

	if q.policy == DropNewest {
		atomic.AddUint64(&q.dropped, 1)
		return ErrDropped
	}

	// Evict then send. Bounded so concurrent producers cannot spin.
	for attempt := 0; attempt < 4; attempt++ {
		select {
		case <-q.ch:
			atomic.AddUint64(&q.evicted, 1)
		default:
		}
		select {
		case q.ch <- frame:
			atomic.AddUint64(&q.pushed, 1)
			return nil
		default:
		}
	}

	atomic.AddUint64(&q.dropped, 1)
	return ErrDropped
}

// Pop waits up to timeout for the next frame. It returns false on timeout,
// context cancellation or a closed queue; none of those is an error.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (types.CSIFrame, bool) {
	// Fast path
	select {
	case frame, ok := <-q.ch:
		if ok {
			atomic.AddUint64(&q.popped, 1)
		}
		return frame, ok
	default:
	}

	if timeout <= 0 {
		return types.CSIFrame{}, false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case frame, ok := <-q.ch:
		if ok {
			atomic.AddUint64(&q.popped, 1)
		}
		return frame, ok
	case <-timer.C:
		return types.CSIFrame{}, false
	case <-ctx.Done():
		return types.CSIFrame{}, false
	}
}

// Len returns the number of queued frames
func (q *Queue) Len() int {
	return len(q.ch)
}

// Cap returns the queue capacity
func (q *Queue) Cap() int {
	return cap(q.ch)
}

// Shape returns the shape every frame must match
func (q *Queue) Shape() types.Shape {
	return q.shape
}

// Policy returns the overflow policy
func (q *Queue) Policy() OverflowPolicy {
	return q.policy
}

// Drain discards every queued frame and returns how many were dropped
func (q *Queue) Drain() int {
	n := 0
	for {
		select {
		case _, ok := <-q.ch:
			if !ok {
				return n
			}
			n++
		default:
			return n
		}
	}
}

// Close rejects further pushes and discards undelivered frames. Idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.Drain()
	close(q.ch)
}

// Stats returns a snapshot of the queue counters
func (q *Queue) Stats() Stats {
	return Stats{
		Pushed:   atomic.LoadUint64(&q.pushed),
		Dropped:  atomic.LoadUint64(&q.dropped),
		Evicted:  atomic.LoadUint64(&q.evicted),
		Rejected: atomic.LoadUint64(&q.rejected),
		Popped:   atomic.LoadUint64(&q.popped),
		Depth:    len(q.ch),
		Capacity: cap(q.ch),
	}
}
