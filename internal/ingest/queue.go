package ingest

import (
	"context"
	"sync"
	"sync/atomic"
)

// Queue is a bounded FIFO of byte payloads with one producer and one
// consumer. When full, Push rejects the incoming payload (drop-newest) and
// counts the overflow; it never blocks the producer.
type Queue struct {
	mu    sync.Mutex
	items [][]byte
	head  int
	count int

	overflows atomic.Uint64
	ready     chan struct{}
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{items: make([][]byte, capacity), ready: make(chan struct{}, 1)}
}

// Push appends p. It returns false, leaving the queue unchanged, when the
// queue is full.
func (q *Queue) Push(p []byte) bool {
	q.mu.Lock()
	if q.count == len(q.items) {
		q.mu.Unlock()
		q.overflows.Add(1)
		return false
	}
	q.items[(q.head+q.count)%len(q.items)] = p
	q.count++
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

func (q *Queue) TryPop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return nil, false
	}
	p := q.items[q.head]
	q.items[q.head] = nil
	q.head = (q.head + 1) % len(q.items)
	q.count--
	return p, true
}

// Pop blocks until a payload is available or ctx is done.
func (q *Queue) Pop(ctx context.Context) ([]byte, error) {
	for {
		if p, ok := q.TryPop(); ok {
			return p, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.ready:
		}
	}
}

// Drain removes and returns everything currently queued.
func (q *Queue) Drain() [][]byte {
	var out [][]byte
	for {
		p, ok := q.TryPop()
		if !ok {
			return out
		}
		out = append(out, p)
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

func (q *Queue) Cap() int { return len(q.items) }

func (q *Queue) Overflows() uint64 { return q.overflows.Load() }
