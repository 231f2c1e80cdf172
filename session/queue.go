package session

import (
	"sync"
	"time"
)

// Queue is an unbounded FIFO shared between a session and its
// transport. Putting nil is the end sentinel: it closes the queue and
// wakes every waiter.
type Queue struct {
	mu     sync.Mutex
	items  []any
	closed bool
	signal chan struct{}
}

func NewQueue() *Queue {
	return &Queue{signal: make(chan struct{}, 1)}
}

// Put appends an item. A nil item closes the queue; later puts are
// dropped.
func (q *Queue) Put(v any) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if v == nil {
		q.closed = true
	} else {
		q.items = append(q.items, v)
	}
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Get blocks until an item is available, the queue closes, or the
// timeout elapses. A negative timeout blocks indefinitely. The second
// return is false on timeout or when the queue is closed and drained.
func (q *Queue) Get(timeout time.Duration) (any, bool) {
	var deadline <-chan time.Time
	if timeout >= 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			v := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return v, true
		}
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		q.mu.Unlock()
		select {
		case <-q.signal:
		case <-deadline:
			return nil, false
		}
	}
}

// DrainAll removes and returns everything currently queued.
func (q *Queue) DrainAll() []any {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
