package bus

import "sync"

// offlineQueue is a bounded FIFO of envelopes for a disconnected agent.
// At capacity the oldest entry is dropped and the drop counter incremented;
// enqueue never blocks the publisher.
type offlineQueue struct {
	mu      sync.Mutex
	items   []*Envelope
	cap     int
	dropped uint64
}

func newOfflineQueue(capacity int) *offlineQueue {
	if capacity <= 0 {
		capacity = 1000
	}
	return &offlineQueue{cap: capacity}
}

func (q *offlineQueue) push(env *Envelope) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.cap {
		copy(q.items, q.items[1:])
		q.items = q.items[:len(q.items)-1]
		q.dropped++
	}
	q.items = append(q.items, env)
}

// drain removes and returns all queued envelopes in order.
func (q *offlineQueue) drain() []*Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *offlineQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *offlineQueue) drops() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
