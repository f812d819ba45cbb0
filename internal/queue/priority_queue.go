// Package queue implements the durable, priority-ordered outbound
// message queue described in spec section 4.B/4.C: a binary heap with
// FIFO-within-priority ordering, a send worker with retry/backoff, and
// crash-safe JSON persistence.
package queue

import (
	"container/heap"
	"sync"

	"github.com/aegis-home/meshbridge/internal/model"
)

// heapItem wraps a QueuedMessage with a monotonic insertion counter so
// container/heap breaks priority ties in FIFO order.
type heapItem struct {
	message model.QueuedMessage
	seq     uint64
}

type messageHeap []heapItem

func (h messageHeap) Len() int { return len(h) }

func (h messageHeap) Less(i, j int) bool {
	if h[i].message.Priority != h[j].message.Priority {
		return h[i].message.Priority < h[j].message.Priority
	}
	return h[i].seq < h[j].seq
}

func (h messageHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *messageHeap) Push(x interface{}) {
	*h = append(*h, x.(heapItem))
}

func (h *messageHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// PriorityQueue is a thread-safe binary heap of QueuedMessage, strictly
// ascending by priority value with FIFO tie-break, per spec 4.B.
type PriorityQueue struct {
	mu      sync.Mutex
	heap    messageHeap
	counter uint64
}

func NewPriorityQueue() *PriorityQueue {
	return &PriorityQueue{}
}

// Push adds a message to the queue.
func (q *PriorityQueue) Push(msg model.QueuedMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.heap, heapItem{message: msg, seq: q.counter})
	q.counter++
}

// Pop removes and returns the highest-priority message, or ok=false if
// the queue is empty.
func (q *PriorityQueue) Pop() (model.QueuedMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return model.QueuedMessage{}, false
	}
	item := heap.Pop(&q.heap).(heapItem)
	return item.message, true
}

// Peek returns the highest-priority message without removing it.
func (q *PriorityQueue) Peek() (model.QueuedMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return model.QueuedMessage{}, false
	}
	return q.heap[0].message, true
}

// Remove deletes the message with the given id, re-heapifying
// afterward. O(n), acceptable because queue depth is bounded.
func (q *PriorityQueue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.heap {
		if item.message.ID == id {
			q.heap = append(q.heap[:i], q.heap[i+1:]...)
			heap.Init(&q.heap)
			return true
		}
	}
	return false
}

// Size returns the number of messages currently queued.
func (q *PriorityQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Snapshot returns every queued message in priority order, without
// removing them.
func (q *PriorityQueue) Snapshot() []model.QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	sorted := make(messageHeap, len(q.heap))
	copy(sorted, q.heap)
	out := make([]model.QueuedMessage, 0, len(sorted))
	for len(sorted) > 0 {
		// Pop from a scratch copy so the live heap is untouched.
		minIdx := 0
		for i := 1; i < len(sorted); i++ {
			if sorted.Less(i, minIdx) {
				minIdx = i
			}
		}
		out = append(out, sorted[minIdx].message)
		sorted = append(sorted[:minIdx], sorted[minIdx+1:]...)
	}
	return out
}

// LowestPriority returns the queued message with the lowest priority
// (highest numeric value), breaking ties by oldest insertion; used by
// the durable queue's overflow eviction. Returns ok=false if empty.
func (q *PriorityQueue) LowestPriority() (model.QueuedMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return model.QueuedMessage{}, false
	}
	worst := q.heap[0]
	for _, item := range q.heap[1:] {
		if item.message.Priority > worst.message.Priority ||
			(item.message.Priority == worst.message.Priority && item.seq < worst.seq) {
			worst = item
		}
	}
	return worst.message, true
}
