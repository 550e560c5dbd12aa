// Package taskqueue implements the Task Queue: a bounded priority FIFO
// that dispatches QUEUE commands to the orchestrator's worker pool.
//
// Ordering is strict priority with FIFO inside each priority level,
// implemented as a container/heap keyed on (priority, enqueue sequence).
package taskqueue

import (
	"container/heap"
	"context"
	"sync"

	"github.com/BaSui01/cairn/cairnerr"
)

// Priority orders tasks within the queue; higher values dequeue first.
type Priority int

const (
	Low    Priority = 1
	Normal Priority = 2
	High   Priority = 3
)

// Task is one queue entry.
type Task struct {
	AgentID string
	Priority Priority

	seq int64
}

// item is the heap element: Task plus its position, needed by
// container/heap's Fix/Remove (unused here but kept for parity with the
// Go stdlib example heap shape).
type item struct {
	task  Task
	index int
}

type priorityHeap []*item

func (h priorityHeap) Len() int { return len(h) }
func (h priorityHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	return h[i].task.seq < h[j].task.seq
}
func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *priorityHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Queue is a bounded priority FIFO: Enqueue fails ResourceLimit once Size()
// reaches the configured capacity; DequeueWait blocks for the highest
// priority entry, FIFO within a priority tier.
type Queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	h        priorityHeap
	capacity int
	nextSeq  int64
	closed   bool
}

// New creates a queue bounded at capacity entries.
func New(capacity int) *Queue {
	q := &Queue{capacity: capacity}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Enqueue adds agentID at priority p, failing ResourceLimit if the queue is
// at capacity.
func (q *Queue) Enqueue(agentID string, p Priority) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return cairnerr.New(cairnerr.Cancelled, "queue is closed")
	}
	if len(q.h) >= q.capacity {
		return cairnerr.New(cairnerr.ResourceLimit, "task queue is full").
			WithField("capacity", q.capacity)
	}
	q.nextSeq++
	heap.Push(&q.h, &item{task: Task{AgentID: agentID, Priority: p, seq: q.nextSeq}})
	q.notEmpty.Signal()
	return nil
}

// DequeueWait blocks until an entry is available, ctx is cancelled, or the
// queue is closed, returning the highest-priority, earliest-enqueued Task.
func (q *Queue) DequeueWait(ctx context.Context) (Task, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.notEmpty.Broadcast()
			q.mu.Unlock()
		case <-done:
		}
	}()

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.h) == 0 && !q.closed {
		if err := ctx.Err(); err != nil {
			return Task{}, cairnerr.Wrap(cairnerr.Cancelled, "dequeue cancelled", err)
		}
		q.notEmpty.Wait()
	}
	if err := ctx.Err(); err != nil {
		return Task{}, cairnerr.Wrap(cairnerr.Cancelled, "dequeue cancelled", err)
	}
	if len(q.h) == 0 {
		return Task{}, cairnerr.New(cairnerr.Cancelled, "queue closed")
	}
	it := heap.Pop(&q.h).(*item)
	return it.task, nil
}

// Size returns the current number of queued entries (non-blocking snapshot).
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

// Close marks the queue closed, waking any blocked DequeueWait callers.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.notEmpty.Broadcast()
}
