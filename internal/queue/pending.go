package queue

import (
	"container/heap"

	"github.com/rendis/conductor/pkg/schema"
)

// entry is a tracked task plus its bookkeeping.
type entry struct {
	task  *schema.Task
	seq   uint64 // insertion order, last tie-breaker
	index int    // position in the pending heap, -1 when not pending
}

// before reports whether a dispatches ahead of b: higher priority first, then
// earlier CreatedAt, then earlier insertion.
func before(a, b *entry) bool {
	if a.task.Priority != b.task.Priority {
		return a.task.Priority > b.task.Priority
	}
	if !a.task.CreatedAt.Equal(b.task.CreatedAt) {
		return a.task.CreatedAt.Before(b.task.CreatedAt)
	}
	return a.seq < b.seq
}

// pendingHeap orders pending tasks for dispatch. It implements heap.Interface.
type pendingHeap []*entry

func (h pendingHeap) Len() int           { return len(h) }
func (h pendingHeap) Less(i, j int) bool { return before(h[i], h[j]) }

func (h pendingHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *pendingHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

func (h *pendingHeap) add(e *entry) { heap.Push(h, e) }

func (h *pendingHeap) remove(e *entry) {
	if e.index >= 0 {
		heap.Remove(h, e.index)
	}
}

func (h pendingHeap) peek() *entry {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}
