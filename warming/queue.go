// Package warming implements C9 (priority queue), C10 (worker pool), and
// C11 (warming strategies).
//
// Grounded on warming/worker_pool.go (buffered channel queue,
// a fixed goroutine pool draining it, retry with exponential backoff) and
// warming/strategies.go (named strategies producing warm tasks), but the
// channel-based FIFO queue is replaced with a container/heap priority queue
// ordered by models.WarmingTask.Less, since warming tasks need strict
// priority-then-FIFO ordering across five levels rather than plain FIFO.
// container/heap is the idiomatic standard-library answer here: no example
// repo in the retrieval pack carries a dedicated priority-queue dependency.
package warming

import (
	"container/heap"
	"sync"

	"github.com/velro/authzcache/pkg/cerrors"
	"github.com/velro/authzcache/pkg/models"
)

// taskHeap is a container/heap.Interface ordered by models.WarmingTask.Less.
type taskHeap []*models.WarmingTask

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].Less(h[j]) }
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)         { *h = append(*h, x.(*models.WarmingTask)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Queue is the bounded, priority-ordered warming task queue (C9). Each of
// the five priority levels has its own independent capacity so a flood of
// low-priority predictive tasks can never starve capacity meant for
// reactive or startup tasks.
type Queue struct {
	mu             sync.Mutex
	items          taskHeap
	capPerPriority int
	countByPrio    map[models.WarmingPriority]int
}

// NewQueue builds an empty Queue with the given per-priority capacity.
func NewQueue(capPerPriority int) *Queue {
	q := &Queue{
		capPerPriority: capPerPriority,
		countByPrio:    make(map[models.WarmingPriority]int),
	}
	heap.Init(&q.items)
	return q
}

// Push adds a task, rejecting it with ErrQueueFull if its priority level is
// already at capacity.
func (q *Queue) Push(task *models.WarmingTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.countByPrio[task.Priority] >= q.capPerPriority {
		return cerrors.ErrQueueFull
	}
	heap.Push(&q.items, task)
	q.countByPrio[task.Priority]++
	return nil
}

// Pop removes and returns the highest-priority (then oldest) task, or
// (nil, false) if the queue is empty.
func (q *Queue) Pop() (*models.WarmingTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Len() == 0 {
		return nil, false
	}
	task := heap.Pop(&q.items).(*models.WarmingTask)
	q.countByPrio[task.Priority]--
	return task, true
}

// PopBatch pops up to n tasks in priority order.
func (q *Queue) PopBatch(n int) []*models.WarmingTask {
	out := make([]*models.WarmingTask, 0, n)
	for i := 0; i < n; i++ {
		task, ok := q.Pop()
		if !ok {
			break
		}
		out = append(out, task)
	}
	return out
}

// Len reports the total number of queued tasks across all priorities.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// CountByPriority reports the current queue depth for one priority level.
func (q *Queue) CountByPriority(p models.WarmingPriority) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.countByPrio[p]
}
