// Package queue holds the master's pending tasks in FIFO order together
// with the dispatch wake signal.
//
// The queue carries no priorities: contest workloads are homogeneous,
// and FIFO plus slot packing keeps dispatch latency low without
// starving two-slot player tasks.
package queue

import (
	"sync"
	"time"

	"github.com/prologin/stechec-cluster/pkg/types"
)

// Queue is an in-memory FIFO of task descriptors. Enqueueing (and any
// event that frees worker capacity, via Kick) raises a binary wake
// signal the dispatcher blocks on.
type Queue struct {
	mu    sync.Mutex
	tasks []entry
	wake  chan struct{}
}

type entry struct {
	task       types.Task
	enqueuedAt time.Time
}

func New() *Queue {
	return &Queue{
		wake: make(chan struct{}, 1),
	}
}

// Enqueue appends a task and wakes the dispatcher.
func (q *Queue) Enqueue(task types.Task) {
	q.mu.Lock()
	q.tasks = append(q.tasks, entry{task: task, enqueuedAt: time.Now()})
	q.mu.Unlock()
	q.Kick()
}

// Requeue appends a task at the tail. Requeued tasks deliberately lose
// their original position so a poison task cannot block all progress.
func (q *Queue) Requeue(task types.Task) {
	q.Enqueue(task)
}

// PopFirst removes and returns the first task for which dispatchable
// returns true, preserving FIFO order among dispatchable tasks. It
// returns a nil task when nothing currently fits. The second return is
// the task's original enqueue time.
func (q *Queue) PopFirst(dispatchable func(types.Task) bool) (types.Task, time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.tasks {
		if !dispatchable(e.task) {
			continue
		}
		q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
		return e.task, e.enqueuedAt
	}
	return nil, time.Time{}
}

// Kick raises the wake signal without enqueueing. Called when new slot
// capacity becomes available.
func (q *Queue) Kick() {
	select {
	case q.wake <- struct{}{}:
	default: // already pending
	}
}

// Wake is the channel the dispatcher blocks on.
func (q *Queue) Wake() <-chan struct{} {
	return q.wake
}

// Len is the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}
