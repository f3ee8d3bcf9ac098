// Package registry tracks the worker fleet on the master: advertised
// capacity, the cached free-slot count, heartbeat liveness and the set
// of tasks dispatched to each worker.
//
// The registry's slot counts are a projection of worker-owned state:
// they are debited preemptively at dispatch time and overwritten by
// every heartbeat or update the worker sends. The worker is always
// authoritative.
package registry

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prologin/stechec-cluster/pkg/types"
)

var log = slog.Default()

var (
	ErrUnknownWorker = errors.New("registry: unknown worker")
	ErrNoCapacity    = errors.New("registry: not enough free slots")
)

// Worker is the master's record of one worker node.
type Worker struct {
	ID            types.WorkerID
	MaxSlots      int
	Slots         int // cached free slots
	LastHeartbeat time.Time
	FirstSeen     time.Time

	tasks map[types.TaskID]types.Task // in flight on this worker
}

// Status is a read-only snapshot of a worker, for the status RPC.
type Status struct {
	ID            types.WorkerID `json:"worker"`
	Slots         int            `json:"slots"`
	MaxSlots      int            `json:"max_slots"`
	LastHeartbeat time.Time      `json:"last_heartbeat"`
	TasksInFlight int            `json:"tasks_in_flight"`
}

// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	workers map[types.WorkerID]*Worker
	owner   map[types.TaskID]types.WorkerID
}

func New() *Registry {
	return &Registry{
		workers: make(map[types.WorkerID]*Worker),
		owner:   make(map[types.TaskID]types.WorkerID),
	}
}

// OnHeartbeat upserts a worker from its periodic heartbeat. If this is
// the worker's first heartbeat since process start, or the worker was
// previously unknown, or its advertised capacity changed (a restart in
// disguise), its in-flight set is reset and the orphaned tasks are
// returned for requeueing.
func (r *Registry) OnHeartbeat(info types.WorkerInfo, first bool, now time.Time) []types.Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := info.ID()
	w, known := r.workers[id]

	restarted := first || !known || w.MaxSlots != info.MaxSlots
	var orphans []types.Task
	if restarted && known {
		orphans = r.detachAllLocked(w)
	}

	if !known {
		w = &Worker{
			ID:        id,
			FirstSeen: now,
			tasks:     make(map[types.TaskID]types.Task),
		}
		r.workers[id] = w
		log.Info("new worker registered", "worker", id, "slots", info.Slots, "max_slots", info.MaxSlots)
	} else if restarted {
		log.Info("worker restarted, resetting its tasks", "worker", id, "orphans", len(orphans))
	}

	w.MaxSlots = info.MaxSlots
	w.Slots = clampSlots(info.Slots, info.MaxSlots)
	w.LastHeartbeat = now
	return orphans
}

// OnWorkerUpdate overwrites the cached slot count with the view the
// worker published when starting or finishing a job. Updates from
// unknown workers are ignored; a heartbeat must register them first.
func (r *Registry) OnWorkerUpdate(info types.WorkerInfo, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[info.ID()]
	if !ok {
		return false
	}
	w.Slots = clampSlots(info.Slots, w.MaxSlots)
	w.LastHeartbeat = now
	return true
}

// ReapDead evicts every worker not heard from within timeout and
// returns the tasks they were owning.
func (r *Registry) ReapDead(now time.Time, timeout time.Duration) []types.Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	var orphans []types.Task
	for id, w := range r.workers {
		if now.Sub(w.LastHeartbeat) <= timeout {
			continue
		}
		log.Warn("worker timed out, evicting",
			"worker", id, "last_heartbeat", w.LastHeartbeat, "tasks", len(w.tasks))
		orphans = append(orphans, r.detachAllLocked(w)...)
		delete(r.workers, id)
	}
	return orphans
}

// Evict removes one worker and returns its in-flight tasks.
func (r *Registry) Evict(id types.WorkerID) []types.Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return nil
	}
	orphans := r.detachAllLocked(w)
	delete(r.workers, id)
	return orphans
}

// SelectCandidate returns the worker that should receive a task needing
// slotsRequired free slots, or false if none qualifies. The order is
// deterministic: most free slots first, ties broken by (hostname, port),
// so placement is reproducible.
func (r *Registry) SelectCandidate(slotsRequired int) (types.WorkerID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var eligible []*Worker
	for _, w := range r.workers {
		if w.Slots >= slotsRequired {
			eligible = append(eligible, w)
		}
	}
	if len(eligible) == 0 {
		return types.WorkerID{}, false
	}
	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.Slots != b.Slots {
			return a.Slots > b.Slots
		}
		if a.ID.Hostname != b.ID.Hostname {
			return a.ID.Hostname < b.ID.Hostname
		}
		return a.ID.Port < b.ID.Port
	})
	return eligible[0].ID, true
}

// Assign debits the cached slot count and records the task as in
// flight on the worker. It refuses to drive the count below zero.
func (r *Registry) Assign(id types.WorkerID, task types.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return ErrUnknownWorker
	}
	if w.Slots < task.SlotsTaken() {
		return ErrNoCapacity
	}
	w.Slots -= task.SlotsTaken()
	w.tasks[task.ID()] = task
	r.owner[task.ID()] = id
	return nil
}

// Release drops a task from its worker's in-flight set. restoreSlots
// credits the cached count back, which is only correct when the RPC
// never reached the worker; otherwise the worker's own updates are
// trusted instead.
func (r *Registry) Release(taskID types.TaskID, restoreSlots bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.owner[taskID]
	if !ok {
		return
	}
	delete(r.owner, taskID)
	w, ok := r.workers[id]
	if !ok {
		return
	}
	task, ok := w.tasks[taskID]
	if !ok {
		return
	}
	delete(w.tasks, taskID)
	if restoreSlots {
		w.Slots = clampSlots(w.Slots+task.SlotsTaken(), w.MaxSlots)
	}
}

// Owner reports which worker a task was dispatched to.
func (r *Registry) Owner(taskID types.TaskID) (types.WorkerID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.owner[taskID]
	return id, ok
}

// Snapshot lists all workers in deterministic order.
func (r *Registry) Snapshot() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Status, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, Status{
			ID:            w.ID,
			Slots:         w.Slots,
			MaxSlots:      w.MaxSlots,
			LastHeartbeat: w.LastHeartbeat,
			TasksInFlight: len(w.tasks),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID.Hostname != out[j].ID.Hostname {
			return out[i].ID.Hostname < out[j].ID.Hostname
		}
		return out[i].ID.Port < out[j].ID.Port
	})
	return out
}

// Len is the number of live workers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}

// FreeSlots sums the cached free slots across the fleet.
func (r *Registry) FreeSlots() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, w := range r.workers {
		total += w.Slots
	}
	return total
}

func (r *Registry) detachAllLocked(w *Worker) []types.Task {
	orphans := make([]types.Task, 0, len(w.tasks))
	for id, task := range w.tasks {
		orphans = append(orphans, task)
		delete(r.owner, id)
	}
	w.tasks = make(map[types.TaskID]types.Task)
	return orphans
}

// Worker slot invariant: 0 <= slots <= max.
func clampSlots(slots, max int) int {
	if slots < 0 {
		return 0
	}
	if slots > max {
		return max
	}
	return slots
}
