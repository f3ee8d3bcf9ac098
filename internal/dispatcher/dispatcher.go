// Package dispatcher runs the master's placement loop: it matches
// pending tasks against workers with enough free slots, invokes the
// worker's RPC and reconciles synchronous failures by requeueing.
//
// Loop structure follows a wake signal rather than polling: the queue
// kicks it on every enqueue, and the reaper kicks it whenever eviction
// frees tasks. A slow ticker backstops missed wakeups.
//
// Slot accounting is preemptive: the cached count is debited before the
// RPC goes out, so two tasks can never be placed against the same free
// slots. If the call fails synchronously the debit is rolled back and
// the task goes to the tail of the queue, never the head, so a poison
// task cannot block all progress.
package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prologin/stechec-cluster/internal/metrics"
	"github.com/prologin/stechec-cluster/internal/queue"
	"github.com/prologin/stechec-cluster/internal/registry"
	"github.com/prologin/stechec-cluster/internal/rpc"
	"github.com/prologin/stechec-cluster/internal/store"
	"github.com/prologin/stechec-cluster/pkg/types"
)

var log = slog.Default()

// WorkerClient is the master-to-worker RPC surface. The production
// implementation lives in internal/master; tests substitute fakes.
type WorkerClient interface {
	AvailableServerPort(ctx context.Context, worker types.WorkerID) (int, error)
	CompileChampion(ctx context.Context, worker types.WorkerID, task types.CompileTask, sources []byte) error
	RunServer(ctx context.Context, worker types.WorkerID, task types.MatchServerTask, reqPort, subPort int) error
	RunClient(ctx context.Context, worker types.WorkerID, task types.PlayerTask, archive []byte) error
}

// Artifacts provides champion payloads at dispatch time; they are held
// only long enough to transmit.
type Artifacts interface {
	ChampionSources(id int64) ([]byte, string, error)
	ChampionArtifact(id int64) ([]byte, error)
}

// MatchHook receives placement events the match orchestrator reacts to.
type MatchHook interface {
	OnServerDispatched(matchID int64, host string, reqPort, subPort int)
}

// Config for the dispatcher.
type Config struct {
	// HeartbeatTimeout is how long a worker may stay silent before the
	// reaper evicts it and requeues its tasks.
	HeartbeatTimeout time.Duration
	// ReapInterval is the reaper's scan period.
	ReapInterval time.Duration
	// DispatchTimeout bounds each placement RPC. Worker job RPCs return
	// as soon as the job is admitted, so this stays short.
	DispatchTimeout time.Duration
}

// Dispatcher is the single placement loop. One instance per master.
type Dispatcher struct {
	registry  *registry.Registry
	queue     *queue.Queue
	client    WorkerClient
	artifacts Artifacts
	matches   MatchHook
	config    Config
	metrics   *metrics.Collector // optional

	mu          sync.Mutex
	authRetried map[types.TaskID]bool
	stopped     bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(reg *registry.Registry, q *queue.Queue, client WorkerClient,
	artifacts Artifacts, matches MatchHook, config Config) *Dispatcher {

	if config.ReapInterval <= 0 {
		config.ReapInterval = time.Second
	}
	if config.DispatchTimeout <= 0 {
		config.DispatchTimeout = 10 * time.Second
	}
	return &Dispatcher{
		registry:    reg,
		queue:       q,
		client:      client,
		artifacts:   artifacts,
		matches:     matches,
		config:      config,
		authRetried: make(map[types.TaskID]bool),
		stopCh:      make(chan struct{}),
	}
}

// SetMetrics attaches the Prometheus collector. Optional.
func (d *Dispatcher) SetMetrics(c *metrics.Collector) { d.metrics = c }

// Start launches the dispatch and reap loops.
func (d *Dispatcher) Start() {
	d.wg.Add(2)
	go d.dispatchLoop()
	go d.reapLoop()
}

// Stop signals both loops and waits for them to exit.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.mu.Unlock()

	close(d.stopCh)
	d.wg.Wait()
}

func (d *Dispatcher) dispatchLoop() {
	defer d.wg.Done()

	// The ticker is a backstop for wakeups that raced with a drain.
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			log.Info("dispatch loop stopped")
			return
		case <-d.queue.Wake():
		case <-ticker.C:
		}
		d.drain()
	}
}

// drain places every currently dispatchable task, FIFO. Tasks whose
// slot requirement fits no live worker stay queued; the loop must not
// spin on them.
func (d *Dispatcher) drain() {
	for {
		select {
		case <-d.stopCh:
			return
		default:
		}

		task, enqueuedAt := d.queue.PopFirst(func(t types.Task) bool {
			_, ok := d.registry.SelectCandidate(t.SlotsTaken())
			return ok
		})
		if task == nil {
			return
		}

		worker, ok := d.registry.SelectCandidate(task.SlotsTaken())
		if !ok {
			// Capacity vanished between the pop and now; put it back.
			d.queue.Requeue(task)
			return
		}
		if err := d.registry.Assign(worker, task); err != nil {
			d.queue.Requeue(task)
			continue
		}

		if err := d.dispatch(task, worker); err != nil {
			d.handleDispatchError(task, worker, err)
			continue
		}

		d.mu.Lock()
		delete(d.authRetried, task.ID())
		d.mu.Unlock()
		if d.metrics != nil {
			d.metrics.RecordDispatch(time.Since(enqueuedAt).Seconds())
		}
		log.Info("task dispatched", "task", task.String(), "worker", worker)
	}
}

// dispatch invokes the worker RPC matching the task type. A nil return
// means the worker admitted the job; completion arrives later through a
// master callback.
func (d *Dispatcher) dispatch(task types.Task, worker types.WorkerID) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.config.DispatchTimeout)
	defer cancel()

	switch t := task.(type) {
	case types.CompileTask:
		sources, _, err := d.artifacts.ChampionSources(t.ChampionID)
		if err != nil {
			return err
		}
		return d.client.CompileChampion(ctx, worker, t, sources)

	case types.MatchServerTask:
		reqPort, err := d.client.AvailableServerPort(ctx, worker)
		if err != nil {
			return err
		}
		subPort, err := d.client.AvailableServerPort(ctx, worker)
		if err != nil {
			return err
		}
		if err := d.client.RunServer(ctx, worker, t, reqPort, subPort); err != nil {
			return err
		}
		d.matches.OnServerDispatched(t.MatchID, worker.Hostname, reqPort, subPort)
		return nil

	case types.PlayerTask:
		archive, err := d.artifacts.ChampionArtifact(t.ChampionID)
		if err != nil {
			return err
		}
		return d.client.RunClient(ctx, worker, t, archive)

	default:
		return errors.New("dispatcher: unknown task type")
	}
}

// handleDispatchError rolls back the preemptive slot debit and decides
// between requeue and eviction.
//
// Authentication rejections get one requeue: the worker already passed
// heartbeat authentication, so a single failure is treated as a
// handshake hiccup. A second rejection evicts the worker so the task
// can only land elsewhere; retrying forever against a misconfigured
// peer is pointless.
func (d *Dispatcher) handleDispatchError(task types.Task, worker types.WorkerID, err error) {
	d.registry.Release(task.ID(), true)

	if errors.Is(err, store.ErrNotFound) {
		// The champion vanished underneath the task. Nothing to run.
		log.Error("dropping task, payload is gone", "task", task.String(), "error", err)
		return
	}

	if rpc.IsAuth(err) {
		d.mu.Lock()
		retried := d.authRetried[task.ID()]
		d.authRetried[task.ID()] = true
		d.mu.Unlock()

		if retried {
			log.Error("worker keeps rejecting our signature, evicting",
				"worker", worker, "task", task.String())
			d.requeueAll(d.registry.Evict(worker))
		} else {
			log.Warn("authentication rejected by worker, will retry once",
				"worker", worker, "task", task.String())
		}
		d.requeue(task)
		return
	}

	log.Warn("dispatch failed, requeueing at tail",
		"task", task.String(), "worker", worker, "error", err)
	d.requeue(task)
}

func (d *Dispatcher) requeue(task types.Task) {
	d.queue.Requeue(task)
	if d.metrics != nil {
		d.metrics.RecordRequeue()
	}
}

func (d *Dispatcher) requeueAll(tasks []types.Task) {
	for _, t := range tasks {
		d.requeue(t)
	}
}

func (d *Dispatcher) reapLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.config.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			log.Info("reap loop stopped")
			return
		case <-ticker.C:
			d.Reap(time.Now())
		}
	}
}

// Reap evicts workers whose heartbeat went silent and requeues their
// in-flight tasks. Exported so tests drive it with a synthetic clock.
func (d *Dispatcher) Reap(now time.Time) {
	orphans := d.registry.ReapDead(now, d.config.HeartbeatTimeout)
	if len(orphans) == 0 {
		return
	}
	log.Warn("requeueing tasks of dead workers", "tasks", len(orphans))
	d.requeueAll(orphans)
	d.queue.Kick()
}

// OnTaskComplete drops a finished task from the registry bookkeeping
// and wakes the loop, since the completion freed capacity.
func (d *Dispatcher) OnTaskComplete(taskID types.TaskID) {
	d.registry.Release(taskID, false)
	if d.metrics != nil {
		d.metrics.RecordComplete()
	}
	d.queue.Kick()
}
