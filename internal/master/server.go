// Package master assembles the scheduling node: contest database, worker
// registry, task queue, match orchestrator and dispatcher, exposed to
// workers and front-ends over the authenticated RPC endpoint.
package master

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prologin/stechec-cluster/internal/dispatcher"
	"github.com/prologin/stechec-cluster/internal/match"
	"github.com/prologin/stechec-cluster/internal/metrics"
	"github.com/prologin/stechec-cluster/internal/queue"
	"github.com/prologin/stechec-cluster/internal/registry"
	"github.com/prologin/stechec-cluster/internal/rpc"
	"github.com/prologin/stechec-cluster/internal/store"
	"github.com/prologin/stechec-cluster/pkg/types"
)

var log = slog.Default()

// Config for the master node.
type Config struct {
	// Port is the RPC listening port.
	Port int
	// Secret authenticates both call directions.
	Secret []byte
	// DBPath locates the contest SQLite database.
	DBPath string

	// HeartbeatTimeout is how long a worker may stay silent before its
	// tasks are requeued elsewhere.
	HeartbeatTimeout time.Duration
	// MatchTimeout bounds a pending match before it is forced done.
	MatchTimeout time.Duration
	// DispatchTimeout bounds each placement RPC.
	DispatchTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 25 * time.Second
	}
	if c.MatchTimeout <= 0 {
		c.MatchTimeout = 10 * time.Minute
	}
}

// Master owns the scheduling core and its RPC surface.
type Master struct {
	config  Config
	store   *store.Store
	reg     *registry.Registry
	queue   *queue.Queue
	matches *match.Orchestrator
	disp    *dispatcher.Dispatcher
	callers *workerCaller
	srv     *rpc.Server
	metrics *metrics.Collector // optional

	stopGauges chan struct{}
}

// New assembles a master around an open contest store.
func New(config Config, st *store.Store) *Master {
	config.applyDefaults()

	m := &Master{
		config:  config,
		store:   st,
		reg:     registry.New(),
		queue:   queue.New(),
		callers: newWorkerCaller(config.Secret),
		srv:     rpc.NewServer(config.Secret),
	}
	m.matches = match.New(st, m, match.Config{MatchTimeout: config.MatchTimeout})
	m.disp = dispatcher.New(m.reg, m.queue, m.callers, st, m.matches, dispatcher.Config{
		HeartbeatTimeout: config.HeartbeatTimeout,
		DispatchTimeout:  config.DispatchTimeout,
	})

	m.srv.Handle("heartbeat", m.handleHeartbeat)
	m.srv.Handle("update_worker", m.handleUpdateWorker)
	m.srv.Handle("compilation_result", m.handleCompilationResult)
	m.srv.Handle("match_done", m.handleMatchDone)
	m.srv.Handle("client_done", m.handleClientDone)
	m.srv.Handle("new_champion", m.handleNewChampion)
	m.srv.Handle("new_match", m.handleNewMatch)
	m.srv.Handle("status", m.handleStatus)
	return m
}

// SetMetrics attaches the Prometheus collector to the whole core.
func (m *Master) SetMetrics(c *metrics.Collector) {
	m.metrics = c
	m.matches.SetMetrics(c)
	m.disp.SetMetrics(c)
}

// Handler exposes the RPC surface for serving and for tests.
func (m *Master) Handler() http.Handler { return m.srv }

// Enqueue satisfies the orchestrator's queue surface while keeping the
// enqueue counter accurate.
func (m *Master) Enqueue(task types.Task) {
	m.queue.Enqueue(task)
	if m.metrics != nil {
		m.metrics.RecordEnqueue()
	}
}

// Start launches the scheduling loops without serving HTTP. Run does
// both; tests serve Handler on their own listener.
func (m *Master) Start() {
	m.matches.Start()
	m.disp.Start()
	m.stopGauges = make(chan struct{})
	go m.gaugeLoop(m.stopGauges)
}

// Stop halts the scheduling loops. Calling it on a master that never
// started is a no-op for the gauge loop.
func (m *Master) Stop() {
	if m.stopGauges != nil {
		close(m.stopGauges)
		m.stopGauges = nil
	}
	m.disp.Stop()
	m.matches.Stop()
}

// Run serves the RPC endpoint and the scheduling loops until ctx is
// cancelled.
func (m *Master) Run(ctx context.Context) error {
	m.Start()
	defer m.Stop()

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", m.config.Port),
		Handler: m.srv,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()

	log.Info("master running", "port", m.config.Port, "db", m.config.DBPath)

	var srvErr error
	select {
	case <-ctx.Done():
	case srvErr = <-errCh:
		log.Error("rpc endpoint failed", "error", srvErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	return srvErr
}

// gaugeLoop refreshes the fleet gauges and prunes stale worker clients.
func (m *Master) gaugeLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			live := make(map[types.WorkerID]bool)
			for _, w := range m.reg.Snapshot() {
				live[w.ID] = true
			}
			m.callers.prune(live)
			if m.metrics != nil {
				m.metrics.UpdateFleet(m.reg.Len(), m.reg.FreeSlots(),
					m.queue.Len(), m.matches.PendingCount())
			}
		}
	}
}

// SubmitChampion stores a source archive and enqueues its compilation.
func (m *Master) SubmitChampion(user string, sources []byte) (int64, error) {
	if user == "" {
		return 0, fmt.Errorf("champion needs an owner")
	}
	if len(sources) == 0 {
		return 0, fmt.Errorf("champion needs a source archive")
	}

	id, err := m.store.CreateChampion(user, sources)
	if err != nil {
		return 0, fmt.Errorf("store champion: %w", err)
	}

	m.Enqueue(types.CompileTask{
		TaskID:     types.CompileTaskID(id),
		User:       user,
		ChampionID: id,
	})
	if err := m.store.SetChampionPending(id); err != nil {
		log.Error("failed to mark champion pending", "champion", id, "error", err)
	}

	log.Info("champion submitted", "champion", id, "user", user)
	return id, nil
}

// SubmitMatch validates that every champion is compiled and schedules
// the match.
func (m *Master) SubmitMatch(players []types.MatchPlayer, options, fileOptions map[string]string) (int64, error) {
	for _, p := range players {
		status, err := m.store.ChampionStatus(p.ChampionID)
		if err != nil {
			return 0, fmt.Errorf("champion %d: %w", p.ChampionID, err)
		}
		if status != types.ChampionReady {
			return 0, fmt.Errorf("champion %d is not compiled (status %s)", p.ChampionID, status)
		}
	}
	return m.matches.CreateMatch(players, options, fileOptions)
}

func (m *Master) handleHeartbeat(ctx context.Context, data json.RawMessage) (any, error) {
	var args types.HeartbeatArgs
	if err := rpc.Unmarshal(data, &args); err != nil {
		return nil, err
	}

	orphans := m.reg.OnHeartbeat(args.WorkerInfo, args.First, time.Now())
	for _, t := range orphans {
		m.queue.Requeue(t)
		if m.metrics != nil {
			m.metrics.RecordRequeue()
		}
	}
	if len(orphans) > 0 {
		m.queue.Kick()
	}
	return struct{}{}, nil
}

func (m *Master) handleUpdateWorker(ctx context.Context, data json.RawMessage) (any, error) {
	var info types.WorkerInfo
	if err := rpc.Unmarshal(data, &info); err != nil {
		return nil, err
	}

	if m.reg.OnWorkerUpdate(info, time.Now()) {
		// Fresh capacity may unblock a queued task.
		m.queue.Kick()
	} else {
		log.Debug("slot update from unregistered worker ignored", "worker", info.ID())
	}
	return struct{}{}, nil
}

func (m *Master) handleCompilationResult(ctx context.Context, data json.RawMessage) (any, error) {
	var args types.CompilationResultArgs
	if err := rpc.Unmarshal(data, &args); err != nil {
		return nil, err
	}

	if err := m.store.SaveCompilationResult(args.ChampionID, args.Artifact, args.Log); err != nil {
		return nil, err
	}
	ok := len(args.Artifact) > 0
	if m.metrics != nil {
		m.metrics.RecordCompilation(ok)
	}
	m.disp.OnTaskComplete(types.CompileTaskID(args.ChampionID))

	log.Info("compilation finished", "champion", args.ChampionID,
		"user", args.User, "success", ok)
	return struct{}{}, nil
}

func (m *Master) handleMatchDone(ctx context.Context, data json.RawMessage) (any, error) {
	var args types.MatchDoneArgs
	if err := rpc.Unmarshal(data, &args); err != nil {
		return nil, err
	}

	m.matches.OnMatchDone(args.MatchID, args.Scores, args.Dump, args.Failed)
	m.disp.OnTaskComplete(types.ServerTaskID(args.MatchID))
	return struct{}{}, nil
}

func (m *Master) handleClientDone(ctx context.Context, data json.RawMessage) (any, error) {
	var args types.ClientDoneArgs
	if err := rpc.Unmarshal(data, &args); err != nil {
		return nil, err
	}

	m.matches.OnClientDone(args.MatchID, args.MatchPlayerID, args.ExitCode)
	m.disp.OnTaskComplete(types.PlayerTaskID(args.MatchID, args.MatchPlayerID))
	return struct{}{}, nil
}

func (m *Master) handleNewChampion(ctx context.Context, data json.RawMessage) (any, error) {
	var args types.NewChampionArgs
	if err := rpc.Unmarshal(data, &args); err != nil {
		return nil, err
	}

	id, err := m.SubmitChampion(args.User, args.Sources)
	if err != nil {
		return nil, err
	}
	return types.NewChampionReply{ChampionID: id}, nil
}

func (m *Master) handleNewMatch(ctx context.Context, data json.RawMessage) (any, error) {
	var args types.NewMatchArgs
	if err := rpc.Unmarshal(data, &args); err != nil {
		return nil, err
	}

	id, err := m.SubmitMatch(args.Players, args.Options, args.FileOptions)
	if err != nil {
		return nil, err
	}
	return types.NewMatchReply{MatchID: id}, nil
}

// StatusReply is the answer to the status RPC.
type StatusReply struct {
	Workers        []registry.Status `json:"workers"`
	QueueDepth     int               `json:"queue_depth"`
	PendingMatches []match.Snapshot  `json:"pending_matches"`
}

func (m *Master) handleStatus(ctx context.Context, data json.RawMessage) (any, error) {
	return StatusReply{
		Workers:        m.reg.Snapshot(),
		QueueDepth:     m.queue.Len(),
		PendingMatches: m.matches.Pending(),
	}, nil
}
