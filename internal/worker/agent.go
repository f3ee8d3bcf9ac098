// Package worker implements the worker node agent: it serves the
// master's job RPCs, tracks its own slot ledger, and reports liveness
// through periodic heartbeats.
//
// Admission is deliberately lenient. A job RPC is accepted even when it
// would overdraw the local slot count; the master's ledger is the
// authoritative one and an overdraft here only means the master and the
// worker briefly disagreed. The worker logs the overdraft and publishes
// its real count right away so the master converges.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prologin/stechec-cluster/internal/rpc"
	"github.com/prologin/stechec-cluster/pkg/types"
)

var log = slog.Default()

// Config for one worker agent.
type Config struct {
	// MasterURL is the base URL of the master RPC server.
	MasterURL string
	// Secret signs outgoing calls and verifies incoming ones.
	Secret []byte
	// Hostname is the address advertised to the master. Defaults to
	// os.Hostname.
	Hostname string
	// Port is the agent's RPC listening port.
	Port int
	// AvailableSlots is the advertised capacity.
	AvailableSlots int
	// PortRangeStart and PortRangeEnd bound the referee port cursor,
	// end exclusive.
	PortRangeStart int
	PortRangeEnd   int
	// HeartbeatInterval is the liveness reporting period.
	HeartbeatInterval time.Duration

	// Per-job wall clock budgets.
	CompileTimeout time.Duration
	ServerTimeout  time.Duration
	ClientTimeout  time.Duration
}

func (c *Config) applyDefaults() error {
	if c.Hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("resolve hostname: %w", err)
		}
		c.Hostname = hostname
	}
	if c.AvailableSlots <= 0 {
		c.AvailableSlots = 20
	}
	if c.PortRangeStart <= 0 {
		c.PortRangeStart = 20000
	}
	if c.PortRangeEnd <= c.PortRangeStart {
		c.PortRangeEnd = c.PortRangeStart + 1000
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.CompileTimeout <= 0 {
		c.CompileTimeout = 400 * time.Second
	}
	if c.ServerTimeout <= 0 {
		c.ServerTimeout = 500 * time.Second
	}
	if c.ClientTimeout <= 0 {
		c.ClientTimeout = 400 * time.Second
	}
	return nil
}

// Agent is one worker node process.
type Agent struct {
	config Config
	runner Runner
	master *rpc.Client
	srv    *rpc.Server

	mu         sync.Mutex
	slots      int
	portCursor int

	slotCh  chan struct{}
	pubOnce sync.Once

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds an agent, wiring its RPC handlers. The master client and
// the runner are injected so tests can substitute both.
func New(config Config, runner Runner, master *rpc.Client) (*Agent, error) {
	if err := config.applyDefaults(); err != nil {
		return nil, err
	}

	a := &Agent{
		config:     config,
		runner:     runner,
		master:     master,
		srv:        rpc.NewServer(config.Secret),
		slots:      config.AvailableSlots,
		portCursor: config.PortRangeStart,
		slotCh:     make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}

	a.srv.Handle("available_server_port", a.handleAvailableServerPort)
	a.srv.Handle("compile_champion", a.handleCompileChampion)
	a.srv.Handle("run_server", a.handleRunServer)
	a.srv.Handle("run_client", a.handleRunClient)
	return a, nil
}

// Handler exposes the agent's RPC surface for serving and for tests.
func (a *Agent) Handler() http.Handler { return a.srv }

// Run serves the agent's RPC endpoint and heartbeats until ctx is
// cancelled, then waits for in-flight jobs.
func (a *Agent) Run(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.config.Port),
		Handler: a.srv,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()

	a.wg.Add(1)
	go a.heartbeatLoop()

	log.Info("worker agent running",
		"hostname", a.config.Hostname, "port", a.config.Port,
		"slots", a.config.AvailableSlots, "master", a.config.MasterURL)

	var srvErr error
	select {
	case <-ctx.Done():
	case srvErr = <-errCh:
		log.Error("rpc endpoint failed", "error", srvErr)
	}

	close(a.stopCh)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	a.wg.Wait()
	return srvErr
}

// info snapshots the liveness payload.
func (a *Agent) info() types.WorkerInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	return types.WorkerInfo{
		Hostname: a.config.Hostname,
		Port:     a.config.Port,
		Slots:    a.slots,
		MaxSlots: a.config.AvailableSlots,
	}
}

// heartbeatLoop reports liveness every interval. First stays raised
// until the master acknowledged one heartbeat, so that a master which
// missed the process restart still learns about it.
func (a *Agent) heartbeatLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.config.HeartbeatInterval)
	defer ticker.Stop()

	first := true
	beat := func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.config.HeartbeatInterval)
		defer cancel()
		args := types.HeartbeatArgs{WorkerInfo: a.info(), First: first}
		if err := a.master.Call(ctx, "heartbeat", args, nil); err != nil {
			log.Warn("heartbeat failed", "error", err)
			return
		}
		first = false
	}

	beat()
	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			beat()
		}
	}
}

// acquire debits n slots. The overdraft case is logged but admitted.
func (a *Agent) acquire(n int) {
	a.mu.Lock()
	if a.slots < n {
		log.Warn("not enough slots, taking the job anyway",
			"free", a.slots, "wanted", n)
	}
	a.slots -= n
	a.mu.Unlock()
	a.publishSlots()
}

func (a *Agent) release(n int) {
	a.mu.Lock()
	a.slots += n
	if a.slots > a.config.AvailableSlots {
		a.slots = a.config.AvailableSlots
	}
	a.mu.Unlock()
	a.publishSlots()
}

// publishSlots pushes the current slot count to the master so its
// cached view converges between heartbeats. All publishes funnel
// through one goroutine, so a stale count never arrives after a fresher
// one; the buffered signal coalesces bursts and the loop always reads
// the count at send time.
func (a *Agent) publishSlots() {
	a.pubOnce.Do(func() {
		a.wg.Add(1)
		go a.publishLoop()
	})
	select {
	case a.slotCh <- struct{}{}:
	default:
	}
}

func (a *Agent) publishLoop() {
	defer a.wg.Done()
	for {
		select {
		case <-a.stopCh:
			return
		case <-a.slotCh:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := a.master.Call(ctx, "update_worker", a.info(), nil)
		cancel()
		if err != nil {
			log.Warn("slot update failed", "error", err)
		}
	}
}

// notify delivers a job result callback, retrying a few times; a lost
// callback would strand the champion or match on the master.
func (a *Agent) notify(method string, args any) {
	const attempts = 3
	for i := 0; i < attempts; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := a.master.Call(ctx, method, args, nil)
		cancel()
		if err == nil {
			return
		}
		log.Warn("result callback failed", "method", method,
			"attempt", i+1, "error", err)
		time.Sleep(2 * time.Second)
	}
	log.Error("result callback abandoned", "method", method)
}

// handleAvailableServerPort reserves the next referee port. The cursor
// wraps over [port_range_start, port_range_end); reservation is
// best-effort, a long-running referee may still hold the port by the
// time it is reused and the referee spawn will then fail and the match
// time out.
func (a *Agent) handleAvailableServerPort(ctx context.Context, data json.RawMessage) (any, error) {
	a.mu.Lock()
	port := a.portCursor
	a.portCursor++
	if a.portCursor >= a.config.PortRangeEnd {
		a.portCursor = a.config.PortRangeStart
	}
	a.mu.Unlock()
	return types.PortReply{Port: port}, nil
}

func (a *Agent) handleCompileChampion(ctx context.Context, data json.RawMessage) (any, error) {
	var args types.CompileChampionArgs
	if err := rpc.Unmarshal(data, &args); err != nil {
		return nil, err
	}

	const slots = 1
	a.acquire(slots)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.release(slots)
		a.compileJob(args)
	}()
	return types.JobReply{Slots: slots}, nil
}

func (a *Agent) handleRunServer(ctx context.Context, data json.RawMessage) (any, error) {
	var args types.RunServerArgs
	if err := rpc.Unmarshal(data, &args); err != nil {
		return nil, err
	}
	if args.PlayerCount <= 0 {
		return nil, fmt.Errorf("run_server: bad player count %d", args.PlayerCount)
	}

	const slots = 1
	a.acquire(slots)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.release(slots)
		a.serverJob(args)
	}()
	return types.JobReply{Slots: slots}, nil
}

func (a *Agent) handleRunClient(ctx context.Context, data json.RawMessage) (any, error) {
	var args types.RunClientArgs
	if err := rpc.Unmarshal(data, &args); err != nil {
		return nil, err
	}
	if len(args.Champion) == 0 {
		return nil, fmt.Errorf("run_client: empty champion archive")
	}

	// Champion processes are the CPU-intensive leaves.
	const slots = 2
	a.acquire(slots)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.release(slots)
		a.clientJob(args)
	}()
	return types.JobReply{Slots: slots}, nil
}

func (a *Agent) compileJob(args types.CompileChampionArgs) {
	log.Info("compiling champion", "champion", args.ChampionID, "user", args.User)

	ctx, cancel := context.WithTimeout(context.Background(), a.config.CompileTimeout)
	defer cancel()

	artifact, compileLog, err := a.runner.Compile(ctx, args.Sources)
	if err != nil {
		log.Error("compilation run failed", "champion", args.ChampionID, "error", err)
		if compileLog == "" {
			compileLog = "workernode: " + err.Error()
		}
		artifact = nil
	}

	a.notify("compilation_result", types.CompilationResultArgs{
		ChampionID: args.ChampionID,
		User:       args.User,
		Artifact:   artifact,
		Log:        compileLog,
	})
}

func (a *Agent) serverJob(args types.RunServerArgs) {
	log.Info("running match referee", "match", args.MatchID,
		"req_port", args.ReqPort, "sub_port", args.SubPort,
		"players", args.PlayerCount)

	ctx, cancel := context.WithTimeout(context.Background(), a.config.ServerTimeout)
	defer cancel()

	scores, dump, err := a.runner.RunServer(ctx, args.ReqPort, args.SubPort,
		args.PlayerCount, args.Options, args.FileOptions)
	if err != nil {
		// Report anyway with the failure flag raised; partial scores and
		// the dump still travel so the master can store what exists.
		log.Error("referee run failed", "match", args.MatchID, "error", err)
	}

	a.notify("match_done", types.MatchDoneArgs{
		MatchID: args.MatchID,
		Scores:  scores,
		Dump:    dump,
		Failed:  err != nil,
	})
}

func (a *Agent) clientJob(args types.RunClientArgs) {
	log.Info("running champion client", "match", args.MatchID,
		"player", args.MatchPlayerID, "user", args.User)

	ctx, cancel := context.WithTimeout(context.Background(), a.config.ClientTimeout)
	defer cancel()

	exitCode, output, err := a.runner.RunClient(ctx, args.ServerHost,
		args.ReqPort, args.SubPort, args.MatchPlayerID, args.Champion, args.Options)
	if err != nil {
		log.Error("client run failed", "match", args.MatchID,
			"player", args.MatchPlayerID, "error", err)
		exitCode = 1
	}
	log.Debug("client finished", "match", args.MatchID,
		"player", args.MatchPlayerID, "exit", exitCode, "output_bytes", len(output))

	a.notify("client_done", types.ClientDoneArgs{
		MatchID:       args.MatchID,
		MatchPlayerID: args.MatchPlayerID,
		ExitCode:      exitCode,
	})
}
