// Package match drives the per-match state machine on the master.
//
// A match starts as a shell row in the contest database, gets one
// referee (server) task, and once the referee is placed, one player
// task per participant. The orchestrator collects the referee's final
// scores and every player exit, then persists the result atomically.
//
// State machine:
//
//	creating -> pending : shell committed, server task enqueued
//	pending  -> done    : referee scores in AND all dispatched players reported
//	pending  -> done    : referee failed or scored nobody, failure flag set
//	pending  -> done    : sweeper timeout, empty scores + failure flag
//
// Callbacks for a match already done are silently ignored: the match
// table drops finished entries, and a lookup miss means "already done".
package match

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prologin/stechec-cluster/internal/metrics"
	"github.com/prologin/stechec-cluster/pkg/types"
)

var log = slog.Default()

// Store is the slice of the contest database the orchestrator writes.
type Store interface {
	CreateMatch(players []types.MatchPlayer, options, fileOptions map[string]string) (int64, error)
	SetMatchPending(id int64) error
	SaveMatchResult(id int64, scores []types.Score, dump []byte, failed bool) error
	SetPlayerExit(matchID, matchPlayerID int64, exitCode int) error
}

// Enqueuer is the task queue surface the orchestrator needs.
type Enqueuer interface {
	Enqueue(task types.Task)
}

// Config for the orchestrator.
type Config struct {
	// MatchTimeout bounds the lifetime of a pending match. Past it, the
	// sweeper forces the match done with empty scores and the failure
	// flag set.
	MatchTimeout time.Duration
	// SweepInterval is how often the sweeper scans pending matches.
	SweepInterval time.Duration
}

type state struct {
	id          int64
	players     []types.MatchPlayer
	options     map[string]string
	fileOptions map[string]string

	serverHost string
	reqPort    int
	subPort    int

	dispatched map[int64]bool // match_player_id -> player task emitted
	exits      map[int64]int  // match_player_id -> exit code
	scores     []types.Score
	haveScores bool
	failed     bool
	dump       []byte

	startedAt time.Time
}

// Orchestrator serializes all transitions per match under one lock.
type Orchestrator struct {
	store   Store
	queue   Enqueuer
	config  Config
	metrics *metrics.Collector // optional

	mu      sync.Mutex
	matches map[int64]*state

	stopCh  chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

func New(store Store, queue Enqueuer, config Config) *Orchestrator {
	if config.SweepInterval <= 0 {
		config.SweepInterval = 5 * time.Second
	}
	return &Orchestrator{
		store:   store,
		queue:   queue,
		config:  config,
		matches: make(map[int64]*state),
		stopCh:  make(chan struct{}),
	}
}

// SetMetrics attaches the Prometheus collector. Optional.
func (o *Orchestrator) SetMetrics(c *metrics.Collector) { o.metrics = c }

// Start launches the sweeper.
func (o *Orchestrator) Start() {
	o.wg.Add(1)
	go o.sweepLoop()
}

// Stop halts the sweeper and waits for it.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	o.mu.Unlock()

	close(o.stopCh)
	o.wg.Wait()
}

// CreateMatch persists the match shell, enqueues its server task and
// returns the new match id. The match enters pending.
func (o *Orchestrator) CreateMatch(players []types.MatchPlayer, options, fileOptions map[string]string) (int64, error) {
	if len(players) == 0 {
		return 0, fmt.Errorf("match needs at least one player")
	}

	id, err := o.store.CreateMatch(players, options, fileOptions)
	if err != nil {
		return 0, fmt.Errorf("create match: %w", err)
	}

	o.mu.Lock()
	o.matches[id] = &state{
		id:          id,
		players:     players,
		options:     options,
		fileOptions: fileOptions,
		dispatched:  make(map[int64]bool),
		exits:       make(map[int64]int),
		startedAt:   time.Now(),
	}
	o.mu.Unlock()

	o.queue.Enqueue(types.MatchServerTask{
		TaskID:      types.ServerTaskID(id),
		MatchID:     id,
		Options:     options,
		FileOptions: fileOptions,
		PlayerCount: len(players),
	})
	if err := o.store.SetMatchPending(id); err != nil {
		log.Error("failed to mark match pending", "match", id, "error", err)
	}

	log.Info("match created", "match", id, "players", len(players))
	return id, nil
}

// OnServerDispatched records the referee endpoints and emits one player
// task per participant. The dispatched set is the idempotency register:
// if the server task was requeued and placed twice, the second call
// emits nothing.
func (o *Orchestrator) OnServerDispatched(matchID int64, host string, reqPort, subPort int) {
	o.mu.Lock()
	defer o.mu.Unlock()

	m, ok := o.matches[matchID]
	if !ok {
		return // already done
	}

	m.serverHost = host
	m.reqPort = reqPort
	m.subPort = subPort

	for _, p := range m.players {
		if m.dispatched[p.MatchPlayerID] {
			continue
		}
		m.dispatched[p.MatchPlayerID] = true
		o.queue.Enqueue(types.PlayerTask{
			TaskID:        types.PlayerTaskID(matchID, p.MatchPlayerID),
			MatchID:       matchID,
			ServerHost:    host,
			ReqPort:       reqPort,
			SubPort:       subPort,
			ChampionID:    p.ChampionID,
			MatchPlayerID: p.MatchPlayerID,
			User:          p.User,
			Options:       m.options,
		})
	}
	log.Info("match server placed, players enqueued",
		"match", matchID, "server", host, "req_port", reqPort, "sub_port", subPort)
}

// OnMatchDone stores the referee's judgment. The match closes once
// every dispatched player has also reported. A failed referee closes
// the match immediately with the failure flag; so does a referee that
// scored nobody, since a done match must carry scores or the flag.
func (o *Orchestrator) OnMatchDone(matchID int64, scores []types.Score, dump []byte, failed bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	m, ok := o.matches[matchID]
	if !ok {
		return // duplicate or late callback
	}
	if m.haveScores {
		return
	}
	m.scores = scores
	m.dump = dump
	m.haveScores = true
	m.failed = failed || len(scores) == 0
	if failed {
		// The players lost their referee; their exits carry no verdict.
		o.finishLocked(m)
		return
	}
	o.maybeFinishLocked(m)
}

// OnClientDone records one player's exit code. A callback arriving
// before the referee's own result is stored and applied on completion.
func (o *Orchestrator) OnClientDone(matchID, matchPlayerID int64, exitCode int) {
	o.mu.Lock()
	defer o.mu.Unlock()

	m, ok := o.matches[matchID]
	if !ok {
		return // already done
	}
	m.exits[matchPlayerID] = exitCode
	if err := o.store.SetPlayerExit(matchID, matchPlayerID, exitCode); err != nil {
		log.Error("failed to store player exit", "match", matchID,
			"player", matchPlayerID, "error", err)
	}
	o.maybeFinishLocked(m)
}

// PendingCount is the number of matches not yet done.
func (o *Orchestrator) PendingCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.matches)
}

// Snapshot describes one in-flight match for the status RPC.
type Snapshot struct {
	MatchID    int64 `json:"match_id"`
	Players    int   `json:"players"`
	Dispatched int   `json:"dispatched"`
	Reported   int   `json:"reported"`
	HaveScores bool  `json:"have_scores"`
}

// Pending lists in-flight matches in id order.
func (o *Orchestrator) Pending() []Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]Snapshot, 0, len(o.matches))
	for _, m := range o.matches {
		out = append(out, Snapshot{
			MatchID:    m.id,
			Players:    len(m.players),
			Dispatched: len(m.dispatched),
			Reported:   len(m.exits),
			HaveScores: m.haveScores,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MatchID < out[j].MatchID })
	return out
}

func (o *Orchestrator) maybeFinishLocked(m *state) {
	if !m.haveScores {
		return
	}
	for mpid := range m.dispatched {
		if _, reported := m.exits[mpid]; !reported {
			return
		}
	}
	o.finishLocked(m)
}

func (o *Orchestrator) finishLocked(m *state) {
	if err := o.store.SaveMatchResult(m.id, m.scores, m.dump, m.failed); err != nil {
		// Keep the match pending; the operator resolves storage errors.
		log.Error("failed to persist match result", "match", m.id, "error", err)
		return
	}
	delete(o.matches, m.id)
	if o.metrics != nil {
		o.metrics.RecordMatchDone(m.failed)
	}
	if m.failed {
		log.Warn("match failed", "match", m.id, "scores", len(m.scores))
		return
	}
	log.Info("match done", "match", m.id, "scores", len(m.scores))
}

func (o *Orchestrator) sweepLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.sweep(time.Now())
		}
	}
}

// sweep forces matches past MatchTimeout to done with empty scores and
// the failure flag. Outstanding player callbacks will then be ignored.
func (o *Orchestrator) sweep(now time.Time) {
	if o.config.MatchTimeout <= 0 {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	for id, m := range o.matches {
		if now.Sub(m.startedAt) <= o.config.MatchTimeout {
			continue
		}
		log.Warn("match timed out, forcing failure",
			"match", id, "age", now.Sub(m.startedAt))
		if err := o.store.SaveMatchResult(id, nil, nil, true); err != nil {
			log.Error("failed to persist failed match", "match", id, "error", err)
			continue
		}
		delete(o.matches, id)
		if o.metrics != nil {
			o.metrics.RecordMatchDone(true)
		}
	}
}

