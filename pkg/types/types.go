// Package types defines the core domain model shared by the master and
// the worker nodes: task descriptors, worker identity and the lifecycle
// constants of champions and matches.
package types

import "fmt"

// TaskID uniquely identifies a unit of work on the master. IDs are
// deterministic so a requeued task keeps its identity.
type TaskID string

// CompileTaskID is the task id of champion's compilation.
func CompileTaskID(championID int64) TaskID {
	return TaskID(fmt.Sprintf("compile-%d", championID))
}

// ServerTaskID is the task id of a match's referee task.
func ServerTaskID(matchID int64) TaskID {
	return TaskID(fmt.Sprintf("match-%d-server", matchID))
}

// PlayerTaskID is the task id of one player task of a match.
func PlayerTaskID(matchID, matchPlayerID int64) TaskID {
	return TaskID(fmt.Sprintf("match-%d-player-%d", matchID, matchPlayerID))
}

// WorkerID identifies a worker node by its listening endpoint.
type WorkerID struct {
	Hostname string `json:"hostname"`
	Port     int    `json:"port"`
}

func (w WorkerID) String() string {
	return fmt.Sprintf("%s:%d", w.Hostname, w.Port)
}

// WorkerInfo is the liveness payload a worker sends with every heartbeat
// and slot update.
type WorkerInfo struct {
	Hostname string `json:"hostname"`
	Port     int    `json:"port"`
	Slots    int    `json:"slots"`     // currently free slots
	MaxSlots int    `json:"max_slots"` // advertised capacity
}

func (w WorkerInfo) ID() WorkerID {
	return WorkerID{Hostname: w.Hostname, Port: w.Port}
}

// Task is implemented by the three unit-of-work descriptors. Descriptors
// are immutable once enqueued.
type Task interface {
	ID() TaskID
	// SlotsTaken is the number of worker slots the task occupies for its
	// duration. Weights are policy constants: player processes are the
	// CPU-intensive leaves.
	SlotsTaken() int
	String() string
}

// CompileTask compiles a submitted champion from its source archive.
type CompileTask struct {
	TaskID     TaskID `json:"task_id"`
	User       string `json:"user"`
	ChampionID int64  `json:"champion_id"`
}

func (t CompileTask) ID() TaskID      { return t.TaskID }
func (t CompileTask) SlotsTaken() int { return 1 }

func (t CompileTask) String() string {
	return fmt.Sprintf("compilation %s/%d", t.User, t.ChampionID)
}

// MatchServerTask runs the referee for one match. Dispatching it
// allocates the endpoints the players will connect to.
type MatchServerTask struct {
	TaskID      TaskID            `json:"task_id"`
	MatchID     int64             `json:"match_id"`
	Options     map[string]string `json:"options"`
	FileOptions map[string]string `json:"file_options"` // flag -> base64 content
	PlayerCount int               `json:"player_count"`
}

func (t MatchServerTask) ID() TaskID      { return t.TaskID }
func (t MatchServerTask) SlotsTaken() int { return 1 }

func (t MatchServerTask) String() string {
	return fmt.Sprintf("match server %d", t.MatchID)
}

// PlayerTask runs one champion client connected to a match referee.
type PlayerTask struct {
	TaskID        TaskID            `json:"task_id"`
	MatchID       int64             `json:"match_id"`
	ServerHost    string            `json:"server_host"`
	ReqPort       int               `json:"req_port"`
	SubPort       int               `json:"sub_port"`
	ChampionID    int64             `json:"champion_id"`
	MatchPlayerID int64             `json:"match_player_id"`
	User          string            `json:"user"`
	Options       map[string]string `json:"options"`
}

func (t PlayerTask) ID() TaskID      { return t.TaskID }
func (t PlayerTask) SlotsTaken() int { return 2 }

func (t PlayerTask) String() string {
	return fmt.Sprintf("player %d of match %d", t.MatchPlayerID, t.MatchID)
}

// MatchPlayer describes one participant of a match before dispatch.
type MatchPlayer struct {
	ChampionID    int64  `json:"champion_id"`
	MatchPlayerID int64  `json:"match_player_id"`
	User          string `json:"user"`
}

// Score is one (player, score) pair from the referee's judgment.
type Score struct {
	MatchPlayerID int64 `json:"match_player_id"`
	Score         int   `json:"score"`
}

// ChampionStatus is the compile pipeline state stored on a champion row.
type ChampionStatus string

const (
	ChampionNew     ChampionStatus = "new"     // waiting for compilation
	ChampionPending ChampionStatus = "pending" // compilation dispatched
	ChampionReady   ChampionStatus = "ready"   // compiled, artifact stored
	ChampionError   ChampionStatus = "error"   // compilation failed, log is sole output
)

// MatchStatus is the lifecycle state stored on a match row.
type MatchStatus string

const (
	MatchCreating MatchStatus = "creating" // shell row being written
	MatchNew      MatchStatus = "new"      // committed, server task not yet enqueued
	MatchPending  MatchStatus = "pending"  // server task enqueued or running
	MatchDone     MatchStatus = "done"     // terminal; scores present or failed flag set
)
