package types

// Wire payloads of the master/worker RPC surface. []byte fields ride as
// base64 strings under encoding/json, which keeps archives and dumps
// printable inside the signed envelope.

// HeartbeatArgs is sent by a worker on every heartbeat tick. First is
// raised until the master acknowledged one heartbeat after the worker
// process started, letting the master requeue tasks lost to a restart.
type HeartbeatArgs struct {
	WorkerInfo
	First bool `json:"first"`
}

// CompileChampionArgs asks a worker to compile a champion.
type CompileChampionArgs struct {
	ChampionID int64  `json:"champion_id"`
	User       string `json:"user"`
	Sources    []byte `json:"sources"`
}

// RunServerArgs asks a worker to run one match referee on the ports the
// master already reserved through available_server_port.
type RunServerArgs struct {
	MatchID     int64             `json:"match_id"`
	ReqPort     int               `json:"req_port"`
	SubPort     int               `json:"sub_port"`
	PlayerCount int               `json:"player_count"`
	Options     map[string]string `json:"options"`
	FileOptions map[string]string `json:"file_options"`
}

// RunClientArgs asks a worker to run one champion client.
type RunClientArgs struct {
	MatchID       int64             `json:"match_id"`
	MatchPlayerID int64             `json:"match_player_id"`
	User          string            `json:"user"`
	ServerHost    string            `json:"server_host"`
	ReqPort       int               `json:"req_port"`
	SubPort       int               `json:"sub_port"`
	Champion      []byte            `json:"champion"`
	Options       map[string]string `json:"options"`
}

// PortReply carries one reserved server port.
type PortReply struct {
	Port int `json:"port"`
}

// JobReply acknowledges job admission and reports the slot weight the
// worker charged for it.
type JobReply struct {
	Slots int `json:"slots"`
}

// CompilationResultArgs reports a finished compilation to the master.
// An empty Artifact means the compilation failed and Log is the sole
// output.
type CompilationResultArgs struct {
	ChampionID int64  `json:"champion_id"`
	User       string `json:"user"`
	Artifact   []byte `json:"artifact"`
	Log        string `json:"log"`
}

// MatchDoneArgs reports the referee's judgment for one match. Failed is
// raised when the referee timed out or crashed; Scores may then be
// partial and the match must not count as played.
type MatchDoneArgs struct {
	MatchID int64   `json:"match_id"`
	Scores  []Score `json:"scores"`
	Dump    []byte  `json:"dump"` // gzipped replay, may be empty
	Failed  bool    `json:"failed"`
}

// ClientDoneArgs reports one champion client's exit.
type ClientDoneArgs struct {
	MatchID       int64 `json:"match_id"`
	MatchPlayerID int64 `json:"match_player_id"`
	ExitCode      int   `json:"exit_code"`
}

// NewChampionArgs submits a champion source archive for compilation.
type NewChampionArgs struct {
	User    string `json:"user"`
	Sources []byte `json:"sources"`
}

// NewChampionReply carries the id of the created champion.
type NewChampionReply struct {
	ChampionID int64 `json:"champion_id"`
}

// NewMatchArgs schedules a match between compiled champions.
type NewMatchArgs struct {
	Players     []MatchPlayer     `json:"players"`
	Options     map[string]string `json:"options"`
	FileOptions map[string]string `json:"file_options"`
}

// NewMatchReply carries the id of the created match.
type NewMatchReply struct {
	MatchID int64 `json:"match_id"`
}
