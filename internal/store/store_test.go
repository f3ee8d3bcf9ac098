package store

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/prologin/stechec-cluster/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "contest.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func assertChampionStatus(t *testing.T, s *Store, id int64, want types.ChampionStatus) {
	t.Helper()
	status, err := s.ChampionStatus(id)
	if err != nil {
		t.Fatalf("champion status: %v", err)
	}
	if status != want {
		t.Errorf("champion %d status: got %s, want %s", id, status, want)
	}
}

func TestChampionLifecycle(t *testing.T) {
	s := newTestStore(t)

	id, err := s.CreateChampion("alice", []byte("sources"))
	if err != nil {
		t.Fatalf("create champion: %v", err)
	}
	assertChampionStatus(t, s, id, types.ChampionNew)

	sources, user, err := s.ChampionSources(id)
	if err != nil {
		t.Fatalf("champion sources: %v", err)
	}
	if user != "alice" || !bytes.Equal(sources, []byte("sources")) {
		t.Errorf("sources: got (%q, %q)", user, sources)
	}

	if err := s.SetChampionPending(id); err != nil {
		t.Fatalf("set pending: %v", err)
	}
	assertChampionStatus(t, s, id, types.ChampionPending)

	// Artifact is unreachable until the champion is ready.
	if _, err := s.ChampionArtifact(id); !errors.Is(err, ErrNotFound) {
		t.Errorf("artifact before ready: got %v, want ErrNotFound", err)
	}

	if err := s.SaveCompilationResult(id, []byte("champion.so"), "built fine"); err != nil {
		t.Fatalf("save result: %v", err)
	}
	assertChampionStatus(t, s, id, types.ChampionReady)

	artifact, err := s.ChampionArtifact(id)
	if err != nil {
		t.Fatalf("artifact: %v", err)
	}
	if !bytes.Equal(artifact, []byte("champion.so")) {
		t.Errorf("artifact: got %q", artifact)
	}
}

func TestFailedCompilation(t *testing.T) {
	s := newTestStore(t)

	id, err := s.CreateChampion("bob", []byte("bad sources"))
	if err != nil {
		t.Fatalf("create champion: %v", err)
	}

	// Empty artifact means the compile failed; the log is the sole
	// output.
	if err := s.SaveCompilationResult(id, nil, "syntax error line 3"); err != nil {
		t.Fatalf("save result: %v", err)
	}
	assertChampionStatus(t, s, id, types.ChampionError)

	if _, err := s.ChampionArtifact(id); !errors.Is(err, ErrNotFound) {
		t.Errorf("artifact of failed champion: got %v, want ErrNotFound", err)
	}
}

func TestCompilationResultIsFrozen(t *testing.T) {
	s := newTestStore(t)

	id, _ := s.CreateChampion("alice", []byte("src"))
	if err := s.SaveCompilationResult(id, []byte("first"), "ok"); err != nil {
		t.Fatalf("save result: %v", err)
	}

	// A resent result, e.g. after a requeued compile ran twice, must not
	// overwrite the stored artifact.
	if err := s.SaveCompilationResult(id, []byte("second"), "ok again"); err != nil {
		t.Fatalf("resend result: %v", err)
	}
	artifact, err := s.ChampionArtifact(id)
	if err != nil {
		t.Fatalf("artifact: %v", err)
	}
	if !bytes.Equal(artifact, []byte("first")) {
		t.Errorf("artifact overwritten: got %q, want %q", artifact, "first")
	}
}

func TestChampionNotFound(t *testing.T) {
	s := newTestStore(t)

	if _, _, err := s.ChampionSources(99); !errors.Is(err, ErrNotFound) {
		t.Errorf("sources: got %v, want ErrNotFound", err)
	}
	if _, err := s.ChampionStatus(99); !errors.Is(err, ErrNotFound) {
		t.Errorf("status: got %v, want ErrNotFound", err)
	}
}

func testPlayers(championA, championB int64) []types.MatchPlayer {
	return []types.MatchPlayer{
		{ChampionID: championA, MatchPlayerID: 1, User: "alice"},
		{ChampionID: championB, MatchPlayerID: 2, User: "bob"},
	}
}

func TestMatchLifecycle(t *testing.T) {
	s := newTestStore(t)

	ca, _ := s.CreateChampion("alice", []byte("a"))
	cb, _ := s.CreateChampion("bob", []byte("b"))

	id, err := s.CreateMatch(testPlayers(ca, cb), map[string]string{"--map": "big"}, nil)
	if err != nil {
		t.Fatalf("create match: %v", err)
	}

	status, failed, err := s.MatchState(id)
	if err != nil {
		t.Fatalf("match state: %v", err)
	}
	if status != types.MatchNew || failed {
		t.Errorf("fresh match: got (%s, %v), want (new, false)", status, failed)
	}

	if err := s.SetMatchPending(id); err != nil {
		t.Fatalf("set pending: %v", err)
	}

	scores := []types.Score{{MatchPlayerID: 1, Score: 42}, {MatchPlayerID: 2, Score: -1}}
	if err := s.SaveMatchResult(id, scores, []byte("gzdump"), false); err != nil {
		t.Fatalf("save result: %v", err)
	}

	status, failed, _ = s.MatchState(id)
	if status != types.MatchDone || failed {
		t.Errorf("done match: got (%s, %v), want (done, false)", status, failed)
	}

	got, err := s.MatchScores(id)
	if err != nil {
		t.Fatalf("match scores: %v", err)
	}
	if len(got) != 2 || got[0].Score != 42 || got[1].Score != -1 {
		t.Errorf("scores: got %v", got)
	}

	dump, err := s.MatchDump(id)
	if err != nil {
		t.Fatalf("match dump: %v", err)
	}
	if !bytes.Equal(dump, []byte("gzdump")) {
		t.Errorf("dump: got %q", dump)
	}
}

func TestMatchResultIsIdempotent(t *testing.T) {
	s := newTestStore(t)

	ca, _ := s.CreateChampion("alice", []byte("a"))
	cb, _ := s.CreateChampion("bob", []byte("b"))
	id, _ := s.CreateMatch(testPlayers(ca, cb), nil, nil)

	if err := s.SaveMatchResult(id, []types.Score{{MatchPlayerID: 1, Score: 10}}, nil, false); err != nil {
		t.Fatalf("save result: %v", err)
	}

	// A duplicate callback must not change anything, including the
	// failure flag.
	if err := s.SaveMatchResult(id, nil, nil, true); err != nil {
		t.Fatalf("duplicate save: %v", err)
	}
	status, failed, _ := s.MatchState(id)
	if status != types.MatchDone || failed {
		t.Errorf("after duplicate save: got (%s, %v), want (done, false)", status, failed)
	}
	scores, _ := s.MatchScores(id)
	if len(scores) != 1 || scores[0].Score != 10 {
		t.Errorf("scores after duplicate save: got %v", scores)
	}
}

func TestForcedMatchFailure(t *testing.T) {
	s := newTestStore(t)

	ca, _ := s.CreateChampion("alice", []byte("a"))
	cb, _ := s.CreateChampion("bob", []byte("b"))
	id, _ := s.CreateMatch(testPlayers(ca, cb), nil, nil)

	if err := s.SaveMatchResult(id, nil, nil, true); err != nil {
		t.Fatalf("force failure: %v", err)
	}
	status, failed, _ := s.MatchState(id)
	if status != types.MatchDone || !failed {
		t.Errorf("timed out match: got (%s, %v), want (done, true)", status, failed)
	}
	scores, _ := s.MatchScores(id)
	if len(scores) != 0 {
		t.Errorf("failed match must have no scores, got %v", scores)
	}
}

func TestSetPlayerExit(t *testing.T) {
	s := newTestStore(t)

	ca, _ := s.CreateChampion("alice", []byte("a"))
	cb, _ := s.CreateChampion("bob", []byte("b"))
	id, _ := s.CreateMatch(testPlayers(ca, cb), nil, nil)

	if err := s.SetPlayerExit(id, 1, 0); err != nil {
		t.Fatalf("set player exit: %v", err)
	}
	if err := s.SetPlayerExit(id, 2, 137); err != nil {
		t.Fatalf("set player exit: %v", err)
	}
	// Exit codes are diagnostics; scores stay empty until the referee
	// reports.
	scores, _ := s.MatchScores(id)
	if len(scores) != 0 {
		t.Errorf("exit codes must not produce scores, got %v", scores)
	}
}
