// Package store is the master's gateway to the contest database. It
// holds champions (compile pipeline state, artifact, log) and matches
// (lifecycle state, scores, replay dump).
//
// The orchestrator is the sole writer for statuses and results; the web
// front-end only inserts submissions. Result writes are atomic per
// match and idempotent, so a duplicate callback is a no-op.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/prologin/stechec-cluster/pkg/types"
)

var ErrNotFound = errors.New("store: not found")

type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS champions (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	user     TEXT NOT NULL,
	status   TEXT NOT NULL DEFAULT 'new',
	sources  BLOB,
	artifact BLOB,
	log      TEXT NOT NULL DEFAULT '',
	ts       TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS matches (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	status       TEXT NOT NULL DEFAULT 'creating',
	options      TEXT NOT NULL DEFAULT '{}',
	file_options TEXT NOT NULL DEFAULT '{}',
	failed       INTEGER NOT NULL DEFAULT 0,
	dump         BLOB,
	ts           TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS match_players (
	match_id        INTEGER NOT NULL REFERENCES matches(id),
	match_player_id INTEGER NOT NULL,
	champion_id     INTEGER NOT NULL REFERENCES champions(id),
	user            TEXT NOT NULL,
	score           INTEGER,
	exit_code       INTEGER,
	PRIMARY KEY (match_id, match_player_id)
);
`

// Open creates or opens the contest database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreateChampion inserts a submission in status new and returns its id.
func (s *Store) CreateChampion(user string, sources []byte) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO champions (user, sources) VALUES (?, ?)`, user, sources)
	if err != nil {
		return 0, fmt.Errorf("insert champion: %w", err)
	}
	return res.LastInsertId()
}

// ChampionSources returns the source archive and owner of a champion.
func (s *Store) ChampionSources(id int64) ([]byte, string, error) {
	var sources []byte
	var user string
	err := s.db.QueryRow(
		`SELECT sources, user FROM champions WHERE id = ?`, id).
		Scan(&sources, &user)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("select champion %d: %w", id, err)
	}
	return sources, user, nil
}

// ChampionArtifact returns the compiled archive of a ready champion.
func (s *Store) ChampionArtifact(id int64) ([]byte, error) {
	var artifact []byte
	err := s.db.QueryRow(
		`SELECT artifact FROM champions WHERE id = ? AND status = ?`,
		id, types.ChampionReady).Scan(&artifact)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select artifact %d: %w", id, err)
	}
	return artifact, nil
}

// ChampionStatus returns the pipeline state of a champion.
func (s *Store) ChampionStatus(id int64) (types.ChampionStatus, error) {
	var status string
	err := s.db.QueryRow(
		`SELECT status FROM champions WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("select champion %d: %w", id, err)
	}
	return types.ChampionStatus(status), nil
}

// SetChampionPending moves a champion from new to pending when its
// compile task is enqueued.
func (s *Store) SetChampionPending(id int64) error {
	_, err := s.db.Exec(
		`UPDATE champions SET status = ? WHERE id = ? AND status = ?`,
		types.ChampionPending, id, types.ChampionNew)
	if err != nil {
		return fmt.Errorf("update champion %d: %w", id, err)
	}
	return nil
}

// SaveCompilationResult records the artifact and log of a compilation.
// An empty artifact means the compile failed; the log is the sole
// output then. Once a champion reached ready or error, the row is
// frozen: a resent result is a no-op.
func (s *Store) SaveCompilationResult(id int64, artifact []byte, compileLog string) error {
	status := types.ChampionReady
	if len(artifact) == 0 {
		status = types.ChampionError
	}
	_, err := s.db.Exec(
		`UPDATE champions SET status = ?, artifact = ?, log = ?
		 WHERE id = ? AND status NOT IN (?, ?)`,
		status, artifact, compileLog, id, types.ChampionReady, types.ChampionError)
	if err != nil {
		return fmt.Errorf("save compilation %d: %w", id, err)
	}
	return nil
}

// CreateMatch writes the match shell and its player rows in one
// transaction. The row is committed in status new, per the creating ->
// new -> pending -> done lifecycle.
func (s *Store) CreateMatch(players []types.MatchPlayer, options, fileOptions map[string]string) (int64, error) {
	optJSON, err := json.Marshal(orEmpty(options))
	if err != nil {
		return 0, fmt.Errorf("marshal options: %w", err)
	}
	fileOptJSON, err := json.Marshal(orEmpty(fileOptions))
	if err != nil {
		return 0, fmt.Errorf("marshal file options: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`INSERT INTO matches (status, options, file_options) VALUES (?, ?, ?)`,
		types.MatchNew, string(optJSON), string(fileOptJSON))
	if err != nil {
		return 0, fmt.Errorf("insert match: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	for _, p := range players {
		if _, err := tx.Exec(
			`INSERT INTO match_players (match_id, match_player_id, champion_id, user)
			 VALUES (?, ?, ?, ?)`,
			id, p.MatchPlayerID, p.ChampionID, p.User); err != nil {
			return 0, fmt.Errorf("insert match player %d: %w", p.MatchPlayerID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit match: %w", err)
	}
	return id, nil
}

// SetMatchPending marks the match as dispatched to the scheduler.
func (s *Store) SetMatchPending(id int64) error {
	_, err := s.db.Exec(
		`UPDATE matches SET status = ? WHERE id = ? AND status = ?`,
		types.MatchPending, id, types.MatchNew)
	if err != nil {
		return fmt.Errorf("update match %d: %w", id, err)
	}
	return nil
}

// SaveMatchResult finalizes a match: status done, scores, gzipped dump
// and the failure flag, all in one transaction. A match already done is
// left untouched.
func (s *Store) SaveMatchResult(id int64, scores []types.Score, dump []byte, failed bool) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRow(`SELECT status FROM matches WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("select match %d: %w", id, err)
	}
	if types.MatchStatus(status) == types.MatchDone {
		return nil
	}

	if _, err := tx.Exec(
		`UPDATE matches SET status = ?, dump = ?, failed = ? WHERE id = ?`,
		types.MatchDone, dump, boolInt(failed), id); err != nil {
		return fmt.Errorf("finalize match %d: %w", id, err)
	}
	for _, sc := range scores {
		if _, err := tx.Exec(
			`UPDATE match_players SET score = ? WHERE match_id = ? AND match_player_id = ?`,
			sc.Score, id, sc.MatchPlayerID); err != nil {
			return fmt.Errorf("save score for player %d: %w", sc.MatchPlayerID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit match %d: %w", id, err)
	}
	return nil
}

// SetPlayerExit records a player's exit code for diagnostics. Scores
// from the referee take precedence and live in a separate column.
func (s *Store) SetPlayerExit(matchID, matchPlayerID int64, exitCode int) error {
	_, err := s.db.Exec(
		`UPDATE match_players SET exit_code = ? WHERE match_id = ? AND match_player_id = ?`,
		exitCode, matchID, matchPlayerID)
	if err != nil {
		return fmt.Errorf("save exit code for player %d: %w", matchPlayerID, err)
	}
	return nil
}

// MatchState returns the lifecycle status and failure flag of a match.
func (s *Store) MatchState(id int64) (types.MatchStatus, bool, error) {
	var status string
	var failed int
	err := s.db.QueryRow(
		`SELECT status, failed FROM matches WHERE id = ?`, id).
		Scan(&status, &failed)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, ErrNotFound
	}
	if err != nil {
		return "", false, fmt.Errorf("select match %d: %w", id, err)
	}
	return types.MatchStatus(status), failed != 0, nil
}

// MatchScores lists the recorded scores of a match, ordered by player.
func (s *Store) MatchScores(id int64) ([]types.Score, error) {
	rows, err := s.db.Query(
		`SELECT match_player_id, score FROM match_players
		 WHERE match_id = ? AND score IS NOT NULL
		 ORDER BY match_player_id`, id)
	if err != nil {
		return nil, fmt.Errorf("select scores %d: %w", id, err)
	}
	defer rows.Close()

	var scores []types.Score
	for rows.Next() {
		var sc types.Score
		if err := rows.Scan(&sc.MatchPlayerID, &sc.Score); err != nil {
			return nil, err
		}
		scores = append(scores, sc)
	}
	return scores, rows.Err()
}

// MatchDump returns the stored replay dump, which may be nil.
func (s *Store) MatchDump(id int64) ([]byte, error) {
	var dump []byte
	err := s.db.QueryRow(`SELECT dump FROM matches WHERE id = ?`, id).Scan(&dump)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select dump %d: %w", id, err)
	}
	return dump, nil
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
