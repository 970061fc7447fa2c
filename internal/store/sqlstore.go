package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"promptfuzz/internal/callseq"
	"promptfuzz/internal/program"
	"promptfuzz/internal/schedule"
	"promptfuzz/internal/session"

	_ "modernc.org/sqlite"
)

// stampLayout is fixed-width so stamps sort lexically.
const stampLayout = "2006-01-02T15:04:05.000000000Z"

// nowUTC returns the current UTC time as an ISO 8601 string.
func nowUTC() string { return time.Now().UTC().Format(time.RFC3339) }

// nullStr converts a sql.NullString to a plain string (empty if null).
func nullStr(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// currentSchemaVersion is the target schema version for this build.
const currentSchemaVersion = schemaVersionV1

// SqlStore implements Store with SQLite.
type SqlStore struct {
	db *sql.DB
}

// Open opens or creates a SQLite DB at path and runs migrations.
// Creates the parent directory if it does not exist.
func Open(path string) (*SqlStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// the fuzz loop is the only writer; one connection avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &SqlStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SqlStore) migrate() error {
	var tableCount int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableCount)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}
	if tableCount == 0 {
		return s.freshInstall()
	}

	var v int
	err = s.db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return s.freshInstall()
	}
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if v != currentSchemaVersion {
		return fmt.Errorf("unknown schema version %d", v)
	}
	return nil
}

func (s *SqlStore) freshInstall() error {
	if _, err := s.db.Exec(schemaV1); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := s.db.Exec("INSERT INTO schema_version(version) VALUES(?)", currentSchemaVersion); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SqlStore) Close() error { return s.db.Close() }

func (s *SqlStore) SaveProgram(rec *ProgramRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO programs(id, status, source, error, path, round, apis, elapsed, branches, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status=excluded.status, source=excluded.source, error=excluded.error,
			path=excluded.path, round=excluded.round, apis=excluded.apis,
			elapsed=excluded.elapsed, branches=excluded.branches, updated_at=excluded.updated_at`,
		rec.ID, string(rec.Status), rec.Source, rec.Err, rec.Path, rec.Round,
		strings.Join(rec.APIs, ","), rec.Elapsed, rec.Branches, nowUTC())
	if err != nil {
		return fmt.Errorf("save program %d: %w", rec.ID, err)
	}
	return nil
}

func (s *SqlStore) UpdateProgramStatus(id int64, status program.Status, diag string) error {
	res, err := s.db.Exec("UPDATE programs SET status=?, error=?, updated_at=? WHERE id=?",
		string(status), diag, nowUTC(), id)
	if err != nil {
		return fmt.Errorf("update program %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update program %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SqlStore) ListPrograms(status program.Status) ([]*ProgramRecord, error) {
	q := "SELECT id, status, source, error, path, round, apis, elapsed, branches FROM programs"
	var args []any
	if status != "" {
		q += " WHERE status=?"
		args = append(args, string(status))
	}
	q += " ORDER BY id"
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list programs: %w", err)
	}
	defer rows.Close()
	var out []*ProgramRecord
	for rows.Next() {
		var (
			rec               ProgramRecord
			st                string
			errMsg, path, api sql.NullString
		)
		if err := rows.Scan(&rec.ID, &st, &rec.Source, &errMsg, &path, &rec.Round, &api, &rec.Elapsed, &rec.Branches); err != nil {
			return nil, fmt.Errorf("scan program: %w", err)
		}
		rec.Status = program.Status(st)
		rec.Err = nullStr(errMsg)
		rec.Path = nullStr(path)
		if a := nullStr(api); a != "" {
			rec.APIs = strings.Split(a, ",")
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *SqlStore) MaxProgramID() (int64, error) {
	var max int64
	if err := s.db.QueryRow("SELECT COALESCE(MAX(id), -1) FROM programs").Scan(&max); err != nil {
		return 0, fmt.Errorf("max program id: %w", err)
	}
	return max, nil
}

func (s *SqlStore) AddPairs(pairs []callseq.Pair, round int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin add pairs: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, p := range pairs {
		if _, err := tx.Exec("INSERT OR IGNORE INTO api_pairs(caller, callee, round) VALUES(?, ?, ?)",
			p.Caller, p.Callee, round); err != nil {
			return fmt.Errorf("insert pair %s: %w", p, err)
		}
	}
	return tx.Commit()
}

func (s *SqlStore) ListPairs() ([]PairRecord, error) {
	rows, err := s.db.Query("SELECT caller, callee, round FROM api_pairs ORDER BY round, caller, callee")
	if err != nil {
		return nil, fmt.Errorf("list pairs: %w", err)
	}
	defer rows.Close()
	var out []PairRecord
	for rows.Next() {
		var r PairRecord
		if err := rows.Scan(&r.Caller, &r.Callee, &r.Round); err != nil {
			return nil, fmt.Errorf("scan pair: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SqlStore) RecordRound(r *Round) error {
	if r.At.IsZero() {
		r.At = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO rounds(loop, quiet_round, accepted, rejected, new_signal, branches, pairs, shuffled, at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Loop, r.QuietRound, r.Accepted, r.Rejected, r.NewSignal, r.Branches, r.Pairs,
		boolInt(r.Shuffled), r.At.UTC().Format(stampLayout))
	if err != nil {
		return fmt.Errorf("record round %d: %w", r.Loop, err)
	}
	return nil
}

func (s *SqlStore) ListRounds() ([]*Round, error) {
	rows, err := s.db.Query(`SELECT loop, quiet_round, accepted, rejected, new_signal, branches, pairs, shuffled, at
		FROM rounds ORDER BY loop`)
	if err != nil {
		return nil, fmt.Errorf("list rounds: %w", err)
	}
	defer rows.Close()
	var out []*Round
	for rows.Next() {
		var (
			r        Round
			shuffled int
			at       string
		)
		if err := rows.Scan(&r.Loop, &r.QuietRound, &r.Accepted, &r.Rejected, &r.NewSignal,
			&r.Branches, &r.Pairs, &shuffled, &at); err != nil {
			return nil, fmt.Errorf("scan round: %w", err)
		}
		r.Shuffled = shuffled != 0
		r.At, _ = time.Parse(stampLayout, at)
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *SqlStore) SaveEnergies(recs []schedule.EnergyRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin save energies: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.Exec("DELETE FROM energies"); err != nil {
		return fmt.Errorf("clear energies: %w", err)
	}
	for _, r := range recs {
		if _, err := tx.Exec(`INSERT INTO energies(name, coverage, exec_count, prompt_count, energy)
			VALUES(?, ?, ?, ?, ?)`, r.Name, r.Coverage, r.ExecCount, r.PromptCount, r.Energy); err != nil {
			return fmt.Errorf("insert energy %s: %w", r.Name, err)
		}
	}
	return tx.Commit()
}

func (s *SqlStore) ListEnergies() ([]schedule.EnergyRecord, error) {
	rows, err := s.db.Query(`SELECT name, coverage, exec_count, prompt_count, energy
		FROM energies ORDER BY energy DESC, name`)
	if err != nil {
		return nil, fmt.Errorf("list energies: %w", err)
	}
	defer rows.Close()
	var out []schedule.EnergyRecord
	for rows.Next() {
		var r schedule.EnergyRecord
		if err := rows.Scan(&r.Name, &r.Coverage, &r.ExecCount, &r.PromptCount, &r.Energy); err != nil {
			return nil, fmt.Errorf("scan energy: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SqlStore) SaveSnapshot(snap *session.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO sessions(id, payload, updated_at) VALUES(?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET payload=excluded.payload, updated_at=excluded.updated_at`,
		snap.ID, payload, time.Now().UTC().Format(stampLayout))
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (s *SqlStore) LatestSnapshot() (*session.Snapshot, error) {
	var payload []byte
	err := s.db.QueryRow("SELECT payload FROM sessions ORDER BY updated_at DESC LIMIT 1").Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var snap session.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
