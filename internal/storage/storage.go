package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a run id is unknown.
var ErrNotFound = errors.New("storage: not found")

// Store wraps the SQLite-backed run ledger.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`PRAGMA busy_timeout = 5000;`,
		`CREATE TABLE IF NOT EXISTS runs (
            id TEXT PRIMARY KEY,
            status TEXT NOT NULL,
            input_dir TEXT NOT NULL,
            output_dir TEXT NOT NULL,
            pairs_total INTEGER DEFAULT 0,
            pairs_succeeded INTEGER DEFAULT 0,
            pairs_failed INTEGER DEFAULT 0,
            fallbacks INTEGER DEFAULT 0,
            unmatched INTEGER DEFAULT 0,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS pair_results (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            run_id TEXT NOT NULL,
            pair_id TEXT NOT NULL,
            rgb_path TEXT,
            thermal_path TEXT,
            delta_seconds INTEGER,
            status TEXT NOT NULL,
            method TEXT,
            reason TEXT,
            matches INTEGER,
            inliers INTEGER,
            duration_ms INTEGER,
            meta_json TEXT,
            error_message TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_pair_results_run_id ON pair_results(run_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// RunRecord captures one invocation of the aligner over a directory.
type RunRecord struct {
	ID             string     `json:"id"`
	Status         string     `json:"status"`
	InputDir       string     `json:"input_dir"`
	OutputDir      string     `json:"output_dir"`
	PairsTotal     int        `json:"pairs_total"`
	PairsSucceeded int        `json:"pairs_succeeded"`
	PairsFailed    int        `json:"pairs_failed"`
	Fallbacks      int        `json:"fallbacks"`
	Unmatched      int        `json:"unmatched"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// PairRecord captures the outcome of aligning one pair.
type PairRecord struct {
	RunID        string         `json:"run_id"`
	PairID       string         `json:"pair_id"`
	RGBPath      string         `json:"rgb_path"`
	ThermalPath  string         `json:"thermal_path"`
	DeltaSeconds int64          `json:"delta_seconds"`
	Status       string         `json:"status"`
	Method       string         `json:"method,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	Matches      int            `json:"matches"`
	Inliers      int            `json:"inliers"`
	Duration     time.Duration  `json:"duration_ns"`
	Meta         map[string]any `json:"meta,omitempty"`
	Error        string         `json:"error,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// RunSummary holds the final counters of a run.
type RunSummary struct {
	PairsTotal     int
	PairsSucceeded int
	PairsFailed    int
	Fallbacks      int
	Unmatched      int
}

// RecordRunStart inserts a running run.
func (s *Store) RecordRunStart(id, inputDir, outputDir string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO runs (id, status, input_dir, output_dir) VALUES (?, 'running', ?, ?);`,
		id, inputDir, outputDir)
	return err
}

// RecordRunComplete finalizes a run with status and counters.
func (s *Store) RecordRunComplete(id, status string, sum RunSummary, errMsg string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE runs SET status=?, pairs_total=?, pairs_succeeded=?, pairs_failed=?, fallbacks=?, unmatched=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`,
		status, sum.PairsTotal, sum.PairsSucceeded, sum.PairsFailed, sum.Fallbacks, sum.Unmatched, errMsg, id)
	return err
}

// RecordPairResult appends the outcome of one pair.
func (s *Store) RecordPairResult(rec PairRecord) error {
	if s == nil {
		return nil
	}
	metaJSON, _ := json.Marshal(rec.Meta)
	_, err := s.DB.Exec(`INSERT INTO pair_results (run_id, pair_id, rgb_path, thermal_path, delta_seconds, status, method, reason, matches, inliers, duration_ms, meta_json, error_message)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.RunID, rec.PairID, rec.RGBPath, rec.ThermalPath, rec.DeltaSeconds, rec.Status, rec.Method, rec.Reason,
		rec.Matches, rec.Inliers, rec.Duration.Milliseconds(), string(metaJSON), rec.Error)
	return err
}

const runColumns = `id, status, input_dir, output_dir, pairs_total, pairs_succeeded, pairs_failed, fallbacks, unmatched, created_at, completed_at, error_message`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (RunRecord, error) {
	var rec RunRecord
	var completed sql.NullTime
	var errorMsg sql.NullString
	err := row.Scan(&rec.ID, &rec.Status, &rec.InputDir, &rec.OutputDir, &rec.PairsTotal, &rec.PairsSucceeded,
		&rec.PairsFailed, &rec.Fallbacks, &rec.Unmatched, &rec.CreatedAt, &completed, &errorMsg)
	if err != nil {
		return rec, err
	}
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	if errorMsg.Valid {
		rec.Error = errorMsg.String
	}
	return rec, nil
}

// RecentRuns returns the latest runs up to limit.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Run fetches a single run by id.
func (s *Store) Run(id string) (RunRecord, error) {
	if s == nil {
		return RunRecord{}, errors.New("store not initialized")
	}
	rec, err := scanRun(s.DB.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id=?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return rec, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return rec, err
}

// RunPairs returns the pair results of a run in insertion order.
func (s *Store) RunPairs(runID string) ([]PairRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT run_id, pair_id, rgb_path, thermal_path, delta_seconds, status, method, reason, matches, inliers, duration_ms, meta_json, error_message, created_at
        FROM pair_results WHERE run_id=? ORDER BY id ASC;`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []PairRecord
	for rows.Next() {
		var rec PairRecord
		var method, reason, metaJSON, errorMsg sql.NullString
		var durationMS int64
		if err := rows.Scan(&rec.RunID, &rec.PairID, &rec.RGBPath, &rec.ThermalPath, &rec.DeltaSeconds, &rec.Status,
			&method, &reason, &rec.Matches, &rec.Inliers, &durationMS, &metaJSON, &errorMsg, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Method = method.String
		rec.Reason = reason.String
		rec.Error = errorMsg.String
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		if metaJSON.Valid && metaJSON.String != "" && metaJSON.String != "null" {
			if err := json.Unmarshal([]byte(metaJSON.String), &rec.Meta); err != nil {
				return nil, fmt.Errorf("unmarshal meta: %w", err)
			}
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
