package trajectory

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// RunInfo is the catalog row for one agent run.
type RunInfo struct {
	RunID       string
	Path        string
	Task        string
	Provider    string
	Model       string
	StartedAt   time.Time
	EndedAt     *time.Time
	Steps       int
	Success     *bool
	FinalResult string
}

// Catalog is a sqlite index of runs so past trajectories can be listed and
// located without scanning the filesystem.
type Catalog struct {
	db *sql.DB
}

// OpenCatalog opens (creating if needed) the run catalog at the given path.
func OpenCatalog(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open run catalog: %w", err)
	}

	const schema = `
	CREATE TABLE IF NOT EXISTS runs (
		run_id       TEXT PRIMARY KEY,
		path         TEXT NOT NULL,
		task         TEXT NOT NULL,
		provider     TEXT,
		model        TEXT,
		started_at   INTEGER NOT NULL,
		ended_at     INTEGER,
		steps        INTEGER NOT NULL DEFAULT 0,
		success      INTEGER,
		final_result TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize run catalog schema: %w", err)
	}

	return &Catalog{db: db}, nil
}

// RecordStart inserts a new run row at run start.
func (c *Catalog) RecordStart(info RunInfo) error {
	_, err := c.db.Exec(
		`INSERT INTO runs (run_id, path, task, provider, model, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		info.RunID, info.Path, info.Task, info.Provider, info.Model, info.StartedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to record run start: %w", err)
	}
	return nil
}

// RecordFinish finalizes a run row with its outcome.
func (c *Catalog) RecordFinish(runID string, success bool, steps int, finalResult string, endedAt time.Time) error {
	res, err := c.db.Exec(
		`UPDATE runs SET ended_at = ?, steps = ?, success = ?, final_result = ? WHERE run_id = ?`,
		endedAt.UnixMilli(), steps, boolToInt(success), finalResult, runID,
	)
	if err != nil {
		return fmt.Errorf("failed to record run finish: %w", err)
	}
	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return fmt.Errorf("run not found in catalog: %s", runID)
	}
	return nil
}

// List returns the most recent runs, newest first.
func (c *Catalog) List(limit int) ([]RunInfo, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := c.db.Query(
		`SELECT run_id, path, task, provider, model, started_at, ended_at, steps, success, final_result
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []RunInfo
	for rows.Next() {
		info, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read run rows: %w", err)
	}

	return runs, nil
}

// Get returns a single run by ID.
func (c *Catalog) Get(runID string) (RunInfo, error) {
	rows, err := c.db.Query(
		`SELECT run_id, path, task, provider, model, started_at, ended_at, steps, success, final_result
		 FROM runs WHERE run_id = ?`, runID,
	)
	if err != nil {
		return RunInfo{}, fmt.Errorf("failed to query run: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return RunInfo{}, fmt.Errorf("failed to read run row: %w", err)
		}
		return RunInfo{}, fmt.Errorf("run not found in catalog: %s", runID)
	}

	return scanRun(rows)
}

// Close closes the catalog database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

func scanRun(rows *sql.Rows) (RunInfo, error) {
	var info RunInfo
	var provider, model, finalResult sql.NullString
	var startedAt int64
	var endedAt, success sql.NullInt64

	if err := rows.Scan(
		&info.RunID, &info.Path, &info.Task, &provider, &model,
		&startedAt, &endedAt, &info.Steps, &success, &finalResult,
	); err != nil {
		return RunInfo{}, fmt.Errorf("failed to scan run row: %w", err)
	}

	info.Provider = provider.String
	info.Model = model.String
	info.FinalResult = finalResult.String
	info.StartedAt = time.UnixMilli(startedAt)
	if endedAt.Valid {
		t := time.UnixMilli(endedAt.Int64)
		info.EndedAt = &t
	}
	if success.Valid {
		b := success.Int64 != 0
		info.Success = &b
	}

	return info, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
