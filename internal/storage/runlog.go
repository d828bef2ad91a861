package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"layersync/internal/etl"
)

// ErrRunNotFound is returned by Get for an unknown run id.
var ErrRunNotFound = errors.New("run not found")

// RunLogStore persists run summaries.
type RunLogStore struct {
	db *DB
}

// NewRunLogStore creates a new RunLogStore.
func NewRunLogStore(db *DB) *RunLogStore {
	return &RunLogStore{db: db}
}

type runRow struct {
	etl.SyncRunLog
	DetailJSON string `db:"detail_json"`
}

const runColumns = `id, job_name, started_at, finished_at, status, source_read, destination_read,
	matched, destination_only, submitted, accepted, rejected, skipped_records, error`

// Record stores the summary of a finished run together with its full detail.
func (s *RunLogStore) Record(ctx context.Context, result *etl.SyncResult) error {
	detail, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode run detail: %w", err)
	}
	row := runRow{SyncRunLog: result.RunLog(), DetailJSON: string(detail)}
	_, err = s.db.conn.NamedExecContext(ctx,
		`INSERT INTO sync_runs (`+runColumns+`, detail_json)
		 VALUES (:id, :job_name, :started_at, :finished_at, :status, :source_read, :destination_read,
		 :matched, :destination_only, :submitted, :accepted, :rejected, :skipped_records, :error, :detail_json)`,
		row)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", result.RunID, err)
	}
	return nil
}

// List returns the most recent runs, newest first. An empty jobName lists all jobs.
func (s *RunLogStore) List(ctx context.Context, jobName string, limit int) ([]etl.SyncRunLog, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + runColumns + ` FROM sync_runs`
	args := []any{}
	if jobName != "" {
		query += ` WHERE job_name = ?`
		args = append(args, jobName)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	var logs []etl.SyncRunLog
	if err := s.db.conn.SelectContext(ctx, &logs, query, args...); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return logs, nil
}

// Get returns the full detail of one run.
func (s *RunLogStore) Get(ctx context.Context, id string) (*etl.SyncResult, error) {
	var detail string
	err := s.db.conn.GetContext(ctx, &detail, `SELECT detail_json FROM sync_runs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	var result etl.SyncResult
	if err := json.Unmarshal([]byte(detail), &result); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", id, err)
	}
	return &result, nil
}

// Prune deletes all but the newest keep runs of a job.
func (s *RunLogStore) Prune(ctx context.Context, jobName string, keep int) (int, error) {
	res, err := s.db.conn.ExecContext(ctx,
		`DELETE FROM sync_runs WHERE job_name = ? AND id NOT IN (
			SELECT id FROM sync_runs WHERE job_name = ? ORDER BY started_at DESC LIMIT ?
		)`, jobName, jobName, keep)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
