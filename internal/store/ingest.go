package store

import (
	"context"
	"database/sql"
	"time"
)

// IngestRun is the audit record of one batch.
type IngestRun struct {
	RunID        string
	StartedAt    time.Time
	FinishedAt   sql.NullTime
	Targets      int
	Succeeded    int
	Failed       int
	Success      bool
	ErrorMessage sql.NullString
}

// StartIngestRun records the start of a batch.
func (s *Store) StartIngestRun(ctx context.Context, runID string, startedAt time.Time) (*IngestRun, error) {
	run := &IngestRun{
		RunID:     runID,
		StartedAt: startedAt.UTC(),
	}
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO ingest_runs (run_id, started_at, success)
		VALUES (?, ?, FALSE)
	`), run.RunID, run.StartedAt)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// CompleteIngestRun stores the counts and outcome of a finished batch.
func (s *Store) CompleteIngestRun(ctx context.Context, run *IngestRun) error {
	if run == nil {
		return nil
	}
	if !run.FinishedAt.Valid {
		run.FinishedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		UPDATE ingest_runs SET
			finished_at = ?,
			targets = ?,
			succeeded = ?,
			failed = ?,
			success = ?,
			error_message = ?
		WHERE run_id = ?
	`), run.FinishedAt, run.Targets, run.Succeeded, run.Failed, run.Success, run.ErrorMessage, run.RunID)
	return err
}

// GetRecentIngestRuns returns the newest runs first.
func (s *Store) GetRecentIngestRuns(ctx context.Context, limit int) ([]IngestRun, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
		SELECT run_id, started_at, finished_at, targets, succeeded, failed, success, error_message
		FROM ingest_runs
		ORDER BY started_at DESC
		LIMIT ?
	`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []IngestRun
	for rows.Next() {
		var r IngestRun
		if err := rows.Scan(&r.RunID, &r.StartedAt, &r.FinishedAt, &r.Targets,
			&r.Succeeded, &r.Failed, &r.Success, &r.ErrorMessage); err != nil {
			return nil, err
		}
		r.StartedAt = r.StartedAt.UTC()
		results = append(results, r)
	}
	return results, rows.Err()
}
