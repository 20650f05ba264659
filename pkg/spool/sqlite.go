package spool

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/vvault-systems/warden/pkg/manifest"
)

// SQLiteSpool persists job records in a local SQLite database. Suits a
// single-host deployment where the runner shares the filesystem with
// the control plane.
type SQLiteSpool struct {
	db *sql.DB
}

// NewSQLiteSpool migrates the schema and returns the spool.
func NewSQLiteSpool(db *sql.DB) (*SQLiteSpool, error) {
	s := &SQLiteSpool{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSpool) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS spool_jobs (
		job_id      TEXT PRIMARY KEY,
		manifest_id TEXT NOT NULL,
		actor       TEXT NOT NULL,
		status      TEXT NOT NULL,
		record      TEXT NOT NULL,
		enqueued_at DATETIME NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("migrate spool schema: %w", err)
	}
	return nil
}

func (s *SQLiteSpool) Enqueue(ctx context.Context, job *manifest.Job) error {
	record, err := encodeJob(job)
	if err != nil {
		return err
	}

	// Job id is the idempotency key; re-enqueueing the same job is a
	// no-op rather than a duplicate.
	query := `
		INSERT INTO spool_jobs (job_id, manifest_id, actor, status, record, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id) DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, query, job.JobID, job.ManifestID, job.Actor, job.Status, string(record), job.EnqueueTS); err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.JobID, err)
	}
	return nil
}

func (s *SQLiteSpool) Pending(ctx context.Context) ([]*manifest.Job, error) {
	query := `
		SELECT record, status FROM spool_jobs
		WHERE status = ?
		ORDER BY enqueued_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, manifest.JobStatusQueued)
	if err != nil {
		return nil, fmt.Errorf("query pending jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []*manifest.Job
	for rows.Next() {
		var record, status string
		if err := rows.Scan(&record, &status); err != nil {
			return nil, err
		}
		job, err := decodeJob([]byte(record))
		if err != nil {
			return nil, err
		}
		job.Status = status
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (s *SQLiteSpool) MarkDone(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE spool_jobs SET status = ? WHERE job_id = ?`, manifest.JobStatusDone, jobID)
	if err != nil {
		return fmt.Errorf("mark job %s done: %w", jobID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return nil
}
