package spool

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/vvault-systems/warden/pkg/manifest"
)

// PostgresSpool persists job records in Postgres for deployments where
// the runner is a separate host.
type PostgresSpool struct {
	db *sql.DB
}

// NewPostgresSpool wraps an open connection. Schema management is
// deliberate and external (migrations), unlike the SQLite variant.
func NewPostgresSpool(db *sql.DB) *PostgresSpool {
	return &PostgresSpool{db: db}
}

// Schema is the DDL the deployment's migration tooling applies.
const Schema = `
CREATE TABLE IF NOT EXISTS spool_jobs (
	job_id      TEXT PRIMARY KEY,
	manifest_id TEXT NOT NULL,
	actor       TEXT NOT NULL,
	status      TEXT NOT NULL,
	record      JSONB NOT NULL,
	enqueued_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS spool_jobs_status_idx ON spool_jobs (status, enqueued_at);
`

func (s *PostgresSpool) Enqueue(ctx context.Context, job *manifest.Job) error {
	record, err := encodeJob(job)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO spool_jobs (job_id, manifest_id, actor, status, record, enqueued_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (job_id) DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, query, job.JobID, job.ManifestID, job.Actor, job.Status, record, job.EnqueueTS); err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.JobID, err)
	}
	return nil
}

func (s *PostgresSpool) Pending(ctx context.Context) ([]*manifest.Job, error) {
	query := `
		SELECT record, status FROM spool_jobs
		WHERE status = $1
		ORDER BY enqueued_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, manifest.JobStatusQueued)
	if err != nil {
		return nil, fmt.Errorf("query pending jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []*manifest.Job
	for rows.Next() {
		var record []byte
		var status string
		if err := rows.Scan(&record, &status); err != nil {
			return nil, err
		}
		job, err := decodeJob(record)
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

func (s *PostgresSpool) MarkDone(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE spool_jobs SET status = $1 WHERE job_id = $2`, manifest.JobStatusDone, jobID)
	if err != nil {
		return fmt.Errorf("mark job %s done: %w", jobID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return nil
}

var (
	_ manifest.Spool = (*FileSpool)(nil)
	_ manifest.Spool = (*SQLiteSpool)(nil)
	_ manifest.Spool = (*PostgresSpool)(nil)
)
