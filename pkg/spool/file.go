package spool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/vvault-systems/warden/pkg/manifest"
)

var ErrJobNotFound = errors.New("spool job not found")

// FileSpool stores one JSON file per job under a directory. Writes go
// through a temp file and rename, so a crash mid-write never leaves a
// half-record with a job's name.
type FileSpool struct {
	mu  sync.Mutex
	dir string
}

// NewFileSpool creates (if needed) the spool directory.
func NewFileSpool(dir string) (*FileSpool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	return &FileSpool{dir: dir}, nil
}

// Dir returns the spool directory.
func (s *FileSpool) Dir() string { return s.dir }

func (s *FileSpool) Enqueue(_ context.Context, job *manifest.Job) error {
	data, err := encodeJob(job)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(job.JobID, data)
}

func (s *FileSpool) Pending(_ context.Context) ([]*manifest.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read spool dir: %w", err)
	}

	var jobs []*manifest.Job
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read spool record %s: %w", entry.Name(), err)
		}
		job, err := decodeJob(data)
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", entry.Name(), err)
		}
		if job.Status == manifest.JobStatusQueued {
			jobs = append(jobs, job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].EnqueueTS.Before(jobs[j].EnqueueTS) })
	return jobs, nil
}

func (s *FileSpool) MarkDone(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(jobID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return fmt.Errorf("read spool record: %w", err)
	}
	job, err := decodeJob(data)
	if err != nil {
		return err
	}
	job.Status = manifest.JobStatusDone

	updated, err := encodeJob(job)
	if err != nil {
		return err
	}
	return s.writeLocked(jobID, updated)
}

func (s *FileSpool) path(jobID string) string {
	return filepath.Join(s.dir, jobID+".json")
}

func (s *FileSpool) writeLocked(jobID string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, "."+jobID+".tmp-")
	if err != nil {
		return fmt.Errorf("create spool temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write spool record: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync spool record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close spool temp: %w", err)
	}
	if err := os.Rename(tmpName, s.path(jobID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("publish spool record: %w", err)
	}
	return nil
}
