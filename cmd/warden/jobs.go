package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/vvault-systems/warden/pkg/config"
	"github.com/vvault-systems/warden/pkg/manifest"
	"github.com/vvault-systems/warden/pkg/spool"
)

// runJobs lists pending spool jobs straight from the configured
// backend, so operators can inspect the hand-off queue without a
// running server.
func runJobs(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("jobs", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var jsonOutput bool
	cmd.BoolVar(&jsonOutput, "json", false, "Output jobs as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	sp, closer, err := openSpool(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if closer != nil {
		defer closer.Close()
	}

	jobs, err := sp.Pending(context.Background())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(jobs)
		return 0
	}

	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(stdout, "No pending jobs.")
		return 0
	}
	for _, j := range jobs {
		_, _ = fmt.Fprintf(stdout, "%s  %-20s %-24s %s\n", j.EnqueueTS.Format("2006-01-02 15:04:05"), j.Actor, j.Action, j.Target)
	}
	return 0
}

func openSpool(cfg *config.Config) (manifest.Spool, *sql.DB, error) {
	switch cfg.SpoolBackend {
	case config.SpoolFile:
		sp, err := spool.NewFileSpool(cfg.SpoolDir)
		return sp, nil, err
	case config.SpoolSQLite:
		db, err := sql.Open("sqlite", cfg.SpoolDSN)
		if err != nil {
			return nil, nil, err
		}
		sp, err := spool.NewSQLiteSpool(db)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return sp, db, nil
	case config.SpoolPostgres:
		db, err := sql.Open("postgres", cfg.SpoolDSN)
		if err != nil {
			return nil, nil, err
		}
		return spool.NewPostgresSpool(db), db, nil
	default:
		return nil, nil, fmt.Errorf("unknown spool backend %q", cfg.SpoolBackend)
	}
}
