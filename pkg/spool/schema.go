// Package spool implements the durable execution hand-off queue: every
// approved-and-executing manifest becomes one validated record an
// external runner consumes. The write happens before the manifest's
// in-memory status flips to QUEUED, so no manifest is ever marked
// queued without a durable record behind it.
package spool

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/vvault-systems/warden/pkg/manifest"
)

// jobSchema guards the spool's on-disk contract. A record that fails
// validation is refused before any durable write, because a malformed
// record would otherwise surface much later inside the runner.
const jobSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["job_id", "manifest_id", "actor", "status", "action", "target", "approved_at", "expires_at", "signature", "enqueue_ts", "manifest"],
	"properties": {
		"job_id": {"type": "string", "minLength": 1},
		"manifest_id": {"type": "string", "minLength": 1},
		"actor": {"type": "string", "minLength": 1},
		"status": {"enum": ["queued", "done"]},
		"action": {"type": "string", "minLength": 1},
		"target": {"type": "string", "minLength": 1},
		"approved_at": {"type": "string"},
		"expires_at": {"type": "string"},
		"signature": {"type": "string", "minLength": 1},
		"enqueue_ts": {"type": "string"},
		"manifest": {"type": "object"}
	}
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func compiled() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		const url = "https://warden.schemas.local/spool/job.schema.json"
		if err := c.AddResource(url, strings.NewReader(jobSchema)); err != nil {
			schemaErr = fmt.Errorf("spool schema load: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(url)
	})
	return compiledSchema, schemaErr
}

// encodeJob marshals and validates a job record. All backends funnel
// through this before their durable write.
func encodeJob(job *manifest.Job) ([]byte, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal job %s: %w", job.JobID, err)
	}

	schema, err := compiled()
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("reparse job %s: %w", job.JobID, err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("job %s violates spool contract: %w", job.JobID, err)
	}
	return data, nil
}

func decodeJob(data []byte) (*manifest.Job, error) {
	var job manifest.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("corrupt spool record: %w", err)
	}
	return &job, nil
}
