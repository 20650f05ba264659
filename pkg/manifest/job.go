package manifest

import (
	"context"
	"time"

	"github.com/vvault-systems/warden/pkg/scope"
)

// Job statuses in the hand-off spool.
const (
	JobStatusQueued = "queued"
	JobStatusDone   = "done"
)

// Job is the durable hand-off record written at execute time. The full
// manifest is embedded so a runner can replay the job from the record
// alone. The spool holds this copy; the store keeps the authoritative
// manifest.
type Job struct {
	JobID      string      `json:"job_id"`
	ManifestID string      `json:"manifest_id"`
	Actor      string      `json:"actor"`
	Status     string      `json:"status"`
	Action     scope.Scope `json:"action"`
	Target     string      `json:"target"`
	Payload    any         `json:"payload"`
	ApprovedAt time.Time   `json:"approved_at"`
	ExpiresAt  time.Time   `json:"expires_at"`
	Signature  string      `json:"signature"`
	EnqueueTS  time.Time   `json:"enqueue_ts"`
	Manifest   *Manifest   `json:"manifest"`
}

// Spool is the durable hand-off queue contract. Enqueue must complete
// its durable write before returning; the store flips a manifest to
// QUEUED only after Enqueue succeeds, so no manifest is ever marked
// queued without a corresponding record. The external runner consumes
// Pending and calls MarkDone; the store never polls or retries on the
// runner's behalf.
type Spool interface {
	Enqueue(ctx context.Context, job *Job) error
	Pending(ctx context.Context) ([]*Job, error)
	MarkDone(ctx context.Context, jobID string) error
}
