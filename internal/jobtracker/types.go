// Package jobtracker implements the shared key/value store of background
// job state and per-job log queues used by long-running imports and
// metadata syncs (spec §4.F). Two backends share one interface: an
// in-process map for single-worker deployments, and Redis for multi-worker
// deployments; selection is a startup configuration choice (spec §9).
package jobtracker

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the category of background work a job represents.
type Kind string

// Status is the lifecycle state of a BackgroundJob.
type Status string

const (
	KindImport        Kind = "import"
	KindMetadataSync  Kind = "metadata_sync"
	KindBugUpdate     Kind = "bug_update"

	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"

	// JobTTL is the maximum lifetime of a BackgroundJob after StartedAt
	// (spec §3, §8 "no BackgroundJob is observable after 24h").
	JobTTL = 24 * time.Hour

	// LogQueueTTL is the maximum lifetime of a job's log queue.
	LogQueueTTL = 1 * time.Hour

	// DefaultLogQueueCapacity bounds each job's FIFO log queue.
	DefaultLogQueueCapacity = 500

	// ShutdownReason is recorded on jobs cancelled by graceful shutdown
	// (spec §7 "background jobs marked failed with reason 'shutdown'").
	ShutdownReason = "shutdown"
)

// Sentinel errors.
var (
	ErrJobNotFound     = errors.New("background job not found")
	ErrInvalidKind     = errors.New("invalid background job kind")
	ErrInvalidStatus   = errors.New("invalid background job status")
	ErrJobExpired      = errors.New("background job has expired")
)

// BackgroundJob is a point-in-time snapshot of one tracked job (spec §3).
type BackgroundJob struct {
	ID          string
	Kind        Kind
	Status      Status
	StartedAt   time.Time
	CompletedAt time.Time
	Error       string
	Result      map[string]any
}

// Expired reports whether the job has outlived JobTTL relative to now.
func (j *BackgroundJob) Expired(now time.Time) bool {
	return now.Sub(j.StartedAt) > JobTTL
}

func newJobID() string {
	return uuid.NewString()
}
