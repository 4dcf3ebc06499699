package jobtracker

import (
	"context"
	"time"
)

// Tracker is the abstract contract for background job state and log
// streaming, implemented by both the in-process (Memory) and networked
// (Redis) backends (spec §4.F, §9).
type Tracker interface {
	// Create registers a new job of the given kind in status pending and
	// returns its generated id.
	Create(ctx context.Context, kind Kind) (string, error)

	// SetStatus atomically transitions a job's status, optionally attaching
	// an error message and/or result payload.
	SetStatus(ctx context.Context, jobID string, status Status, errMsg string, result map[string]any) error

	// PushLog appends one line to the job's bounded FIFO log queue. On
	// overflow the oldest line is dropped. The Memory backend then emits a
	// "...(n lines dropped)" sentinel; the Redis backend trims the list to
	// capacity and emits no sentinel.
	PushLog(ctx context.Context, jobID string, line string) error

	// PopLog blocks up to timeout for the next log line, used by SSE
	// streaming endpoints. ok is false on timeout with no line available.
	PopLog(ctx context.Context, jobID string, timeout time.Duration) (line string, ok bool, err error)

	// Get returns a point-in-time snapshot of a job.
	Get(ctx context.Context, jobID string) (*BackgroundJob, error)

	// Close releases any backend resources (connections, goroutines).
	Close() error
}
