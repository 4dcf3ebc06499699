// Package jobqueue provides the task queue abstraction feeding the worker
// pool that runs imports and metadata syncs (spec §5 "background job worker
// pool (default 2, bounded) consuming a queue of import and metadata-sync
// tasks"). A channel-backed Queue suits a single process; a kafka-go-backed
// Queue lets multiple worker processes share one backlog.
package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
)

// TaskKind mirrors jobtracker.Kind without importing it, keeping this
// package usable independent of the tracker.
type TaskKind string

const (
	TaskImport       TaskKind = "import"
	TaskMetadataSync TaskKind = "metadata_sync"
)

// ErrQueueClosed is returned by Enqueue/Dequeue once the queue has been closed.
var ErrQueueClosed = errors.New("jobqueue: queue is closed")

// Task is one unit of background work: either a module import or a
// metadata-sync trigger.
type Task struct {
	JobID       string         `json:"job_id"`
	Kind        TaskKind       `json:"kind"`
	ReleaseName string         `json:"release_name,omitempty"`
	ModuleName  string         `json:"module_name,omitempty"`
	ParentBuild int            `json:"parent_build,omitempty"`
	ModuleBuild int            `json:"module_build,omitempty"`
	ReleaseID   string         `json:"release_id,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// Encode marshals a Task for transport over a networked backend.
func (t *Task) Encode() ([]byte, error) {
	return json.Marshal(t)
}

// Decode unmarshals a Task previously produced by Encode.
func Decode(payload []byte) (*Task, error) {
	var t Task

	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, err
	}

	return &t, nil
}

// Queue is the abstract contract consumed by the worker pool. Enqueue never
// blocks indefinitely (it respects ctx); Dequeue blocks until a task is
// available, the queue is closed, or ctx is cancelled.
type Queue interface {
	Enqueue(ctx context.Context, task *Task) error
	Dequeue(ctx context.Context) (*Task, error)
	Close() error
}
