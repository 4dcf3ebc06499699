package jobqueue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestChannelQueueEnqueueDequeue(t *testing.T) {
	q := NewChannelQueue(1)
	ctx := context.Background()

	task := &Task{JobID: "job-1", Kind: TaskImport, ReleaseName: "release-2.0"}

	if err := q.Enqueue(ctx, task); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got.JobID != "job-1" || got.Kind != TaskImport {
		t.Errorf("unexpected task: %+v", got)
	}
}

func TestChannelQueueDequeueAfterClose(t *testing.T) {
	q := NewChannelQueue(1)

	if err := q.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err := q.Dequeue(context.Background())
	if !errors.Is(err, ErrQueueClosed) {
		t.Errorf("expected ErrQueueClosed, got %v", err)
	}
}

func TestChannelQueueDequeueRespectsContext(t *testing.T) {
	q := NewChannelQueue(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestTaskEncodeDecodeRoundTrip(t *testing.T) {
	task := &Task{JobID: "job-2", Kind: TaskMetadataSync, ReleaseID: "7"}

	payload, err := task.Encode()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	decoded, err := Decode(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if decoded.JobID != task.JobID || decoded.Kind != task.Kind || decoded.ReleaseID != task.ReleaseID {
		t.Errorf("round trip mismatch: %+v vs %+v", decoded, task)
	}
}
