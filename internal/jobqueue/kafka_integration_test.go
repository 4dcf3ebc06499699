package jobqueue

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go/modules/kafka"

	testcontainers "github.com/testcontainers/testcontainers-go"
)

// newTestKafkaQueue starts a real single-broker Kafka container and returns a
// KafkaQueue bound to a fresh topic, plus a cleanup function.
func newTestKafkaQueue(t *testing.T, topic string) (*KafkaQueue, func()) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	kafkaContainer, err := kafka.RunContainer(ctx,
		testcontainers.WithImage("confluentinc/confluent-local:7.5.0"),
	)
	if err != nil {
		t.Fatalf("failed to start kafka container: %v", err)
	}

	brokers, err := kafkaContainer.Brokers(ctx)
	if err != nil {
		t.Fatalf("failed to fetch brokers: %v", err)
	}

	q := NewKafkaQueue(KafkaConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: "testwatch-workers",
	})

	cleanup := func() {
		_ = q.Close()

		if err := kafkaContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate kafka container: %v", err)
		}
	}

	return q, cleanup
}

func TestKafkaQueueEnqueueDequeue(t *testing.T) {
	q, cleanup := newTestKafkaQueue(t, "testwatch-import-tasks")
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	task := &Task{JobID: "job-kafka-1", Kind: TaskImport, ReleaseName: "release-3.0", ModuleName: "core"}

	if err := q.Enqueue(ctx, task); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got.JobID != task.JobID || got.ModuleName != task.ModuleName {
		t.Errorf("unexpected task: %+v", got)
	}
}
