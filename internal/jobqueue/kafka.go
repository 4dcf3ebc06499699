package jobqueue

import (
	"context"
	"fmt"

	kafka "github.com/segmentio/kafka-go"
)

// KafkaQueue is a Queue backed by a Kafka topic, letting multiple worker
// processes share one backlog of import/metadata-sync tasks.
type KafkaQueue struct {
	writer *kafka.Writer
	reader *kafka.Reader
}

// KafkaConfig configures a KafkaQueue.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// NewKafkaQueue builds a KafkaQueue. The writer publishes with
// RequireOne acknowledgement; the reader joins GroupID as a consumer group
// so multiple worker processes load-balance task consumption.
func NewKafkaQueue(cfg KafkaConfig) *KafkaQueue {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		Topic:   cfg.Topic,
		GroupID: cfg.GroupID,
	})

	return &KafkaQueue{writer: writer, reader: reader}
}

var _ Queue = (*KafkaQueue)(nil)

func (q *KafkaQueue) Enqueue(ctx context.Context, task *Task) error {
	payload, err := task.Encode()
	if err != nil {
		return fmt.Errorf("encode task %s: %w", task.JobID, err)
	}

	if err := q.writer.WriteMessages(ctx, kafka.Message{Key: []byte(task.JobID), Value: payload}); err != nil {
		return fmt.Errorf("publish task %s: %w", task.JobID, err)
	}

	return nil
}

func (q *KafkaQueue) Dequeue(ctx context.Context) (*Task, error) {
	msg, err := q.reader.ReadMessage(ctx)
	if err != nil {
		return nil, fmt.Errorf("read task: %w", err)
	}

	task, err := Decode(msg.Value)
	if err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}

	return task, nil
}

func (q *KafkaQueue) Close() error {
	writerErr := q.writer.Close()
	readerErr := q.reader.Close()

	if writerErr != nil {
		return writerErr
	}

	return readerErr
}
