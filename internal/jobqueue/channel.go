package jobqueue

import (
	"context"
	"sync"
)

// ChannelQueue is an in-process Queue backed by a buffered Go channel,
// suitable for single-worker-process deployments.
type ChannelQueue struct {
	tasks     chan *Task
	closeOnce sync.Once
}

// NewChannelQueue creates a ChannelQueue with the given buffer capacity.
func NewChannelQueue(capacity int) *ChannelQueue {
	return &ChannelQueue{tasks: make(chan *Task, capacity)}
}

var _ Queue = (*ChannelQueue)(nil)

func (q *ChannelQueue) Enqueue(ctx context.Context, task *Task) error {
	select {
	case q.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *ChannelQueue) Dequeue(ctx context.Context) (*Task, error) {
	select {
	case task, ok := <-q.tasks:
		if !ok {
			return nil, ErrQueueClosed
		}

		return task, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *ChannelQueue) Close() error {
	q.closeOnce.Do(func() {
		close(q.tasks)
	})

	return nil
}
