package jobtracker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix = "testwatch:job:"
	logKeyPrefix = "testwatch:joblog:"
)

// redisJob is the JSON wire shape persisted for one job's state hash value.
type redisJob struct {
	ID          string         `json:"id"`
	Kind        Kind           `json:"kind"`
	Status      Status         `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at,omitempty"`
	Error       string         `json:"error,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
}

// Redis is a Tracker backed by a shared Redis instance, for multi-worker
// deployments where job state must be visible across processes (spec §9).
// Job state lives in a string key with JobTTL expiry; log lines live in a
// Redis list with LogQueueTTL expiry, popped with a blocking list pop so
// PopLog can honor a caller-supplied timeout without busy-polling.
type Redis struct {
	client *redis.Client
}

// NewRedis builds a Tracker backed by the given Redis connection.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

var _ Tracker = (*Redis)(nil)

func (r *Redis) Create(ctx context.Context, kind Kind) (string, error) {
	id := newJobID()

	job := redisJob{ID: id, Kind: kind, Status: StatusPending, StartedAt: time.Now()}

	if err := r.save(ctx, &job); err != nil {
		return "", err
	}

	return id, nil
}

func (r *Redis) SetStatus(ctx context.Context, jobID string, status Status, errMsg string, result map[string]any) error {
	job, err := r.load(ctx, jobID)
	if err != nil {
		return err
	}

	job.Status = status
	job.Error = errMsg
	job.Result = result

	if status == StatusCompleted || status == StatusFailed {
		job.CompletedAt = time.Now()
	}

	return r.save(ctx, job)
}

func (r *Redis) PushLog(ctx context.Context, jobID string, line string) error {
	key := logKeyPrefix + jobID

	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, key, line)
	pipe.LTrim(ctx, key, -DefaultLogQueueCapacity, -1)
	pipe.Expire(ctx, key, LogQueueTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push log for job %s: %w", jobID, err)
	}

	return nil
}

func (r *Redis) PopLog(ctx context.Context, jobID string, timeout time.Duration) (string, bool, error) {
	key := logKeyPrefix + jobID

	result, err := r.client.BLPop(ctx, timeout, key).Result()
	if err != nil {
		if err == redis.Nil { //nolint:errorlint
			return "", false, nil
		}

		return "", false, fmt.Errorf("pop log for job %s: %w", jobID, err)
	}

	// BLPop returns [key, value].
	if len(result) < 2 { //nolint:mnd
		return "", false, nil
	}

	return result[1], true, nil
}

func (r *Redis) Get(ctx context.Context, jobID string) (*BackgroundJob, error) {
	job, err := r.load(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if job.StartedAt.IsZero() {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	background := &BackgroundJob{
		ID:          job.ID,
		Kind:        job.Kind,
		Status:      job.Status,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
		Error:       job.Error,
		Result:      job.Result,
	}

	if background.Expired(time.Now()) {
		return nil, fmt.Errorf("%w: %s", ErrJobExpired, jobID)
	}

	return background, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) save(ctx context.Context, job *redisJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}

	if err := r.client.Set(ctx, jobKeyPrefix+job.ID, payload, JobTTL).Err(); err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}

	return nil
}

func (r *Redis) load(ctx context.Context, jobID string) (*redisJob, error) {
	payload, err := r.client.Get(ctx, jobKeyPrefix+jobID).Bytes()
	if err != nil {
		if err == redis.Nil { //nolint:errorlint
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}

		return nil, fmt.Errorf("load job %s: %w", jobID, err)
	}

	var job redisJob

	if err := json.Unmarshal(payload, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", jobID, err)
	}

	return &job, nil
}
