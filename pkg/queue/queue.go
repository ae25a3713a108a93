// Package queue is a Redis list job queue with bounded retries and a dead-letter list.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// QueueArchive is the Redis list key for verification archive jobs.
	QueueArchive = "worker:verification_archive"
	// QueueDLQ is the dead-letter queue for failed jobs after retries.
	QueueDLQ = "worker:dlq"
	// MaxRetries is the number of times to retry a job before moving to DLQ.
	MaxRetries = 3
	// RetryBackoff is the delay between retries.
	RetryBackoff = 10 * time.Second
)

// JobType identifies the job kind.
type JobType string

const (
	JobTypeVerificationArchive JobType = "verification_archive"
)

// ArchivePayload describes one persisted verification snapshot to archive.
type ArchivePayload struct {
	MeetingID      uuid.UUID       `json:"meeting_id"`
	MeetingCode    string          `json:"meeting_code"`
	ClientID       uuid.UUID       `json:"client_id"`
	SavedBy        string          `json:"saved_by"`
	LivenessScore  *float64        `json:"liveness_score,omitempty"`
	DeepfakeScore  *float64        `json:"deepfake_score,omitempty"`
	FaceMatchScore *float64        `json:"face_match_score,omitempty"`
	Snapshot       json.RawMessage `json:"snapshot"`
	SavedAt        time.Time       `json:"saved_at"`
}

// Job is a generic job envelope.
type Job struct {
	ID        string          `json:"id"`
	Type      JobType         `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
	CreatedAt time.Time       `json:"created_at"`
}

// Queue enqueues and dequeues jobs via Redis.
type Queue struct {
	client *redis.Client
	logger *zap.Logger
}

// NewQueue creates a new Redis-backed job queue.
func NewQueue(client *redis.Client, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{client: client, logger: logger}
}

func newJob(typ JobType, payload any) ([]byte, *Job, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal payload: %w", err)
	}
	job := &Job{
		ID:        uuid.New().String(),
		Type:      typ,
		Payload:   body,
		CreatedAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal job: %w", err)
	}
	return raw, job, nil
}

// EnqueueArchive enqueues a verification archive job.
func (q *Queue) EnqueueArchive(ctx context.Context, payload ArchivePayload) error {
	raw, job, err := newJob(JobTypeVerificationArchive, payload)
	if err != nil {
		return err
	}
	if err := q.client.RPush(ctx, QueueArchive, raw).Err(); err != nil {
		return fmt.Errorf("rpush: %w", err)
	}
	q.logger.Debug("enqueued archive job", zap.String("job_id", job.ID), zap.String("meeting_code", payload.MeetingCode))
	return nil
}

// Dequeue blocks up to timeout for a job. A nil job with nil error means nothing arrived.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	result, err := q.client.BLPop(ctx, timeout, QueueArchive).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(result) < 2 {
		return nil, nil
	}
	job, err := decodeJob(result[1])
	if err != nil {
		q.logger.Warn("invalid job payload", zap.String("raw", result[1]), zap.Error(err))
		return nil, nil
	}
	return job, nil
}

func decodeJob(raw string) (*Job, error) {
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, err
	}
	if job.ID == "" || job.Type == "" {
		return nil, fmt.Errorf("job without id or type")
	}
	return &job, nil
}

// Retry re-enqueues a job with incremented attempt. If attempt >= MaxRetries, pushes to DLQ instead.
func (q *Queue) Retry(ctx context.Context, job *Job) error {
	job.Attempt++
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if exhausted(job) {
		if err := q.client.RPush(ctx, QueueDLQ, raw).Err(); err != nil {
			q.logger.Error("dlq push failed", zap.Error(err), zap.String("job_id", job.ID))
			return err
		}
		q.logger.Warn("job moved to DLQ", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
		return nil
	}
	if err := q.client.RPush(ctx, QueueArchive, raw).Err(); err != nil {
		return err
	}
	q.logger.Info("job retried", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
	return nil
}

// RequeueDead moves up to limit dead-lettered jobs back onto the archive queue
// with a fresh attempt budget. It returns how many were moved.
func (q *Queue) RequeueDead(ctx context.Context, limit int) (int, error) {
	moved := 0
	for moved < limit {
		raw, err := q.client.LPop(ctx, QueueDLQ).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return moved, err
		}
		job, err := decodeJob(raw)
		if err != nil {
			q.logger.Warn("drop undecodable dead job", zap.Error(err))
			continue
		}
		job.Attempt = 0
		body, err := json.Marshal(job)
		if err != nil {
			continue
		}
		if err := q.client.RPush(ctx, QueueArchive, body).Err(); err != nil {
			_ = q.client.LPush(ctx, QueueDLQ, raw).Err()
			return moved, err
		}
		moved++
	}
	return moved, nil
}

func exhausted(job *Job) bool {
	return job.Attempt >= MaxRetries
}
