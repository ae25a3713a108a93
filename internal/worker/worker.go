// Package worker archives persisted verification snapshots to object storage.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/veriface/callguard/pkg/queue"
	"github.com/veriface/callguard/pkg/storage"
)

const dequeueWait = 5 * time.Second

// Jobs is the archive job queue.
type Jobs interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) error
	RequeueDead(ctx context.Context, limit int) (int, error)
}

// Store writes archive objects.
type Store interface {
	PutJSON(ctx context.Context, key string, body []byte) (string, error)
}

// ArchiveProcessor turns archive jobs into immutable S3 objects.
type ArchiveProcessor struct {
	jobs    Jobs
	store   Store
	backoff time.Duration
	now     func() time.Time
	logger  *zap.Logger
}

// NewArchiveProcessor creates an archive processor.
func NewArchiveProcessor(jobs Jobs, store Store, logger *zap.Logger) *ArchiveProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArchiveProcessor{
		jobs:    jobs,
		store:   store,
		backoff: queue.RetryBackoff,
		now:     time.Now,
		logger:  logger,
	}
}

// Process executes one archive job.
func (p *ArchiveProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeVerificationArchive {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.ArchivePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if payload.MeetingCode == "" {
		return fmt.Errorf("archive job %s without meeting code", job.ID)
	}

	record := struct {
		JobID string `json:"job_id"`
		queue.ArchivePayload
		ArchivedAt time.Time `json:"archived_at"`
	}{JobID: job.ID, ArchivePayload: payload, ArchivedAt: p.now().UTC()}
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	key := storage.ArchiveKey(payload.MeetingCode, payload.SavedAt)
	url, err := p.store.PutJSON(ctx, key, body)
	if err != nil {
		return fmt.Errorf("s3 upload: %w", err)
	}
	p.logger.Info("verification archived",
		zap.String("meeting_code", payload.MeetingCode),
		zap.String("s3_key", key),
		zap.String("url", url),
	)
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error. When requeueSpec is
// a cron expression, dead-lettered jobs get another round on that schedule.
func (p *ArchiveProcessor) Run(ctx context.Context, requeueSpec string) error {
	if requeueSpec != "" {
		c := cron.New()
		if _, err := c.AddFunc(requeueSpec, func() { p.requeueDead(ctx) }); err != nil {
			return fmt.Errorf("invalid requeue schedule %q: %w", requeueSpec, err)
		}
		c.Start()
		defer c.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("archive worker stopping")
			return nil
		default:
		}

		job, err := p.jobs.Dequeue(ctx, dequeueWait)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(err))
			if reErr := p.jobs.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.sleep(ctx)
		}
	}
}

func (p *ArchiveProcessor) requeueDead(ctx context.Context) {
	n, err := p.jobs.RequeueDead(ctx, 100)
	if err != nil {
		p.logger.Warn("requeue dead jobs", zap.Error(err))
	}
	if n > 0 {
		p.logger.Info("dead jobs requeued", zap.Int("count", n))
	}
}

func (p *ArchiveProcessor) sleep(ctx context.Context) {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
