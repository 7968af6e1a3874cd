// Package worker performs the side effects queued by the payment engine.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aura-learn/backend/internal/models"
	"github.com/aura-learn/backend/pkg/queue"
)

// Sink persists notifications and gamification activities. jobID makes
// redelivered jobs idempotent.
type Sink interface {
	InsertNotification(ctx context.Context, jobID string, n models.Notification) error
	InsertActivity(ctx context.Context, jobID string, a models.Activity) error
}

// ArchiveStore keeps raw provider callbacks.
type ArchiveStore interface {
	ArchiveCallback(ctx context.Context, p queue.ArchivePayload) (string, error)
}

// JobQueue is the part of queue.Queue the processor consumes.
type JobQueue interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// Processor drains the side-effect queue.
type Processor struct {
	sink    Sink
	archive ArchiveStore
	queue   JobQueue
	backoff time.Duration
	logger  *zap.Logger
}

// NewProcessor creates a side-effect processor. archive may be nil, in which
// case archive jobs are dropped with a warning.
func NewProcessor(sink Sink, archive ArchiveStore, q JobQueue, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{sink: sink, archive: archive, queue: q, backoff: queue.RetryBackoff, logger: logger}
}

// Process executes one job.
func (p *Processor) Process(ctx context.Context, job *queue.Job) error {
	switch job.Type {
	case queue.JobTypeNotification:
		var n models.Notification
		if err := json.Unmarshal(job.Payload, &n); err != nil {
			return fmt.Errorf("unmarshal notification: %w", err)
		}
		if err := p.sink.InsertNotification(ctx, job.ID, n); err != nil {
			return fmt.Errorf("insert notification: %w", err)
		}
		p.logger.Info("notification delivered", zap.String("job_id", job.ID), zap.String("user_id", n.UserID.String()), zap.String("kind", n.Kind))

	case queue.JobTypeActivity:
		var a models.Activity
		if err := json.Unmarshal(job.Payload, &a); err != nil {
			return fmt.Errorf("unmarshal activity: %w", err)
		}
		if err := p.sink.InsertActivity(ctx, job.ID, a); err != nil {
			return fmt.Errorf("insert activity: %w", err)
		}
		p.logger.Info("activity recorded", zap.String("job_id", job.ID), zap.String("user_id", a.UserID.String()), zap.Int("points", a.Points))

	case queue.JobTypeArchive:
		if p.archive == nil {
			p.logger.Warn("callback archive disabled, dropping job", zap.String("job_id", job.ID))
			return nil
		}
		var payload queue.ArchivePayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("unmarshal archive: %w", err)
		}
		key, err := p.archive.ArchiveCallback(ctx, payload)
		if err != nil {
			return fmt.Errorf("archive callback: %w", err)
		}
		p.logger.Debug("callback archived", zap.String("job_id", job.ID), zap.String("s3_key", key))

	default:
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *Processor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("side-effect worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx)
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
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.sleep(ctx)
		}
	}
}

func (p *Processor) sleep(ctx context.Context) {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
