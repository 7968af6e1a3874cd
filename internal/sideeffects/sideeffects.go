// Package sideeffects delivers notifications, gamification activities and
// callback archives. Delivery is fire-and-forget: callers log failures and
// carry on.
package sideeffects

import (
	"context"

	"go.uber.org/zap"

	"github.com/aura-learn/backend/internal/models"
	"github.com/aura-learn/backend/pkg/queue"
)

// Notifier creates user notifications.
type Notifier interface {
	Notify(ctx context.Context, n models.Notification) error
}

// Gamifier records gamification activities.
type Gamifier interface {
	RecordActivity(ctx context.Context, a models.Activity) error
}

// Archiver keeps raw provider callbacks for audit.
type Archiver interface {
	Archive(ctx context.Context, p queue.ArchivePayload) error
}

// Enqueuer is the part of queue.Queue the queued implementations need.
type Enqueuer interface {
	Enqueue(ctx context.Context, t queue.JobType, payload any) error
}

// Queued hands every side effect to the job queue; cmd/worker performs them.
type Queued struct {
	q Enqueuer
}

// NewQueued creates a queue-backed Notifier, Gamifier and Archiver.
func NewQueued(q Enqueuer) *Queued {
	return &Queued{q: q}
}

func (s *Queued) Notify(ctx context.Context, n models.Notification) error {
	return s.q.Enqueue(ctx, queue.JobTypeNotification, n)
}

func (s *Queued) RecordActivity(ctx context.Context, a models.Activity) error {
	return s.q.Enqueue(ctx, queue.JobTypeActivity, a)
}

func (s *Queued) Archive(ctx context.Context, p queue.ArchivePayload) error {
	return s.q.Enqueue(ctx, queue.JobTypeArchive, p)
}

// Logging only logs side effects. Used when Redis is not configured.
type Logging struct {
	logger *zap.Logger
}

// NewLogging creates a logging-only Notifier, Gamifier and Archiver.
func NewLogging(logger *zap.Logger) *Logging {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logging{logger: logger}
}

func (s *Logging) Notify(ctx context.Context, n models.Notification) error {
	s.logger.Info("notification",
		zap.String("user_id", n.UserID.String()),
		zap.String("kind", n.Kind),
		zap.String("title", n.Title),
	)
	return nil
}

func (s *Logging) RecordActivity(ctx context.Context, a models.Activity) error {
	s.logger.Info("activity",
		zap.String("user_id", a.UserID.String()),
		zap.String("kind", a.Kind),
		zap.Int("points", a.Points),
	)
	return nil
}

func (s *Logging) Archive(ctx context.Context, p queue.ArchivePayload) error {
	s.logger.Debug("callback received",
		zap.String("provider", p.Provider),
		zap.String("source", p.Source),
		zap.Int("body_bytes", len(p.Body)),
	)
	return nil
}
