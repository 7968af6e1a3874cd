package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-learn/backend/internal/models"
)

// PostgresSink writes side effects to the notifications and user_activities tables.
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink creates a sink on pool.
func NewPostgresSink(pool *pgxpool.Pool) *PostgresSink {
	return &PostgresSink{pool: pool}
}

func (s *PostgresSink) InsertNotification(ctx context.Context, jobID string, n models.Notification) error {
	meta, err := metadata(n.Metadata)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO notifications (job_id, user_id, title, message, kind, action_ref, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)
		ON CONFLICT (job_id) DO NOTHING`,
		jobID, n.UserID, n.Title, n.Message, n.Kind, n.ActionRef, meta, n.CreatedAt,
	)
	return err
}

func (s *PostgresSink) InsertActivity(ctx context.Context, jobID string, a models.Activity) error {
	meta, err := metadata(a.Metadata)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO user_activities (job_id, user_id, kind, points, description, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (job_id) DO NOTHING`,
		jobID, a.UserID, a.Kind, a.Points, a.Description, meta, a.CreatedAt,
	)
	return err
}

func metadata(m map[string]string) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return b, nil
}
