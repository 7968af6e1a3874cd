package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/aura-learn/backend/internal/models"
	"github.com/aura-learn/backend/pkg/database"
)

const uniqueViolation = "23505"

const intentColumns = `id, user_id, course_id, amount::text, currency, method, provider, status,
	provider_reference, provider_payload, error_message, created_at, updated_at, completed_at`

const enrollmentColumns = `id, user_id, course_id, is_active, status, progress_percentage, payment_id,
	enrolled_at, completed_at, updated_at`

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Postgres is the production store.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a Postgres store.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	return database.WithTx(ctx, p.pool, func(tx pgx.Tx) error {
		return fn(&pgTx{q: tx})
	})
}

func (p *Postgres) IntentByID(ctx context.Context, id uuid.UUID) (*models.PaymentIntent, error) {
	return queryIntent(ctx, p.pool, `SELECT `+intentColumns+` FROM payment_intents WHERE id = $1`, id)
}

func (p *Postgres) Enrollment(ctx context.Context, userID, courseID uuid.UUID) (*models.Enrollment, error) {
	return queryEnrollment(ctx, p.pool,
		`SELECT `+enrollmentColumns+` FROM enrollments WHERE user_id = $1 AND course_id = $2`, userID, courseID)
}

func (p *Postgres) ListNonTerminal(ctx context.Context, since time.Time, userID *uuid.UUID) ([]*models.PaymentIntent, error) {
	const q = `SELECT ` + intentColumns + ` FROM payment_intents
		WHERE status IN ('PENDING', 'PROCESSING') AND created_at >= $1
		AND ($2::uuid IS NULL OR user_id = $2)
		ORDER BY created_at DESC`
	return queryIntents(ctx, p.pool, q, since, userID)
}

func (p *Postgres) ListStale(ctx context.Context, before time.Time) ([]*models.PaymentIntent, error) {
	const q = `SELECT ` + intentColumns + ` FROM payment_intents
		WHERE status IN ('PENDING', 'PROCESSING') AND created_at < $1
		ORDER BY created_at ASC`
	return queryIntents(ctx, p.pool, q, before)
}

type pgTx struct {
	q querier
}

func (t *pgTx) Lock(ctx context.Context, key string) error {
	_, err := t.q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key)
	return err
}

func (t *pgTx) IntentForUpdate(ctx context.Context, id uuid.UUID) (*models.PaymentIntent, error) {
	return queryIntent(ctx, t.q, `SELECT `+intentColumns+` FROM payment_intents WHERE id = $1 FOR UPDATE`, id)
}

func (t *pgTx) IntentByReferenceForUpdate(ctx context.Context, provider, reference string) (*models.PaymentIntent, error) {
	return queryIntent(ctx, t.q,
		`SELECT `+intentColumns+` FROM payment_intents WHERE provider = $1 AND provider_reference = $2 FOR UPDATE`,
		provider, reference)
}

func (t *pgTx) IntentByPayloadForUpdate(ctx context.Context, provider string, path []string, value string) (*models.PaymentIntent, error) {
	const q = `SELECT ` + intentColumns + ` FROM payment_intents p
		WHERE p.provider = $1
		AND EXISTS (
			SELECT 1 FROM jsonb_array_elements(p.provider_payload) e
			WHERE e->'data' #>> $2::text[] = $3
		)
		ORDER BY p.created_at DESC
		LIMIT 1
		FOR UPDATE`
	return queryIntent(ctx, t.q, q, provider, path, value)
}

func (t *pgTx) RecentNonTerminalForUpdate(ctx context.Context, provider string, userID *uuid.UUID, since time.Time) (*models.PaymentIntent, error) {
	const q = `SELECT ` + intentColumns + ` FROM payment_intents
		WHERE provider = $1 AND status IN ('PENDING', 'PROCESSING') AND created_at >= $2
		AND ($3::uuid IS NULL OR user_id = $3)
		ORDER BY created_at DESC
		LIMIT 1
		FOR UPDATE`
	return queryIntent(ctx, t.q, q, provider, since, userID)
}

func (t *pgTx) InsertIntent(ctx context.Context, in *models.PaymentIntent) error {
	payload, err := marshalPayload(in.ProviderPayload)
	if err != nil {
		return err
	}
	const q = `INSERT INTO payment_intents (id, user_id, course_id, amount, currency, method, provider, status,
		provider_reference, provider_payload, error_message, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9, $10::jsonb, $11, $12, $13, $14)`
	_, err = t.q.Exec(ctx, q, in.ID, in.UserID, in.CourseID, in.Amount.String(), in.Currency, string(in.Method),
		in.Provider, string(in.Status), in.ProviderReference, payload, in.ErrorMessage,
		in.CreatedAt, in.UpdatedAt, in.CompletedAt)
	return mapUnique(err)
}

func (t *pgTx) UpdateIntent(ctx context.Context, in *models.PaymentIntent) error {
	const q = `UPDATE payment_intents SET status = $2, provider_reference = $3, error_message = $4,
		updated_at = $5, completed_at = $6
		WHERE id = $1`
	tag, err := t.q.Exec(ctx, q, in.ID, string(in.Status), in.ProviderReference, in.ErrorMessage, in.UpdatedAt, in.CompletedAt)
	if err != nil {
		return mapUnique(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrIntentNotFound
	}
	return nil
}

func (t *pgTx) AppendPayload(ctx context.Context, id uuid.UUID, entries []models.PayloadEntry) error {
	if len(entries) == 0 {
		return nil
	}
	payload, err := marshalPayload(entries)
	if err != nil {
		return err
	}
	_, err = t.q.Exec(ctx,
		`UPDATE payment_intents SET provider_payload = provider_payload || $2::jsonb WHERE id = $1`, id, payload)
	return err
}

func (t *pgTx) EnrollmentForUpdate(ctx context.Context, userID, courseID uuid.UUID) (*models.Enrollment, error) {
	return queryEnrollment(ctx, t.q,
		`SELECT `+enrollmentColumns+` FROM enrollments WHERE user_id = $1 AND course_id = $2 FOR UPDATE`, userID, courseID)
}

func (t *pgTx) InsertEnrollment(ctx context.Context, e *models.Enrollment) error {
	const q = `INSERT INTO enrollments (id, user_id, course_id, is_active, status, progress_percentage, payment_id,
		enrolled_at, completed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := t.q.Exec(ctx, q, e.ID, e.UserID, e.CourseID, e.IsActive, string(e.Status), e.ProgressPercentage,
		e.PaymentID, e.EnrolledAt, e.CompletedAt, e.UpdatedAt)
	return err
}

func (t *pgTx) UpdateEnrollment(ctx context.Context, e *models.Enrollment) error {
	const q = `UPDATE enrollments SET is_active = $2, status = $3, progress_percentage = $4, payment_id = $5,
		completed_at = $6, updated_at = $7
		WHERE id = $1`
	_, err := t.q.Exec(ctx, q, e.ID, e.IsActive, string(e.Status), e.ProgressPercentage, e.PaymentID,
		e.CompletedAt, e.UpdatedAt)
	return err
}

func queryIntent(ctx context.Context, q querier, sql string, args ...any) (*models.PaymentIntent, error) {
	in, err := scanIntent(q.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrIntentNotFound
	}
	return in, err
}

func queryIntents(ctx context.Context, q querier, sql string, args ...any) ([]*models.PaymentIntent, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.PaymentIntent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, in)
	}
	return list, rows.Err()
}

func scanIntent(row pgx.Row) (*models.PaymentIntent, error) {
	var (
		in      models.PaymentIntent
		amount  string
		method  string
		status  string
		payload []byte
	)
	err := row.Scan(&in.ID, &in.UserID, &in.CourseID, &amount, &in.Currency, &method, &in.Provider, &status,
		&in.ProviderReference, &payload, &in.ErrorMessage, &in.CreatedAt, &in.UpdatedAt, &in.CompletedAt)
	if err != nil {
		return nil, err
	}
	if in.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("scan amount %q: %w", amount, err)
	}
	in.Method = models.PaymentMethod(method)
	in.Status = models.PaymentStatus(status)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &in.ProviderPayload); err != nil {
			return nil, fmt.Errorf("scan provider_payload: %w", err)
		}
	}
	return &in, nil
}

func queryEnrollment(ctx context.Context, q querier, sql string, args ...any) (*models.Enrollment, error) {
	var (
		e      models.Enrollment
		status string
	)
	err := q.QueryRow(ctx, sql, args...).Scan(&e.ID, &e.UserID, &e.CourseID, &e.IsActive, &status,
		&e.ProgressPercentage, &e.PaymentID, &e.EnrolledAt, &e.CompletedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.Status = models.EnrollmentStatus(status)
	return &e, nil
}

func marshalPayload(entries []models.PayloadEntry) (string, error) {
	if entries == nil {
		return "[]", nil
	}
	b, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("marshal provider_payload: %w", err)
	}
	return string(b), nil
}

func mapUnique(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", models.ErrDuplicateReference, pgErr.ConstraintName)
	}
	return err
}
