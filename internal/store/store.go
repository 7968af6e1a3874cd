// Package store persists payment intents and enrollments. All mutation happens
// inside Atomic so that resolution, transition and activation share one
// serialization scope.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/aura-learn/backend/internal/models"
)

// Tx is the view of the store inside one atomic unit. Methods ending in
// ForUpdate lock the returned row until the unit ends.
type Tx interface {
	// Lock takes an exclusive lock on key, released when the unit ends.
	Lock(ctx context.Context, key string) error

	// IntentForUpdate returns models.ErrIntentNotFound when id is unknown.
	IntentForUpdate(ctx context.Context, id uuid.UUID) (*models.PaymentIntent, error)
	IntentByReferenceForUpdate(ctx context.Context, provider, reference string) (*models.PaymentIntent, error)
	// IntentByPayloadForUpdate finds the newest intent of provider with any
	// payload entry whose data holds value at path.
	IntentByPayloadForUpdate(ctx context.Context, provider string, path []string, value string) (*models.PaymentIntent, error)
	// RecentNonTerminalForUpdate returns the newest PENDING or PROCESSING intent
	// of provider created at or after since, scoped to userID when non-nil.
	RecentNonTerminalForUpdate(ctx context.Context, provider string, userID *uuid.UUID, since time.Time) (*models.PaymentIntent, error)

	// InsertIntent stores a new intent, payload included. A reused provider
	// reference fails with models.ErrDuplicateReference.
	InsertIntent(ctx context.Context, intent *models.PaymentIntent) error
	// UpdateIntent writes status, reference, error and timestamps. The payload
	// is never written here; see AppendPayload.
	UpdateIntent(ctx context.Context, intent *models.PaymentIntent) error
	AppendPayload(ctx context.Context, id uuid.UUID, entries []models.PayloadEntry) error

	// EnrollmentForUpdate returns nil, nil when the user has no enrollment for the course.
	EnrollmentForUpdate(ctx context.Context, userID, courseID uuid.UUID) (*models.Enrollment, error)
	InsertEnrollment(ctx context.Context, e *models.Enrollment) error
	UpdateEnrollment(ctx context.Context, e *models.Enrollment) error
}

// Store is implemented by Postgres and Memory.
type Store interface {
	// Atomic runs fn in one transaction. fn's error rolls everything back.
	Atomic(ctx context.Context, fn func(tx Tx) error) error

	IntentByID(ctx context.Context, id uuid.UUID) (*models.PaymentIntent, error)
	// Enrollment returns nil, nil when none exists.
	Enrollment(ctx context.Context, userID, courseID uuid.UUID) (*models.Enrollment, error)
	// ListNonTerminal returns PENDING and PROCESSING intents created at or after
	// since, newest first, optionally for one user.
	ListNonTerminal(ctx context.Context, since time.Time, userID *uuid.UUID) ([]*models.PaymentIntent, error)
	// ListStale returns PENDING and PROCESSING intents created before before, oldest first.
	ListStale(ctx context.Context, before time.Time) ([]*models.PaymentIntent, error)
}

// Lock keys shared by the engine.
func ResolveLockKey(provider string) string { return "resolve:" + provider }

func ReferenceLockKey(provider, reference string) string {
	return "ref:" + provider + ":" + reference
}

// EnrollmentLockKey serializes enrollment writes for one user and course,
// including the first insert when no row exists yet.
func EnrollmentLockKey(userID, courseID uuid.UUID) string {
	return "enroll:" + userID.String() + ":" + courseID.String()
}
