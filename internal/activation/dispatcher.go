// Package activation grants course access for completed payments and fires
// the user-facing side effects exactly once per state change.
package activation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-learn/backend/internal/models"
	"github.com/aura-learn/backend/internal/sideeffects"
	"github.com/aura-learn/backend/internal/store"
)

// EventKind says what a payment did.
type EventKind string

const (
	EventNewActivation    EventKind = "new_activation"
	EventReactivation     EventKind = "reactivation"
	EventPaymentFailed    EventKind = "payment_failed"
	EventPaymentCancelled EventKind = "payment_cancelled"
)

// Event is produced inside the transaction and emitted after it commits.
type Event struct {
	Kind       EventKind
	Intent     *models.PaymentIntent
	Enrollment *models.Enrollment
}

// CourseTitles looks up course titles for notification text.
type CourseTitles interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Course, error)
}

// Dispatcher creates and reactivates enrollments.
type Dispatcher struct {
	notifier sideeffects.Notifier
	gamifier sideeffects.Gamifier
	courses  CourseTitles
	points   int
	logger   *zap.Logger
	now      func() time.Time
}

// NewDispatcher creates a Dispatcher. points is awarded per activation event.
func NewDispatcher(notifier sideeffects.Notifier, gamifier sideeffects.Gamifier, courses CourseTitles, points int, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		notifier: notifier,
		gamifier: gamifier,
		courses:  courses,
		points:   points,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock replaces the time source. Tests only.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Activate makes sure the intent's user is enrolled in its course. It returns
// an event for a new or reactivated enrollment and nil when the enrollment
// was already active.
func (d *Dispatcher) Activate(ctx context.Context, tx store.Tx, intent *models.PaymentIntent) (*Event, error) {
	if intent.Status != models.PaymentStatusCompleted {
		return nil, fmt.Errorf("%w: activate requires COMPLETED, got %s", models.ErrInvalidTransition, intent.Status)
	}
	now := d.now().UTC()
	paymentID := intent.ID

	if err := tx.Lock(ctx, store.EnrollmentLockKey(intent.UserID, intent.CourseID)); err != nil {
		return nil, fmt.Errorf("lock enrollment: %w", err)
	}
	e, err := tx.EnrollmentForUpdate(ctx, intent.UserID, intent.CourseID)
	if err != nil {
		return nil, fmt.Errorf("load enrollment: %w", err)
	}

	switch {
	case e == nil:
		e = &models.Enrollment{
			ID:                 uuid.New(),
			UserID:             intent.UserID,
			CourseID:           intent.CourseID,
			IsActive:           true,
			Status:             models.EnrollmentStatusEnrolled,
			ProgressPercentage: 0,
			PaymentID:          &paymentID,
			EnrolledAt:         now,
			UpdatedAt:          now,
		}
		if err := tx.InsertEnrollment(ctx, e); err != nil {
			return nil, fmt.Errorf("insert enrollment: %w", err)
		}
		d.logger.Info("enrollment created",
			zap.String("enrollment_id", e.ID.String()),
			zap.String("intent_id", intent.ID.String()),
		)
		return &Event{Kind: EventNewActivation, Intent: intent, Enrollment: e}, nil

	case !e.IsActive:
		e.IsActive = true
		e.Status = models.EnrollmentStatusEnrolled
		e.ProgressPercentage = 0
		e.CompletedAt = nil
		e.PaymentID = &paymentID
		e.UpdatedAt = now
		if err := tx.UpdateEnrollment(ctx, e); err != nil {
			return nil, fmt.Errorf("reactivate enrollment: %w", err)
		}
		d.logger.Info("enrollment reactivated",
			zap.String("enrollment_id", e.ID.String()),
			zap.String("intent_id", intent.ID.String()),
		)
		return &Event{Kind: EventReactivation, Intent: intent, Enrollment: e}, nil

	default:
		if e.PaymentID == nil || *e.PaymentID != paymentID {
			e.PaymentID = &paymentID
			e.UpdatedAt = now
			if err := tx.UpdateEnrollment(ctx, e); err != nil {
				return nil, fmt.Errorf("relink enrollment: %w", err)
			}
		}
		return nil, nil
	}
}

// Settle returns the event for an intent that just became FAILED or CANCELLED.
func (d *Dispatcher) Settle(intent *models.PaymentIntent) *Event {
	switch intent.Status {
	case models.PaymentStatusFailed:
		return &Event{Kind: EventPaymentFailed, Intent: intent}
	case models.PaymentStatusCancelled:
		return &Event{Kind: EventPaymentCancelled, Intent: intent}
	}
	return nil
}

// Emit delivers the side effects of ev. Failures are logged, never returned.
func (d *Dispatcher) Emit(ctx context.Context, ev *Event) {
	if ev == nil || ev.Intent == nil {
		return
	}
	in := ev.Intent
	title := d.courseTitle(ctx, in.CourseID)
	meta := map[string]string{
		"intent_id": in.ID.String(),
		"course_id": in.CourseID.String(),
		"provider":  in.Provider,
		"amount":    in.Amount.String(),
		"currency":  in.Currency,
		"event":     string(ev.Kind),
	}
	n := models.Notification{
		UserID:    in.UserID,
		ActionRef: "/courses/" + in.CourseID.String(),
		Metadata:  meta,
		CreatedAt: d.now().UTC(),
	}

	switch ev.Kind {
	case EventNewActivation, EventReactivation:
		n.Kind = models.NotificationPaymentSuccess
		n.Title = "Payment successful"
		n.Message = fmt.Sprintf("You are now enrolled in %s.", title)
	case EventPaymentFailed:
		n.Kind = models.NotificationPaymentFailed
		n.Title = "Payment failed"
		n.Message = fmt.Sprintf("Your payment for %s could not be completed.", title)
		if in.ErrorMessage != nil {
			meta["reason"] = *in.ErrorMessage
		}
	case EventPaymentCancelled:
		n.Kind = models.NotificationPaymentCancelled
		n.Title = "Payment cancelled"
		n.Message = fmt.Sprintf("Your payment for %s was cancelled.", title)
	default:
		return
	}

	if err := d.notifier.Notify(ctx, n); err != nil {
		d.logger.Warn("notification failed",
			zap.String("intent_id", in.ID.String()),
			zap.String("kind", n.Kind),
			zap.Error(err),
		)
	}

	if ev.Kind != EventNewActivation && ev.Kind != EventReactivation {
		return
	}
	a := models.Activity{
		UserID:      in.UserID,
		Kind:        models.ActivityCourseEnrolled,
		Points:      d.points,
		Description: fmt.Sprintf("Enrolled in %s", title),
		Metadata:    meta,
		CreatedAt:   d.now().UTC(),
	}
	if err := d.gamifier.RecordActivity(ctx, a); err != nil {
		d.logger.Warn("activity record failed",
			zap.String("intent_id", in.ID.String()),
			zap.Error(err),
		)
	}
}

func (d *Dispatcher) courseTitle(ctx context.Context, id uuid.UUID) string {
	if d.courses != nil {
		c, err := d.courses.Get(ctx, id)
		if err == nil && c.Title != "" {
			return c.Title
		}
		if err != nil {
			d.logger.Debug("course title lookup failed", zap.String("course_id", id.String()), zap.Error(err))
		}
	}
	return "your course"
}
