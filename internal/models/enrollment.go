package models

import (
	"time"

	"github.com/google/uuid"
)

// EnrollmentStatus for enrollments.
type EnrollmentStatus string

const (
	EnrollmentStatusEnrolled  EnrollmentStatus = "enrolled"
	EnrollmentStatusCompleted EnrollmentStatus = "completed"
)

// Enrollment is a student's access record to a course (unique per user+course).
type Enrollment struct {
	ID                 uuid.UUID        `json:"id"`
	UserID             uuid.UUID        `json:"user_id"`
	CourseID           uuid.UUID        `json:"course_id"`
	IsActive           bool             `json:"is_active"`
	Status             EnrollmentStatus `json:"status"`
	ProgressPercentage int              `json:"progress_percentage"`
	PaymentID          *uuid.UUID       `json:"payment_id,omitempty"`
	EnrolledAt         time.Time        `json:"enrolled_at"`
	CompletedAt        *time.Time       `json:"completed_at,omitempty"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// Clone returns a deep copy.
func (e *Enrollment) Clone() *Enrollment {
	if e == nil {
		return nil
	}
	c := *e
	if e.PaymentID != nil {
		id := *e.PaymentID
		c.PaymentID = &id
	}
	if e.CompletedAt != nil {
		at := *e.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}
