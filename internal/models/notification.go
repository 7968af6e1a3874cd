package models

import (
	"time"

	"github.com/google/uuid"
)

// NotificationKind for payment notifications.
const (
	NotificationPaymentSuccess   = "payment_success"
	NotificationPaymentFailed    = "payment_failed"
	NotificationPaymentCancelled = "payment_cancelled"
)

// ActivityKind for gamification records.
const (
	ActivityCourseEnrolled = "course_enrolled"
)

// Notification is what gets handed to the notification collaborator.
type Notification struct {
	UserID    uuid.UUID         `json:"user_id"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Kind      string            `json:"kind"`
	ActionRef string            `json:"action_ref,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Activity is a gamification activity record.
type Activity struct {
	UserID      uuid.UUID         `json:"user_id"`
	Kind        string            `json:"kind"`
	Points      int               `json:"points"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}
