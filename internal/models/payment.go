package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentStatus is the lifecycle state of a PaymentIntent.
type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "PENDING"
	PaymentStatusProcessing PaymentStatus = "PROCESSING"
	PaymentStatusCompleted  PaymentStatus = "COMPLETED"
	PaymentStatusFailed     PaymentStatus = "FAILED"
	PaymentStatusCancelled  PaymentStatus = "CANCELLED"
)

// IsTerminal reports whether no further transition is allowed out of s.
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentStatusCompleted || s == PaymentStatusFailed || s == PaymentStatusCancelled
}


// PaymentMethod is how the customer pays.
type PaymentMethod string

const (
	PaymentMethodCard           PaymentMethod = "card"
	PaymentMethodMobileMoney    PaymentMethod = "mobile_money"
	PaymentMethodWalletRedirect PaymentMethod = "wallet-redirect"
	PaymentMethodWidget         PaymentMethod = "widget"
)

// Valid reports whether m is a supported method.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodCard, PaymentMethodMobileMoney, PaymentMethodWalletRedirect, PaymentMethodWidget:
		return true
	}
	return false
}

// Payment providers with a built-in adapter.
const (
	ProviderMidtrans    = "midtrans"
	ProviderOmise       = "omise"
	ProviderFlutterwave = "flutterwave"
)

// Payload stages recorded in PaymentIntent.ProviderPayload.
const (
	PayloadStagePrepare  = "prepare"
	PayloadStageCallback = "callback"
	PayloadStageQuery    = "query"
	PayloadStageConflict = "conflict"
	PayloadStageError    = "error"
	PayloadStageCancel   = "cancel"
)

// PayloadEntry is one provider response captured at some step. Entries are
// only ever appended.
type PayloadEntry struct {
	Stage      string          `json:"stage"`
	Source     string          `json:"source,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// PaymentIntent is one attempt by one user to pay for one course.
type PaymentIntent struct {
	ID                uuid.UUID       `json:"id"`
	UserID            uuid.UUID       `json:"user_id"`
	CourseID          uuid.UUID       `json:"course_id"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Method            PaymentMethod   `json:"method"`
	Provider          string          `json:"provider"`
	Status            PaymentStatus   `json:"status"`
	ProviderReference *string         `json:"provider_reference,omitempty"`
	ProviderPayload   []PayloadEntry  `json:"provider_payload,omitempty"`
	ErrorMessage      *string         `json:"error_message,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
}

// Reference returns the provider reference or "" when none is set.
func (p *PaymentIntent) Reference() string {
	if p.ProviderReference == nil {
		return ""
	}
	return *p.ProviderReference
}

// AppendPayload adds entries to the provider payload history. Existing
// entries are never rewritten.
func (p *PaymentIntent) AppendPayload(entries ...PayloadEntry) {
	p.ProviderPayload = append(p.ProviderPayload, entries...)
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (p *PaymentIntent) Clone() *PaymentIntent {
	if p == nil {
		return nil
	}
	c := *p
	if p.ProviderReference != nil {
		ref := *p.ProviderReference
		c.ProviderReference = &ref
	}
	if p.ErrorMessage != nil {
		msg := *p.ErrorMessage
		c.ErrorMessage = &msg
	}
	if p.CompletedAt != nil {
		at := *p.CompletedAt
		c.CompletedAt = &at
	}
	if p.ProviderPayload != nil {
		c.ProviderPayload = make([]PayloadEntry, len(p.ProviderPayload))
		copy(c.ProviderPayload, p.ProviderPayload)
	}
	return &c
}
