// Package ledger owns the PaymentIntent state machine. Every status change
// goes through Transition.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aura-learn/backend/internal/models"
	"github.com/aura-learn/backend/internal/providers"
	"github.com/aura-learn/backend/internal/store"
)

// Evidence is what justifies a transition.
type Evidence struct {
	Source    string                // webhook, redirect, finalize, query, prepare, expiry
	Reference string                // provider reference to attach when the intent has none
	Payload   []models.PayloadEntry // appended to provider_payload
	Reason    string                // error_message for FAILED and CANCELLED
	Conflict  bool                  // set by Merge when sources disagreed
}

func (e Evidence) empty() bool {
	return len(e.Payload) == 0 && e.Reason == ""
}

// Result of a transition.
type Result struct {
	Intent   *models.PaymentIntent
	Previous models.PaymentStatus
	Changed  bool // false when the intent was already in the target state
	Conflict bool
}

var allowed = map[models.PaymentStatus][]models.PaymentStatus{
	models.PaymentStatusPending: {
		models.PaymentStatusProcessing,
		models.PaymentStatusCompleted,
		models.PaymentStatusFailed,
		models.PaymentStatusCancelled,
	},
	models.PaymentStatusProcessing: {
		models.PaymentStatusCompleted,
		models.PaymentStatusFailed,
		models.PaymentStatusCancelled,
	},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to models.PaymentStatus) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Ledger persists and transitions payment intents.
type Ledger struct {
	store  store.Store
	logger *zap.Logger
	now    func() time.Time
}

// New creates a Ledger.
func New(s store.Store, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{store: s, logger: logger, now: time.Now}
}

// WithClock replaces the time source. Tests only.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Now is the ledger's clock.
func (l *Ledger) Now() time.Time { return l.now().UTC() }

// Open persists a new eager intent in PENDING.
func (l *Ledger) Open(ctx context.Context, intent *models.PaymentIntent) error {
	if intent.Status != models.PaymentStatusPending {
		return fmt.Errorf("%w: open requires PENDING, got %s", models.ErrInvalidTransition, intent.Status)
	}
	now := l.Now()
	intent.CreatedAt, intent.UpdatedAt = now, now
	if err := l.store.Atomic(ctx, func(tx store.Tx) error {
		return tx.InsertIntent(ctx, intent)
	}); err != nil {
		return fmt.Errorf("open intent: %w", err)
	}
	l.logger.Info("payment intent opened",
		zap.String("intent_id", intent.ID.String()),
		zap.String("provider", intent.Provider),
		zap.String("user_id", intent.UserID.String()),
	)
	return nil
}

// Record persists a deferred intent for the first time, directly in its
// terminal state.
func (l *Ledger) Record(ctx context.Context, tx store.Tx, intent *models.PaymentIntent, ev Evidence) error {
	if !intent.Status.IsTerminal() {
		return fmt.Errorf("%w: deferred intents are recorded terminal, got %s", models.ErrInvalidTransition, intent.Status)
	}
	now := l.Now()
	intent.CreatedAt, intent.UpdatedAt = now, now
	if intent.Status == models.PaymentStatusCompleted {
		intent.CompletedAt = &now
	} else if ev.Reason != "" {
		reason := ev.Reason
		intent.ErrorMessage = &reason
	}
	if ev.Reference != "" && intent.ProviderReference == nil {
		ref := ev.Reference
		intent.ProviderReference = &ref
	}
	intent.AppendPayload(stamp(ev.Payload, now)...)
	if err := tx.InsertIntent(ctx, intent); err != nil {
		return fmt.Errorf("record intent: %w", err)
	}
	l.logger.Info("payment intent recorded",
		zap.String("intent_id", intent.ID.String()),
		zap.String("provider", intent.Provider),
		zap.String("status", string(intent.Status)),
		zap.String("provider_reference", intent.Reference()),
	)
	return nil
}

// Transition moves intent to target inside tx. intent must have been loaded
// with a ForUpdate method of the same tx.
//
// Re-applying the current terminal status is a no-op: the stored intent is
// returned unchanged with Changed=false. Leaving a terminal status fails with
// models.ErrInvalidTransition.
func (l *Ledger) Transition(ctx context.Context, tx store.Tx, intent *models.PaymentIntent, target models.PaymentStatus, ev Evidence) (Result, error) {
	res := Result{Intent: intent, Previous: intent.Status}

	if intent.Status == target {
		if target.IsTerminal() {
			return res, nil
		}
		// Same non-terminal state: keep the evidence, change nothing else.
		if err := l.appendOnly(ctx, tx, intent, ev); err != nil {
			return res, err
		}
		return res, nil
	}
	if !CanTransition(intent.Status, target) {
		return res, fmt.Errorf("%w: %s -> %s for intent %s", models.ErrInvalidTransition, intent.Status, target, intent.ID)
	}

	ref := intent.Reference()
	if ref == "" {
		ref = ev.Reference
	}
	if target == models.PaymentStatusProcessing && ref == "" {
		return res, fmt.Errorf("%w: PROCESSING requires a provider reference", models.ErrInvalidTransition)
	}
	if target.IsTerminal() && ev.empty() {
		return res, fmt.Errorf("%w: %s requires evidence", models.ErrInvalidTransition, target)
	}

	now := l.Now()
	next := intent.Clone()
	next.Status = target
	next.UpdatedAt = now
	if next.ProviderReference == nil && ev.Reference != "" {
		r := ev.Reference
		next.ProviderReference = &r
	}
	switch target {
	case models.PaymentStatusCompleted:
		next.CompletedAt = &now
		next.ErrorMessage = nil
	case models.PaymentStatusFailed, models.PaymentStatusCancelled:
		if ev.Reason != "" {
			reason := ev.Reason
			next.ErrorMessage = &reason
		}
	}

	if err := tx.UpdateIntent(ctx, next); err != nil {
		return res, fmt.Errorf("update intent %s: %w", intent.ID, err)
	}
	entries := stamp(ev.Payload, now)
	if err := tx.AppendPayload(ctx, next.ID, entries); err != nil {
		return res, fmt.Errorf("append payload %s: %w", intent.ID, err)
	}
	next.AppendPayload(entries...)

	l.logger.Info("payment intent transitioned",
		zap.String("intent_id", next.ID.String()),
		zap.String("provider", next.Provider),
		zap.String("from", string(intent.Status)),
		zap.String("to", string(target)),
		zap.String("source", ev.Source),
		zap.Bool("conflict", ev.Conflict),
	)
	return Result{Intent: next, Previous: intent.Status, Changed: true, Conflict: ev.Conflict}, nil
}

func (l *Ledger) appendOnly(ctx context.Context, tx store.Tx, intent *models.PaymentIntent, ev Evidence) error {
	if len(ev.Payload) == 0 {
		return nil
	}
	entries := stamp(ev.Payload, l.Now())
	if err := tx.AppendPayload(ctx, intent.ID, entries); err != nil {
		return fmt.Errorf("append payload %s: %w", intent.ID, err)
	}
	intent.AppendPayload(entries...)
	return nil
}

func stamp(entries []models.PayloadEntry, at time.Time) []models.PayloadEntry {
	out := make([]models.PayloadEntry, len(entries))
	for i, e := range entries {
		if e.RecordedAt.IsZero() {
			e.RecordedAt = at
		}
		out[i] = e
	}
	return out
}

// Merge combines the signal carried by a callback with the result of a
// status query. A success claimed by the callback wins over a query that
// disagrees, and the disagreement is reported as a conflict. A query success
// always wins over a callback failure.
func Merge(callback, query providers.Signal) (providers.Signal, bool) {
	switch {
	case query == providers.SignalUnknown:
		return callback, false
	case callback == providers.SignalUnknown || callback == providers.SignalPending:
		return query, false
	case callback == query:
		return callback, false
	case callback == providers.SignalSuccess:
		return providers.SignalSuccess, true
	case query == providers.SignalSuccess:
		return providers.SignalSuccess, true
	case query == providers.SignalPending:
		// A terminal callback with a query that has not caught up yet.
		return callback, false
	default:
		// failed vs cancelled; the query is the provider's own record.
		return query, true
	}
}

// ConflictEntry is the payload entry recorded when Merge reports a conflict.
func ConflictEntry(source string, callback, query providers.Signal, at time.Time) models.PayloadEntry {
	resolution := "query_precedence"
	if callback == providers.SignalSuccess {
		resolution = "callback_success_precedence"
	}
	data, _ := json.Marshal(map[string]string{
		"callback_signal": string(callback),
		"query_signal":    string(query),
		"resolution":      resolution,
	})
	return models.PayloadEntry{Stage: models.PayloadStageConflict, Source: source, RecordedAt: at, Data: data}
}
