// Package providers normalizes third-party payment APIs behind one Adapter contract.
package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/shopspring/decimal"

	"github.com/aura-learn/backend/internal/models"
)

// Strategy decides when a PaymentIntent row is first persisted.
type Strategy string

const (
	// StrategyEager persists PENDING before calling the provider.
	StrategyEager Strategy = "eager"
	// StrategyDeferred persists nothing until the terminal outcome is known.
	StrategyDeferred Strategy = "deferred"
)

// Environment of the provider endpoint an adapter talks to.
type Environment string

const (
	EnvironmentSandbox    Environment = "sandbox"
	EnvironmentProduction Environment = "production"
)

// Signal is a provider-agnostic payment outcome.
type Signal string

const (
	SignalUnknown   Signal = ""
	SignalSuccess   Signal = "success"
	SignalPending   Signal = "pending"
	SignalFailed    Signal = "failed"
	SignalCancelled Signal = "cancelled"
)

// IsTerminal reports whether s names a final outcome.
func (s Signal) IsTerminal() bool {
	return s == SignalSuccess || s == SignalFailed || s == SignalCancelled
}

// Status maps a terminal signal to the PaymentIntent status it implies.
func (s Signal) Status() (models.PaymentStatus, bool) {
	switch s {
	case SignalSuccess:
		return models.PaymentStatusCompleted, true
	case SignalFailed:
		return models.PaymentStatusFailed, true
	case SignalCancelled:
		return models.PaymentStatusCancelled, true
	}
	return "", false
}

// ParseSignal reads the generic success/failed/cancelled flag browsers carry on redirect.
func ParseSignal(v string) Signal {
	switch v {
	case "success", "successful", "succeeded", "completed", "paid":
		return SignalSuccess
	case "failed", "failure", "error", "declined":
		return SignalFailed
	case "cancelled", "canceled", "cancel", "aborted":
		return SignalCancelled
	case "pending", "processing":
		return SignalPending
	}
	return SignalUnknown
}

// CallbackSource says how a callback reached the server.
type CallbackSource string

const (
	SourceWebhook  CallbackSource = "webhook"
	SourceRedirect CallbackSource = "redirect"
	SourceFinalize CallbackSource = "finalize"
)

// Metadata keys embedded in provider requests and read back from callbacks.
const (
	MetaUserID           = "user_id"
	MetaCourseID         = "course_id"
	MetaIntentID         = "intent_id"
	MetaCorrelationToken = "correlation_token"
)

// Customer is who pays.
type Customer struct {
	Name       string `json:"name"`
	Email      string `json:"email"`
	Phone      string `json:"phone,omitempty"`
	CardToken  string `json:"card_token,omitempty"`  // tokenized card, card method only
	SourceType string `json:"source_type,omitempty"` // mobile money channel, e.g. truemoney
}

// PrepareRequest asks a provider to create something payable.
type PrepareRequest struct {
	Reference   string // merchant-side reference: intent id (eager) or correlation token (deferred)
	Amount      decimal.Decimal
	Currency    string
	Description string
	Method      models.PaymentMethod
	Customer    Customer
	Metadata    map[string]string
	ReturnURL   string
}

// TransactionHandle is what the client needs to complete payment.
type TransactionHandle struct {
	Provider     string          `json:"provider"`
	Reference    string          `json:"reference"`
	RedirectURL  string          `json:"redirect_url,omitempty"`
	WidgetConfig map[string]any  `json:"widget_config,omitempty"`
	Environment  Environment     `json:"environment"`
	Signal       Signal          `json:"-"` // set when the provider settled synchronously
	Raw          json.RawMessage `json:"-"`
}

// StatusResult is the answer to a status query.
type StatusResult struct {
	Signal    Signal
	Reference string
	Amount    *decimal.Decimal
	Currency  string
	Metadata  map[string]string
	Raw       json.RawMessage
}

// Callback is an inbound notification exactly as received.
type Callback struct {
	Source  CallbackSource
	Query   url.Values
	Headers http.Header
	Body    []byte
}

// Evidence is what a callback tells us, normalized.
type Evidence struct {
	Source     CallbackSource
	Reference  string   // the provider's own transaction id, when echoed
	Candidates []string // any other identifiers seen in the callback
	Signal     Signal
	Amount     *decimal.Decimal
	Currency   string
	Metadata   map[string]string
	Raw        json.RawMessage
}

// Identifiers returns the reference followed by every distinct candidate.
func (e *Evidence) Identifiers() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, v := range append([]string{e.Reference}, e.Candidates...) {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// CurrencyLimiter is implemented by adapters that only charge in some
// currencies. Initiate checks it before persisting anything.
type CurrencyLimiter interface {
	SupportsCurrency(currency string) bool
}

// Adapter is implemented once per payment provider. Implementations hold only
// immutable configuration and are cheap to construct per call.
type Adapter interface {
	Name() string
	Strategy() Strategy
	Environment() Environment
	// Supports reports whether the adapter can take payment with method.
	Supports(method models.PaymentMethod) bool
	Prepare(ctx context.Context, req PrepareRequest) (*TransactionHandle, error)
	// QueryStatus is best-effort; adapters without a status API return models.ErrUnsupported.
	QueryStatus(ctx context.Context, reference string) (*StatusResult, error)
	// Cancel is idempotent; an already-terminal transaction is not an error.
	Cancel(ctx context.Context, reference string) error
	ParseCallback(cb Callback) (*Evidence, error)
	// ReferencePaths lists nested payload paths where this provider puts transaction ids.
	ReferencePaths() [][]string
}
