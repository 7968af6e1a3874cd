package providers

import (
	"context"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/midtrans/midtrans-go"
	"github.com/midtrans/midtrans-go/coreapi"
	"github.com/midtrans/midtrans-go/snap"
	"github.com/shopspring/decimal"

	"github.com/aura-learn/backend/config"
	"github.com/aura-learn/backend/internal/models"
)

const midtransCurrency = "IDR"

// Midtrans takes wallet and card payments through Snap's hosted redirect page.
type Midtrans struct {
	cfg config.MidtransConfig
	env Environment
}

// NewMidtrans builds a Midtrans adapter from its configuration.
func NewMidtrans(cfg config.MidtransConfig) (*Midtrans, error) {
	if cfg.ServerKey == "" {
		return nil, fmt.Errorf("midtrans: %w", models.ErrProviderUnconfigured)
	}
	return &Midtrans{
		cfg: cfg,
		env: DetectEnvironment(cfg.ServerKey, midtransPrefixes, cfg.IsProduction),
	}, nil
}

func (m *Midtrans) Name() string             { return models.ProviderMidtrans }
func (m *Midtrans) Strategy() Strategy       { return StrategyEager }
func (m *Midtrans) Environment() Environment { return m.env }

func (m *Midtrans) Supports(method models.PaymentMethod) bool {
	return method == models.PaymentMethodWalletRedirect || method == models.PaymentMethodCard
}

// SupportsCurrency reports whether Midtrans can charge in currency. Snap
// transactions are settled in rupiah only.
func (m *Midtrans) SupportsCurrency(currency string) bool {
	return strings.EqualFold(currency, midtransCurrency)
}

func (m *Midtrans) sdkEnv() midtrans.EnvironmentType {
	if m.env == EnvironmentProduction {
		return midtrans.Production
	}
	return midtrans.Sandbox
}

func (m *Midtrans) snapClient() *snap.Client {
	var s snap.Client
	s.New(m.cfg.ServerKey, m.sdkEnv())
	return &s
}

func (m *Midtrans) coreClient() *coreapi.Client {
	var c coreapi.Client
	c.New(m.cfg.ServerKey, m.sdkEnv())
	return &c
}

// Prepare creates a Snap transaction whose order_id is req.Reference.
func (m *Midtrans) Prepare(ctx context.Context, req PrepareRequest) (*TransactionHandle, error) {
	if !m.SupportsCurrency(req.Currency) {
		return nil, fmt.Errorf("midtrans: %w: cannot charge in %s", models.ErrProviderRejected, req.Currency)
	}
	gross := minorUnits(req.Amount, req.Currency)
	snapReq := &snap.Request{
		TransactionDetails: midtrans.TransactionDetails{
			OrderID:  req.Reference,
			GrossAmt: gross,
		},
		CustomerDetail: &midtrans.CustomerDetails{
			FName: req.Customer.Name,
			Email: req.Customer.Email,
			Phone: req.Customer.Phone,
		},
		Items: &[]midtrans.ItemDetails{
			{
				ID:    req.Metadata[MetaCourseID],
				Name:  truncate(req.Description, 50),
				Price: gross,
				Qty:   1,
			},
		},
	}
	if req.ReturnURL != "" {
		snapReq.Callbacks = &snap.Callbacks{Finish: req.ReturnURL}
	}

	var resp *snap.Response
	err := await(ctx, func() error {
		r, merr := m.snapClient().CreateTransaction(snapReq)
		if merr != nil {
			return midtransErr("create transaction", merr)
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	if resp.Token == "" && resp.RedirectURL == "" {
		return nil, fmt.Errorf("midtrans create transaction: %w: %s", models.ErrProviderRejected, strings.Join(resp.ErrorMessages, "; "))
	}

	raw, _ := json.Marshal(resp)
	return &TransactionHandle{
		Provider:    m.Name(),
		Reference:   req.Reference,
		RedirectURL: resp.RedirectURL,
		WidgetConfig: map[string]any{
			"snap_token": resp.Token,
			"client_key": m.cfg.ClientKey,
		},
		Environment: m.env,
		Raw:         raw,
	}, nil
}

// QueryStatus looks the order up through the Core API.
func (m *Midtrans) QueryStatus(ctx context.Context, reference string) (*StatusResult, error) {
	var resp *coreapi.TransactionStatusResponse
	err := await(ctx, func() error {
		r, merr := m.coreClient().CheckTransaction(reference)
		if merr != nil {
			return midtransErr("check transaction", merr)
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	raw, _ := json.Marshal(resp)
	res := &StatusResult{
		Signal:    midtransSignal(resp.TransactionStatus, resp.FraudStatus),
		Reference: resp.OrderID,
		Currency:  resp.Currency,
		Raw:       raw,
	}
	if amt, err := decimal.NewFromString(resp.GrossAmount); err == nil {
		res.Amount = &amt
	}
	return res, nil
}

// Cancel cancels a pending order. Midtrans answers 412 for orders that are
// already final and 404 for orders the customer never opened.
func (m *Midtrans) Cancel(ctx context.Context, reference string) error {
	return await(ctx, func() error {
		_, merr := m.coreClient().CancelTransaction(reference)
		if merr == nil {
			return nil
		}
		if merr.StatusCode == http.StatusPreconditionFailed || merr.StatusCode == http.StatusNotFound {
			return nil
		}
		return midtransErr("cancel transaction", merr)
	})
}

type midtransNotification struct {
	OrderID           string `json:"order_id"`
	TransactionID     string `json:"transaction_id"`
	StatusCode        string `json:"status_code"`
	GrossAmount       string `json:"gross_amount"`
	Currency          string `json:"currency"`
	SignatureKey      string `json:"signature_key"`
	TransactionStatus string `json:"transaction_status"`
	FraudStatus       string `json:"fraud_status"`
	PaymentType       string `json:"payment_type"`
}

// ParseCallback handles HTTP notifications (signed JSON) and the Snap finish redirect.
func (m *Midtrans) ParseCallback(cb Callback) (*Evidence, error) {
	ev := &Evidence{Source: cb.Source}
	var n midtransNotification

	switch cb.Source {
	case SourceWebhook:
		if err := json.Unmarshal(cb.Body, &n); err != nil {
			return nil, fmt.Errorf("midtrans notification: %w", err)
		}
		if !m.validSignature(n) {
			return nil, models.ErrInvalidSignature
		}
		ev.Raw = json.RawMessage(cb.Body)
	default:
		n = midtransNotification{
			OrderID:           cb.Query.Get("order_id"),
			StatusCode:        cb.Query.Get("status_code"),
			TransactionStatus: cb.Query.Get("transaction_status"),
		}
		ev.Raw = queryJSON(cb.Query)
	}

	ev.Reference = n.OrderID
	if n.TransactionID != "" {
		ev.Candidates = append(ev.Candidates, n.TransactionID)
	}
	ev.Currency = n.Currency
	if amt, err := decimal.NewFromString(n.GrossAmount); err == nil {
		ev.Amount = &amt
	}
	ev.Signal = midtransSignal(n.TransactionStatus, n.FraudStatus)
	return ev, nil
}

func (m *Midtrans) ReferencePaths() [][]string {
	return [][]string{
		{"order_id"},
		{"transaction_id"},
	}
}

// validSignature checks SHA512(order_id + status_code + gross_amount + server_key).
func (m *Midtrans) validSignature(n midtransNotification) bool {
	sum := sha512.Sum512([]byte(n.OrderID + n.StatusCode + n.GrossAmount + m.cfg.ServerKey))
	expected := hex.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(n.SignatureKey))) == 1
}

func midtransSignal(status, fraud string) Signal {
	switch status {
	case "settlement":
		return SignalSuccess
	case "capture":
		if fraud == "challenge" {
			return SignalPending
		}
		return SignalSuccess
	case "pending", "authorize":
		return SignalPending
	case "deny", "failure":
		return SignalFailed
	case "cancel", "expire":
		return SignalCancelled
	}
	return SignalUnknown
}

func midtransErr(op string, merr *midtrans.Error) error {
	if merr.StatusCode >= 400 && merr.StatusCode < 500 {
		return fmt.Errorf("midtrans %s: %w: %s", op, models.ErrProviderRejected, merr.Message)
	}
	return fmt.Errorf("midtrans %s: %s", op, merr.Message)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
