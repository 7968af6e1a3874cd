package providers

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/aura-learn/backend/config"
	"github.com/aura-learn/backend/internal/models"
)

// Flutterwave runs checkout inside an embedded widget; nothing is created
// server-side until the widget reports back with a transaction id.
type Flutterwave struct {
	cfg  config.FlutterwaveConfig
	env  Environment
	http *http.Client
}

// NewFlutterwave builds a Flutterwave adapter. A nil client uses http.DefaultClient.
func NewFlutterwave(cfg config.FlutterwaveConfig, client *http.Client) (*Flutterwave, error) {
	if cfg.SecretKey == "" || cfg.PublicKey == "" {
		return nil, fmt.Errorf("flutterwave: %w", models.ErrProviderUnconfigured)
	}
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.flutterwave.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Flutterwave{
		cfg:  cfg,
		env:  DetectEnvironment(cfg.SecretKey, flutterwavePrefixes, cfg.IsProduction),
		http: client,
	}, nil
}

func (f *Flutterwave) Name() string             { return models.ProviderFlutterwave }
func (f *Flutterwave) Strategy() Strategy       { return StrategyDeferred }
func (f *Flutterwave) Environment() Environment { return f.env }

func (f *Flutterwave) Supports(method models.PaymentMethod) bool {
	return method == models.PaymentMethodWidget ||
		method == models.PaymentMethodCard ||
		method == models.PaymentMethodMobileMoney
}

// Prepare returns the inline checkout configuration. req.Reference becomes tx_ref.
func (f *Flutterwave) Prepare(ctx context.Context, req PrepareRequest) (*TransactionHandle, error) {
	options := "card,mobilemoney"
	switch req.Method {
	case models.PaymentMethodCard:
		options = "card"
	case models.PaymentMethodMobileMoney:
		options = "mobilemoney"
	}
	widget := map[string]any{
		"public_key":      f.cfg.PublicKey,
		"tx_ref":          req.Reference,
		"amount":          req.Amount.StringFixed(2),
		"currency":        req.Currency,
		"payment_options": options,
		"customer": map[string]string{
			"email":        req.Customer.Email,
			"name":         req.Customer.Name,
			"phone_number": req.Customer.Phone,
		},
		"customizations": map[string]string{
			"title":       req.Description,
			"description": req.Description,
		},
		"meta": req.Metadata,
	}
	if req.ReturnURL != "" {
		widget["redirect_url"] = req.ReturnURL
	}
	raw, _ := json.Marshal(widget)
	return &TransactionHandle{
		Provider:     f.Name(),
		Reference:    req.Reference,
		WidgetConfig: widget,
		Environment:  f.env,
		Raw:          raw,
	}, nil
}

type flwVerifyResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    struct {
		ID       int64             `json:"id"`
		TxRef    string            `json:"tx_ref"`
		FlwRef   string            `json:"flw_ref"`
		Amount   json.Number       `json:"amount"`
		Currency string            `json:"currency"`
		Status   string            `json:"status"`
		Meta     map[string]string `json:"meta"`
	} `json:"data"`
}

// QueryStatus verifies a transaction. Numeric references are transaction ids;
// anything else is looked up as a tx_ref.
func (f *Flutterwave) QueryStatus(ctx context.Context, reference string) (*StatusResult, error) {
	var endpoint string
	if _, err := strconv.ParseInt(reference, 10, 64); err == nil {
		endpoint = fmt.Sprintf("%s/v3/transactions/%s/verify", f.cfg.BaseURL, url.PathEscape(reference))
	} else {
		endpoint = fmt.Sprintf("%s/v3/transactions/verify_by_reference?tx_ref=%s", f.cfg.BaseURL, url.QueryEscape(reference))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+f.cfg.SecretKey)
	req.Header.Set("Accept", "application/json")

	resp, err := f.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("flutterwave verify: %w", timeoutErr(unwrapURLErr(err)))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("flutterwave verify: %w", timeoutErr(err))
	}

	var out flwVerifyResponse
	_ = json.Unmarshal(body, &out)
	if resp.StatusCode >= 400 || out.Status != "success" {
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, fmt.Errorf("flutterwave verify: %w: %s", models.ErrProviderRejected, out.Message)
		}
		return nil, fmt.Errorf("flutterwave verify: status %d: %s", resp.StatusCode, out.Message)
	}

	res := &StatusResult{
		Signal:    flwSignal(out.Data.Status),
		Reference: strconv.FormatInt(out.Data.ID, 10),
		Currency:  out.Data.Currency,
		Metadata:  out.Data.Meta,
		Raw:       body,
	}
	if amt, err := decimal.NewFromString(out.Data.Amount.String()); err == nil {
		res.Amount = &amt
	}
	return res, nil
}

// Cancel is a no-op: an abandoned widget session has nothing server-side to cancel.
func (f *Flutterwave) Cancel(ctx context.Context, reference string) error {
	return nil
}

type flwWebhook struct {
	Event string `json:"event"`
	Data  struct {
		ID       int64             `json:"id"`
		TxRef    string            `json:"tx_ref"`
		FlwRef   string            `json:"flw_ref"`
		Amount   json.Number       `json:"amount"`
		Currency string            `json:"currency"`
		Status   string            `json:"status"`
		Meta     map[string]string `json:"meta"`
	} `json:"data"`
}

// flwFinalize is what the widget callback posts to /payments/flutterwave/finalize.
type flwFinalize struct {
	TransactionID json.Number       `json:"transaction_id"`
	TxRef         string            `json:"tx_ref"`
	Status        string            `json:"status"`
	Amount        json.Number       `json:"amount"`
	Currency      string            `json:"currency"`
	Meta          map[string]string `json:"meta"`
}

// ParseCallback handles the signed webhook, the widget finalize post and the
// browser redirect (?status=&tx_ref=&transaction_id=).
func (f *Flutterwave) ParseCallback(cb Callback) (*Evidence, error) {
	ev := &Evidence{Source: cb.Source}

	switch cb.Source {
	case SourceWebhook:
		if f.cfg.SecretHash == "" ||
			subtle.ConstantTimeCompare([]byte(cb.Headers.Get("verif-hash")), []byte(f.cfg.SecretHash)) != 1 {
			return nil, models.ErrInvalidSignature
		}
		var w flwWebhook
		if err := json.Unmarshal(cb.Body, &w); err != nil {
			return nil, fmt.Errorf("flutterwave webhook: %w", err)
		}
		if w.Data.ID != 0 {
			ev.Reference = strconv.FormatInt(w.Data.ID, 10)
		}
		ev.Candidates = nonEmpty(w.Data.TxRef, w.Data.FlwRef)
		ev.Signal = flwSignal(w.Data.Status)
		ev.Amount = parseAmount(w.Data.Amount)
		ev.Currency = w.Data.Currency
		ev.Metadata = w.Data.Meta
		ev.Raw = json.RawMessage(cb.Body)
	case SourceFinalize:
		var fin flwFinalize
		if err := json.Unmarshal(cb.Body, &fin); err != nil {
			return nil, fmt.Errorf("flutterwave finalize: %w", err)
		}
		ev.Reference = fin.TransactionID.String()
		ev.Candidates = nonEmpty(fin.TxRef)
		ev.Signal = flwSignal(fin.Status)
		ev.Amount = parseAmount(fin.Amount)
		ev.Currency = fin.Currency
		ev.Metadata = fin.Meta
		ev.Raw = json.RawMessage(cb.Body)
	default:
		ev.Reference = cb.Query.Get("transaction_id")
		ev.Candidates = nonEmpty(cb.Query.Get("tx_ref"))
		ev.Signal = flwSignal(cb.Query.Get("status"))
		ev.Raw = queryJSON(cb.Query)
	}
	return ev, nil
}

func (f *Flutterwave) ReferencePaths() [][]string {
	return [][]string{
		{"id"},
		{"data", "id"},
		{"transaction_id"},
		{"tx_ref"},
		{"data", "tx_ref"},
	}
}

func flwSignal(status string) Signal {
	return ParseSignal(strings.ToLower(status))
}

func parseAmount(n json.Number) *decimal.Decimal {
	if n == "" {
		return nil
	}
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return nil
	}
	return &d
}

func nonEmpty(vals ...string) []string {
	var out []string
	for _, v := range vals {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// queryJSON flattens redirect query parameters into a JSON object for the payload trail.
func queryJSON(q url.Values) json.RawMessage {
	flat := make(map[string]string, len(q))
	for k := range q {
		flat[k] = q.Get(k)
	}
	raw, _ := json.Marshal(flat)
	return raw
}

func unwrapURLErr(err error) error {
	if ue, ok := err.(*url.Error); ok {
		return ue.Err
	}
	return err
}
