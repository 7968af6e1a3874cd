package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/omise/omise-go"
	"github.com/omise/omise-go/operations"

	"github.com/aura-learn/backend/config"
	"github.com/aura-learn/backend/internal/models"
)

const defaultOmiseSourceType = "truemoney"

// Omise charges tokenized cards directly and mobile money through an authorize redirect.
type Omise struct {
	cfg config.OmiseConfig
	env Environment
	api string // overrides the API endpoint in tests
}

// NewOmise builds an Omise adapter from its configuration.
func NewOmise(cfg config.OmiseConfig) (*Omise, error) {
	if cfg.SecretKey == "" || cfg.PublicKey == "" {
		return nil, fmt.Errorf("omise: %w", models.ErrProviderUnconfigured)
	}
	return &Omise{
		cfg: cfg,
		env: DetectEnvironment(cfg.SecretKey, omisePrefixes, cfg.IsProduction),
	}, nil
}

func (o *Omise) Name() string             { return models.ProviderOmise }
func (o *Omise) Strategy() Strategy       { return StrategyEager }
func (o *Omise) Environment() Environment { return o.env }

func (o *Omise) Supports(method models.PaymentMethod) bool {
	return method == models.PaymentMethodCard || method == models.PaymentMethodMobileMoney
}

func (o *Omise) client() (*omise.Client, error) {
	c, err := omise.NewClient(o.cfg.PublicKey, o.cfg.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("omise client: %w", models.ErrProviderUnconfigured)
	}
	if o.api != "" {
		c.Endpoints["https://api.omise.co"] = o.api
	}
	return c, nil
}

// Prepare creates the charge. Card charges may complete synchronously; mobile
// money charges always return an authorize_uri for the customer to visit.
func (o *Omise) Prepare(ctx context.Context, req PrepareRequest) (*TransactionHandle, error) {
	c, err := o.client()
	if err != nil {
		return nil, err
	}
	amount := minorUnits(req.Amount, req.Currency)
	meta := make(map[string]any, len(req.Metadata))
	for k, v := range req.Metadata {
		meta[k] = v
	}

	create := &operations.CreateCharge{
		Amount:      amount,
		Currency:    req.Currency,
		Description: req.Description,
		ReturnURI:   req.ReturnURL,
		Metadata:    meta,
	}

	switch req.Method {
	case models.PaymentMethodCard:
		if req.Customer.CardToken == "" {
			return nil, fmt.Errorf("omise card charge: %w: card token is required", models.ErrProviderRejected)
		}
		create.Card = req.Customer.CardToken
	case models.PaymentMethodMobileMoney:
		sourceType := req.Customer.SourceType
		if sourceType == "" {
			sourceType = defaultOmiseSourceType
		}
		src := &omise.Source{}
		err := await(ctx, func() error {
			return c.Do(src, &operations.CreateSource{
				Type:     sourceType,
				Amount:   amount,
				Currency: req.Currency,
			})
		})
		if err != nil {
			return nil, omiseErr("create source", err)
		}
		create.Source = src.ID
	default:
		return nil, fmt.Errorf("omise: %w: method %s", models.ErrInvalidMethod, req.Method)
	}

	ch := &omise.Charge{}
	if err := await(ctx, func() error { return c.Do(ch, create) }); err != nil {
		return nil, omiseErr("create charge", err)
	}
	if string(ch.Status) == "failed" {
		msg := "charge failed"
		if ch.FailureMessage != nil {
			msg = *ch.FailureMessage
		}
		return nil, fmt.Errorf("omise create charge: %w: %s", models.ErrProviderRejected, msg)
	}

	raw, _ := json.Marshal(ch)
	return &TransactionHandle{
		Provider:    o.Name(),
		Reference:   ch.ID,
		RedirectURL: ch.AuthorizeURI,
		WidgetConfig: map[string]any{
			"charge_status": string(ch.Status),
			"public_key":    o.cfg.PublicKey,
		},
		Environment: o.env,
		Signal:      omiseSignal(string(ch.Status)),
		Raw:         raw,
	}, nil
}

// QueryStatus retrieves the charge by its id.
func (o *Omise) QueryStatus(ctx context.Context, reference string) (*StatusResult, error) {
	c, err := o.client()
	if err != nil {
		return nil, err
	}
	ch := &omise.Charge{}
	if err := await(ctx, func() error { return c.Do(ch, &operations.RetrieveCharge{ChargeID: reference}) }); err != nil {
		return nil, omiseErr("retrieve charge", err)
	}
	raw, _ := json.Marshal(ch)
	amt := fromMinorUnits(ch.Amount, ch.Currency)
	return &StatusResult{
		Signal:    omiseSignal(string(ch.Status)),
		Reference: ch.ID,
		Amount:    &amt,
		Currency:  ch.Currency,
		Metadata:  stringMeta(ch.Metadata),
		Raw:       raw,
	}, nil
}

// Cancel reverses an uncaptured card charge. A refused reversal counts as
// success only when the charge is already final. Source charges still
// awaiting the customer cannot be reversed and are reported as rejected.
func (o *Omise) Cancel(ctx context.Context, reference string) error {
	c, err := o.client()
	if err != nil {
		return err
	}
	ch := &omise.Charge{}
	err = await(ctx, func() error { return c.Do(ch, &operations.ReverseCharge{ChargeID: reference}) })
	if err == nil {
		return nil
	}
	var oe *omise.Error
	if !errors.As(err, &oe) {
		return omiseErr("reverse charge", err)
	}
	switch oe.StatusCode {
	case http.StatusNotFound:
		return nil
	case http.StatusBadRequest:
		cur := &omise.Charge{}
		rerr := await(ctx, func() error { return c.Do(cur, &operations.RetrieveCharge{ChargeID: reference}) })
		if rerr == nil && omiseSignal(string(cur.Status)).IsTerminal() {
			return nil
		}
		return fmt.Errorf("omise reverse charge %s: %w: charge still open: %s", reference, models.ErrProviderRejected, oe.Message)
	}
	return omiseErr("reverse charge", err)
}

type omiseEvent struct {
	Key  string `json:"key"`
	Data struct {
		Object   string         `json:"object"`
		ID       string         `json:"id"`
		Status   string         `json:"status"`
		Amount   int64          `json:"amount"`
		Currency string         `json:"currency"`
		Metadata map[string]any `json:"metadata"`
		Source   *struct {
			ID string `json:"id"`
		} `json:"source"`
	} `json:"data"`
}

// ParseCallback reads charge events and the bare return_uri redirect. Omise
// returns the customer whatever happened and names neither the charge nor
// its outcome, so the redirect is no evidence of payment by itself.
func (o *Omise) ParseCallback(cb Callback) (*Evidence, error) {
	ev := &Evidence{Source: cb.Source}
	if cb.Source != SourceWebhook {
		ev.Reference = cb.Query.Get("charge_id")
		ev.Raw = queryJSON(cb.Query)
		return ev, nil
	}

	var e omiseEvent
	if err := json.Unmarshal(cb.Body, &e); err != nil {
		return nil, fmt.Errorf("omise event: %w", err)
	}
	if e.Data.Object != "" && e.Data.Object != "charge" {
		return nil, fmt.Errorf("omise event %s: %w", e.Key, models.ErrUnsupported)
	}
	ev.Reference = e.Data.ID
	if e.Data.Source != nil && e.Data.Source.ID != "" {
		ev.Candidates = append(ev.Candidates, e.Data.Source.ID)
	}
	ev.Signal = omiseSignal(e.Data.Status)
	ev.Currency = e.Data.Currency
	if e.Data.Amount > 0 {
		amt := fromMinorUnits(e.Data.Amount, e.Data.Currency)
		ev.Amount = &amt
	}
	ev.Metadata = stringMeta(e.Data.Metadata)
	ev.Raw = json.RawMessage(cb.Body)
	return ev, nil
}

func (o *Omise) ReferencePaths() [][]string {
	return [][]string{
		{"id"},
		{"data", "id"},
		{"source", "id"},
	}
}

func omiseSignal(status string) Signal {
	switch status {
	case "successful":
		return SignalSuccess
	case "pending":
		return SignalPending
	case "failed":
		return SignalFailed
	case "reversed", "expired":
		return SignalCancelled
	}
	return SignalUnknown
}

func omiseErr(op string, err error) error {
	if errors.Is(err, models.ErrProviderTimeout) {
		return err
	}
	var oe *omise.Error
	if errors.As(err, &oe) && oe.StatusCode >= 400 && oe.StatusCode < 500 {
		return fmt.Errorf("omise %s: %w: %s", op, models.ErrProviderRejected, oe.Message)
	}
	return fmt.Errorf("omise %s: %w", op, err)
}

func stringMeta(m map[string]any) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
