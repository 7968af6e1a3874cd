// Package payments coordinates initiation, callbacks and reconciliation of
// course payments.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/aura-learn/backend/internal/activation"
	"github.com/aura-learn/backend/internal/courses"
	"github.com/aura-learn/backend/internal/ledger"
	"github.com/aura-learn/backend/internal/models"
	"github.com/aura-learn/backend/internal/providers"
	"github.com/aura-learn/backend/internal/resolution"
	"github.com/aura-learn/backend/internal/sideeffects"
	"github.com/aura-learn/backend/internal/store"
	"github.com/aura-learn/backend/pkg/queue"
)

// ErrBadCallback wraps every error raised while parsing or verifying a
// provider callback.
var ErrBadCallback = errors.New("unreadable provider callback")

// AdapterSource builds a provider adapter by name.
type AdapterSource interface {
	Build(name string) (providers.Adapter, error)
}

// Options are the engine-wide settings.
type Options struct {
	ProviderTimeout time.Duration
	ReconcileWindow time.Duration
	ExpireAfter     time.Duration
	PublicURL       string // base for provider return URLs
}

// Service is the payment orchestrator.
type Service struct {
	adapters   AdapterSource
	store      store.Store
	ledger     *ledger.Ledger
	resolver   *resolution.Resolver
	dispatcher *activation.Dispatcher
	courses    courses.Lookup
	archiver   sideeffects.Archiver
	opts       Options
	logger     *zap.Logger
	now        func() time.Time
}

// NewService wires the orchestrator. archiver may be nil.
func NewService(
	adapters AdapterSource,
	st store.Store,
	l *ledger.Ledger,
	r *resolution.Resolver,
	d *activation.Dispatcher,
	c courses.Lookup,
	archiver sideeffects.Archiver,
	opts Options,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ProviderTimeout <= 0 {
		opts.ProviderTimeout = 20 * time.Second
	}
	return &Service{
		adapters:   adapters,
		store:      st,
		ledger:     l,
		resolver:   r,
		dispatcher: d,
		courses:    c,
		archiver:   archiver,
		opts:       opts,
		logger:     logger,
		now:        time.Now,
	}
}

// WithClock replaces the time source. Tests only.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// InitiateRequest starts a payment for one course.
type InitiateRequest struct {
	UserID   uuid.UUID
	CourseID uuid.UUID
	Method   models.PaymentMethod
	Provider string
	Customer providers.Customer
	// Amount and Currency are what the client displayed; when set they must
	// match the current course price.
	Amount   *decimal.Decimal
	Currency string
}

// InitiateResult tells the client how to complete payment. Eager flows carry
// the persisted intent; deferred flows carry only a correlation token.
type InitiateResult struct {
	Strategy         providers.Strategy           `json:"strategy"`
	IntentID         *uuid.UUID                   `json:"intent_id,omitempty"`
	Status           models.PaymentStatus         `json:"status,omitempty"`
	CorrelationToken string                       `json:"correlation_token,omitempty"`
	Amount           decimal.Decimal              `json:"amount"`
	Currency         string                       `json:"currency"`
	Transaction      *providers.TransactionHandle `json:"transaction,omitempty"`
}

// Result is the end-user view of a callback.
type Result string

const (
	ResultSuccess Result = "success"
	ResultPending Result = "pending"
	ResultFailure Result = "failure"
)

// Outcome of handling a callback or reconciling an intent.
type Outcome struct {
	Result     Result               `json:"result"`
	IntentID   *uuid.UUID           `json:"intent_id,omitempty"`
	Status     models.PaymentStatus `json:"status,omitempty"`
	ResolvedBy resolution.Strategy  `json:"resolved_by,omitempty"`
	Changed    bool                 `json:"changed"`
	Event      activation.EventKind `json:"event,omitempty"`
	Conflict   bool                 `json:"conflict,omitempty"`

	asked bool // the provider was queried while producing this outcome
}

func outcomeFor(in *models.PaymentIntent) *Outcome {
	o := &Outcome{Result: ResultPending}
	if in == nil {
		return o
	}
	id := in.ID
	o.IntentID = &id
	o.Status = in.Status
	switch in.Status {
	case models.PaymentStatusCompleted:
		o.Result = ResultSuccess
	case models.PaymentStatusFailed, models.PaymentStatusCancelled:
		o.Result = ResultFailure
	}
	return o
}

// Initiate validates the request against the course and asks the provider
// for something payable.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	adapter, err := s.adapters.Build(req.Provider)
	if err != nil {
		return nil, err
	}
	if !req.Method.Valid() || !adapter.Supports(req.Method) {
		return nil, fmt.Errorf("%w: %s via %s", models.ErrInvalidMethod, req.Method, req.Provider)
	}

	course, err := s.courses.Get(ctx, req.CourseID)
	if err != nil {
		return nil, err
	}
	if !course.IsPublished {
		return nil, models.ErrCourseNotFound
	}
	if req.Amount != nil && !req.Amount.Equal(course.Price) {
		return nil, fmt.Errorf("%w: requested %s, course costs %s", models.ErrAmountMismatch, req.Amount, course.Price)
	}
	if req.Currency != "" && !strings.EqualFold(req.Currency, course.Currency) {
		return nil, fmt.Errorf("%w: requested %s, course priced in %s", models.ErrAmountMismatch, req.Currency, course.Currency)
	}
	if cl, ok := adapter.(providers.CurrencyLimiter); ok && !cl.SupportsCurrency(course.Currency) {
		return nil, fmt.Errorf("%s: %w: cannot charge in %s", req.Provider, models.ErrProviderRejected, course.Currency)
	}

	e, err := s.store.Enrollment(ctx, req.UserID, req.CourseID)
	if err != nil {
		return nil, fmt.Errorf("load enrollment: %w", err)
	}
	if e != nil && e.IsActive {
		return nil, models.ErrAlreadyEnrolled
	}

	prep := providers.PrepareRequest{
		Amount:      course.Price,
		Currency:    strings.ToUpper(course.Currency),
		Description: course.Title,
		Method:      req.Method,
		Customer:    req.Customer,
		Metadata: map[string]string{
			providers.MetaUserID:   req.UserID.String(),
			providers.MetaCourseID: req.CourseID.String(),
		},
		ReturnURL: s.returnURL(req.Provider),
	}

	if adapter.Strategy() == providers.StrategyDeferred {
		return s.initiateDeferred(ctx, adapter, prep)
	}
	return s.initiateEager(ctx, adapter, req, prep)
}

func (s *Service) returnURL(provider string) string {
	if s.opts.PublicURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/payments/%s/return", s.opts.PublicURL, provider)
}

func (s *Service) initiateDeferred(ctx context.Context, adapter providers.Adapter, prep providers.PrepareRequest) (*InitiateResult, error) {
	token := uuid.NewString()
	prep.Reference = token
	prep.Metadata[providers.MetaCorrelationToken] = token

	pctx, cancel := context.WithTimeout(ctx, s.opts.ProviderTimeout)
	defer cancel()
	handle, err := adapter.Prepare(pctx, prep)
	if err != nil {
		s.logger.Warn("deferred prepare failed",
			zap.String("provider", adapter.Name()),
			zap.String("correlation_token", token),
			zap.Error(err),
		)
		return nil, err
	}
	return &InitiateResult{
		Strategy:         providers.StrategyDeferred,
		CorrelationToken: token,
		Amount:           prep.Amount,
		Currency:         prep.Currency,
		Transaction:      handle,
	}, nil
}

func (s *Service) initiateEager(ctx context.Context, adapter providers.Adapter, req InitiateRequest, prep providers.PrepareRequest) (*InitiateResult, error) {
	intent := &models.PaymentIntent{
		ID:       uuid.New(),
		UserID:   req.UserID,
		CourseID: req.CourseID,
		Amount:   prep.Amount,
		Currency: prep.Currency,
		Method:   req.Method,
		Provider: adapter.Name(),
		Status:   models.PaymentStatusPending,
	}
	if err := s.ledger.Open(ctx, intent); err != nil {
		return nil, err
	}
	prep.Reference = intent.ID.String()
	prep.Metadata[providers.MetaIntentID] = intent.ID.String()

	pctx, cancel := context.WithTimeout(ctx, s.opts.ProviderTimeout)
	handle, err := adapter.Prepare(pctx, prep)
	cancel()

	// The intent must not stay PENDING even if the caller went away.
	wctx := context.WithoutCancel(ctx)
	if err != nil {
		s.failPrepared(wctx, intent.ID, err)
		return nil, err
	}

	var (
		current *models.PaymentIntent
		ev      *activation.Event
	)
	err = s.store.Atomic(wctx, func(tx store.Tx) error {
		in, err := tx.IntentForUpdate(wctx, intent.ID)
		if err != nil {
			return err
		}
		if in.Status != models.PaymentStatusPending {
			// A callback beat us to it.
			current = in
			return nil
		}
		res, err := s.ledger.Transition(wctx, tx, in, models.PaymentStatusProcessing, ledger.Evidence{
			Source:    string(models.PayloadStagePrepare),
			Reference: handle.Reference,
			Payload:   []models.PayloadEntry{{Stage: models.PayloadStagePrepare, Data: handle.Raw}},
		})
		if err != nil {
			return err
		}
		current = res.Intent

		target, terminal := handle.Signal.Status()
		if !terminal {
			return nil
		}
		res, err = s.ledger.Transition(wctx, tx, current, target, ledger.Evidence{
			Source: string(models.PayloadStagePrepare),
			Reason: "declined by provider",
			Payload: []models.PayloadEntry{{
				Stage:  models.PayloadStageCallback,
				Source: string(models.PayloadStagePrepare),
				Data:   json.RawMessage(fmt.Sprintf(`{"signal":%q}`, handle.Signal)),
			}},
		})
		if err != nil {
			return err
		}
		current = res.Intent
		ev, err = s.eventFor(wctx, tx, res)
		return err
	})
	if err != nil {
		if errors.Is(err, models.ErrDuplicateReference) {
			s.failPrepared(wctx, intent.ID, err)
		}
		return nil, fmt.Errorf("record prepared intent %s: %w", intent.ID, err)
	}
	s.dispatcher.Emit(wctx, ev)

	id := current.ID
	return &InitiateResult{
		Strategy:    providers.StrategyEager,
		IntentID:    &id,
		Status:      current.Status,
		Amount:      current.Amount,
		Currency:    current.Currency,
		Transaction: handle,
	}, nil
}

// failPrepared moves a PENDING intent to FAILED after its prepare call failed
// and fires the failed notification.
func (s *Service) failPrepared(ctx context.Context, id uuid.UUID, cause error) {
	reason := cause.Error()
	if errors.Is(cause, models.ErrProviderTimeout) {
		reason = "provider timeout: " + reason
	}
	data, _ := json.Marshal(map[string]string{"error": cause.Error()})

	var ev *activation.Event
	err := s.store.Atomic(ctx, func(tx store.Tx) error {
		in, err := tx.IntentForUpdate(ctx, id)
		if err != nil {
			return err
		}
		res, err := s.ledger.Transition(ctx, tx, in, models.PaymentStatusFailed, ledger.Evidence{
			Source:  string(models.PayloadStagePrepare),
			Reason:  reason,
			Payload: []models.PayloadEntry{{Stage: models.PayloadStageError, Source: string(models.PayloadStagePrepare), Data: data}},
		})
		if err != nil {
			return err
		}
		ev, err = s.eventFor(ctx, tx, res)
		return err
	})
	if err != nil {
		s.logger.Error("failed to mark intent FAILED after prepare error",
			zap.String("intent_id", id.String()),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		return
	}
	s.dispatcher.Emit(ctx, ev)
}

// eventFor runs activation for a changed transition and returns the event to emit.
func (s *Service) eventFor(ctx context.Context, tx store.Tx, res ledger.Result) (*activation.Event, error) {
	if !res.Changed {
		return nil, nil
	}
	switch res.Intent.Status {
	case models.PaymentStatusCompleted:
		return s.dispatcher.Activate(ctx, tx, res.Intent)
	case models.PaymentStatusFailed, models.PaymentStatusCancelled:
		return s.dispatcher.Settle(res.Intent), nil
	}
	return nil, nil
}

// HandleCallback applies a webhook, redirect or finalize callback. It is safe
// to call any number of times with the same payload. userID is the
// authenticated user, if any.
//
// An unresolvable callback yields a pending outcome and a nil error. A
// callback that contradicts an already terminal intent yields the intent's
// current outcome together with an error wrapping models.ErrInvalidTransition.
func (s *Service) HandleCallback(ctx context.Context, provider string, cb providers.Callback, userID *uuid.UUID) (*Outcome, error) {
	adapter, err := s.adapters.Build(provider)
	if err != nil {
		return nil, err
	}
	s.archive(ctx, provider, cb)

	ev, err := adapter.ParseCallback(cb)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadCallback, err)
	}

	var conf *confirmation
	if ref := ev.Reference; ref != "" {
		conf = s.confirm(ctx, adapter, ref)
	}

	var out *Outcome
	if adapter.Strategy() == providers.StrategyDeferred {
		out, err = s.applyDeferred(ctx, adapter, ev, conf, userID)
	} else {
		out, err = s.applyEager(ctx, adapter, ev, conf, userID)
	}
	if err != nil {
		return out, err
	}

	// The callback named an intent but not its outcome: ask the provider.
	if out.Result == ResultPending && out.IntentID != nil && !out.asked {
		if rec, rerr := s.reconcileOne(ctx, *out.IntentID); rerr == nil {
			rec.ResolvedBy = out.ResolvedBy
			return rec, nil
		}
	}
	return out, nil
}

func (s *Service) query(ctx context.Context, adapter providers.Adapter, reference string) (*providers.StatusResult, error) {
	qctx, cancel := context.WithTimeout(ctx, s.opts.ProviderTimeout)
	defer cancel()
	res, err := adapter.QueryStatus(qctx, reference)
	if err != nil {
		if !errors.Is(err, models.ErrUnsupported) {
			s.logger.Warn("provider status query failed",
				zap.String("provider", adapter.Name()),
				zap.String("provider_reference", reference),
				zap.Error(err),
			)
		}
		return nil, err
	}
	return res, nil
}

// confirmation is the provider's answer to a status query made while
// handling a callback. A nil *confirmation means no query was made.
type confirmation struct {
	result *providers.StatusResult
	err    error
}

func (s *Service) confirm(ctx context.Context, adapter providers.Adapter, reference string) *confirmation {
	res, err := s.query(ctx, adapter, reference)
	return &confirmation{result: res, err: err}
}

// failed reports whether the provider answered the query with an error other
// than not supporting status queries at all.
func (c *confirmation) failed() bool {
	return c != nil && c.err != nil && !errors.Is(c.err, models.ErrUnsupported)
}

// verdict merges callback and query signals and collects the payload entries.
type verdict struct {
	signal   providers.Signal
	conflict bool
	amount   *decimal.Decimal
	currency string
	payload  []models.PayloadEntry
}

func (s *Service) judge(ev *providers.Evidence, conf *confirmation) verdict {
	now := s.now().UTC()
	v := verdict{signal: ev.Signal, amount: ev.Amount, currency: ev.Currency}
	v.payload = append(v.payload, models.PayloadEntry{
		Stage: models.PayloadStageCallback, Source: string(ev.Source), RecordedAt: now, Data: ev.Raw,
	})
	if conf.failed() {
		data, _ := json.Marshal(map[string]string{"query_error": conf.err.Error()})
		v.payload = append(v.payload, models.PayloadEntry{
			Stage: models.PayloadStageError, Source: string(ev.Source), RecordedAt: now, Data: data,
		})
		// Redirects and finalize calls come from the browser. Their outcome
		// only counts once the provider has confirmed the transaction.
		if ev.Source != providers.SourceWebhook && v.signal.IsTerminal() {
			s.logger.Warn("client-reported outcome not confirmed by provider",
				zap.String("source", string(ev.Source)),
				zap.String("callback_signal", string(ev.Signal)),
				zap.String("provider_reference", ev.Reference),
				zap.Error(conf.err),
			)
			v.signal = providers.SignalPending
		}
		return v
	}
	if conf == nil || conf.result == nil {
		return v
	}
	query := conf.result
	v.payload = append(v.payload, models.PayloadEntry{
		Stage: models.PayloadStageQuery, Source: string(ev.Source), RecordedAt: now, Data: query.Raw,
	})
	v.signal, v.conflict = ledger.Merge(ev.Signal, query.Signal)
	if v.conflict {
		v.payload = append(v.payload, ledger.ConflictEntry(string(ev.Source), ev.Signal, query.Signal, now))
		s.logger.Warn("callback and status query disagree",
			zap.String("source", string(ev.Source)),
			zap.String("callback_signal", string(ev.Signal)),
			zap.String("query_signal", string(query.Signal)),
			zap.String("resolved", string(v.signal)),
		)
	}
	if query.Amount != nil {
		v.amount, v.currency = query.Amount, query.Currency
	}
	return v
}

// amountOK reports whether a confirmed amount agrees with what was expected.
// A confirmation without an amount is accepted.
func amountOK(expected decimal.Decimal, expectedCurrency string, got *decimal.Decimal, gotCurrency string) bool {
	if got == nil {
		return true
	}
	if gotCurrency != "" && !strings.EqualFold(gotCurrency, expectedCurrency) {
		return false
	}
	return got.Equal(expected)
}

var (
	errUnresolved  = errors.New("unresolved")
	errUnconfirmed = errors.New("outcome not confirmed by provider")
)

func (s *Service) applyEager(ctx context.Context, adapter providers.Adapter, ev *providers.Evidence, conf *confirmation, userID *uuid.UUID) (*Outcome, error) {
	v := s.judge(ev, conf)
	clue := resolution.Clue{
		Provider:   adapter.Name(),
		Reference:  ev.Reference,
		Candidates: append(ev.Identifiers(), ev.Metadata[providers.MetaIntentID]),
		UserID:     userID,
		Rules:      resolution.RulesFor(adapter.ReferencePaths()),
	}

	var (
		out   *Outcome
		event *activation.Event
		// set when the callback resolved without naming a transaction
		unconfirmed *models.PaymentIntent
		resolvedBy  resolution.Strategy
	)
	err := s.store.Atomic(ctx, func(tx store.Tx) error {
		if err := tx.Lock(ctx, store.ResolveLockKey(adapter.Name())); err != nil {
			return err
		}
		match, err := s.resolver.Resolve(ctx, tx, clue)
		if errors.Is(err, models.ErrIntentNotFound) {
			return errUnresolved
		}
		if err != nil {
			return err
		}
		in := match.Intent
		out = outcomeFor(in)
		out.ResolvedBy = match.Strategy

		target, terminal := v.signal.Status()
		if !terminal {
			target = in.Status
		}
		if terminal && conf == nil && in.Reference() != "" && !in.Status.IsTerminal() {
			unconfirmed, resolvedBy = in, match.Strategy
			return errUnconfirmed
		}
		evidence := ledger.Evidence{
			Source:   string(ev.Source),
			Payload:  v.payload,
			Conflict: v.conflict,
		}
		if in.ProviderReference == nil && ev.Reference != "" && ev.Reference != in.ID.String() {
			evidence.Reference = ev.Reference
		}
		switch {
		case target == models.PaymentStatusCompleted && !amountOK(in.Amount, in.Currency, v.amount, v.currency):
			target = models.PaymentStatusFailed
			evidence.Reason = fmt.Sprintf("%s: paid %s %s, expected %s %s",
				models.ErrAmountMismatch, v.amount, v.currency, in.Amount, in.Currency)
		case target == models.PaymentStatusFailed:
			evidence.Reason = "payment failed at provider"
		case target == models.PaymentStatusCancelled:
			evidence.Reason = "payment cancelled at provider"
		}
		if target == in.Status && in.Status.IsTerminal() {
			return nil
		}

		res, err := s.ledger.Transition(ctx, tx, in, target, evidence)
		if err != nil {
			return err
		}
		event, err = s.eventFor(ctx, tx, res)
		if err != nil {
			return err
		}
		out = outcomeFor(res.Intent)
		out.ResolvedBy = match.Strategy
		out.Changed = res.Changed
		out.Conflict = res.Conflict
		if event != nil {
			out.Event = event.Kind
		}
		return nil
	})

	switch {
	case errors.Is(err, errUnresolved):
		return &Outcome{Result: ResultPending, asked: conf != nil}, nil
	case errors.Is(err, errUnconfirmed):
		// Ask the provider about the resolved intent's transaction, then
		// apply the callback again as if it had named that transaction.
		ref := unconfirmed.Reference()
		named := *ev
		named.Reference = ref
		out, err := s.applyEager(ctx, adapter, &named, s.confirm(ctx, adapter, ref), userID)
		if out != nil {
			out.ResolvedBy = resolvedBy
		}
		return out, err
	case errors.Is(err, models.ErrInvalidTransition):
		s.logger.Warn("callback rejected by state machine",
			zap.String("provider", adapter.Name()),
			zap.String("signal", string(v.signal)),
			zap.Error(err),
		)
		if out != nil && out.IntentID != nil {
			if cur, gerr := s.store.IntentByID(ctx, *out.IntentID); gerr == nil {
				resolvedBy := out.ResolvedBy
				out = outcomeFor(cur)
				out.ResolvedBy = resolvedBy
			}
		}
		return out, err
	case err != nil:
		return nil, err
	}
	out.asked = conf != nil
	s.dispatcher.Emit(ctx, event)
	return out, nil
}

func (s *Service) applyDeferred(ctx context.Context, adapter providers.Adapter, ev *providers.Evidence, conf *confirmation, userID *uuid.UUID) (*Outcome, error) {
	v := s.judge(ev, conf)

	reference := ev.Reference
	meta := ev.Metadata
	if conf != nil && conf.result != nil {
		if conf.result.Reference != "" {
			reference = conf.result.Reference
		}
		if len(conf.result.Metadata) > 0 {
			meta = conf.result.Metadata
		}
	}
	if reference == "" {
		s.logger.Warn("deferred callback without a transaction reference", zap.String("provider", adapter.Name()))
		return &Outcome{Result: ResultPending}, nil
	}

	owner, course, err := s.deferredOwner(ctx, meta, userID)
	if err != nil {
		return nil, err
	}

	var (
		out   *Outcome
		event *activation.Event
	)
	err = s.store.Atomic(ctx, func(tx store.Tx) error {
		if err := tx.Lock(ctx, store.ReferenceLockKey(adapter.Name(), reference)); err != nil {
			return err
		}
		existing, err := tx.IntentByReferenceForUpdate(ctx, adapter.Name(), reference)
		if err != nil && !errors.Is(err, models.ErrIntentNotFound) {
			return err
		}

		target, terminal := v.signal.Status()
		if existing != nil {
			out = outcomeFor(existing)
			out.ResolvedBy = resolution.StrategyReference
			if !terminal || target == existing.Status {
				return nil
			}
			res, err := s.ledger.Transition(ctx, tx, existing, target, ledger.Evidence{
				Source: string(ev.Source), Payload: v.payload, Conflict: v.conflict,
			})
			if err != nil {
				return err
			}
			out = outcomeFor(res.Intent)
			out.ResolvedBy = resolution.StrategyReference
			out.Changed = res.Changed
			return nil
		}

		if !terminal {
			// Nothing is persisted for deferred payments until they are final.
			out = &Outcome{Result: ResultPending}
			return nil
		}
		if owner == uuid.Nil || course == nil {
			out = &Outcome{Result: ResultPending}
			return errUnresolved
		}

		intent := &models.PaymentIntent{
			ID:       uuid.New(),
			UserID:   owner,
			CourseID: course.ID,
			Amount:   course.Price,
			Currency: strings.ToUpper(course.Currency),
			Method:   models.PaymentMethodWidget,
			Provider: adapter.Name(),
			Status:   target,
		}
		evidence := ledger.Evidence{Source: string(ev.Source), Reference: reference, Payload: v.payload, Conflict: v.conflict}
		switch {
		case target == models.PaymentStatusCompleted && !amountOK(course.Price, course.Currency, v.amount, v.currency):
			intent.Status = models.PaymentStatusFailed
			evidence.Reason = fmt.Sprintf("%s: paid %s %s, course costs %s %s",
				models.ErrAmountMismatch, v.amount, v.currency, course.Price, course.Currency)
			if v.amount != nil {
				intent.Amount = *v.amount
			}
		case target == models.PaymentStatusFailed:
			evidence.Reason = "payment failed at provider"
		case target == models.PaymentStatusCancelled:
			evidence.Reason = "payment cancelled at provider"
		}
		if err := s.ledger.Record(ctx, tx, intent, evidence); err != nil {
			return err
		}
		event, err = s.eventFor(ctx, tx, ledger.Result{Intent: intent, Changed: true})
		if err != nil {
			return err
		}
		out = outcomeFor(intent)
		out.Changed = true
		if event != nil {
			out.Event = event.Kind
		}
		return nil
	})

	switch {
	case errors.Is(err, errUnresolved):
		s.logger.Warn("deferred callback without user or course",
			zap.String("provider", adapter.Name()),
			zap.String("provider_reference", reference),
		)
		return &Outcome{Result: ResultPending}, nil
	case errors.Is(err, models.ErrInvalidTransition):
		s.logger.Warn("callback rejected by state machine",
			zap.String("provider", adapter.Name()),
			zap.String("provider_reference", reference),
			zap.Error(err),
		)
		return out, err
	case err != nil:
		return nil, err
	}
	s.dispatcher.Emit(ctx, event)
	return out, nil
}

// deferredOwner reads user and course from provider metadata. The
// authenticated user, when known, must be the one who paid.
func (s *Service) deferredOwner(ctx context.Context, meta map[string]string, userID *uuid.UUID) (uuid.UUID, *models.Course, error) {
	owner := uuid.Nil
	if v, err := uuid.Parse(meta[providers.MetaUserID]); err == nil {
		owner = v
	}
	if userID != nil {
		if owner != uuid.Nil && owner != *userID {
			return uuid.Nil, nil, fmt.Errorf("%w: callback belongs to another user", models.ErrInvalidSignature)
		}
		owner = *userID
	}
	courseID, err := uuid.Parse(meta[providers.MetaCourseID])
	if err != nil {
		return owner, nil, nil
	}
	course, err := s.courses.Get(ctx, courseID)
	if err != nil {
		s.logger.Warn("deferred callback for unknown course", zap.String("course_id", courseID.String()), zap.Error(err))
		return owner, nil, nil
	}
	return owner, course, nil
}

// ReconcileRecent queries the provider for every non-terminal intent in the
// reconciliation window and applies terminal answers.
func (s *Service) ReconcileRecent(ctx context.Context, userID *uuid.UUID) ([]Outcome, error) {
	since := s.now().Add(-s.opts.ReconcileWindow)
	list, err := s.store.ListNonTerminal(ctx, since, userID)
	if err != nil {
		return nil, fmt.Errorf("list non-terminal intents: %w", err)
	}
	outcomes := make([]Outcome, 0, len(list))
	for _, in := range list {
		out, err := s.reconcileOne(ctx, in.ID)
		if err != nil {
			s.logger.Warn("reconcile failed", zap.String("intent_id", in.ID.String()), zap.Error(err))
			out = outcomeFor(in)
		}
		outcomes = append(outcomes, *out)
	}
	s.logger.Info("reconcile sweep finished", zap.Int("intents", len(list)))
	return outcomes, nil
}

// reconcileOne queries the provider about one intent and applies a terminal answer.
func (s *Service) reconcileOne(ctx context.Context, id uuid.UUID) (*Outcome, error) {
	in, err := s.store.IntentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.Status.IsTerminal() || in.Reference() == "" {
		return outcomeFor(in), nil
	}
	adapter, err := s.adapters.Build(in.Provider)
	if err != nil {
		return nil, err
	}
	q, err := s.query(ctx, adapter, in.Reference())
	if err != nil {
		return outcomeFor(in), nil
	}
	if _, terminal := q.Signal.Status(); !terminal {
		return outcomeFor(in), nil
	}
	return s.applyQuery(ctx, id, q, "reconcile")
}

// applyQuery moves an intent to the terminal status a provider query reported.
func (s *Service) applyQuery(ctx context.Context, id uuid.UUID, q *providers.StatusResult, source string) (*Outcome, error) {
	target, _ := q.Signal.Status()
	var (
		out   *Outcome
		event *activation.Event
	)
	err := s.store.Atomic(ctx, func(tx store.Tx) error {
		in, err := tx.IntentForUpdate(ctx, id)
		if err != nil {
			return err
		}
		out = outcomeFor(in)
		if in.Status == target || in.Status.IsTerminal() {
			return nil
		}
		evidence := ledger.Evidence{
			Source:  source,
			Payload: []models.PayloadEntry{{Stage: models.PayloadStageQuery, Source: source, Data: q.Raw}},
		}
		switch {
		case target == models.PaymentStatusCompleted && !amountOK(in.Amount, in.Currency, q.Amount, q.Currency):
			target = models.PaymentStatusFailed
			evidence.Reason = fmt.Sprintf("%s: paid %s %s, expected %s %s",
				models.ErrAmountMismatch, q.Amount, q.Currency, in.Amount, in.Currency)
		case target == models.PaymentStatusFailed:
			evidence.Reason = "payment failed at provider"
		case target == models.PaymentStatusCancelled:
			evidence.Reason = "payment cancelled at provider"
		}
		res, err := s.ledger.Transition(ctx, tx, in, target, evidence)
		if err != nil {
			return err
		}
		event, err = s.eventFor(ctx, tx, res)
		if err != nil {
			return err
		}
		out = outcomeFor(res.Intent)
		out.Changed = res.Changed
		if event != nil {
			out.Event = event.Kind
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.dispatcher.Emit(ctx, event)
	return out, nil
}

// GetStatus returns an intent owned by userID.
func (s *Service) GetStatus(ctx context.Context, id, userID uuid.UUID) (*models.PaymentIntent, error) {
	in, err := s.store.IntentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.UserID != userID {
		return nil, models.ErrIntentNotFound
	}
	return in, nil
}

// ExpireStale closes intents that stayed non-terminal past ExpireAfter. The
// provider is asked first so a late success is honoured, then the provider
// transaction is cancelled and the intent marked CANCELLED.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	before := s.now().Add(-s.opts.ExpireAfter)
	list, err := s.store.ListStale(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("list stale intents: %w", err)
	}

	expired := 0
	for _, in := range list {
		adapter, err := s.adapters.Build(in.Provider)
		if err != nil {
			s.logger.Warn("expire: provider unavailable", zap.String("intent_id", in.ID.String()), zap.Error(err))
			adapter = nil
		}
		if adapter != nil && in.Reference() != "" {
			if q, err := s.query(ctx, adapter, in.Reference()); err == nil {
				if _, terminal := q.Signal.Status(); terminal {
					if _, err := s.applyQuery(ctx, in.ID, q, "expiry"); err != nil {
						s.logger.Warn("expire: apply query failed", zap.String("intent_id", in.ID.String()), zap.Error(err))
					}
					continue
				}
			}
			cctx, cancel := context.WithTimeout(ctx, s.opts.ProviderTimeout)
			if err := adapter.Cancel(cctx, in.Reference()); errors.Is(err, models.ErrProviderRejected) {
				s.logger.Warn("expire: provider transaction left open",
					zap.String("intent_id", in.ID.String()),
					zap.String("provider_reference", in.Reference()),
					zap.Error(err),
				)
			} else if err != nil {
				s.logger.Warn("expire: provider cancel failed", zap.String("intent_id", in.ID.String()), zap.Error(err))
			}
			cancel()
		}

		changed, err := s.cancelExpired(ctx, in.ID)
		if err != nil {
			s.logger.Warn("expire failed", zap.String("intent_id", in.ID.String()), zap.Error(err))
			continue
		}
		if changed {
			expired++
		}
	}
	s.logger.Info("expiry sweep finished", zap.Int("stale", len(list)), zap.Int("expired", expired))
	return expired, nil
}

func (s *Service) cancelExpired(ctx context.Context, id uuid.UUID) (bool, error) {
	var (
		changed bool
		event   *activation.Event
	)
	data, _ := json.Marshal(map[string]string{"reason": "expired"})
	err := s.store.Atomic(ctx, func(tx store.Tx) error {
		in, err := tx.IntentForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if in.Status.IsTerminal() {
			return nil
		}
		res, err := s.ledger.Transition(ctx, tx, in, models.PaymentStatusCancelled, ledger.Evidence{
			Source:  "expiry",
			Reason:  "expired",
			Payload: []models.PayloadEntry{{Stage: models.PayloadStageCancel, Source: "expiry", Data: data}},
		})
		if err != nil {
			return err
		}
		changed = res.Changed
		event, err = s.eventFor(ctx, tx, res)
		return err
	})
	if err != nil {
		return false, err
	}
	s.dispatcher.Emit(ctx, event)
	return changed, nil
}

// archive hands the raw callback to the archiver. Failures are logged only.
func (s *Service) archive(ctx context.Context, provider string, cb providers.Callback) {
	if s.archiver == nil {
		return
	}
	headers := http.Header{}
	for k, v := range cb.Headers {
		switch http.CanonicalHeaderKey(k) {
		case "Authorization", "Cookie":
			continue
		}
		headers[k] = v
	}
	h, _ := json.Marshal(headers)
	p := queue.ArchivePayload{
		Provider:   provider,
		Source:     string(cb.Source),
		ReceivedAt: s.now().UTC(),
		Headers:    h,
		Query:      cb.Query.Encode(),
		Body:       cb.Body,
	}
	if err := s.archiver.Archive(ctx, p); err != nil {
		s.logger.Warn("callback archive failed", zap.String("provider", provider), zap.Error(err))
	}
}
