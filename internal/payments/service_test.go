package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/aura-learn/backend/internal/activation"
	"github.com/aura-learn/backend/internal/courses"
	"github.com/aura-learn/backend/internal/ledger"
	"github.com/aura-learn/backend/internal/models"
	"github.com/aura-learn/backend/internal/providers"
	"github.com/aura-learn/backend/internal/resolution"
	"github.com/aura-learn/backend/internal/store"
	"github.com/aura-learn/backend/pkg/queue"
)

const (
	eagerName    = "cardpay"
	deferredName = "widgetpay"
)

type fakeAdapter struct {
	name     string
	strategy providers.Strategy

	PrepareFunc func(ctx context.Context, req providers.PrepareRequest) (*providers.TransactionHandle, error)
	QueryFunc   func(ctx context.Context, reference string) (*providers.StatusResult, error)
	CancelFunc  func(ctx context.Context, reference string) error
	ParseFunc   func(cb providers.Callback) (*providers.Evidence, error)
}

func (f *fakeAdapter) Name() string                         { return f.name }
func (f *fakeAdapter) Strategy() providers.Strategy         { return f.strategy }
func (f *fakeAdapter) Environment() providers.Environment   { return providers.EnvironmentSandbox }
func (f *fakeAdapter) Supports(m models.PaymentMethod) bool { return m != models.PaymentMethodWalletRedirect }
func (f *fakeAdapter) ReferencePaths() [][]string           { return [][]string{{"charge", "id"}} }

func (f *fakeAdapter) Prepare(ctx context.Context, req providers.PrepareRequest) (*providers.TransactionHandle, error) {
	if f.PrepareFunc != nil {
		return f.PrepareFunc(ctx, req)
	}
	return &providers.TransactionHandle{Provider: f.name, Reference: "chg_" + req.Reference[:8], Raw: json.RawMessage(`{}`)}, nil
}

func (f *fakeAdapter) QueryStatus(ctx context.Context, reference string) (*providers.StatusResult, error) {
	if f.QueryFunc != nil {
		return f.QueryFunc(ctx, reference)
	}
	return nil, models.ErrUnsupported
}

func (f *fakeAdapter) Cancel(ctx context.Context, reference string) error {
	if f.CancelFunc != nil {
		return f.CancelFunc(ctx, reference)
	}
	return nil
}

// ParseCallback defaults to reading ref, payment, amount, user_id and course_id
// from the query string.
func (f *fakeAdapter) ParseCallback(cb providers.Callback) (*providers.Evidence, error) {
	if f.ParseFunc != nil {
		return f.ParseFunc(cb)
	}
	ev := &providers.Evidence{
		Source:    cb.Source,
		Reference: cb.Query.Get("ref"),
		Signal:    providers.ParseSignal(cb.Query.Get("payment")),
		Metadata: map[string]string{
			providers.MetaUserID:   cb.Query.Get("user_id"),
			providers.MetaCourseID: cb.Query.Get("course_id"),
		},
		Raw: json.RawMessage(`{"q":"` + cb.Query.Encode() + `"}`),
	}
	if a := cb.Query.Get("amount"); a != "" {
		d := decimal.RequireFromString(a)
		ev.Amount = &d
		ev.Currency = "USD"
	}
	return ev, nil
}

type fakeSource map[string]providers.Adapter

func (s fakeSource) Build(name string) (providers.Adapter, error) {
	if a, ok := s[name]; ok {
		return a, nil
	}
	return nil, fmt.Errorf("%w: %s", models.ErrUnknownProvider, name)
}

type recorder struct {
	mu            sync.Mutex
	notifications []models.Notification
	activities    []models.Activity
	archives      []queue.ArchivePayload
}

func (r *recorder) Notify(_ context.Context, n models.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications = append(r.notifications, n)
	return nil
}

func (r *recorder) RecordActivity(_ context.Context, a models.Activity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activities = append(r.activities, a)
	return nil
}

func (r *recorder) Archive(_ context.Context, p queue.ArchivePayload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.archives = append(r.archives, p)
	return nil
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	svc      *Service
	store    *store.Memory
	rec      *recorder
	clock    *clock
	eager    *fakeAdapter
	deferred *fakeAdapter
	course   models.Course
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    store.NewMemory(),
		rec:      &recorder{},
		clock:    &clock{t: time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)},
		eager:    &fakeAdapter{name: eagerName, strategy: providers.StrategyEager},
		deferred: &fakeAdapter{name: deferredName, strategy: providers.StrategyDeferred},
		course: models.Course{
			ID:          uuid.New(),
			Title:       "Distributed Systems",
			Price:       decimal.NewFromInt(50),
			Currency:    "USD",
			IsPublished: true,
		},
	}
	catalogue := courses.NewMemory(h.course)
	l := ledger.New(h.store, nil).WithClock(h.clock.Now)
	r := resolution.New(time.Hour, nil).WithClock(h.clock.Now)
	d := activation.NewDispatcher(h.rec, h.rec, catalogue, 50, nil).WithClock(h.clock.Now)
	h.svc = NewService(
		fakeSource{eagerName: h.eager, deferredName: h.deferred},
		h.store, l, r, d, catalogue, h.rec,
		Options{
			ProviderTimeout: 50 * time.Millisecond,
			ReconcileWindow: time.Hour,
			ExpireAfter:     time.Hour,
			PublicURL:       "https://api.example.com",
		},
		nil,
	).WithClock(h.clock.Now)
	return h
}

func (h *harness) initiate(t *testing.T, user uuid.UUID) *InitiateResult {
	t.Helper()
	res, err := h.svc.Initiate(context.Background(), InitiateRequest{
		UserID:   user,
		CourseID: h.course.ID,
		Method:   models.PaymentMethodCard,
		Provider: eagerName,
	})
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	return res
}

func callback(source providers.CallbackSource, kv ...string) providers.Callback {
	q := url.Values{}
	for i := 0; i+1 < len(kv); i += 2 {
		q.Set(kv[i], kv[i+1])
	}
	return providers.Callback{Source: source, Query: q}
}

func (h *harness) intent(t *testing.T, id uuid.UUID) *models.PaymentIntent {
	t.Helper()
	in, err := h.store.IntentByID(context.Background(), id)
	if err != nil {
		t.Fatalf("IntentByID failed: %v", err)
	}
	return in
}

func TestInitiateEagerMovesToProcessing(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	var got providers.PrepareRequest
	h.eager.PrepareFunc = func(_ context.Context, req providers.PrepareRequest) (*providers.TransactionHandle, error) {
		got = req
		return &providers.TransactionHandle{Provider: eagerName, Reference: "chg_1", RedirectURL: "https://pay.example.com/chg_1"}, nil
	}
	user := uuid.New()

	res := h.initiate(t, user)
	if res.Strategy != providers.StrategyEager || res.IntentID == nil || res.Status != models.PaymentStatusProcessing {
		t.Fatalf("unexpected result %+v", res)
	}
	if got.Reference != res.IntentID.String() || got.Metadata[providers.MetaIntentID] != res.IntentID.String() {
		t.Errorf("Expected the intent id as merchant reference, got %+v", got)
	}
	if !got.Amount.Equal(h.course.Price) || got.Currency != "USD" {
		t.Errorf("Expected the course price, got %s %s", got.Amount, got.Currency)
	}
	if !strings.HasPrefix(got.ReturnURL, "https://api.example.com/payments/cardpay/return") {
		t.Errorf("unexpected return url %q", got.ReturnURL)
	}
	in := h.intent(t, *res.IntentID)
	if in.Reference() != "chg_1" || len(in.ProviderPayload) != 1 || in.ProviderPayload[0].Stage != models.PayloadStagePrepare {
		t.Errorf("unexpected stored intent %+v", in)
	}
}

func TestInitiateValidation(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	user := uuid.New()
	wrong := decimal.NewFromInt(10)

	tests := []struct {
		name string
		req  InitiateRequest
		want error
	}{
		{"unknown provider", InitiateRequest{UserID: user, CourseID: h.course.ID, Method: models.PaymentMethodCard, Provider: "nope"}, models.ErrUnknownProvider},
		{"unsupported method", InitiateRequest{UserID: user, CourseID: h.course.ID, Method: models.PaymentMethodWalletRedirect, Provider: eagerName}, models.ErrInvalidMethod},
		{"invalid method", InitiateRequest{UserID: user, CourseID: h.course.ID, Method: "cash", Provider: eagerName}, models.ErrInvalidMethod},
		{"unknown course", InitiateRequest{UserID: user, CourseID: uuid.New(), Method: models.PaymentMethodCard, Provider: eagerName}, models.ErrCourseNotFound},
		{"amount mismatch", InitiateRequest{UserID: user, CourseID: h.course.ID, Method: models.PaymentMethodCard, Provider: eagerName, Amount: &wrong}, models.ErrAmountMismatch},
		{"currency mismatch", InitiateRequest{UserID: user, CourseID: h.course.ID, Method: models.PaymentMethodCard, Provider: eagerName, Currency: "EUR"}, models.ErrAmountMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.svc.Initiate(context.Background(), tt.req); !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
	if n := len(h.store.Intents()); n != 0 {
		t.Errorf("Expected no intents after rejected requests, got %d", n)
	}
}

// rupiahOnly is an adapter that cannot charge the harness course's currency.
type rupiahOnly struct{ *fakeAdapter }

func (rupiahOnly) SupportsCurrency(currency string) bool { return currency == "IDR" }

func TestInitiateRejectsUnsupportedCurrency(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	prepared := false
	adapter := rupiahOnly{&fakeAdapter{name: eagerName, strategy: providers.StrategyEager,
		PrepareFunc: func(context.Context, providers.PrepareRequest) (*providers.TransactionHandle, error) {
			prepared = true
			return nil, errors.New("unexpected prepare")
		},
	}}
	h.svc.adapters = fakeSource{eagerName: adapter}

	_, err := h.svc.Initiate(context.Background(), InitiateRequest{
		UserID: uuid.New(), CourseID: h.course.ID, Method: models.PaymentMethodCard, Provider: eagerName,
	})
	if !errors.Is(err, models.ErrProviderRejected) {
		t.Fatalf("Expected ErrProviderRejected, got %v", err)
	}
	if prepared || len(h.store.Intents()) != 0 {
		t.Errorf("Expected no provider call and no intent")
	}
}

func TestInitiateRejectsActiveEnrollment(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	user := uuid.New()
	res := h.initiate(t, user)
	in := h.intent(t, *res.IntentID)
	if _, err := h.svc.HandleCallback(context.Background(), eagerName,
		callback(providers.SourceWebhook, "ref", in.Reference(), "payment", "success"), nil); err != nil {
		t.Fatalf("HandleCallback failed: %v", err)
	}

	_, err := h.svc.Initiate(context.Background(), InitiateRequest{
		UserID: user, CourseID: h.course.ID, Method: models.PaymentMethodCard, Provider: eagerName,
	})
	if !errors.Is(err, models.ErrAlreadyEnrolled) {
		t.Fatalf("Expected ErrAlreadyEnrolled, got %v", err)
	}
}

func TestInitiatePrepareTimeoutFailsIntent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.eager.PrepareFunc = func(ctx context.Context, _ providers.PrepareRequest) (*providers.TransactionHandle, error) {
		<-ctx.Done()
		return nil, fmt.Errorf("create charge: %w", models.ErrProviderTimeout)
	}

	_, err := h.svc.Initiate(context.Background(), InitiateRequest{
		UserID: uuid.New(), CourseID: h.course.ID, Method: models.PaymentMethodCard, Provider: eagerName,
	})
	if !errors.Is(err, models.ErrProviderTimeout) {
		t.Fatalf("Expected ErrProviderTimeout, got %v", err)
	}

	intents := h.store.Intents()
	if len(intents) != 1 {
		t.Fatalf("Expected one intent, got %d", len(intents))
	}
	in := intents[0]
	if in.Status != models.PaymentStatusFailed || in.ErrorMessage == nil || !strings.Contains(*in.ErrorMessage, "timeout") {
		t.Errorf("Expected FAILED with a timeout reason, got %s %v", in.Status, in.ErrorMessage)
	}
	if len(h.rec.notifications) != 1 || h.rec.notifications[0].Kind != models.NotificationPaymentFailed {
		t.Errorf("Expected one failed notification, got %+v", h.rec.notifications)
	}
}

func TestInitiateSynchronousSettlement(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.eager.PrepareFunc = func(context.Context, providers.PrepareRequest) (*providers.TransactionHandle, error) {
		return &providers.TransactionHandle{Provider: eagerName, Reference: "chg_sync", Signal: providers.SignalSuccess}, nil
	}
	user := uuid.New()

	res := h.initiate(t, user)
	if res.Status != models.PaymentStatusCompleted {
		t.Fatalf("Expected COMPLETED, got %s", res.Status)
	}
	if len(h.store.Enrollments(user)) != 1 || len(h.rec.activities) != 1 {
		t.Errorf("Expected activation for a synchronously settled charge")
	}
}

func TestInitiateDeferredPersistsNothing(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	var got providers.PrepareRequest
	h.deferred.PrepareFunc = func(_ context.Context, req providers.PrepareRequest) (*providers.TransactionHandle, error) {
		got = req
		return &providers.TransactionHandle{Provider: deferredName, Reference: req.Reference}, nil
	}

	res, err := h.svc.Initiate(context.Background(), InitiateRequest{
		UserID: uuid.New(), CourseID: h.course.ID, Method: models.PaymentMethodWidget, Provider: deferredName,
	})
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	if res.IntentID != nil || res.CorrelationToken == "" || got.Metadata[providers.MetaCorrelationToken] != res.CorrelationToken {
		t.Errorf("unexpected deferred result %+v", res)
	}
	if n := len(h.store.Intents()); n != 0 {
		t.Errorf("Expected nothing persisted, got %d intents", n)
	}
}

func TestDeferredDuplicateCallbacksActivateOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	user := uuid.New()
	cb := callback(providers.SourceWebhook,
		"ref", "flw-991", "payment", "successful", "amount", "50",
		"user_id", user.String(), "course_id", h.course.ID.String())

	for i := 0; i < 3; i++ {
		out, err := h.svc.HandleCallback(context.Background(), deferredName, cb, nil)
		if err != nil {
			t.Fatalf("callback %d failed: %v", i, err)
		}
		if out.Result != ResultSuccess {
			t.Fatalf("callback %d: expected success, got %+v", i, out)
		}
		if (i == 0) != out.Changed {
			t.Errorf("callback %d: unexpected Changed=%v", i, out.Changed)
		}
		if i == 0 && out.Event != activation.EventNewActivation {
			t.Errorf("Expected new activation event, got %q", out.Event)
		}
	}

	intents := h.store.Intents()
	if len(intents) != 1 || intents[0].Reference() != "flw-991" || intents[0].Status != models.PaymentStatusCompleted {
		t.Fatalf("Expected one COMPLETED intent, got %+v", intents)
	}
	if len(h.store.Enrollments(user)) != 1 {
		t.Errorf("Expected exactly one enrollment")
	}
	if len(h.rec.notifications) != 1 || len(h.rec.activities) != 1 {
		t.Errorf("Expected one notification and one activity, got %d and %d", len(h.rec.notifications), len(h.rec.activities))
	}
	if len(h.rec.archives) != 3 {
		t.Errorf("Expected every callback archived, got %d", len(h.rec.archives))
	}
}

func TestDeferredPendingPersistsNothing(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	cb := callback(providers.SourceFinalize, "ref", "flw-1", "payment", "pending",
		"user_id", uuid.NewString(), "course_id", h.course.ID.String())

	out, err := h.svc.HandleCallback(context.Background(), deferredName, cb, nil)
	if err != nil || out.Result != ResultPending {
		t.Fatalf("Expected pending, got %+v %v", out, err)
	}
	if len(h.store.Intents()) != 0 {
		t.Errorf("Expected nothing persisted")
	}
}

func TestDeferredUnconfirmedClientOutcomePersistsNothing(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.deferred.QueryFunc = func(context.Context, string) (*providers.StatusResult, error) {
		return nil, fmt.Errorf("verify: %w", models.ErrProviderRejected)
	}
	user := uuid.New()
	args := []string{"ref", "flw-404", "payment", "successful", "amount", "50",
		"user_id", user.String(), "course_id", h.course.ID.String()}

	for _, source := range []providers.CallbackSource{providers.SourceFinalize, providers.SourceRedirect} {
		out, err := h.svc.HandleCallback(context.Background(), deferredName, callback(source, args...), &user)
		if err != nil {
			t.Fatalf("%s: HandleCallback failed: %v", source, err)
		}
		if out.Result != ResultPending {
			t.Errorf("%s: Expected pending, got %+v", source, out)
		}
	}
	if len(h.store.Intents()) != 0 || len(h.store.Enrollments(user)) != 0 {
		t.Fatalf("Expected nothing persisted for an unconfirmed outcome")
	}

	// A signed webhook is the provider's own word.
	out, err := h.svc.HandleCallback(context.Background(), deferredName, callback(providers.SourceWebhook, args...), nil)
	if err != nil {
		t.Fatalf("HandleCallback failed: %v", err)
	}
	if out.Status != models.PaymentStatusCompleted || len(h.store.Enrollments(user)) != 1 {
		t.Errorf("Expected the webhook to complete the payment, got %+v", out)
	}
}

func TestDeferredRejectsOtherUser(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	cb := callback(providers.SourceFinalize, "ref", "flw-2", "payment", "successful",
		"user_id", uuid.NewString(), "course_id", h.course.ID.String())
	caller := uuid.New()

	if _, err := h.svc.HandleCallback(context.Background(), deferredName, cb, &caller); !errors.Is(err, models.ErrInvalidSignature) {
		t.Fatalf("Expected ErrInvalidSignature, got %v", err)
	}
}

func TestDeferredAmountMismatchRecordsFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	user := uuid.New()
	cb := callback(providers.SourceWebhook, "ref", "flw-3", "payment", "successful", "amount", "5",
		"user_id", user.String(), "course_id", h.course.ID.String())

	out, err := h.svc.HandleCallback(context.Background(), deferredName, cb, nil)
	if err != nil {
		t.Fatalf("HandleCallback failed: %v", err)
	}
	if out.Result != ResultFailure || out.Status != models.PaymentStatusFailed {
		t.Fatalf("Expected FAILED, got %+v", out)
	}
	if len(h.store.Enrollments(user)) != 0 {
		t.Errorf("Expected no enrollment on amount mismatch")
	}
}

func TestBareSuccessFlagResolvesUsersRecentIntent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	alice, bob := uuid.New(), uuid.New()
	mine := h.initiate(t, alice)
	h.clock.Advance(time.Minute)
	h.initiate(t, bob)

	out, err := h.svc.HandleCallback(context.Background(), eagerName,
		callback(providers.SourceRedirect, "payment", "success"), &alice)
	if err != nil {
		t.Fatalf("HandleCallback failed: %v", err)
	}
	if out.IntentID == nil || *out.IntentID != *mine.IntentID || out.ResolvedBy != resolution.StrategyRecentUser {
		t.Fatalf("Expected the caller's own intent, got %+v", out)
	}
	if out.Result != ResultSuccess || len(h.store.Enrollments(alice)) != 1 || len(h.store.Enrollments(bob)) != 0 {
		t.Errorf("Expected only alice enrolled, got %+v", out)
	}
}

func TestReturnRedirectAsksProviderBeforeCompleting(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	var returnURL string
	h.eager.PrepareFunc = func(_ context.Context, req providers.PrepareRequest) (*providers.TransactionHandle, error) {
		returnURL = req.ReturnURL
		return &providers.TransactionHandle{Provider: eagerName, Reference: "chg_ret", Raw: json.RawMessage(`{}`)}, nil
	}
	user := uuid.New()
	res := h.initiate(t, user)
	if strings.Contains(returnURL, "payment=") {
		t.Fatalf("Expected a return url without an outcome, got %q", returnURL)
	}

	var asked []string
	signal := providers.SignalPending
	h.eager.QueryFunc = func(_ context.Context, ref string) (*providers.StatusResult, error) {
		asked = append(asked, ref)
		amt := decimal.NewFromInt(50)
		return &providers.StatusResult{Signal: signal, Reference: ref, Amount: &amt, Currency: "USD"}, nil
	}
	u, err := url.Parse(returnURL)
	if err != nil {
		t.Fatal(err)
	}
	cb := providers.Callback{Source: providers.SourceRedirect, Query: u.Query()}

	out, err := h.svc.HandleCallback(context.Background(), eagerName, cb, nil)
	if err != nil {
		t.Fatalf("HandleCallback failed: %v", err)
	}
	if out.Result != ResultPending || h.intent(t, *res.IntentID).Status != models.PaymentStatusProcessing {
		t.Fatalf("Expected the intent to stay PROCESSING, got %+v", out)
	}
	if len(asked) != 1 || asked[0] != "chg_ret" {
		t.Fatalf("Expected one query for chg_ret, got %v", asked)
	}

	signal = providers.SignalSuccess
	out, err = h.svc.HandleCallback(context.Background(), eagerName, cb, nil)
	if err != nil {
		t.Fatalf("HandleCallback failed: %v", err)
	}
	if out.Status != models.PaymentStatusCompleted || len(asked) != 2 || len(h.store.Enrollments(user)) != 1 {
		t.Errorf("Expected COMPLETED after the provider confirmed, got %+v after %v", out, asked)
	}
}

func TestBareFlagIsCheckedAgainstResolvedTransaction(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	user := uuid.New()
	res := h.initiate(t, user)
	ref := h.intent(t, *res.IntentID).Reference()
	var asked []string
	h.eager.QueryFunc = func(_ context.Context, r string) (*providers.StatusResult, error) {
		asked = append(asked, r)
		return &providers.StatusResult{Signal: providers.SignalFailed, Reference: r, Raw: json.RawMessage(`{"status":"failed"}`)}, nil
	}

	out, err := h.svc.HandleCallback(context.Background(), eagerName,
		callback(providers.SourceRedirect, "payment", "success"), &user)
	if err != nil {
		t.Fatalf("HandleCallback failed: %v", err)
	}
	if len(asked) != 1 || asked[0] != ref {
		t.Fatalf("Expected the resolved transaction %s to be queried, got %v", ref, asked)
	}
	if out.ResolvedBy != resolution.StrategyRecentUser || !out.Conflict {
		t.Errorf("Expected a recorded conflict on the user's intent, got %+v", out)
	}
	var stages []string
	for _, e := range h.intent(t, *res.IntentID).ProviderPayload {
		stages = append(stages, e.Stage)
	}
	if want := "prepare,callback,query,conflict"; strings.Join(stages, ",") != want {
		t.Errorf("Expected payload stages %s, got %v", want, stages)
	}
}

func TestUnresolvedCallbackIsPending(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	out, err := h.svc.HandleCallback(context.Background(), eagerName,
		callback(providers.SourceRedirect, "payment", "success"), nil)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if out.Result != ResultPending || out.IntentID != nil {
		t.Errorf("Expected an unresolved pending outcome, got %+v", out)
	}
}

func TestConcurrentConflictingCallbacks(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	user := uuid.New()
	res := h.initiate(t, user)
	ref := h.intent(t, *res.IntentID).Reference()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, flag := range []string{"success", "failed"} {
		wg.Add(1)
		go func(i int, flag string) {
			defer wg.Done()
			_, errs[i] = h.svc.HandleCallback(context.Background(), eagerName,
				callback(providers.SourceWebhook, "ref", ref, "payment", flag), nil)
		}(i, flag)
	}
	wg.Wait()

	rejected := 0
	for _, err := range errs {
		switch {
		case err == nil:
		case errors.Is(err, models.ErrInvalidTransition):
			rejected++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if rejected != 1 {
		t.Fatalf("Expected exactly one rejected callback, got %d", rejected)
	}
	if !h.intent(t, *res.IntentID).Status.IsTerminal() {
		t.Errorf("Expected a terminal intent")
	}
	if len(h.rec.notifications) != 1 {
		t.Errorf("Expected exactly one notification, got %d", len(h.rec.notifications))
	}
}

func TestEagerAmountMismatchFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	user := uuid.New()
	res := h.initiate(t, user)
	ref := h.intent(t, *res.IntentID).Reference()

	out, err := h.svc.HandleCallback(context.Background(), eagerName,
		callback(providers.SourceWebhook, "ref", ref, "payment", "success", "amount", "49.99"), nil)
	if err != nil {
		t.Fatalf("HandleCallback failed: %v", err)
	}
	in := h.intent(t, *res.IntentID)
	if out.Result != ResultFailure || in.Status != models.PaymentStatusFailed {
		t.Fatalf("Expected FAILED, got %+v", out)
	}
	if in.ErrorMessage == nil || !strings.Contains(*in.ErrorMessage, models.ErrAmountMismatch.Error()) {
		t.Errorf("unexpected error message %v", in.ErrorMessage)
	}
	if len(h.store.Enrollments(user)) != 0 {
		t.Errorf("Expected no enrollment")
	}
}

func TestCallbackSuccessWinsOverQueryAndIsAudited(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	res := h.initiate(t, uuid.New())
	ref := h.intent(t, *res.IntentID).Reference()
	h.eager.QueryFunc = func(context.Context, string) (*providers.StatusResult, error) {
		return &providers.StatusResult{Signal: providers.SignalFailed, Reference: ref, Raw: json.RawMessage(`{"status":"failed"}`)}, nil
	}

	out, err := h.svc.HandleCallback(context.Background(), eagerName,
		callback(providers.SourceRedirect, "ref", ref, "payment", "success"), nil)
	if err != nil {
		t.Fatalf("HandleCallback failed: %v", err)
	}
	if out.Status != models.PaymentStatusCompleted || !out.Conflict {
		t.Fatalf("Expected COMPLETED with conflict, got %+v", out)
	}
	var stages []string
	for _, e := range h.intent(t, *res.IntentID).ProviderPayload {
		stages = append(stages, e.Stage)
	}
	want := "prepare,callback,query,conflict"
	if strings.Join(stages, ",") != want {
		t.Errorf("Expected payload stages %s, got %v", want, stages)
	}
}

func TestPendingCallbackReconcilesWithProvider(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	res := h.initiate(t, uuid.New())
	calls := 0
	h.eager.QueryFunc = func(context.Context, string) (*providers.StatusResult, error) {
		calls++
		amt := decimal.NewFromInt(50)
		return &providers.StatusResult{Signal: providers.SignalSuccess, Amount: &amt, Currency: "USD"}, nil
	}

	// A redirect without reference or flag resolves by recency only.
	out, err := h.svc.HandleCallback(context.Background(), eagerName, callback(providers.SourceRedirect), nil)
	if err != nil {
		t.Fatalf("HandleCallback failed: %v", err)
	}
	if out.Result != ResultSuccess || *out.IntentID != *res.IntentID || calls != 1 {
		t.Fatalf("Expected reconciliation to complete the intent, got %+v after %d queries", out, calls)
	}
}

func TestReconcileRecent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	user := uuid.New()
	res := h.initiate(t, user)
	h.eager.QueryFunc = func(context.Context, string) (*providers.StatusResult, error) {
		amt := decimal.NewFromInt(50)
		return &providers.StatusResult{Signal: providers.SignalSuccess, Amount: &amt, Currency: "usd"}, nil
	}

	outcomes, err := h.svc.ReconcileRecent(context.Background(), &user)
	if err != nil {
		t.Fatalf("ReconcileRecent failed: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Result != ResultSuccess || !outcomes[0].Changed {
		t.Fatalf("unexpected outcomes %+v", outcomes)
	}
	if h.intent(t, *res.IntentID).Status != models.PaymentStatusCompleted || len(h.store.Enrollments(user)) != 1 {
		t.Errorf("Expected completed intent and enrollment")
	}

	again, err := h.svc.ReconcileRecent(context.Background(), &user)
	if err != nil || len(again) != 0 {
		t.Errorf("Expected nothing left to reconcile, got %+v %v", again, err)
	}
}

func TestReconcileOutsideWindowIgnored(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	user := uuid.New()
	h.initiate(t, user)
	h.clock.Advance(2 * time.Hour)
	h.eager.QueryFunc = func(context.Context, string) (*providers.StatusResult, error) {
		t.Error("unexpected provider query")
		return nil, models.ErrUnsupported
	}

	outcomes, err := h.svc.ReconcileRecent(context.Background(), &user)
	if err != nil || len(outcomes) != 0 {
		t.Fatalf("Expected nothing in the window, got %+v %v", outcomes, err)
	}
}

func TestExpireStale(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	stale := h.initiate(t, uuid.New())
	settled := h.initiate(t, uuid.New())
	settledRef := h.intent(t, *settled.IntentID).Reference()
	h.clock.Advance(90 * time.Minute)
	fresh := h.initiate(t, uuid.New())

	var cancelled []string
	h.eager.QueryFunc = func(_ context.Context, ref string) (*providers.StatusResult, error) {
		if ref == settledRef {
			amt := decimal.NewFromInt(50)
			return &providers.StatusResult{Signal: providers.SignalSuccess, Amount: &amt, Currency: "USD"}, nil
		}
		return &providers.StatusResult{Signal: providers.SignalPending}, nil
	}
	h.eager.CancelFunc = func(_ context.Context, ref string) error {
		cancelled = append(cancelled, ref)
		return nil
	}

	n, err := h.svc.ExpireStale(context.Background())
	if err != nil {
		t.Fatalf("ExpireStale failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("Expected one expired intent, got %d", n)
	}
	in := h.intent(t, *stale.IntentID)
	if in.Status != models.PaymentStatusCancelled || in.ErrorMessage == nil || *in.ErrorMessage != "expired" {
		t.Errorf("unexpected stale intent %s %v", in.Status, in.ErrorMessage)
	}
	if len(cancelled) != 1 || cancelled[0] != in.Reference() {
		t.Errorf("Expected a provider cancel for %s, got %v", in.Reference(), cancelled)
	}
	if h.intent(t, *settled.IntentID).Status != models.PaymentStatusCompleted {
		t.Errorf("Expected a late success to be honoured")
	}
	if h.intent(t, *fresh.IntentID).Status != models.PaymentStatusProcessing {
		t.Errorf("Expected the fresh intent untouched")
	}
}

func TestGetStatusIsOwnerScoped(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	owner := uuid.New()
	res := h.initiate(t, owner)

	in, err := h.svc.GetStatus(context.Background(), *res.IntentID, owner)
	if err != nil || in.ID != *res.IntentID {
		t.Fatalf("Expected the owner to read the intent, got %v", err)
	}
	if _, err := h.svc.GetStatus(context.Background(), *res.IntentID, uuid.New()); !errors.Is(err, models.ErrIntentNotFound) {
		t.Errorf("Expected ErrIntentNotFound for another user, got %v", err)
	}
}

func TestArchiveDropsCredentials(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	cb := callback(providers.SourceWebhook, "payment", "success")
	cb.Headers = map[string][]string{
		"Authorization": {"Bearer secret"},
		"Verif-Hash":    {"abc"},
	}
	if _, err := h.svc.HandleCallback(context.Background(), eagerName, cb, nil); err != nil {
		t.Fatalf("HandleCallback failed: %v", err)
	}
	if len(h.rec.archives) != 1 {
		t.Fatalf("Expected one archive, got %d", len(h.rec.archives))
	}
	headers := string(h.rec.archives[0].Headers)
	if strings.Contains(headers, "secret") || !strings.Contains(headers, "Verif-Hash") {
		t.Errorf("unexpected archived headers %s", headers)
	}
}
