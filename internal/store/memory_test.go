package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/aura-learn/backend/internal/models"
)

func newIntent(provider string, user uuid.UUID, status models.PaymentStatus, created time.Time) *models.PaymentIntent {
	return &models.PaymentIntent{
		ID:        uuid.New(),
		UserID:    user,
		CourseID:  uuid.New(),
		Amount:    decimal.NewFromInt(50),
		Currency:  "USD",
		Method:    models.PaymentMethodCard,
		Provider:  provider,
		Status:    status,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func insert(t *testing.T, m *Memory, in *models.PaymentIntent) {
	t.Helper()
	err := m.Atomic(context.Background(), func(tx Tx) error { return tx.InsertIntent(context.Background(), in) })
	if err != nil {
		t.Fatalf("InsertIntent failed: %v", err)
	}
}

func TestMemoryAtomicRollsBack(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory()
	in := newIntent("omise", uuid.New(), models.PaymentStatusPending, time.Now())

	boom := errors.New("boom")
	err := m.Atomic(ctx, func(tx Tx) error {
		if err := tx.InsertIntent(ctx, in); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected boom, got %v", err)
	}
	if _, err := m.IntentByID(ctx, in.ID); !errors.Is(err, models.ErrIntentNotFound) {
		t.Fatalf("Expected rolled back insert, got %v", err)
	}
}

func TestMemoryDuplicateReference(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory()
	ref := "chrg_1"
	a := newIntent("omise", uuid.New(), models.PaymentStatusProcessing, time.Now())
	a.ProviderReference = &ref
	insert(t, m, a)

	b := newIntent("omise", uuid.New(), models.PaymentStatusPending, time.Now())
	insert(t, m, b)
	b.ProviderReference = &ref
	err := m.Atomic(ctx, func(tx Tx) error { return tx.UpdateIntent(ctx, b) })
	if !errors.Is(err, models.ErrDuplicateReference) {
		t.Fatalf("Expected ErrDuplicateReference, got %v", err)
	}
}

func TestMemoryPayloadIsAppendOnly(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory()
	in := newIntent("midtrans", uuid.New(), models.PaymentStatusPending, time.Now())
	in.AppendPayload(models.PayloadEntry{Stage: models.PayloadStagePrepare, RecordedAt: time.Now(), Data: json.RawMessage(`{"token":"t"}`)})
	insert(t, m, in)

	err := m.Atomic(ctx, func(tx Tx) error {
		cur, err := tx.IntentForUpdate(ctx, in.ID)
		if err != nil {
			return err
		}
		cur.Status = models.PaymentStatusProcessing
		cur.ProviderPayload = nil
		if err := tx.UpdateIntent(ctx, cur); err != nil {
			return err
		}
		return tx.AppendPayload(ctx, in.ID, []models.PayloadEntry{{Stage: models.PayloadStageCallback, Data: json.RawMessage(`{"order_id":"x"}`)}})
	})
	if err != nil {
		t.Fatal(err)
	}
	got, _ := m.IntentByID(ctx, in.ID)
	if got.Status != models.PaymentStatusProcessing || len(got.ProviderPayload) != 2 {
		t.Fatalf("unexpected intent %+v", got)
	}
	if got.ProviderPayload[0].Stage != models.PayloadStagePrepare {
		t.Errorf("Expected original entry first, got %s", got.ProviderPayload[0].Stage)
	}
}

func TestMemoryPayloadSearch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory()
	in := newIntent("flutterwave", uuid.New(), models.PaymentStatusProcessing, time.Now())
	in.AppendPayload(models.PayloadEntry{Stage: models.PayloadStageQuery, RecordedAt: time.Now(), Data: json.RawMessage(`{"data":{"id":4242,"tx_ref":"tok"}}`)})
	insert(t, m, in)

	err := m.Atomic(ctx, func(tx Tx) error {
		got, err := tx.IntentByPayloadForUpdate(ctx, "flutterwave", []string{"data", "id"}, "4242")
		if err != nil {
			return err
		}
		if got.ID != in.ID {
			t.Errorf("matched wrong intent")
		}
		if _, err := tx.IntentByPayloadForUpdate(ctx, "omise", []string{"data", "id"}, "4242"); !errors.Is(err, models.ErrIntentNotFound) {
			t.Errorf("Expected provider scoping, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestMemoryRecentNonTerminal(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory()
	now := time.Now()
	user := uuid.New()

	old := newIntent("midtrans", user, models.PaymentStatusProcessing, now.Add(-time.Hour))
	mine := newIntent("midtrans", user, models.PaymentStatusProcessing, now.Add(-5*time.Minute))
	done := newIntent("midtrans", user, models.PaymentStatusCompleted, now.Add(-time.Minute))
	other := newIntent("midtrans", uuid.New(), models.PaymentStatusPending, now.Add(-2*time.Minute))
	for _, in := range []*models.PaymentIntent{old, mine, done, other} {
		insert(t, m, in)
	}

	since := now.Add(-15 * time.Minute)
	_ = m.Atomic(ctx, func(tx Tx) error {
		got, err := tx.RecentNonTerminalForUpdate(ctx, "midtrans", &user, since)
		if err != nil || got.ID != mine.ID {
			t.Errorf("Expected user's recent intent, got %v %v", got, err)
		}
		got, err = tx.RecentNonTerminalForUpdate(ctx, "midtrans", nil, since)
		if err != nil || got.ID != other.ID {
			t.Errorf("Expected newest system-wide intent, got %v %v", got, err)
		}
		return nil
	})

	stale, _ := m.ListStale(ctx, since)
	if len(stale) != 1 || stale[0].ID != old.ID {
		t.Errorf("unexpected stale list %v", stale)
	}
	open, _ := m.ListNonTerminal(ctx, since, &user)
	if len(open) != 1 || open[0].ID != mine.ID {
		t.Errorf("unexpected open list %v", open)
	}
}

func TestPayloadValue(t *testing.T) {
	t.Parallel()

	doc := json.RawMessage(`{"id":"a","data":{"id":12,"ok":true,"obj":{}}}`)
	cases := []struct {
		path []string
		want string
		ok   bool
	}{
		{[]string{"id"}, "a", true},
		{[]string{"data", "id"}, "12", true},
		{[]string{"data", "ok"}, "true", true},
		{[]string{"data", "obj"}, "", false},
		{[]string{"missing"}, "", false},
		{[]string{"id", "deeper"}, "", false},
	}
	for _, c := range cases {
		got, ok := PayloadValue(doc, c.path)
		if got != c.want || ok != c.ok {
			t.Errorf("PayloadValue(%v) = %q, %v; want %q, %v", c.path, got, ok, c.want, c.ok)
		}
	}
}
