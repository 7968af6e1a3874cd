package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aura-learn/backend/internal/models"
)

// Memory is an in-process store. Atomic units run one at a time against a
// copy of the data, which replaces the live data only when fn succeeds.
type Memory struct {
	mu          sync.Mutex
	intents     map[uuid.UUID]*models.PaymentIntent
	enrollments map[enrollmentKey]*models.Enrollment
}

type enrollmentKey struct {
	user, course uuid.UUID
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		intents:     make(map[uuid.UUID]*models.PaymentIntent),
		enrollments: make(map[enrollmentKey]*models.Enrollment),
	}
}

func (m *Memory) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{
		intents:     make(map[uuid.UUID]*models.PaymentIntent, len(m.intents)),
		enrollments: make(map[enrollmentKey]*models.Enrollment, len(m.enrollments)),
	}
	for k, v := range m.intents {
		tx.intents[k] = v.Clone()
	}
	for k, v := range m.enrollments {
		tx.enrollments[k] = v.Clone()
	}
	if err := fn(tx); err != nil {
		return err
	}
	m.intents = tx.intents
	m.enrollments = tx.enrollments
	return nil
}

func (m *Memory) IntentByID(ctx context.Context, id uuid.UUID) (*models.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.intents[id]
	if !ok {
		return nil, models.ErrIntentNotFound
	}
	return in.Clone(), nil
}

func (m *Memory) Enrollment(ctx context.Context, userID, courseID uuid.UUID) (*models.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enrollments[enrollmentKey{userID, courseID}].Clone(), nil
}

// Enrollments returns every enrollment for user. Used by tests and the dev server.
func (m *Memory) Enrollments(userID uuid.UUID) []*models.Enrollment {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Enrollment
	for k, e := range m.enrollments {
		if k.user == userID {
			out = append(out, e.Clone())
		}
	}
	return out
}

// Intents returns every intent, oldest first.
func (m *Memory) Intents() []*models.PaymentIntent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedIntents(m.intents, func(*models.PaymentIntent) bool { return true }, false)
}

func (m *Memory) ListNonTerminal(ctx context.Context, since time.Time, userID *uuid.UUID) ([]*models.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedIntents(m.intents, func(in *models.PaymentIntent) bool {
		return !in.Status.IsTerminal() && !in.CreatedAt.Before(since) && (userID == nil || in.UserID == *userID)
	}, true), nil
}

func (m *Memory) ListStale(ctx context.Context, before time.Time) ([]*models.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedIntents(m.intents, func(in *models.PaymentIntent) bool {
		return !in.Status.IsTerminal() && in.CreatedAt.Before(before)
	}, false), nil
}

type memTx struct {
	intents     map[uuid.UUID]*models.PaymentIntent
	enrollments map[enrollmentKey]*models.Enrollment
}

// Lock is a no-op: the whole unit already runs under the store mutex.
func (t *memTx) Lock(ctx context.Context, key string) error { return nil }

func (t *memTx) IntentForUpdate(ctx context.Context, id uuid.UUID) (*models.PaymentIntent, error) {
	in, ok := t.intents[id]
	if !ok {
		return nil, models.ErrIntentNotFound
	}
	return in.Clone(), nil
}

func (t *memTx) IntentByReferenceForUpdate(ctx context.Context, provider, reference string) (*models.PaymentIntent, error) {
	for _, in := range t.intents {
		if in.Provider == provider && in.Reference() == reference {
			return in.Clone(), nil
		}
	}
	return nil, models.ErrIntentNotFound
}

func (t *memTx) IntentByPayloadForUpdate(ctx context.Context, provider string, path []string, value string) (*models.PaymentIntent, error) {
	found := sortedIntents(t.intents, func(in *models.PaymentIntent) bool {
		if in.Provider != provider {
			return false
		}
		for _, e := range in.ProviderPayload {
			if v, ok := PayloadValue(e.Data, path); ok && v == value {
				return true
			}
		}
		return false
	}, true)
	if len(found) == 0 {
		return nil, models.ErrIntentNotFound
	}
	return found[0], nil
}

func (t *memTx) RecentNonTerminalForUpdate(ctx context.Context, provider string, userID *uuid.UUID, since time.Time) (*models.PaymentIntent, error) {
	found := sortedIntents(t.intents, func(in *models.PaymentIntent) bool {
		return in.Provider == provider && !in.Status.IsTerminal() && !in.CreatedAt.Before(since) &&
			(userID == nil || in.UserID == *userID)
	}, true)
	if len(found) == 0 {
		return nil, models.ErrIntentNotFound
	}
	return found[0], nil
}

func (t *memTx) InsertIntent(ctx context.Context, in *models.PaymentIntent) error {
	if _, ok := t.intents[in.ID]; ok {
		return fmt.Errorf("intent %s already exists", in.ID)
	}
	if err := t.checkReference(in); err != nil {
		return err
	}
	t.intents[in.ID] = in.Clone()
	return nil
}

func (t *memTx) UpdateIntent(ctx context.Context, in *models.PaymentIntent) error {
	cur, ok := t.intents[in.ID]
	if !ok {
		return models.ErrIntentNotFound
	}
	if err := t.checkReference(in); err != nil {
		return err
	}
	next := in.Clone()
	next.ProviderPayload = cur.ProviderPayload
	t.intents[in.ID] = next
	return nil
}

func (t *memTx) AppendPayload(ctx context.Context, id uuid.UUID, entries []models.PayloadEntry) error {
	cur, ok := t.intents[id]
	if !ok {
		return models.ErrIntentNotFound
	}
	cur.ProviderPayload = append(cur.ProviderPayload, entries...)
	return nil
}

func (t *memTx) checkReference(in *models.PaymentIntent) error {
	ref := in.Reference()
	if ref == "" {
		return nil
	}
	for id, other := range t.intents {
		if id != in.ID && other.Reference() == ref {
			return fmt.Errorf("%w: %s", models.ErrDuplicateReference, ref)
		}
	}
	return nil
}

func (t *memTx) EnrollmentForUpdate(ctx context.Context, userID, courseID uuid.UUID) (*models.Enrollment, error) {
	return t.enrollments[enrollmentKey{userID, courseID}].Clone(), nil
}

func (t *memTx) InsertEnrollment(ctx context.Context, e *models.Enrollment) error {
	k := enrollmentKey{e.UserID, e.CourseID}
	if _, ok := t.enrollments[k]; ok {
		return fmt.Errorf("enrollment for user %s course %s already exists", e.UserID, e.CourseID)
	}
	t.enrollments[k] = e.Clone()
	return nil
}

func (t *memTx) UpdateEnrollment(ctx context.Context, e *models.Enrollment) error {
	k := enrollmentKey{e.UserID, e.CourseID}
	if _, ok := t.enrollments[k]; !ok {
		return fmt.Errorf("enrollment %s not found", e.ID)
	}
	t.enrollments[k] = e.Clone()
	return nil
}

func sortedIntents(all map[uuid.UUID]*models.PaymentIntent, keep func(*models.PaymentIntent) bool, newestFirst bool) []*models.PaymentIntent {
	var out []*models.PaymentIntent
	for _, in := range all {
		if keep(in) {
			out = append(out, in.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if newestFirst {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// PayloadValue reads the scalar at path inside a JSON document, the way
// PostgreSQL's #>> operator does: strings unquoted, numbers and booleans as text.
func PayloadValue(data json.RawMessage, path []string) (string, bool) {
	if len(data) == 0 || len(path) == 0 {
		return "", false
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var cur any
	if err := dec.Decode(&cur); err != nil {
		return "", false
	}
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		if cur, ok = obj[key]; !ok {
			return "", false
		}
	}
	switch v := cur.(type) {
	case string:
		return v, true
	case json.Number:
		return v.String(), true
	case bool:
		if v {
			return "true", true
		}
		return "false", true
	}
	return "", false
}
