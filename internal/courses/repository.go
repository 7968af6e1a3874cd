// Package courses is the read-only course lookup used to price payments.
package courses

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/aura-learn/backend/internal/models"
	"github.com/aura-learn/backend/pkg/redis"
)

// Lookup returns a course by id or models.ErrCourseNotFound.
type Lookup interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Course, error)
}

// Repository reads courses from PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a courses repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Get returns a course by ID.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*models.Course, error) {
	const q = `SELECT id, title, price::text, currency, is_published FROM courses WHERE id = $1`
	var (
		c     models.Course
		price string
	)
	err := r.pool.QueryRow(ctx, q, id).Scan(&c.ID, &c.Title, &price, &c.Currency, &c.IsPublished)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrCourseNotFound
	}
	if err != nil {
		return nil, err
	}
	if c.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("course %s price %q: %w", id, price, err)
	}
	return &c, nil
}

// CacheTTL is how long a course stays cached.
const CacheTTL = 5 * time.Minute

// CachedRepository is a read-through Redis cache in front of a Lookup.
type CachedRepository struct {
	next   Lookup
	cache  redis.JSONCache
	logger *zap.Logger
}

// NewCachedRepository wraps next with cache.
func NewCachedRepository(next Lookup, cache redis.JSONCache, logger *zap.Logger) *CachedRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedRepository{next: next, cache: cache, logger: logger}
}

func cacheKey(id uuid.UUID) string { return "course:" + id.String() }

func (c *CachedRepository) Get(ctx context.Context, id uuid.UUID) (*models.Course, error) {
	return redis.GetOrSet(ctx, c.cache, cacheKey(id), CacheTTL, func() (*models.Course, error) {
		c.logger.Debug("course cache miss", zap.String("course_id", id.String()))
		return c.next.Get(ctx, id)
	})
}

// Memory is an in-process catalogue for tests and development.
type Memory struct {
	mu      sync.RWMutex
	courses map[uuid.UUID]models.Course
}

// NewMemory creates a catalogue holding courses.
func NewMemory(courses ...models.Course) *Memory {
	m := &Memory{courses: make(map[uuid.UUID]models.Course)}
	for _, c := range courses {
		m.Put(c)
	}
	return m
}

// Put adds or replaces a course.
func (m *Memory) Put(c models.Course) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.courses[c.ID] = c
}

func (m *Memory) Get(ctx context.Context, id uuid.UUID) (*models.Course, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.courses[id]
	if !ok {
		return nil, models.ErrCourseNotFound
	}
	return &c, nil
}
