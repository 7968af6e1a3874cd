package auth

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/aura-learn/backend/internal/models"
)

func TestGenerateValidate(t *testing.T) {
	t.Parallel()

	s := NewJWTService("secret", 1)
	id := uuid.New()
	token, err := s.Generate(id, "learner@example.com", models.RoleStudent)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	claims, err := s.Validate(token)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if claims.UserID != id || claims.Role != models.RoleStudent || claims.Email != "learner@example.com" {
		t.Errorf("unexpected claims %+v", claims)
	}
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()

	s := NewJWTService("secret", 1)
	other := NewJWTService("other", 1)
	foreign, _ := other.Generate(uuid.New(), "", models.RoleStudent)

	expired := NewJWTService("secret", 1)
	expired.now = func() time.Time { return time.Now().Add(-3 * time.Hour) }
	stale, _ := expired.Generate(uuid.New(), "", models.RoleStudent)

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-token"},
		{"wrong secret", foreign},
		{"expired", stale},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Validate(tt.token); err != ErrInvalidToken {
				t.Errorf("Expected ErrInvalidToken, got %v", err)
			}
		})
	}
}
