package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PAYMENT_RECONCILE_WINDOW", "")
	t.Setenv("PAYMENT_PROVIDER_TIMEOUT", "")
	t.Setenv("PAYMENT_EXPIRE_AFTER", "")
	t.Setenv("FRONTEND_URL", "https://learn.example.com/")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Payments.ReconcileWindow != 15*time.Minute {
		t.Errorf("Expected 15m reconcile window, got %s", cfg.Payments.ReconcileWindow)
	}
	if cfg.Payments.ProviderTimeout != 20*time.Second {
		t.Errorf("Expected 20s provider timeout, got %s", cfg.Payments.ProviderTimeout)
	}
	if cfg.Payments.FrontendURL != "https://learn.example.com" {
		t.Errorf("Expected trailing slash trimmed, got %q", cfg.Payments.FrontendURL)
	}
}

func TestLoadDurations(t *testing.T) {
	t.Setenv("PAYMENT_RECONCILE_WINDOW", "600")
	t.Setenv("PAYMENT_EXPIRE_AFTER", "2h")
	t.Setenv("MIDTRANS_IS_PRODUCTION", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Payments.ReconcileWindow != 10*time.Minute {
		t.Errorf("Expected seconds to parse as 10m, got %s", cfg.Payments.ReconcileWindow)
	}
	if cfg.Payments.ExpireAfter != 2*time.Hour {
		t.Errorf("Expected 2h, got %s", cfg.Payments.ExpireAfter)
	}
	if !cfg.Payments.Midtrans.IsProduction {
		t.Error("Expected midtrans production flag")
	}
}

func TestLoadRejectsExpiryShorterThanWindow(t *testing.T) {
	t.Setenv("PAYMENT_RECONCILE_WINDOW", "30m")
	t.Setenv("PAYMENT_EXPIRE_AFTER", "10m")

	if _, err := Load(); err == nil {
		t.Fatal("Expected error when expiry is shorter than the reconcile window")
	}
}

func TestDSN(t *testing.T) {
	t.Parallel()

	c := DatabaseConfig{Host: "db", Port: "5432", User: "u", Password: "p", DBName: "learning", SSLMode: "disable"}
	if got := c.DSN(); got != "postgres://u:p@db:5432/learning?sslmode=disable" {
		t.Errorf("unexpected DSN %q", got)
	}
	c.URL = "postgres://override"
	if got := c.DSN(); got != "postgres://override" {
		t.Errorf("Expected URL override, got %q", got)
	}
	if got := (DatabaseConfig{}).DSN(); got != "" {
		t.Errorf("Expected empty DSN without host, got %q", got)
	}
}
