package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	JWT          JWTConfig
	AWS          AWSConfig
	Payments     PaymentsConfig
	Gamification GamificationConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT signing and validation settings.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// AWSConfig holds AWS credentials and the callback archive bucket.
type AWSConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	ArchiveBucket   string // empty disables callback archiving
}

// PaymentsConfig holds engine-wide payment settings and per-provider credentials.
type PaymentsConfig struct {
	ReconcileWindow time.Duration // ambiguous callbacks only match intents younger than this
	ProviderTimeout time.Duration // upper bound on every provider call
	ExpireAfter     time.Duration // non-terminal intents older than this are expired by the sweep
	FrontendURL     string        // browser redirects land on FrontendURL + /payments/result
	PublicURL       string        // this server, used to build provider return URLs
	Midtrans        MidtransConfig
	Omise           OmiseConfig
	Flutterwave     FlutterwaveConfig
}

// MidtransConfig for Snap redirect payments.
type MidtransConfig struct {
	ServerKey    string
	ClientKey    string
	IsProduction bool // only consulted when the key prefix is inconclusive
}

// OmiseConfig for card and mobile money charges.
type OmiseConfig struct {
	PublicKey    string
	SecretKey    string
	IsProduction bool
}

// FlutterwaveConfig for the embedded checkout widget.
type FlutterwaveConfig struct {
	PublicKey    string
	SecretKey    string
	SecretHash   string // compared against the verif-hash webhook header
	BaseURL      string
	IsProduction bool
}

// GamificationConfig holds point awards.
type GamificationConfig struct {
	EnrollmentPoints int
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	if c.Host == "" {
		return ""
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", ""),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "learning"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 24),
		},
		AWS: AWSConfig{
			Region:          getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
			ArchiveBucket:   getEnv("AWS_S3_CALLBACK_ARCHIVE_BUCKET", ""),
		},
		Payments: PaymentsConfig{
			ReconcileWindow: getEnvDuration("PAYMENT_RECONCILE_WINDOW", 15*time.Minute),
			ProviderTimeout: getEnvDuration("PAYMENT_PROVIDER_TIMEOUT", 20*time.Second),
			ExpireAfter:     getEnvDuration("PAYMENT_EXPIRE_AFTER", 24*time.Hour),
			FrontendURL:     strings.TrimRight(getEnv("FRONTEND_URL", "http://localhost:3000"), "/"),
			PublicURL:       strings.TrimRight(getEnv("PUBLIC_URL", "http://localhost:8080"), "/"),
			Midtrans: MidtransConfig{
				ServerKey:    getEnv("MIDTRANS_SERVER_KEY", ""),
				ClientKey:    getEnv("MIDTRANS_CLIENT_KEY", ""),
				IsProduction: getEnvBool("MIDTRANS_IS_PRODUCTION", false),
			},
			Omise: OmiseConfig{
				PublicKey:    getEnv("OMISE_PUBLIC_KEY", ""),
				SecretKey:    getEnv("OMISE_SECRET_KEY", ""),
				IsProduction: getEnvBool("OMISE_IS_PRODUCTION", false),
			},
			Flutterwave: FlutterwaveConfig{
				PublicKey:    getEnv("FLUTTERWAVE_PUBLIC_KEY", ""),
				SecretKey:    getEnv("FLUTTERWAVE_SECRET_KEY", ""),
				SecretHash:   getEnv("FLUTTERWAVE_SECRET_HASH", ""),
				BaseURL:      getEnv("FLUTTERWAVE_BASE_URL", "https://api.flutterwave.com"),
				IsProduction: getEnvBool("FLUTTERWAVE_IS_PRODUCTION", false),
			},
		},
		Gamification: GamificationConfig{
			EnrollmentPoints: getEnvInt("GAMIFICATION_ENROLLMENT_POINTS", 50),
		},
	}
	if cfg.Payments.ReconcileWindow <= 0 {
		return nil, fmt.Errorf("PAYMENT_RECONCILE_WINDOW must be positive")
	}
	if cfg.Payments.ExpireAfter < cfg.Payments.ReconcileWindow {
		return nil, fmt.Errorf("PAYMENT_EXPIRE_AFTER (%s) must not be shorter than PAYMENT_RECONCILE_WINDOW (%s)",
			cfg.Payments.ExpireAfter, cfg.Payments.ReconcileWindow)
	}
	return cfg, nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("15m") or plain seconds ("900").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
