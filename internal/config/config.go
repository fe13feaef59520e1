package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName       string
	AppVersion    string
	Environment   string
	HTTPAddr      string
	PublicBaseURL string
	AuthJWTSecret string

	Telemetry TelemetryConfig

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBPath            string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	PlansConfigPath string

	Inference InferenceConfig
	Scan      ScanConfig
	Billing   BillingConfig
	SMTP      SMTPConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig
	Scheduler SchedulerConfig
}

// InferenceConfig configures the upstream inference provider.
type InferenceConfig struct {
	BaseURL        string
	APIKey         string
	FastModel      string
	DeepModel      string
	FastMaxTokens  int
	DeepMaxTokens  int
	Temperature    float64
	RequestTimeout time.Duration
}

// ScanConfig configures the scan orchestrator.
type ScanConfig struct {
	MaxAttempts     int
	RetryBackoff    time.Duration
	RetryMaxBackoff time.Duration
	CommitTimeout   time.Duration
	InflightLockTTL time.Duration
}

// BillingConfig configures the authoritative billing source and reconciliation freshness.
type BillingConfig struct {
	StripeSecretKey string
	ReconcileTTL    time.Duration
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// TelemetryConfig configures logs, traces and metrics export.
type TelemetryConfig struct {
	LogLevel          string
	LogFormat         string
	OtelEnabled       bool
	OtelEndpoint      string
	OtelProtocol      string
	OtelSamplingRatio float64
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type RateLimitConfig struct {
	Enabled     bool
	SubmitRate  float64
	SubmitBurst int
}

type SchedulerConfig struct {
	Enabled           bool
	Interval          time.Duration
	OrphanThreshold   time.Duration
	BatchSize         int
	ReconcileStaleAge time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:       getenv("APP_SERVICE", "trustscan"),
		AppVersion:    getenv("APP_VERSION", "0.1.0"),
		Environment:   getenv("ENVIRONMENT", "development"),
		HTTPAddr:      getenv("HTTP_ADDR", ":8080"),
		PublicBaseURL: strings.TrimRight(getenv("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
		AuthJWTSecret: strings.TrimSpace(getenv("AUTH_JWT_SECRET", "")),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "trustscan"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBPath:            getenv("DATABASE_PATH", "trustscan.db"),
		DBMaxIdleConn:     int(getenvInt64("DATABASE_MAX_IDLE_CONN", 10)),
		DBMaxOpenConn:     int(getenvInt64("DATABASE_MAX_OPEN_CONN", 50)),
		DBConnMaxLifetime: int(getenvInt64("DATABASE_CONN_MAX_LIFETIME", 300)),
		DBConnMaxIdleTime: int(getenvInt64("DATABASE_CONN_MAX_IDLE_TIME", 60)),

		PlansConfigPath: strings.TrimSpace(getenv("PLANS_CONFIG_PATH", "")),

		Telemetry: TelemetryConfig{
			LogLevel:          strings.ToLower(strings.TrimSpace(getenv("LOG_LEVEL", "info"))),
			LogFormat:         strings.ToLower(strings.TrimSpace(getenv("LOG_FORMAT", "json"))),
			OtelEnabled:       getenvBool("OTEL_ENABLED", false),
			OtelEndpoint:      strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")),
			OtelProtocol:      strings.ToLower(strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc"))),
			OtelSamplingRatio: getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
		},

		Inference: InferenceConfig{
			BaseURL:        strings.TrimRight(getenv("INFERENCE_BASE_URL", "https://api.openai.com/v1"), "/"),
			APIKey:         strings.TrimSpace(getenv("INFERENCE_API_KEY", "")),
			FastModel:      getenv("INFERENCE_FAST_MODEL", "gpt-4o-mini"),
			DeepModel:      getenv("INFERENCE_DEEP_MODEL", "gpt-4o"),
			FastMaxTokens:  int(getenvInt64("INFERENCE_FAST_MAX_TOKENS", 800)),
			DeepMaxTokens:  int(getenvInt64("INFERENCE_DEEP_MAX_TOKENS", 1500)),
			Temperature:    getenvFloat("INFERENCE_TEMPERATURE", 0.3),
			RequestTimeout: getenvDuration("INFERENCE_TIMEOUT", 25*time.Second),
		},
		Scan: ScanConfig{
			MaxAttempts:     int(getenvInt64("SCAN_MAX_ATTEMPTS", 2)),
			RetryBackoff:    getenvDuration("SCAN_RETRY_BACKOFF", 500*time.Millisecond),
			RetryMaxBackoff: getenvDuration("SCAN_RETRY_MAX_BACKOFF", 2*time.Second),
			CommitTimeout:   getenvDuration("SCAN_COMMIT_TIMEOUT", 10*time.Second),
			InflightLockTTL: getenvDuration("SCAN_INFLIGHT_LOCK_TTL", 2*time.Minute),
		},
		Billing: BillingConfig{
			StripeSecretKey: strings.TrimSpace(getenv("STRIPE_SECRET_KEY", "")),
			ReconcileTTL:    getenvDuration("BILLING_RECONCILE_TTL", 5*time.Minute),
		},
		SMTP: SMTPConfig{
			Host:     strings.TrimSpace(getenv("SMTP_HOST", "")),
			Port:     int(getenvInt64("SMTP_PORT", 587)),
			Username: getenv("SMTP_USERNAME", ""),
			Password: getenv("SMTP_PASSWORD", ""),
			From:     getenv("SMTP_FROM", "alerts@trustscan.local"),
		},
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       int(getenvInt64("REDIS_DB", 0)),
		},
		RateLimit: RateLimitConfig{
			Enabled:     getenvBool("RATE_LIMIT_ENABLED", true),
			SubmitRate:  getenvFloat("RATE_LIMIT_SUBMIT_RATE", 0.5),
			SubmitBurst: int(getenvInt64("RATE_LIMIT_SUBMIT_BURST", 5)),
		},
		Scheduler: SchedulerConfig{
			Enabled:           getenvBool("SCHEDULER_ENABLED", true),
			Interval:          getenvDuration("SCHEDULER_INTERVAL", time.Minute),
			OrphanThreshold:   getenvDuration("SCHEDULER_ORPHAN_THRESHOLD", 10*time.Minute),
			BatchSize:         int(getenvInt64("SCHEDULER_BATCH_SIZE", 100)),
			ReconcileStaleAge: getenvDuration("SCHEDULER_RECONCILE_STALE_AGE", 24*time.Hour),
		},
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}
