package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	JWT      JWTConfig
	Payment  PaymentConfig
	Stripe   StripeConfig
	PayPal   PayPalConfig
	Redis    RedisConfig
	Jobs     JobsConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port         string
	Env          string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// RateLimit requests per RateWindow per client IP
	RateLimit  int
	RateWindow time.Duration
}

type DatabaseConfig struct {
	Driver          string // mysql | postgres | sqlite
	DSN             string
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

type JWTConfig struct {
	AccessSecret string
	AccessExpiry time.Duration
	Issuer       string
}

type PaymentConfig struct {
	DefaultProvider string
	Currency        string
	GatewayTimeout  time.Duration
	// PaymentExpiry is how long a pending payment may wait for the client to pay.
	PaymentExpiry     time.Duration
	StubWebhookSecret string
}

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	BaseURL       string
}

type PayPalConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	WebhookID    string
	ReturnURL    string
	CancelURL    string
}

type RedisConfig struct {
	URL string // empty disables redis-backed rate limiting
}

type JobsConfig struct {
	Enabled       bool
	SweepSchedule string // robfig/cron spec with seconds field
	StaleAfter    time.Duration
	BatchSize     int
}

type LogConfig struct {
	Level  string // debug | info | warn | error
	Format string // json | text
}

// Load reads configuration from the environment. A .env file in the working directory is
// loaded first if present; real environment variables win.
func Load() *Config {
	_ = godotenv.Load()
	return &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8099"),
			Env:          getEnv("APP_ENV", "development"),
			ReadTimeout:  getDuration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			RateLimit:    getInt("RATE_LIMIT", 120),
			RateWindow:   getDuration("RATE_WINDOW", time.Minute),
		},
		Database: DatabaseConfig{
			Driver:          strings.ToLower(getEnv("DB_DRIVER", "mysql")),
			DSN:             getEnv("DB_DSN", "root:@tcp(localhost:3306)/learnhub?charset=utf8mb4&parseTime=True&loc=UTC"),
			MaxIdleConns:    getInt("DB_MAX_IDLE_CONNS", 10),
			MaxOpenConns:    getInt("DB_MAX_OPEN_CONNS", 100),
			ConnMaxLifetime: getDuration("DB_CONN_MAX_LIFETIME", time.Hour),
		},
		JWT: JWTConfig{
			AccessSecret: getEnv("JWT_ACCESS_SECRET", "change-me-in-production"),
			AccessExpiry: getDuration("JWT_ACCESS_EXPIRY", 15*time.Minute),
			Issuer:       getEnv("JWT_ISSUER", "learnhub"),
		},
		Payment: PaymentConfig{
			DefaultProvider:   getEnv("PAYMENT_DEFAULT_PROVIDER", "stripe"),
			Currency:          strings.ToUpper(getEnv("PAYMENT_CURRENCY", "USD")),
			GatewayTimeout:    getDuration("PAYMENT_GATEWAY_TIMEOUT", 10*time.Second),
			PaymentExpiry:     getDuration("PAYMENT_EXPIRY", 30*time.Minute),
			StubWebhookSecret: getEnv("STUB_WEBHOOK_SECRET", ""),
		},
		Stripe: StripeConfig{
			SecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
			WebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
			BaseURL:       getEnv("STRIPE_BASE_URL", ""),
		},
		PayPal: PayPalConfig{
			BaseURL:      getEnv("PAYPAL_BASE_URL", "https://api-m.sandbox.paypal.com"),
			ClientID:     getEnv("PAYPAL_CLIENT_ID", ""),
			ClientSecret: getEnv("PAYPAL_CLIENT_SECRET", ""),
			WebhookID:    getEnv("PAYPAL_WEBHOOK_ID", ""),
			ReturnURL:    getEnv("PAYPAL_RETURN_URL", ""),
			CancelURL:    getEnv("PAYPAL_CANCEL_URL", ""),
		},
		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", ""),
		},
		Jobs: JobsConfig{
			Enabled:       getBool("JOBS_ENABLED", true),
			SweepSchedule: getEnv("JOBS_SWEEP_SCHEDULE", "0 */5 * * * *"),
			StaleAfter:    getDuration("SWEEP_STALE_AFTER", 15*time.Minute),
			BatchSize:     getInt("SWEEP_BATCH_SIZE", 100),
		},
		Log: LogConfig{
			Level:  strings.ToLower(getEnv("LOG_LEVEL", "info")),
			Format: strings.ToLower(getEnv("LOG_FORMAT", "json")),
		},
	}
}

func (c *Config) IsProduction() bool { return c.Server.Env == "production" }

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return v
}

func getBool(key string, fallback bool) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return v
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return v
}
