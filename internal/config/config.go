package config // package config loads application configuration from environment variables

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

// Config holds all runtime configuration values.  Each field corresponds to
// an environment variable; required ones are enforced by must().
type Config struct {
	Env       string // application environment (e.g. "dev", "prod")
	Port      string // HTTP port to listen on
	LogLevel  string // logrus level name
	DBUser    string // database username
	DBPass    string // database password (optional)
	DBHost    string // database host address
	DBPort    string // database port number
	DBName    string // database name
	JWTSecret string // secret used to verify access tokens

	RabbitURL string // AMQP broker URL; empty disables event publishing

	Booking  BookingConfig
	Webhook  WebhookConfig
	Payments PaymentsConfig
}

// BookingConfig tunes the checkout and settlement pipeline.
type BookingConfig struct {
	SessionTTL          time.Duration // lifetime of a PENDING payment session
	TaxRatePercent      float64       // VAT rate used for the tax-inclusive split
	PriceToleranceCents int64         // accepted gap between client and server totals
	RefundCutoff        time.Duration // minimum time before the tour for self-service refunds
	SweepInterval       time.Duration // period of the expiration sweeps
	AbandonTimeout      time.Duration // age after which unpaid legacy bookings are cancelled
}

// WebhookConfig configures the notification guard.
type WebhookConfig struct {
	MaxAge      time.Duration // oldest accepted notification timestamp
	DedupWindow time.Duration // how long a processed request id is remembered
}

// Load reads .env (when present) and then the process environment.
// Missing required variables cause the program to exit with a fatal log.
func Load() Config {
	// A missing .env is normal in containers; the environment wins anyway.
	_ = godotenv.Load()

	return Config{
		Env:       must("APP_ENV"),
		Port:      must("APP_PORT"),
		LogLevel:  envStr("LOG_LEVEL", "info"),
		DBUser:    must("DB_USER"),
		DBPass:    os.Getenv("DB_PASS"), // empty allowed
		DBHost:    must("DB_HOST"),
		DBPort:    must("DB_PORT"),
		DBName:    must("DB_NAME"),
		JWTSecret: must("JWT_SECRET"),
		RabbitURL: os.Getenv("RABBITMQ_URL"),
		Booking:   LoadBookingConfig(),
		Webhook: WebhookConfig{
			MaxAge:      envDur("WEBHOOK_MAX_AGE", 5*time.Minute),
			DedupWindow: envDur("WEBHOOK_DEDUP_WINDOW", 24*time.Hour),
		},
		Payments: LoadPaymentsConfig(),
	}
}

// LoadBookingConfig reads the pipeline tunables with their defaults.
func LoadBookingConfig() BookingConfig {
	return BookingConfig{
		SessionTTL:          envDur("SESSION_TTL", 30*time.Minute),
		TaxRatePercent:      envFloat("TAX_RATE_PERCENT", 19),
		PriceToleranceCents: int64(envInt("PRICE_TOLERANCE_CENTS", 1)),
		RefundCutoff:        time.Duration(envInt("REFUND_CUTOFF_HOURS", 24)) * time.Hour,
		SweepInterval:       envDur("SWEEP_INTERVAL", time.Minute),
		AbandonTimeout:      envDur("BOOKING_ABANDON_TIMEOUT", 30*time.Minute),
	}
}

// must retrieves the value of a required environment variable.
func must(key string) string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		log.Fatalf("missing required env var: %s", key)
	}
	return v
}

// Addr is the listen address for the HTTP server.
func (c Config) Addr() string { return fmt.Sprintf(":%s", c.Port) }

// Production reports whether the service runs with production settings.
func (c Config) Production() bool { return c.Env == "prod" || c.Env == "production" }

func envStr(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func envBool(k string, d bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	switch v {
	case "1", "true", "TRUE", "True", "yes", "YES", "on", "ON":
		return true
	case "0", "false", "FALSE", "False", "no", "NO", "off", "OFF":
		return false
	}
	return d
}

func envInt(k string, d int) int {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return d
}

func envFloat(k string, d float64) float64 {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return d
}

func envDur(k string, d time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if dur, err := time.ParseDuration(v); err == nil {
		return dur
	}
	return d
}
