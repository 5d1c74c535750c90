package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadBookingConfigDefaults(t *testing.T) {
	cfg := LoadBookingConfig()
	assert.Equal(t, 30*time.Minute, cfg.SessionTTL)
	assert.Equal(t, 19.0, cfg.TaxRatePercent)
	assert.Equal(t, int64(1), cfg.PriceToleranceCents)
	assert.Equal(t, 24*time.Hour, cfg.RefundCutoff)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.Equal(t, 30*time.Minute, cfg.AbandonTimeout)
}

func TestLoadBookingConfigOverrides(t *testing.T) {
	t.Setenv("SESSION_TTL", "10m")
	t.Setenv("REFUND_CUTOFF_HOURS", "48")
	t.Setenv("TAX_RATE_PERCENT", "21.5")
	cfg := LoadBookingConfig()
	assert.Equal(t, 10*time.Minute, cfg.SessionTTL)
	assert.Equal(t, 48*time.Hour, cfg.RefundCutoff)
	assert.Equal(t, 21.5, cfg.TaxRatePercent)
}

func TestLoadPaymentsConfig(t *testing.T) {
	t.Run("test mode uses integration endpoints and keys", func(t *testing.T) {
		t.Setenv("PAYMENTS_TEST_MODE", "true")
		cfg := LoadPaymentsConfig()
		assert.True(t, cfg.TestMode)
		assert.Equal(t, webpayIntegrationURL, cfg.Webpay.BaseURL)
		assert.Equal(t, webpayIntegrationCommerceCode, cfg.Webpay.CommerceCode)
		assert.NotEmpty(t, cfg.Webpay.APIKey)
		assert.Equal(t, mercadoPagoURL, cfg.MP.BaseURL)
	})
	t.Run("production needs explicit credentials", func(t *testing.T) {
		t.Setenv("PAYMENTS_TEST_MODE", "false")
		cfg := LoadPaymentsConfig()
		assert.Equal(t, webpayProductionURL, cfg.Webpay.BaseURL)
		assert.Empty(t, cfg.Webpay.CommerceCode)
		assert.Empty(t, cfg.Webpay.APIKey)
	})
	t.Run("explicit base url wins", func(t *testing.T) {
		t.Setenv("WEBPAY_BASE_URL", "http://127.0.0.1:9999")
		assert.Equal(t, "http://127.0.0.1:9999", LoadPaymentsConfig().Webpay.BaseURL)
	})
}

func TestLoadRateLimits(t *testing.T) {
	t.Setenv("RATE_LIMIT_CAPACITY", "0")
	t.Setenv("RATE_LIMIT_REFILL_INTERVAL", "1m")
	t.Setenv("RATE_LIMIT_TTL", "1s")
	rl := LoadRateLimits()
	assert.Equal(t, 1, rl.Checkout.Capacity)
	assert.Equal(t, 5*time.Minute, rl.Checkout.TTL)
	assert.Equal(t, "rl:webhook", rl.Webhook.Prefix)
	assert.Equal(t, "ip_route", rl.Webhook.KeyStrategy)
}

func TestEnvBool(t *testing.T) {
	t.Setenv("X_FLAG", "off")
	assert.False(t, envBool("X_FLAG", true))
	t.Setenv("X_FLAG", "garbage")
	assert.True(t, envBool("X_FLAG", true))
}
