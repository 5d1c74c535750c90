package config

import "time"

// RateLimitConfig is a token-bucket policy.  Capacity tokens are available
// up front and RefillTokens are added every RefillInterval.
type RateLimitConfig struct {
	Enabled        bool
	Capacity       int
	RefillTokens   int
	RefillInterval time.Duration
	TTL            time.Duration
	KeyStrategy    string // ip | user | ip_user | ip_route | user_route | ip_user_route
	Prefix         string
	Debug          bool
}

// RateLimits holds the policies applied to the public surface.  Checkout
// creates provider transactions and is keyed per user; webhooks are keyed
// per source IP with a larger bucket since providers burst retries.
type RateLimits struct {
	Checkout RateLimitConfig
	Webhook  RateLimitConfig
}

// LoadRateLimits reads RATE_LIMIT_* for the checkout policy and
// RATE_LIMIT_WEBHOOK_* overrides for the webhook policy.
func LoadRateLimits() RateLimits {
	checkout := loadRateLimit("RATE_LIMIT", RateLimitConfig{
		Enabled:        true,
		Capacity:       10,
		RefillTokens:   1,
		RefillInterval: 6 * time.Second,
		TTL:            10 * time.Minute,
		KeyStrategy:    "user_route",
		Prefix:         "rl:checkout",
	})
	webhook := loadRateLimit("RATE_LIMIT_WEBHOOK", RateLimitConfig{
		Enabled:        checkout.Enabled,
		Capacity:       120,
		RefillTokens:   2,
		RefillInterval: time.Second,
		TTL:            10 * time.Minute,
		KeyStrategy:    "ip_route",
		Prefix:         "rl:webhook",
		Debug:          checkout.Debug,
	})
	return RateLimits{Checkout: checkout, Webhook: webhook}
}

func loadRateLimit(prefix string, def RateLimitConfig) RateLimitConfig {
	cfg := RateLimitConfig{
		Enabled:        envBool(prefix+"_ENABLED", def.Enabled),
		Capacity:       envInt(prefix+"_CAPACITY", def.Capacity),
		RefillTokens:   envInt(prefix+"_REFILL_TOKENS", def.RefillTokens),
		RefillInterval: envDur(prefix+"_REFILL_INTERVAL", def.RefillInterval),
		TTL:            envDur(prefix+"_TTL", def.TTL),
		KeyStrategy:    envStr(prefix+"_KEY_STRATEGY", def.KeyStrategy),
		Prefix:         envStr(prefix+"_PREFIX", def.Prefix),
		Debug:          envBool(prefix+"_DEBUG", def.Debug),
	}
	if cfg.Capacity < 1 {
		cfg.Capacity = 1
	}
	if cfg.RefillTokens < 1 {
		cfg.RefillTokens = 1
	}
	if cfg.RefillInterval <= 0 {
		cfg.RefillInterval = time.Second
	}
	// Keep idle buckets around long enough to refill completely.
	if minTTL := 5 * cfg.RefillInterval; cfg.TTL < minTTL {
		cfg.TTL = minTTL
	}
	return cfg
}
