package config

// Redis backs the distributed rate limiter and the cross-instance webhook
// dedup record.  When it is unreachable at startup NewRedisClient returns
// nil and callers fall back to no rate limiting and in-process dedup.

import (
	"context"
	"crypto/tls"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// NewRedisClient instantiates a Redis client from REDIS_ADDR (or
// REDIS_HOST + REDIS_PORT), REDIS_PASSWORD, REDIS_DB and REDIS_TLS.
func NewRedisClient() *redis.Client {
	addr := envStr("REDIS_ADDR", "")
	if host, port := envStr("REDIS_HOST", ""), envStr("REDIS_PORT", ""); host != "" && port != "" {
		addr = host + ":" + port
	}
	if addr == "" {
		addr = "localhost:6379"
	}
	var tlsConf *tls.Config
	if v := envStr("REDIS_TLS", ""); strings.EqualFold(v, "true") || v == "1" {
		tlsConf = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(&redis.Options{
		Addr:      addr,
		Password:  envStr("REDIS_PASSWORD", ""),
		DB:        envInt("REDIS_DB", 0),
		TLSConfig: tlsConf,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.WithError(err).WithField("addr", addr).Warn("redis unavailable, rate limiting and shared webhook dedup disabled")
		_ = client.Close()
		return nil
	}
	return client
}
