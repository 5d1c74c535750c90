package webhook

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// keyValue is the part of the Redis client the dedup record uses.
type keyValue interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisDedup shares the processed-id record between instances.  Keys
// expire after the window, so Redis does the purging.  When Redis errors
// the fallback record is used so a broker hiccup does not turn into
// double processing on this instance.
type RedisDedup struct {
	rdb      keyValue
	window   time.Duration
	prefix   string
	fallback *MemoryDedup
}

// NewRedisDedup returns a Redis-backed record under prefix.
func NewRedisDedup(rdb *redis.Client, window time.Duration, prefix string) *RedisDedup {
	return newRedisDedup(rdb, window, prefix)
}

func newRedisDedup(rdb keyValue, window time.Duration, prefix string) *RedisDedup {
	return &RedisDedup{rdb: rdb, window: window, prefix: prefix, fallback: NewMemoryDedup(window, nil)}
}

func (d *RedisDedup) key(id string) string { return d.prefix + ":" + id }

func (d *RedisDedup) IsDuplicate(ctx context.Context, requestID string) bool {
	if requestID == "" {
		return false
	}
	n, err := d.rdb.Exists(ctx, d.key(requestID)).Result()
	if err != nil {
		log.WithError(err).Warn("webhook dedup: redis lookup failed, using local record")
		return d.fallback.IsDuplicate(ctx, requestID)
	}
	return n > 0 || d.fallback.IsDuplicate(ctx, requestID)
}

// MarkProcessed claims requestID with SET NX; the reply decides who
// processes the notification.
func (d *RedisDedup) MarkProcessed(ctx context.Context, requestID string) bool {
	if requestID == "" {
		return true
	}
	first, err := d.rdb.SetNX(ctx, d.key(requestID), time.Now().UTC().Unix(), d.window).Result()
	if err != nil {
		log.WithError(err).Warn("webhook dedup: redis write failed, using local record")
		return d.fallback.MarkProcessed(ctx, requestID)
	}
	if !first {
		return false
	}
	// Keep a local copy for when Redis is unreachable later on.
	return d.fallback.MarkProcessed(ctx, requestID)
}

func (d *RedisDedup) Forget(ctx context.Context, requestID string) {
	d.fallback.Forget(ctx, requestID)
	if err := d.rdb.Del(ctx, d.key(requestID)).Err(); err != nil {
		log.WithError(err).Warn("webhook dedup: redis delete failed")
	}
}
