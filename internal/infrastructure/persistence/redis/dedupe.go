package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alem-hub/care-hub/internal/domain/alert"
)

// setNXer is the subset of the Redis client the dedupe store needs.
type setNXer interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// AlertDedupe claims alert dedupe keys with SET NX PX so every instance
// behind the same Redis shares one cooldown window.
type AlertDedupe struct {
	client setNXer
	prefix string
}

// NewAlertDedupe creates a dedupe store. Keys are written under
// prefix + "alert-dedupe:".
func NewAlertDedupe(client setNXer, prefix string) *AlertDedupe {
	return &AlertDedupe{client: client, prefix: prefix + "alert-dedupe:"}
}

// Claim implements alert.Dedupe.
func (d *AlertDedupe) Claim(ctx context.Context, key alert.DedupeKey, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("dedupe: invalid ttl %s", ttl)
	}
	ok, err := d.client.SetNX(ctx, d.Key(key), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe: claim %s: %w", key, err)
	}
	return ok, nil
}

// Key returns the Redis key used for k.
func (d *AlertDedupe) Key(k alert.DedupeKey) string {
	return d.prefix + k.String()
}
