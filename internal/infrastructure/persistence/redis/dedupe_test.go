package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/care-hub/internal/domain/alert"
	"github.com/alem-hub/care-hub/internal/domain/risk"
)

type fakeSetNX struct {
	keys map[string]time.Duration
	err  error
}

func (f *fakeSetNX) SetNX(_ context.Context, key string, _ interface{}, ttl time.Duration) *redis.BoolCmd {
	if f.err != nil {
		return redis.NewBoolResult(false, f.err)
	}
	if _, ok := f.keys[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.keys[key] = ttl
	return redis.NewBoolResult(true, nil)
}

func TestAlertDedupe_Claim(t *testing.T) {
	fake := &fakeSetNX{keys: map[string]time.Duration{}}
	d := NewAlertDedupe(fake, "carehub:")
	key := alert.DedupeKey{UserID: "u1", Stage: risk.StageAction, Level: risk.LevelCritical}
	ctx := context.Background()

	ok, err := d.Claim(ctx, key, alert.DefaultCooldown)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.Claim(ctx, key, alert.DefaultCooldown)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, alert.DefaultCooldown, fake.keys["carehub:alert-dedupe:u1:action:critical"])
}

func TestAlertDedupe_Errors(t *testing.T) {
	d := NewAlertDedupe(&fakeSetNX{err: errors.New("connection refused")}, "")
	key := alert.DedupeKey{UserID: "u1", Stage: risk.StageAction, Level: risk.LevelCritical}

	_, err := d.Claim(context.Background(), key, time.Minute)
	assert.ErrorContains(t, err, "connection refused")

	_, err = d.Claim(context.Background(), key, 0)
	assert.Error(t, err)
}

func TestConfig_Addr(t *testing.T) {
	assert.Equal(t, "localhost:6379", DefaultConfig().Addr())
}
