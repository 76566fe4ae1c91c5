package cooldown

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

func newMiniredisClient(t *testing.T) *redis.Client {
	t.Helper()
	srv, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	return redis.NewClient(&redis.Options{Addr: srv.Addr()})
}

func TestRedisPersister_SaveLoadDelete(t *testing.T) {
	ctx := context.Background()
	client := newMiniredisClient(t)
	p := NewRedisPersister(client, "test:cooldown:")

	rec := Record{
		Provider:    "acme",
		Model:       "gpt",
		ExpiryEpoch: time.Now().Add(time.Minute).Unix(),
		Reason:      ReasonRateLimit,
		CreatedAt:   time.Now(),
	}
	require.NoError(t, p.Save(ctx, key("acme", "gpt", ""), rec))

	loaded, err := p.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)

	require.NoError(t, p.Delete(ctx, key("acme", "gpt", "")))
	loaded, err = p.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 0)
}

func TestManager_SurvivesRestartViaPersister(t *testing.T) {
	ctx := context.Background()
	client := newMiniredisClient(t)
	p := NewRedisPersister(client, "test:cooldown2:")

	m1, err := New(ctx, p, DefaultDurations())
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, m1.SetCooldown(ctx, "acme", "gpt", "", ReasonTimeout, now))

	m2, err := New(ctx, p, DefaultDurations())
	require.NoError(t, err)
	require.True(t, m2.IsOnCooldown("acme", "gpt", "", now))
}
