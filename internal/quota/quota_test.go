package quota

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mcowger/plexus/internal/config"
)

func rollingDef() config.QuotaDefinition {
	return config.QuotaDefinition{
		Name: "tokens", LimitType: config.QuotaLimitTokens,
		Limit: 100, Period: config.QuotaRolling, DurationSec: 3600,
	}
}

func TestCheck_DeniesWhenOverLimitAfterRecord(t *testing.T) {
	e := New(nil)
	ctx := context.Background()
	now := time.Unix(1000, 0)

	require.NoError(t, e.Record(ctx, "key1", []config.QuotaDefinition{rollingDef()}, Added{TokensInput: 150}, now))

	decision, err := e.Check(ctx, "key1", []config.QuotaDefinition{rollingDef()}, now)
	require.NoError(t, err)
	require.False(t, decision.Allowed)
	require.Equal(t, int64(150), decision.CurrentUsage)
}

func TestCheck_LeakReducesUsageOverTime(t *testing.T) {
	e := New(nil)
	ctx := context.Background()
	t0 := time.Unix(0, 0)
	require.NoError(t, e.Record(ctx, "key1", []config.QuotaDefinition{rollingDef()}, Added{TokensInput: 100}, t0))

	t1 := t0.Add(36 * time.Minute) // 60% of the 1h window: 60 of 100 leaks away
	decision, err := e.Check(ctx, "key1", []config.QuotaDefinition{rollingDef()}, t1)
	require.NoError(t, err)
	require.InDelta(t, 40, decision.CurrentUsage, 2)
	require.True(t, decision.Allowed)
}

func TestRecord_RequestCountQuotaAddsOne(t *testing.T) {
	e := New(nil)
	ctx := context.Background()
	def := config.QuotaDefinition{Name: "reqs", LimitType: config.QuotaLimitRequests, Limit: 5, Period: config.QuotaRolling, DurationSec: 60}
	now := time.Unix(0, 0)
	for i := 0; i < 3; i++ {
		require.NoError(t, e.Record(ctx, "key1", []config.QuotaDefinition{def}, Added{TokensInput: 999}, now))
	}
	decision, err := e.Check(ctx, "key1", []config.QuotaDefinition{def}, now)
	require.NoError(t, err)
	require.Equal(t, int64(3), decision.CurrentUsage)
}

func TestRecord_ResetsUsageWhenLimitChanges(t *testing.T) {
	e := New(nil)
	ctx := context.Background()
	now := time.Unix(0, 0)
	def := rollingDef()
	require.NoError(t, e.Record(ctx, "key1", []config.QuotaDefinition{def}, Added{TokensInput: 90}, now))

	changed := def
	changed.Limit = 200
	decision, err := e.Check(ctx, "key1", []config.QuotaDefinition{changed}, now)
	require.NoError(t, err)
	require.Equal(t, int64(0), decision.CurrentUsage)
}

func TestCheck_DailyResetClearsUsageAcrossUTCMidnight(t *testing.T) {
	e := New(nil)
	ctx := context.Background()
	def := config.QuotaDefinition{Name: "daily", LimitType: config.QuotaLimitTokens, Limit: 1000, Period: config.QuotaDaily}
	day1 := time.Date(2026, 7, 30, 23, 0, 0, 0, time.UTC)
	require.NoError(t, e.Record(ctx, "key1", []config.QuotaDefinition{def}, Added{TokensInput: 500}, day1))

	day2 := time.Date(2026, 7, 31, 1, 0, 0, 0, time.UTC)
	decision, err := e.Check(ctx, "key1", []config.QuotaDefinition{def}, day2)
	require.NoError(t, err)
	require.Equal(t, int64(0), decision.CurrentUsage)
}
