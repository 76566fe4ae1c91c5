package routing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mcowger/plexus/internal/config"
	"github.com/mcowger/plexus/internal/cooldown"
	"github.com/mcowger/plexus/internal/selector"
)

func baseSnap() *config.Snapshot {
	return &config.Snapshot{
		Providers: map[string]config.ProviderConfig{
			"primary": {
				Name:    "primary",
				Type:    "chat",
				Enabled: true,
				Models: map[string]config.ModelConfig{
					"gpt-4": {Pricing: config.Pricing{Kind: config.PricingSimple, Input: 1, Output: 2}},
				},
			},
			"secondary": {
				Name:    "secondary",
				Type:    "chat",
				Enabled: true,
				Models: map[string]config.ModelConfig{
					"gpt-4": {Pricing: config.Pricing{Kind: config.PricingSimple, Input: 1, Output: 2}},
				},
			},
			"stima": {
				Name:    "stima",
				Type:    "chat",
				Enabled: true,
				Models: map[string]config.ModelConfig{
					"namespace/model-name": {},
				},
			},
		},
		Aliases: map[string]config.ModelAlias{
			"gpt-4-alias": {
				Name:     "gpt-4-alias",
				Selector: config.SelectorInOrder,
				Targets: []config.Target{
					{Provider: "primary", Model: "gpt-4", Enabled: true},
					{Provider: "secondary", Model: "gpt-4", Enabled: true},
				},
			},
		},
		DirectRoutingSkipsCooldown: true,
	}
}

func newManager(t *testing.T) *cooldown.Manager {
	t.Helper()
	m, err := cooldown.New(context.Background(), nil, cooldown.DefaultDurations())
	require.NoError(t, err)
	return m
}

// TestResolve_AliasFallsBackAfterCooldown reproduces spec.md §8 scenario 1:
// alias with in_order selector falls through to the second target once
// the first is on cooldown.
func TestResolve_AliasFallsBackAfterCooldown(t *testing.T) {
	snap := baseSnap()
	mgr := newManager(t)
	now := time.Now()

	require.NoError(t, mgr.SetCooldown(context.Background(), "primary", "gpt-4", "", cooldown.ReasonRateLimit, now))

	router := New(mgr, nil)
	resolved, err := router.Resolve(snap, "gpt-4-alias", "chat", selector.Context{Now: now}, now)

	require.NoError(t, err)
	require.Equal(t, "secondary", resolved.Provider)
	require.Equal(t, "gpt-4", resolved.Model)
}

// TestResolve_DirectRoutingBypassesCooldown reproduces scenario 3: direct
// routing resolves "direct/stima/namespace/model-name" and ignores
// cooldown state entirely.
func TestResolve_DirectRoutingBypassesCooldown(t *testing.T) {
	snap := baseSnap()
	mgr := newManager(t)
	now := time.Now()
	require.NoError(t, mgr.SetCooldown(context.Background(), "stima", "namespace/model-name", "", cooldown.ReasonServerError, now))

	router := New(mgr, nil)
	resolved, err := router.Resolve(snap, "direct/stima/namespace/model-name", "chat", selector.Context{}, now)

	require.NoError(t, err)
	require.Equal(t, "stima", resolved.Provider)
	require.Equal(t, "namespace/model-name", resolved.Model)
}

func TestResolve_DirectRoutingRespectsCooldownWhenConfigured(t *testing.T) {
	snap := baseSnap()
	snap.DirectRoutingSkipsCooldown = false
	mgr := newManager(t)
	now := time.Now()
	require.NoError(t, mgr.SetCooldown(context.Background(), "stima", "namespace/model-name", "", cooldown.ReasonServerError, now))

	router := New(mgr, nil)
	_, err := router.Resolve(snap, "direct/stima/namespace/model-name", "chat", selector.Context{}, now)

	require.Error(t, err)
	rerr, ok := err.(*Error)
	require.True(t, ok)
	require.Equal(t, ErrAllProvidersOnCooldown, rerr.Kind)
	require.Contains(t, rerr.CooldownRemaining, "stima")
}

func TestResolve_AliasNotFound(t *testing.T) {
	snap := baseSnap()
	router := New(newManager(t), nil)

	_, err := router.Resolve(snap, "no-such-alias", "chat", selector.Context{}, time.Now())

	require.Error(t, err)
	rerr, ok := err.(*Error)
	require.True(t, ok)
	require.Equal(t, ErrAliasNotFound, rerr.Kind)
}

func TestResolve_DirectRoutingUnknownProvider(t *testing.T) {
	snap := baseSnap()
	router := New(newManager(t), nil)

	_, err := router.Resolve(snap, "direct/ghost/some-model", "chat", selector.Context{}, time.Now())

	require.Error(t, err)
	rerr, ok := err.(*Error)
	require.True(t, ok)
	require.Equal(t, ErrProviderNotFound, rerr.Kind)
}

func TestResolve_DirectRoutingMalformed(t *testing.T) {
	snap := baseSnap()
	router := New(newManager(t), nil)

	_, err := router.Resolve(snap, "direct/onlyprovider", "chat", selector.Context{}, time.Now())

	require.Error(t, err)
	rerr, ok := err.(*Error)
	require.True(t, ok)
	require.Equal(t, ErrDirectRoutingInvalid, rerr.Kind)
}

func TestResolve_AllProvidersOnCooldown(t *testing.T) {
	snap := baseSnap()
	mgr := newManager(t)
	now := time.Now()
	require.NoError(t, mgr.SetCooldown(context.Background(), "primary", "gpt-4", "", cooldown.ReasonRateLimit, now))
	require.NoError(t, mgr.SetCooldown(context.Background(), "secondary", "gpt-4", "", cooldown.ReasonRateLimit, now))

	router := New(mgr, nil)
	_, err := router.Resolve(snap, "gpt-4-alias", "chat", selector.Context{}, now)

	require.Error(t, err)
	rerr, ok := err.(*Error)
	require.True(t, ok)
	require.Equal(t, ErrAllProvidersOnCooldown, rerr.Kind)
	require.Contains(t, rerr.CooldownRemaining, "primary")
	require.Contains(t, rerr.CooldownRemaining, "secondary")
}

func TestResolve_NoEnabledTargetsWhenAllDisabled(t *testing.T) {
	snap := baseSnap()
	alias := snap.Aliases["gpt-4-alias"]
	for i := range alias.Targets {
		alias.Targets[i].Enabled = false
	}
	snap.Aliases["gpt-4-alias"] = alias

	router := New(newManager(t), nil)
	_, err := router.Resolve(snap, "gpt-4-alias", "chat", selector.Context{}, time.Now())

	require.Error(t, err)
	rerr, ok := err.(*Error)
	require.True(t, ok)
	require.Equal(t, ErrNoEnabledTargets, rerr.Kind)
}

func TestResolve_ReturnsNoEnabledTargetsWhenAllAttempted(t *testing.T) {
	snap := baseSnap()
	router := New(newManager(t), nil)
	now := time.Now()

	selCtx := selector.Context{
		Now:              now,
		PreviousAttempts: map[string]bool{"primary\x00gpt-4": true, "secondary\x00gpt-4": true},
	}
	_, err := router.Resolve(snap, "gpt-4-alias", "chat", selCtx, now)

	require.Error(t, err)
	rerr, ok := err.(*Error)
	require.True(t, ok)
	require.Equal(t, ErrNoEnabledTargets, rerr.Kind)
}
