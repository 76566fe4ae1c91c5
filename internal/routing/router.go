// Package routing implements the Router: alias/direct
// resolution, cooldown-aware health filtering, api-match priority, and
// Target Selector invocation.
package routing

import (
	"strings"
	"time"

	"github.com/mcowger/plexus/internal/config"
	"github.com/mcowger/plexus/internal/cooldown"
	"github.com/mcowger/plexus/internal/perf"
	"github.com/mcowger/plexus/internal/selector"
)

// Resolved is what a successful Resolve returns: everything the
// Dispatcher needs to invoke a provider.
type Resolved struct {
	Provider           string
	Model              string
	ProviderConfig     config.ProviderConfig
	ModelConfig        *config.ModelConfig
	IncomingModelAlias string
	CanonicalModel     string
}

// Router resolves a requested model string to one healthy target.
type Router struct {
	cooldown *cooldown.Manager
	perf     *perf.Store
}

// New constructs a Router over the given Cooldown Manager and
// Performance Store.
func New(cd *cooldown.Manager, perfStore *perf.Store) *Router {
	return &Router{cooldown: cd, perf: perfStore}
}

const directPrefix = "direct/"

// Resolve implements the six-step alias/direct resolution order.
func (r *Router) Resolve(snap *config.Snapshot, requestedModel, incomingAPIType string, selCtx selector.Context, now time.Time) (*Resolved, error) {
	if strings.HasPrefix(requestedModel, directPrefix) {
		return r.resolveDirect(snap, requestedModel, now)
	}
	return r.resolveAlias(snap, requestedModel, incomingAPIType, selCtx, now)
}

// resolveDirect implements step 1: direct routing bypasses aliases and,
// unless the snapshot opts into respecting cooldowns for direct routes,
// also bypasses cooldown filtering.
func (r *Router) resolveDirect(snap *config.Snapshot, requestedModel string, now time.Time) (*Resolved, error) {
	rest := strings.TrimPrefix(requestedModel, directPrefix)
	idx := strings.IndexByte(rest, '/')
	if idx <= 0 || idx == len(rest)-1 {
		return nil, newError(ErrDirectRoutingInvalid, "malformed direct route %q: expected direct/<provider>/<model>", requestedModel)
	}
	providerName := rest[:idx]
	modelName := rest[idx+1:]

	provider, ok := snap.Providers[providerName]
	if !ok {
		return nil, newError(ErrProviderNotFound, "direct route references unknown provider %q", providerName)
	}
	if !provider.Enabled {
		return nil, newError(ErrDirectRoutingInvalid, "direct route provider %q is disabled", providerName)
	}

	if !snap.DirectRoutingSkipsCooldown && r.cooldown != nil && r.cooldown.IsOnCooldown(providerName, modelName, "", now) {
		remaining := r.cooldown.GetRemainingSec(providerName, modelName, "", now)
		err := newError(ErrAllProvidersOnCooldown, "direct route %s/%s is on cooldown", providerName, modelName)
		err.CooldownRemaining = map[string]int64{providerName: remaining}
		return nil, err
	}

	var mc *config.ModelConfig
	if m, ok := provider.Models[modelName]; ok {
		mc = &m
	}

	return &Resolved{
		Provider:           providerName,
		Model:              modelName,
		ProviderConfig:     provider,
		ModelConfig:        mc,
		IncomingModelAlias: requestedModel,
		CanonicalModel:     requestedModel,
	}, nil
}

// resolveAlias implements steps 2–7.
func (r *Router) resolveAlias(snap *config.Snapshot, requestedModel, incomingAPIType string, selCtx selector.Context, now time.Time) (*Resolved, error) {
	alias, canonical, ok := snap.Resolve(requestedModel)
	if !ok {
		return nil, newError(ErrAliasNotFound, "no alias or additional_alias named %q", requestedModel)
	}

	enabled := r.filterEnabled(snap, alias.Targets)
	if len(enabled) == 0 {
		return nil, newError(ErrNoEnabledTargets, "alias %q has no enabled, provider-enabled targets", canonical)
	}

	skipCooldown := false // alias flow never skips cooldown filtering
	var healthy []config.Target
	if skipCooldown || r.cooldown == nil {
		healthy = enabled
	} else {
		healthy = r.cooldown.FilterHealthy(enabled, now)
	}
	if len(healthy) == 0 {
		remaining := map[string]int64{}
		if r.cooldown != nil {
			remaining = r.cooldown.RemainingByProvider(enabled, now)
		}
		return nil, &Error{
			Kind:              ErrAllProvidersOnCooldown,
			Message:           "all targets for alias are on cooldown",
			CooldownRemaining: remaining,
		}
	}

	if alias.Priority == config.PriorityAPIMatch && incomingAPIType != "" {
		if matched := filterByDialect(snap, healthy, incomingAPIType); len(matched) > 0 {
			healthy = matched
		}
	}

	candidates := enrich(snap, healthy)
	strategy := alias.Selector
	if strategy == "" {
		strategy = config.SelectorRandom
	}
	if selCtx.Perf == nil {
		selCtx.Perf = r.perf
	}
	chosen := selector.Select(candidates, strategy, selCtx)
	if chosen == nil {
		return nil, newError(ErrNoEnabledTargets, "every healthy target for alias %q has already been attempted", canonical)
	}

	provider := snap.Providers[chosen.Provider]
	var mc *config.ModelConfig
	if m, ok := provider.Models[chosen.Model]; ok {
		mc = &m
	}

	return &Resolved{
		Provider:           chosen.Provider,
		Model:              chosen.Model,
		ProviderConfig:     provider,
		ModelConfig:        mc,
		IncomingModelAlias: requestedModel,
		CanonicalModel:     canonical,
	}, nil
}

// filterEnabled implements step 3: a target is valid only when its
// provider is enabled, the model is listed under that provider, and the
// target itself is enabled.
func (r *Router) filterEnabled(snap *config.Snapshot, targets []config.Target) []config.Target {
	out := make([]config.Target, 0, len(targets))
	for _, t := range targets {
		if !t.Enabled {
			continue
		}
		provider, ok := snap.Providers[t.Provider]
		if !ok || !provider.Enabled {
			continue
		}
		if _, ok := provider.Models[t.Model]; !ok {
			continue
		}
		out = append(out, t)
	}
	return out
}

// filterByDialect implements step 5: prefer targets declaring
// incomingAPIType in access_via.
func filterByDialect(snap *config.Snapshot, targets []config.Target, incomingAPIType string) []config.Target {
	out := make([]config.Target, 0, len(targets))
	for _, t := range targets {
		provider := snap.Providers[t.Provider]
		mc, ok := provider.Models[t.Model]
		if !ok {
			continue
		}
		for _, dialect := range mc.AccessVia {
			if dialect == incomingAPIType {
				out = append(out, t)
				break
			}
		}
	}
	return out
}

func enrich(snap *config.Snapshot, targets []config.Target) []selector.Candidate {
	out := make([]selector.Candidate, 0, len(targets))
	for _, t := range targets {
		provider := snap.Providers[t.Provider]
		mc := provider.Models[t.Model]
		out = append(out, selector.Candidate{Target: t, ModelConfig: mc})
	}
	return out
}
