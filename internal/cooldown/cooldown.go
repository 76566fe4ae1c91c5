// Package cooldown implements the Cooldown Manager: per
// (provider, model[, account]) outage timers with durable persistence,
// lock-free reads, and mutex-guarded writes.
package cooldown

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"

	"github.com/mcowger/plexus/internal/config"
	"github.com/mcowger/plexus/internal/logger"
)

// Reason classifies why a target was put on cooldown; each has its own
// default duration.
type Reason string

const (
	ReasonRateLimit      Reason = "rate_limit"
	ReasonAuthError      Reason = "auth_error"
	ReasonTimeout        Reason = "timeout"
	ReasonServerError    Reason = "server_error"
	ReasonConnectionError Reason = "connection_error"
)

// Record is the persisted state for one (provider, model, accountId) key.
type Record struct {
	Provider            string    `json:"provider"`
	Model               string    `json:"model"`
	AccountID           string    `json:"account_id,omitempty"`
	ExpiryEpoch         int64     `json:"expiry_epoch"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	CreatedAt           time.Time `json:"created_at"`
	Reason              Reason    `json:"reason"`
}

func key(provider, model, accountID string) string {
	return provider + "\x00" + model + "\x00" + accountID
}

// Durations bounds how long a cooldown lasts per reason, clamped to
// [Min, Max].
type Durations struct {
	Min     time.Duration
	Max     time.Duration
	PerReason map[Reason]time.Duration
}

// DefaultDurations mirrors common gateway defaults: short for transient
// network blips, longer for sustained rate limiting or auth misconfig.
func DefaultDurations() Durations {
	return Durations{
		Min: 1 * time.Second,
		Max: 30 * time.Minute,
		PerReason: map[Reason]time.Duration{
			ReasonRateLimit:       30 * time.Second,
			ReasonAuthError:       5 * time.Minute,
			ReasonTimeout:         15 * time.Second,
			ReasonServerError:     20 * time.Second,
			ReasonConnectionError: 10 * time.Second,
		},
	}
}

func (d Durations) clamp(dur time.Duration) time.Duration {
	if dur < d.Min {
		return d.Min
	}
	if dur > d.Max {
		return d.Max
	}
	return dur
}

func (d Durations) forReason(r Reason) time.Duration {
	if dur, ok := d.PerReason[r]; ok {
		return d.clamp(dur)
	}
	return d.clamp(d.Min)
}

// Persister durably stores cooldown records so a process restart does
// not lose active cooldowns. internal/cooldown/redis.go provides a Redis
// implementation; tests may use an in-memory stub.
type Persister interface {
	Save(ctx context.Context, k string, rec Record) error
	Delete(ctx context.Context, k string) error
	LoadAll(ctx context.Context) (map[string]Record, error)
}

// Manager is the Cooldown Manager. Reads dereference an atomically
// published snapshot of the record map (lock-free); writes take muWrite
// and then republish.
type Manager struct {
	durations Durations
	persist   Persister

	muWrite sync.Mutex
	current atomic.Pointer[map[string]Record]
}

// New creates a Manager backed by the given Persister, loading any
// previously-persisted records synchronously so cooldowns survive
// restarts.
func New(ctx context.Context, persist Persister, durations Durations) (*Manager, error) {
	m := &Manager{durations: durations, persist: persist}

	initial := map[string]Record{}
	if persist != nil {
		loaded, err := persist.LoadAll(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "load persisted cooldowns")
		}
		initial = loaded
	}
	m.current.Store(&initial)
	return m, nil
}

func (m *Manager) snapshot() map[string]Record {
	p := m.current.Load()
	if p == nil {
		return nil
	}
	return *p
}

// IsOnCooldown reports whether the given target is currently suppressed.
func (m *Manager) IsOnCooldown(provider, model, accountID string, now time.Time) bool {
	rec, ok := m.snapshot()[key(provider, model, accountID)]
	if !ok {
		return false
	}
	return now.Unix() < rec.ExpiryEpoch
}

// GetRemainingSec returns seconds remaining on a cooldown, 0 if none.
// Monotonically non-increasing as now advances with no intervening
// SetCooldown call (invariant I5 / P3).
func (m *Manager) GetRemainingSec(provider, model, accountID string, now time.Time) int64 {
	rec, ok := m.snapshot()[key(provider, model, accountID)]
	if !ok {
		return 0
	}
	remaining := rec.ExpiryEpoch - now.Unix()
	if remaining < 0 {
		return 0
	}
	return remaining
}

// SetCooldown records a failure and (re)computes the cooldown expiry.
// Consecutive failures increment the stored counter so callers may
// implement exponential backoff on top of the per-reason base duration.
func (m *Manager) SetCooldown(ctx context.Context, provider, model, accountID string, reason Reason, now time.Time) error {
	m.muWrite.Lock()
	defer m.muWrite.Unlock()

	k := key(provider, model, accountID)
	current := m.snapshot()
	next := make(map[string]Record, len(current)+1)
	for kk, vv := range current {
		next[kk] = vv
	}

	prev, existed := current[k]
	consecutive := 1
	createdAt := now
	if existed {
		consecutive = prev.ConsecutiveFailures + 1
		createdAt = prev.CreatedAt
	}

	dur := m.durations.forReason(reason)
	rec := Record{
		Provider:            provider,
		Model:               model,
		AccountID:           accountID,
		ExpiryEpoch:         now.Add(dur).Unix(),
		ConsecutiveFailures: consecutive,
		CreatedAt:           createdAt,
		Reason:              reason,
	}
	next[k] = rec

	if m.persist != nil {
		if err := m.persist.Save(ctx, k, rec); err != nil {
			logger.Logger.Warn("failed to persist cooldown", zap.Error(err),
				zap.String("provider", provider), zap.String("model", model))
		}
	}

	m.current.Store(&next)
	return nil
}

// ResetOnSuccess clears a target's failure streak after a successful
// dispatch.
func (m *Manager) ResetOnSuccess(ctx context.Context, provider, model, accountID string) {
	m.muWrite.Lock()
	defer m.muWrite.Unlock()

	k := key(provider, model, accountID)
	current := m.snapshot()
	if _, ok := current[k]; !ok {
		return
	}
	next := make(map[string]Record, len(current))
	for kk, vv := range current {
		if kk == k {
			continue
		}
		next[kk] = vv
	}
	if m.persist != nil {
		if err := m.persist.Delete(ctx, k); err != nil {
			logger.Logger.Warn("failed to delete persisted cooldown", zap.Error(err))
		}
	}
	m.current.Store(&next)
}

// Clear removes cooldowns for one provider, or every provider when
// provider == "" (operator admin action).
func (m *Manager) Clear(ctx context.Context, provider string) {
	m.muWrite.Lock()
	defer m.muWrite.Unlock()

	current := m.snapshot()
	next := make(map[string]Record, len(current))
	for kk, vv := range current {
		if provider == "" || vv.Provider == provider {
			if m.persist != nil {
				if err := m.persist.Delete(ctx, kk); err != nil {
					logger.Logger.Warn("failed to delete persisted cooldown", zap.Error(err))
				}
			}
			continue
		}
		next[kk] = vv
	}
	m.current.Store(&next)
}

// FilterHealthy returns the subset of targets not currently on cooldown.
func (m *Manager) FilterHealthy(targets []config.Target, now time.Time) []config.Target {
	snap := m.snapshot()
	healthy := make([]config.Target, 0, len(targets))
	for _, t := range targets {
		rec, ok := snap[key(t.Provider, t.Model, "")]
		if ok && now.Unix() < rec.ExpiryEpoch {
			continue
		}
		healthy = append(healthy, t)
	}
	return healthy
}

// RemainingByProvider enumerates cooldown seconds per provider, used to
// build the diagnostic message for ALL_PROVIDERS_ON_COOLDOWN (spec
// §4.7 step 4).
func (m *Manager) RemainingByProvider(targets []config.Target, now time.Time) map[string]int64 {
	out := make(map[string]int64, len(targets))
	for _, t := range targets {
		out[t.Provider] = m.GetRemainingSec(t.Provider, t.Model, "", now)
	}
	return out
}
