// Package quota implements the Quota Enforcer: pre-request admission
// checks and post-request usage recording against per-API-key token or
// request-count budgets, with a rolling-window leak model alongside
// fixed daily/weekly resets.
package quota

import (
	"context"
	"sync"
	"time"

	"github.com/Laisky/errors/v2"

	"github.com/mcowger/plexus/internal/config"
)

// Decision is the result of a pre-request check.
type Decision struct {
	Allowed      bool
	CurrentUsage int64
	Limit        int64
	Remaining    int64
	ResetsAt     time.Time
	LimitType    config.QuotaLimitType
}

// state is one key+quota's live counter, mutated in place.
type state struct {
	currentUsage       int64
	lastUpdated        time.Time
	lastKnownLimit     int64
	lastKnownLimitType config.QuotaLimitType
}

// Persister durably stores quota counters so restarts don't reset them
// early, and records an audit trail of check/record decisions.
type Persister interface {
	Load(ctx context.Context, keyName, quotaName string) (currentUsage int64, lastUpdated time.Time, lastKnownLimit int64, lastKnownLimitType config.QuotaLimitType, found bool, err error)
	Save(ctx context.Context, keyName, quotaName string, currentUsage int64, lastUpdated time.Time, lastKnownLimit int64, lastKnownLimitType config.QuotaLimitType) error
}

// Enforcer is the process-wide Quota Enforcer.
type Enforcer struct {
	persist Persister

	mu     sync.Mutex
	states map[string]*state
}

// New creates an Enforcer backed by persist (nil disables durability;
// counters live only in memory).
func New(persist Persister) *Enforcer {
	return &Enforcer{persist: persist, states: make(map[string]*state)}
}

func stateKey(keyName, quotaName string) string { return keyName + "\x00" + quotaName }

func (e *Enforcer) load(ctx context.Context, keyName string, def config.QuotaDefinition) (*state, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	k := stateKey(keyName, def.Name)
	if st, ok := e.states[k]; ok {
		return st, nil
	}

	st := &state{lastKnownLimit: def.Limit, lastKnownLimitType: def.LimitType}
	if e.persist != nil {
		usage, lastUpdated, limit, limitType, found, err := e.persist.Load(ctx, keyName, def.Name)
		if err != nil {
			return nil, errors.Wrap(err, "load quota state")
		}
		if found {
			st.currentUsage = usage
			st.lastUpdated = lastUpdated
			st.lastKnownLimit = limit
			st.lastKnownLimitType = limitType
		}
	}
	e.states[k] = st
	return st, nil
}

// Check performs the pre-request admission test for every quota bound to
// keyName, returning the first denial encountered, or the decision for
// the last quota in defs if all quotas allow.
func (e *Enforcer) Check(ctx context.Context, keyName string, defs []config.QuotaDefinition, now time.Time) (Decision, error) {
	var last Decision
	for _, def := range defs {
		st, err := e.load(ctx, keyName, def)
		if err != nil {
			return Decision{}, err
		}

		e.mu.Lock()
		resetQuotaOnDefinitionChange(st, def)
		applyPeriodReset(st, def, now)
		leak(st, def, now)
		decision := Decision{
			Allowed:      st.currentUsage < def.Limit,
			CurrentUsage: st.currentUsage,
			Limit:        def.Limit,
			Remaining:    maxI64(def.Limit-st.currentUsage, 0),
			ResetsAt:     resetsAt(def, now),
			LimitType:    def.LimitType,
		}
		st.lastUpdated = now
		e.mu.Unlock()

		if e.persist != nil {
			if err := e.persist.Save(ctx, keyName, def.Name, st.currentUsage, st.lastUpdated, st.lastKnownLimit, st.lastKnownLimitType); err != nil {
				return Decision{}, errors.Wrap(err, "persist quota state")
			}
		}

		last = decision
		if !decision.Allowed {
			return decision, nil
		}
	}
	return last, nil
}

// Added is what a completed request contributes to every bound quota;
// request-count quotas instead add exactly 1 regardless of these fields.
type Added struct {
	TokensInput     int64
	TokensOutput    int64
	TokensReasoning int64
	TokensCached    int64
}

func (a Added) total() int64 {
	return a.TokensInput + a.TokensOutput + a.TokensReasoning + a.TokensCached
}

// Record applies a completed request's usage to every quota bound to
// keyName.
func (e *Enforcer) Record(ctx context.Context, keyName string, defs []config.QuotaDefinition, added Added, now time.Time) error {
	for _, def := range defs {
		st, err := e.load(ctx, keyName, def)
		if err != nil {
			return err
		}

		e.mu.Lock()
		resetQuotaOnDefinitionChange(st, def)
		applyPeriodReset(st, def, now)
		leak(st, def, now)

		delta := int64(1)
		if def.LimitType == config.QuotaLimitTokens {
			delta = added.total()
		}
		st.currentUsage += delta
		st.lastUpdated = now
		usage, updated := st.currentUsage, st.lastUpdated
		lim, limType := st.lastKnownLimit, st.lastKnownLimitType
		e.mu.Unlock()

		if e.persist != nil {
			if err := e.persist.Save(ctx, keyName, def.Name, usage, updated, lim, limType); err != nil {
				return errors.Wrap(err, "persist quota state")
			}
		}
	}
	return nil
}

// resetQuotaOnDefinitionChange zeroes the counter when the operator
// changed a quota's limit or limitType since the last observation.
func resetQuotaOnDefinitionChange(st *state, def config.QuotaDefinition) {
	if st.lastKnownLimit != def.Limit || st.lastKnownLimitType != def.LimitType {
		st.currentUsage = 0
		st.lastKnownLimit = def.Limit
		st.lastKnownLimitType = def.LimitType
	}
}

// leak applies the rolling-window decay; daily/weekly quotas are reset
// wholesale by applyPeriodReset instead and leak is a no-op for them.
func leak(st *state, def config.QuotaDefinition, now time.Time) {
	if def.Period != config.QuotaRolling || st.lastUpdated.IsZero() || def.DurationSec <= 0 {
		return
	}
	elapsed := now.Sub(st.lastUpdated)
	if elapsed <= 0 {
		return
	}
	decayed := float64(def.Limit) * elapsed.Seconds() / float64(def.DurationSec)
	st.currentUsage = maxI64(st.currentUsage-int64(decayed), 0)
}

// applyPeriodReset clears currentUsage once a daily (00:00 UTC) or
// weekly (Sunday 00:00 UTC) boundary has passed since lastUpdated.
func applyPeriodReset(st *state, def config.QuotaDefinition, now time.Time) {
	if st.lastUpdated.IsZero() {
		return
	}
	switch def.Period {
	case config.QuotaDaily:
		if !sameUTCDay(st.lastUpdated, now) {
			st.currentUsage = 0
		}
	case config.QuotaWeekly:
		if weekStartUTC(st.lastUpdated).Before(weekStartUTC(now)) {
			st.currentUsage = 0
		}
	}
}

func resetsAt(def config.QuotaDefinition, now time.Time) time.Time {
	switch def.Period {
	case config.QuotaDaily:
		u := now.UTC()
		return time.Date(u.Year(), u.Month(), u.Day()+1, 0, 0, 0, 0, time.UTC)
	case config.QuotaWeekly:
		return weekStartUTC(now).AddDate(0, 0, 7)
	default:
		if def.DurationSec > 0 {
			return now.Add(time.Duration(def.DurationSec) * time.Second)
		}
		return time.Time{}
	}
}

func sameUTCDay(a, b time.Time) bool {
	au, bu := a.UTC(), b.UTC()
	return au.Year() == bu.Year() && au.YearDay() == bu.YearDay()
}

func weekStartUTC(t time.Time) time.Time {
	u := t.UTC()
	daysSinceSunday := int(u.Weekday())
	midnight := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	return midnight.AddDate(0, 0, -daysSinceSunday)
}

func maxI64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
