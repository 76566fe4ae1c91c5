// Package perf implements the Performance Store: a rolling
// window of per-(provider, model) TTFT / tokens-per-second samples feeding
// the "latency" and "performance" Target Selector strategies.
//
// The ring-buffer retention shape is adapted from eugener-gandalf's
// internal/circuitbreaker.SlidingWindow (a fixed-size bucket ring keyed
// by wall-clock second), repurposed here to hold raw performance samples
// instead of weighted error counts so percentile queries can be computed
// directly instead of only a rolling rate.
package perf

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Sample is one completed request's performance data.
type Sample struct {
	Provider       string
	Model          string
	CanonicalModel string
	RequestID      string
	TTFTMs         *int64
	TotalTokens    *int64
	DurationMs     int64
	TokensPerSec   *float64
	CreatedAt      time.Time
}

// Metric names the field Percentile/Mean aggregate over.
type Metric string

const (
	MetricTTFT         Metric = "ttft_ms"
	MetricDuration      Metric = "duration_ms"
	MetricTokensPerSec  Metric = "tokens_per_sec"
	MetricTotalTokens   Metric = "total_tokens"
)

func (s Sample) value(m Metric) (float64, bool) {
	switch m {
	case MetricTTFT:
		if s.TTFTMs == nil {
			return 0, false
		}
		return float64(*s.TTFTMs), true
	case MetricDuration:
		return float64(s.DurationMs), true
	case MetricTokensPerSec:
		if s.TokensPerSec == nil {
			return 0, false
		}
		return *s.TokensPerSec, true
	case MetricTotalTokens:
		if s.TotalTokens == nil {
			return 0, false
		}
		return float64(*s.TotalTokens), true
	default:
		return 0, false
	}
}

// ring is a fixed-capacity circular buffer of samples for one
// (provider, model) key.
type ring struct {
	mu       sync.Mutex
	buf      []Sample
	next     int
	filled   bool
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Sample, capacity)}
}

func (r *ring) add(s Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = s
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.filled = true
	}
}

// snapshotWithin returns a copy of the samples recorded at or after cutoff.
func (r *ring) snapshotWithin(cutoff time.Time) []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.next
	if r.filled {
		n = len(r.buf)
	}
	out := make([]Sample, 0, n)
	for i := 0; i < n; i++ {
		s := r.buf[i]
		if s.CreatedAt.IsZero() {
			continue
		}
		if !cutoff.IsZero() && s.CreatedAt.Before(cutoff) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Store is the process-wide Performance Store.
type Store struct {
	mu       sync.RWMutex
	windows  map[string]*ring
	capacity int
	maxAge   time.Duration

	// fallback holds the last successfully computed value per
	// (provider, model, metric, p) key, so a Target Selector query
	// against a cold or just-expired window still gets a recent number
	// instead of "no data" on the very next sample.
	fallback *gocache.Cache
}

// New creates a Store retaining up to capacity samples per (provider,
// model) key, additionally filtered by maxAge on query (0 disables the
// age filter and relies purely on capacity).
func New(capacity int, maxAge time.Duration) *Store {
	if capacity <= 0 {
		capacity = 256
	}
	fallbackTTL := maxAge
	if fallbackTTL <= 0 {
		fallbackTTL = 30 * time.Minute
	}
	return &Store{
		windows:  make(map[string]*ring),
		capacity: capacity,
		maxAge:   maxAge,
		fallback: gocache.New(fallbackTTL, fallbackTTL/2),
	}
}

func fallbackKey(provider, model string, metric Metric, p float64) string {
	return fmt.Sprintf("%s\x00%s\x00%s\x00%g", provider, model, metric, p)
}

func windowKey(provider, model string) string {
	return provider + "\x00" + model
}

func (s *Store) ringFor(provider, model string) *ring {
	k := windowKey(provider, model)

	s.mu.RLock()
	r, ok := s.windows[k]
	s.mu.RUnlock()
	if ok {
		return r
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.windows[k]; ok {
		return r
	}
	r = newRing(s.capacity)
	s.windows[k] = r
	return r
}

// Record appends a completed request's sample for (provider, model).
func (s *Store) Record(sample Sample) {
	if sample.CreatedAt.IsZero() {
		sample.CreatedAt = time.Now()
	}
	s.ringFor(sample.Provider, sample.Model).add(sample)
}

func (s *Store) samples(provider, model string, now time.Time) []Sample {
	var cutoff time.Time
	if s.maxAge > 0 {
		cutoff = now.Add(-s.maxAge)
	}
	return s.ringFor(provider, model).snapshotWithin(cutoff)
}

// Percentile returns the p-th percentile (0..100) of metric over the
// retained window. When the window holds no samples it returns the last
// value computed for the same query, if one is cached, and false
// otherwise.
func (s *Store) Percentile(provider, model string, metric Metric, p float64, now time.Time) (float64, bool) {
	samples := s.samples(provider, model, now)
	values := make([]float64, 0, len(samples))
	for _, sm := range samples {
		if v, ok := sm.value(metric); ok {
			values = append(values, v)
		}
	}
	key := fallbackKey(provider, model, metric, p)
	if len(values) == 0 {
		if v, ok := s.fallback.Get(key); ok {
			return v.(float64), true
		}
		return 0, false
	}
	sort.Float64s(values)
	idx := int(math.Ceil(p/100*float64(len(values)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(values) {
		idx = len(values) - 1
	}
	result := values[idx]
	s.fallback.SetDefault(key, result)
	return result, true
}

// Mean returns the arithmetic mean of metric over the retained window.
func (s *Store) Mean(provider, model string, metric Metric, now time.Time) (float64, bool) {
	samples := s.samples(provider, model, now)
	var sum float64
	var count int
	for _, sm := range samples {
		if v, ok := sm.value(metric); ok {
			sum += v
			count++
		}
	}
	key := fallbackKey(provider, model, metric, -1)
	if count == 0 {
		if v, ok := s.fallback.Get(key); ok {
			return v.(float64), true
		}
		return 0, false
	}
	result := sum / float64(count)
	s.fallback.SetDefault(key, result)
	return result, true
}

// Count returns how many retained samples exist for (provider, model).
func (s *Store) Count(provider, model string, now time.Time) int {
	return len(s.samples(provider, model, now))
}
