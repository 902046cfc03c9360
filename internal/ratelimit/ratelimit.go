// ABOUTME: Per-caller sliding-window rate limiter for the RPC gateway
// ABOUTME: Check and record happen under one lock to close the TOCTOU race

package ratelimit

import (
	"math"
	"sync"
	"time"
)

// DefaultWindow is the rolling window callers are measured against.
const DefaultWindow = time.Minute

// Limiter tracks request timestamps per caller and enforces a per-caller
// request budget over a rolling window. Callers without an explicit limit
// fall back to the default.
type Limiter struct {
	mu           sync.Mutex
	window       time.Duration
	defaultLimit int
	limits       map[string]int
	calls        map[string][]time.Time
}

// Stats describes one caller's current window, as reported by Snapshot.
type Stats struct {
	RequestsInWindow int     `json:"requests_last_minute"`
	Limit            int     `json:"rate_limit"`
	UtilizationPct   float64 `json:"utilization_percentage"`
}

// New creates a limiter. limits maps caller ids to per-window budgets; any
// caller not present uses defaultLimit. A zero window means DefaultWindow.
func New(window time.Duration, defaultLimit int, limits map[string]int) *Limiter {
	if window <= 0 {
		window = DefaultWindow
	}
	l := &Limiter{
		window:       window,
		defaultLimit: defaultLimit,
		limits:       make(map[string]int, len(limits)),
		calls:        make(map[string][]time.Time),
	}
	for caller, limit := range limits {
		l.limits[caller] = limit
	}
	return l
}

// Allow reports whether caller may make a request right now. The current
// timestamp is recorded only when the request is admitted, so rejected
// requests do not consume budget.
func (l *Limiter) Allow(caller string) bool {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	recent := l.pruneLocked(caller, now)
	if len(recent) >= l.limitFor(caller) {
		return false
	}

	l.calls[caller] = append(recent, now)
	return true
}

// Limit returns the effective per-window budget for caller.
func (l *Limiter) Limit(caller string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limitFor(caller)
}

// DefaultLimit returns the budget applied to callers without a custom limit.
func (l *Limiter) DefaultLimit() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.defaultLimit
}

// CustomLimits returns a copy of the per-caller overrides.
func (l *Limiter) CustomLimits() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]int, len(l.limits))
	for caller, limit := range l.limits {
		out[caller] = limit
	}
	return out
}

// Snapshot returns current window stats for every caller seen so far,
// pruning expired entries as it goes.
func (l *Limiter) Snapshot() map[string]Stats {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]Stats, len(l.calls))
	for caller := range l.calls {
		recent := l.pruneLocked(caller, now)
		l.calls[caller] = recent
		limit := l.limitFor(caller)
		pct := 0.0
		if limit > 0 {
			pct = math.Round(float64(len(recent))/float64(limit)*1000) / 10
		}
		out[caller] = Stats{
			RequestsInWindow: len(recent),
			Limit:            limit,
			UtilizationPct:   pct,
		}
	}
	return out
}

// limitFor returns the caller's configured limit or the default.
// Must be called with mu held.
func (l *Limiter) limitFor(caller string) int {
	if limit, ok := l.limits[caller]; ok {
		return limit
	}
	return l.defaultLimit
}

// pruneLocked drops timestamps older than the window from the caller's
// history and returns what remains. Must be called with mu held.
func (l *Limiter) pruneLocked(caller string, now time.Time) []time.Time {
	cutoff := now.Add(-l.window)
	history := l.calls[caller]

	// Timestamps are appended in order, so find the first one still inside
	// the window and keep from there.
	keep := 0
	for keep < len(history) && !history[keep].After(cutoff) {
		keep++
	}
	if keep == 0 {
		return history
	}
	return append([]time.Time(nil), history[keep:]...)
}
