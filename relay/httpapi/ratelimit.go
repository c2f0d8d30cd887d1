// SPDX-License-Identifier: LGPL-3.0-or-later

package httpapi

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cc4me/agentmesh/internal/errs"
)

// RateLimiter enforces a per-key sliding-window cap: limit requests
// per key per rolling window. The same type backs every tier the
// relay needs (per-agent, per-IP, and the global aggregate) by
// choosing a different limit/window/key at each call site.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	hits   map[string][]time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:  limit,
		window: window,
		hits:   make(map[string][]time.Time),
	}
}

// Allow reports whether key may make one more request now, recording
// the attempt if so. remaining is how many requests key has left in
// the current window; reset is when the oldest counted hit ages out.
func (r *RateLimiter) Allow(key string) (allowed bool, remaining int, reset time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-r.window)
	kept := r.hits[key][:0]
	for _, t := range r.hits[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= r.limit {
		r.hits[key] = kept
		return false, 0, kept[0].Add(r.window)
	}
	kept = append(kept, now)
	r.hits[key] = kept
	remaining = r.limit - len(kept)
	reset = now.Add(r.window)
	if len(kept) > 0 {
		reset = kept[0].Add(r.window)
	}
	return true, remaining, reset
}

// GlobalLimiter wraps a single-keyed RateLimiter into the relay's
// aggregate circuit breaker: one shared budget across every request,
// authenticated or not, so a burst from many agents at once can't
// overwhelm the relay even though each agent is individually within
// its own tier.
type GlobalLimiter struct {
	limiter *RateLimiter
}

func NewGlobalLimiter(limit int, window time.Duration) *GlobalLimiter {
	return &GlobalLimiter{limiter: NewRateLimiter(limit, window)}
}

func (g *GlobalLimiter) Allow() (allowed bool, remaining int, reset time.Time) {
	return g.limiter.Allow("global")
}

// writeRateLimited sends a 429 with the caller's remaining budget and
// reset time surfaced as headers, matching the convention other
// limited tiers use so clients can back off precisely.
func writeRateLimited(w http.ResponseWriter, remaining int, reset time.Time, msg string) {
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
	writeError(w, errs.RateLimited(msg))
}
