package usecase

import (
	"fmt"
	"sync"
	"time"

	"conductor-ai/internal/domain"
)

// DefaultActionClass is the limit applied to classes with no explicit entry.
const DefaultActionClass = "default"

// Limit is the number of calls allowed within a sliding window.
type Limit struct {
	Count  int
	Window time.Duration
}

// RateStatus is a read-only view of one (actor, class) window for quota displays.
type RateStatus struct {
	Class   string        `json:"class"`
	Used    int           `json:"used"`
	Limit   int           `json:"limit"`
	Window  time.Duration `json:"window"`
	ResetIn time.Duration `json:"reset_in"`
}

type rateKey struct {
	actor string
	class string
}

// RateLimiter is a per-actor, per-action-class sliding-window admission control.
// Each key tracks the timestamps of admitted calls; a call is rejected when the
// count within the window has reached the class limit.
type RateLimiter struct {
	mu      sync.Mutex
	limits  map[string]Limit
	windows map[rateKey][]time.Time
	now     func() time.Time // for testing
}

// NewRateLimiter creates a limiter. limits maps action class to its limit; the
// DefaultActionClass entry, if present, covers every class not listed.
func NewRateLimiter(limits map[string]Limit) *RateLimiter {
	l := make(map[string]Limit, len(limits))
	for k, v := range limits {
		l[k] = v
	}
	return &RateLimiter{
		limits:  l,
		windows: make(map[rateKey][]time.Time),
		now:     time.Now,
	}
}

func (r *RateLimiter) limitFor(class string) (Limit, bool) {
	if l, ok := r.limits[class]; ok {
		return l, true
	}
	l, ok := r.limits[DefaultActionClass]
	return l, ok
}

// Admit records a call for (actor, class) and returns ErrRateLimited when the
// window is full. The decision is atomic per key. Classes with no configured
// limit are always admitted.
func (r *RateLimiter) Admit(actor, class string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	lim, ok := r.limitFor(class)
	if !ok || lim.Count <= 0 || lim.Window <= 0 {
		return nil
	}

	now := r.now()
	key := rateKey{actor: actor, class: class}
	calls := trimWindow(r.windows[key], now.Add(-lim.Window))

	if len(calls) >= lim.Count {
		r.windows[key] = calls
		retry := calls[0].Add(lim.Window).Sub(now)
		return domain.NewDomainError("RateLimiter.Admit", domain.ErrRateLimited,
			fmt.Sprintf("%s/%s: %d per %s, retry in %s", actor, class, lim.Count, lim.Window, retry.Round(time.Second)))
	}

	r.windows[key] = append(calls, now)
	return nil
}

// Status reports the current usage of (actor, class) without recording a call.
func (r *RateLimiter) Status(actor, class string) RateStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	lim, _ := r.limitFor(class)
	st := RateStatus{Class: class, Limit: lim.Count, Window: lim.Window}
	if lim.Window <= 0 {
		return st
	}

	now := r.now()
	key := rateKey{actor: actor, class: class}
	calls := trimWindow(r.windows[key], now.Add(-lim.Window))
	r.windows[key] = calls
	st.Used = len(calls)
	if len(calls) > 0 && len(calls) >= lim.Count {
		st.ResetIn = calls[0].Add(lim.Window).Sub(now)
	}
	return st
}

// Sweep removes windows with no entry newer than twice their window size and
// returns how many were dropped.
func (r *RateLimiter) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	removed := 0
	for key, calls := range r.windows {
		lim, _ := r.limitFor(key.class)
		horizon := 2 * lim.Window
		if len(calls) == 0 || horizon <= 0 || !calls[len(calls)-1].After(now.Add(-horizon)) {
			delete(r.windows, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked windows.
func (r *RateLimiter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.windows)
}

// trimWindow drops timestamps at or before cutoff, reusing the backing array.
func trimWindow(calls []time.Time, cutoff time.Time) []time.Time {
	n := 0
	for _, t := range calls {
		if t.After(cutoff) {
			calls[n] = t
			n++
		}
	}
	return calls[:n]
}
