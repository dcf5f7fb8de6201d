package rate

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter is the single-replica limiter used for local runs.
type MemoryLimiter struct {
	mu      sync.Mutex
	policy  Policy
	windows map[string]*window
	swept   time.Time
}

type window struct {
	count int
	reset time.Time
}

func NewMemory(policy Policy) *MemoryLimiter {
	return &MemoryLimiter{policy: policy, windows: map[string]*window{}}
}

func (l *MemoryLimiter) Allow(_ context.Context, userID string, route Route, now time.Time) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweep(now)

	budgets := l.policy.budgets(userID, route)
	var blocked bool
	var retryAfter time.Duration
	for _, b := range budgets {
		w := l.windows[b.key]
		if w == nil || !now.Before(w.reset) {
			continue
		}
		if w.count >= b.limit {
			blocked = true
			if wait := w.reset.Sub(now); wait > retryAfter {
				retryAfter = wait
			}
		}
	}
	if blocked {
		return false, retryAfter, nil
	}

	for _, b := range budgets {
		w := l.windows[b.key]
		if w == nil || !now.Before(w.reset) {
			l.windows[b.key] = &window{count: 1, reset: now.Add(l.policy.Window)}
			continue
		}
		w.count++
	}
	return true, 0, nil
}

func (l *MemoryLimiter) sweep(now time.Time) {
	if now.Sub(l.swept) < l.policy.Window {
		return
	}
	for k, w := range l.windows {
		if !now.Before(w.reset) {
			delete(l.windows, k)
		}
	}
	l.swept = now
}
