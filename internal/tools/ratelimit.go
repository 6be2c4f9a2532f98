package tools

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter throttles executions per tool using token buckets.
// Tools without a configured limit are never throttled.
type RateLimiter struct {
	mu     sync.Mutex
	limits map[string]*rate.Limiter
}

// NewRateLimiter creates a limiter from a tool -> calls-per-minute map.
// burst <= 0 defaults to 1.
func NewRateLimiter(perMinute map[string]int, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	l := &RateLimiter{limits: make(map[string]*rate.Limiter, len(perMinute))}
	for name, rpm := range perMinute {
		if rpm <= 0 {
			continue
		}
		l.limits[name] = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst)
	}
	return l
}

func (l *RateLimiter) limiter(name string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limits[name]
}

// Allow reports whether a call to name may proceed right now.
func (l *RateLimiter) Allow(name string) bool {
	lim := l.limiter(name)
	if lim == nil {
		return true
	}
	return lim.Allow()
}

// Wait blocks until a call to name may proceed or ctx ends. A wait that would
// outlive the ctx deadline fails immediately with a Timeout error.
func (l *RateLimiter) Wait(ctx context.Context, name string) error {
	lim := l.limiter(name)
	if lim == nil {
		return nil
	}
	if err := lim.Wait(ctx); err != nil {
		slog.Warn("tool rate limited", "tool", name, "error", err)
		return &ToolError{Kind: KindTimeout, Tool: name, Message: "rate limit wait exceeded deadline", Cause: err}
	}
	return nil
}
