package middleware

import (
	"net/http"
	"sync"
	"time"
)

type window struct {
	start time.Time
	count int
}

// RateLimiter is a fixed-window per-IP limiter used on the auth routes.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	limit   int
	period  time.Duration
}

func NewRateLimiter(limit int, period time.Duration) *RateLimiter {
	rl := &RateLimiter{
		windows: make(map[string]*window),
		limit:   limit,
		period:  period,
	}

	// Cleanup goroutine
	go func() {
		for {
			time.Sleep(period)
			rl.mu.Lock()
			for ip, w := range rl.windows {
				if time.Since(w.start) > period {
					delete(rl.windows, ip)
				}
			}
			rl.mu.Unlock()
		}
	}()

	return rl
}

func (rl *RateLimiter) allow(ip string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, exists := rl.windows[ip]
	if !exists || now.Sub(w.start) > rl.period {
		rl.windows[ip] = &window{start: now, count: 1}
		return true
	}

	w.count++
	return w.count <= rl.limit
}

func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(r.RemoteAddr) {
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests. Please try again later.", r)
			return
		}
		next.ServeHTTP(w, r)
	})
}
