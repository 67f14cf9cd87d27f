package gateway

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter enforces a per-client request budget. Each client key gets its
// own token bucket refilled at rpm/60 per second.
type RateLimiter struct {
	mu      sync.Mutex
	rpm     int
	burst   int
	clients map[string]*rate.Limiter
}

// NewRateLimiter builds a limiter allowing rpm requests per minute per client
// with the given burst. rpm <= 0 disables limiting.
func NewRateLimiter(rpm, burst int) *RateLimiter {
	return &RateLimiter{
		rpm:     rpm,
		burst:   burst,
		clients: make(map[string]*rate.Limiter),
	}
}

// Enabled reports whether the limiter enforces anything.
func (rl *RateLimiter) Enabled() bool { return rl.rpm > 0 }

// Allow reports whether the client may proceed now.
func (rl *RateLimiter) Allow(key string) bool {
	if !rl.Enabled() {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	lim, ok := rl.clients[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(rl.rpm))/60, rl.burst)
		rl.clients[key] = lim
	}
	return lim.Allow()
}
