// Package ratelimit implements per-client token buckets for task submission.
package ratelimit

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

const defaultMaxClients = 10000

// Limiter hands out one token bucket per client key. The least recently seen
// clients are forgotten once MaxClients is reached.
type Limiter struct {
	mu       sync.Mutex
	limiters *lru.Cache[string, *rate.Limiter]
	rate     rate.Limit
	burst    int
}

// Config holds rate limiter configuration. RPS <= 0 disables limiting.
type Config struct {
	RPS        float64
	Burst      int
	MaxClients int
}

// New creates a new Limiter.
func New(cfg Config) (*Limiter, error) {
	r := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	size := cfg.MaxClients
	if size <= 0 {
		size = defaultMaxClients
	}
	cache, err := lru.New[string, *rate.Limiter](size)
	if err != nil {
		return nil, fmt.Errorf("new limiter cache: %w", err)
	}
	return &Limiter{limiters: cache, rate: r, burst: burst}, nil
}

// Enabled reports whether Allow can ever return false.
func (l *Limiter) Enabled() bool {
	return l != nil && l.rate != rate.Inf
}

// Allow takes a token for key if one is available.
func (l *Limiter) Allow(key string) bool {
	if !l.Enabled() {
		return true
	}
	l.mu.Lock()
	limiter, ok := l.limiters.Get(key)
	if !ok {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters.Add(key, limiter)
	}
	l.mu.Unlock()
	return limiter.Allow()
}
