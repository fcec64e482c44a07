package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type RateLimitConfig struct {
	RPS             float64
	Burst           int
	CleanupInterval time.Duration
	MaxAge          time.Duration
}

func DefaultConfig() RateLimitConfig {
	return RateLimitConfig{
		RPS:             10.0,
		Burst:           20,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          10 * time.Minute,
	}
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	mu       sync.Mutex
}

func (e *entry) touch(now time.Time) {
	e.mu.Lock()
	e.lastSeen = now
	e.mu.Unlock()
}

// KeyedLimiter keeps one token bucket per key and forgets keys idle for
// longer than MaxAge.
type KeyedLimiter struct {
	config   RateLimitConfig
	mu       sync.RWMutex
	limiters map[string]*entry
	now      func() time.Time
}

func NewKeyedLimiter(config RateLimitConfig) *KeyedLimiter {
	if config.Burst < 1 {
		config.Burst = 1
	}
	return &KeyedLimiter{
		config:   config,
		limiters: make(map[string]*entry),
		now:      time.Now,
	}
}

func (k *KeyedLimiter) get(key string) *entry {
	k.mu.RLock()
	e, ok := k.limiters[key]
	k.mu.RUnlock()

	if !ok {
		k.mu.Lock()
		e, ok = k.limiters[key]
		if !ok {
			e = &entry{limiter: rate.NewLimiter(rate.Limit(k.config.RPS), k.config.Burst)}
			k.limiters[key] = e
		}
		k.mu.Unlock()
	}

	e.touch(k.now())
	return e
}

func (k *KeyedLimiter) Allow(key string) bool {
	return k.get(key).limiter.Allow()
}

// Wait blocks until key may proceed or ctx is done.
func (k *KeyedLimiter) Wait(ctx context.Context, key string) error {
	return k.get(key).limiter.Wait(ctx)
}

func (k *KeyedLimiter) Remaining(key string) int {
	e := k.get(key)
	remaining := e.limiter.Burst() - int(e.limiter.Tokens())
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (k *KeyedLimiter) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.limiters)
}

// Cleanup drops keys idle for longer than MaxAge.
func (k *KeyedLimiter) Cleanup() {
	now := k.now()

	k.mu.Lock()
	defer k.mu.Unlock()
	for key, e := range k.limiters {
		e.mu.Lock()
		lastSeen := e.lastSeen
		e.mu.Unlock()
		if now.Sub(lastSeen) > k.config.MaxAge {
			delete(k.limiters, key)
		}
	}
}

// Run calls Cleanup every CleanupInterval until ctx is done.
func (k *KeyedLimiter) Run(ctx context.Context) {
	if k.config.CleanupInterval <= 0 {
		return
	}
	ticker := time.NewTicker(k.config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.Cleanup()
		}
	}
}
