// Package ratelimit implements the per-connection token bucket.
package ratelimit

import (
	"time"

	"golang.org/x/time/rate"
)

// Config defines rate limiting configuration for connections
type Config struct {
	// RefillRate is how many tokens are added per elapsed second
	RefillRate float64
	// MaxTokens is the bucket capacity (burst)
	MaxTokens int
	// Enabled determines if rate limiting is active
	Enabled bool
}

// DefaultConfig returns the gateway defaults: 50 messages per second, burst 100.
func DefaultConfig() Config {
	return Config{
		RefillRate: 50,
		MaxTokens:  100,
		Enabled:    true,
	}
}

// Disabled returns a configuration with rate limiting turned off.
func Disabled() Config {
	return Config{Enabled: false}
}

// Limiter is a token bucket refilled on whole-second boundaries.
//
// Time handed to the underlying rate.Limiter is truncated to the second, so
// tokens are credited once per elapsed second and a burst inside one second
// earns no partial refill. A nil or disabled Limiter allows everything.
type Limiter struct {
	limiter *rate.Limiter
	now     func() time.Time
}

// New creates a limiter whose bucket starts full.
func New(cfg Config) *Limiter {
	return NewWithClock(cfg, time.Now)
}

// NewWithClock is New with an injectable clock.
func NewWithClock(cfg Config, now func() time.Time) *Limiter {
	if !cfg.Enabled {
		return nil
	}
	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(cfg.RefillRate), cfg.MaxTokens),
		now:     now,
	}
}

// TryConsume takes one token. It returns false when the bucket is empty;
// the caller drops the triggering message.
func (l *Limiter) TryConsume() bool {
	if l == nil {
		return true
	}
	return l.limiter.AllowN(l.now().Truncate(time.Second), 1)
}

// Tokens reports the tokens available at the current (truncated) instant.
func (l *Limiter) Tokens() float64 {
	if l == nil {
		return 0
	}
	return l.limiter.TokensAt(l.now().Truncate(time.Second))
}
