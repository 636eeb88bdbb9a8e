// Package retry computes exponential backoff delays. The same Policy type backs
// both connection-level reconnects and per-event redelivery, each with its own
// Config.
package retry

import (
	"math"
	"math/rand/v2"
	"time"
)

// Jitter bounds applied when Config.JitterEnabled is set.
const (
	JitterMin = 0.85
	JitterMax = 1.15
)

// Config controls backoff behavior.
type Config struct {
	MaxRetries    int           `koanf:"max_retries"`    // Attempts before giving up
	BaseDelay     time.Duration `koanf:"base_delay"`     // Delay for attempt 0
	MaxDelay      time.Duration `koanf:"max_delay"`      // Cap before jitter
	BackoffFactor float64       `koanf:"backoff_factor"` // Multiplier per attempt
	JitterEnabled bool          `koanf:"jitter_enabled"` // Scale by a random factor in [0.85, 1.15]
}

// DefaultConnectionConfig returns the reconnect defaults.
func DefaultConnectionConfig() Config {
	return Config{
		MaxRetries:    10,
		BaseDelay:     1 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
}

// DefaultEventConfig returns the per-event redelivery defaults.
func DefaultEventConfig() Config {
	return Config{
		MaxRetries:    3,
		BaseDelay:     1 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: false,
	}
}

// Policy computes delays from a Config. It holds no per-attempt state and is
// safe for concurrent use.
type Policy struct {
	config Config
}

// NewPolicy creates a Policy. A zero BackoffFactor is treated as 1 (constant
// delay).
func NewPolicy(config Config) *Policy {
	if config.BackoffFactor <= 0 {
		config.BackoffFactor = 1
	}
	return &Policy{config: config}
}

// Config returns the policy configuration.
func (p *Policy) Config() Config {
	return p.config
}

// MaxRetries returns the configured attempt limit.
func (p *Policy) MaxRetries() int {
	return p.config.MaxRetries
}

// Delay returns the wait before retry number attempt (0 for the first retry):
// min(BaseDelay * BackoffFactor^attempt, MaxDelay), optionally jittered.
func (p *Policy) Delay(attempt int) time.Duration {
	d := p.baseDelay(attempt)
	if p.config.JitterEnabled {
		d *= JitterMin + rand.Float64()*(JitterMax-JitterMin)
	}
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}

func (p *Policy) baseDelay(attempt int) float64 {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.config.BaseDelay) * math.Pow(p.config.BackoffFactor, float64(attempt))
	maxDelay := float64(p.config.MaxDelay)
	if p.config.MaxDelay > 0 && (d > maxDelay || math.IsInf(d, 1) || math.IsNaN(d)) {
		d = maxDelay
	}
	return d
}
