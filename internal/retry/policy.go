// Package retry provides configurable retry policies with exponential backoff.
package retry

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines parameters for retry behavior with exponential backoff and jitter.
type Policy struct {
	MaxRetries  int           `json:"max_retries" mapstructure:"max_retries"`
	BaseDelay   time.Duration `json:"base_delay" mapstructure:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay" mapstructure:"max_delay"`
	Multiplier  float64       `json:"multiplier" mapstructure:"multiplier"`
	JitterRatio float64       `json:"jitter_ratio" mapstructure:"jitter_ratio"` // 0.0 to 1.0; 1.0 is full jitter
}

// DefaultPolicy returns the engine's default retry policy: base 1s,
// factor 2, capped at 5m, full jitter.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxRetries:  3,
		BaseDelay:   time.Second,
		MaxDelay:    5 * time.Minute,
		Multiplier:  2.0,
		JitterRatio: 1.0,
	}
}

// NextDelay computes the delay before retry number attempt (1-indexed)
// using exponential backoff. Jitter subtracts up to JitterRatio of the
// capped delay, so a ratio of 1.0 yields a uniform delay in (0, cap].
func (p *Policy) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return p.BaseDelay
	}

	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))

	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	ratio := math.Min(math.Max(p.JitterRatio, 0), 1)
	delay -= delay * ratio * rand.Float64()

	if delay <= 0 {
		delay = float64(time.Millisecond)
	}

	return time.Duration(delay)
}
