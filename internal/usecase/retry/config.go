package retry

import (
	"errors"
	"math"
	"time"
)

// Config holds the retry policy parameters
type Config struct {
	MaxAttempts       int           // Total send attempts, >= 1
	BaseDelay         time.Duration // Wait after the first failed attempt
	BackoffMultiplier float64       // Growth factor per attempt, >= 1
	MaxDelay          time.Duration // Optional: caps a single wait, 0 = no cap
	Jitter            bool          // Randomize each wait within [0.5x, 1.5x)
}

// DefaultConfig returns the policy used when nothing is configured
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       5,
		BaseDelay:         3 * time.Second,
		BackoffMultiplier: 1.5,
		MaxDelay:          time.Minute,
		Jitter:            true,
	}
}

// Validate ensures the config adheres to the policy rules
func (c Config) Validate() error {
	if c.MaxAttempts < 1 {
		return errors.New("max attempts must be at least 1")
	}
	if c.BaseDelay < 0 {
		return errors.New("base delay must not be negative")
	}
	if c.BackoffMultiplier < 1 {
		return errors.New("backoff multiplier must be at least 1")
	}
	if c.MaxDelay < 0 {
		return errors.New("max delay must not be negative")
	}
	return nil
}

// Delay returns the wait after failed attempt N (1-based):
// BaseDelay * BackoffMultiplier^(N-1), capped by MaxDelay.
// With Jitter, rnd (a value in [0, 1)) scales the wait into [0.5x, 1.5x).
func (c Config) Delay(attempt int, rnd func() float64) time.Duration {
	if c.BaseDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	multiplier := c.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 1
	}

	delay := float64(c.BaseDelay) * math.Pow(multiplier, float64(attempt-1))
	if c.MaxDelay > 0 && delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}

	if c.Jitter {
		f := 0.5
		if rnd != nil {
			f += rnd()
		}
		delay *= f
	}

	if delay > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}
