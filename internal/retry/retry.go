// Package retry provides caller-level retries with jittered exponential
// backoff. It sits above the router: the router already fails over across
// backends, so a retry here only helps when every backend was unavailable
// at once.
package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// Config configures retry behavior
type Config struct {
	// MaxAttempts counts the first call. Values <= 1 disable retries.
	MaxAttempts   int           `yaml:"max_attempts"`
	InitialDelay  time.Duration `yaml:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
	Jitter        bool          `yaml:"jitter"`
}

// DefaultConfig provides sensible defaults. Retries are off until
// MaxAttempts is raised.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   1,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	}
}

// Enabled reports whether more than one attempt is allowed.
func (c Config) Enabled() bool {
	return c.MaxAttempts > 1
}

// Delay returns the pause after the given attempt (1-based), before
// jitter.
func (c Config) Delay(attempt int) time.Duration {
	delay := c.InitialDelay
	factor := c.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * factor)
		if c.MaxDelay > 0 && delay > c.MaxDelay {
			return c.MaxDelay
		}
	}
	if c.MaxDelay > 0 && delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	return delay
}

// Do calls fn until it succeeds, returns an error retryable rejects, the
// attempts run out, or ctx ends. When more than one attempt was made the
// last error is returned wrapped with the attempt count.
func Do(ctx context.Context, cfg Config, retryable func(error) bool, fn func(ctx context.Context) error) error {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	made := 0
	for made < attempts {
		made++
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if made == attempts || !retryable(lastErr) {
			break
		}

		delay := cfg.Delay(made)
		if cfg.Jitter && delay > 0 {
			// Equal jitter: half fixed, half random.
			half := delay / 2
			delay = half + rand.N(half+1)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("giving up after %d attempts: %w", made, lastErr)
		case <-timer.C:
		}
	}

	if made > 1 {
		return fmt.Errorf("giving up after %d attempts: %w", made, lastErr)
	}
	return lastErr
}
