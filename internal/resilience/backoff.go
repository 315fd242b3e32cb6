package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// ErrAttemptsExhausted is returned by Reconnect when every attempt failed.
var ErrAttemptsExhausted = errors.New("reconnect attempts exhausted")

// Backoff computes exponential delays, optionally with full jitter.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     bool
}

// Delay returns the wait before retry number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	multiplier := b.Multiplier
	if multiplier < 1 {
		multiplier = 2.0
	}
	delay := float64(b.Initial) * math.Pow(multiplier, float64(attempt))
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	if b.Jitter && delay > 0 {
		// uniform in [delay/2, delay]
		delay = delay/2 + rand.Float64()*delay/2
	}
	return time.Duration(delay)
}

// ReconnectConfig holds configuration for reconnection logic
type ReconnectConfig struct {
	MaxAttempts int
	Backoff     Backoff
}

// DefaultReconnectConfig returns a default reconnection configuration
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxAttempts: 5,
		Backoff: Backoff{
			Initial:    500 * time.Millisecond,
			Max:        8 * time.Second,
			Multiplier: 2.0,
			Jitter:     true,
		},
	}
}

// PermanentError stops Reconnect without further attempts.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// ReconnectFunc is one reconnection attempt; attempt starts at 1.
type ReconnectFunc func(ctx context.Context, attempt int) error

// Reconnect waits with backoff before each attempt and returns nil on the
// first success. A PermanentError is returned unwrapped immediately.
func Reconnect(ctx context.Context, fn ReconnectFunc, config ReconnectConfig) error {
	var lastErr error
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		timer := time.NewTimer(config.Backoff.Delay(attempt - 1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		var permanent *PermanentError
		if errors.As(err, &permanent) {
			return permanent.Err
		}
		lastErr = err
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrAttemptsExhausted, config.MaxAttempts, lastErr)
}
