// Package retry provides exponential backoff with jitter for transient
// failures of the automation engine, the reasoning service and observer
// reconnects.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
)

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so that Do returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// ErrExhausted is wrapped by the error Do returns when it gives up.
var ErrExhausted = errors.New("retries exhausted")

// Config configures the retry behavior.
type Config struct {
	// InitialDelay is the base delay before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration
	// MaxElapsed is the total time after which retries stop (0 = unlimited).
	MaxElapsed time.Duration
	// MaxAttempts limits total attempts (0 = unlimited).
	MaxAttempts int
	// Jitter adds up to half of the current delay at random.
	Jitter bool
	// OnRetry, if set, is called before each sleep.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultConfig doubles from 1s up to 10s, five attempts.
func DefaultConfig() Config {
	return Config{
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
		MaxAttempts:  5,
		Jitter:       true,
	}
}

// Do executes fn until it succeeds, returns a PermanentError, the context is
// cancelled, or the attempt/elapsed budget is spent.
func Do(ctx context.Context, cfg Config, op string, fn func(ctx context.Context) error) error {
	start := time.Now()

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				log.Debug().Str("operation", op).Int("attempt", attempt).Msg("succeeded after retry")
			}
			return nil
		}

		var perm *PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}

		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			return fmt.Errorf("%s: %w after %d attempts: %w", op, ErrExhausted, attempt, err)
		}
		if cfg.MaxElapsed > 0 && time.Since(start) >= cfg.MaxElapsed {
			return fmt.Errorf("%s: %w after %v: %w", op, ErrExhausted, time.Since(start).Round(time.Millisecond), err)
		}

		sleep := cfg.Delay(attempt)

		log.Debug().
			Str("operation", op).
			Int("attempt", attempt).
			Dur("delay", sleep).
			Err(err).
			Msg("attempt failed, retrying")
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, sleep, err)
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-timer.C:
		}
	}
}

// Delay returns the sleep before retry number attempt (1-based): the
// doubling backoff plus jitter when enabled.
func (c Config) Delay(attempt int) time.Duration {
	initial := c.InitialDelay
	if initial <= 0 {
		initial = DefaultConfig().InitialDelay
	}
	d := Backoff(initial, max(c.MaxDelay, initial), attempt)
	if c.Jitter && d > 1 {
		d += time.Duration(rand.Int63n(int64(d) / 2))
	}
	return d
}

// Cause returns the last error of the operation when err reports exhausted
// retries, and err itself otherwise.
func Cause(err error) error {
	if !errors.Is(err, ErrExhausted) {
		return err
	}
	if multi, ok := err.(interface{ Unwrap() []error }); ok {
		if errs := multi.Unwrap(); len(errs) > 0 {
			return errs[len(errs)-1]
		}
	}
	return err
}

// Backoff returns the un-jittered delay before retry number attempt
// (1-based), doubling from initial and capped at max.
func Backoff(initial, maxDelay time.Duration, attempt int) time.Duration {
	d := initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	return d
}
