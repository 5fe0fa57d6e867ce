// Package retry wraps outbound control-plane calls with bounded
// exponential backoff. It is the only place in perchd allowed to
// swallow intermediate failures; exhaustion always surfaces the last
// underlying error.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"
)

// Defaults applied when the corresponding Config field is zero or negative.
const (
	DefaultInitialDelay = time.Second
	DefaultMaxDelay     = 30 * time.Second
	DefaultMaxElapsed   = 2 * time.Minute
	DefaultMaxAttempts  = 5
)

// ErrCancelled is returned (wrapped) when the context is cancelled while
// waiting between attempts. Callers can distinguish it from operation
// failures with errors.Is.
var ErrCancelled = errors.New("cancelled during retry")

// Config bounds a retry loop. MaxAttempts = 0 means unlimited attempts,
// governed by MaxElapsed alone.
type Config struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxElapsed   time.Duration
	MaxAttempts  int
}

func (c Config) withDefaults() Config {
	if c.InitialDelay <= 0 {
		c.InitialDelay = DefaultInitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.MaxElapsed <= 0 {
		c.MaxElapsed = DefaultMaxElapsed
	}
	if c.MaxAttempts < 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	return c
}

// Do runs fn until it succeeds or the config's limits are exhausted.
// Between failed attempts it sleeps currentDelay plus up to half of it
// in jitter, doubling the delay each round up to MaxDelay. A context
// cancellation during the sleep aborts the loop with ErrCancelled; an
// fn call already in flight is always allowed to finish.
func Do(ctx context.Context, cfg Config, operation string, fn func(ctx context.Context) error) error {
	cfg = cfg.withDefaults()

	start := time.Now()
	delay := cfg.InitialDelay

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				slog.Info("operation succeeded after retry", "op", operation, "attempt", attempt)
			}
			return nil
		}

		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			return fmt.Errorf("%s: giving up after %d attempts: %w", operation, attempt, err)
		}
		if elapsed := time.Since(start); elapsed >= cfg.MaxElapsed {
			return fmt.Errorf("%s: giving up after %s: %w", operation, elapsed.Round(time.Millisecond), err)
		}

		sleep := delay + time.Duration(rand.Int63n(int64(delay/2)+1))
		slog.Debug("operation failed, retrying", "op", operation, "attempt", attempt, "delay", sleep, "err", err)

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w: %w", operation, ErrCancelled, ctx.Err())
		case <-time.After(sleep):
		}

		delay *= 2
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
}
