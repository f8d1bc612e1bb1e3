package framesource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// RestartConfig contains configuration for exponential backoff restarts
type RestartConfig struct {
	MaxRetries    int           // Maximum consecutive restarts without progress (default: 5)
	RetryDelay    time.Duration // Initial retry delay (default: 1 second)
	MaxRetryDelay time.Duration // Maximum retry delay cap (default: 30 seconds)
}

// DefaultRestartConfig returns default restart configuration
func DefaultRestartConfig() RestartConfig {
	return RestartConfig{
		MaxRetries:    5,
		RetryDelay:    1 * time.Second,
		MaxRetryDelay: 30 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultRestartConfig.
func (c RestartConfig) withDefaults() RestartConfig {
	d := DefaultRestartConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = d.MaxRetryDelay
	}
	return c
}

// RestartState tracks restart attempts of one supervised process
type RestartState struct {
	CurrentRetries int
	Restarts       atomic.Uint32 // Total restarts over the lifetime
}

// RunFunc runs the supervised process once and blocks until it exits. It
// reports whether that run made progress (delivered at least one frame).
type RunFunc func(ctx context.Context) (progressed bool, err error)

// RunWithRestart runs fn until ctx is cancelled, restarting it with
// exponential backoff whenever it exits
//
// Backoff schedule with the default config:
//   - Restart 1: 1 second
//   - Restart 2: 2 seconds
//   - Restart 3: 4 seconds
//   - ...capped at MaxRetryDelay
//
// A run that made progress resets the retry counter, so only consecutive
// failures count against MaxRetries.
//
// Returns nil when ctx is cancelled, or an error once MaxRetries consecutive
// runs failed.
func RunWithRestart(ctx context.Context, fn RunFunc, cfg RestartConfig, state *RestartState) error {
	cfg = cfg.withDefaults()

	for {
		if ctx.Err() != nil {
			return nil
		}

		progressed, err := fn(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if progressed {
			state.CurrentRetries = 0
		}
		if err == nil {
			err = errors.New("process exited")
		}

		slog.Error("framesource: capture helper exited", "error", err)

		state.CurrentRetries++
		state.Restarts.Add(1)

		if state.CurrentRetries > cfg.MaxRetries {
			return fmt.Errorf("framesource: max restarts exceeded (%d attempts): %w", cfg.MaxRetries, err)
		}

		delay := calculateBackoff(state.CurrentRetries, cfg)

		slog.Warn("framesource: restarting capture helper",
			"attempt", state.CurrentRetries,
			"max_retries", cfg.MaxRetries,
			"delay", delay,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
	}
}

// calculateBackoff returns retryDelay * 2^(attempt-1), capped at
// maxRetryDelay.
func calculateBackoff(attempt int, cfg RestartConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		return cfg.MaxRetryDelay
	}

	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > cfg.MaxRetryDelay || delay <= 0 {
		delay = cfg.MaxRetryDelay
	}
	return delay
}
