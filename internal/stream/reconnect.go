package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// ReconnectConfig contains configuration for exponential backoff reconnection
type ReconnectConfig struct {
	MaxRetries    int           // Maximum consecutive failures, <= 0 retries forever
	RetryDelay    time.Duration // Initial retry delay (default: 1 second)
	MaxRetryDelay time.Duration // Maximum retry delay cap (default: 30 seconds)
}

// DefaultReconnectConfig returns default reconnection configuration
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxRetries:    0,
		RetryDelay:    1 * time.Second,
		MaxRetryDelay: 30 * time.Second,
	}
}

// ReconnectState tracks the current state of reconnection attempts
type ReconnectState struct {
	CurrentRetries int
	Reconnects     *uint32 // Atomic counter for total reconnection attempts
}

// ConnectFunc attempts to establish a connection
type ConnectFunc func(ctx context.Context) error

// RunWithReconnect calls connectFn until it succeeds, waiting with
// exponential backoff between failures. Returns an error when MaxRetries
// is exceeded or ctx is cancelled.
func RunWithReconnect(
	ctx context.Context,
	connectFn ConnectFunc,
	cfg ReconnectConfig,
	state *ReconnectState,
) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := connectFn(ctx)
		if err == nil {
			state.CurrentRetries = 0
			return nil
		}

		slog.Error("csi collector: connection failed", "error", err)

		state.CurrentRetries++
		if state.Reconnects != nil {
			atomic.AddUint32(state.Reconnects, 1)
		}

		if cfg.MaxRetries > 0 && state.CurrentRetries > cfg.MaxRetries {
			return fmt.Errorf("csi collector: max retries exceeded (%d attempts)", cfg.MaxRetries)
		}

		delay := calculateBackoff(state.CurrentRetries, cfg)

		slog.Warn("csi collector: retrying connection",
			"attempt", state.CurrentRetries,
			"max_retries", cfg.MaxRetries,
			"delay", delay,
		)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// calculateBackoff returns retryDelay * 2^(attempt-1), capped at
// maxRetryDelay
func calculateBackoff(attempt int, cfg ReconnectConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// past 2^20 the cap always applies; avoid shifting into overflow
	if attempt > 20 {
		return cfg.MaxRetryDelay
	}
	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))

	if delay > cfg.MaxRetryDelay {
		delay = cfg.MaxRetryDelay
	}

	return delay
}
