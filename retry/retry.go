/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package retry provides exponential-backoff retry for transient API errors.
// It is used when reporting gate outcomes to GitHub; job steps themselves are
// never retried.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/chainguard-dev/clog"
)

// Config configures retry behavior for API calls.
type Config struct {
	// MaxRetries is the maximum number of retry attempts (default: 4).
	// 0 means do not retry at all.
	MaxRetries int
	// BaseBackoff is the initial backoff duration (default: 500ms).
	BaseBackoff time.Duration
	// MaxBackoff is the maximum backoff duration (default: 30s).
	MaxBackoff time.Duration
	// MaxJitter is the maximum random jitter added to backoff (default: 250ms).
	MaxJitter time.Duration
}

// Validate checks that the retry configuration has valid values.
func (c Config) Validate() error {
	if c.MaxRetries < 0 {
		return errors.New("max retries cannot be negative")
	}
	if c.BaseBackoff < 0 {
		return errors.New("base backoff cannot be negative")
	}
	if c.MaxBackoff < 0 {
		return errors.New("max backoff cannot be negative")
	}
	if c.MaxJitter < 0 {
		return errors.New("max jitter cannot be negative")
	}
	return nil
}

// DefaultConfig returns a retry configuration suitable for GitHub API calls,
// where transient failures are typically 5xx responses or secondary rate
// limits that clear within seconds.
func DefaultConfig() Config {
	return Config{
		MaxRetries:  4,
		BaseBackoff: 500 * time.Millisecond,
		MaxBackoff:  30 * time.Second,
		MaxJitter:   250 * time.Millisecond,
	}
}

// WithBackoff executes the given function with exponential backoff retry.
// It only retries on errors that are classified as retryable by the provided
// isRetryable function.
func WithBackoff[T any](ctx context.Context, cfg Config, operation string, isRetryable func(error) bool, fn func() (T, error)) (T, error) {
	var result T
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		result, lastErr = fn()
		if lastErr == nil {
			return result, nil
		}

		if !isRetryable(lastErr) {
			return result, lastErr
		}

		if attempt >= cfg.MaxRetries {
			break
		}

		// Exponential backoff: BaseBackoff * 2^attempt, capped at MaxBackoff.
		backoff := min(cfg.BaseBackoff<<attempt, cfg.MaxBackoff)

		// Random jitter to avoid thundering herd.
		var jitter time.Duration
		if cfg.MaxJitter > 0 {
			n, err := rand.Int(rand.Reader, big.NewInt(int64(cfg.MaxJitter)))
			if err == nil {
				jitter = time.Duration(n.Int64())
			}
		}

		clog.FromContext(ctx).With("operation", operation).
			With("attempt", attempt+1).
			With("max_retries", cfg.MaxRetries).
			With("backoff", backoff+jitter).
			With("error", lastErr.Error()).
			Warn("Transient error, retrying")

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(backoff + jitter):
		}
	}

	return result, fmt.Errorf("%s failed after %d retries: %w", operation, cfg.MaxRetries, lastErr)
}
