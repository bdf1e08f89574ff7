package llm

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// RetryConfig configures retry behavior for transient API failures.
type RetryConfig struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// RateLimitFloor is the minimum wait after a rate-limit error when the
	// server did not say how long to wait.
	RateLimitFloor time.Duration
}

// DefaultRetryConfig returns sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    5,
		BaseBackoff:    1 * time.Second,
		MaxBackoff:     30 * time.Second,
		RateLimitFloor: 5 * time.Second,
	}
}

// retryCompleter wraps a Completer with automatic retry on transient errors.
type retryCompleter struct {
	inner  Completer
	config RetryConfig
	logger *slog.Logger
}

// WrapWithRetry wraps a Completer with retry logic.
func WrapWithRetry(inner Completer, config RetryConfig, logger *slog.Logger) Completer {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &retryCompleter{
		inner:  inner,
		config: config,
		logger: logger.With("component", "llm_retry"),
	}
}

func (r *retryCompleter) Complete(ctx context.Context, req *Request) (*Response, error) {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		resp, err := r.inner.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		if !isRetryable(err) {
			return nil, err
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt >= r.config.MaxAttempts {
			break
		}

		wait := r.calculateBackoff(attempt, err)
		r.logger.Warn("model call failed, retrying",
			"attempt", attempt,
			"max_attempts", r.config.MaxAttempts,
			"wait_ms", wait.Milliseconds(),
			"error", err,
		)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}

	return nil, lastErr
}

// isRetryable returns true if the error is a transient error worth retrying.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	if isRateLimited(err) {
		return true
	}

	// Transient upstream failures.
	if strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "bad gateway") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "529") ||
		strings.Contains(errStr, "overloaded") {
		return true
	}

	// Connection errors.
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "temporary failure") ||
		strings.Contains(errStr, "no such host") {
		return true
	}

	return false
}

// isRateLimited reports whether the error is a rate-limit rejection.
func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests")
}

// retryAfterRegex matches Retry-After values in error messages.
var retryAfterRegex = regexp.MustCompile(`(?i)retry[- ]?after[:\s]+(\d+)`)

// calculateBackoff computes the wait for a retry attempt. Rate-limit errors
// honor an explicit Retry-After when present and otherwise wait at least
// RateLimitFloor, backing off harder than generic transient errors.
func (r *retryCompleter) calculateBackoff(attempt int, err error) time.Duration {
	if err != nil {
		if matches := retryAfterRegex.FindStringSubmatch(err.Error()); len(matches) > 1 {
			if secs, parseErr := strconv.Atoi(matches[1]); parseErr == nil && secs > 0 {
				wait := time.Duration(secs) * time.Second
				if wait > r.config.MaxBackoff {
					wait = r.config.MaxBackoff
				}
				return wait
			}
		}
	}

	// Exponential backoff: base * 2^(attempt-1), +/- 25% jitter.
	backoff := float64(r.config.BaseBackoff) * math.Pow(2, float64(attempt-1))
	jitter := (rand.Float64() - 0.5) * 0.5 * backoff
	backoff += jitter

	if isRateLimited(err) {
		backoff *= 2
		if backoff < float64(r.config.RateLimitFloor) {
			backoff = float64(r.config.RateLimitFloor)
		}
	}

	if backoff > float64(r.config.MaxBackoff) {
		backoff = float64(r.config.MaxBackoff)
	}
	return time.Duration(backoff)
}
