// Package ratelimit wraps outbound upstream-API calls with backoff on
// throttling responses. Total wait per call is capped; past the cap the call
// fails with ErrUpstreamUnavailable.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-github/v66/github"
)

// ErrUpstreamUnavailable indicates the upstream platform stayed throttled or
// unreachable for longer than the guard's wait cap. It surfaces as a per-item
// failure, never as a run abort.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

const (
	defaultInitialWait = 1 * time.Second
	defaultMaxWait     = 10 * time.Minute
)

// Guard retries throttled or transiently failing upstream calls. The counters
// it keeps are per-call; under the single-worker model no locking is needed.
type Guard struct {
	initialWait time.Duration
	maxWait     time.Duration
}

// New creates a guard. Zero durations fall back to defaults.
func New(initialWait, maxWait time.Duration) *Guard {
	if initialWait <= 0 {
		initialWait = defaultInitialWait
	}
	if maxWait <= 0 {
		maxWait = defaultMaxWait
	}
	return &Guard{initialWait: initialWait, maxWait: maxWait}
}

// Do executes fn, retrying on throttling or transient failures. The wait
// between attempts follows the server-indicated interval when one is present,
// otherwise an exponential schedule. op names the call for logging.
func (g *Guard) Do(ctx context.Context, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.initialWait
	b.MaxElapsedTime = g.maxWait
	b.Reset()

	attempt := 0
	for {
		err := fn()
		if err == nil {
			if attempt > 0 {
				log.Printf("[Retry] %s succeeded on attempt %d", op, attempt+1)
			}
			return nil
		}
		if !Retryable(err) {
			return err
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			log.Printf("[Retry] %s exhausted wait budget (%v), giving up: %v", op, g.maxWait, err)
			return fmt.Errorf("%w: %s: %v", ErrUpstreamUnavailable, op, err)
		}
		if hint, ok := retryAfterHint(err); ok && hint > wait {
			if hint > g.maxWait-b.GetElapsedTime() {
				// The server asked for more than we are willing to wait.
				log.Printf("[Retry] %s throttled past the wait cap (%v > %v)", op, hint, g.maxWait)
				return fmt.Errorf("%w: %s: %v", ErrUpstreamUnavailable, op, err)
			}
			wait = hint
		}

		attempt++
		log.Printf("[Retry] %s attempt %d failed, retrying in %v: %v", op, attempt, wait, err)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// retryAfterHint extracts a server-indicated wait from a throttling error.
func retryAfterHint(err error) (time.Duration, bool) {
	var abuse *github.AbuseRateLimitError
	if errors.As(err, &abuse) && abuse.RetryAfter != nil {
		return *abuse.RetryAfter, true
	}
	var limited *github.RateLimitError
	if errors.As(err, &limited) {
		if wait := time.Until(limited.Rate.Reset.Time); wait > 0 {
			return wait, true
		}
	}
	return 0, false
}

// Retryable determines if an error should trigger a retry: throttling
// signals and transient network failures, never permanent errors.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	var abuse *github.AbuseRateLimitError
	var limited *github.RateLimitError
	if errors.As(err, &abuse) || errors.As(err, &limited) {
		return true
	}
	var temp interface{ Temporary() bool }
	if errors.As(err, &temp) {
		return temp.Temporary()
	}
	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		return RetryableStatus(respErr.Response.StatusCode)
	}

	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"eof",
		"timeout",
		"connection refused",
		"temporary failure",
		"connection reset",
		"broken pipe",
		"no such host",
		"network is unreachable",
	}
	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// RetryableStatus reports whether an HTTP status indicates a transient
// condition worth retrying.
func RetryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}
