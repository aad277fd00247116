package validate

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
)

// RetryConfig bounds retries of GitHub API calls.
type RetryConfig struct {
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the retry policy used when none is configured.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

func (c *RetryConfig) applyDefaults() {
	d := DefaultRetryConfig()
	if c.MaxRetries == 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.BackoffMultiplier == 0 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
}

// retryGitHub retries an operation with exponential backoff, honoring
// the rate limit reset when GitHub reports one.
func retryGitHub(ctx context.Context, cfg RetryConfig, logger *zap.Logger, op func() (*github.Response, error)) (*github.Response, error) {
	cfg.applyDefaults()

	var lastErr error
	var lastResp *github.Response
	backoff := cfg.InitialBackoff

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		resp, err := op()
		if err == nil {
			return resp, nil
		}
		lastErr = err
		lastResp = resp

		if !retryableGitHubError(resp) {
			return resp, err
		}
		if attempt == cfg.MaxRetries {
			break
		}

		wait := backoff
		if rateLimited(resp) {
			wait = rateLimitBackoff(resp, cfg.MaxBackoff)
		}
		logger.Info("retrying GitHub API call",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", cfg.MaxRetries+1),
			zap.Duration("backoff", wait),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("github call canceled: %w", ctx.Err())
		case <-time.After(wait):
		}
		backoff = time.Duration(float64(backoff) * cfg.BackoffMultiplier)
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}

	return lastResp, fmt.Errorf("github call failed after %d retries: %w", cfg.MaxRetries, lastErr)
}

// retryableGitHubError reports whether the failure is worth retrying.
// Network-level failures with no response are.
func retryableGitHubError(resp *github.Response) bool {
	if resp == nil || resp.Response == nil {
		return true
	}
	switch code := resp.Response.StatusCode; code {
	case http.StatusTooManyRequests:
		return true
	case http.StatusForbidden:
		// Secondary rate limits come back as 403 with rate headers.
		return resp.Rate.Limit > 0
	default:
		return code >= 500 && code < 600
	}
}

func rateLimited(resp *github.Response) bool {
	if resp == nil || resp.Response == nil {
		return false
	}
	if resp.Response.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return resp.Response.StatusCode == http.StatusForbidden && resp.Rate.Limit > 0
}

// rateLimitBackoff waits until just past the reported reset, capped.
func rateLimitBackoff(resp *github.Response, maxBackoff time.Duration) time.Duration {
	if resp == nil || (resp.Rate.Limit == 0 && resp.Rate.Remaining == 0) {
		return time.Minute
	}
	wait := time.Until(resp.Rate.Reset.Time) + time.Second
	if wait < 0 {
		wait = time.Second
	}
	if wait > maxBackoff {
		wait = maxBackoff
	}
	return wait
}
