package adapters

import (
	"context"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryConfig defines retry behavior for upstream API calls.
type RetryConfig struct {
	MaxRetries     int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	BackoffFactor  float64
	RetryableCodes []int
}

// DefaultRetryConfig returns the defaults used by the HTTP adapter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     2,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       10 * time.Second,
		BackoffFactor:  2.0,
		RetryableCodes: []int{429, 500, 502, 503, 504},
	}
}

// RetryableClient wraps an HTTP client with capped exponential retry.
// Outer retry across whole sync cycles belongs to the supervisor; this only
// smooths over transient blips within a single request.
type RetryableClient struct {
	client *http.Client
	cfg    RetryConfig
}

func NewRetryableClient(timeout time.Duration, cfg RetryConfig) *RetryableClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RetryableClient{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		cfg: cfg,
	}
}

// Do executes the request, retrying transport errors and retryable status
// codes. Sleeps are context-aware so a cancelled sync aborts promptly.
func (c *RetryableClient) Do(req *http.Request) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		reqClone := req.Clone(req.Context())

		resp, err := c.client.Do(reqClone)
		if err != nil {
			lastErr = err
			if attempt < c.cfg.MaxRetries {
				if err := c.sleep(req.Context(), attempt); err != nil {
					return nil, err
				}
				log.Debug().Err(lastErr).Int("attempt", attempt+1).
					Str("url", req.URL.String()).Msg("retrying request")
				continue
			}
			return nil, lastErr
		}

		if c.shouldRetry(resp.StatusCode) && attempt < c.cfg.MaxRetries {
			resp.Body.Close()
			if err := c.sleep(req.Context(), attempt); err != nil {
				return nil, err
			}
			log.Debug().Int("status", resp.StatusCode).Int("attempt", attempt+1).
				Str("url", req.URL.String()).Msg("retrying request")
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}

func (c *RetryableClient) shouldRetry(status int) bool {
	for _, code := range c.cfg.RetryableCodes {
		if status == code {
			return true
		}
	}
	return false
}

func (c *RetryableClient) sleep(ctx context.Context, attempt int) error {
	delay := float64(c.cfg.InitialDelay) * math.Pow(c.cfg.BackoffFactor, float64(attempt))
	delay += delay * 0.25 * (2*rand.Float64() - 1)
	if delay > float64(c.cfg.MaxDelay) {
		delay = float64(c.cfg.MaxDelay)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Duration(delay)):
		return nil
	}
}
