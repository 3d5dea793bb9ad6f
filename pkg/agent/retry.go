package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// DefaultMaxRetries is the model call retry budget per step.
const DefaultMaxRetries = 3

// RetryingProvider wraps a Provider with exponential backoff on transient
// errors. Permanent errors pass through on the first attempt.
type RetryingProvider struct {
	inner      Provider
	maxRetries int
	logger     zerolog.Logger
}

// NewRetryingProvider wraps provider with up to maxRetries attempts.
func NewRetryingProvider(provider Provider, maxRetries int, logger zerolog.Logger) *RetryingProvider {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &RetryingProvider{
		inner:      provider,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// Provider returns the wrapped provider's name
func (p *RetryingProvider) Provider() string {
	return p.inner.Provider()
}

// Call makes the model call with exponential backoff retry
func (p *RetryingProvider) Call(ctx context.Context, request Request) (*Response, error) {
	var lastErr error

	for attempt := 0; attempt < p.maxRetries; attempt++ {
		response, err := p.inner.Call(ctx, request)
		if err == nil {
			return response, nil
		}

		lastErr = err

		// Don't retry on permanent errors
		if !IsRetryableError(err) {
			return nil, err
		}

		// Last attempt - don't wait
		if attempt == p.maxRetries-1 {
			break
		}

		// Exponential backoff: 1s, 2s, 4s
		delayMs := 1000 * (1 << attempt)
		p.logger.Info().
			Str("provider", p.inner.Provider()).
			Int("attempt", attempt+1).
			Int("delayMs", delayMs).
			Msg("Retrying model call after error")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(delayMs) * time.Millisecond):
		}
	}

	return nil, fmt.Errorf("max retries (%d) exceeded: %w", p.maxRetries, lastErr)
}
