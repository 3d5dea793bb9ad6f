package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyProvider struct {
	failures int
	calls    int
	err      error
}

func (p *flakyProvider) Provider() string { return "flaky" }

func (p *flakyProvider) Call(context.Context, Request) (*Response, error) {
	p.calls++
	if p.calls <= p.failures {
		return nil, p.err
	}
	return &Response{Content: "ok"}, nil
}

func TestRetryingProvider(t *testing.T) {
	t.Run("succeeds after transient failures", func(t *testing.T) {
		inner := &flakyProvider{failures: 1, err: errors.New("503 service unavailable")}
		provider := NewRetryingProvider(inner, 3, zerolog.Nop())

		response, err := provider.Call(context.Background(), Request{})
		require.NoError(t, err)
		assert.Equal(t, "ok", response.Content)
		assert.Equal(t, 2, inner.calls)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		inner := &flakyProvider{failures: 10, err: errors.New("rate limit exceeded")}
		provider := NewRetryingProvider(inner, 2, zerolog.Nop())

		_, err := provider.Call(context.Background(), Request{})
		require.Error(t, err)
		assert.ErrorContains(t, err, "max retries (2) exceeded")
		assert.Equal(t, 2, inner.calls)
	})

	t.Run("permanent error fails immediately", func(t *testing.T) {
		inner := &flakyProvider{failures: 10, err: errors.New("401 invalid api key")}
		provider := NewRetryingProvider(inner, 3, zerolog.Nop())

		_, err := provider.Call(context.Background(), Request{})
		require.Error(t, err)
		assert.Equal(t, 1, inner.calls)
	})

	t.Run("passes through provider name", func(t *testing.T) {
		provider := NewRetryingProvider(&flakyProvider{}, 0, zerolog.Nop())
		assert.Equal(t, "flaky", provider.Provider())
	})
}
