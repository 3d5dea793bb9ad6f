package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextValues(t *testing.T) {
	ctx := context.Background()

	t.Run("empty context", func(t *testing.T) {
		assert.Empty(t, GetTraceID(ctx))
		assert.Empty(t, GetRunID(ctx))
		assert.Equal(t, -1, GetStep(ctx))
	})

	t.Run("round trips", func(t *testing.T) {
		ctx := WithTraceID(ctx, "trace-1")
		ctx = WithRunID(ctx, "run-1")
		ctx = WithStep(ctx, 4)

		assert.Equal(t, "trace-1", GetTraceID(ctx))
		assert.Equal(t, "run-1", GetRunID(ctx))
		assert.Equal(t, 4, GetStep(ctx))

		tc := FromContext(ctx)
		assert.Equal(t, "trace-1", tc.TraceID)
		assert.Equal(t, "run-1", tc.RunID)
	})

	t.Run("step zero is distinguishable from unset", func(t *testing.T) {
		ctx := WithStep(ctx, 0)
		assert.Equal(t, 0, GetStep(ctx))
	})
}

func TestNewTraceID(t *testing.T) {
	a := NewTraceID()
	b := NewTraceID()

	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}

func TestNewRunContext(t *testing.T) {
	t.Run("generates trace id", func(t *testing.T) {
		ctx := NewRunContext(context.Background(), "run-1")
		assert.Equal(t, "run-1", GetRunID(ctx))
		assert.NotEmpty(t, GetTraceID(ctx))
	})

	t.Run("keeps existing trace id", func(t *testing.T) {
		base := WithTraceID(context.Background(), "trace-keep")
		ctx := NewRunContext(base, "run-2")
		assert.Equal(t, "trace-keep", GetTraceID(ctx))
	})
}

func TestStartSpan(t *testing.T) {
	require.NoError(t, InitOpenTelemetry("stride-test"))

	ctx, span := StartSpan(context.Background(), "test-tracer", "test-span")
	defer span.End()

	assert.NotNil(t, span)
	assert.NotEmpty(t, GetTraceID(ctx))
}
