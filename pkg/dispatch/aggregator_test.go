package dispatch

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nadir/stride/pkg/tool"
)

func TestAggregate(t *testing.T) {
	a := NewAggregator(zerolog.Nop())

	calls := []tool.Call{
		{ID: "c1", Name: "alpha"},
		{ID: "c2", Name: "beta"},
		{ID: "c3", Name: "gamma"},
	}

	t.Run("complete set in call order", func(t *testing.T) {
		raw := []tool.Result{
			{CallID: "c3", Status: tool.StatusOk, Output: "three"},
			{CallID: "c1", Status: tool.StatusOk, Output: "one"},
			{CallID: "c2", Status: tool.StatusError, Error: "bad"},
		}

		results, err := a.Aggregate(calls, raw)
		require.NoError(t, err)
		require.Len(t, results, 3)

		assert.Equal(t, "c1", results[0].CallID)
		assert.Equal(t, "one", results[0].Output)
		assert.Equal(t, "c2", results[1].CallID)
		assert.Equal(t, tool.StatusError, results[1].Status)
		assert.Equal(t, "c3", results[2].CallID)
	})

	t.Run("missing result is synthesized", func(t *testing.T) {
		raw := []tool.Result{
			{CallID: "c1", Status: tool.StatusOk, Output: "one"},
			{CallID: "c3", Status: tool.StatusOk, Output: "three"},
		}

		results, err := a.Aggregate(calls, raw)
		require.NoError(t, err)
		require.Len(t, results, 3)

		assert.Equal(t, "c2", results[1].CallID)
		assert.Equal(t, tool.StatusError, results[1].Status)
		assert.Equal(t, "missing result", results[1].Error)
	})

	t.Run("duplicate call id is an integrity error", func(t *testing.T) {
		raw := []tool.Result{
			{CallID: "c1", Status: tool.StatusOk},
			{CallID: "c1", Status: tool.StatusOk},
		}

		_, err := a.Aggregate(calls, raw)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrDuplicateResult)
	})

	t.Run("unknown call id is an integrity error", func(t *testing.T) {
		raw := []tool.Result{
			{CallID: "ghost", Status: tool.StatusOk},
		}

		_, err := a.Aggregate(calls, raw)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnknownResult)
	})

	t.Run("empty batch", func(t *testing.T) {
		results, err := a.Aggregate(nil, nil)
		require.NoError(t, err)
		assert.Empty(t, results)
	})
}
