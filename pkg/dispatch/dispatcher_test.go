package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nadir/stride/pkg/tool"
)

func buildRegistry(t *testing.T) *tool.Registry {
	t.Helper()

	registry := tool.NewRegistry()

	require.NoError(t, registry.Register(tool.Definition{
		Name:        "sleep",
		Description: "Sleeps for the given milliseconds then returns its tag",
		Parameters: []tool.Parameter{
			{Name: "ms", Type: "number", Description: "Milliseconds to sleep", Required: true},
			{Name: "tag", Type: "string", Description: "Value to return", Required: true},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			ms := args["ms"].(float64)
			select {
			case <-time.After(time.Duration(ms) * time.Millisecond):
				return args["tag"], nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}))

	require.NoError(t, registry.Register(tool.Definition{
		Name:        "fail",
		Description: "Always fails",
		Handler: func(context.Context, map[string]interface{}) (interface{}, error) {
			return nil, errors.New("boom")
		},
	}))

	return registry
}

func newDispatcher(t *testing.T, registry *tool.Registry, concurrency int) *Dispatcher {
	t.Helper()

	d, err := New(Config{
		Registry:       registry,
		MaxConcurrency: concurrency,
		Logger:         zerolog.Nop(),
	})
	require.NoError(t, err)
	return d
}

func sleepCall(id string, ms int) tool.Call {
	return tool.Call{
		ID:   id,
		Name: "sleep",
		Arguments: map[string]interface{}{
			"ms":  float64(ms),
			"tag": id,
		},
	}
}

func TestNew(t *testing.T) {
	t.Run("requires registry", func(t *testing.T) {
		_, err := New(Config{})
		assert.ErrorContains(t, err, "registry is required")
	})

	t.Run("defaults concurrency", func(t *testing.T) {
		d := newDispatcher(t, buildRegistry(t), 0)
		assert.Equal(t, DefaultMaxConcurrency, d.maxConcurrency)
	})
}

func TestDispatchEmptyBatch(t *testing.T) {
	d := newDispatcher(t, buildRegistry(t), 4)

	results := d.Dispatch(context.Background(), nil, ModeParallel, time.Second)
	assert.Empty(t, results)
	assert.NotNil(t, results)
}

func TestDispatchOrderPreserved(t *testing.T) {
	d := newDispatcher(t, buildRegistry(t), 4)

	// Reverse sleep times so completion order is the opposite of call order.
	calls := []tool.Call{
		sleepCall("a", 60),
		sleepCall("b", 30),
		sleepCall("c", 5),
	}

	for _, mode := range []Mode{ModeParallel, ModeSequential} {
		t.Run(string(mode), func(t *testing.T) {
			results := d.Dispatch(context.Background(), calls, mode, 5*time.Second)
			require.Len(t, results, 3)
			assert.Equal(t, "a", results[0].CallID)
			assert.Equal(t, "b", results[1].CallID)
			assert.Equal(t, "c", results[2].CallID)
			for _, res := range results {
				assert.Equal(t, tool.StatusOk, res.Status)
				assert.Equal(t, res.CallID, res.Output)
			}
		})
	}
}

func TestDispatchParallelWallClock(t *testing.T) {
	d := newDispatcher(t, buildRegistry(t), 8)

	calls := make([]tool.Call, 6)
	for i := range calls {
		calls[i] = sleepCall(fmt.Sprintf("c%d", i), 80)
	}

	start := time.Now()
	results := d.Dispatch(context.Background(), calls, ModeParallel, 5*time.Second)
	elapsed := time.Since(start)

	require.Len(t, results, 6)
	for _, res := range results {
		assert.Equal(t, tool.StatusOk, res.Status)
	}

	// Six 80ms calls in parallel must finish well under the 480ms serial sum.
	assert.Less(t, elapsed, 400*time.Millisecond)
}

func TestDispatchConcurrencyBound(t *testing.T) {
	registry := tool.NewRegistry()

	var current, peak atomic.Int32
	require.NoError(t, registry.Register(tool.Definition{
		Name:        "track",
		Description: "Tracks concurrent executions",
		Handler: func(context.Context, map[string]interface{}) (interface{}, error) {
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			current.Add(-1)
			return "done", nil
		},
	}))

	d := newDispatcher(t, registry, 2)

	calls := make([]tool.Call, 8)
	for i := range calls {
		calls[i] = tool.Call{ID: fmt.Sprintf("c%d", i), Name: "track"}
	}

	results := d.Dispatch(context.Background(), calls, ModeParallel, 5*time.Second)
	require.Len(t, results, 8)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestDispatchErrorIsolation(t *testing.T) {
	d := newDispatcher(t, buildRegistry(t), 4)

	calls := []tool.Call{
		sleepCall("ok1", 5),
		{ID: "bad", Name: "fail"},
		sleepCall("ok2", 5),
	}

	for _, mode := range []Mode{ModeParallel, ModeSequential} {
		t.Run(string(mode), func(t *testing.T) {
			results := d.Dispatch(context.Background(), calls, mode, 5*time.Second)
			require.Len(t, results, 3)

			assert.Equal(t, tool.StatusOk, results[0].Status)
			assert.Equal(t, tool.StatusError, results[1].Status)
			assert.Equal(t, "boom", results[1].Error)
			assert.Equal(t, tool.StatusOk, results[2].Status)
		})
	}
}

func TestDispatchBatchTimeout(t *testing.T) {
	d := newDispatcher(t, buildRegistry(t), 4)

	calls := []tool.Call{
		sleepCall("fast", 5),
		sleepCall("slow", 2000),
	}

	start := time.Now()
	results := d.Dispatch(context.Background(), calls, ModeParallel, 100*time.Millisecond)
	elapsed := time.Since(start)

	require.Len(t, results, 2)
	assert.Equal(t, tool.StatusOk, results[0].Status)
	assert.Equal(t, tool.StatusTimedOut, results[1].Status)
	assert.Less(t, elapsed, time.Second)
}

func TestDispatchSequentialTimeoutCascade(t *testing.T) {
	d := newDispatcher(t, buildRegistry(t), 4)

	calls := []tool.Call{
		sleepCall("first", 200),
		sleepCall("second", 5),
	}

	results := d.Dispatch(context.Background(), calls, ModeSequential, 100*time.Millisecond)
	require.Len(t, results, 2)

	// The first call eats the whole budget; the second never starts.
	assert.Equal(t, tool.StatusTimedOut, results[0].Status)
	assert.Equal(t, tool.StatusTimedOut, results[1].Status)
}

func TestDispatchCancelledParentRecordsElapsed(t *testing.T) {
	registry := tool.NewRegistry()
	require.NoError(t, registry.Register(tool.Definition{
		Name:        "block",
		Description: "Sleeps without watching the context",
		Handler: func(context.Context, map[string]interface{}) (interface{}, error) {
			time.Sleep(5 * time.Second)
			return "late", nil
		},
	}))
	d := newDispatcher(t, registry, 4)

	for _, mode := range []Mode{ModeParallel, ModeSequential} {
		t.Run(string(mode), func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			go func() {
				time.Sleep(50 * time.Millisecond)
				cancel()
			}()

			results := d.Dispatch(ctx, []tool.Call{{ID: "c1", Name: "block"}}, mode, 30*time.Second)
			require.Len(t, results, 1)

			// Cancellation cut the batch off after ~50ms; the result must
			// carry the real elapsed time, not the 30s timeout.
			assert.Equal(t, tool.StatusTimedOut, results[0].Status)
			assert.Less(t, results[0].Duration, 2*time.Second)
		})
	}
}

func TestDispatchDeterministicAcrossRepeats(t *testing.T) {
	d := newDispatcher(t, buildRegistry(t), 4)

	calls := []tool.Call{
		sleepCall("x", 20),
		sleepCall("y", 10),
		sleepCall("z", 1),
	}

	var first []string
	for round := 0; round < 5; round++ {
		results := d.Dispatch(context.Background(), calls, ModeParallel, 5*time.Second)
		ids := make([]string, len(results))
		for i, res := range results {
			ids[i] = res.CallID
		}
		if first == nil {
			first = ids
			continue
		}
		assert.Equal(t, first, ids, "round %d", round)
	}
}
