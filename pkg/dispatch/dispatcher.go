package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nadir/stride/internal/observability"
	"github.com/nadir/stride/internal/tracing"
	"github.com/nadir/stride/pkg/tool"
)

// Mode selects the execution policy for a batch of tool calls.
type Mode string

const (
	// ModeParallel runs all calls concurrently on a bounded worker pool.
	ModeParallel Mode = "parallel"
	// ModeSequential runs calls one at a time in the given order.
	ModeSequential Mode = "sequential"
)

// DefaultMaxConcurrency bounds the worker pool per batch independent of
// batch size.
const DefaultMaxConcurrency = 8

// DefaultBatchTimeout applies when the caller passes a non-positive timeout.
const DefaultBatchTimeout = 2 * time.Minute

// Config holds dispatcher configuration.
type Config struct {
	Registry       *tool.Registry
	MaxConcurrency int
	Logger         zerolog.Logger
}

// Dispatcher executes batches of tool calls against a registry.
type Dispatcher struct {
	registry       *tool.Registry
	maxConcurrency int
	logger         zerolog.Logger
}

// New creates a Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("tool registry is required")
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}

	return &Dispatcher{
		registry:       cfg.Registry,
		maxConcurrency: cfg.MaxConcurrency,
		logger:         cfg.Logger,
	}, nil
}

// Dispatch executes a batch of tool calls and blocks until every call has a
// result or the batch timeout elapses. The returned slice preserves call
// order: result[i] belongs to calls[i].
func (d *Dispatcher) Dispatch(ctx context.Context, calls []tool.Call, mode Mode, timeout time.Duration) []tool.Result {
	if len(calls) == 0 {
		return []tool.Result{}
	}
	if timeout <= 0 {
		timeout = DefaultBatchTimeout
	}

	ctx, span := tracing.StartSpan(
		ctx,
		"stride.dispatch",
		"dispatch.batch",
		attribute.String("mode", string(mode)),
		attribute.Int("calls", len(calls)),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, d.logger)

	start := time.Now()

	var results []tool.Result
	switch mode {
	case ModeSequential:
		results = d.dispatchSequential(ctx, calls, timeout)
	default:
		results = d.dispatchParallel(ctx, calls, timeout)
	}

	duration := time.Since(start)
	failed := 0
	for _, res := range results {
		if !res.Ok() {
			failed++
		}
	}

	logger.Debug().
		Str("mode", string(mode)).
		Int("calls", len(calls)).
		Int("failed", failed).
		Dur("duration", duration).
		Msg("Batch dispatch completed")

	observability.RecordDispatchBatch(string(mode), len(calls), duration, failed == 0)

	return results
}

// dispatchParallel fans the batch out onto a semaphore-bounded pool. Each
// worker delivers its result on a dedicated buffered channel so a worker
// finishing after the deadline never blocks and its output is simply dropped.
func (d *Dispatcher) dispatchParallel(ctx context.Context, calls []tool.Call, timeout time.Duration) []tool.Result {
	batchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()

	sem := make(chan struct{}, d.maxConcurrency)
	resultChans := make([]chan tool.Result, len(calls))

	for i, call := range calls {
		resultChans[i] = make(chan tool.Result, 1)

		go func(idx int, call tool.Call) {
			select {
			case sem <- struct{}{}:
			case <-batchCtx.Done():
				// Never started; the collector synthesizes a timed-out result.
				return
			}
			defer func() { <-sem }()

			resultChans[idx] <- d.registry.Execute(batchCtx, call, timeout)
		}(i, call)
	}

	results := make([]tool.Result, len(calls))
	for i := range calls {
		select {
		case res := <-resultChans[i]:
			results[i] = res
		case <-batchCtx.Done():
			// Deadline hit while waiting; grab a result that raced in,
			// otherwise mark the call timed out.
			select {
			case res := <-resultChans[i]:
				results[i] = res
			default:
				results[i] = timedOutResult(calls[i], timeout, time.Since(start))
			}
		}
	}

	return results
}

// dispatchSequential runs calls in order. A call error is recorded in that
// call's result and execution continues with the remaining calls, keeping
// the model-facing contract identical to parallel mode.
func (d *Dispatcher) dispatchSequential(ctx context.Context, calls []tool.Call, timeout time.Duration) []tool.Result {
	batchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()

	results := make([]tool.Result, len(calls))
	for i, call := range calls {
		if batchCtx.Err() != nil {
			results[i] = timedOutResult(call, timeout, time.Since(start))
			continue
		}
		results[i] = d.registry.Execute(batchCtx, call, timeout)
	}

	return results
}

// timedOutResult marks a call the batch deadline cut off. The deadline may
// fire before timeout elapses when the parent context is cancelled, so the
// duration records the actual elapsed time.
func timedOutResult(call tool.Call, timeout, elapsed time.Duration) tool.Result {
	return tool.Result{
		CallID:   call.ID,
		Status:   tool.StatusTimedOut,
		Error:    fmt.Sprintf("batch timed out after %v", timeout),
		Duration: elapsed,
	}
}
