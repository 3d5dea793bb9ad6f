package dispatch

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/nadir/stride/pkg/tool"
)

// ErrDuplicateResult indicates more than one raw result arrived for the same
// call ID. This is a dispatcher defect, not a tool failure.
var ErrDuplicateResult = errors.New("duplicate result for call id")

// ErrUnknownResult indicates a raw result references a call ID that was
// never dispatched in the batch.
var ErrUnknownResult = errors.New("result for unknown call id")

// Aggregator turns raw dispatch output into a complete, correctly ordered
// result set for a batch.
type Aggregator struct {
	logger zerolog.Logger
}

// NewAggregator creates an Aggregator.
func NewAggregator(logger zerolog.Logger) *Aggregator {
	return &Aggregator{logger: logger}
}

// Aggregate matches raw results to calls by call ID and returns one result
// per call, in call order. A call with no raw result gets a synthesized
// error result so the batch invariant always holds. Duplicate or unknown
// call IDs in the raw set return an integrity error.
func (a *Aggregator) Aggregate(calls []tool.Call, raw []tool.Result) ([]tool.Result, error) {
	known := make(map[string]int, len(calls))
	for i, call := range calls {
		known[call.ID] = i
	}

	byID := make(map[string]tool.Result, len(raw))
	for _, res := range raw {
		if _, ok := known[res.CallID]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownResult, res.CallID)
		}
		if _, dup := byID[res.CallID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateResult, res.CallID)
		}
		byID[res.CallID] = res
	}

	results := make([]tool.Result, len(calls))
	for i, call := range calls {
		if res, ok := byID[call.ID]; ok {
			results[i] = res
			continue
		}

		// The executing worker died without reporting. Synthesize an error
		// result so the model still sees one result per call.
		a.logger.Warn().
			Str("callId", call.ID).
			Str("tool", call.Name).
			Msg("No result produced for call, synthesizing error result")

		results[i] = tool.Result{
			CallID: call.ID,
			Status: tool.StatusError,
			Error:  "missing result",
		}
	}

	return results, nil
}
