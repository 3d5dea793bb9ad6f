package agent

import (
	"strings"

	"github.com/nadir/stride/pkg/tool"
)

// Message represents a message in the conversation
type Message struct {
	Role       string      `json:"role"`
	Content    string      `json:"content"`
	ToolCalls  []tool.Call `json:"tool_calls,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates usage from one model call.
func (u *TokenUsage) Add(other *TokenUsage) {
	if other == nil {
		return
	}
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// TerminationReason explains why a run ended.
type TerminationReason string

const (
	// ReasonDone means the model signalled completion through the done tool.
	ReasonDone TerminationReason = "done_signal"
	// ReasonCompleted means the model produced a final answer with no tool calls.
	ReasonCompleted TerminationReason = "completed"
	// ReasonStepCeiling means the configured maximum step count was reached.
	ReasonStepCeiling TerminationReason = "step_ceiling"
	// ReasonModelError means the model client failed fatally after retries.
	ReasonModelError TerminationReason = "model_error"
	// ReasonAborted means the run was cancelled externally.
	ReasonAborted TerminationReason = "aborted"
	// ReasonIntegrityError means tool results failed aggregation checks.
	ReasonIntegrityError TerminationReason = "integrity_error"
)

// Result contains the outcome of a run.
type Result struct {
	RunID    string            `json:"run_id"`
	Response string            `json:"response"`
	Steps    int               `json:"steps"`
	Reason   TerminationReason `json:"reason"`
	Usage    TokenUsage        `json:"usage"`
}

// Success reports whether the run ended in a terminal state the model chose.
func (r Result) Success() bool {
	return r.Reason == ReasonDone || r.Reason == ReasonCompleted
}

// IsRetryableError checks if a model call error should be retried.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	msg := err.Error()

	// Network errors
	if strings.Contains(msg, "connection reset") || strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "ECONNRESET") || strings.Contains(msg, "ETIMEDOUT") {
		return true
	}

	// Rate limits
	if strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") {
		return true
	}

	// Server errors
	if strings.Contains(msg, "500") || strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") || strings.Contains(msg, "504") {
		return true
	}

	return false
}
