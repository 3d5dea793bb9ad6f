package trajectory

import (
	"encoding/json"
	"time"

	"github.com/nadir/stride/pkg/tool"
)

// Step is one full cycle of the agent loop: model query, tool dispatch, and
// matched results. Steps are immutable once appended.
type Step struct {
	Ordinal       int             `json:"ordinal"`
	Timestamp     time.Time       `json:"timestamp"`
	ModelRequest  json.RawMessage `json:"model_request,omitempty"`
	ModelResponse json.RawMessage `json:"model_response,omitempty"`
	ToolCalls     []tool.Call     `json:"tool_calls,omitempty"`
	ToolResults   []tool.Result   `json:"tool_results,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// Header opens a persisted trajectory and carries run metadata.
type Header struct {
	RunID     string    `json:"run_id"`
	Task      string    `json:"task"`
	Provider  string    `json:"provider,omitempty"`
	Model     string    `json:"model,omitempty"`
	MaxSteps  int       `json:"max_steps,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// Footer closes a persisted trajectory when the run finalizes.
type Footer struct {
	EndedAt     time.Time `json:"ended_at"`
	Success     bool      `json:"success"`
	FinalResult string    `json:"final_result,omitempty"`
	Steps       int       `json:"steps"`
	DurationMs  int64     `json:"duration_ms"`
}

// record is the JSONL envelope: one record per line, typed so the file is
// self-describing and parseable line by line.
type record struct {
	Type   string  `json:"type"` // "header", "step", or "footer"
	Header *Header `json:"header,omitempty"`
	Step   *Step   `json:"step,omitempty"`
	Footer *Footer `json:"footer,omitempty"`
}

const (
	recordTypeHeader = "header"
	recordTypeStep   = "step"
	recordTypeFooter = "footer"
)
