package tool

import "time"

// Status classifies the outcome of a single tool invocation.
type Status string

const (
	// StatusOk means the handler completed and produced output.
	StatusOk Status = "ok"
	// StatusError means the handler returned an error or panicked.
	StatusError Status = "error"
	// StatusTimedOut means the invocation was still pending when the batch
	// deadline elapsed.
	StatusTimedOut Status = "timed_out"
)

// Call is a single requested tool invocation. The ID is unique within a
// dispatched batch and ties the call to its result.
type Call struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// Result is the matched outcome of a Call. Exactly one Result exists per
// call ID in a completed batch.
type Result struct {
	CallID   string        `json:"call_id"`
	Status   Status        `json:"status"`
	Output   string        `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Ok reports whether the invocation succeeded.
func (r Result) Ok() bool {
	return r.Status == StatusOk
}

// Content returns the model-facing payload for the result: the output on
// success, the error text otherwise.
func (r Result) Content() string {
	if r.Status == StatusOk {
		return r.Output
	}
	return r.Error
}
