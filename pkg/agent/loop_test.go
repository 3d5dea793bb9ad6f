package agent

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nadir/stride/pkg/tool"
	"github.com/nadir/stride/pkg/trajectory"
)

// scriptedProvider returns canned responses in order and records the
// requests it saw.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*Response
	errs      []error
	requests  []Request
}

func (p *scriptedProvider) Provider() string { return "scripted" }

func (p *scriptedProvider) Call(_ context.Context, request Request) (*Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := len(p.requests)
	p.requests = append(p.requests, request)

	if idx < len(p.errs) && p.errs[idx] != nil {
		return nil, p.errs[idx]
	}
	if idx < len(p.responses) {
		return p.responses[idx], nil
	}
	return &Response{Content: "out of script"}, nil
}

type capturedSteps struct {
	mu     sync.Mutex
	runIDs []string
	steps  []trajectory.Step
}

func (c *capturedSteps) OnStep(runID string, step trajectory.Step) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runIDs = append(c.runIDs, runID)
	c.steps = append(c.steps, step)
}

func testRegistry(t *testing.T) *tool.Registry {
	t.Helper()

	registry := tool.NewRegistry()

	require.NoError(t, registry.Register(tool.Definition{
		Name:        "echo",
		Description: "Echoes its input back",
		Parameters: []tool.Parameter{
			{Name: "text", Type: "string", Description: "Text to echo", Required: true},
		},
		Handler: func(_ context.Context, args map[string]interface{}) (interface{}, error) {
			return args["text"], nil
		},
	}))

	require.NoError(t, registry.Register(tool.Definition{
		Name:        "fail",
		Description: "Always fails",
		Handler: func(_ context.Context, _ map[string]interface{}) (interface{}, error) {
			return nil, errors.New("boom")
		},
	}))

	require.NoError(t, registry.Register(tool.Definition{
		Name:        "task_done",
		Description: "Signals the task is complete",
		Parameters: []tool.Parameter{
			{Name: "summary", Type: "string", Description: "Final summary", Required: false},
		},
		Handler: func(_ context.Context, _ map[string]interface{}) (interface{}, error) {
			return "done", nil
		},
	}))

	return registry
}

func newTestLoop(t *testing.T, provider Provider, opts func(*Config)) *Loop {
	t.Helper()

	cfg := Config{
		Provider: provider,
		Registry: testRegistry(t),
		Logger:   zerolog.Nop(),
		Model:    "test-model",
	}
	if opts != nil {
		opts(&cfg)
	}

	loop, err := NewLoop(cfg)
	require.NoError(t, err)
	return loop
}

func TestNewLoop(t *testing.T) {
	t.Run("requires provider", func(t *testing.T) {
		_, err := NewLoop(Config{Registry: tool.NewRegistry()})
		assert.ErrorContains(t, err, "provider is required")
	})

	t.Run("requires registry", func(t *testing.T) {
		_, err := NewLoop(Config{Provider: &scriptedProvider{}})
		assert.ErrorContains(t, err, "tool registry is required")
	})

	t.Run("applies defaults", func(t *testing.T) {
		loop := newTestLoop(t, &scriptedProvider{}, nil)
		assert.Equal(t, DefaultMaxSteps, loop.maxSteps)
		assert.Equal(t, DefaultDoneTool, loop.doneTool)
	})
}

func TestRunUsesConfiguredRunID(t *testing.T) {
	provider := &scriptedProvider{responses: []*Response{{Content: "direct answer"}}}
	sink := &capturedSteps{}

	loop := newTestLoop(t, provider, func(cfg *Config) {
		cfg.RunID = "run-pinned"
		cfg.Sink = sink
	})

	result, err := loop.Run(context.Background(), "do the thing")
	require.NoError(t, err)

	// Callers that index the run before it starts rely on the ID being
	// exactly the one they supplied.
	assert.Equal(t, "run-pinned", result.RunID)
	require.Len(t, sink.runIDs, 1)
	assert.Equal(t, "run-pinned", sink.runIDs[0])
}

func TestRunDirectAnswer(t *testing.T) {
	provider := &scriptedProvider{
		responses: []*Response{
			{Content: "the answer is 42", Usage: &TokenUsage{InputTokens: 10, OutputTokens: 5}},
		},
	}
	loop := newTestLoop(t, provider, nil)

	result, err := loop.Run(context.Background(), "what is the answer?")
	require.NoError(t, err)

	assert.Equal(t, ReasonCompleted, result.Reason)
	assert.Equal(t, "the answer is 42", result.Response)
	assert.Equal(t, 1, result.Steps)
	assert.Equal(t, 10, result.Usage.InputTokens)
	assert.True(t, result.Success())
	assert.NotEmpty(t, result.RunID)
}

func TestRunToolCallsThenDone(t *testing.T) {
	provider := &scriptedProvider{
		responses: []*Response{
			{
				Content: "let me check",
				ToolCalls: []tool.Call{
					{ID: "c1", Name: "echo", Arguments: map[string]interface{}{"text": "hello"}},
				},
				Usage: &TokenUsage{InputTokens: 10, OutputTokens: 5},
			},
			{
				ToolCalls: []tool.Call{
					{ID: "c2", Name: "task_done", Arguments: map[string]interface{}{"summary": "echoed hello"}},
				},
				Usage: &TokenUsage{InputTokens: 20, OutputTokens: 3},
			},
		},
	}

	sink := &capturedSteps{}
	loop := newTestLoop(t, provider, func(cfg *Config) {
		cfg.Sink = sink
	})

	result, err := loop.Run(context.Background(), "echo hello")
	require.NoError(t, err)

	assert.Equal(t, ReasonDone, result.Reason)
	assert.Equal(t, "echoed hello", result.Response)
	assert.Equal(t, 2, result.Steps)
	assert.Equal(t, 30, result.Usage.InputTokens)
	assert.Equal(t, 8, result.Usage.OutputTokens)

	// The second request must carry the echo result back to the model.
	require.Len(t, provider.requests, 2)
	second := provider.requests[1]
	require.Len(t, second.Messages, 3)
	assert.Equal(t, "assistant", second.Messages[1].Role)
	assert.Equal(t, "tool", second.Messages[2].Role)
	assert.Equal(t, "c1", second.Messages[2].ToolCallID)
	assert.Equal(t, "hello", second.Messages[2].Content)

	// Sink saw both steps with monotonic ordinals.
	require.Len(t, sink.steps, 2)
	assert.Equal(t, 0, sink.steps[0].Ordinal)
	assert.Equal(t, 1, sink.steps[1].Ordinal)
	require.Len(t, sink.steps[0].ToolResults, 1)
	assert.Equal(t, tool.StatusOk, sink.steps[0].ToolResults[0].Status)
}

func TestRunToolErrorIsNotFatal(t *testing.T) {
	provider := &scriptedProvider{
		responses: []*Response{
			{ToolCalls: []tool.Call{{ID: "c1", Name: "fail", Arguments: map[string]interface{}{}}}},
			{Content: "recovered"},
		},
	}
	loop := newTestLoop(t, provider, nil)

	result, err := loop.Run(context.Background(), "try the flaky thing")
	require.NoError(t, err)

	assert.Equal(t, ReasonCompleted, result.Reason)
	assert.Equal(t, 2, result.Steps)

	// The error was fed back as a tool message, not swallowed.
	require.Len(t, provider.requests, 2)
	toolMsg := provider.requests[1].Messages[2]
	assert.Equal(t, "tool", toolMsg.Role)
	assert.Contains(t, toolMsg.Content, "boom")
}

func TestRunStepCeiling(t *testing.T) {
	provider := &scriptedProvider{}
	// Every response asks for another echo, forever.
	for i := 0; i < 10; i++ {
		provider.responses = append(provider.responses, &Response{
			ToolCalls: []tool.Call{
				{ID: fmt.Sprintf("c%d", i), Name: "echo", Arguments: map[string]interface{}{"text": "again"}},
			},
		})
	}

	loop := newTestLoop(t, provider, func(cfg *Config) {
		cfg.MaxSteps = 3
	})

	result, err := loop.Run(context.Background(), "loop forever")
	require.NoError(t, err)

	assert.Equal(t, ReasonStepCeiling, result.Reason)
	assert.Equal(t, 3, result.Steps)
	assert.False(t, result.Success())
	assert.Len(t, provider.requests, 3)
}

func TestRunModelError(t *testing.T) {
	provider := &scriptedProvider{
		errs: []error{errors.New("invalid api key")},
	}
	loop := newTestLoop(t, provider, nil)

	result, err := loop.Run(context.Background(), "anything")
	require.Error(t, err)
	assert.ErrorContains(t, err, "model call failed at step 0")
	assert.Equal(t, ReasonModelError, result.Reason)
}

func TestRunAborted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	provider := &scriptedProvider{}
	loop := newTestLoop(t, provider, nil)

	result, err := loop.Run(ctx, "never starts")
	require.NoError(t, err)

	assert.Equal(t, ReasonAborted, result.Reason)
	assert.Equal(t, 0, result.Steps)
	assert.Empty(t, provider.requests)
}

func TestRunRecordsTrajectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.jsonl")
	recorder, err := trajectory.NewRecorder(trajectory.Config{
		Path:   path,
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)

	provider := &scriptedProvider{
		responses: []*Response{
			{ToolCalls: []tool.Call{{ID: "c1", Name: "echo", Arguments: map[string]interface{}{"text": "hi"}}}},
			{Content: "all done"},
		},
	}
	loop := newTestLoop(t, provider, func(cfg *Config) {
		cfg.Recorder = recorder
	})

	result, err := loop.Run(context.Background(), "record me")
	require.NoError(t, err)
	assert.Equal(t, ReasonCompleted, result.Reason)

	header, steps, footer, err := trajectory.Load(path)
	require.NoError(t, err)

	assert.Equal(t, result.RunID, header.RunID)
	assert.Equal(t, "record me", header.Task)
	assert.Equal(t, "scripted", header.Provider)
	require.Len(t, steps, 2)
	assert.Equal(t, 0, steps[0].Ordinal)
	assert.Equal(t, 1, steps[1].Ordinal)
	require.Len(t, steps[0].ToolCalls, 1)
	assert.Equal(t, "echo", steps[0].ToolCalls[0].Name)

	require.NotNil(t, footer)
	assert.True(t, footer.Success)
	assert.Equal(t, "all done", footer.FinalResult)
	assert.Equal(t, 2, footer.Steps)
}

func TestDoneSignalSummaryFallback(t *testing.T) {
	provider := &scriptedProvider{
		responses: []*Response{
			{
				Content: "finishing up",
				ToolCalls: []tool.Call{
					{ID: "c1", Name: "task_done", Arguments: map[string]interface{}{}},
				},
			},
		},
	}
	loop := newTestLoop(t, provider, nil)

	result, err := loop.Run(context.Background(), "wrap up")
	require.NoError(t, err)

	assert.Equal(t, ReasonDone, result.Reason)
	// No summary argument; the model's text is surfaced instead.
	assert.Equal(t, "finishing up", result.Response)
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil", nil, false},
		{"rate limit", errors.New("429 Too Many Requests"), true},
		{"server error", errors.New("upstream returned 503"), true},
		{"timeout", errors.New("request timeout"), true},
		{"connection reset", errors.New("read tcp: connection reset by peer"), true},
		{"auth failure", errors.New("401 invalid api key"), false},
		{"bad request", errors.New("400 malformed input"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryableError(tt.err))
		})
	}
}
