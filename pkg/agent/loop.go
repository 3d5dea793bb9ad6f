package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nadir/stride/internal/observability"
	"github.com/nadir/stride/internal/tracing"
	"github.com/nadir/stride/pkg/dispatch"
	"github.com/nadir/stride/pkg/tool"
	"github.com/nadir/stride/pkg/trajectory"
)

const (
	// DefaultMaxSteps caps the step loop when no ceiling is configured.
	DefaultMaxSteps = 20
	// DefaultDoneTool is the tool whose successful call signals completion.
	DefaultDoneTool = "task_done"
	// DefaultMaxTokens is the per-call output token budget.
	DefaultMaxTokens = 4096
)

// StepSink receives completed steps as they happen, for live observation.
// Implementations must not block; a slow sink delays the loop.
type StepSink interface {
	OnStep(runID string, step trajectory.Step)
}

// Config holds loop configuration. Provider and Registry are required.
type Config struct {
	Provider Provider
	Registry *tool.Registry

	// Dispatcher and Aggregator are built from Registry when nil.
	Dispatcher *dispatch.Dispatcher
	Aggregator *dispatch.Aggregator

	// Recorder persists the trajectory; nil disables recording.
	Recorder *trajectory.Recorder
	// Sink observes steps live; nil disables.
	Sink StepSink

	Logger zerolog.Logger

	// RunID pins the run identifier so callers can index the run before it
	// starts; generated when empty.
	RunID string

	Model        string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
	MaxSteps     int

	DispatchMode dispatch.Mode
	BatchTimeout time.Duration

	// DoneTool names the completion-signal tool. Default "task_done".
	DoneTool string
}

// Loop runs tasks through the model and the tool registry, one step at a
// time, recording every step.
type Loop struct {
	provider   Provider
	registry   *tool.Registry
	dispatcher *dispatch.Dispatcher
	aggregator *dispatch.Aggregator
	recorder   *trajectory.Recorder
	sink       StepSink
	logger     zerolog.Logger

	runID        string
	model        string
	systemPrompt string
	temperature  float64
	maxTokens    int
	maxSteps     int

	dispatchMode dispatch.Mode
	batchTimeout time.Duration
	doneTool     string
}

// NewLoop creates a Loop from config.
func NewLoop(cfg Config) (*Loop, error) {
	observability.EnsureRegistered()

	if cfg.Provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("tool registry is required")
	}

	if cfg.Dispatcher == nil {
		d, err := dispatch.New(dispatch.Config{Registry: cfg.Registry, Logger: cfg.Logger})
		if err != nil {
			return nil, err
		}
		cfg.Dispatcher = d
	}
	if cfg.Aggregator == nil {
		cfg.Aggregator = dispatch.NewAggregator(cfg.Logger)
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.DispatchMode == "" {
		cfg.DispatchMode = dispatch.ModeParallel
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = dispatch.DefaultBatchTimeout
	}
	if cfg.DoneTool == "" {
		cfg.DoneTool = DefaultDoneTool
	}

	return &Loop{
		provider:     cfg.Provider,
		registry:     cfg.Registry,
		dispatcher:   cfg.Dispatcher,
		aggregator:   cfg.Aggregator,
		recorder:     cfg.Recorder,
		sink:         cfg.Sink,
		logger:       cfg.Logger,
		runID:        cfg.RunID,
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		temperature:  cfg.Temperature,
		maxTokens:    cfg.MaxTokens,
		maxSteps:     cfg.MaxSteps,
		dispatchMode: cfg.DispatchMode,
		batchTimeout: cfg.BatchTimeout,
		doneTool:     cfg.DoneTool,
	}, nil
}

// requestSnapshot is the serializable view of a model request for the
// trajectory. Tool definitions carry handlers and are recorded by name only.
type requestSnapshot struct {
	Model        string    `json:"model"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	Messages     []Message `json:"messages"`
	Tools        []string  `json:"tools,omitempty"`
}

type responseSnapshot struct {
	Content   string      `json:"content"`
	ToolCalls []tool.Call `json:"tool_calls,omitempty"`
	Usage     *TokenUsage `json:"usage,omitempty"`
}

// Run executes a task to completion. The returned error is non-nil only for
// fatal failures (model error after retries, result integrity violation);
// a run that ends by ceiling or cancellation returns a Result with the
// corresponding reason and a nil error.
func (l *Loop) Run(ctx context.Context, task string) (Result, error) {
	runID := l.runID
	if runID == "" {
		var err error
		runID, err = gonanoid.New()
		if err != nil {
			return Result{}, fmt.Errorf("failed to generate run ID: %w", err)
		}
	}

	ctx = tracing.NewRunContext(ctx, runID)
	ctx, span := tracing.StartSpan(
		ctx,
		"stride.agent",
		"agent.run",
		attribute.String("run_id", runID),
		attribute.String("model", l.model),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, l.logger)
	logger.Info().Str("task", task).Int("max_steps", l.maxSteps).Msg("Agent run started")

	if l.recorder != nil {
		l.recorder.Start(trajectory.Header{
			RunID:    runID,
			Task:     task,
			Provider: l.provider.Provider(),
			Model:    l.model,
			MaxSteps: l.maxSteps,
		})
	}

	tools := l.registry.List()
	toolNames := make([]string, len(tools))
	for i, def := range tools {
		toolNames[i] = def.Name
	}

	messages := []Message{{Role: "user", Content: task}}
	var usage TokenUsage
	steps := 0

	finish := func(reason TerminationReason, response string, fatal error) (Result, error) {
		result := Result{
			RunID:    runID,
			Response: response,
			Steps:    steps,
			Reason:   reason,
			Usage:    usage,
		}

		if l.recorder != nil {
			if err := l.recorder.Shutdown(trajectory.Footer{
				Success:     result.Success(),
				FinalResult: response,
			}); err != nil {
				logger.Warn().Err(err).Msg("Trajectory finalization incomplete")
			}
		}

		observability.RecordAgentRun(string(reason))
		logger.Info().
			Str("reason", string(reason)).
			Int("steps", steps).
			Int("input_tokens", usage.InputTokens).
			Int("output_tokens", usage.OutputTokens).
			Msg("Agent run finished")

		return result, fatal
	}

	for ordinal := 0; ordinal < l.maxSteps; ordinal++ {
		select {
		case <-ctx.Done():
			return finish(ReasonAborted, "", nil)
		default:
		}

		stepCtx := tracing.WithStep(ctx, ordinal)
		stepLogger := tracing.LoggerFromContext(stepCtx, l.logger)

		request := Request{
			Model:        l.model,
			Messages:     messages,
			Tools:        tools,
			Temperature:  l.temperature,
			MaxTokens:    l.maxTokens,
			SystemPrompt: l.systemPrompt,
		}

		step := trajectory.Step{
			Ordinal:   ordinal,
			Timestamp: time.Now(),
		}
		step.ModelRequest, _ = json.Marshal(requestSnapshot{
			Model:        request.Model,
			SystemPrompt: request.SystemPrompt,
			Messages:     request.Messages,
			Tools:        toolNames,
		})

		callStart := time.Now()
		response, err := l.provider.Call(stepCtx, request)
		observability.RecordModelCall(l.provider.Provider(), time.Since(callStart), err == nil)

		if err != nil {
			if stepCtx.Err() != nil {
				return finish(ReasonAborted, "", nil)
			}
			step.Error = err.Error()
			l.recordStep(runID, step)
			steps++
			observability.RecordAgentStep(false)
			stepLogger.Error().Err(err).Msg("Model call failed")
			result, _ := finish(ReasonModelError, "", nil)
			return result, fmt.Errorf("model call failed at step %d: %w", ordinal, err)
		}

		usage.Add(response.Usage)
		step.ModelResponse, _ = json.Marshal(responseSnapshot{
			Content:   response.Content,
			ToolCalls: response.ToolCalls,
			Usage:     response.Usage,
		})

		// No tool calls means the model answered directly.
		if len(response.ToolCalls) == 0 {
			l.recordStep(runID, step)
			steps++
			observability.RecordAgentStep(true)
			return finish(ReasonCompleted, response.Content, nil)
		}

		raw := l.dispatcher.Dispatch(stepCtx, response.ToolCalls, l.dispatchMode, l.batchTimeout)
		results, err := l.aggregator.Aggregate(response.ToolCalls, raw)
		if err != nil {
			step.ToolCalls = response.ToolCalls
			step.Error = err.Error()
			l.recordStep(runID, step)
			steps++
			observability.RecordAgentStep(false)
			stepLogger.Error().Err(err).Msg("Tool result aggregation failed")
			result, _ := finish(ReasonIntegrityError, "", nil)
			return result, fmt.Errorf("tool result integrity violation at step %d: %w", ordinal, err)
		}

		step.ToolCalls = response.ToolCalls
		step.ToolResults = results
		l.recordStep(runID, step)
		steps++
		observability.RecordAgentStep(true)

		messages = append(messages, Message{
			Role:      "assistant",
			Content:   response.Content,
			ToolCalls: response.ToolCalls,
		})
		for _, res := range results {
			messages = append(messages, Message{
				Role:       "tool",
				Content:    res.Content(),
				ToolCallID: res.CallID,
			})
		}

		if done, summary := l.doneSignal(response.ToolCalls, results, response.Content); done {
			return finish(ReasonDone, summary, nil)
		}
	}

	logger.Warn().Int("max_steps", l.maxSteps).Msg("Step ceiling reached")
	return finish(ReasonStepCeiling, "", nil)
}

// recordStep appends the step to the trajectory and forwards it to the sink.
func (l *Loop) recordStep(runID string, step trajectory.Step) {
	if l.recorder != nil {
		l.recorder.Append(step)
	}
	if l.sink != nil {
		l.sink.OnStep(runID, step)
	}
}

// doneSignal reports whether a successful done-tool call is present and
// returns the final summary to surface.
func (l *Loop) doneSignal(calls []tool.Call, results []tool.Result, fallback string) (bool, string) {
	byID := make(map[string]tool.Call, len(calls))
	for _, call := range calls {
		byID[call.ID] = call
	}

	for _, res := range results {
		call, ok := byID[res.CallID]
		if !ok || call.Name != l.doneTool || !res.Ok() {
			continue
		}
		if summary, ok := call.Arguments["summary"].(string); ok && summary != "" {
			return true, summary
		}
		return true, fallback
	}

	return false, ""
}
