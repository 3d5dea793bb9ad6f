package agent

import (
	"context"
	"fmt"

	"github.com/nadir/stride/pkg/tool"
)

// Provider is an interface for model API providers
type Provider interface {
	// Call makes a model API call
	Call(ctx context.Context, request Request) (*Response, error)

	// Provider returns the provider name
	Provider() string
}

// Request contains the request parameters for a model call
type Request struct {
	Model        string
	Messages     []Message
	Tools        []tool.Definition
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
}

// Response contains the response from the model
type Response struct {
	Content   string
	ToolCalls []tool.Call
	Usage     *TokenUsage
}

// NewProvider creates a model provider by name.
func NewProvider(name, apiKey string) (Provider, error) {
	switch name {
	case "anthropic":
		return NewAnthropicProvider(apiKey), nil
	case "openai":
		return NewOpenAIProvider(apiKey), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", name)
	}
}
