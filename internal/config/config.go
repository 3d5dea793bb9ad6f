package config

import (
	"fmt"
	"strings"
)

// Config is the root configuration.
type Config struct {
	Provider   ProviderConfig   `mapstructure:"provider" json:"provider"`
	Agent      AgentConfig      `mapstructure:"agent" json:"agent"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch" json:"dispatch"`
	Trajectory TrajectoryConfig `mapstructure:"trajectory" json:"trajectory"`
	Gateway    GatewayConfig    `mapstructure:"gateway" json:"gateway"`
	Logging    LoggingConfig    `mapstructure:"logging" json:"logging"`

	DataDir       string `mapstructure:"data_dir" json:"data_dir"`
	WorkspacePath string `mapstructure:"workspace_path" json:"workspace_path"`
}

// ProviderConfig selects and configures the model provider.
type ProviderConfig struct {
	Name       string `mapstructure:"name" json:"name"`
	APIKey     string `mapstructure:"api_key" json:"api_key"`
	Model      string `mapstructure:"model" json:"model"`
	MaxRetries int    `mapstructure:"max_retries" json:"max_retries"`
}

// AgentConfig controls the step loop.
type AgentConfig struct {
	MaxSteps     int     `mapstructure:"max_steps" json:"max_steps"`
	SystemPrompt string  `mapstructure:"system_prompt" json:"system_prompt"`
	Temperature  float64 `mapstructure:"temperature" json:"temperature"`
	MaxTokens    int     `mapstructure:"max_tokens" json:"max_tokens"`
	DoneTool     string  `mapstructure:"done_tool" json:"done_tool"`
}

// DispatchConfig controls tool call execution.
type DispatchConfig struct {
	Mode                string `mapstructure:"mode" json:"mode"`
	MaxConcurrency      int    `mapstructure:"max_concurrency" json:"max_concurrency"`
	BatchTimeoutSeconds int    `mapstructure:"batch_timeout_seconds" json:"batch_timeout_seconds"`
}

// TrajectoryConfig controls run recording.
type TrajectoryConfig struct {
	Dir                  string `mapstructure:"dir" json:"dir"`
	BatchSize            int    `mapstructure:"batch_size" json:"batch_size"`
	FlushIntervalSeconds int    `mapstructure:"flush_interval_seconds" json:"flush_interval_seconds"`
	MaxInteractions      int    `mapstructure:"max_interactions" json:"max_interactions"`
}

// GatewayConfig controls the observation server.
type GatewayConfig struct {
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	Port    int  `mapstructure:"port" json:"port"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level     string `mapstructure:"level" json:"level"`
	File      string `mapstructure:"file" json:"file"`
	Console   bool   `mapstructure:"console" json:"console"`
	Pretty    bool   `mapstructure:"pretty" json:"pretty"`
	Redaction bool   `mapstructure:"redaction" json:"redaction"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderConfig{
			Name:       "anthropic",
			Model:      "claude-sonnet-4",
			MaxRetries: 3,
		},
		Agent: AgentConfig{
			MaxSteps:  20,
			MaxTokens: 4096,
			DoneTool:  "task_done",
		},
		Dispatch: DispatchConfig{
			Mode:                "parallel",
			MaxConcurrency:      8,
			BatchTimeoutSeconds: 120,
		},
		Trajectory: TrajectoryConfig{
			BatchSize:            5,
			FlushIntervalSeconds: 30,
			MaxInteractions:      200,
		},
		Gateway: GatewayConfig{
			Enabled: false,
			Port:    8420,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			Redaction: true,
		},
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	switch c.Provider.Name {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("unsupported provider: %s", c.Provider.Name)
	}

	if c.Provider.Model == "" {
		return fmt.Errorf("model name cannot be empty")
	}

	switch c.Dispatch.Mode {
	case "parallel", "sequential":
	default:
		return fmt.Errorf("invalid dispatch mode: %s (must be parallel or sequential)", c.Dispatch.Mode)
	}

	if c.Dispatch.MaxConcurrency <= 0 {
		return fmt.Errorf("dispatch max_concurrency must be positive")
	}
	if c.Agent.MaxSteps <= 0 {
		return fmt.Errorf("agent max_steps must be positive")
	}
	if c.Trajectory.BatchSize <= 0 {
		return fmt.Errorf("trajectory batch_size must be positive")
	}
	if c.Trajectory.MaxInteractions < 0 {
		return fmt.Errorf("trajectory max_interactions cannot be negative")
	}
	if c.Gateway.Enabled && c.Gateway.Port <= 0 {
		return fmt.Errorf("gateway port must be positive when enabled")
	}

	return nil
}

// ValidateAPIKey checks the API key format for the configured provider.
func (c *Config) ValidateAPIKey() error {
	key := c.Provider.APIKey
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", c.Provider.Name)
	}

	switch c.Provider.Name {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}
