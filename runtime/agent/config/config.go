// Package config loads runtime configuration for an agentcore process: model
// provider credentials, the workflow engine backend, and the loop engine's
// execution caps. Configuration is read from a YAML file with environment
// variable expansion, then layered with direct environment overrides for the
// handful of values operators most commonly need to set without touching a
// file (API keys, engine backend selection, log level).
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Config is the root configuration structure for an agentcore process.
	Config struct {
		Provider ProviderConfig `yaml:"provider"`
		Engine   EngineConfig   `yaml:"engine"`
		Loop     LoopConfig     `yaml:"loop"`
		Logging  LoggingConfig  `yaml:"logging"`
	}

	// ProviderConfig selects and configures the model provider client used
	// by the loop engine.
	ProviderConfig struct {
		// Name selects the active provider: "anthropic", "openai", or
		// "bedrock".
		Name      string          `yaml:"name"`
		Anthropic AnthropicConfig `yaml:"anthropic"`
		OpenAI    OpenAIConfig    `yaml:"openai"`
		Bedrock   BedrockConfig   `yaml:"bedrock"`
	}

	// AnthropicConfig configures the Anthropic Messages API client.
	AnthropicConfig struct {
		APIKey         string  `yaml:"api_key"`
		DefaultModel   string  `yaml:"default_model"`
		HighModel      string  `yaml:"high_model"`
		SmallModel     string  `yaml:"small_model"`
		MaxTokens      int     `yaml:"max_tokens"`
		Temperature    float64 `yaml:"temperature"`
		ThinkingBudget int     `yaml:"thinking_budget"`
	}

	// OpenAIConfig configures the OpenAI-compatible chat completions client.
	OpenAIConfig struct {
		APIKey       string  `yaml:"api_key"`
		BaseURL      string  `yaml:"base_url"`
		DefaultModel string  `yaml:"default_model"`
		HighModel    string  `yaml:"high_model"`
		SmallModel   string  `yaml:"small_model"`
		MaxTokens    int     `yaml:"max_tokens"`
		Temperature  float64 `yaml:"temperature"`
	}

	// BedrockConfig configures the AWS Bedrock Converse client.
	BedrockConfig struct {
		Region       string  `yaml:"region"`
		DefaultModel string  `yaml:"default_model"`
		HighModel    string  `yaml:"high_model"`
		SmallModel   string  `yaml:"small_model"`
		MaxTokens    int     `yaml:"max_tokens"`
		Temperature  float64 `yaml:"temperature"`
	}

	// EngineConfig holds the engine backend settings. Load validates them,
	// but no package in this module reads them: the loop engine always runs
	// in-process.
	EngineConfig struct {
		// Backend names the engine backend: "inmem" or "temporal".
		Backend  string         `yaml:"backend"`
		Temporal TemporalConfig `yaml:"temporal"`
	}

	// TemporalConfig holds Temporal connection settings. Load requires
	// TaskQueue when Engine.Backend is "temporal"; nothing in this module
	// connects to Temporal.
	TemporalConfig struct {
		HostPort     string `yaml:"host_port"`
		Namespace    string `yaml:"namespace"`
		TaskQueue    string `yaml:"task_queue"`
		MetricsAddr  string `yaml:"metrics_addr"`
		TraceSampler string `yaml:"trace_sampler"`
	}

	// LoopConfig mirrors loop.Config, letting deployments tune think/act
	// caps without recompiling.
	LoopConfig struct {
		MaxLoops               int           `yaml:"max_loops"`
		MaxRetries             int           `yaml:"max_retries"`
		MaxCompensationRetries int           `yaml:"max_compensation_retries"`
		RetryDelay             time.Duration `yaml:"retry_delay"`
		RequestTimeout         time.Duration `yaml:"request_timeout"`
		IdleTimeout            time.Duration `yaml:"idle_timeout"`
		MaxBufferSize          int           `yaml:"max_buffer_size"`
		MaxToolStreamChunks    int           `yaml:"max_tool_stream_chunks"`
		MaxToolStreamChars     int           `yaml:"max_tool_stream_chars"`
		MaxToolResultChars     int           `yaml:"max_tool_result_chars"`
		Stream                 bool          `yaml:"stream"`
		Thinking               bool          `yaml:"thinking"`
		EnableCompaction       bool          `yaml:"enable_compaction"`
		Compaction             CompactionConfig `yaml:"compaction"`
	}

	// CompactionConfig mirrors loop.CompactionConfig.
	CompactionConfig struct {
		TriggerTokens      int `yaml:"trigger_tokens"`
		KeepRecentMessages int `yaml:"keep_recent_messages"`
	}

	// LoggingConfig configures the zerolog-backed telemetry.Logger.
	LoggingConfig struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	}
)

// Load reads and parses the configuration file at path, applies environment
// overrides, fills defaults, and validates the result. An empty path skips
// the file read and builds a Config from defaults and environment alone.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: failed to read file: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		decoder := yaml.NewDecoder(strings.NewReader(expanded))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("config: failed to parse: %w", err)
		}
		if err := decoder.Decode(&struct{}{}); err != io.EOF {
			return nil, fmt.Errorf("config: expected a single YAML document")
		}
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Provider.Name == "" {
		cfg.Provider.Name = "anthropic"
	}
	if cfg.Provider.Anthropic.MaxTokens == 0 {
		cfg.Provider.Anthropic.MaxTokens = 4096
	}
	if cfg.Provider.OpenAI.MaxTokens == 0 {
		cfg.Provider.OpenAI.MaxTokens = 4096
	}
	if cfg.Provider.Bedrock.MaxTokens == 0 {
		cfg.Provider.Bedrock.MaxTokens = 4096
	}

	if cfg.Engine.Backend == "" {
		cfg.Engine.Backend = "inmem"
	}
	if cfg.Engine.Temporal.TaskQueue == "" {
		cfg.Engine.Temporal.TaskQueue = "agentcore.default"
	}
	if cfg.Engine.Temporal.Namespace == "" {
		cfg.Engine.Temporal.Namespace = "default"
	}

	if cfg.Loop.MaxLoops == 0 {
		cfg.Loop.MaxLoops = 25
	}
	if cfg.Loop.MaxRetries == 0 {
		cfg.Loop.MaxRetries = 3
	}
	if cfg.Loop.MaxCompensationRetries == 0 {
		cfg.Loop.MaxCompensationRetries = 2
	}
	if cfg.Loop.RetryDelay == 0 {
		cfg.Loop.RetryDelay = time.Second
	}
	if cfg.Loop.RequestTimeout == 0 {
		cfg.Loop.RequestTimeout = 2 * time.Minute
	}
	if cfg.Loop.IdleTimeout == 0 {
		cfg.Loop.IdleTimeout = 10 * time.Minute
	}
	if cfg.Loop.MaxBufferSize == 0 {
		cfg.Loop.MaxBufferSize = 1 << 20
	}
	if cfg.Loop.MaxToolStreamChunks == 0 {
		cfg.Loop.MaxToolStreamChunks = 256
	}
	if cfg.Loop.MaxToolStreamChars == 0 {
		cfg.Loop.MaxToolStreamChars = 1 << 16
	}
	if cfg.Loop.MaxToolResultChars == 0 {
		cfg.Loop.MaxToolResultChars = 1 << 15
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")); v != "" {
		cfg.Provider.Anthropic.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); v != "" {
		cfg.Provider.OpenAI.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("AWS_REGION")); v != "" {
		cfg.Provider.Bedrock.Region = v
	}
	if v := strings.TrimSpace(os.Getenv("AGENTCORE_PROVIDER")); v != "" {
		cfg.Provider.Name = v
	}
	if v := strings.TrimSpace(os.Getenv("AGENTCORE_ENGINE_BACKEND")); v != "" {
		cfg.Engine.Backend = v
	}
	if v := strings.TrimSpace(os.Getenv("AGENTCORE_TEMPORAL_HOST_PORT")); v != "" {
		cfg.Engine.Temporal.HostPort = v
	}
	if v := strings.TrimSpace(os.Getenv("AGENTCORE_LOG_LEVEL")); v != "" {
		cfg.Logging.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("AGENTCORE_MAX_LOOPS")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Loop.MaxLoops = parsed
		}
	}
}

// ValidationError reports one or more configuration problems found during
// Load.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "config: validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}

func validate(cfg *Config) error {
	var issues []string

	switch strings.ToLower(strings.TrimSpace(cfg.Provider.Name)) {
	case "anthropic":
		if cfg.Provider.Anthropic.APIKey == "" {
			issues = append(issues, "provider.anthropic.api_key is required when provider.name is \"anthropic\"")
		}
		if cfg.Provider.Anthropic.DefaultModel == "" {
			issues = append(issues, "provider.anthropic.default_model is required when provider.name is \"anthropic\"")
		}
	case "openai":
		if cfg.Provider.OpenAI.APIKey == "" {
			issues = append(issues, "provider.openai.api_key is required when provider.name is \"openai\"")
		}
		if cfg.Provider.OpenAI.DefaultModel == "" {
			issues = append(issues, "provider.openai.default_model is required when provider.name is \"openai\"")
		}
	case "bedrock":
		if cfg.Provider.Bedrock.Region == "" {
			issues = append(issues, "provider.bedrock.region is required when provider.name is \"bedrock\"")
		}
		if cfg.Provider.Bedrock.DefaultModel == "" {
			issues = append(issues, "provider.bedrock.default_model is required when provider.name is \"bedrock\"")
		}
	default:
		issues = append(issues, fmt.Sprintf("provider.name must be \"anthropic\", \"openai\", or \"bedrock\", got %q", cfg.Provider.Name))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Engine.Backend)) {
	case "inmem", "temporal":
	default:
		issues = append(issues, fmt.Sprintf("engine.backend must be \"inmem\" or \"temporal\", got %q", cfg.Engine.Backend))
	}
	if strings.EqualFold(cfg.Engine.Backend, "temporal") {
		if cfg.Engine.Temporal.TaskQueue == "" {
			issues = append(issues, "engine.temporal.task_queue is required when engine.backend is \"temporal\"")
		}
	}

	if cfg.Loop.MaxLoops < 0 {
		issues = append(issues, "loop.max_loops must be >= 0")
	}
	if cfg.Loop.MaxRetries < 0 {
		issues = append(issues, "loop.max_retries must be >= 0")
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}
