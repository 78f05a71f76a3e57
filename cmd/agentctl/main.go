// Command agentctl is a single-binary driver that wires an in-memory
// Memory, a configured model provider, a small demo tool registry, and the
// Loop Engine into one end-to-end run, printing the adapted stream to
// stdout. It exists to exercise the runtime/agent stack without a
// surrounding service layer.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/flowloom/agentcore/runtime/agent/config"
	"github.com/flowloom/agentcore/runtime/agent/events"
	"github.com/flowloom/agentcore/runtime/agent/loop"
	"github.com/flowloom/agentcore/runtime/agent/memory/inmem"
	"github.com/flowloom/agentcore/runtime/agent/model"
	"github.com/flowloom/agentcore/runtime/agent/providers/anthropic"
	"github.com/flowloom/agentcore/runtime/agent/providers/bedrock"
	"github.com/flowloom/agentcore/runtime/agent/providers/openai"
	"github.com/flowloom/agentcore/runtime/agent/streamadapter"
	"github.com/flowloom/agentcore/runtime/agent/subtaskruntime"
	"github.com/flowloom/agentcore/runtime/agent/telemetry"
	"github.com/flowloom/agentcore/runtime/agent/tools"
	"github.com/flowloom/agentcore/runtime/agent/tools/jsonschema"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional)")
	message := flag.String("message", "What time is it?", "user message to send")
	flag.Parse()

	if err := run(*configPath, *message); err != nil {
		fmt.Fprintln(os.Stderr, "agentctl:", err)
		os.Exit(1)
	}
}

func run(configPath, message string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := telemetry.NewZeroLogger(zerolog.New(os.Stderr).With().Timestamp().Logger())

	client, err := buildProvider(cfg.Provider)
	if err != nil {
		return fmt.Errorf("build provider: %w", err)
	}

	registry := tools.NewRegistry()
	registry.SetSchemaCompiler(func(schema []byte) (tools.Validator, error) { return jsonschema.Compile(schema) })
	if err := registerDemoTools(registry); err != nil {
		return fmt.Errorf("register demo tools: %w", err)
	}

	mem := inmem.New()
	ctx := context.Background()
	if err := mem.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize memory: %w", err)
	}
	defer mem.Close(ctx)

	sessionID := uuid.NewString()
	runID := uuid.NewString()
	if _, err := mem.CreateSession(ctx, sessionID, time.Now().UTC()); err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	adapter := streamadapter.New(runID, sessionID, 33*time.Millisecond, printSnapshot)
	defer adapter.Stop()

	sink := &adapterSink{adapter: adapter}
	emitter := events.NewEmitter(sink, runID, sessionID, logger)

	loopCfg := loop.Config{
		MaxLoops:               cfg.Loop.MaxLoops,
		MaxRetries:             cfg.Loop.MaxRetries,
		MaxCompensationRetries: cfg.Loop.MaxCompensationRetries,
		RetryDelay:             cfg.Loop.RetryDelay,
		RequestTimeout:         cfg.Loop.RequestTimeout,
		IdleTimeout:            cfg.Loop.IdleTimeout,
		MaxBufferSize:          cfg.Loop.MaxBufferSize,
		MaxToolStreamChunks:    cfg.Loop.MaxToolStreamChunks,
		MaxToolStreamChars:     cfg.Loop.MaxToolStreamChars,
		MaxToolResultChars:     cfg.Loop.MaxToolResultChars,
		Stream:                 cfg.Loop.Stream,
		Thinking:               cfg.Loop.Thinking,
		EnableCompaction:       cfg.Loop.EnableCompaction,
		Compaction: loop.CompactionConfig{
			TriggerTokens:      cfg.Loop.Compaction.TriggerTokens,
			KeepRecentMessages: cfg.Loop.Compaction.KeepRecentMessages,
		},
	}

	subRuntime := subtaskruntime.NewRuntime(
		mem.SubTaskRuns(),
		mem.ManagedTasks(),
		func(childSessionID string) *loop.Engine {
			childEmitter := events.NewEmitter(sink, runID, childSessionID, logger)
			return loop.New(loopCfg, client, registry, mem, childEmitter, runID)
		},
		func(ctx context.Context, childSessionID string) error {
			_, err := mem.CreateSession(ctx, childSessionID, time.Now().UTC())
			return err
		},
		subtaskruntime.RuntimeConfig{},
	)
	if err := subRuntime.RegisterTools(registry, sessionID); err != nil {
		return fmt.Errorf("register task tools: %w", err)
	}
	if err := subRuntime.RecoverOnStartup(ctx, false); err != nil {
		return fmt.Errorf("recover sub-task runs: %w", err)
	}

	eng := loop.New(loopCfg, client, registry, mem, emitter, runID)

	result, err := eng.Execute(ctx, loop.Input{
		SessionID:    sessionID,
		SystemPrompt: "You are a concise, helpful assistant.",
		Messages: []*model.Message{
			{Role: model.ConversationRoleUser, Parts: []model.Part{model.TextPart{Text: message}}},
		},
	})
	if err != nil {
		return fmt.Errorf("execute: %w", err)
	}

	fmt.Println()
	fmt.Println("status:", result.Status)
	fmt.Println("loops:", result.LoopCount, "retries:", result.RetryCount)
	if result.Failure != nil {
		fmt.Println("failure:", result.Failure.Code, "-", result.Failure.UserMessage)
	} else {
		fmt.Println("final:", result.FinalMessage)
	}
	return nil
}

// buildProvider constructs the configured model.Client. Only the Anthropic
// and OpenAI paths accept an API key directly; the Bedrock path expects the
// process's ambient AWS credentials (environment, shared config, or IMDS) to
// resolve through the AWS SDK's default credential chain.
func buildProvider(cfg config.ProviderConfig) (model.Client, error) {
	switch cfg.Name {
	case "anthropic":
		return anthropic.NewFromAPIKey(cfg.Anthropic.APIKey, cfg.Anthropic.DefaultModel)
	case "openai":
		return openai.NewFromAPIKey(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.DefaultModel)
	case "bedrock":
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.Bedrock.Region))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return bedrock.NewFromRuntime(bedrockruntime.NewFromConfig(awsCfg), bedrock.Options{
			DefaultModel: cfg.Bedrock.DefaultModel,
			HighModel:    cfg.Bedrock.HighModel,
			SmallModel:   cfg.Bedrock.SmallModel,
			MaxTokens:    cfg.Bedrock.MaxTokens,
			Temperature:  cfg.Bedrock.Temperature,
		})
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Name)
	}
}

// registerDemoTools registers a single "demo.clock" tool so a run has at
// least one tool call available to exercise the registry end to end.
func registerDemoTools(registry *tools.Registry) error {
	spec := tools.ToolSpec{
		Name:        "demo.clock",
		Service:     "demo",
		Toolset:     "demo",
		Description: "Returns the current UTC time.",
		Payload: tools.TypeSpec{
			Name:   "ClockPayload",
			Schema: []byte(`{"type":"object","properties":{}}`),
			Codec:  tools.AnyJSONCodec,
		},
		Result: tools.TypeSpec{
			Name:   "ClockResult",
			Schema: []byte(`{"type":"object","properties":{"now":{"type":"string"}}}`),
			Codec:  tools.AnyJSONCodec,
		},
	}
	handler := func(_ context.Context, _ json.RawMessage) (any, error) {
		return map[string]any{"now": time.Now().UTC().Format(time.RFC3339)}, nil
	}
	return registry.Register(spec, handler)
}

// adapterSink feeds every emitted event into a streamadapter.Adapter so the
// CLI prints reconstructed, batched state rather than raw token deltas.
type adapterSink struct {
	adapter *streamadapter.Adapter
}

func (s *adapterSink) Send(_ context.Context, e events.Event) error {
	s.adapter.Apply(e)
	return nil
}

func (s *adapterSink) Close(_ context.Context) error { return nil }

func printSnapshot(state streamadapter.State) {
	if state.LastError != nil {
		fmt.Fprintln(os.Stderr, "error:", state.LastError.Code, state.LastError.Message)
	}
}
