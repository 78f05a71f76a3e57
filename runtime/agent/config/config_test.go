package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsForUnsetFields(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("provider:\n  anthropic:\n    default_model: claude-3-5-sonnet\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "anthropic", cfg.Provider.Name)
	require.Equal(t, "sk-test", cfg.Provider.Anthropic.APIKey)
	require.Equal(t, "inmem", cfg.Engine.Backend)
	require.Equal(t, 25, cfg.Loop.MaxLoops)
	require.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadExpandsEnvironmentVariables(t *testing.T) {
	t.Setenv("TEST_AGENTCORE_MODEL", "claude-3-5-sonnet")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("provider:\n  anthropic:\n    api_key: sk-test\n    default_model: ${TEST_AGENTCORE_MODEL}\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "claude-3-5-sonnet", cfg.Provider.Anthropic.DefaultModel)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("provider:\n  anthropic:\n    bogus_field: true\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestValidateRejectsUnknownProvider(t *testing.T) {
	cfg := &Config{Provider: ProviderConfig{Name: "does-not-exist"}}
	applyDefaults(cfg)
	err := validate(cfg)
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestValidateRequiresTaskQueueForTemporalBackend(t *testing.T) {
	cfg := &Config{
		Provider: ProviderConfig{Name: "anthropic", Anthropic: AnthropicConfig{APIKey: "k", DefaultModel: "m"}},
		Engine:   EngineConfig{Backend: "temporal"},
	}
	cfg.Engine.Temporal.TaskQueue = ""
	err := validate(cfg)
	require.Error(t, err)
}

func TestEnvOverrideWinsOverFileValue(t *testing.T) {
	t.Setenv("AGENTCORE_ENGINE_BACKEND", "temporal")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  backend: inmem\n  temporal:\n    task_queue: q\nprovider:\n  anthropic:\n    default_model: m\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "temporal", cfg.Engine.Backend)
}
