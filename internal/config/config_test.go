package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCallConfig_Defaults(t *testing.T) {
	cfg := LoadCallConfig()

	assert.Equal(t, 400, cfg.OutputQueueCapacity)
	assert.Equal(t, 240, cfg.PacingLevel())
	assert.Equal(t, 500*time.Millisecond, cfg.PushTimeout)
	assert.Equal(t, 150*time.Millisecond, cfg.BargeInMinAge)
	assert.Equal(t, 20*time.Second, cfg.SilenceTimeout)
	assert.Equal(t, 1500*time.Millisecond, cfg.StuckFlagTimeout)
	require.NoError(t, cfg.Validate())
}

func TestLoadCallConfig_EnvOverrides(t *testing.T) {
	t.Setenv("CALL_OUTPUT_QUEUE_CAPACITY", "100")
	t.Setenv("CALL_PUSH_TIMEOUT", "250ms")
	t.Setenv("CALL_SILENCE_TIMEOUT", "45s")
	t.Setenv("CALL_STALL_DIAGNOSTICS", "false")
	t.Setenv("CALL_PACING_THRESHOLD", "not-a-number")

	cfg := LoadCallConfig()

	assert.Equal(t, 100, cfg.OutputQueueCapacity)
	assert.Equal(t, 60, cfg.PacingLevel())
	assert.Equal(t, 250*time.Millisecond, cfg.PushTimeout)
	assert.Equal(t, 45*time.Second, cfg.SilenceTimeout)
	assert.False(t, cfg.StallDiagnostics)
	assert.Equal(t, DefaultPacingThreshold, cfg.PacingThreshold)
}

func TestCallConfig_Validate(t *testing.T) {
	cfg := DefaultCallConfig()
	cfg.MaxDropOnTimeout = cfg.OutputQueueCapacity
	assert.Error(t, cfg.Validate())

	cfg = DefaultCallConfig()
	cfg.PacingThreshold = 1.5
	assert.Error(t, cfg.Validate())

	cfg = DefaultCallConfig()
	cfg.ConnectAttempts = 0
	assert.Error(t, cfg.Validate())
}

func TestAgentConfig_SetDefaults(t *testing.T) {
	agent := &AgentConfig{TenantID: "acme", Speed: 3}
	agent.SetDefaults()

	assert.Equal(t, ChannelPhone, agent.Channel)
	assert.Equal(t, ProviderRealtime, agent.Provider)
	assert.Equal(t, 1.5, agent.Speed)
	assert.NotEmpty(t, agent.ClosingPhrases)
	assert.Equal(t, "acme:phone", agent.CacheKey())
	require.NoError(t, agent.Validate())

	agent.Provider = "carrier-pigeon"
	assert.Error(t, agent.Validate())
}

func TestConfig_Validate(t *testing.T) {
	cfg := &Config{Call: DefaultCallConfig()}
	assert.Error(t, cfg.Validate())

	cfg.OpenAIAPIKey = "sk-test"
	assert.Error(t, cfg.Validate())

	cfg.StreamTokenSecret = "secret"
	assert.NoError(t, cfg.Validate())
}
