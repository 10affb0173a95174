package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ClareAI/astra-voice-bridge/internal/config"
	"github.com/ClareAI/astra-voice-bridge/pkg/redis"
	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingLoader struct {
	calls atomic.Int64
	agent *config.AgentConfig
	err   error
}

func (l *countingLoader) LoadAgent(_ context.Context, _, _ string) (*config.AgentConfig, error) {
	l.calls.Add(1)
	if l.err != nil {
		return nil, l.err
	}
	cp := *l.agent
	return &cp, nil
}

func defaultAgent() config.AgentConfig {
	return config.AgentConfig{Provider: config.ProviderRealtime, Voice: "alloy", Greeting: "Say hi"}
}

func TestAgentCache_MissLoadsThenHits(t *testing.T) {
	loader := &countingLoader{agent: &config.AgentConfig{Provider: config.ProviderGeminiWhisper, Voice: "Puck"}}
	c := NewAgentCache(loader, defaultAgent(), time.Minute)
	defer c.Shutdown()

	a, err := c.GetAgent(context.Background(), "t1", "")
	require.NoError(t, err)
	assert.Equal(t, "Puck", a.Voice)
	assert.Equal(t, config.ChannelPhone, a.Channel)
	assert.Equal(t, "t1", a.TenantID)
	assert.NotEmpty(t, a.ClosingPhrases)

	_, err = c.GetAgent(context.Background(), "t1", config.ChannelPhone)
	require.NoError(t, err)
	assert.EqualValues(t, 1, loader.calls.Load())
}

func TestAgentCache_ReturnsCopies(t *testing.T) {
	c := NewAgentCache(nil, defaultAgent(), time.Minute)
	defer c.Shutdown()

	a, err := c.GetAgent(context.Background(), "t1", "")
	require.NoError(t, err)
	a.ClosingPhrases[0] = "mutated"
	a.Voice = "changed"

	b, err := c.GetAgent(context.Background(), "t1", "")
	require.NoError(t, err)
	assert.Equal(t, "alloy", b.Voice)
	assert.NotEqual(t, "mutated", b.ClosingPhrases[0])
}

func TestAgentCache_NotFoundFallsBackToDefaults(t *testing.T) {
	c := NewAgentCache(&countingLoader{err: ErrAgentNotFound}, defaultAgent(), time.Minute)
	defer c.Shutdown()

	a, err := c.GetAgent(context.Background(), "t2", "")
	require.NoError(t, err)
	assert.Equal(t, "Say hi", a.Greeting)
	assert.Equal(t, "t2", a.TenantID)
}

func TestAgentCache_LoaderErrorPropagates(t *testing.T) {
	c := NewAgentCache(&countingLoader{err: errors.New("redis down")}, defaultAgent(), time.Minute)
	defer c.Shutdown()

	_, err := c.GetAgent(context.Background(), "t3", "")
	assert.ErrorContains(t, err, "redis down")
	assert.Equal(t, 0, c.Len())

	_, err = c.GetAgent(context.Background(), "", "")
	assert.Error(t, err)
}

func TestAgentCache_ExpiryAndEviction(t *testing.T) {
	loader := &countingLoader{agent: &config.AgentConfig{Provider: config.ProviderRealtime}}
	c := NewAgentCache(loader, defaultAgent(), time.Minute)
	defer c.Shutdown()
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	_, err := c.GetAgent(context.Background(), "t1", "")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = c.GetAgent(context.Background(), "t1", "")
	require.NoError(t, err)
	assert.EqualValues(t, 2, loader.calls.Load())

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, c.evictExpired())
	assert.Equal(t, 0, c.Len())
}

func TestAgentCache_Invalidate(t *testing.T) {
	c := NewAgentCache(nil, defaultAgent(), time.Minute)
	defer c.Shutdown()

	require.NoError(t, c.Set(&config.AgentConfig{TenantID: "t1", Channel: "phone"}))
	require.NoError(t, c.Set(&config.AgentConfig{TenantID: "t1", Channel: "sip"}))
	require.NoError(t, c.Set(&config.AgentConfig{TenantID: "t10", Channel: "phone"}))

	assert.Equal(t, 1, c.Invalidate("t1", "sip"))
	assert.Equal(t, 0, c.Invalidate("t1", "sip"))
	assert.Equal(t, 1, c.Invalidate("t1", ""))
	assert.Equal(t, 1, c.Len())

	assert.Error(t, c.Set(&config.AgentConfig{Provider: "nope", TenantID: "t1"}))
}

func TestRedisLoaderAndInvalidation(t *testing.T) {
	mr := miniredis.RunT(t)
	svc := redis.NewRedisServiceFromClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = svc.Close() })

	require.NoError(t, mr.Set("astra:voice:agent:t1:phone", `{"provider":"gemini+whisper","voice":"Kore","greeting":"Welcome"}`))

	c := NewAgentCache(NewRedisLoader(svc), defaultAgent(), time.Minute)
	defer c.Shutdown()

	a, err := c.GetAgent(context.Background(), "t1", "")
	require.NoError(t, err)
	assert.Equal(t, config.ProviderGeminiWhisper, a.Provider)
	assert.Equal(t, "Welcome", a.Greeting)

	b, err := c.GetAgent(context.Background(), "t2", "")
	require.NoError(t, err)
	assert.Equal(t, "alloy", b.Voice)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.SubscribeInvalidation(ctx, svc))
	require.NoError(t, PublishInvalidation(ctx, svc, "t1", ""))

	assert.Eventually(t, func() bool { return c.Len() == 1 }, time.Second, 5*time.Millisecond)
}

func TestRedisLoader_BadJSON(t *testing.T) {
	mr := miniredis.RunT(t)
	svc := redis.NewRedisServiceFromClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = svc.Close() })
	require.NoError(t, mr.Set("astra:voice:agent:t1:phone", `{`))

	_, err := NewRedisLoader(svc).LoadAgent(context.Background(), "t1", "phone")
	assert.ErrorContains(t, err, "decode agent")
}
