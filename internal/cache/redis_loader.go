package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ClareAI/astra-voice-bridge/internal/config"
	"github.com/ClareAI/astra-voice-bridge/pkg/logger"
	"github.com/ClareAI/astra-voice-bridge/pkg/redis"
	"go.uber.org/zap"
)

// InvalidateChannel carries InvalidateMessage payloads between pods.
const InvalidateChannel = "astra:voice:agent:invalidate"

type InvalidateMessage struct {
	TenantID string `json:"tenantId"`
	Channel  string `json:"channel,omitempty"`
}

// RedisLoader reads agent JSON stored at astra:voice:agent:<tenant>:<channel>.
type RedisLoader struct {
	redisSvc redis.RedisServiceInterface
}

func NewRedisLoader(redisSvc redis.RedisServiceInterface) *RedisLoader {
	return &RedisLoader{redisSvc: redisSvc}
}

func (l *RedisLoader) LoadAgent(ctx context.Context, tenantID, channel string) (*config.AgentConfig, error) {
	key := l.redisSvc.GenerateKey(redis.AGENT_CONFIG, config.AgentCacheKey(tenantID, channel))
	raw, err := l.redisSvc.GetValue(ctx, key)
	if err != nil {
		if redis.IsNotExist(err) {
			return nil, ErrAgentNotFound
		}
		return nil, err
	}

	var agent config.AgentConfig
	if err := json.Unmarshal([]byte(raw), &agent); err != nil {
		return nil, fmt.Errorf("decode agent %s: %w", key, err)
	}
	return &agent, nil
}

// SubscribeInvalidation applies invalidations published by any pod until ctx is done.
func (c *AgentCache) SubscribeInvalidation(ctx context.Context, redisSvc redis.RedisServiceInterface) error {
	return redisSvc.Subscribe(ctx, InvalidateChannel, func(payload string) {
		var msg InvalidateMessage
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			logger.Base().Error("Failed to unmarshal agent invalidation", zap.Error(err))
			return
		}
		if msg.TenantID == "" {
			return
		}
		c.Invalidate(msg.TenantID, msg.Channel)
	})
}

// PublishInvalidation asks every pod to drop its cached agent.
func PublishInvalidation(ctx context.Context, redisSvc redis.RedisServiceInterface, tenantID, channel string) error {
	return redisSvc.Publish(ctx, InvalidateChannel, InvalidateMessage{TenantID: tenantID, Channel: channel})
}
