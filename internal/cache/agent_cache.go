package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ClareAI/astra-voice-bridge/internal/config"
	"github.com/ClareAI/astra-voice-bridge/pkg/logger"
	"github.com/jinzhu/copier"
	"go.uber.org/zap"
)

// ErrAgentNotFound is returned by a Loader when the tenant has no stored agent.
var ErrAgentNotFound = errors.New("agent not found")

// Loader fetches an agent configuration from the backing store.
type Loader interface {
	LoadAgent(ctx context.Context, tenantID, channel string) (*config.AgentConfig, error)
}

type entry struct {
	agent     *config.AgentConfig
	expiresAt time.Time
}

// AgentCache provides thread-safe agent lookups keyed by tenant+channel.
// Misses go to the Loader; tenants without a stored agent get the configured defaults.
type AgentCache struct {
	entries  map[string]*entry
	mutex    sync.RWMutex
	loader   Loader
	defaults config.AgentConfig
	ttl      time.Duration
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// NewAgentCache creates a cache. A nil loader serves defaults only.
func NewAgentCache(loader Loader, defaults config.AgentConfig, ttl time.Duration) *AgentCache {
	ctx, cancel := context.WithCancel(context.Background())
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &AgentCache{
		entries:  make(map[string]*entry),
		loader:   loader,
		defaults: defaults,
		ttl:      ttl,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// GetAgent returns a copy of the agent for tenant+channel, loading it on miss or expiry.
func (c *AgentCache) GetAgent(ctx context.Context, tenantID, channel string) (*config.AgentConfig, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, fmt.Errorf("tenant id is required")
	}
	if channel == "" {
		channel = config.ChannelPhone
	}
	key := config.AgentCacheKey(tenantID, channel)

	c.mutex.RLock()
	e, ok := c.entries[key]
	c.mutex.RUnlock()
	if ok && c.now().Before(e.expiresAt) {
		return c.copyAgent(e.agent), nil
	}

	agent, err := c.load(ctx, tenantID, channel)
	if err != nil {
		return nil, err
	}

	c.mutex.Lock()
	c.entries[key] = &entry{agent: agent, expiresAt: c.now().Add(c.ttl)}
	c.mutex.Unlock()

	return c.copyAgent(agent), nil
}

func (c *AgentCache) load(ctx context.Context, tenantID, channel string) (*config.AgentConfig, error) {
	if c.loader != nil {
		agent, err := c.loader.LoadAgent(ctx, tenantID, channel)
		switch {
		case err == nil:
			agent.TenantID = tenantID
			agent.Channel = channel
			agent.SetDefaults()
			if verr := agent.Validate(); verr != nil {
				return nil, fmt.Errorf("invalid agent for %s: %w", config.AgentCacheKey(tenantID, channel), verr)
			}
			return agent, nil
		case errors.Is(err, ErrAgentNotFound):
			logger.Base().Debug("No stored agent, using defaults", zap.String("tenant_id", tenantID), zap.String("channel", channel))
		default:
			return nil, fmt.Errorf("load agent %s: %w", config.AgentCacheKey(tenantID, channel), err)
		}
	}

	agent := c.copyAgent(&c.defaults)
	agent.TenantID = tenantID
	agent.Channel = channel
	agent.SetDefaults()
	return agent, nil
}

// Set stores agent directly, replacing any cached value.
func (c *AgentCache) Set(agent *config.AgentConfig) error {
	if agent == nil {
		return fmt.Errorf("agent cannot be nil")
	}
	stored := c.copyAgent(agent)
	stored.SetDefaults()
	if err := stored.Validate(); err != nil {
		return err
	}
	stored.UpdatedAt = c.now()

	c.mutex.Lock()
	c.entries[stored.CacheKey()] = &entry{agent: stored, expiresAt: c.now().Add(c.ttl)}
	c.mutex.Unlock()
	return nil
}

// Invalidate drops the cached agent for tenant+channel. An empty channel drops every channel of the tenant.
func (c *AgentCache) Invalidate(tenantID, channel string) int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if channel != "" {
		key := config.AgentCacheKey(tenantID, channel)
		if _, ok := c.entries[key]; !ok {
			return 0
		}
		delete(c.entries, key)
		logger.Base().Info("Agent cache invalidated", zap.String("key", key))
		return 1
	}

	prefix := tenantID + ":"
	removed := 0
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
			removed++
		}
	}
	logger.Base().Info("Agent cache invalidated for tenant", zap.String("tenant_id", tenantID), zap.Int("removed", removed))
	return removed
}

// Len returns the number of cached entries, expired ones included.
func (c *AgentCache) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.entries)
}

// StartJanitor evicts expired entries every interval until Shutdown.
func (c *AgentCache) StartJanitor(interval time.Duration) {
	if interval <= 0 {
		interval = c.ttl
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-c.ctx.Done():
				return
			case <-ticker.C:
				c.evictExpired()
			}
		}
	}()
}

func (c *AgentCache) evictExpired() int {
	now := c.now()
	c.mutex.Lock()
	defer c.mutex.Unlock()

	removed := 0
	for key, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	if removed > 0 {
		logger.Base().Debug("Evicted expired agents", zap.Int("count", removed))
	}
	return removed
}

// copyAgent deep-copies so callers never share slices with the cache
func (c *AgentCache) copyAgent(original *config.AgentConfig) *config.AgentConfig {
	if original == nil {
		return nil
	}
	var cp config.AgentConfig
	if err := copier.CopyWithOption(&cp, original, copier.Option{DeepCopy: true}); err != nil {
		logger.Base().Warn("Failed to copy agent config", zap.Error(err))
		cp = *original
		cp.ClosingPhrases = append([]string(nil), original.ClosingPhrases...)
	}
	return &cp
}

// Shutdown stops the janitor and any invalidation subscription.
func (c *AgentCache) Shutdown() {
	c.cancel()
	logger.Base().Info("AgentCache shutdown completed")
}
