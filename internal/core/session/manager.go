package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ClareAI/astra-voice-bridge/pkg/logger"
	"github.com/ClareAI/astra-voice-bridge/pkg/redis"
	"go.uber.org/zap"
)

const (
	CleanupChannel   = "astra:voice:session:cleanup"
	SessionKeyPrefix = "astra:voice:session:info"
	SessionTTL       = 1 * time.Hour
)

// ErrNotFound is returned when no pod has the call registered.
var ErrNotFound = errors.New("call session not registered")

// SessionInfo is the registry record of a live call
type SessionInfo struct {
	CallID    string    `json:"callId"`
	CallSID   string    `json:"callSid"`
	TenantID  string    `json:"tenantId"`
	Provider  string    `json:"provider"`
	PodID     string    `json:"podId"`
	StartTime time.Time `json:"startTime"`
}

// CleanupMessage asks the pod owning CallID to close it.
type CleanupMessage struct {
	CallID string `json:"callId"`
	Reason string `json:"reason"`
}

type Manager struct {
	redisSvc redis.RedisServiceInterface
	podID    string
}

func NewManager(redisSvc redis.RedisServiceInterface, podID string) *Manager {
	return &Manager{
		redisSvc: redisSvc,
		podID:    podID,
	}
}

func (m *Manager) PodID() string { return m.podID }

func sessionKey(callID string) string {
	return fmt.Sprintf("%s:%s", SessionKeyPrefix, callID)
}

// Register records a live call owned by this pod
func (m *Manager) Register(ctx context.Context, info SessionInfo) error {
	info.PodID = m.podID
	if info.StartTime.IsZero() {
		info.StartTime = time.Now()
	}

	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal session info: %w", err)
	}
	if err := m.redisSvc.SetValue(ctx, sessionKey(info.CallID), string(data), SessionTTL); err != nil {
		return fmt.Errorf("register call %s: %w", info.CallID, err)
	}
	logger.Base().Info("Session registered in Redis", zap.String("call_id", info.CallID), zap.String("pod_id", m.podID))
	return nil
}

// Unregister removes the call record
func (m *Manager) Unregister(ctx context.Context, callID string) error {
	return m.redisSvc.DelValue(ctx, sessionKey(callID))
}

// Get loads the registry record for callID
func (m *Manager) Get(ctx context.Context, callID string) (*SessionInfo, error) {
	raw, err := m.redisSvc.GetValue(ctx, sessionKey(callID))
	if err != nil {
		if redis.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load call %s: %w", callID, err)
	}
	var info SessionInfo
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		return nil, fmt.Errorf("decode call %s: %w", callID, err)
	}
	return &info, nil
}

// NotifyCleanup broadcasts a close request to all pods
func (m *Manager) NotifyCleanup(ctx context.Context, callID, reason string) error {
	logger.Base().Info("Broadcasting cleanup request", zap.String("call_id", callID), zap.String("reason", reason))
	return m.redisSvc.Publish(ctx, CleanupChannel, CleanupMessage{CallID: callID, Reason: reason})
}

// SubscribeToCleanup listens for cleanup broadcasts
func (m *Manager) SubscribeToCleanup(ctx context.Context, handler func(msg CleanupMessage)) error {
	return m.redisSvc.Subscribe(ctx, CleanupChannel, func(payload string) {
		var msg CleanupMessage
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			logger.Base().Error("Failed to unmarshal cleanup message", zap.Error(err))
			return
		}
		if msg.CallID == "" {
			return
		}
		handler(msg)
	})
}
