package task

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ClareAI/astra-voice-bridge/pkg/logger"
	"github.com/ClareAI/astra-voice-bridge/pkg/redis"
	"go.uber.org/zap"
)

// TaskChannel carries recording signals to the recorder service.
const TaskChannel = "astra:voice:recording:signals"

// RedisBus publishes SessionTask signals over Redis pub/sub
type RedisBus struct {
	redisSvc redis.RedisServiceInterface
	now      func() time.Time
}

func NewRedisBus(redisSvc redis.RedisServiceInterface) *RedisBus {
	return &RedisBus{redisSvc: redisSvc, now: time.Now}
}

func (t SessionTask) validate() error {
	if t.CallID == "" {
		return fmt.Errorf("%s signal without call id", t.Type)
	}
	switch t.Type {
	case TaskTypeRecordingStart, TaskTypeRecordingStop:
		return nil
	default:
		return fmt.Errorf("unknown task type %q", t.Type)
	}
}

// Publish stamps and sends a signal. Malformed signals are rejected locally.
func (b *RedisBus) Publish(ctx context.Context, task SessionTask) error {
	if err := task.validate(); err != nil {
		return err
	}
	if task.Timestamp.IsZero() {
		task.Timestamp = b.now()
	}
	logger.ForCall(task.CallID).Debug("Publishing recording signal",
		zap.String("type", string(task.Type)),
		zap.String("tenant_id", task.TenantID))
	return b.redisSvc.Publish(ctx, TaskChannel, task)
}

// Subscribe delivers well-formed signals to handler until ctx is done.
func (b *RedisBus) Subscribe(ctx context.Context, handler func(SessionTask)) error {
	return b.redisSvc.Subscribe(ctx, TaskChannel, func(payload string) {
		var task SessionTask
		if err := json.Unmarshal([]byte(payload), &task); err != nil {
			logger.Base().Error("Failed to unmarshal recording signal", zap.Error(err))
			return
		}
		if err := task.validate(); err != nil {
			logger.Base().Warn("Ignoring malformed recording signal", zap.Error(err))
			return
		}
		handler(task)
	})
}
