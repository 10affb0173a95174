package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/ClareAI/astra-voice-bridge/pkg/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type PubSubConfig struct {
	ProjectID string
	TopicName string
	// PubID prefixes the message "name" attribute so subscription filters
	// can select an environment (e.g. "", "beta", "qa", "stage").
	PubID string
}

type PubSubService struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	config *PubSubConfig
}

// CallCompletedEvent is the notification published when a call reaches HANGUP
type CallCompletedEvent struct {
	ID             string    `json:"id"`
	CallID         string    `json:"call_id"`
	CallSID        string    `json:"call_sid,omitempty"`
	TenantID       string    `json:"tenant_id"`
	Provider       string    `json:"provider"`
	Status         string    `json:"status"`
	HangupReason   string    `json:"hangup_reason"`
	StartAt        time.Time `json:"start_at"`
	EndAt          time.Time `json:"end_at"`
	Duration       int       `json:"duration"`
	TurnCount      int       `json:"turn_count"`
	BargeInCount   int       `json:"barge_in_count"`
	DroppedFrames  int64     `json:"dropped_frames"`
	FramesSent     int64     `json:"frames_sent"`
	TranscriptURL  string    `json:"transcript_url,omitempty"`
	FallbackPlayed bool      `json:"fallback_played,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func NewPubSubService(ctx context.Context, cfg *PubSubConfig) (*PubSubService, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("PubSub project ID is required")
	}

	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create PubSub client: %w", err)
	}

	svc, err := NewPubSubServiceWithClient(ctx, client, cfg)
	if err != nil {
		client.Close()
		return nil, err
	}
	return svc, nil
}

// NewPubSubServiceWithClient uses an existing client, creating the topic
// when it does not exist.
func NewPubSubServiceWithClient(ctx context.Context, client *pubsub.Client, cfg *PubSubConfig) (*PubSubService, error) {
	topic := client.Topic(cfg.TopicName)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check if topic exists: %w", err)
	}

	if !exists {
		logger.Base().Info("Topic does not exist, creating", zap.String("topic", cfg.TopicName))
		topic, err = client.CreateTopic(ctx, cfg.TopicName)
		if err != nil {
			return nil, fmt.Errorf("failed to create topic %s: %w", cfg.TopicName, err)
		}
		logger.Base().Info("Topic created successfully", zap.String("topic", cfg.TopicName))
	}

	return &PubSubService{
		client: client,
		topic:  topic,
		config: cfg,
	}, nil
}

// PublishCallCompleted publishes a call-completed notification
func (p *PubSubService) PublishCallCompleted(ctx context.Context, evt CallCompletedEvent) error {
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal call completed event: %w", err)
	}

	taskID := uuid.New().String()
	message := &pubsub.Message{
		Attributes: map[string]string{
			"name":      p.messageName(taskID),
			"tenant_id": evt.TenantID,
		},
		Data: data,
	}

	result := p.topic.Publish(ctx, message)
	if _, err := result.Get(ctx); err != nil {
		logger.Base().Error("Failed to publish call completed event",
			zap.String("call_id", evt.CallID),
			zap.String("tenant_id", evt.TenantID),
			zap.String("task_id", taskID),
			zap.Error(err))
		return fmt.Errorf("failed to publish call completed message: %w", err)
	}

	logger.Base().Info("Published call completed event",
		zap.String("call_id", evt.CallID),
		zap.String("tenant_id", evt.TenantID),
		zap.String("reason", evt.HangupReason),
		zap.String("task_id", taskID))
	return nil
}

func (p *PubSubService) messageName(taskID string) string {
	prefix := strings.TrimSuffix(p.config.PubID, ":")
	if prefix == "" {
		return fmt.Sprintf("call:completed:%s", taskID)
	}
	return fmt.Sprintf("%s:call:completed:%s", prefix, taskID)
}

func (p *PubSubService) Close() error {
	if p.topic != nil {
		p.topic.Stop()
	}
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}
