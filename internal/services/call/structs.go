package call

import (
	"context"
	"sync"
	"time"

	"github.com/ClareAI/astra-voice-bridge/internal/config"
	corecall "github.com/ClareAI/astra-voice-bridge/internal/core/call"
	"github.com/ClareAI/astra-voice-bridge/internal/core/model/provider"
	"github.com/ClareAI/astra-voice-bridge/internal/storage"
	"github.com/ClareAI/astra-voice-bridge/pkg/pubsub"
)

// AgentSource resolves the agent configuration for a tenant's channel.
type AgentSource interface {
	GetAgent(ctx context.Context, tenantID, channel string) (*config.AgentConfig, error)
}

// AdapterFactory creates an unconnected provider adapter for one call.
type AdapterFactory interface {
	CreateAdapter(providerType provider.ProviderType, session provider.SessionConfig) (provider.Adapter, error)
}

// CallController ends or redirects the PSTN leg.
type CallController interface {
	IsEnabled() bool
	EndCall(ctx context.Context, callSID string) error
	SayAndHangup(ctx context.Context, callSID, text string) error
}

// CompletionPublisher announces finished calls.
type CompletionPublisher interface {
	PublishCallCompleted(ctx context.Context, evt pubsub.CallCompletedEvent) error
}

// TranscriptSaver archives a finished call's transcript and returns its location.
type TranscriptSaver interface {
	Enabled() bool
	Save(ctx context.Context, doc storage.TranscriptDocument) (string, error)
}

// StreamRequest identifies an authenticated media stream ready to be bridged.
type StreamRequest struct {
	CallSID   string
	StreamSID string
	TenantID  string
	Channel   string
}

// activeCall is the service's record of a live session
type activeCall struct {
	session   *corecall.Session
	tenantID  string
	callSID   string
	provider  provider.ProviderType
	startedAt time.Time

	mu        sync.Mutex
	recording bool
}

func (c *activeCall) setRecording(v bool) {
	c.mu.Lock()
	c.recording = v
	c.mu.Unlock()
}

// takeRecording reports whether a recording slot was held and clears it.
func (c *activeCall) takeRecording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	held := c.recording
	c.recording = false
	return held
}

// ActiveCallInfo is a read-only view of a live call.
type ActiveCallInfo struct {
	CallID    string                `json:"call_id"`
	TenantID  string                `json:"tenant_id"`
	CallSID   string                `json:"call_sid"`
	Provider  provider.ProviderType `json:"provider"`
	State     string                `json:"state"`
	StartedAt time.Time             `json:"started_at"`
}
