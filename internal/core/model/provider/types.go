package provider

import (
	"context"
)

// ProviderType represents the conversational backend a call is bridged to
type ProviderType string

const (
	ProviderTypeRealtime      ProviderType = "realtime"
	ProviderTypeGeminiWhisper ProviderType = "gemini+whisper"
)

// String returns the string representation of ProviderType
func (pt ProviderType) String() string {
	return string(pt)
}

// IsValid checks if the provider type is valid
func (pt ProviderType) IsValid() bool {
	return pt == ProviderTypeRealtime || pt == ProviderTypeGeminiWhisper
}

// Adapter normalizes one conversational backend into the common Event stream.
//
// Events are emitted on a single channel in arrival order and the channel is
// closed once the backend connection ends. CancelResponse is fire-and-forget:
// the outcome arrives later as EventResponseCancelled or an EventError whose
// code is CodeCancelNotActive.
type Adapter interface {
	Type() ProviderType

	// Connect dials the backend and sends the session configuration.
	Connect(ctx context.Context) error

	// SendAudio forwards caller PCM16 sampled at InputSampleRate.
	SendAudio(ctx context.Context, samples []int16) error

	// CreateResponse asks the backend to speak; instructions may be empty.
	CreateResponse(ctx context.Context, instructions string) error

	CancelResponse(ctx context.Context, responseID string) error

	Events() <-chan Event

	InputSampleRate() int
	OutputSampleRate() int

	// Accounting tracks emitted vs forwarded output frames per response.
	Accounting() *FrameAccountant

	// StrictAccounting reports whether an accounting mismatch must end the call.
	StrictAccounting() bool

	Close() error
}

// SessionConfig carries the per-call settings an adapter configures its
// backend session with.
type SessionConfig struct {
	CallID       string
	TenantID     string
	Instructions string
	Voice        string
	Speed        float64
	Language     string
}
