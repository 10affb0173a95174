package call

import (
	"context"
	"time"

	"github.com/ClareAI/astra-voice-bridge/internal/config"
	"github.com/ClareAI/astra-voice-bridge/internal/core/audio"
	"github.com/ClareAI/astra-voice-bridge/internal/core/model/provider"
)

// Transport is the telephony leg of a call.
type Transport interface {
	// Frames yields inbound caller frames and is closed when the leg ends.
	Frames() <-chan audio.Frame

	// TrySend enqueues an outbound frame without blocking.
	TrySend(audio.Frame) bool

	// TXLen is the number of frames queued for transmission.
	TXLen() int

	// SendClear drops queued outbound audio locally and at the far end.
	SendClear() (int, error)

	// Err is the terminal transport error, nil for a clean end.
	Err() error

	Close() error
}

// AudioSink receives caller audio at its own sample rate.
type AudioSink interface {
	SendAudio(ctx context.Context, samples []int16) error
	InputSampleRate() int
}

// Listener observes session lifecycle. Implementations must not block.
type Listener interface {
	StateChanged(callID string, from, to State, reason string)
	CallEnded(summary Summary)
}

// Summary describes a finished call.
type Summary struct {
	CallID   string
	TenantID string
	CallSID  string
	Provider provider.ProviderType

	StartedAt time.Time
	EndedAt   time.Time
	Reason    string

	Turns    int
	BargeIns int

	FramesIn        int64
	FramesForwarded int64
	FramesSent      int64
	FramesShed      int64

	FallbackPlayed bool
	Transcript     []config.ConversationMessage
}

// Duration is the wall time between session start and hangup.
func (s Summary) Duration() time.Duration {
	if s.EndedAt.IsZero() {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}
