package call

import (
	"errors"
	"testing"
	"time"

	"github.com/ClareAI/astra-voice-bridge/internal/core/audio"
	"github.com/ClareAI/astra-voice-bridge/internal/core/model/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSession_GreetingOnceOnDuplicateSessionUpdated(t *testing.T) {
	h := startSession(t, newFakeAdapter(true), nil)

	h.adapter.emit(provider.SessionUpdated())
	h.adapter.emit(provider.SessionUpdated())

	require.Eventually(t, func() bool { return len(h.adapter.Creates()) == 1 }, time.Second, time.Millisecond)
	assert.Never(t, func() bool { return len(h.adapter.Creates()) > 1 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, "Say hello", h.adapter.Creates()[0])
	assert.Equal(t, StateGreeting, h.session.State())
}

func TestSession_GreetingPlaysThenListens(t *testing.T) {
	h := startSession(t, newFakeAdapter(true), nil)
	h.completeGreeting()

	assert.Len(t, h.transport.Sent(), 2)
	assert.False(t, h.session.IsAISpeaking())
	assert.Equal(t, []State{StateListening}, h.listener.States())
}

func TestSession_FirstQueuedFrameEntersAISpeaking(t *testing.T) {
	h := startSession(t, newFakeAdapter(true), nil)
	h.completeGreeting()
	h.transport.blocked.Store(true)

	h.adapter.emit(provider.ResponseCreated("resp_2"))
	h.waitActive("resp_2")
	assert.Equal(t, StateListening, h.session.State(), "no audio queued yet")

	h.adapter.emit(provider.AudioDelta("resp_2", pcmFrames(5)))
	h.waitState(StateAISpeaking)
	assert.True(t, h.session.IsAISpeaking())

	h.adapter.emit(provider.AudioDone("resp_2"))
	h.waitState(StateListening)
	assert.True(t, h.session.IsAISpeaking(), "queued audio keeps playing after AudioDone")

	h.transport.blocked.Store(false)
	h.waitActive("")
	assert.False(t, h.session.IsAISpeaking())
	assert.Len(t, h.transport.Sent(), 7)
}

func TestSession_BargeInRespectsMinimumAge(t *testing.T) {
	h := startSession(t, newFakeAdapter(true), nil)
	h.completeGreeting()
	h.transport.blocked.Store(true)

	h.adapter.emit(provider.ResponseCreated("resp_2"))
	h.adapter.emit(provider.AudioDelta("resp_2", pcmFrames(20)))
	h.waitState(StateAISpeaking)

	h.clock.Advance(100 * time.Millisecond)
	h.adapter.emit(provider.SpeechStarted())
	assert.Never(t, func() bool { return len(h.adapter.Cancels()) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, StateAISpeaking, h.session.State())

	h.clock.Advance(100 * time.Millisecond)
	h.adapter.emit(provider.SpeechStarted())
	h.waitState(StateBargeIn)
	assert.Equal(t, []string{"resp_2"}, h.adapter.Cancels())
	assert.GreaterOrEqual(t, h.transport.clears.Load(), int64(1))
	require.Eventually(t, func() bool { return !h.session.IsAISpeaking() }, time.Second, time.Millisecond)

	h.adapter.emit(provider.ResponseCancelled("resp_2"))
	h.waitState(StateListening)
	h.waitActive("")

	// Late audio for the cancelled response is dropped.
	h.transport.blocked.Store(false)
	h.adapter.emit(provider.AudioDelta("resp_2", pcmFrames(5)))
	assert.Never(t, func() bool { return len(h.transport.Sent()) > 2 }, 50*time.Millisecond, 5*time.Millisecond)

	h.session.Hangup("test")
	summary := h.waitSummary()
	assert.Equal(t, 1, summary.BargeIns)
	assert.Equal(t, 2, summary.Turns)
}

func TestSession_BargeInNeedsQueuedAudio(t *testing.T) {
	h := startSession(t, newFakeAdapter(true), nil)
	h.completeGreeting()

	h.adapter.emit(provider.ResponseCreated("resp_2"))
	h.waitActive("resp_2")
	h.clock.Advance(time.Second)
	h.adapter.emit(provider.SpeechStarted())

	assert.Never(t, func() bool { return len(h.adapter.Cancels()) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, StateListening, h.session.State())
}

func TestSession_CancelNotActiveForUntrackedResponseIsBenign(t *testing.T) {
	h := startSession(t, newFakeAdapter(true), nil)
	h.completeGreeting()
	before := h.listener.States()

	h.adapter.emit(provider.ErrorEvent(provider.NewProtocolError(provider.CodeCancelNotActive, "resp_unknown", nil)))

	assert.Never(t, func() bool { return h.session.State() != StateListening }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, before, h.listener.States())
	assert.Empty(t, h.adapter.Cancels())
	assert.False(t, h.adapter.closed())
	assert.False(t, h.transport.isClosed())
}

func TestSession_ClosingPhraseAfterAudioDoneHangsUpImmediately(t *testing.T) {
	h := startSession(t, newFakeAdapter(true), nil)
	h.completeGreeting()

	h.adapter.emit(provider.ResponseCreated("resp_2"))
	h.adapter.emit(provider.AudioDelta("resp_2", pcmFrames(3)))
	h.adapter.emit(provider.AudioDone("resp_2"))
	h.waitActive("")

	h.adapter.emit(provider.TranscriptDone("resp_2", "Thanks for reaching out. Goodbye!"))

	summary := h.waitSummary()
	assert.Equal(t, ReasonBye, summary.Reason)
	assert.Equal(t, StateHangup, h.session.State())
	assert.NotContains(t, h.listener.States(), StateClosing)
	assert.True(t, h.adapter.closed())
	assert.True(t, h.transport.isClosed())
	assert.EqualValues(t, 5, summary.FramesSent)
	require.NotEmpty(t, summary.Transcript)
	assert.Equal(t, "Thanks for reaching out. Goodbye!", summary.Transcript[len(summary.Transcript)-1].Content)
}

func TestSession_ClosingPhraseBeforeAudioDoneDrains(t *testing.T) {
	h := startSession(t, newFakeAdapter(true), nil)
	h.completeGreeting()
	h.transport.blocked.Store(true)

	h.adapter.emit(provider.ResponseCreated("resp_2"))
	h.adapter.emit(provider.AudioDelta("resp_2", pcmFrames(3)))
	h.waitState(StateAISpeaking)
	h.adapter.emit(provider.TranscriptDone("resp_2", "Goodbye!"))
	h.waitState(StateClosing)

	// Caller audio is discarded while closing.
	chunks := h.adapter.audioChunks.Load()
	received := h.session.ingest.Stats().Received
	for i := 0; i < 10; i++ {
		h.transport.frames <- voicedFrame(uint64(i), time.Now())
	}
	require.Eventually(t, func() bool {
		return h.session.ingest.Stats().Received == received+10
	}, time.Second, time.Millisecond)
	assert.Equal(t, chunks, h.adapter.audioChunks.Load())

	// New responses are refused.
	h.adapter.emit(provider.ResponseCreated("resp_late"))
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"resp_late"}, h.adapter.Cancels())
	}, time.Second, time.Millisecond)

	h.adapter.emit(provider.AudioDone("resp_2"))
	assert.Never(t, func() bool { return h.session.State() == StateHangup }, 50*time.Millisecond, 5*time.Millisecond)

	h.transport.blocked.Store(false)
	summary := h.waitSummary()
	assert.Equal(t, ReasonBye, summary.Reason)
	assert.Len(t, h.transport.Sent(), 5)
	assert.Equal(t, []State{StateListening, StateAISpeaking, StateClosing, StateHangup}, h.listener.States())
}

func TestSession_CallerGoodbyeClosesAfterReply(t *testing.T) {
	h := startSession(t, newFakeAdapter(true), nil)
	h.completeGreeting()

	h.adapter.emit(provider.UserTranscript("okay, bye bye"))
	require.Eventually(t, func() bool { return !h.session.Snapshot().PendingHangupAt.IsZero() }, time.Second, time.Millisecond)

	h.adapter.emit(provider.ResponseCreated("resp_3"))
	h.adapter.emit(provider.AudioDelta("resp_3", pcmFrames(1)))
	h.adapter.emit(provider.AudioDone("resp_3"))
	h.adapter.emit(provider.TranscriptDone("resp_3", "You're welcome."))

	summary := h.waitSummary()
	assert.Equal(t, ReasonCallerBye, summary.Reason)
	assert.EqualValues(t, 3, summary.FramesSent)
}

func TestSession_ExplicitCloseWhileIdleHangsUp(t *testing.T) {
	h := startSession(t, newFakeAdapter(true), nil)
	h.completeGreeting()

	h.session.Close(ReasonRemoteHangup)

	summary := h.waitSummary()
	assert.Equal(t, ReasonRemoteHangup, summary.Reason)
	assert.Equal(t, []State{StateListening, StateClosing, StateHangup}, h.listener.States())
}

func TestSession_TransportFailureHangsUp(t *testing.T) {
	h := startSession(t, newFakeAdapter(true), nil)
	h.completeGreeting()

	h.transport.end(errors.New("connection reset by peer"))

	summary := h.waitSummary()
	assert.Equal(t, ReasonTransportError, summary.Reason)
	assert.True(t, h.adapter.closed())
}

func TestSession_CallerHangupEndsCall(t *testing.T) {
	h := startSession(t, newFakeAdapter(true), nil)

	h.transport.end(nil)

	summary := h.waitSummary()
	assert.Equal(t, ReasonCallerHangup, summary.Reason)
}

func TestSession_ProviderDisconnectClosesCall(t *testing.T) {
	h := startSession(t, newFakeAdapter(true), nil)
	h.completeGreeting()

	close(h.adapter.events)

	summary := h.waitSummary()
	assert.Equal(t, ReasonProviderDisconnected, summary.Reason)
}

func TestSession_ConnectFailurePlaysFallbackClip(t *testing.T) {
	adapter := newFakeAdapter(true)
	adapter.connectErr = errors.New("dial tcp: connection refused")
	h := startSession(t, adapter, func(o *Options) {
		o.FallbackClip = func() ([][]byte, error) {
			return [][]byte{
				make([]byte, audio.FrameSize),
				make([]byte, audio.FrameSize),
				make([]byte, audio.FrameSize),
			}, nil
		}
	})

	summary := h.waitSummary()
	assert.Equal(t, ReasonProviderUnavailable, summary.Reason)
	assert.True(t, summary.FallbackPlayed)
	assert.Len(t, h.transport.Sent(), 3)
	assert.Contains(t, h.listener.States(), StateClosing)
}

func TestSession_StrictAccountingMismatchEndsCall(t *testing.T) {
	h := startSession(t, newFakeAdapter(true), nil)
	h.completeGreeting()

	h.adapter.emit(provider.ResponseCreated("resp_2"))
	// Audio the provider reported but that never reached the session.
	h.adapter.accountant.Expect("resp_2", len(pcmFrames(5)))
	h.adapter.emit(provider.AudioDelta("resp_2", pcmFrames(2)))
	h.adapter.emit(provider.AudioDone("resp_2"))

	summary := h.waitSummary()
	assert.Equal(t, ReasonAccountingMismatch, summary.Reason)
}

func TestSession_LenientAccountingMismatchContinues(t *testing.T) {
	h := startSession(t, newFakeAdapter(false), nil)
	h.completeGreeting()

	h.adapter.emit(provider.ResponseCreated("resp_2"))
	h.adapter.accountant.Expect("resp_2", len(pcmFrames(5)))
	h.adapter.emit(provider.AudioDelta("resp_2", pcmFrames(2)))
	h.adapter.emit(provider.AudioDone("resp_2"))
	h.waitActive("")

	assert.Never(t, func() bool { return h.session.State() == StateHangup }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, StateListening, h.session.State())
}

func TestSession_ResyncClearsStuckResponse(t *testing.T) {
	h := startSession(t, newFakeAdapter(true), nil)
	h.completeGreeting()
	h.transport.blocked.Store(true)

	h.adapter.emit(provider.ResponseCreated("resp_2"))
	h.adapter.emit(provider.AudioDelta("resp_2", pcmFrames(5)))
	h.waitState(StateAISpeaking)
	h.clock.Advance(time.Second)
	h.adapter.emit(provider.SpeechStarted())
	h.waitState(StateBargeIn)
	require.Eventually(t, func() bool { return h.session.Snapshot().OutputIdle }, time.Second, time.Millisecond)

	// The cancellation acknowledgement never arrives.
	assert.Equal(t, "resp_2", h.session.Snapshot().ActiveResponseID)
	h.session.onWatchAction(WatchAction{Kind: ActionResync, Reason: "stuck_response_flag"})

	h.waitActive("")
	h.waitState(StateListening)
}

func TestNewSession_Validates(t *testing.T) {
	_, err := NewSession(Options{CallID: "c", Transport: newFakeTransport()})
	assert.Error(t, err)

	_, err = NewSession(Options{CallID: "c", Adapter: newFakeAdapter(true)})
	assert.Error(t, err)

	cfg := testCallConfig()
	cfg.OutputQueueCapacity = 0
	_, err = NewSession(Options{CallID: "c", Adapter: newFakeAdapter(true), Transport: newFakeTransport(), Config: cfg})
	assert.Error(t, err)
}
