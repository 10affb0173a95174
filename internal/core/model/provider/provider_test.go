package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameAccountant_ExactMatch(t *testing.T) {
	acct := NewFrameAccountant(24000, 0)
	// 100ms at 24kHz PCM16 yields five 20ms telephony frames.
	acct.Expect("resp_1", 2400)
	acct.Expect("resp_1", 2400)
	acct.Forwarded("resp_1", 5)

	report, err := acct.Check("resp_1")
	require.NoError(t, err)
	assert.Equal(t, 5, report.Expected)
	assert.Equal(t, 0, report.Delta())
}

func TestFrameAccountant_DroppedFramesAreAccounted(t *testing.T) {
	acct := NewFrameAccountant(8000, 0)
	acct.Expect("resp_1", 3200) // 1600 samples = 10 frames
	acct.Forwarded("resp_1", 7)
	acct.Dropped("resp_1", 3)

	_, err := acct.Check("resp_1")
	assert.NoError(t, err)
}

func TestFrameAccountant_MismatchIsTypedError(t *testing.T) {
	acct := NewFrameAccountant(8000, 1)
	acct.Expect("resp_1", 3200)
	acct.Forwarded("resp_1", 6)

	report, err := acct.Check("resp_1")
	require.Error(t, err)
	assert.Equal(t, 4, report.Delta())
	assert.True(t, errors.Is(err, ErrFrameAccountingMismatch))

	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "resp_1", perr.ResponseID)

	_, err = acct.Check("resp_1")
	assert.NoError(t, err, "checked responses are forgotten")
}

func TestFrameAccountant_ShedMovesForwardedToDropped(t *testing.T) {
	acct := NewFrameAccountant(8000, 0)
	acct.Expect("resp_1", 3200)
	acct.Forwarded("resp_1", 10)
	acct.Shed("resp_1", 4)
	acct.Shed("resp_unknown", 4)

	report, err := acct.Check("resp_1")
	require.NoError(t, err)
	assert.Equal(t, 6, report.Forwarded)
	assert.Equal(t, 4, report.Dropped)

	_, err = acct.Check("resp_unknown")
	assert.NoError(t, err)
}

func TestFrameAccountant_DiscardSkipsCheck(t *testing.T) {
	acct := NewFrameAccountant(24000, 0)
	acct.Expect("resp_1", 48000)
	acct.Discard("resp_1")
	_, err := acct.Check("resp_1")
	assert.NoError(t, err)
}

func TestError_IsAndCancelNotActive(t *testing.T) {
	cause := fmt.Errorf("boom")
	err := NewProtocolError(CodeCancelNotActive, "resp_9", cause)

	assert.True(t, errors.Is(err, ErrProviderProtocol))
	assert.True(t, errors.Is(err, cause))
	assert.False(t, errors.Is(err, ErrTransport))
	assert.True(t, err.CancelNotActive())
	assert.Contains(t, err.Error(), "resp_9")

	var nilErr *Error
	assert.False(t, nilErr.CancelNotActive())
	assert.True(t, errors.Is(NewTransportError(cause), ErrTransport))
}

func TestConnectWithRetry_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := ConnectWithRetry(context.Background(), "call_1", 3, time.Millisecond, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("dial refused")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestConnectWithRetry_Exhaustion(t *testing.T) {
	calls := 0
	start := time.Now()
	err := ConnectWithRetry(context.Background(), "call_1", 3, 5*time.Millisecond, func(context.Context) error {
		calls++
		return errors.New("dial refused")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, errors.Is(err, ErrProviderConnect))
	// 5ms + 10ms of backoff between three attempts.
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestConnectWithRetry_ContextCancelStopsBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := ConnectWithRetry(ctx, "call_1", 5, time.Hour, func(context.Context) error {
		calls++
		cancel()
		return errors.New("dial refused")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestEventConstructors(t *testing.T) {
	ev := TranscriptDone("resp_1", "goodbye")
	assert.Equal(t, EventTranscriptDone, ev.Kind)
	assert.Equal(t, "transcript_done", ev.Kind.String())
	assert.Equal(t, "goodbye", ev.Text)
	assert.False(t, ev.ReceivedAt.IsZero())

	errEv := ErrorEvent(NewProtocolError("bad_event", "resp_2", nil))
	assert.Equal(t, "resp_2", errEv.ResponseID)
	assert.Equal(t, "unknown", EventKind(99).String())
	assert.True(t, ProviderTypeGeminiWhisper.IsValid())
	assert.False(t, ProviderType("openai").IsValid())
}
