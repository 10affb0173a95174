package call

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProbe struct {
	snap   WatchSnapshot
	resets int
}

func (p *fakeProbe) Snapshot() WatchSnapshot { return p.snap }

func (p *fakeProbe) ResetActivity(now time.Time) {
	p.resets++
	p.snap.LastActivity = now
}

func newTestWatchdog(probe *fakeProbe) *Watchdog {
	cfg := testCallConfig()
	cfg.WatchdogInterval = time.Second
	return NewWatchdog("call_1", cfg, probe)
}

func hasAction(actions []WatchAction, kind WatchActionKind) (WatchAction, bool) {
	for _, a := range actions {
		if a.Kind == kind {
			return a, true
		}
	}
	return WatchAction{}, false
}

func TestWatchdog_SilenceCountsFromEndOfPlayback(t *testing.T) {
	start := time.Unix(5000, 0)
	probe := &fakeProbe{snap: WatchSnapshot{State: StateAISpeaking, LastActivity: start, OutputIdle: true}}
	w := newTestWatchdog(probe)

	var hungUpAt time.Duration = -1
	for sec := 0; sec <= 60; sec++ {
		offset := time.Duration(sec) * time.Second
		// A 25s reply is still streaming out for t in [0,25].
		probe.snap.Speaking = offset <= 25*time.Second
		if !probe.snap.Speaking {
			probe.snap.State = StateListening
		}
		actions := w.Check(start.Add(offset))
		if a, ok := hasAction(actions, ActionHangup); ok {
			assert.Equal(t, "silence_20s", a.Reason)
			hungUpAt = offset
			break
		}
	}
	assert.Equal(t, 45*time.Second, hungUpAt)
}

func TestWatchdog_PendingHangupHoldsSilenceThenCloses(t *testing.T) {
	start := time.Unix(5000, 0)
	probe := &fakeProbe{snap: WatchSnapshot{
		State:           StateListening,
		LastActivity:    start,
		PendingHangupAt: start,
		OutputIdle:      true,
	}}
	w := newTestWatchdog(probe)

	actions := w.Check(start.Add(5 * time.Second))
	assert.Empty(t, actions)
	assert.Equal(t, 1, probe.resets)

	actions = w.Check(start.Add(10 * time.Second))
	a, ok := hasAction(actions, ActionClose)
	require.True(t, ok)
	assert.Equal(t, ReasonCallerBye, a.Reason)
	_, ok = hasAction(actions, ActionHangup)
	assert.False(t, ok)
}

func TestWatchdog_ClosingTeardownTimeout(t *testing.T) {
	start := time.Unix(5000, 0)
	probe := &fakeProbe{snap: WatchSnapshot{
		State:        StateClosing,
		LastActivity: start.Add(-time.Minute),
		ClosingSince: start,
		Speaking:     true,
	}}
	w := newTestWatchdog(probe)

	assert.Empty(t, w.Check(start.Add(9*time.Second)), "silence never fires while draining")
	actions := w.Check(start.Add(10 * time.Second))
	require.Len(t, actions, 1)
	assert.Equal(t, ActionHangup, actions[0].Kind)
	assert.Equal(t, ReasonTeardownTimeout, actions[0].Reason)

	probe.snap.State = StateHangup
	assert.Empty(t, w.Check(start.Add(time.Hour)))
}

func TestWatchdog_StuckFlagResync(t *testing.T) {
	start := time.Unix(5000, 0)
	probe := &fakeProbe{snap: WatchSnapshot{
		State:            StateAISpeaking,
		LastActivity:     start,
		ActiveResponseID: "resp_1",
		AwaitingDrain:    true,
		OutputIdle:       true,
	}}
	w := newTestWatchdog(probe)

	assert.Empty(t, w.Check(start))
	assert.Empty(t, w.Check(start.Add(time.Second)))
	actions := w.Check(start.Add(1500 * time.Millisecond))
	a, ok := hasAction(actions, ActionResync)
	require.True(t, ok)
	assert.Equal(t, "stuck_response_flag", a.Reason)

	// Agreement resets the mismatch window.
	probe.snap.OutputIdle = false
	assert.Empty(t, w.Check(start.Add(2*time.Second)))
	probe.snap.OutputIdle = true
	assert.Empty(t, w.Check(start.Add(3*time.Second)))
	assert.Empty(t, w.Check(start.Add(4*time.Second)))
}

func TestWatchdog_StallDiagnosticsNeverAct(t *testing.T) {
	start := time.Unix(5000, 0)
	probe := &fakeProbe{snap: WatchSnapshot{
		State:            StateListening,
		LastActivity:     start,
		ExpectAudioSince: start,
		ExpectResponseID: "resp_1",
		ActiveResponseID: "resp_1",
		AudioPending:     true,
		LastDeltaAt:      start,
		Speaking:         true,
	}}
	w := newTestWatchdog(probe)

	for sec := 0; sec <= 10; sec++ {
		assert.Empty(t, w.Check(start.Add(time.Duration(sec)*time.Second)))
	}
	assert.Equal(t, "resp_1", w.stallSeen)
	assert.NotEmpty(t, w.firstAudioSeen)
}
