package call

import (
	"context"
	"time"

	"github.com/ClareAI/astra-voice-bridge/internal/config"
	"github.com/ClareAI/astra-voice-bridge/pkg/logger"
	"go.uber.org/zap"
)

// WatchSnapshot is the view of a session the watchdog judges on. Everything
// in it is read from atomics or an immutable loop snapshot.
type WatchSnapshot struct {
	State           State
	LastActivity    time.Time
	PendingHangupAt time.Time
	HangupTriggered bool
	ClosingSince    time.Time

	// Speaking is the queue-derived truth; OutputIdle adds producer backlog.
	Speaking   bool
	OutputIdle bool

	ActiveResponseID string
	// AwaitingDrain means the active response will produce no more audio.
	AwaitingDrain bool
	AudioPending  bool
	LastDeltaAt   time.Time

	ExpectAudioSince time.Time
	ExpectResponseID string
}

// Probe is the session side the watchdog observes and resets.
type Probe interface {
	Snapshot() WatchSnapshot
	ResetActivity(now time.Time)
}

// WatchActionKind is a correction the watchdog asks the session to make.
type WatchActionKind int

const (
	ActionHangup WatchActionKind = iota + 1
	ActionClose
	ActionResync
)

type WatchAction struct {
	Kind   WatchActionKind
	Reason string
}

// Watchdog runs the silence, first-audio/stall and stuck-flag monitors on
// a fixed tick. It never mutates session state directly: activity resets
// go through Probe and everything else is returned as actions.
type Watchdog struct {
	callID string
	cfg    config.CallConfig
	probe  Probe
	log    *zap.Logger

	mismatchSince  time.Time
	firstAudioSeen string
	stallSeen      string
}

func NewWatchdog(callID string, cfg config.CallConfig, probe Probe) *Watchdog {
	return &Watchdog{callID: callID, cfg: cfg, probe: probe, log: logger.ForCall(callID)}
}

// Run ticks at the configured interval, handing actions to act.
func (w *Watchdog) Run(ctx context.Context, act func(WatchAction)) {
	ticker := time.NewTicker(w.cfg.WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, a := range w.Check(now) {
				act(a)
			}
		}
	}
}

// Check evaluates every monitor once at now.
func (w *Watchdog) Check(now time.Time) []WatchAction {
	snap := w.probe.Snapshot()
	if snap.State == StateHangup {
		return nil
	}

	if snap.State == StateClosing {
		if !snap.ClosingSince.IsZero() && now.Sub(snap.ClosingSince) >= w.cfg.TeardownTimeout {
			w.log.Warn("Closing drain exceeded teardown timeout, forcing hangup",
				zap.Duration("closing_for", now.Sub(snap.ClosingSince)),
				zap.Bool("speaking", snap.Speaking))
			return []WatchAction{{Kind: ActionHangup, Reason: ReasonTeardownTimeout}}
		}
		w.probe.ResetActivity(now)
		return nil
	}

	var actions []WatchAction

	if !snap.PendingHangupAt.IsZero() && now.Sub(snap.PendingHangupAt) >= w.cfg.TeardownTimeout {
		w.log.Info("No reply to caller goodbye, closing call")
		actions = append(actions, WatchAction{Kind: ActionClose, Reason: ReasonCallerBye})
	}

	if a, ok := w.checkSilence(now, snap); ok {
		return append(actions, a)
	}

	w.checkFirstAudio(now, snap)
	w.checkStall(now, snap)

	if a, ok := w.checkStuckFlags(now, snap); ok {
		actions = append(actions, a)
	}
	return actions
}

func (w *Watchdog) checkSilence(now time.Time, snap WatchSnapshot) (WatchAction, bool) {
	if !snap.PendingHangupAt.IsZero() || snap.HangupTriggered || snap.Speaking {
		w.probe.ResetActivity(now)
		return WatchAction{}, false
	}
	idle := now.Sub(snap.LastActivity)
	if idle < w.cfg.SilenceTimeout {
		return WatchAction{}, false
	}
	w.log.Info("Silence timeout reached, hanging up",
		zap.Duration("idle", idle),
		zap.String("state", snap.State.String()))
	return WatchAction{Kind: ActionHangup, Reason: silenceReason(int(w.cfg.SilenceTimeout / time.Second))}, true
}

func (w *Watchdog) checkFirstAudio(now time.Time, snap WatchSnapshot) {
	if !w.cfg.StallDiagnostics || snap.ExpectAudioSince.IsZero() {
		return
	}
	key := snap.ExpectResponseID + "@" + snap.ExpectAudioSince.String()
	if w.firstAudioSeen == key {
		return
	}
	waited := now.Sub(snap.ExpectAudioSince)
	if waited < w.cfg.FirstAudioTimeout {
		return
	}
	w.firstAudioSeen = key
	w.log.Warn("No audio from provider since response was expected",
		zap.String("response_id", snap.ExpectResponseID),
		zap.Duration("waited", waited),
		zap.String("state", snap.State.String()),
		zap.Bool("output_idle", snap.OutputIdle))
}

func (w *Watchdog) checkStall(now time.Time, snap WatchSnapshot) {
	if !w.cfg.StallDiagnostics || !snap.AudioPending || snap.LastDeltaAt.IsZero() {
		return
	}
	if w.stallSeen == snap.ActiveResponseID {
		return
	}
	gap := now.Sub(snap.LastDeltaAt)
	if gap < w.cfg.StallTimeout {
		return
	}
	w.stallSeen = snap.ActiveResponseID
	w.log.Warn("Provider audio stalled mid-response",
		zap.String("response_id", snap.ActiveResponseID),
		zap.Duration("since_last_delta", gap),
		zap.Bool("speaking", snap.Speaking))
}

// checkStuckFlags compares "response active" with the queue-derived truth.
func (w *Watchdog) checkStuckFlags(now time.Time, snap WatchSnapshot) (WatchAction, bool) {
	mismatch := snap.ActiveResponseID != "" && snap.AwaitingDrain && snap.OutputIdle
	if !mismatch {
		w.mismatchSince = time.Time{}
		return WatchAction{}, false
	}
	if w.mismatchSince.IsZero() {
		w.mismatchSince = now
		return WatchAction{}, false
	}
	if now.Sub(w.mismatchSince) < w.cfg.StuckFlagTimeout {
		return WatchAction{}, false
	}
	w.log.Warn("Response flag disagrees with output queue, resetting",
		zap.String("response_id", snap.ActiveResponseID),
		zap.String("state", snap.State.String()),
		zap.Duration("disagreeing_for", now.Sub(w.mismatchSince)))
	w.mismatchSince = time.Time{}
	return WatchAction{Kind: ActionResync, Reason: "stuck_response_flag"}, true
}
