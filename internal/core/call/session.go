// Package call runs one live phone call: caller audio in, provider events
// through a single-writer state machine, paced audio out.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClareAI/astra-voice-bridge/internal/config"
	"github.com/ClareAI/astra-voice-bridge/internal/core/audio"
	"github.com/ClareAI/astra-voice-bridge/internal/core/model/provider"
	"github.com/ClareAI/astra-voice-bridge/pkg/logger"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const commandBufferSize = 16

// Options wires a session to its collaborators.
type Options struct {
	CallID   string
	TenantID string
	CallSID  string

	Agent  *config.AgentConfig
	Config config.CallConfig

	Adapter   provider.Adapter
	Transport Transport
	Listener  Listener

	// FallbackClip loads μ-law frames played when the provider cannot be
	// reached. Defaults to the configured clip file.
	FallbackClip func() ([][]byte, error)

	// Clock defaults to time.Now.
	Clock func() time.Time
}

type commandKind int

const (
	commandClose commandKind = iota + 1
	commandHangup
	commandResync
)

type command struct {
	kind   commandKind
	reason string
}

// loopSnapshot is published by the event loop after every step for the
// watchdog to read.
type loopSnapshot struct {
	activeID         string
	awaitingDrain    bool
	audioPending     bool
	lastDeltaAt      time.Time
	expectAudioSince time.Time
	expectResponseID string
	pendingHangupAt  time.Time
	closingSince     time.Time
}

// Session is one call. All fields below the atomics are owned by the event
// loop goroutine; other goroutines only read the atomics and the published
// snapshot.
type Session struct {
	id       string
	tenantID string
	callSID  string
	agent    *config.AgentConfig
	cfg      config.CallConfig
	now      func() time.Time
	log      *zap.Logger

	adapter   provider.Adapter
	transport Transport
	listener  Listener
	loadClip  func() ([][]byte, error)

	output   *Output
	ingest   *Ingest
	bargeIn  *BargeInDetector
	hangup   *HangupCoordinator
	phrases  *PhraseMatcher
	watchdog *Watchdog

	state           atomic.Int32
	ready           atomic.Bool
	lastActivity    atomic.Int64
	hangupTriggered atomic.Bool
	snapshot        atomic.Pointer[loopSnapshot]

	commands chan command

	// event loop state
	activeID          string
	activeSince       time.Time
	audioPending      bool
	awaitingDrain     bool
	lastDeltaAt       time.Time
	expectAudioSince  time.Time
	expectResponseID  string
	greetingRequested bool
	greetingID        string
	pendingHangupAt   time.Time
	closingReason     string
	closingResponseID string
	closingSince      time.Time
	hangupReason      string
	fallbackPlayed    bool
	turns             int
	bargeIns          int
	startedAt         time.Time
	endedAt           time.Time
	transcript        []config.ConversationMessage

	accountingLog rate.Sometimes
}

// NewSession validates options and builds the per-call pipeline.
func NewSession(opts Options) (*Session, error) {
	if opts.Adapter == nil {
		return nil, errors.New("call session requires a provider adapter")
	}
	if opts.Transport == nil {
		return nil, errors.New("call session requires a transport")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid call config: %w", err)
	}

	agent := opts.Agent
	if agent == nil {
		agent = &config.AgentConfig{TenantID: opts.TenantID}
	}
	agent.SetDefaults()

	s := &Session{
		id:            opts.CallID,
		tenantID:      opts.TenantID,
		callSID:       opts.CallSID,
		agent:         agent,
		cfg:           opts.Config,
		now:           opts.Clock,
		adapter:       opts.Adapter,
		transport:     opts.Transport,
		listener:      opts.Listener,
		loadClip:      opts.FallbackClip,
		commands:      make(chan command, commandBufferSize),
		accountingLog: rate.Sometimes{Interval: 5 * time.Second},
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.loadClip == nil {
		path := s.cfg.FallbackClipPath
		s.loadClip = func() ([][]byte, error) { return audio.LoadClipFrames(path) }
	}
	s.log = logger.ForCall(s.id).With(
		zap.String("tenant_id", s.tenantID),
		zap.String("provider", opts.Adapter.Type().String()))

	s.phrases = NewPhraseMatcher(agent.ClosingPhrases)
	s.output = NewOutput(s.id, s.cfg, s.transport, s.adapter.Accounting(), s.adapter.OutputSampleRate())
	s.ingest = NewIngest(s.id, s.adapter, s.acceptsAudio, s.touch)
	s.bargeIn = NewBargeInDetector(s.cfg.BargeInMinAge, s.output.Speaking)
	s.hangup = NewHangupCoordinator(s.phrases)
	s.watchdog = NewWatchdog(s.id, s.cfg, s)

	s.state.Store(int32(StateGreeting))
	s.publish()
	return s, nil
}

func (s *Session) ID() string { return s.id }

// State is safe to call from any goroutine.
func (s *Session) State() State { return State(s.state.Load()) }

// IsAISpeaking is true iff output frames are queued locally or in the
// transport's TX queue.
func (s *Session) IsAISpeaking() bool { return s.output.Speaking() }

// Close delivers an explicit hangup signal; the session drains through
// CLOSING.
func (s *Session) Close(reason string) {
	s.submit(command{kind: commandClose, reason: reason})
}

// Hangup ends the call without draining.
func (s *Session) Hangup(reason string) {
	s.submit(command{kind: commandHangup, reason: reason})
}

func (s *Session) submit(c command) {
	select {
	case s.commands <- c:
	default:
		s.log.Warn("Session command buffer full, dropping command", zap.Int("kind", int(c.kind)), zap.String("reason", c.reason))
	}
}

// Run drives the call until HANGUP and returns its summary.
func (s *Session) Run(ctx context.Context) Summary {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.startedAt = s.now()
	s.touch(s.startedAt)
	s.log.Info("Call session started", zap.String("call_sid", s.callSID))

	var wg sync.WaitGroup
	ingestDone := make(chan struct{})
	wg.Add(3)
	go func() {
		defer wg.Done()
		s.output.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		defer close(ingestDone)
		s.ingest.Run(ctx, s.transport.Frames())
	}()
	go func() {
		defer wg.Done()
		s.watchdog.Run(ctx, s.onWatchAction)
	}()

	connected := make(chan error, 1)
	go func() {
		connected <- provider.ConnectWithRetry(ctx, s.id, s.cfg.ConnectAttempts, s.cfg.ConnectBackoff, s.adapter.Connect)
	}()

	s.loop(ctx, connected, ingestDone)

	cancel()
	wg.Wait()

	summary := s.buildSummary()
	s.log.Info("Call session ended",
		zap.String("reason", summary.Reason),
		zap.Duration("duration", summary.Duration()),
		zap.Int("turns", summary.Turns),
		zap.Int("barge_ins", summary.BargeIns),
		zap.Int64("frames_sent", summary.FramesSent),
		zap.Int64("frames_shed", summary.FramesShed))
	if s.listener != nil {
		s.listener.CallEnded(summary)
	}
	return summary
}

func (s *Session) loop(ctx context.Context, connected <-chan error, ingestDone <-chan struct{}) {
	var events <-chan provider.Event
	for s.State() != StateHangup {
		select {
		case <-ctx.Done():
			s.doHangup(ReasonShutdown)

		case err := <-connected:
			connected = nil
			if err != nil {
				s.onConnectFailed(ctx, err)
				continue
			}
			s.ready.Store(true)
			events = s.adapter.Events()
			s.log.Info("Provider connected")

		case ev, ok := <-events:
			if !ok {
				events = nil
				s.onProviderClosed()
				break
			}
			s.handleEvent(ctx, ev)

		case <-ingestDone:
			ingestDone = nil
			s.onTransportEnded()

		case cmd := <-s.commands:
			s.handleCommand(cmd)

		case <-s.output.Notify():
			s.handleOutputResults()
		}
		s.publish()
	}
}

func (s *Session) handleEvent(ctx context.Context, ev provider.Event) {
	switch ev.Kind {
	case provider.EventSetupComplete:
		s.log.Debug("Provider session established")
	case provider.EventSessionUpdated:
		s.onSessionUpdated(ctx)
	case provider.EventResponseCreated:
		s.onResponseCreated(ctx, ev.ResponseID)
	case provider.EventAudioDelta:
		s.onAudioDelta(ctx, ev.ResponseID, ev.Audio)
	case provider.EventAudioDone:
		s.onAudioDone(ctx, ev.ResponseID)
	case provider.EventTranscriptDelta:
	case provider.EventTranscriptDone:
		s.onTranscriptDone(ev.ResponseID, ev.Text)
	case provider.EventResponseCancelled:
		s.onResponseCancelled(ev.ResponseID)
	case provider.EventResponseDone:
		s.onResponseDone(ctx, ev.ResponseID)
	case provider.EventSpeechStarted:
		s.onSpeechStarted(ctx)
	case provider.EventUserTranscript:
		s.onUserTranscript(ev.Text)
	case provider.EventError:
		s.onProviderError(ctx, ev.Err)
	default:
		s.log.Debug("Ignoring provider event", zap.String("kind", ev.Kind.String()))
	}
}

func (s *Session) onSessionUpdated(ctx context.Context) {
	if s.greetingRequested || s.State() != StateGreeting {
		return
	}
	s.greetingRequested = true
	s.requestResponse(ctx, s.agent.Greeting)
}

// requestResponse asks the provider to speak unless the call is closing.
func (s *Session) requestResponse(ctx context.Context, instructions string) {
	if s.State().Draining() || s.hangupTriggered.Load() {
		s.log.Debug("Not requesting a response while closing")
		return
	}
	if err := s.adapter.CreateResponse(ctx, instructions); err != nil {
		s.log.Warn("Failed to request response", zap.Error(err))
		return
	}
	s.expectAudioSince = s.now()
	s.expectResponseID = ""
}

func (s *Session) onResponseCreated(ctx context.Context, rid string) {
	now := s.now()
	s.touch(now)

	if s.State().Draining() || s.hangupTriggered.Load() {
		s.log.Info("Cancelling response created while closing", zap.String("response_id", rid))
		s.output.Reject(rid)
		s.adapter.Accounting().Discard(rid)
		if err := s.adapter.CancelResponse(ctx, rid); err != nil {
			s.log.Warn("Failed to cancel response", zap.String("response_id", rid), zap.Error(err))
		}
		return
	}

	if s.activeID != "" && s.activeID != rid {
		s.log.Info("Response superseded by a new response",
			zap.String("response_id", s.activeID),
			zap.String("new_response_id", rid))
	}
	if s.greetingRequested && s.greetingID == "" {
		s.greetingID = rid
	}

	s.activeID = rid
	s.activeSince = now
	s.audioPending = true
	s.awaitingDrain = false
	s.lastDeltaAt = time.Time{}
	s.expectResponseID = rid
	if s.expectAudioSince.IsZero() {
		s.expectAudioSince = now
	}
	s.turns++

	if s.State() == StateBargeIn {
		s.setState(StateListening, "response_created")
	}
	s.log.Debug("Response created", zap.String("response_id", rid))
}

func (s *Session) onAudioDelta(ctx context.Context, rid string, pcm []byte) {
	if s.output.IsCancelled(rid) || len(pcm) == 0 {
		return
	}
	if rid != s.activeID {
		if s.activeID != "" || s.State().Draining() || s.hangup.AudioDoneSeen(rid) {
			s.log.Debug("Dropping audio for inactive response", zap.String("response_id", rid))
			s.output.Reject(rid)
			return
		}
		s.activeID = rid
		s.activeSince = s.now()
		s.audioPending = true
	}

	now := s.now()
	s.lastDeltaAt = now
	s.touch(now)
	s.output.Enqueue(ctx, rid, pcm)
}

func (s *Session) onAudioDone(ctx context.Context, rid string) {
	s.hangup.MarkAudioDone(rid)
	if s.output.IsCancelled(rid) {
		return
	}
	s.output.Finish(ctx, rid)

	if rid == s.activeID {
		s.audioPending = false
		s.awaitingDrain = true
		s.expectAudioSince = time.Time{}
		s.expectResponseID = ""

		switch s.State() {
		case StateGreeting:
			if rid == s.greetingID {
				s.setState(StateListening, "greeting_done")
			}
		case StateAISpeaking, StateBargeIn:
			s.setState(StateListening, "audio_done")
		}
	}
	s.maybeFinishResponse()
	s.maybeCompleteClosing()
}

func (s *Session) onTranscriptDone(rid, text string) {
	if text != "" {
		s.transcript = append(s.transcript, config.ConversationMessage{
			Role:       config.MessageRoleAssistant,
			Content:    text,
			ResponseID: rid,
			Timestamp:  s.now(),
		})
	}
	if s.State().Draining() || s.output.IsCancelled(rid) {
		return
	}

	callerBye := !s.pendingHangupAt.IsZero()
	action, phrase := s.hangup.OnTranscriptDone(rid, text, callerBye, s.output.Idle())
	reason := ReasonBye
	if phrase == "" && callerBye {
		reason = ReasonCallerBye
	}

	switch action {
	case HangupImmediate:
		s.log.Info("Closing phrase after audio finished, hanging up now",
			zap.String("response_id", rid), zap.String("phrase", phrase))
		s.doHangup(reason)
	case HangupDrain:
		s.log.Info("Closing phrase detected, draining before hangup",
			zap.String("response_id", rid), zap.String("phrase", phrase))
		s.enterClosing(reason, rid)
	}
}

func (s *Session) onResponseCancelled(rid string) {
	s.hangup.Forget(rid)
	if rid != s.activeID {
		s.log.Debug("Cancellation for untracked response", zap.String("response_id", rid))
		s.maybeCompleteClosing()
		return
	}
	s.clearActive()
	if st := s.State(); st == StateBargeIn || st == StateAISpeaking {
		s.setState(StateListening, "response_cancelled")
	}
	s.maybeCompleteClosing()
}

func (s *Session) onResponseDone(ctx context.Context, rid string) {
	if rid == "" || rid != s.activeID {
		return
	}
	if s.State() == StateBargeIn {
		s.clearActive()
		s.setState(StateListening, "response_done")
		return
	}
	if !s.hangup.AudioDoneSeen(rid) {
		// No audio stream ended for this response; treat completion as its end.
		s.onAudioDone(ctx, rid)
	}
}

func (s *Session) onSpeechStarted(ctx context.Context) {
	now := s.now()
	s.touch(now)

	switch s.State() {
	case StateGreeting, StateListening, StateAISpeaking:
	default:
		return
	}

	d := s.bargeIn.Evaluate(now, s.activeID, s.activeSince)
	if !d.Fire {
		s.log.Debug("Caller speech did not barge in",
			zap.String("gate", d.Gate),
			zap.String("response_id", s.activeID),
			zap.Duration("age", d.Age))
		return
	}

	rid := s.activeID
	cleared := s.output.Cancel(rid)
	s.adapter.Accounting().Discard(rid)
	if err := s.adapter.CancelResponse(ctx, rid); err != nil {
		s.log.Warn("Failed to send cancel", zap.String("response_id", rid), zap.Error(err))
	}
	s.bargeIns++
	s.audioPending = false
	s.awaitingDrain = true
	s.expectAudioSince = time.Time{}
	s.expectResponseID = ""
	s.setState(StateBargeIn, "barge_in")
	s.log.Info("Barge-in: cancelled AI response",
		zap.String("response_id", rid),
		zap.Duration("age", d.Age),
		zap.Int("frames_cleared", cleared))
}

func (s *Session) onUserTranscript(text string) {
	if text == "" {
		return
	}
	now := s.now()
	s.touch(now)
	s.transcript = append(s.transcript, config.ConversationMessage{
		Role:      config.MessageRoleUser,
		Content:   text,
		Timestamp: now,
	})
	if !s.pendingHangupAt.IsZero() || s.State().Draining() {
		return
	}
	if phrase, ok := s.phrases.Match(text); ok {
		s.pendingHangupAt = now
		s.log.Info("Caller said goodbye, hangup pending", zap.String("phrase", phrase))
	}
}

func (s *Session) onProviderError(ctx context.Context, perr *provider.Error) {
	if perr == nil {
		return
	}
	rid := perr.ResponseID

	if perr.CancelNotActive() {
		if rid == "" || rid != s.activeID {
			s.log.Debug("Cancel target already inactive", zap.String("response_id", rid))
			s.hangup.Forget(rid)
			return
		}
		s.clearActive()
		if st := s.State(); st == StateBargeIn || st == StateAISpeaking {
			s.setState(StateListening, "cancel_not_active")
		}
		s.maybeCompleteClosing()
		return
	}

	s.log.Warn("Provider error", zap.String("response_id", rid), zap.Error(perr))
	if rid == "" || rid != s.activeID {
		return
	}
	if s.State() == StateBargeIn {
		s.clearActive()
		s.setState(StateListening, "response_failed")
		return
	}
	if !s.hangup.AudioDoneSeen(rid) {
		s.onAudioDone(ctx, rid)
	}
}

func (s *Session) onConnectFailed(ctx context.Context, err error) {
	s.log.Error("Provider unavailable, failing call gracefully", zap.Error(err))
	frames, clipErr := s.loadClip()
	if clipErr != nil || len(frames) == 0 {
		s.log.Warn("Fallback clip unavailable", zap.Error(clipErr))
	} else {
		s.output.PlayClip(ctx, frames)
		s.fallbackPlayed = true
	}
	s.enterClosing(ReasonProviderUnavailable, "")
}

func (s *Session) onProviderClosed() {
	if s.State().Draining() {
		return
	}
	s.log.Warn("Provider connection closed mid-call")
	s.enterClosing(ReasonProviderDisconnected, "")
}

func (s *Session) onTransportEnded() {
	if err := s.transport.Err(); err != nil {
		s.log.Warn("Telephony transport failed", zap.Error(provider.NewTransportError(err)))
		s.doHangup(ReasonTransportError)
		return
	}
	s.doHangup(ReasonCallerHangup)
}

func (s *Session) handleCommand(c command) {
	switch c.kind {
	case commandClose:
		s.enterClosing(c.reason, "")
	case commandHangup:
		s.doHangup(c.reason)
	case commandResync:
		if s.activeID == "" || !s.awaitingDrain || !s.output.Idle() {
			return
		}
		s.log.Warn("Resetting stuck response flags", zap.String("response_id", s.activeID), zap.String("state", s.State().String()))
		s.clearActive()
		if st := s.State(); st == StateBargeIn || st == StateAISpeaking {
			s.setState(StateListening, "resync")
		}
		s.maybeCompleteClosing()
	}
}

func (s *Session) handleOutputResults() {
	for _, r := range s.output.Results() {
		switch r.kind {
		case resultFirstFrame:
			if r.responseID != s.activeID {
				continue
			}
			if s.expectResponseID == r.responseID || s.expectResponseID == "" {
				s.expectAudioSince = time.Time{}
				s.expectResponseID = ""
			}
			if s.State() == StateListening && s.audioPending {
				s.setState(StateAISpeaking, "first_frame")
			}
		case resultChecked:
			s.onAccounting(r)
		}
	}
	s.maybeFinishResponse()
	s.maybeCompleteClosing()
}

func (s *Session) onAccounting(r outputResult) {
	if r.err == nil {
		s.log.Debug("Frame accounting balanced",
			zap.String("response_id", r.responseID),
			zap.Int("expected", r.report.Expected),
			zap.Int("forwarded", r.report.Forwarded),
			zap.Int("dropped", r.report.Dropped))
		return
	}
	if s.adapter.StrictAccounting() {
		s.log.Error("Frame accounting mismatch, ending call",
			zap.String("response_id", r.responseID),
			zap.Int("delta", r.report.Delta()),
			zap.Error(r.err))
		s.doHangup(ReasonAccountingMismatch)
		return
	}
	s.accountingLog.Do(func() {
		s.log.Warn("Frame accounting drift on fallback provider",
			zap.String("response_id", r.responseID),
			zap.Int("delta", r.report.Delta()),
			zap.Error(r.err))
	})
}

func (s *Session) onWatchAction(a WatchAction) {
	switch a.Kind {
	case ActionHangup:
		s.submit(command{kind: commandHangup, reason: a.Reason})
	case ActionClose:
		s.submit(command{kind: commandClose, reason: a.Reason})
	case ActionResync:
		s.submit(command{kind: commandResync, reason: a.Reason})
	}
}

func (s *Session) clearActive() {
	s.activeID = ""
	s.activeSince = time.Time{}
	s.audioPending = false
	s.awaitingDrain = false
	s.lastDeltaAt = time.Time{}
}

// maybeFinishResponse retires the active response once its audio has
// fully played out.
func (s *Session) maybeFinishResponse() {
	if s.activeID == "" || !s.awaitingDrain || s.State() == StateBargeIn || !s.output.Idle() {
		return
	}
	s.log.Debug("Response played out", zap.String("response_id", s.activeID))
	s.clearActive()
}

func (s *Session) enterClosing(reason, responseID string) {
	if s.State().Draining() {
		return
	}
	s.closingReason = reason
	s.closingResponseID = responseID
	s.closingSince = s.now()
	s.hangupTriggered.Store(true)
	s.setState(StateClosing, reason)
	s.maybeCompleteClosing()
}

// maybeCompleteClosing hangs up once CLOSING has nothing left to play.
func (s *Session) maybeCompleteClosing() {
	if s.State() != StateClosing || !s.output.Idle() {
		return
	}
	if rid := s.closingResponseID; rid != "" && !s.hangup.AudioDoneSeen(rid) && !s.output.IsCancelled(rid) {
		return
	}
	s.doHangup(s.closingReason)
}

func (s *Session) doHangup(reason string) {
	if s.State() == StateHangup {
		return
	}
	s.hangupTriggered.Store(true)
	s.hangupReason = reason
	s.endedAt = s.now()
	s.setState(StateHangup, reason)

	if err := s.adapter.Close(); err != nil {
		s.log.Warn("Failed to close provider adapter", zap.Error(err))
	}
	if err := s.transport.Close(); err != nil {
		s.log.Warn("Failed to close transport", zap.Error(err))
	}
}

func (s *Session) setState(to State, reason string) {
	from := s.State()
	if from == to {
		return
	}
	s.state.Store(int32(to))
	s.log.Info("Call state changed",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.String("reason", reason),
		zap.String("response_id", s.activeID))
	if s.listener != nil {
		s.listener.StateChanged(s.id, from, to, reason)
	}
}

func (s *Session) acceptsAudio() bool {
	return s.ready.Load() && !s.State().Draining()
}

func (s *Session) touch(t time.Time) {
	s.lastActivity.Store(t.UnixNano())
}

// ResetActivity implements Probe.
func (s *Session) ResetActivity(now time.Time) {
	s.touch(now)
}

// Snapshot implements Probe.
func (s *Session) Snapshot() WatchSnapshot {
	snap := s.snapshot.Load()
	return WatchSnapshot{
		State:            s.State(),
		LastActivity:     time.Unix(0, s.lastActivity.Load()),
		PendingHangupAt:  snap.pendingHangupAt,
		HangupTriggered:  s.hangupTriggered.Load(),
		ClosingSince:     snap.closingSince,
		Speaking:         s.output.Speaking(),
		OutputIdle:       s.output.Idle(),
		ActiveResponseID: snap.activeID,
		AwaitingDrain:    snap.awaitingDrain,
		AudioPending:     snap.audioPending,
		LastDeltaAt:      snap.lastDeltaAt,
		ExpectAudioSince: snap.expectAudioSince,
		ExpectResponseID: snap.expectResponseID,
	}
}

func (s *Session) publish() {
	s.snapshot.Store(&loopSnapshot{
		activeID:         s.activeID,
		awaitingDrain:    s.awaitingDrain,
		audioPending:     s.audioPending,
		lastDeltaAt:      s.lastDeltaAt,
		expectAudioSince: s.expectAudioSince,
		expectResponseID: s.expectResponseID,
		pendingHangupAt:  s.pendingHangupAt,
		closingSince:     s.closingSince,
	})
}

func (s *Session) buildSummary() Summary {
	in := s.ingest.Stats()
	out := s.output.Stats()
	return Summary{
		CallID:          s.id,
		TenantID:        s.tenantID,
		CallSID:         s.callSID,
		Provider:        s.adapter.Type(),
		StartedAt:       s.startedAt,
		EndedAt:         s.endedAt,
		Reason:          s.hangupReason,
		Turns:           s.turns,
		BargeIns:        s.bargeIns,
		FramesIn:        in.Received,
		FramesForwarded: in.Forwarded,
		FramesSent:      out.Sent,
		FramesShed:      out.Shed,
		FallbackPlayed:  s.fallbackPlayed,
		Transcript:      append([]config.ConversationMessage(nil), s.transcript...),
	}
}
