package call

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClareAI/astra-voice-bridge/internal/config"
	corecall "github.com/ClareAI/astra-voice-bridge/internal/core/call"
	"github.com/ClareAI/astra-voice-bridge/internal/core/event"
	"github.com/ClareAI/astra-voice-bridge/internal/core/model/provider"
	"github.com/ClareAI/astra-voice-bridge/internal/core/session"
	"github.com/ClareAI/astra-voice-bridge/internal/core/task"
	"github.com/ClareAI/astra-voice-bridge/internal/storage"
	"github.com/ClareAI/astra-voice-bridge/pkg/logger"
	"github.com/ClareAI/astra-voice-bridge/pkg/pubsub"
	"github.com/ClareAI/astra-voice-bridge/pkg/redis"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	registryTimeout  = 2 * time.Second
	recordingSlotTTL = time.Hour
)

var (
	ErrShuttingDown = errors.New("call service is shutting down")
	ErrCallNotFound = errors.New("call not found")
)

// Deps are the collaborators of the call service. Only Factory, Agents and
// Pool are required; the rest are skipped when nil.
type Deps struct {
	Config  *config.Config
	Factory AdapterFactory
	Agents  AgentSource
	Pool    *task.Pool

	EventBus    event.EventBus
	Sessions    *session.Manager
	TaskBus     task.Bus
	Redis       redis.RedisServiceInterface
	Publisher   CompletionPublisher
	Transcripts TranscriptSaver
	Control     CallController
}

// CallService owns the live call sessions of this pod and fans out their
// lifecycle to the registry, event bus and completion sinks.
type CallService struct {
	deps Deps
	cfg  *config.Config

	calls map[string]*activeCall
	mutex sync.RWMutex

	serving      sync.WaitGroup
	shuttingDown atomic.Bool
}

func NewCallService(deps Deps) (*CallService, error) {
	if deps.Config == nil {
		return nil, errors.New("call service requires config")
	}
	if deps.Factory == nil {
		return nil, errors.New("call service requires a provider factory")
	}
	if deps.Agents == nil {
		return nil, errors.New("call service requires an agent source")
	}
	if deps.Pool == nil {
		return nil, errors.New("call service requires a worker pool")
	}
	return &CallService{
		deps:  deps,
		cfg:   deps.Config,
		calls: make(map[string]*activeCall),
	}, nil
}

// Start subscribes to cross-pod cleanup broadcasts until ctx is done.
func (s *CallService) Start(ctx context.Context) error {
	if s.deps.Sessions == nil {
		return nil
	}
	logger.Base().Info("Subscribing to session cleanup broadcasts")
	return s.deps.Sessions.SubscribeToCleanup(ctx, func(msg session.CleanupMessage) {
		reason := msg.Reason
		if reason == "" {
			reason = corecall.ReasonRemoteHangup
		}
		if s.closeLocal(msg.CallID, reason) {
			logger.Base().Info("Received cleanup broadcast for local call", zap.String("call_id", msg.CallID), zap.String("reason", reason))
		}
	})
}

// Serve bridges an authenticated media stream until the call hangs up.
func (s *CallService) Serve(ctx context.Context, transport corecall.Transport, req StreamRequest) (corecall.Summary, error) {
	if s.shuttingDown.Load() {
		return corecall.Summary{}, ErrShuttingDown
	}
	s.serving.Add(1)
	defer s.serving.Done()

	callID := "call_" + uuid.NewString()
	log := logger.ForCall(callID).With(zap.String("tenant_id", req.TenantID), zap.String("call_sid", req.CallSID))

	agent, err := s.deps.Agents.GetAgent(ctx, req.TenantID, req.Channel)
	if err != nil {
		log.Warn("Agent lookup failed, using default agent", zap.Error(err))
		agent = s.defaultAgent(req.TenantID)
	}

	providerType := provider.ProviderType(agent.Provider)
	adapter, err := s.deps.Factory.CreateAdapter(providerType, provider.SessionConfig{
		CallID:       callID,
		TenantID:     req.TenantID,
		Instructions: agent.Instructions,
		Voice:        agent.Voice,
		Speed:        agent.Speed,
		Language:     agent.Language,
	})
	if err != nil {
		return corecall.Summary{}, fmt.Errorf("create %s adapter: %w", providerType, err)
	}

	sess, err := corecall.NewSession(corecall.Options{
		CallID:    callID,
		TenantID:  req.TenantID,
		CallSID:   req.CallSID,
		Agent:     agent,
		Config:    s.cfg.Call,
		Adapter:   adapter,
		Transport: transport,
		Listener:  s,
	})
	if err != nil {
		return corecall.Summary{}, fmt.Errorf("create session: %w", err)
	}

	ac := &activeCall{
		session:   sess,
		tenantID:  req.TenantID,
		callSID:   req.CallSID,
		provider:  providerType,
		startedAt: time.Now(),
	}
	s.mutex.Lock()
	s.calls[callID] = ac
	s.mutex.Unlock()
	defer s.remove(callID)

	s.register(ctx, callID, ac)
	s.startRecording(ctx, callID, ac)
	s.publishEvent(event.NewCallEvent(event.CallStarted, callID).
		WithTenantID(req.TenantID).
		WithData(&event.StartedData{CallSID: req.CallSID, Provider: providerType.String()}))

	log.Info("Bridging media stream", zap.String("stream_sid", req.StreamSID), zap.String("provider", providerType.String()))
	return sess.Run(ctx), nil
}

func (s *CallService) defaultAgent(tenantID string) *config.AgentConfig {
	agent := s.cfg.DefaultAgent
	agent.ClosingPhrases = append([]string(nil), s.cfg.DefaultAgent.ClosingPhrases...)
	agent.TenantID = tenantID
	agent.SetDefaults()
	return &agent
}

func (s *CallService) remove(callID string) {
	s.mutex.Lock()
	delete(s.calls, callID)
	s.mutex.Unlock()
}

func (s *CallService) lookup(callID string) (*activeCall, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	ac, ok := s.calls[callID]
	return ac, ok
}

func (s *CallService) register(ctx context.Context, callID string, ac *activeCall) {
	if s.deps.Sessions == nil {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, registryTimeout)
	defer cancel()
	err := s.deps.Sessions.Register(rctx, session.SessionInfo{
		CallID:    callID,
		CallSID:   ac.callSID,
		TenantID:  ac.tenantID,
		Provider:  ac.provider.String(),
		StartTime: ac.startedAt,
	})
	if err != nil {
		logger.Base().Warn("Failed to register call session", zap.String("call_id", callID), zap.Error(err))
	}
}

func (s *CallService) recordingKey(tenantID string) string {
	return s.deps.Redis.GenerateKey(redis.RECORDING_SLOTS, tenantID)
}

// startRecording takes a tenant recording slot and signals the recorder.
// Calls over the tenant's slot limit are bridged without recording.
func (s *CallService) startRecording(ctx context.Context, callID string, ac *activeCall) {
	if s.deps.TaskBus == nil || s.deps.Redis == nil || s.cfg.RecordingSlots <= 0 {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, registryTimeout)
	defer cancel()

	key := s.recordingKey(ac.tenantID)
	n, err := s.deps.Redis.IncrBy(rctx, key, 1, recordingSlotTTL)
	if err != nil {
		logger.Base().Warn("Failed to acquire recording slot", zap.String("call_id", callID), zap.Error(err))
		return
	}
	if n > int64(s.cfg.RecordingSlots) {
		if _, err := s.deps.Redis.IncrBy(rctx, key, -1, recordingSlotTTL); err != nil {
			logger.Base().Warn("Failed to release rejected recording slot", zap.String("call_id", callID), zap.Error(err))
		}
		logger.Base().Info("Recording slots exhausted, call not recorded",
			zap.String("call_id", callID), zap.String("tenant_id", ac.tenantID), zap.Int("slots", s.cfg.RecordingSlots))
		return
	}

	err = s.deps.TaskBus.Publish(rctx, task.SessionTask{
		Type:     task.TaskTypeRecordingStart,
		CallID:   callID,
		CallSID:  ac.callSID,
		TenantID: ac.tenantID,
	})
	if err != nil {
		logger.Base().Warn("Failed to publish recording start", zap.String("call_id", callID), zap.Error(err))
		if _, derr := s.deps.Redis.IncrBy(rctx, key, -1, recordingSlotTTL); derr != nil {
			logger.Base().Warn("Failed to release recording slot", zap.String("call_id", callID), zap.Error(derr))
		}
		return
	}
	ac.setRecording(true)
}

func (s *CallService) stopRecording(ctx context.Context, summary corecall.Summary, ac *activeCall) error {
	if ac == nil || !ac.takeRecording() {
		return nil
	}
	err := s.deps.TaskBus.Publish(ctx, task.SessionTask{
		Type:     task.TaskTypeRecordingStop,
		CallID:   summary.CallID,
		CallSID:  summary.CallSID,
		TenantID: summary.TenantID,
		Reason:   summary.Reason,
	})
	if _, derr := s.deps.Redis.IncrBy(ctx, s.recordingKey(summary.TenantID), -1, recordingSlotTTL); derr != nil {
		err = errors.Join(err, derr)
	}
	return err
}

func (s *CallService) publishEvent(evt *event.CallEvent) {
	if s.deps.EventBus == nil {
		return
	}
	if err := s.deps.EventBus.PublishEvent(evt); err != nil {
		logger.Base().Debug("Call event not published", zap.String("type", string(evt.Type)), zap.Error(err))
	}
}

// StateChanged implements corecall.Listener.
func (s *CallService) StateChanged(callID string, from, to corecall.State, reason string) {
	tenantID := ""
	if ac, ok := s.lookup(callID); ok {
		tenantID = ac.tenantID
	}
	s.publishEvent(event.NewCallEvent(event.CallStateChanged, callID).
		WithTenantID(tenantID).
		WithData(&event.StateChangeData{From: from, To: to, Reason: reason}))
}

// CallEnded implements corecall.Listener. Completion work runs on the pool.
func (s *CallService) CallEnded(summary corecall.Summary) {
	ac, _ := s.lookup(summary.CallID)
	s.publishEvent(event.NewCallEvent(event.CallCompleted, summary.CallID).
		WithTenantID(summary.TenantID).
		WithData(&summary))

	ctx := context.Background()
	s.submit(ctx, "terminate_call", func(ctx context.Context) error {
		return s.terminate(ctx, summary)
	})
	s.submit(ctx, "recording_stop", func(ctx context.Context) error {
		return s.stopRecording(ctx, summary, ac)
	})
	s.submit(ctx, "call_completed", func(ctx context.Context) error {
		return s.complete(ctx, summary)
	})
	if s.deps.Sessions != nil {
		s.submit(ctx, "session_unregister", func(ctx context.Context) error {
			return s.deps.Sessions.Unregister(ctx, summary.CallID)
		})
	}
}

func (s *CallService) submit(ctx context.Context, name string, fn task.Func) {
	if err := s.deps.Pool.Submit(ctx, name, fn); err != nil {
		logger.Base().Error("Failed to schedule completion task", zap.String("task", name), zap.Error(err))
	}
}

// terminate ends the PSTN leg. Calls the caller already hung up are left alone.
func (s *CallService) terminate(ctx context.Context, summary corecall.Summary) error {
	if s.deps.Control == nil || !s.deps.Control.IsEnabled() || summary.CallSID == "" {
		return nil
	}
	if summary.Reason == corecall.ReasonCallerHangup {
		return nil
	}
	if summary.Reason == corecall.ReasonProviderUnavailable && !summary.FallbackPlayed {
		say := s.cfg.Call.FallbackSay
		if say == "" {
			say = config.DefaultFallbackSay
		}
		return s.deps.Control.SayAndHangup(ctx, summary.CallSID, say)
	}
	return s.deps.Control.EndCall(ctx, summary.CallSID)
}

// complete archives the transcript then publishes the call-completed notification.
func (s *CallService) complete(ctx context.Context, summary corecall.Summary) error {
	var transcriptURL string
	if s.deps.Transcripts != nil && s.deps.Transcripts.Enabled() {
		url, err := s.deps.Transcripts.Save(ctx, storage.TranscriptDocument{
			CallID:       summary.CallID,
			CallSID:      summary.CallSID,
			TenantID:     summary.TenantID,
			Provider:     summary.Provider.String(),
			StartedAt:    summary.StartedAt,
			EndedAt:      summary.EndedAt,
			HangupReason: summary.Reason,
			Messages:     summary.Transcript,
		})
		if err != nil {
			logger.Base().Error("Failed to archive transcript", zap.String("call_id", summary.CallID), zap.Error(err))
		}
		transcriptURL = url
	}

	if s.deps.Publisher == nil {
		return nil
	}
	return s.deps.Publisher.PublishCallCompleted(ctx, pubsub.CallCompletedEvent{
		CallID:         summary.CallID,
		CallSID:        summary.CallSID,
		TenantID:       summary.TenantID,
		Provider:       summary.Provider.String(),
		Status:         "completed",
		HangupReason:   summary.Reason,
		StartAt:        summary.StartedAt,
		EndAt:          summary.EndedAt,
		Duration:       int(summary.Duration().Seconds()),
		TurnCount:      summary.Turns,
		BargeInCount:   summary.BargeIns,
		DroppedFrames:  summary.FramesShed,
		FramesSent:     summary.FramesSent,
		TranscriptURL:  transcriptURL,
		FallbackPlayed: summary.FallbackPlayed,
	})
}

func (s *CallService) closeLocal(callID, reason string) bool {
	ac, ok := s.lookup(callID)
	if !ok {
		return false
	}
	ac.session.Close(reason)
	return true
}

// Hangup asks the pod owning callID to close it: locally when the call is
// here, otherwise through the cleanup broadcast.
func (s *CallService) Hangup(ctx context.Context, callID string) error {
	if s.closeLocal(callID, corecall.ReasonRemoteHangup) {
		logger.Base().Info("Closing local call on request", zap.String("call_id", callID))
		return nil
	}
	if s.deps.Sessions == nil {
		return ErrCallNotFound
	}
	if _, err := s.deps.Sessions.Get(ctx, callID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return ErrCallNotFound
		}
		return err
	}
	return s.deps.Sessions.NotifyCleanup(ctx, callID, corecall.ReasonRemoteHangup)
}

// ActiveCount is the number of calls bridged by this pod.
func (s *CallService) ActiveCount() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.calls)
}

// ActiveCalls lists live calls, oldest first.
func (s *CallService) ActiveCalls() []ActiveCallInfo {
	s.mutex.RLock()
	infos := make([]ActiveCallInfo, 0, len(s.calls))
	for id, ac := range s.calls {
		infos = append(infos, ActiveCallInfo{
			CallID:    id,
			TenantID:  ac.tenantID,
			CallSID:   ac.callSID,
			Provider:  ac.provider,
			State:     ac.session.State().String(),
			StartedAt: ac.startedAt,
		})
	}
	s.mutex.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].StartedAt.Before(infos[j].StartedAt) })
	return infos
}

// IsShuttingDown reports whether new streams are refused.
func (s *CallService) IsShuttingDown() bool {
	return s.shuttingDown.Load()
}

// Shutdown refuses new streams, asks every live call to close and waits for
// them and their completion tasks until ctx is done.
func (s *CallService) Shutdown(ctx context.Context) error {
	s.shuttingDown.Store(true)

	s.mutex.RLock()
	for _, ac := range s.calls {
		ac.session.Close(corecall.ReasonShutdown)
	}
	count := len(s.calls)
	s.mutex.RUnlock()
	logger.Base().Info("Call service shutting down", zap.Int("active_calls", count))

	done := make(chan struct{})
	go func() {
		s.serving.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("calls still active at shutdown: %w", ctx.Err())
	}
	return s.deps.Pool.Wait(ctx)
}
