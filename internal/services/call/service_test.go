package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ClareAI/astra-voice-bridge/internal/config"
	"github.com/ClareAI/astra-voice-bridge/internal/core/audio"
	corecall "github.com/ClareAI/astra-voice-bridge/internal/core/call"
	"github.com/ClareAI/astra-voice-bridge/internal/core/event"
	"github.com/ClareAI/astra-voice-bridge/internal/core/model/provider"
	"github.com/ClareAI/astra-voice-bridge/internal/core/session"
	"github.com/ClareAI/astra-voice-bridge/internal/core/task"
	"github.com/ClareAI/astra-voice-bridge/internal/storage"
	"github.com/ClareAI/astra-voice-bridge/pkg/pubsub"
	"github.com/ClareAI/astra-voice-bridge/pkg/redis"
	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAdapter struct {
	events     chan provider.Event
	connectErr error
	accountant *provider.FrameAccountant
}

func newStubAdapter(connectErr error) *stubAdapter {
	return &stubAdapter{
		events:     make(chan provider.Event),
		connectErr: connectErr,
		accountant: provider.NewFrameAccountant(audio.TelephonySampleRate, 1),
	}
}

func (a *stubAdapter) Type() provider.ProviderType                  { return provider.ProviderTypeRealtime }
func (a *stubAdapter) Connect(context.Context) error                { return a.connectErr }
func (a *stubAdapter) SendAudio(context.Context, []int16) error     { return nil }
func (a *stubAdapter) CreateResponse(context.Context, string) error { return nil }
func (a *stubAdapter) CancelResponse(context.Context, string) error { return nil }
func (a *stubAdapter) Events() <-chan provider.Event                { return a.events }
func (a *stubAdapter) InputSampleRate() int                         { return audio.TelephonySampleRate }
func (a *stubAdapter) OutputSampleRate() int                        { return audio.TelephonySampleRate }
func (a *stubAdapter) Accounting() *provider.FrameAccountant        { return a.accountant }
func (a *stubAdapter) StrictAccounting() bool                       { return true }
func (a *stubAdapter) Close() error                                 { return nil }

type stubFactory struct {
	connectErr error

	mu       sync.Mutex
	sessions []provider.SessionConfig
	types    []provider.ProviderType
}

func (f *stubFactory) CreateAdapter(pt provider.ProviderType, sc provider.SessionConfig) (provider.Adapter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !pt.IsValid() {
		return nil, errors.New("unsupported provider type")
	}
	f.sessions = append(f.sessions, sc)
	f.types = append(f.types, pt)
	return newStubAdapter(f.connectErr), nil
}

type stubTransport struct {
	frames    chan audio.Frame
	endOnce   sync.Once
	closeOnce sync.Once
	closed    chan struct{}
}

func newStubTransport() *stubTransport {
	return &stubTransport{frames: make(chan audio.Frame), closed: make(chan struct{})}
}

func (t *stubTransport) Frames() <-chan audio.Frame { return t.frames }
func (t *stubTransport) TrySend(audio.Frame) bool   { return true }
func (t *stubTransport) TXLen() int                 { return 0 }
func (t *stubTransport) SendClear() (int, error)    { return 0, nil }
func (t *stubTransport) Err() error                 { return nil }
func (t *stubTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

// hangUp simulates the caller ending the stream.
func (t *stubTransport) hangUp() { t.endOnce.Do(func() { close(t.frames) }) }

type stubAgents struct {
	agent *config.AgentConfig
	err   error
}

func (a *stubAgents) GetAgent(_ context.Context, tenantID, _ string) (*config.AgentConfig, error) {
	if a.err != nil {
		return nil, a.err
	}
	cp := *a.agent
	cp.TenantID = tenantID
	return &cp, nil
}

type stubControl struct {
	mu    sync.Mutex
	ended []string
	said  map[string]string
}

func (c *stubControl) IsEnabled() bool { return true }

func (c *stubControl) EndCall(_ context.Context, sid string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ended = append(c.ended, sid)
	return nil
}

func (c *stubControl) SayAndHangup(_ context.Context, sid, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.said == nil {
		c.said = make(map[string]string)
	}
	c.said[sid] = text
	return nil
}

func (c *stubControl) snapshot() ([]string, map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	said := make(map[string]string, len(c.said))
	for k, v := range c.said {
		said[k] = v
	}
	return append([]string(nil), c.ended...), said
}

type stubPublisher struct {
	mu     sync.Mutex
	events []pubsub.CallCompletedEvent
}

func (p *stubPublisher) PublishCallCompleted(_ context.Context, evt pubsub.CallCompletedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *stubPublisher) published() []pubsub.CallCompletedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]pubsub.CallCompletedEvent(nil), p.events...)
}

type harness struct {
	svc       *CallService
	factory   *stubFactory
	control   *stubControl
	publisher *stubPublisher
	tracker   *event.CallTracker
	sessions  *session.Manager
	redisSvc  *redis.RedisService
	mr        *miniredis.Miniredis
	pool      *task.Pool

	mu    sync.Mutex
	tasks []task.SessionTask
}

func testConfig() *config.Config {
	callCfg := config.DefaultCallConfig()
	callCfg.FramePeriod = 2 * time.Millisecond
	callCfg.PacingDelay = time.Millisecond
	callCfg.PushTimeout = 50 * time.Millisecond
	callCfg.WatchdogInterval = time.Hour
	callCfg.ConnectAttempts = 1
	callCfg.ConnectBackoff = time.Millisecond
	callCfg.FallbackClipPath = "testdata/missing.mp3"

	return &config.Config{
		RecordingSlots: 2,
		DefaultAgent:   config.AgentConfig{Provider: config.ProviderRealtime, Voice: "alloy"},
		Call:           callCfg,
	}
}

func newHarness(t *testing.T, mutate func(*config.Config, *Deps)) *harness {
	t.Helper()
	h := &harness{
		factory:   &stubFactory{},
		control:   &stubControl{},
		publisher: &stubPublisher{},
		mr:        miniredis.RunT(t),
		pool:      task.NewPool("test-calls", 4, time.Second),
	}
	h.redisSvc = redis.NewRedisServiceFromClient(goredis.NewClient(&goredis.Options{Addr: h.mr.Addr()}))
	t.Cleanup(func() { _ = h.redisSvc.Close() })
	h.sessions = session.NewManager(h.redisSvc, "pod-a")

	bus := event.NewEventBus(4)
	t.Cleanup(func() { _ = bus.Close() })
	tracker, err := event.NewCallTracker(bus, time.Minute)
	require.NoError(t, err)
	h.tracker = tracker

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	taskBus := task.NewRedisBus(h.redisSvc)
	require.NoError(t, taskBus.Subscribe(ctx, func(st task.SessionTask) {
		h.mu.Lock()
		h.tasks = append(h.tasks, st)
		h.mu.Unlock()
	}))

	cfg := testConfig()
	deps := Deps{
		Config:    cfg,
		Factory:   h.factory,
		Agents:    &stubAgents{agent: &config.AgentConfig{Provider: config.ProviderRealtime, Voice: "shimmer", Instructions: "Be brief"}},
		Pool:      h.pool,
		EventBus:  bus,
		Sessions:  h.sessions,
		TaskBus:   taskBus,
		Redis:     h.redisSvc,
		Publisher: h.publisher,
		Control:   h.control,
	}
	if mutate != nil {
		mutate(cfg, &deps)
	}
	svc, err := NewCallService(deps)
	require.NoError(t, err)
	require.NoError(t, svc.Start(ctx))
	h.svc = svc
	return h
}

func (h *harness) sessionTasks() []task.SessionTask {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]task.SessionTask(nil), h.tasks...)
}

type served struct {
	summary corecall.Summary
	err     error
}

func (h *harness) serve(t *testing.T, tr corecall.Transport, req StreamRequest) <-chan served {
	t.Helper()
	out := make(chan served, 1)
	go func() {
		summary, err := h.svc.Serve(context.Background(), tr, req)
		out <- served{summary: summary, err: err}
	}()
	return out
}

func (h *harness) waitActive(t *testing.T) ActiveCallInfo {
	t.Helper()
	require.Eventually(t, func() bool { return h.svc.ActiveCount() == 1 }, time.Second, 2*time.Millisecond)
	return h.svc.ActiveCalls()[0]
}

func waitServed(t *testing.T, ch <-chan served) served {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
		return served{}
	}
}

func TestCallService_RemoteHangupCompletesCall(t *testing.T) {
	h := newHarness(t, nil)
	tr := newStubTransport()
	done := h.serve(t, tr, StreamRequest{CallSID: "CA100", StreamSID: "MZ1", TenantID: "t1"})

	info := h.waitActive(t)
	assert.Equal(t, "t1", info.TenantID)
	assert.Equal(t, "CA100", info.CallSID)

	registered, err := h.sessions.Get(context.Background(), info.CallID)
	require.NoError(t, err)
	assert.Equal(t, "pod-a", registered.PodID)

	require.NoError(t, h.svc.Hangup(context.Background(), info.CallID))
	res := waitServed(t, done)
	require.NoError(t, res.err)
	assert.Equal(t, corecall.ReasonRemoteHangup, res.summary.Reason)
	assert.Equal(t, 0, h.svc.ActiveCount())
	require.NoError(t, h.pool.Wait(context.Background()))

	ended, _ := h.control.snapshot()
	assert.Equal(t, []string{"CA100"}, ended)

	events := h.publisher.published()
	require.Len(t, events, 1)
	assert.Equal(t, info.CallID, events[0].CallID)
	assert.Equal(t, corecall.ReasonRemoteHangup, events[0].HangupReason)
	assert.Equal(t, "t1", events[0].TenantID)

	_, err = h.sessions.Get(context.Background(), info.CallID)
	assert.ErrorIs(t, err, session.ErrNotFound)

	assert.Eventually(t, func() bool {
		tasks := h.sessionTasks()
		return len(tasks) == 2 &&
			tasks[0].Type == task.TaskTypeRecordingStart &&
			tasks[1].Type == task.TaskTypeRecordingStop &&
			tasks[1].Reason == corecall.ReasonRemoteHangup
	}, time.Second, 5*time.Millisecond)
	slots, err := h.mr.Get("astra:voice:recording:slots:t1")
	require.NoError(t, err)
	assert.Equal(t, "0", slots)

	assert.Eventually(t, func() bool {
		rec, ok := h.tracker.Get(info.CallID)
		return ok && rec.Phase == event.PhaseEnded.String() && rec.EndReason == corecall.ReasonRemoteHangup
	}, time.Second, 5*time.Millisecond)

	h.factory.mu.Lock()
	defer h.factory.mu.Unlock()
	require.Len(t, h.factory.sessions, 1)
	assert.Equal(t, "shimmer", h.factory.sessions[0].Voice)
	assert.Equal(t, "Be brief", h.factory.sessions[0].Instructions)
}

func TestCallService_CallerHangupSkipsTermination(t *testing.T) {
	h := newHarness(t, nil)
	tr := newStubTransport()
	done := h.serve(t, tr, StreamRequest{CallSID: "CA200", TenantID: "t1"})
	h.waitActive(t)

	tr.hangUp()
	res := waitServed(t, done)
	assert.Equal(t, corecall.ReasonCallerHangup, res.summary.Reason)
	require.NoError(t, h.pool.Wait(context.Background()))

	ended, said := h.control.snapshot()
	assert.Empty(t, ended)
	assert.Empty(t, said)
	assert.Len(t, h.publisher.published(), 1)
}

func TestCallService_ProviderUnavailableSaysApology(t *testing.T) {
	h := newHarness(t, func(_ *config.Config, d *Deps) {
		d.Factory = &stubFactory{connectErr: errors.New("dial refused")}
	})
	tr := newStubTransport()
	res := waitServed(t, h.serve(t, tr, StreamRequest{CallSID: "CA300", TenantID: "t1"}))
	require.NoError(t, res.err)
	assert.Equal(t, corecall.ReasonProviderUnavailable, res.summary.Reason)
	assert.False(t, res.summary.FallbackPlayed)
	require.NoError(t, h.pool.Wait(context.Background()))

	ended, said := h.control.snapshot()
	assert.Empty(t, ended)
	assert.Equal(t, config.DefaultFallbackSay, said["CA300"])

	events := h.publisher.published()
	require.Len(t, events, 1)
	assert.False(t, events[0].FallbackPlayed)
}

func TestCallService_RecordingSlotsExhausted(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config, _ *Deps) { cfg.RecordingSlots = 1 })
	require.NoError(t, h.mr.Set("astra:voice:recording:slots:t1", "1"))

	tr := newStubTransport()
	done := h.serve(t, tr, StreamRequest{CallSID: "CA400", TenantID: "t1"})
	h.waitActive(t)
	tr.hangUp()
	waitServed(t, done)
	require.NoError(t, h.pool.Wait(context.Background()))

	assert.Empty(t, h.sessionTasks())
	slots, err := h.mr.Get("astra:voice:recording:slots:t1")
	require.NoError(t, err)
	assert.Equal(t, "1", slots)
}

func TestCallService_AgentLookupFailureUsesDefaults(t *testing.T) {
	h := newHarness(t, func(_ *config.Config, d *Deps) {
		d.Agents = &stubAgents{err: errors.New("redis down")}
	})
	tr := newStubTransport()
	done := h.serve(t, tr, StreamRequest{CallSID: "CA500", TenantID: "t9"})
	h.waitActive(t)
	tr.hangUp()
	waitServed(t, done)

	h.factory.mu.Lock()
	defer h.factory.mu.Unlock()
	require.Len(t, h.factory.sessions, 1)
	assert.Equal(t, "alloy", h.factory.sessions[0].Voice)
	assert.Equal(t, provider.ProviderTypeRealtime, h.factory.types[0])
}

func TestCallService_HangupRouting(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	assert.ErrorIs(t, h.svc.Hangup(ctx, "call_unknown"), ErrCallNotFound)

	other := session.NewManager(h.redisSvc, "pod-b")
	require.NoError(t, other.Register(ctx, session.SessionInfo{CallID: "call_remote", TenantID: "t1"}))

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	got := make(chan session.CleanupMessage, 1)
	require.NoError(t, other.SubscribeToCleanup(subCtx, func(msg session.CleanupMessage) { got <- msg }))

	require.NoError(t, h.svc.Hangup(ctx, "call_remote"))
	select {
	case msg := <-got:
		assert.Equal(t, "call_remote", msg.CallID)
		assert.Equal(t, corecall.ReasonRemoteHangup, msg.Reason)
	case <-time.After(time.Second):
		t.Fatal("cleanup broadcast not received")
	}
}

func TestCallService_CleanupBroadcastClosesLocalCall(t *testing.T) {
	h := newHarness(t, nil)
	tr := newStubTransport()
	done := h.serve(t, tr, StreamRequest{CallSID: "CA600", TenantID: "t1"})
	info := h.waitActive(t)

	require.NoError(t, h.sessions.NotifyCleanup(context.Background(), info.CallID, ""))
	res := waitServed(t, done)
	assert.Equal(t, corecall.ReasonRemoteHangup, res.summary.Reason)
}

func TestCallService_Shutdown(t *testing.T) {
	h := newHarness(t, nil)
	tr := newStubTransport()
	done := h.serve(t, tr, StreamRequest{CallSID: "CA700", TenantID: "t1"})
	h.waitActive(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.svc.Shutdown(ctx))
	assert.True(t, h.svc.IsShuttingDown())

	res := waitServed(t, done)
	assert.Equal(t, corecall.ReasonShutdown, res.summary.Reason)

	_, err := h.svc.Serve(context.Background(), newStubTransport(), StreamRequest{TenantID: "t1"})
	assert.ErrorIs(t, err, ErrShuttingDown)
}

type stubTranscripts struct {
	docs []storage.TranscriptDocument
}

func (s *stubTranscripts) Enabled() bool { return true }

func (s *stubTranscripts) Save(_ context.Context, doc storage.TranscriptDocument) (string, error) {
	s.docs = append(s.docs, doc)
	return "gs://bucket/" + storage.ObjectPath(doc.TenantID, doc.CallID), nil
}

func TestCallService_CompletionArchivesTranscript(t *testing.T) {
	transcripts := &stubTranscripts{}
	h := newHarness(t, func(_ *config.Config, d *Deps) { d.Transcripts = transcripts })

	summary := corecall.Summary{
		CallID:    "call_x",
		TenantID:  "t1",
		CallSID:   "CA800",
		Provider:  provider.ProviderTypeRealtime,
		StartedAt: time.Unix(100, 0),
		EndedAt:   time.Unix(130, 0),
		Reason:    corecall.ReasonBye,
		Turns:     3,
		Transcript: []config.ConversationMessage{
			{Role: config.MessageRoleAssistant, Content: "Goodbye!"},
		},
	}
	require.NoError(t, h.svc.complete(context.Background(), summary))

	require.Len(t, transcripts.docs, 1)
	assert.Equal(t, corecall.ReasonBye, transcripts.docs[0].HangupReason)
	events := h.publisher.published()
	require.Len(t, events, 1)
	assert.Equal(t, "gs://bucket/transcripts/t1/call_x.json", events[0].TranscriptURL)
	assert.Equal(t, 30, events[0].Duration)
	assert.Equal(t, 3, events[0].TurnCount)
}

func TestNewCallService_RequiresDeps(t *testing.T) {
	_, err := NewCallService(Deps{})
	assert.Error(t, err)
	_, err = NewCallService(Deps{Config: testConfig(), Factory: &stubFactory{}, Agents: &stubAgents{}})
	assert.Error(t, err)
}
