package call

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ClareAI/astra-voice-bridge/internal/config"
	"github.com/ClareAI/astra-voice-bridge/internal/core/audio"
	"github.com/ClareAI/astra-voice-bridge/internal/core/model/provider"
	"github.com/stretchr/testify/require"
)

type fakeAdapter struct {
	events     chan provider.Event
	done       chan struct{}
	closeOnce  sync.Once
	accountant *provider.FrameAccountant
	strict     bool
	connectErr error

	audioChunks atomic.Int64

	mu      sync.Mutex
	creates []string
	cancels []string
}

func newFakeAdapter(strict bool) *fakeAdapter {
	return &fakeAdapter{
		events:     make(chan provider.Event, 64),
		done:       make(chan struct{}),
		accountant: provider.NewFrameAccountant(audio.TelephonySampleRate, 1),
		strict:     strict,
	}
}

func (a *fakeAdapter) Type() provider.ProviderType              { return provider.ProviderTypeRealtime }
func (a *fakeAdapter) Connect(context.Context) error            { return a.connectErr }
func (a *fakeAdapter) Events() <-chan provider.Event            { return a.events }
func (a *fakeAdapter) InputSampleRate() int                     { return audio.TelephonySampleRate }
func (a *fakeAdapter) OutputSampleRate() int                    { return audio.TelephonySampleRate }
func (a *fakeAdapter) Accounting() *provider.FrameAccountant    { return a.accountant }
func (a *fakeAdapter) StrictAccounting() bool                   { return a.strict }
func (a *fakeAdapter) SendAudio(context.Context, []int16) error { a.audioChunks.Add(1); return nil }

func (a *fakeAdapter) CreateResponse(_ context.Context, instructions string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.creates = append(a.creates, instructions)
	return nil
}

func (a *fakeAdapter) CancelResponse(_ context.Context, responseID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancels = append(a.cancels, responseID)
	return nil
}

func (a *fakeAdapter) Close() error {
	a.closeOnce.Do(func() { close(a.done) })
	return nil
}

func (a *fakeAdapter) Creates() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.creates...)
}

func (a *fakeAdapter) Cancels() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.cancels...)
}

func (a *fakeAdapter) closed() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

// emit delivers an event the way an adapter would, including accounting.
func (a *fakeAdapter) emit(ev provider.Event) {
	if ev.Kind == provider.EventAudioDelta {
		a.accountant.Expect(ev.ResponseID, len(ev.Audio))
	}
	select {
	case a.events <- ev:
	case <-a.done:
	}
}

type fakeTransport struct {
	frames    chan audio.Frame
	endOnce   sync.Once
	closeOnce sync.Once
	closedCh  chan struct{}
	blocked   atomic.Bool
	clears    atomic.Int64

	mu   sync.Mutex
	sent []audio.Frame
	err  error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{frames: make(chan audio.Frame, 64), closedCh: make(chan struct{})}
}

func (t *fakeTransport) Frames() <-chan audio.Frame { return t.frames }
func (t *fakeTransport) TXLen() int                 { return 0 }

func (t *fakeTransport) TrySend(f audio.Frame) bool {
	if t.blocked.Load() {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, f)
	return true
}

func (t *fakeTransport) SendClear() (int, error) {
	t.clears.Add(1)
	return 0, nil
}

func (t *fakeTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closedCh) })
	return nil
}

// end simulates the far end going away.
func (t *fakeTransport) end(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
	t.endOnce.Do(func() { close(t.frames) })
}

func (t *fakeTransport) Sent() []audio.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]audio.Frame(nil), t.sent...)
}

func (t *fakeTransport) isClosed() bool {
	select {
	case <-t.closedCh:
		return true
	default:
		return false
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingListener struct {
	mu      sync.Mutex
	changes []State
	ended   chan Summary
}

func newRecordingListener() *recordingListener {
	return &recordingListener{ended: make(chan Summary, 1)}
}

func (l *recordingListener) StateChanged(_ string, _, to State, _ string) {
	l.mu.Lock()
	l.changes = append(l.changes, to)
	l.mu.Unlock()
}

func (l *recordingListener) CallEnded(s Summary) { l.ended <- s }

func (l *recordingListener) States() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State(nil), l.changes...)
}

func testCallConfig() config.CallConfig {
	cfg := config.DefaultCallConfig()
	cfg.FramePeriod = 2 * time.Millisecond
	cfg.PacingDelay = time.Millisecond
	cfg.PushTimeout = 50 * time.Millisecond
	cfg.WatchdogInterval = time.Hour
	cfg.ConnectAttempts = 1
	cfg.ConnectBackoff = time.Millisecond
	return cfg
}

// pcmFrames returns n frames worth of 8kHz PCM16 bytes.
func pcmFrames(n int) []byte {
	return make([]byte, n*audio.FrameSize*2)
}

type harness struct {
	t         *testing.T
	session   *Session
	adapter   *fakeAdapter
	transport *fakeTransport
	listener  *recordingListener
	clock     *fakeClock
	summary   chan Summary
}

func startSession(t *testing.T, adapter *fakeAdapter, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		adapter:   adapter,
		transport: newFakeTransport(),
		listener:  newRecordingListener(),
		clock:     newFakeClock(),
		summary:   make(chan Summary, 1),
	}
	opts := Options{
		CallID:    "call_test",
		TenantID:  "tenant_1",
		Agent:     &config.AgentConfig{TenantID: "tenant_1", Greeting: "Say hello"},
		Config:    testCallConfig(),
		Adapter:   adapter,
		Transport: h.transport,
		Listener:  h.listener,
		Clock:     h.clock.Now,
		FallbackClip: func() ([][]byte, error) {
			return nil, nil
		},
	}
	if mutate != nil {
		mutate(&opts)
	}
	s, err := NewSession(opts)
	require.NoError(t, err)
	h.session = s

	ctx, cancel := context.WithCancel(context.Background())
	go func() { h.summary <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.summary:
		case <-time.After(2 * time.Second):
		}
	})
	return h
}

func (h *harness) waitState(want State) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.session.State() == want }, 2*time.Second, time.Millisecond,
		"state %s, want %s", h.session.State(), want)
}

func (h *harness) waitActive(rid string) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.session.Snapshot().ActiveResponseID == rid }, 2*time.Second, time.Millisecond)
}

func (h *harness) waitSummary() Summary {
	h.t.Helper()
	select {
	case s := <-h.summary:
		h.summary <- s
		return s
	case <-time.After(3 * time.Second):
		h.t.Fatal("session did not end")
		return Summary{}
	}
}

// completeGreeting runs the greeting turn to LISTENING with its audio played.
func (h *harness) completeGreeting() {
	h.t.Helper()
	h.adapter.emit(provider.SessionUpdated())
	require.Eventually(h.t, func() bool { return len(h.adapter.Creates()) == 1 }, 2*time.Second, time.Millisecond)
	h.adapter.emit(provider.ResponseCreated("resp_greet"))
	h.adapter.emit(provider.AudioDelta("resp_greet", pcmFrames(2)))
	h.adapter.emit(provider.AudioDone("resp_greet"))
	h.adapter.emit(provider.TranscriptDone("resp_greet", "Hello, how can I help?"))
	h.waitState(StateListening)
	h.waitActive("")
}
