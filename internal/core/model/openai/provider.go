package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClareAI/astra-voice-bridge/internal/core/audio"
	"github.com/ClareAI/astra-voice-bridge/internal/core/model/provider"
	"github.com/ClareAI/astra-voice-bridge/pkg/logger"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	eventBufferSize   = 256
	handshakeTimeout  = 10 * time.Second
	closeWriteTimeout = 2 * time.Second
)

// Config holds the realtime endpoint settings.
type Config struct {
	APIKey             string
	URL                string
	Model              string
	TranscriptionModel string
}

var _ provider.Adapter = (*Provider)(nil)

// Provider is the duplex realtime adapter. One instance serves one call.
type Provider struct {
	cfg     Config
	session provider.SessionConfig

	conn    *websocket.Conn
	writeMu sync.Mutex

	events    chan provider.Event
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
	started   atomic.Bool

	accountant *provider.FrameAccountant

	cancelMu   sync.Mutex
	lastCancel string
}

// NewProvider creates an unconnected realtime adapter.
func NewProvider(cfg Config, session provider.SessionConfig) *Provider {
	return &Provider{
		cfg:        cfg,
		session:    session,
		events:     make(chan provider.Event, eventBufferSize),
		done:       make(chan struct{}),
		accountant: provider.NewFrameAccountant(sampleRate, 1),
	}
}

func (p *Provider) Type() provider.ProviderType           { return provider.ProviderTypeRealtime }
func (p *Provider) Events() <-chan provider.Event         { return p.events }
func (p *Provider) InputSampleRate() int                  { return sampleRate }
func (p *Provider) OutputSampleRate() int                 { return sampleRate }
func (p *Provider) Accounting() *provider.FrameAccountant { return p.accountant }
func (p *Provider) StrictAccounting() bool                { return true }

// Connect dials the realtime endpoint, sends session.update and starts the
// read loop. It may be retried until it succeeds once.
func (p *Provider) Connect(ctx context.Context) error {
	if p.started.Load() {
		return nil
	}
	if p.closed.Load() {
		return errors.New("realtime adapter is closed")
	}

	endpoint, err := url.Parse(p.cfg.URL)
	if err != nil {
		return fmt.Errorf("invalid realtime url: %w", err)
	}
	if p.cfg.Model != "" {
		q := endpoint.Query()
		q.Set("model", p.cfg.Model)
		endpoint.RawQuery = q.Encode()
	}

	headers := make(http.Header)
	headers.Set("Authorization", "Bearer "+p.cfg.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	dialer := &websocket.Dialer{HandshakeTimeout: handshakeTimeout, Proxy: http.ProxyFromEnvironment}
	conn, resp, err := dialer.DialContext(ctx, endpoint.String(), headers)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("realtime dial failed (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("realtime dial failed: %w", err)
	}
	p.writeMu.Lock()
	p.conn = conn
	p.writeMu.Unlock()

	update := clientEvent{
		Type: "session.update",
		Session: buildSessionConfig(
			p.session.Instructions,
			p.session.Voice,
			p.session.Language,
			p.cfg.TranscriptionModel,
			p.session.Speed,
		),
	}
	if err := p.send(update); err != nil {
		p.writeMu.Lock()
		p.conn = nil
		p.writeMu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("failed to send session.update: %w", err)
	}

	p.started.Store(true)
	go p.readLoop()

	logger.Base().Info("Realtime session connected",
		zap.String("call_id", p.session.CallID),
		zap.String("model", p.cfg.Model))
	return nil
}

// SendAudio appends caller audio to the input buffer.
func (p *Provider) SendAudio(ctx context.Context, samples []int16) error {
	if len(samples) == 0 {
		return nil
	}
	return p.send(clientEvent{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(audio.PCM16ToBytes(samples)),
	})
}

// CreateResponse requests a model turn, optionally with per-turn instructions.
func (p *Provider) CreateResponse(ctx context.Context, instructions string) error {
	ev := clientEvent{Type: "response.create"}
	if instructions != "" {
		ev.Response = &responseParams{Instructions: instructions}
	}
	return p.send(ev)
}

// CancelResponse sends response.cancel without waiting for confirmation.
func (p *Provider) CancelResponse(ctx context.Context, responseID string) error {
	p.cancelMu.Lock()
	p.lastCancel = responseID
	p.cancelMu.Unlock()
	return p.send(clientEvent{Type: "response.cancel", ResponseID: responseID})
}

func (p *Provider) lastCancelled() string {
	p.cancelMu.Lock()
	defer p.cancelMu.Unlock()
	return p.lastCancel
}

func (p *Provider) send(ev clientEvent) error {
	if p.closed.Load() {
		return errors.New("realtime adapter is closed")
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if p.conn == nil {
		return errors.New("realtime adapter is not connected")
	}
	return p.conn.WriteJSON(ev)
}

func (p *Provider) readLoop() {
	defer close(p.events)

	norm := &normalizer{callID: p.session.CallID, lastCancel: p.lastCancelled}
	for {
		messageType, data, err := p.conn.ReadMessage()
		if err != nil {
			if !p.closed.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Base().Warn("Realtime read failed",
					zap.String("call_id", p.session.CallID), zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		for _, ev := range norm.normalize(data) {
			if !p.emit(ev) {
				return
			}
		}
	}
}

func (p *Provider) emit(ev provider.Event) bool {
	if ev.Kind == provider.EventAudioDelta {
		p.accountant.Expect(ev.ResponseID, len(ev.Audio))
	}
	select {
	case p.events <- ev:
		return true
	case <-p.done:
		return false
	}
}

// Close ends the websocket session; the event channel closes once the read
// loop exits.
func (p *Provider) Close() error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.done)
		p.writeMu.Lock()
		conn := p.conn
		if conn != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(closeWriteTimeout))
		}
		p.writeMu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		if !p.started.Load() {
			close(p.events)
		}
	})
	return nil
}
