package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClareAI/astra-voice-bridge/internal/core/audio"
	"github.com/ClareAI/astra-voice-bridge/internal/core/model/provider"
	"github.com/ClareAI/astra-voice-bridge/pkg/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

const (
	inputSampleRate  = 16000
	outputSampleRate = 24000

	eventBufferSize    = 256
	controlBufferSize  = 64
	utteranceQueueSize = 4

	prerollSamples      = inputSampleRate * 300 / 1000
	minUtteranceSamples = inputSampleRate * 200 / 1000
	maxUtteranceSamples = inputSampleRate * 30

	defaultVADThreshold = 0.02
	vadOnsetChunks      = 3
	vadHangoverChunks   = 25

	transcribeTimeout = 15 * time.Second
	continuePrompt    = "Please continue."
)

// Config holds the fallback pairing settings.
type Config struct {
	APIKey       string
	Model        string
	Language     string
	VADThreshold float64
}

type controlKind int

const (
	ctlSpeechStarted controlKind = iota + 1
	ctlCancel
	ctlUserText
)

type controlMsg struct {
	kind       controlKind
	responseID string
	text       string
}

var _ provider.Adapter = (*Provider)(nil)

// Provider is the fallback adapter: Gemini Live produces the spoken reply
// while Whisper transcribes caller utterances endpointed by an energy VAD.
// Gemini turns have no ids, so each turn is assigned a synthetic response id.
type Provider struct {
	cfg     Config
	session provider.SessionConfig
	dial    liveDialer
	stt     Transcriber

	live    liveSession
	writeMu sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc

	events     chan provider.Event
	inbox      chan *genai.LiveServerMessage
	control    chan controlMsg
	utterances chan []int16
	done       chan struct{}
	closeOnce  sync.Once
	closed     atomic.Bool
	started    atomic.Bool

	accountant *provider.FrameAccountant
	dropLog    rate.Sometimes

	// Ingest side, owned by the SendAudio caller.
	vad       *audio.EnergyVAD
	preroll   []int16
	utterance []int16

	// Turn state, owned by pump.
	setupSeen     bool
	turnID        string
	turnCancelled bool
	transcript    strings.Builder
}

// NewProvider creates an unconnected fallback adapter backed by genai.
func NewProvider(cfg Config, session provider.SessionConfig, stt Transcriber) *Provider {
	return newProvider(cfg, session, stt, genaiDialer(cfg.APIKey, cfg.Model))
}

func newProvider(cfg Config, session provider.SessionConfig, stt Transcriber, dial liveDialer) *Provider {
	threshold := cfg.VADThreshold
	if threshold <= 0 {
		threshold = defaultVADThreshold
	}
	return &Provider{
		cfg:        cfg,
		session:    session,
		dial:       dial,
		stt:        stt,
		events:     make(chan provider.Event, eventBufferSize),
		inbox:      make(chan *genai.LiveServerMessage, eventBufferSize),
		control:    make(chan controlMsg, controlBufferSize),
		utterances: make(chan []int16, utteranceQueueSize),
		done:       make(chan struct{}),
		accountant: provider.NewFrameAccountant(outputSampleRate, 2),
		dropLog:    rate.Sometimes{Interval: 5 * time.Second},
		vad:        audio.NewEnergyVAD(threshold, vadOnsetChunks, vadHangoverChunks),
	}
}

func (p *Provider) Type() provider.ProviderType           { return provider.ProviderTypeGeminiWhisper }
func (p *Provider) Events() <-chan provider.Event         { return p.events }
func (p *Provider) InputSampleRate() int                  { return inputSampleRate }
func (p *Provider) OutputSampleRate() int                 { return outputSampleRate }
func (p *Provider) Accounting() *provider.FrameAccountant { return p.accountant }
func (p *Provider) StrictAccounting() bool                { return false }

// Connect opens the Live session and starts the receive, pump and
// transcription goroutines.
func (p *Provider) Connect(ctx context.Context) error {
	if p.started.Load() {
		return nil
	}
	if p.closed.Load() {
		return errors.New("fallback adapter is closed")
	}

	live, err := p.dial(ctx, liveConfig(p.session.Instructions, p.session.Voice))
	if err != nil {
		return err
	}
	p.live = live
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.started.Store(true)

	go p.readLoop()
	go p.pump()
	go p.transcribeLoop()

	logger.Base().Info("Fallback session connected",
		zap.String("call_id", p.session.CallID),
		zap.String("model", p.cfg.Model))
	return nil
}

// SendAudio runs the energy VAD over caller audio and hands finished
// utterances to the transcription worker.
func (p *Provider) SendAudio(ctx context.Context, samples []int16) error {
	if !p.started.Load() || p.closed.Load() {
		return errors.New("fallback adapter is not connected")
	}

	ev := p.vad.Process(samples)
	if ev == audio.VADSpeechStart {
		p.utterance = append(p.utterance[:0], p.preroll...)
		p.preroll = p.preroll[:0]
		p.notify(controlMsg{kind: ctlSpeechStarted})
	}

	if p.vad.Speaking() || ev == audio.VADSpeechEnd {
		p.utterance = append(p.utterance, samples...)
	} else {
		p.preroll = append(p.preroll, samples...)
		if over := len(p.preroll) - prerollSamples; over > 0 {
			p.preroll = append(p.preroll[:0], p.preroll[over:]...)
		}
	}

	if ev == audio.VADSpeechEnd || len(p.utterance) >= maxUtteranceSamples {
		p.submitUtterance()
	}
	return nil
}

func (p *Provider) submitUtterance() {
	utt := p.utterance
	p.utterance = nil
	if len(utt) < minUtteranceSamples {
		return
	}
	select {
	case p.utterances <- utt:
	default:
		p.dropLog.Do(func() {
			logger.Base().Warn("Transcription queue full, dropping utterance",
				zap.String("call_id", p.session.CallID))
		})
	}
}

func (p *Provider) notify(c controlMsg) {
	select {
	case p.control <- c:
	case <-p.done:
	default:
		p.dropLog.Do(func() {
			logger.Base().Warn("Fallback control queue full",
				zap.String("call_id", p.session.CallID))
		})
	}
}

// CreateResponse sends instructions as a text turn, which makes the model
// speak.
func (p *Provider) CreateResponse(ctx context.Context, instructions string) error {
	if instructions == "" {
		instructions = continuePrompt
	}
	return p.sendText(instructions)
}

// CancelResponse drops the rest of the turn locally; Live has no cancel verb.
func (p *Provider) CancelResponse(ctx context.Context, responseID string) error {
	if !p.started.Load() {
		return errors.New("fallback adapter is not connected")
	}
	p.notify(controlMsg{kind: ctlCancel, responseID: responseID})
	return nil
}

func (p *Provider) sendText(text string) error {
	if p.closed.Load() || p.live == nil {
		return errors.New("fallback adapter is not connected")
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := p.live.SendRealtimeInput(genai.LiveRealtimeInput{Text: text}); err != nil {
		return fmt.Errorf("failed to send text turn: %w", err)
	}
	return nil
}

func (p *Provider) readLoop() {
	defer close(p.inbox)
	for {
		msg, err := p.live.Receive()
		if err != nil {
			if !p.closed.Load() {
				logger.Base().Warn("Fallback live receive failed",
					zap.String("call_id", p.session.CallID), zap.Error(err))
			}
			return
		}
		select {
		case p.inbox <- msg:
		case <-p.done:
			return
		}
	}
}

// pump is the only writer of the event channel.
func (p *Provider) pump() {
	defer close(p.events)
	for {
		select {
		case msg, ok := <-p.inbox:
			if !ok {
				return
			}
			p.handleMessage(msg)
		case c := <-p.control:
			p.handleControl(c)
		}
	}
}

func (p *Provider) handleMessage(msg *genai.LiveServerMessage) {
	if msg == nil {
		return
	}
	if msg.SetupComplete != nil && !p.setupSeen {
		p.setupSeen = true
		p.emit(provider.SetupComplete())
		// Configuration travels with setup, so setup completion confirms it.
		p.emit(provider.SessionUpdated())
	}
	if msg.GoAway != nil {
		logger.Base().Warn("Fallback live session going away", zap.String("call_id", p.session.CallID))
	}

	sc := msg.ServerContent
	if sc == nil {
		return
	}
	if sc.Interrupted {
		if p.turnID != "" && !p.turnCancelled {
			p.accountant.Discard(p.turnID)
			p.emit(provider.ResponseCancelled(p.turnID))
		}
		p.resetTurn()
	}
	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part != nil && part.InlineData != nil && len(part.InlineData.Data) > 0 {
				p.onAudio(part.InlineData.Data)
			}
		}
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		p.onTranscript(sc.OutputTranscription.Text)
	}
	if sc.TurnComplete {
		p.finishTurn()
	}
}

func (p *Provider) beginTurn() {
	if p.turnID != "" {
		return
	}
	p.turnID = "resp_" + uuid.NewString()
	p.turnCancelled = false
	p.transcript.Reset()
	p.emit(provider.ResponseCreated(p.turnID))
}

func (p *Provider) onAudio(pcm []byte) {
	p.beginTurn()
	if p.turnCancelled {
		return
	}
	p.emit(provider.AudioDelta(p.turnID, append([]byte(nil), pcm...)))
}

func (p *Provider) onTranscript(text string) {
	p.beginTurn()
	p.transcript.WriteString(text)
	if !p.turnCancelled {
		p.emit(provider.TranscriptDelta(p.turnID, text))
	}
}

func (p *Provider) finishTurn() {
	if p.turnID == "" {
		return
	}
	if !p.turnCancelled {
		id := p.turnID
		p.emit(provider.AudioDone(id))
		p.emit(provider.TranscriptDone(id, strings.TrimSpace(p.transcript.String())))
		p.emit(provider.ResponseDone(id))
	}
	p.resetTurn()
}

func (p *Provider) resetTurn() {
	p.turnID = ""
	p.turnCancelled = false
	p.transcript.Reset()
}

func (p *Provider) handleControl(c controlMsg) {
	switch c.kind {
	case ctlSpeechStarted:
		p.emit(provider.SpeechStarted())

	case ctlCancel:
		if c.responseID == "" || c.responseID != p.turnID || p.turnCancelled {
			p.emit(provider.ErrorEvent(provider.NewProtocolError(provider.CodeCancelNotActive, c.responseID, nil)))
			return
		}
		p.turnCancelled = true
		p.accountant.Discard(c.responseID)
		p.emit(provider.ResponseCancelled(c.responseID))

	case ctlUserText:
		p.emit(provider.UserTranscript(c.text))
		if p.turnCancelled {
			// The model abandons the old turn once it hears the new one.
			p.resetTurn()
		}
		if err := p.sendText(c.text); err != nil {
			logger.Base().Warn("Failed to forward transcript to fallback model",
				zap.String("call_id", p.session.CallID), zap.Error(err))
		}
	}
}

func (p *Provider) emit(ev provider.Event) {
	if ev.Kind == provider.EventAudioDelta {
		p.accountant.Expect(ev.ResponseID, len(ev.Audio))
	}
	select {
	case p.events <- ev:
	case <-p.done:
	}
}

func (p *Provider) transcribeLoop() {
	for {
		select {
		case <-p.done:
			return
		case utt := <-p.utterances:
			ctx, cancel := context.WithTimeout(p.ctx, transcribeTimeout)
			text, err := p.stt.Transcribe(ctx, encodeWAV(utt, inputSampleRate), p.cfg.Language)
			cancel()
			if err != nil {
				logger.Base().Warn("Utterance transcription failed",
					zap.String("call_id", p.session.CallID), zap.Error(err))
				continue
			}
			if text == "" {
				continue
			}
			select {
			case p.control <- controlMsg{kind: ctlUserText, text: text}:
			case <-p.done:
				return
			}
		}
	}
}

// Close ends the Live session; the event channel closes once the pump exits.
func (p *Provider) Close() error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.done)
		if p.cancel != nil {
			p.cancel()
		}
		if p.live != nil {
			_ = p.live.Close()
		}
		if !p.started.Load() {
			close(p.events)
		}
	})
	return nil
}
